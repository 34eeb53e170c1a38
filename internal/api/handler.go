package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/owenbray/pulse/internal/directory"
	"github.com/owenbray/pulse/internal/expo"
	"github.com/owenbray/pulse/internal/push"
	"github.com/owenbray/pulse/internal/redis"
	"github.com/owenbray/pulse/internal/sqs"
	"github.com/owenbray/pulse/internal/store"
)

// PushService runs one dispatch end to end.
type PushService interface {
	Dispatch(ctx context.Context, req push.DispatchRequest) (*push.DispatchResult, error)
}

// ReceiptReconciler resolves ticket IDs into delivery receipts.
type ReceiptReconciler interface {
	Reconcile(ctx context.Context, ticketIDs []string) (*push.ReconcileResult, error)
}

// DirectoryService looks the caller up in the identity directory.
type DirectoryService interface {
	LookupOne(ctx context.Context, q directory.Query) (*store.DirectoryEntry, error)
}

// UserStore persists derived role attributes and device registrations.
type UserStore interface {
	UpdateUserAttributes(ctx context.Context, userID string, attrs map[string]string) error
	UpsertDevice(ctx context.Context, d *store.Device) error
}

// ReceiptQueue defers receipt reconciliation for freshly issued tickets.
type ReceiptQueue interface {
	Enqueue(ctx context.Context, batch sqs.ReceiptBatch) (string, error)
}

// ErrorResponse is the problem+json error body.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// ReceiptsRequest is the body of POST /v1/push/receipts.
type ReceiptsRequest struct {
	ReceiptIDs []string `json:"receiptIds"`
}

// Handler holds dependencies for API handlers.
type Handler struct {
	logger      *zap.Logger
	pushSvc     PushService
	reconciler  ReceiptReconciler
	directory   DirectoryService
	users       UserStore
	idempotency *redis.IdempotencyService // nil if Redis not configured
	queue       ReceiptQueue              // nil if SQS not configured
}

// NewHandler creates an API handler.
func NewHandler(logger *zap.Logger, pushSvc PushService, reconciler ReceiptReconciler, dir DirectoryService, users UserStore) *Handler {
	return &Handler{
		logger:     logger,
		pushSvc:    pushSvc,
		reconciler: reconciler,
		directory:  dir,
		users:      users,
	}
}

// WithIdempotency enables redis-backed dispatch replay.
func (h *Handler) WithIdempotency(svc *redis.IdempotencyService) *Handler {
	h.idempotency = svc
	return h
}

// WithReceiptQueue enables deferred receipt reconciliation.
func (h *Handler) WithReceiptQueue(q ReceiptQueue) *Handler {
	h.queue = q
	return h
}

// DispatchPushNotification handles POST /v1/push/dispatch.
// Supports replay via the Idempotency-Key header.
func (h *Handler) DispatchPushNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ClaimsFrom(ctx)

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req push.DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, push.CodeInvalidArgument, "Malformed JSON body", err.Error())
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, claims.UserID, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate-request",
					"Request is already being processed",
					"Another dispatch with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_ = json.NewEncoder(w).Encode(map[string]string{"notificationId": cached.NotificationID})
			return
		}
	}

	result, err := h.pushSvc.Dispatch(ctx, req)
	if err != nil {
		h.logger.Error("dispatch failed",
			zap.Error(err),
			zap.String("caller", claims.UserID),
			zap.String("kind", req.AudienceKind()),
		)
		h.writePushError(w, err)
		return
	}

	h.logger.Info("push dispatched",
		zap.String("notification_id", result.NotificationID),
		zap.String("caller", claims.UserID),
		zap.Int("recipients", result.Recipients),
		zap.Int("tickets", len(result.Tickets)),
	)

	if idempotencyKey != "" && h.idempotency != nil {
		stored := &redis.DispatchResult{
			NotificationID: result.NotificationID,
			StatusCode:     http.StatusOK,
		}
		if err := h.idempotency.Store(ctx, claims.UserID, idempotencyKey, stored); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	// Ticket receipts land minutes after the send; hand them to the
	// deferred reconciliation queue rather than blocking the response.
	if h.queue != nil {
		ticketIDs := make([]string, 0, len(result.Tickets))
		for _, t := range result.Tickets {
			if t.ID != "" {
				ticketIDs = append(ticketIDs, t.ID)
			}
		}
		if len(ticketIDs) > 0 {
			if msgID, err := h.queue.Enqueue(ctx, sqs.ReceiptBatch{
				NotificationID: result.NotificationID,
				TicketIDs:      ticketIDs,
			}); err != nil {
				h.logger.Error("failed to enqueue receipt batch",
					zap.Error(err),
					zap.String("notification_id", result.NotificationID),
				)
			} else {
				h.logger.Info("receipt batch enqueued",
					zap.String("notification_id", result.NotificationID),
					zap.String("sqs_message_id", msgID),
				)
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(result)
}

// ProcessReceipts handles POST /v1/push/receipts.
func (h *Handler) ProcessReceipts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ReceiptsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, push.CodeInvalidArgument, "Malformed JSON body", err.Error())
		return
	}
	if len(req.ReceiptIDs) == 0 {
		h.writeError(w, http.StatusBadRequest, push.CodeInvalidArgument, "Missing receipt IDs", "receiptIds must be a non-empty array")
		return
	}

	result, err := h.reconciler.Reconcile(ctx, req.ReceiptIDs)
	if err != nil {
		h.logger.Error("receipt reconciliation failed", zap.Error(err))
		h.writePushError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   result.Status,
		"receipts": result.Receipts,
	})
}

// SyncClaims handles POST /v1/claims/sync. The caller is looked up in
// the identity directory and the derived role attributes are written to
// their user record. An unmatched caller still gets the public defaults.
func (h *Handler) SyncClaims(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ClaimsFrom(ctx)

	entry, err := h.directory.LookupOne(ctx, directory.Query{
		LastAssociatedUID: claims.UserID,
		UPN:               claims.UPN,
		Email:             claims.Email,
	})
	if err != nil {
		h.logger.Error("directory lookup failed",
			zap.Error(err),
			zap.String("caller", claims.UserID),
		)
		h.writeError(w, http.StatusInternalServerError, push.CodePersistence, "Directory lookup failed", "")
		return
	}

	derived := directory.Claims(entry)
	if err := h.users.UpdateUserAttributes(ctx, claims.UserID, derived); err != nil {
		h.logger.Error("failed to persist claims",
			zap.Error(err),
			zap.String("caller", claims.UserID),
		)
		h.writeError(w, http.StatusInternalServerError, push.CodePersistence, "Failed to persist claims", "")
		return
	}

	h.logger.Info("claims synced",
		zap.String("caller", claims.UserID),
		zap.Bool("matched", entry != nil),
		zap.String("db_role", derived["dbRole"]),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"claims":  derived,
		"matched": entry != nil,
	})
}

// DeviceRequest is the body of POST /v1/devices.
type DeviceRequest struct {
	DeviceID  string  `json:"deviceId"`
	PushToken *string `json:"pushToken"`
}

// RegisterDevice handles POST /v1/devices. The device is registered
// to the authenticated caller; a null pushToken clears the token.
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ClaimsFrom(ctx)

	var req DeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, push.CodeInvalidArgument, "Malformed JSON body", err.Error())
		return
	}

	if req.DeviceID == "" {
		h.writeError(w, http.StatusBadRequest, push.CodeInvalidArgument, "Missing device ID", "deviceId is required")
		return
	}
	if req.PushToken != nil && !expo.IsPushToken(*req.PushToken) {
		h.writeError(w, http.StatusBadRequest, push.CodeInvalidArgument, "Invalid push token",
			"pushToken is not a recognized push token")
		return
	}

	userID := claims.UserID
	if err := h.users.UpsertDevice(ctx, &store.Device{
		ID:        req.DeviceID,
		PushToken: req.PushToken,
		UserID:    &userID,
	}); err != nil {
		h.logger.Error("failed to register device",
			zap.Error(err),
			zap.String("device_id", req.DeviceID),
			zap.String("caller", claims.UserID),
		)
		h.writeError(w, http.StatusInternalServerError, push.CodePersistence, "Failed to register device", "")
		return
	}

	h.logger.Info("device registered",
		zap.String("device_id", req.DeviceID),
		zap.String("caller", claims.UserID),
		zap.Bool("has_token", req.PushToken != nil),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"deviceId": req.DeviceID,
	})
}

// writePushError maps pipeline error codes onto HTTP statuses.
func (h *Handler) writePushError(w http.ResponseWriter, err error) {
	code := push.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case push.CodeInvalidArgument:
		status = http.StatusBadRequest
	case push.CodeUnauthenticated:
		status = http.StatusUnauthorized
	case push.CodePermissionDenied:
		status = http.StatusForbidden
	}

	detail := ""
	var perr *push.Error
	if errors.As(err, &perr) {
		detail = perr.Message
	}

	h.writeError(w, status, code, http.StatusText(status), detail)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}
