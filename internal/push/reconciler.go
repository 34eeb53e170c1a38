package push

import (
	"context"

	"go.uber.org/zap"

	"github.com/owenbray/pulse/internal/expo"
	"github.com/owenbray/pulse/internal/metrics"
)

// Reconcile statuses.
const (
	ReconcileOK             = "ok"
	ReconcilePartialFailure = "partial-failure"
)

// ReconcileResult maps each requested ticket ID to its receipt, or nil
// when the receipt is still pending or its chunk could not be fetched.
type ReconcileResult struct {
	Status   string
	Receipts map[string]*expo.Receipt

	Delivered int
	Failed    int
}

// Reconciler polls delivery receipts for previously issued tickets,
// classifies outcomes, and prunes dead registrations.
type Reconciler struct {
	transport Transport
	pruner    TokenPruner
	logger    *zap.Logger
}

// NewReconciler creates a receipt reconciler.
func NewReconciler(transport Transport, pruner TokenPruner, logger *zap.Logger) *Reconciler {
	return &Reconciler{transport: transport, pruner: pruner, logger: logger}
}

// Reconcile fetches receipts for the given ticket IDs in transport-sized
// chunks. A chunk fetch failure leaves its tickets unresolved and marks
// the result partial rather than failing the whole reconciliation. A
// MessageRateExceeded or unrecognized receipt error aborts the remaining
// chunks; polling under an active rate violation is counterproductive.
func (r *Reconciler) Reconcile(ctx context.Context, ticketIDs []string) (*ReconcileResult, error) {
	// Tickets rejected at send time never got an ID; there is nothing
	// to poll for them.
	ids := make([]string, 0, len(ticketIDs))
	for _, id := range ticketIDs {
		if id != "" {
			ids = append(ids, id)
		}
	}

	result := &ReconcileResult{
		Status:   ReconcileOK,
		Receipts: make(map[string]*expo.Receipt, len(ids)),
	}
	for _, id := range ids {
		result.Receipts[id] = nil
	}

	for start := 0; start < len(ids); start += expo.MaxReceiptIDsPerQuery {
		end := start + expo.MaxReceiptIDsPerQuery
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		receipts, err := r.transport.GetReceipts(ctx, chunk)
		if err != nil {
			// Those tickets stay unknown; a partial result is still
			// useful.
			r.logger.Error("receipt chunk fetch failed",
				zap.Error(err),
				zap.Int("tickets", len(chunk)),
			)
			result.Status = ReconcilePartialFailure
			continue
		}

		for id, receipt := range receipts {
			receipt := receipt
			result.Receipts[id] = &receipt

			if err := r.classifyReceipt(ctx, id, &receipt, result); err != nil {
				return result, err
			}
		}
	}

	unknown := 0
	for _, receipt := range result.Receipts {
		if receipt == nil {
			unknown++
		}
	}
	metrics.RecordReceipts(result.Delivered, result.Failed, unknown)

	return result, nil
}

func (r *Reconciler) classifyReceipt(ctx context.Context, id string, receipt *expo.Receipt, result *ReconcileResult) error {
	if receipt.Status != expo.StatusError {
		result.Delivered++
		return nil
	}

	result.Failed++

	switch code := receipt.ErrCode(); code {
	case expo.ErrCodeDeviceNotRegistered:
		// Idempotent: the token may already be gone from an earlier
		// ticket or receipt for the same device.
		if receipt.Details != nil && receipt.Details.ExpoPushToken != "" {
			if err := r.pruner.RemovePushToken(ctx, receipt.Details.ExpoPushToken); err != nil {
				r.logger.Error("failed to remove dead push token",
					zap.Error(err),
					zap.String("token", receipt.Details.ExpoPushToken),
				)
			} else {
				metrics.RecordTokenPruned()
			}
		}
		return nil

	case expo.ErrCodeMessageTooBig:
		r.logger.Warn("delivery failed, message too big",
			zap.String("ticket_id", id),
			zap.String("message", receipt.Message),
		)
		return nil

	case expo.ErrCodeMessageRateExceeded:
		return NewError(CodeUnhandledInternal,
			"push service rate limit exceeded while fetching receipts")

	default:
		return NewError(CodeUnhandledInternal,
			"push service returned unrecognized receipt error %q", code)
	}
}
