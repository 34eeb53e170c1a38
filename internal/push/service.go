package push

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/owenbray/pulse/internal/expo"
	"github.com/owenbray/pulse/internal/metrics"
)

// DispatchRequest is one inbound push dispatch.
type DispatchRequest struct {
	Title      string          `json:"notificationTitle"`
	Body       string          `json:"notificationBody"`
	Payload    json.RawMessage `json:"notificationPayload,omitempty"`
	Audiences  []Group         `json:"notificationAudiences,omitempty"`
	Recipients []string        `json:"notificationRecipients,omitempty"`
	SendToAll  bool            `json:"sendToAll,omitempty"`
	DryRun     bool            `json:"dryRun,omitempty"`
}

// AudienceKind reports which variant the request carries, for logging
// and metrics.
func (req DispatchRequest) AudienceKind() string {
	switch {
	case req.SendToAll:
		return "broadcast"
	case len(req.Recipients) > 0:
		return "recipients"
	default:
		return "audiences"
	}
}

// DispatchResult is the structured success payload for one dispatch.
type DispatchResult struct {
	NotificationID string        `json:"notificationId"`
	Recipients     int           `json:"recipients"`
	Tickets        []expo.Ticket `json:"tickets"`
	ChunkErrors    []string      `json:"chunkErrors,omitempty"`
	Failed         int           `json:"failed"`
}

// Service orchestrates the pipeline: validate, resolve the audience,
// persist the record, batch messages, and send. Record-then-send
// ordering is strict; a persistence failure means nothing was sent.
type Service struct {
	resolver   *Resolver
	recorder   *Recorder
	dispatcher *Dispatcher
	logger     *zap.Logger
}

// NewService wires the pipeline components.
func NewService(resolver *Resolver, recorder *Recorder, dispatcher *Dispatcher, logger *zap.Logger) *Service {
	return &Service{
		resolver:   resolver,
		recorder:   recorder,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Dispatch runs one push dispatch end to end.
func (s *Service) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	if req.Title == "" {
		return nil, NewError(CodeInvalidArgument, "notification title is required")
	}
	if req.Body == "" {
		return nil, NewError(CodeInvalidArgument, "notification body is required")
	}

	spec := AudienceSpec{
		Groups:     req.Audiences,
		Recipients: req.Recipients,
		Broadcast:  req.SendToAll,
	}

	recipients, err := s.resolver.Resolve(ctx, spec)
	if err != nil {
		return nil, err
	}

	kind := req.AudienceKind()
	s.logger.Info("audience resolved",
		zap.String("kind", kind),
		zap.Int("recipients", len(recipients)),
		zap.Bool("dry_run", req.DryRun),
	)
	metrics.RecordDispatch(kind)

	content := Content{Title: req.Title, Body: req.Body, Payload: req.Payload}
	recipientScoped := len(req.Recipients) > 0

	notificationID, err := s.recorder.CreateRecord(ctx, content, recipients, RecordOptions{
		DryRun:          req.DryRun,
		RecipientScoped: recipientScoped,
	})
	if err != nil {
		return nil, err
	}

	result := &DispatchResult{
		NotificationID: notificationID.String(),
		Recipients:     len(recipients),
		Tickets:        []expo.Ticket{},
	}

	// Dry runs send nothing, except recipient-scoped dispatches, which
	// go out for real so individual sends can be exercised end to end.
	if req.DryRun && !recipientScoped {
		s.logger.Info("dry run, not sending",
			zap.String("notification_id", result.NotificationID),
		)
		return result, nil
	}

	var tokens []string
	for _, rec := range recipients {
		tokens = append(tokens, rec.Tokens...)
	}

	chunks := BuildChunks(content, tokens, s.logger)

	outcome, err := s.dispatcher.Send(ctx, chunks)
	if outcome != nil {
		result.Tickets = append(result.Tickets, outcome.Tickets...)
		result.Failed = outcome.Failed
		for _, chunkErr := range outcome.ChunkErrors {
			result.ChunkErrors = append(result.ChunkErrors, chunkErr.Error())
		}
		metrics.RecordTickets(len(outcome.Tickets)-outcome.Failed, outcome.Failed)
	}
	if err != nil {
		return result, err
	}

	s.logger.Info("dispatch complete",
		zap.String("notification_id", result.NotificationID),
		zap.Int("tickets", len(result.Tickets)),
		zap.Int("failed", result.Failed),
		zap.Int("chunk_errors", len(result.ChunkErrors)),
	)

	return result, nil
}
