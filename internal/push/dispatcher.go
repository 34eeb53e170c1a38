package push

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/owenbray/pulse/internal/expo"
	"github.com/owenbray/pulse/internal/metrics"
)

// Transport is the two-phase push delivery surface: batch send returns
// tickets, ticket IDs later resolve into receipts.
type Transport interface {
	SendMessages(ctx context.Context, messages []expo.Message) ([]expo.Ticket, error)
	GetReceipts(ctx context.Context, ticketIDs []string) (map[string]expo.Receipt, error)
}

// TokenPruner removes push tokens the delivery service reports as
// permanently dead.
type TokenPruner interface {
	RemovePushToken(ctx context.Context, token string) error
}

// DispatchOutcome is the result of sending all chunks.
type DispatchOutcome struct {
	Tickets     []expo.Ticket
	ChunkErrors []error
	Failed      int
}

// Dispatcher sends message chunks and classifies per-message failures.
type Dispatcher struct {
	transport Transport
	pruner    TokenPruner
	logger    *zap.Logger
}

// NewDispatcher creates a dispatch engine.
func NewDispatcher(transport Transport, pruner TokenPruner, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{transport: transport, pruner: pruner, logger: logger}
}

// Send delivers chunks one at a time. Sequential sending is deliberate:
// it spreads load against the delivery service's rate limits, and chunk
// counts are small. One chunk's transport failure is isolated into
// ChunkErrors and does not abort its siblings. A MessageRateExceeded or
// unrecognized ticket error aborts the whole dispatch.
func (d *Dispatcher) Send(ctx context.Context, chunks [][]expo.Message) (*DispatchOutcome, error) {
	outcome := &DispatchOutcome{}

	for i, chunk := range chunks {
		tickets, err := d.transport.SendMessages(ctx, chunk)
		if err != nil {
			d.logger.Error("chunk send failed",
				zap.Error(err),
				zap.Int("chunk", i),
				zap.Int("messages", len(chunk)),
			)
			outcome.ChunkErrors = append(outcome.ChunkErrors, fmt.Errorf("chunk %d: %w", i, err))
			continue
		}

		for j, ticket := range tickets {
			token := ""
			if j < len(chunk) {
				token = chunk[j].To
			}
			if err := d.classifyTicket(ctx, ticket, token, outcome); err != nil {
				return outcome, err
			}
		}
	}

	return outcome, nil
}

func (d *Dispatcher) classifyTicket(ctx context.Context, ticket expo.Ticket, token string, outcome *DispatchOutcome) error {
	outcome.Tickets = append(outcome.Tickets, ticket)

	if ticket.Status != expo.StatusError {
		return nil
	}

	outcome.Failed++

	switch code := ticket.ErrCode(); code {
	case expo.ErrCodeDeviceNotRegistered:
		d.pruneToken(ctx, ticket, token)
		return nil

	case expo.ErrCodeMessageTooBig:
		d.logger.Warn("message rejected as too big",
			zap.String("token", token),
			zap.String("message", ticket.Message),
		)
		return nil

	case expo.ErrCodeMessageRateExceeded:
		// The caller is already over quota; continuing would compound
		// the violation.
		return NewError(CodeInternal,
			"push service rate limit exceeded during send")

	default:
		return NewError(CodeUnhandledInternal,
			"push service returned unrecognized ticket error %q", code)
	}
}

// pruneToken removes a dead registration. Best effort: a removal failure
// is logged, never propagated.
func (d *Dispatcher) pruneToken(ctx context.Context, ticket expo.Ticket, fallback string) {
	token := fallback
	if ticket.Details != nil && ticket.Details.ExpoPushToken != "" {
		token = ticket.Details.ExpoPushToken
	}
	if token == "" {
		return
	}

	if err := d.pruner.RemovePushToken(ctx, token); err != nil {
		d.logger.Error("failed to remove dead push token",
			zap.Error(err),
			zap.String("token", token),
		)
		return
	}

	metrics.RecordTokenPruned()
	d.logger.Info("removed unregistered push token", zap.String("token", token))
}
