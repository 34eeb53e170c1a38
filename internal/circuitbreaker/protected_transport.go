package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/owenbray/pulse/internal/expo"
)

// Transport mirrors the push delivery surface to avoid circular imports.
type Transport interface {
	SendMessages(ctx context.Context, messages []expo.Message) ([]expo.Ticket, error)
	GetReceipts(ctx context.Context, ticketIDs []string) (map[string]expo.Receipt, error)
}

// ProtectedTransport wraps a Transport with a CircuitBreaker. Both the
// send and receipt calls share one circuit; they hit the same upstream.
type ProtectedTransport struct {
	transport Transport
	breaker   *CircuitBreaker
	logger    *zap.Logger
}

// NewProtectedTransport wraps a transport with circuit breaker protection.
func NewProtectedTransport(transport Transport, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedTransport {
	return &ProtectedTransport{
		transport: transport,
		breaker:   breaker,
		logger:    logger,
	}
}

// SendMessages delivers a chunk through the circuit breaker. If the
// circuit is open the chunk fails fast with ErrCircuitOpen.
func (p *ProtectedTransport) SendMessages(ctx context.Context, messages []expo.Message) ([]expo.Ticket, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.config.Name),
			zap.Int("messages", len(messages)),
			zap.String("state", p.breaker.GetState().String()),
		)
		return nil, fmt.Errorf("%w: %s unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	tickets, err := p.transport.SendMessages(ctx, messages)
	if err != nil {
		p.breaker.RecordFailure()
		return nil, err
	}

	p.breaker.RecordSuccess()
	return tickets, nil
}

// GetReceipts fetches receipts through the circuit breaker.
func (p *ProtectedTransport) GetReceipts(ctx context.Context, ticketIDs []string) (map[string]expo.Receipt, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected receipt query",
			zap.String("breaker", p.breaker.config.Name),
			zap.Int("tickets", len(ticketIDs)),
			zap.String("state", p.breaker.GetState().String()),
		)
		return nil, fmt.Errorf("%w: %s unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	receipts, err := p.transport.GetReceipts(ctx, ticketIDs)
	if err != nil {
		p.breaker.RecordFailure()
		return nil, err
	}

	p.breaker.RecordSuccess()
	return receipts, nil
}

// Breaker exposes the underlying circuit breaker for the health endpoint.
func (p *ProtectedTransport) Breaker() *CircuitBreaker {
	return p.breaker
}
