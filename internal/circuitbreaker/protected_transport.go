package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/formhub/courier/internal/db"
	"github.com/formhub/courier/internal/sender"
)

// ProtectedTransport wraps a transport with a circuit breaker. When the
// provider is down, sends fail fast with ErrCircuitOpen instead of waiting
// out the delivery timeout; the worker treats that as a transient failure
// and reschedules.
type ProtectedTransport struct {
	transport sender.Transport
	breaker   *CircuitBreaker
	logger    *zap.Logger
}

// NewProtectedTransport wraps a transport with breaker protection.
func NewProtectedTransport(transport sender.Transport, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedTransport {
	return &ProtectedTransport{
		transport: transport,
		breaker:   breaker,
		logger:    logger,
	}
}

// Send attempts delivery through the breaker.
func (p *ProtectedTransport) Send(ctx context.Context, snd *db.Sender, msg *sender.Message) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.Name()),
			zap.String("sender", snd.Slug),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s provider unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	err := p.transport.Send(ctx, snd, msg)
	if err != nil {
		p.breaker.RecordFailure()
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// SupportsType delegates to the underlying transport.
func (p *ProtectedTransport) SupportsType(senderType string) bool {
	return p.transport.SupportsType(senderType)
}

// Breaker returns the underlying circuit breaker for monitoring.
func (p *ProtectedTransport) Breaker() *CircuitBreaker {
	return p.breaker
}
