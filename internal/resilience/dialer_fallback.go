package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/soundlink/pkg/backend"
)

// DialerFallback implements [backend.Dialer] with failover across several
// gateways. Each gateway has its own circuit breaker; rejected credentials
// are returned immediately because no other gateway would accept them.
type DialerFallback struct {
	failover *Failover[backend.Dialer]
}

var _ backend.Dialer = (*DialerFallback)(nil)

// NewDialerFallback creates a DialerFallback with primary as the preferred
// gateway.
func NewDialerFallback(primary backend.Dialer, primaryName string, breaker CircuitBreakerConfig) *DialerFallback {
	if breaker.IsFailure == nil {
		breaker.IsFailure = func(err error) bool { return !isCredentialError(err) }
	}
	f := NewFailover[backend.Dialer](breaker, isCredentialError)
	f.Add(primaryName, primary)
	return &DialerFallback{failover: f}
}

// AddFallback registers another gateway, tried after those added before it.
func (d *DialerFallback) AddFallback(name string, dialer backend.Dialer) {
	d.failover.Add(name, dialer)
}

// Connect opens a session on the first gateway that accepts it.
func (d *DialerFallback) Connect(ctx context.Context, creds backend.Credentials) (backend.Client, error) {
	return Call(d.failover, func(dl backend.Dialer) (backend.Client, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return dl.Connect(ctx, creds)
	})
}

// States returns each gateway's breaker state keyed by name.
func (d *DialerFallback) States() map[string]State {
	return d.failover.States()
}

func isCredentialError(err error) bool {
	return errors.Is(err, backend.ErrAuth) || errors.Is(err, context.Canceled)
}

// Check reports [ErrAllFailed] while every gateway's breaker is open. It
// matches the health checker signature.
func (d *DialerFallback) Check(context.Context) error {
	for _, s := range d.States() {
		if s != StateOpen {
			return nil
		}
	}
	return ErrAllFailed
}
