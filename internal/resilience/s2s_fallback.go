package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/livetutor/pkg/provider/s2s"
)

// S2SFallback implements [s2s.Provider] with automatic failover across
// several realtime backends. Each backend has its own circuit breaker; when
// the primary refuses the connection or its breaker is open, the next healthy
// fallback is dialled.
//
// Only session establishment is covered. Once Connect returns, the session
// belongs to the backend that accepted it and mid-session failures are
// reported through its event stream as usual.
type S2SFallback struct {
	group *FallbackGroup[s2s.Provider]
}

var _ s2s.Provider = (*S2SFallback)(nil)

// NewS2SFallback creates an [S2SFallback] with primary as the preferred
// backend. Cancellation of the Connect context never counts against a
// backend's breaker unless cfg supplies its own IsFailure.
func NewS2SFallback(primary s2s.Provider, cfg FallbackConfig) *S2SFallback {
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = IsConnectFailure
	}
	return &S2SFallback{
		group: NewFallbackGroup(primary, primary.Name(), cfg),
	}
}

// AddFallback registers an additional backend, tried after the primary and
// any previously added fallbacks.
func (f *S2SFallback) AddFallback(p s2s.Provider) {
	f.group.AddFallback(p.Name(), p)
}

// Name returns the primary backend's name.
func (f *S2SFallback) Name() string {
	return f.group.Primary().Name()
}

// Backends returns the backend names in dial order.
func (f *S2SFallback) Backends() []string {
	return f.group.Names()
}

// States returns each backend's circuit breaker state keyed by name.
func (f *S2SFallback) States() map[string]State {
	return f.group.States()
}

// Connect dials the first healthy backend.
func (f *S2SFallback) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p s2s.Provider) (s2s.SessionHandle, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return p.Connect(ctx, cfg)
	})
}

// IsConnectFailure reports whether err should count against a backend.
// Cancelled or expired contexts are the caller giving up, not the backend
// failing.
func IsConnectFailure(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
