// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to script the remote side: Emit pushes events to the consumer
// and SendCalls records the realtime input the consumer produced.
//
// Example:
//
//	sess := mock.NewSession(16)
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(s2s.Opened{})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livetutor/pkg/provider/s2s"
)

var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*Session)(nil)
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a new Session with a buffered events channel.
	Session s2s.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Gate, if non-nil, blocks Connect until a value is received or the
	// context is cancelled.
	Gate chan struct{}

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Name returns ProviderName or "mock".
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(64), nil
}

// Calls returns a copy of the recorded Connect calls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
}

// ── Session ───────────────────────────────────────────────────────────────────

// Session is a mock implementation of s2s.SessionHandle.
type Session struct {
	mu sync.Mutex

	events chan s2s.Event
	ended  bool

	// SendErr, if non-nil, is returned by SendRealtimeInput.
	SendErr error

	// SendCalls records every chunk passed to SendRealtimeInput.
	SendCalls []s2s.Blob

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	sent chan struct{}
}

// NewSession returns a Session whose events channel holds buffer items.
func NewSession(buffer int) *Session {
	return &Session{
		events: make(chan s2s.Event, buffer),
		sent:   make(chan struct{}, 1024),
	}
}

// Emit pushes ev to the consumer. It reports false once the stream has ended.
func (s *Session) Emit(ev s2s.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.events <- ev
	return true
}

// End closes the events channel without a Closed event.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked()
}

func (s *Session) endLocked() {
	if !s.ended {
		s.ended = true
		close(s.events)
	}
}

// SendRealtimeInput records the chunk and returns SendErr.
func (s *Session) SendRealtimeInput(_ context.Context, chunk s2s.Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendCalls = append(s.SendCalls, chunk)
	select {
	case s.sent <- struct{}{}:
	default:
	}
	return s.SendErr
}

// Sent returns a channel that receives one value per SendRealtimeInput call.
func (s *Session) Sent() <-chan struct{} { return s.sent }

// Sends returns a copy of the recorded chunks. Thread-safe.
func (s *Session) Sends() []s2s.Blob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]s2s.Blob, len(s.SendCalls))
	copy(out, s.SendCalls)
	return out
}

// Events returns the scripted event stream.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Close records the call, ends the stream and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.endLocked()
	return s.CloseErr
}

// Closes returns the number of Close calls. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}
