package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/livetutor/pkg/provider/s2s"
	smock "github.com/MrWong99/livetutor/pkg/provider/s2s/mock"
)

func TestS2SFallback_Connect_PrimarySuccess(t *testing.T) {
	primarySess := smock.NewSession(1)
	primary := &smock.Provider{ProviderName: "gemini-live", Session: primarySess}
	secondary := &smock.Provider{ProviderName: "openai-realtime"}

	fb := NewS2SFallback(primary, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback(secondary)

	cfg := s2s.SessionConfig{Voice: "Puck"}
	h, err := fb.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h != primarySess {
		t.Fatal("handle did not come from the primary")
	}
	if calls := primary.Calls(); len(calls) != 1 || calls[0].Cfg.Voice != "Puck" {
		t.Fatalf("primary calls = %+v, want one call with voice Puck", calls)
	}
	if n := len(secondary.Calls()); n != 0 {
		t.Fatalf("secondary called %d times, want 0", n)
	}
}

func TestS2SFallback_Connect_Failover(t *testing.T) {
	primary := &smock.Provider{ProviderName: "gemini-live", ConnectErr: errors.New("dial refused")}
	secondarySess := smock.NewSession(1)
	secondary := &smock.Provider{ProviderName: "openai-realtime", Session: secondarySess}

	fb := NewS2SFallback(primary, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback(secondary)

	h, err := fb.Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h != secondarySess {
		t.Fatal("handle did not come from the secondary")
	}
}

func TestS2SFallback_Connect_AllFail(t *testing.T) {
	refused := errors.New("dial refused")
	primary := &smock.Provider{ProviderName: "a", ConnectErr: refused}
	secondary := &smock.Provider{ProviderName: "b", ConnectErr: refused}

	fb := NewS2SFallback(primary, FallbackConfig{})
	fb.AddFallback(secondary)

	_, err := fb.Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, refused) {
		t.Fatalf("err = %v, want it to wrap the last backend error", err)
	}
}

func TestS2SFallback_Connect_CancelledStopsChain(t *testing.T) {
	primary := &smock.Provider{ProviderName: "a", Gate: make(chan struct{})}
	secondary := &smock.Provider{ProviderName: "b"}

	fb := NewS2SFallback(primary, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fb.AddFallback(secondary)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for len(primary.Calls()) == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	_, err := fb.Connect(ctx, s2s.SessionConfig{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrAllFailed) {
		t.Fatal("cancellation must not be reported as ErrAllFailed")
	}
	if n := len(secondary.Calls()); n != 0 {
		t.Fatalf("secondary called %d times after cancellation, want 0", n)
	}

	// The primary's breaker must still be closed after a cancelled attempt.
	primary.Gate = nil
	if _, err := fb.Connect(context.Background(), s2s.SessionConfig{}); err != nil {
		t.Fatalf("Connect after cancellation: %v", err)
	}
	if n := len(primary.Calls()); n != 2 {
		t.Fatalf("primary called %d times, want 2", n)
	}
}

func TestS2SFallback_Connect_OpenBreakerSkipsPrimary(t *testing.T) {
	primary := &smock.Provider{ProviderName: "a", ConnectErr: errors.New("503")}
	secondary := &smock.Provider{ProviderName: "b"}

	fb := NewS2SFallback(primary, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fb.AddFallback(secondary)

	for range 3 {
		if _, err := fb.Connect(context.Background(), s2s.SessionConfig{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if n := len(primary.Calls()); n != 2 {
		t.Fatalf("primary called %d times, want 2 before its breaker opened", n)
	}
	states := fb.States()
	if states["a"] != StateOpen || states["b"] != StateClosed {
		t.Fatalf("States() = %v, want a open and b closed", states)
	}
	if n := len(secondary.Calls()); n != 3 {
		t.Fatalf("secondary called %d times, want 3", n)
	}
}

func TestS2SFallback_NameAndBackends(t *testing.T) {
	fb := NewS2SFallback(&smock.Provider{ProviderName: "gemini-live"}, FallbackConfig{})
	fb.AddFallback(&smock.Provider{ProviderName: "openai-realtime"})

	if got := fb.Name(); got != "gemini-live" {
		t.Errorf("Name() = %q, want gemini-live", got)
	}
	got := fb.Backends()
	if len(got) != 2 || got[0] != "gemini-live" || got[1] != "openai-realtime" {
		t.Errorf("Backends() = %v, want [gemini-live openai-realtime]", got)
	}
}

func TestIsConnectFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errTest, true},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"wrapped canceled", errors.Join(errTest, context.Canceled), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConnectFailure(tt.err); got != tt.want {
				t.Errorf("IsConnectFailure(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
