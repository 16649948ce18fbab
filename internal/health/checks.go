package health

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/MrWong99/livetutor/internal/resilience"
)

// ErrNotReady is wrapped by the checkers in this file when the dependency they
// probe cannot serve a new session.
var ErrNotReady = errors.New("not ready")

// BreakerCheck fails when every backend's circuit breaker is open, i.e. when
// a session start would be refused without dialling anything. A backend in
// half-open state counts as available.
func BreakerCheck(states func() map[string]resilience.State) Checker {
	return Checker{
		Name: "breaker",
		Check: func(context.Context) error {
			st := states()
			if len(st) == 0 {
				return fmt.Errorf("%w: no backends configured", ErrNotReady)
			}
			var open []string
			for name, s := range st {
				if s != resilience.StateOpen {
					return nil
				}
				open = append(open, name)
			}
			slices.Sort(open)
			return fmt.Errorf("%w: circuit open for %s", ErrNotReady, strings.Join(open, ", "))
		},
	}
}

// FuncCheck adapts a context-free probe into a named [Checker].
func FuncCheck(name string, fn func() error) Checker {
	return Checker{
		Name:  name,
		Check: func(context.Context) error { return fn() },
	}
}
