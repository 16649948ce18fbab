package session

import (
	"slices"
	"sync"

	"github.com/MrWong99/livetutor/pkg/provider/s2s"
)

// Status is the connection state shown to the user.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Failed
)

// String returns the upper-case wire name, e.g. "CONNECTING".
func (s Status) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Failed:
		return "ERROR"
	default:
		return "DISCONNECTED"
	}
}

// Label is the human-readable status text.
func (s Status) Label() string {
	switch s {
	case Connecting:
		return "Connecting..."
	case Connected:
		return "Connected"
	case Failed:
		return "Error"
	default:
		return "Disconnected"
	}
}

// Color is the indicator color for the status.
func (s Status) Color() string {
	switch s {
	case Connecting:
		return "yellow"
	case Connected:
		return "green"
	case Failed:
		return "red"
	default:
		return "gray"
	}
}

// Entry is one completed transcript line. Entries are never modified once
// appended.
type Entry struct {
	Speaker s2s.Speaker `json:"speaker"`
	Text    string      `json:"text"`
}

// Snapshot is an immutable copy of the presentation state.
type Snapshot struct {
	Status     Status  `json:"-"`
	Error      string  `json:"error,omitempty"`
	Transcript []Entry `json:"transcript"`
	SessionID  string  `json:"session_id,omitempty"`
}

// Store holds the presentation state and notifies subscribers after every
// mutation. Subscribers run synchronously in mutation order and must not call
// back into the Store.
type Store struct {
	mu   sync.Mutex
	snap Snapshot
	next int
	subs map[int]func(Snapshot)
}

// NewStore returns a Store in the Disconnected state.
func NewStore() *Store {
	return &Store{subs: make(map[int]func(Snapshot))}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

// Subscribe registers fn and calls it once with the current state. The
// returned function removes the subscription.
func (s *Store) Subscribe(fn func(Snapshot)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.subs[id] = fn
	fn(s.copyLocked())
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// update applies fn and publishes the result.
func (s *Store) update(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.snap)
	snap := s.copyLocked()
	for _, sub := range s.subs {
		sub(snap)
	}
}

// failIfNotFailed moves to Failed with msg unless already Failed. It reports
// whether the error was surfaced.
func (s *Store) failIfNotFailed(msg string) bool {
	surfaced := false
	s.update(func(snap *Snapshot) {
		if snap.Status == Failed {
			return
		}
		snap.Status = Failed
		snap.Error = msg
		surfaced = true
	})
	return surfaced
}

func (s *Store) copyLocked() Snapshot {
	c := s.snap
	c.Transcript = slices.Clone(s.snap.Transcript)
	return c
}
