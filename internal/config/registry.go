package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/livetutor/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by [Registry.Create] when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory constructs a realtime provider from its configuration entry.
type Factory func(ProviderEntry) (s2s.Provider, error)

// Registry maps provider names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register registers a provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Create instantiates a provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) Create(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotRegistered, entry.Name)
	}
	p, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create provider %q: %w", entry.Name, err)
	}
	return p, nil
}

// CreateAll instantiates the primary provider and every fallback in order.
func (r *Registry) CreateAll(pc ProviderConfig) ([]s2s.Provider, error) {
	entries := pc.Entries()
	out := make([]s2s.Provider, 0, len(entries))
	for _, e := range entries {
		p, err := r.Create(e)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
