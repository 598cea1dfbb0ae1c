// Package plugin maps backend names to the factories that build their executors.
package plugin

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"appbroker/internal/executor"
	"appbroker/internal/store"
)

var ErrDuplicatePlugin = errors.New("plugin already registered")

// Descriptor describes a backend for discovery.
type Descriptor struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Factory builds executors for one backend.
type Factory interface {
	Descriptor() Descriptor

	// Validate checks a submission payload against the backend schema.
	Validate(payload map[string]any) error

	// NewAppID returns a fresh, never reused application id.
	NewAppID() string

	// New returns an executor in state created. It does not touch the backend.
	New(appID string) (executor.Executor, error)

	// Restore rebuilds an executor from persisted state without provisioning.
	Restore(snap *store.Snapshot) (executor.Executor, error)
}

// Registry is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, f Factory) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("plugin name is required")
	}
	if f == nil {
		return fmt.Errorf("plugin %q: nil factory", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, name)
	}
	r.factories[name] = f
	return nil
}

func (r *Registry) Resolve(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", executor.ErrUnknownBackend, name)
	}
	return f, nil
}

// Describe lists the registered backends sorted by name.
func (r *Registry) Describe() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.factories))
	for name, f := range r.factories {
		d := f.Descriptor()
		d.Name = name
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b Descriptor) int { return strings.Compare(a.Name, b.Name) })
	return out
}
