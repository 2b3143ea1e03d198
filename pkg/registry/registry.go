// Package registry maps orchestrator and activity names to their handlers.
//
// Handlers are validated when they are registered: an empty name, a nil
// handler or a duplicate name is rejected up front instead of surfacing when
// an instance first calls it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/petrijr/reelflow/pkg/api"
	"github.com/petrijr/reelflow/pkg/replay"
)

// ActivityFunc is the untyped activity signature the worker invokes.
type ActivityFunc func(ctx context.Context, input []byte) ([]byte, error)

var (
	// ErrInvalidName is returned when registering under an empty name.
	ErrInvalidName = errors.New("registry: name must not be empty")

	// ErrNilHandler is returned when registering a nil handler.
	ErrNilHandler = errors.New("registry: handler must not be nil")

	// ErrDuplicate is returned when a name is registered twice.
	ErrDuplicate = errors.New("registry: name already registered")
)

// Registry holds orchestrators and activities by name. It is safe for
// concurrent use.
type Registry struct {
	mu            sync.RWMutex
	orchestrators map[string]replay.Orchestrator
	activities    map[string]ActivityFunc
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		orchestrators: make(map[string]replay.Orchestrator),
		activities:    make(map[string]ActivityFunc),
	}
}

// AddOrchestrator registers an untyped orchestrator.
func (r *Registry) AddOrchestrator(name string, fn replay.Orchestrator) error {
	if err := validate(name, fn == nil); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orchestrators[name]; exists {
		return fmt.Errorf("orchestrator %q: %w", name, ErrDuplicate)
	}
	r.orchestrators[name] = fn
	return nil
}

// AddActivity registers an untyped activity.
func (r *Registry) AddActivity(name string, fn ActivityFunc) error {
	if err := validate(name, fn == nil); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.activities[name]; exists {
		return fmt.Errorf("activity %q: %w", name, ErrDuplicate)
	}
	r.activities[name] = fn
	return nil
}

// Orchestrator looks up an orchestrator by name. The error wraps
// api.ErrUnknownOrchestrator.
func (r *Registry) Orchestrator(name string) (replay.Orchestrator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.orchestrators[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", api.ErrUnknownOrchestrator, name)
	}
	return fn, nil
}

// Activity looks up an activity by name. The error wraps
// api.ErrUnknownActivity.
func (r *Registry) Activity(name string) (ActivityFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.activities[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", api.ErrUnknownActivity, name)
	}
	return fn, nil
}

// Orchestrators returns the registered orchestrator names, sorted.
func (r *Registry) Orchestrators() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.orchestrators))
	for name := range r.orchestrators {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Activities returns the registered activity names, sorted.
func (r *Registry) Activities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.activities))
	for name := range r.activities {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func validate(name string, nilHandler bool) error {
	if name == "" {
		return ErrInvalidName
	}
	if nilHandler {
		return fmt.Errorf("%q: %w", name, ErrNilHandler)
	}
	return nil
}
