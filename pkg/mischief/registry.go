package mischief

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lokisec/loki/pkg/logger"
)

// Registry errors.
var (
	ErrInvalidPlugin = errors.New("invalid plugin descriptor")
	ErrDuplicateID   = errors.New("plugin id already registered")
)

// Registry stores plugins keyed by id. Reads happen on every intercepted
// request; writes are rare (startup registration, admin unregister), so a
// RWMutex covers both.
type Registry struct {
	mu       sync.RWMutex
	plugins  map[string]*Plugin
	order    []string
	disabled map[string]struct{}
}

// NewRegistry creates an empty registry. Ids in disabled are silently
// dropped at registration time.
func NewRegistry(disabled ...string) *Registry {
	d := make(map[string]struct{}, len(disabled))
	for _, id := range disabled {
		d[id] = struct{}{}
	}
	return &Registry{
		plugins:  make(map[string]*Plugin),
		disabled: d,
	}
}

// Register validates and stores a plugin. Registering a disabled id is a
// silent no-op; registering a duplicate id is an error.
func (r *Registry) Register(p *Plugin) error {
	if err := validatePlugin(p); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.disabled[p.ID]; ok {
		logger.Debugw("skipping disabled plugin", "plugin", p.ID)
		return nil
	}
	if _, ok := r.plugins[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, p.ID)
	}

	r.plugins[p.ID] = p
	r.order = append(r.order, p.ID)
	return nil
}

// RegisterAll registers every plugin in order, stopping at the first error.
func (r *Registry) RegisterAll(plugins []*Plugin) error {
	for _, p := range plugins {
		if err := r.Register(p); err != nil {
			return err
		}
	}
	return nil
}

// Unregister removes a plugin by id. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.plugins[id]; !ok {
		return
	}
	delete(r.plugins, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get looks up a plugin by id.
func (r *Registry) Get(id string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	return p, ok
}

// List returns all plugins in registration order.
func (r *Registry) List() []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Plugin, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.plugins[id])
	}
	return out
}

// ListByPhase returns plugins declaring the given phase, in registration
// order. The index is computed on demand.
func (r *Registry) ListByPhase(phase Phase) []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Plugin
	for _, id := range r.order {
		if p := r.plugins[id]; p.Phase == phase {
			out = append(out, p)
		}
	}
	return out
}

// ListBySeverity returns plugins declaring the given severity, in
// registration order.
func (r *Registry) ListBySeverity(sev Severity) []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Plugin
	for _, id := range r.order {
		if p := r.plugins[id]; p.Severity == sev {
			out = append(out, p)
		}
	}
	return out
}

// validatePlugin checks the structural requirements of a descriptor:
// id, name, description, a valid severity and phase, an apply function and a
// spec reference with a description.
func validatePlugin(p *Plugin) error {
	switch {
	case p == nil:
		return fmt.Errorf("%w: nil plugin", ErrInvalidPlugin)
	case p.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidPlugin)
	case p.Name == "":
		return fmt.Errorf("%w: %s: missing name", ErrInvalidPlugin, p.ID)
	case p.Description == "":
		return fmt.Errorf("%w: %s: missing description", ErrInvalidPlugin, p.ID)
	case !p.Severity.Valid():
		return fmt.Errorf("%w: %s: unknown severity %q", ErrInvalidPlugin, p.ID, p.Severity)
	case !p.Phase.Valid():
		return fmt.Errorf("%w: %s: unknown phase %q", ErrInvalidPlugin, p.ID, p.Phase)
	case p.Apply == nil:
		return fmt.Errorf("%w: %s: missing apply function", ErrInvalidPlugin, p.ID)
	case p.Spec.Description == "":
		return fmt.Errorf("%w: %s: spec reference needs a description", ErrInvalidPlugin, p.ID)
	}
	return nil
}
