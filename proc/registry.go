package proc

import (
	"sync"

	errs "github.com/vinayprograms/procmesh/errors"
)

// Unit is the entry point a spawned worker runs. args and kwargs arrive
// from the parent's Spawn call; values must be gob-serializable and
// registered with wire.Register when not predeclared.
type Unit func(c *Child, args []interface{}, kwargs map[string]interface{}) error

// Registry maps stable unit names to their entry points. Parent and child
// must agree on the names; everything else about a unit stays private to
// the binary.
type Registry struct {
	mu    sync.RWMutex
	units map[string]Unit
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{units: make(map[string]Unit)}
}

// Register adds a unit under name. Registering a name twice is a
// programming error and fails with ALREADY_EXISTS.
func (r *Registry) Register(name string, unit Unit) error {
	if name == "" {
		return errs.InvalidInput("unit name must be non-empty")
	}
	if unit == nil {
		return errs.InvalidInput("unit must be non-nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.units[name]; ok {
		return errs.New(errs.ErrCodeAlreadyExists, "unit "+name+" already registered")
	}
	r.units[name] = unit
	return nil
}

// MustRegister registers a unit and panics on failure. For package init
// blocks where a duplicate name is unrecoverable anyway.
func (r *Registry) MustRegister(name string, unit Unit) {
	if err := r.Register(name, unit); err != nil {
		panic(err)
	}
}

// Resolve returns the unit registered under name.
func (r *Registry) Resolve(name string) (Unit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	unit, ok := r.units[name]
	if !ok {
		return nil, errs.NotFound("unit " + name + " is not registered")
	}
	return unit, nil
}

// Names returns the registered unit names, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.units))
	for name := range r.units {
		names = append(names, name)
	}
	return names
}
