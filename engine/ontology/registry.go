package ontology

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"sync"

	"github.com/WessleyAI/wessley-collision/engine/domain"
)

//go:embed catalogs/*.yaml
var builtinCatalogs embed.FS

// Registry indexes vehicle models by id. Models are registered at startup;
// lookups are safe from any goroutine.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*VehicleModel
}

// NewRegistry creates a registry holding the given models.
func NewRegistry(models ...*VehicleModel) (*Registry, error) {
	r := &Registry{models: make(map[string]*VehicleModel)}
	for _, m := range models {
		if err := r.Register(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a model. Registering the same id twice is an error.
func (r *Registry) Register(m *VehicleModel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.models[m.ID]; dup {
		return fmt.Errorf("%w: model %s registered twice", ErrInvalidOntology, m.ID)
	}
	r.models[m.ID] = m
	return nil
}

// Get returns the model for id, or a validation error naming it.
func (r *Registry) Get(id string) (*VehicleModel, error) {
	r.mu.RLock()
	m, ok := r.models[id]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.NewValidationError("model_id", id, domain.ErrUnsupportedVehicle)
	}
	return m, nil
}

// IDs lists registered model ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.models))
	for id := range r.models {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Builtin loads the catalogs compiled into the binary.
func Builtin() ([]*VehicleModel, error) {
	entries, err := fs.ReadDir(builtinCatalogs, "catalogs")
	if err != nil {
		return nil, err
	}
	var models []*VehicleModel
	for _, e := range entries {
		f, err := builtinCatalogs.Open("catalogs/" + e.Name())
		if err != nil {
			return nil, err
		}
		m, err := Decode(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("builtin %s: %w", e.Name(), err)
		}
		models = append(models, m)
	}
	return models, nil
}

// DefaultRegistry returns a registry with the builtin catalogs plus any
// models loaded from extra.
func DefaultRegistry(extra ...*VehicleModel) (*Registry, error) {
	models, err := Builtin()
	if err != nil {
		return nil, err
	}
	return NewRegistry(append(models, extra...)...)
}
