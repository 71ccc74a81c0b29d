package pipeline

import (
	"fmt"

	"github.com/tjfontaine/listing-gateway/internal/core/domain"
)

type entry struct {
	stage        Stage
	irreversible bool
}

// Registry is the ordered list of stages a run executes.
type Registry struct {
	entries []entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a stage. Irreversible stages are skipped on dry runs, and
// once one is registered every later stage must be irreversible too.
func (r *Registry) Register(stage Stage, irreversible bool) error {
	for _, e := range r.entries {
		if e.stage.Name() == stage.Name() {
			return fmt.Errorf("stage %s already registered", stage.Name())
		}
	}
	if n := len(r.entries); n > 0 && r.entries[n-1].irreversible && !irreversible {
		return fmt.Errorf("stage %s must be irreversible: it follows an irreversible stage", stage.Name())
	}
	r.entries = append(r.entries, entry{stage: stage, irreversible: irreversible})
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(stage Stage, irreversible bool) {
	if err := r.Register(stage, irreversible); err != nil {
		panic(err)
	}
}

// Names returns the registered stage names in order.
func (r *Registry) Names() []domain.StageName {
	names := make([]domain.StageName, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.stage.Name()
	}
	return names
}

// Stage returns the registered stage with the given name.
func (r *Registry) Stage(name domain.StageName) (Stage, bool) {
	for _, e := range r.entries {
		if e.stage.Name() == name {
			return e.stage, true
		}
	}
	return nil, false
}

// overrideLookup maps a stage to the override field that replaces it.
var overrideLookup = map[domain.StageName]func(*domain.Overrides) (any, bool){
	domain.StageResolveImages: func(o *domain.Overrides) (any, bool) {
		return o.ResolvedImages, o.ResolvedImages != nil
	},
	domain.StageSelectCategory: func(o *domain.Overrides) (any, bool) {
		return o.Category, o.Category != nil
	},
	domain.StageExtractProduct: func(o *domain.Overrides) (any, bool) {
		return o.Product, o.Product != nil
	},
}

// lookupOverride returns the override supplied for stage, if any.
func lookupOverride(overrides *domain.Overrides, stage domain.StageName) (any, bool) {
	if overrides == nil {
		return nil, false
	}
	get, ok := overrideLookup[stage]
	if !ok {
		return nil, false
	}
	return get(overrides)
}
