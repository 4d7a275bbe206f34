package pipeline

import (
	"fmt"
)

// Registry holds the validated, immutable stage graph. Construction fails
// on duplicate IDs, unknown dependencies, and cycles, so a registry in hand
// is always runnable.
type Registry struct {
	defs  []StageDefinition
	byID  map[string]StageDefinition
	order []string
}

// NewRegistry validates the definitions and computes a topological order.
// Stages with no mutual ordering constraint keep their declaration order.
func NewRegistry(defs ...StageDefinition) (*Registry, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("no stages registered")
	}
	byID := make(map[string]StageDefinition, len(defs))
	for _, def := range defs {
		if def.ID == "" {
			return nil, fmt.Errorf("stage with empty ID")
		}
		if def.Run == nil {
			return nil, fmt.Errorf("stage %s has no run function", def.ID)
		}
		if _, exists := byID[def.ID]; exists {
			return nil, fmt.Errorf("duplicate stage ID: %s", def.ID)
		}
		byID[def.ID] = def
	}

	order, err := topologicalOrder(defs, byID)
	if err != nil {
		return nil, err
	}
	return &Registry{defs: defs, byID: byID, order: order}, nil
}

// MustRegistry is NewRegistry for statically declared graphs.
func MustRegistry(defs ...StageDefinition) *Registry {
	r, err := NewRegistry(defs...)
	if err != nil {
		panic(err)
	}
	return r
}

// topologicalOrder runs Kahn's algorithm over the definitions. The ready
// set is scanned in declaration order on every step, which makes the result
// deterministic for a given definition slice.
func topologicalOrder(defs []StageDefinition, byID map[string]StageDefinition) ([]string, error) {
	inDegree := make(map[string]int, len(defs))
	adjacency := make(map[string][]string, len(defs))
	for _, def := range defs {
		inDegree[def.ID] = 0
	}
	for _, def := range defs {
		for _, dep := range def.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("%w: %s -> %s", ErrUnknownDependency, def.ID, dep)
			}
			adjacency[dep] = append(adjacency[dep], def.ID)
			inDegree[def.ID]++
		}
	}

	order := make([]string, 0, len(defs))
	done := make(map[string]bool, len(defs))
	for len(order) < len(defs) {
		progressed := false
		for _, def := range defs {
			if done[def.ID] || inDegree[def.ID] != 0 {
				continue
			}
			done[def.ID] = true
			order = append(order, def.ID)
			for _, next := range adjacency[def.ID] {
				inDegree[next]--
			}
			progressed = true
		}
		if !progressed {
			return nil, fmt.Errorf("%w: %d stages unreachable", ErrCycleDetected, len(defs)-len(order))
		}
	}
	return order, nil
}

// Stages returns the definitions in declaration order.
func (r *Registry) Stages() []StageDefinition {
	out := make([]StageDefinition, len(r.defs))
	copy(out, r.defs)
	return out
}

// Order returns the stage IDs in topological order.
func (r *Registry) Order() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Get looks up one definition by ID.
func (r *Registry) Get(id string) (StageDefinition, bool) {
	def, ok := r.byID[id]
	return def, ok
}

// Len returns the number of registered stages.
func (r *Registry) Len() int { return len(r.defs) }
