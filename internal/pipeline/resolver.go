package pipeline

import (
	"log"
)

// Resolver produces substitute outputs for failed stages. Resolution never
// fails: when the declared generator panics, returns nil, or is missing,
// the resolver falls back to a minimal placeholder payload.
type Resolver struct {
	registry *Registry
	logger   *log.Logger
}

func NewResolver(registry *Registry) *Resolver {
	return &Resolver{
		registry: registry,
		logger:   log.New(log.Writer(), "[FALLBACK] ", log.LstdFlags),
	}
}

// Resolve returns the substitute payload for a failed stage. The returned
// exhausted flag is true when the declared generator itself failed and a
// minimal placeholder had to be used instead.
func (r *Resolver) Resolve(stageID string, rc RunContext, deps map[string]map[string]interface{}) (payload map[string]interface{}, exhausted bool) {
	def, ok := r.registry.Get(stageID)
	if !ok || def.Fallback == nil {
		r.logger.Printf("CRITICAL: no fallback generator for stage %s, run %s: using minimal placeholder", stageID, rc.Run.ID)
		return minimalPlaceholder(stageID), true
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Printf("CRITICAL: fallback generator for stage %s, run %s panicked: %v", stageID, rc.Run.ID, rec)
			payload = minimalPlaceholder(stageID)
			exhausted = true
		}
	}()

	out := def.Fallback(rc, deps)
	if out == nil {
		r.logger.Printf("CRITICAL: fallback generator for stage %s, run %s returned nothing: using minimal placeholder", stageID, rc.Run.ID)
		return minimalPlaceholder(stageID), true
	}
	r.logger.Printf("stage %s settled with fallback content, run %s", stageID, rc.Run.ID)
	return out, false
}

// minimalPlaceholder is the payload of last resort. It keeps downstream
// stages and the consolidated report structurally valid.
func minimalPlaceholder(stageID string) map[string]interface{} {
	return map[string]interface{}{
		"stage":         stageID,
		"fallback_mode": true,
		"placeholder":   true,
		"note":          "minimal substitute content: fallback generator unavailable",
	}
}
