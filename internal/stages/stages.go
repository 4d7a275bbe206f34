// Package stages defines the analysis stages the pipeline executes and the
// deterministic fallbacks each one settles with when its provider or
// collaborators fail.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mercatorhq/mercator/config"
	"github.com/mercatorhq/mercator/internal/pipeline"
	"github.com/mercatorhq/mercator/internal/research"
)

// Stage IDs, in declaration order.
const (
	StageResearch   = "research"
	StageAvatar     = "avatar"
	StageDrivers    = "drivers"
	StageObjections = "objections"
	StagePitch      = "pitch"
	StageProofs     = "proofs"
	StageForecast   = "forecast"
)

// Extractor pulls readable content out of a URL. *research.Extractor is the
// production implementation.
type Extractor interface {
	Extract(ctx context.Context, link string) (research.Extracted, error)
}

// Deps carries the collaborators of the research stage. The LLM stages need
// nothing beyond the provider already attached to the run context.
type Deps struct {
	Searcher   research.Searcher
	Extractor  Extractor
	Filter     config.FilterConfig
	MaxResults int
}

// Definitions returns every stage in declaration order. The dependency graph:
//
//	research -> avatar -> drivers -> objections -> pitch
//	                  \-> proofs (avatar+drivers)   ^
//	                  \-> forecast (research+avatar)|
//	                       pitch needs drivers+objections
func Definitions(deps Deps) []pipeline.StageDefinition {
	return []pipeline.StageDefinition{
		researchStage(deps),
		avatarStage(),
		driversStage(),
		objectionsStage(),
		pitchStage(),
		proofsStage(),
		forecastStage(),
	}
}

// Default builds the registry for the standard seven-stage analysis.
func Default(deps Deps) (*pipeline.Registry, error) {
	return pipeline.NewRegistry(Definitions(deps)...)
}

// generateJSON sends prompt to the run's provider and decodes the first JSON
// object in the reply.
func generateJSON(ctx context.Context, rc pipeline.RunContext, prompt string) (map[string]interface{}, error) {
	out, err := rc.Provider.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(extractFirstJSON(out)), &payload); err != nil {
		return nil, fmt.Errorf("provider reply is not valid JSON: %w", err)
	}
	return payload, nil
}

// extractFirstJSON finds the first top-level JSON object in a string, so a
// reply wrapped in prose or code fences still parses.
func extractFirstJSON(s string) string {
	start := -1
	depth := 0
	for i, ch := range s {
		if ch == '{' {
			if depth == 0 {
				start = i
			}
			depth++
		} else if ch == '}' {
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return s[start : i+1]
			}
		}
	}
	return s
}

// depSummary renders a settled dependency payload as compact JSON for prompt
// context, clamped so an oversized payload cannot blow up the prompt.
func depSummary(deps map[string]map[string]interface{}, id string, maxChars int) string {
	payload, ok := deps[id]
	if !ok {
		return "{}"
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "{}"
	}
	s := string(b)
	if maxChars > 0 && len(s) > maxChars {
		s = s[:maxChars]
	}
	return s
}

func segmentOf(rc pipeline.RunContext) string {
	if s := strings.TrimSpace(rc.Run.Params.Segment); s != "" {
		return s
	}
	return "business"
}

func productOf(rc pipeline.RunContext) string {
	if s := strings.TrimSpace(rc.Run.Params.Product); s != "" {
		return s
	}
	return "the product"
}

func audienceOf(rc pipeline.RunContext) string {
	if s := strings.TrimSpace(rc.Run.Params.Audience); s != "" {
		return s
	}
	return "prospective customers"
}
