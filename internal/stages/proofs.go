package stages

import (
	"context"
	"fmt"

	"github.com/mercatorhq/mercator/internal/pipeline"
)

func proofsStage() pipeline.StageDefinition {
	return pipeline.StageDefinition{
		ID:            StageProofs,
		DependsOn:     []string{StageAvatar, StageDrivers},
		NeedsProvider: true,
		Run:           runProofs,
		Fallback:      proofsFallback,
	}
}

func runProofs(ctx context.Context, rc pipeline.RunContext, deps map[string]map[string]interface{}) (map[string]interface{}, error) {
	prompt := fmt.Sprintf(`You are a demonstration designer. Propose visual proof experiments a seller
can perform live to make each driver tangible for this customer profile.
SEGMENT: %s
PRODUCT: %s
CUSTOMER PROFILE (JSON):
%s
DRIVERS (JSON):
%s
Return ONLY strict JSON with keys:
{
  "proofs": [
    {
      "name": string,
      "concept": string,
      "experiment": string,
      "materials": [string],
      "script": { "setup": string, "execution": string, "closing": string },
      "success_metric": string
    }
  ]
}
`, segmentOf(rc), productOf(rc), depSummary(deps, StageAvatar, 3000), depSummary(deps, StageDrivers, 3000))

	return generateJSON(ctx, rc, prompt)
}

// proofsFallback proposes three generic but executable demonstrations keyed
// on the segment.
func proofsFallback(rc pipeline.RunContext, _ map[string]map[string]interface{}) map[string]interface{} {
	segment := segmentOf(rc)
	product := productOf(rc)

	return map[string]interface{}{
		"fallback_mode": true,
		"proofs": []interface{}{
			map[string]interface{}{
				"name":       fmt.Sprintf("Demo 1: Before and After in %s", segment),
				"concept":    "visible transformation",
				"experiment": fmt.Sprintf("Show two anonymized result timelines from %s side by side: one without a method, one with %s.", segment, product),
				"materials":  []interface{}{"two printed timeline charts", "marker"},
				"script": map[string]interface{}{
					"setup":     "Place both timelines face down and ask which curve the prospect believes is theirs.",
					"execution": "Reveal both, trace the divergence point with the marker, and ask what changed at that point.",
					"closing":   "The curves use the same hours of work. The difference is the system behind them.",
				},
				"success_metric": "prospect asks what happened at the divergence point",
			},
			map[string]interface{}{
				"name":       fmt.Sprintf("Demo 2: Cost of Waiting in %s", segment),
				"concept":    "invisible loss made visible",
				"experiment": "Calculate live, on paper, what twelve more months at the current pace costs against the price of acting now.",
				"materials":  []interface{}{"sheet of paper", "calculator"},
				"script": map[string]interface{}{
					"setup":     "Ask for the prospect's own current monthly numbers; write them down in their handwriting if possible.",
					"execution": "Project the numbers twelve months forward unchanged, then subtract the investment from the projected gap.",
					"closing":   "Waiting has a price; it is just not on an invoice.",
				},
				"success_metric": "prospect keeps the sheet",
			},
			map[string]interface{}{
				"name":       "Demo 3: Method versus Improvisation",
				"concept":    "structure beats effort",
				"experiment": "Time two attempts at a small ordering puzzle: first unaided, then following a simple written procedure.",
				"materials":  []interface{}{"deck of shuffled numbered cards", "timer", "one-page procedure"},
				"script": map[string]interface{}{
					"setup":     "Hand over the shuffled deck and start the timer without instructions.",
					"execution": "Repeat the task with the written procedure and compare the two times aloud.",
					"closing":   fmt.Sprintf("Same person, same effort, different system. That is the gap in %s too.", segment),
				},
				"success_metric": "second attempt at least twice as fast",
			},
		},
	}
}
