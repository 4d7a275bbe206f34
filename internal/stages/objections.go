package stages

import (
	"context"
	"fmt"

	"github.com/mercatorhq/mercator/internal/pipeline"
)

func objectionsStage() pipeline.StageDefinition {
	return pipeline.StageDefinition{
		ID:            StageObjections,
		DependsOn:     []string{StageAvatar, StageDrivers},
		NeedsProvider: true,
		Run:           runObjections,
		Fallback:      objectionsFallback,
	}
}

func runObjections(ctx context.Context, rc pipeline.RunContext, deps map[string]map[string]interface{}) (map[string]interface{}, error) {
	prompt := fmt.Sprintf(`You are a sales psychologist. Write objection-handling scripts for this
customer profile, reusing the persuasion drivers where they fit.
SEGMENT: %s
PRODUCT: %s
CUSTOMER PROFILE (JSON):
%s
DRIVERS (JSON):
%s
Cover at least time, money and trust. Return ONLY strict JSON with keys:
{
  "objections": [
    { "type": string, "objection": string, "emotional_root": string, "counter": string, "script": string }
  ],
  "emergency_arsenal": [string]
}
`, segmentOf(rc), productOf(rc), depSummary(deps, StageAvatar, 3000), depSummary(deps, StageDrivers, 3000))

	return generateJSON(ctx, rc, prompt)
}

// objectionsFallback covers the three universal objections with fixed
// counters and a small emergency arsenal.
func objectionsFallback(rc pipeline.RunContext, _ map[string]map[string]interface{}) map[string]interface{} {
	segment := segmentOf(rc)
	product := productOf(rc)

	return map[string]interface{}{
		"fallback_mode": true,
		"objections": []interface{}{
			map[string]interface{}{
				"type":           "time",
				"objection":      "This is not a priority for me right now",
				"emotional_root": "fear of commitment and change",
				"counter":        "priority is about importance, not about free time",
				"script":         fmt.Sprintf("If %s mattered as much as you say, the question is not whether you have time, it is what staying where you are will cost over the next year.", segment),
			},
			map[string]interface{}{
				"type":           "money",
				"objection":      "My situation is not bad enough to justify the investment",
				"emotional_root": "denial and comfort with the status quo",
				"counter":        "compare discretionary spending with investing in results",
				"script":         fmt.Sprintf("Add up what you already spend on things that change nothing in %s. %s pays back by changing the number that matters.", segment, product),
			},
			map[string]interface{}{
				"type":           "trust",
				"objection":      "Give me one reason to believe this works",
				"emotional_root": "fear of another disappointment",
				"counter":        "qualified social proof plus risk removal",
				"script":         "Your skepticism is healthy. That is exactly why the decision carries a guarantee: the risk stays on our side while you verify the results.",
			},
		},
		"emergency_arsenal": []interface{}{
			"Let us be honest: how long have you been postponing this?",
			"The only difference between you and those who made it is the decision to act",
			"How many opportunities have you lost to overthinking?",
			"Your future is being decided now, not when you feel ready",
			"Perfect conditions are a myth; courageous decisions are not",
		},
	}
}
