package stages

import (
	"context"
	"fmt"

	"github.com/mercatorhq/mercator/internal/pipeline"
)

func avatarStage() pipeline.StageDefinition {
	return pipeline.StageDefinition{
		ID:            StageAvatar,
		DependsOn:     []string{StageResearch},
		NeedsProvider: true,
		Run:           runAvatar,
		Fallback:      avatarFallback,
	}
}

func runAvatar(ctx context.Context, rc pipeline.RunContext, deps map[string]map[string]interface{}) (map[string]interface{}, error) {
	prompt := fmt.Sprintf(`You are a market analyst building the ideal customer profile for a product.
SEGMENT: %s
PRODUCT: %s
AUDIENCE: %s
RESEARCH FINDINGS (JSON):
%s
Return ONLY strict JSON with keys:
{
  "name": string,
  "demographics": { "age_range": string, "income_range": string, "education": string, "location": string, "occupation": string },
  "psychographics": { "personality": string, "values": string, "lifestyle": string },
  "pains": [string],
  "desires": [string],
  "objections": [string],
  "decision_journey": { "awareness": string, "consideration": string, "decision": string, "post_purchase": string }
}
`, segmentOf(rc), productOf(rc), audienceOf(rc), depSummary(deps, StageResearch, 6000))

	return generateJSON(ctx, rc, prompt)
}

// avatarFallback builds a self-consistent profile skeleton from the run
// parameters alone.
func avatarFallback(rc pipeline.RunContext, _ map[string]map[string]interface{}) map[string]interface{} {
	segment := segmentOf(rc)
	product := productOf(rc)
	audience := audienceOf(rc)

	return map[string]interface{}{
		"fallback_mode": true,
		"name":          fmt.Sprintf("Typical %s buyer", segment),
		"demographics": map[string]interface{}{
			"age_range":    "30-45",
			"income_range": "middle to upper-middle",
			"education":    "college or professional training",
			"location":     "urban centers",
			"occupation":   audience,
		},
		"psychographics": map[string]interface{}{
			"personality": fmt.Sprintf("ambitious, results-driven, skeptical of generic promises in %s", segment),
			"values":      "autonomy, recognition, measurable progress",
			"lifestyle":   fmt.Sprintf("works long hours, consumes %s content online, short on time", segment),
		},
		"pains": []interface{}{
			fmt.Sprintf("stagnant results in %s despite consistent effort", segment),
			"no reliable method, just scattered tactics",
			"competitors growing visibly faster",
			fmt.Sprintf("uncertainty about what %s is actually worth paying for", product),
		},
		"desires": []interface{}{
			fmt.Sprintf("to be recognized as a reference in %s", segment),
			"predictable growth instead of one-off wins",
			"more results from the same working hours",
		},
		"objections": []interface{}{
			"I do not have time to implement this now",
			"I need to think about the investment",
			"my case is different, this may not work for me",
		},
		"decision_journey": map[string]interface{}{
			"awareness":     fmt.Sprintf("notices stagnation when comparing own %s numbers with peers", segment),
			"consideration": "researches methods online, asks peers, hesitates on price",
			"decision":      "decides on proof: concrete cases and guarantees",
			"post_purchase": "needs early wins in the first weeks to stay engaged",
		},
	}
}
