package stages

import (
	"context"
	"fmt"

	"github.com/mercatorhq/mercator/internal/pipeline"
)

func forecastStage() pipeline.StageDefinition {
	return pipeline.StageDefinition{
		ID:            StageForecast,
		DependsOn:     []string{StageResearch, StageAvatar},
		NeedsProvider: true,
		Run:           runForecast,
		Fallback:      forecastFallback,
	}
}

func runForecast(ctx context.Context, rc pipeline.RunContext, deps map[string]map[string]interface{}) (map[string]interface{}, error) {
	prompt := fmt.Sprintf(`You are a market forecaster. Project how this market evolves over the next
36 months for a seller of the product below.
SEGMENT: %s
PRODUCT: %s
RESEARCH FINDINGS (JSON):
%s
CUSTOMER PROFILE (JSON):
%s
Return ONLY strict JSON with keys:
{
  "horizon_months": number,
  "scenarios": {
    "base": { "name": string, "probability": number 0..1, "description": string },
    "optimistic": { "name": string, "probability": number 0..1, "description": string },
    "pessimistic": { "name": string, "probability": number 0..1, "description": string }
  },
  "signals": [string]
}
Probabilities must sum to 1.
`, segmentOf(rc), productOf(rc), depSummary(deps, StageResearch, 4000), depSummary(deps, StageAvatar, 2000))

	return generateJSON(ctx, rc, prompt)
}

// forecastFallback projects three fixed scenarios from the run parameters.
func forecastFallback(rc pipeline.RunContext, _ map[string]map[string]interface{}) map[string]interface{} {
	segment := segmentOf(rc)

	return map[string]interface{}{
		"fallback_mode":  true,
		"horizon_months": 36,
		"scenarios": map[string]interface{}{
			"base": map[string]interface{}{
				"name":        "Natural evolution",
				"probability": 0.6,
				"description": fmt.Sprintf("Organic growth of the %s market at the pace of recent years; competition rises gradually and differentiation by method keeps mattering.", segment),
			},
			"optimistic": map[string]interface{}{
				"name":        "Acceleration",
				"probability": 0.25,
				"description": fmt.Sprintf("Demand in %s accelerates; early movers with structured offers capture a disproportionate share.", segment),
			},
			"pessimistic": map[string]interface{}{
				"name":        "Contraction",
				"probability": 0.15,
				"description": fmt.Sprintf("Spending in %s tightens; buyers consolidate around proven providers and unproven offers struggle.", segment),
			},
		},
		"signals": []interface{}{
			fmt.Sprintf("entry of large platforms into %s", segment),
			"change in customer acquisition cost",
			"regulatory moves affecting the segment",
		},
	}
}
