package stages

import (
	"context"
	"fmt"

	"github.com/mercatorhq/mercator/internal/pipeline"
)

func driversStage() pipeline.StageDefinition {
	return pipeline.StageDefinition{
		ID:            StageDrivers,
		DependsOn:     []string{StageAvatar},
		NeedsProvider: true,
		Run:           runDrivers,
		Fallback:      driversFallback,
	}
}

func runDrivers(ctx context.Context, rc pipeline.RunContext, deps map[string]map[string]interface{}) (map[string]interface{}, error) {
	prompt := fmt.Sprintf(`You are a persuasion strategist. Design the psychological drivers a sales
conversation should install for this customer profile.
SEGMENT: %s
PRODUCT: %s
CUSTOMER PROFILE (JSON):
%s
Create 3 to 5 drivers. Return ONLY strict JSON with keys:
{
  "drivers": [
    {
      "name": string,
      "trigger": string,
      "definition": string,
      "activation": { "opening_question": string, "story": string, "metaphor": string, "action_command": string },
      "anchor_phrases": [string],
      "logical_proof": string
    }
  ]
}
`, segmentOf(rc), productOf(rc), depSummary(deps, StageAvatar, 4000))

	return generateJSON(ctx, rc, prompt)
}

// driversFallback returns three baseline drivers keyed on the segment:
// urgency, authority and method-over-luck. Same parameters, same bytes.
func driversFallback(rc pipeline.RunContext, _ map[string]map[string]interface{}) map[string]interface{} {
	segment := segmentOf(rc)

	return map[string]interface{}{
		"fallback_mode": true,
		"drivers": []interface{}{
			map[string]interface{}{
				"name":       fmt.Sprintf("Urgency in %s", segment),
				"trigger":    fmt.Sprintf("limited window to get ahead in %s", segment),
				"definition": fmt.Sprintf("every month without a working system in %s is lost ground", segment),
				"activation": map[string]interface{}{
					"opening_question": fmt.Sprintf("How long have you been at the same level in %s?", segment),
					"story":            fmt.Sprintf("A professional in %s worked twelve-hour days for three years without moving. Six months after adopting a specific system, results tripled. The difference was not more work, it was method.", segment),
					"metaphor":         fmt.Sprintf("Picture %s as a race where you are running in place while others pull ahead.", segment),
					"action_command":   fmt.Sprintf("Stop running in place in %s and commit to a proven method.", segment),
				},
				"anchor_phrases": []interface{}{
					fmt.Sprintf("Every month without optimizing %s costs opportunities", segment),
					fmt.Sprintf("Your competitors in %s are not waiting", segment),
					fmt.Sprintf("Time lost in %s does not come back", segment),
				},
				"logical_proof": fmt.Sprintf("Professionals who applied a specific method in %s grew several times faster than peers.", segment),
			},
			map[string]interface{}{
				"name":       fmt.Sprintf("Authority in %s", segment),
				"trigger":    fmt.Sprintf("proven expertise in %s", segment),
				"definition": fmt.Sprintf("being recognized as the reference in %s", segment),
				"activation": map[string]interface{}{
					"opening_question": fmt.Sprintf("What is missing for you to be seen as an authority in %s?", segment),
					"story":            fmt.Sprintf("A client in %s was invisible in the market. With consistent positioning, eight months later they were speaking at industry events.", segment),
					"metaphor":         fmt.Sprintf("Authority in %s is a lighthouse: everyone sees it and trusts it.", segment),
					"action_command":   fmt.Sprintf("Build your authority in %s deliberately, not by accident.", segment),
				},
				"anchor_phrases": []interface{}{
					fmt.Sprintf("Authority in %s attracts clients on its own", segment),
					fmt.Sprintf("Recognized specialists in %s charge a premium", segment),
					fmt.Sprintf("Recognition in %s compounds into opportunity", segment),
				},
				"logical_proof": fmt.Sprintf("Recognized authorities in %s see far more inbound business than anonymous peers.", segment),
			},
			map[string]interface{}{
				"name":       "Method vs Luck",
				"trigger":    "the difference between method and improvisation",
				"definition": fmt.Sprintf("stop trying things and start applying a method in %s", segment),
				"activation": map[string]interface{}{
					"opening_question": fmt.Sprintf("Are you experimenting or applying a method in %s?", segment),
					"story":            fmt.Sprintf("Two professionals in %s started together. One kept trying random tactics, the other followed a specific method. A year later the first was still struggling; the second was a market reference. The difference was not talent.", segment),
					"metaphor":         fmt.Sprintf("Improvising in %s is shooting in the dark. A method is a laser sight.", segment),
					"action_command":   fmt.Sprintf("Stop guessing and apply a proven method in %s.", segment),
				},
				"anchor_phrases": []interface{}{
					fmt.Sprintf("A method in %s removes trial and error", segment),
					"Professionals with a method grow much faster",
					"Luck is the plan of those who have no method",
				},
				"logical_proof": fmt.Sprintf("A method built for %s cuts time-to-result dramatically compared with improvisation.", segment),
			},
		},
	}
}
