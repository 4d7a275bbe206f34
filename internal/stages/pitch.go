package stages

import (
	"context"
	"fmt"

	"github.com/mercatorhq/mercator/internal/pipeline"
)

func pitchStage() pipeline.StageDefinition {
	return pipeline.StageDefinition{
		ID:            StagePitch,
		DependsOn:     []string{StageDrivers, StageObjections},
		NeedsProvider: true,
		Run:           runPitch,
		Fallback:      pitchFallback,
	}
}

func runPitch(ctx context.Context, rc pipeline.RunContext, deps map[string]map[string]interface{}) (map[string]interface{}, error) {
	prompt := fmt.Sprintf(`You are a pitch architect. Sequence a staged sales presentation that installs
the drivers below and preempts the mapped objections.
SEGMENT: %s
PRODUCT: %s
DRIVERS (JSON):
%s
OBJECTION SCRIPTS (JSON):
%s
Return ONLY strict JSON with keys:
{
  "phases": [
    { "phase": string, "objective": string, "duration": string, "intensity": string, "drivers": [string], "expected_result": string, "techniques": [string] }
  ],
  "transitions": { "<from>_to_<to>": string }
}
`, segmentOf(rc), productOf(rc), depSummary(deps, StageDrivers, 3000), depSummary(deps, StageObjections, 3000))

	return generateJSON(ctx, rc, prompt)
}

// pitchFallback is the fixed six-phase psychological sequence: break,
// exposure, outrage, glimpse, tension, necessity.
func pitchFallback(rc pipeline.RunContext, _ map[string]map[string]interface{}) map[string]interface{} {
	segment := segmentOf(rc)

	phase := func(name, objective, duration, intensity, result string, drivers, techniques []interface{}) map[string]interface{} {
		return map[string]interface{}{
			"phase":           name,
			"objective":       objective,
			"duration":        duration,
			"intensity":       intensity,
			"drivers":         drivers,
			"expected_result": result,
			"techniques":      techniques,
		}
	}

	return map[string]interface{}{
		"fallback_mode": true,
		"phases": []interface{}{
			phase("break",
				"shatter the comfortable illusion", "3-5 minutes", "high",
				"productive discomfort",
				[]interface{}{"Urgency in " + segment},
				[]interface{}{"direct confrontation", "uncomfortable question", "shocking statistic"}),
			phase("exposure",
				"surface the real cost of standing still", "4-6 minutes", "rising",
				"awareness of the pain",
				[]interface{}{"Urgency in " + segment},
				[]interface{}{"loss arithmetic", "pain visualization", "harsh comparison"}),
			phase("outrage",
				"turn discomfort into productive revolt", "3-4 minutes", "peak",
				"urgency to change",
				[]interface{}{"Method vs Luck"},
				[]interface{}{"time pressure", "social comparison", "future consequences"}),
			phase("glimpse",
				"show what is possible", "5-7 minutes", "hopeful",
				"amplified desire",
				[]interface{}{"Authority in " + segment},
				[]interface{}{"success visualization", "transformation cases", "expanded possibilities"}),
			phase("tension",
				"widen the gap between current and possible", "2-3 minutes", "rising",
				"maximum tension",
				[]interface{}{"Authority in " + segment, "Method vs Luck"},
				[]interface{}{"current versus ideal", "limiting identity", "unique opportunity"}),
			phase("necessity",
				"make the change feel inevitable", "3-4 minutes", "decisive",
				"need for the solution",
				[]interface{}{"Method vs Luck"},
				[]interface{}{"clear path", "necessary guide", "method versus chaos"}),
		},
		"transitions": map[string]interface{}{
			"break_to_exposure":    "I know this is hard to hear. You know what is harder?",
			"exposure_to_outrage":  "And the worst part is that none of this is necessary.",
			"outrage_to_glimpse":   "But I am not here just to open wounds.",
			"glimpse_to_tension":   "Now you can see the distance between where you are and where you could be.",
			"tension_to_necessity": "The question is no longer whether you will change, it is how.",
			"necessity_to_close":   "Your rational side is asking whether this really works. Let me show you the numbers.",
		},
	}
}
