package pipeline

import (
	"time"

	"github.com/mercatorhq/mercator/internal/telemetry"
)

// Consolidate assembles the final report from the settled results of a run.
// It is a pure merge: no stage is re-executed, and the report content does
// not depend on the order in which stages settled.
func Consolidate(run Run, defs []StageDefinition, results map[string]StageResult, stats telemetry.RunStatsSnapshot, generatedAt time.Time) ConsolidatedReport {
	report := ConsolidatedReport{
		RunID:       run.ID,
		Params:      run.Params,
		Status:      run.Status,
		StartedAt:   run.StartedAt,
		GeneratedAt: generatedAt,
		RunStats:    stats,
		Sections:    make(map[string]ReportSection, len(defs)),
	}

	report.Stats.Total = len(defs)
	for _, def := range defs {
		res, ok := results[def.ID]
		if !ok {
			// Unsettled stages never reach consolidation in normal flow;
			// account for them as skipped rather than dropping the section.
			report.Stats.Skipped++
			report.Sections[def.ID] = ReportSection{Status: StageStatusSkipped, Payload: map[string]interface{}{}}
			continue
		}
		switch res.Status {
		case StageStatusSuccess:
			report.Stats.Succeeded++
		case StageStatusFallback:
			report.Stats.Fallbacks++
		case StageStatusSkipped:
			report.Stats.Skipped++
		}
		report.Sections[def.ID] = ReportSection{
			Status:       res.Status,
			Payload:      res.Payload,
			ErrorSummary: res.ErrorSummary,
			ProducedAt:   res.ProducedAt,
		}
	}

	if report.Stats.Total > 0 {
		report.Quality = float64(report.Stats.Succeeded) / float64(report.Stats.Total)
	}
	return report
}
