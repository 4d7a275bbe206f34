package pipeline

import (
	"context"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/mercatorhq/mercator/internal/telemetry"
)

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning                RunStatus = "running"
	RunStatusCompleted              RunStatus = "completed"
	RunStatusCompletedWithFallbacks RunStatus = "completed_with_fallbacks"
	RunStatusFailedFatally          RunStatus = "failed_fatally"
)

// Terminal reports whether the status is final: the run will never advance
// again without an explicit resume.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusCompletedWithFallbacks, RunStatusFailedFatally:
		return true
	}
	return false
}

// StageStatus is the settled state of one stage within a run.
type StageStatus string

const (
	StageStatusSuccess  StageStatus = "success"
	StageStatusFallback StageStatus = "fallback"
	StageStatusSkipped  StageStatus = "skipped"
)

// RunParams carries the analysis inputs. The orchestrator treats them as
// opaque; stages and fallback generators interpret them.
type RunParams struct {
	Segment  string                 `json:"segment"`
	Product  string                 `json:"product"`
	Audience string                 `json:"audience"`
	Price    float64                `json:"price,omitempty"`
	Query    string                 `json:"query,omitempty"`
	Extra    map[string]interface{} `json:"extra,omitempty"`
}

// Run represents one end-to-end pipeline execution.
type Run struct {
	ID         string     `json:"id"`
	Params     RunParams  `json:"params"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Force re-executes stages even when a checkpoint already exists.
	Force bool `json:"-"`
}

// NewRun creates a fresh run for the given parameters.
func NewRun(params RunParams) Run {
	return Run{
		ID:        uuid.NewString(),
		Params:    params,
		Status:    RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
}

// StageResult is the settled outcome of one stage within one run. There is
// at most one per (RunID, StageID); checkpoint writes are idempotent.
type StageResult struct {
	RunID        string                 `json:"run_id"`
	StageID      string                 `json:"stage_id"`
	Status       StageStatus            `json:"status"`
	Payload      map[string]interface{} `json:"payload"`
	ErrorSummary string                 `json:"error_summary,omitempty"`
	ProducedAt   time.Time              `json:"produced_at"`
}

// EqualContent reports whether two results carry the same content,
// ignoring timestamps. Stores use it to turn equal re-puts into no-ops.
func (r StageResult) EqualContent(other StageResult) bool {
	return r.RunID == other.RunID &&
		r.StageID == other.StageID &&
		r.Status == other.Status &&
		r.ErrorSummary == other.ErrorSummary &&
		reflect.DeepEqual(r.Payload, other.Payload)
}

// ContentProvider is the capability stages use to generate content. Provider
// identity and protocol are opaque to the pipeline.
type ContentProvider interface {
	Name() string
	Generate(ctx context.Context, prompt string) (string, error)
}

// ProviderFactory builds the content provider for one run, letting callers
// attach per-run concerns such as budget limits and usage accounting.
type ProviderFactory func(run Run, stats *telemetry.RunStats) ContentProvider

// RunContext is the read-only execution context handed to stages and
// fallback generators.
type RunContext struct {
	Run      Run
	Provider ContentProvider
	Stats    *telemetry.RunStats
}

// StageFunc is the unit of work: a function over the run context and the
// settled outputs of the stage's dependencies, keyed by stage ID.
type StageFunc func(ctx context.Context, rc RunContext, deps map[string]map[string]interface{}) (map[string]interface{}, error)

// FallbackFunc produces a deterministic substitute output from locally
// available information only. It must not reach external providers.
type FallbackFunc func(rc RunContext, deps map[string]map[string]interface{}) map[string]interface{}

// StageDefinition is the static descriptor of one stage. Definitions are
// immutable and registered at process start.
type StageDefinition struct {
	ID            string
	DependsOn     []string
	NeedsProvider bool
	Timeout       time.Duration
	Run           StageFunc
	Fallback      FallbackFunc
}

// ErrorRecord is one append-only failure entry. Records are never mutated or
// deleted by the pipeline.
type ErrorRecord struct {
	RunID   string    `json:"run_id"`
	StageID string    `json:"stage_id"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// ReportSection is one stage's contribution to the consolidated report.
type ReportSection struct {
	Status       StageStatus            `json:"status"`
	Payload      map[string]interface{} `json:"payload"`
	ErrorSummary string                 `json:"error_summary,omitempty"`
	ProducedAt   time.Time              `json:"produced_at"`
}

// ReportStats counts settled stages per status.
type ReportStats struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Fallbacks int `json:"fallbacks"`
	Skipped   int `json:"skipped"`
}

// ConsolidatedReport is the final artifact of a run: every stage payload
// plus run metadata and the quality signal (fraction of stages that settled
// as genuine successes). Built once after all stages settle.
type ConsolidatedReport struct {
	RunID       string                     `json:"run_id"`
	Params      RunParams                  `json:"params"`
	Status      RunStatus                  `json:"status"`
	StartedAt   time.Time                  `json:"started_at"`
	GeneratedAt time.Time                  `json:"generated_at"`
	Quality     float64                    `json:"quality"`
	Stats       ReportStats                `json:"stats"`
	RunStats    telemetry.RunStatsSnapshot `json:"run_stats"`
	Sections    map[string]ReportSection   `json:"sections"`
}

// Notifier receives progress callbacks as a run advances. Implementations
// must be safe for concurrent use.
type Notifier interface {
	RunStarted(ctx context.Context, run Run, totalStages int)
	StageSettled(ctx context.Context, run Run, result StageResult, settled, total int)
	RunFinished(ctx context.Context, run Run, status RunStatus)
}

// NoopNotifier discards all progress callbacks.
type NoopNotifier struct{}

func (NoopNotifier) RunStarted(context.Context, Run, int) {}

func (NoopNotifier) StageSettled(context.Context, Run, StageResult, int, int) {}

func (NoopNotifier) RunFinished(context.Context, Run, RunStatus) {}
