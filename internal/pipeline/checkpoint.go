package pipeline

import (
	"context"
	"time"
)

// CheckpointStore persists settled stage results. Put is an idempotent
// upsert keyed on (RunID, StageID): re-putting equal content must be a
// no-op, and a later put replaces the previous result.
type CheckpointStore interface {
	PutStageResult(ctx context.Context, result StageResult) error
	GetStageResult(ctx context.Context, runID, stageID string) (StageResult, bool, error)
	ListStageResults(ctx context.Context, runID string) ([]StageResult, error)
}

// ErrorLog is the append-only record of failures encountered during runs.
type ErrorLog interface {
	AppendError(ctx context.Context, rec ErrorRecord) error
	ListErrors(ctx context.Context, runID string) ([]ErrorRecord, error)
}

// RunStore persists run lifecycle state.
type RunStore interface {
	SaveRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (Run, bool, error)
	FinishRun(ctx context.Context, runID string, status RunStatus, finishedAt time.Time) error
	ListRuns(ctx context.Context, limit int) ([]Run, error)
}

// ReportStore persists consolidated reports.
type ReportStore interface {
	PutReport(ctx context.Context, report ConsolidatedReport) error
	GetReport(ctx context.Context, runID string) (ConsolidatedReport, bool, error)
}

// Store is the full persistence surface the orchestrator needs.
type Store interface {
	RunStore
	CheckpointStore
	ErrorLog
	ReportStore
}
