package server

import (
	"time"

	"github.com/mercatorhq/mercator/internal/pipeline"
	"github.com/mercatorhq/mercator/internal/reportindex"
)

// HTTPError is the generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// IDResponse is a generic id response wrapper.
type IDResponse struct {
	ID string `json:"id"`
}

// StartRunRequest carries the analysis inputs for a new run. MaxCostUSD and
// MaxTokens override the configured per-run budget defaults.
type StartRunRequest struct {
	Segment    string                 `json:"segment"`
	Product    string                 `json:"product"`
	Audience   string                 `json:"audience"`
	Price      float64                `json:"price,omitempty"`
	Query      string                 `json:"query,omitempty"`
	Extra      map[string]interface{} `json:"extra,omitempty"`
	MaxCostUSD *float64               `json:"max_cost_usd,omitempty"`
	MaxTokens  *int64                 `json:"max_tokens,omitempty"`
}

// ResumeRunRequest is the optional body for resume. Force re-executes stages
// that already settled.
type ResumeRunRequest struct {
	Force bool `json:"force"`
}

// StageStatusItem is one stage's settled state within a run status view.
type StageStatusItem struct {
	StageID      string    `json:"stage_id"`
	Status       string    `json:"status"`
	ErrorSummary string    `json:"error_summary,omitempty"`
	ProducedAt   time.Time `json:"produced_at"`
}

// RunStatusResponse is the run detail view: the run plus per-stage statuses.
type RunStatusResponse struct {
	ID         string             `json:"id"`
	Params     pipeline.RunParams `json:"params"`
	Status     string             `json:"status"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
	Stages     []StageStatusItem  `json:"stages"`
}

// SearchResponse wraps report search hits.
type SearchResponse struct {
	Query string            `json:"query"`
	Hits  []reportindex.Hit `json:"hits"`
}
