package telemetry

import (
	"sync"
	"time"
)

// RunStats collects observability counters for a single run. It travels with
// the run instead of living in package-level state so concurrent runs never
// interfere with each other's numbers.
type RunStats struct {
	mu sync.Mutex

	stageDurations map[string]time.Duration

	providerCalls    int64
	providerFailures int64
	tokensUsed       int64
	costUSD          float64

	searchQueries  int64
	searchFailures int64

	urlsConsidered int64
	urlsAccepted   int64
	urlsBlocked    int64

	pagesExtracted  int64
	extractFailures int64
	extractMethods  map[string]int64
}

// RunStatsSnapshot is the immutable export of RunStats, embedded in the
// consolidated report metadata.
type RunStatsSnapshot struct {
	StageDurationsMS map[string]int64 `json:"stage_durations_ms,omitempty"`
	ProviderCalls    int64            `json:"provider_calls"`
	ProviderFailures int64            `json:"provider_failures"`
	TokensUsed       int64            `json:"tokens_used"`
	CostUSD          float64          `json:"cost_usd"`
	SearchQueries    int64            `json:"search_queries"`
	SearchFailures   int64            `json:"search_failures"`
	URLsConsidered   int64            `json:"urls_considered"`
	URLsAccepted     int64            `json:"urls_accepted"`
	URLsBlocked      int64            `json:"urls_blocked"`
	PagesExtracted   int64            `json:"pages_extracted"`
	ExtractFailures  int64            `json:"extract_failures"`
	ExtractMethods   map[string]int64 `json:"extract_methods,omitempty"`
}

// NewRunStats creates an empty per-run stats collector.
func NewRunStats() *RunStats {
	return &RunStats{
		stageDurations: make(map[string]time.Duration),
		extractMethods: make(map[string]int64),
	}
}

// RecordStageDuration stores how long a stage took to settle.
func (s *RunStats) RecordStageDuration(stageID string, d time.Duration) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stageDurations[stageID] = d
}

// RecordProviderCall accounts one content-provider invocation.
func (s *RunStats) RecordProviderCall(tokens int64, cost float64, failed bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providerCalls++
	if failed {
		s.providerFailures++
		return
	}
	s.tokensUsed += tokens
	s.costUSD += cost
}

// RecordSearch accounts one search-engine query.
func (s *RunStats) RecordSearch(failed bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchQueries++
	if failed {
		s.searchFailures++
	}
}

// RecordFilter accounts one pass of the URL relevance filter.
func (s *RunStats) RecordFilter(considered, accepted, blocked int) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urlsConsidered += int64(considered)
	s.urlsAccepted += int64(accepted)
	s.urlsBlocked += int64(blocked)
}

// RecordExtraction accounts one page-content extraction attempt by method
// (static, browser, emergency).
func (s *RunStats) RecordExtraction(method string, failed bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if failed {
		s.extractFailures++
		return
	}
	s.pagesExtracted++
	s.extractMethods[method]++
}

// TotalCost returns the accumulated provider spend for the run.
func (s *RunStats) TotalCost() float64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.costUSD
}

// TokensUsed returns the accumulated token usage for the run.
func (s *RunStats) TokensUsed() int64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokensUsed
}

// Snapshot returns a copy safe to serialize after the run settles.
func (s *RunStats) Snapshot() RunStatsSnapshot {
	if s == nil {
		return RunStatsSnapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := RunStatsSnapshot{
		ProviderCalls:    s.providerCalls,
		ProviderFailures: s.providerFailures,
		TokensUsed:       s.tokensUsed,
		CostUSD:          s.costUSD,
		SearchQueries:    s.searchQueries,
		SearchFailures:   s.searchFailures,
		URLsConsidered:   s.urlsConsidered,
		URLsAccepted:     s.urlsAccepted,
		URLsBlocked:      s.urlsBlocked,
		PagesExtracted:   s.pagesExtracted,
		ExtractFailures:  s.extractFailures,
	}
	if len(s.stageDurations) > 0 {
		snap.StageDurationsMS = make(map[string]int64, len(s.stageDurations))
		for k, v := range s.stageDurations {
			snap.StageDurationsMS[k] = v.Milliseconds()
		}
	}
	if len(s.extractMethods) > 0 {
		snap.ExtractMethods = make(map[string]int64, len(s.extractMethods))
		for k, v := range s.extractMethods {
			snap.ExtractMethods[k] = v
		}
	}
	return snap
}
