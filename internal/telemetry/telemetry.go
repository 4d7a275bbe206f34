package telemetry

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mercatorhq/mercator/config"
)

// Telemetry aggregates run and stage events across the process lifetime and
// mirrors them into prometheus collectors.
type Telemetry struct {
	config  config.TelemetryConfig
	logger  *log.Logger
	metrics *Metrics
	mu      sync.RWMutex

	runsTotal     *prometheus.CounterVec
	stagesTotal   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	providerCalls *prometheus.CounterVec
	costTotal     prometheus.Counter
}

// Metrics holds rolling performance metrics
type Metrics struct {
	TotalRuns      int64
	CompletedRuns  int64
	DegradedRuns   int64
	FailedRuns     int64
	AverageRunTime time.Duration

	StageExecutions   map[string]int64
	StageFallbacks    map[string]int64
	StageAverageTimes map[string]time.Duration

	TotalCost   float64
	TotalTokens int64
}

// RunEvent represents one settled run
type RunEvent struct {
	RunID          string
	Status         string
	Duration       time.Duration
	StagesTotal    int
	StagesSucc     int
	StagesFallback int
	StagesSkipped  int
	Cost           float64
	TokensUsed     int64
}

// StageEvent represents one settled stage within a run
type StageEvent struct {
	RunID    string
	StageID  string
	Status   string
	Duration time.Duration
}

// New creates a telemetry instance. Collectors are registered on reg; pass
// nil to skip prometheus wiring (tests, one-shot CLI runs).
func New(cfg config.TelemetryConfig, reg prometheus.Registerer) *Telemetry {
	t := &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			StageExecutions:   make(map[string]int64),
			StageFallbacks:    make(map[string]int64),
			StageAverageTimes: make(map[string]time.Duration),
		},
	}

	if reg != nil {
		t.runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mercator_runs_total",
			Help: "Settled pipeline runs by final status.",
		}, []string{"status"})
		t.stagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mercator_stages_total",
			Help: "Settled stages by stage id and status.",
		}, []string{"stage", "status"})
		t.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mercator_stage_duration_seconds",
			Help:    "Stage wall time until settled.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"})
		t.providerCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mercator_provider_calls_total",
			Help: "Content provider invocations by provider and outcome.",
		}, []string{"provider", "outcome"})
		t.costTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mercator_provider_cost_usd_total",
			Help: "Accumulated provider spend in USD.",
		})
		reg.MustRegister(t.runsTotal, t.stagesTotal, t.stageDuration, t.providerCalls, t.costTotal)
	}

	if cfg.Enabled && cfg.PeriodicLogs {
		go t.startPeriodicReport()
	}

	return t
}

// RecordRunEvent records a settled run.
func (t *Telemetry) RecordRunEvent(ctx context.Context, event RunEvent) {
	if t == nil || !t.config.Enabled {
		return
	}

	t.mu.Lock()
	t.metrics.TotalRuns++
	switch event.Status {
	case "completed":
		t.metrics.CompletedRuns++
	case "completed_with_fallbacks":
		t.metrics.DegradedRuns++
	default:
		t.metrics.FailedRuns++
	}

	// Update average run time
	if t.metrics.TotalRuns == 1 {
		t.metrics.AverageRunTime = event.Duration
	} else {
		total := t.metrics.AverageRunTime * time.Duration(t.metrics.TotalRuns-1)
		t.metrics.AverageRunTime = (total + event.Duration) / time.Duration(t.metrics.TotalRuns)
	}

	t.metrics.TotalCost += event.Cost
	t.metrics.TotalTokens += event.TokensUsed
	t.mu.Unlock()

	if t.runsTotal != nil {
		t.runsTotal.WithLabelValues(event.Status).Inc()
	}
	if t.costTotal != nil && event.Cost > 0 {
		t.costTotal.Add(event.Cost)
	}

	t.logger.Printf("Run Event: ID=%s, Status=%s, Duration=%v, Stages=%d/%d ok, Cost=$%.4f, Tokens=%d",
		event.RunID, event.Status, event.Duration, event.StagesSucc, event.StagesTotal, event.Cost, event.TokensUsed)
}

// RecordStageEvent records a settled stage.
func (t *Telemetry) RecordStageEvent(ctx context.Context, event StageEvent) {
	if t == nil || !t.config.Enabled {
		return
	}

	t.mu.Lock()
	t.metrics.StageExecutions[event.StageID]++
	if event.Status == "fallback" {
		t.metrics.StageFallbacks[event.StageID]++
	}

	// Update average stage time
	count := t.metrics.StageExecutions[event.StageID]
	currentAvg := t.metrics.StageAverageTimes[event.StageID]
	if count == 1 {
		t.metrics.StageAverageTimes[event.StageID] = event.Duration
	} else {
		total := currentAvg * time.Duration(count-1)
		t.metrics.StageAverageTimes[event.StageID] = (total + event.Duration) / time.Duration(count)
	}
	t.mu.Unlock()

	if t.stagesTotal != nil {
		t.stagesTotal.WithLabelValues(event.StageID, event.Status).Inc()
	}
	if t.stageDuration != nil {
		t.stageDuration.WithLabelValues(event.StageID).Observe(event.Duration.Seconds())
	}
}

// RecordProviderCall mirrors a provider invocation into prometheus.
func (t *Telemetry) RecordProviderCall(provider string, failed bool) {
	if t == nil || !t.config.Enabled || t.providerCalls == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	t.providerCalls.WithLabelValues(provider, outcome).Inc()
}

// GetMetrics returns a copy of the current metrics.
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	metrics := *t.metrics
	metrics.StageExecutions = make(map[string]int64, len(t.metrics.StageExecutions))
	metrics.StageFallbacks = make(map[string]int64, len(t.metrics.StageFallbacks))
	metrics.StageAverageTimes = make(map[string]time.Duration, len(t.metrics.StageAverageTimes))
	for k, v := range t.metrics.StageExecutions {
		metrics.StageExecutions[k] = v
	}
	for k, v := range t.metrics.StageFallbacks {
		metrics.StageFallbacks[k] = v
	}
	for k, v := range t.metrics.StageAverageTimes {
		metrics.StageAverageTimes[k] = v
	}
	return metrics
}

func (t *Telemetry) startPeriodicReport() {
	ticker := time.NewTicker(t.config.ReportInterval)
	defer ticker.Stop()

	for range ticker.C {
		m := t.GetMetrics()
		t.logger.Printf("Metrics Snapshot: Runs=%d (completed=%d degraded=%d failed=%d), AvgTime=%v, Cost=$%.4f, Tokens=%d",
			m.TotalRuns, m.CompletedRuns, m.DegradedRuns, m.FailedRuns, m.AverageRunTime, m.TotalCost, m.TotalTokens)
	}
}

// Shutdown logs a final report.
func (t *Telemetry) Shutdown() {
	if t == nil {
		return
	}
	m := t.GetMetrics()
	t.logger.Printf("Final Report: Runs=%d, Degraded=%d, Failed=%d, AvgTime=%v, Cost=$%.4f, Tokens=%d",
		m.TotalRuns, m.DegradedRuns, m.FailedRuns, m.AverageRunTime, m.TotalCost, m.TotalTokens)
}

// GetPerformanceReport returns a human-readable summary of everything seen
// since process start.
func (t *Telemetry) GetPerformanceReport() string {
	m := t.GetMetrics()

	var b strings.Builder
	fmt.Fprintf(&b, "=== PERFORMANCE REPORT ===\n")
	fmt.Fprintf(&b, "Runs: %d total, %d completed, %d degraded, %d failed\n",
		m.TotalRuns, m.CompletedRuns, m.DegradedRuns, m.FailedRuns)
	fmt.Fprintf(&b, "Average Run Time: %v\n", m.AverageRunTime)
	fmt.Fprintf(&b, "Total Cost: $%.4f, Total Tokens: %d\n", m.TotalCost, m.TotalTokens)
	fmt.Fprintf(&b, "Stages:\n")
	for stage, count := range m.StageExecutions {
		fmt.Fprintf(&b, "  %s: %d executions, %d fallbacks, avg %v\n",
			stage, count, m.StageFallbacks[stage], m.StageAverageTimes[stage])
	}
	return b.String()
}
