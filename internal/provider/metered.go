package provider

import (
	"context"
	"errors"
	"log"

	"github.com/mercatorhq/mercator/internal/budget"
	"github.com/mercatorhq/mercator/internal/pipeline"
	"github.com/mercatorhq/mercator/internal/telemetry"
)

// Metered adapts an Engine into the pipeline's content provider. It records
// usage into the run's stats and refuses further calls once the run's
// budget is spent, so a runaway run degrades to fallbacks instead of
// burning money.
type Metered struct {
	engine    Engine
	monitor   *budget.Monitor
	stats     *telemetry.RunStats
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

var _ pipeline.ContentProvider = (*Metered)(nil)

func NewMetered(engine Engine, monitor *budget.Monitor, stats *telemetry.RunStats, tel *telemetry.Telemetry) *Metered {
	return &Metered{
		engine:    engine,
		monitor:   monitor,
		stats:     stats,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[PROVIDER] ", log.LstdFlags),
	}
}

func (m *Metered) Name() string { return m.engine.Name() }

func (m *Metered) Generate(ctx context.Context, prompt string) (string, error) {
	if m.monitor != nil {
		if err := m.monitor.Exceeded(); err != nil {
			return "", &pipeline.ProviderError{Provider: m.Name(), Err: err}
		}
	}

	res, err := m.engine.Generate(ctx, prompt)
	failed := err != nil
	m.stats.RecordProviderCall(res.InputTokens+res.OutputTokens, res.CostUSD, failed)

	name := res.Provider
	if name == "" {
		name = m.Name()
	}
	m.telemetry.RecordProviderCall(name, failed)

	if m.monitor != nil && !failed {
		if berr := m.monitor.Add(res.CostUSD, res.InputTokens+res.OutputTokens); berr != nil {
			m.logger.Printf("run budget breached, refusing further provider calls: %v", berr)
		}
	}
	if err != nil {
		var provErr *pipeline.ProviderError
		if errors.As(err, &provErr) {
			return "", err
		}
		return "", &pipeline.ProviderError{Provider: m.Name(), Err: err}
	}
	return res.Text, nil
}

// Factory builds the per-run provider the orchestrator attaches to each
// run: the configured engine chain, metered against a fresh budget monitor.
// Limits passed in the run's extra parameters override the configured
// defaults.
func Factory(engines []Engine, limits budget.Config, tel *telemetry.Telemetry, logger *log.Logger) pipeline.ProviderFactory {
	return func(run pipeline.Run, stats *telemetry.RunStats) pipeline.ContentProvider {
		if len(engines) == 0 {
			return nil
		}
		runLimits := budget.Merge(limits, budget.FromParams(run.Params.Extra))
		return NewMetered(NewChain(engines, logger), budget.NewMonitor(runLimits), stats, tel)
	}
}
