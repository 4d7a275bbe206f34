package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mercatorhq/mercator/internal/telemetry"
)

var tracer = otel.Tracer("mercator/internal/pipeline")

const (
	defaultStageTimeout    = 2 * time.Minute
	defaultMaxConcurrent   = 4
	defaultPersistAttempts = 3
	defaultPersistBackoff  = 200 * time.Millisecond
)

// Orchestrator drives a run through the stage graph. Stages whose
// dependencies have all settled execute concurrently; a stage failure is
// contained to that stage through its fallback, and every settled result is
// checkpointed before any dependent may observe it.
type Orchestrator struct {
	registry        *Registry
	store           Store
	resolver        *Resolver
	notifier        Notifier
	telemetry       *telemetry.Telemetry
	providerFactory ProviderFactory
	logger          *log.Logger

	stageTimeout    time.Duration
	maxConcurrent   int
	persistAttempts int
	persistBackoff  time.Duration
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithNotifier attaches a progress notifier.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) {
		if n != nil {
			o.notifier = n
		}
	}
}

// WithTelemetry attaches run and stage metrics recording.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *Orchestrator) { o.telemetry = t }
}

// WithProviderFactory sets the factory used to build the content provider
// attached to each run.
func WithProviderFactory(f ProviderFactory) Option {
	return func(o *Orchestrator) { o.providerFactory = f }
}

// WithLogger overrides the default orchestrator logger.
func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithStageTimeout sets the per-stage timeout used when a definition does
// not declare its own.
func WithStageTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.stageTimeout = d
		}
	}
}

// WithMaxConcurrent caps how many stages run at the same time.
func WithMaxConcurrent(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxConcurrent = n
		}
	}
}

// WithPersistRetry tunes the bounded retry applied to persistence writes.
func WithPersistRetry(attempts int, backoff time.Duration) Option {
	return func(o *Orchestrator) {
		if attempts > 0 {
			o.persistAttempts = attempts
		}
		if backoff > 0 {
			o.persistBackoff = backoff
		}
	}
}

// NewOrchestrator builds an orchestrator over a validated registry and a
// persistence backend.
func NewOrchestrator(registry *Registry, store Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:        registry,
		store:           store,
		resolver:        NewResolver(registry),
		notifier:        NoopNotifier{},
		logger:          log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
		stageTimeout:    defaultStageTimeout,
		maxConcurrent:   defaultMaxConcurrent,
		persistAttempts: defaultPersistAttempts,
		persistBackoff:  defaultPersistBackoff,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute runs every stage of the graph for the given run and returns the
// consolidated report. Stage failures never abort the run: they settle as
// fallback results. The error return is reserved for fatal conditions, i.e.
// configuration defects, exhausted persistence retries, and cancellation.
//
// Executing the same run again reuses already-settled checkpoints unless
// run.Force is set, so a crashed run resumes where it stopped.
func (o *Orchestrator) Execute(ctx context.Context, run Run) (*ConsolidatedReport, error) {
	ctx, span := tracer.Start(ctx, "pipeline.execute",
		trace.WithAttributes(attribute.String("run.id", run.ID)))
	defer span.End()

	if o.registry == nil || o.registry.Len() == 0 {
		err := &ConfigError{Err: fmt.Errorf("no stages registered")}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if o.store == nil {
		err := &ConfigError{Err: fmt.Errorf("no store configured")}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	run.Status = RunStatusRunning
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if err := o.withPersistRetry(ctx, "save run", func() error {
		return o.store.SaveRun(ctx, run)
	}); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	total := o.registry.Len()
	o.logger.Printf("run %s started: %d stages", run.ID, total)
	o.notifier.RunStarted(ctx, run, total)

	rc := RunContext{Run: run, Stats: telemetry.NewRunStats()}
	if o.providerFactory != nil {
		rc.Provider = o.providerFactory(run, rc.Stats)
	}

	results := make(map[string]StageResult, total)
	if !run.Force {
		if err := o.loadCheckpoints(ctx, run, results); err != nil {
			span.SetStatus(codes.Error, err.Error())
			o.failRun(ctx, run, err)
			return nil, err
		}
	}

	if err := o.executeStages(ctx, rc, results); err != nil {
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			// Cancelled runs stay resumable: leave the stored status as
			// running and do not consolidate.
			o.logger.Printf("run %s interrupted: %v", run.ID, err)
			return nil, err
		}
		o.failRun(ctx, run, err)
		return nil, err
	}

	run.Status = computeRunStatus(o.registry.Stages(), results)
	finishedAt := time.Now().UTC()
	if err := o.withPersistRetry(ctx, "finish run", func() error {
		return o.store.FinishRun(ctx, run.ID, run.Status, finishedAt)
	}); err != nil {
		span.SetStatus(codes.Error, err.Error())
		o.failRun(ctx, run, err)
		return nil, err
	}

	report := Consolidate(run, o.registry.Stages(), results, rc.Stats.Snapshot(), finishedAt)
	if err := o.withPersistRetry(ctx, "put report", func() error {
		return o.store.PutReport(ctx, report)
	}); err != nil {
		// Every stage checkpoint is durable at this point, so the report
		// can be rebuilt; hand it to the caller anyway.
		o.logger.Printf("run %s: report not persisted: %v", run.ID, err)
	}

	o.notifier.RunFinished(ctx, run, run.Status)
	o.recordRunEvent(ctx, run, report, finishedAt)
	o.logger.Printf("run %s finished: status=%s quality=%.2f (%d/%d succeeded, %d fallbacks, %d skipped)",
		run.ID, run.Status, report.Quality,
		report.Stats.Succeeded, report.Stats.Total, report.Stats.Fallbacks, report.Stats.Skipped)
	span.SetAttributes(
		attribute.String("run.status", string(run.Status)),
		attribute.Float64("run.quality", report.Quality),
	)
	return &report, nil
}

// loadCheckpoints seeds the result set from previously settled stages so a
// resumed run re-executes only what never settled.
func (o *Orchestrator) loadCheckpoints(ctx context.Context, run Run, results map[string]StageResult) error {
	var existing []StageResult
	if err := o.withPersistRetry(ctx, "list stage results", func() error {
		var err error
		existing, err = o.store.ListStageResults(ctx, run.ID)
		return err
	}); err != nil {
		return err
	}
	total := o.registry.Len()
	for _, res := range existing {
		if _, ok := o.registry.Get(res.StageID); !ok {
			continue
		}
		results[res.StageID] = res
		o.logger.Printf("run %s: reusing checkpoint for stage %s (status=%s)", run.ID, res.StageID, res.Status)
		o.notifier.StageSettled(ctx, run, res, len(results), total)
	}
	return nil
}

// executeStages walks the graph in waves: every stage whose dependencies
// have settled starts concurrently, bounded by maxConcurrent. It returns
// only fatal errors; stage failures settle in place through fallbacks.
func (o *Orchestrator) executeStages(ctx context.Context, rc RunContext, results map[string]StageResult) error {
	defs := o.registry.Stages()
	total := len(defs)
	semaphore := make(chan struct{}, o.maxConcurrent)

	var mu sync.Mutex
	for {
		mu.Lock()
		settled := len(results)
		mu.Unlock()
		if settled >= total {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		ready := readyStages(defs, results, &mu)
		if len(ready) == 0 {
			return &ConfigError{Err: fmt.Errorf("%w: %d stages blocked", ErrCycleDetected, total-settled)}
		}

		var wg sync.WaitGroup
		errCh := make(chan error, len(ready))
		for _, def := range ready {
			wg.Add(1)
			go func(def StageDefinition) {
				defer wg.Done()
				select {
				case semaphore <- struct{}{}:
					defer func() { <-semaphore }()
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				}

				mu.Lock()
				deps := collectDeps(def, results)
				mu.Unlock()

				res, err := o.runStage(ctx, rc, def, deps)
				if err != nil {
					errCh <- err
					return
				}
				mu.Lock()
				results[def.ID] = res
				settled := len(results)
				mu.Unlock()
				o.notifier.StageSettled(ctx, rc.Run, res, settled, total)
			}(def)
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			if err != nil {
				return err
			}
		}
	}
}

// readyStages returns, in declaration order, the unsettled stages whose
// dependencies have all settled.
func readyStages(defs []StageDefinition, results map[string]StageResult, mu *sync.Mutex) []StageDefinition {
	mu.Lock()
	defer mu.Unlock()
	var ready []StageDefinition
	for _, def := range defs {
		if _, done := results[def.ID]; done {
			continue
		}
		blocked := false
		for _, dep := range def.DependsOn {
			if _, done := results[dep]; !done {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, def)
		}
	}
	return ready
}

// collectDeps snapshots dependency payloads for a stage. Each stage gets
// its own copy: a slow consumer must never observe a map another goroutine
// holds a reference to.
func collectDeps(def StageDefinition, results map[string]StageResult) map[string]map[string]interface{} {
	deps := make(map[string]map[string]interface{}, len(def.DependsOn))
	for _, dep := range def.DependsOn {
		deps[dep] = clonePayload(results[dep].Payload)
	}
	return deps
}

func clonePayload(payload map[string]interface{}) map[string]interface{} {
	if payload == nil {
		return map[string]interface{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return payload
	}
	out := make(map[string]interface{}, len(payload))
	if err := json.Unmarshal(raw, &out); err != nil {
		return payload
	}
	return out
}

// runStage executes one stage to a settled result and checkpoints it. The
// returned error is fatal only: stage failures settle as fallback results,
// skip requests settle as skipped.
func (o *Orchestrator) runStage(ctx context.Context, rc RunContext, def StageDefinition, deps map[string]map[string]interface{}) (StageResult, error) {
	stageCtx, span := tracer.Start(ctx, "pipeline.stage",
		trace.WithAttributes(
			attribute.String("run.id", rc.Run.ID),
			attribute.String("stage.id", def.ID),
		))
	defer span.End()

	start := time.Now()
	payload, stageErr := o.invokeStage(stageCtx, rc, def, deps)
	duration := time.Since(start)
	rc.Stats.RecordStageDuration(def.ID, duration)

	if stageErr != nil && ctx.Err() != nil {
		// The run itself was cancelled; abandon without settling so the
		// stage re-executes on resume.
		return StageResult{}, ctx.Err()
	}

	now := time.Now().UTC()
	var res StageResult
	switch {
	case stageErr == nil:
		res = StageResult{
			RunID:      rc.Run.ID,
			StageID:    def.ID,
			Status:     StageStatusSuccess,
			Payload:    payload,
			ProducedAt: now,
		}
	case errors.Is(stageErr, ErrSkipStage):
		o.logger.Printf("run %s: stage %s skipped: %v", rc.Run.ID, def.ID, stageErr)
		res = StageResult{
			RunID:        rc.Run.ID,
			StageID:      def.ID,
			Status:       StageStatusSkipped,
			Payload:      map[string]interface{}{},
			ErrorSummary: stageErr.Error(),
			ProducedAt:   now,
		}
	default:
		kind := classifyError(stageErr)
		o.logger.Printf("run %s: stage %s failed (%s), substituting fallback: %v", rc.Run.ID, def.ID, kind, stageErr)
		o.appendError(ctx, ErrorRecord{
			RunID:   rc.Run.ID,
			StageID: def.ID,
			Kind:    kind,
			Message: stageErr.Error(),
			At:      now,
		})
		fallbackPayload, exhausted := o.resolver.Resolve(def.ID, rc, deps)
		if exhausted {
			o.appendError(ctx, ErrorRecord{
				RunID:   rc.Run.ID,
				StageID: def.ID,
				Kind:    ErrKindFallbackExhaustion,
				Message: "fallback generator failed, minimal placeholder substituted",
				At:      time.Now().UTC(),
			})
		}
		res = StageResult{
			RunID:        rc.Run.ID,
			StageID:      def.ID,
			Status:       StageStatusFallback,
			Payload:      fallbackPayload,
			ErrorSummary: stageErr.Error(),
			ProducedAt:   time.Now().UTC(),
		}
	}

	span.SetAttributes(
		attribute.String("stage.status", string(res.Status)),
		attribute.Float64("stage.duration_seconds", duration.Seconds()),
	)
	o.recordStageEvent(stageCtx, rc.Run, res, duration)

	// The checkpoint write gates dependents: nothing downstream may start
	// until this result is durable.
	if err := o.withPersistRetry(ctx, fmt.Sprintf("put stage result %s", def.ID), func() error {
		return o.store.PutStageResult(ctx, res)
	}); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return StageResult{}, err
	}
	return res, nil
}

// invokeStage calls the stage function under its timeout with panics
// contained to the stage boundary.
func (o *Orchestrator) invokeStage(ctx context.Context, rc RunContext, def StageDefinition, deps map[string]map[string]interface{}) (payload map[string]interface{}, err error) {
	if def.NeedsProvider && rc.Provider == nil {
		return nil, ErrNoProvider
	}
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = o.stageTimeout
	}
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			payload = nil
			err = fmt.Errorf("stage %s panicked: %v", def.ID, rec)
		}
	}()
	return def.Run(stageCtx, rc, deps)
}

// appendError writes to the error log best effort. The log is diagnostic:
// losing an entry must not change the run outcome.
func (o *Orchestrator) appendError(ctx context.Context, rec ErrorRecord) {
	if err := o.store.AppendError(ctx, rec); err != nil {
		o.logger.Printf("run %s: error log append failed for stage %s: %v", rec.RunID, rec.StageID, err)
	}
}

// withPersistRetry applies the bounded retry policy to one persistence
// write and escalates exhaustion to a fatal PersistenceError.
func (o *Orchestrator) withPersistRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	backoff := o.persistBackoff
	for attempt := 1; attempt <= o.persistAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		o.logger.Printf("persistence %s failed (attempt %d/%d): %v", op, attempt, o.persistAttempts, lastErr)
		if attempt == o.persistAttempts {
			break
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return &PersistenceError{Op: op, Err: lastErr}
}

// failRun marks the run fatally failed, best effort. The store may be the
// very thing that is down, so failures here are only logged.
func (o *Orchestrator) failRun(ctx context.Context, run Run, cause error) {
	o.logger.Printf("run %s failed fatally: %v", run.ID, cause)
	o.appendError(ctx, ErrorRecord{
		RunID:   run.ID,
		Kind:    fatalErrorKind(cause),
		Message: cause.Error(),
		At:      time.Now().UTC(),
	})

	markCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.FinishRun(markCtx, run.ID, RunStatusFailedFatally, time.Now().UTC()); err != nil {
		o.logger.Printf("run %s: could not mark failed_fatally: %v", run.ID, err)
	}
	run.Status = RunStatusFailedFatally
	o.notifier.RunFinished(ctx, run, RunStatusFailedFatally)
	if o.telemetry != nil {
		o.telemetry.RecordRunEvent(ctx, telemetry.RunEvent{
			RunID:    run.ID,
			Status:   string(RunStatusFailedFatally),
			Duration: time.Since(run.StartedAt),
		})
	}
}

func fatalErrorKind(err error) string {
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) || errors.Is(err, ErrCycleDetected) || errors.Is(err, ErrUnknownDependency) {
		return ErrKindConfiguration
	}
	var persErr *PersistenceError
	if errors.As(err, &persErr) {
		return ErrKindPersistence
	}
	return ErrKindStage
}

// computeRunStatus derives the terminal status from the settled results:
// completed only when every stage genuinely succeeded.
func computeRunStatus(defs []StageDefinition, results map[string]StageResult) RunStatus {
	for _, def := range defs {
		res, ok := results[def.ID]
		if !ok || res.Status != StageStatusSuccess {
			return RunStatusCompletedWithFallbacks
		}
	}
	return RunStatusCompleted
}

func (o *Orchestrator) recordStageEvent(ctx context.Context, run Run, res StageResult, duration time.Duration) {
	if o.telemetry == nil {
		return
	}
	o.telemetry.RecordStageEvent(ctx, telemetry.StageEvent{
		RunID:    run.ID,
		StageID:  res.StageID,
		Status:   string(res.Status),
		Duration: duration,
	})
}

func (o *Orchestrator) recordRunEvent(ctx context.Context, run Run, report ConsolidatedReport, finishedAt time.Time) {
	if o.telemetry == nil {
		return
	}
	o.telemetry.RecordRunEvent(ctx, telemetry.RunEvent{
		RunID:          run.ID,
		Status:         string(run.Status),
		Duration:       finishedAt.Sub(run.StartedAt),
		StagesTotal:    report.Stats.Total,
		StagesSucc:     report.Stats.Succeeded,
		StagesFallback: report.Stats.Fallbacks,
		StagesSkipped:  report.Stats.Skipped,
		Cost:           report.RunStats.CostUSD,
		TokensUsed:     report.RunStats.TokensUsed,
	})
}
