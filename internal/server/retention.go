package server

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/mercatorhq/mercator/config"
)

// PruneFunc deletes run data finished before cutoff and reports how many
// runs were removed.
type PruneFunc func(ctx context.Context, cutoff time.Time) (int64, error)

// Retention prunes finished runs on a cron schedule so the run store does
// not grow without bound.
type Retention struct {
	expr   *cronexpr.Expression
	maxAge time.Duration
	prune  PruneFunc
	logger *log.Logger
	stop   chan struct{}
}

// NewRetention builds a Retention from config. It returns (nil, nil) when no
// cron expression is configured, which disables pruning.
func NewRetention(cfg config.RetentionConfig, prune PruneFunc, logger *log.Logger) (*Retention, error) {
	if cfg.Cron == "" {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	expr, err := cronexpr.Parse(cfg.Cron)
	if err != nil {
		return nil, fmt.Errorf("retention cron %q: %w", cfg.Cron, err)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[RETENTION] ", log.LstdFlags)
	}
	return &Retention{
		expr:   expr,
		maxAge: cfg.MaxAge,
		prune:  prune,
		logger: logger,
		stop:   make(chan struct{}),
	}, nil
}

// Start launches the schedule loop. Safe to call on a nil Retention.
func (r *Retention) Start() {
	if r == nil {
		return
	}
	go r.loop()
}

// Stop terminates the schedule loop. Safe to call on a nil Retention.
func (r *Retention) Stop() {
	if r == nil {
		return
	}
	close(r.stop)
}

func (r *Retention) loop() {
	for {
		next := r.expr.Next(time.Now())
		if next.IsZero() {
			r.logger.Printf("cron expression yields no future run; retention stopped")
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-r.stop:
			timer.Stop()
			return
		case now := <-timer.C:
			r.tick(now)
		}
	}
}

// tick runs one prune pass. Split out from loop so tests can drive it
// directly.
func (r *Retention) tick(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	cutoff := now.Add(-r.maxAge)
	removed, err := r.prune(ctx, cutoff)
	if err != nil {
		r.logger.Printf("prune before %s: %v", cutoff.Format(time.RFC3339), err)
		return
	}
	if removed > 0 {
		r.logger.Printf("pruned %d finished runs older than %s", removed, cutoff.Format(time.RFC3339))
	}
}
