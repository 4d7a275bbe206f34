package budget

import (
	"fmt"
	"sync"
	"time"
)

// ErrExceeded is returned once usage passes a configured limit.
type ErrExceeded struct {
	Kind  string
	Usage string
	Limit string
}

func (e ErrExceeded) Error() string {
	return fmt.Sprintf("budget %s exceeded: usage=%s limit=%s", e.Kind, e.Usage, e.Limit)
}

// Monitor tracks provider usage for one run against its limits.
type Monitor struct {
	config     Config
	costUsed   float64
	tokensUsed int64
	startTime  time.Time
	mu         sync.Mutex
}

// NewMonitor clones the provided config and starts tracking usage.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{
		config:    cfg.Clone(),
		startTime: time.Now(),
	}
}

// Add records incremental cost and tokens, returning ErrExceeded when a
// limit is now breached. Usage is recorded either way: the call that
// breached still happened and must be accounted for.
func (m *Monitor) Add(cost float64, tokens int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.costUsed += cost
	m.tokensUsed += tokens
	return m.checkLocked()
}

// Exceeded reports whether any limit is already breached without recording
// new usage. Callers refuse further provider calls once it returns non-nil.
func (m *Monitor) Exceeded() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLocked()
}

func (m *Monitor) checkLocked() error {
	if m.config.MaxCostUSD != nil && m.costUsed > *m.config.MaxCostUSD {
		return ErrExceeded{
			Kind:  "cost",
			Usage: fmt.Sprintf("$%.4f", m.costUsed),
			Limit: fmt.Sprintf("$%.4f", *m.config.MaxCostUSD),
		}
	}
	if m.config.MaxTokens != nil && m.tokensUsed > *m.config.MaxTokens {
		return ErrExceeded{
			Kind:  "tokens",
			Usage: fmt.Sprintf("%d tokens", m.tokensUsed),
			Limit: fmt.Sprintf("%d tokens", *m.config.MaxTokens),
		}
	}
	if m.config.MaxTimeSeconds != nil && *m.config.MaxTimeSeconds > 0 {
		elapsed := time.Since(m.startTime)
		limit := time.Duration(*m.config.MaxTimeSeconds) * time.Second
		if elapsed > limit {
			return ErrExceeded{
				Kind:  "time",
				Usage: elapsed.String(),
				Limit: limit.String(),
			}
		}
	}
	return nil
}

// Usage returns the accumulated metrics.
func (m *Monitor) Usage() (cost float64, tokens int64, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.costUsed, m.tokensUsed, time.Since(m.startTime)
}

// Config returns a clone of the underlying limits.
func (m *Monitor) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config.Clone()
}
