package pipeline

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnknownDependency marks a stage that depends on an unregistered ID.
	ErrUnknownDependency = fmt.Errorf("unknown dependency")
	// ErrCycleDetected marks a dependency graph that is not a DAG.
	ErrCycleDetected = fmt.Errorf("cycle detected")
	// ErrNoProvider is returned when a stage needs a content provider and
	// none was attached to the run.
	ErrNoProvider = fmt.Errorf("no content provider available")
	// ErrSkipStage may be returned by a stage to settle as skipped instead
	// of failing when its degraded inputs are unusable.
	ErrSkipStage = fmt.Errorf("stage skipped")
)

// Error kinds recorded on ErrorRecord entries.
const (
	ErrKindConfiguration      = "configuration"
	ErrKindProvider           = "provider"
	ErrKindTimeout            = "timeout"
	ErrKindPersistence        = "persistence"
	ErrKindStage              = "stage"
	ErrKindFallbackExhaustion = "fallback_exhaustion"
)

// ConfigError is a structural defect in the stage graph or orchestrator
// setup. It is the only class of error that fails a run before any stage
// executes.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("configuration: %v", e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

// ProviderError is a failed interaction with an external content provider.
// Stage failures of this kind settle through the fallback path.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string { return fmt.Sprintf("provider %s: %v", e.Provider, e.Err) }
func (e *ProviderError) Unwrap() error { return e.Err }

// PersistenceError is a checkpoint or run-state write that kept failing
// after retries. It is fatal: without durable checkpoints the run cannot
// guarantee resumability.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persistence %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// classifyError maps a stage failure to the error kind recorded alongside
// the fallback result. Timeouts are deliberately indistinguishable from
// provider failures in how the run proceeds; the kind differs only for the
// error log.
func classifyError(err error) string {
	var provErr *ProviderError
	var persErr *PersistenceError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrKindTimeout
	case errors.As(err, &provErr), errors.Is(err, ErrNoProvider):
		return ErrKindProvider
	case errors.As(err, &persErr):
		return ErrKindPersistence
	default:
		return ErrKindStage
	}
}
