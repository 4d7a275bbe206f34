// Package progress publishes run lifecycle events to a Redis stream so
// external consumers can follow a pipeline run as it advances. Publishing is
// best effort: failures are logged and never surfaced to the run.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mercatorhq/mercator/config"
	"github.com/mercatorhq/mercator/internal/pipeline"
)

// Event types appended to the progress stream.
const (
	EventRunStarted   = "run.started"
	EventStageSettled = "stage.settled"
	EventRunFinished  = "run.finished"
)

const publishTimeout = 2 * time.Second

// Envelope is the message wrapper appended to the progress stream, stored
// under the "envelope" field of each stream entry.
type Envelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// RunStartedPayload mirrors the JSON published for run.started events.
type RunStartedPayload struct {
	RunID       string             `json:"run_id"`
	Params      pipeline.RunParams `json:"params"`
	TotalStages int                `json:"total_stages"`
}

// StageSettledPayload mirrors the JSON published for stage.settled events.
type StageSettledPayload struct {
	RunID        string  `json:"run_id"`
	StageID      string  `json:"stage_id"`
	Status       string  `json:"status"`
	ErrorSummary string  `json:"error_summary,omitempty"`
	Settled      int     `json:"settled"`
	Total        int     `json:"total"`
	Percent      float64 `json:"percent"`
}

// RunFinishedPayload mirrors the JSON published for run.finished events.
type RunFinishedPayload struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// Dial opens a Redis client from the progress configuration and verifies the
// connection before returning it.
func Dial(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	cfg = cfg.Normalize()
	if !cfg.Enabled() {
		return nil, fmt.Errorf("redis is not configured")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Publisher appends progress events to a single Redis stream. It implements
// pipeline.Notifier and is safe for concurrent use.
type Publisher struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *log.Logger
}

var _ pipeline.Notifier = (*Publisher)(nil)

// New wraps an existing Redis client in a Publisher. Stream name and max
// length come from the normalized configuration.
func New(client *redis.Client, cfg config.RedisConfig, logger *log.Logger) *Publisher {
	cfg = cfg.Normalize()
	if logger == nil {
		logger = log.New(log.Writer(), "[PROGRESS] ", log.LstdFlags)
	}
	return &Publisher{client: client, stream: cfg.Stream, maxLen: cfg.MaxLen, logger: logger}
}

// Stream returns the stream name events are appended to.
func (p *Publisher) Stream() string { return p.stream }

func (p *Publisher) RunStarted(ctx context.Context, run pipeline.Run, totalStages int) {
	p.publish(ctx, EventRunStarted, RunStartedPayload{
		RunID:       run.ID,
		Params:      run.Params,
		TotalStages: totalStages,
	})
}

func (p *Publisher) StageSettled(ctx context.Context, run pipeline.Run, result pipeline.StageResult, settled, total int) {
	p.publish(ctx, EventStageSettled, stageSettledPayload(run, result, settled, total))
}

func (p *Publisher) RunFinished(ctx context.Context, run pipeline.Run, status pipeline.RunStatus) {
	p.publish(ctx, EventRunFinished, RunFinishedPayload{RunID: run.ID, Status: string(status)})
}

func stageSettledPayload(run pipeline.Run, result pipeline.StageResult, settled, total int) StageSettledPayload {
	payload := StageSettledPayload{
		RunID:        run.ID,
		StageID:      result.StageID,
		Status:       string(result.Status),
		ErrorSummary: result.ErrorSummary,
		Settled:      settled,
		Total:        total,
	}
	if total > 0 {
		payload.Percent = float64(settled) / float64(total) * 100
	}
	return payload
}

func newEnvelope(eventType string, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}, nil
}

func (p *Publisher) publish(ctx context.Context, eventType string, payload interface{}) {
	env, err := newEnvelope(eventType, payload)
	if err != nil {
		p.logger.Printf("progress: %v", err)
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		p.logger.Printf("progress: marshal envelope %s: %v", eventType, err)
		return
	}

	// Terminal events still matter when the run context was already
	// canceled; publish those on a short detached deadline instead.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{"envelope": raw},
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		p.logger.Printf("progress: xadd %s: %v", eventType, err)
	}
}
