package progress

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mercatorhq/mercator/config"
	"github.com/mercatorhq/mercator/internal/pipeline"
)

func TestStageSettledPayloadPercent(t *testing.T) {
	run := pipeline.Run{ID: "run-1"}
	result := pipeline.StageResult{RunID: "run-1", StageID: "research", Status: pipeline.StageStatusSuccess}

	payload := stageSettledPayload(run, result, 1, 7)
	if payload.StageID != "research" || payload.Status != "success" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if want := float64(1) / float64(7) * 100; payload.Percent != want {
		t.Fatalf("expected percent %v, got %v", want, payload.Percent)
	}

	payload = stageSettledPayload(run, result, 0, 0)
	if payload.Percent != 0 {
		t.Fatalf("expected zero percent for zero total, got %v", payload.Percent)
	}
}

func TestNewEnvelope(t *testing.T) {
	env, err := newEnvelope(EventRunFinished, RunFinishedPayload{RunID: "run-1", Status: "completed"})
	if err != nil {
		t.Fatalf("newEnvelope: %v", err)
	}
	if env.EventID == "" {
		t.Fatalf("expected generated event id")
	}
	if env.EventType != EventRunFinished {
		t.Fatalf("unexpected event type: %s", env.EventType)
	}
	if env.OccurredAt.IsZero() {
		t.Fatalf("expected occurred_at to be set")
	}

	var payload RunFinishedPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if payload.RunID != "run-1" || payload.Status != "completed" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestDialRequiresAddr(t *testing.T) {
	if _, err := Dial(context.Background(), config.RedisConfig{}); err == nil {
		t.Fatalf("expected error when redis is not configured")
	}
}
