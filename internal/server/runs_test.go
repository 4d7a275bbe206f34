package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mercatorhq/mercator/internal/pipeline"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// twoStageRegistry builds an analyze -> summarize graph that settles
// instantly. Every stage execution increments counter.
func twoStageRegistry(t *testing.T, counter *atomic.Int64) *pipeline.Registry {
	t.Helper()
	instant := func(id string) pipeline.StageFunc {
		return func(ctx context.Context, rc pipeline.RunContext, deps map[string]map[string]interface{}) (map[string]interface{}, error) {
			counter.Add(1)
			return map[string]interface{}{"stage": id, "segment": rc.Run.Params.Segment}, nil
		}
	}
	reg, err := pipeline.NewRegistry(
		pipeline.StageDefinition{ID: "analyze", Run: instant("analyze")},
		pipeline.StageDefinition{ID: "summarize", DependsOn: []string{"analyze"}, Run: instant("summarize")},
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func newTestRunsHandler(t *testing.T, st pipeline.Store, counter *atomic.Int64) *RunsHandler {
	t.Helper()
	orch := pipeline.NewOrchestrator(twoStageRegistry(t, counter), st, pipeline.WithLogger(testLogger()))
	return NewRunsHandler(st, orch, time.Minute, testLogger())
}

// waitForDone blocks until the handler's executor goroutine has exited and
// the run reached a terminal status.
func waitForDone(t *testing.T, h *RunsHandler, st pipeline.Store, runID string) pipeline.Run {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, busy := h.inflight.Load(runID); !busy {
			run, ok, err := st.GetRun(context.Background(), runID)
			if err != nil {
				t.Fatalf("GetRun: %v", err)
			}
			if ok && run.Status.Terminal() {
				return run
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish in time", runID)
	return pipeline.Run{}
}

func postJSON(e *echo.Echo, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func getPath(e *echo.Echo, target string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestStartRunAccepted(t *testing.T) {
	e := echo.New()
	st := pipeline.NewMemoryStore()
	var counter atomic.Int64
	h := newTestRunsHandler(t, st, &counter)

	ctx, rec := postJSON(e, "/api/runs", `{"segment":"fitness","product":"online coaching","audience":"trainers"}`)
	if err := h.start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	var resp IDResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID == "" {
		t.Fatal("empty run id")
	}

	run := waitForDone(t, h, st, resp.ID)
	if run.Status != pipeline.RunStatusCompleted {
		t.Fatalf("status = %s, want completed", run.Status)
	}
	if got := counter.Load(); got != 2 {
		t.Fatalf("stage executions = %d, want 2", got)
	}

	ctx, rec = getPath(e, "/api/runs/"+resp.ID+"/report")
	ctx.SetParamNames("id")
	ctx.SetParamValues(resp.ID)
	if err := h.report(ctx); err != nil {
		t.Fatalf("report: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("report status = %d, want 200", rec.Code)
	}
	var report pipeline.ConsolidatedReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.RunID != resp.ID || len(report.Sections) != 2 {
		t.Fatalf("unexpected report: run=%s sections=%d", report.RunID, len(report.Sections))
	}
}

func TestStartRunValidation(t *testing.T) {
	e := echo.New()
	st := pipeline.NewMemoryStore()
	var counter atomic.Int64
	h := newTestRunsHandler(t, st, &counter)

	cases := []string{
		`{"product":"online coaching"}`,
		`{"segment":"  ","product":"online coaching"}`,
		`{"segment":"fitness"}`,
		`{"segment":"fitness","product":"online coaching","price":-5}`,
	}
	for _, body := range cases {
		ctx, _ := postJSON(e, "/api/runs", body)
		err := h.start(ctx)
		he, ok := err.(*echo.HTTPError)
		if !ok || he.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %v", body, err)
		}
	}
	if counter.Load() != 0 {
		t.Fatal("rejected request must not execute stages")
	}
}

func TestBudgetExtraFoldsOverrides(t *testing.T) {
	cost := 1.5
	tokens := int64(4000)
	extra := budgetExtra(StartRunRequest{
		Extra:      map[string]interface{}{"focus": "pricing"},
		MaxCostUSD: &cost,
		MaxTokens:  &tokens,
	})
	if extra["max_cost_usd"] != 1.5 {
		t.Fatalf("max_cost_usd = %v", extra["max_cost_usd"])
	}
	if extra["max_tokens"] != float64(4000) {
		t.Fatalf("max_tokens = %v", extra["max_tokens"])
	}
	if extra["focus"] != "pricing" {
		t.Fatal("existing extra keys must survive")
	}

	if got := budgetExtra(StartRunRequest{}); got != nil {
		t.Fatalf("no overrides should leave extra nil, got %v", got)
	}
}

func TestRunStatusEndpoint(t *testing.T) {
	e := echo.New()
	st := pipeline.NewMemoryStore()
	var counter atomic.Int64
	h := newTestRunsHandler(t, st, &counter)

	ctx, rec := postJSON(e, "/api/runs", `{"segment":"fitness","product":"online coaching"}`)
	if err := h.start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	var resp IDResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	waitForDone(t, h, st, resp.ID)

	ctx, rec = getPath(e, "/api/runs/"+resp.ID)
	ctx.SetParamNames("id")
	ctx.SetParamValues(resp.ID)
	if err := h.status(ctx); err != nil {
		t.Fatalf("status: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var got RunStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != resp.ID || got.Status != string(pipeline.RunStatusCompleted) {
		t.Fatalf("unexpected response: %+v", got)
	}
	if len(got.Stages) != 2 {
		t.Fatalf("stages = %d, want 2", len(got.Stages))
	}
	for _, s := range got.Stages {
		if s.Status != string(pipeline.StageStatusSuccess) {
			t.Fatalf("stage %s status = %s", s.StageID, s.Status)
		}
	}
}

func TestRunStatusNotFound(t *testing.T) {
	e := echo.New()
	st := pipeline.NewMemoryStore()
	var counter atomic.Int64
	h := newTestRunsHandler(t, st, &counter)

	ctx, _ := getPath(e, "/api/runs/nope")
	ctx.SetParamNames("id")
	ctx.SetParamValues("nope")
	err := h.status(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestReportConflictWhileRunning(t *testing.T) {
	e := echo.New()
	st := pipeline.NewMemoryStore()
	var counter atomic.Int64
	h := newTestRunsHandler(t, st, &counter)

	run := pipeline.NewRun(pipeline.RunParams{Segment: "fitness", Product: "coaching"})
	if err := st.SaveRun(context.Background(), run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	ctx, _ := getPath(e, "/api/runs/"+run.ID+"/report")
	ctx.SetParamNames("id")
	ctx.SetParamValues(run.ID)
	err := h.report(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusConflict {
		t.Fatalf("expected 409 while running, got %v", err)
	}
}

func TestErrorsEndpoint(t *testing.T) {
	e := echo.New()
	st := pipeline.NewMemoryStore()
	boom := errors.New("search backend offline")
	reg, err := pipeline.NewRegistry(pipeline.StageDefinition{
		ID: "analyze",
		Run: func(ctx context.Context, rc pipeline.RunContext, deps map[string]map[string]interface{}) (map[string]interface{}, error) {
			return nil, boom
		},
		Fallback: func(rc pipeline.RunContext, deps map[string]map[string]interface{}) map[string]interface{} {
			return map[string]interface{}{"fallback_mode": true}
		},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	orch := pipeline.NewOrchestrator(reg, st, pipeline.WithLogger(testLogger()))
	h := NewRunsHandler(st, orch, time.Minute, testLogger())

	ctx, rec := postJSON(e, "/api/runs", `{"segment":"fitness","product":"coaching"}`)
	if err := h.start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	var resp IDResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	run := waitForDone(t, h, st, resp.ID)
	if run.Status != pipeline.RunStatusCompletedWithFallbacks {
		t.Fatalf("status = %s, want completed_with_fallbacks", run.Status)
	}

	ctx, rec = getPath(e, "/api/runs/"+resp.ID+"/errors")
	ctx.SetParamNames("id")
	ctx.SetParamValues(resp.ID)
	if err := h.errors(ctx); err != nil {
		t.Fatalf("errors: %v", err)
	}
	var records []pipeline.ErrorRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) == 0 {
		t.Fatal("expected at least one error record")
	}
	if records[0].StageID != "analyze" || !strings.Contains(records[0].Message, "offline") {
		t.Fatalf("unexpected record: %+v", records[0])
	}
}

func TestListRunsEndpoint(t *testing.T) {
	e := echo.New()
	st := pipeline.NewMemoryStore()
	var counter atomic.Int64
	h := newTestRunsHandler(t, st, &counter)

	ctx, rec := postJSON(e, "/api/runs", `{"segment":"fitness","product":"coaching"}`)
	if err := h.start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	var resp IDResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	waitForDone(t, h, st, resp.ID)

	ctx, rec = getPath(e, "/api/runs?limit=10")
	if err := h.list(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	var runs []pipeline.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != resp.ID {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}

func TestResumeMissingRun(t *testing.T) {
	e := echo.New()
	st := pipeline.NewMemoryStore()
	var counter atomic.Int64
	h := newTestRunsHandler(t, st, &counter)

	ctx, _ := postJSON(e, "/api/runs/ghost/resume", `{}`)
	ctx.SetParamNames("id")
	ctx.SetParamValues("ghost")
	err := h.resume(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestResumeFinishedWithoutForce(t *testing.T) {
	e := echo.New()
	st := pipeline.NewMemoryStore()
	var counter atomic.Int64
	h := newTestRunsHandler(t, st, &counter)

	ctx, rec := postJSON(e, "/api/runs", `{"segment":"fitness","product":"coaching"}`)
	if err := h.start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	var resp IDResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	waitForDone(t, h, st, resp.ID)

	ctx, _ = postJSON(e, "/api/runs/"+resp.ID+"/resume", `{}`)
	ctx.SetParamNames("id")
	ctx.SetParamValues(resp.ID)
	err := h.resume(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %v", err)
	}
}

func TestResumeForceReexecutes(t *testing.T) {
	e := echo.New()
	st := pipeline.NewMemoryStore()
	var counter atomic.Int64
	h := newTestRunsHandler(t, st, &counter)

	ctx, rec := postJSON(e, "/api/runs", `{"segment":"fitness","product":"coaching"}`)
	if err := h.start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	var resp IDResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	waitForDone(t, h, st, resp.ID)
	if counter.Load() != 2 {
		t.Fatalf("executions after first run = %d", counter.Load())
	}

	ctx, rec = postJSON(e, "/api/runs/"+resp.ID+"/resume", `{"force":true}`)
	ctx.SetParamNames("id")
	ctx.SetParamValues(resp.ID)
	if err := h.resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("resume status = %d, want 202", rec.Code)
	}
	waitForDone(t, h, st, resp.ID)
	if got := counter.Load(); got != 4 {
		t.Fatalf("executions after forced resume = %d, want 4", got)
	}
}

func TestResumeInterruptedRunReusesCheckpoints(t *testing.T) {
	e := echo.New()
	st := pipeline.NewMemoryStore()
	var counter atomic.Int64
	h := newTestRunsHandler(t, st, &counter)

	// An interrupted run: stored as running with the first stage already
	// checkpointed, as if the process died mid-flight.
	run := pipeline.NewRun(pipeline.RunParams{Segment: "fitness", Product: "coaching"})
	if err := st.SaveRun(context.Background(), run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	err := st.PutStageResult(context.Background(), pipeline.StageResult{
		RunID:      run.ID,
		StageID:    "analyze",
		Status:     pipeline.StageStatusSuccess,
		Payload:    map[string]interface{}{"stage": "analyze"},
		ProducedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("PutStageResult: %v", err)
	}

	ctx, rec := postJSON(e, "/api/runs/"+run.ID+"/resume", `{}`)
	ctx.SetParamNames("id")
	ctx.SetParamValues(run.ID)
	if err := h.resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("resume status = %d, want 202", rec.Code)
	}

	done := waitForDone(t, h, st, run.ID)
	if done.Status != pipeline.RunStatusCompleted {
		t.Fatalf("status = %s, want completed", done.Status)
	}
	if got := counter.Load(); got != 1 {
		t.Fatalf("executions = %d, want 1 (analyze was checkpointed)", got)
	}
}
