package server

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mercatorhq/mercator/internal/pipeline"
	"github.com/mercatorhq/mercator/internal/reportindex"
)

func seedFinishedRun(t *testing.T, st *pipeline.MemoryStore, runID, segment, product, text string) {
	t.Helper()
	now := time.Now().UTC()
	run := pipeline.Run{
		ID:         runID,
		Params:     pipeline.RunParams{Segment: segment, Product: product},
		Status:     pipeline.RunStatusCompleted,
		StartedAt:  now.Add(-time.Minute),
		FinishedAt: &now,
	}
	if err := st.SaveRun(context.Background(), run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	report := pipeline.ConsolidatedReport{
		RunID:       runID,
		Params:      run.Params,
		Status:      run.Status,
		StartedAt:   run.StartedAt,
		GeneratedAt: now,
		Quality:     1.0,
		Sections: map[string]pipeline.ReportSection{
			"research": {
				Status:     pipeline.StageStatusSuccess,
				Payload:    map[string]interface{}{"summary": text},
				ProducedAt: now,
			},
		},
	}
	if err := st.PutReport(context.Background(), report); err != nil {
		t.Fatalf("PutReport: %v", err)
	}
}

func TestSearchEndpoint(t *testing.T) {
	e := echo.New()
	st := pipeline.NewMemoryStore()
	seedFinishedRun(t, st, "run-fit", "fitness", "online coaching",
		"gym membership demand keeps growing in metropolitan areas")
	seedFinishedRun(t, st, "run-acct", "accounting", "bookkeeping software",
		"invoice automation adoption among small firms")

	idx, err := reportindex.New()
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	defer idx.Close()
	h := NewReportsHandler(st, idx, testLogger())

	ctx, rec := getPath(e, "/api/reports/search?q=gym+membership")
	if err := h.search(ctx); err != nil {
		t.Fatalf("search: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp SearchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Hits) != 1 || resp.Hits[0].RunID != "run-fit" {
		t.Fatalf("unexpected hits: %+v", resp.Hits)
	}
	if resp.Hits[0].Segment != "fitness" {
		t.Fatalf("hit segment = %q", resp.Hits[0].Segment)
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	e := echo.New()
	st := pipeline.NewMemoryStore()
	idx, err := reportindex.New()
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	defer idx.Close()
	h := NewReportsHandler(st, idx, testLogger())

	ctx, _ := getPath(e, "/api/reports/search?q=+")
	serr := h.search(ctx)
	he, ok := serr.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", serr)
	}
}

func TestSearchSeesRunsFinishedAfterIndexCreation(t *testing.T) {
	e := echo.New()
	st := pipeline.NewMemoryStore()
	idx, err := reportindex.New()
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	defer idx.Close()
	h := NewReportsHandler(st, idx, testLogger())

	ctx, rec := getPath(e, "/api/reports/search?q=bookkeeping")
	if err := h.search(ctx); err != nil {
		t.Fatalf("search: %v", err)
	}
	var resp SearchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Hits) != 0 {
		t.Fatalf("expected no hits yet, got %+v", resp.Hits)
	}

	seedFinishedRun(t, st, "run-late", "accounting", "bookkeeping software",
		"invoice automation adoption among small firms")

	ctx, rec = getPath(e, "/api/reports/search?q=bookkeeping")
	if err := h.search(ctx); err != nil {
		t.Fatalf("search after seed: %v", err)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Hits) != 1 || resp.Hits[0].RunID != "run-late" {
		t.Fatalf("unexpected hits: %+v", resp.Hits)
	}
}
