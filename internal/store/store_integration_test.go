package store_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mercatorhq/mercator/internal/pipeline"
	"github.com/mercatorhq/mercator/internal/store"
)

func TestStoreAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("mercator"),
		tcPostgres.WithUsername("mercator"),
		tcPostgres.WithPassword("mercator"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://mercator:mercator@%s:%s/mercator?sslmode=disable", host, port.Port())
	if err := applyMigrations(ctx, dsn); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	defer st.Close()

	run := pipeline.Run{
		ID:        uuid.NewString(),
		Params:    pipeline.RunParams{Segment: "fitness", Product: "online coaching", Audience: "personal trainers"},
		Status:    pipeline.RunStatusRunning,
		StartedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := st.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	got, ok, err := st.GetRun(ctx, run.ID)
	if err != nil || !ok {
		t.Fatalf("GetRun: ok=%v err=%v", ok, err)
	}
	if got.Params.Segment != "fitness" || got.Status != pipeline.RunStatusRunning {
		t.Fatalf("unexpected run: %+v", got)
	}
	if got.FinishedAt != nil {
		t.Fatalf("expected nil finished_at, got %v", got.FinishedAt)
	}

	// Idempotent checkpoint writes: an identical re-put must keep produced_at.
	result := pipeline.StageResult{
		RunID:      run.ID,
		StageID:    "research",
		Status:     pipeline.StageStatusSuccess,
		Payload:    map[string]interface{}{"segment": "fitness", "sources": []interface{}{}},
		ProducedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := st.PutStageResult(ctx, result); err != nil {
		t.Fatalf("PutStageResult: %v", err)
	}
	rePut := result
	rePut.ProducedAt = result.ProducedAt.Add(time.Hour)
	if err := st.PutStageResult(ctx, rePut); err != nil {
		t.Fatalf("PutStageResult re-put: %v", err)
	}
	stored, ok, err := st.GetStageResult(ctx, run.ID, "research")
	if err != nil || !ok {
		t.Fatalf("GetStageResult: ok=%v err=%v", ok, err)
	}
	if !stored.ProducedAt.Equal(result.ProducedAt) {
		t.Fatalf("re-put with equal content moved produced_at: %v != %v", stored.ProducedAt, result.ProducedAt)
	}

	// A put with different content replaces the row and its timestamp.
	changed := rePut
	changed.Status = pipeline.StageStatusFallback
	changed.ErrorSummary = "provider timeout"
	if err := st.PutStageResult(ctx, changed); err != nil {
		t.Fatalf("PutStageResult changed: %v", err)
	}
	stored, _, err = st.GetStageResult(ctx, run.ID, "research")
	if err != nil {
		t.Fatalf("GetStageResult: %v", err)
	}
	if stored.Status != pipeline.StageStatusFallback || !stored.ProducedAt.Equal(changed.ProducedAt) {
		t.Fatalf("changed put not applied: %+v", stored)
	}

	second := pipeline.StageResult{
		RunID:      run.ID,
		StageID:    "avatar",
		Status:     pipeline.StageStatusSuccess,
		Payload:    map[string]interface{}{"name": "profile"},
		ProducedAt: changed.ProducedAt.Add(time.Minute),
	}
	if err := st.PutStageResult(ctx, second); err != nil {
		t.Fatalf("PutStageResult second: %v", err)
	}
	results, err := st.ListStageResults(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListStageResults: %v", err)
	}
	if len(results) != 2 || results[0].StageID != "research" || results[1].StageID != "avatar" {
		t.Fatalf("unexpected results: %+v", results)
	}

	for i, msg := range []string{"first failure", "second failure"} {
		rec := pipeline.ErrorRecord{
			RunID:   run.ID,
			StageID: "research",
			Kind:    "stage_error",
			Message: msg,
			At:      time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		if err := st.AppendError(ctx, rec); err != nil {
			t.Fatalf("AppendError: %v", err)
		}
	}
	errs, err := st.ListErrors(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListErrors: %v", err)
	}
	if len(errs) != 2 || errs[0].Message != "first failure" {
		t.Fatalf("unexpected errors: %+v", errs)
	}

	report := pipeline.ConsolidatedReport{
		RunID:       run.ID,
		Params:      run.Params,
		Status:      pipeline.RunStatusCompletedWithFallbacks,
		StartedAt:   run.StartedAt,
		GeneratedAt: time.Now().UTC().Truncate(time.Microsecond),
		Quality:     0.5,
		Sections: map[string]pipeline.ReportSection{
			"research": {Status: pipeline.StageStatusFallback, Payload: map[string]interface{}{"fallback_mode": true}},
			"avatar":   {Status: pipeline.StageStatusSuccess, Payload: map[string]interface{}{"name": "profile"}},
		},
	}
	if err := st.PutReport(ctx, report); err != nil {
		t.Fatalf("PutReport: %v", err)
	}
	gotReport, ok, err := st.GetReport(ctx, run.ID)
	if err != nil || !ok {
		t.Fatalf("GetReport: ok=%v err=%v", ok, err)
	}
	if gotReport.Quality != 0.5 || len(gotReport.Sections) != 2 {
		t.Fatalf("unexpected report: %+v", gotReport)
	}

	finished := time.Now().UTC().Truncate(time.Microsecond)
	if err := st.FinishRun(ctx, run.ID, pipeline.RunStatusCompletedWithFallbacks, finished); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	got, _, err = st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun after finish: %v", err)
	}
	if got.Status != pipeline.RunStatusCompletedWithFallbacks || got.FinishedAt == nil {
		t.Fatalf("finish not applied: %+v", got)
	}

	runs, err := st.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Fatalf("unexpected runs: %+v", runs)
	}

	// Retention: pruning cascades to stage results, errors and the report.
	n, err := st.DeleteFinishedBefore(ctx, finished.Add(time.Minute))
	if err != nil {
		t.Fatalf("DeleteFinishedBefore: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned run, got %d", n)
	}
	if _, ok, _ := st.GetRun(ctx, run.ID); ok {
		t.Fatalf("run survived pruning")
	}
	if _, ok, _ := st.GetStageResult(ctx, run.ID, "research"); ok {
		t.Fatalf("stage result survived pruning")
	}
	if _, ok, _ := st.GetReport(ctx, run.ID); ok {
		t.Fatalf("report survived pruning")
	}
}

func applyMigrations(ctx context.Context, dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	schemaSQL, err := os.ReadFile("../../migrations/0001_init.up.sql")
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := db.ExecContext(ctx, string(schemaSQL)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
