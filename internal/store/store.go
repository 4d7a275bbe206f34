package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/mercatorhq/mercator/config"
	"github.com/mercatorhq/mercator/internal/pipeline"
)

// Store persists runs, stage results, error records and consolidated reports
// in Postgres. It is the durable backend behind the orchestrator; the schema
// lives under migrations/.
type Store struct {
	DB *sql.DB
}

var _ pipeline.Store = (*Store)(nil)

var (
	metricsOnce       sync.Once
	stageWriteCounter otelmetric.Int64Counter
	errorCounter      otelmetric.Int64Counter
	metricsInitErr    error
)

func initStoreMetrics() {
	meter := otel.Meter("store")
	var err error
	stageWriteCounter, err = meter.Int64Counter("stage_results_written_total")
	if err != nil {
		metricsInitErr = err
		return
	}
	errorCounter, err = meter.Int64Counter("error_records_total")
	if err != nil {
		metricsInitErr = err
	}
}

// New connects using the configured DSN, falling back to the conventional
// Postgres environment variables when the config section is empty.
func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	dsn := cfg.DSN()
	if dsn == "" {
		dsn = dsnFromEnv()
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres is not configured")
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store from an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func dsnFromEnv() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}
	db := os.Getenv("POSTGRES_DB")
	if db == "" {
		return ""
	}
	host := getenvDefault("POSTGRES_HOST", "localhost")
	port := getenvDefault("POSTGRES_PORT", "5432")
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.DB.Close() }

// Run operations

func (s *Store) SaveRun(ctx context.Context, run pipeline.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id must be provided")
	}
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("marshal run params: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO runs (id, params, status, started_at, finished_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (id) DO UPDATE SET
  params      = EXCLUDED.params,
  status      = EXCLUDED.status,
  started_at  = EXCLUDED.started_at,
  finished_at = EXCLUDED.finished_at;
`, run.ID, params, string(run.Status), run.StartedAt, run.FinishedAt)
	return err
}

func (s *Store) GetRun(ctx context.Context, runID string) (pipeline.Run, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, params, status, started_at, finished_at
FROM runs
WHERE id = $1`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return pipeline.Run{}, false, nil
	}
	if err != nil {
		return pipeline.Run{}, false, err
	}
	return run, true, nil
}

func (s *Store) FinishRun(ctx context.Context, runID string, status pipeline.RunStatus, finishedAt time.Time) error {
	if runID == "" {
		return fmt.Errorf("run_id must be provided")
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE runs SET status=$2, finished_at=$3 WHERE id=$1`, runID, string(status), finishedAt)
	return err
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]pipeline.Run, error) {
	query := `
SELECT id, params, status, started_at, finished_at
FROM runs
ORDER BY started_at DESC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pipeline.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanRun(row interface{ Scan(dest ...interface{}) error }) (pipeline.Run, error) {
	var (
		run        pipeline.Run
		params     []byte
		status     string
		finishedAt sql.NullTime
	)
	if err := row.Scan(&run.ID, &params, &status, &run.StartedAt, &finishedAt); err != nil {
		return pipeline.Run{}, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &run.Params); err != nil {
			return pipeline.Run{}, fmt.Errorf("unmarshal run params: %w", err)
		}
	}
	run.Status = pipeline.RunStatus(status)
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	return run, nil
}

// Stage result operations

// PutStageResult upserts the settled result for (run_id, stage_id).
// Re-putting identical content keeps the original produced_at, so a resumed
// run that rewrites its checkpoints does not disturb history.
func (s *Store) PutStageResult(ctx context.Context, result pipeline.StageResult) error {
	if result.RunID == "" || result.StageID == "" {
		return fmt.Errorf("run_id and stage_id are required")
	}
	payload, err := json.Marshal(result.Payload)
	if err != nil {
		return fmt.Errorf("marshal stage payload: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO stage_results (run_id, stage_id, status, payload, error_summary, produced_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (run_id, stage_id) DO UPDATE SET
  status        = EXCLUDED.status,
  payload       = EXCLUDED.payload,
  error_summary = EXCLUDED.error_summary,
  produced_at   = CASE WHEN stage_results.status = EXCLUDED.status
                        AND stage_results.payload = EXCLUDED.payload
                        AND stage_results.error_summary = EXCLUDED.error_summary
                       THEN stage_results.produced_at
                       ELSE EXCLUDED.produced_at END;
`, result.RunID, result.StageID, string(result.Status), payload, result.ErrorSummary, result.ProducedAt)
	if err != nil {
		return err
	}
	metricsOnce.Do(initStoreMetrics)
	if metricsInitErr == nil && stageWriteCounter != nil {
		stageWriteCounter.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("stage_id", result.StageID),
			attribute.String("status", string(result.Status)),
		))
	}
	return nil
}

func (s *Store) GetStageResult(ctx context.Context, runID, stageID string) (pipeline.StageResult, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT run_id, stage_id, status, payload, error_summary, produced_at
FROM stage_results
WHERE run_id = $1 AND stage_id = $2`, runID, stageID)
	res, err := scanStageResult(row)
	if err == sql.ErrNoRows {
		return pipeline.StageResult{}, false, nil
	}
	if err != nil {
		return pipeline.StageResult{}, false, err
	}
	return res, true, nil
}

func (s *Store) ListStageResults(ctx context.Context, runID string) ([]pipeline.StageResult, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT run_id, stage_id, status, payload, error_summary, produced_at
FROM stage_results
WHERE run_id = $1
ORDER BY produced_at, stage_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pipeline.StageResult
	for rows.Next() {
		res, err := scanStageResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func scanStageResult(row interface{ Scan(dest ...interface{}) error }) (pipeline.StageResult, error) {
	var (
		res     pipeline.StageResult
		status  string
		payload []byte
	)
	if err := row.Scan(&res.RunID, &res.StageID, &status, &payload, &res.ErrorSummary, &res.ProducedAt); err != nil {
		return pipeline.StageResult{}, err
	}
	res.Status = pipeline.StageStatus(status)
	if len(payload) > 0 {
		var m map[string]interface{}
		if err := json.Unmarshal(payload, &m); err != nil {
			return pipeline.StageResult{}, fmt.Errorf("unmarshal stage payload: %w", err)
		}
		res.Payload = m
	}
	return res, nil
}

// Error log operations

func (s *Store) AppendError(ctx context.Context, rec pipeline.ErrorRecord) error {
	if rec.RunID == "" {
		return fmt.Errorf("run_id must be provided")
	}
	at := rec.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO error_records (run_id, stage_id, kind, message, at)
VALUES ($1,$2,$3,$4,$5)
`, rec.RunID, rec.StageID, rec.Kind, rec.Message, at)
	if err != nil {
		return err
	}
	metricsOnce.Do(initStoreMetrics)
	if metricsInitErr == nil && errorCounter != nil {
		errorCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("kind", rec.Kind)))
	}
	return nil
}

func (s *Store) ListErrors(ctx context.Context, runID string) ([]pipeline.ErrorRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT run_id, stage_id, kind, message, at
FROM error_records
WHERE run_id = $1
ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pipeline.ErrorRecord
	for rows.Next() {
		var rec pipeline.ErrorRecord
		if err := rows.Scan(&rec.RunID, &rec.StageID, &rec.Kind, &rec.Message, &rec.At); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Report operations

func (s *Store) PutReport(ctx context.Context, report pipeline.ConsolidatedReport) error {
	if report.RunID == "" {
		return fmt.Errorf("run_id must be provided")
	}
	document, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO reports (run_id, status, quality, generated_at, document)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (run_id) DO UPDATE SET
  status       = EXCLUDED.status,
  quality      = EXCLUDED.quality,
  generated_at = EXCLUDED.generated_at,
  document     = EXCLUDED.document;
`, report.RunID, string(report.Status), report.Quality, report.GeneratedAt, document)
	return err
}

func (s *Store) GetReport(ctx context.Context, runID string) (pipeline.ConsolidatedReport, bool, error) {
	var document []byte
	err := s.DB.QueryRowContext(ctx, `SELECT document FROM reports WHERE run_id = $1`, runID).Scan(&document)
	if err == sql.ErrNoRows {
		return pipeline.ConsolidatedReport{}, false, nil
	}
	if err != nil {
		return pipeline.ConsolidatedReport{}, false, err
	}
	var report pipeline.ConsolidatedReport
	if err := json.Unmarshal(document, &report); err != nil {
		return pipeline.ConsolidatedReport{}, false, fmt.Errorf("unmarshal report: %w", err)
	}
	return report, true, nil
}

// Retention

// terminalStatuses are the run states eligible for retention pruning.
var terminalStatuses = []string{
	string(pipeline.RunStatusCompleted),
	string(pipeline.RunStatusCompletedWithFallbacks),
	string(pipeline.RunStatusFailedFatally),
}

// DeleteFinishedBefore removes terminal runs that finished before the cutoff.
// Stage results, error records and reports go with them via ON DELETE CASCADE.
func (s *Store) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
DELETE FROM runs
WHERE status = ANY($1) AND finished_at IS NOT NULL AND finished_at < $2
`, pq.Array(terminalStatuses), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
