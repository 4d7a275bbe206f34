// Package checkpoint provides a filesystem-backed pipeline store. It is the
// default backend: a single directory tree, no external services, durable
// enough to resume a run after a crash.
package checkpoint

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mercatorhq/mercator/internal/pipeline"
)

// FS lays each run out under its own directory:
//
//	<root>/<run-id>/run.json           run metadata
//	<root>/<run-id>/stages/<id>.json   one settled result per stage
//	<root>/<run-id>/errors.jsonl       append-only error log
//	<root>/<run-id>/report.json        consolidated report
//
// run.json, stage files and report.json are written via temp file + fsync +
// rename, so a crash mid-write never leaves a torn checkpoint behind.
type FS struct {
	root   string
	logger *log.Logger

	// Guards errors.jsonl appends; stage results settle concurrently.
	mu sync.Mutex
}

var _ pipeline.Store = (*FS)(nil)

// NewFS creates the backend rooted at dir, creating it if needed.
func NewFS(dir string, logger *log.Logger) (*FS, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint directory must be provided")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[CHECKPOINT] ", log.LstdFlags)
	}
	return &FS{root: dir, logger: logger}, nil
}

// Root returns the directory the backend writes under.
func (f *FS) Root() string { return f.root }

func (f *FS) runDir(runID string) string { return filepath.Join(f.root, runID) }

func (f *FS) runPath(runID string) string { return filepath.Join(f.runDir(runID), "run.json") }

func (f *FS) stagePath(runID, stageID string) string {
	return filepath.Join(f.runDir(runID), "stages", stageID+".json")
}

func (f *FS) errorsPath(runID string) string { return filepath.Join(f.runDir(runID), "errors.jsonl") }

func (f *FS) reportPath(runID string) string { return filepath.Join(f.runDir(runID), "report.json") }

// safeSegment rejects identifiers that would escape the run directory. Run
// IDs arrive from the HTTP surface and cannot be trusted as path components.
func safeSegment(id string) error {
	if id == "" {
		return fmt.Errorf("identifier must be provided")
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("identifier %q is not a valid path segment", id)
	}
	return nil
}

// Run operations

func (f *FS) SaveRun(_ context.Context, run pipeline.Run) error {
	if err := safeSegment(run.ID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	return writeFileAtomic(f.runPath(run.ID), data)
}

func (f *FS) GetRun(_ context.Context, runID string) (pipeline.Run, bool, error) {
	if err := safeSegment(runID); err != nil {
		return pipeline.Run{}, false, err
	}
	data, err := os.ReadFile(f.runPath(runID))
	if os.IsNotExist(err) {
		return pipeline.Run{}, false, nil
	}
	if err != nil {
		return pipeline.Run{}, false, err
	}
	var run pipeline.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return pipeline.Run{}, false, fmt.Errorf("parse run file: %w", err)
	}
	return run, true, nil
}

func (f *FS) FinishRun(ctx context.Context, runID string, status pipeline.RunStatus, finishedAt time.Time) error {
	run, ok, err := f.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	run.Status = status
	run.FinishedAt = &finishedAt
	return f.SaveRun(ctx, run)
}

func (f *FS) ListRuns(ctx context.Context, limit int) ([]pipeline.Run, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, err
	}
	var out []pipeline.Run
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		run, ok, err := f.GetRun(ctx, entry.Name())
		if err != nil {
			f.logger.Printf("skipping run dir %s: %v", entry.Name(), err)
			continue
		}
		if !ok {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stage result operations

// PutStageResult writes the settled result for (run_id, stage_id).
// Re-putting identical content is a no-op that keeps the original file, so a
// resumed run does not disturb checkpoint history.
func (f *FS) PutStageResult(ctx context.Context, result pipeline.StageResult) error {
	if err := safeSegment(result.RunID); err != nil {
		return err
	}
	if err := safeSegment(result.StageID); err != nil {
		return err
	}
	if prev, ok, err := f.GetStageResult(ctx, result.RunID, result.StageID); err == nil && ok && prev.EqualContent(result) {
		return nil
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal stage result: %w", err)
	}
	return writeFileAtomic(f.stagePath(result.RunID, result.StageID), data)
}

func (f *FS) GetStageResult(_ context.Context, runID, stageID string) (pipeline.StageResult, bool, error) {
	if err := safeSegment(runID); err != nil {
		return pipeline.StageResult{}, false, err
	}
	if err := safeSegment(stageID); err != nil {
		return pipeline.StageResult{}, false, err
	}
	data, err := os.ReadFile(f.stagePath(runID, stageID))
	if os.IsNotExist(err) {
		return pipeline.StageResult{}, false, nil
	}
	if err != nil {
		return pipeline.StageResult{}, false, err
	}
	var res pipeline.StageResult
	if err := json.Unmarshal(data, &res); err != nil {
		return pipeline.StageResult{}, false, fmt.Errorf("parse stage file: %w", err)
	}
	return res, true, nil
}

func (f *FS) ListStageResults(_ context.Context, runID string) ([]pipeline.StageResult, error) {
	if err := safeSegment(runID); err != nil {
		return nil, err
	}
	stagesDir := filepath.Join(f.runDir(runID), "stages")
	entries, err := os.ReadDir(stagesDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []pipeline.StageResult
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(stagesDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		var res pipeline.StageResult
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, fmt.Errorf("parse stage file %s: %w", entry.Name(), err)
		}
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProducedAt.Equal(out[j].ProducedAt) {
			return out[i].StageID < out[j].StageID
		}
		return out[i].ProducedAt.Before(out[j].ProducedAt)
	})
	return out, nil
}

// Error log operations

func (f *FS) AppendError(_ context.Context, rec pipeline.ErrorRecord) error {
	if err := safeSegment(rec.RunID); err != nil {
		return err
	}
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal error record: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.MkdirAll(f.runDir(rec.RunID), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(f.errorsPath(rec.RunID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := file.Write(append(line, '\n')); err != nil {
		return err
	}
	return file.Sync()
}

func (f *FS) ListErrors(_ context.Context, runID string) ([]pipeline.ErrorRecord, error) {
	if err := safeSegment(runID); err != nil {
		return nil, err
	}
	file, err := os.Open(f.errorsPath(runID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var out []pipeline.ErrorRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec pipeline.ErrorRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// A torn trailing line from a crash mid-append is not fatal.
			f.logger.Printf("run %s: skipping unparseable error line: %v", runID, err)
			continue
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}

// Report operations

func (f *FS) PutReport(_ context.Context, report pipeline.ConsolidatedReport) error {
	if err := safeSegment(report.RunID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	return writeFileAtomic(f.reportPath(report.RunID), data)
}

func (f *FS) GetReport(_ context.Context, runID string) (pipeline.ConsolidatedReport, bool, error) {
	if err := safeSegment(runID); err != nil {
		return pipeline.ConsolidatedReport{}, false, err
	}
	data, err := os.ReadFile(f.reportPath(runID))
	if os.IsNotExist(err) {
		return pipeline.ConsolidatedReport{}, false, nil
	}
	if err != nil {
		return pipeline.ConsolidatedReport{}, false, err
	}
	var report pipeline.ConsolidatedReport
	if err := json.Unmarshal(data, &report); err != nil {
		return pipeline.ConsolidatedReport{}, false, fmt.Errorf("parse report file: %w", err)
	}
	return report, true, nil
}

// Retention

// PruneOlderThan removes run directories whose runs reached a terminal
// status before the cutoff. Unfinished runs are never touched.
func (f *FS) PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		run, ok, err := f.GetRun(ctx, entry.Name())
		if err != nil || !ok {
			continue
		}
		if !run.Status.Terminal() || run.FinishedAt == nil || !run.FinishedAt.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(f.runDir(entry.Name())); err != nil {
			return pruned, fmt.Errorf("prune run %s: %w", entry.Name(), err)
		}
		pruned++
	}
	return pruned, nil
}

// writeFileAtomic writes data to a temp file in the target directory, fsyncs
// it, and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
