package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It backs tests and one-shot CLI runs
// where durability across processes is not needed.
type MemoryStore struct {
	mu      sync.RWMutex
	runs    map[string]Run
	results map[string]map[string]StageResult
	errs    map[string][]ErrorRecord
	reports map[string]ConsolidatedReport
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:    make(map[string]Run),
		results: make(map[string]map[string]StageResult),
		errs:    make(map[string][]ErrorRecord),
		reports: make(map[string]ConsolidatedReport),
	}
}

func (s *MemoryStore) SaveRun(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	return run, ok, nil
}

func (s *MemoryStore) FinishRun(_ context.Context, runID string, status RunStatus, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil
	}
	run.Status = status
	run.FinishedAt = &finishedAt
	s.runs[runID] = run
	return nil
}

func (s *MemoryStore) ListRuns(_ context.Context, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) PutStageResult(_ context.Context, result StageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byStage, ok := s.results[result.RunID]
	if !ok {
		byStage = make(map[string]StageResult)
		s.results[result.RunID] = byStage
	}
	if prev, ok := byStage[result.StageID]; ok && prev.EqualContent(result) {
		return nil
	}
	byStage[result.StageID] = result
	return nil
}

func (s *MemoryStore) GetStageResult(_ context.Context, runID, stageID string) (StageResult, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.results[runID][stageID]
	return res, ok, nil
}

func (s *MemoryStore) ListStageResults(_ context.Context, runID string) ([]StageResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byStage := s.results[runID]
	out := make([]StageResult, 0, len(byStage))
	for _, res := range byStage {
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

func (s *MemoryStore) AppendError(_ context.Context, rec ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[rec.RunID] = append(s.errs[rec.RunID], rec)
	return nil
}

func (s *MemoryStore) ListErrors(_ context.Context, runID string) ([]ErrorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ErrorRecord, len(s.errs[runID]))
	copy(out, s.errs[runID])
	return out, nil
}

func (s *MemoryStore) PutReport(_ context.Context, report ConsolidatedReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[report.RunID] = report
	return nil
}

func (s *MemoryStore) GetReport(_ context.Context, runID string) (ConsolidatedReport, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	report, ok := s.reports[runID]
	return report, ok, nil
}
