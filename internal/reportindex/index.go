// Package reportindex maintains an in-memory full-text index over
// consolidated reports, backing the report search endpoint.
package reportindex

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve"

	"github.com/mercatorhq/mercator/internal/pipeline"
)

// Source is the slice of the store the index rebuilds from.
type Source interface {
	ListRuns(ctx context.Context, limit int) ([]pipeline.Run, error)
	GetReport(ctx context.Context, runID string) (pipeline.ConsolidatedReport, bool, error)
}

// Hit is one search result.
type Hit struct {
	RunID       string    `json:"run_id"`
	Score       float64   `json:"score"`
	Segment     string    `json:"segment"`
	Product     string    `json:"product"`
	Status      string    `json:"status"`
	Quality     float64   `json:"quality"`
	GeneratedAt time.Time `json:"generated_at"`
}

// document is the flattened, searchable projection of a consolidated report.
type document struct {
	RunID    string  `json:"run_id"`
	Segment  string  `json:"segment"`
	Product  string  `json:"product"`
	Audience string  `json:"audience"`
	Status   string  `json:"status"`
	Quality  float64 `json:"quality"`
	Body     string  `json:"body"`
}

// Index wraps a memory-only bleve index plus a metadata map for hydrating
// hits. Reports are keyed by run ID; re-putting a report with a newer
// generation time replaces the indexed document.
type Index struct {
	mu   sync.RWMutex
	idx  bleve.Index
	meta map[string]Hit
}

func New() (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create report index: %w", err)
	}
	return &Index{idx: idx, meta: make(map[string]Hit)}, nil
}

func (i *Index) Close() error { return i.idx.Close() }

// Put indexes one consolidated report. Re-putting an unchanged report is a
// no-op so rebuilds stay cheap.
func (i *Index) Put(report pipeline.ConsolidatedReport) error {
	if report.RunID == "" {
		return fmt.Errorf("report run_id must be provided")
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if prev, ok := i.meta[report.RunID]; ok && prev.GeneratedAt.Equal(report.GeneratedAt) {
		return nil
	}

	doc := document{
		RunID:    report.RunID,
		Segment:  report.Params.Segment,
		Product:  report.Params.Product,
		Audience: report.Params.Audience,
		Status:   string(report.Status),
		Quality:  report.Quality,
		Body:     flattenSections(report.Sections),
	}
	if err := i.idx.Index(report.RunID, doc); err != nil {
		return fmt.Errorf("index report %s: %w", report.RunID, err)
	}
	i.meta[report.RunID] = Hit{
		RunID:       report.RunID,
		Segment:     report.Params.Segment,
		Product:     report.Params.Product,
		Status:      string(report.Status),
		Quality:     report.Quality,
		GeneratedAt: report.GeneratedAt,
	}
	return nil
}

// Search runs a query-string query and returns up to k hits, best first.
func (i *Index) Search(q string, k int) ([]Hit, error) {
	if strings.TrimSpace(q) == "" {
		return nil, fmt.Errorf("query must be provided")
	}
	if k <= 0 || k > 50 {
		k = 10
	}

	i.mu.RLock()
	defer i.mu.RUnlock()
	query := bleve.NewQueryStringQuery(q)
	req := bleve.NewSearchRequestOptions(query, k, 0, false)
	res, err := i.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search reports: %w", err)
	}

	out := make([]Hit, 0, len(res.Hits))
	for _, hit := range res.Hits {
		meta, ok := i.meta[hit.ID]
		if !ok {
			continue
		}
		meta.Score = hit.Score
		out = append(out, meta)
	}
	return out, nil
}

// EnsureFromStore lazily rebuilds the index from persisted reports. Runs
// without a report yet (still executing) are skipped.
func (i *Index) EnsureFromStore(ctx context.Context, src Source) error {
	runs, err := src.ListRuns(ctx, 0)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	for _, run := range runs {
		if !run.Status.Terminal() {
			continue
		}
		report, ok, err := src.GetReport(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("load report %s: %w", run.ID, err)
		}
		if !ok {
			continue
		}
		if err := i.Put(report); err != nil {
			return err
		}
	}
	return nil
}

// flattenSections collects every string in the section payloads into one
// searchable body, walking nested maps and lists.
func flattenSections(sections map[string]pipeline.ReportSection) string {
	ids := make([]string, 0, len(sections))
	for id := range sections {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		b.WriteString(id)
		b.WriteByte(' ')
		flattenValue(&b, sections[id].Payload)
	}
	return b.String()
}

func flattenValue(b *strings.Builder, v interface{}) {
	switch val := v.(type) {
	case string:
		b.WriteString(val)
		b.WriteByte(' ')
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flattenValue(b, val[k])
		}
	case []interface{}:
		for _, item := range val {
			flattenValue(b, item)
		}
	}
}
