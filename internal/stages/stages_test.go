package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/mercatorhq/mercator/config"
	"github.com/mercatorhq/mercator/internal/pipeline"
	"github.com/mercatorhq/mercator/internal/research"
	"github.com/mercatorhq/mercator/internal/telemetry"
)

type stubProvider struct {
	reply string
	err   error
	calls int
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Generate(ctx context.Context, prompt string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

type stubSearch struct {
	results []research.Result
	err     error
	calls   int
}

func (s *stubSearch) Name() string { return "stub" }

func (s *stubSearch) Search(ctx context.Context, query string, limit int) ([]research.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

type stubExtractor struct {
	err   error
	calls int
}

func (s *stubExtractor) Extract(ctx context.Context, link string) (research.Extracted, error) {
	s.calls++
	if s.err != nil {
		return research.Extracted{}, s.err
	}
	return research.Extracted{
		URL:    link,
		Title:  "Extracted title",
		Text:   "extracted body text about the market",
		Method: research.MethodStatic,
	}, nil
}

func testDeps() Deps {
	return Deps{
		Searcher: &stubSearch{results: []research.Result{
			{Title: "Report", URL: "https://example.com/report", Snippet: "numbers", Engine: "stub"},
			{Title: "Study", URL: "https://example.org/study", Snippet: "growth", Engine: "stub"},
		}},
		Extractor:  &stubExtractor{},
		Filter:     config.FilterConfig{MaxAccepted: 10},
		MaxResults: 10,
	}
}

func testContext() pipeline.RunContext {
	return pipeline.RunContext{
		Run: pipeline.Run{
			ID: "run-1",
			Params: pipeline.RunParams{
				Segment:  "fitness",
				Product:  "online coaching",
				Audience: "personal trainers",
			},
		},
		Stats: telemetry.NewRunStats(),
	}
}

func TestDefaultRegistryOrder(t *testing.T) {
	registry, err := Default(testDeps())
	if err != nil {
		t.Fatalf("registry failed: %v", err)
	}
	want := []string{
		StageResearch, StageAvatar, StageDrivers, StageObjections,
		StagePitch, StageProofs, StageForecast,
	}
	got := registry.Order()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("unexpected order: got %v want %v", got, want)
	}
}

func TestExtractFirstJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"prose around", "Sure! Here it is: {\"a\":{\"b\":2}} hope it helps", `{"a":{"b":2}}`},
		{"code fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"no object", "no json here", "no json here"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := extractFirstJSON(tt.in); got != tt.want {
				t.Fatalf("got %q want %q", got, tt.want)
			}
		})
	}
}

func TestSearchQueries(t *testing.T) {
	params := pipeline.RunParams{Segment: "fitness", Product: "coaching", Audience: "trainers"}
	queries := searchQueries(params)
	if len(queries) != 4 {
		t.Fatalf("expected 4 generated queries, got %d: %v", len(queries), queries)
	}
	for _, q := range queries {
		if !strings.Contains(q, "fitness") && !strings.Contains(q, "coaching") {
			t.Fatalf("query %q mentions neither segment nor product", q)
		}
	}

	explicit := searchQueries(pipeline.RunParams{Query: "custom question"})
	if len(explicit) != 1 || explicit[0] != "custom question" {
		t.Fatalf("explicit query should override generation, got %v", explicit)
	}
}

func TestFallbacksAreDeterministicAndTagged(t *testing.T) {
	rc := testContext()
	for _, def := range Definitions(testDeps()) {
		def := def
		t.Run(def.ID, func(t *testing.T) {
			if def.Fallback == nil {
				t.Fatalf("stage %s has no fallback", def.ID)
			}
			first := def.Fallback(rc, nil)
			second := def.Fallback(rc, nil)

			a, err := json.Marshal(first)
			if err != nil {
				t.Fatalf("fallback payload not serializable: %v", err)
			}
			b, err := json.Marshal(second)
			if err != nil {
				t.Fatalf("fallback payload not serializable: %v", err)
			}
			if string(a) != string(b) {
				t.Fatalf("fallback for %s is not deterministic", def.ID)
			}
			if mode, _ := first["fallback_mode"].(bool); !mode {
				t.Fatalf("fallback for %s is not tagged fallback_mode", def.ID)
			}
		})
	}
}

func TestRunAvatarParsesProviderReply(t *testing.T) {
	rc := testContext()
	rc.Provider = &stubProvider{reply: "```json\n{\"name\":\"Test buyer\",\"pains\":[\"stagnation\"]}\n```"}

	deps := map[string]map[string]interface{}{
		StageResearch: {"segment": "fitness"},
	}
	payload, err := runAvatar(context.Background(), rc, deps)
	if err != nil {
		t.Fatalf("avatar failed: %v", err)
	}
	if payload["name"] != "Test buyer" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestRunAvatarRejectsNonJSONReply(t *testing.T) {
	rc := testContext()
	rc.Provider = &stubProvider{reply: "I cannot answer that"}

	if _, err := runAvatar(context.Background(), rc, nil); err == nil {
		t.Fatalf("expected error for non-JSON reply")
	}
}

func TestResearchStageCollectsAndRecords(t *testing.T) {
	deps := testDeps()
	rc := testContext()

	payload, err := runResearch(context.Background(), deps, rc)
	if err != nil {
		t.Fatalf("research failed: %v", err)
	}

	sources, ok := payload["sources"].([]interface{})
	if !ok || len(sources) != 2 {
		t.Fatalf("expected 2 sources, got %v", payload["sources"])
	}
	first, ok := sources[0].(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected source shape %T", sources[0])
	}
	if first["content"] != "extracted body text about the market" {
		t.Fatalf("expected extracted content, got %v", first["content"])
	}
	if first["title"] != "Extracted title" {
		t.Fatalf("extractor title should win, got %v", first["title"])
	}

	snap := rc.Stats.Snapshot()
	if snap.SearchQueries != 4 {
		t.Fatalf("expected 4 search queries recorded, got %d", snap.SearchQueries)
	}
	if snap.URLsConsidered != 8 || snap.URLsAccepted != 2 {
		t.Fatalf("unexpected filter stats: %+v", snap)
	}
	if snap.PagesExtracted != 2 {
		t.Fatalf("expected 2 extracted pages, got %d", snap.PagesExtracted)
	}
	if snap.ExtractMethods[research.MethodStatic] != 2 {
		t.Fatalf("expected static method counts, got %v", snap.ExtractMethods)
	}
}

func TestResearchStageToleratesExtractFailures(t *testing.T) {
	deps := testDeps()
	deps.Extractor = &stubExtractor{err: fmt.Errorf("unreachable")}
	rc := testContext()

	payload, err := runResearch(context.Background(), deps, rc)
	if err != nil {
		t.Fatalf("research should not fail on extraction errors: %v", err)
	}
	sources := payload["sources"].([]interface{})
	if len(sources) != 2 {
		t.Fatalf("sources should keep snippets, got %d", len(sources))
	}
	first := sources[0].(map[string]interface{})
	if _, hasContent := first["content"]; hasContent {
		t.Fatalf("failed extraction must not attach content")
	}
	if rc.Stats.Snapshot().ExtractFailures != 2 {
		t.Fatalf("expected recorded extract failures")
	}
}

func TestResearchStageFailsWithoutCandidates(t *testing.T) {
	deps := testDeps()
	deps.Searcher = &stubSearch{err: fmt.Errorf("quota exhausted")}
	rc := testContext()

	if _, err := runResearch(context.Background(), deps, rc); err == nil {
		t.Fatalf("expected error when every search fails")
	}
	snap := rc.Stats.Snapshot()
	if snap.SearchFailures != snap.SearchQueries || snap.SearchQueries == 0 {
		t.Fatalf("expected every query recorded as failed, got %+v", snap)
	}
}

func TestPipelineEndToEndWithStubs(t *testing.T) {
	registry, err := Default(testDeps())
	if err != nil {
		t.Fatalf("registry failed: %v", err)
	}
	store := pipeline.NewMemoryStore()
	factory := func(run pipeline.Run, stats *telemetry.RunStats) pipeline.ContentProvider {
		return &stubProvider{reply: `{"summary":"generated section"}`}
	}
	orch := pipeline.NewOrchestrator(registry, store, pipeline.WithProviderFactory(factory))

	run := pipeline.NewRun(pipeline.RunParams{Segment: "fitness", Product: "online coaching", Audience: "personal trainers"})
	report, err := orch.Execute(context.Background(), run)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if report.Status != pipeline.RunStatusCompleted {
		t.Fatalf("expected completed run, got %s", report.Status)
	}
	if len(report.Sections) != 7 {
		t.Fatalf("expected 7 sections, got %d", len(report.Sections))
	}
	if report.Quality != 1.0 {
		t.Fatalf("expected quality 1.0, got %f", report.Quality)
	}
	for id, section := range report.Sections {
		if section.Status != pipeline.StageStatusSuccess {
			t.Fatalf("stage %s settled %s", id, section.Status)
		}
	}
}
