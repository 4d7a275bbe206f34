package research

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mercatorhq/mercator/config"
)

type stubSearcher struct {
	name    string
	results []Result
	err     error
	calls   int
}

func (s *stubSearcher) Name() string { return s.name }

func (s *stubSearcher) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

func TestSerperSearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if got := r.Header.Get("X-API-KEY"); got != "serper-key" {
			t.Errorf("unexpected api key header %q", got)
		}
		var body struct {
			Q   string `json:"q"`
			Num int    `json:"num"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Q != "fitness market brazil" || body.Num != 5 {
			t.Errorf("unexpected body %+v", body)
		}
		fmt.Fprint(w, `{"organic":[{"title":"Report","link":"https://example.com/report","snippet":"numbers"}]}`)
	}))
	defer server.Close()

	client := NewSerperClient("serper-key", time.Second)
	client.Endpoint = server.URL

	results, err := client.Search(context.Background(), "fitness market brazil", 5)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].URL != "https://example.com/report" || results[0].Engine != "serper" {
		t.Fatalf("unexpected result %+v", results[0])
	}
}

func TestBraveSearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Subscription-Token"); got != "brave-key" {
			t.Errorf("unexpected token header %q", got)
		}
		if got := r.URL.Query().Get("q"); got != "fitness market" {
			t.Errorf("unexpected query %q", got)
		}
		if got := r.URL.Query().Get("count"); got != "3" {
			t.Errorf("unexpected count %q", got)
		}
		fmt.Fprint(w, `{"web":{"results":[{"title":"Study","url":"https://example.com/study","description":"growth"}]}}`)
	}))
	defer server.Close()

	client := NewBraveClient("brave-key", time.Second)
	client.Endpoint = server.URL

	results, err := client.Search(context.Background(), "fitness market", 3)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 1 || results[0].Engine != "brave" {
		t.Fatalf("unexpected results %+v", results)
	}
	if results[0].Snippet != "growth" {
		t.Fatalf("unexpected snippet %q", results[0].Snippet)
	}
}

func TestHTTPJSONClientRetriesTransientFailure(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "upstream hiccup", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"organic":[]}`)
	}))
	defer server.Close()

	client := NewSerperClient("key", time.Second)
	client.Endpoint = server.URL

	if _, err := client.Search(context.Background(), "q", 1); err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", hits.Load())
	}
}

func TestSearchChainSkipsFailingEngine(t *testing.T) {
	broken := &stubSearcher{name: "a", err: fmt.Errorf("quota exhausted")}
	healthy := &stubSearcher{name: "b", results: []Result{{URL: "https://example.com/1", Engine: "b"}}}
	chain := NewSearchChain([]Searcher{broken, healthy}, testLogger())

	results, err := chain.Search(context.Background(), "query", 10)
	if err != nil {
		t.Fatalf("chain should tolerate one failing engine: %v", err)
	}
	if len(results) != 1 || results[0].Engine != "b" {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestSearchChainDedupesAcrossEngines(t *testing.T) {
	first := &stubSearcher{name: "a", results: []Result{
		{URL: "https://example.com/1", Engine: "a"},
		{URL: "https://example.com/2", Engine: "a"},
	}}
	second := &stubSearcher{name: "b", results: []Result{
		{URL: "https://example.com/2", Engine: "b"},
		{URL: "https://example.com/3", Engine: "b"},
	}}
	chain := NewSearchChain([]Searcher{first, second}, testLogger())

	results, err := chain.Search(context.Background(), "query", 10)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 unique results, got %d", len(results))
	}
	// The first engine to return a URL wins.
	if results[1].Engine != "a" {
		t.Fatalf("expected duplicate to keep engine a, got %s", results[1].Engine)
	}
}

func TestSearchChainStopsAtLimit(t *testing.T) {
	first := &stubSearcher{name: "a", results: []Result{
		{URL: "https://example.com/1"},
		{URL: "https://example.com/2"},
		{URL: "https://example.com/3"},
	}}
	second := &stubSearcher{name: "b", results: []Result{{URL: "https://example.com/4"}}}
	chain := NewSearchChain([]Searcher{first, second}, testLogger())

	results, err := chain.Search(context.Background(), "query", 2)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected limit to cap results, got %d", len(results))
	}
	if second.calls != 0 {
		t.Fatalf("second engine should not be queried once the limit is met")
	}
}

func TestSearchChainAllEnginesFail(t *testing.T) {
	chain := NewSearchChain([]Searcher{
		&stubSearcher{name: "a", err: fmt.Errorf("boom")},
		&stubSearcher{name: "b", err: fmt.Errorf("also boom")},
	}, testLogger())

	_, err := chain.Search(context.Background(), "query", 5)
	if err == nil {
		t.Fatalf("expected error when every engine fails")
	}
	if !strings.Contains(err.Error(), "all search engines failed") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSearchChainWithoutEngines(t *testing.T) {
	chain := NewSearchChain(nil, testLogger())
	if _, err := chain.Search(context.Background(), "query", 5); err == nil {
		t.Fatalf("expected error without engines")
	}
}

func TestNewSearchersSkipsEnginesWithoutKeys(t *testing.T) {
	cfg := config.SearchConfig{
		Order:  []string{"serper", "brave"},
		Serper: config.SerperConfig{APIKey: "key"},
	}

	engines := NewSearchers(cfg, testLogger())
	if len(engines) != 1 {
		t.Fatalf("expected 1 engine, got %d", len(engines))
	}
	if engines[0].Name() != "serper" {
		t.Fatalf("unexpected engine %s", engines[0].Name())
	}
}

func testLogger() *log.Logger {
	return log.New(log.Writer(), "[TEST] ", log.LstdFlags)
}
