package research

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/mercatorhq/mercator/config"
)

const (
	serperEndpoint = "https://google.serper.dev/search"
	braveEndpoint  = "https://api.search.brave.com/res/v1/web/search"
)

// Result is one search hit before filtering and extraction.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Engine  string `json:"engine"`
}

// Searcher is a single web search engine.
type Searcher interface {
	Name() string
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// httpJSONClient wraps http.Client with JSON encoding and bounded retries.
// The request body is re-marshalled per attempt so a retry never sends a
// drained reader.
type httpJSONClient struct {
	client  *http.Client
	retries int
	backoff time.Duration
}

func newHTTPJSONClient(timeout time.Duration) *httpJSONClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &httpJSONClient{
		client:  &http.Client{Timeout: timeout},
		retries: 2,
		backoff: 300 * time.Millisecond,
	}
}

func (c *httpJSONClient) doJSON(ctx context.Context, method, url string, headers map[string]string, body, out any) error {
	var encoded []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		encoded = b
	}

	var lastErr error
	tries := c.retries + 1
	for attempt := 0; attempt < tries; attempt++ {
		var bodyReader io.Reader
		if encoded != nil {
			bodyReader = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if encoded != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			lastErr = decodeJSONResponse(resp, out)
			if lastErr == nil {
				return nil
			}
		}

		if attempt < tries-1 {
			select {
			case <-time.After(c.backoff * time.Duration(1<<attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func decodeJSONResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Include a bounded slice of the body so the log shows what the
		// engine actually said.
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.New(resp.Status + ": " + string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// SerperClient searches Google results through serper.dev.
type SerperClient struct {
	// Endpoint overrides the serper.dev URL, for tests.
	Endpoint string

	apiKey string
	http   *httpJSONClient
}

func NewSerperClient(apiKey string, timeout time.Duration) *SerperClient {
	return &SerperClient{apiKey: apiKey, http: newHTTPJSONClient(timeout)}
}

func (s *SerperClient) Name() string { return "serper" }

func (s *SerperClient) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	endpoint := s.Endpoint
	if endpoint == "" {
		endpoint = serperEndpoint
	}
	var resp struct {
		Organic []struct{ Title, Link, Snippet string } `json:"organic"`
	}
	headers := map[string]string{"X-API-KEY": s.apiKey}
	body := map[string]any{"q": query, "num": maxResults(limit)}
	if err := s.http.doJSON(ctx, http.MethodPost, endpoint, headers, body, &resp); err != nil {
		return nil, fmt.Errorf("serper: %w", err)
	}

	out := make([]Result, 0, len(resp.Organic))
	for _, r := range resp.Organic {
		out = append(out, Result{Title: r.Title, URL: r.Link, Snippet: r.Snippet, Engine: "serper"})
	}
	return out, nil
}

// BraveClient searches through the Brave Search API.
type BraveClient struct {
	// Endpoint overrides the Brave API URL, for tests.
	Endpoint string

	apiKey string
	http   *httpJSONClient
}

func NewBraveClient(apiKey string, timeout time.Duration) *BraveClient {
	return &BraveClient{apiKey: apiKey, http: newHTTPJSONClient(timeout)}
}

func (b *BraveClient) Name() string { return "brave" }

func (b *BraveClient) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	endpoint := b.Endpoint
	if endpoint == "" {
		endpoint = braveEndpoint
	}
	var resp struct {
		Web struct {
			Results []struct{ Title, URL, Description string } `json:"results"`
		} `json:"web"`
	}
	headers := map[string]string{"X-Subscription-Token": b.apiKey}
	url := fmt.Sprintf("%s?q=%s&count=%d", endpoint, escapeQuery(query), maxResults(limit))
	if err := b.http.doJSON(ctx, http.MethodGet, url, headers, nil, &resp); err != nil {
		return nil, fmt.Errorf("brave: %w", err)
	}

	out := make([]Result, 0, len(resp.Web.Results))
	for _, r := range resp.Web.Results {
		out = append(out, Result{Title: r.Title, URL: r.URL, Snippet: r.Description, Engine: "brave"})
	}
	return out, nil
}

func escapeQuery(q string) string { return strings.ReplaceAll(q, " ", "+") }

func maxResults(limit int) int {
	if limit > 0 {
		return limit
	}
	return 10
}

// NewSearchers builds the configured engines in order, skipping any without
// an API key. An empty slice is valid: the research stage then settles
// through its fallback.
func NewSearchers(cfg config.SearchConfig, logger *log.Logger) []Searcher {
	var engines []Searcher
	for _, name := range cfg.Order {
		switch name {
		case "serper":
			if cfg.Serper.APIKey == "" {
				logger.Printf("search engine serper skipped: no api key")
				continue
			}
			engines = append(engines, NewSerperClient(cfg.Serper.APIKey, cfg.Timeout))
		case "brave":
			if cfg.Brave.APIKey == "" {
				logger.Printf("search engine brave skipped: no api key")
				continue
			}
			engines = append(engines, NewBraveClient(cfg.Brave.APIKey, cfg.Timeout))
		}
	}
	return engines
}

// SearchChain queries engines in configured order and merges their results.
// A failing engine is logged and skipped; the chain only errors when every
// engine fails. Merged results are deduplicated by URL keeping the first
// occurrence, so engine order doubles as trust order.
type SearchChain struct {
	engines []Searcher
	logger  *log.Logger
}

func NewSearchChain(engines []Searcher, logger *log.Logger) *SearchChain {
	if logger == nil {
		logger = log.New(log.Writer(), "[SEARCH] ", log.LstdFlags)
	}
	return &SearchChain{engines: engines, logger: logger}
}

func (c *SearchChain) Name() string { return "chain" }

func (c *SearchChain) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if len(c.engines) == 0 {
		return nil, errors.New("no search engines configured")
	}

	var (
		merged  []Result
		seen    = make(map[string]struct{})
		lastErr error
	)
	for _, engine := range c.engines {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		results, err := engine.Search(ctx, query, limit)
		if err != nil {
			lastErr = err
			c.logger.Printf("engine %s failed for %q: %v", engine.Name(), query, err)
			continue
		}
		for _, r := range results {
			if _, dup := seen[r.URL]; dup {
				continue
			}
			seen[r.URL] = struct{}{}
			merged = append(merged, r)
		}
		if limit > 0 && len(merged) >= limit {
			return merged[:limit], nil
		}
	}

	if len(merged) == 0 && lastErr != nil {
		return nil, fmt.Errorf("all search engines failed: %w", lastErr)
	}
	return merged, nil
}
