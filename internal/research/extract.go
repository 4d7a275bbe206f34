package research

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/chromedp/chromedp"
	readability "github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"

	"github.com/mercatorhq/mercator/config"
)

const (
	extractUserAgent = "MercatorBot/1.0 (+https://github.com/mercatorhq/mercator)"
	maxFetchBytes    = 2 << 20
)

// Extraction methods, recorded per page in the run stats.
const (
	MethodStatic    = "static"
	MethodBrowser   = "browser"
	MethodEmergency = "emergency"
)

// Extracted is the readable content of one fetched page.
type Extracted struct {
	URL    string `json:"url"`
	Title  string `json:"title"`
	Text   string `json:"text"`
	Method string `json:"method"`
}

// Extractor pulls article text out of web pages in three tiers: a plain GET
// with readability parsing, a headless-browser render for pages that only
// materialize under JavaScript, and a raw tag strip when readability gets
// nothing usable. The browser is started once and reused across pages; call
// Close on shutdown.
type Extractor struct {
	cfg    config.ExtractConfig
	client *http.Client
	logger *log.Logger

	browserCtx    context.Context
	cancelBrowser context.CancelFunc
	cancelAlloc   context.CancelFunc
}

func NewExtractor(cfg config.ExtractConfig, logger *log.Logger) *Extractor {
	cfg = cfg.Normalize()
	if logger == nil {
		logger = log.New(log.Writer(), "[EXTRACT] ", log.LstdFlags)
	}
	e := &Extractor{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.FetchTimeout},
		logger: logger,
	}
	if cfg.BrowserEnabled {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.UserAgent(extractUserAgent),
		)
		actx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
		bctx, cancelBrowser := chromedp.NewContext(actx)
		e.browserCtx = bctx
		e.cancelAlloc = cancelAlloc
		e.cancelBrowser = cancelBrowser
	}
	return e
}

// Close tears down the headless browser, if one was started.
func (e *Extractor) Close() {
	if e.cancelBrowser != nil {
		e.cancelBrowser()
	}
	if e.cancelAlloc != nil {
		e.cancelAlloc()
	}
}

// Extract fetches link and returns its readable text, walking the tiers
// until one produces at least MinStaticChars of content. The emergency tier
// accepts whatever it gets. An error means no tier produced any text.
func (e *Extractor) Extract(ctx context.Context, link string) (Extracted, error) {
	if strings.TrimSpace(link) == "" {
		return Extracted{}, errors.New("empty url")
	}

	page, staticErr := e.fetchStatic(ctx, link)
	if staticErr == nil {
		if title, text := readableText(page, link, e.cfg.MaxChars); len(text) >= e.cfg.MinStaticChars {
			return Extracted{URL: link, Title: title, Text: text, Method: MethodStatic}, nil
		}
	} else {
		e.logger.Printf("static fetch failed for %s: %v", link, staticErr)
	}

	if e.cfg.BrowserEnabled {
		rendered, err := e.renderHTML(link)
		if err != nil {
			e.logger.Printf("browser render failed for %s: %v", link, err)
		} else {
			page = rendered
			if title, text := readableText(rendered, link, e.cfg.MaxChars); len(text) >= e.cfg.MinStaticChars {
				return Extracted{URL: link, Title: title, Text: text, Method: MethodBrowser}, nil
			}
		}
	}

	if page == "" {
		return Extracted{}, fmt.Errorf("extract %s: %w", link, staticErr)
	}
	text := emergencyText(page, e.cfg.MaxChars)
	if text == "" {
		return Extracted{}, fmt.Errorf("extract %s: page yielded no text", link)
	}
	return Extracted{URL: link, Text: text, Method: MethodEmergency}, nil
}

func (e *Extractor) fetchStatic(ctx context.Context, link string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", extractUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("status %s", resp.Status)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// renderHTML navigates the shared browser to link and returns the rendered
// DOM. The browser timeout bounds the whole navigation.
func (e *Extractor) renderHTML(link string) (string, error) {
	if e.browserCtx == nil {
		return "", errors.New("browser not started")
	}
	ctx, cancel := context.WithTimeout(e.browserCtx, e.cfg.BrowserTimeout)
	defer cancel()

	var rendered string
	err := chromedp.Run(ctx,
		chromedp.Navigate(link),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &rendered, chromedp.ByQuery),
	)
	return rendered, err
}

func readableText(page, link string, maxChars int) (string, string) {
	parsed, err := url.Parse(link)
	if err != nil {
		parsed = &url.URL{}
	}
	article, err := readability.FromReader(strings.NewReader(page), parsed)
	if err != nil {
		return "", ""
	}
	return strings.TrimSpace(article.Title), clampText(article.TextContent, maxChars)
}

var (
	stripPolicyOnce sync.Once
	stripPolicy     *bluemonday.Policy
)

// strictPolicy strips every element and attribute, including script and
// style bodies. Cached because policy construction allocates.
func strictPolicy() *bluemonday.Policy {
	stripPolicyOnce.Do(func() {
		stripPolicy = bluemonday.StrictPolicy()
	})
	return stripPolicy
}

func emergencyText(raw string, maxChars int) string {
	// Tag boundaries become whitespace so text from adjacent blocks does not
	// fuse into one word.
	raw = strings.ReplaceAll(raw, "<", " <")
	text := strictPolicy().Sanitize(raw)
	text = html.UnescapeString(text)
	text = strings.Join(strings.Fields(text), " ")
	return clampText(text, maxChars)
}

func clampText(text string, maxChars int) string {
	text = strings.TrimSpace(text)
	if maxChars > 0 && len(text) > maxChars {
		text = strings.TrimSpace(text[:maxChars])
	}
	return text
}
