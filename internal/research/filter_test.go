package research

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mercatorhq/mercator/config"
)

func TestFilterBlocksDomains(t *testing.T) {
	cfg := config.FilterConfig{BlockedDomains: []string{"spamtracker.biz"}}

	candidates := []Result{
		{Title: "Fitness market grows", URL: "https://g1.globo.com/x"},
		{Title: "Sponsored", URL: "https://spamtracker.biz/y"},
		{Title: "Market study", URL: "https://known-quality.com/z"},
	}

	accepted, stats := Filter(cfg, candidates)

	assert.Len(t, accepted, 2)
	assert.Equal(t, "https://g1.globo.com/x", accepted[0].URL)
	assert.Equal(t, "https://known-quality.com/z", accepted[1].URL)
	assert.Equal(t, 3, stats.Considered)
	assert.Equal(t, 2, stats.Accepted)
	assert.Equal(t, 1, stats.DomainBlocked)
}

func TestFilterBlocksSubdomainsOfBlockedDomain(t *testing.T) {
	cfg := config.FilterConfig{BlockedDomains: []string{"spamtracker.biz"}}

	accepted, stats := Filter(cfg, []Result{
		{URL: "https://ads.spamtracker.biz/offer"},
		{URL: "https://notspamtracker.biz/article"},
	})

	assert.Len(t, accepted, 1)
	assert.Equal(t, "https://notspamtracker.biz/article", accepted[0].URL)
	assert.Equal(t, 1, stats.DomainBlocked)
}

func TestFilterDedupesByCanonicalURL(t *testing.T) {
	candidates := []Result{
		{URL: "https://example.com/report?utm_source=rss&a=1"},
		{URL: "https://EXAMPLE.com/report?a=1&fbclid=xyz"},
		{URL: "https://example.com/report?a=2"},
	}

	accepted, stats := Filter(config.FilterConfig{}, candidates)

	assert.Len(t, accepted, 2)
	assert.Equal(t, 1, stats.Duplicates)
	assert.Equal(t, "https://example.com/report?utm_source=rss&a=1", accepted[0].URL)
}

func TestFilterBlocksPatterns(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"login page", "https://portal.example.com/login?next=home"},
		{"checkout flow", "https://shop.example.com/checkout/step-1"},
		{"pdf asset", "https://example.com/whitepaper.pdf"},
		{"image asset", "https://cdn.example.com/chart.PNG"},
		{"ad redirector", "https://ad.doubleclick.net/ddm/clk/123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accepted, stats := Filter(config.FilterConfig{}, []Result{{URL: tt.url}})
			assert.Empty(t, accepted)
			assert.Equal(t, 1, stats.PatternBlocked)
		})
	}
}

func TestFilterAppliesConfiguredPatterns(t *testing.T) {
	cfg := config.FilterConfig{BlockedPatterns: []string{"/tag/"}}

	accepted, stats := Filter(cfg, []Result{
		{URL: "https://blog.example.com/tag/fitness"},
		{URL: "https://blog.example.com/fitness-market-report"},
	})

	assert.Len(t, accepted, 1)
	assert.Equal(t, 1, stats.PatternBlocked)
}

func TestFilterCountsInvalidURLs(t *testing.T) {
	accepted, stats := Filter(config.FilterConfig{}, []Result{
		{URL: ""},
		{URL: ":///broken"},
		{URL: "https://example.com/fine"},
	})

	assert.Len(t, accepted, 1)
	assert.Equal(t, 2, stats.Invalid)
}

func TestFilterCapsKeepingHighestPriority(t *testing.T) {
	cfg := config.FilterConfig{
		PreferredDomains: []string{"trusted.org"},
		MaxAccepted:      2,
	}

	candidates := []Result{
		{URL: "https://blog.example.com/opinion"},
		{URL: "https://shop.example.com/product/whey"},
		{URL: "https://statista.com/statistics/fitness-br"},
		{URL: "https://data.trusted.org/anything"},
	}

	accepted, stats := Filter(cfg, candidates)

	assert.Len(t, accepted, 2)
	// Highest scores survive the cap; output stays in input order.
	assert.Equal(t, "https://statista.com/statistics/fitness-br", accepted[0].URL)
	assert.Equal(t, "https://data.trusted.org/anything", accepted[1].URL)
	assert.Equal(t, 2, stats.Capped)
	assert.Equal(t, 2, stats.Accepted)
}

func TestFilterPreservesInputOrder(t *testing.T) {
	candidates := []Result{
		{URL: "https://a.example.com/one"},
		{URL: "https://b.example.com/two"},
		{URL: "https://c.example.com/three"},
	}

	accepted, _ := Filter(config.FilterConfig{}, candidates)

	assert.Len(t, accepted, 3)
	for i, want := range candidates {
		assert.Equal(t, want.URL, accepted[i].URL)
	}
}

func TestDomainMatches(t *testing.T) {
	domains := []string{"spamtracker.biz", "Ads.Example.com"}

	tests := []struct {
		name     string
		host     string
		expected bool
	}{
		{"exact match", "spamtracker.biz", true},
		{"subdomain", "cdn.spamtracker.biz", true},
		{"www prefix", "www.spamtracker.biz", true},
		{"suffix without dot", "notspamtracker.biz", false},
		{"case insensitive", "ADS.EXAMPLE.COM", true},
		{"unrelated", "example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, domainMatches(tt.host, domains))
		})
	}
}
