package research

import (
	"net/url"
	"sort"
	"strings"

	"github.com/mercatorhq/mercator/config"
)

// RejectionStats counts what the filter did with a candidate set. Considered
// is the input size, Accepted the output size, and the remaining fields
// break down every rejection by reason.
type RejectionStats struct {
	Considered     int `json:"considered"`
	Accepted       int `json:"accepted"`
	Invalid        int `json:"invalid"`
	Duplicates     int `json:"duplicates"`
	DomainBlocked  int `json:"domain_blocked"`
	PatternBlocked int `json:"pattern_blocked"`
	Capped         int `json:"capped"`
}

// blockedPathPatterns match URLs that never carry article content: auth
// walls, commerce flows and ad redirectors.
var blockedPathPatterns = []string{
	"/login", "/signin", "/sign-in", "/signup", "/sign-up", "/register",
	"/cart", "/checkout", "/subscribe",
	"doubleclick.net", "googleadservices.com", "adclick",
}

// binaryExtensions match direct asset links the extractor cannot read.
var binaryExtensions = []string{
	".pdf", ".zip", ".gz", ".tar", ".exe", ".dmg",
	".jpg", ".jpeg", ".png", ".gif", ".svg", ".webp",
	".mp3", ".mp4", ".avi", ".mov",
}

// qualityPathPatterns boost URLs whose paths suggest market data over
// marketing copy.
var qualityPathPatterns = []string{
	"research", "report", "statistics", "study", "survey",
	"market", "industry", "trends", "insights", "analysis",
}

// promoPathPatterns demote storefront and promotional pages.
var promoPathPatterns = []string{
	"/p/", "/product/", "/shop", "/order", "/pricing", "/near-me", "/deals",
}

type scoredResult struct {
	result Result
	score  float64
}

// Filter decides which search candidates are worth fetching. It is a pure
// function of the config and the input: no network, no clock. Candidates are
// deduplicated by canonical URL, dropped when their domain or path is
// blocked, and capped at cfg.MaxAccepted keeping the highest-priority
// survivors. The accepted slice preserves input order.
func Filter(cfg config.FilterConfig, candidates []Result) ([]Result, RejectionStats) {
	stats := RejectionStats{Considered: len(candidates)}

	seen := make(map[string]struct{}, len(candidates))
	var kept []scoredResult

	for _, candidate := range candidates {
		canonical, err := CanonicalURL(candidate.URL)
		if err != nil {
			stats.Invalid++
			continue
		}
		if _, dup := seen[canonical]; dup {
			stats.Duplicates++
			continue
		}
		seen[canonical] = struct{}{}

		parsed, err := url.Parse(canonical)
		if err != nil {
			stats.Invalid++
			continue
		}
		if domainMatches(parsed.Hostname(), cfg.BlockedDomains) {
			stats.DomainBlocked++
			continue
		}
		if patternBlocked(canonical, parsed.Path, cfg.BlockedPatterns) {
			stats.PatternBlocked++
			continue
		}

		kept = append(kept, scoredResult{
			result: candidate,
			score:  scoreCandidate(parsed, cfg.PreferredDomains),
		})
	}

	if cfg.MaxAccepted > 0 && len(kept) > cfg.MaxAccepted {
		stats.Capped = len(kept) - cfg.MaxAccepted
		kept = capByScore(kept, cfg.MaxAccepted)
	}

	accepted := make([]Result, 0, len(kept))
	for _, s := range kept {
		accepted = append(accepted, s.result)
	}
	stats.Accepted = len(accepted)
	return accepted, stats
}

// domainMatches reports whether host equals one of the domains or is a
// subdomain of one. "news.spamtracker.biz" matches "spamtracker.biz";
// "notspamtracker.biz" does not.
func domainMatches(host string, domains []string) bool {
	host = strings.ToLower(host)
	for _, domain := range domains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func patternBlocked(canonical, urlPath string, extra []string) bool {
	lower := strings.ToLower(canonical)
	for _, pattern := range blockedPathPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	for _, pattern := range extra {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern != "" && strings.Contains(lower, pattern) {
			return true
		}
	}
	lowerPath := strings.ToLower(urlPath)
	for _, ext := range binaryExtensions {
		if strings.HasSuffix(lowerPath, ext) {
			return true
		}
	}
	return false
}

// scoreCandidate assigns a fetch priority. Preferred domains outrank path
// heuristics; promotional paths sink to the bottom. The score only matters
// when MaxAccepted forces a choice.
func scoreCandidate(parsed *url.URL, preferred []string) float64 {
	if domainMatches(parsed.Hostname(), preferred) {
		return 0.9
	}
	lowerPath := strings.ToLower(parsed.Path)
	for _, pattern := range promoPathPatterns {
		if strings.Contains(lowerPath, pattern) {
			return 0.2
		}
	}
	for _, pattern := range qualityPathPatterns {
		if strings.Contains(lowerPath, pattern) {
			return 0.75
		}
	}
	return 0.5
}

// capByScore keeps the limit highest-scoring survivors, breaking ties by
// input position, and returns them in input order.
func capByScore(kept []scoredResult, limit int) []scoredResult {
	indices := make([]int, len(kept))
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(a, b int) bool {
		return kept[indices[a]].score > kept[indices[b]].score
	})

	selected := make(map[int]struct{}, limit)
	for _, idx := range indices[:limit] {
		selected[idx] = struct{}{}
	}

	out := kept[:0]
	for i, s := range kept {
		if _, ok := selected[i]; ok {
			out = append(out, s)
		}
	}
	return out
}
