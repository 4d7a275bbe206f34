package stages

import (
	"context"
	"fmt"

	"github.com/mercatorhq/mercator/internal/pipeline"
	"github.com/mercatorhq/mercator/internal/research"
)

func researchStage(deps Deps) pipeline.StageDefinition {
	return pipeline.StageDefinition{
		ID: StageResearch,
		Run: func(ctx context.Context, rc pipeline.RunContext, _ map[string]map[string]interface{}) (map[string]interface{}, error) {
			return runResearch(ctx, deps, rc)
		},
		Fallback: researchFallback,
	}
}

func runResearch(ctx context.Context, deps Deps, rc pipeline.RunContext) (map[string]interface{}, error) {
	if deps.Searcher == nil {
		return nil, fmt.Errorf("no search engines configured")
	}

	queries := searchQueries(rc.Run.Params)
	var candidates []research.Result
	for _, query := range queries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		results, err := deps.Searcher.Search(ctx, query, deps.MaxResults)
		rc.Stats.RecordSearch(err != nil)
		if err != nil {
			continue
		}
		candidates = append(candidates, results...)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("search produced no candidates for %q", rc.Run.Params.Segment)
	}

	accepted, fstats := research.Filter(deps.Filter, candidates)
	rc.Stats.RecordFilter(fstats.Considered, fstats.Accepted, fstats.DomainBlocked+fstats.PatternBlocked)

	sources := make([]interface{}, 0, len(accepted))
	contentChars := 0
	for _, candidate := range accepted {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		entry := map[string]interface{}{
			"title":   candidate.Title,
			"url":     candidate.URL,
			"snippet": candidate.Snippet,
			"engine":  candidate.Engine,
		}
		if deps.Extractor != nil {
			extracted, err := deps.Extractor.Extract(ctx, candidate.URL)
			rc.Stats.RecordExtraction(extracted.Method, err != nil)
			if err == nil {
				entry["content"] = extracted.Text
				entry["method"] = extracted.Method
				if extracted.Title != "" {
					entry["title"] = extracted.Title
				}
				contentChars += len(extracted.Text)
			}
		}
		sources = append(sources, entry)
	}

	return map[string]interface{}{
		"segment":  rc.Run.Params.Segment,
		"product":  rc.Run.Params.Product,
		"audience": rc.Run.Params.Audience,
		"queries":  queries,
		"sources":  sources,
		"source_stats": map[string]interface{}{
			"considered":      fstats.Considered,
			"accepted":        fstats.Accepted,
			"invalid":         fstats.Invalid,
			"duplicates":      fstats.Duplicates,
			"domain_blocked":  fstats.DomainBlocked,
			"pattern_blocked": fstats.PatternBlocked,
			"capped":          fstats.Capped,
		},
		"content_chars": contentChars,
	}, nil
}

// searchQueries derives the query set from the run parameters. An explicit
// Query overrides the generated set. Deterministic: the fallback reuses it.
func searchQueries(params pipeline.RunParams) []string {
	if q := params.Query; q != "" {
		return []string{q}
	}
	segment := params.Segment
	if segment == "" {
		segment = "business"
	}
	queries := []string{
		fmt.Sprintf("%s market size growth", segment),
		fmt.Sprintf("%s market trends consumer behavior", segment),
	}
	if params.Product != "" {
		queries = append(queries, fmt.Sprintf("%s demand %s market", params.Product, segment))
	}
	if params.Audience != "" {
		queries = append(queries, fmt.Sprintf("how %s choose %s services", params.Audience, segment))
	}
	return queries
}

// researchFallback stands in when every engine is down or nothing was found.
// It carries the query plan and an empty source list so downstream prompts
// still have a well-formed research section to reference.
func researchFallback(rc pipeline.RunContext, _ map[string]map[string]interface{}) map[string]interface{} {
	segment := segmentOf(rc)
	return map[string]interface{}{
		"fallback_mode": true,
		"segment":       rc.Run.Params.Segment,
		"product":       rc.Run.Params.Product,
		"audience":      rc.Run.Params.Audience,
		"queries":       searchQueries(rc.Run.Params),
		"sources":       []interface{}{},
		"source_stats": map[string]interface{}{
			"considered": 0,
			"accepted":   0,
		},
		"market_overview": fmt.Sprintf(
			"Web research was unavailable for this run. The %s market analysis below relies on the declared run parameters only; refresh this run once search engines are reachable.",
			segment),
	}
}
