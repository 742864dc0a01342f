// Package ranking implements the independent Ranking / Visibility
// Analyzer: a deterministic computation over SERP-style inputs that
// derives per-query rankings, competitor positions, SERP-feature ownership,
// AI-citation likelihood, content gaps, opportunities, and snapshot deltas.
// Analyze is a pure function of its inputs — same queries + searchResults +
// config yields identical output, which is what makes it testable without
// any live search backend.
package ranking

import (
	"sort"
	"strings"

	"github.com/brandscope/visibility-audit/pkg/models"
)

// Config controls domain matching and competitor tracking for one analysis
// run.
type Config struct {
	TargetDomain      string
	Competitors       []string
	IncludeSubdomains bool
}

// Analyzer performs ranking analysis for a fixed target-domain config.
type Analyzer struct {
	cfg Config
}

// New builds an Analyzer.
func New(cfg Config) *Analyzer {
	return &Analyzer{cfg: cfg}
}

// domainsMatch reports whether candidate belongs to target, optionally
// treating any "*.target" subdomain as a match.
func domainsMatch(candidate, target string, includeSubdomains bool) bool {
	candidate = strings.ToLower(strings.TrimPrefix(candidate, "www."))
	target = strings.ToLower(strings.TrimPrefix(target, "www."))
	if candidate == target {
		return true
	}
	if includeSubdomains && strings.HasSuffix(candidate, "."+target) {
		return true
	}
	return false
}

// isHomepageURL reports whether url points at the root of its domain
// (scheme://domain/ with no further path).
func isHomepageURL(url string) bool {
	trimmed := url
	for _, prefix := range []string{"https://", "http://"} {
		trimmed = strings.TrimPrefix(trimmed, prefix)
	}
	trimmed = strings.TrimPrefix(trimmed, "www.")
	slash := strings.IndexByte(trimmed, '/')
	if slash < 0 {
		return true
	}
	return trimmed[slash:] == "/"
}

// Analyze runs the full ranking analysis for the given queries and their
// SERP payloads. Queries with no corresponding SearchResults entry count as
// unranked.
func (a *Analyzer) Analyze(queries []models.GeneratedQuery, searchResults map[string]models.SearchResults) *models.RankingReport {
	report := &models.RankingReport{
		TargetDomain:        a.cfg.TargetDomain,
		Competitors:         append([]string(nil), a.cfg.Competitors...),
		TotalQueries:        len(queries),
		SERPFeaturesByQuery: make(map[string]models.SERPFeatures, len(queries)),
	}

	var positionSum int
	var rankedCount int

	for _, q := range queries {
		serp, ok := searchResults[q.Query]
		if !ok {
			report.Rankings = append(report.Rankings, models.Ranking{Query: q.Query})
			continue
		}

		report.SERPFeaturesByQuery[q.Query] = serp.Features

		ranking := a.rankingFor(q.Query, serp)
		report.Rankings = append(report.Rankings, ranking)
		if ranking.Position > 0 {
			positionSum += ranking.Position
			rankedCount++
			if ranking.IsHomepage {
				report.Summary.HomepageRankings++
			}
		}

		for _, comp := range a.cfg.Competitors {
			report.CompetitorPositions = append(report.CompetitorPositions, models.CompetitorPosition{
				Competitor: comp,
				Query:      q.Query,
				Position:   firstPositionOf(serp.Results, comp, a.cfg.IncludeSubdomains),
			})
		}

		report.VisibilityScores = append(report.VisibilityScores, a.visibilityScore(q.Query, ranking, serp.Features))

		if gap, ok := a.contentGap(q, ranking, serp); ok {
			report.ContentGaps = append(report.ContentGaps, gap)
		}
		if fruit, ok := lowHangingFruit(q.Query, ranking); ok {
			report.LowHangingFruit = append(report.LowHangingFruit, fruit)
		}
		if opp, ok := a.snippetOpportunity(q.Query, ranking, serp); ok {
			report.FeaturedSnippetOpportunities = append(report.FeaturedSnippetOpportunities, opp)
		}
	}

	if rankedCount > 0 {
		report.Summary.AveragePosition = float64(positionSum) / float64(rankedCount)
	}
	report.ByQueryType = breakdownByType(queries, report.Rankings)

	return report
}

// rankingFor finds every target-domain URL in the SERP, keeping the lowest
// position as the canonical Position and all matches in MultipleURLs.
func (a *Analyzer) rankingFor(query string, serp models.SearchResults) models.Ranking {
	ranking := models.Ranking{Query: query}

	for _, r := range serp.Results {
		if r.IsAd {
			continue
		}
		if !domainsMatch(r.Domain, a.cfg.TargetDomain, a.cfg.IncludeSubdomains) {
			continue
		}
		ranking.MultipleURLs = append(ranking.MultipleURLs, models.RankedURL{URL: r.URL, Position: r.Position})
		if ranking.Position == 0 || r.Position < ranking.Position {
			ranking.Position = r.Position
			ranking.IsHomepage = isHomepageURL(r.URL)
		}
	}

	return ranking
}

func firstPositionOf(results []models.SearchResult, domain string, includeSubdomains bool) int {
	best := 0
	for _, r := range results {
		if r.IsAd {
			continue
		}
		if !domainsMatch(r.Domain, domain, includeSubdomains) {
			continue
		}
		if best == 0 || r.Position < best {
			best = r.Position
		}
	}
	return best
}

// visibilityScore derives aiCitationLikelihood on [0, 100]: a decreasing
// function of position, boosted for top-3 placement and featured-snippet
// ownership.
func (a *Analyzer) visibilityScore(query string, ranking models.Ranking, features models.SERPFeatures) models.VisibilityScore {
	score := models.VisibilityScore{Query: query}
	score.FeaturedSnippetIsOurs = features.HasFeaturedSnippet && ranking.Position == 1

	if ranking.Position == 0 {
		score.AICitationLikelihood = 5
		return score
	}

	likelihood := 90.0 - float64(ranking.Position-1)*7
	if likelihood < 10 {
		likelihood = 10
	}
	if ranking.Position <= 3 {
		likelihood += 5
	}
	if score.FeaturedSnippetIsOurs {
		likelihood += 10
	}
	if likelihood > 100 {
		likelihood = 100
	}
	score.AICitationLikelihood = likelihood
	return score
}

// contentGap flags queries where the target does not rank but two or more
// competitors do; opportunityScore = base(search_volume, priority) ×
// competitorCount.
func (a *Analyzer) contentGap(q models.GeneratedQuery, ranking models.Ranking, serp models.SearchResults) (models.ContentGap, bool) {
	if ranking.Position != 0 {
		return models.ContentGap{}, false
	}

	competitorCount := 0
	for _, comp := range a.cfg.Competitors {
		if firstPositionOf(serp.Results, comp, a.cfg.IncludeSubdomains) > 0 {
			competitorCount++
		}
	}
	if competitorCount < 2 {
		return models.ContentGap{}, false
	}

	return models.ContentGap{
		Query:            q.Query,
		CompetitorCount:  competitorCount,
		OpportunityScore: opportunityBase(q.MonthlySearchVolume, q.Priority) * float64(competitorCount),
	}, true
}

func opportunityBase(monthlyVolume int, priority models.QueryPriority) float64 {
	base := float64(monthlyVolume) / 100
	switch priority {
	case models.PriorityHigh:
		base += 30
	case models.PriorityMedium:
		base += 20
	default:
		base += 10
	}
	return base
}

// lowHangingFruit emits queries where the target sits just off page one
// (positions 11-20).
func lowHangingFruit(query string, ranking models.Ranking) (models.LowHangingFruit, bool) {
	if ranking.Position < 11 || ranking.Position > 20 {
		return models.LowHangingFruit{}, false
	}
	return models.LowHangingFruit{
		Query:    query,
		Position: ranking.Position,
		Recommendations: []string{
			"Refresh on-page content and internal links for this query",
			"Add structured data and expand topical coverage to break into page one",
		},
	}, true
}

// snippetOpportunity emits queries where a snippet exists, the target ranks
// 2-10, and someone else holds the snippet.
func (a *Analyzer) snippetOpportunity(query string, ranking models.Ranking, serp models.SearchResults) (models.FeaturedSnippetOpportunity, bool) {
	if !serp.Features.HasFeaturedSnippet {
		return models.FeaturedSnippetOpportunity{}, false
	}
	if ranking.Position < 2 || ranking.Position > 10 {
		return models.FeaturedSnippetOpportunity{}, false
	}

	holder := serp.Features.FeaturedSnippetHolder
	if holder == "" {
		// The snippet is almost always drawn from the #1 organic result.
		for _, r := range serp.Results {
			if !r.IsAd && r.Position == 1 {
				holder = r.Domain
				break
			}
		}
	}

	return models.FeaturedSnippetOpportunity{
		Query:                query,
		TargetPosition:       ranking.Position,
		CurrentSnippetHolder: holder,
	}, true
}

// breakdownByType groups averagePosition and rankingRate by QueryType, in
// stable type order.
func breakdownByType(queries []models.GeneratedQuery, rankings []models.Ranking) []models.QueryTypeBreakdown {
	posByQuery := make(map[string]int, len(rankings))
	for _, r := range rankings {
		posByQuery[r.Query] = r.Position
	}

	type acc struct {
		positionSum int
		ranked      int
		total       int
	}
	byType := make(map[models.QueryType]*acc)
	var order []models.QueryType
	for _, q := range queries {
		entry, ok := byType[q.Type]
		if !ok {
			entry = &acc{}
			byType[q.Type] = entry
			order = append(order, q.Type)
		}
		entry.total++
		if pos := posByQuery[q.Query]; pos > 0 {
			entry.positionSum += pos
			entry.ranked++
		}
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	out := make([]models.QueryTypeBreakdown, 0, len(order))
	for _, t := range order {
		entry := byType[t]
		breakdown := models.QueryTypeBreakdown{Type: t}
		if entry.ranked > 0 {
			breakdown.AveragePosition = float64(entry.positionSum) / float64(entry.ranked)
		}
		if entry.total > 0 {
			breakdown.RankingRate = float64(entry.ranked) / float64(entry.total)
		}
		out = append(out, breakdown)
	}
	return out
}
