// Package analyzer implements the Response Analyzer: a rule-backed
// extractor of per-response metrics. The analyzer is swappable — the
// contract is the metrics schema, not the scoring method — so this package
// exposes an Analyzer interface with one heuristic scorer as the default
// implementation. An LLM-backed analyzer can replace it behind the same
// interface.
package analyzer

import (
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/brandscope/visibility-audit/pkg/models"
)

// Analyzer extracts ResponseMetrics from a Response given the audit's
// CompanyProfile and competitor list.
type Analyzer interface {
	Analyze(resp *models.Response, profile models.CompanyProfile, includeSubdomains bool) *models.ResponseMetrics
}

// RuleBasedAnalyzer is the default Analyzer: keyword/heuristic scoring
// over the response text, with no external calls.
type RuleBasedAnalyzer struct {
	positiveWords []string
	negativeWords []string
	snippetWords  []string
	voiceWords    []string
}

// NewRuleBased builds the default analyzer with a fixed lexicon.
func NewRuleBased() *RuleBasedAnalyzer {
	return &RuleBasedAnalyzer{
		positiveWords: []string{"best", "excellent", "recommend", "great", "top", "leading", "trusted", "powerful", "reliable"},
		negativeWords: []string{"worst", "avoid", "poor", "disappointing", "lacking", "expensive", "difficult", "limited"},
		snippetWords:  []string{"step", "first", "second", "third", "1.", "2.", "3.", "definition", "means"},
		voiceWords:    []string{"what is", "how do", "how to", "can you", "who is"},
	}
}

// CompetitorAnalysisVariant is a tagged union over the two shapes upstream
// classifiers produce: current ones return a list, legacy ones a map keyed
// by competitor name. DecodeCompetitorAnalysis performs the total conversion
// to the canonical []models.Competitor shape before the storage layer ever
// sees it.
type CompetitorAnalysisVariant struct {
	List       []models.Competitor
	LegacyMap  map[string]bool // name -> mentioned, position/context unknown
	IsLegacy   bool
}

// DecodeCompetitorAnalysis converts a CompetitorAnalysisVariant into the
// canonical list form, logging a structured warning when it had to coerce
// a legacy map. An unexpected shape never crashes the batch.
func DecodeCompetitorAnalysis(v CompetitorAnalysisVariant, responseID string) []models.Competitor {
	if !v.IsLegacy {
		if v.List == nil {
			return []models.Competitor{}
		}
		return v.List
	}

	slog.Warn("analyzer: coerced legacy competitor-analysis map to list",
		"response_id", responseID, "competitor_count", len(v.LegacyMap))

	out := make([]models.Competitor, 0, len(v.LegacyMap))
	for name, mentioned := range v.LegacyMap {
		out = append(out, models.Competitor{Name: name, Mentioned: mentioned})
	}
	return out
}

var wordBoundary = regexp.MustCompile(`[^a-zA-Z0-9]+`)

func tokenize(s string) []string {
	return wordBoundary.Split(strings.ToLower(s), -1)
}

// brandMatchers builds the set of literal strings that count as a brand
// mention: the brand name itself, its domain, and configured aliases. No
// wildcard subdomain entry is added; includeSubdomains does not change the
// set.
func brandMatchers(profile models.CompanyProfile, includeSubdomains bool) []string {
	matchers := []string{strings.ToLower(profile.Brand)}
	if profile.Domain != "" {
		matchers = append(matchers, strings.ToLower(profile.Domain))
	}
	for _, alias := range profile.Aliases {
		matchers = append(matchers, strings.ToLower(alias))
	}
	if includeSubdomains && profile.Domain != "" {
		// Bare registrable domain already matches "sub.domain.tld" via
		// substring containment below; no separate wildcard entry needed.
		_ = includeSubdomains
	}
	return matchers
}

// Analyze implements Analyzer.
func (a *RuleBasedAnalyzer) Analyze(resp *models.Response, profile models.CompanyProfile, includeSubdomains bool) *models.ResponseMetrics {
	now := time.Now()
	text := resp.Text
	lower := strings.ToLower(text)

	metrics := &models.ResponseMetrics{
		ResponseID:        resp.ID,
		AdditionalMetrics: map[string]any{},
		BatchID:           resp.BatchID,
		BatchPosition:     resp.BatchPosition,
		QueryText:         resp.QueryText,
	}

	matchers := brandMatchers(profile, includeSubdomains)
	mentionCount, firstIdx := countMentions(lower, matchers)
	metrics.BrandMentioned = mentionCount > 0
	metrics.MentionCount = mentionCount
	if mentionCount > 0 {
		metrics.MentionPosition = &firstIdx
		metrics.MentionContext = contextWindow(text, firstIdx)
		if len(text) > 0 {
			metrics.FirstPositionPercentage = float64(firstIdx) / float64(len(text)) * 100
		}
	}

	metrics.Sentiment = a.sentiment(lower)
	metrics.RecommendationStrength = a.recommendationStrength(lower, mentionCount > 0)

	competitors := make([]models.Competitor, 0, len(profile.Competitors))
	for _, comp := range profile.Competitors {
		idx := strings.Index(lower, strings.ToLower(comp))
		mentioned := idx >= 0
		c := models.Competitor{Name: comp, Mentioned: mentioned}
		if mentioned {
			pos := idx
			c.Position = &pos
			c.Context = contextWindow(text, idx)
		}
		competitors = append(competitors, c)
	}
	metrics.CompetitorAnalysis = competitors

	metrics.FeaturesMentioned = extractListed(lower, a.positiveWords)
	metrics.ValueProps = extractListed(lower, []string{"save time", "reduce cost", "increase revenue", "easy to use", "scalable", "secure"})

	metrics.FeaturedSnippetPotential = containsAny(lower, a.snippetWords)
	metrics.VoiceSearchOptimized = containsAny(lower, a.voiceWords)

	metrics.GEOScore = a.geoScore(metrics)
	metrics.SOVScore = a.sovScore(mentionCount, competitors)
	metrics.ContextCompletenessScore = a.contextCompletenessScore(text)
	metrics.ContextQuality = qualityLabel(metrics.ContextCompletenessScore)

	metrics.BuyerJourneyCategory = classifyBuyerJourney(lower)

	metrics.MetricsExtractedAt = &now
	return metrics
}

func countMentions(lower string, matchers []string) (count int, firstIdx int) {
	firstIdx = -1
	for _, m := range matchers {
		if m == "" {
			continue
		}
		start := 0
		for {
			idx := strings.Index(lower[start:], m)
			if idx < 0 {
				break
			}
			abs := start + idx
			count++
			if firstIdx < 0 || abs < firstIdx {
				firstIdx = abs
			}
			start = abs + len(m)
		}
	}
	if firstIdx < 0 {
		firstIdx = 0
	}
	return count, firstIdx
}

func contextWindow(text string, idx int) string {
	const radius = 60
	start := idx - radius
	if start < 0 {
		start = 0
	}
	end := idx + radius
	if end > len(text) {
		end = len(text)
	}
	return strings.TrimSpace(text[start:end])
}

func (a *RuleBasedAnalyzer) sentiment(lower string) float64 {
	pos := countOccurrences(lower, a.positiveWords)
	neg := countOccurrences(lower, a.negativeWords)
	if pos == 0 && neg == 0 {
		return 0
	}
	score := float64(pos-neg) / float64(pos+neg)
	if score > 1 {
		score = 1
	}
	if score < -1 {
		score = -1
	}
	return score
}

func (a *RuleBasedAnalyzer) recommendationStrength(lower string, mentioned bool) float64 {
	if !mentioned {
		return 0
	}
	strength := 0.3 + 0.1*float64(countOccurrences(lower, a.positiveWords))
	if strength > 1 {
		strength = 1
	}
	return strength
}

func countOccurrences(lower string, words []string) int {
	total := 0
	for _, w := range words {
		total += strings.Count(lower, w)
	}
	return total
}

func containsAny(lower string, words []string) bool {
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func extractListed(lower string, candidates []string) []string {
	var found []string
	for _, c := range candidates {
		if strings.Contains(lower, c) {
			found = append(found, c)
		}
	}
	return found
}

// geoScore (generative-engine-optimization score) rewards brand presence,
// recommendation strength, and featured-snippet shape, all on [0, 100].
func (a *RuleBasedAnalyzer) geoScore(m *models.ResponseMetrics) float64 {
	score := 0.0
	if m.BrandMentioned {
		score += 40
	}
	score += m.RecommendationStrength * 30
	if m.FeaturedSnippetPotential {
		score += 15
	}
	if m.VoiceSearchOptimized {
		score += 15
	}
	return clamp(score, 0, 100)
}

// sovScore (share of voice) is the brand's mention share against itself
// plus every tracked competitor.
func (a *RuleBasedAnalyzer) sovScore(brandMentions int, competitors []models.Competitor) float64 {
	total := brandMentions
	for _, c := range competitors {
		if c.Mentioned {
			total++
		}
	}
	if total == 0 {
		return 0
	}
	return clamp(float64(brandMentions)/float64(total)*100, 0, 100)
}

func (a *RuleBasedAnalyzer) contextCompletenessScore(text string) float64 {
	words := len(tokenize(text))
	switch {
	case words == 0:
		return 0
	case words < 30:
		return 30
	case words < 100:
		return 60
	case words < 250:
		return 85
	default:
		return 100
	}
}

func qualityLabel(score float64) string {
	switch {
	case score >= 85:
		return "comprehensive"
	case score >= 60:
		return "adequate"
	case score >= 30:
		return "thin"
	default:
		return "empty"
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// classifyBuyerJourney assigns a fixed category from keyword signals; this
// is a coarse heuristic, not a classifier — it always returns one of the
// six fixed categories, never an unknown bucket.
func classifyBuyerJourney(lower string) models.BuyerJourneyCategory {
	switch {
	case containsAny(lower, []string{"what is", "challenge", "problem", "struggling"}):
		return models.CategoryProblemUnaware
	case containsAny(lower, []string{"best tool", "solution for", "software for"}):
		return models.CategorySolutionSeeking
	case containsAny(lower, []string{"vs", "versus", "compared to", "alternative"}):
		return models.CategoryComparison
	case containsAny(lower, []string{"worth it", "pricing", "review", "pros and cons"}):
		return models.CategoryEvaluation
	case containsAny(lower, []string{"how to use", "get started", "onboarding", "tips for"}):
		return models.CategoryPostPurchase
	default:
		return models.CategoryBrandSpecific
	}
}
