// Package aggregate implements the Layered Aggregator:
// category aggregates (L1), strategic priorities (L2), and the executive
// summary (L3), computed from per-response metrics plus raw batch insights.
// All layers are deterministic and idempotent on audit_id — the storage
// layer replaces prior rows for the same audit in one transaction.
package aggregate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/brandscope/visibility-audit/pkg/auditerr"
	"github.com/brandscope/visibility-audit/pkg/config"
	"github.com/brandscope/visibility-audit/pkg/models"
)

// Aggregator computes L1/L2/L3 for one audit.
type Aggregator struct {
	cfg        config.AggregationConfig
	summarizer Summarizer
}

// New builds an Aggregator. summarizer may be nil, in which case the
// default template summarizer is used.
func New(cfg config.AggregationConfig, summarizer Summarizer) *Aggregator {
	if summarizer == nil {
		summarizer = NewTemplateSummarizer()
	}
	return &Aggregator{cfg: cfg, summarizer: summarizer}
}

// scoredRecommendation is one candidate priority recommendation after
// dedup, carrying the signals the L1/L2 ranking keys need.
type scoredRecommendation struct {
	text         string
	supportCount int
	avgScore     float64
	category     models.QueryCategory
}

// normalizeText is the dedup key for insight text: lowercased, whitespace
// collapsed, trailing punctuation stripped.
func normalizeText(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimRight(s, ".!?")
	return strings.Join(strings.Fields(s), " ")
}

// ComputeL1 builds one CategoryAggregate per category that has at least one
// analyzed response. Scores are averaged across the category's responses;
// themes are ranked by frequency over features/value-props; priority
// recommendations combine the category's BatchInsights, deduplicated by
// normalized text and ranked by support_count × avg_score.
func (a *Aggregator) ComputeL1(auditID string, metrics []*models.ResponseMetrics, insights []models.BatchInsight) []models.CategoryAggregate {
	byCategory := make(map[models.QueryCategory][]*models.ResponseMetrics)
	for _, m := range metrics {
		if m.MetricsExtractedAt == nil {
			continue
		}
		byCategory[m.BuyerJourneyCategory] = append(byCategory[m.BuyerJourneyCategory], m)
	}

	insightsByCategory := make(map[models.QueryCategory][]models.BatchInsight)
	for _, ins := range insights {
		insightsByCategory[ins.Category] = append(insightsByCategory[ins.Category], ins)
	}

	var out []models.CategoryAggregate
	for _, category := range models.Categories {
		ms := byCategory[category]
		if len(ms) == 0 {
			continue
		}

		agg := models.CategoryAggregate{
			AuditID:   auditID,
			Category:  category,
			AvgScores: averageScores(ms),
			TopThemes: topThemes(ms, a.topThemesN()),
		}

		recs := a.rankRecommendations(category, insightsByCategory[category], agg.AvgScores["geo"])
		n := a.priorityRecommendationsN()
		if len(recs) > n {
			recs = recs[:n]
		}
		for _, r := range recs {
			agg.PriorityRecommendations = append(agg.PriorityRecommendations, r.text)
		}

		agg.CompetitiveSummary = competitiveSummary(ms)
		out = append(out, agg)
	}
	return out
}

func (a *Aggregator) topThemesN() int {
	if a.cfg.TopThemesPerCategory > 0 {
		return a.cfg.TopThemesPerCategory
	}
	return 5
}

func (a *Aggregator) priorityRecommendationsN() int {
	if a.cfg.PriorityRecommendationsN > 0 {
		return a.cfg.PriorityRecommendationsN
	}
	return 3
}

func averageScores(ms []*models.ResponseMetrics) map[string]float64 {
	var geo, sov, completeness, sentiment, recommendation float64
	for _, m := range ms {
		geo += m.GEOScore
		sov += m.SOVScore
		completeness += m.ContextCompletenessScore
		sentiment += m.Sentiment
		recommendation += m.RecommendationStrength
	}
	n := float64(len(ms))
	return map[string]float64{
		"geo":                     geo / n,
		"sov":                     sov / n,
		"context_completeness":    completeness / n,
		"sentiment":               sentiment / n,
		"recommendation_strength": recommendation / n,
	}
}

// topThemes ranks features_mentioned and value_props by frequency, ties
// broken lexicographically so output is stable.
func topThemes(ms []*models.ResponseMetrics, n int) []string {
	freq := make(map[string]int)
	for _, m := range ms {
		for _, f := range m.FeaturesMentioned {
			freq[normalizeText(f)]++
		}
		for _, v := range m.ValueProps {
			freq[normalizeText(v)]++
		}
	}

	themes := make([]string, 0, len(freq))
	for t := range freq {
		themes = append(themes, t)
	}
	sort.Slice(themes, func(i, j int) bool {
		if freq[themes[i]] != freq[themes[j]] {
			return freq[themes[i]] > freq[themes[j]]
		}
		return themes[i] < themes[j]
	})
	if len(themes) > n {
		themes = themes[:n]
	}
	return themes
}

// rankRecommendations merges the category's recommendation-type insights
// across batches, dedupes by normalized text, and orders by
// support_count × avg_score descending (title lexicographic tiebreak).
func (a *Aggregator) rankRecommendations(category models.QueryCategory, insights []models.BatchInsight, avgScore float64) []scoredRecommendation {
	merged := make(map[string]*scoredRecommendation)
	for _, ins := range insights {
		if ins.ExtractionType != models.ExtractionRecommendations {
			continue
		}
		for _, text := range ins.Insights {
			key := normalizeText(text)
			if key == "" {
				continue
			}
			if existing, ok := merged[key]; ok {
				existing.supportCount++
				continue
			}
			merged[key] = &scoredRecommendation{
				text:         text,
				supportCount: 1,
				avgScore:     avgScore,
				category:     category,
			}
		}
	}

	out := make([]scoredRecommendation, 0, len(merged))
	for _, r := range merged {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		si := float64(out[i].supportCount) * out[i].avgScore
		sj := float64(out[j].supportCount) * out[j].avgScore
		if si != sj {
			return si > sj
		}
		return out[i].text < out[j].text
	})
	return out
}

func competitiveSummary(ms []*models.ResponseMetrics) string {
	mentions := make(map[string]int)
	for _, m := range ms {
		for _, c := range m.CompetitorAnalysis {
			if c.Mentioned {
				mentions[c.Name]++
			}
		}
	}
	if len(mentions) == 0 {
		return "No competitors surfaced in this category's responses."
	}

	names := make([]string, 0, len(mentions))
	for name := range mentions {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if mentions[names[i]] != mentions[names[j]] {
			return mentions[names[i]] > mentions[names[j]]
		}
		return names[i] < names[j]
	})
	if len(names) > 3 {
		names = names[:3]
	}
	return fmt.Sprintf("Most-mentioned competitors: %s (across %d responses).", strings.Join(names, ", "), len(ms))
}

// ComputeL2 synthesizes 9-15 strategic priorities from all L1 outputs plus
// the audit's full insight set. Ordering is deterministic: impact_score
// desc, support_count desc, title lexicographic.
func (a *Aggregator) ComputeL2(auditID string, l1s []models.CategoryAggregate, insights []models.BatchInsight) []models.StrategicPriority {
	avgByCategory := make(map[models.QueryCategory]float64, len(l1s))
	for _, l1 := range l1s {
		avgByCategory[l1.Category] = l1.AvgScores["geo"]
	}

	// Candidates come from every extraction type: recommendations carry the
	// direct action, gaps and content opportunities carry defensive and
	// offensive plays respectively.
	type candidate struct {
		scoredRecommendation
		extractionType models.ExtractionType
		responseIDs    []string
	}
	merged := make(map[string]*candidate)
	for _, ins := range insights {
		weight := extractionWeight(ins.ExtractionType)
		for _, text := range ins.Insights {
			key := normalizeText(text)
			if key == "" {
				continue
			}
			if existing, ok := merged[key]; ok {
				existing.supportCount++
				existing.responseIDs = append(existing.responseIDs, ins.ResponseIDs...)
				continue
			}
			merged[key] = &candidate{
				scoredRecommendation: scoredRecommendation{
					text:         text,
					supportCount: 1,
					avgScore:     avgByCategory[ins.Category]*0.5 + weight,
					category:     ins.Category,
				},
				extractionType: ins.ExtractionType,
				responseIDs:    append([]string(nil), ins.ResponseIDs...),
			}
		}
	}

	candidates := make([]*candidate, 0, len(merged))
	for _, c := range merged {
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool {
		si := impactScore(candidates[i].scoredRecommendation)
		sj := impactScore(candidates[j].scoredRecommendation)
		if si != sj {
			return si > sj
		}
		if candidates[i].supportCount != candidates[j].supportCount {
			return candidates[i].supportCount > candidates[j].supportCount
		}
		return candidates[i].text < candidates[j].text
	})

	min, max := a.l2Bounds()
	if len(candidates) > max {
		candidates = candidates[:max]
	}

	out := make([]models.StrategicPriority, 0, len(candidates))
	for i, c := range candidates {
		out = append(out, models.StrategicPriority{
			AuditID:         auditID,
			Rank:            i + 1,
			Title:           c.text,
			Rationale:       rationaleFor(c.extractionType, c.category, c.supportCount),
			EvidenceRefs:    dedupStrings(c.responseIDs),
			EstimatedImpact: impactLabel(impactScore(c.scoredRecommendation)),
			ImpactScore:     impactScore(c.scoredRecommendation),
			SupportCount:    c.supportCount,
		})
	}

	// Pad to the floor with category-level defaults when the insight pool
	// was thin, so every audit ships a complete priority list.
	for i := len(out); i < min; i++ {
		category := models.Categories[i%len(models.Categories)]
		title := fmt.Sprintf("Strengthen %s coverage with dedicated content", strings.ReplaceAll(string(category), "_", " "))
		out = append(out, models.StrategicPriority{
			AuditID:         auditID,
			Rank:            i + 1,
			Title:           title,
			Rationale:       fmt.Sprintf("Insight volume for %s was below target; baseline coverage play.", category),
			EstimatedImpact: "low",
			ImpactScore:     1,
			SupportCount:    0,
		})
	}

	return out
}

func (a *Aggregator) l2Bounds() (int, int) {
	min, max := a.cfg.StrategicPrioritiesMin, a.cfg.StrategicPrioritiesMax
	if min <= 0 {
		min = 9
	}
	if max < min {
		max = 15
	}
	return min, max
}

func impactScore(r scoredRecommendation) float64 {
	return float64(r.supportCount) * r.avgScore
}

func extractionWeight(t models.ExtractionType) float64 {
	switch t {
	case models.ExtractionCompetitiveGaps:
		return 20
	case models.ExtractionContentOpportunity:
		return 15
	default:
		return 25
	}
}

func impactLabel(score float64) string {
	switch {
	case score >= 60:
		return "high"
	case score >= 25:
		return "medium"
	default:
		return "low"
	}
}

func rationaleFor(t models.ExtractionType, category models.QueryCategory, support int) string {
	switch t {
	case models.ExtractionCompetitiveGaps:
		return fmt.Sprintf("Competitive gap surfaced %d time(s) in %s responses.", support, category)
	case models.ExtractionContentOpportunity:
		return fmt.Sprintf("Content opportunity surfaced %d time(s) in %s responses.", support, category)
	default:
		return fmt.Sprintf("Recommended %d time(s) across %s batches.", support, category)
	}
}

func dedupStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// ComputeL3 produces the single executive-summary row: overall_score is the
// weighted mean of L1 category scores (weights configurable, uniform
// default per the recorded open-question decision), narrative comes from
// the Summarizer, top_recommendations are the first K L2 titles.
func (a *Aggregator) ComputeL3(ctx context.Context, auditID string, profile models.CompanyProfile, l1s []models.CategoryAggregate, l2s []models.StrategicPriority) (*models.ExecutiveSummary, error) {
	if len(l1s) == 0 {
		return nil, auditerr.New(auditerr.InvalidRequest, "aggregate: no L1 aggregates to summarize")
	}

	weights := a.cfg.CategoryWeights
	if len(weights) == 0 {
		weights = config.DefaultCategoryWeights()
	}

	var weightedSum, weightTotal float64
	for _, l1 := range l1s {
		w, ok := weights[string(l1.Category)]
		if !ok {
			w = 1
		}
		weightedSum += l1.AvgScores["geo"] * w
		weightTotal += w
	}
	overall := 0.0
	if weightTotal > 0 {
		overall = weightedSum / weightTotal
	}

	k := a.cfg.TopRecommendationsK
	if k <= 0 {
		k = 5
	}
	var top []string
	for _, p := range l2s {
		if len(top) >= k {
			break
		}
		top = append(top, p.Title)
	}

	narrative, err := a.summarizer.Summarize(ctx, SummaryInput{
		Profile:      profile,
		OverallScore: overall,
		L1:           l1s,
		TopPriority:  firstTitle(l2s),
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate: building narrative: %w", err)
	}

	return &models.ExecutiveSummary{
		AuditID:            auditID,
		OverallScore:       overall,
		Narrative:          narrative,
		TopRecommendations: top,
		Risks:              risksFrom(l1s),
		CreatedAt:          time.Now(),
	}, nil
}

func firstTitle(l2s []models.StrategicPriority) string {
	if len(l2s) == 0 {
		return ""
	}
	return l2s[0].Title
}

// risksFrom flags categories where visibility or sentiment is weak.
func risksFrom(l1s []models.CategoryAggregate) []string {
	var risks []string
	for _, l1 := range l1s {
		if l1.AvgScores["geo"] < 30 {
			risks = append(risks, fmt.Sprintf("Low generative-engine visibility in %s (score %.0f)", l1.Category, l1.AvgScores["geo"]))
		}
		if l1.AvgScores["sentiment"] < -0.2 {
			risks = append(risks, fmt.Sprintf("Negative sentiment trend in %s responses", l1.Category))
		}
	}
	return risks
}

// BuildDashboard materializes the final DashboardSnapshot. It is built
// only from the L3 row plus per-provider response accounting — never from
// intermediate state, so re-materialization is stable.
func BuildDashboard(auditID string, l3 *models.ExecutiveSummary, totalQueries int, responses []*models.Response) *models.DashboardSnapshot {
	type acc struct {
		count      int
		cost       models.Money
		latencySum int64
	}
	byProvider := make(map[models.Provider]*acc)
	var order []models.Provider
	for _, r := range responses {
		entry, ok := byProvider[r.Provider]
		if !ok {
			entry = &acc{}
			byProvider[r.Provider] = entry
			order = append(order, r.Provider)
		}
		entry.count++
		entry.cost = entry.cost.Add(r.Cost)
		entry.latencySum += r.LatencyMS
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	breakdown := make([]models.PlatformBreakdown, 0, len(order))
	for _, p := range order {
		entry := byProvider[p]
		b := models.PlatformBreakdown{Provider: p, ResponseCount: entry.count, TotalCost: entry.cost}
		if entry.count > 0 {
			b.AvgLatencyMS = float64(entry.latencySum) / float64(entry.count)
		}
		breakdown = append(breakdown, b)
	}

	return &models.DashboardSnapshot{
		AuditID:            auditID,
		OverallScore:       l3.OverallScore,
		TotalQueries:       totalQueries,
		TotalResponses:     len(responses),
		PlatformBreakdown:  breakdown,
		TopRecommendations: append([]string(nil), l3.TopRecommendations...),
		GeneratedAt:        time.Now(),
	}
}
