package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandscope/visibility-audit/pkg/config"
	"github.com/brandscope/visibility-audit/pkg/models"
)

func metricsRow(category models.QueryCategory, geo, sov, sentiment float64, features ...string) *models.ResponseMetrics {
	now := time.Now()
	return &models.ResponseMetrics{
		BuyerJourneyCategory:     category,
		GEOScore:                 geo,
		SOVScore:                 sov,
		Sentiment:                sentiment,
		ContextCompletenessScore: 60,
		RecommendationStrength:   0.5,
		FeaturesMentioned:        features,
		MetricsExtractedAt:       &now,
	}
}

func insightRow(category models.QueryCategory, batch int, t models.ExtractionType, texts ...string) models.BatchInsight {
	return models.BatchInsight{
		AuditID:        "audit-1",
		Category:       category,
		BatchNumber:    batch,
		ExtractionType: t,
		Insights:       texts,
		ResponseIDs:    []string{"r1"},
	}
}

func TestComputeL1_AveragesAndThemes(t *testing.T) {
	a := New(config.AggregationConfig{}, nil)
	metrics := []*models.ResponseMetrics{
		metricsRow(models.CategoryComparison, 40, 50, 0.5, "reliable", "fast"),
		metricsRow(models.CategoryComparison, 60, 70, -0.1, "reliable"),
	}

	l1s := a.ComputeL1("audit-1", metrics, nil)
	require.Len(t, l1s, 1)

	agg := l1s[0]
	assert.Equal(t, models.CategoryComparison, agg.Category)
	assert.InDelta(t, 50, agg.AvgScores["geo"], 0.001)
	assert.InDelta(t, 60, agg.AvgScores["sov"], 0.001)
	assert.InDelta(t, 0.2, agg.AvgScores["sentiment"], 0.001)
	require.NotEmpty(t, agg.TopThemes)
	assert.Equal(t, "reliable", agg.TopThemes[0])
}

func TestComputeL1_SkipsUnextractedRows(t *testing.T) {
	a := New(config.AggregationConfig{}, nil)
	unextracted := &models.ResponseMetrics{BuyerJourneyCategory: models.CategoryEvaluation, GEOScore: 99}
	l1s := a.ComputeL1("audit-1", []*models.ResponseMetrics{unextracted}, nil)
	assert.Empty(t, l1s)
}

func TestComputeL1_DedupesRecommendationsAcrossBatches(t *testing.T) {
	a := New(config.AggregationConfig{PriorityRecommendationsN: 3}, nil)
	metrics := []*models.ResponseMetrics{metricsRow(models.CategoryEvaluation, 50, 50, 0)}
	insights := []models.BatchInsight{
		insightRow(models.CategoryEvaluation, 1, models.ExtractionRecommendations, "Publish comparison pages", "Add pricing FAQ"),
		insightRow(models.CategoryEvaluation, 2, models.ExtractionRecommendations, "publish comparison pages.", "Target review keywords"),
	}

	l1s := a.ComputeL1("audit-1", metrics, insights)
	require.Len(t, l1s, 1)
	recs := l1s[0].PriorityRecommendations
	require.Len(t, recs, 3)
	// Twice-supported recommendation ranks first.
	assert.Equal(t, "Publish comparison pages", recs[0])
}

func TestComputeL2_BoundsAndOrdering(t *testing.T) {
	a := New(config.AggregationConfig{StrategicPrioritiesMin: 9, StrategicPrioritiesMax: 15}, nil)
	l1s := []models.CategoryAggregate{
		{AuditID: "audit-1", Category: models.CategoryComparison, AvgScores: map[string]float64{"geo": 50}},
	}
	var insights []models.BatchInsight
	insights = append(insights,
		insightRow(models.CategoryComparison, 1, models.ExtractionRecommendations, "A strong play", "B weaker play"),
		insightRow(models.CategoryComparison, 2, models.ExtractionRecommendations, "A strong play"),
		insightRow(models.CategoryComparison, 1, models.ExtractionCompetitiveGaps, "Close the integration gap"),
	)

	l2s := a.ComputeL2("audit-1", l1s, insights)
	require.GreaterOrEqual(t, len(l2s), 9)
	require.LessOrEqual(t, len(l2s), 15)

	// Deterministic ordering: impact desc, rank sequential from 1.
	assert.Equal(t, "A strong play", l2s[0].Title)
	assert.Equal(t, 2, l2s[0].SupportCount)
	for i, p := range l2s {
		assert.Equal(t, i+1, p.Rank)
		if i > 0 {
			assert.GreaterOrEqual(t, l2s[i-1].ImpactScore, p.ImpactScore)
		}
	}
}

func TestComputeL2_Deterministic(t *testing.T) {
	a := New(config.AggregationConfig{}, nil)
	l1s := []models.CategoryAggregate{
		{Category: models.CategoryComparison, AvgScores: map[string]float64{"geo": 50}},
		{Category: models.CategoryEvaluation, AvgScores: map[string]float64{"geo": 30}},
	}
	insights := []models.BatchInsight{
		insightRow(models.CategoryComparison, 1, models.ExtractionRecommendations, "X", "Y", "Z"),
		insightRow(models.CategoryEvaluation, 1, models.ExtractionContentOpportunity, "P", "Q"),
	}
	first := a.ComputeL2("audit-1", l1s, insights)
	second := a.ComputeL2("audit-1", l1s, insights)
	assert.Equal(t, first, second)
}

func TestComputeL3_WeightedOverallScore(t *testing.T) {
	cfg := config.AggregationConfig{
		CategoryWeights:     map[string]float64{"comparison": 3, "evaluation": 1},
		TopRecommendationsK: 2,
	}
	a := New(cfg, nil)
	l1s := []models.CategoryAggregate{
		{Category: models.CategoryComparison, AvgScores: map[string]float64{"geo": 80}},
		{Category: models.CategoryEvaluation, AvgScores: map[string]float64{"geo": 40}},
	}
	l2s := []models.StrategicPriority{
		{Rank: 1, Title: "First"},
		{Rank: 2, Title: "Second"},
		{Rank: 3, Title: "Third"},
	}

	l3, err := a.ComputeL3(context.Background(), "audit-1", models.CompanyProfile{Brand: "Acme"}, l1s, l2s)
	require.NoError(t, err)

	// (80*3 + 40*1) / 4 = 70
	assert.InDelta(t, 70, l3.OverallScore, 0.001)
	assert.Equal(t, []string{"First", "Second"}, l3.TopRecommendations)
	assert.Contains(t, l3.Narrative, "Acme")
	assert.Contains(t, l3.Narrative, "70")
}

func TestComputeL3_UniformDefaultWeights(t *testing.T) {
	a := New(config.AggregationConfig{}, nil)
	l1s := []models.CategoryAggregate{
		{Category: models.CategoryComparison, AvgScores: map[string]float64{"geo": 20}},
		{Category: models.CategoryEvaluation, AvgScores: map[string]float64{"geo": 60}},
	}
	l3, err := a.ComputeL3(context.Background(), "audit-1", models.CompanyProfile{Brand: "Acme"}, l1s, nil)
	require.NoError(t, err)
	assert.InDelta(t, 40, l3.OverallScore, 0.001)
	assert.NotEmpty(t, l3.Risks) // geo 20 < 30 flags a risk
}

func TestComputeL3_EmptyL1Fails(t *testing.T) {
	a := New(config.AggregationConfig{}, nil)
	_, err := a.ComputeL3(context.Background(), "audit-1", models.CompanyProfile{}, nil, nil)
	require.Error(t, err)
}

func TestBuildDashboard_PlatformBreakdown(t *testing.T) {
	l3 := &models.ExecutiveSummary{
		AuditID:            "audit-1",
		OverallScore:       55,
		TopRecommendations: []string{"First"},
	}
	responses := []*models.Response{
		{Provider: models.ProviderOpenAI, Cost: models.MoneyFromFloat(0.01), LatencyMS: 100},
		{Provider: models.ProviderOpenAI, Cost: models.MoneyFromFloat(0.02), LatencyMS: 300},
		{Provider: models.ProviderAnthropic, Cost: models.MoneyFromFloat(0.03), LatencyMS: 250},
	}

	dash := BuildDashboard("audit-1", l3, 12, responses)

	assert.Equal(t, 55.0, dash.OverallScore)
	assert.Equal(t, 12, dash.TotalQueries)
	assert.Equal(t, 3, dash.TotalResponses)
	require.Len(t, dash.PlatformBreakdown, 2)

	// Sorted by provider name: anthropic before openai.
	assert.Equal(t, models.ProviderAnthropic, dash.PlatformBreakdown[0].Provider)
	openai := dash.PlatformBreakdown[1]
	assert.Equal(t, 2, openai.ResponseCount)
	assert.True(t, openai.TotalCost.Equal(models.MoneyFromFloat(0.03)))
	assert.InDelta(t, 200, openai.AvgLatencyMS, 0.001)
}
