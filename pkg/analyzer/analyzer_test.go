package analyzer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandscope/visibility-audit/pkg/models"
)

func testProfile() models.CompanyProfile {
	return models.CompanyProfile{
		Brand:       "Acme",
		Domain:      "acme.com",
		Aliases:     []string{"Acme Corp"},
		Competitors: []string{"RivalSoft", "CompetoCorp"},
	}
}

func testResponse(text string) *models.Response {
	return &models.Response{
		ID:        "resp-1",
		Text:      text,
		QueryText: "best logistics software",
		BatchID:   "batch-1",
	}
}

func TestAnalyze_BrandMentionDetected(t *testing.T) {
	a := NewRuleBased()
	m := a.Analyze(testResponse("Acme is a reliable choice. Many teams trust Acme."), testProfile(), false)

	assert.True(t, m.BrandMentioned)
	assert.Equal(t, 2, m.MentionCount)
	require.NotNil(t, m.MentionPosition)
	assert.Equal(t, 0, *m.MentionPosition)
	assert.NotEmpty(t, m.MentionContext)
	assert.NotNil(t, m.MetricsExtractedAt)
}

func TestAnalyze_DomainAndAliasCountAsMentions(t *testing.T) {
	a := NewRuleBased()
	m := a.Analyze(testResponse("See acme.com for details from Acme Corp."), testProfile(), false)
	assert.True(t, m.BrandMentioned)
	assert.GreaterOrEqual(t, m.MentionCount, 2)
}

func TestAnalyze_NoMention(t *testing.T) {
	a := NewRuleBased()
	m := a.Analyze(testResponse("RivalSoft dominates this space."), testProfile(), false)

	assert.False(t, m.BrandMentioned)
	assert.Equal(t, 0, m.MentionCount)
	assert.Nil(t, m.MentionPosition)
	assert.Equal(t, 0.0, m.RecommendationStrength)
}

func TestAnalyze_CompetitorsAlwaysAList(t *testing.T) {
	a := NewRuleBased()
	m := a.Analyze(testResponse("RivalSoft is popular."), testProfile(), false)

	require.NotNil(t, m.CompetitorAnalysis)
	require.Len(t, m.CompetitorAnalysis, 2)

	byName := map[string]models.Competitor{}
	for _, c := range m.CompetitorAnalysis {
		byName[c.Name] = c
	}
	assert.True(t, byName["RivalSoft"].Mentioned)
	require.NotNil(t, byName["RivalSoft"].Position)
	assert.False(t, byName["CompetoCorp"].Mentioned)
	assert.Nil(t, byName["CompetoCorp"].Position)
}

func TestAnalyze_EmptyCompetitorListYieldsEmptySlice(t *testing.T) {
	a := NewRuleBased()
	profile := testProfile()
	profile.Competitors = nil
	m := a.Analyze(testResponse("Acme only."), profile, false)
	require.NotNil(t, m.CompetitorAnalysis)
	assert.Empty(t, m.CompetitorAnalysis)
}

func TestAnalyze_SentimentBounds(t *testing.T) {
	a := NewRuleBased()

	positive := a.Analyze(testResponse("Acme is the best, excellent and trusted."), testProfile(), false)
	assert.Greater(t, positive.Sentiment, 0.0)
	assert.LessOrEqual(t, positive.Sentiment, 1.0)

	negative := a.Analyze(testResponse("Acme is the worst, avoid it, poor support."), testProfile(), false)
	assert.Less(t, negative.Sentiment, 0.0)
	assert.GreaterOrEqual(t, negative.Sentiment, -1.0)

	// Balanced evidence ties to neutral.
	neutral := a.Analyze(testResponse("Acme is the best but expensive."), testProfile(), false)
	assert.Equal(t, 0.0, neutral.Sentiment)
}

func TestAnalyze_ScoresWithinRange(t *testing.T) {
	a := NewRuleBased()
	m := a.Analyze(testResponse(strings.Repeat("Acme is a great and reliable tool. ", 30)), testProfile(), false)

	assert.GreaterOrEqual(t, m.GEOScore, 0.0)
	assert.LessOrEqual(t, m.GEOScore, 100.0)
	assert.GreaterOrEqual(t, m.SOVScore, 0.0)
	assert.LessOrEqual(t, m.SOVScore, 100.0)
	assert.GreaterOrEqual(t, m.ContextCompletenessScore, 0.0)
	assert.LessOrEqual(t, m.ContextCompletenessScore, 100.0)
}

func TestAnalyze_SOVSplitsWithCompetitors(t *testing.T) {
	a := NewRuleBased()
	m := a.Analyze(testResponse("Acme and RivalSoft both compete here."), testProfile(), false)
	// One brand mention, one competitor mention: 50% share of voice.
	assert.InDelta(t, 50, m.SOVScore, 0.001)
}

func TestAnalyze_BuyerJourneyClassification(t *testing.T) {
	a := NewRuleBased()
	cases := map[string]models.BuyerJourneyCategory{
		"What is supply chain management?":         models.CategoryProblemUnaware,
		"Acme versus RivalSoft for shipping":       models.CategoryComparison,
		"Is Acme worth it? Full pricing breakdown": models.CategoryEvaluation,
		"How to use Acme: get started fast":        models.CategoryPostPurchase,
		"Acme corporate overview":                  models.CategoryBrandSpecific,
	}
	for text, want := range cases {
		m := a.Analyze(testResponse(text), testProfile(), false)
		assert.Equal(t, want, m.BuyerJourneyCategory, "text: %s", text)
	}
}

func TestAnalyze_CarriesBatchFields(t *testing.T) {
	a := NewRuleBased()
	resp := testResponse("Acme.")
	resp.BatchPosition = 3
	m := a.Analyze(resp, testProfile(), false)

	assert.Equal(t, "batch-1", m.BatchID)
	assert.Equal(t, 3, m.BatchPosition)
	assert.Equal(t, "best logistics software", m.QueryText)
	assert.NotNil(t, m.AdditionalMetrics)
}

func TestAnalyze_SubdomainMatches(t *testing.T) {
	a := NewRuleBased()
	m := a.Analyze(testResponse("Check docs.acme.com for setup."), testProfile(), true)
	assert.True(t, m.BrandMentioned)
}

func TestDecodeCompetitorAnalysis_ListPassesThrough(t *testing.T) {
	pos := 5
	list := []models.Competitor{{Name: "RivalSoft", Mentioned: true, Position: &pos}}
	out := DecodeCompetitorAnalysis(CompetitorAnalysisVariant{List: list}, "resp-1")
	assert.Equal(t, list, out)
}

func TestDecodeCompetitorAnalysis_NilListBecomesEmpty(t *testing.T) {
	out := DecodeCompetitorAnalysis(CompetitorAnalysisVariant{}, "resp-1")
	require.NotNil(t, out)
	assert.Empty(t, out)
}

func TestDecodeCompetitorAnalysis_LegacyMapCoerced(t *testing.T) {
	variant := CompetitorAnalysisVariant{
		IsLegacy:  true,
		LegacyMap: map[string]bool{"RivalSoft": true, "CompetoCorp": false},
	}
	out := DecodeCompetitorAnalysis(variant, "resp-1")
	require.Len(t, out, 2)
	for _, c := range out {
		assert.Nil(t, c.Position) // legacy shape has no positions
	}
}
