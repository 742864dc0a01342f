package models

import "time"

// Provider identifies an LLM backend. Opaque string, matched against
// ProviderConfig.Name in pkg/config.
type Provider string

// Built-in provider identifiers.
const (
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
	ProviderGoogle     Provider = "google"
	ProviderPerplexity Provider = "perplexity"
	ProviderCohere     Provider = "cohere"
	ProviderMock       Provider = "mock"
)

// Citation is a source the provider cited in its response, where supported
// (Perplexity-style backends).
type Citation struct {
	URL   string
	Title string
}

// Response is one (query, provider) LLM invocation result. Append-only.
type Response struct {
	ID         string
	QueryID    string
	AuditID    string
	Provider   Provider
	Model      string
	Text       string
	TokensIn   int
	TokensOut  int
	Cost       Money
	LatencyMS  int64
	Cached     bool
	Citations  []Citation
	CreatedAt  time.Time

	// BatchID/BatchNumber/BatchPosition identify this response's place
	// within the fan-out batch it was produced in; carried through to
	// ResponseMetrics. BatchNumber is the 1-based batch index within the
	// response's category.
	BatchID       string
	BatchNumber   int
	BatchPosition int
	QueryText     string
	Category      QueryCategory
}

// Competitor describes one competitor's mention within a single response.
// Always a list in the public API, never a map.
type Competitor struct {
	Name      string
	Mentioned bool
	Position  *int
	Context   string
}

// ResponseMetrics is the per-response analysis output attached to a Response.
type ResponseMetrics struct {
	ResponseID string

	BrandMentioned          bool
	MentionCount            int
	MentionPosition         *int // first index, nil if not mentioned
	MentionContext          string
	FirstPositionPercentage float64

	Sentiment             float64 // [-1, 1]
	RecommendationStrength float64

	CompetitorAnalysis []Competitor
	FeaturesMentioned  []string
	ValueProps         []string

	FeaturedSnippetPotential bool
	VoiceSearchOptimized     bool

	GEOScore               float64 // [0, 100]
	SOVScore               float64 // [0, 100]
	ContextCompletenessScore float64 // [0, 100]
	ContextQuality          string

	BuyerJourneyCategory BuyerJourneyCategory

	AdditionalMetrics map[string]any

	MetricsExtractedAt *time.Time
	ExtractionError    string

	BatchID       string
	BatchPosition int
	QueryText     string
}

// ExtractionType enumerates the three kinds of raw-batch insight rows.
type ExtractionType string

// Extraction types.
const (
	ExtractionRecommendations    ExtractionType = "recommendations"
	ExtractionCompetitiveGaps    ExtractionType = "competitive_gaps"
	ExtractionContentOpportunity ExtractionType = "content_opportunities"
)

// AllExtractionTypes lists every extraction type in a stable order.
var AllExtractionTypes = []ExtractionType{
	ExtractionRecommendations, ExtractionCompetitiveGaps, ExtractionContentOpportunity,
}

// BatchInsight is a raw, LLM-derived insight row scoped to one
// (audit, category, batch_number, extraction_type) key. UPSERT semantics:
// later writes overwrite.
type BatchInsight struct {
	AuditID        string
	Category       QueryCategory
	BatchNumber    int
	ExtractionType ExtractionType
	Insights       []string // capped at 10 by the caller
	ResponseIDs    []string
}
