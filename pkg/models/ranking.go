package models

import "time"

// QueryType classifies a GeneratedQuery for the Ranking Analyzer. Distinct
// from QueryCategory (the LLM-audit buyer-journey bucket) — the ranking
// subsystem is an independent module and uses SERP-style
// intent types.
type QueryType string

// Fixed ranking query types.
const (
	QueryTypeInformational QueryType = "informational"
	QueryTypeNavigational  QueryType = "navigational"
	QueryTypeTransactional QueryType = "transactional"
	QueryTypeCommercial    QueryType = "commercial"
)

// GeneratedQuery is one ranking-analysis input query.
type GeneratedQuery struct {
	Query               string
	Type                QueryType
	Intent              string
	Difficulty          float64 // 0-10
	Priority            QueryPriority
	MonthlySearchVolume int
	AIRelevance         float64 // 0-10
}

// SearchResult is a single organic (or ad) result row in a SERP.
type SearchResult struct {
	Position int
	URL      string
	Title    string
	Snippet  string
	Domain   string
	IsAd     bool
}

// SERPFeatures are the structured page elements present on a results page.
type SERPFeatures struct {
	HasFeaturedSnippet    bool
	HasKnowledgePanel     bool
	HasPeopleAlsoAsk      bool
	HasVideoResults       bool
	TotalOrganicResults   int
	FeaturedSnippetHolder string // domain owning the snippet, if any
}

// SearchResults is the full SERP payload for one query.
type SearchResults struct {
	Query       string
	Results     []SearchResult
	Features    SERPFeatures
	TotalResults int
	SearchTime  time.Duration
	Cost        Money
	Provider    Provider
	Cached      bool
	Timestamp   time.Time
}

// Ranking is the per-query ranking outcome for the configured target domain.
type Ranking struct {
	Query        string
	Position     int  // first (lowest) position of target domain, 0 if unranked
	MultipleURLs []RankedURL
	IsHomepage   bool
}

// RankedURL is one matched target-domain URL and its SERP position.
type RankedURL struct {
	URL      string
	Position int
}

// CompetitorPosition is a competitor's first-result position for one query.
type CompetitorPosition struct {
	Competitor string
	Query      string
	Position   int // 0 if the competitor did not rank
}

// VisibilityScore is the derived AI-citation-likelihood metric for a query.
type VisibilityScore struct {
	Query                string
	AICitationLikelihood float64 // [0, 100]
	FeaturedSnippetIsOurs bool
}

// ContentGap is a query where the target does not rank but competitors do.
type ContentGap struct {
	Query           string
	CompetitorCount int
	OpportunityScore float64
}

// QueryTypeBreakdown aggregates ranking performance by QueryType.
type QueryTypeBreakdown struct {
	Type           QueryType
	AveragePosition float64
	RankingRate    float64 // fraction of queries of this type where target ranked
}

// LowHangingFruit is a query where the target ranks 11-20.
type LowHangingFruit struct {
	Query           string
	Position        int
	Recommendations []string
}

// FeaturedSnippetOpportunity is a query where a competitor holds the
// snippet and the target ranks close enough to contest it.
type FeaturedSnippetOpportunity struct {
	Query               string
	TargetPosition      int
	CurrentSnippetHolder string
}

// RankingReport is the full output of one ranking analysis run.
type RankingReport struct {
	TargetDomain              string
	Competitors               []string
	TotalQueries              int
	Rankings                  []Ranking
	CompetitorPositions       []CompetitorPosition
	SERPFeaturesByQuery       map[string]SERPFeatures
	VisibilityScores          []VisibilityScore
	ContentGaps               []ContentGap
	ByQueryType               []QueryTypeBreakdown
	LowHangingFruit           []LowHangingFruit
	FeaturedSnippetOpportunities []FeaturedSnippetOpportunity
	Summary                   RankingSummary
}

// RankingSummary holds the scalar roll-up figures for a RankingReport.
type RankingSummary struct {
	AveragePosition  float64
	HomepageRankings int
}

// RankingSnapshot is a persisted ranking dataset for later delta comparison.
type RankingSnapshot struct {
	ID           string
	TargetDomain string
	TakenAt      time.Time
	Rankings     []Ranking
}

// ImpactLevel buckets the magnitude of a ranking change.
type ImpactLevel string

// Impact levels.
const (
	ImpactLow    ImpactLevel = "low"
	ImpactMedium ImpactLevel = "medium"
	ImpactHigh   ImpactLevel = "high"
)

// RankingChange is one query's position delta between two snapshots.
type RankingChange struct {
	Query    string
	OldPos   int
	NewPos   int
	Delta    int // NewPos - OldPos; negative = improvement
	Impact   ImpactLevel
}

// SnapshotComparison is the result of comparing a new ranking set against a
// persisted snapshot.
type SnapshotComparison struct {
	Improved int
	Declined int
	Stable   int
	Changes  []RankingChange
}
