package models

import "time"

// CategoryAggregate is the L1 layer: one row per category for an audit.
type CategoryAggregate struct {
	AuditID                string
	Category               QueryCategory
	AvgScores              map[string]float64
	TopThemes              []string
	PriorityRecommendations []string // capped at N (default 3)
	CompetitiveSummary     string
}

// StrategicPriority is one L2 row. 9-15 rows synthesized per audit.
type StrategicPriority struct {
	AuditID        string
	Rank           int
	Title          string
	Rationale      string
	EvidenceRefs   []string
	EstimatedImpact string
	ImpactScore    float64 // primary sort key, desc
	SupportCount   int     // secondary sort key, desc
}

// ExecutiveSummary is the single L3 row for an audit.
type ExecutiveSummary struct {
	AuditID            string
	OverallScore       float64
	Narrative          string
	TopRecommendations []string
	Risks              []string
	CreatedAt          time.Time
}

// PlatformBreakdown summarizes response volume/cost per provider for the
// dashboard snapshot.
type PlatformBreakdown struct {
	Provider       Provider
	ResponseCount  int
	TotalCost      Money
	AvgLatencyMS   float64
}

// DashboardSnapshot is the final, single-row-per-audit materialized view.
type DashboardSnapshot struct {
	AuditID            string
	OverallScore       float64
	TotalQueries       int
	TotalResponses     int
	PlatformBreakdown  []PlatformBreakdown
	TopRecommendations []string
	GeneratedAt        time.Time
}

// ProviderAccounting is process-wide, persisted per-provider cost/breaker
// state.
type ProviderAccounting struct {
	Provider           Provider
	DailyCost          Money
	MonthlyCost        Money
	TotalCost          Money
	LastReset          time.Time
	RequestsToday      int
	CircuitState       string
	ConsecutiveFailures int
	OpenedAt           *time.Time
}
