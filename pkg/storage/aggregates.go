package storage

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/brandscope/visibility-audit/pkg/auditerr"
	"github.com/brandscope/visibility-audit/pkg/models"
)

// phaseFailure tags an error as a phase-wide StorageFailure, which aborts
// the current phase, unlike row-scoped failures.
func phaseFailure(msg string, cause error) error {
	return &auditerr.Error{
		Code:         auditerr.StorageFailure,
		Message:      msg,
		Cause:        cause,
		StorageScope: "phase",
	}
}

// ReplaceCategoryAggregates replaces every L1 row for an audit in a single
// transaction, making the layer idempotent on audit_id.
func (s *Store) ReplaceCategoryAggregates(ctx context.Context, auditID string, aggregates []models.CategoryAggregate) error {
	return s.replaceRows(ctx, auditID,
		`DELETE FROM category_aggregates WHERE audit_id = $1`,
		func(tx pgx.Tx) error {
			for _, a := range aggregates {
				scores, _ := json.Marshal(a.AvgScores)
				themes, _ := json.Marshal(orEmpty(a.TopThemes))
				recs, _ := json.Marshal(orEmpty(a.PriorityRecommendations))
				if _, err := tx.Exec(ctx, `
					INSERT INTO category_aggregates (audit_id, category, avg_scores, top_themes, priority_recommendations, competitive_summary)
					VALUES ($1, $2, $3, $4, $5, $6)`,
					auditID, a.Category, scores, themes, recs, a.CompetitiveSummary); err != nil {
					return err
				}
			}
			return nil
		}, "storage: replacing category aggregates")
}

// ReplaceStrategicPriorities replaces the L2 rows for an audit in one
// transaction.
func (s *Store) ReplaceStrategicPriorities(ctx context.Context, auditID string, priorities []models.StrategicPriority) error {
	return s.replaceRows(ctx, auditID,
		`DELETE FROM strategic_priorities WHERE audit_id = $1`,
		func(tx pgx.Tx) error {
			for _, p := range priorities {
				refs, _ := json.Marshal(orEmpty(p.EvidenceRefs))
				if _, err := tx.Exec(ctx, `
					INSERT INTO strategic_priorities (audit_id, rank, title, rationale, evidence_refs, estimated_impact, impact_score, support_count)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
					auditID, p.Rank, p.Title, p.Rationale, refs, p.EstimatedImpact, p.ImpactScore, p.SupportCount); err != nil {
					return err
				}
			}
			return nil
		}, "storage: replacing strategic priorities")
}

func (s *Store) replaceRows(ctx context.Context, auditID, deleteSQL string, insert func(pgx.Tx) error, failMsg string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return phaseFailure(failMsg, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, deleteSQL, auditID); err != nil {
		return phaseFailure(failMsg, err)
	}
	if err := insert(tx); err != nil {
		return phaseFailure(failMsg, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return phaseFailure(failMsg, err)
	}
	return nil
}

// UpsertExecutiveSummary writes the single L3 row for an audit.
func (s *Store) UpsertExecutiveSummary(ctx context.Context, summary *models.ExecutiveSummary) error {
	recs, _ := json.Marshal(orEmpty(summary.TopRecommendations))
	risks, _ := json.Marshal(orEmpty(summary.Risks))
	_, err := s.pool.Exec(ctx, `
		INSERT INTO executive_summaries (audit_id, overall_score, narrative, top_recommendations, risks, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (audit_id) DO UPDATE SET
			overall_score = EXCLUDED.overall_score,
			narrative = EXCLUDED.narrative,
			top_recommendations = EXCLUDED.top_recommendations,
			risks = EXCLUDED.risks`,
		summary.AuditID, summary.OverallScore, summary.Narrative, recs, risks, summary.CreatedAt)
	if err != nil {
		return phaseFailure("storage: upserting executive summary", err)
	}
	return nil
}

// GetExecutiveSummary loads the L3 row, or nil if it does not exist yet.
func (s *Store) GetExecutiveSummary(ctx context.Context, auditID string) (*models.ExecutiveSummary, error) {
	var (
		summary     models.ExecutiveSummary
		recs, risks []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT audit_id, overall_score, narrative, top_recommendations, risks, created_at
		FROM executive_summaries WHERE audit_id = $1`, auditID).
		Scan(&summary.AuditID, &summary.OverallScore, &summary.Narrative, &recs, &risks, &summary.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, auditerr.Wrap(auditerr.StorageFailure, "storage: loading executive summary", err)
	}
	_ = json.Unmarshal(recs, &summary.TopRecommendations)
	_ = json.Unmarshal(risks, &summary.Risks)
	return &summary, nil
}

// ListCategoryAggregates loads the L1 rows for an audit in category order.
func (s *Store) ListCategoryAggregates(ctx context.Context, auditID string) ([]models.CategoryAggregate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT audit_id, category, avg_scores, top_themes, priority_recommendations, competitive_summary
		FROM category_aggregates WHERE audit_id = $1 ORDER BY category`, auditID)
	if err != nil {
		return nil, auditerr.Wrap(auditerr.StorageFailure, "storage: listing category aggregates", err)
	}
	defer rows.Close()

	var out []models.CategoryAggregate
	for rows.Next() {
		var (
			a                    models.CategoryAggregate
			scores, themes, recs []byte
		)
		if err := rows.Scan(&a.AuditID, &a.Category, &scores, &themes, &recs, &a.CompetitiveSummary); err != nil {
			return nil, auditerr.Wrap(auditerr.StorageFailure, "storage: scanning category aggregate", err)
		}
		_ = json.Unmarshal(scores, &a.AvgScores)
		_ = json.Unmarshal(themes, &a.TopThemes)
		_ = json.Unmarshal(recs, &a.PriorityRecommendations)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListStrategicPriorities loads the L2 rows for an audit in rank order.
func (s *Store) ListStrategicPriorities(ctx context.Context, auditID string) ([]models.StrategicPriority, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT audit_id, rank, title, rationale, evidence_refs, estimated_impact, impact_score, support_count
		FROM strategic_priorities WHERE audit_id = $1 ORDER BY rank`, auditID)
	if err != nil {
		return nil, auditerr.Wrap(auditerr.StorageFailure, "storage: listing strategic priorities", err)
	}
	defer rows.Close()

	var out []models.StrategicPriority
	for rows.Next() {
		var (
			p    models.StrategicPriority
			refs []byte
		)
		if err := rows.Scan(&p.AuditID, &p.Rank, &p.Title, &p.Rationale, &refs, &p.EstimatedImpact, &p.ImpactScore, &p.SupportCount); err != nil {
			return nil, auditerr.Wrap(auditerr.StorageFailure, "storage: scanning strategic priority", err)
		}
		_ = json.Unmarshal(refs, &p.EvidenceRefs)
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertDashboardSnapshot materializes the final dashboard row, idempotent
// on audit_id.
func (s *Store) UpsertDashboardSnapshot(ctx context.Context, snap *models.DashboardSnapshot) error {
	breakdown, _ := json.Marshal(snap.PlatformBreakdown)
	recs, _ := json.Marshal(orEmpty(snap.TopRecommendations))
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dashboard_snapshots (audit_id, overall_score, total_queries, total_responses, platform_breakdown, top_recommendations, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (audit_id) DO UPDATE SET
			overall_score = EXCLUDED.overall_score,
			total_queries = EXCLUDED.total_queries,
			total_responses = EXCLUDED.total_responses,
			platform_breakdown = EXCLUDED.platform_breakdown,
			top_recommendations = EXCLUDED.top_recommendations,
			generated_at = EXCLUDED.generated_at`,
		snap.AuditID, snap.OverallScore, snap.TotalQueries, snap.TotalResponses, breakdown, recs, snap.GeneratedAt)
	if err != nil {
		return phaseFailure("storage: upserting dashboard snapshot", err)
	}
	return nil
}

// GetDashboardSnapshot loads the dashboard row, or nil if absent.
func (s *Store) GetDashboardSnapshot(ctx context.Context, auditID string) (*models.DashboardSnapshot, error) {
	var (
		snap            models.DashboardSnapshot
		breakdown, recs []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT audit_id, overall_score, total_queries, total_responses, platform_breakdown, top_recommendations, generated_at
		FROM dashboard_snapshots WHERE audit_id = $1`, auditID).
		Scan(&snap.AuditID, &snap.OverallScore, &snap.TotalQueries, &snap.TotalResponses, &breakdown, &recs, &snap.GeneratedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, auditerr.Wrap(auditerr.StorageFailure, "storage: loading dashboard snapshot", err)
	}
	_ = json.Unmarshal(breakdown, &snap.PlatformBreakdown)
	_ = json.Unmarshal(recs, &snap.TopRecommendations)
	return &snap, nil
}
