package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/brandscope/visibility-audit/pkg/auditerr"
	"github.com/brandscope/visibility-audit/pkg/models"
)

// InsertQueries persists the generated query set in one batch.
func (s *Store) InsertQueries(ctx context.Context, queries []models.Query) error {
	batch := &pgx.Batch{}
	for _, q := range queries {
		batch.Queue(`
			INSERT INTO queries (id, audit_id, text, category, intent, priority, difficulty, position_in_audit)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING`,
			q.ID, q.AuditID, q.Text, q.Category, q.Intent, q.Priority, q.Difficulty, q.PositionInAudit)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()
	for range queries {
		if _, err := br.Exec(); err != nil {
			return auditerr.Wrap(auditerr.StorageFailure, "storage: inserting queries", err)
		}
	}
	return nil
}

// ListQueries returns an audit's queries in audit order.
func (s *Store) ListQueries(ctx context.Context, auditID string) ([]models.Query, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, audit_id, text, category, intent, priority, difficulty, position_in_audit
		FROM queries WHERE audit_id = $1 ORDER BY position_in_audit`, auditID)
	if err != nil {
		return nil, auditerr.Wrap(auditerr.StorageFailure, "storage: listing queries", err)
	}
	defer rows.Close()

	var out []models.Query
	for rows.Next() {
		var q models.Query
		if err := rows.Scan(&q.ID, &q.AuditID, &q.Text, &q.Category, &q.Intent, &q.Priority, &q.Difficulty, &q.PositionInAudit); err != nil {
			return nil, auditerr.Wrap(auditerr.StorageFailure, "storage: scanning query", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// InsertResponse persists one LLM response. Idempotent on (query_id,
// provider): a redelivered batch re-inserting the same pair is a no-op, so
// duplicate work after restart is harmless.
func (s *Store) InsertResponse(ctx context.Context, r *models.Response) error {
	citations, _ := json.Marshal(citationsOrEmpty(r.Citations))
	_, err := s.pool.Exec(ctx, `
		INSERT INTO responses (id, query_id, audit_id, provider, model, response_text,
			tokens_in, tokens_out, cost, latency_ms, cached, citations,
			batch_id, batch_number, batch_position, query_text, category)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (query_id, provider) DO NOTHING`,
		r.ID, r.QueryID, r.AuditID, r.Provider, r.Model, r.Text,
		r.TokensIn, r.TokensOut, r.Cost.String(), r.LatencyMS, r.Cached, citations,
		r.BatchID, r.BatchNumber, r.BatchPosition, r.QueryText, r.Category)
	if err != nil {
		return auditerr.Wrap(auditerr.StorageFailure, "storage: inserting response", err)
	}
	return nil
}

// ListResponses returns every response for an audit, metrics included.
func (s *Store) ListResponses(ctx context.Context, auditID string) ([]*models.Response, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, query_id, audit_id, provider, model, response_text,
			tokens_in, tokens_out, cost::text, latency_ms, cached, citations,
			batch_id, batch_number, batch_position, query_text, category, created_at
		FROM responses WHERE audit_id = $1 ORDER BY created_at`, auditID)
	if err != nil {
		return nil, auditerr.Wrap(auditerr.StorageFailure, "storage: listing responses", err)
	}
	defer rows.Close()

	var out []*models.Response
	for rows.Next() {
		var (
			r         models.Response
			cost      string
			citations []byte
		)
		if err := rows.Scan(&r.ID, &r.QueryID, &r.AuditID, &r.Provider, &r.Model, &r.Text,
			&r.TokensIn, &r.TokensOut, &cost, &r.LatencyMS, &r.Cached, &citations,
			&r.BatchID, &r.BatchNumber, &r.BatchPosition, &r.QueryText, &r.Category, &r.CreatedAt); err != nil {
			return nil, auditerr.Wrap(auditerr.StorageFailure, "storage: scanning response", err)
		}
		r.Cost, _ = decimal.NewFromString(cost)
		_ = json.Unmarshal(citations, &r.Citations)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// StoreResult is the success/failure accounting for a metric batch write.
type StoreResult struct {
	SuccessCount int
	ErrorCount   int
	Errors       []error
}

// StoreResponseMetrics writes each response's metrics in its own
// transaction: one failure rolls back that single row and
// the batch continues. The UPDATE covers every metric column in one
// statement and asserts rowcount == 1 — 0 means the parent response row is
// missing (error), more than 1 means a schema violation (abort that row).
func (s *Store) StoreResponseMetrics(ctx context.Context, metrics []*models.ResponseMetrics) StoreResult {
	result := StoreResult{}
	for _, m := range metrics {
		if err := s.storeOneMetric(ctx, m); err != nil {
			result.ErrorCount++
			result.Errors = append(result.Errors, err)
			slog.Warn("storage: response metric write failed",
				"response_id", m.ResponseID, "error", err)
			continue
		}
		result.SuccessCount++
	}
	return result
}

func (s *Store) storeOneMetric(ctx context.Context, m *models.ResponseMetrics) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapRowFailure(m.ResponseID, "starting transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	competitors, _ := json.Marshal(competitorsOrEmpty(m.CompetitorAnalysis))
	features, _ := json.Marshal(orEmpty(m.FeaturesMentioned))
	valueProps, _ := json.Marshal(orEmpty(m.ValueProps))
	additional, _ := json.Marshal(additionalOrEmpty(m.AdditionalMetrics))

	tag, err := tx.Exec(ctx, `
		UPDATE responses SET
			brand_mentioned            = $2,
			mention_count              = $3,
			mention_position           = $4,
			mention_context            = $5,
			first_position_percentage  = $6,
			sentiment                  = $7,
			recommendation_strength    = $8,
			competitor_analysis        = $9,
			features_mentioned         = $10,
			value_props                = $11,
			featured_snippet_potential = $12,
			voice_search_optimized     = $13,
			geo_score                  = $14,
			sov_score                  = $15,
			context_completeness_score = $16,
			context_quality            = $17,
			buyer_journey_category     = $18,
			additional_metrics         = $19,
			metrics_extracted_at       = $20,
			extraction_error           = $21,
			batch_id                   = $22,
			batch_position             = $23,
			query_text                 = $24
		WHERE id = $1`,
		m.ResponseID, m.BrandMentioned, m.MentionCount, m.MentionPosition,
		m.MentionContext, m.FirstPositionPercentage, m.Sentiment,
		m.RecommendationStrength, competitors, features, valueProps,
		m.FeaturedSnippetPotential, m.VoiceSearchOptimized, m.GEOScore,
		m.SOVScore, m.ContextCompletenessScore, m.ContextQuality,
		m.BuyerJourneyCategory, additional, nullableTime(m.MetricsExtractedAt),
		m.ExtractionError, m.BatchID, m.BatchPosition, m.QueryText)
	if err != nil {
		return wrapRowFailure(m.ResponseID, "executing metric update", err)
	}

	switch tag.RowsAffected() {
	case 1:
		// expected
	case 0:
		return wrapRowFailure(m.ResponseID, "parent response row missing", nil)
	default:
		return wrapRowFailure(m.ResponseID, fmt.Sprintf("update matched %d rows", tag.RowsAffected()), nil)
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapRowFailure(m.ResponseID, "committing metric update", err)
	}
	return nil
}

func wrapRowFailure(responseID, msg string, cause error) error {
	e := &auditerr.Error{
		Code:         auditerr.StorageFailure,
		Message:      fmt.Sprintf("storage: %s for response %s", msg, responseID),
		Cause:        cause,
		StorageScope: "row",
	}
	return e
}

// StoreBatchInsights upserts one insight row per extraction type, keyed on
// (audit_id, category, batch_number, extraction_type). Later writes
// overwrite. Insights are capped at 10 per row.
func (s *Store) StoreBatchInsights(ctx context.Context, insights []models.BatchInsight) error {
	batch := &pgx.Batch{}
	for _, ins := range insights {
		capped := ins.Insights
		if len(capped) > 10 {
			capped = capped[:10]
		}
		insightsJSON, _ := json.Marshal(orEmpty(capped))
		responseIDs, _ := json.Marshal(orEmpty(ins.ResponseIDs))
		batch.Queue(`
			INSERT INTO batch_insights (audit_id, category, batch_number, extraction_type, insights, response_ids, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
			ON CONFLICT (audit_id, category, batch_number, extraction_type)
			DO UPDATE SET insights = EXCLUDED.insights, response_ids = EXCLUDED.response_ids, updated_at = now()`,
			ins.AuditID, ins.Category, ins.BatchNumber, ins.ExtractionType, insightsJSON, responseIDs)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()
	for range insights {
		if _, err := br.Exec(); err != nil {
			return &auditerr.Error{
				Code:         auditerr.StorageFailure,
				Message:      "storage: upserting batch insights",
				Cause:        err,
				StorageScope: "phase",
			}
		}
	}
	return nil
}

// ListBatchInsights returns every insight row for an audit in key order.
func (s *Store) ListBatchInsights(ctx context.Context, auditID string) ([]models.BatchInsight, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT audit_id, category, batch_number, extraction_type, insights, response_ids
		FROM batch_insights WHERE audit_id = $1
		ORDER BY category, batch_number, extraction_type`, auditID)
	if err != nil {
		return nil, auditerr.Wrap(auditerr.StorageFailure, "storage: listing batch insights", err)
	}
	defer rows.Close()

	var out []models.BatchInsight
	for rows.Next() {
		var (
			ins                    models.BatchInsight
			insights, responseIDs []byte
		)
		if err := rows.Scan(&ins.AuditID, &ins.Category, &ins.BatchNumber, &ins.ExtractionType, &insights, &responseIDs); err != nil {
			return nil, auditerr.Wrap(auditerr.StorageFailure, "storage: scanning batch insight", err)
		}
		_ = json.Unmarshal(insights, &ins.Insights)
		_ = json.Unmarshal(responseIDs, &ins.ResponseIDs)
		out = append(out, ins)
	}
	return out, rows.Err()
}

// ListResponseMetrics reconstructs the ResponseMetrics rows for an audit,
// used when the orchestrator resumes at an aggregation phase.
func (s *Store) ListResponseMetrics(ctx context.Context, auditID string) ([]*models.ResponseMetrics, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, brand_mentioned, mention_count, mention_position, mention_context,
			first_position_percentage, sentiment, recommendation_strength,
			competitor_analysis, features_mentioned, value_props,
			featured_snippet_potential, voice_search_optimized,
			geo_score, sov_score, context_completeness_score, context_quality,
			buyer_journey_category, additional_metrics, metrics_extracted_at,
			extraction_error, batch_id, batch_position, query_text
		FROM responses WHERE audit_id = $1 ORDER BY created_at`, auditID)
	if err != nil {
		return nil, auditerr.Wrap(auditerr.StorageFailure, "storage: listing response metrics", err)
	}
	defer rows.Close()

	var out []*models.ResponseMetrics
	for rows.Next() {
		var (
			m                               models.ResponseMetrics
			competitors, features, props    []byte
			additional                      []byte
		)
		if err := rows.Scan(&m.ResponseID, &m.BrandMentioned, &m.MentionCount, &m.MentionPosition,
			&m.MentionContext, &m.FirstPositionPercentage, &m.Sentiment, &m.RecommendationStrength,
			&competitors, &features, &props, &m.FeaturedSnippetPotential, &m.VoiceSearchOptimized,
			&m.GEOScore, &m.SOVScore, &m.ContextCompletenessScore, &m.ContextQuality,
			&m.BuyerJourneyCategory, &additional, &m.MetricsExtractedAt,
			&m.ExtractionError, &m.BatchID, &m.BatchPosition, &m.QueryText); err != nil {
			return nil, auditerr.Wrap(auditerr.StorageFailure, "storage: scanning response metrics", err)
		}
		_ = json.Unmarshal(competitors, &m.CompetitorAnalysis)
		_ = json.Unmarshal(features, &m.FeaturesMentioned)
		_ = json.Unmarshal(props, &m.ValueProps)
		_ = json.Unmarshal(additional, &m.AdditionalMetrics)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// VerifyStatus is the outcome bucket of a phase verification.
type VerifyStatus string

// Verification outcomes.
const (
	VerifyComplete VerifyStatus = "complete"
	VerifyPartial  VerifyStatus = "partial"
	VerifyFailed   VerifyStatus = "failed"
)

// VerifyResult carries the verification outcome plus what was missing.
type VerifyResult struct {
	Status  VerifyStatus
	Missing []string
}

// VerifyPhase checks, after analyze, that (a) every response has either
// metrics_extracted_at set or an explicit extraction error, and (b) every
// (category, batch) pair that produced responses has all three insight
// rows. No responses at all is a failure; anything missing but nonzero
// coverage is partial.
func (s *Store) VerifyPhase(ctx context.Context, auditID string) (*VerifyResult, error) {
	var total, unextracted int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*),
			count(*) FILTER (WHERE metrics_extracted_at IS NULL AND extraction_error = '')
		FROM responses WHERE audit_id = $1`, auditID).Scan(&total, &unextracted)
	if err != nil {
		return nil, auditerr.Wrap(auditerr.StorageFailure, "storage: verifying response metrics", err)
	}

	result := &VerifyResult{Status: VerifyComplete}
	if total == 0 {
		result.Status = VerifyFailed
		result.Missing = append(result.Missing, "no responses stored for audit")
		return result, nil
	}
	if unextracted > 0 {
		result.Missing = append(result.Missing,
			fmt.Sprintf("%d response(s) missing metrics_extracted_at", unextracted))
	}

	// Every (category, batch) with responses must have all three insight
	// rows. The LEFT JOIN surfaces the holes directly.
	rows, err := s.pool.Query(ctx, `
		SELECT r.category, r.batch_number, t.extraction_type
		FROM (SELECT DISTINCT category, batch_number FROM responses WHERE audit_id = $1) r
		CROSS JOIN (VALUES ($2), ($3), ($4)) AS t(extraction_type)
		LEFT JOIN batch_insights bi
			ON bi.audit_id = $1 AND bi.category = r.category
			AND bi.batch_number = r.batch_number AND bi.extraction_type = t.extraction_type
		WHERE bi.audit_id IS NULL
		ORDER BY r.category, r.batch_number, t.extraction_type`,
		auditID, models.ExtractionRecommendations, models.ExtractionCompetitiveGaps, models.ExtractionContentOpportunity)
	if err != nil {
		return nil, auditerr.Wrap(auditerr.StorageFailure, "storage: verifying batch insights", err)
	}
	defer rows.Close()

	for rows.Next() {
		var category, extractionType string
		var batchNumber int
		if err := rows.Scan(&category, &batchNumber, &extractionType); err != nil {
			return nil, auditerr.Wrap(auditerr.StorageFailure, "storage: scanning verification gap", err)
		}
		result.Missing = append(result.Missing,
			fmt.Sprintf("missing insight %s/%d/%s", category, batchNumber, extractionType))
	}
	if err := rows.Err(); err != nil {
		return nil, auditerr.Wrap(auditerr.StorageFailure, "storage: reading verification gaps", err)
	}

	if len(result.Missing) > 0 {
		result.Status = VerifyPartial
		// Nothing extracted at all means the analyze phase never ran.
		if unextracted == total {
			result.Status = VerifyFailed
		}
	}
	return result, nil
}

func citationsOrEmpty(c []models.Citation) []models.Citation {
	if c == nil {
		return []models.Citation{}
	}
	return c
}

func competitorsOrEmpty(c []models.Competitor) []models.Competitor {
	if c == nil {
		return []models.Competitor{}
	}
	return c
}

func additionalOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
