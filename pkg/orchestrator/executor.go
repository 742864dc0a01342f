package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/brandscope/visibility-audit/pkg/aggregate"
	"github.com/brandscope/visibility-audit/pkg/analyzer"
	"github.com/brandscope/visibility-audit/pkg/auditerr"
	"github.com/brandscope/visibility-audit/pkg/config"
	"github.com/brandscope/visibility-audit/pkg/events"
	"github.com/brandscope/visibility-audit/pkg/gateway"
	"github.com/brandscope/visibility-audit/pkg/models"
	"github.com/brandscope/visibility-audit/pkg/querygen"
	"github.com/brandscope/visibility-audit/pkg/storage"
)

// Executor is the default AuditExecutor: the audit phase state machine,
// resumable from any persisted phase.
type Executor struct {
	store      Store
	gateway    Searcher
	generator  querygen.Generator
	analyzer   analyzer.Analyzer
	aggregator *aggregate.Aggregator
	publisher  *events.Publisher
	cfg        *config.QueueConfig

	queriesPerCategory int
	includeSubdomains  bool
	cacheNamespace     string
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithQueriesPerCategory overrides how many queries query_gen produces per
// category (default 4).
func WithQueriesPerCategory(n int) ExecutorOption {
	return func(e *Executor) { e.queriesPerCategory = n }
}

// WithIncludeSubdomains controls subdomain matching in the analyzer.
func WithIncludeSubdomains(v bool) ExecutorOption {
	return func(e *Executor) { e.includeSubdomains = v }
}

// WithCacheNamespace sets the cache namespace passed on gateway calls, so
// fan-out requests and startup warm-up share one fingerprint space.
func WithCacheNamespace(ns string) ExecutorOption {
	return func(e *Executor) { e.cacheNamespace = ns }
}

// NewExecutor wires the executor's collaborators. publisher may be nil
// (event emission disabled, tests).
func NewExecutor(store Store, gw Searcher, generator querygen.Generator, an analyzer.Analyzer, aggregator *aggregate.Aggregator, publisher *events.Publisher, cfg *config.QueueConfig, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:              store,
		gateway:            gw,
		generator:          generator,
		analyzer:           an,
		aggregator:         aggregator,
		publisher:          publisher,
		cfg:                cfg,
		queriesPerCategory: 4,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// phaseFunc runs one phase to completion. A returned error aborts the
// audit; cancellation is checked between phases (the safe suspension
// points).
type phaseFunc func(ctx context.Context, audit *models.Audit) error

// Execute implements AuditExecutor. It resumes at the audit's persisted
// phase: all phase work is idempotent (upsert-keyed storage), so
// re-running a partially completed phase after redelivery is safe.
func (e *Executor) Execute(ctx context.Context, audit *models.Audit) *ExecutionResult {
	log := slog.With("audit_id", audit.ID)

	phases := []struct {
		phase models.AuditPhase
		run   phaseFunc
	}{
		{models.PhaseQueryGen, e.runQueryGen},
		{models.PhaseFanOut, e.runFanOut},
		{models.PhaseAnalyze, e.runAnalyze},
		{models.PhaseAggregateL1, e.runAggregateL1},
		{models.PhaseAggregateL2, e.runAggregateL2},
		{models.PhaseAggregateL3, e.runAggregateL3},
		{models.PhaseDashboard, e.runDashboard},
	}

	start := models.PhaseIndex(audit.Phase)
	if start < 0 {
		start = 0
	}

	for i := start; i < len(phases); i++ {
		step := phases[i]
		if err := ctx.Err(); err != nil {
			return &ExecutionResult{Status: models.AuditStatusCancelled, Err: auditerr.Wrap(auditerr.Cancelled, "orchestrator: cancelled before phase "+string(step.phase), err)}
		}

		if err := e.store.SetAuditPhase(ctx, audit.ID, step.phase); err != nil {
			return &ExecutionResult{Status: models.AuditStatusFailed, Err: err}
		}
		audit.Phase = step.phase

		log.Info("Phase starting", "phase", step.phase)
		if err := step.run(ctx, audit); err != nil {
			if auditerr.Is(err, auditerr.Cancelled) || ctx.Err() != nil {
				return &ExecutionResult{Status: models.AuditStatusCancelled, Err: err}
			}
			return &ExecutionResult{Status: models.AuditStatusFailed, Err: err}
		}
		log.Info("Phase complete", "phase", step.phase)
		if e.publisher != nil {
			e.publisher.PublishStageComplete(ctx, audit.ID, step.phase)
		}
	}

	if err := e.store.SetAuditPhase(ctx, audit.ID, models.PhaseVerify); err != nil {
		return &ExecutionResult{Status: models.AuditStatusFailed, Err: err}
	}
	return e.runVerify(ctx, audit)
}

// runQueryGen invokes the Query Generator and persists the query set. On
// resume, queries already in storage are reused instead of regenerated so
// the audit keeps one stable query set across redeliveries.
func (e *Executor) runQueryGen(ctx context.Context, audit *models.Audit) error {
	existing, err := e.store.ListQueries(ctx, audit.ID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	queries, err := e.generator.Generate(ctx, audit.ID, audit.Profile, e.queriesPerCategory)
	if err != nil {
		return err
	}
	if len(queries) == 0 {
		return auditerr.New(auditerr.NoQueries, "orchestrator: query generator produced no queries")
	}

	if err := e.store.InsertQueries(ctx, queries); err != nil {
		return err
	}
	return e.store.SetTotalQueries(ctx, audit.ID, len(queries))
}

// queryBatch is one unit of fan-out work: a category's slice of queries.
type queryBatch struct {
	category models.QueryCategory
	number   int // 1-based within the category
	queries  []models.Query
}

// batchQueries groups an audit's queries by category and splits each
// category into at most batchesPerCategory batches of
// ceil(n/batchesPerCategory) queries (the last batch may be smaller).
func batchQueries(queries []models.Query, batchesPerCategory int) []queryBatch {
	if batchesPerCategory <= 0 {
		batchesPerCategory = 4
	}

	byCategory := make(map[models.QueryCategory][]models.Query)
	for _, q := range queries {
		byCategory[q.Category] = append(byCategory[q.Category], q)
	}

	var out []queryBatch
	for _, category := range models.Categories {
		qs := byCategory[category]
		if len(qs) == 0 {
			continue
		}
		size := (len(qs) + batchesPerCategory - 1) / batchesPerCategory
		number := 1
		for start := 0; start < len(qs); start += size {
			end := start + size
			if end > len(qs) {
				end = len(qs)
			}
			out = append(out, queryBatch{category: category, number: number, queries: qs[start:end]})
			number++
		}
	}
	return out
}

// runFanOut dispatches every batch across the audit's provider set via the
// gateway, persisting responses as they complete. One response per
// (query, provider); InsertResponse's conflict key makes redelivered work
// harmless.
func (e *Executor) runFanOut(ctx context.Context, audit *models.Audit) error {
	queries, err := e.store.ListQueries(ctx, audit.ID)
	if err != nil {
		return err
	}
	if len(queries) == 0 {
		return auditerr.New(auditerr.NoQueries, "orchestrator: no queries persisted for fan_out")
	}

	// On resume, skip (query, provider) pairs that already have responses.
	answered := make(map[string]map[models.Provider]bool)
	existing, err := e.store.ListResponses(ctx, audit.ID)
	if err != nil {
		return err
	}
	for _, r := range existing {
		if answered[r.QueryID] == nil {
			answered[r.QueryID] = make(map[models.Provider]bool)
		}
		answered[r.QueryID][r.Provider] = true
	}

	providerSet := make([]models.Provider, 0, len(audit.ProviderPriority))
	for _, p := range audit.ProviderPriority {
		providerSet = append(providerSet, models.Provider(p))
	}

	batches := batchQueries(queries, e.cfg.BatchesPerCategory)
	total := len(queries)
	completed := len(existing) // coarse resume progress

	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return auditerr.Wrap(auditerr.Cancelled, "orchestrator: cancelled at batch boundary", err)
		}
		batchID := fmt.Sprintf("%s-%s-%d", audit.ID, batch.category, batch.number)

		if len(providerSet) == 0 {
			// No pinned provider set: one gateway pass with failover.
			if err := e.dispatchBatch(ctx, audit, batch, batchID, "", answered, total, &completed); err != nil {
				return err
			}
		} else {
			for _, provider := range providerSet {
				if err := e.dispatchBatch(ctx, audit, batch, batchID, provider, answered, total, &completed); err != nil {
					return err
				}
			}
		}

		if err := e.store.IncrementQueriesCompleted(ctx, audit.ID, len(batch.queries)); err != nil {
			return err
		}
	}
	return nil
}

// dispatchBatch runs one batch against one provider (or the failover chain
// when provider is empty) and persists the resulting responses.
func (e *Executor) dispatchBatch(ctx context.Context, audit *models.Audit, batch queryBatch, batchID string, provider models.Provider, answered map[string]map[models.Provider]bool, total int, completed *int) error {
	var pending []models.Query
	for _, q := range batch.queries {
		if provider != "" && answered[q.ID][provider] {
			continue
		}
		pending = append(pending, q)
	}
	if len(pending) == 0 {
		return nil
	}

	prompts := make([]string, len(pending))
	for i, q := range pending {
		prompts[i] = q.Text
	}

	opts := gateway.Options{
		PinnedProvider: provider,
		Concurrency:    audit.Concurrency,
		Namespace:      e.cacheNamespace,
		OnProgress: func(p gateway.Progress) {
			if e.publisher == nil {
				return
			}
			denominator := total
			if denominator < 1 {
				denominator = 1
			}
			pct := float64(*completed+p.Completed) / float64(denominator) * 100
			if pct > 100 {
				pct = 100
			}
			e.publisher.PublishProgress(ctx, audit.ID, models.PhaseFanOut, pct, p.CostSoFar)
		},
	}

	results, summary := e.gateway.BatchSearch(ctx, prompts, opts)
	for i, res := range results {
		if res.Err != nil {
			slog.Warn("orchestrator: batch query failed",
				"audit_id", audit.ID, "provider", provider, "query", res.Query, "error", res.Err)
			continue
		}
		q := pending[i]
		resp := res.Response
		resp.ID = uuid.NewString()
		resp.QueryID = q.ID
		resp.AuditID = audit.ID
		resp.Category = q.Category
		resp.BatchID = batchID
		resp.BatchNumber = batch.number
		resp.BatchPosition = i
		if err := e.store.InsertResponse(ctx, resp); err != nil {
			slog.Warn("orchestrator: persisting response failed",
				"audit_id", audit.ID, "query_id", q.ID, "error", err)
		}
	}
	*completed += summary.Successful
	return nil
}

// runAnalyze iterates stored responses batch by batch, extracting metrics
// and writing them via the per-row-isolated storage call, then derives the
// three insight rows per batch. Row-level failures are logged and the
// batch continues.
func (e *Executor) runAnalyze(ctx context.Context, audit *models.Audit) error {
	responses, err := e.store.ListResponses(ctx, audit.ID)
	if err != nil {
		return err
	}

	// Resume support: metric rows already extracted are not re-analyzed.
	extracted := make(map[string]bool)
	priorMetrics, err := e.store.ListResponseMetrics(ctx, audit.ID)
	if err != nil {
		return err
	}
	metricsByID := make(map[string]*models.ResponseMetrics, len(priorMetrics))
	for _, m := range priorMetrics {
		metricsByID[m.ResponseID] = m
		if m.MetricsExtractedAt != nil {
			extracted[m.ResponseID] = true
		}
	}

	type batchKey struct {
		category models.QueryCategory
		number   int
	}
	grouped := make(map[batchKey][]*models.Response)
	var keys []batchKey
	for _, r := range responses {
		k := batchKey{category: r.Category, number: r.BatchNumber}
		if _, ok := grouped[k]; !ok {
			keys = append(keys, k)
		}
		grouped[k] = append(grouped[k], r)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].category != keys[j].category {
			return keys[i].category < keys[j].category
		}
		return keys[i].number < keys[j].number
	})

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return auditerr.Wrap(auditerr.Cancelled, "orchestrator: cancelled at analyze batch boundary", err)
		}
		group := grouped[k]

		var fresh []*models.ResponseMetrics
		batchMetrics := make([]*models.ResponseMetrics, 0, len(group))
		var responseIDs []string
		for _, r := range group {
			responseIDs = append(responseIDs, r.ID)
			if extracted[r.ID] {
				batchMetrics = append(batchMetrics, metricsByID[r.ID])
				continue
			}
			m := e.analyzer.Analyze(r, audit.Profile, e.includeSubdomains)
			fresh = append(fresh, m)
			batchMetrics = append(batchMetrics, m)
		}

		if len(fresh) > 0 {
			result := e.store.StoreResponseMetrics(ctx, fresh)
			if result.ErrorCount > 0 {
				slog.Warn("orchestrator: metric rows failed in batch",
					"audit_id", audit.ID, "category", k.category, "batch", k.number,
					"errors", result.ErrorCount, "stored", result.SuccessCount)
			}
		}

		insights := deriveBatchInsights(audit, k.category, k.number, batchMetrics, responseIDs)
		if err := e.store.StoreBatchInsights(ctx, insights); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) runAggregateL1(ctx context.Context, audit *models.Audit) error {
	metrics, err := e.store.ListResponseMetrics(ctx, audit.ID)
	if err != nil {
		return err
	}
	insights, err := e.store.ListBatchInsights(ctx, audit.ID)
	if err != nil {
		return err
	}
	l1s := e.aggregator.ComputeL1(audit.ID, metrics, insights)
	return e.store.ReplaceCategoryAggregates(ctx, audit.ID, l1s)
}

func (e *Executor) runAggregateL2(ctx context.Context, audit *models.Audit) error {
	l1s, err := e.store.ListCategoryAggregates(ctx, audit.ID)
	if err != nil {
		return err
	}
	insights, err := e.store.ListBatchInsights(ctx, audit.ID)
	if err != nil {
		return err
	}
	l2s := e.aggregator.ComputeL2(audit.ID, l1s, insights)
	return e.store.ReplaceStrategicPriorities(ctx, audit.ID, l2s)
}

func (e *Executor) runAggregateL3(ctx context.Context, audit *models.Audit) error {
	l1s, err := e.store.ListCategoryAggregates(ctx, audit.ID)
	if err != nil {
		return err
	}
	l2s, err := e.store.ListStrategicPriorities(ctx, audit.ID)
	if err != nil {
		return err
	}
	l3, err := e.aggregator.ComputeL3(ctx, audit.ID, audit.Profile, l1s, l2s)
	if err != nil {
		return err
	}
	return e.store.UpsertExecutiveSummary(ctx, l3)
}

func (e *Executor) runDashboard(ctx context.Context, audit *models.Audit) error {
	l3, err := e.store.GetExecutiveSummary(ctx, audit.ID)
	if err != nil {
		return err
	}
	if l3 == nil {
		return auditerr.New(auditerr.StorageFailure, "orchestrator: executive summary missing before dashboard")
	}
	responses, err := e.store.ListResponses(ctx, audit.ID)
	if err != nil {
		return err
	}
	current, err := e.store.GetAudit(ctx, audit.ID)
	if err != nil {
		return err
	}
	dash := aggregate.BuildDashboard(audit.ID, l3, current.TotalQueries, responses)
	return e.store.UpsertDashboardSnapshot(ctx, dash)
}

// runVerify drives the terminal decision from the verification result:
// complete ⇒ completed; partial ⇒ completed with a visible warning (the
// recorded open-question policy); failed ⇒ failed(VerificationFailed).
func (e *Executor) runVerify(ctx context.Context, audit *models.Audit) *ExecutionResult {
	v, err := e.store.VerifyPhase(ctx, audit.ID)
	if err != nil {
		return &ExecutionResult{Status: models.AuditStatusFailed, Err: err}
	}

	switch v.Status {
	case storage.VerifyComplete:
		return &ExecutionResult{Status: models.AuditStatusCompleted}
	case storage.VerifyPartial:
		warning := fmt.Sprintf("verification partial: %d item(s) missing", len(v.Missing))
		slog.Warn("orchestrator: verification returned partial",
			"audit_id", audit.ID, "missing", v.Missing)
		return &ExecutionResult{Status: models.AuditStatusCompleted, Warning: warning}
	default:
		return &ExecutionResult{
			Status: models.AuditStatusFailed,
			Err:    auditerr.New(auditerr.VerificationFailed, fmt.Sprintf("verification failed: %v", v.Missing)),
		}
	}
}

// deriveBatchInsights produces the three insight rows for a completed
// batch from its extracted metrics. Rule-backed, like the analyzer; an
// LLM-backed extractor can replace this behind the same storage shape.
func deriveBatchInsights(audit *models.Audit, category models.QueryCategory, batchNumber int, metrics []*models.ResponseMetrics, responseIDs []string) []models.BatchInsight {
	var recommendations, gaps, opportunities []string
	seen := make(map[string]bool)
	add := func(list *[]string, s string) {
		if s == "" || seen[s] || len(*list) >= 10 {
			return
		}
		seen[s] = true
		*list = append(*list, s)
	}

	for _, m := range metrics {
		if m.MetricsExtractedAt == nil {
			continue
		}
		if !m.BrandMentioned {
			add(&recommendations, fmt.Sprintf("Increase %s presence for %q", audit.Profile.Brand, m.QueryText))
		} else if m.RecommendationStrength < 0.5 {
			add(&recommendations, fmt.Sprintf("Strengthen recommendation signals for %q", m.QueryText))
		}
		for _, c := range m.CompetitorAnalysis {
			if c.Mentioned && !m.BrandMentioned {
				add(&gaps, fmt.Sprintf("%s cited where %s is absent (%q)", c.Name, audit.Profile.Brand, m.QueryText))
			}
		}
		if m.FeaturedSnippetPotential {
			add(&opportunities, fmt.Sprintf("Structure content for snippet capture on %q", m.QueryText))
		}
		if m.VoiceSearchOptimized {
			add(&opportunities, fmt.Sprintf("Target voice-search phrasing for %q", m.QueryText))
		}
	}

	mk := func(t models.ExtractionType, insights []string) models.BatchInsight {
		if insights == nil {
			insights = []string{}
		}
		return models.BatchInsight{
			AuditID:        audit.ID,
			Category:       category,
			BatchNumber:    batchNumber,
			ExtractionType: t,
			Insights:       insights,
			ResponseIDs:    responseIDs,
		}
	}
	return []models.BatchInsight{
		mk(models.ExtractionRecommendations, recommendations),
		mk(models.ExtractionCompetitiveGaps, gaps),
		mk(models.ExtractionContentOpportunity, opportunities),
	}
}
