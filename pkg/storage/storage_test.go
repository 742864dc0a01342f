package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/brandscope/visibility-audit/pkg/models"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// setupStore starts a shared Postgres testcontainer once per package,
// applies migrations, and returns a Store scoped to this test. Tests share
// one database; each uses its own audit IDs for isolation.
func setupStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping storage integration test in -short mode")
	}

	ctx := context.Background()

	containerOnce.Do(func() {
		container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("audit_test"),
			tcpostgres.WithUsername("audit"),
			tcpostgres.WithPassword("audit"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).WithStartupTimeout(60*time.Second)),
		)
		if err != nil {
			containerErr = err
			return
		}
		sharedConnStr, containerErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, containerErr)

	require.NoError(t, runMigrationsFromDSN(sharedConnStr))

	pool, err := pgxpool.New(ctx, sharedConnStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return NewFromPool(pool)
}

// runMigrationsFromDSN applies embedded migrations against a raw DSN; a
// second call is a no-op thanks to golang-migrate's version tracking.
func runMigrationsFromDSN(dsn string) error {
	return runMigrations(dsn, "audit_test")
}

func seedAudit(t *testing.T, s *Store) *models.Audit {
	t.Helper()
	a := &models.Audit{
		ID:         uuid.NewString(),
		CompanyRef: "company-" + uuid.NewString()[:8],
		Profile: models.CompanyProfile{
			Brand:       "Acme",
			Domain:      "acme.com",
			Competitors: []string{"rival.com"},
		},
	}
	require.NoError(t, s.CreateAudit(context.Background(), a))
	return a
}

func seedResponse(t *testing.T, s *Store, auditID string, category models.QueryCategory, batchNumber int) *models.Response {
	t.Helper()
	r := &models.Response{
		ID:          uuid.NewString(),
		QueryID:     uuid.NewString(),
		AuditID:     auditID,
		Provider:    models.ProviderMock,
		Model:       "mock-1",
		Text:        "Acme is a great tool.",
		TokensIn:    10,
		TokensOut:   20,
		Cost:        models.MoneyFromFloat(0.005),
		Category:    category,
		BatchID:     fmt.Sprintf("%s-%d", category, batchNumber),
		BatchNumber: batchNumber,
	}
	require.NoError(t, s.InsertResponse(context.Background(), r))
	return r
}

func extractedMetrics(responseID string) *models.ResponseMetrics {
	now := time.Now()
	return &models.ResponseMetrics{
		ResponseID:               responseID,
		BrandMentioned:           true,
		MentionCount:             2,
		Sentiment:                0.4,
		CompetitorAnalysis:       []models.Competitor{{Name: "rival.com", Mentioned: false}},
		GEOScore:                 55,
		SOVScore:                 70,
		ContextCompletenessScore: 60,
		BuyerJourneyCategory:     models.CategoryBrandSpecific,
		MetricsExtractedAt:       &now,
	}
}

func TestAuditLifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	a := seedAudit(t, s)

	loaded, err := s.GetAudit(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditStatusPending, loaded.Status)
	assert.Equal(t, models.PhaseQueryGen, loaded.Phase)
	assert.Equal(t, "Acme", loaded.Profile.Brand)

	claimed, err := s.ClaimNextAudit(ctx, "pod-1")
	require.NoError(t, err)
	assert.Equal(t, models.AuditStatusRunning, claimed.Status)

	require.NoError(t, s.SetTotalQueries(ctx, a.ID, 24))
	require.NoError(t, s.IncrementQueriesCompleted(ctx, a.ID, 10))
	require.NoError(t, s.IncrementQueriesCompleted(ctx, a.ID, 100)) // clamped

	loaded, err = s.GetAudit(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 24, loaded.QueriesCompleted) // never exceeds total

	require.NoError(t, s.MarkAuditTerminal(ctx, a.ID, models.AuditStatusCompleted, "", ""))
	// Terminal states never regress.
	err = s.MarkAuditTerminal(ctx, a.ID, models.AuditStatusFailed, "late failure", "")
	require.Error(t, err)

	loaded, err = s.GetAudit(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditStatusCompleted, loaded.Status)
}

func TestClaimNextAudit_EmptyQueue(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	// Drain anything other tests left pending.
	for {
		_, err := s.ClaimNextAudit(ctx, "drain-pod")
		if err != nil {
			require.ErrorIs(t, err, ErrNoAuditsAvailable)
			break
		}
	}
}

func TestStoreResponseMetrics_PerRowIsolation(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	a := seedAudit(t, s)
	r1 := seedResponse(t, s, a.ID, models.CategoryBrandSpecific, 1)
	r2 := seedResponse(t, s, a.ID, models.CategoryBrandSpecific, 1)

	good1 := extractedMetrics(r1.ID)
	missingParent := extractedMetrics(uuid.NewString()) // no such response row
	good2 := extractedMetrics(r2.ID)

	result := s.StoreResponseMetrics(ctx, []*models.ResponseMetrics{good1, missingParent, good2})
	assert.Equal(t, 2, result.SuccessCount)
	assert.Equal(t, 1, result.ErrorCount)

	// The failure did not poison the rows around it.
	stored, err := s.ListResponseMetrics(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for _, m := range stored {
		assert.NotNil(t, m.MetricsExtractedAt)
		assert.True(t, m.BrandMentioned)
	}
}

func TestStoreResponseMetrics_Idempotent(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	a := seedAudit(t, s)
	r := seedResponse(t, s, a.ID, models.CategoryComparison, 2)

	m := extractedMetrics(r.ID)
	first := s.StoreResponseMetrics(ctx, []*models.ResponseMetrics{m})
	second := s.StoreResponseMetrics(ctx, []*models.ResponseMetrics{m})
	assert.Equal(t, 1, first.SuccessCount)
	assert.Equal(t, 1, second.SuccessCount)

	stored, err := s.ListResponseMetrics(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 2, stored[0].MentionCount)
}

func TestInsertResponse_IdempotentOnQueryProvider(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	a := seedAudit(t, s)
	r := seedResponse(t, s, a.ID, models.CategoryEvaluation, 1)

	dup := *r
	dup.ID = uuid.NewString()
	require.NoError(t, s.InsertResponse(ctx, &dup))

	responses, err := s.ListResponses(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, responses, 1)
}

func TestBatchInsights_UpsertAndVerify(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	a := seedAudit(t, s)
	r := seedResponse(t, s, a.ID, models.CategoryComparison, 1)

	result := s.StoreResponseMetrics(ctx, []*models.ResponseMetrics{extractedMetrics(r.ID)})
	require.Equal(t, 1, result.SuccessCount)

	// Only one of three extraction types written: verification is partial.
	require.NoError(t, s.StoreBatchInsights(ctx, []models.BatchInsight{{
		AuditID: a.ID, Category: models.CategoryComparison, BatchNumber: 1,
		ExtractionType: models.ExtractionRecommendations,
		Insights:       []string{"Do the thing"}, ResponseIDs: []string{r.ID},
	}}))

	v, err := s.VerifyPhase(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, VerifyPartial, v.Status)
	assert.Len(t, v.Missing, 2)

	// Completing the triple flips verification to complete.
	var remaining []models.BatchInsight
	for _, et := range []models.ExtractionType{models.ExtractionCompetitiveGaps, models.ExtractionContentOpportunity} {
		remaining = append(remaining, models.BatchInsight{
			AuditID: a.ID, Category: models.CategoryComparison, BatchNumber: 1,
			ExtractionType: et, Insights: []string{"x"}, ResponseIDs: []string{r.ID},
		})
	}
	require.NoError(t, s.StoreBatchInsights(ctx, remaining))

	v, err = s.VerifyPhase(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, VerifyComplete, v.Status)
	assert.Empty(t, v.Missing)

	// Upsert overwrites on the same key.
	require.NoError(t, s.StoreBatchInsights(ctx, []models.BatchInsight{{
		AuditID: a.ID, Category: models.CategoryComparison, BatchNumber: 1,
		ExtractionType: models.ExtractionRecommendations,
		Insights:       []string{"Do the new thing"},
	}}))
	insights, err := s.ListBatchInsights(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, insights, 3)
	for _, ins := range insights {
		if ins.ExtractionType == models.ExtractionRecommendations {
			assert.Equal(t, []string{"Do the new thing"}, ins.Insights)
		}
	}
}

func TestVerifyPhase_NoResponsesFails(t *testing.T) {
	s := setupStore(t)
	a := seedAudit(t, s)
	v, err := s.VerifyPhase(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, VerifyFailed, v.Status)
}

func TestAggregateLayers_ReplaceIsIdempotent(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	a := seedAudit(t, s)

	l1 := []models.CategoryAggregate{{
		AuditID:  a.ID,
		Category: models.CategoryComparison,
		AvgScores: map[string]float64{
			"geo": 50,
		},
		TopThemes: []string{"reliable"},
	}}
	require.NoError(t, s.ReplaceCategoryAggregates(ctx, a.ID, l1))
	require.NoError(t, s.ReplaceCategoryAggregates(ctx, a.ID, l1))

	stored, err := s.ListCategoryAggregates(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 50.0, stored[0].AvgScores["geo"])

	l2 := []models.StrategicPriority{
		{AuditID: a.ID, Rank: 1, Title: "First", ImpactScore: 90, SupportCount: 3},
		{AuditID: a.ID, Rank: 2, Title: "Second", ImpactScore: 50, SupportCount: 1},
	}
	require.NoError(t, s.ReplaceStrategicPriorities(ctx, a.ID, l2))
	require.NoError(t, s.ReplaceStrategicPriorities(ctx, a.ID, l2))

	priorities, err := s.ListStrategicPriorities(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, priorities, 2)
	assert.Equal(t, "First", priorities[0].Title)

	l3 := &models.ExecutiveSummary{
		AuditID:            a.ID,
		OverallScore:       61.5,
		Narrative:          "narrative",
		TopRecommendations: []string{"First"},
		CreatedAt:          time.Now(),
	}
	require.NoError(t, s.UpsertExecutiveSummary(ctx, l3))
	l3.OverallScore = 62
	require.NoError(t, s.UpsertExecutiveSummary(ctx, l3))

	summary, err := s.GetExecutiveSummary(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 62.0, summary.OverallScore)

	dash := &models.DashboardSnapshot{
		AuditID:      a.ID,
		OverallScore: 62,
		TotalQueries: 24,
		GeneratedAt:  time.Now(),
	}
	require.NoError(t, s.UpsertDashboardSnapshot(ctx, dash))
	require.NoError(t, s.UpsertDashboardSnapshot(ctx, dash))

	storedDash, err := s.GetDashboardSnapshot(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 24, storedDash.TotalQueries)
}

func TestProviderAccountingRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	missing, err := s.LoadAccounting(ctx, models.Provider("nonexistent-provider"))
	require.NoError(t, err)
	assert.Nil(t, missing)

	acc := &models.ProviderAccounting{
		Provider:      models.ProviderOpenAI,
		DailyCost:     models.MoneyFromFloat(1.2345),
		MonthlyCost:   models.MoneyFromFloat(10.5),
		TotalCost:     models.MoneyFromFloat(99.9999),
		LastReset:     time.Now().Truncate(time.Second),
		RequestsToday: 7,
	}
	require.NoError(t, s.SaveAccounting(ctx, acc))

	loaded, err := s.LoadAccounting(ctx, models.ProviderOpenAI)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, loaded.DailyCost.Equal(acc.DailyCost))
	assert.True(t, loaded.TotalCost.Equal(acc.TotalCost))
	assert.Equal(t, 7, loaded.RequestsToday)
}

func TestRankingSnapshotRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	snap := &models.RankingSnapshot{
		ID:           uuid.NewString(),
		TargetDomain: "acme.com",
		TakenAt:      time.Now(),
		Rankings: []models.Ranking{
			{Query: "best tools", Position: 3, MultipleURLs: []models.RankedURL{{URL: "https://acme.com/tools", Position: 3}}},
		},
	}
	require.NoError(t, s.SaveRankingSnapshot(ctx, snap))

	loaded, err := s.LoadRankingSnapshot(ctx, snap.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "acme.com", loaded.TargetDomain)
	require.Len(t, loaded.Rankings, 1)
	assert.Equal(t, 3, loaded.Rankings[0].Position)
}

func TestQueriesRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	a := seedAudit(t, s)

	queries := []models.Query{
		{ID: uuid.NewString(), AuditID: a.ID, Text: "q1", Category: models.CategoryComparison, Priority: models.PriorityHigh, PositionInAudit: 0},
		{ID: uuid.NewString(), AuditID: a.ID, Text: "q2", Category: models.CategoryEvaluation, Priority: models.PriorityLow, PositionInAudit: 1},
	}
	require.NoError(t, s.InsertQueries(ctx, queries))
	require.NoError(t, s.InsertQueries(ctx, queries)) // idempotent

	stored, err := s.ListQueries(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "q1", stored[0].Text)
}

func TestOrphanRecovery(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	a := seedAudit(t, s)

	// Earlier tests may have left pending audits; claim until ours comes up
	// (FIFO by created_at guarantees it arrives last).
	var claimed *models.Audit
	for {
		c, err := s.ClaimNextAudit(ctx, "pod-orphan")
		require.NoError(t, err)
		if c.ID == a.ID {
			claimed = c
			break
		}
		require.NoError(t, s.MarkAuditTerminal(ctx, c.ID, models.AuditStatusCancelled, "", ""))
	}
	require.Equal(t, a.ID, claimed.ID)

	// Fresh heartbeat: not an orphan yet.
	ids, err := s.ListOrphanedAudits(ctx, time.Minute)
	require.NoError(t, err)
	assert.NotContains(t, ids, a.ID)

	// Zero threshold: everything running with a heartbeat is stale.
	ids, err = s.ListOrphanedAudits(ctx, 0)
	require.NoError(t, err)
	assert.Contains(t, ids, a.ID)

	require.NoError(t, s.RequeueAudit(ctx, a.ID))
	loaded, err := s.GetAudit(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditStatusPending, loaded.Status)

	// Re-claim resumes with the persisted phase intact.
	reclaimed, err := s.ClaimNextAudit(ctx, "pod-2")
	require.NoError(t, err)
	assert.Equal(t, a.ID, reclaimed.ID)
	assert.Equal(t, models.PhaseQueryGen, reclaimed.Phase)
	require.NoError(t, s.MarkAuditTerminal(ctx, a.ID, models.AuditStatusCancelled, "", ""))
}
