package cost

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/brandscope/visibility-audit/pkg/config"
	"github.com/brandscope/visibility-audit/pkg/models"
)

type memStore struct {
	mu   sync.Mutex
	data map[models.Provider]*models.ProviderAccounting
}

func newMemStore() *memStore {
	return &memStore{data: make(map[models.Provider]*models.ProviderAccounting)}
}

func (s *memStore) LoadAccounting(_ context.Context, provider models.Provider) (*models.ProviderAccounting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[provider], nil
}

func (s *memStore) SaveAccounting(_ context.Context, acc *models.ProviderAccounting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *acc
	s.data[acc.Provider] = &cp
	return nil
}

func TestMayIssue_AllowsWithinBudget(t *testing.T) {
	a := New(config.BudgetConfig{TrackingEnabled: true, DailyBudget: 10}, nil)
	d := a.MayIssue(context.Background(), models.ProviderOpenAI, decimal.NewFromFloat(1))
	require.True(t, d.Allow)
}

func TestMayIssue_RejectsOverDailyBudget(t *testing.T) {
	a := New(config.BudgetConfig{TrackingEnabled: true, DailyBudget: 1}, nil)
	require.NoError(t, a.Record(context.Background(), models.ProviderOpenAI, decimal.NewFromFloat(0.9), "q"))
	d := a.MayIssue(context.Background(), models.ProviderOpenAI, decimal.NewFromFloat(0.5))
	require.False(t, d.Allow)
	require.Contains(t, d.Reason, "daily")
}

func TestMayIssue_RejectsOverPerRequestBudget(t *testing.T) {
	a := New(config.BudgetConfig{TrackingEnabled: true, PerRequestBudget: 0.1}, nil)
	d := a.MayIssue(context.Background(), models.ProviderAnthropic, decimal.NewFromFloat(0.2))
	require.False(t, d.Allow)
	require.Contains(t, d.Reason, "per-request")
}

func TestMayIssue_TrackingDisabledAlwaysAllows(t *testing.T) {
	a := New(config.BudgetConfig{TrackingEnabled: false, DailyBudget: 0.01}, nil)
	d := a.MayIssue(context.Background(), models.ProviderOpenAI, decimal.NewFromFloat(1000))
	require.True(t, d.Allow)
}

func TestRecord_PersistsSnapshot(t *testing.T) {
	store := newMemStore()
	a := New(config.BudgetConfig{TrackingEnabled: true}, store)
	require.NoError(t, a.Record(context.Background(), models.ProviderGoogle, decimal.NewFromFloat(2.5), "q"))

	snap, err := store.LoadAccounting(context.Background(), models.ProviderGoogle)
	require.NoError(t, err)
	require.True(t, snap.TotalCost.Equal(decimal.NewFromFloat(2.5)))
	require.Equal(t, 1, snap.RequestsToday)
}

func TestCounterFor_LoadsFromStoreOnFirstAccess(t *testing.T) {
	store := newMemStore()
	_ = store.SaveAccounting(context.Background(), &models.ProviderAccounting{
		Provider:  models.ProviderOpenAI,
		DailyCost: decimal.NewFromFloat(3),
		TotalCost: decimal.NewFromFloat(30),
		LastReset: time.Now(),
	})
	a := New(config.BudgetConfig{TrackingEnabled: true, DailyBudget: 3.5}, store)
	d := a.MayIssue(context.Background(), models.ProviderOpenAI, decimal.NewFromFloat(1))
	require.False(t, d.Allow)
}

func TestRollover_ResetsDailyOnDayChange(t *testing.T) {
	a := New(config.BudgetConfig{TrackingEnabled: true}, nil)
	yesterday := time.Now().AddDate(0, 0, -1)
	a.now = func() time.Time { return yesterday }
	require.NoError(t, a.Record(context.Background(), models.ProviderOpenAI, decimal.NewFromFloat(5), "q"))

	a.now = time.Now
	s := a.Summary(context.Background(), models.ProviderOpenAI)
	require.True(t, s.Total.Equal(decimal.NewFromFloat(5)))

	a.Rollover(context.Background())
	s = a.Summary(context.Background(), models.ProviderOpenAI)
	require.True(t, s.Daily.IsZero())
	require.True(t, s.Total.Equal(decimal.NewFromFloat(5)))
}

func TestSummary_ReflectsConfiguredLimits(t *testing.T) {
	budget := config.BudgetConfig{TrackingEnabled: true, DailyBudget: 42}
	a := New(budget, nil)
	s := a.Summary(context.Background(), models.ProviderCohere)
	require.Equal(t, 42.0, s.Limits.DailyBudget)
}
