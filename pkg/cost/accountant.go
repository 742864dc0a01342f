// Package cost implements the Cost Accountant: per-provider
// daily/monthly/total counters with budget enforcement, backed by
// decimal.Decimal for the mandated 4-decimal-place precision and persisted
// through a pluggable Store.
package cost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brandscope/visibility-audit/pkg/config"
	"github.com/brandscope/visibility-audit/pkg/models"
)

// Decision is the outcome of mayIssue.
type Decision struct {
	Allow  bool
	Reason string
}

// Store persists ProviderAccounting snapshots. Implemented by pkg/storage;
// a nil Store is valid and makes the Accountant purely in-memory (useful
// in tests). On restart, counters load from the persisted snapshot; a
// missing snapshot means starting from zero.
type Store interface {
	LoadAccounting(ctx context.Context, provider models.Provider) (*models.ProviderAccounting, error)
	SaveAccounting(ctx context.Context, acc *models.ProviderAccounting) error
}

type providerCounters struct {
	mu        sync.Mutex
	daily     decimal.Decimal
	monthly   decimal.Decimal
	total     decimal.Decimal
	lastReset time.Time
	requestsToday int
}

// Accountant tracks cost per provider and enforces daily/monthly/per-request
// budgets. Safe for concurrent use; each MayIssue and each Record call is
// serialized by its provider's lock. MayIssue does not reserve the estimated
// cost, so concurrent MayIssue calls for one provider can all pass before
// any of their Records land.
type Accountant struct {
	budget config.BudgetConfig
	store  Store

	mu       sync.RWMutex
	counters map[models.Provider]*providerCounters

	now func() time.Time
}

// New creates an Accountant. store may be nil for an in-memory-only
// accountant (tests, or deployments with TrackingEnabled=false).
func New(budget config.BudgetConfig, store Store) *Accountant {
	return &Accountant{
		budget:   budget,
		store:    store,
		counters: make(map[models.Provider]*providerCounters),
		now:      time.Now,
	}
}

func (a *Accountant) counterFor(ctx context.Context, provider models.Provider) *providerCounters {
	a.mu.RLock()
	c, ok := a.counters[provider]
	a.mu.RUnlock()
	if ok {
		return c
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.counters[provider]; ok {
		return c
	}

	c = &providerCounters{lastReset: a.now()}
	if a.store != nil {
		if acc, err := a.store.LoadAccounting(ctx, provider); err == nil && acc != nil {
			c.daily = acc.DailyCost
			c.monthly = acc.MonthlyCost
			c.total = acc.TotalCost
			c.lastReset = acc.LastReset
			c.requestsToday = acc.RequestsToday
		}
	}
	a.counters[provider] = c
	return c
}

// MayIssue decides whether a request of estimatedCost should proceed,
// checking daily, monthly, and per-request budgets.
func (a *Accountant) MayIssue(ctx context.Context, provider models.Provider, estimatedCost models.Money) Decision {
	if !a.budget.TrackingEnabled {
		return Decision{Allow: true}
	}

	c := a.counterFor(ctx, provider)
	c.mu.Lock()
	defer c.mu.Unlock()

	a.rolloverLocked(c)

	if a.budget.PerRequestBudget > 0 {
		limit := decimal.NewFromFloat(a.budget.PerRequestBudget)
		if estimatedCost.GreaterThan(limit) {
			return Decision{Allow: false, Reason: "per-request budget exceeded"}
		}
	}
	if a.budget.DailyBudget > 0 {
		limit := decimal.NewFromFloat(a.budget.DailyBudget)
		if c.daily.Add(estimatedCost).GreaterThan(limit) {
			return Decision{Allow: false, Reason: "daily budget exceeded"}
		}
	}
	if a.budget.MonthlyBudget > 0 {
		limit := decimal.NewFromFloat(a.budget.MonthlyBudget)
		if c.monthly.Add(estimatedCost).GreaterThan(limit) {
			return Decision{Allow: false, Reason: "monthly budget exceeded"}
		}
	}
	return Decision{Allow: true}
}

// Record atomically increments the daily/monthly/total counters for a
// completed, successfully-billed request and persists the new snapshot.
// query is accepted for future per-query cost attribution; it is not yet
// part of the persisted shape.
func (a *Accountant) Record(ctx context.Context, provider models.Provider, amount models.Money, query string) error {
	c := a.counterFor(ctx, provider)

	c.mu.Lock()
	a.rolloverLocked(c)
	c.daily = c.daily.Add(amount)
	c.monthly = c.monthly.Add(amount)
	c.total = c.total.Add(amount)
	c.requestsToday++
	snapshot := a.snapshotLocked(provider, c)
	c.mu.Unlock()

	if a.store == nil {
		return nil
	}
	// Persistence failures must not corrupt in-memory counters: the
	// in-memory increment above already happened regardless of this result.
	if err := a.store.SaveAccounting(ctx, snapshot); err != nil {
		return fmt.Errorf("persisting provider accounting for %s: %w", provider, err)
	}
	return nil
}

// Rollover resets daily counters on day change and monthly counters on
// month change, for every known provider. Idempotent within a single day.
func (a *Accountant) Rollover(ctx context.Context) {
	a.mu.RLock()
	providers := make([]models.Provider, 0, len(a.counters))
	for p := range a.counters {
		providers = append(providers, p)
	}
	a.mu.RUnlock()

	for _, p := range providers {
		c := a.counterFor(ctx, p)
		c.mu.Lock()
		a.rolloverLocked(c)
		snapshot := a.snapshotLocked(p, c)
		c.mu.Unlock()
		if a.store != nil {
			_ = a.store.SaveAccounting(ctx, snapshot)
		}
	}
}

// rolloverLocked must be called with c.mu held.
func (a *Accountant) rolloverLocked(c *providerCounters) {
	now := a.now()
	if c.lastReset.IsZero() {
		c.lastReset = now
		return
	}
	if now.Year() != c.lastReset.Year() || now.Month() != c.lastReset.Month() {
		c.monthly = decimal.Zero
		c.daily = decimal.Zero
		c.requestsToday = 0
		c.lastReset = now
		return
	}
	if now.YearDay() != c.lastReset.YearDay() {
		c.daily = decimal.Zero
		c.requestsToday = 0
		c.lastReset = now
	}
}

func (a *Accountant) snapshotLocked(provider models.Provider, c *providerCounters) *models.ProviderAccounting {
	return &models.ProviderAccounting{
		Provider:      provider,
		DailyCost:     c.daily,
		MonthlyCost:   c.monthly,
		TotalCost:     c.total,
		LastReset:     c.lastReset,
		RequestsToday: c.requestsToday,
	}
}

// Summary is the public read-only view returned by Summary().
type Summary struct {
	Provider  models.Provider
	Daily     models.Money
	Monthly   models.Money
	Total     models.Money
	Limits    config.BudgetConfig
	LastReset time.Time
}

// Summary returns the current counters and configured limits for a provider.
func (a *Accountant) Summary(ctx context.Context, provider models.Provider) Summary {
	c := a.counterFor(ctx, provider)
	c.mu.Lock()
	defer c.mu.Unlock()
	return Summary{
		Provider:  provider,
		Daily:     c.daily,
		Monthly:   c.monthly,
		Total:     c.total,
		Limits:    a.budget,
		LastReset: c.lastReset,
	}
}
