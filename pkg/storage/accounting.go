package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/brandscope/visibility-audit/pkg/auditerr"
	"github.com/brandscope/visibility-audit/pkg/models"
)

// LoadAccounting implements cost.Store: returns the persisted per-provider
// counters, or nil if no snapshot exists yet (missing snapshot means the
// accountant starts from zero).
func (s *Store) LoadAccounting(ctx context.Context, provider models.Provider) (*models.ProviderAccounting, error) {
	var (
		acc                        models.ProviderAccounting
		daily, monthly, total string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT provider, daily_cost::text, monthly_cost::text, total_cost::text,
			last_reset, requests_today, circuit_state, consecutive_failures, opened_at
		FROM provider_accounting WHERE provider = $1`, provider).
		Scan(&acc.Provider, &daily, &monthly, &total, &acc.LastReset,
			&acc.RequestsToday, &acc.CircuitState, &acc.ConsecutiveFailures, &acc.OpenedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, auditerr.Wrap(auditerr.StorageFailure, "storage: loading provider accounting", err)
	}
	acc.DailyCost, _ = decimal.NewFromString(daily)
	acc.MonthlyCost, _ = decimal.NewFromString(monthly)
	acc.TotalCost, _ = decimal.NewFromString(total)
	return &acc, nil
}

// SaveAccounting implements cost.Store: upserts the per-provider snapshot.
func (s *Store) SaveAccounting(ctx context.Context, acc *models.ProviderAccounting) error {
	circuitState := acc.CircuitState
	if circuitState == "" {
		circuitState = "closed"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO provider_accounting (provider, daily_cost, monthly_cost, total_cost,
			last_reset, requests_today, circuit_state, consecutive_failures, opened_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (provider) DO UPDATE SET
			daily_cost = EXCLUDED.daily_cost,
			monthly_cost = EXCLUDED.monthly_cost,
			total_cost = EXCLUDED.total_cost,
			last_reset = EXCLUDED.last_reset,
			requests_today = EXCLUDED.requests_today,
			circuit_state = EXCLUDED.circuit_state,
			consecutive_failures = EXCLUDED.consecutive_failures,
			opened_at = EXCLUDED.opened_at,
			updated_at = now()`,
		acc.Provider, acc.DailyCost.String(), acc.MonthlyCost.String(), acc.TotalCost.String(),
		acc.LastReset, acc.RequestsToday, circuitState, acc.ConsecutiveFailures,
		nullableTime(acc.OpenedAt))
	if err != nil {
		return auditerr.Wrap(auditerr.StorageFailure, "storage: saving provider accounting", err)
	}
	return nil
}
