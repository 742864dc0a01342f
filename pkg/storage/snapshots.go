package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/brandscope/visibility-audit/pkg/auditerr"
	"github.com/brandscope/visibility-audit/pkg/models"
)

// SaveRankingSnapshot implements ranking.SnapshotStore.
func (s *Store) SaveRankingSnapshot(ctx context.Context, snap *models.RankingSnapshot) error {
	rankings, err := json.Marshal(snap.Rankings)
	if err != nil {
		return auditerr.Wrap(auditerr.StorageFailure, "storage: encoding ranking snapshot", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO ranking_snapshots (id, target_domain, taken_at, rankings)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET rankings = EXCLUDED.rankings`,
		snap.ID, snap.TargetDomain, snap.TakenAt, rankings)
	if err != nil {
		return auditerr.Wrap(auditerr.StorageFailure, "storage: saving ranking snapshot", err)
	}
	return nil
}

// LoadRankingSnapshot implements ranking.SnapshotStore; returns nil when
// the snapshot does not exist.
func (s *Store) LoadRankingSnapshot(ctx context.Context, id string) (*models.RankingSnapshot, error) {
	var (
		snap     models.RankingSnapshot
		rankings []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, target_domain, taken_at, rankings
		FROM ranking_snapshots WHERE id = $1`, id).
		Scan(&snap.ID, &snap.TargetDomain, &snap.TakenAt, &rankings)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, auditerr.Wrap(auditerr.StorageFailure, "storage: loading ranking snapshot", err)
	}
	if err := json.Unmarshal(rankings, &snap.Rankings); err != nil {
		return nil, auditerr.Wrap(auditerr.StorageFailure, "storage: decoding ranking snapshot", err)
	}
	return &snap, nil
}
