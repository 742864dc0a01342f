package ranking

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/brandscope/visibility-audit/pkg/auditerr"
	"github.com/brandscope/visibility-audit/pkg/models"
)

// SnapshotStore persists ranking snapshots for later delta comparison.
// Implemented by pkg/storage.
type SnapshotStore interface {
	SaveRankingSnapshot(ctx context.Context, snap *models.RankingSnapshot) error
	LoadRankingSnapshot(ctx context.Context, id string) (*models.RankingSnapshot, error)
}

// SaveSnapshot persists the rankings of a completed analysis run and
// returns the snapshot ID for later comparison.
func (a *Analyzer) SaveSnapshot(ctx context.Context, store SnapshotStore, rankings []models.Ranking) (string, error) {
	snap := &models.RankingSnapshot{
		ID:           uuid.NewString(),
		TargetDomain: a.cfg.TargetDomain,
		TakenAt:      time.Now(),
		Rankings:     rankings,
	}
	if err := store.SaveRankingSnapshot(ctx, snap); err != nil {
		return "", auditerr.Wrap(auditerr.StorageFailure, "ranking: saving snapshot", err)
	}
	return snap.ID, nil
}

// CompareWithSnapshot loads the snapshot with the given ID and diffs the
// new rankings against it. change = newPos − oldPos; negative is an
// improvement. Queries present in only one side are skipped — a delta
// needs both endpoints.
func (a *Analyzer) CompareWithSnapshot(ctx context.Context, store SnapshotStore, id string, newRankings []models.Ranking) (*models.SnapshotComparison, error) {
	snap, err := store.LoadRankingSnapshot(ctx, id)
	if err != nil {
		return nil, auditerr.Wrap(auditerr.StorageFailure, "ranking: loading snapshot", err)
	}
	if snap == nil {
		return nil, auditerr.New(auditerr.InvalidRequest, "ranking: snapshot not found: "+id)
	}
	return Compare(snap.Rankings, newRankings), nil
}

// Compare diffs two ranking sets. Pure function; exported separately from
// CompareWithSnapshot so tests and callers holding both sides in memory
// don't need a store.
func Compare(old, current []models.Ranking) *models.SnapshotComparison {
	oldPos := make(map[string]int, len(old))
	for _, r := range old {
		oldPos[r.Query] = r.Position
	}

	cmp := &models.SnapshotComparison{}
	for _, r := range current {
		prev, ok := oldPos[r.Query]
		if !ok {
			continue
		}
		delta := r.Position - prev
		change := models.RankingChange{
			Query:  r.Query,
			OldPos: prev,
			NewPos: r.Position,
			Delta:  delta,
			Impact: impactOf(delta),
		}
		switch {
		case delta < 0:
			cmp.Improved++
		case delta > 0:
			cmp.Declined++
		default:
			cmp.Stable++
		}
		cmp.Changes = append(cmp.Changes, change)
	}
	return cmp
}

// impactOf buckets a delta's magnitude.
func impactOf(delta int) models.ImpactLevel {
	mag := delta
	if mag < 0 {
		mag = -mag
	}
	switch {
	case mag >= 10:
		return models.ImpactHigh
	case mag >= 4:
		return models.ImpactMedium
	default:
		return models.ImpactLow
	}
}
