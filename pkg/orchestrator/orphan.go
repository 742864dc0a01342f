package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// orphanState tracks orphan detection metrics (thread-safe).
type orphanState struct {
	mu              sync.Mutex
	lastOrphanScan  time.Time
	orphansRequeued int
}

// runOrphanDetection periodically scans for running audits whose heartbeat
// went stale. All pods run this independently — re-queueing is idempotent.
func (p *WorkerPool) runOrphanDetection(ctx context.Context) {
	interval := p.cfg.OrphanDetectionInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.detectAndRequeueOrphans(ctx); err != nil {
				slog.Error("Orphan detection failed", "error", err)
			}
		}
	}
}

// detectAndRequeueOrphans finds running audits with stale heartbeats and
// returns them to the queue. Unlike a session-style system, an orphaned
// audit is not terminal: its persisted phase plus idempotent storage lets
// whichever worker claims it next resume where the dead pod stopped.
func (p *WorkerPool) detectAndRequeueOrphans(ctx context.Context) error {
	threshold := p.cfg.OrphanThreshold
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}

	orphans, err := p.store.ListOrphanedAudits(ctx, threshold)
	if err != nil {
		return fmt.Errorf("querying orphaned audits: %w", err)
	}

	if len(orphans) == 0 {
		p.orphans.mu.Lock()
		p.orphans.lastOrphanScan = time.Now()
		p.orphans.mu.Unlock()
		return nil
	}

	slog.Warn("Detected orphaned audits", "count", len(orphans))

	requeued := 0
	failed := 0
	for _, auditID := range orphans {
		if p.isLocallyActive(auditID) {
			// Heartbeat lag on our own pod, not a dead worker.
			continue
		}
		if err := p.store.RequeueAudit(ctx, auditID); err != nil {
			slog.Error("Failed to requeue orphaned audit", "audit_id", auditID, "error", err)
			failed++
			continue
		}
		slog.Warn("Orphaned audit requeued for resume", "audit_id", auditID)
		requeued++
	}

	p.orphans.mu.Lock()
	p.orphans.lastOrphanScan = time.Now()
	p.orphans.orphansRequeued += requeued
	p.orphans.mu.Unlock()

	if failed > 0 {
		slog.Warn("Orphan requeue completed with failures",
			"total_orphans", len(orphans), "requeued", requeued, "failed", failed)
	}
	return nil
}

func (p *WorkerPool) isLocallyActive(auditID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.activeAudits[auditID]
	return ok
}

// RequeueStartupOrphans performs a one-time recovery of audits owned by
// this pod that were running when the pod previously crashed. Called once
// during startup, before the worker pool begins processing.
func RequeueStartupOrphans(ctx context.Context, store Store, podID string) error {
	orphans, err := store.ListPodAudits(ctx, podID)
	if err != nil {
		return fmt.Errorf("querying startup orphans: %w", err)
	}
	if len(orphans) == 0 {
		return nil
	}

	slog.Warn("Found startup orphans from previous run", "pod_id", podID, "count", len(orphans))

	for _, auditID := range orphans {
		if err := store.RequeueAudit(ctx, auditID); err != nil {
			slog.Error("Failed to requeue startup orphan", "audit_id", auditID, "error", err)
			continue
		}
		slog.Info("Startup orphan requeued", "audit_id", auditID)
	}
	return nil
}
