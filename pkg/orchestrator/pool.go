package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/brandscope/visibility-audit/pkg/config"
	"github.com/brandscope/visibility-audit/pkg/events"
	"github.com/brandscope/visibility-audit/pkg/notify"
)

// WorkerPool manages a pool of orchestrator workers.
type WorkerPool struct {
	podID     string
	store     Store
	cfg       *config.QueueConfig
	executor  AuditExecutor
	publisher *events.Publisher
	notifier  *notify.Service
	workers   []*Worker
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Audit cancel registry: audit_id → cancel function
	activeAudits map[string]context.CancelFunc
	mu           sync.RWMutex
	started      bool

	// Orphan detection state
	orphans orphanState
}

// NewWorkerPool creates a new worker pool. publisher and notifier may be
// nil.
func NewWorkerPool(podID string, store Store, cfg *config.QueueConfig, executor AuditExecutor, publisher *events.Publisher, notifier *notify.Service) *WorkerPool {
	return &WorkerPool{
		podID:        podID,
		store:        store,
		cfg:          cfg,
		executor:     executor,
		publisher:    publisher,
		notifier:     notifier,
		workers:      make([]*Worker, 0, cfg.WorkerCount),
		stopCh:       make(chan struct{}),
		activeAudits: make(map[string]context.CancelFunc),
	}
}

// Start spawns worker goroutines and the orphan-detection background task.
// Safe to call multiple times; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	slog.Info("Starting worker pool", "pod_id", p.podID, "worker_count", p.cfg.WorkerCount)

	for i := 0; i < p.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.store, p.cfg, p.executor, p, p.publisher, p.notifier)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanDetection(ctx)
	}()

	slog.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish. Workers
// finish their current audits before exiting (graceful shutdown).
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	active := p.getActiveAuditIDs()
	if len(active) > 0 {
		slog.Info("Waiting for active audits to complete",
			"count", len(active), "audit_ids", active)
	}

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Worker pool stopped gracefully")
}

// RegisterAudit stores a cancel function for manual cancellation.
func (p *WorkerPool) RegisterAudit(auditID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeAudits[auditID] = cancel
}

// UnregisterAudit removes the cancel function when processing ends.
func (p *WorkerPool) UnregisterAudit(auditID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeAudits, auditID)
}

// CancelAudit triggers context cancellation for an audit on this pod. The
// executor aborts at the next safe suspension point (batch boundary);
// in-flight LLM requests may finish and their results are stored.
// Returns true if the audit was found running on this pod.
func (p *WorkerPool) CancelAudit(auditID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeAudits[auditID]; ok {
		cancel()
		return true
	}
	return false
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	ctx := context.Background()

	queueDepth, errQ := p.store.PendingAuditCount(ctx)
	if errQ != nil {
		slog.Error("Failed to query queue depth for health check", "pod_id", p.podID, "error", errQ)
	}

	activeAudits, errA := p.store.CountRunningAudits(ctx)
	if errA != nil {
		slog.Error("Failed to query active audits for health check", "pod_id", p.podID, "error", errA)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == WorkerStatusWorking {
			activeWorkers++
		}
	}

	dbHealthy := errQ == nil && errA == nil
	isHealthy := len(p.workers) > 0 && activeAudits <= p.cfg.MaxConcurrentAudits && dbHealthy

	p.orphans.mu.Lock()
	lastOrphanScan := p.orphans.lastOrphanScan
	orphansRequeued := p.orphans.orphansRequeued
	p.orphans.mu.Unlock()

	var dbError string
	if !dbHealthy {
		if errQ != nil {
			dbError = fmt.Sprintf("queue depth query failed: %v", errQ)
		} else if errA != nil {
			dbError = fmt.Sprintf("active audits query failed: %v", errA)
		}
	}

	return &PoolHealth{
		IsHealthy:       isHealthy,
		DBReachable:     dbHealthy,
		DBError:         dbError,
		PodID:           p.podID,
		ActiveWorkers:   activeWorkers,
		TotalWorkers:    len(p.workers),
		ActiveAudits:    activeAudits,
		MaxConcurrent:   p.cfg.MaxConcurrentAudits,
		QueueDepth:      queueDepth,
		WorkerStats:     workerStats,
		LastOrphanScan:  lastOrphanScan,
		OrphansRequeued: orphansRequeued,
	}
}

// getActiveAuditIDs returns IDs of currently processing audits (for
// logging).
func (p *WorkerPool) getActiveAuditIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	audits := make([]string, 0, len(p.activeAudits))
	for id := range p.activeAudits {
		audits = append(audits, id)
	}
	return audits
}
