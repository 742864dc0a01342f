package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/brandscope/visibility-audit/pkg/auditerr"
	"github.com/brandscope/visibility-audit/pkg/config"
	"github.com/brandscope/visibility-audit/pkg/events"
	"github.com/brandscope/visibility-audit/pkg/models"
	"github.com/brandscope/visibility-audit/pkg/notify"
	"github.com/brandscope/visibility-audit/pkg/storage"
)

// Worker is a single queue worker that polls for and processes audits.
type Worker struct {
	id        string
	podID     string
	store     Store
	cfg       *config.QueueConfig
	executor  AuditExecutor
	publisher *events.Publisher
	notifier  *notify.Service
	pool      AuditRegistry
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Health tracking
	mu              sync.RWMutex
	status          WorkerStatus
	currentAuditID  string
	auditsProcessed int
	lastActivity    time.Time
}

// NewWorker creates a new queue worker. publisher and notifier may be nil
// (events/notifications disabled).
func NewWorker(id, podID string, store Store, cfg *config.QueueConfig, executor AuditExecutor, pool AuditRegistry, publisher *events.Publisher, notifier *notify.Service) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		store:        store,
		cfg:          cfg,
		executor:     executor,
		publisher:    publisher,
		notifier:     notifier,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish its current
// audit. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:              w.id,
		Status:          w.status,
		CurrentAuditID:  w.currentAuditID,
		AuditsProcessed: w.auditsProcessed,
		LastActivity:    w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoAuditsAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing audit", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess checks capacity, claims an audit, and drives it through
// the executor.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// Best-effort global capacity check; racy across workers but bounded by
	// WorkerCount and mitigated by poll jitter.
	activeCount, err := w.store.CountRunningAudits(ctx)
	if err != nil {
		return fmt.Errorf("checking active audits: %w", err)
	}
	if activeCount >= w.cfg.MaxConcurrentAudits {
		return ErrAtCapacity
	}

	audit, err := w.store.ClaimNextAudit(ctx, w.podID)
	if err != nil {
		if errors.Is(err, storage.ErrNoAuditsAvailable) {
			return ErrNoAuditsAvailable
		}
		return err
	}

	log := slog.With("audit_id", audit.ID, "worker_id", w.id)
	log.Info("Audit claimed", "phase", audit.Phase)

	w.setStatus(WorkerStatusWorking, audit.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	// Per-audit soft deadline; expiry cancels at the next safe point.
	auditCtx, cancelAudit := context.WithTimeout(ctx, w.cfg.AuditTimeout)
	defer cancelAudit()

	// Register cancel for API-triggered cancellation.
	w.pool.RegisterAudit(audit.ID, cancelAudit)
	defer w.pool.UnregisterAudit(audit.ID)

	// Heartbeat for orphan detection.
	heartbeatCtx, cancelHeartbeat := context.WithCancel(auditCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, audit.ID)

	result := w.executor.Execute(auditCtx, audit)

	// Nil-guard: synthesize a safe result if the executor returned nil.
	if result == nil {
		switch {
		case errors.Is(auditCtx.Err(), context.DeadlineExceeded):
			result = &ExecutionResult{
				Status: models.AuditStatusFailed,
				Err:    auditerr.New(auditerr.Timeout, fmt.Sprintf("audit timed out after %v", w.cfg.AuditTimeout)),
			}
		case errors.Is(auditCtx.Err(), context.Canceled):
			result = &ExecutionResult{
				Status: models.AuditStatusCancelled,
				Err:    auditerr.Wrap(auditerr.Cancelled, "audit cancelled", context.Canceled),
			}
		default:
			result = &ExecutionResult{
				Status: models.AuditStatusFailed,
				Err:    errors.New("executor returned nil result"),
			}
		}
	}

	cancelHeartbeat()

	// Terminal update on a background context — the audit ctx may be dead.
	var errMsg string
	if result.Err != nil {
		errMsg = result.Err.Error()
	}
	if err := w.store.MarkAuditTerminal(context.Background(), audit.ID, result.Status, errMsg, result.Warning); err != nil {
		log.Error("Failed to update audit terminal status", "error", err)
		return err
	}

	w.publishTerminal(audit, result)
	w.notifyTerminal(audit, result)

	w.mu.Lock()
	w.auditsProcessed++
	w.mu.Unlock()

	log.Info("Audit processing complete", "status", result.Status)
	return nil
}

// runHeartbeat periodically refreshes last_heartbeat_at for orphan
// detection.
func (w *Worker) runHeartbeat(ctx context.Context, auditID string) {
	interval := w.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.Heartbeat(ctx, auditID); err != nil {
				slog.Warn("Heartbeat update failed", "audit_id", auditID, "error", err)
			}
		}
	}
}

// publishTerminal emits the terminal bus event.
func (w *Worker) publishTerminal(audit *models.Audit, result *ExecutionResult) {
	if w.publisher == nil {
		return
	}
	ctx := context.Background()
	switch result.Status {
	case models.AuditStatusCompleted:
		msg := "audit complete"
		if result.Warning != "" {
			msg = "audit complete with warning: " + result.Warning
		}
		w.publisher.PublishAuditComplete(ctx, audit.ID, msg)
	default:
		message := string(result.Status)
		var retryAfter time.Duration
		recoverable := false
		if result.Err != nil {
			message = result.Err.Error()
			var typed *auditerr.Error
			if errors.As(result.Err, &typed) {
				recoverable = typed.Recoverable
				retryAfter = typed.RetryAfter
			}
		}
		w.publisher.PublishError(ctx, audit.ID, message, recoverable, retryAfter)
	}
}

// notifyTerminal posts the operator Slack message, enriched with the L3
// score when the audit completed.
func (w *Worker) notifyTerminal(audit *models.Audit, result *ExecutionResult) {
	if w.notifier == nil {
		return
	}
	ctx := context.Background()

	outcome := notify.AuditOutcome{
		AuditID: audit.ID,
		Brand:   audit.Profile.Brand,
		Status:  result.Status,
		Warning: result.Warning,
	}
	if result.Err != nil {
		outcome.ErrorMessage = result.Err.Error()
	}
	if result.Status == models.AuditStatusCompleted {
		if summary, err := w.store.GetExecutiveSummary(ctx, audit.ID); err == nil && summary != nil {
			outcome.OverallScore = summary.OverallScore
		}
		if current, err := w.store.GetAudit(ctx, audit.ID); err == nil {
			outcome.TotalQueries = current.TotalQueries
		}
	}
	w.notifier.NotifyAuditTerminal(ctx, outcome)
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.cfg.PollInterval
	jitter := w.cfg.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, auditID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentAuditID = auditID
	w.lastActivity = time.Now()
}
