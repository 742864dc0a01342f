// Package orchestrator implements the audit job orchestrator: a pool of
// queue workers, each driving one claimed audit through the phase state
// machine with partial-failure recovery, heartbeating, and orphan
// re-queue.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/brandscope/visibility-audit/pkg/gateway"
	"github.com/brandscope/visibility-audit/pkg/models"
	"github.com/brandscope/visibility-audit/pkg/storage"
)

// Sentinel errors for queue operations.
var (
	// ErrNoAuditsAvailable indicates the queue has no pending audits.
	ErrNoAuditsAvailable = errors.New("no audits available")

	// ErrAtCapacity indicates the global concurrent audit limit is reached.
	ErrAtCapacity = errors.New("at capacity")
)

// Store is the slice of the Audit Storage Layer the orchestrator drives.
// *storage.Store satisfies it; tests substitute an in-memory fake.
type Store interface {
	GetAudit(ctx context.Context, id string) (*models.Audit, error)
	ClaimNextAudit(ctx context.Context, podID string) (*models.Audit, error)
	CountRunningAudits(ctx context.Context) (int, error)
	PendingAuditCount(ctx context.Context) (int, error)
	SetAuditPhase(ctx context.Context, id string, phase models.AuditPhase) error
	SetTotalQueries(ctx context.Context, id string, total int) error
	IncrementQueriesCompleted(ctx context.Context, id string, delta int) error
	Heartbeat(ctx context.Context, id string) error
	MarkAuditTerminal(ctx context.Context, id string, status models.AuditStatus, errMsg, warning string) error
	RequeueAudit(ctx context.Context, id string) error
	ListOrphanedAudits(ctx context.Context, threshold time.Duration) ([]string, error)
	ListPodAudits(ctx context.Context, podID string) ([]string, error)

	InsertQueries(ctx context.Context, queries []models.Query) error
	ListQueries(ctx context.Context, auditID string) ([]models.Query, error)
	InsertResponse(ctx context.Context, r *models.Response) error
	ListResponses(ctx context.Context, auditID string) ([]*models.Response, error)
	StoreResponseMetrics(ctx context.Context, metrics []*models.ResponseMetrics) storage.StoreResult
	StoreBatchInsights(ctx context.Context, insights []models.BatchInsight) error
	ListBatchInsights(ctx context.Context, auditID string) ([]models.BatchInsight, error)
	ListResponseMetrics(ctx context.Context, auditID string) ([]*models.ResponseMetrics, error)
	VerifyPhase(ctx context.Context, auditID string) (*storage.VerifyResult, error)

	ReplaceCategoryAggregates(ctx context.Context, auditID string, aggregates []models.CategoryAggregate) error
	ListCategoryAggregates(ctx context.Context, auditID string) ([]models.CategoryAggregate, error)
	ReplaceStrategicPriorities(ctx context.Context, auditID string, priorities []models.StrategicPriority) error
	ListStrategicPriorities(ctx context.Context, auditID string) ([]models.StrategicPriority, error)
	UpsertExecutiveSummary(ctx context.Context, summary *models.ExecutiveSummary) error
	GetExecutiveSummary(ctx context.Context, auditID string) (*models.ExecutiveSummary, error)
	UpsertDashboardSnapshot(ctx context.Context, snap *models.DashboardSnapshot) error
}

// Searcher is the Provider Gateway surface the fan-out phase uses.
// *gateway.Gateway satisfies it.
type Searcher interface {
	BatchSearch(ctx context.Context, prompts []string, opts gateway.Options) ([]gateway.BatchResult, gateway.BatchSummary)
}

// AuditExecutor drives one claimed audit through its phases. The executor
// writes results progressively during execution; the worker only handles
// claiming, heartbeat, terminal status, and notifications.
type AuditExecutor interface {
	Execute(ctx context.Context, audit *models.Audit) *ExecutionResult
}

// ExecutionResult is lightweight — just the terminal state. All
// intermediate state was already persisted by the executor phase by phase.
type ExecutionResult struct {
	Status  models.AuditStatus
	Warning string
	Err     error
}

// AuditRegistry is the subset of WorkerPool used by Worker for
// cancellation registration.
type AuditRegistry interface {
	RegisterAudit(auditID string, cancel context.CancelFunc)
	UnregisterAudit(auditID string)
}

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID              string       `json:"id"`
	Status          WorkerStatus `json:"status"`
	CurrentAuditID  string       `json:"current_audit_id,omitempty"`
	AuditsProcessed int          `json:"audits_processed"`
	LastActivity    time.Time    `json:"last_activity"`
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	ActiveAudits     int            `json:"active_audits"`
	MaxConcurrent    int            `json:"max_concurrent"`
	QueueDepth       int            `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRequeued  int            `json:"orphans_requeued"`
}
