package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/brandscope/visibility-audit/pkg/auditerr"
	"github.com/brandscope/visibility-audit/pkg/models"
)

// ErrNoAuditsAvailable indicates the queue has no pending audits.
var ErrNoAuditsAvailable = errors.New("storage: no audits available")

const auditColumns = `id, company_ref, brand, domain, aliases, industry, competitors,
	status, phase, total_queries, queries_completed, provider_priority, concurrency,
	started_at, completed_at, error_message, warning, created_at, updated_at`

// CreateAudit enqueues a new pending audit. The queue producer calls this;
// the orchestrator claims it later.
func (s *Store) CreateAudit(ctx context.Context, a *models.Audit) error {
	aliases, _ := json.Marshal(orEmpty(a.Profile.Aliases))
	competitors, _ := json.Marshal(orEmpty(a.Profile.Competitors))
	priority, _ := json.Marshal(orEmpty(a.ProviderPriority))

	status := a.Status
	if status == "" {
		status = models.AuditStatusPending
	}
	phase := a.Phase
	if phase == "" {
		phase = models.PhaseQueryGen
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO audits (id, company_ref, brand, domain, aliases, industry, competitors,
			status, phase, provider_priority, concurrency)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.CompanyRef, a.Profile.Brand, a.Profile.Domain, aliases,
		a.Profile.Industry, competitors, status, phase, priority, a.Concurrency)
	if err != nil {
		return auditerr.Wrap(auditerr.StorageFailure, "storage: creating audit", err)
	}
	return nil
}

// GetAudit loads one audit by ID.
func (s *Store) GetAudit(ctx context.Context, id string) (*models.Audit, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+auditColumns+` FROM audits WHERE id = $1`, id)
	a, err := scanAudit(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auditerr.New(auditerr.AuditNotFound, "storage: audit not found: "+id)
		}
		return nil, auditerr.Wrap(auditerr.StorageFailure, "storage: loading audit", err)
	}
	return a, nil
}

func scanAudit(row pgx.Row) (*models.Audit, error) {
	var (
		a                             models.Audit
		aliases, competitors, priority []byte
	)
	err := row.Scan(&a.ID, &a.CompanyRef, &a.Profile.Brand, &a.Profile.Domain, &aliases,
		&a.Profile.Industry, &competitors, &a.Status, &a.Phase, &a.TotalQueries,
		&a.QueriesCompleted, &priority, &a.Concurrency, &a.StartedAt, &a.CompletedAt,
		&a.Error, &a.Warning, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(aliases, &a.Profile.Aliases)
	_ = json.Unmarshal(competitors, &a.Profile.Competitors)
	_ = json.Unmarshal(priority, &a.ProviderPriority)
	return &a, nil
}

// CountRunningAudits reports how many audits are currently running, for the
// worker pool's best-effort global capacity check.
func (s *Store) CountRunningAudits(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM audits WHERE status = $1`, models.AuditStatusRunning).Scan(&n)
	if err != nil {
		return 0, auditerr.Wrap(auditerr.StorageFailure, "storage: counting running audits", err)
	}
	return n, nil
}

// PendingAuditCount reports queue depth for health reporting.
func (s *Store) PendingAuditCount(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM audits WHERE status = $1`, models.AuditStatusPending).Scan(&n)
	if err != nil {
		return 0, auditerr.Wrap(auditerr.StorageFailure, "storage: counting pending audits", err)
	}
	return n, nil
}

// ClaimNextAudit atomically claims the oldest pending audit using
// FOR UPDATE SKIP LOCKED, marking it running under this pod. FIFO by
// created_at. Returns ErrNoAuditsAvailable when the queue is empty.
//
// A re-queued audit keeps its persisted phase, so the claiming worker
// resumes at the earliest non-terminal phase rather than starting over.
func (s *Store) ClaimNextAudit(ctx context.Context, podID string) (*models.Audit, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, auditerr.Wrap(auditerr.StorageFailure, "storage: starting claim transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id string
	err = tx.QueryRow(ctx, `
		SELECT id FROM audits
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, models.AuditStatusPending).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoAuditsAvailable
		}
		return nil, auditerr.Wrap(auditerr.StorageFailure, "storage: querying pending audits", err)
	}

	now := time.Now()
	row := tx.QueryRow(ctx, `
		UPDATE audits
		SET status = $2, pod_id = $3, started_at = COALESCE(started_at, $4),
			last_heartbeat_at = $4, updated_at = $4
		WHERE id = $1
		RETURNING `+auditColumns,
		id, models.AuditStatusRunning, podID, now)
	a, err := scanAudit(row)
	if err != nil {
		return nil, auditerr.Wrap(auditerr.StorageFailure, "storage: claiming audit", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, auditerr.Wrap(auditerr.StorageFailure, "storage: committing claim", err)
	}
	return a, nil
}

// SetAuditPhase persists a phase transition.
func (s *Store) SetAuditPhase(ctx context.Context, id string, phase models.AuditPhase) error {
	return s.execAuditUpdate(ctx, id,
		`UPDATE audits SET phase = $2, updated_at = now() WHERE id = $1`, phase)
}

// SetTotalQueries records the query count after query_gen.
func (s *Store) SetTotalQueries(ctx context.Context, id string, total int) error {
	return s.execAuditUpdate(ctx, id,
		`UPDATE audits SET total_queries = $2, updated_at = now() WHERE id = $1`, total)
}

// IncrementQueriesCompleted advances progress, clamped so
// queries_completed never exceeds total_queries.
func (s *Store) IncrementQueriesCompleted(ctx context.Context, id string, delta int) error {
	return s.execAuditUpdate(ctx, id, `
		UPDATE audits
		SET queries_completed = LEAST(queries_completed + $2, total_queries), updated_at = now()
		WHERE id = $1`, delta)
}

// Heartbeat refreshes last_heartbeat_at for orphan detection.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	return s.execAuditUpdate(ctx, id,
		`UPDATE audits SET last_heartbeat_at = now() WHERE id = $1`)
}

// MarkAuditTerminal writes the terminal status. Terminal states never
// regress: the WHERE clause refuses to overwrite an already-terminal row.
func (s *Store) MarkAuditTerminal(ctx context.Context, id string, status models.AuditStatus, errMsg, warning string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE audits
		SET status = $2, error_message = $3, warning = $4, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status NOT IN ($5, $6, $7)`,
		id, status, errMsg, warning,
		models.AuditStatusCompleted, models.AuditStatusFailed, models.AuditStatusCancelled)
	if err != nil {
		return auditerr.Wrap(auditerr.StorageFailure, "storage: marking audit terminal", err)
	}
	if tag.RowsAffected() == 0 {
		return auditerr.New(auditerr.InvalidRequest, "storage: audit already terminal or missing: "+id)
	}
	return nil
}

// RequeueAudit returns a running audit to pending so another worker can
// claim and resume it. Used by orphan recovery; the phase column is left
// untouched on purpose.
func (s *Store) RequeueAudit(ctx context.Context, id string) error {
	return s.execAuditUpdate(ctx, id, `
		UPDATE audits
		SET status = $2, pod_id = NULL, last_heartbeat_at = NULL, updated_at = now()
		WHERE id = $1 AND status = $3`,
		models.AuditStatusPending, models.AuditStatusRunning)
}

// ListOrphanedAudits returns running audits whose heartbeat is older than
// threshold.
func (s *Store) ListOrphanedAudits(ctx context.Context, threshold time.Duration) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM audits
		WHERE status = $1 AND last_heartbeat_at IS NOT NULL AND last_heartbeat_at < $2`,
		models.AuditStatusRunning, time.Now().Add(-threshold))
	if err != nil {
		return nil, auditerr.Wrap(auditerr.StorageFailure, "storage: querying orphaned audits", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, auditerr.Wrap(auditerr.StorageFailure, "storage: scanning orphan id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListPodAudits returns running audits owned by a pod, for startup-orphan
// recovery after a crash of this same pod.
func (s *Store) ListPodAudits(ctx context.Context, podID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM audits WHERE status = $1 AND pod_id = $2`,
		models.AuditStatusRunning, podID)
	if err != nil {
		return nil, auditerr.Wrap(auditerr.StorageFailure, "storage: querying pod audits", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, auditerr.Wrap(auditerr.StorageFailure, "storage: scanning pod audit id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) execAuditUpdate(ctx context.Context, id, sql string, args ...any) error {
	allArgs := append([]any{id}, args...)
	tag, err := s.pool.Exec(ctx, sql, allArgs...)
	if err != nil {
		return auditerr.Wrap(auditerr.StorageFailure, fmt.Sprintf("storage: updating audit %s", id), err)
	}
	if tag.RowsAffected() == 0 {
		return auditerr.New(auditerr.AuditNotFound, "storage: audit not found: "+id)
	}
	return nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
