package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brandscope/visibility-audit/pkg/gateway"
	"github.com/brandscope/visibility-audit/pkg/models"
	"github.com/brandscope/visibility-audit/pkg/storage"
)

// fakeStore is an in-memory Store for executor and pool tests.
type fakeStore struct {
	mu         sync.Mutex
	audits     map[string]*models.Audit
	queries    map[string][]models.Query
	responses  map[string][]*models.Response
	metrics    map[string]*models.ResponseMetrics // response_id -> metrics
	insights   map[string]models.BatchInsight     // composite key -> row
	l1         map[string][]models.CategoryAggregate
	l2         map[string][]models.StrategicPriority
	l3         map[string]*models.ExecutiveSummary
	dashboards map[string]*models.DashboardSnapshot
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		audits:     make(map[string]*models.Audit),
		queries:    make(map[string][]models.Query),
		responses:  make(map[string][]*models.Response),
		metrics:    make(map[string]*models.ResponseMetrics),
		insights:   make(map[string]models.BatchInsight),
		l1:         make(map[string][]models.CategoryAggregate),
		l2:         make(map[string][]models.StrategicPriority),
		l3:         make(map[string]*models.ExecutiveSummary),
		dashboards: make(map[string]*models.DashboardSnapshot),
	}
}

func insightKey(ins models.BatchInsight) string {
	return fmt.Sprintf("%s|%s|%d|%s", ins.AuditID, ins.Category, ins.BatchNumber, ins.ExtractionType)
}

func (s *fakeStore) addAudit(a *models.Audit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.Status == "" {
		a.Status = models.AuditStatusPending
	}
	if a.Phase == "" {
		a.Phase = models.PhaseQueryGen
	}
	a.CreatedAt = time.Now()
	s.audits[a.ID] = a
}

func (s *fakeStore) GetAudit(_ context.Context, id string) (*models.Audit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.audits[id]
	if !ok {
		return nil, fmt.Errorf("audit not found: %s", id)
	}
	cp := *a
	return &cp, nil
}

func (s *fakeStore) ClaimNextAudit(_ context.Context, podID string) (*models.Audit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *models.Audit
	for _, a := range s.audits {
		if a.Status != models.AuditStatusPending {
			continue
		}
		if oldest == nil || a.CreatedAt.Before(oldest.CreatedAt) {
			oldest = a
		}
	}
	if oldest == nil {
		return nil, storage.ErrNoAuditsAvailable
	}
	oldest.Status = models.AuditStatusRunning
	now := time.Now()
	oldest.StartedAt = &now
	cp := *oldest
	return &cp, nil
}

func (s *fakeStore) CountRunningAudits(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.audits {
		if a.Status == models.AuditStatusRunning {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) PendingAuditCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.audits {
		if a.Status == models.AuditStatusPending {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) SetAuditPhase(_ context.Context, id string, phase models.AuditPhase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.audits[id]; ok {
		a.Phase = phase
	}
	return nil
}

func (s *fakeStore) SetTotalQueries(_ context.Context, id string, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.audits[id]; ok {
		a.TotalQueries = total
	}
	return nil
}

func (s *fakeStore) IncrementQueriesCompleted(_ context.Context, id string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.audits[id]; ok {
		a.QueriesCompleted += delta
		if a.QueriesCompleted > a.TotalQueries {
			a.QueriesCompleted = a.TotalQueries
		}
	}
	return nil
}

func (s *fakeStore) Heartbeat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.audits[id]; ok {
		now := time.Now()
		a.UpdatedAt = now
	}
	return nil
}

func (s *fakeStore) MarkAuditTerminal(_ context.Context, id string, status models.AuditStatus, errMsg, warning string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.audits[id]
	if !ok {
		return fmt.Errorf("audit not found: %s", id)
	}
	if !a.CanAdvanceTo(status) {
		return fmt.Errorf("audit already terminal: %s", id)
	}
	a.Status = status
	a.Error = errMsg
	a.Warning = warning
	now := time.Now()
	a.CompletedAt = &now
	return nil
}

func (s *fakeStore) RequeueAudit(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.audits[id]; ok && a.Status == models.AuditStatusRunning {
		a.Status = models.AuditStatusPending
	}
	return nil
}

func (s *fakeStore) ListOrphanedAudits(_ context.Context, _ time.Duration) ([]string, error) {
	return nil, nil
}

func (s *fakeStore) ListPodAudits(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}

func (s *fakeStore) InsertQueries(_ context.Context, queries []models.Query) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range queries {
		dup := false
		for _, existing := range s.queries[q.AuditID] {
			if existing.ID == q.ID {
				dup = true
				break
			}
		}
		if !dup {
			s.queries[q.AuditID] = append(s.queries[q.AuditID], q)
		}
	}
	return nil
}

func (s *fakeStore) ListQueries(_ context.Context, auditID string) ([]models.Query, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Query(nil), s.queries[auditID]...), nil
}

func (s *fakeStore) InsertResponse(_ context.Context, r *models.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.responses[r.AuditID] {
		if existing.QueryID == r.QueryID && existing.Provider == r.Provider {
			return nil // conflict key: no-op
		}
	}
	cp := *r
	cp.CreatedAt = time.Now()
	s.responses[r.AuditID] = append(s.responses[r.AuditID], &cp)
	return nil
}

func (s *fakeStore) ListResponses(_ context.Context, auditID string) ([]*models.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Response, 0, len(s.responses[auditID]))
	for _, r := range s.responses[auditID] {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeStore) StoreResponseMetrics(_ context.Context, metrics []*models.ResponseMetrics) storage.StoreResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := storage.StoreResult{}
	for _, m := range metrics {
		found := false
		for _, rs := range s.responses {
			for _, r := range rs {
				if r.ID == m.ResponseID {
					found = true
					break
				}
			}
		}
		if !found {
			result.ErrorCount++
			result.Errors = append(result.Errors, fmt.Errorf("parent response missing: %s", m.ResponseID))
			continue
		}
		cp := *m
		s.metrics[m.ResponseID] = &cp
		result.SuccessCount++
	}
	return result
}

func (s *fakeStore) StoreBatchInsights(_ context.Context, insights []models.BatchInsight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ins := range insights {
		s.insights[insightKey(ins)] = ins
	}
	return nil
}

func (s *fakeStore) ListBatchInsights(_ context.Context, auditID string) ([]models.BatchInsight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.BatchInsight
	for _, ins := range s.insights {
		if ins.AuditID == auditID {
			out = append(out, ins)
		}
	}
	sort.Slice(out, func(i, j int) bool { return insightKey(out[i]) < insightKey(out[j]) })
	return out, nil
}

func (s *fakeStore) ListResponseMetrics(_ context.Context, auditID string) ([]*models.ResponseMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ResponseMetrics
	for _, r := range s.responses[auditID] {
		if m, ok := s.metrics[r.ID]; ok {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) VerifyPhase(_ context.Context, auditID string) (*storage.VerifyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := &storage.VerifyResult{Status: storage.VerifyComplete}
	responses := s.responses[auditID]
	if len(responses) == 0 {
		result.Status = storage.VerifyFailed
		result.Missing = append(result.Missing, "no responses stored for audit")
		return result, nil
	}

	unextracted := 0
	type batchKey struct {
		category models.QueryCategory
		number   int
	}
	batches := make(map[batchKey]bool)
	for _, r := range responses {
		m, ok := s.metrics[r.ID]
		if !ok || (m.MetricsExtractedAt == nil && m.ExtractionError == "") {
			unextracted++
		}
		batches[batchKey{r.Category, r.BatchNumber}] = true
	}
	if unextracted > 0 {
		result.Missing = append(result.Missing, fmt.Sprintf("%d response(s) missing metrics_extracted_at", unextracted))
	}

	for k := range batches {
		for _, et := range models.AllExtractionTypes {
			key := insightKey(models.BatchInsight{AuditID: auditID, Category: k.category, BatchNumber: k.number, ExtractionType: et})
			if _, ok := s.insights[key]; !ok {
				result.Missing = append(result.Missing, fmt.Sprintf("missing insight %s/%d/%s", k.category, k.number, et))
			}
		}
	}

	if len(result.Missing) > 0 {
		result.Status = storage.VerifyPartial
		if unextracted == len(responses) {
			result.Status = storage.VerifyFailed
		}
	}
	return result, nil
}

func (s *fakeStore) ReplaceCategoryAggregates(_ context.Context, auditID string, aggregates []models.CategoryAggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.l1[auditID] = append([]models.CategoryAggregate(nil), aggregates...)
	return nil
}

func (s *fakeStore) ListCategoryAggregates(_ context.Context, auditID string) ([]models.CategoryAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.CategoryAggregate(nil), s.l1[auditID]...), nil
}

func (s *fakeStore) ReplaceStrategicPriorities(_ context.Context, auditID string, priorities []models.StrategicPriority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.l2[auditID] = append([]models.StrategicPriority(nil), priorities...)
	return nil
}

func (s *fakeStore) ListStrategicPriorities(_ context.Context, auditID string) ([]models.StrategicPriority, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.StrategicPriority(nil), s.l2[auditID]...), nil
}

func (s *fakeStore) UpsertExecutiveSummary(_ context.Context, summary *models.ExecutiveSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *summary
	s.l3[summary.AuditID] = &cp
	return nil
}

func (s *fakeStore) GetExecutiveSummary(_ context.Context, auditID string) (*models.ExecutiveSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l3, ok := s.l3[auditID]; ok {
		cp := *l3
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeStore) UpsertDashboardSnapshot(_ context.Context, snap *models.DashboardSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	s.dashboards[snap.AuditID] = &cp
	return nil
}

// fakeGateway answers every prompt with a canned mock response and counts
// invocations.
type fakeGateway struct {
	calls        atomic.Int64
	responseText string
}

func newFakeGateway(text string) *fakeGateway {
	return &fakeGateway{responseText: text}
}

func (g *fakeGateway) BatchSearch(_ context.Context, prompts []string, opts gateway.Options) ([]gateway.BatchResult, gateway.BatchSummary) {
	g.calls.Add(int64(len(prompts)))
	results := make([]gateway.BatchResult, len(prompts))
	totalCost := models.Zero
	for i, p := range prompts {
		cost := models.MoneyFromFloat(0.005)
		totalCost = totalCost.Add(cost)
		provider := opts.PinnedProvider
		if provider == "" {
			provider = models.ProviderMock
		}
		results[i] = gateway.BatchResult{
			Query: p,
			Response: &models.Response{
				Provider:  provider,
				Model:     "mock-1",
				Text:      g.responseText,
				TokensIn:  12,
				TokensOut: 40,
				Cost:      cost,
				LatencyMS: 5,
				QueryText: p,
			},
		}
		if opts.OnProgress != nil {
			opts.OnProgress(gateway.Progress{Total: len(prompts), Completed: i + 1, CostSoFar: totalCost})
		}
	}
	return results, gateway.BatchSummary{Total: len(prompts), Successful: len(prompts), TotalCost: totalCost}
}
