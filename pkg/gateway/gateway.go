// Package gateway implements the Provider Gateway: the
// single select→cache→breaker→limiter→invoke→retry pipeline that composes
// the Cost Accountant, Rate Limiter, Circuit Breaker, and Response Cache
// around the Provider Adapters: a struct composing small, independently
// testable collaborators behind narrow interfaces.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/brandscope/visibility-audit/pkg/auditerr"
	"github.com/brandscope/visibility-audit/pkg/breaker"
	"github.com/brandscope/visibility-audit/pkg/cache"
	"github.com/brandscope/visibility-audit/pkg/cost"
	"github.com/brandscope/visibility-audit/pkg/models"
	"github.com/brandscope/visibility-audit/pkg/providers"
	"github.com/brandscope/visibility-audit/pkg/ratelimit"
	"github.com/brandscope/visibility-audit/pkg/telemetry"
)

// Options controls one search/batchSearch invocation.
type Options struct {
	PinnedProvider       models.Provider
	BypassCache          bool
	StopOnBudgetExceeded bool
	FallbackToCacheOnError bool
	Concurrency          int
	Model                string
	SystemPrompt         string
	Namespace            string
	OnProgress           func(Progress)
}

// Progress is emitted at most once per completion during BatchSearch.
type Progress struct {
	Total     int
	Completed int
	Failed    int
	CostSoFar models.Money
}

// BatchSummary is the aggregate result of batchSearch.
type BatchSummary struct {
	Total      int
	Successful int
	Failed     int
	TotalCost  models.Money
}

// BatchResult pairs a query with its outcome (one of Response or Err).
type BatchResult struct {
	Query    string
	Response *models.Response
	Err      error
}

// Gateway is the single invocation pipeline: retry, cache, limiter, and
// breaker concerns live here, never spread across adapters.
type Gateway struct {
	registry   *providers.Registry
	accountant *cost.Accountant
	limiters   *ratelimit.Registry
	breakers   *breaker.Registry
	cache      *cache.Cache
	metrics    *telemetry.Metrics

	requestTimeout time.Duration
}

// New builds a Gateway from its collaborators. metrics may be nil to
// disable telemetry (tests).
func New(registry *providers.Registry, accountant *cost.Accountant, limiters *ratelimit.Registry, breakers *breaker.Registry, responseCache *cache.Cache, metrics *telemetry.Metrics) *Gateway {
	return &Gateway{
		registry:       registry,
		accountant:     accountant,
		limiters:       limiters,
		breakers:       breakers,
		cache:          responseCache,
		metrics:        metrics,
		requestTimeout: 30 * time.Second,
	}
}

// Search runs the select-invoke-retry loop for a single prompt: budget
// check, cache lookup, breaker gate, rate-limited invoke with backoff,
// then failover to the next provider.
func (g *Gateway) Search(ctx context.Context, prompt string, opts Options) (*models.Response, error) {
	order := g.candidateOrder(opts)
	if len(order) == 0 {
		return nil, auditerr.New(auditerr.InvalidRequest, "gateway: no providers configured")
	}

	causes := map[string]error{}

	for _, providerName := range order {
		adapter, ok := g.registry.Get(providerName)
		if !ok {
			continue
		}

		req := providers.Request{Prompt: prompt, Model: opts.Model, SystemPrompt: opts.SystemPrompt}
		estimated := adapter.EstimateCost(req, 500)

		decision := g.accountant.MayIssue(ctx, providerName, estimated)
		if !decision.Allow {
			causes[string(providerName)] = auditerr.New(auditerr.BudgetExceeded, decision.Reason)
			if opts.StopOnBudgetExceeded {
				return nil, causes[string(providerName)]
			}
			continue
		}

		fingerprint := cache.Fingerprint(opts.Namespace, cache.RequestKey{
			Provider:       string(providerName),
			Model:          req.Model,
			Prompt:         req.Prompt,
			SystemPrompt:   req.SystemPrompt,
			Temperature:    req.Temperature,
			MaxTokens:      req.MaxTokens,
			ResponseFormat: req.ResponseFormat,
			Seed:           req.Seed,
		})
		if !opts.BypassCache {
			if entry, hit := g.cache.Get(ctx, fingerprint); hit {
				g.recordTelemetry(providerName, true, nil)
				return entryToResponse(entry, providerName, prompt), nil
			}
		}

		br := g.breakers.For(string(providerName))
		if err := br.Allow(); err != nil {
			causes[string(providerName)] = auditerr.New(auditerr.ProviderUnavailable, "circuit open")
			continue
		}
		if br.State() == breaker.StateOpen {
			causes[string(providerName)] = auditerr.New(auditerr.ProviderUnavailable, "circuit open")
			continue
		}

		resp, err := g.invokeWithRetry(ctx, providerName, adapter, req, br)
		if err == nil {
			_ = g.accountant.Record(ctx, providerName, resp.Cost, prompt)
			_ = g.cache.Set(ctx, fingerprint, responseToEntry(resp))
			g.recordTelemetry(providerName, false, nil)
			return resp, nil
		}

		causes[string(providerName)] = err
		g.recordTelemetry(providerName, false, err)

		if opts.FallbackToCacheOnError {
			if entry, hit := g.cache.Get(ctx, fingerprint); hit {
				return entryToResponse(entry, providerName, prompt), nil
			}
		}
	}

	return nil, (&auditerr.AllProvidersFailedError{Causes: causes}).AsError()
}

// candidateOrder returns the provider iteration order: a pinned provider
// first, else priority-ascending registry order.
func (g *Gateway) candidateOrder(opts Options) []models.Provider {
	if opts.PinnedProvider != "" {
		return []models.Provider{opts.PinnedProvider}
	}
	return g.registry.Ordered()
}

func (g *Gateway) invokeWithRetry(ctx context.Context, providerName models.Provider, adapter providers.Adapter, req providers.Request, br *breaker.Breaker) (*models.Response, error) {
	limiter := g.limiters.For(string(providerName))
	maxRetries := limiter.MaxRetries()

	var lastErr error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		release, err := limiter.Acquire(ctx)
		if err != nil {
			return nil, auditerr.Wrap(auditerr.RateLimited, "gateway: rate limiter acquire failed", err)
		}

		reqCtx, cancel := context.WithTimeout(ctx, g.requestTimeout)
		result, invokeErr := func() (*providers.Result, error) {
			v, err := br.Execute(func() (any, error) {
				return adapter.Invoke(reqCtx, req)
			})
			if err != nil {
				return nil, err
			}
			return v.(*providers.Result), nil
		}()
		cancel()
		release()

		if invokeErr == nil {
			return resultToResponse(result, providerName, req.Prompt), nil
		}

		lastErr = invokeErr
		code, _ := auditerr.CodeOf(invokeErr)
		if !auditerr.Retryable(code) || attempt > maxRetries {
			break
		}

		select {
		case <-time.After(limiter.Backoff(attempt)):
		case <-ctx.Done():
			return nil, auditerr.Wrap(auditerr.Cancelled, "gateway: cancelled during backoff", ctx.Err())
		}
	}

	return nil, lastErr
}

// BatchSearch runs prompts with bounded concurrency.
// Results preserve input order in the returned slice even
// though completion (and thus Response persistence elsewhere) may race.
func (g *Gateway) BatchSearch(ctx context.Context, prompts []string, opts Options) ([]BatchResult, BatchSummary) {
	if len(prompts) == 0 {
		return nil, BatchSummary{}
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 3
	}

	results := make([]BatchResult, len(prompts))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	var mu sync.Mutex
	var completed, failed int
	var totalCost = models.Zero
	stopped := false

	for i, p := range prompts {
		mu.Lock()
		if stopped {
			failed++
			mu.Unlock()
			results[i] = BatchResult{Query: p, Err: auditerr.New(auditerr.Cancelled, "gateway: batch stopped on budget exceeded")}
			continue
		}
		mu.Unlock()

		wg.Add(1)
		go func(idx int, query string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			mu.Lock()
			if stopped {
				failed++
				results[idx] = BatchResult{Query: query, Err: auditerr.New(auditerr.Cancelled, "gateway: batch stopped on budget exceeded")}
				mu.Unlock()
				return
			}
			mu.Unlock()

			resp, err := g.Search(ctx, query, opts)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				results[idx] = BatchResult{Query: query, Err: err}
				if opts.StopOnBudgetExceeded && auditerr.Is(err, auditerr.BudgetExceeded) {
					stopped = true
				}
			} else {
				completed++
				totalCost = totalCost.Add(resp.Cost)
				results[idx] = BatchResult{Query: query, Response: resp}
			}
			if opts.OnProgress != nil {
				opts.OnProgress(Progress{Total: len(prompts), Completed: completed, Failed: failed, CostSoFar: totalCost})
			}
		}(i, p)
	}

	wg.Wait()

	return results, BatchSummary{Total: len(prompts), Successful: completed, Failed: failed, TotalCost: totalCost}
}

func (g *Gateway) recordTelemetry(provider models.Provider, cached bool, err error) {
	if g.metrics == nil {
		return
	}
	g.metrics.RecordGatewayCall(string(provider), cached, err)
}

func resultToResponse(r *providers.Result, provider models.Provider, prompt string) *models.Response {
	return &models.Response{
		Provider:  provider,
		Text:      r.Text,
		TokensIn:  r.TokensIn,
		TokensOut: r.TokensOut,
		Cost:      r.Cost,
		LatencyMS: r.LatencyMS,
		Citations: r.Citations,
		QueryText: prompt,
	}
}

func responseToEntry(r *models.Response) *cache.Entry {
	citations := make([]cache.CitationJSON, 0, len(r.Citations))
	for _, c := range r.Citations {
		citations = append(citations, cache.CitationJSON{URL: c.URL, Title: c.Title})
	}
	return &cache.Entry{Text: r.Text, TokensIn: r.TokensIn, TokensOut: r.TokensOut, Citations: citations}
}

func entryToResponse(e *cache.Entry, provider models.Provider, prompt string) *models.Response {
	citations := make([]models.Citation, 0, len(e.Citations))
	for _, c := range e.Citations {
		citations = append(citations, models.Citation{URL: c.URL, Title: c.Title})
	}
	return &models.Response{
		Provider:  provider,
		Text:      e.Text,
		TokensIn:  e.TokensIn,
		TokensOut: e.TokensOut,
		Cost:      models.Zero,
		Cached:    true,
		Citations: citations,
		QueryText: prompt,
	}
}
