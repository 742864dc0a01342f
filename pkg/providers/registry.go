package providers

import (
	"context"
	"fmt"

	"github.com/brandscope/visibility-audit/pkg/config"
	"github.com/brandscope/visibility-audit/pkg/models"
)

// Registry resolves a models.Provider name to its Adapter, built once at
// startup from config.ProviderConfig entries.
type Registry struct {
	adapters map[models.Provider]Adapter
	order    []models.Provider // ascending priority order
}

// BuildRegistry constructs one Adapter per enabled ProviderConfig entry.
// Google's client requires ctx for initialization; the others don't block.
func BuildRegistry(ctx context.Context, cfgs []config.ProviderConfig) (*Registry, error) {
	r := &Registry{adapters: make(map[models.Provider]Adapter)}

	type entry struct {
		provider models.Provider
		priority int
	}
	var ordered []entry

	for _, c := range cfgs {
		if !c.Enabled {
			continue
		}
		p := models.Provider(c.Name)
		adapter, err := buildAdapter(ctx, p, c)
		if err != nil {
			return nil, err
		}
		r.adapters[p] = adapter
		ordered = append(ordered, entry{provider: p, priority: c.Priority})
	}

	// Stable ascending-priority ordering.
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].priority < ordered[j-1].priority; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	for _, e := range ordered {
		r.order = append(r.order, e.provider)
	}

	return r, nil
}

func buildAdapter(ctx context.Context, p models.Provider, c config.ProviderConfig) (Adapter, error) {
	switch p {
	case models.ProviderOpenAI:
		return NewOpenAI(c.APIKey(), c.BaseURL, c.DefaultModel), nil
	case models.ProviderAnthropic:
		return NewAnthropic(c.APIKey(), c.BaseURL, c.DefaultModel), nil
	case models.ProviderGoogle:
		return NewGoogle(ctx, c.APIKey(), c.DefaultModel)
	case models.ProviderPerplexity:
		return NewPerplexity(c.APIKey(), c.BaseURL, c.DefaultModel), nil
	case models.ProviderCohere:
		return NewCohere(c.APIKey(), c.BaseURL, c.DefaultModel), nil
	case models.ProviderMock:
		return NewMock(c.CostPerQuery), nil
	default:
		return nil, fmt.Errorf("providers: unknown provider %q", p)
	}
}

// Get returns the Adapter for a provider, or false if not configured.
func (r *Registry) Get(p models.Provider) (Adapter, bool) {
	a, ok := r.adapters[p]
	return a, ok
}

// Ordered returns providers in ascending-priority order.
func (r *Registry) Ordered() []models.Provider {
	return r.order
}
