package providers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brandscope/visibility-audit/pkg/config"
	"github.com/brandscope/visibility-audit/pkg/models"
)

func TestMockAdapter_InvokeIsDeterministic(t *testing.T) {
	m := NewMock(0.005)
	req := Request{Prompt: "best CRM for startups"}

	r1, err := m.Invoke(context.Background(), req)
	require.NoError(t, err)
	r2, err := m.Invoke(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, r1.TokensOut, r2.TokensOut)
	require.True(t, r1.Cost.Equal(r2.Cost))
}

func TestMockAdapter_CollectStreamEmitsFinal(t *testing.T) {
	m := NewMock(0.005)
	chunks, errs := m.CollectStream(context.Background(), Request{Prompt: "q"})

	var sawFinal bool
	for c := range chunks {
		if c.IsFinal {
			sawFinal = true
		}
	}
	require.NoError(t, <-errs)
	require.True(t, sawFinal)
}

func TestPriceTable_ComputesProportionalCost(t *testing.T) {
	pt := PriceTable{InputPer1M: 2.0, OutputPer1M: 4.0}
	cost := pt.cost(1_000_000, 500_000)
	require.True(t, cost.Equal(cost.Round(4)))
	// 1M in @ $2 + 0.5M out @ $4 = $2 + $2 = $4
	require.Equal(t, "4", cost.String())
}

func TestPerModelPricing_FallsBackToDefault(t *testing.T) {
	pricing := perModelPricing{"": {InputPer1M: 1, OutputPer1M: 1}}
	pt := pricing.lookup("unknown-model")
	require.Equal(t, 1.0, pt.InputPer1M)
}

func TestPerplexityAdapter_StreamingUnsupported(t *testing.T) {
	a := NewPerplexity("key", "", "sonar")
	require.False(t, a.SupportsStreaming())

	_, errs := a.CollectStream(context.Background(), Request{Prompt: "q"})
	require.Error(t, <-errs)
}

func TestBuildRegistry_OrdersByPriorityAscending(t *testing.T) {
	cfgs := []config.ProviderConfig{
		{Name: "mock", Enabled: true, Priority: 2, DefaultModel: "mock-1"},
		{Name: "mock", Enabled: true, Priority: 1, DefaultModel: "mock-1"},
	}
	// two distinct provider identities needed for a meaningful order check
	cfgs[0].Name = string(models.ProviderOpenAI)
	cfgs[1].Name = string(models.ProviderAnthropic)

	ordered, err := BuildRegistry(context.Background(), cfgs)
	require.NoError(t, err)
	require.Equal(t, []models.Provider{models.ProviderAnthropic, models.ProviderOpenAI}, ordered.Ordered())

	single := []config.ProviderConfig{{Name: string(models.ProviderMock), Enabled: true, DefaultModel: "mock-1", CostPerQuery: 0.01}}
	reg, err := BuildRegistry(context.Background(), single)
	require.NoError(t, err)
	require.Len(t, reg.Ordered(), 1)

	a, ok := reg.Get(models.ProviderMock)
	require.True(t, ok)
	require.Equal(t, models.ProviderMock, a.Name())
}

func TestBuildRegistry_SkipsDisabledProviders(t *testing.T) {
	cfgs := []config.ProviderConfig{{Name: string(models.ProviderMock), Enabled: false, DefaultModel: "mock-1"}}
	reg, err := BuildRegistry(context.Background(), cfgs)
	require.NoError(t, err)
	require.Empty(t, reg.Ordered())
}
