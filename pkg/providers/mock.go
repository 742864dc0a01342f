package providers

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brandscope/visibility-audit/pkg/auditerr"
	"github.com/brandscope/visibility-audit/pkg/models"
)

// MockAdapter is a deterministic, zero-latency backend used in tests and
// dry-run deployments: every call yields a fresh canned response.
type MockAdapter struct {
	CostPerQuery float64
	Latency      time.Duration
}

// NewMock builds a MockAdapter with the given flat per-query cost.
func NewMock(costPerQuery float64) *MockAdapter {
	return &MockAdapter{CostPerQuery: costPerQuery}
}

func (m *MockAdapter) Name() models.Provider { return models.ProviderMock }

func (m *MockAdapter) Invoke(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	if m.Latency > 0 {
		select {
		case <-time.After(m.Latency):
		case <-ctx.Done():
			return nil, auditerr.Wrap(auditerr.Cancelled, "mock: cancelled during simulated latency", ctx.Err())
		}
	}

	// Deterministic pseudo-response so repeated test runs are stable.
	h := sha256.Sum256([]byte(req.Prompt))
	tokensOut := 40 + int(binary.BigEndian.Uint16(h[:2])%120)
	tokensIn := len(req.Prompt) / 4

	return &Result{
		Text:      fmt.Sprintf("Mock response to: %s", req.Prompt),
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		Cost:      decimal.NewFromFloat(m.CostPerQuery).Round(4),
		LatencyMS: clampLatency(start),
	}, nil
}

func (m *MockAdapter) SupportsStreaming() bool { return true }

func (m *MockAdapter) CollectStream(ctx context.Context, req Request) (<-chan StreamChunk, <-chan error) {
	chunks := make(chan StreamChunk, 4)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		res, err := m.Invoke(ctx, req)
		if err != nil {
			errs <- err
			return
		}
		select {
		case chunks <- StreamChunk{Content: res.Text, TokensOut: res.TokensOut, IsFinal: true}:
		case <-ctx.Done():
			errs <- auditerr.Wrap(auditerr.Cancelled, "mock: cancelled during stream delivery", ctx.Err())
		}
	}()

	return chunks, errs
}

func (m *MockAdapter) EstimateCost(req Request, estimatedOutputTokens int) models.Money {
	return decimal.NewFromFloat(m.CostPerQuery).Round(4)
}
