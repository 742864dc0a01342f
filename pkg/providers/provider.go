// Package providers implements one adapter per LLM backend:
// a uniform Provider interface hiding each SDK's own request/
// response shape, a per-backend pricing table, error mapping to the closed
// auditerr taxonomy, and citation extraction where the backend supports it.
package providers

import (
	"context"
	"time"

	"github.com/brandscope/visibility-audit/pkg/models"
)

// Request is the normalized invocation shape every adapter accepts.
type Request struct {
	Prompt         string
	SystemPrompt   string
	Model          string
	Temperature    float64
	MaxTokens      int
	ResponseFormat string
	Seed           int64
}

// Result is the normalized invocation outcome every adapter returns on
// success. The Gateway converts this into a models.Response.
type Result struct {
	Text      string
	TokensIn  int
	TokensOut int
	Cost      models.Money
	Citations []models.Citation
	LatencyMS int64
}

// StreamChunk is one increment of a streamed response, delivered on the
// chunk channel of a CollectStream channel pair.
type StreamChunk struct {
	Content      string
	TokensOut    int // running count of content chunks sent so far (mock: the response's token count)
	IsFinal      bool
}

// Adapter is the uniform surface every backend implements.
type Adapter interface {
	// Name returns the provider identifier (matches models.Provider and
	// config.ProviderConfig.Name).
	Name() models.Provider

	// Invoke performs one synchronous call. Errors are always *auditerr.Error.
	Invoke(ctx context.Context, req Request) (*Result, error)

	// SupportsStreaming reports whether CollectStream is implemented.
	SupportsStreaming() bool

	// CollectStream performs a streamed call; implementations that don't
	// support streaming immediately return a closed chunk channel and an
	// error channel holding one InvalidRequest error.
	CollectStream(ctx context.Context, req Request) (<-chan StreamChunk, <-chan error)

	// EstimateCost prices a request before it is sent, for
	// cost.Accountant.MayIssue.
	EstimateCost(req Request, estimatedOutputTokens int) models.Money
}

// clampLatency records wall-clock call duration in milliseconds.
func clampLatency(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
