package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/brandscope/visibility-audit/pkg/auditerr"
	"github.com/brandscope/visibility-audit/pkg/models"
)

// Like perplexity.go, this adapter calls the Chat API directly over
// net/http.

var coherePricing = perModelPricing{
	"":                 {InputPer1M: 0.50, OutputPer1M: 1.50}, // fallback, command-r-class
	"command-r":         {InputPer1M: 0.50, OutputPer1M: 1.50},
	"command-r-plus":    {InputPer1M: 2.50, OutputPer1M: 10.00},
}

type cohereRequest struct {
	Model       string `json:"model"`
	Message     string `json:"message"`
	Preamble    string `json:"preamble,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type cohereUsage struct {
	Tokens struct {
		InputTokens  float64 `json:"input_tokens"`
		OutputTokens float64 `json:"output_tokens"`
	} `json:"tokens"`
}

type cohereResponse struct {
	Text    string      `json:"text"`
	Message *struct {
		Message string `json:"message"`
	} `json:"message,omitempty"`
	Meta struct {
		Usage cohereUsage `json:"billed_units"`
	} `json:"meta"`
}

// CohereAdapter calls the Chat endpoint directly over net/http.
type CohereAdapter struct {
	apiKey       string
	baseURL      string
	defaultModel string
	httpClient   *http.Client
	pricing      perModelPricing
}

// NewCohere builds a CohereAdapter. baseURL defaults to the public API
// endpoint when empty.
func NewCohere(apiKey, baseURL, defaultModel string) *CohereAdapter {
	if baseURL == "" {
		baseURL = "https://api.cohere.com/v1"
	}
	return &CohereAdapter{
		apiKey:       apiKey,
		baseURL:      baseURL,
		defaultModel: defaultModel,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		pricing:      coherePricing,
	}
}

func (a *CohereAdapter) Name() models.Provider { return models.ProviderCohere }

func (a *CohereAdapter) Invoke(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}

	body, err := json.Marshal(cohereRequest{
		Model:       model,
		Message:     req.Prompt,
		Preamble:    req.SystemPrompt,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, auditerr.Wrap(auditerr.InvalidRequest, "cohere: encoding request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, auditerr.Wrap(auditerr.InvalidRequest, "cohere: building request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if mapped, ok := mapContextErr("cohere", err); ok {
			return nil, mapped
		}
		return nil, auditerr.Wrap(auditerr.ProviderUnavailable, "cohere: request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, auditerr.Wrap(auditerr.ProviderUnavailable, "cohere: reading response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapHTTPStatus("cohere", resp.StatusCode, string(raw))
	}

	var out cohereResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, auditerr.Wrap(auditerr.ProviderUnavailable, "cohere: decoding response", err)
	}
	if out.Text == "" && out.Message != nil {
		return nil, auditerr.New(auditerr.ProviderUnavailable, "cohere: "+out.Message.Message)
	}

	tokensIn := int(out.Meta.Usage.Tokens.InputTokens)
	tokensOut := int(out.Meta.Usage.Tokens.OutputTokens)

	return &Result{
		Text:      out.Text,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		Cost:      a.pricing.lookup(model).cost(tokensIn, tokensOut),
		LatencyMS: clampLatency(start),
	}, nil
}

func (a *CohereAdapter) SupportsStreaming() bool { return false }

func (a *CohereAdapter) CollectStream(ctx context.Context, req Request) (<-chan StreamChunk, <-chan error) {
	chunks := make(chan StreamChunk)
	errs := make(chan error, 1)
	close(chunks)
	errs <- auditerr.New(auditerr.InvalidRequest, "cohere: streaming not supported")
	close(errs)
	return chunks, errs
}

func (a *CohereAdapter) EstimateCost(req Request, estimatedOutputTokens int) models.Money {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}
	tokensIn := estimateTokens(req.Prompt)
	return a.pricing.lookup(model).cost(tokensIn, estimatedOutputTokens)
}
