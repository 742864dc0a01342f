package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/brandscope/visibility-audit/pkg/auditerr"
	"github.com/brandscope/visibility-audit/pkg/models"
)

// The Sonar API is a plain REST+JSON surface with no official Go SDK, so
// this adapter talks to it directly over net/http.

var perplexityPricing = perModelPricing{
	"":                 {InputPer1M: 1.00, OutputPer1M: 1.00}, // fallback, sonar-class
	"sonar":             {InputPer1M: 1.00, OutputPer1M: 1.00},
	"sonar-pro":         {InputPer1M: 3.00, OutputPer1M: 15.00},
}

type perplexityMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type perplexityRequest struct {
	Model    string              `json:"model"`
	Messages []perplexityMessage `json:"messages"`
}

type perplexityChoice struct {
	Message perplexityMessage `json:"message"`
}

type perplexityUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type perplexityCitation struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

type perplexityResponse struct {
	Choices   []perplexityChoice   `json:"choices"`
	Usage     perplexityUsage      `json:"usage"`
	Citations []string             `json:"citations"`
	Error     *struct{ Message string `json:"message"` } `json:"error"`
}

// PerplexityAdapter calls the Sonar chat-completions endpoint directly.
type PerplexityAdapter struct {
	apiKey       string
	baseURL      string
	defaultModel string
	httpClient   *http.Client
	pricing      perModelPricing
}

// NewPerplexity builds a PerplexityAdapter. baseURL defaults to the
// public Sonar API endpoint when empty.
func NewPerplexity(apiKey, baseURL, defaultModel string) *PerplexityAdapter {
	if baseURL == "" {
		baseURL = "https://api.perplexity.ai"
	}
	return &PerplexityAdapter{
		apiKey:       apiKey,
		baseURL:      baseURL,
		defaultModel: defaultModel,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		pricing:      perplexityPricing,
	}
}

func (a *PerplexityAdapter) Name() models.Provider { return models.ProviderPerplexity }

func (a *PerplexityAdapter) Invoke(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}

	messages := []perplexityMessage{}
	if req.SystemPrompt != "" {
		messages = append(messages, perplexityMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, perplexityMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(perplexityRequest{Model: model, Messages: messages})
	if err != nil {
		return nil, auditerr.Wrap(auditerr.InvalidRequest, "perplexity: encoding request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, auditerr.Wrap(auditerr.InvalidRequest, "perplexity: building request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if mapped, ok := mapContextErr("perplexity", err); ok {
			return nil, mapped
		}
		return nil, auditerr.Wrap(auditerr.ProviderUnavailable, "perplexity: request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, auditerr.Wrap(auditerr.ProviderUnavailable, "perplexity: reading response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapHTTPStatus("perplexity", resp.StatusCode, string(raw))
	}

	var out perplexityResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, auditerr.Wrap(auditerr.ProviderUnavailable, "perplexity: decoding response", err)
	}
	if out.Error != nil {
		return nil, auditerr.New(auditerr.ProviderUnavailable, "perplexity: "+out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return nil, auditerr.New(auditerr.ProviderUnavailable, "perplexity: empty choices")
	}

	citations := make([]models.Citation, 0, len(out.Citations))
	for i, url := range out.Citations {
		citations = append(citations, models.Citation{URL: url, Title: fmt.Sprintf("source %d", i+1)})
	}

	return &Result{
		Text:      out.Choices[0].Message.Content,
		TokensIn:  out.Usage.PromptTokens,
		TokensOut: out.Usage.CompletionTokens,
		Cost:      a.pricing.lookup(model).cost(out.Usage.PromptTokens, out.Usage.CompletionTokens),
		Citations: citations,
		LatencyMS: clampLatency(start),
	}, nil
}

func (a *PerplexityAdapter) SupportsStreaming() bool { return false }

func (a *PerplexityAdapter) CollectStream(ctx context.Context, req Request) (<-chan StreamChunk, <-chan error) {
	chunks := make(chan StreamChunk)
	errs := make(chan error, 1)
	close(chunks)
	errs <- auditerr.New(auditerr.InvalidRequest, "perplexity: streaming not supported")
	close(errs)
	return chunks, errs
}

func (a *PerplexityAdapter) EstimateCost(req Request, estimatedOutputTokens int) models.Money {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}
	tokensIn := estimateTokens(req.Prompt)
	return a.pricing.lookup(model).cost(tokensIn, estimatedOutputTokens)
}
