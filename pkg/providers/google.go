package providers

import (
	"context"
	"time"

	"google.golang.org/genai"

	"github.com/brandscope/visibility-audit/pkg/auditerr"
	"github.com/brandscope/visibility-audit/pkg/models"
)

var googlePricing = perModelPricing{
	"":                  {InputPer1M: 1.25, OutputPer1M: 5.00}, // fallback, Gemini Pro-class
	"gemini-2.5-pro":    {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-2.5-flash":  {InputPer1M: 0.30, OutputPer1M: 1.20},
}

// GoogleAdapter invokes Gemini's generateContent via google.golang.org/genai.
type GoogleAdapter struct {
	client       *genai.Client
	defaultModel string
	pricing      perModelPricing
}

// NewGoogle builds a GoogleAdapter against the Gemini Developer API.
func NewGoogle(ctx context.Context, apiKey, defaultModel string) (*GoogleAdapter, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, auditerr.Wrap(auditerr.ProviderUnavailable, "google: client init failed", err)
	}
	return &GoogleAdapter{client: client, defaultModel: defaultModel, pricing: googlePricing}, nil
}

func (a *GoogleAdapter) Name() models.Provider { return models.ProviderGoogle }

func (a *GoogleAdapter) Invoke(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}

	var cfg *genai.GenerateContentConfig
	if req.SystemPrompt != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(req.SystemPrompt, genai.RoleUser),
		}
	}

	resp, err := a.client.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), cfg)
	if err != nil {
		if mapped, ok := mapContextErr("google", err); ok {
			return nil, mapped
		}
		return nil, auditerr.Wrap(auditerr.ProviderUnavailable, "google: generateContent failed", err)
	}

	text := resp.Text()
	if text == "" {
		return nil, auditerr.New(auditerr.ProviderUnavailable, "google: empty response")
	}

	tokensIn, tokensOut := 0, 0
	if resp.UsageMetadata != nil {
		tokensIn = int(resp.UsageMetadata.PromptTokenCount)
		tokensOut = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &Result{
		Text:      text,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		Cost:      a.pricing.lookup(model).cost(tokensIn, tokensOut),
		LatencyMS: clampLatency(start),
	}, nil
}

func (a *GoogleAdapter) SupportsStreaming() bool { return true }

func (a *GoogleAdapter) CollectStream(ctx context.Context, req Request) (<-chan StreamChunk, <-chan error) {
	chunks := make(chan StreamChunk, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		model := req.Model
		if model == "" {
			model = a.defaultModel
		}

		tokensOut := 0
		for resp, err := range a.client.Models.GenerateContentStream(ctx, model, genai.Text(req.Prompt), nil) {
			if err != nil {
				errs <- auditerr.Wrap(auditerr.ProviderUnavailable, "google: stream error", err)
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			tokensOut++
			select {
			case chunks <- StreamChunk{Content: text, TokensOut: tokensOut}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		select {
		case chunks <- StreamChunk{IsFinal: true, TokensOut: tokensOut}:
		case <-ctx.Done():
			errs <- ctx.Err()
		}
	}()

	return chunks, errs
}

func (a *GoogleAdapter) EstimateCost(req Request, estimatedOutputTokens int) models.Money {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}
	tokensIn := estimateTokens(req.Prompt)
	return a.pricing.lookup(model).cost(tokensIn, estimatedOutputTokens)
}
