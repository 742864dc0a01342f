package providers

import (
	"context"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/brandscope/visibility-audit/pkg/auditerr"
	"github.com/brandscope/visibility-audit/pkg/models"
)

var anthropicPricing = perModelPricing{
	"":                          {InputPer1M: 3.00, OutputPer1M: 15.00}, // fallback, Sonnet-class
	"claude-sonnet-4-5":         {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-opus-4-1":           {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-haiku-4-5":          {InputPer1M: 0.80, OutputPer1M: 4.00},
}

// AnthropicAdapter invokes the Messages API via the official SDK.
type AnthropicAdapter struct {
	client       anthropic.Client
	defaultModel string
	pricing      perModelPricing
	maxTokens    int64
}

// NewAnthropic builds an AnthropicAdapter.
func NewAnthropic(apiKey, baseURL, defaultModel string) *AnthropicAdapter {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicAdapter{
		client:       anthropic.NewClient(opts...),
		defaultModel: defaultModel,
		pricing:      anthropicPricing,
		maxTokens:    4096,
	}
}

func (a *AnthropicAdapter) Name() models.Provider { return models.ProviderAnthropic }

func (a *AnthropicAdapter) Invoke(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}
	maxTokens := a.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		if mapped, ok := mapContextErr("anthropic", err); ok {
			return nil, mapped
		}
		return nil, auditerr.Wrap(auditerr.ProviderUnavailable, "anthropic: messages.new failed", err)
	}
	if len(msg.Content) == 0 {
		return nil, auditerr.New(auditerr.ProviderUnavailable, "anthropic: empty content")
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	tokensIn := int(msg.Usage.InputTokens)
	tokensOut := int(msg.Usage.OutputTokens)

	return &Result{
		Text:      text,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		Cost:      a.pricing.lookup(model).cost(tokensIn, tokensOut),
		LatencyMS: clampLatency(start),
	}, nil
}

func (a *AnthropicAdapter) SupportsStreaming() bool { return true }

func (a *AnthropicAdapter) CollectStream(ctx context.Context, req Request) (<-chan StreamChunk, <-chan error) {
	chunks := make(chan StreamChunk, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		model := req.Model
		if model == "" {
			model = a.defaultModel
		}
		maxTokens := a.maxTokens
		if req.MaxTokens > 0 {
			maxTokens = int64(req.MaxTokens)
		}

		stream := a.client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			MaxTokens: maxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
			},
		})

		tokensOut := 0
		for stream.Next() {
			event := stream.Current()
			delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			text := delta.Delta.Text
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
		if err := stream.Err(); err != nil {
			errs <- auditerr.Wrap(auditerr.ProviderUnavailable, "anthropic: stream error", err)
			return
		}
		select {
		case chunks <- StreamChunk{IsFinal: true, TokensOut: tokensOut}:
		case <-ctx.Done():
			errs <- ctx.Err()
		}
	}()

	return chunks, errs
}

func (a *AnthropicAdapter) EstimateCost(req Request, estimatedOutputTokens int) models.Money {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}
	tokensIn := estimateTokens(req.Prompt)
	return a.pricing.lookup(model).cost(tokensIn, estimatedOutputTokens)
}
