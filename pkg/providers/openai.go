package providers

import (
	"context"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/brandscope/visibility-audit/pkg/auditerr"
	"github.com/brandscope/visibility-audit/pkg/models"
)

var openAIPricing = perModelPricing{
	"":             {InputPer1M: 2.50, OutputPer1M: 10.00}, // fallback, gpt-4o-class
	"gpt-4o":       {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":  {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4-turbo":  {InputPer1M: 10.00, OutputPer1M: 30.00},
}

// OpenAIAdapter invokes the Chat Completions API via the official SDK.
type OpenAIAdapter struct {
	client       openai.Client
	defaultModel string
	pricing      perModelPricing
}

// NewOpenAI builds an OpenAIAdapter. baseURL may be empty to use the
// SDK's default endpoint.
func NewOpenAI(apiKey, baseURL, defaultModel string) *OpenAIAdapter {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIAdapter{
		client:       openai.NewClient(opts...),
		defaultModel: defaultModel,
		pricing:      openAIPricing,
	}
}

func (a *OpenAIAdapter) Name() models.Provider { return models.ProviderOpenAI }

func (a *OpenAIAdapter) Invoke(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}

	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		if mapped, ok := mapContextErr("openai", err); ok {
			return nil, mapped
		}
		return nil, auditerr.Wrap(auditerr.ProviderUnavailable, "openai: chat completion failed", err)
	}
	if len(resp.Choices) == 0 {
		return nil, auditerr.New(auditerr.ProviderUnavailable, "openai: empty choices")
	}

	tokensIn := int(resp.Usage.PromptTokens)
	tokensOut := int(resp.Usage.CompletionTokens)

	return &Result{
		Text:      resp.Choices[0].Message.Content,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		Cost:      a.pricing.lookup(model).cost(tokensIn, tokensOut),
		LatencyMS: clampLatency(start),
	}, nil
}

func (a *OpenAIAdapter) SupportsStreaming() bool { return true }

func (a *OpenAIAdapter) CollectStream(ctx context.Context, req Request) (<-chan StreamChunk, <-chan error) {
	chunks := make(chan StreamChunk, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		model := req.Model
		if model == "" {
			model = a.defaultModel
		}
		messages := []openai.ChatCompletionMessageParamUnion{}
		if req.SystemPrompt != "" {
			messages = append(messages, openai.SystemMessage(req.SystemPrompt))
		}
		messages = append(messages, openai.UserMessage(req.Prompt))

		stream := a.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
			Model:    model,
			Messages: messages,
		})
		defer stream.Close()

		tokensOut := 0
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			tokensOut++
			select {
			case chunks <- StreamChunk{Content: delta, TokensOut: tokensOut}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if err := stream.Err(); err != nil {
			errs <- auditerr.Wrap(auditerr.ProviderUnavailable, "openai: stream error", err)
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

func (a *OpenAIAdapter) EstimateCost(req Request, estimatedOutputTokens int) models.Money {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}
	tokensIn := estimateTokens(req.Prompt)
	return a.pricing.lookup(model).cost(tokensIn, estimatedOutputTokens)
}
