package providers

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/shopspring/decimal"

	"github.com/brandscope/visibility-audit/pkg/models"
)

var (
	tokenizerOnce sync.Once
	tokenizer     *tiktoken.Tiktoken
)

// estimateTokens counts prompt tokens for pre-request cost estimation
// (cost.Accountant.MayIssue). Uses the cl100k_base encoding for every
// backend — exact for OpenAI-family models, a close-enough proxy for the
// rest, and strictly better than a bytes/4 guess either way. Falls back to
// bytes/4 if the encoding can't be loaded.
func estimateTokens(prompt string) int {
	tokenizerOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			tokenizer = enc
		}
	})
	if tokenizer == nil {
		return len(prompt) / 4
	}
	return len(tokenizer.Encode(prompt, nil, nil))
}

// PriceTable holds per-1M-token input/output pricing for one model.
type PriceTable struct {
	InputPer1M  float64
	OutputPer1M float64
}

// cost computes a 4-decimal-place Money for the given token counts.
func (p PriceTable) cost(tokensIn, tokensOut int) models.Money {
	in := decimal.NewFromFloat(p.InputPer1M).Mul(decimal.NewFromInt(int64(tokensIn))).Div(decimal.NewFromInt(1_000_000))
	out := decimal.NewFromFloat(p.OutputPer1M).Mul(decimal.NewFromInt(int64(tokensOut))).Div(decimal.NewFromInt(1_000_000))
	return in.Add(out).Round(4)
}

// perModelPricing maps model name -> PriceTable, with a "" fallback entry
// used when the configured model isn't in the table (new/unlisted models
// still get a cost, never a zero-cost free ride).
type perModelPricing map[string]PriceTable

func (p perModelPricing) lookup(model string) PriceTable {
	if t, ok := p[model]; ok {
		return t
	}
	return p[""]
}
