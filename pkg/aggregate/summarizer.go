package aggregate

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/prompts"

	"github.com/brandscope/visibility-audit/pkg/models"
)

// SummaryInput carries everything a Summarizer needs to write the L3
// narrative.
type SummaryInput struct {
	Profile      models.CompanyProfile
	OverallScore float64
	L1           []models.CategoryAggregate
	TopPriority  string
}

// Summarizer produces the executive-summary narrative. The production
// deployment may plug in an LLM-assisted implementation behind this seam;
// the default is the deterministic template below.
type Summarizer interface {
	Summarize(ctx context.Context, in SummaryInput) (string, error)
}

// TemplateSummarizer renders the narrative from a fixed prompt template —
// no model call, fully deterministic, which also keeps the idempotence
// property (re-running an audit yields byte-identical L3 narrative).
type TemplateSummarizer struct {
	tmpl prompts.PromptTemplate
}

// NewTemplateSummarizer builds the default Summarizer.
func NewTemplateSummarizer() *TemplateSummarizer {
	return &TemplateSummarizer{
		tmpl: prompts.NewPromptTemplate(
			"{{.brand}} scores {{.score}}/100 for AI visibility across {{.categories}} buyer-journey categories. "+
				"Strongest category: {{.strongest}}. Weakest category: {{.weakest}}. "+
				"Top priority: {{.priority}}",
			[]string{"brand", "score", "categories", "strongest", "weakest", "priority"},
		),
	}
}

// Summarize implements Summarizer.
func (s *TemplateSummarizer) Summarize(_ context.Context, in SummaryInput) (string, error) {
	strongest, weakest := "n/a", "n/a"
	bestScore, worstScore := -1.0, 101.0
	for _, l1 := range in.L1 {
		score := l1.AvgScores["geo"]
		if score > bestScore {
			bestScore = score
			strongest = strings.ReplaceAll(string(l1.Category), "_", " ")
		}
		if score < worstScore {
			worstScore = score
			weakest = strings.ReplaceAll(string(l1.Category), "_", " ")
		}
	}

	priority := in.TopPriority
	if priority == "" {
		priority = "maintain current visibility investments"
	}

	return s.tmpl.Format(map[string]any{
		"brand":      in.Profile.Brand,
		"score":      fmt.Sprintf("%.0f", in.OverallScore),
		"categories": fmt.Sprintf("%d", len(in.L1)),
		"strongest":  strongest,
		"weakest":    weakest,
		"priority":   priority,
	})
}
