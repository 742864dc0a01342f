// Package querygen provides the default Query Generator: given a
// CompanyProfile, produce the audit's fixed-category query set. The
// Generator interface is the seam an external, LLM-backed generator can
// implement instead.
package querygen

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/prompts"

	"github.com/brandscope/visibility-audit/pkg/auditerr"
	"github.com/brandscope/visibility-audit/pkg/models"
)

// Generator produces the query set for one audit from its CompanyProfile.
type Generator interface {
	Generate(ctx context.Context, auditID string, profile models.CompanyProfile, perCategory int) ([]models.Query, error)
}

// categoryTemplate maps a category to the langchaingo prompt template used
// to phrase its queries, and the base intent/difficulty/priority metadata
// attached to every query it produces.
type categoryTemplate struct {
	template   *prompts.PromptTemplate
	intent     string
	priority   models.QueryPriority
	difficulty int
}

// TemplateGenerator is the default, non-LLM Generator: it expands a small
// per-category prompt-template table against the CompanyProfile. Despite
// using langchaingo's templating, no model call happens here — it is a
// deterministic string expansion.
type TemplateGenerator struct {
	templates map[models.QueryCategory]categoryTemplate
}

// NewTemplateGenerator builds the default Generator with one template per
// fixed category.
func NewTemplateGenerator() *TemplateGenerator {
	mk := func(tmpl string) *prompts.PromptTemplate {
		pt := prompts.NewPromptTemplate(tmpl, []string{"brand", "industry", "competitor"})
		return &pt
	}

	return &TemplateGenerator{templates: map[models.QueryCategory]categoryTemplate{
		models.CategoryProblemUnaware: {
			template:   mk("What are common challenges businesses in {{.industry}} face?"),
			intent:     "problem_unaware",
			priority:   models.PriorityLow,
			difficulty: 2,
		},
		models.CategorySolutionSeeking: {
			template:   mk("What tools help solve {{.industry}} problems?"),
			intent:     "solution_seeking",
			priority:   models.PriorityMedium,
			difficulty: 4,
		},
		models.CategoryBrandSpecific: {
			template:   mk("What is {{.brand}} and what does it do?"),
			intent:     "brand_specific",
			priority:   models.PriorityHigh,
			difficulty: 3,
		},
		models.CategoryComparison: {
			template:   mk("How does {{.brand}} compare to {{.competitor}}?"),
			intent:     "comparison",
			priority:   models.PriorityHigh,
			difficulty: 6,
		},
		models.CategoryEvaluation: {
			template:   mk("Is {{.brand}} worth it for {{.industry}} companies?"),
			intent:     "evaluation",
			priority:   models.PriorityMedium,
			difficulty: 5,
		},
		models.CategoryPostPurchase: {
			template:   mk("How do I get the most out of {{.brand}}?"),
			intent:     "post_purchase",
			priority:   models.PriorityLow,
			difficulty: 3,
		},
	}}
}

// Generate expands every category's template perCategory times (cycling
// through configured competitors for variety), returning queries in
// stable category order with PositionInAudit set.
func (g *TemplateGenerator) Generate(ctx context.Context, auditID string, profile models.CompanyProfile, perCategory int) ([]models.Query, error) {
	if profile.Brand == "" {
		return nil, auditerr.New(auditerr.InvalidRequest, "querygen: company profile missing brand")
	}
	if perCategory <= 0 {
		perCategory = 1
	}

	var queries []models.Query
	position := 0

	for _, category := range models.Categories {
		ct, ok := g.templates[category]
		if !ok {
			continue
		}
		for i := 0; i < perCategory; i++ {
			competitor := ""
			if len(profile.Competitors) > 0 {
				competitor = profile.Competitors[i%len(profile.Competitors)]
			}

			text, err := ct.template.Format(map[string]any{
				"brand":      profile.Brand,
				"industry":   profile.Industry,
				"competitor": competitor,
			})
			if err != nil {
				return nil, auditerr.Wrap(auditerr.InvalidRequest, fmt.Sprintf("querygen: formatting template for %s", category), err)
			}

			queries = append(queries, models.Query{
				ID:              uuid.NewString(),
				AuditID:         auditID,
				Text:            text,
				Category:        category,
				Intent:          ct.intent,
				Priority:        ct.priority,
				Difficulty:      ct.difficulty,
				PositionInAudit: position,
			})
			position++
		}
	}

	if len(queries) == 0 {
		return nil, auditerr.New(auditerr.NoQueries, "querygen: produced zero queries")
	}
	return queries, nil
}
