// Package notify delivers operator notifications for terminal audit states
// over Slack. Fail-open throughout: notification errors are logged, never
// propagated — a Slack outage must not fail an audit.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/brandscope/visibility-audit/pkg/config"
	"github.com/brandscope/visibility-audit/pkg/models"
)

const maxBlockTextLength = 2900

var statusEmoji = map[models.AuditStatus]string{
	models.AuditStatusCompleted: ":white_check_mark:",
	models.AuditStatusFailed:    ":x:",
	models.AuditStatusCancelled: ":no_entry_sign:",
}

var statusLabel = map[models.AuditStatus]string{
	models.AuditStatusCompleted: "Audit Complete",
	models.AuditStatusFailed:    "Audit Failed",
	models.AuditStatusCancelled: "Audit Cancelled",
}

// AuditOutcome carries the fields the terminal notification renders.
type AuditOutcome struct {
	AuditID      string
	Brand        string
	Status       models.AuditStatus
	OverallScore float64
	TotalQueries int
	Warning      string
	ErrorMessage string
}

// Service posts audit notifications to a fixed channel. Nil-safe: all
// methods are no-ops on a nil receiver, so callers never branch on
// whether Slack is configured.
type Service struct {
	api     *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewService builds a Service from config. Returns nil when Slack is
// disabled or unconfigured.
func NewService(cfg config.NotifyConfig) *Service {
	if !cfg.SlackEnabled || cfg.SlackToken == "" || cfg.SlackChannel == "" {
		return nil
	}
	return &Service{
		api:     goslack.New(cfg.SlackToken),
		channel: cfg.SlackChannel,
		logger:  slog.Default().With("component", "notify"),
	}
}

// NewServiceWithClient builds a Service around a pre-built slack client,
// for tests against a mock API server.
func NewServiceWithClient(api *goslack.Client, channel string) *Service {
	return &Service{api: api, channel: channel, logger: slog.Default().With("component", "notify")}
}

// NotifyAuditTerminal posts the terminal-state message for an audit.
func (s *Service) NotifyAuditTerminal(ctx context.Context, outcome AuditOutcome) {
	if s == nil {
		return
	}

	blocks := buildTerminalMessage(outcome)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, _, err := s.api.PostMessageContext(ctx, s.channel, goslack.MsgOptionBlocks(blocks...))
	if err != nil {
		s.logger.Error("Failed to send audit notification",
			"audit_id", outcome.AuditID, "status", outcome.Status, "error", err)
	}
}

func buildTerminalMessage(outcome AuditOutcome) []goslack.Block {
	emoji := statusEmoji[outcome.Status]
	if emoji == "" {
		emoji = ":question:"
	}
	label := statusLabel[outcome.Status]
	if label == "" {
		label = "Audit " + string(outcome.Status)
	}

	header := fmt.Sprintf("%s *%s* — %s", emoji, label, outcome.Brand)
	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, header, false, false),
			nil, nil,
		),
	}

	var body string
	switch outcome.Status {
	case models.AuditStatusCompleted:
		body = fmt.Sprintf("Overall visibility score: *%.0f/100* across %d queries.", outcome.OverallScore, outcome.TotalQueries)
		if outcome.Warning != "" {
			body += "\n:warning: " + outcome.Warning
		}
	case models.AuditStatusFailed:
		body = "Error: " + outcome.ErrorMessage
	}
	if body != "" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, truncateForSlack(body), false, false),
			nil, nil,
		))
	}

	blocks = append(blocks, goslack.NewContextBlock("",
		goslack.NewTextBlockObject(goslack.MarkdownType, "audit "+outcome.AuditID, false, false)))
	return blocks
}

func truncateForSlack(s string) string {
	if len(s) <= maxBlockTextLength {
		return s
	}
	return s[:maxBlockTextLength-3] + "..."
}
