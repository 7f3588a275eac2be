// Package dispatch orchestrates the enqueue path: an application event comes
// in, matching rules fan out into rendered, sender-resolved queue rows.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/formhub/courier/internal/db"
	"github.com/formhub/courier/internal/metrics"
	"github.com/formhub/courier/internal/queue"
	"github.com/formhub/courier/internal/rules"
	"github.com/formhub/courier/internal/sender"
	"github.com/formhub/courier/internal/template"
)

// TemplateStore is the subset of the repository the dispatcher needs.
type TemplateStore interface {
	GetTemplate(ctx context.Context, id uuid.UUID) (*db.Template, error)
}

// Result summarizes one trigger's fan-out.
type Result struct {
	Matched int `json:"matched"`
	Queued  int `json:"queued"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Service wires matcher, resolver, renderer, selector and writer into the
// single Trigger entry point the rest of the platform calls.
type Service struct {
	matcher   *rules.Matcher
	resolver  *rules.Resolver
	templates TemplateStore
	selector  *sender.Selector
	writer    *queue.Writer
	logger    *zap.Logger
}

// NewService creates the dispatch service.
func NewService(
	matcher *rules.Matcher,
	resolver *rules.Resolver,
	templates TemplateStore,
	selector *sender.Selector,
	writer *queue.Writer,
	logger *zap.Logger,
) *Service {
	return &Service{
		matcher:   matcher,
		resolver:  resolver,
		templates: templates,
		selector:  selector,
		writer:    writer,
		logger:    logger,
	}
}

// Trigger processes one business event. Each matched rule is handled in
// isolation: a missing template or unavailable sender fails that rule's
// messages only, never the siblings. The returned error covers only total
// failures (rule lookup itself).
func (s *Service) Trigger(ctx context.Context, triggerType, triggerReference string, formEntryID *int64, payload map[string]any) (*Result, error) {
	return s.dispatch(ctx, triggerType, triggerReference, formEntryID, payload, false)
}

func (s *Service) dispatch(ctx context.Context, triggerType, triggerReference string, formEntryID *int64, payload map[string]any, force bool) (*Result, error) {
	matched, err := s.matcher.FindMatching(ctx, triggerType, triggerReference, payload)
	if err != nil {
		return nil, err
	}

	result := &Result{Matched: len(matched)}
	for _, rule := range matched {
		s.processRule(ctx, rule, triggerType, formEntryID, payload, force, result)
	}

	s.logger.Info("event processed",
		zap.String("trigger_type", triggerType),
		zap.String("trigger_reference", triggerReference),
		zap.Int("matched", result.Matched),
		zap.Int("queued", result.Queued),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// processRule builds and enqueues the messages for one matched rule.
func (s *Service) processRule(ctx context.Context, rule *db.Rule, triggerType string, formEntryID *int64, payload map[string]any, force bool, result *Result) {
	recipients := s.resolver.Resolve(rule, payload)
	if len(recipients) == 0 {
		// No-op by design, already logged by the resolver.
		result.Skipped++
		metrics.RecordSkipped("no_recipients")
		return
	}

	tpl, err := s.templates.GetTemplate(ctx, rule.TemplateID)
	if err != nil {
		s.logger.Error("template lookup failed, rule aborted",
			zap.Error(err),
			zap.String("rule_id", rule.ID.String()),
			zap.String("template_id", rule.TemplateID.String()),
		)
		result.Failed++
		return
	}

	rendered := template.Render(tpl, payload)

	// Reserve one send slot per recipient up front so a multi-recipient
	// rule cannot slip past the sender's hourly/daily limits.
	snd, err := s.selector.Select(ctx, rule.SenderID, tpl.Category, len(recipients))
	if err != nil {
		// Per-message fatal: no sender or over limit aborts this rule's
		// messages, not the batch.
		s.logger.Error("sender selection failed, rule aborted",
			zap.Error(err),
			zap.String("rule_id", rule.ID.String()),
			zap.String("category", tpl.Category),
		)
		if errors.Is(err, sender.ErrRateLimited) {
			metrics.RecordRateLimited("sender")
		}
		result.Failed++
		return
	}

	fromEmail, fromName, replyTo := rendered.FromEmail, rendered.FromName, rendered.ReplyTo
	if fromEmail == "" {
		fromEmail = snd.FromAddress
		fromName = snd.FromName
	}

	triggerData, _ := json.Marshal(payload)
	variables, _ := json.Marshal(rendered.Variables)

	for _, rcpt := range recipients {
		_, err := s.writer.Enqueue(ctx, queue.EnqueueRequest{
			Rule:           rule,
			TemplateID:     tpl.ID,
			FormEntryID:    formEntryID,
			Sender:         snd,
			RecipientEmail: rcpt.Email,
			RecipientName:  rcpt.Name,
			Subject:        rendered.Subject,
			BodyHTML:       rendered.HTML,
			BodyText:       rendered.Text,
			FromEmail:      fromEmail,
			FromName:       fromName,
			ReplyTo:        replyTo,
			TriggerData:    triggerData,
			Variables:      variables,
			DelayMinutes:   rule.DelayMinutes,
			Priority:       db.PriorityNormal,
			Force:          force,
		})
		switch {
		case errors.Is(err, queue.ErrDuplicatePending):
			result.Skipped++
			metrics.RecordSkipped("duplicate")
		case err != nil:
			s.logger.Error("enqueue failed",
				zap.Error(err),
				zap.String("rule_id", rule.ID.String()),
				zap.String("recipient", rcpt.Email),
			)
			result.Failed++
		default:
			result.Queued++
			metrics.RecordEnqueued(triggerType)
		}
	}
}
