// Package rules matches stored notification rules against business events and
// resolves the concrete recipient list for a matched rule.
package rules

import (
	"context"

	"go.uber.org/zap"

	"github.com/formhub/courier/internal/db"
)

// RuleStore is the subset of the repository the matcher needs.
type RuleStore interface {
	ListActiveRules(ctx context.Context, triggerType string) ([]*db.Rule, error)
}

// Matcher finds the active rules that apply to a trigger.
type Matcher struct {
	store  RuleStore
	logger *zap.Logger
}

// NewMatcher creates a rule matcher.
func NewMatcher(store RuleStore, logger *zap.Logger) *Matcher {
	return &Matcher{store: store, logger: logger}
}

// FindMatching returns every active rule whose trigger matches the given
// (type, reference) pair and whose optional condition holds for the payload.
// Rules are independent: zero, one or many may match.
func (m *Matcher) FindMatching(ctx context.Context, triggerType, triggerReference string, payload map[string]any) ([]*db.Rule, error) {
	candidates, err := m.store.ListActiveRules(ctx, triggerType)
	if err != nil {
		return nil, err
	}

	var matched []*db.Rule
	for _, rule := range candidates {
		if !referenceMatches(rule.TriggerReference, triggerReference) {
			continue
		}
		if rule.Conditions != nil && !rule.Conditions.Matches(payload) {
			m.logger.Debug("rule condition not met",
				zap.String("rule_id", rule.ID.String()),
				zap.String("field", rule.Conditions.Field),
			)
			continue
		}
		matched = append(matched, rule)
	}

	m.logger.Debug("rules matched",
		zap.String("trigger_type", triggerType),
		zap.String("trigger_reference", triggerReference),
		zap.Int("candidates", len(candidates)),
		zap.Int("matched", len(matched)),
	)

	return matched, nil
}

func referenceMatches(ruleRef, triggerRef string) bool {
	return ruleRef == db.WildcardReference || ruleRef == triggerRef
}
