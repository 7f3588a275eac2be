package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/formhub/courier/internal/db"
)

type fakeRuleStore struct {
	rules []*db.Rule
	err   error
}

func (f *fakeRuleStore) ListActiveRules(ctx context.Context, triggerType string) ([]*db.Rule, error) {
	return f.rules, f.err
}

func newRule(reference string, cond *db.Condition) *db.Rule {
	return &db.Rule{
		ID:               uuid.New(),
		TriggerType:      db.TriggerFormSubmission,
		TriggerReference: reference,
		RecipientType:    db.RecipientAdmin,
		Status:           db.StatusActive,
		Conditions:       cond,
	}
}

func TestFindMatching_ReferenceFiltering(t *testing.T) {
	wildcard := newRule(db.WildcardReference, nil)
	contact := newRule("contact-form", nil)
	survey := newRule("survey-form", nil)

	store := &fakeRuleStore{rules: []*db.Rule{wildcard, contact, survey}}
	matcher := NewMatcher(store, zap.NewNop())

	matched, err := matcher.FindMatching(context.Background(), db.TriggerFormSubmission, "contact-form", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(matched) != 2 {
		t.Fatalf("expected 2 matched rules, got %d", len(matched))
	}
	ids := map[uuid.UUID]bool{matched[0].ID: true, matched[1].ID: true}
	if !ids[wildcard.ID] || !ids[contact.ID] {
		t.Error("expected wildcard and exact-reference rules to match")
	}
}

func TestFindMatching_ConditionFiltering(t *testing.T) {
	premiumOnly := newRule(db.WildcardReference, &db.Condition{
		Field: "plan", Operator: db.OpEquals, Value: "premium",
	})
	always := newRule(db.WildcardReference, nil)

	store := &fakeRuleStore{rules: []*db.Rule{premiumOnly, always}}
	matcher := NewMatcher(store, zap.NewNop())

	matched, err := matcher.FindMatching(context.Background(), db.TriggerFormSubmission, "any",
		map[string]any{"plan": "free"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matched) != 1 || matched[0].ID != always.ID {
		t.Fatalf("expected only the unconditional rule, got %d matches", len(matched))
	}

	matched, err = matcher.FindMatching(context.Background(), db.TriggerFormSubmission, "any",
		map[string]any{"plan": "premium"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matched) != 2 {
		t.Fatalf("expected both rules to match for premium payload, got %d", len(matched))
	}
}

func TestFindMatching_NoMatches(t *testing.T) {
	store := &fakeRuleStore{rules: []*db.Rule{newRule("other-form", nil)}}
	matcher := NewMatcher(store, zap.NewNop())

	matched, err := matcher.FindMatching(context.Background(), db.TriggerFormSubmission, "contact-form", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matched) != 0 {
		t.Fatalf("expected no matches, got %d", len(matched))
	}
}

func TestFindMatching_StoreError(t *testing.T) {
	store := &fakeRuleStore{err: errors.New("db down")}
	matcher := NewMatcher(store, zap.NewNop())

	if _, err := matcher.FindMatching(context.Background(), db.TriggerFormSubmission, "x", nil); err == nil {
		t.Fatal("expected error from store to propagate")
	}
}
