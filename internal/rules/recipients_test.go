package rules

import (
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/formhub/courier/internal/db"
)

func newResolver(admins []string) *Resolver {
	return NewResolver(ResolverConfig{
		AdminEmails:     admins,
		UserEmailFields: []string{"email", "user_email", "customer_email"},
	}, zap.NewNop())
}

func TestResolve_Admin(t *testing.T) {
	resolver := newResolver([]string{"ops@example.com", "admin@example.com"})
	rule := &db.Rule{ID: uuid.New(), RecipientType: db.RecipientAdmin}

	got := resolver.Resolve(rule, nil)
	if len(got) != 2 {
		t.Fatalf("expected 2 recipients, got %d", len(got))
	}
	if got[0].Email != "ops@example.com" || got[1].Email != "admin@example.com" {
		t.Errorf("unexpected recipients: %v", got)
	}
}

func TestResolve_AdminWithoutConfig(t *testing.T) {
	resolver := newResolver(nil)
	rule := &db.Rule{ID: uuid.New(), RecipientType: db.RecipientAdmin}

	if got := resolver.Resolve(rule, nil); len(got) != 0 {
		t.Fatalf("expected no recipients without admin config, got %v", got)
	}
}

func TestResolve_UserFieldOrder(t *testing.T) {
	resolver := newResolver(nil)
	rule := &db.Rule{ID: uuid.New(), RecipientType: db.RecipientUser}

	tests := []struct {
		name    string
		payload map[string]any
		want    string
	}{
		{"first field wins", map[string]any{"email": "a@x.com", "user_email": "b@x.com"}, "a@x.com"},
		{"falls through to later field", map[string]any{"customer_email": "c@x.com"}, "c@x.com"},
		{"empty value is skipped", map[string]any{"email": "", "user_email": "b@x.com"}, "b@x.com"},
		{"no email anywhere", map[string]any{"name": "Pat"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolver.Resolve(rule, tt.payload)
			if tt.want == "" {
				if len(got) != 0 {
					t.Fatalf("expected no recipients, got %v", got)
				}
				return
			}
			if len(got) != 1 || got[0].Email != tt.want {
				t.Fatalf("expected %q, got %v", tt.want, got)
			}
		})
	}
}

func TestResolve_UserName(t *testing.T) {
	resolver := newResolver(nil)
	rule := &db.Rule{ID: uuid.New(), RecipientType: db.RecipientUser}

	got := resolver.Resolve(rule, map[string]any{"email": "a@x.com", "user_name": "Pat"})
	if len(got) != 1 || got[0].Name != "Pat" {
		t.Fatalf("expected named recipient, got %v", got)
	}
}

func TestResolve_Custom(t *testing.T) {
	resolver := newResolver(nil)
	rule := &db.Rule{
		ID:              uuid.New(),
		RecipientType:   db.RecipientCustom,
		RecipientEmails: []string{"x@y.com", "", "z@y.com"},
	}

	got := resolver.Resolve(rule, nil)
	if len(got) != 2 {
		t.Fatalf("expected empty addresses to be dropped, got %v", got)
	}
}

func TestResolve_Conditional(t *testing.T) {
	rule := &db.Rule{
		ID:              uuid.New(),
		RecipientType:   db.RecipientConditional,
		RecipientEmails: []string{"vip@example.com"},
		Conditions:      &db.Condition{Field: "tier", Operator: db.OpEquals, Value: "vip"},
	}
	resolver := newResolver(nil)

	if got := resolver.Resolve(rule, map[string]any{"tier": "vip"}); len(got) != 1 {
		t.Fatalf("expected conditional recipients when condition holds, got %v", got)
	}
	if got := resolver.Resolve(rule, map[string]any{"tier": "basic"}); len(got) != 0 {
		t.Fatalf("expected no recipients when condition fails, got %v", got)
	}

	// A conditional rule without a condition never selects anyone.
	rule.Conditions = nil
	if got := resolver.Resolve(rule, map[string]any{"tier": "vip"}); len(got) != 0 {
		t.Fatalf("expected no recipients without a condition, got %v", got)
	}
}

func TestResolve_UnknownType(t *testing.T) {
	resolver := newResolver([]string{"ops@example.com"})
	rule := &db.Rule{ID: uuid.New(), RecipientType: "broadcast"}

	if got := resolver.Resolve(rule, nil); len(got) != 0 {
		t.Fatalf("expected no recipients for unknown type, got %v", got)
	}
}
