package db

import (
	"testing"
)

func TestConditionMatches(t *testing.T) {
	payload := map[string]any{
		"plan":   "premium",
		"amount": 150,
		"note":   "urgent request",
	}

	tests := []struct {
		name      string
		condition Condition
		want      bool
	}{
		{"equals match", Condition{Field: "plan", Operator: OpEquals, Value: "premium"}, true},
		{"equals mismatch", Condition{Field: "plan", Operator: OpEquals, Value: "free"}, false},
		{"equals on number", Condition{Field: "amount", Operator: OpEquals, Value: "150"}, true},
		{"not_equals match", Condition{Field: "plan", Operator: OpNotEquals, Value: "free"}, true},
		{"not_equals mismatch", Condition{Field: "plan", Operator: OpNotEquals, Value: "premium"}, false},
		{"contains match", Condition{Field: "note", Operator: OpContains, Value: "urgent"}, true},
		{"contains mismatch", Condition{Field: "note", Operator: OpContains, Value: "calm"}, false},
		{"missing field never matches", Condition{Field: "missing", Operator: OpEquals, Value: ""}, false},
		{"missing field with not_equals", Condition{Field: "missing", Operator: OpNotEquals, Value: "x"}, false},
		{"unknown operator", Condition{Field: "plan", Operator: "gt", Value: "a"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.condition.Matches(payload); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConditionValidate(t *testing.T) {
	tests := []struct {
		name      string
		condition Condition
		wantErr   bool
	}{
		{"valid equals", Condition{Field: "plan", Operator: OpEquals, Value: "x"}, false},
		{"valid contains", Condition{Field: "plan", Operator: OpContains, Value: "x"}, false},
		{"empty field", Condition{Operator: OpEquals, Value: "x"}, true},
		{"bad operator", Condition{Field: "plan", Operator: "regex", Value: "x"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.condition.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRuleNormalize(t *testing.T) {
	rule := Rule{TriggerReference: "  "}
	rule.Normalize()
	if rule.TriggerReference != WildcardReference {
		t.Errorf("expected wildcard reference, got %q", rule.TriggerReference)
	}

	rule = Rule{TriggerReference: "contact-form"}
	rule.Normalize()
	if rule.TriggerReference != "contact-form" {
		t.Errorf("explicit reference should be preserved, got %q", rule.TriggerReference)
	}
}

func TestRuleValidate(t *testing.T) {
	tests := []struct {
		name    string
		rule    Rule
		wantErr bool
	}{
		{
			"valid rule",
			Rule{TriggerType: TriggerFormSubmission, RecipientType: RecipientAdmin},
			false,
		},
		{
			"missing trigger type",
			Rule{RecipientType: RecipientAdmin},
			true,
		},
		{
			"negative delay",
			Rule{TriggerType: TriggerFormSubmission, RecipientType: RecipientAdmin, DelayMinutes: -5},
			true,
		},
		{
			"bad recipient type",
			Rule{TriggerType: TriggerFormSubmission, RecipientType: "everyone"},
			true,
		},
		{
			"invalid condition propagates",
			Rule{TriggerType: TriggerFormSubmission, RecipientType: RecipientAdmin,
				Conditions: &Condition{Field: "", Operator: OpEquals}},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSenderValidate(t *testing.T) {
	tests := []struct {
		name    string
		sender  Sender
		wantErr bool
	}{
		{"smtp with host", Sender{Type: SenderSMTP, SMTPHost: "mail.example.com", FromAddress: "a@b.c"}, false},
		{"smtp without host", Sender{Type: SenderSMTP, FromAddress: "a@b.c"}, true},
		{"mailgun without host", Sender{Type: SenderMailgun, FromAddress: "a@b.c"}, true},
		{"ses without host", Sender{Type: SenderSES, FromAddress: "a@b.c"}, false},
		{"resend", Sender{Type: SenderResend, FromAddress: "a@b.c"}, false},
		{"missing from address", Sender{Type: SenderSES}, true},
		{"unknown type", Sender{Type: "carrier-pigeon", FromAddress: "a@b.c"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sender.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPriorityRoundTrip(t *testing.T) {
	for _, level := range []int{PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent} {
		if got := ParsePriority(PriorityName(level)); got != level {
			t.Errorf("round trip of level %d gave %d", level, got)
		}
	}

	if ParsePriority("whenever") != PriorityNormal {
		t.Error("unknown priority name should map to normal")
	}
	if PriorityName(99) != "normal" {
		t.Error("unknown priority level should read as normal")
	}
}

func TestValidStatus(t *testing.T) {
	for _, s := range []string{StatusPending, StatusProcessing, StatusSent, StatusFailed, StatusCancelled} {
		if !ValidStatus(s) {
			t.Errorf("%q should be valid", s)
		}
	}
	if ValidStatus("queued") {
		t.Error("unknown status should be invalid")
	}
}
