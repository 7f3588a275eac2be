package db

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Queue row status constants. Transitions are monotonic:
// pending→processing→{sent|failed}, pending→cancelled, failed→pending (retry).
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSent       = "sent"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// ValidStatus reports whether s is a known queue row status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Rule/template/sender status constants.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Trigger type constants. TriggerReference discriminates instances within a
// type (e.g. a form slug); "*" matches any reference.
const (
	TriggerFormSubmission   = "form_submission"
	TriggerUserRegistration = "user_registration"
	TriggerOrderPlaced      = "order_placed"

	WildcardReference = "*"
)

// Recipient type constants.
const (
	RecipientAdmin       = "admin"
	RecipientUser        = "user"
	RecipientCustom      = "custom"
	RecipientConditional = "conditional"
)

// Sender category constants.
const (
	CategoryInternal = "internal"
	CategoryExternal = "external"
	CategorySystem   = "system"
)

// Sender transport type constants.
const (
	SenderSMTP     = "smtp"
	SenderSendmail = "sendmail"
	SenderMailgun  = "mailgun"
	SenderSES      = "ses"
	SenderPostmark = "postmark"
	SenderResend   = "resend"
	SenderLog      = "log"
)

// Queue priority levels. Stored as a smallint so the drainer can order on it.
const (
	PriorityLow    = 0
	PriorityNormal = 1
	PriorityHigh   = 2
	PriorityUrgent = 3
)

var priorityNames = map[int]string{
	PriorityLow:    "low",
	PriorityNormal: "normal",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

// PriorityName returns the human-readable name for a priority level.
func PriorityName(p int) string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "normal"
}

// ParsePriority converts a priority name to its level. Unknown names map to
// normal rather than erroring so queue inserts never fail on priority alone.
func ParsePriority(name string) int {
	for level, n := range priorityNames {
		if n == name {
			return level
		}
	}
	return PriorityNormal
}

// Condition operators supported by rule and recipient predicates.
const (
	OpEquals    = "equals"
	OpNotEquals = "not_equals"
	OpContains  = "contains"
)

// Condition is a single (field, operator, value) predicate evaluated against
// an event payload. There is deliberately no boolean composition.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// Validate rejects malformed conditions at save time so they are never
// silently stored.
func (c *Condition) Validate() error {
	if c.Field == "" {
		return fmt.Errorf("condition field is required")
	}
	switch c.Operator {
	case OpEquals, OpNotEquals, OpContains:
		return nil
	default:
		return fmt.Errorf("unsupported condition operator: %s", c.Operator)
	}
}

// Matches evaluates the predicate against a payload. An unresolvable field
// never matches.
func (c *Condition) Matches(payload map[string]any) bool {
	raw, ok := payload[c.Field]
	if !ok {
		return false
	}
	actual := fmt.Sprint(raw)

	switch c.Operator {
	case OpEquals:
		return actual == c.Value
	case OpNotEquals:
		return actual != c.Value
	case OpContains:
		return strings.Contains(actual, c.Value)
	default:
		return false
	}
}

// Rule maps a trigger to a template, recipients and timing. Rules are
// maintained by admin tooling and read-only to the dispatch pipeline.
type Rule struct {
	ID               uuid.UUID  `json:"id"`
	Name             string     `json:"name"`
	TriggerType      string     `json:"trigger_type"`
	TriggerReference string     `json:"trigger_reference"`
	TemplateID       uuid.UUID  `json:"template_id"`
	SenderID         *uuid.UUID `json:"sender_id,omitempty"`
	RecipientType    string     `json:"recipient_type"`
	RecipientEmails  []string   `json:"recipient_emails,omitempty"`
	Conditions       *Condition `json:"conditions,omitempty"`
	DelayMinutes     int        `json:"delay_minutes"`
	Status           string     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Normalize applies the trigger reference invariant: an empty reference means
// "match everything of this trigger type".
func (r *Rule) Normalize() {
	if strings.TrimSpace(r.TriggerReference) == "" {
		r.TriggerReference = WildcardReference
	}
}

// Validate checks rule fields before persisting.
func (r *Rule) Validate() error {
	if r.TriggerType == "" {
		return fmt.Errorf("trigger_type is required")
	}
	if r.Conditions != nil {
		if err := r.Conditions.Validate(); err != nil {
			return fmt.Errorf("invalid conditions: %w", err)
		}
	}
	if r.DelayMinutes < 0 {
		return fmt.Errorf("delay_minutes must be >= 0")
	}
	switch r.RecipientType {
	case RecipientAdmin, RecipientUser, RecipientCustom, RecipientConditional:
	default:
		return fmt.Errorf("unsupported recipient_type: %s", r.RecipientType)
	}
	return nil
}

// Template defines message content shape. Subject and bodies carry
// {{variable}} placeholders. From/reply-to overrides, when set, take
// precedence over the chosen sender's defaults.
type Template struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Category  string    `json:"category"`
	Subject   string    `json:"subject"`
	BodyHTML  string    `json:"body_html"`
	BodyText  string    `json:"body_text"`
	Variables []string  `json:"variables,omitempty"`
	FromEmail string    `json:"from_email,omitempty"`
	FromName  string    `json:"from_name,omitempty"`
	ReplyTo   string    `json:"reply_to,omitempty"`
	IsSystem  bool      `json:"is_system"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Sender is a named mail-transport identity. ServiceConfig holds provider
// credentials sealed at rest; it is decrypted only at send time and never
// logged.
type Sender struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	Slug          string    `json:"slug"`
	Category      string    `json:"category"`
	Type          string    `json:"type"`
	SMTPHost      string    `json:"smtp_host,omitempty"`
	SMTPPort      int       `json:"smtp_port,omitempty"`
	SMTPUsername  string    `json:"smtp_username,omitempty"`
	SMTPPassword  string    `json:"-"`
	ServiceConfig []byte    `json:"-"`
	FromAddress   string    `json:"from_address"`
	FromName      string    `json:"from_name"`
	IsDefault     bool      `json:"is_default"`
	Priority      int       `json:"priority"`
	IsActive      bool      `json:"is_active"`
	DailyLimit    *int      `json:"daily_limit,omitempty"`
	HourlyLimit   *int      `json:"hourly_limit,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Validate checks sender fields before persisting.
func (s *Sender) Validate() error {
	switch s.Type {
	case SenderSMTP, SenderSendmail, SenderMailgun, SenderPostmark:
		if s.SMTPHost == "" {
			return fmt.Errorf("smtp_host is required for %s senders", s.Type)
		}
	case SenderSES, SenderResend, SenderLog:
	default:
		return fmt.Errorf("unsupported sender type: %s", s.Type)
	}
	if s.FromAddress == "" {
		return fmt.Errorf("from_address is required")
	}
	return nil
}

// QueueRow is one concrete message instance, the pipeline's unit of work.
// (FormEntryID, RuleID) is the dedupe key: at most one pending/processing row
// may exist per pair unless the caller forces duplication.
type QueueRow struct {
	ID             uuid.UUID       `json:"id"`
	RuleID         *uuid.UUID      `json:"rule_id,omitempty"`
	TemplateID     uuid.UUID       `json:"template_id"`
	FormEntryID    *int64          `json:"form_entry_id,omitempty"`
	SenderID       *uuid.UUID      `json:"sender_id,omitempty"`
	RecipientEmail string          `json:"recipient_email"`
	RecipientName  string          `json:"recipient_name,omitempty"`
	Subject        string          `json:"subject"`
	BodyHTML       string          `json:"body_html"`
	BodyText       string          `json:"body_text"`
	FromEmail      string          `json:"from_email"`
	FromName       string          `json:"from_name,omitempty"`
	ReplyTo        string          `json:"reply_to,omitempty"`
	TriggerData    json.RawMessage `json:"trigger_data,omitempty"`
	Variables      json.RawMessage `json:"variables,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Status         string          `json:"status"`
	ScheduledAt    time.Time       `json:"scheduled_at"`
	SentAt         *time.Time      `json:"sent_at,omitempty"`
	FailedAt       *time.Time      `json:"failed_at,omitempty"`
	RetryCount     int             `json:"retry_count"`
	MaxAttempts    int             `json:"max_attempts"`
	Priority       int             `json:"priority"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	ErrorDetails   *string         `json:"error_details,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// QueueStats is the aggregate view used by operational dashboards.
type QueueStats struct {
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Sent      int64 `json:"sent"`
	Failed    int64 `json:"failed"`
	Today     int64 `json:"today"`
	ThisWeek  int64 `json:"this_week"`
	ThisMonth int64 `json:"this_month"`
}
