package rules

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/formhub/courier/internal/db"
)

// Recipient is a resolved destination address.
type Recipient struct {
	Email string
	Name  string
}

// ResolverConfig carries the externally supplied pieces of recipient
// resolution: the admin address list and the ordered payload field names
// tried for the triggering user's address.
type ResolverConfig struct {
	AdminEmails     []string
	UserEmailFields []string
}

// Resolver computes the destination list for a matched rule. An empty result
// is a no-op for the rule, not an error.
type Resolver struct {
	config ResolverConfig
	logger *zap.Logger
}

// NewResolver creates a recipient resolver.
func NewResolver(cfg ResolverConfig, logger *zap.Logger) *Resolver {
	return &Resolver{config: cfg, logger: logger}
}

// Resolve returns the concrete recipients for a rule and event payload.
func (r *Resolver) Resolve(rule *db.Rule, payload map[string]any) []Recipient {
	switch rule.RecipientType {
	case db.RecipientAdmin:
		if len(r.config.AdminEmails) == 0 {
			r.logger.Warn("no admin emails configured, rule is a no-op",
				zap.String("rule_id", rule.ID.String()),
			)
			return nil
		}
		return toRecipients(r.config.AdminEmails)

	case db.RecipientUser:
		email := r.userEmailFromPayload(payload)
		if email == "" {
			r.logger.Info("no user email found in payload, rule is a no-op",
				zap.String("rule_id", rule.ID.String()),
				zap.Strings("tried_fields", r.config.UserEmailFields),
			)
			return nil
		}
		name, _ := payload["user_name"].(string)
		return []Recipient{{Email: email, Name: name}}

	case db.RecipientCustom:
		return toRecipients(rule.RecipientEmails)

	case db.RecipientConditional:
		if rule.Conditions == nil || !rule.Conditions.Matches(payload) {
			r.logger.Info("conditional recipients not selected",
				zap.String("rule_id", rule.ID.String()),
			)
			return nil
		}
		return toRecipients(rule.RecipientEmails)

	default:
		r.logger.Warn("unknown recipient type",
			zap.String("rule_id", rule.ID.String()),
			zap.String("recipient_type", rule.RecipientType),
		)
		return nil
	}
}

// userEmailFromPayload tries the configured candidate fields in order and
// returns the first non-empty value.
func (r *Resolver) userEmailFromPayload(payload map[string]any) string {
	for _, field := range r.config.UserEmailFields {
		raw, ok := payload[field]
		if !ok {
			continue
		}
		if email := fmt.Sprint(raw); email != "" && email != "<nil>" {
			return email
		}
	}
	return ""
}

func toRecipients(emails []string) []Recipient {
	out := make([]Recipient, 0, len(emails))
	for _, email := range emails {
		if email != "" {
			out = append(out, Recipient{Email: email})
		}
	}
	return out
}
