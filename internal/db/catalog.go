package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrSystemTemplate indicates an operation forbidden on built-in templates.
var ErrSystemTemplate = errors.New("system templates cannot be duplicated or deleted")

// ErrFieldNotEditable indicates a quick-edit on a column outside the allow-list.
var ErrFieldNotEditable = errors.New("field is not editable")

// quickEditFields is the explicit allow-list of (table → editable columns)
// for the admin quick-edit surface. Anything outside this map is rejected.
var quickEditFields = map[string]map[string]bool{
	"notification_rules": {
		"name":          true,
		"status":        true,
		"delay_minutes": true,
	},
	"notification_templates": {
		"name":    true,
		"subject": true,
		"status":  true,
	},
	"notification_senders": {
		"name":       true,
		"is_active":  true,
		"is_default": true,
		"priority":   true,
	},
}

// CreateRule validates, normalizes and persists a rule.
func (r *Repository) CreateRule(ctx context.Context, rule *Rule) error {
	rule.Normalize()
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	if rule.Status == "" {
		rule.Status = StatusActive
	}

	query := `
		INSERT INTO notification_rules (
			id, name, trigger_type, trigger_reference, template_id, sender_id,
			recipient_type, recipient_emails, conditions, delay_minutes, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		rule.ID, rule.Name, rule.TriggerType, rule.TriggerReference,
		rule.TemplateID, rule.SenderID, rule.RecipientType, rule.RecipientEmails,
		rule.Conditions, rule.DelayMinutes, rule.Status,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}

	r.logger.Info("rule created",
		zap.String("rule_id", rule.ID.String()),
		zap.String("trigger_type", rule.TriggerType),
		zap.String("trigger_reference", rule.TriggerReference),
	)
	return nil
}

const ruleColumns = `
	id, name, trigger_type, trigger_reference, template_id, sender_id,
	recipient_type, recipient_emails, conditions, delay_minutes, status,
	created_at, updated_at`

func scanRule(s rowScanner) (*Rule, error) {
	var rule Rule
	err := s.Scan(
		&rule.ID, &rule.Name, &rule.TriggerType, &rule.TriggerReference,
		&rule.TemplateID, &rule.SenderID, &rule.RecipientType, &rule.RecipientEmails,
		&rule.Conditions, &rule.DelayMinutes, &rule.Status,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// GetRule retrieves a rule by ID.
func (r *Repository) GetRule(ctx context.Context, id uuid.UUID) (*Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM notification_rules WHERE id = $1`

	rule, err := scanRule(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query rule: %w", err)
	}
	return rule, nil
}

// ListActiveRules retrieves all active rules for a trigger type. Reference
// and condition matching happens in the rules package.
func (r *Repository) ListActiveRules(ctx context.Context, triggerType string) ([]*Rule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM notification_rules
		WHERE trigger_type = $1 AND status = 'active'
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, triggerType)
	if err != nil {
		return nil, fmt.Errorf("query active rules: %w", err)
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return rules, nil
}

const templateColumns = `
	id, name, slug, category, subject, body_html, body_text, variables,
	from_email, from_name, reply_to, is_system, status, created_at, updated_at`

func scanTemplate(s rowScanner) (*Template, error) {
	var tpl Template
	err := s.Scan(
		&tpl.ID, &tpl.Name, &tpl.Slug, &tpl.Category, &tpl.Subject,
		&tpl.BodyHTML, &tpl.BodyText, &tpl.Variables,
		&tpl.FromEmail, &tpl.FromName, &tpl.ReplyTo,
		&tpl.IsSystem, &tpl.Status, &tpl.CreatedAt, &tpl.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tpl, nil
}

// CreateTemplate persists a template.
func (r *Repository) CreateTemplate(ctx context.Context, tpl *Template) error {
	if tpl.ID == uuid.Nil {
		tpl.ID = uuid.New()
	}
	if tpl.Status == "" {
		tpl.Status = StatusActive
	}

	query := `
		INSERT INTO notification_templates (
			id, name, slug, category, subject, body_html, body_text, variables,
			from_email, from_name, reply_to, is_system, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		tpl.ID, tpl.Name, tpl.Slug, tpl.Category, tpl.Subject,
		tpl.BodyHTML, tpl.BodyText, tpl.Variables,
		tpl.FromEmail, tpl.FromName, tpl.ReplyTo, tpl.IsSystem, tpl.Status,
	).Scan(&tpl.CreatedAt, &tpl.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

// GetTemplate retrieves a template by ID.
func (r *Repository) GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error) {
	query := `SELECT ` + templateColumns + ` FROM notification_templates WHERE id = $1`

	tpl, err := scanTemplate(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}
	return tpl, nil
}

// DuplicateTemplate creates a copy of a non-system template with a "-copy"
// slug suffix.
func (r *Repository) DuplicateTemplate(ctx context.Context, id uuid.UUID) (*Template, error) {
	orig, err := r.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if orig.IsSystem {
		return nil, ErrSystemTemplate
	}

	dup := *orig
	dup.ID = uuid.New()
	dup.Name = orig.Name + " (copy)"
	dup.Slug = orig.Slug + "-copy"
	dup.IsSystem = false

	if err := r.CreateTemplate(ctx, &dup); err != nil {
		return nil, err
	}

	r.logger.Info("template duplicated",
		zap.String("source_id", orig.ID.String()),
		zap.String("copy_id", dup.ID.String()),
	)
	return &dup, nil
}

// DeleteTemplate removes a non-system template.
func (r *Repository) DeleteTemplate(ctx context.Context, id uuid.UUID) error {
	tpl, err := r.GetTemplate(ctx, id)
	if err != nil {
		return err
	}
	if tpl.IsSystem {
		return ErrSystemTemplate
	}

	_, err = r.db.Pool().Exec(ctx, `DELETE FROM notification_templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	return nil
}

const senderColumns = `
	id, name, slug, category, type, smtp_host, smtp_port, smtp_username,
	smtp_password, service_config, from_address, from_name, is_default,
	priority, is_active, daily_limit, hourly_limit, created_at, updated_at`

func scanSender(s rowScanner) (*Sender, error) {
	var snd Sender
	err := s.Scan(
		&snd.ID, &snd.Name, &snd.Slug, &snd.Category, &snd.Type,
		&snd.SMTPHost, &snd.SMTPPort, &snd.SMTPUsername,
		&snd.SMTPPassword, &snd.ServiceConfig,
		&snd.FromAddress, &snd.FromName, &snd.IsDefault,
		&snd.Priority, &snd.IsActive, &snd.DailyLimit, &snd.HourlyLimit,
		&snd.CreatedAt, &snd.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &snd, nil
}

// CreateSender validates and persists a sender. ServiceConfig is expected to
// be sealed by the caller before it reaches the store.
func (r *Repository) CreateSender(ctx context.Context, snd *Sender) error {
	if err := snd.Validate(); err != nil {
		return err
	}
	if snd.ID == uuid.Nil {
		snd.ID = uuid.New()
	}

	query := `
		INSERT INTO notification_senders (
			id, name, slug, category, type, smtp_host, smtp_port, smtp_username,
			smtp_password, service_config, from_address, from_name, is_default,
			priority, is_active, daily_limit, hourly_limit
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		snd.ID, snd.Name, snd.Slug, snd.Category, snd.Type,
		snd.SMTPHost, snd.SMTPPort, snd.SMTPUsername,
		snd.SMTPPassword, snd.ServiceConfig,
		snd.FromAddress, snd.FromName, snd.IsDefault,
		snd.Priority, snd.IsActive, snd.DailyLimit, snd.HourlyLimit,
	).Scan(&snd.CreatedAt, &snd.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert sender: %w", err)
	}

	r.logger.Info("sender created",
		zap.String("sender_id", snd.ID.String()),
		zap.String("type", snd.Type),
		zap.String("category", snd.Category),
	)
	return nil
}

// GetSender retrieves a sender by ID.
func (r *Repository) GetSender(ctx context.Context, id uuid.UUID) (*Sender, error) {
	query := `SELECT ` + senderColumns + ` FROM notification_senders WHERE id = $1`

	snd, err := scanSender(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("sender %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query sender: %w", err)
	}
	return snd, nil
}

// BestSenderForCategory returns the preferred active sender in a category:
// the default flag wins, then the highest priority.
func (r *Repository) BestSenderForCategory(ctx context.Context, category string) (*Sender, error) {
	query := `
		SELECT ` + senderColumns + `
		FROM notification_senders
		WHERE category = $1 AND is_active = TRUE
		ORDER BY is_default DESC, priority DESC
		LIMIT 1
	`

	snd, err := scanSender(r.db.Pool().QueryRow(ctx, query, category))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("no active sender for category %s: %w", category, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query best sender: %w", err)
	}
	return snd, nil
}

// QuickEdit sets a single column on a catalog row, restricted to the
// allow-listed editable fields per table.
func (r *Repository) QuickEdit(ctx context.Context, table string, id uuid.UUID, field string, value any) error {
	allowed, ok := quickEditFields[table]
	if !ok {
		return fmt.Errorf("table %s: %w", table, ErrFieldNotEditable)
	}
	if !allowed[field] {
		return fmt.Errorf("%s.%s: %w", table, field, ErrFieldNotEditable)
	}

	// table and field both come from the allow-list, never from input.
	query := fmt.Sprintf(`UPDATE %s SET %s = $1, updated_at = NOW() WHERE id = $2`, table, field)

	result, err := r.db.Pool().Exec(ctx, query, value, id)
	if err != nil {
		return fmt.Errorf("quick edit %s.%s: %w", table, field, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}

	r.logger.Info("quick edit applied",
		zap.String("table", table),
		zap.String("field", field),
		zap.String("id", id.String()),
	)
	return nil
}
