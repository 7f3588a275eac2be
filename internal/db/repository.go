package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotCancellable indicates a cancel on a row that already reached a
	// terminal status.
	ErrNotCancellable = errors.New("only pending or processing notifications can be cancelled")
	// ErrNotRetryable indicates a manual retry on a row that is not failed.
	ErrNotRetryable = errors.New("only failed notifications can be retried")
)

// Repository handles database operations for the notification queue and its
// catalog tables (rules, templates, senders).
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new notification repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const queueColumns = `
	id, rule_id, template_id, form_entry_id, sender_id,
	recipient_email, recipient_name, subject, body_html, body_text,
	from_email, from_name, reply_to,
	trigger_data, variables, metadata,
	status, scheduled_at, sent_at, failed_at,
	retry_count, max_attempts, priority,
	error_message, error_details, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueRow(s rowScanner) (*QueueRow, error) {
	var row QueueRow
	err := s.Scan(
		&row.ID, &row.RuleID, &row.TemplateID, &row.FormEntryID, &row.SenderID,
		&row.RecipientEmail, &row.RecipientName, &row.Subject, &row.BodyHTML, &row.BodyText,
		&row.FromEmail, &row.FromName, &row.ReplyTo,
		&row.TriggerData, &row.Variables, &row.Metadata,
		&row.Status, &row.ScheduledAt, &row.SentAt, &row.FailedAt,
		&row.RetryCount, &row.MaxAttempts, &row.Priority,
		&row.ErrorMessage, &row.ErrorDetails, &row.CreatedAt, &row.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// CreateQueueRow inserts a new queue row. Status, retry_count and priority
// must be set by the caller (the queue writer owns those defaults).
func (r *Repository) CreateQueueRow(ctx context.Context, row *QueueRow) error {
	query := `
		INSERT INTO notification_queue (
			id, rule_id, template_id, form_entry_id, sender_id,
			recipient_email, recipient_name, subject, body_html, body_text,
			from_email, from_name, reply_to,
			trigger_data, variables, metadata,
			status, scheduled_at, retry_count, max_attempts, priority
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		row.ID, row.RuleID, row.TemplateID, row.FormEntryID, row.SenderID,
		row.RecipientEmail, row.RecipientName, row.Subject, row.BodyHTML, row.BodyText,
		row.FromEmail, row.FromName, row.ReplyTo,
		row.TriggerData, row.Variables, row.Metadata,
		row.Status, row.ScheduledAt, row.RetryCount, row.MaxAttempts, row.Priority,
	).Scan(&row.CreatedAt, &row.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create queue row",
			zap.Error(err),
			zap.String("queue_id", row.ID.String()),
		)
		return fmt.Errorf("insert queue row: %w", err)
	}

	r.logger.Info("notification queued",
		zap.String("queue_id", row.ID.String()),
		zap.String("recipient", row.RecipientEmail),
		zap.Time("scheduled_at", row.ScheduledAt),
	)

	return nil
}

// GetQueueRow retrieves a queue row by ID
func (r *Repository) GetQueueRow(ctx context.Context, id uuid.UUID) (*QueueRow, error) {
	query := `SELECT ` + queueColumns + ` FROM notification_queue WHERE id = $1`

	row, err := scanQueueRow(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("queue row %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query queue row: %w", err)
	}
	return row, nil
}

// HasOpenForEntryRule reports whether a pending or processing row already
// exists for the (form_entry_id, rule_id) dedupe key.
func (r *Repository) HasOpenForEntryRule(ctx context.Context, formEntryID int64, ruleID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM notification_queue
			WHERE form_entry_id = $1 AND rule_id = $2
			  AND status IN ('pending', 'processing')
		)
	`

	var exists bool
	if err := r.db.Pool().QueryRow(ctx, query, formEntryID, ruleID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check duplicate pending: %w", err)
	}
	return exists, nil
}

// ClaimDue atomically flips up to limit due pending rows to processing and
// returns them. FOR UPDATE SKIP LOCKED keeps concurrent drainers from
// claiming the same row.
func (r *Repository) ClaimDue(ctx context.Context, limit int) ([]*QueueRow, error) {
	query := `
		UPDATE notification_queue
		SET status = 'processing', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM notification_queue
			WHERE status = 'pending' AND scheduled_at <= NOW()
			ORDER BY priority DESC, scheduled_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + queueColumns

	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due rows: %w", err)
	}
	defer rows.Close()

	var claimed []*QueueRow
	for rows.Next() {
		row, err := scanQueueRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed row: %w", err)
		}
		claimed = append(claimed, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed rows: %w", err)
	}

	return claimed, nil
}

// MarkSent finalizes a processing row as sent. A row that already left
// processing is untouched, which is the at-least-once redelivery guard.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID, retryCount int) error {
	query := `
		UPDATE notification_queue
		SET status = 'sent', sent_at = NOW(), retry_count = $2,
		    error_message = NULL, error_details = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`

	result, err := r.db.Pool().Exec(ctx, query, id, retryCount)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("queue row %s not in processing: %w", id, ErrNotFound)
	}
	return nil
}

// RescheduleRetry puts a processing row back to pending with a backoff-shifted
// schedule after a transient delivery failure.
func (r *Repository) RescheduleRetry(ctx context.Context, id uuid.UUID, retryCount int, errMsg string, nextAt time.Time) error {
	query := `
		UPDATE notification_queue
		SET status = 'pending', retry_count = $2, error_message = $3,
		    scheduled_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`

	result, err := r.db.Pool().Exec(ctx, query, id, retryCount, errMsg, nextAt)
	if err != nil {
		return fmt.Errorf("reschedule retry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("queue row %s not in processing: %w", id, ErrNotFound)
	}
	return nil
}

// MarkFailed finalizes a processing row as terminally failed once retries are
// exhausted.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, retryCount int, errMsg, errDetails string) error {
	query := `
		UPDATE notification_queue
		SET status = 'failed', failed_at = NOW(), retry_count = $2,
		    error_message = $3, error_details = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`

	result, err := r.db.Pool().Exec(ctx, query, id, retryCount, errMsg, errDetails)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("queue row %s not in processing: %w", id, ErrNotFound)
	}

	r.logger.Warn("notification failed permanently",
		zap.String("queue_id", id.String()),
		zap.Int("retry_count", retryCount),
		zap.String("error", errMsg),
	)
	return nil
}

// Cancel marks a pending or processing row as cancelled. Cancellation is
// cooperative: a row mid-send cannot be aborted, only marked before pickup.
func (r *Repository) Cancel(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE notification_queue
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("cancel queue row: %w", err)
	}
	if result.RowsAffected() == 0 {
		if _, err := r.GetQueueRow(ctx, id); err != nil {
			return err
		}
		return ErrNotCancellable
	}

	r.logger.Info("notification cancelled", zap.String("queue_id", id.String()))
	return nil
}

// RetryRow resets a terminally failed row for another delivery cycle.
// Automatic retries never reset retry_count; a manual retry does.
func (r *Repository) RetryRow(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE notification_queue
		SET status = 'pending', retry_count = 0, scheduled_at = NOW(),
		    failed_at = NULL, error_message = NULL, error_details = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'failed'
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("retry queue row: %w", err)
	}
	if result.RowsAffected() == 0 {
		if _, err := r.GetQueueRow(ctx, id); err != nil {
			return err
		}
		return ErrNotRetryable
	}

	r.logger.Info("notification requeued for retry", zap.String("queue_id", id.String()))
	return nil
}

// RetryAllFailed resets every failed row back to pending.
func (r *Repository) RetryAllFailed(ctx context.Context) (int64, error) {
	query := `
		UPDATE notification_queue
		SET status = 'pending', retry_count = 0, scheduled_at = NOW(),
		    failed_at = NULL, error_message = NULL, error_details = NULL,
		    updated_at = NOW()
		WHERE status = 'failed'
	`

	result, err := r.db.Pool().Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("retry failed rows: %w", err)
	}

	count := result.RowsAffected()
	r.logger.Info("failed notifications requeued", zap.Int64("count", count))
	return count, nil
}

// DeleteOldSent purges sent rows older than the retention window.
// retentionDays <= 0 disables the purge.
func (r *Repository) DeleteOldSent(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	query := `
		DELETE FROM notification_queue
		WHERE status = 'sent' AND sent_at < NOW() - ($1 * INTERVAL '1 day')
	`

	result, err := r.db.Pool().Exec(ctx, query, retentionDays)
	if err != nil {
		return 0, fmt.Errorf("delete old sent rows: %w", err)
	}

	count := result.RowsAffected()
	if count > 0 {
		r.logger.Info("old sent notifications purged",
			zap.Int64("count", count),
			zap.Int("retention_days", retentionDays),
		)
	}
	return count, nil
}

// DuplicateRow inserts a fresh pending copy of an existing row. Used by admin
// tooling; the copy is a new row, so status monotonicity of the original holds.
func (r *Repository) DuplicateRow(ctx context.Context, id uuid.UUID) (*QueueRow, error) {
	orig, err := r.GetQueueRow(ctx, id)
	if err != nil {
		return nil, err
	}

	dup := *orig
	dup.ID = uuid.New()
	dup.Status = StatusPending
	dup.ScheduledAt = time.Now()
	dup.SentAt = nil
	dup.FailedAt = nil
	dup.RetryCount = 0
	dup.ErrorMessage = nil
	dup.ErrorDetails = nil

	if err := r.CreateQueueRow(ctx, &dup); err != nil {
		return nil, err
	}
	return &dup, nil
}

// ListQueue retrieves queue rows, optionally filtered by status, newest first.
func (r *Repository) ListQueue(ctx context.Context, status string, limit, offset int) ([]*QueueRow, error) {
	query := `
		SELECT ` + queueColumns + `
		FROM notification_queue
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query queue rows: %w", err)
	}
	defer rows.Close()

	var items []*QueueRow
	for rows.Next() {
		row, err := scanQueueRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue row: %w", err)
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return items, nil
}

// Stats returns aggregate counts for operational dashboards. Read-only.
func (r *Repository) Stats(ctx context.Context) (*QueueStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE created_at >= date_trunc('day', NOW())),
			COUNT(*) FILTER (WHERE created_at >= date_trunc('week', NOW())),
			COUNT(*) FILTER (WHERE created_at >= date_trunc('month', NOW()))
		FROM notification_queue
	`

	var stats QueueStats
	err := r.db.Pool().QueryRow(ctx, query).Scan(
		&stats.Total, &stats.Pending, &stats.Sent, &stats.Failed,
		&stats.Today, &stats.ThisWeek, &stats.ThisMonth,
	)
	if err != nil {
		return nil, fmt.Errorf("query queue stats: %w", err)
	}
	return &stats, nil
}
