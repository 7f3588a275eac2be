// Package queue owns the durable notification queue: the writer persists
// pending messages with dedupe guarantees, the drainer promotes due rows to
// active delivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/formhub/courier/internal/db"
)

// ErrDuplicatePending reports that a pending/processing row already exists
// for the dedupe key. It is a skip, not a failure; callers log it at info
// level.
var ErrDuplicatePending = errors.New("duplicate pending notification exists")

// WriterStore is the subset of the repository the writer needs.
type WriterStore interface {
	CreateQueueRow(ctx context.Context, row *db.QueueRow) error
	HasOpenForEntryRule(ctx context.Context, formEntryID int64, ruleID uuid.UUID) (bool, error)
}

// Locker serializes the dedupe-check-then-insert sequence per dedupe key.
type Locker interface {
	Acquire(ctx context.Context, formEntryID int64, ruleID string) (bool, error)
	Release(ctx context.Context, formEntryID int64, ruleID string)
}

// WriterConfig holds queue writer defaults.
type WriterConfig struct {
	MaxAttempts int
}

// Writer persists pending outbound messages.
type Writer struct {
	store  WriterStore
	locker Locker
	config WriterConfig
	logger *zap.Logger
}

// NewWriter creates a queue writer. locker may be nil in single-process
// deployments; the database dedupe check still runs, only the cross-process
// race window widens.
func NewWriter(store WriterStore, locker Locker, cfg WriterConfig, logger *zap.Logger) *Writer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Writer{
		store:  store,
		locker: locker,
		config: cfg,
		logger: logger,
	}
}

// EnqueueRequest is one message to persist.
type EnqueueRequest struct {
	Rule        *db.Rule // nil for manual sends
	TemplateID  uuid.UUID
	FormEntryID *int64
	Sender      *db.Sender // resolved ahead of time; nil leaves resolution to the worker

	RecipientEmail string
	RecipientName  string

	Subject   string
	BodyHTML  string
	BodyText  string
	FromEmail string
	FromName  string
	ReplyTo   string

	TriggerData json.RawMessage
	Variables   json.RawMessage
	Metadata    json.RawMessage

	DelayMinutes int
	Priority     int
	Force        bool
}

// Enqueue writes one pending row. Without Force, an existing pending or
// processing row for the same (form_entry_id, rule_id) makes this a skip,
// reported as ErrDuplicatePending. The lock around check-then-insert keeps
// concurrent deliveries of one event from double-writing.
func (w *Writer) Enqueue(ctx context.Context, req EnqueueRequest) (*db.QueueRow, error) {
	hasDedupeKey := req.FormEntryID != nil && req.Rule != nil

	if hasDedupeKey && !req.Force {
		if w.locker != nil {
			acquired, err := w.locker.Acquire(ctx, *req.FormEntryID, req.Rule.ID.String())
			if err != nil {
				return nil, err
			}
			if !acquired {
				// Another writer is mid-check for the same key; it will
				// insert the row, so this one is the duplicate.
				return nil, ErrDuplicatePending
			}
			defer w.locker.Release(ctx, *req.FormEntryID, req.Rule.ID.String())
		}

		exists, err := w.store.HasOpenForEntryRule(ctx, *req.FormEntryID, req.Rule.ID)
		if err != nil {
			return nil, err
		}
		if exists {
			w.logger.Info("skipping duplicate notification",
				zap.Int64("form_entry_id", *req.FormEntryID),
				zap.String("rule_id", req.Rule.ID.String()),
			)
			return nil, ErrDuplicatePending
		}
	}

	row := &db.QueueRow{
		ID:             uuid.New(),
		TemplateID:     req.TemplateID,
		FormEntryID:    req.FormEntryID,
		RecipientEmail: req.RecipientEmail,
		RecipientName:  req.RecipientName,
		Subject:        req.Subject,
		BodyHTML:       req.BodyHTML,
		BodyText:       req.BodyText,
		FromEmail:      req.FromEmail,
		FromName:       req.FromName,
		ReplyTo:        req.ReplyTo,
		TriggerData:    req.TriggerData,
		Variables:      req.Variables,
		Metadata:       req.Metadata,
		Status:         db.StatusPending,
		ScheduledAt:    time.Now().Add(time.Duration(req.DelayMinutes) * time.Minute),
		RetryCount:     0,
		MaxAttempts:    w.config.MaxAttempts,
		Priority:       req.Priority,
	}
	if req.Rule != nil {
		row.RuleID = &req.Rule.ID
	}
	if req.Sender != nil {
		row.SenderID = &req.Sender.ID
	}

	if err := w.store.CreateQueueRow(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}
