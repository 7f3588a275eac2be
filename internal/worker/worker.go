// Package worker consumes dispatched queue rows and performs the actual
// sends, recording terminal state with attempt counting and backoff retry.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/formhub/courier/internal/db"
	"github.com/formhub/courier/internal/metrics"
	"github.com/formhub/courier/internal/sender"
)

// Store is the subset of the repository the worker needs.
type Store interface {
	GetQueueRow(ctx context.Context, id uuid.UUID) (*db.QueueRow, error)
	GetSender(ctx context.Context, id uuid.UUID) (*db.Sender, error)
	BestSenderForCategory(ctx context.Context, category string) (*db.Sender, error)
	MarkSent(ctx context.Context, id uuid.UUID, retryCount int) error
	RescheduleRetry(ctx context.Context, id uuid.UUID, retryCount int, errMsg string, nextAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, retryCount int, errMsg, errDetails string) error
}

// Config holds delivery tuning.
type Config struct {
	// DeliveryTimeout bounds one send attempt so a hung transport never
	// blocks the worker pool.
	DeliveryTimeout time.Duration

	// BackoffMode is "exponential" (BackoffBase doubled per attempt) or
	// "fixed".
	BackoffMode string
	BackoffBase time.Duration
}

// Worker delivers one queue row at a time.
type Worker struct {
	store     Store
	transport sender.Transport
	config    Config
	logger    *zap.Logger
}

// New creates a delivery worker.
func New(store Store, transport sender.Transport, cfg Config, logger *zap.Logger) *Worker {
	if cfg.DeliveryTimeout == 0 {
		cfg.DeliveryTimeout = 90 * time.Second
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 1 * time.Minute
	}
	if cfg.BackoffMode == "" {
		cfg.BackoffMode = "exponential"
	}
	return &Worker{
		store:     store,
		transport: transport,
		config:    cfg,
		logger:    logger,
	}
}

// Deliver loads a dispatched row and sends it. The job queue redelivers, so
// the status check up front makes re-delivery of an already finalized row a
// no-op. A returned error means the row could not be processed at all (store
// failure) and the message should be redelivered; send failures are handled
// inside and return nil.
func (w *Worker) Deliver(ctx context.Context, id uuid.UUID) error {
	row, err := w.store.GetQueueRow(ctx, id)
	if err != nil {
		return fmt.Errorf("load queue row: %w", err)
	}

	if row.Status != db.StatusProcessing {
		w.logger.Info("skipping row not in processing",
			zap.String("queue_id", id.String()),
			zap.String("status", row.Status),
		)
		return nil
	}

	snd, err := w.resolveSender(ctx, row)
	if err != nil {
		w.finalizeFailure(ctx, row, err, "sender resolution failed")
		return nil
	}

	msg := &sender.Message{
		To:        row.RecipientEmail,
		ToName:    row.RecipientName,
		Subject:   row.Subject,
		HTML:      row.BodyHTML,
		Text:      row.BodyText,
		FromEmail: row.FromEmail,
		FromName:  row.FromName,
		ReplyTo:   row.ReplyTo,
	}
	if msg.FromEmail == "" {
		msg.FromEmail = snd.FromAddress
		msg.FromName = snd.FromName
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.config.DeliveryTimeout)
	err = w.transport.Send(sendCtx, snd, msg)
	cancel()

	if err != nil {
		w.finalizeFailure(ctx, row, err, snd.Type)
		return nil
	}

	if err := w.store.MarkSent(ctx, row.ID, row.RetryCount); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}

	metrics.RecordDelivery("sent", snd.Type)
	metrics.RecordDeliveryLatency(snd.Type, time.Since(row.CreatedAt))

	w.logger.Info("notification sent",
		zap.String("queue_id", row.ID.String()),
		zap.String("recipient", row.RecipientEmail),
		zap.String("sender_type", snd.Type),
	)
	return nil
}

// resolveSender loads the sender chosen at enqueue time, falling back to the
// system category default for rows enqueued without one.
func (w *Worker) resolveSender(ctx context.Context, row *db.QueueRow) (*db.Sender, error) {
	if row.SenderID != nil {
		snd, err := w.store.GetSender(ctx, *row.SenderID)
		if err == nil && snd.IsActive {
			return snd, nil
		}
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
		w.logger.Warn("resolved sender unavailable, falling back to system default",
			zap.String("queue_id", row.ID.String()),
		)
	}
	return w.store.BestSenderForCategory(ctx, db.CategorySystem)
}

// finalizeFailure reschedules the row with backoff, or marks it terminally
// failed once attempts are exhausted.
func (w *Worker) finalizeFailure(ctx context.Context, row *db.QueueRow, sendErr error, senderType string) {
	newCount := row.RetryCount + 1
	errMsg := sendErr.Error()

	w.logger.Error("delivery attempt failed",
		zap.Error(sendErr),
		zap.String("queue_id", row.ID.String()),
		zap.Int("attempt", newCount),
		zap.Int("max_attempts", row.MaxAttempts),
	)

	if newCount < row.MaxAttempts {
		nextAt := time.Now().Add(w.backoff(newCount))
		if err := w.store.RescheduleRetry(ctx, row.ID, newCount, errMsg, nextAt); err != nil {
			w.logger.Error("failed to reschedule retry",
				zap.Error(err),
				zap.String("queue_id", row.ID.String()),
			)
		}
		metrics.RecordDelivery("retried", senderType)
		return
	}

	details := fmt.Sprintf("attempt %d/%d at %s: %v",
		newCount, row.MaxAttempts, time.Now().Format(time.RFC3339), sendErr)
	if err := w.store.MarkFailed(ctx, row.ID, newCount, errMsg, details); err != nil {
		w.logger.Error("failed to mark row failed",
			zap.Error(err),
			zap.String("queue_id", row.ID.String()),
		)
	}
	metrics.RecordDelivery("failed", senderType)
}

// backoff computes the wait before the next automatic attempt.
func (w *Worker) backoff(attempt int) time.Duration {
	if w.config.BackoffMode == "fixed" {
		return w.config.BackoffBase
	}

	d := w.config.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= time.Hour {
			return time.Hour
		}
	}
	return d
}
