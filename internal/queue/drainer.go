package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/formhub/courier/internal/db"
	"github.com/formhub/courier/internal/metrics"
)

// DrainStore is the subset of the repository the drainer needs.
type DrainStore interface {
	ClaimDue(ctx context.Context, limit int) ([]*db.QueueRow, error)
	RescheduleRetry(ctx context.Context, id uuid.UUID, retryCount int, errMsg string, nextAt time.Time) error
}

// Dispatcher hands a claimed row to the delivery stage: the SQS job queue or
// an in-process worker pool.
type Dispatcher interface {
	Dispatch(ctx context.Context, row *db.QueueRow) error
}

// DrainerConfig holds drainer tuning.
type DrainerConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

// Drainer periodically promotes due pending rows to processing and hands
// them to the dispatcher. Safe to run concurrently: claims are atomic per
// row, so two drainers never dispatch the same row.
type Drainer struct {
	store      DrainStore
	dispatcher Dispatcher
	config     DrainerConfig
	logger     *zap.Logger
}

// NewDrainer creates a drainer.
func NewDrainer(store DrainStore, dispatcher Dispatcher, cfg DrainerConfig, logger *zap.Logger) *Drainer {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	return &Drainer{
		store:      store,
		dispatcher: dispatcher,
		config:     cfg,
		logger:     logger,
	}
}

// Run polls until the context is cancelled.
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("drainer stopping")
			return
		case <-ticker.C:
			if _, err := d.ProcessPending(ctx, d.config.BatchSize); err != nil {
				d.logger.Error("drain cycle failed", zap.Error(err))
			}
		}
	}
}

// ProcessPending claims up to limit due rows (priority desc, scheduled_at
// asc) and dispatches each. One row's dispatch failure never blocks the rest
// of the batch; the failed row goes back to pending for the next cycle.
func (d *Drainer) ProcessPending(ctx context.Context, limit int) (int, error) {
	claimed, err := d.store.ClaimDue(ctx, limit)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	dispatched := 0
	for _, row := range claimed {
		if err := d.dispatcher.Dispatch(ctx, row); err != nil {
			d.logger.Error("failed to dispatch queue row",
				zap.Error(err),
				zap.String("queue_id", row.ID.String()),
			)
			// Release the claim so the next cycle picks it up again.
			if relErr := d.store.RescheduleRetry(ctx, row.ID, row.RetryCount, "dispatch failed: "+err.Error(), time.Now()); relErr != nil {
				d.logger.Error("failed to release claim",
					zap.Error(relErr),
					zap.String("queue_id", row.ID.String()),
				)
			}
			continue
		}
		dispatched++
		metrics.RecordDispatched(db.PriorityName(row.Priority))
	}

	d.logger.Info("pending notifications dispatched",
		zap.Int("claimed", len(claimed)),
		zap.Int("dispatched", dispatched),
	)
	return dispatched, nil
}
