package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/formhub/courier/internal/db"
)

// InProcessDispatcher feeds claimed rows to a local worker pool over a
// channel. It is the fallback delivery stage when no SQS queue is
// configured, and satisfies the drainer's Dispatcher interface.
type InProcessDispatcher struct {
	tasks  chan uuid.UUID
	logger *zap.Logger
}

// NewInProcessDispatcher creates a dispatcher with a bounded task buffer.
func NewInProcessDispatcher(buffer int, logger *zap.Logger) *InProcessDispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	return &InProcessDispatcher{
		tasks:  make(chan uuid.UUID, buffer),
		logger: logger,
	}
}

// Dispatch hands a row id to the pool. Blocks when the buffer is full so the
// drainer naturally backs off under load.
func (d *InProcessDispatcher) Dispatch(ctx context.Context, row *db.QueueRow) error {
	select {
	case d.tasks <- row.ID:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch aborted: %w", ctx.Err())
	}
}

// RunPool starts n delivery goroutines and blocks until the context is
// cancelled and all workers have drained.
func (d *InProcessDispatcher) RunPool(ctx context.Context, w *Worker, n int) {
	if n <= 0 {
		n = 4
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(workerNum int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-d.tasks:
					if err := w.Deliver(ctx, id); err != nil {
						d.logger.Error("delivery processing failed",
							zap.Error(err),
							zap.String("queue_id", id.String()),
							zap.Int("worker", workerNum),
						)
					}
				}
			}
		}(i)
	}

	wg.Wait()
	d.logger.Info("delivery pool stopped")
}
