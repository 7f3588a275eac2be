package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/formhub/courier/internal/sqs"
)

// TaskSource is the job-queue side the loop consumes from.
type TaskSource interface {
	Receive(ctx context.Context) (*sqs.Message, string, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// SQSLoop consumes delivery tasks from the SQS job queue and feeds them to a
// worker. Messages are deleted only after Deliver returns cleanly; a store
// failure leaves the message for redelivery, which the worker's status guard
// makes safe. Undecodable bodies are deleted outright so a poison message
// cannot cycle through the queue forever.
type SQSLoop struct {
	consumer TaskSource
	worker   *Worker
	logger   *zap.Logger
}

// NewSQSLoop creates a consumer loop.
func NewSQSLoop(consumer TaskSource, worker *Worker, logger *zap.Logger) *SQSLoop {
	return &SQSLoop{
		consumer: consumer,
		worker:   worker,
		logger:   logger,
	}
}

// Run polls SQS until the context is cancelled.
func (l *SQSLoop) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			l.logger.Info("sqs delivery loop stopping")
			return
		}

		msg, receipt, err := l.consumer.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, sqs.ErrBadMessage) && receipt != "" {
				l.logger.Error("undecodable message, deleting", zap.Error(err))
				_ = l.consumer.Delete(ctx, receipt)
				continue
			}
			l.logger.Error("sqs receive failed", zap.Error(err))
			time.Sleep(5 * time.Second)
			continue
		}
		if msg == nil {
			continue // empty long poll
		}

		id, err := uuid.Parse(msg.QueueID)
		if err != nil {
			l.logger.Error("invalid queue id in message, dropping",
				zap.String("queue_id", msg.QueueID),
			)
			_ = l.consumer.Delete(ctx, receipt)
			continue
		}

		if err := l.worker.Deliver(ctx, id); err != nil {
			l.logger.Error("delivery processing failed, message will redeliver",
				zap.Error(err),
				zap.String("queue_id", msg.QueueID),
			)
			continue
		}

		if err := l.consumer.Delete(ctx, receipt); err != nil {
			l.logger.Warn("failed to delete sqs message",
				zap.Error(err),
				zap.String("queue_id", msg.QueueID),
			)
		}
	}
}
