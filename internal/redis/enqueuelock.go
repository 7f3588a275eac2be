package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// lockTTL bounds how long an enqueue lock can be held if a process dies
// between acquire and release.
const lockTTL = 30 * time.Second

// EnqueueLock serializes the dedupe-check-then-insert sequence per
// (form_entry_id, rule_id) pair, so concurrent deliveries of the same event
// cannot both pass the duplicate check.
type EnqueueLock struct {
	client *Client
	logger *zap.Logger
}

// NewEnqueueLock creates an enqueue lock service.
func NewEnqueueLock(client *Client, logger *zap.Logger) *EnqueueLock {
	return &EnqueueLock{client: client, logger: logger}
}

func lockKey(formEntryID int64, ruleID string) string {
	return fmt.Sprintf("enqueue:%d:%s", formEntryID, ruleID)
}

// Acquire takes the lock for a dedupe key using SET NX.
// Returns false if another writer holds it.
func (l *EnqueueLock) Acquire(ctx context.Context, formEntryID int64, ruleID string) (bool, error) {
	set, err := l.client.rdb.SetNX(ctx, lockKey(formEntryID, ruleID), "1", lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}

// Release frees the lock. Safe to call on an already-expired key.
func (l *EnqueueLock) Release(ctx context.Context, formEntryID int64, ruleID string) {
	if err := l.client.rdb.Del(ctx, lockKey(formEntryID, ruleID)).Err(); err != nil {
		l.logger.Warn("failed to release enqueue lock",
			zap.Error(err),
			zap.Int64("form_entry_id", formEntryID),
			zap.String("rule_id", ruleID),
		)
	}
}
