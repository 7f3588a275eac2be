// Package sender selects mail-transport identities for outgoing messages and
// carries the transport implementations that deliver them.
package sender

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/formhub/courier/internal/db"
)

var (
	// ErrSenderNotFound indicates no active sender exists for the request.
	// Per-message fatal: the message's enqueue aborts, the batch continues.
	ErrSenderNotFound = errors.New("no active sender available")

	// ErrRateLimited indicates the chosen sender is over its hourly or daily
	// limit and no fallback was available.
	ErrRateLimited = errors.New("sender rate limit exceeded")
)

// SenderStore is the subset of the repository the selector needs.
type SenderStore interface {
	GetSender(ctx context.Context, id uuid.UUID) (*db.Sender, error)
	BestSenderForCategory(ctx context.Context, category string) (*db.Sender, error)
}

// Gate checks and records per-sender send limits. n is the number of slots
// to reserve in one call. Nil limits are unlimited.
type Gate interface {
	Allow(ctx context.Context, senderID string, n int, hourlyLimit, dailyLimit *int) (allowed bool, window string, err error)
}

// Selector picks the mail transport configuration for a message.
type Selector struct {
	store  SenderStore
	gate   Gate
	logger *zap.Logger
}

// NewSelector creates a sender selector. gate may be nil, disabling limits.
func NewSelector(store SenderStore, gate Gate, logger *zap.Logger) *Selector {
	return &Selector{store: store, gate: gate, logger: logger}
}

// Select resolves the sender for a batch of messages. An explicit sender id
// wins when that sender is active; otherwise the category's best active
// sender is used (default flag first, then highest priority). One send slot
// per message is reserved against the chosen sender's rate limits before
// returning, so a multi-recipient rule counts every recipient.
func (s *Selector) Select(ctx context.Context, explicitID *uuid.UUID, category string, messages int) (*db.Sender, error) {
	var chosen *db.Sender

	if explicitID != nil {
		snd, err := s.store.GetSender(ctx, *explicitID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
		if snd != nil && snd.IsActive {
			chosen = snd
		}
	}

	if chosen == nil {
		snd, err := s.store.BestSenderForCategory(ctx, category)
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("category %s: %w", category, ErrSenderNotFound)
		}
		if err != nil {
			return nil, err
		}
		chosen = snd
	}

	if s.gate != nil && (chosen.HourlyLimit != nil || chosen.DailyLimit != nil) {
		allowed, window, err := s.gate.Allow(ctx, chosen.ID.String(), messages, chosen.HourlyLimit, chosen.DailyLimit)
		if err != nil {
			return nil, fmt.Errorf("rate limit check: %w", err)
		}
		if !allowed {
			s.logger.Warn("sender over rate limit",
				zap.String("sender_id", chosen.ID.String()),
				zap.String("window", window),
			)
			return nil, fmt.Errorf("sender %s over %s limit: %w", chosen.Slug, window, ErrRateLimited)
		}
	}

	s.logger.Debug("sender selected",
		zap.String("sender_id", chosen.ID.String()),
		zap.String("type", chosen.Type),
		zap.String("category", chosen.Category),
	)

	return chosen, nil
}
