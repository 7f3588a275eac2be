package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Window durations for sender rate accounting.
const (
	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour
)

// GateResult reports the outcome of a send-limit check.
type GateResult struct {
	Allowed    bool
	Window     string // "hourly" or "daily" when blocked
	UsedHour   int
	UsedDay    int
}

// SendGate enforces per-sender hourly/daily send limits using sliding windows
// over Redis sorted sets. Increments go through Redis so counts stay atomic
// across concurrent delivery workers.
type SendGate struct {
	client *Client
	logger *zap.Logger
}

// NewSendGate creates a send-limit gate.
func NewSendGate(client *Client, logger *zap.Logger) *SendGate {
	return &SendGate{client: client, logger: logger}
}

func gateKey(senderID, window string) string {
	return fmt.Sprintf("sendlimit:%s:%s", senderID, window)
}

// Allow checks whether n more sends fit a sender's hourly/daily limits
// (nil = unlimited) and, when both fit, records all n in each window. The
// reservation is all-or-nothing so a multi-recipient batch never lands
// partially over the limit.
func (g *SendGate) Allow(ctx context.Context, senderID string, n int, hourlyLimit, dailyLimit *int) (*GateResult, error) {
	if n < 1 {
		n = 1
	}
	now := time.Now()

	usedHour, err := g.countWindow(ctx, gateKey(senderID, "hour"), now, hourWindow)
	if err != nil {
		return nil, err
	}
	usedDay, err := g.countWindow(ctx, gateKey(senderID, "day"), now, dayWindow)
	if err != nil {
		return nil, err
	}

	result := &GateResult{Allowed: true, UsedHour: usedHour, UsedDay: usedDay}

	if hourlyLimit != nil && usedHour+n > *hourlyLimit {
		result.Allowed = false
		result.Window = "hourly"
	} else if dailyLimit != nil && usedDay+n > *dailyLimit {
		result.Allowed = false
		result.Window = "daily"
	}

	if !result.Allowed {
		g.logger.Debug("sender rate limit exceeded",
			zap.String("sender_id", senderID),
			zap.String("window", result.Window),
			zap.Int("used_hour", usedHour),
			zap.Int("used_day", usedDay),
		)
		return result, nil
	}

	members := make([]redis.Z, n)
	for i := range members {
		members[i] = redis.Z{
			Score:  float64(now.UnixNano()),
			Member: fmt.Sprintf("%d-%d", now.UnixNano(), i),
		}
	}

	pipe := g.client.rdb.Pipeline()
	pipe.ZAdd(ctx, gateKey(senderID, "hour"), members...)
	pipe.Expire(ctx, gateKey(senderID, "hour"), hourWindow+time.Second)
	pipe.ZAdd(ctx, gateKey(senderID, "day"), members...)
	pipe.Expire(ctx, gateKey(senderID, "day"), dayWindow+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis record send failed: %w", err)
	}

	result.UsedHour += n
	result.UsedDay += n
	return result, nil
}

// countWindow trims expired members and counts the remainder.
func (g *SendGate) countWindow(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	windowStart := now.Add(-window)

	pipe := g.client.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis window count failed: %w", err)
	}

	return int(countCmd.Val()), nil
}
