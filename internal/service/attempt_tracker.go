package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// AttemptTracker counts verification attempts and correlates client addresses.
type AttemptTracker interface {
	// Track records one attempt and returns the number seen in the sliding window.
	Track(ctx context.Context, userID, sessionID uint) (int64, error)
	// ClaimIP binds ip to userID for the session and returns the other user
	// already bound to it, or zero.
	ClaimIP(ctx context.Context, sessionID, userID uint, ip string) (uint, error)
}

type redisAttemptTracker struct {
	client   *redis.Client
	window   time.Duration
	ipWindow time.Duration
	now      func() time.Time
}

// NewRedisAttemptTracker constructs a redis-backed tracker.
func NewRedisAttemptTracker(client *redis.Client, window, ipWindow time.Duration) AttemptTracker {
	if window <= 0 {
		window = time.Minute
	}
	if ipWindow <= 0 {
		ipWindow = 30 * time.Minute
	}
	return &redisAttemptTracker{
		client:   client,
		window:   window,
		ipWindow: ipWindow,
		now:      time.Now,
	}
}

func (t *redisAttemptTracker) Track(ctx context.Context, userID, sessionID uint) (int64, error) {
	key := fmt.Sprintf("presence:attempts:%d:%d", sessionID, userID)
	now := t.now()
	cutoff := now.Add(-t.window).UnixMilli()

	pipe := t.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: uuid.NewString()})
	count := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, t.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("track attempt: %w", err)
	}

	return count.Val(), nil
}

func (t *redisAttemptTracker) ClaimIP(ctx context.Context, sessionID, userID uint, ip string) (uint, error) {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return 0, nil
	}

	key := fmt.Sprintf("presence:ip:%d:%s", sessionID, ip)
	claimed, err := t.client.SetNX(ctx, key, userID, t.ipWindow).Result()
	if err != nil {
		return 0, fmt.Errorf("claim ip: %w", err)
	}
	if claimed {
		return 0, nil
	}

	owner, err := t.client.Get(ctx, key).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read ip owner: %w", err)
	}
	if uint(owner) == userID {
		return 0, nil
	}

	return uint(owner), nil
}
