// Package lockout throttles repeated failed verifications per user.
package lockout

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/your-org/faceid/internal/config"
)

// Limiter counts failed verification attempts in Redis. Once a user
// crosses MaxFailures inside the window, verification is refused until the
// window expires.
type Limiter struct {
	client      *redis.Client
	maxFailures int64
	window      time.Duration
}

func NewLimiter(rcfg config.RedisConfig, lcfg config.LockoutConfig) (*Limiter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     rcfg.Addr,
		Password: rcfg.Password,
		DB:       rcfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Limiter{
		client:      client,
		maxFailures: int64(lcfg.MaxFailures),
		window:      lcfg.Window,
	}, nil
}

func (l *Limiter) Close() error {
	return l.client.Close()
}

func (l *Limiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func key(userID string) string {
	return "faceid:failures:" + userID
}

// Allowed reports whether the user may attempt verification.
func (l *Limiter) Allowed(ctx context.Context, userID string) (bool, error) {
	count, err := l.client.Get(ctx, key(userID)).Int64()
	if err == redis.Nil {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read failure count: %w", err)
	}
	return count < l.maxFailures, nil
}

// RecordFailure increments the user's failure count and starts the window
// on the first failure. Returns the count after the increment.
func (l *Limiter) RecordFailure(ctx context.Context, userID string) (int64, error) {
	k := key(userID)

	count, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return 0, fmt.Errorf("record failure: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, k, l.window).Err(); err != nil {
			return count, fmt.Errorf("set failure window: %w", err)
		}
	}
	return count, nil
}

// Reset clears the failure count after a successful verification.
func (l *Limiter) Reset(ctx context.Context, userID string) error {
	if err := l.client.Del(ctx, key(userID)).Err(); err != nil {
		return fmt.Errorf("reset failure count: %w", err)
	}
	return nil
}
