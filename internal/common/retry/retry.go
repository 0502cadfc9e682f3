// Package retry provides a shared retry-with-backoff utility so that
// attempt/delay logic is not scattered across call sites.
package retry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flockmesh/flock/internal/common/logger"
)

// Policy describes a bounded exponential backoff.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
}

// NetworkPolicy is the default policy for network-class failures:
// 3 attempts, 30 s base, doubling, capped at 5 minutes.
var NetworkPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   30 * time.Second,
	Factor:      2,
	MaxDelay:    5 * time.Minute,
}

// LocalPolicy is the default policy for local-class failures:
// 2 attempts, 5 s base.
var LocalPolicy = Policy{
	MaxAttempts: 2,
	BaseDelay:   5 * time.Second,
	Factor:      2,
	MaxDelay:    time.Minute,
}

// Delay returns the backoff delay preceding the given attempt
// (attempt is 1-based; the first attempt has no delay).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := p.BaseDelay
	for i := 2; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Factor)
		if p.MaxDelay > 0 && d > p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// WithRetry runs fn up to policy.MaxAttempts times, sleeping the policy
// delay between attempts. Each retry is logged with its attempt number
// and delay. The last error is returned when all attempts fail; a
// context cancellation aborts the wait immediately.
func WithRetry(ctx context.Context, policy Policy, log *logger.Logger, op string, fn func() error) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if delay := policy.Delay(attempt); delay > 0 {
			log.Info("Retrying operation",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		log.Warn("Operation attempt failed",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
	}
	return lastErr
}
