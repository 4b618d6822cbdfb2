package rate

import (
	"context"
	"fmt"
	"time"
)

const (
	usageMinuteWindow = time.Minute
	usage10SecWindow  = 10 * time.Second
)

// WindowStore counts events inside fixed time windows.
type WindowStore interface {
	IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// Limiter caps how often one user can trigger a billed model invocation.
type Limiter struct {
	store     WindowStore
	perMinute int
	per10Sec  int
}

// NewLimiter wires a Limiter; non-positive limits disable that window.
func NewLimiter(store WindowStore, perMinute, per10Sec int) *Limiter {
	if perMinute < 0 {
		perMinute = 0
	}
	if per10Sec < 0 {
		per10Sec = 0
	}
	return &Limiter{
		store:     store,
		perMinute: perMinute,
		per10Sec:  per10Sec,
	}
}

// AllowUsage reports whether the user may record another usage now. When
// blocked, the first return value is the number of seconds to wait.
func (limiter *Limiter) AllowUsage(ctx context.Context, userID string) (int64, bool, error) {
	if userID == "" {
		return 0, false, fmt.Errorf("user id is required")
	}
	if limiter.store == nil {
		return 0, false, fmt.Errorf("rate limiter store is nil")
	}

	retryAfterSec := int64(0)

	if limiter.perMinute > 0 {
		count, ttl, err := limiter.store.IncrementWindow(ctx, minuteKey(userID), usageMinuteWindow)
		if err != nil {
			return 0, false, err
		}
		if count > int64(limiter.perMinute) {
			retryAfterSec = maxInt64(retryAfterSec, ceilSeconds(ttl))
		}
	}

	if limiter.per10Sec > 0 {
		count, ttl, err := limiter.store.IncrementWindow(ctx, tenSecKey(userID), usage10SecWindow)
		if err != nil {
			return 0, false, err
		}
		if count > int64(limiter.per10Sec) {
			retryAfterSec = maxInt64(retryAfterSec, ceilSeconds(ttl))
		}
	}

	if retryAfterSec > 0 {
		return retryAfterSec, false, nil
	}
	return 0, true, nil
}

func minuteKey(userID string) string {
	return "rate:usage:min:" + userID
}

func tenSecKey(userID string) string {
	return "rate:usage:10s:" + userID
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	sec := int64(d / time.Second)
	if d%time.Second != 0 {
		sec++
	}
	if sec <= 0 {
		sec = 1
	}
	return sec
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
