package llm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// RetryPolicy bounds the gateway's retries on transient provider errors.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts (first try included).
	MaxAttempts int

	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Jitter       bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

// DelayForAttempt computes the backoff delay before retry number attempt
// (1-indexed). Jitter is derived from seed so repeated runs are
// deterministic for a fixed seed.
func (p RetryPolicy) DelayForAttempt(attempt int, seed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.InitialDelay <= 0 {
		return 0
	}
	factor := p.Factor
	if factor <= 0 {
		factor = 1.0
	}
	base := float64(p.InitialDelay) * math.Pow(factor, float64(attempt-1))
	if p.MaxDelay > 0 {
		base = math.Min(base, float64(p.MaxDelay))
	}
	// Jitter applies after capping: multiplier in [0.5, 1.5).
	if p.Jitter {
		base *= 0.5 + jitterUnit(fmt.Sprintf("%s:%d", seed, attempt))
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

// SleepFunc allows tests to observe and skip retry delays.
type SleepFunc func(ctx context.Context, d time.Duration) error

func defaultSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry invokes fn until it succeeds, returns a non-retryable error, or the
// policy's attempt budget is exhausted. A Retry-After hint from the provider
// overrides the computed backoff delay.
func Retry(ctx context.Context, policy RetryPolicy, sleep SleepFunc, seed string, fn func() (Completion, error)) (Completion, error) {
	if sleep == nil {
		sleep = defaultSleep
	}
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Completion{}, err
		}
		resp, err := fn()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == attempts {
			break
		}
		delay := policy.DelayForAttempt(attempt, seed)
		var ue Error
		if asUnified(err, &ue) {
			if ra := ue.RetryAfter(); ra != nil && *ra > delay {
				delay = *ra
			}
		}
		if err := sleep(ctx, delay); err != nil {
			return Completion{}, err
		}
	}
	return Completion{}, lastErr
}

func asUnified(err error, target *Error) bool {
	for err != nil {
		if e, ok := err.(Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
