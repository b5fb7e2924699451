package recovery

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// RetryPolicy configures the retry decorator (§4.7 Retry).
type RetryPolicy struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterPercent     float64
	RetryableCodes    map[Code]bool
}

// DefaultRetryPolicy returns the spec's documented defaults: 3 retries,
// 1s initial delay, 30s cap, 2x backoff, 20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      1 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		JitterPercent:     20,
	}
}

// AgentSpawnRetryPolicy, MessageSendRetryPolicy, DatabaseWriteRetryPolicy,
// and RateLimitRetryPolicy are the per-operation overrides named in §4.7.
func AgentSpawnRetryPolicy() RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxRetries = 2
	return p
}

func MessageSendRetryPolicy() RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxRetries = 3
	p.InitialDelay = 250 * time.Millisecond
	return p
}

func DatabaseWriteRetryPolicy() RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxRetries = 5
	p.InitialDelay = 100 * time.Millisecond
	p.MaxDelay = 5 * time.Second
	return p
}

func RateLimitRetryPolicy() RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxRetries = 5
	p.InitialDelay = 2 * time.Second
	p.MaxDelay = 60 * time.Second
	return p
}

// Delay computes the backoff delay for attempt n (1-based): min(initial *
// multiplier^(n-1), maxDelay) + U(0, cap * jitter%).
func (p RetryPolicy) Delay(n int) time.Duration {
	base := float64(p.InitialDelay) * pow(p.BackoffMultiplier, n-1)
	capped := base
	if capped > float64(p.MaxDelay) {
		capped = float64(p.MaxDelay)
	}
	jitterCap := capped * (p.JitterPercent / 100)
	jitter := rand.Float64() * jitterCap
	return time.Duration(capped + jitter)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// Retryable reports whether code is retryable under this policy. An empty
// RetryableCodes set falls back to the package's default table.
func (p RetryPolicy) Retryable(code Code) bool {
	if p.RetryableCodes != nil {
		return p.RetryableCodes[code]
	}
	return retryableCodes[code]
}

// ErrNonRetryable is returned by Do when the operation's last error carries
// a non-retryable code, short-circuiting further attempts.
var ErrNonRetryable = errors.New("recovery: non-retryable error")

// Operation is a unit of work the retry decorator wraps. It must return an
// *ErrorRecord (or nil) so the decorator can inspect the code.
type Operation func(ctx context.Context, attempt int) error

// Do runs op, retrying on retryable ErrorRecords up to policy.MaxRetries
// additional attempts, sleeping policy.Delay(n) between tries. A
// non-retryable code short-circuits immediately.
func Do(ctx context.Context, policy RetryPolicy, op Operation) error {
	var lastErr error
	for attempt := 1; attempt <= policy.MaxRetries+1; attempt++ {
		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return nil
		}

		var rec *ErrorRecord
		if errors.As(lastErr, &rec) && !policy.Retryable(rec.Code) {
			return lastErr
		}

		if attempt > policy.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.Delay(attempt)):
		}
	}
	return lastErr
}
