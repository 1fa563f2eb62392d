package downloader

import (
	"math"
	"time"

	"gitlab.com/NebulousLabs/fastrand"
)

// RetryPolicy parameterizes attempt count and delay growth for
// retryable failures. It is a pure value: computing a delay has no
// side effects beyond consuming randomness for jitter.
type RetryPolicy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
}

// RetryNone never retries: the first failure is terminal.
func RetryNone() RetryPolicy {
	return RetryPolicy{MaxRetries: 0, BaseDelay: 0, BackoffMultiplier: 1, MaxDelay: 0}
}

// RetryDefault is the preset used when a caller does not configure a
// RetryPolicy explicitly.
func RetryDefault() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, BackoffMultiplier: 2, MaxDelay: 30 * time.Second}
}

// RetryAggressive retries more, sooner.
func RetryAggressive() RetryPolicy {
	return RetryPolicy{MaxRetries: 5, BaseDelay: 500 * time.Millisecond, BackoffMultiplier: 1.5, MaxDelay: 30 * time.Second}
}

// RetryConservative retries less, and waits longer between attempts.
func RetryConservative() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BaseDelay: 2 * time.Second, BackoffMultiplier: 3, MaxDelay: 30 * time.Second}
}

// Delay computes the sleep duration before retrying the given attempt
// (0-indexed), as min(MaxDelay, BaseDelay * Multiplier^attempt), plus
// up to 10% jitter so that a thundering herd of retrying jobs does not
// wake up in lockstep. Jitter is drawn from
// gitlab.com/NebulousLabs/fastrand, matching the teacher's own source
// of randomness rather than math/rand.
func (p RetryPolicy) Delay(attempt uint32) time.Duration {
	base := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	d := time.Duration(base)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(fastrand.Intn(int(d/10) + 1))
	return d + jitter
}

// ShouldRetry reports whether another attempt should be made given the
// (0-indexed) attempt that just failed and whether that failure kind
// is retryable.
func (p RetryPolicy) ShouldRetry(attempt uint32, retryable bool) bool {
	return retryable && attempt < uint32(p.MaxRetries)
}
