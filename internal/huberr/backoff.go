package huberr

import (
	"math/rand"
	"time"
)

// BackoffPolicy is the §7 exponential-backoff schedule: initial 1s, cap
// 30s, jitter ±25%, with a configurable attempt ceiling.
type BackoffPolicy struct {
	Initial     time.Duration
	Cap         time.Duration
	JitterFrac  float64
	MaxAttempts int
}

// DefaultBackoffPolicy matches the spec's stated defaults.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Initial:     1 * time.Second,
		Cap:         30 * time.Second,
		JitterFrac:  0.25,
		MaxAttempts: 5,
	}
}

// Delay returns the backoff delay before the given attempt number (1-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := p.Initial
	if initial <= 0 {
		initial = time.Second
	}
	ceiling := p.Cap
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}
	d := initial << uint(attempt-1) // nolint:gosec -- attempt is bounded by MaxAttempts
	if d <= 0 || d > ceiling {
		d = ceiling
	}
	jitterFrac := p.JitterFrac
	if jitterFrac <= 0 {
		return d
	}
	jitter := time.Duration(float64(d) * jitterFrac)
	offset := time.Duration(rand.Int63n(int64(2*jitter+1))) - jitter
	result := d + offset
	if result < 0 {
		result = 0
	}
	return result
}
