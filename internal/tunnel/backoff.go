package tunnel

import (
	"time"

	"github.com/jpillora/backoff"
)

// Backoff tracks consecutive failed connection attempts. The n-th failure
// waits min(base*2^n, max).
type Backoff struct {
	policy  backoff.Backoff
	attempt int
}

func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{policy: backoff.Backoff{Min: base, Max: max, Factor: 2}}
}

// Delay is the wait for a given attempt number without changing state.
func (b *Backoff) Delay(attempt int) time.Duration {
	return b.policy.ForAttempt(float64(attempt))
}

// Next records one more failure and returns how long to wait before retrying.
func (b *Backoff) Next() time.Duration {
	b.attempt++
	return b.Delay(b.attempt)
}

func (b *Backoff) Attempt() int { return b.attempt }

func (b *Backoff) Reset() { b.attempt = 0 }
