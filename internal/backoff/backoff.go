// Package backoff implements jittered exponential delays for retry loops.
//
// The engine itself never retries: a failed session reports its classified
// reason once and stays down. Callers that decide to reconnect (the CLI,
// an embedding application) use a [Backoff] to pace their attempts.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// Default pacing parameters.
const (
	DefaultInitial    = 1 * time.Second
	DefaultMax        = 30 * time.Second
	DefaultMultiplier = 2.0
	DefaultJitter     = 0.2
)

// Policy holds the tuning knobs for a [Backoff]. Zero-value fields are
// replaced with defaults.
type Policy struct {
	// Initial is the delay before the first retry. Default: 1s.
	Initial time.Duration

	// Max is the upper limit on any single delay. Default: 30s.
	Max time.Duration

	// Multiplier is the growth factor applied per attempt. Default: 2.
	Multiplier float64

	// Jitter is the fraction of the delay randomized symmetrically around
	// the exponential value, so simultaneous clients do not reconnect in
	// lockstep. 0.2 means ±20%. Negative disables jitter; zero uses the
	// default.
	Jitter float64

	// MaxAttempts caps how many delays are handed out before giving up.
	// Zero means unlimited.
	MaxAttempts int
}

// Backoff produces a sequence of increasing, jittered delays. Not safe for
// concurrent use; each retry loop owns its own instance.
type Backoff struct {
	policy  Policy
	attempt int
	current time.Duration
}

// New creates a [Backoff] with zero policy fields defaulted.
func New(p Policy) *Backoff {
	if p.Initial <= 0 {
		p.Initial = DefaultInitial
	}
	if p.Max <= 0 {
		p.Max = DefaultMax
	}
	if p.Multiplier <= 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.Jitter == 0 {
		p.Jitter = DefaultJitter
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return &Backoff{policy: p, current: p.Initial}
}

// Next returns the delay to wait before the coming attempt, and false when
// the attempt budget is exhausted.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.policy.MaxAttempts > 0 && b.attempt >= b.policy.MaxAttempts {
		return 0, false
	}
	b.attempt++

	d := b.current
	next := time.Duration(float64(b.current) * b.policy.Multiplier)
	if next > b.policy.Max {
		next = b.policy.Max
	}
	b.current = next

	if b.policy.Jitter > 0 {
		// Symmetric jitter: d * (1 ± Jitter).
		spread := float64(d) * b.policy.Jitter
		d = time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
		if d < 0 {
			d = 0
		}
	}
	return d, true
}

// Attempt returns how many delays have been handed out since the last
// Reset.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset returns the sequence to its initial delay, typically after a
// successful attempt.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.current = b.policy.Initial
}

// Wait sleeps for d or until ctx is cancelled, returning the context error
// in the latter case.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
