// Package backoff provides the exponential retry delay policy shared by the
// realtime socket reconnect loop and the assistant process restart loop.
package backoff

import "time"

// Policy computes capped exponential delays: min(base * 2^attempt, cap).
// It is not safe for concurrent use; each retry loop owns its own Policy.
type Policy struct {
	base    time.Duration
	cap     time.Duration
	attempt int
}

// New creates a Policy. Non-positive base or cap fall back to 1s/30s.
func New(base, cap time.Duration) *Policy {
	if base <= 0 {
		base = time.Second
	}
	if cap <= 0 {
		cap = 30 * time.Second
	}
	if cap < base {
		cap = base
	}
	return &Policy{base: base, cap: cap}
}

// Next returns the delay to wait before the next attempt and advances the
// attempt counter. Successive delays are non-decreasing up to the cap.
func (p *Policy) Next() time.Duration {
	d := p.base
	for i := 0; i < p.attempt; i++ {
		d *= 2
		if d >= p.cap || d <= 0 { // <= 0 guards shift overflow
			d = p.cap
			break
		}
	}
	p.attempt++
	return d
}

// Attempt returns the number of delays handed out since the last reset.
func (p *Policy) Attempt() int {
	return p.attempt
}

// Reset zeroes the attempt counter. Call after a successful connect/spawn.
func (p *Policy) Reset() {
	p.attempt = 0
}
