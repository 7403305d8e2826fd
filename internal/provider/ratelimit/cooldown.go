package ratelimit

import (
	"sync"
	"time"

	"marketdata/internal/clock"
	"marketdata/internal/errs"
)

// Cooldown enforces a minimum interval between user-initiated requests,
// independently of any quota. A rejected request is reported to the caller
// with the remaining wait rather than delayed.
type Cooldown struct {
	provider string
	interval time.Duration
	clock    clock.Clock

	mu   sync.Mutex
	last time.Time
	used bool
}

func NewCooldown(provider string, interval time.Duration, c clock.Clock) *Cooldown {
	if c == nil {
		c = clock.Real()
	}
	return &Cooldown{provider: provider, interval: interval, clock: c}
}

// Allow records a user-initiated request for op. It returns an errs.ErrCooldown
// error carrying the remaining wait when the previous accepted request was less
// than the interval ago; rejected requests do not restart the interval.
func (c *Cooldown) Allow(op string) error {
	if c == nil || c.interval <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if c.used {
		if remaining := c.last.Add(c.interval).Sub(now); remaining > 0 {
			return errs.Cooldown(op, c.provider, remaining)
		}
	}
	c.last = now
	c.used = true
	return nil
}

// Remaining is the wait before Allow would accept. Zero when it would accept now.
func (c *Cooldown) Remaining() time.Duration {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.used {
		return 0
	}
	if d := c.last.Add(c.interval).Sub(c.clock.Now()); d > 0 {
		return d
	}
	return 0
}
