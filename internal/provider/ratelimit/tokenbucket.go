package ratelimit

import (
	"sync"
	"time"

	"marketdata/internal/clock"
)

// TokenBucket is a non-blocking fixed-window limiter: capacity tokens per
// window. Replenishment is lazy. On the first Acquire at or after the end of
// the current window the bucket is reset to full and the window start moves
// to the beginning of the window containing now, so unused tokens never carry
// over and there is no free-running timer to drift.
type TokenBucket struct {
	capacity int
	window   time.Duration
	clock    clock.Clock

	mu            sync.Mutex
	tokens        int
	lastReplenish time.Time
}

// NewTokenBucket returns a full bucket whose first window starts now.
func NewTokenBucket(capacity int, window time.Duration, c clock.Clock) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if window <= 0 {
		window = time.Second
	}
	if c == nil {
		c = clock.Real()
	}
	return &TokenBucket{
		capacity:      capacity,
		window:        window,
		clock:         c,
		tokens:        capacity,
		lastReplenish: c.Now(),
	}
}

func (tb *TokenBucket) replenishLocked(now time.Time) {
	elapsed := now.Sub(tb.lastReplenish)
	if elapsed < tb.window {
		return
	}
	windows := elapsed / tb.window
	tb.lastReplenish = tb.lastReplenish.Add(windows * tb.window)
	tb.tokens = tb.capacity
}

// Acquire consumes one token and reports whether one was available.
func (tb *TokenBucket) Acquire() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.replenishLocked(tb.clock.Now())
	if tb.tokens == 0 {
		return false
	}
	tb.tokens--
	return true
}

// Available reports the tokens left in the current window.
func (tb *TokenBucket) Available() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.replenishLocked(tb.clock.Now())
	return tb.tokens
}

// RetryAfter is how long until a token is available again. Zero when one is
// available now.
func (tb *TokenBucket) RetryAfter() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := tb.clock.Now()
	tb.replenishLocked(now)
	if tb.tokens > 0 {
		return 0
	}
	return tb.lastReplenish.Add(tb.window).Sub(now)
}

func (tb *TokenBucket) Capacity() int { return tb.capacity }

func (tb *TokenBucket) Window() time.Duration { return tb.window }
