// Package ratelimit holds the per-provider quota buckets and user-action
// cooldowns. Buckets are non-blocking: callers that are denied decide whether
// to requeue, fail fast or serve stale data.
package ratelimit

import (
	"sort"
	"sync"
	"time"
)

// Registry maps provider names to their bucket and optional cooldown. It is
// built once at startup and shared by the queue, router and service.
type Registry struct {
	mu        sync.RWMutex
	buckets   map[string]*TokenBucket
	cooldowns map[string]*Cooldown
}

func NewRegistry() *Registry {
	return &Registry{
		buckets:   make(map[string]*TokenBucket),
		cooldowns: make(map[string]*Cooldown),
	}
}

// Register sets the bucket for provider, replacing any previous one.
func (r *Registry) Register(provider string, tb *TokenBucket) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buckets[provider] = tb
	return r
}

// RegisterCooldown sets the user-action cooldown for provider.
func (r *Registry) RegisterCooldown(provider string, cd *Cooldown) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cooldowns[provider] = cd
	return r
}

func (r *Registry) Bucket(provider string) (*TokenBucket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tb, ok := r.buckets[provider]
	return tb, ok
}

// Cooldown returns the provider's cooldown, or nil. A nil *Cooldown allows
// everything.
func (r *Registry) Cooldown(provider string) *Cooldown {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cooldowns[provider]
}

// Acquire takes a token from provider's bucket. Providers without a bucket
// are unlimited.
func (r *Registry) Acquire(provider string) bool {
	tb, ok := r.Bucket(provider)
	if !ok {
		return true
	}
	return tb.Acquire()
}

// Exhausted reports whether provider has no tokens left in its current window,
// and how long until it has.
func (r *Registry) Exhausted(provider string) (time.Duration, bool) {
	tb, ok := r.Bucket(provider)
	if !ok {
		return 0, false
	}
	d := tb.RetryAfter()
	return d, d > 0
}

// BucketState is a point-in-time view of one bucket.
type BucketState struct {
	Provider   string        `json:"provider"`
	Capacity   int           `json:"capacity"`
	Available  int           `json:"available"`
	Window     time.Duration `json:"window"`
	RetryAfter time.Duration `json:"retry_after"`
	Cooldown   time.Duration `json:"cooldown_remaining,omitempty"`
}

// Snapshot lists every bucket, sorted by provider.
func (r *Registry) Snapshot() []BucketState {
	r.mu.RLock()
	names := make([]string, 0, len(r.buckets))
	for name := range r.buckets {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	out := make([]BucketState, 0, len(names))
	for _, name := range names {
		tb, _ := r.Bucket(name)
		out = append(out, BucketState{
			Provider:   name,
			Capacity:   tb.Capacity(),
			Available:  tb.Available(),
			Window:     tb.Window(),
			RetryAfter: tb.RetryAfter(),
			Cooldown:   r.Cooldown(name).Remaining(),
		})
	}
	return out
}
