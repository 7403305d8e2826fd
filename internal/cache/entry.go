package cache

import "time"

// State is the staleness tier of a cached value.
type State int

const (
	// Miss means no servable value: never stored, invalidated or expired.
	Miss State = iota
	Fresh
	Stale
	Expired
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Expired:
		return "expired"
	default:
		return "miss"
	}
}

// Entry is one cached value. Fresh for the first half of its TTL, stale for
// the second half, expired afterwards.
type Entry[V any] struct {
	Value        V             `json:"value"`
	CreatedAt    time.Time     `json:"created_at"`
	TTL          time.Duration `json:"ttl"`
	LastAccessed time.Time     `json:"last_accessed"`
}

// StateAt reports the entry's tier at now.
func (e Entry[V]) StateAt(now time.Time) State {
	age := now.Sub(e.CreatedAt)
	switch {
	case age > e.TTL:
		return Expired
	case age > e.TTL/2:
		return Stale
	default:
		return Fresh
	}
}

// ExpiresAt is the instant after which the entry is no longer servable.
func (e Entry[V]) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.TTL)
}
