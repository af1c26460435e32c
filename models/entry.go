package models

import (
	"time"

	"go.uber.org/atomic"
)

// Entry is a single cached value with its bookkeeping. The payload is kept
// in encoded form so the local and remote tiers store the same bytes.
type Entry struct {
	Data       []byte
	CreatedAt  time.Time
	ExpiresAt  time.Time
	TTL        time.Duration
	HitCount   *atomic.Int64
	LastAccess *atomic.Time
}

// NewEntry creates an entry expiring ttl from now. A Set on an existing key
// replaces the whole entry; entries are never mutated in place apart from
// the access counters.
func NewEntry(data []byte, ttl time.Duration) *Entry {
	now := time.Now()
	return &Entry{
		Data:       data,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		TTL:        ttl,
		HitCount:   atomic.NewInt64(0),
		LastAccess: atomic.NewTime(now),
	}
}

// Live reports whether the entry may still be served at the given time.
func (e *Entry) Live(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Touch records a successful read.
func (e *Entry) Touch() {
	e.HitCount.Inc()
	e.LastAccess.Store(time.Now())
}
