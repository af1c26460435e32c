package models

import (
	"time"

	"go.uber.org/atomic"
)

// Metrics holds the live counters of a cache tier.
type Metrics struct {
	Hits      *atomic.Int64
	Misses    *atomic.Int64
	Evictions *atomic.Int64
	Expired   *atomic.Int64
}

// NewMetrics creates zeroed metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Hits:      atomic.NewInt64(0),
		Misses:    atomic.NewInt64(0),
		Evictions: atomic.NewInt64(0),
		Expired:   atomic.NewInt64(0),
	}
}

// Stats is a read-only snapshot of a cache. EntryCount and AvgTTL only
// cover tiers that can enumerate their entries; the remote tier reports
// counters only.
type Stats struct {
	EntryCount int
	TotalHits  int64
	Misses     int64
	Evictions  int64
	Expired    int64
	AvgTTL     time.Duration
}
