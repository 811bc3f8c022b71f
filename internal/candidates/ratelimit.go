package candidates

import (
	"sync"
	"time"

	"github.com/polyedge/polyedge/internal/polyconst"
)

// RateLimiter enforces the global and per-market candidate enqueue
// caps (spec §9.1): CandidatesPerMinMax globally,
// PerMarketCandidatesPerMinMax per market, both over a trailing 60s
// sliding window. Grounded on the teacher's own hand-rolled
// internal/exchange/ratelimit.go token-bucket idiom — no pack
// dependency models a sliding-window counter more idiomatically than a
// pruned timestamp slice.
type RateLimiter struct {
	mu      sync.Mutex
	global  []time.Time
	perMkt  map[string][]time.Time
}

// NewRateLimiter constructs an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{perMkt: make(map[string][]time.Time)}
}

func prune(ts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-60 * time.Second)
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// CanEnqueue reports whether a new candidate for marketID is within
// both the global and per-market caps as of now.
func (r *RateLimiter) CanEnqueue(marketID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.global = prune(r.global, now)
	r.perMkt[marketID] = prune(r.perMkt[marketID], now)

	if len(r.global) >= polyconst.CandidatesPerMinMax {
		return false
	}
	if len(r.perMkt[marketID]) >= polyconst.PerMarketCandidatesPerMinMax {
		return false
	}
	return true
}

// RecordEnqueue registers that a candidate was enqueued for marketID
// at now, consuming one slot of both caps.
func (r *RateLimiter) RecordEnqueue(marketID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = append(r.global, now)
	r.perMkt[marketID] = append(r.perMkt[marketID], now)
}
