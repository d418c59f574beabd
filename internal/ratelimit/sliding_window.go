// Package ratelimit implements the gateway's admission limiters: a per-key
// sliding-window request limiter and a per-key in-flight concurrency limiter.
// Both are safe for concurrent use from any request handler.
package ratelimit

import (
	"sync"
	"time"
)

const (
	// maxKeys bounds limiter memory under key-space attacks.
	maxKeys = 100000

	// evictBatch is how many of the oldest keys are dropped when a full
	// prune pass still leaves the limiter over capacity.
	evictBatch = 1000
)

// Result reports the outcome of a limiter operation along with the metadata
// exposed through the X-RateLimit-* response headers.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetMs is the Unix-millisecond timestamp at which at least one slot
	// is guaranteed free again.
	ResetMs int64
}

// SlidingWindow counts requests per key over a rolling window.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration

	// timestamps per key, in non-decreasing order.
	buckets map[string][]time.Time
	// insertion order of keys, for bounded eviction.
	keyOrder []string

	now func() time.Time
}

// NewSlidingWindow creates a limiter allowing limit requests per window.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:   limit,
		window:  window,
		buckets: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Check returns the current usage for key without mutating any state.
func (l *SlidingWindow) Check(key string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	live := l.pruned(l.buckets[key], now)
	return l.result(len(live) < l.limit, live, now)
}

// Record prunes expired timestamps for key, then either rejects the request
// (at or over the limit, no mutation) or appends the current timestamp and
// admits it.
func (l *SlidingWindow) Record(key string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if len(l.buckets) >= maxKeys {
		l.evictLocked(now)
	}

	live := l.pruned(l.buckets[key], now)
	if len(live) >= l.limit {
		l.buckets[key] = live
		return l.result(false, live, now)
	}

	if _, exists := l.buckets[key]; !exists {
		l.keyOrder = append(l.keyOrder, key)
	}
	live = append(live, now)
	l.buckets[key] = live
	return l.result(true, live, now)
}

// pruned drops timestamps older than now-window.
func (l *SlidingWindow) pruned(ts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}

// result computes the response metadata. The reset timestamp is derived from
// the oldest in-window timestamp so a client waiting until then is guaranteed
// at least one free slot.
func (l *SlidingWindow) result(allowed bool, live []time.Time, now time.Time) Result {
	remaining := l.limit - len(live)
	if remaining < 0 {
		remaining = 0
	}
	reset := now.Add(l.window)
	if len(live) > 0 {
		reset = live[0].Add(l.window)
	}
	return Result{
		Allowed:   allowed,
		Limit:     l.limit,
		Remaining: remaining,
		ResetMs:   reset.UnixMilli(),
	}
}

// evictLocked first prunes every bucket, dropping the ones that emptied;
// if the limiter is still over capacity it evicts the oldest evictBatch keys
// in insertion order.
func (l *SlidingWindow) evictLocked(now time.Time) {
	kept := l.keyOrder[:0]
	for _, key := range l.keyOrder {
		live := l.pruned(l.buckets[key], now)
		if len(live) == 0 {
			delete(l.buckets, key)
			continue
		}
		l.buckets[key] = live
		kept = append(kept, key)
	}
	l.keyOrder = kept

	if len(l.buckets) < maxKeys {
		return
	}
	n := evictBatch
	if n > len(l.keyOrder) {
		n = len(l.keyOrder)
	}
	for _, key := range l.keyOrder[:n] {
		delete(l.buckets, key)
	}
	l.keyOrder = append([]string(nil), l.keyOrder[n:]...)
}

// Keys reports the number of tracked keys, for tests and diagnostics.
func (l *SlidingWindow) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
