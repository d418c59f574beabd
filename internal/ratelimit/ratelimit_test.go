package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

// fixedClock lets tests advance time deterministically.
type fixedClock struct {
	t time.Time
}

func (c *fixedClock) now() time.Time { return c.t }

func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestWindow(limit int, window time.Duration) (*SlidingWindow, *fixedClock) {
	clock := &fixedClock{t: time.Unix(1700000000, 0)}
	l := NewSlidingWindow(limit, window)
	l.now = clock.now
	return l, clock
}

func TestSlidingWindowAdmitsExactlyLimit(t *testing.T) {
	l, _ := newTestWindow(3, time.Minute)

	for i := 0; i < 3; i++ {
		if r := l.Record("ip-1"); !r.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	r := l.Record("ip-1")
	if r.Allowed {
		t.Fatal("4th request within window should be rejected")
	}
	if r.Remaining != 0 {
		t.Fatalf("remaining = %d, want 0", r.Remaining)
	}

	// Rejection must not mutate state: a different key is unaffected and the
	// same key still reports 3 in-window entries.
	if got := l.Check("ip-1"); got.Remaining != 0 {
		t.Fatalf("check after reject: remaining = %d, want 0", got.Remaining)
	}
	if r = l.Record("ip-2"); !r.Allowed {
		t.Fatal("other keys must not be affected")
	}
}

func TestSlidingWindowResetsAfterWindow(t *testing.T) {
	l, clock := newTestWindow(2, time.Minute)

	l.Record("k")
	l.Record("k")
	if r := l.Record("k"); r.Allowed {
		t.Fatal("over-limit request admitted")
	}

	clock.advance(time.Minute + time.Millisecond)
	if r := l.Record("k"); !r.Allowed {
		t.Fatal("counter should reset after the window elapses")
	}
}

func TestSlidingWindowResetFromOldestTimestamp(t *testing.T) {
	l, clock := newTestWindow(1, time.Minute)

	first := clock.t
	l.Record("k")
	clock.advance(30 * time.Second)
	r := l.Record("k")
	if r.Allowed {
		t.Fatal("should be over limit")
	}
	want := first.Add(time.Minute).UnixMilli()
	if r.ResetMs != want {
		t.Fatalf("reset = %d, want oldest+window = %d", r.ResetMs, want)
	}
}

func TestSlidingWindowEmptyReset(t *testing.T) {
	l, clock := newTestWindow(5, time.Minute)
	r := l.Check("fresh")
	want := clock.t.Add(time.Minute).UnixMilli()
	if r.ResetMs != want {
		t.Fatalf("reset for empty key = %d, want now+window = %d", r.ResetMs, want)
	}
	if r.Remaining != 5 {
		t.Fatalf("remaining = %d, want 5", r.Remaining)
	}
}

func TestSlidingWindowCheckDoesNotMutate(t *testing.T) {
	l, _ := newTestWindow(2, time.Minute)
	for i := 0; i < 10; i++ {
		l.Check("k")
	}
	if r := l.Record("k"); !r.Allowed || r.Remaining != 1 {
		t.Fatalf("check calls consumed slots: %+v", r)
	}
}

func TestSlidingWindowKeyEviction(t *testing.T) {
	l, clock := newTestWindow(10, time.Minute)

	for i := 0; i < maxKeys; i++ {
		l.Record(fmt.Sprintf("key-%d", i))
	}
	if l.Keys() != maxKeys {
		t.Fatalf("keys = %d, want %d", l.Keys(), maxKeys)
	}

	// Still inside the window: the full prune removes nothing, so the oldest
	// batch is evicted to make room.
	l.Record("overflow-1")
	if l.Keys() > maxKeys-evictBatch+1 {
		t.Fatalf("keys = %d after eviction, want <= %d", l.Keys(), maxKeys-evictBatch+1)
	}

	// Once the window passes, the prune pass alone reclaims everything.
	clock.advance(2 * time.Minute)
	for i := 0; i < maxKeys; i++ {
		l.Record(fmt.Sprintf("key2-%d", i))
	}
	l.Record("overflow-2")
	if l.Keys() > maxKeys {
		t.Fatalf("keys = %d, want <= %d", l.Keys(), maxKeys)
	}
}

func TestConcurrencyLimiter(t *testing.T) {
	l := NewConcurrencyLimiter(2)

	if !l.Acquire("k") || !l.Acquire("k") {
		t.Fatal("first two acquires should succeed")
	}
	if l.Acquire("k") {
		t.Fatal("third acquire should fail at cap 2")
	}

	l.Release("k")
	if !l.Acquire("k") {
		t.Fatal("acquire after release should succeed")
	}

	l.Release("k")
	l.Release("k")
	if l.InFlight("k") != 0 {
		t.Fatalf("in-flight = %d, want 0", l.InFlight("k"))
	}

	// Zero-valued entries are removed and a stray release is a no-op.
	l.Release("k")
	l.Release("never-seen")
	if !l.Acquire("k") {
		t.Fatal("acquire after stray releases should succeed")
	}
}
