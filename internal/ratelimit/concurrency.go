package ratelimit

import "sync"

// ConcurrencyLimiter caps the number of in-flight requests per key.
// Zero-valued counters are removed so idle keys cost nothing.
type ConcurrencyLimiter struct {
	mu       sync.Mutex
	max      int
	inFlight map[string]int
}

// NewConcurrencyLimiter creates a limiter allowing max concurrent holders per key.
func NewConcurrencyLimiter(max int) *ConcurrencyLimiter {
	return &ConcurrencyLimiter{
		max:      max,
		inFlight: make(map[string]int),
	}
}

// Acquire reserves a slot for key, reporting false when the key is at its cap.
func (l *ConcurrencyLimiter) Acquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inFlight[key] >= l.max {
		return false
	}
	l.inFlight[key]++
	return true
}

// Release frees a slot for key. Releasing an absent key is a no-op.
func (l *ConcurrencyLimiter) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.inFlight[key]
	if !ok {
		return
	}
	if n <= 1 {
		delete(l.inFlight, key)
		return
	}
	l.inFlight[key] = n - 1
}

// InFlight reports the current counter for key, for tests and diagnostics.
func (l *ConcurrencyLimiter) InFlight(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight[key]
}
