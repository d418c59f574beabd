// Package process manages the population of Claude CLI child processes: a
// capacity-bounded slot pool with a FIFO of waiting acquirers, tracking of
// live children, and a two-phase graceful/forceful drain used at shutdown.
//
// Signal semantics are abstracted behind the Child interface so the pool's
// contract stays "escalation with a timeout" rather than a particular kernel
// mechanism.
package process

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrNoCapacity is returned when a slot cannot be obtained: the queue
	// timeout elapsed, or the pool is shutting down.
	ErrNoCapacity = errors.New("process pool: no capacity available")

	// ErrDestroyed is returned to waiters rejected by Destroy.
	ErrDestroyed = errors.New("process pool: destroyed")
)

// Child is the pool's view of a live CLI process.
type Child interface {
	// Terminate requests a graceful stop (SIGTERM on POSIX hosts).
	Terminate() error
	// Kill stops the process forcefully.
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
}

// waiter is a pending acquirer blocked on capacity.
type waiter struct {
	ch    chan error
	timer *time.Timer
}

// Pool is the capacity-bounded process pool.
type Pool struct {
	mu sync.Mutex

	maxConcurrent   int
	queueTimeout    time.Duration
	shutdownTimeout time.Duration

	active   int
	waiters  []*waiter
	children map[Child]chan struct{} // child -> observer stop signal

	shuttingDown bool
	drainDone    chan struct{}
	drainClose   sync.Once
	drainTimers  []*time.Timer
}

// NewPool creates a pool admitting maxConcurrent children, queueing further
// acquirers for at most queueTimeout, and draining with shutdownTimeout per
// escalation phase.
func NewPool(maxConcurrent int, queueTimeout, shutdownTimeout time.Duration) *Pool {
	return &Pool{
		maxConcurrent:   maxConcurrent,
		queueTimeout:    queueTimeout,
		shutdownTimeout: shutdownTimeout,
		children:        make(map[Child]chan struct{}),
	}
}

// Acquire obtains a slot, blocking in FIFO order up to the queue timeout when
// the pool is full. It fails immediately while the pool is shutting down.
func (p *Pool) Acquire(ctx context.Context) error {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return ErrNoCapacity
	}
	if p.active < p.maxConcurrent {
		p.active++
		p.mu.Unlock()
		return nil
	}

	w := &waiter{ch: make(chan error, 1)}
	w.timer = time.AfterFunc(p.queueTimeout, func() {
		p.expire(w)
	})
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case err := <-w.ch:
		return err
	case <-ctx.Done():
		p.expire(w)
		// A release may have resolved the waiter concurrently; if so the
		// slot is ours and must be handed back.
		select {
		case err := <-w.ch:
			if err == nil {
				p.Release()
			}
		default:
		}
		return ctx.Err()
	}
}

// expire removes w from the FIFO and fails it, unless it was already
// resolved or removed.
func (p *Pool) expire(w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, queued := range p.waiters {
		if queued == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			w.ch <- ErrNoCapacity
			return
		}
	}
}

// Release returns a slot. If a waiter is queued it inherits the slot
// directly (the active count is unchanged); otherwise the count drops,
// never below zero.
func (p *Pool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w.timer.Stop()
		w.ch <- nil
		return
	}
	if p.active > 0 {
		p.active--
	}
}

// Active reports the held slot count, for tests and diagnostics.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Track registers a live child and installs a one-shot observer that
// untracks it when its exit signal fires.
func (p *Pool) Track(child Child) {
	p.mu.Lock()
	if _, exists := p.children[child]; exists {
		p.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	p.children[child] = stop
	p.mu.Unlock()

	go func() {
		select {
		case <-child.Done():
			p.Untrack(child)
		case <-stop:
		}
	}()
}

// Untrack detaches the child and its observer. When a drain is waiting and
// this was the last tracked child, the drain handle resolves.
func (p *Pool) Untrack(child Child) {
	p.mu.Lock()
	stop, ok := p.children[child]
	if ok {
		delete(p.children, child)
		close(stop)
	}
	empty := len(p.children) == 0
	draining := p.drainDone != nil
	p.mu.Unlock()

	if ok && empty && draining {
		p.drainClose.Do(func() { close(p.drainDone) })
	}
}

// TrackedChildren reports the tracked child count, for tests and diagnostics.
func (p *Pool) TrackedChildren() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.children)
}

// DrainAll begins cooperative shutdown and returns a handle that is closed
// once every tracked child has exited (or been given up on). It is
// idempotent: repeated calls return the same handle.
//
// Escalation: graceful termination immediately; force kill after the
// shutdown timeout; after a second shutdown timeout the tracked set is
// cleared and the handle resolves regardless, bounding shutdown at twice
// the timeout.
func (p *Pool) DrainAll() <-chan struct{} {
	p.mu.Lock()
	if p.drainDone != nil {
		done := p.drainDone
		p.mu.Unlock()
		return done
	}

	p.shuttingDown = true
	p.drainDone = make(chan struct{})
	done := p.drainDone

	for _, w := range p.waiters {
		w.timer.Stop()
		w.ch <- ErrNoCapacity
	}
	p.waiters = nil

	tracked := make([]Child, 0, len(p.children))
	for child := range p.children {
		tracked = append(tracked, child)
	}
	p.mu.Unlock()

	if len(tracked) == 0 {
		p.drainClose.Do(func() { close(done) })
		return done
	}

	log.Infof("draining %d tracked CLI processes", len(tracked))
	for _, child := range tracked {
		if err := child.Terminate(); err != nil {
			log.Debugf("graceful termination failed: %v", err)
		}
	}

	killTimer := time.AfterFunc(p.shutdownTimeout, func() {
		p.mu.Lock()
		remaining := make([]Child, 0, len(p.children))
		for child := range p.children {
			remaining = append(remaining, child)
		}
		p.mu.Unlock()
		if len(remaining) == 0 {
			return
		}
		log.Warnf("force killing %d CLI processes still alive after drain timeout", len(remaining))
		for _, child := range remaining {
			_ = child.Kill()
		}
	})

	// Progress guarantee: give up on anything still tracked after the
	// second timeout.
	clearTimer := time.AfterFunc(2*p.shutdownTimeout, func() {
		p.mu.Lock()
		abandoned := len(p.children)
		for child, stop := range p.children {
			close(stop)
			delete(p.children, child)
		}
		p.mu.Unlock()
		if abandoned > 0 {
			log.Errorf("abandoning %d unkillable CLI processes", abandoned)
		}
		p.drainClose.Do(func() { close(done) })
	})

	p.mu.Lock()
	p.drainTimers = append(p.drainTimers, killTimer, clearTimer)
	p.mu.Unlock()

	return done
}

// Destroy rejects all queued waiters and resets every field so the pool is
// reusable. Tracked children are detached, not signalled.
func (p *Pool) Destroy() {
	p.mu.Lock()
	for _, w := range p.waiters {
		w.timer.Stop()
		w.ch <- ErrDestroyed
	}
	p.waiters = nil
	for child, stop := range p.children {
		close(stop)
		delete(p.children, child)
	}
	for _, t := range p.drainTimers {
		t.Stop()
	}
	p.drainTimers = nil
	p.active = 0
	p.shuttingDown = false
	drainDone := p.drainDone
	p.drainDone = nil
	p.mu.Unlock()

	if drainDone != nil {
		p.drainClose.Do(func() { close(drainDone) })
	}
	p.drainClose = sync.Once{}
}

// KillWithEscalation terminates a single child gracefully, escalating to a
// force kill if it has not exited within timeout. The kill timer is cleared
// as soon as the child exits.
func KillWithEscalation(child Child, timeout time.Duration) {
	_ = child.Terminate()
	killTimer := time.AfterFunc(timeout, func() {
		_ = child.Kill()
	})
	go func() {
		<-child.Done()
		killTimer.Stop()
	}()
}
