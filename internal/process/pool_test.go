package process

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// fakeChild implements Child for pool tests.
type fakeChild struct {
	done       chan struct{}
	terminated atomic.Int32
	killed     atomic.Int32

	// exitOnTerm makes Terminate behave like a cooperative process.
	exitOnTerm bool
	// exitOnKill makes Kill behave like a killable process.
	exitOnKill bool
}

func newFakeChild(exitOnTerm, exitOnKill bool) *fakeChild {
	return &fakeChild{
		done:       make(chan struct{}),
		exitOnTerm: exitOnTerm,
		exitOnKill: exitOnKill,
	}
}

func (f *fakeChild) Terminate() error {
	f.terminated.Add(1)
	if f.exitOnTerm {
		f.exit()
	}
	return nil
}

func (f *fakeChild) Kill() error {
	f.killed.Add(1)
	if f.exitOnKill {
		f.exit()
	}
	return nil
}

func (f *fakeChild) exit() {
	select {
	case <-f.done:
	default:
		close(f.done)
	}
}

func (f *fakeChild) Done() <-chan struct{} { return f.done }

func TestAcquireWithinCapacity(t *testing.T) {
	p := NewPool(2, 50*time.Millisecond, 50*time.Millisecond)

	if err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}
	if p.Active() != 2 {
		t.Fatalf("active = %d, want 2", p.Active())
	}
}

func TestAcquireQueueTimeout(t *testing.T) {
	p := NewPool(1, 30*time.Millisecond, 50*time.Millisecond)
	_ = p.Acquire(context.Background())

	start := time.Now()
	err := p.Acquire(context.Background())
	if !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("queued acquire error = %v, want ErrNoCapacity", err)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatal("acquire failed before queue timeout elapsed")
	}
	// The active count must never exceed capacity.
	if p.Active() != 1 {
		t.Fatalf("active = %d, want 1", p.Active())
	}
}

func TestReleaseHandsSlotToWaiter(t *testing.T) {
	p := NewPool(1, time.Second, 50*time.Millisecond)
	_ = p.Acquire(context.Background())

	acquired := make(chan error, 1)
	go func() { acquired <- p.Acquire(context.Background()) }()

	// Give the waiter a moment to enqueue, then release.
	time.Sleep(10 * time.Millisecond)
	p.Release()

	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("waiter acquire failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never resolved")
	}
	// The slot transferred directly: active is still 1.
	if p.Active() != 1 {
		t.Fatalf("active = %d, want 1", p.Active())
	}
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	p := NewPool(1, 50*time.Millisecond, 50*time.Millisecond)
	p.Release()
	p.Release()
	if p.Active() != 0 {
		t.Fatalf("active = %d, want 0", p.Active())
	}
	if err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire after spurious releases failed: %v", err)
	}
}

func TestAcquireCancelledContext(t *testing.T) {
	p := NewPool(1, time.Second, 50*time.Millisecond)
	_ = p.Acquire(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if err := p.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("acquire error = %v, want context.Canceled", err)
	}
}

func TestTrackUntrackObserver(t *testing.T) {
	p := NewPool(1, 50*time.Millisecond, 50*time.Millisecond)
	child := newFakeChild(true, true)

	p.Track(child)
	if p.TrackedChildren() != 1 {
		t.Fatalf("tracked = %d, want 1", p.TrackedChildren())
	}

	// Exit fires the one-shot observer, which untracks.
	child.exit()
	deadline := time.Now().Add(time.Second)
	for p.TrackedChildren() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("child never untracked after exit")
		}
		time.Sleep(time.Millisecond)
	}

	// A second Untrack is a no-op.
	p.Untrack(child)
}

func TestDrainAllGraceful(t *testing.T) {
	p := NewPool(2, 50*time.Millisecond, 100*time.Millisecond)
	c1 := newFakeChild(true, true)
	c2 := newFakeChild(true, true)
	p.Track(c1)
	p.Track(c2)

	done := p.DrainAll()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain never completed for cooperative children")
	}
	if c1.terminated.Load() == 0 || c2.terminated.Load() == 0 {
		t.Fatal("children were not asked to terminate")
	}
	if c1.killed.Load() != 0 {
		t.Fatal("cooperative child should not be force killed")
	}
	if p.TrackedChildren() != 0 {
		t.Fatalf("tracked = %d after drain, want 0", p.TrackedChildren())
	}
}

func TestDrainAllEscalatesToKill(t *testing.T) {
	p := NewPool(1, 50*time.Millisecond, 40*time.Millisecond)
	stubborn := newFakeChild(false, true) // ignores Terminate, dies on Kill
	p.Track(stubborn)

	done := p.DrainAll()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain never completed")
	}
	if stubborn.killed.Load() == 0 {
		t.Fatal("stubborn child was never force killed")
	}
}

func TestDrainAllProgressGuaranteeForUnkillable(t *testing.T) {
	p := NewPool(1, 50*time.Millisecond, 30*time.Millisecond)
	zombie := newFakeChild(false, false) // survives everything
	p.Track(zombie)

	start := time.Now()
	done := p.DrainAll()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain never resolved for unkillable child")
	}
	if elapsed := time.Since(start); elapsed < 55*time.Millisecond {
		t.Fatalf("drain resolved after %v, before the 2x timeout bound", elapsed)
	}
	if p.TrackedChildren() != 0 {
		t.Fatal("tracked set not cleared by progress guarantee")
	}
}

func TestDrainAllIdempotent(t *testing.T) {
	p := NewPool(1, 50*time.Millisecond, 30*time.Millisecond)
	if p.DrainAll() != p.DrainAll() {
		t.Fatal("DrainAll should return the same handle")
	}
}

func TestDrainRejectsWaitersAndNewAcquires(t *testing.T) {
	p := NewPool(1, time.Minute, 30*time.Millisecond)
	_ = p.Acquire(context.Background())

	waiterErr := make(chan error, 1)
	go func() { waiterErr <- p.Acquire(context.Background()) }()
	time.Sleep(10 * time.Millisecond)

	<-p.DrainAll()

	select {
	case err := <-waiterErr:
		if !errors.Is(err, ErrNoCapacity) {
			t.Fatalf("queued waiter error = %v, want ErrNoCapacity", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued waiter was not rejected by drain")
	}

	if err := p.Acquire(context.Background()); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("acquire during shutdown error = %v, want ErrNoCapacity", err)
	}
}

func TestDestroyResetsPool(t *testing.T) {
	p := NewPool(1, time.Minute, 30*time.Millisecond)
	_ = p.Acquire(context.Background())

	waiterErr := make(chan error, 1)
	go func() { waiterErr <- p.Acquire(context.Background()) }()
	time.Sleep(10 * time.Millisecond)

	p.Destroy()

	select {
	case err := <-waiterErr:
		if !errors.Is(err, ErrDestroyed) {
			t.Fatalf("waiter error = %v, want ErrDestroyed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not rejected by destroy")
	}

	// The pool is reusable after Destroy.
	if err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire after destroy failed: %v", err)
	}
}

func TestKillWithEscalation(t *testing.T) {
	cooperative := newFakeChild(true, true)
	KillWithEscalation(cooperative, 20*time.Millisecond)
	<-cooperative.Done()
	time.Sleep(40 * time.Millisecond)
	if cooperative.killed.Load() != 0 {
		t.Fatal("kill timer fired for a child that exited gracefully")
	}

	stubborn := newFakeChild(false, true)
	KillWithEscalation(stubborn, 20*time.Millisecond)
	select {
	case <-stubborn.Done():
	case <-time.After(time.Second):
		t.Fatal("stubborn child never died")
	}
	if stubborn.killed.Load() == 0 {
		t.Fatal("escalation never killed the stubborn child")
	}
}
