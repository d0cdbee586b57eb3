package main

import (
	"sync"
	"testing"
	"time"
)

// flushRecorder stands in for the accumulator's owner: the callback takes the
// recorder lock and drains, the way the engine drains under its own lock.
type flushRecorder struct {
	mu      sync.Mutex
	acc     *streamAccumulator
	flushes []string
}

func newFlushRecorder(window time.Duration) *flushRecorder {
	r := &flushRecorder{}
	r.acc = newStreamAccumulator(window, r.flush)
	return r
}

func (r *flushRecorder) flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if text := r.acc.drain(); text != "" {
		r.flushes = append(r.flushes, text)
	}
}

func (r *flushRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.flushes...)
}

func waitForFlushes(t *testing.T, r *flushRecorder, want int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.snapshot(); len(got) >= want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d flushes, got %v", want, r.snapshot())
	return nil
}

func TestFragmentsWithinWindowCoalesceIntoOneFlush(t *testing.T) {
	t.Parallel()

	rec := newFlushRecorder(30 * time.Millisecond)
	rec.acc.fragment("Hel")
	rec.acc.fragment("lo ")
	rec.acc.fragment("world")

	flushes := waitForFlushes(t, rec, 1)
	if len(flushes) != 1 {
		t.Fatalf("flush count got=%d want=1 (%v)", len(flushes), flushes)
	}
	if flushes[0] != "Hello world" {
		t.Fatalf("coalesced flush got=%q want=%q", flushes[0], "Hello world")
	}
}

func TestSeparatedFragmentsFlushSeparately(t *testing.T) {
	t.Parallel()

	rec := newFlushRecorder(10 * time.Millisecond)
	rec.acc.fragment("first")
	waitForFlushes(t, rec, 1)
	rec.acc.fragment("second")
	flushes := waitForFlushes(t, rec, 2)

	if flushes[0] != "first" || flushes[1] != "second" {
		t.Fatalf("unexpected flushes: %v", flushes)
	}
}

func TestDrainReturnsBufferAndDisarmsTimer(t *testing.T) {
	t.Parallel()

	rec := newFlushRecorder(20 * time.Millisecond)
	rec.acc.fragment("wo")
	rec.acc.fragment("rk")
	if got := rec.acc.drain(); got != "work" {
		t.Fatalf("drain got=%q want=%q", got, "work")
	}
	if got := rec.acc.drain(); got != "" {
		t.Fatalf("second drain got=%q want empty", got)
	}

	// The disarmed timer must not fire a late flush.
	time.Sleep(60 * time.Millisecond)
	if flushes := rec.snapshot(); len(flushes) != 0 {
		t.Fatalf("late flush after drain: %v", flushes)
	}
}

func TestDrainUnderOwnerLockStarvesLateTimer(t *testing.T) {
	t.Parallel()

	rec := newFlushRecorder(5 * time.Millisecond)
	rec.acc.fragment("partial tex")

	// Hold the owner lock across the timer deadline, then consume the buffer
	// before releasing it. The timer goroutine is left waiting on the lock
	// and must find the buffer already empty.
	rec.mu.Lock()
	time.Sleep(20 * time.Millisecond)
	drained := rec.acc.drain()
	rec.mu.Unlock()

	if drained != "partial tex" {
		t.Fatalf("owner drain got=%q want=%q", drained, "partial tex")
	}
	time.Sleep(20 * time.Millisecond)
	if flushes := rec.snapshot(); len(flushes) != 0 {
		t.Fatalf("late timer revived stale text: %v", flushes)
	}
}

func TestEmptyFragmentDoesNotArmTimer(t *testing.T) {
	t.Parallel()

	rec := newFlushRecorder(10 * time.Millisecond)
	rec.acc.fragment("")

	time.Sleep(40 * time.Millisecond)
	if flushes := rec.snapshot(); len(flushes) != 0 {
		t.Fatalf("unexpected flush for empty fragment: %v", flushes)
	}
}
