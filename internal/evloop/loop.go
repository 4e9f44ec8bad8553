// Package evloop is the Go stand-in for the "event loop" the original
// spec assumes each producer (an HTTP handler, a transcoder worker) owns.
// It is a single goroutine draining a closure channel — just enough of a
// loop abstraction to give "the producer's event loop" and "cross-loop
// notification" concrete meaning without pulling in a real async runtime.
package evloop

import (
	"runtime"
	"strconv"
	"sync/atomic"
)

// EventLoop runs posted closures one at a time on a single goroutine.
// Identity is by pointer: two *EventLoop values are "the same loop" iff
// they are the same pointer, which is the first check of the same-loop
// delivery shortcut in spec.md §5 (see Query.Enqueue in internal/query).
// Pointer identity alone only says the queues match, not that the
// caller is actually running on the worker goroutine that drains them —
// OnLoopGoroutine answers that second question.
type EventLoop struct {
	tasks    chan func()
	done     chan struct{}
	closed   atomic.Bool
	workerID atomic.Uint64
}

// New starts a new EventLoop with the given task-queue depth.
func New(queueDepth int) *EventLoop {
	l := &EventLoop{
		tasks: make(chan func(), queueDepth),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *EventLoop) run() {
	l.workerID.Store(goroutineID())
	defer close(l.done)
	for fn := range l.tasks {
		fn()
	}
}

// OnLoopGoroutine reports whether the calling goroutine is this loop's
// own worker goroutine — the only case in which a closure is actually
// serialized with everything else Posted to this loop, and therefore
// the only case in which the same-loop delivery shortcut in
// internal/query is safe to take. Pointer equality between two
// *EventLoop values is not enough: a caller can hold the right pointer
// while running on an unrelated goroutine (e.g. a timerpoll step
// goroutine), in which case it must still go through Post.
func (l *EventLoop) OnLoopGoroutine() bool {
	return goroutineID() == l.workerID.Load()
}

// goroutineID extracts the calling goroutine's runtime id from its own
// stack trace ("goroutine NNN [running]:..."). Go exposes no supported
// API for this; it is used here only for the cheap OnLoopGoroutine
// check above, never as a synchronization mechanism in its own right.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]

	const prefix = "goroutine "
	if len(b) < len(prefix) {
		return 0
	}
	b = b[len(prefix):]

	end := 0
	for end < len(b) && b[end] != ' ' {
		end++
	}

	id, _ := strconv.ParseUint(string(b[:end]), 10, 64)
	return id
}

// Post schedules fn to run on the loop's goroutine. Callers that already
// know they are executing on this loop's own worker goroutine (because
// they were themselves invoked via Post, as Query.Enqueue in
// internal/query checks with OnLoopGoroutine) should call fn directly instead of
// posting, to get the zero-hop delivery spec.md §5 allows; Post itself
// always round-trips through the channel so it is safe from any caller.
func (l *EventLoop) Post(fn func()) {
	if l.closed.Load() {
		return
	}
	select {
	case l.tasks <- fn:
	case <-l.done:
	}
}

// Close stops accepting new work and waits for the goroutine to drain.
func (l *EventLoop) Close() {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}
	close(l.tasks)
	<-l.done
}
