// Package timerpoll composes a one-shot deadline with an I/O-readiness
// watcher over a single net.Conn, mirroring the original app_timer_poll_t
// (services/media/include/timer_poll.h): given a (loop, fd) pair, arm a
// wait for "fd ready" OR "timeout elapsed" OR "error", invoking exactly
// one callback per Start.
//
// The original composes two libuv handles (uv_poll_t + uv_timer_t)
// because libuv has no single primitive for "await this fd or this
// deadline". Go's net.Conn already gives every goroutine that combinator
// for free via SetReadDeadline/SetWriteDeadline plus a blocking Read or
// Write: arming the timer IS setting the deadline, and the fd watcher
// IS the blocking call that unblocks when data or the deadline arrives.
// Poll is a thin combinator around that fact, kept as its own type
// (rather than inlined into the driver) because conn.Connection arms it
// uniformly for every Driver phase that waits on the wire, per spec.md §4.1.
package timerpoll

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// EventMask selects which half of the conn a Start call should arm.
type EventMask uint8

const (
	EventReadable EventMask = 1 << iota
	EventWritable
)

// Status is the single outcome delivered to a Callback.
type Status int

const (
	StatusReady Status = iota
	StatusTimedOut
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusTimedOut:
		return "timed_out"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Step performs exactly one blocking protocol operation against conn and
// reports what it produced. It must honor conn's configured deadline —
// in practice this just means calling conn.Read/conn.Write and letting
// the net.Error-with-Timeout() bubble up.
type Step func(conn net.Conn) error

// Callback receives the single outcome of a Start call.
type Callback func(status Status, events EventMask, err error)

var (
	ErrInvalidTimeout = errors.New("timerpoll: timeout must be positive")
	ErrInvalidEvents  = errors.New("timerpoll: event mask must be non-zero")
	ErrNilCallback    = errors.New("timerpoll: callback must not be nil")
	ErrNilStep        = errors.New("timerpoll: step must not be nil")
	ErrClosed         = errors.New("timerpoll: handle is closed")
	ErrBusy           = errors.New("timerpoll: already armed")
	ErrNotArmed       = errors.New("timerpoll: not armed")
)

// Poll is the composite wait primitive for one net.Conn.
type Poll struct {
	mu       sync.Mutex
	conn     net.Conn
	armed    bool
	closing  bool
	closed   bool
	epoch    uint64 // bumped by Stop/Close to discard in-flight callbacks
	closeCb  func()
	inflight int // number of step goroutines not yet observed their epoch
}

// New wraps conn for timer-poll composition. conn may be nil initially
// and bound later via ChangeConn (e.g. before the first connect attempt).
func New(conn net.Conn) *Poll {
	return &Poll{conn: conn}
}

// Start arms the timer+fd watcher: it runs step in its own goroutine
// after the channel 'events' is granted timeout_ms to complete, and
// invokes cb exactly once with the outcome. Rejects zero timeout, zero
// event mask, nil callback/step, or a closed/closing handle — matching
// spec.md §4.1's failure contract.
func (p *Poll) Start(timeout time.Duration, events EventMask, step Step, cb Callback) error {
	if timeout <= 0 {
		return ErrInvalidTimeout
	}
	if events == 0 {
		return ErrInvalidEvents
	}
	if cb == nil {
		return ErrNilCallback
	}
	if step == nil {
		return ErrNilStep
	}

	p.mu.Lock()
	if p.closed || p.closing {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.armed {
		p.mu.Unlock()
		return ErrBusy
	}
	if p.conn == nil {
		p.mu.Unlock()
		return fmt.Errorf("timerpoll: no connection bound")
	}
	p.armed = true
	myEpoch := p.epoch
	p.inflight++
	conn := p.conn
	p.mu.Unlock()

	switch {
	case events&EventReadable != 0 && events&EventWritable != 0:
		conn.SetDeadline(time.Now().Add(timeout))
	case events&EventReadable != 0:
		conn.SetReadDeadline(time.Now().Add(timeout))
	case events&EventWritable != 0:
		conn.SetWriteDeadline(time.Now().Add(timeout))
	}

	go func() {
		err := step(conn)

		p.mu.Lock()
		p.armed = false
		p.inflight--
		stale := myEpoch != p.epoch
		closing := p.closing
		inflight := p.inflight
		p.mu.Unlock()

		if stale {
			p.maybeFinishClose(closing, inflight)
			return
		}

		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				cb(StatusTimedOut, 0, nil)
			} else {
				cb(StatusError, 0, err)
			}
			p.maybeFinishClose(closing, inflight)
			return
		}
		cb(StatusReady, events, nil)
		p.maybeFinishClose(closing, inflight)
	}()
	return nil
}

// Stop disarms both halves without tearing down the handle. Any step
// goroutine already in flight is left to finish the syscall, but its
// callback is discarded (the epoch bump makes it stale).
func (p *Poll) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.closing {
		return ErrClosed
	}
	if !p.armed {
		return ErrNotArmed
	}
	p.epoch++
	p.armed = false
	return nil
}

// ChangeConn rebinds the watched net.Conn without touching the timer
// side. Only legal while stopped (not armed) and not closing, mirroring
// app_timer_poll_change_fd's restriction to the idle state.
func (p *Poll) ChangeConn(conn net.Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.closing {
		return ErrClosed
	}
	if p.armed {
		return ErrBusy
	}
	p.conn = conn
	return nil
}

// Close begins a two-phase shutdown: it invalidates any in-flight step's
// callback and invokes closeCb only once the handle has no in-flight
// goroutines left to observe. Idempotent.
func (p *Poll) Close(closeCb func()) {
	p.mu.Lock()
	if p.closed || p.closing {
		p.mu.Unlock()
		return
	}
	p.closing = true
	p.epoch++
	p.closeCb = closeCb
	inflight := p.inflight
	p.mu.Unlock()

	if inflight == 0 {
		p.finishClose()
	}
}

func (p *Poll) maybeFinishClose(closing bool, inflight int) {
	if closing && inflight == 0 {
		p.finishClose()
	}
}

func (p *Poll) finishClose() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.closing = false
	cb := p.closeCb
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// IsClosing reports whether Close has been called but not yet completed.
func (p *Poll) IsClosing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closing
}

// IsClosed reports whether the handle has fully closed.
func (p *Poll) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// IsArmed reports whether a Start call is outstanding — the Timer-Poll
// side of "Timer-Poll is armed iff the Driver state ends in a _WAITING
// sub-state" (spec.md §8 invariant 3). Connection does not call it.
func (p *Poll) IsArmed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.armed
}
