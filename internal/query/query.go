// Package query implements the work item a producer submits to a Pool:
// SQL text, expected result-set count, callbacks, and the cross-loop
// notification that fans results back to the submitting event loop.
//
// The original lays the Query struct, its user-data array, and its
// statement bytes out as one contiguous block with a trailing flexible
// member — a manual-memory allocation trick, not a semantic requirement
// (spec.md §9). Query instead owns two separate slices.
package query

import (
	"sync"

	"github.com/medialoop/asyncdb/internal/dbres"
	"github.com/medialoop/asyncdb/internal/driver"
	"github.com/medialoop/asyncdb/internal/evloop"
)

// ResultKind tags one entry in a Query's result queue.
type ResultKind int

const (
	KindResultSetReady ResultKind = iota
	KindRowFetched
	KindResultFree
	KindError
)

// Result is one entry a Connection pushes into a Query's result queue.
// Exactly one field besides Kind is meaningful per variant.
type Result struct {
	Kind      ResultKind
	ResultSet driver.ResultSetEvent
	Row       driver.RowEvent
	Err       *dbres.Error
	Terminal  bool
}

// Callbacks are the four user hooks a producer supplies at submission
// time, invoked on the Query's owning loop in delivery order.
type Callbacks struct {
	OnResultReady func(driver.ResultSetEvent)
	OnRowFetched  func(driver.RowEvent)
	OnResultFree  func(terminal bool)
	OnError       func(*dbres.Error)
}

// Query is immutable after New except for its result queue and
// remaining-result-set counter, both guarded by mu.
type Query struct {
	mu sync.Mutex

	loop      *evloop.EventLoop
	statement []byte
	numRS     int
	userData  []any
	cb        Callbacks

	rsRemaining int
	queue       []Result
	terminal    bool
}

// New validates and constructs a Query. An empty statement is rejected
// here, at admission, never inside the Driver (spec.md §4.2 edge
// policy). loop is the producer's event loop that callbacks will be
// delivered on, regardless of which loop ends up driving the
// Connection.
func New(loop *evloop.EventLoop, statement string, numRS int, cb Callbacks, userData []any) (*Query, error) {
	if loop == nil {
		return nil, dbres.New(dbres.BadArg, "query: nil event loop")
	}
	if statement == "" {
		return nil, dbres.New(dbres.BadArg, "query: empty statement")
	}
	if numRS <= 0 {
		return nil, dbres.New(dbres.BadArg, "query: numRS must be positive")
	}

	stmt := make([]byte, len(statement))
	copy(stmt, statement)
	ud := make([]any, len(userData))
	copy(ud, userData)

	return &Query{
		loop:        loop,
		statement:   stmt,
		numRS:       numRS,
		userData:    ud,
		cb:          cb,
		rsRemaining: numRS,
	}, nil
}

// Statement returns the query's SQL text (a copy was taken at New).
func (q *Query) Statement() string { return string(q.statement) }

// StatementLen returns the byte length of the statement, used by
// Connection to enforce bulk_query_limit_bytes at batch-assembly time.
func (q *Query) StatementLen() int { return len(q.statement) }

// NumResultSets returns the declared expected result-set count.
func (q *Query) NumResultSets() int { return q.numRS }

// Loop returns the event loop callbacks must be delivered on.
func (q *Query) Loop() *evloop.EventLoop { return q.loop }

// UserData returns the opaque user-data slots supplied at submission.
func (q *Query) UserData() []any { return q.userData }

// RemainingResultSets reports how many result sets are still owed,
// monotonically non-increasing per spec.md §3's Query invariant.
func (q *Query) RemainingResultSets() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rsRemaining
}

// MarkResultSetDelivered decrements the remaining-result-set counter and
// reports whether it has now reached zero — the caller uses this to
// decide whether the accompanying ResultFree carries the terminal flag.
func (q *Query) MarkResultSetDelivered() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.rsRemaining > 0 {
		q.rsRemaining--
	}
	return q.rsRemaining == 0
}

// IsTerminalDelivered reports whether the one terminal event (result_rdy
// with the terminal flag, or error) has already been handed to drain.
func (q *Query) IsTerminalDelivered() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.terminal
}

// Enqueue appends r and schedules its delivery. The same-loop shortcut
// spec.md §5 permits — draining synchronously in the caller's goroutine
// rather than round-tripping through Post — only applies when the
// caller is actually executing on q.loop's own worker goroutine right
// now. driverLoop == q.loop alone is not sufficient: Step and its
// EventSink callbacks run on a timerpoll step goroutine, never on the
// loop's own goroutine (see internal/conn), so in the common
// single-producer path this still must Post to keep callbacks
// serialized with everything else posted to q.loop.
func (q *Query) Enqueue(driverLoop *evloop.EventLoop, r Result) {
	q.mu.Lock()
	q.queue = append(q.queue, r)
	if r.Kind == KindResultFree && r.Terminal {
		q.terminal = true
	}
	if r.Kind == KindError {
		q.terminal = true
	}
	q.mu.Unlock()

	if driverLoop == q.loop && q.loop.OnLoopGoroutine() {
		q.drain()
		return
	}
	q.loop.Post(q.drain)
}

// drain delivers every queued result in FIFO order. It always runs on
// q.loop's goroutine (or synchronously from a caller that already is
// that loop, per the same-loop shortcut in Enqueue).
func (q *Query) drain() {
	q.mu.Lock()
	pending := q.queue
	q.queue = nil
	q.mu.Unlock()

	for _, r := range pending {
		switch r.Kind {
		case KindResultSetReady:
			if q.cb.OnResultReady != nil {
				q.cb.OnResultReady(r.ResultSet)
			}
		case KindRowFetched:
			if q.cb.OnRowFetched != nil {
				q.cb.OnRowFetched(r.Row)
			}
		case KindResultFree:
			if q.cb.OnResultFree != nil {
				q.cb.OnResultFree(r.Terminal)
			}
		case KindError:
			if q.cb.OnError != nil {
				q.cb.OnError(r.Err)
			}
		}
	}
}
