// Package conn implements Connection: the owner of one Driver instance,
// its pending-query queue, its in-flight batch cursor, and the Timer-Poll
// handle that drives the Driver's state machine to completion.
//
// Connection replaces the original's intrusive, pointer-threaded pending
// list (services/media/include/models/datatypes.h's pending_queries) with
// an owned slice of *query.Query, per spec.md §9's "a collection of owned
// entries with stable identity" guidance.
package conn

import (
	"context"
	"net"
	"strings"
	"sync"

	"github.com/medialoop/asyncdb/internal/dbres"
	"github.com/medialoop/asyncdb/internal/driver"
	"github.com/medialoop/asyncdb/internal/evloop"
	"github.com/medialoop/asyncdb/internal/query"
	"github.com/medialoop/asyncdb/internal/timerpoll"
)

// Connection owns one Driver and the queries currently assigned to it.
type Connection struct {
	drv    driver.Driver
	detail driver.ConnDetail

	bulkLimitBytes int
	delimiter      string

	mu       sync.Mutex
	poll     *timerpoll.Poll
	loop     *evloop.EventLoop
	pending  []*query.Query
	inFlight []*query.Query

	curQueryIdx  int
	batchStmt    string
	batchNumRS   int
	batchStarted bool

	closing           bool
	hasReadyToProcess bool
}

// New constructs an idle Connection around drv. The driver is not dialed
// until the first TryProcessQueries call reaches PhaseInited.
func New(drv driver.Driver, detail driver.ConnDetail, bulkLimitBytes int, delimiter string) *Connection {
	return &Connection{
		drv:            drv,
		detail:         detail,
		bulkLimitBytes: bulkLimitBytes,
		delimiter:      delimiter,
	}
}

// AddNewQuery appends q to the pending queue. Fails if the Connection is
// closing, per spec.md §4.3.
func (c *Connection) AddNewQuery(q *query.Query) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return dbres.New(dbres.ConnectionBusy, "conn: connection is closing")
	}
	wasIdle := len(c.pending) == 0 && len(c.inFlight) == 0
	c.pending = append(c.pending, q)
	if wasIdle {
		c.hasReadyToProcess = true
	}
	return nil
}

// HasReadyToProcess reports whether a producer should call
// TryProcessQueries — true exactly from the moment a query arrives on an
// otherwise-empty Connection until that query is absorbed into a batch.
func (c *Connection) HasReadyToProcess() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasReadyToProcess
}

// UpdateReadyQueries drains pending into a new batch up to
// bulkLimitBytes, concatenating statement text with delimiter. It
// returns the number of queries attached. Exposed standalone (beyond its
// use inside TryProcessQueries) for introspection and tests.
func (c *Connection) UpdateReadyQueries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inFlight) > 0 {
		return 0
	}
	batch, stmt, numRS := c.assembleBatchLocked()
	if len(batch) == 0 {
		return 0
	}
	c.inFlight = batch
	c.batchStmt = stmt
	c.batchNumRS = numRS
	c.curQueryIdx = 0
	c.batchStarted = false
	c.hasReadyToProcess = false
	return len(batch)
}

func (c *Connection) assembleBatchLocked() ([]*query.Query, string, int) {
	var batch []*query.Query
	var sb strings.Builder
	total := 0
	for len(c.pending) > 0 {
		q := c.pending[0]
		extra := q.StatementLen() + len(c.delimiter)
		if len(batch) > 0 && total+extra > c.bulkLimitBytes {
			break
		}
		c.pending = c.pending[1:]
		if sb.Len() > 0 {
			sb.WriteString(c.delimiter)
		}
		sb.WriteString(q.Statement())
		total += extra
		batch = append(batch, q)
	}
	numRS := 0
	for _, q := range batch {
		numRS += q.NumResultSets()
	}
	return batch, sb.String(), numRS
}

// TryProcessQueries is called from the producer's event loop. If no
// batch is currently in flight it assembles one from pending, returning
// nil at once when pending is empty too; otherwise it attempts to
// acquire the Driver's exclusive state-change flag and,
// on success, drives the state machine forward. Returns a ConnectionBusy
// error (transient, retryable) if another cycle is already driving.
func (c *Connection) TryProcessQueries(loop *evloop.EventLoop) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return dbres.New(dbres.ConnectionBusy, "conn: connection closing")
	}
	if len(c.inFlight) == 0 {
		batch, stmt, numRS := c.assembleBatchLocked()
		if len(batch) == 0 {
			c.mu.Unlock()
			return nil
		}
		c.inFlight = batch
		c.batchStmt = stmt
		c.batchNumRS = numRS
		c.curQueryIdx = 0
		c.batchStarted = false
	}
	c.hasReadyToProcess = false
	c.mu.Unlock()

	if !c.drv.CanChangeState() {
		return dbres.New(dbres.ConnectionBusy, "conn: another cycle is driving this connection")
	}

	c.mu.Lock()
	c.loop = loop
	c.mu.Unlock()

	c.driveStep()
	return nil
}

// driveStep advances the Driver exactly as far as it can go without
// blocking the caller: instantaneous phases (dial kickoff, batch
// kickoff, batch-ready teardown) recurse directly; any phase that talks
// to the wire is armed on the Timer-Poll and continues from
// onStepComplete once that step resolves.
func (c *Connection) driveStep() {
	phase := c.drv.State()

	switch phase {
	case driver.PhaseInited, driver.PhaseCloseDone:
		if err := c.drv.Dial(context.Background(), c.detail); err != nil {
			c.propagateFatal(dbres.Wrap(dbres.Network, err))
			c.drv.ReleaseStateChange()
			return
		}
		c.mu.Lock()
		if c.poll == nil {
			c.poll = timerpoll.New(c.drv.Conn())
		} else {
			c.poll.ChangeConn(c.drv.Conn())
		}
		c.mu.Unlock()
		c.driveStep()
		return

	case driver.PhaseConnDone:
		c.mu.Lock()
		started := c.batchStarted
		stmt := c.batchStmt
		numRS := c.batchNumRS
		c.mu.Unlock()
		if !started {
			c.drv.StartBatch(stmt, numRS)
			c.mu.Lock()
			c.batchStarted = true
			c.mu.Unlock()
		}
		c.driveStep()
		return

	case driver.PhaseQueryReady:
		c.mu.Lock()
		started := c.batchStarted
		stmt := c.batchStmt
		numRS := c.batchNumRS
		c.mu.Unlock()
		if !started {
			c.drv.StartBatch(stmt, numRS)
			c.mu.Lock()
			c.batchStarted = true
			c.mu.Unlock()
			c.driveStep()
			return
		}
		c.finishBatch()
		return

	default:
		c.armNextStep(phase)
	}
}

func (c *Connection) armNextStep(phase driver.Phase) {
	c.mu.Lock()
	loop := c.loop
	poll := c.poll
	c.mu.Unlock()

	events := eventsForPhase(phase)
	timeout := c.drv.Timeout()

	var outcome driver.Outcome
	wrapped := func(conn net.Conn) error {
		var err error
		outcome, err = c.drv.Step(conn, c)
		return err
	}

	err := poll.Start(timeout, events, wrapped, func(status timerpoll.Status, _ timerpoll.EventMask, perr error) {
		c.onStepComplete(status, outcome, perr, loop)
	})
	if err != nil {
		c.propagateFatal(dbres.Wrap(dbres.OS, err))
		c.drv.ReleaseStateChange()
	}
}

func (c *Connection) onStepComplete(status timerpoll.Status, outcome driver.Outcome, err error, loop *evloop.EventLoop) {
	if status == timerpoll.StatusTimedOut {
		c.propagateFatal(dbres.New(dbres.Network, "conn: timed out waiting for backend"))
		c.forceCloseAfterError()
		return
	}
	if status == timerpoll.StatusError {
		c.propagateFatal(dbres.Wrap(dbres.Network, err))
		c.forceCloseAfterError()
		return
	}

	if outcome.FatalErr != nil {
		c.propagateFatal(outcome.FatalErr)
		c.forceCloseAfterError()
		return
	}

	c.driveStep()
}

// ResultSetComplete implements driver.EventSink. It is called
// synchronously from within Step, on whichever goroutine is currently
// driving this Connection (protected from concurrent entry by the
// Driver's exclusive state-change flag), once per completed result set.
func (c *Connection) ResultSetComplete() {
	c.mu.Lock()
	q := c.currentBatchQueryLocked()
	loop := c.loop
	c.mu.Unlock()
	if q == nil {
		return
	}
	terminal := q.MarkResultSetDelivered()
	q.Enqueue(loop, query.Result{Kind: query.KindResultFree, Terminal: terminal})
	if terminal {
		c.mu.Lock()
		c.curQueryIdx++
		c.mu.Unlock()
	}
}

// propagateFatal delivers err to every query still owed a result in the
// current batch, per spec.md §4.2 ("emit an error event to every Query
// in the current batch").
func (c *Connection) propagateFatal(err *dbres.Error) {
	c.mu.Lock()
	loop := c.loop
	var remaining []*query.Query
	if c.curQueryIdx < len(c.inFlight) {
		remaining = append(remaining, c.inFlight[c.curQueryIdx:]...)
	}
	c.mu.Unlock()
	for _, q := range remaining {
		q.Enqueue(loop, query.Result{Kind: query.KindError, Err: err})
	}
}

func (c *Connection) forceCloseAfterError() {
	c.drv.Close()
	c.mu.Lock()
	c.inFlight = nil
	c.curQueryIdx = 0
	c.batchStarted = false
	closing := c.closing
	c.mu.Unlock()
	c.drv.ReleaseStateChange()
	if closing {
		c.finalizeCloseLocked()
	}
}

func (c *Connection) finishBatch() {
	c.mu.Lock()
	c.inFlight = nil
	c.curQueryIdx = 0
	c.batchStarted = false
	closing := c.closing
	c.mu.Unlock()
	c.drv.ReleaseStateChange()
	if closing {
		c.finalizeCloseLocked()
	}
}

func (c *Connection) currentBatchQueryLocked() *query.Query {
	if c.curQueryIdx >= len(c.inFlight) {
		return nil
	}
	return c.inFlight[c.curQueryIdx]
}

// ResultSetReady implements driver.EventSink.
func (c *Connection) ResultSetReady(ev driver.ResultSetEvent) {
	c.mu.Lock()
	q := c.currentBatchQueryLocked()
	loop := c.loop
	c.mu.Unlock()
	if q == nil {
		return
	}
	q.Enqueue(loop, query.Result{Kind: query.KindResultSetReady, ResultSet: ev})
}

// RowFetched implements driver.EventSink.
func (c *Connection) RowFetched(ev driver.RowEvent) {
	c.mu.Lock()
	q := c.currentBatchQueryLocked()
	loop := c.loop
	c.mu.Unlock()
	if q == nil {
		return
	}
	q.Enqueue(loop, query.Result{Kind: query.KindRowFetched, Row: ev})
}

// TryClose begins closing the Connection. If it is currently idle, the
// Driver is torn down synchronously. If a batch is in flight, closing is
// only flagged; the in-flight batch is allowed to finish and the actual
// teardown happens from finishBatch/forceCloseAfterError. Idempotent.
func (c *Connection) TryClose() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	busy := len(c.inFlight) > 0
	c.mu.Unlock()
	if busy {
		return nil
	}
	return c.finalizeCloseLocked()
}

func (c *Connection) finalizeCloseLocked() error {
	if c.poll != nil {
		done := make(chan struct{})
		c.poll.Close(func() { close(done) })
		<-done
	}
	return c.drv.Close()
}

// IsClosed reports whether the Driver has fully reached CLOSE_DONE as
// part of a deliberate TryClose — idempotent per spec.md §8 invariant 5.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	return closing && c.drv.IsClosed()
}

// GetFirstQuery returns the head of the pending queue, or nil.
func (c *Connection) GetFirstQuery() *query.Query {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	return c.pending[0]
}

// TryEvictCurrentProcessingQuery removes q from the pending queue if
// present. A query already absorbed into the in-flight batch cannot be
// evicted — it must receive its terminal event first (spec.md §5).
func (c *Connection) TryEvictCurrentProcessingQuery(q *query.Query) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.pending {
		if p == q {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return true
		}
	}
	return false
}

// State returns the Driver's current Phase.
func (c *Connection) State() driver.Phase {
	return c.drv.State()
}

// eventsForPhase picks the readiness mask each phase's Step needs, and
// therefore which half (or both halves) of conn's deadline timerpoll
// arms. The *_START phases listed below (all but FETCH_ROW_START) both
// write the outbound protocol message AND
// block reading the server's response within the same Step call (see
// driver/postgres's handshake/runQuery, driver/mysql's equivalents), so
// they need a full read+write deadline — arming only EventWritable
// would leave their read loop with no deadline at all, letting a
// stalled backend hang past idle_timeout undetected. Every other phase
// only reads.
func eventsForPhase(p driver.Phase) timerpoll.EventMask {
	switch p {
	case driver.PhaseConnStart, driver.PhaseQueryStart,
		driver.PhaseMoveNextRSStart, driver.PhaseFreeRSStart, driver.PhaseCloseStart:
		return timerpoll.EventReadable | timerpoll.EventWritable
	default:
		return timerpoll.EventReadable
	}
}
