// Package mock provides a deterministic, in-process Driver used by the
// internal/conn, internal/pool, and internal/registry test suites. It
// plays the same role as the teacher's InjectTestConn helper
// (internal/pool/pool_test.go in the reference bouncer): a fake backend
// that lets the state machine above it be exercised without a real
// postgres or mysql server.
package mock

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/medialoop/asyncdb/internal/dbres"
	"github.com/medialoop/asyncdb/internal/driver"
)

// Row is one canned result row; nil entries mean SQL NULL.
type Row = []*string

// ResultSet is one canned result set within a BatchScript.
type ResultSet struct {
	Columns      []string
	Rows         []Row
	AffectedRows uint64
}

// BatchScript is the canned response for a single StartBatch call. A
// non-nil Err short-circuits the batch at QUERY_START, the way a real
// driver would on a syntax error or connection reset.
type BatchScript struct {
	ResultSets []ResultSet
	Err        *dbres.Error
}

// OKScript builds a single-resultset success script, the common case in
// tests that only care about row delivery.
func OKScript(columns []string, rows []Row, affected uint64) BatchScript {
	return BatchScript{ResultSets: []ResultSet{{Columns: columns, Rows: rows, AffectedRows: affected}}}
}

// Driver is the mock driver.Driver implementation. Every Step call
// resolves synchronously (NeedsWait is always false) since there is no
// real socket to wait on — tests that need to exercise the Timer-Poll
// waiting path belong in internal/timerpoll or the postgres/mysql
// adapters, not here.
type Driver struct {
	mu       sync.Mutex
	phase    driver.Phase
	changing atomic.Bool
	conn     net.Conn
	peer     net.Conn
	timeout  time.Duration

	queue []BatchScript
	next  int

	cur    *BatchScript
	rsIdx  int
	rowIdx int

	dialErr *dbres.Error
}

// New returns a mock driver pre-loaded with scripts, consumed in order
// by successive StartBatch calls. When the queue is exhausted, StartBatch
// synthesizes an empty zero-row OK result set rather than panicking, so
// tests that don't care about response shape can omit scripts entirely.
func New(scripts ...BatchScript) *Driver {
	return &Driver{
		phase:   driver.PhaseInited,
		timeout: 5 * time.Second,
		queue:   scripts,
	}
}

// NewFactory returns a driver.Factory producing a fresh *Driver, each
// preloaded with a copy of scripts, on every call — one instance per
// pooled connection.
func NewFactory(scripts ...BatchScript) driver.Factory {
	return func() driver.Driver {
		cp := make([]BatchScript, len(scripts))
		copy(cp, scripts)
		return New(cp...)
	}
}

// FailDial makes the next Dial call return err instead of succeeding,
// simulating a backend that refuses connections.
func (d *Driver) FailDial(err *dbres.Error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = err
}

// Enqueue appends another script, for tests that build the driver first
// and script it incrementally.
func (d *Driver) Enqueue(s BatchScript) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, s)
}

// SetTimeout overrides the value Timeout() reports.
func (d *Driver) SetTimeout(t time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeout = t
}

func (d *Driver) Dial(ctx context.Context, cfg driver.ConnDetail) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		err := d.dialErr
		d.dialErr = nil
		return err
	}
	a, b := net.Pipe()
	d.conn = a
	d.peer = b
	d.phase = driver.PhaseConnStart
	return nil
}

func (d *Driver) Conn() net.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn
}

func (d *Driver) State() driver.Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

func (d *Driver) CanChangeState() bool {
	return d.changing.CompareAndSwap(false, true)
}

func (d *Driver) ReleaseStateChange() {
	d.changing.Store(false)
}

func (d *Driver) Timeout() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timeout
}

func (d *Driver) StartBatch(sqlText string, numResultSets int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var s BatchScript
	if d.next < len(d.queue) {
		s = d.queue[d.next]
		d.next++
	} else {
		s = BatchScript{ResultSets: []ResultSet{{}}}
	}
	d.cur = &s
	d.rsIdx = 0
	d.rowIdx = -1
	d.phase = driver.PhaseQueryStart
}

// Step advances the mock machine by exactly one Phase, matching the
// shape a real adapter would follow but without ever blocking.
func (d *Driver) Step(conn net.Conn, sink driver.EventSink) (driver.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.phase {
	case driver.PhaseConnStart:
		d.phase = driver.PhaseConnDone
		return driver.Outcome{Phase: d.phase}, nil

	case driver.PhaseQueryStart:
		if d.cur.Err != nil {
			d.phase = driver.PhaseCloseStart
			return driver.Outcome{Phase: d.phase, BatchComplete: true, FatalErr: d.cur.Err}, nil
		}
		d.phase = driver.PhaseCheckCurrentResultSet
		return driver.Outcome{Phase: d.phase}, nil

	case driver.PhaseCheckCurrentResultSet:
		if d.rsIdx >= len(d.cur.ResultSets) {
			d.phase = driver.PhaseQueryReady
			return driver.Outcome{Phase: d.phase, BatchComplete: true}, nil
		}
		rs := d.cur.ResultSets[d.rsIdx]
		sink.ResultSetReady(driver.ResultSetEvent{
			ColumnNames:  rs.Columns,
			AffectedRows: rs.AffectedRows,
			HasRows:      len(rs.Rows) > 0,
		})
		if len(rs.Rows) > 0 {
			d.rowIdx = 0
			d.phase = driver.PhaseFetchRowStart
		} else {
			d.phase = driver.PhaseMoveNextRSStart
			sink.ResultSetComplete()
		}
		return driver.Outcome{Phase: d.phase}, nil

	case driver.PhaseFetchRowStart:
		rs := d.cur.ResultSets[d.rsIdx]
		if d.rowIdx < len(rs.Rows) {
			sink.RowFetched(driver.RowEvent{Values: rs.Rows[d.rowIdx]})
			d.rowIdx++
			if d.rowIdx >= len(rs.Rows) {
				d.phase = driver.PhaseMoveNextRSStart
				sink.ResultSetComplete()
			}
			return driver.Outcome{Phase: d.phase}, nil
		}
		d.phase = driver.PhaseMoveNextRSStart
		sink.ResultSetComplete()
		return driver.Outcome{Phase: d.phase}, nil

	case driver.PhaseMoveNextRSStart:
		d.rsIdx++
		d.phase = driver.PhaseCheckCurrentResultSet
		return driver.Outcome{Phase: d.phase}, nil

	case driver.PhaseCloseStart:
		d.phase = driver.PhaseCloseDone
		return driver.Outcome{Phase: d.phase}, nil

	default:
		return driver.Outcome{Phase: d.phase, BatchComplete: true}, nil
	}
}

func (d *Driver) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase == driver.PhaseCloseDone
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.phase = driver.PhaseCloseDone
	if d.conn != nil {
		d.conn.Close()
	}
	if d.peer != nil {
		d.peer.Close()
	}
	return nil
}
