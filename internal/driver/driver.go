// Package driver defines the capability set a SQL wire-protocol adapter
// must provide, and the tagged state-machine vocabulary (Phase/State)
// every adapter advances through. It replaces the original db_3rdparty_ops_t
// function-pointer vtable (services/media/include/models/datatypes.h) with
// a plain Go interface, polymorphic over driver variants — postgres, mysql,
// and (for tests) mock.
package driver

import (
	"context"
	"net"
	"time"

	"github.com/medialoop/asyncdb/internal/dbres"
	"github.com/medialoop/asyncdb/internal/timerpoll"
)

// Phase enumerates the ~20 states of spec.md §4.2, kept as a tagged Go
// type rather than flattened ints per the Design Notes. Each _WAITING
// phase carries its own wait payload via Outcome, not via the Phase
// value itself.
type Phase int

const (
	PhaseInited Phase = iota

	PhaseConnStart
	PhaseConnWaiting
	PhaseConnDone

	PhaseQueryStart
	PhaseQueryWaiting
	PhaseQueryReady

	PhaseCheckCurrentResultSet

	PhaseMoveNextRSStart
	PhaseMoveNextRSWaiting
	PhaseMoveNextRSDone

	PhaseFetchRowStart
	PhaseFetchRowWaiting
	PhaseFetchRowReady

	PhaseFreeRSStart
	PhaseFreeRSWaiting
	PhaseFreeRSDone

	PhaseCloseStart
	PhaseCloseWaiting
	PhaseCloseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseInited:
		return "inited"
	case PhaseConnStart:
		return "conn_start"
	case PhaseConnWaiting:
		return "conn_waiting"
	case PhaseConnDone:
		return "conn_done"
	case PhaseQueryStart:
		return "query_start"
	case PhaseQueryWaiting:
		return "query_waiting"
	case PhaseQueryReady:
		return "query_ready"
	case PhaseCheckCurrentResultSet:
		return "check_current_resultset"
	case PhaseMoveNextRSStart:
		return "move_next_rs_start"
	case PhaseMoveNextRSWaiting:
		return "move_next_rs_waiting"
	case PhaseMoveNextRSDone:
		return "move_next_rs_done"
	case PhaseFetchRowStart:
		return "fetch_row_start"
	case PhaseFetchRowWaiting:
		return "fetch_row_waiting"
	case PhaseFetchRowReady:
		return "fetch_row_ready"
	case PhaseFreeRSStart:
		return "free_rs_start"
	case PhaseFreeRSWaiting:
		return "free_rs_waiting"
	case PhaseFreeRSDone:
		return "free_rs_done"
	case PhaseCloseStart:
		return "close_start"
	case PhaseCloseWaiting:
		return "close_waiting"
	case PhaseCloseDone:
		return "close_done"
	default:
		return "unknown"
	}
}

// IsWaiting reports whether p is one of the "_WAITING" sub-states, which
// is exactly when the Timer-Poll must be armed (spec.md §8 invariant 3).
func (p Phase) IsWaiting() bool {
	switch p {
	case PhaseConnWaiting, PhaseQueryWaiting, PhaseMoveNextRSWaiting,
		PhaseFetchRowWaiting, PhaseFreeRSWaiting, PhaseCloseWaiting:
		return true
	default:
		return false
	}
}

// ConnDetail is the per-pool connection target, mirroring db_conn_cfg_t.
type ConnDetail struct {
	Host     string
	Port     int
	DBName   string
	DBUser   string
	DBPasswd string
	SkipTLS  bool
}

// RowEvent carries one fetched row. Columns are opaque strings (or nil
// for SQL NULL) — result-row type coercion is explicitly out of scope
// (spec.md §1 Non-goals).
type RowEvent struct {
	Values []*string
}

// ResultSetEvent marks the completion of one statement's result set.
type ResultSetEvent struct {
	ColumnNames  []string
	AffectedRows uint64
	HasRows      bool
}

// EventSink receives protocol events as the Step function observes them,
// synchronously, from whichever goroutine is currently driving the
// connection (the "I/O-owning thread" of spec.md §1). Implemented by
// internal/conn.Connection.
type EventSink interface {
	ResultSetReady(ev ResultSetEvent)
	RowFetched(ev RowEvent)
	// ResultSetComplete signals that every row of the current result set
	// has now been delivered. The sink (internal/conn.Connection) uses
	// this — not any particular Phase value — to decide when to mark a
	// Query's result set delivered and advance to the next query in the
	// batch, so a Step implementation is free to compress CHECK_CURRENT_
	// RESULTSET/FETCH_ROW/MOVE_NEXT_RS into as many or as few calls as
	// its wire protocol naturally allows.
	ResultSetComplete()
}

// Outcome is what a single Step call produces: the new Phase, whether
// the caller must re-arm the Timer-Poll (and with what wait payload),
// and whether the whole in-flight batch has now been fully delivered.
type Outcome struct {
	Phase         Phase
	NeedsWait     bool
	WaitEvents    timerpoll.EventMask
	WaitTimeout   time.Duration
	BatchComplete bool
	FatalErr      *dbres.Error
}

// Step performs exactly one blocking protocol operation against conn —
// the Go equivalent of a single non-blocking client-library call plus
// its "would block" / "done" branch (spec.md §4.2 transition rules).
// It must be safe to run from a dedicated goroutine carrying a
// read/write deadline already armed by internal/timerpoll.
type Step func(conn net.Conn, sink EventSink) (Outcome, error)

// Driver is the capability set a SQL wire-protocol adapter must expose
// to internal/conn. It replaces the original function-pointer vtable.
type Driver interface {
	// Dial opens the raw socket and resets internal state to Inited,
	// ready for a CONN_START step. The supplied context only bounds the
	// TCP dial itself; the protocol handshake is driven by Step like
	// everything else.
	Dial(ctx context.Context, cfg ConnDetail) error

	// Conn returns the current underlying net.Conn. It changes across a
	// reconnect, which is why internal/conn re-binds its timerpoll.Poll
	// via ChangeConn rather than caching the value.
	Conn() net.Conn

	// State returns the current Phase.
	State() Phase

	// CanChangeState attempts to acquire the exclusive state-transition
	// flag; false means another goroutine is already driving.
	CanChangeState() bool

	// ReleaseStateChange releases the flag acquired by CanChangeState.
	ReleaseStateChange()

	// Timeout returns the next deadline hint — the pool's idle_timeout
	// for every phase (spec.md §5: "the per-step timeout is the pool's
	// idle_timeout").
	Timeout() time.Duration

	// SetTimeout updates the deadline Timeout reports, and the deadline
	// the driver itself arms around its own Step's blocking I/O. Called
	// once by internal/pool right after Factory() constructs the
	// driver, using the pool's configured idle_timeout.
	SetTimeout(t time.Duration)

	// StartBatch arms the machine to execute sqlText (already
	// delimiter-joined by the Connection) expecting numResultSets
	// result sets, moving Phase to QueryStart. Must only be called when
	// State() is Inited, ConnDone, or QueryReady.
	StartBatch(sqlText string, numResultSets int)

	// Step performs one transition and reports the Outcome.
	Step(conn net.Conn, sink EventSink) (Outcome, error)

	// IsClosed reports whether the driver has reached CloseDone.
	IsClosed() bool

	// Close tears down the driver synchronously, without going through
	// the state machine — used by conn.Connection after a fatal step
	// outcome (timeout, I/O error, driver error) and to finish TryClose.
	Close() error
}

// Factory constructs a new, unconnected Driver instance for one
// Connection. Resolved by name via Registry, the Go equivalent of
// spec.md §6's "symbol name matched against a table of driver
// implementations".
type Factory func() Driver

// Registry maps a configured driver name to its Factory. Populated at
// process startup (driver/postgres and driver/mysql each register
// themselves via an init()-free explicit call from cmd/asyncdbd), never
// mutated concurrently with lookups.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a named driver factory. Re-registering a name overwrites
// the previous factory — used by tests to install driver/mock.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Resolve looks up a factory by name. Absence is a Config error per
// spec.md §6 ("absence is a configuration error").
func (r *Registry) Resolve(name string) (Factory, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, dbres.New(dbres.Config, "unknown driver %q", name)
	}
	return f, nil
}
