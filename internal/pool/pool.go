// Package pool implements Pool: a fixed-alias collection of Connections
// split between a free list and a locked list, grown or shrunk under a
// single mutex. It replaces the teacher's TenantPool — generalized from
// per-tenant proxy relays to driver-state-machine-backed conn.Connection
// instances, and from a condition-variable wait to the spec's
// synchronous POOL_BUSY-on-exhaustion contract (callers retry, they
// don't block in Acquire).
package pool

import (
	"log/slog"
	"sync"
	"time"

	"github.com/medialoop/asyncdb/internal/conn"
	"github.com/medialoop/asyncdb/internal/dbres"
	"github.com/medialoop/asyncdb/internal/driver"
	"github.com/medialoop/asyncdb/internal/evloop"
	"github.com/medialoop/asyncdb/internal/query"
)

// Stats mirrors the gauge set the teacher's TenantPool.Stats reports,
// relabeled for pool alias + driver name instead of tenant + db_type.
type Stats struct {
	Alias      string `json:"alias"`
	DriverName string `json:"driver_name"`
	Active     int    `json:"active"`
	Idle       int    `json:"idle"`
	Total      int    `json:"total"`
	Waiting    int64  `json:"waiting"`
	Capacity   int    `json:"capacity"`
	Exhausted  int64  `json:"exhausted_total"`
}

// Config is the immutable, per-pool configuration spec.md §6 calls the
// "Pool configuration" external interface.
type Config struct {
	Alias          string
	DriverName     string
	Factory        driver.Factory
	Detail         driver.ConnDetail
	Capacity       int
	IdleTimeout    time.Duration
	BulkLimitBytes int
	Delimiter      string
}

// Pool is the alias-scoped collection of Connections described in
// spec.md §3/§4.5.
type Pool struct {
	mu     sync.Mutex
	cfg    Config
	closing bool

	free   []*conn.Connection
	locked map[*conn.Connection]struct{}

	waiting   int64
	exhausted int64
}

// New eagerly materializes cfg.Capacity idle Connections into the free
// list. Each Connection dials lazily on its first TryProcessQueries
// call, so construction here never blocks on the network.
func New(cfg Config) *Pool {
	p := &Pool{
		cfg:    cfg,
		locked: make(map[*conn.Connection]struct{}),
	}
	for i := 0; i < cfg.Capacity; i++ {
		p.free = append(p.free, p.newConn())
	}
	return p
}

func (p *Pool) newConn() *conn.Connection {
	drv := p.cfg.Factory()
	drv.SetTimeout(p.cfg.IdleTimeout)
	return conn.New(drv, p.cfg.Detail, p.cfg.BulkLimitBytes, p.cfg.Delimiter)
}

// AcquireFreeConn detaches the head of the free list and attaches it to
// the locked list, per spec.md §4.5. Returns PoolBusy if the pool is
// closing, the free list is empty, or the locked list already holds
// Capacity Connections (as after SetCapacity lowers it) — all transient,
// retryable conditions, not fatal ones.
func (p *Pool) AcquireFreeConn() (*conn.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closing {
		return nil, dbres.New(dbres.PoolBusy, "pool %q is closing", p.cfg.Alias)
	}
	if len(p.free) == 0 || len(p.locked) >= p.cfg.Capacity {
		p.waiting++
		p.exhausted++
		return nil, dbres.New(dbres.PoolBusy, "pool %q exhausted (capacity %d)", p.cfg.Alias, p.cfg.Capacity)
	}

	c := p.free[0]
	p.free = p.free[1:]
	p.locked[c] = struct{}{}
	return c, nil
}

// ReleaseUsedConn moves c from the locked list back to the free list. A
// Connection released while the pool is shrinking below its previous
// capacity, or while the pool is closing, is torn down instead of being
// returned to the free list — spec.md §4.5's "tag excess Connections
// for close-on-drain".
func (p *Pool) ReleaseUsedConn(c *conn.Connection) {
	p.mu.Lock()
	delete(p.locked, c)

	excess := p.closing || len(p.free)+len(p.locked) >= p.cfg.Capacity
	p.mu.Unlock()

	if excess {
		c.TryClose()
		return
	}

	p.mu.Lock()
	p.free = append(p.free, c)
	p.mu.Unlock()
}

// SetCapacity grows the pool eagerly by constructing newCapacity minus
// the current total new Connections, or shrinks it lazily by lowering
// cfg.Capacity: ReleaseUsedConn tears down excess Connections as they're
// released rather than requeuing them. doneCb is invoked synchronously,
// and only when, at the time of the call, no Connection is locked and
// the total is at most newCapacity; otherwise it is never invoked, and
// a shrink that ReleaseUsedConn completes later does not call it.
func (p *Pool) SetCapacity(newCapacity int, doneCb func()) {
	p.mu.Lock()
	current := len(p.free) + len(p.locked)
	p.cfg.Capacity = newCapacity

	var toAdd []*conn.Connection
	if newCapacity > current {
		for i := current; i < newCapacity; i++ {
			toAdd = append(toAdd, p.newConn())
		}
	}
	p.free = append(p.free, toAdd...)
	alreadyDone := len(p.free)+len(p.locked) <= newCapacity && len(p.locked) == 0
	p.mu.Unlock()

	if doneCb != nil && alreadyDone {
		doneCb()
	}
}

// IsClosing reports whether signal_closing has been called on this
// pool.
func (p *Pool) IsClosing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closing
}

// MarkClosing sets the closing bit. Called only by the registry's
// single shutdown-coordinator goroutine (spec.md §4.6).
func (p *Pool) MarkClosing() {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()
}

// CloseAllConns calls TryClose on every Connection this pool currently
// owns, free or locked, as part of a registry-wide shutdown.
func (p *Pool) CloseAllConns() {
	p.mu.Lock()
	all := make([]*conn.Connection, 0, len(p.free)+len(p.locked))
	all = append(all, p.free...)
	for c := range p.locked {
		all = append(all, c)
	}
	p.mu.Unlock()

	for _, c := range all {
		if err := c.TryClose(); err != nil {
			slog.Warn("pool: error closing connection during shutdown", "pool", p.cfg.Alias, "err", err)
		}
	}
}

// AllClosed is the non-blocking predicate the shutdown coordinator
// spins on (spec.md §4.6 check_all_conns_closed).
func (p *Pool) AllClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.free {
		if !c.IsClosed() {
			return false
		}
	}
	for c := range p.locked {
		if !c.IsClosed() {
			return false
		}
	}
	return true
}

// Stats reports the gauge set internal/metrics scrapes.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Alias:      p.cfg.Alias,
		DriverName: p.cfg.DriverName,
		Active:     len(p.locked),
		Idle:       len(p.free),
		Total:      len(p.free) + len(p.locked),
		Waiting:    p.waiting,
		Capacity:   p.cfg.Capacity,
		Exhausted:  p.exhausted,
	}
}

// Start acquires a Connection, appends q to its pending queue, and
// schedules TryProcessQueries on loop — the producer-facing entry point
// that stitches Pool, conn.Connection, and query.Query together per
// spec.md §2's data-flow summary. It returns the acquired Connection so
// the caller can release it back to the pool once q's terminal event
// fires (Pool has no visibility into Query's callbacks, so it cannot
// detect terminal delivery itself).
func (p *Pool) Start(loop *evloop.EventLoop, q *query.Query) (*conn.Connection, error) {
	c, err := p.AcquireFreeConn()
	if err != nil {
		return nil, err
	}

	if err := c.AddNewQuery(q); err != nil {
		p.ReleaseUsedConn(c)
		return nil, err
	}
	if err := c.TryProcessQueries(loop); err != nil {
		if dbres.KindOf(err) != dbres.ConnectionBusy {
			p.ReleaseUsedConn(c)
			return nil, err
		}
		return c, nil
	}
	return c, nil
}
