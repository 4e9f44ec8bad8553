// Package health periodically probes every registered pool, grounded on
// the teacher's own internal/health: instead of a raw TCP/handshake-only
// probe, each check runs a real "SELECT 1" batch through pool.Pool.Start
// and query.Query, exercising the full driver/conn/query path the way
// SPEC_FULL.md's ambient-stack table calls for.
package health

import (
	"log/slog"
	"sync"
	"time"

	"github.com/medialoop/asyncdb/internal/dbres"
	"github.com/medialoop/asyncdb/internal/evloop"
	"github.com/medialoop/asyncdb/internal/metrics"
	"github.com/medialoop/asyncdb/internal/query"
	"github.com/medialoop/asyncdb/internal/registry"
)

// Status represents the health status of a pool's backing database.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// PoolHealth holds health information for one pool alias.
type PoolHealth struct {
	Status              Status    `json:"status"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Checker performs periodic health checks against every pool in a
// registry.Registry.
type Checker struct {
	mu    sync.RWMutex
	pools map[string]*PoolHealth

	reg     *registry.Registry
	metrics *metrics.Collector
	loop    *evloop.EventLoop

	interval          time.Duration
	failureThreshold  int
	connectionTimeout time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker creates a health checker over reg's pools, driving its
// probe queries through loop.
func NewChecker(reg *registry.Registry, m *metrics.Collector, loop *evloop.EventLoop, interval time.Duration, failureThreshold int, connectionTimeout time.Duration) *Checker {
	return &Checker{
		pools:             make(map[string]*PoolHealth),
		reg:               reg,
		metrics:           m,
		loop:              loop,
		interval:          interval,
		failureThreshold:  failureThreshold,
		connectionTimeout: connectionTimeout,
		stopCh:            make(chan struct{}),
	}
}

// Start begins periodic health checking.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	slog.Info("health checker started", "interval", c.interval, "threshold", c.failureThreshold)
}

// Stop stops the health checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	slog.Info("health checker stopped")
}

func (c *Checker) run() {
	c.checkAll()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.checkAll()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checker) checkAll() {
	aliases := c.reg.Aliases()

	const maxWorkers = 10
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup

	for _, alias := range aliases {
		alias := alias
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			start := time.Now()
			healthy := c.pingPool(alias)
			elapsed := time.Since(start)
			if c.metrics != nil {
				c.metrics.HealthCheckCompleted(alias, elapsed, healthy)
			}
			c.updateStatus(alias, healthy)
		}()
	}
	wg.Wait()
}

// pingPool runs "SELECT 1" through the pool's Start path and waits for
// a terminal result or error, within connectionTimeout.
func (c *Checker) pingPool(alias string) bool {
	p, err := c.reg.Get(alias)
	if err != nil {
		c.setLastError(alias, err.Error())
		return false
	}

	done := make(chan bool, 1)
	var once sync.Once
	finish := func(ok bool, errMsg string) {
		once.Do(func() {
			if errMsg != "" {
				c.setLastError(alias, errMsg)
			}
			done <- ok
		})
	}

	q, err := query.New(c.loop, "SELECT 1", 1, query.Callbacks{
		OnResultFree: func(terminal bool) {
			if terminal {
				finish(true, "")
			}
		},
		OnError: func(e *dbres.Error) {
			kind := "query_error"
			if e != nil {
				kind = e.Kind.String()
			}
			if c.metrics != nil {
				c.metrics.HealthCheckError(alias, kind)
			}
			finish(false, e.Error())
		},
	}, nil)
	if err != nil {
		if c.metrics != nil {
			c.metrics.HealthCheckError(alias, "enqueue_error")
		}
		c.setLastError(alias, err.Error())
		return false
	}

	conn, err := p.Start(c.loop, q)
	if err != nil {
		if dbres.KindOf(err) == dbres.PoolBusy {
			if c.metrics != nil {
				c.metrics.HealthCheckError(alias, "pool_exhausted")
			}
		}
		c.setLastError(alias, "health check start: "+err.Error())
		return false
	}
	defer p.ReleaseUsedConn(conn)

	select {
	case ok := <-done:
		if ok {
			c.setLastError(alias, "")
		}
		return ok
	case <-time.After(c.connectionTimeout):
		c.setLastError(alias, "health check timed out")
		return false
	}
}

func (c *Checker) setLastError(alias, errMsg string) {
	c.mu.Lock()
	ph := c.getOrCreate(alias)
	if errMsg != "" {
		ph.LastError = errMsg
	}
	c.mu.Unlock()
}

func (c *Checker) updateStatus(alias string, healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ph := c.getOrCreate(alias)
	ph.LastCheck = time.Now()

	if healthy {
		if ph.ConsecutiveFailures > 0 {
			slog.Info("pool recovered", "pool", alias, "failures", ph.ConsecutiveFailures)
		}
		ph.Status = StatusHealthy
		ph.ConsecutiveFailures = 0
		ph.LastError = ""
	} else {
		ph.ConsecutiveFailures++
		if ph.ConsecutiveFailures >= c.failureThreshold {
			if ph.Status != StatusUnhealthy {
				slog.Warn("pool marked unhealthy", "pool", alias, "failures", ph.ConsecutiveFailures, "error", ph.LastError)
			}
			ph.Status = StatusUnhealthy
		}
	}
}

func (c *Checker) getOrCreate(alias string) *PoolHealth {
	ph, ok := c.pools[alias]
	if !ok {
		ph = &PoolHealth{Status: StatusUnknown}
		c.pools[alias] = ph
	}
	return ph
}

// IsHealthy returns whether a pool is healthy (unknown is treated as
// healthy, so a pool gets at least one chance before being excluded).
func (c *Checker) IsHealthy(alias string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ph, ok := c.pools[alias]
	if !ok {
		return true
	}
	return ph.Status != StatusUnhealthy
}

// GetStatus returns the health status for a pool.
func (c *Checker) GetStatus(alias string) PoolHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ph, ok := c.pools[alias]
	if !ok {
		return PoolHealth{Status: StatusUnknown}
	}
	return *ph
}

// GetAllStatuses returns health statuses for every known pool.
func (c *Checker) GetAllStatuses() map[string]PoolHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]PoolHealth, len(c.pools))
	for alias, ph := range c.pools {
		result[alias] = *ph
	}
	return result
}

// OverallHealthy returns true if every pool is healthy.
func (c *Checker) OverallHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, ph := range c.pools {
		if ph.Status == StatusUnhealthy {
			return false
		}
	}
	return true
}

// RemovePool removes health state for a pool that has been removed from
// the registry.
func (c *Checker) RemovePool(alias string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.pools, alias)
	if c.metrics != nil {
		c.metrics.RemovePool(alias)
	}
	slog.Info("removed health state", "pool", alias)
}
