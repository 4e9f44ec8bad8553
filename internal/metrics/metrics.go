// Package metrics exposes the prometheus/client_golang gauge and
// histogram set for the pool/driver/query model, grounded on the
// teacher's own internal/metrics: tenant+db_type labels become
// pool+driver labels, and transaction-mode pin/reset counters become
// batch/result-set counters matching SPEC_FULL.md's Query model.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for asyncdbd.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec
	poolCapacity       *prometheus.GaugeVec

	batchDuration  *prometheus.HistogramVec
	batchesTotal   *prometheus.CounterVec
	resultSetsTotal *prometheus.CounterVec
	rowsFetched    *prometheus.CounterVec

	healthCheckDuration *prometheus.HistogramVec
	healthCheckErrors   *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a custom
// registry. Safe to call multiple times (e.g. in tests or on config
// reload) — each call creates an independent registry that doesn't
// conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "asyncdbd_connections_active",
				Help: "Number of locked connections per pool",
			},
			[]string{"pool", "driver"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "asyncdbd_connections_idle",
				Help: "Number of free connections per pool",
			},
			[]string{"pool", "driver"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "asyncdbd_connections_total",
				Help: "Total connections (free + locked) per pool",
			},
			[]string{"pool", "driver"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "asyncdbd_connections_waiting",
				Help: "Cumulative acquire attempts that observed an empty free list",
			},
			[]string{"pool", "driver"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asyncdbd_pool_exhausted_total",
				Help: "Total number of times acquire_free_conn returned POOL_BUSY",
			},
			[]string{"pool"},
		),
		poolCapacity: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "asyncdbd_pool_capacity",
				Help: "Configured capacity per pool",
			},
			[]string{"pool"},
		),

		batchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "asyncdbd_batch_duration_seconds",
				Help:    "Duration from query_start to the batch's ready_for_query",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"pool", "driver"},
		),
		batchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asyncdbd_batches_total",
				Help: "Completed query batches by outcome",
			},
			[]string{"pool", "driver", "outcome"},
		),
		resultSetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asyncdbd_result_sets_total",
				Help: "Result sets delivered to OnResultReady",
			},
			[]string{"pool", "driver"},
		),
		rowsFetched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asyncdbd_rows_fetched_total",
				Help: "Rows delivered to OnRowFetched",
			},
			[]string{"pool", "driver"},
		),

		healthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "asyncdbd_health_check_duration_seconds",
				Help:    "Duration of health check probes",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"pool", "status"},
		),
		healthCheckErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asyncdbd_health_check_errors_total",
				Help: "Health check errors by error kind",
			},
			[]string{"pool", "error_kind"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.poolExhausted,
		c.poolCapacity,
		c.batchDuration,
		c.batchesTotal,
		c.resultSetsTotal,
		c.rowsFetched,
		c.healthCheckDuration,
		c.healthCheckErrors,
	)

	return c
}

// UpdatePoolStats updates the pool gauge set from a pool.Stats snapshot.
func (c *Collector) UpdatePoolStats(alias, driverName string, active, idle, total int, capacity int) {
	c.connectionsActive.WithLabelValues(alias, driverName).Set(float64(active))
	c.connectionsIdle.WithLabelValues(alias, driverName).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(alias, driverName).Set(float64(total))
	c.poolCapacity.WithLabelValues(alias).Set(float64(capacity))
}

// WaitingObserved records that an acquire attempt found the free list
// empty.
func (c *Collector) WaitingObserved(alias, driverName string) {
	c.connectionsWaiting.WithLabelValues(alias, driverName).Inc()
}

// PoolExhausted increments the pool-exhausted counter.
func (c *Collector) PoolExhausted(alias string) {
	c.poolExhausted.WithLabelValues(alias).Inc()
}

// BatchCompleted records a query batch's total duration and outcome
// ("ok", "error", or "timeout").
func (c *Collector) BatchCompleted(alias, driverName, outcome string, d time.Duration) {
	c.batchDuration.WithLabelValues(alias, driverName).Observe(d.Seconds())
	c.batchesTotal.WithLabelValues(alias, driverName, outcome).Inc()
}

// ResultSetDelivered increments the result-set counter.
func (c *Collector) ResultSetDelivered(alias, driverName string) {
	c.resultSetsTotal.WithLabelValues(alias, driverName).Inc()
}

// RowsFetched adds n to the rows-fetched counter.
func (c *Collector) RowsFetched(alias, driverName string, n int) {
	c.rowsFetched.WithLabelValues(alias, driverName).Add(float64(n))
}

// HealthCheckCompleted records a health check probe duration and result.
func (c *Collector) HealthCheckCompleted(alias string, d time.Duration, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	c.healthCheckDuration.WithLabelValues(alias, status).Observe(d.Seconds())
}

// HealthCheckError records a health check error by kind.
func (c *Collector) HealthCheckError(alias, errorKind string) {
	c.healthCheckErrors.WithLabelValues(alias, errorKind).Inc()
}

// RemovePool deletes every metric series belonging to alias, called
// when a pool is dropped from the registry at runtime.
func (c *Collector) RemovePool(alias string) {
	c.connectionsActive.DeletePartialMatch(prometheus.Labels{"pool": alias})
	c.connectionsIdle.DeletePartialMatch(prometheus.Labels{"pool": alias})
	c.connectionsTotal.DeletePartialMatch(prometheus.Labels{"pool": alias})
	c.connectionsWaiting.DeletePartialMatch(prometheus.Labels{"pool": alias})
	c.poolExhausted.DeleteLabelValues(alias)
	c.poolCapacity.DeleteLabelValues(alias)
	c.batchDuration.DeletePartialMatch(prometheus.Labels{"pool": alias})
	c.batchesTotal.DeletePartialMatch(prometheus.Labels{"pool": alias})
	c.resultSetsTotal.DeletePartialMatch(prometheus.Labels{"pool": alias})
	c.rowsFetched.DeletePartialMatch(prometheus.Labels{"pool": alias})
	c.healthCheckDuration.DeletePartialMatch(prometheus.Labels{"pool": alias})
	c.healthCheckErrors.DeletePartialMatch(prometheus.Labels{"pool": alias})
}
