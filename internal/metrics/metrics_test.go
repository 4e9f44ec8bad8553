package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// newTestCollector creates a Collector registered with a fresh registry
// so tests don't conflict with each other or with the default registry.
func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	c := New()
	return c, c.Registry
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestUpdatePoolStatsIsAuthoritative(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("primary", "postgres", 3, 5, 8, 10)

	val := getGaugeValue(c.connectionsActive.WithLabelValues("primary", "postgres"))
	if val != 3 {
		t.Errorf("expected active=3, got %v", val)
	}

	// A second call replaces (not increments) the value.
	c.UpdatePoolStats("primary", "postgres", 2, 4, 6, 10)
	val = getGaugeValue(c.connectionsActive.WithLabelValues("primary", "postgres"))
	if val != 2 {
		t.Errorf("expected active=2 after update, got %v", val)
	}
}

func TestUpdatePoolStats(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("primary", "postgres", 5, 10, 15, 20)

	if v := getGaugeValue(c.connectionsActive.WithLabelValues("primary", "postgres")); v != 5 {
		t.Errorf("expected active=5, got %v", v)
	}
	if v := getGaugeValue(c.connectionsIdle.WithLabelValues("primary", "postgres")); v != 10 {
		t.Errorf("expected idle=10, got %v", v)
	}
	if v := getGaugeValue(c.connectionsTotal.WithLabelValues("primary", "postgres")); v != 15 {
		t.Errorf("expected total=15, got %v", v)
	}
	if v := getGaugeValue(c.poolCapacity.WithLabelValues("primary")); v != 20 {
		t.Errorf("expected capacity=20, got %v", v)
	}
}

func TestWaitingObserved(t *testing.T) {
	c, _ := newTestCollector(t)

	c.WaitingObserved("primary", "postgres")
	c.WaitingObserved("primary", "postgres")

	val := getCounterValue(c.connectionsWaiting.WithLabelValues("primary", "postgres"))
	if val != 2 {
		t.Errorf("expected waiting=2, got %v", val)
	}
}

func TestPoolExhausted(t *testing.T) {
	c, _ := newTestCollector(t)

	c.PoolExhausted("primary")
	c.PoolExhausted("primary")
	c.PoolExhausted("primary")

	val := getCounterValue(c.poolExhausted.WithLabelValues("primary"))
	if val != 3 {
		t.Errorf("expected exhausted=3, got %v", val)
	}
}

func TestBatchCompleted(t *testing.T) {
	c, reg := newTestCollector(t)

	c.BatchCompleted("primary", "postgres", "ok", 50*time.Millisecond)
	c.BatchCompleted("primary", "postgres", "ok", 100*time.Millisecond)
	c.BatchCompleted("primary", "postgres", "error", 10*time.Millisecond)

	okVal := getCounterValue(c.batchesTotal.WithLabelValues("primary", "postgres", "ok"))
	if okVal != 2 {
		t.Errorf("expected ok batches=2, got %v", okVal)
	}
	errVal := getCounterValue(c.batchesTotal.WithLabelValues("primary", "postgres", "error"))
	if errVal != 1 {
		t.Errorf("expected error batches=1, got %v", errVal)
	}

	families, _ := reg.Gather()
	var found bool
	for _, f := range families {
		if f.GetName() == "asyncdbd_batch_duration_seconds" {
			found = true
			m := f.GetMetric()
			if len(m) == 0 {
				t.Fatal("no metric samples")
			}
		}
	}
	if !found {
		t.Error("batch duration metric not found")
	}
}

func TestResultSetAndRowCounters(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ResultSetDelivered("primary", "postgres")
	c.ResultSetDelivered("primary", "postgres")
	c.RowsFetched("primary", "postgres", 7)
	c.RowsFetched("primary", "postgres", 3)

	if v := getCounterValue(c.resultSetsTotal.WithLabelValues("primary", "postgres")); v != 2 {
		t.Errorf("expected result sets=2, got %v", v)
	}
	if v := getCounterValue(c.rowsFetched.WithLabelValues("primary", "postgres")); v != 10 {
		t.Errorf("expected rows=10, got %v", v)
	}
}

func TestHealthCheckMetrics(t *testing.T) {
	c, _ := newTestCollector(t)

	c.HealthCheckCompleted("primary", 5*time.Millisecond, true)
	c.HealthCheckCompleted("primary", 50*time.Millisecond, false)
	c.HealthCheckError("primary", "network")

	families, _ := c.Registry.Gather()
	var found bool
	for _, f := range families {
		if f.GetName() == "asyncdbd_health_check_duration_seconds" {
			found = true
		}
	}
	if !found {
		t.Error("health check duration metric not found")
	}

	errVal := getCounterValue(c.healthCheckErrors.WithLabelValues("primary", "network"))
	if errVal != 1 {
		t.Errorf("expected health check errors=1, got %v", errVal)
	}
}

func TestRemovePool(t *testing.T) {
	c, reg := newTestCollector(t)

	c.UpdatePoolStats("primary", "postgres", 1, 2, 3, 5)
	c.PoolExhausted("primary")
	c.BatchCompleted("primary", "postgres", "ok", time.Millisecond)

	c.RemovePool("primary")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	for _, f := range families {
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "pool" && l.GetValue() == "primary" {
					t.Errorf("metric %s still has pool=primary label after removal", f.GetName())
				}
			}
		}
	}
}

func TestMultiplePools(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("a", "postgres", 1, 0, 1, 1)
	c.UpdatePoolStats("b", "mysql", 2, 1, 3, 3)

	v1 := getGaugeValue(c.connectionsActive.WithLabelValues("a", "postgres"))
	v2 := getGaugeValue(c.connectionsActive.WithLabelValues("b", "mysql"))

	if v1 != 1 {
		t.Errorf("expected pool a active=1, got %v", v1)
	}
	if v2 != 2 {
		t.Errorf("expected pool b active=2, got %v", v2)
	}
}

func TestNewDoesNotPanicOnMultipleCalls(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("New() panicked on repeated calls: %v", r)
		}
	}()

	c1 := New()
	c2 := New()

	c1.UpdatePoolStats("a", "postgres", 1, 0, 1, 1)
	c2.UpdatePoolStats("a", "postgres", 2, 0, 2, 2)

	v1 := getGaugeValue(c1.connectionsActive.WithLabelValues("a", "postgres"))
	v2 := getGaugeValue(c2.connectionsActive.WithLabelValues("a", "postgres"))

	if v1 != 1 {
		t.Errorf("c1 expected active=1, got %v", v1)
	}
	if v2 != 2 {
		t.Errorf("c2 expected active=2, got %v", v2)
	}
}
