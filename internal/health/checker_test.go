package health

import (
	"testing"
	"time"

	"github.com/medialoop/asyncdb/internal/dbres"
	"github.com/medialoop/asyncdb/internal/driver"
	"github.com/medialoop/asyncdb/internal/driver/mock"
	"github.com/medialoop/asyncdb/internal/evloop"
	"github.com/medialoop/asyncdb/internal/pool"
	"github.com/medialoop/asyncdb/internal/registry"
)

const testInterval = 30 * time.Second
const testThreshold = 3
const testTimeout = time.Second

func newTestRegistry(alias string, capacity int, scripts ...mock.BatchScript) (*registry.Registry, *evloop.EventLoop) {
	loop := evloop.New(8)
	r := registry.New()
	r.Add(alias, pool.New(pool.Config{
		Alias:          alias,
		DriverName:     "mock",
		Factory:        mock.NewFactory(scripts...),
		Detail:         driver.ConnDetail{},
		Capacity:       capacity,
		IdleTimeout:    time.Second,
		BulkLimitBytes: 4096,
		Delimiter:      "; ",
	}))
	return r, loop
}

func TestCheckerInitialState(t *testing.T) {
	r, loop := newTestRegistry("p", 1)
	defer loop.Close()
	c := NewChecker(r, nil, loop, testInterval, testThreshold, testTimeout)

	if !c.IsHealthy("unknown") {
		t.Error("unknown pool should be treated as healthy")
	}

	status := c.GetStatus("unknown")
	if status.Status != StatusUnknown {
		t.Errorf("expected StatusUnknown, got %v", status.Status)
	}
}

func TestCheckerUpdateStatus(t *testing.T) {
	r, loop := newTestRegistry("p", 1)
	defer loop.Close()
	c := NewChecker(r, nil, loop, testInterval, testThreshold, testTimeout)

	c.updateStatus("test", true)
	if !c.IsHealthy("test") {
		t.Error("should be healthy after healthy update")
	}

	status := c.GetStatus("test")
	if status.Status != StatusHealthy {
		t.Errorf("expected StatusHealthy, got %v", status.Status)
	}

	c.updateStatus("test", false)
	if !c.IsHealthy("test") {
		t.Error("should still be healthy after one failure")
	}

	status = c.GetStatus("test")
	if status.ConsecutiveFailures != 1 {
		t.Errorf("expected 1 consecutive failure, got %d", status.ConsecutiveFailures)
	}
}

func TestCheckerThreshold(t *testing.T) {
	r, loop := newTestRegistry("p", 1)
	defer loop.Close()
	c := NewChecker(r, nil, loop, testInterval, testThreshold, testTimeout)

	c.updateStatus("test", false)
	c.updateStatus("test", false)
	c.updateStatus("test", false)

	if c.IsHealthy("test") {
		t.Error("should be unhealthy after 3 consecutive failures")
	}

	status := c.GetStatus("test")
	if status.Status != StatusUnhealthy {
		t.Errorf("expected StatusUnhealthy, got %v", status.Status)
	}
}

func TestCheckerRecovery(t *testing.T) {
	r, loop := newTestRegistry("p", 1)
	defer loop.Close()
	c := NewChecker(r, nil, loop, testInterval, testThreshold, testTimeout)

	c.updateStatus("test", false)
	c.updateStatus("test", false)
	c.updateStatus("test", false)
	if c.IsHealthy("test") {
		t.Error("should be unhealthy")
	}

	c.updateStatus("test", true)
	if !c.IsHealthy("test") {
		t.Error("should be healthy after recovery")
	}

	status := c.GetStatus("test")
	if status.ConsecutiveFailures != 0 {
		t.Errorf("expected 0 consecutive failures after recovery, got %d", status.ConsecutiveFailures)
	}
}

func TestOverallHealthy(t *testing.T) {
	r, loop := newTestRegistry("p", 1)
	defer loop.Close()
	c := NewChecker(r, nil, loop, testInterval, testThreshold, testTimeout)

	if !c.OverallHealthy() {
		t.Error("should be overall healthy with no checks")
	}

	c.updateStatus("good", true)
	if !c.OverallHealthy() {
		t.Error("should be overall healthy with one healthy pool")
	}

	c.updateStatus("bad", false)
	c.updateStatus("bad", false)
	c.updateStatus("bad", false)
	if c.OverallHealthy() {
		t.Error("should not be overall healthy with one unhealthy pool")
	}
}

func TestGetAllStatuses(t *testing.T) {
	r, loop := newTestRegistry("p", 1)
	defer loop.Close()
	c := NewChecker(r, nil, loop, testInterval, testThreshold, testTimeout)

	c.updateStatus("t1", true)
	c.updateStatus("t2", true)

	statuses := c.GetAllStatuses()
	if len(statuses) != 2 {
		t.Errorf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusUnknown, "unknown"},
		{StatusHealthy, "healthy"},
		{StatusUnhealthy, "unhealthy"},
	}

	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestDoubleStop(t *testing.T) {
	r, loop := newTestRegistry("p", 1)
	defer loop.Close()
	c := NewChecker(r, nil, loop, time.Hour, testThreshold, testTimeout)
	c.Start()

	c.Stop()
	c.Stop()
}

func TestRemovePool(t *testing.T) {
	r, loop := newTestRegistry("p", 1)
	defer loop.Close()
	c := NewChecker(r, nil, loop, testInterval, testThreshold, testTimeout)

	c.updateStatus("pool_a", true)
	c.updateStatus("pool_b", true)

	if len(c.GetAllStatuses()) != 2 {
		t.Fatalf("expected 2 statuses before removal")
	}

	c.RemovePool("pool_a")

	statuses := c.GetAllStatuses()
	if len(statuses) != 1 {
		t.Errorf("expected 1 status after removal, got %d", len(statuses))
	}
	if _, exists := statuses["pool_a"]; exists {
		t.Error("pool_a should have been removed")
	}
	if _, exists := statuses["pool_b"]; !exists {
		t.Error("pool_b should still exist")
	}

	c.RemovePool("nonexistent")
}

func str(s string) *string { return &s }

// TestCheckAllMarksHealthyPool runs checkAll against a registry whose
// only pool is backed by a mock driver scripted to answer SELECT 1
// successfully, exercising the full Start -> Query -> OnResultFree path.
func TestCheckAllMarksHealthyPool(t *testing.T) {
	r, loop := newTestRegistry("primary", 2, mock.OKScript([]string{"?column?"}, []mock.Row{{str("1")}}, 1))
	defer loop.Close()
	c := NewChecker(r, nil, loop, testInterval, testThreshold, testTimeout)

	c.checkAll()

	if !c.IsHealthy("primary") {
		t.Fatalf("expected healthy pool after checkAll, status=%+v", c.GetStatus("primary"))
	}
}

// TestCheckAllMarksUnhealthyPoolOnError covers a driver scripted to
// return a fatal error for the probe query.
func TestCheckAllMarksUnhealthyPoolOnError(t *testing.T) {
	r, loop := newTestRegistry("primary", 2, mock.BatchScript{
		Err: dbres.New(dbres.RemoteResource, "connection reset"),
	})
	defer loop.Close()
	c := NewChecker(r, nil, loop, testInterval, 1, testTimeout)

	c.checkAll()

	if c.IsHealthy("primary") {
		t.Fatalf("expected unhealthy pool after checkAll with erroring driver, status=%+v", c.GetStatus("primary"))
	}
}

// TestCheckAllUpdatesEveryPool checks that checkAll updates every pool's
// status even with several pools registered.
func TestCheckAllUpdatesEveryPool(t *testing.T) {
	loop := evloop.New(8)
	defer loop.Close()
	r := registry.New()
	for _, alias := range []string{"t1", "t2", "t3"} {
		r.Add(alias, pool.New(pool.Config{
			Alias:          alias,
			DriverName:     "mock",
			Factory:        mock.NewFactory(mock.OKScript([]string{"?column?"}, []mock.Row{{str("1")}}, 1)),
			Detail:         driver.ConnDetail{},
			Capacity:       1,
			IdleTimeout:    time.Second,
			BulkLimitBytes: 4096,
			Delimiter:      "; ",
		}))
	}
	c := NewChecker(r, nil, loop, testInterval, testThreshold, testTimeout)

	c.checkAll()

	statuses := c.GetAllStatuses()
	if len(statuses) != 3 {
		t.Errorf("expected 3 statuses after checkAll, got %d", len(statuses))
	}
}
