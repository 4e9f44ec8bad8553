package registry

import (
	"testing"
	"time"

	"github.com/medialoop/asyncdb/internal/dbres"
	"github.com/medialoop/asyncdb/internal/driver"
	"github.com/medialoop/asyncdb/internal/driver/mock"
	"github.com/medialoop/asyncdb/internal/pool"
)

func testPool(alias string, capacity int) *pool.Pool {
	return pool.New(pool.Config{
		Alias:          alias,
		DriverName:     "mock",
		Factory:        mock.NewFactory(),
		Detail:         driver.ConnDetail{},
		Capacity:       capacity,
		IdleTimeout:    time.Second,
		BulkLimitBytes: 4096,
		Delimiter:      "; ",
	})
}

func TestGetUnknownAliasIsConfigError(t *testing.T) {
	r := New()
	_, err := r.Get("missing")
	if dbres.KindOf(err) != dbres.Config {
		t.Fatalf("expected Config error, got %v", err)
	}
}

func TestAddAndGet(t *testing.T) {
	r := New()
	p := testPool("primary", 1)
	r.Add("primary", p)

	got, err := r.Get("primary")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != p {
		t.Fatal("expected Get to return the same pool instance")
	}
}

func TestSignalClosingAffectsAllPools(t *testing.T) {
	r := New()
	p1 := testPool("a", 1)
	p2 := testPool("b", 1)
	r.Add("a", p1)
	r.Add("b", p2)

	r.SignalClosing()

	if !p1.IsClosing() || !p2.IsClosing() {
		t.Fatal("expected both pools to be marked closing")
	}
}

func TestCloseAllConnsAndCheckAllConnsClosed(t *testing.T) {
	r := New()
	p := testPool("a", 2)
	r.Add("a", p)

	r.SignalClosing()
	r.CloseAllConns()

	deadline := time.Now().Add(time.Second)
	for !r.CheckAllConnsClosed() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !r.CheckAllConnsClosed() {
		t.Fatal("expected CheckAllConnsClosed to become true")
	}
}

func TestRemove(t *testing.T) {
	r := New()
	r.Add("a", testPool("a", 1))
	r.Remove("a")
	if _, err := r.Get("a"); err == nil {
		t.Fatal("expected Get to fail after Remove")
	}
}

func TestAllStats(t *testing.T) {
	r := New()
	r.Add("a", testPool("a", 2))
	r.Add("b", testPool("b", 3))

	stats := r.AllStats()
	if len(stats) != 2 {
		t.Fatalf("expected 2 stats entries, got %d", len(stats))
	}
}
