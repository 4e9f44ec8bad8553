package conn

import (
	"sync"
	"testing"
	"time"

	"github.com/medialoop/asyncdb/internal/dbres"
	"github.com/medialoop/asyncdb/internal/driver"
	"github.com/medialoop/asyncdb/internal/driver/mock"
	"github.com/medialoop/asyncdb/internal/evloop"
	"github.com/medialoop/asyncdb/internal/query"
)

func str(s string) *string { return &s }

func waitClosed(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal event")
	}
}

func TestConnectionSingleQueryDeliversRowsInOrder(t *testing.T) {
	loop := evloop.New(4)
	defer loop.Close()

	d := mock.New(mock.OKScript([]string{"v"}, []mock.Row{{str("a")}, {str("b")}, {str("c")}}, 3))
	c := New(d, driver.ConnDetail{}, 1<<20, ";")

	var mu sync.Mutex
	var rows []string
	done := make(chan struct{})
	cb := query.Callbacks{
		OnRowFetched: func(ev driver.RowEvent) {
			mu.Lock()
			rows = append(rows, *ev.Values[0])
			mu.Unlock()
		},
		OnResultFree: func(terminal bool) {
			if terminal {
				close(done)
			}
		},
	}
	q, err := query.New(loop, "select v from t", 1, cb, nil)
	if err != nil {
		t.Fatalf("query.New: %v", err)
	}
	if err := c.AddNewQuery(q); err != nil {
		t.Fatalf("AddNewQuery: %v", err)
	}
	if err := c.TryProcessQueries(loop); err != nil {
		t.Fatalf("TryProcessQueries: %v", err)
	}

	waitClosed(t, done)
	mu.Lock()
	defer mu.Unlock()
	if len(rows) != 3 || rows[0] != "a" || rows[1] != "b" || rows[2] != "c" {
		t.Fatalf("unexpected row order: %v", rows)
	}
}

func TestConnectionBatchOfTwoStatementsOneQuery(t *testing.T) {
	loop := evloop.New(4)
	defer loop.Close()

	d := mock.New(mock.BatchScript{ResultSets: []mock.ResultSet{
		{AffectedRows: 1},
		{Columns: []string{"count"}, Rows: []mock.Row{{str("1")}}},
	}})
	c := New(d, driver.ConnDetail{}, 1<<20, ";")

	var mu sync.Mutex
	var resultSets int
	var terminalIdx int
	done := make(chan struct{})
	cb := query.Callbacks{
		OnResultReady: func(ev driver.ResultSetEvent) {
			mu.Lock()
			resultSets++
			mu.Unlock()
		},
		OnResultFree: func(terminal bool) {
			mu.Lock()
			terminalIdx++
			idx := terminalIdx
			mu.Unlock()
			if terminal {
				if idx != 2 {
					t.Errorf("expected terminal flag on 2nd result_free, got on %d", idx)
				}
				close(done)
			}
		},
	}
	q, err := query.New(loop, "insert into t values (1); select count(*) from t;", 2, cb, nil)
	if err != nil {
		t.Fatalf("query.New: %v", err)
	}
	c.AddNewQuery(q)
	if err := c.TryProcessQueries(loop); err != nil {
		t.Fatalf("TryProcessQueries: %v", err)
	}
	waitClosed(t, done)

	mu.Lock()
	defer mu.Unlock()
	if resultSets != 2 {
		t.Fatalf("expected 2 result sets, got %d", resultSets)
	}
}

func TestConnectionPropagatesFatalErrorToBatch(t *testing.T) {
	loop := evloop.New(4)
	defer loop.Close()

	wantErr := dbres.New(dbres.Network, "backend reset")
	d := mock.New(mock.BatchScript{Err: wantErr})
	c := New(d, driver.ConnDetail{}, 1<<20, ";")

	var got *dbres.Error
	done := make(chan struct{})
	cb := query.Callbacks{
		OnError: func(err *dbres.Error) {
			got = err
			close(done)
		},
	}
	q, _ := query.New(loop, "select 1", 1, cb, nil)
	c.AddNewQuery(q)
	if err := c.TryProcessQueries(loop); err != nil {
		t.Fatalf("TryProcessQueries: %v", err)
	}
	waitClosed(t, done)

	if got != wantErr {
		t.Fatalf("expected propagated error %v, got %v", wantErr, got)
	}
	if c.State() != driver.PhaseCloseDone {
		t.Fatalf("expected connection to reach CloseDone after fatal error, got %v", c.State())
	}
}

func TestConnectionBusyWhenAlreadyDriving(t *testing.T) {
	loop := evloop.New(4)
	defer loop.Close()

	d := mock.New(mock.OKScript(nil, nil, 0))
	c := New(d, driver.ConnDetail{}, 1<<20, ";")
	q, _ := query.New(loop, "select 1", 1, query.Callbacks{}, nil)
	c.AddNewQuery(q)

	if !d.CanChangeState() {
		t.Fatal("expected to acquire the flag directly")
	}
	defer d.ReleaseStateChange()

	err := c.TryProcessQueries(loop)
	if dbres.KindOf(err) != dbres.ConnectionBusy {
		t.Fatalf("expected ConnectionBusy, got %v", err)
	}
}

func TestConnectionAddNewQueryRejectedWhileClosing(t *testing.T) {
	loop := evloop.New(4)
	defer loop.Close()

	d := mock.New()
	c := New(d, driver.ConnDetail{}, 1<<20, ";")
	if err := c.TryClose(); err != nil {
		t.Fatalf("TryClose: %v", err)
	}
	q, _ := query.New(loop, "select 1", 1, query.Callbacks{}, nil)
	if err := c.AddNewQuery(q); err == nil {
		t.Fatal("expected error adding query to closing connection")
	}
}

func TestConnectionTryCloseIdempotent(t *testing.T) {
	d := mock.New()
	c := New(d, driver.ConnDetail{}, 1<<20, ";")
	if err := c.TryClose(); err != nil {
		t.Fatalf("first TryClose: %v", err)
	}
	if err := c.TryClose(); err != nil {
		t.Fatalf("second TryClose should be a no-op, got: %v", err)
	}
}

func TestConnectionCrossLoopDelivery(t *testing.T) {
	ownerLoop := evloop.New(4)
	defer ownerLoop.Close()
	driverLoop := evloop.New(4)
	defer driverLoop.Close()

	d := mock.New(mock.OKScript([]string{"v"}, []mock.Row{{str("x")}}, 1))
	c := New(d, driver.ConnDetail{}, 1<<20, ";")

	done := make(chan struct{})
	cb := query.Callbacks{
		OnResultFree: func(terminal bool) {
			if terminal {
				close(done)
			}
		},
	}
	q, _ := query.New(ownerLoop, "select v from t", 1, cb, nil)
	c.AddNewQuery(q)
	if err := c.TryProcessQueries(driverLoop); err != nil {
		t.Fatalf("TryProcessQueries: %v", err)
	}
	waitClosed(t, done)
}
