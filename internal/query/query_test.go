package query

import (
	"sync"
	"testing"
	"time"

	"github.com/medialoop/asyncdb/internal/dbres"
	"github.com/medialoop/asyncdb/internal/driver"
	"github.com/medialoop/asyncdb/internal/evloop"
)

func TestNewRejectsEmptyStatement(t *testing.T) {
	loop := evloop.New(1)
	defer loop.Close()
	if _, err := New(loop, "", 1, Callbacks{}, nil); err == nil {
		t.Fatal("expected error for empty statement")
	}
}

func TestNewRejectsNilLoop(t *testing.T) {
	if _, err := New(nil, "select 1", 1, Callbacks{}, nil); err == nil {
		t.Fatal("expected error for nil loop")
	}
}

func TestEnqueueOnLoopGoroutineDeliversSynchronously(t *testing.T) {
	loop := evloop.New(4)
	defer loop.Close()

	var got driver.RowEvent
	var called bool
	cb := Callbacks{OnRowFetched: func(ev driver.RowEvent) { got = ev; called = true }}
	q, err := New(loop, "select 1", 1, cb, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan bool, 1)
	loop.Post(func() {
		q.Enqueue(loop, Result{Kind: KindRowFetched, Row: driver.RowEvent{Values: nil}})
		// Still inside the same task: if Enqueue had to Post instead of
		// draining inline, called would not be set yet.
		done <- called
	})

	select {
	case sawSynchronous := <-done:
		if !sawSynchronous {
			t.Fatal("expected synchronous delivery when Enqueue runs on the loop's own goroutine")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for posted task")
	}
	_ = got
}

func TestEnqueueSameLoopPointerOffGoroutineStillUsesPost(t *testing.T) {
	loop := evloop.New(1)
	defer loop.Close()

	var mu sync.Mutex
	delivered := false
	cb := Callbacks{OnRowFetched: func(driver.RowEvent) {
		mu.Lock()
		delivered = true
		mu.Unlock()
	}}
	q, err := New(loop, "select 1", 1, cb, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// driverLoop is the exact same *EventLoop as q.loop, but this call
	// runs on the test's own goroutine, not loop's worker goroutine —
	// the shortcut must not fire.
	q.Enqueue(loop, Result{Kind: KindRowFetched})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		d := delivered
		mu.Unlock()
		if d {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected delivery via Post even though driverLoop == q.loop")
}

func TestEnqueueCrossLoopDeliversViaPost(t *testing.T) {
	ownerLoop := evloop.New(1)
	defer ownerLoop.Close()
	driverLoop := evloop.New(1)
	defer driverLoop.Close()

	var mu sync.Mutex
	delivered := false
	cb := Callbacks{OnRowFetched: func(driver.RowEvent) {
		mu.Lock()
		delivered = true
		mu.Unlock()
	}}
	q, err := New(ownerLoop, "select 1", 1, cb, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	q.Enqueue(driverLoop, Result{Kind: KindRowFetched})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		d := delivered
		mu.Unlock()
		if d {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("cross-loop delivery never happened")
}

func TestMarkResultSetDeliveredReachesZeroOnce(t *testing.T) {
	loop := evloop.New(1)
	defer loop.Close()
	q, _ := New(loop, "select 1; select 2;", 2, Callbacks{}, nil)

	if q.MarkResultSetDelivered() {
		t.Fatal("expected false after first of two result sets")
	}
	if q.RemainingResultSets() != 1 {
		t.Fatalf("expected 1 remaining, got %d", q.RemainingResultSets())
	}
	if !q.MarkResultSetDelivered() {
		t.Fatal("expected true after second of two result sets")
	}
	if q.RemainingResultSets() != 0 {
		t.Fatalf("expected 0 remaining, got %d", q.RemainingResultSets())
	}
}

func TestEnqueueTerminalErrorMarksTerminal(t *testing.T) {
	loop := evloop.New(1)
	defer loop.Close()
	q, _ := New(loop, "select 1", 1, Callbacks{}, nil)
	q.Enqueue(loop, Result{Kind: KindError, Err: dbres.New(dbres.Network, "reset")})
	if !q.IsTerminalDelivered() {
		t.Fatal("expected terminal flag set after error result")
	}
}

func TestUserDataIsCopied(t *testing.T) {
	loop := evloop.New(1)
	defer loop.Close()
	ud := []any{1, "x"}
	q, _ := New(loop, "select 1", 1, Callbacks{}, ud)
	ud[0] = 2
	if q.UserData()[0] != 1 {
		t.Fatal("expected Query to own a copy of user data")
	}
}
