package evloop

import (
	"sync"
	"testing"
	"time"
)

func TestEventLoopRunsPostedTasksInOrder(t *testing.T) {
	l := New(8)
	defer l.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for posted tasks")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestOnLoopGoroutineFalseFromOutsideTheLoop(t *testing.T) {
	l := New(1)
	defer l.Close()

	if l.OnLoopGoroutine() {
		t.Fatal("expected false when called from the test's own goroutine")
	}
}

func TestOnLoopGoroutineTrueFromInsidePostedTask(t *testing.T) {
	l := New(1)
	defer l.Close()

	done := make(chan bool, 1)
	l.Post(func() { done <- l.OnLoopGoroutine() })

	select {
	case onLoop := <-done:
		if !onLoop {
			t.Fatal("expected true when called from within a Posted closure")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for posted task")
	}
}

func TestOnLoopGoroutineDistinguishesTwoLoops(t *testing.T) {
	a := New(1)
	defer a.Close()
	b := New(1)
	defer b.Close()

	done := make(chan bool, 1)
	a.Post(func() { done <- b.OnLoopGoroutine() })

	select {
	case onB := <-done:
		if onB {
			t.Fatal("expected false: running on loop a's goroutine, checked against loop b")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for posted task")
	}
}

func TestEventLoopCloseDrainsThenStops(t *testing.T) {
	l := New(1)
	ran := false
	l.Post(func() { ran = true })
	l.Close()
	if !ran {
		t.Fatal("expected posted task to run before Close returned")
	}
	// Posting after Close must not panic or block.
	l.Post(func() { t.Fatal("should not run after close") })
}
