package mock

import (
	"context"
	"testing"

	"github.com/medialoop/asyncdb/internal/dbres"
	"github.com/medialoop/asyncdb/internal/driver"
)

type recordingSink struct {
	resultSets []driver.ResultSetEvent
	rows       []driver.RowEvent
	completed  int
}

func (s *recordingSink) ResultSetReady(ev driver.ResultSetEvent) { s.resultSets = append(s.resultSets, ev) }
func (s *recordingSink) RowFetched(ev driver.RowEvent)           { s.rows = append(s.rows, ev) }
func (s *recordingSink) ResultSetComplete()                      { s.completed++ }

func runToBatchComplete(t *testing.T, d *Driver, sink driver.EventSink) driver.Outcome {
	t.Helper()
	for i := 0; i < 100; i++ {
		oc, err := d.Step(d.Conn(), sink)
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		if oc.BatchComplete {
			return oc
		}
	}
	t.Fatal("batch never completed")
	return driver.Outcome{}
}

func str(s string) *string { return &s }

func TestMockDriverDeliversRowsInOrder(t *testing.T) {
	d := New(OKScript(
		[]string{"id", "name"},
		[]Row{{str("1"), str("alice")}, {str("2"), str("bob")}},
		2,
	))
	if err := d.Dial(context.Background(), driver.ConnDetail{}); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	sink := &recordingSink{}
	// drive CONN_START -> CONN_DONE
	if _, err := d.Step(d.Conn(), sink); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if d.State() != driver.PhaseConnDone {
		t.Fatalf("expected ConnDone, got %v", d.State())
	}

	d.StartBatch("select * from users", 1)
	oc := runToBatchComplete(t, d, sink)
	if oc.FatalErr != nil {
		t.Fatalf("unexpected fatal error: %v", oc.FatalErr)
	}
	if len(sink.resultSets) != 1 {
		t.Fatalf("expected 1 result set, got %d", len(sink.resultSets))
	}
	if len(sink.rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(sink.rows))
	}
	if *sink.rows[0].Values[1] != "alice" || *sink.rows[1].Values[1] != "bob" {
		t.Fatalf("rows delivered out of order: %+v", sink.rows)
	}
}

func TestMockDriverMultiResultSet(t *testing.T) {
	d := New(BatchScript{ResultSets: []ResultSet{
		{Columns: []string{"a"}, Rows: []Row{{str("1")}}},
		{Columns: []string{"b"}, Rows: []Row{{str("2")}, {str("3")}}},
	}})
	d.Dial(context.Background(), driver.ConnDetail{})
	sink := &recordingSink{}
	d.Step(d.Conn(), sink)
	d.StartBatch("stmt1; stmt2", 2)
	runToBatchComplete(t, d, sink)
	if len(sink.resultSets) != 2 {
		t.Fatalf("expected 2 result sets, got %d", len(sink.resultSets))
	}
	if len(sink.rows) != 3 {
		t.Fatalf("expected 3 rows total, got %d", len(sink.rows))
	}
}

func TestMockDriverPropagatesFatalError(t *testing.T) {
	wantErr := dbres.New(dbres.Network, "connection reset")
	d := New(BatchScript{Err: wantErr})
	d.Dial(context.Background(), driver.ConnDetail{})
	sink := &recordingSink{}
	d.Step(d.Conn(), sink)
	d.StartBatch("select 1", 1)
	oc := runToBatchComplete(t, d, sink)
	if oc.FatalErr != wantErr {
		t.Fatalf("expected fatal error to propagate, got %v", oc.FatalErr)
	}
}

func TestMockDriverCanChangeStateIsExclusive(t *testing.T) {
	d := New()
	if !d.CanChangeState() {
		t.Fatal("expected first CanChangeState to succeed")
	}
	if d.CanChangeState() {
		t.Fatal("expected second CanChangeState to fail while held")
	}
	d.ReleaseStateChange()
	if !d.CanChangeState() {
		t.Fatal("expected CanChangeState to succeed after release")
	}
}

func TestMockDriverDialFailure(t *testing.T) {
	d := New()
	wantErr := dbres.New(dbres.Network, "refused")
	d.FailDial(wantErr)
	if err := d.Dial(context.Background(), driver.ConnDetail{}); err != wantErr {
		t.Fatalf("expected injected dial error, got %v", err)
	}
}

func TestMockDriverEmptyQueueSynthesizesOK(t *testing.T) {
	d := New()
	d.Dial(context.Background(), driver.ConnDetail{})
	sink := &recordingSink{}
	d.Step(d.Conn(), sink)
	d.StartBatch("select 1", 1)
	oc := runToBatchComplete(t, d, sink)
	if oc.FatalErr != nil {
		t.Fatalf("unexpected error: %v", oc.FatalErr)
	}
}

func TestMockDriverCloseReachesCloseDone(t *testing.T) {
	d := New()
	d.Dial(context.Background(), driver.ConnDetail{})
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !d.IsClosed() {
		t.Fatal("expected IsClosed true after Close")
	}
}
