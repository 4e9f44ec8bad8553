package mysql

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

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

func str(s string) *string { return &s }

func lenEncStr(s string) []byte {
	return append([]byte{byte(len(s))}, []byte(s)...)
}

func columnDefPacket(name string) []byte {
	var pkt []byte
	pkt = append(pkt, lenEncStr("def")...)  // catalog
	pkt = append(pkt, lenEncStr("")...)     // schema
	pkt = append(pkt, lenEncStr("")...)     // table
	pkt = append(pkt, lenEncStr("")...)     // org_table
	pkt = append(pkt, lenEncStr(name)...)   // name
	pkt = append(pkt, lenEncStr(name)...)   // org_name
	return pkt
}

func textRowPacket(vals []*string) []byte {
	var pkt []byte
	for _, v := range vals {
		if v == nil {
			pkt = append(pkt, 0xfb)
			continue
		}
		pkt = append(pkt, lenEncStr(*v)...)
	}
	return pkt
}

func okPacket(affected uint64, status uint16) []byte {
	pkt := []byte{0x00, byte(affected), 0x00}
	statusBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(statusBuf, status)
	return append(pkt, statusBuf...)
}

func eofPacket(status uint16) []byte {
	pkt := []byte{0xfe, 0x00, 0x00}
	statusBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(statusBuf, status)
	return append(pkt, statusBuf...)
}

// TestRunQuerySingleResultSet drives runQuery against a fake server that
// sends a column-count header, one column def, an EOF, two rows, then a
// terminating EOF with no SERVER_MORE_RESULTS_EXISTS flag.
func TestRunQuerySingleResultSet(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	d := &Driver{phase: driver.PhaseQueryStart, batchStmt: "select name from users"}
	sink := &recordingSink{}

	done := make(chan struct{})
	var oc driver.Outcome
	var stepErr error
	go func() {
		oc, stepErr = d.runQuery(client, sink)
		close(done)
	}()

	if _, _, err := readPacket(server); err != nil {
		t.Fatalf("reading COM_QUERY: %v", err)
	}

	writePacket(server, []byte{0x01}, 1) // column count = 1
	writePacket(server, columnDefPacket("name"), 2)
	writePacket(server, eofPacket(0), 3)
	writePacket(server, textRowPacket([]*string{str("alice")}), 4)
	writePacket(server, textRowPacket([]*string{str("bob")}), 5)
	writePacket(server, eofPacket(0), 6)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runQuery did not complete")
	}

	if stepErr != nil {
		t.Fatalf("runQuery: %v", stepErr)
	}
	if !oc.BatchComplete || oc.Phase != driver.PhaseQueryReady {
		t.Fatalf("unexpected outcome: %+v", oc)
	}
	if len(sink.resultSets) != 1 || len(sink.rows) != 2 || sink.completed != 1 {
		t.Fatalf("unexpected sink state: %+v", sink)
	}
	if *sink.rows[0].Values[0] != "alice" || *sink.rows[1].Values[0] != "bob" {
		t.Fatalf("rows out of order: %+v", sink.rows)
	}
}

// TestRunQueryMultiStatement covers CLIENT_MULTI_STATEMENTS: an OK packet
// (no rows) with SERVER_MORE_RESULTS_EXISTS set, followed by a real
// result set whose terminating EOF has no more-results flag.
func TestRunQueryMultiStatement(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	d := &Driver{phase: driver.PhaseQueryStart, batchStmt: "update users set x=1; select id from users"}
	sink := &recordingSink{}

	done := make(chan struct{})
	go func() {
		d.runQuery(client, sink)
		close(done)
	}()

	readPacket(server) // COM_QUERY

	writePacket(server, okPacket(2, serverMoreResultsExists), 1)

	writePacket(server, []byte{0x01}, 2)
	writePacket(server, columnDefPacket("id"), 3)
	writePacket(server, eofPacket(0), 4)
	writePacket(server, textRowPacket([]*string{str("7")}), 5)
	writePacket(server, eofPacket(0), 6)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runQuery did not complete")
	}

	if len(sink.resultSets) != 2 {
		t.Fatalf("expected 2 result sets, got %d", len(sink.resultSets))
	}
	if sink.resultSets[0].AffectedRows != 2 {
		t.Fatalf("expected 2 affected rows on first statement, got %d", sink.resultSets[0].AffectedRows)
	}
	if len(sink.rows) != 1 || *sink.rows[0].Values[0] != "7" {
		t.Fatalf("unexpected rows: %+v", sink.rows)
	}
	if sink.completed != 2 {
		t.Fatalf("expected 2 completion signals, got %d", sink.completed)
	}
}

func TestNativePasswordHash(t *testing.T) {
	got := nativePasswordHash([]byte("secret"), []byte("01234567890123456789"))
	if len(got) != 20 {
		t.Fatalf("expected 20-byte SHA-1 hash, got %d bytes", len(got))
	}
	if len(nativePasswordHash([]byte(""), []byte("salt"))) != 0 {
		t.Fatal("expected empty hash for empty password")
	}
}

func TestDecodeLenEncInt(t *testing.T) {
	cases := []struct {
		data []byte
		want uint64
		n    int
	}{
		{[]byte{0x05}, 5, 1},
		{[]byte{0xfc, 0x10, 0x00}, 16, 3},
	}
	for _, c := range cases {
		got, n := decodeLenEncInt(c.data)
		if got != c.want || n != c.n {
			t.Errorf("decodeLenEncInt(%v) = (%d, %d), want (%d, %d)", c.data, got, n, c.want, c.n)
		}
	}
}

func TestParseErrPacket(t *testing.T) {
	pkt := append([]byte{0xff, 0x15, 0x04, '#'}, []byte("42000Syntax error")...)
	if got := parseErrPacket(pkt); got != "Syntax error" {
		t.Fatalf("parseErrPacket = %q, want %q", got, "Syntax error")
	}
}
