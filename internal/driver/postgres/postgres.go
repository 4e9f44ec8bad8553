// Package postgres implements driver.Driver for PostgreSQL's native wire
// protocol (startup message, MD5/cleartext/SCRAM-SHA-256 authentication,
// the simple query protocol). It is grounded on the teacher bouncer's
// hand-rolled authenticatePG/postgres.go message framing, generalized
// from a fixed auth-then-relay shape into the Driver capability set.
//
// Two protocol phases are compressed relative to the full ~20-state
// enumeration: the entire startup+auth handshake resolves in one
// CONN_START step, and a whole batch's RowDescription/DataRow/
// CommandComplete/ReadyForQuery stream resolves in one QUERY_START step.
// Go's blocking I/O already gives every goroutine the suspend-and-resume
// Timer-Poll exists to emulate, so there is no cooperative-yield
// requirement forcing these into separate steps the way the original's
// libuv callbacks did.
package postgres

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/medialoop/asyncdb/internal/dbres"
	"github.com/medialoop/asyncdb/internal/driver"
)

// Driver is the PostgreSQL driver.Driver implementation.
type Driver struct {
	mu       sync.Mutex
	phase    driver.Phase
	changing atomic.Bool
	conn     net.Conn
	detail   driver.ConnDetail
	timeout  time.Duration

	batchStmt string
}

// New constructs an undialed postgres Driver.
func New() *Driver {
	return &Driver{phase: driver.PhaseInited, timeout: 30 * time.Second}
}

// Register installs postgres as the named driver factory in r, the way
// cmd/asyncdbd wires every compiled-in dialect at startup.
func Register(r *driver.Registry, name string) {
	r.Register(name, func() driver.Driver { return New() })
}

func (d *Driver) SetTimeout(t time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeout = t
}

func (d *Driver) Dial(ctx context.Context, cfg driver.ConnDetail) error {
	dialer := &net.Dialer{}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return dbres.Wrap(dbres.Network, err)
	}
	d.mu.Lock()
	d.detail = cfg
	d.conn = conn
	d.phase = driver.PhaseConnStart
	d.mu.Unlock()
	return nil
}

func (d *Driver) Conn() net.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn
}

func (d *Driver) State() driver.Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

func (d *Driver) CanChangeState() bool { return d.changing.CompareAndSwap(false, true) }
func (d *Driver) ReleaseStateChange()  { d.changing.Store(false) }

func (d *Driver) Timeout() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timeout
}

func (d *Driver) StartBatch(sqlText string, numResultSets int) {
	d.mu.Lock()
	d.batchStmt = sqlText
	d.phase = driver.PhaseQueryStart
	d.mu.Unlock()
}

func (d *Driver) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase == driver.PhaseCloseDone
}

func (d *Driver) Close() error {
	d.mu.Lock()
	conn := d.conn
	d.phase = driver.PhaseCloseDone
	d.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Step performs the blocking operation for the current phase.
func (d *Driver) Step(conn net.Conn, sink driver.EventSink) (driver.Outcome, error) {
	switch d.State() {
	case driver.PhaseConnStart:
		if err := d.handshake(conn); err != nil {
			return driver.Outcome{}, err
		}
		d.mu.Lock()
		d.phase = driver.PhaseConnDone
		d.mu.Unlock()
		return driver.Outcome{Phase: driver.PhaseConnDone}, nil

	case driver.PhaseQueryStart:
		return d.runQuery(conn, sink)

	case driver.PhaseCloseStart:
		writePGMessage(conn, 'X', nil)
		d.mu.Lock()
		d.phase = driver.PhaseCloseDone
		d.mu.Unlock()
		return driver.Outcome{Phase: driver.PhaseCloseDone, BatchComplete: true}, nil

	default:
		return driver.Outcome{Phase: d.State(), BatchComplete: true},
			fmt.Errorf("postgres: unexpected phase %v", d.State())
	}
}

func (d *Driver) handshake(conn net.Conn) error {
	var body []byte
	ver := make([]byte, 4)
	binary.BigEndian.PutUint32(ver, 3<<16)
	body = append(body, ver...)
	body = append(body, "user"...)
	body = append(body, 0)
	body = append(body, d.detail.DBUser...)
	body = append(body, 0)
	body = append(body, "database"...)
	body = append(body, 0)
	body = append(body, d.detail.DBName...)
	body = append(body, 0)
	body = append(body, 0)

	msgLen := make([]byte, 4)
	binary.BigEndian.PutUint32(msgLen, uint32(4+len(body)))
	if _, err := conn.Write(append(msgLen, body...)); err != nil {
		return fmt.Errorf("postgres: sending startup message: %w", err)
	}

	for {
		msgType, payload, err := readPGMessage(conn)
		if err != nil {
			return err
		}
		switch msgType {
		case 'R':
			if len(payload) < 4 {
				return fmt.Errorf("postgres: authentication message too short")
			}
			authType := binary.BigEndian.Uint32(payload[:4])
			switch authType {
			case 0:
				// AuthenticationOk
			case 3:
				if err := writePGMessage(conn, 'p', append([]byte(d.detail.DBPasswd), 0)); err != nil {
					return err
				}
			case 5:
				if len(payload) < 8 {
					return fmt.Errorf("postgres: MD5 auth message too short")
				}
				md5Pass := computeMD5Password(d.detail.DBUser, d.detail.DBPasswd, payload[4:8])
				if err := writePGMessage(conn, 'p', append([]byte(md5Pass), 0)); err != nil {
					return err
				}
			case 10:
				if err := scramSHA256Auth(conn, d.detail.DBUser, d.detail.DBPasswd, payload); err != nil {
					return err
				}
			default:
				return fmt.Errorf("postgres: unsupported auth type %d", authType)
			}
		case 'S', 'K':
			// ParameterStatus / BackendKeyData: no session state tracked.
		case 'Z':
			return nil
		case 'E':
			return fmt.Errorf("postgres: backend error during auth: %s", parseErrorMessage(payload))
		default:
		}
	}
}

func (d *Driver) runQuery(conn net.Conn, sink driver.EventSink) (driver.Outcome, error) {
	stmt := d.batchStmt
	if err := writePGMessage(conn, 'Q', append([]byte(stmt), 0)); err != nil {
		return driver.Outcome{}, err
	}

	sawColumns := false
	for {
		msgType, payload, err := readPGMessage(conn)
		if err != nil {
			return driver.Outcome{}, err
		}
		switch msgType {
		case 'T':
			cols := parseRowDescription(payload)
			sink.ResultSetReady(driver.ResultSetEvent{ColumnNames: cols, HasRows: true})
			sawColumns = true
		case 'D':
			sink.RowFetched(driver.RowEvent{Values: parseDataRow(payload)})
		case 'C':
			if !sawColumns {
				sink.ResultSetReady(driver.ResultSetEvent{AffectedRows: parseCommandTagRows(payload)})
			}
			sink.ResultSetComplete()
			sawColumns = false
		case 'I':
			sink.ResultSetReady(driver.ResultSetEvent{})
			sink.ResultSetComplete()
			sawColumns = false
		case 'E':
			d.mu.Lock()
			d.phase = driver.PhaseCloseStart
			d.mu.Unlock()
			return driver.Outcome{
				Phase:         driver.PhaseCloseStart,
				BatchComplete: true,
				FatalErr:      dbres.New(dbres.RemoteResource, "%s", parseErrorMessage(payload)),
			}, nil
		case 'Z':
			d.mu.Lock()
			d.phase = driver.PhaseQueryReady
			d.mu.Unlock()
			return driver.Outcome{Phase: driver.PhaseQueryReady, BatchComplete: true}, nil
		default:
			// NoticeResponse and other async chatter: ignore.
		}
	}
}

func readPGMessage(conn net.Conn) (msgType byte, payload []byte, err error) {
	typeBuf := make([]byte, 1)
	if _, err = io.ReadFull(conn, typeBuf); err != nil {
		return
	}
	msgType = typeBuf[0]
	lenBuf := make([]byte, 4)
	if _, err = io.ReadFull(conn, lenBuf); err != nil {
		return
	}
	payloadLen := int(binary.BigEndian.Uint32(lenBuf)) - 4
	if payloadLen < 0 {
		err = fmt.Errorf("postgres: invalid message length %d", payloadLen)
		return
	}
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		_, err = io.ReadFull(conn, payload)
	}
	return
}

func writePGMessage(conn net.Conn, msgType byte, payload []byte) error {
	msgLen := len(payload) + 4
	buf := make([]byte, 1+4+len(payload))
	buf[0] = msgType
	binary.BigEndian.PutUint32(buf[1:5], uint32(msgLen))
	copy(buf[5:], payload)
	_, err := conn.Write(buf)
	return err
}

func computeMD5Password(user, password string, salt []byte) string {
	h1 := md5.Sum([]byte(password + user))
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt...))
	return "md5" + hex.EncodeToString(h2[:])
}

func parseErrorMessage(payload []byte) string {
	for i := 0; i < len(payload); i++ {
		fieldType := payload[i]
		if fieldType == 0 {
			break
		}
		i++
		end := i
		for end < len(payload) && payload[end] != 0 {
			end++
		}
		if fieldType == 'M' {
			return string(payload[i:end])
		}
		i = end
	}
	return "unknown error"
}

func parseRowDescription(payload []byte) []string {
	if len(payload) < 2 {
		return nil
	}
	count := int(binary.BigEndian.Uint16(payload[:2]))
	pos := 2
	cols := make([]string, 0, count)
	for i := 0; i < count && pos < len(payload); i++ {
		start := pos
		for pos < len(payload) && payload[pos] != 0 {
			pos++
		}
		cols = append(cols, string(payload[start:pos]))
		pos++ // null terminator
		pos += 4 + 2 + 4 + 2 + 4 + 2
	}
	return cols
}

func parseDataRow(payload []byte) []*string {
	if len(payload) < 2 {
		return nil
	}
	count := int(binary.BigEndian.Uint16(payload[:2]))
	pos := 2
	vals := make([]*string, 0, count)
	for i := 0; i < count; i++ {
		if pos+4 > len(payload) {
			break
		}
		l := int32(binary.BigEndian.Uint32(payload[pos : pos+4]))
		pos += 4
		if l < 0 {
			vals = append(vals, nil)
			continue
		}
		s := string(payload[pos : pos+int(l)])
		pos += int(l)
		vals = append(vals, &s)
	}
	return vals
}

func parseCommandTagRows(payload []byte) uint64 {
	tag := string(bytes.TrimRight(payload, "\x00"))
	fields := strings.Fields(tag)
	if len(fields) == 0 {
		return 0
	}
	n, _ := strconv.ParseUint(fields[len(fields)-1], 10, 64)
	return n
}
