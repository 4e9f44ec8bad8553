// Package mysql implements driver.Driver for MySQL's client/server wire
// protocol (Protocol::HandshakeV10, mysql_native_password auth with
// AuthSwitchRequest, and COM_QUERY with CLIENT_MULTI_STATEMENTS). It is
// grounded on the teacher bouncer's authenticateMySQL/readMySQLPoolPacket
// machinery, generalized the same way internal/driver/postgres adapts
// authenticatePG: the whole handshake collapses into one CONN_START step
// and a whole multi-statement batch collapses into one QUERY_START step.
package mysql

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/medialoop/asyncdb/internal/dbres"
	"github.com/medialoop/asyncdb/internal/driver"
)

const (
	clientLongPassword     = uint32(1)
	clientConnectWithDB    = uint32(8)
	clientMultiStatements  = uint32(1 << 16)
	clientMultiResults     = uint32(1 << 17)
	clientPluginAuth       = uint32(1 << 19)
	clientProtocol41       = uint32(512)
	clientSecureConnection = uint32(32768)

	serverMoreResultsExists = uint16(0x0008)
)

// Driver is the MySQL driver.Driver implementation.
type Driver struct {
	mu       sync.Mutex
	phase    driver.Phase
	changing atomic.Bool
	conn     net.Conn
	detail   driver.ConnDetail
	timeout  time.Duration

	batchStmt string
}

// New constructs an undialed mysql Driver.
func New() *Driver {
	return &Driver{phase: driver.PhaseInited, timeout: 30 * time.Second}
}

// Register installs mysql as the named driver factory in r.
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
		conn.Close()
		d.mu.Lock()
		d.phase = driver.PhaseCloseDone
		d.mu.Unlock()
		return driver.Outcome{Phase: driver.PhaseCloseDone, BatchComplete: true}, nil

	default:
		return driver.Outcome{Phase: d.State(), BatchComplete: true},
			fmt.Errorf("mysql: unexpected phase %v", d.State())
	}
}

// handshake performs Protocol::HandshakeV10: read the server greeting,
// send HandshakeResponse41 with mysql_native_password auth, and follow an
// AuthSwitchRequest if the server demands a different plugin.
func (d *Driver) handshake(conn net.Conn) error {
	pkt, _, err := readPacket(conn)
	if err != nil {
		return fmt.Errorf("mysql: reading server handshake: %w", err)
	}
	if len(pkt) < 1 {
		return fmt.Errorf("mysql: empty server handshake")
	}
	if pkt[0] == 0xff {
		return fmt.Errorf("mysql: server sent error on connect: %s", parseErrPacket(pkt))
	}

	authData, pluginName, err := parseHandshakeV10(pkt)
	if err != nil {
		return err
	}

	clientCaps := clientLongPassword | clientProtocol41 | clientSecureConnection |
		clientPluginAuth | clientConnectWithDB | clientMultiStatements | clientMultiResults

	var authResp []byte
	switch pluginName {
	case "mysql_native_password":
		authResp = nativePasswordHash([]byte(d.detail.DBPasswd), authData)
	default:
		authResp = []byte{}
	}

	resp := buildHandshakeResponse41(clientCaps, d.detail.DBUser, d.detail.DBName, authResp)
	if err := writePacket(conn, resp, 1); err != nil {
		return fmt.Errorf("mysql: sending handshake response: %w", err)
	}

	pkt, _, err = readPacket(conn)
	if err != nil {
		return fmt.Errorf("mysql: reading auth result: %w", err)
	}
	if len(pkt) < 1 {
		return fmt.Errorf("mysql: empty auth result")
	}

	switch pkt[0] {
	case 0x00:
		return nil
	case 0xfe:
		return d.handleAuthSwitch(conn, pkt)
	case 0xff:
		return fmt.Errorf("mysql: auth failed: %s", parseErrPacket(pkt))
	default:
		return fmt.Errorf("mysql: unexpected auth response byte: 0x%02x", pkt[0])
	}
}

func (d *Driver) handleAuthSwitch(conn net.Conn, pkt []byte) error {
	if len(pkt) < 2 {
		return fmt.Errorf("mysql: malformed AuthSwitchRequest")
	}
	nameEnd := 1
	for nameEnd < len(pkt) && pkt[nameEnd] != 0 {
		nameEnd++
	}
	switchPlugin := string(pkt[1:nameEnd])
	var switchData []byte
	if nameEnd+1 < len(pkt) {
		switchData = pkt[nameEnd+1:]
		if len(switchData) > 0 && switchData[len(switchData)-1] == 0 {
			switchData = switchData[:len(switchData)-1]
		}
	}

	var switchResp []byte
	switch switchPlugin {
	case "mysql_native_password":
		switchResp = nativePasswordHash([]byte(d.detail.DBPasswd), switchData)
	default:
		return fmt.Errorf("mysql: unsupported auth plugin switch: %s", switchPlugin)
	}
	if err := writePacket(conn, switchResp, 3); err != nil {
		return fmt.Errorf("mysql: sending auth switch response: %w", err)
	}

	pkt, _, err := readPacket(conn)
	if err != nil {
		return fmt.Errorf("mysql: reading auth switch result: %w", err)
	}
	if len(pkt) < 1 || pkt[0] != 0x00 {
		return fmt.Errorf("mysql: auth failed after plugin switch")
	}
	return nil
}

// runQuery sends COM_QUERY and drains one or more statement results
// (CLIENT_MULTI_STATEMENTS), emitting sink events per result set.
func (d *Driver) runQuery(conn net.Conn, sink driver.EventSink) (driver.Outcome, error) {
	payload := append([]byte{0x03}, []byte(d.batchStmt)...)
	if err := writePacket(conn, payload, 0); err != nil {
		return driver.Outcome{}, err
	}

	for {
		pkt, _, err := readPacket(conn)
		if err != nil {
			return driver.Outcome{}, err
		}
		if len(pkt) == 0 {
			return driver.Outcome{}, fmt.Errorf("mysql: empty response packet")
		}

		switch pkt[0] {
		case 0xff:
			d.mu.Lock()
			d.phase = driver.PhaseCloseStart
			d.mu.Unlock()
			return driver.Outcome{
				Phase:         driver.PhaseCloseStart,
				BatchComplete: true,
				FatalErr:      dbres.New(dbres.RemoteResource, "%s", parseErrPacket(pkt)),
			}, nil

		case 0x00:
			affected, status := parseOKPacket(pkt)
			sink.ResultSetReady(driver.ResultSetEvent{AffectedRows: affected})
			sink.ResultSetComplete()
			if status&serverMoreResultsExists == 0 {
				d.mu.Lock()
				d.phase = driver.PhaseQueryReady
				d.mu.Unlock()
				return driver.Outcome{Phase: driver.PhaseQueryReady, BatchComplete: true}, nil
			}

		default:
			colCount, _ := decodeLenEncInt(pkt)
			cols := make([]string, 0, colCount)
			for i := uint64(0); i < colCount; i++ {
				colPkt, _, err := readPacket(conn)
				if err != nil {
					return driver.Outcome{}, err
				}
				cols = append(cols, parseColumnName(colPkt))
			}
			if _, _, err := readPacket(conn); err != nil { // column-definitions EOF
				return driver.Outcome{}, err
			}
			sink.ResultSetReady(driver.ResultSetEvent{ColumnNames: cols, HasRows: true})

			var status uint16
			for {
				rowPkt, _, err := readPacket(conn)
				if err != nil {
					return driver.Outcome{}, err
				}
				if rowPkt[0] == 0xfe && len(rowPkt) < 9 {
					status = parseEOFStatus(rowPkt)
					break
				}
				sink.RowFetched(driver.RowEvent{Values: parseTextRow(rowPkt)})
			}
			sink.ResultSetComplete()
			if status&serverMoreResultsExists == 0 {
				d.mu.Lock()
				d.phase = driver.PhaseQueryReady
				d.mu.Unlock()
				return driver.Outcome{Phase: driver.PhaseQueryReady, BatchComplete: true}, nil
			}
		}
	}
}

func parseHandshakeV10(pkt []byte) (authData []byte, pluginName string, err error) {
	pos := 1
	for pos < len(pkt) && pkt[pos] != 0 {
		pos++
	}
	pos++
	if pos+4 > len(pkt) {
		return nil, "", fmt.Errorf("mysql: handshake packet too short")
	}
	pos += 4

	if pos+8 > len(pkt) {
		return nil, "", fmt.Errorf("mysql: handshake packet too short for auth data 1")
	}
	authData = append(authData, pkt[pos:pos+8]...)
	pos += 8
	pos++ // filler

	if pos+2 > len(pkt) {
		return nil, "", fmt.Errorf("mysql: handshake packet too short for capability flags")
	}
	capLow := uint32(binary.LittleEndian.Uint16(pkt[pos : pos+2]))
	pos += 2

	if pos+3 > len(pkt) {
		return nil, "", fmt.Errorf("mysql: handshake packet too short for charset/status")
	}
	pos += 3

	if pos+2 > len(pkt) {
		return nil, "", fmt.Errorf("mysql: handshake packet too short for capability flags high")
	}
	capHigh := uint32(binary.LittleEndian.Uint16(pkt[pos:pos+2])) << 16
	capFlags := capLow | capHigh
	pos += 2

	var authPluginDataLen int
	if pos < len(pkt) {
		authPluginDataLen = int(pkt[pos])
		pos++
	}
	pos += 10 // reserved

	part2Len := authPluginDataLen - 8
	if part2Len < 13 {
		part2Len = 13
	}
	if pos+part2Len > len(pkt) {
		part2Len = len(pkt) - pos
	}
	if part2Len > 0 {
		part2 := pkt[pos : pos+part2Len]
		if len(part2) > 0 && part2[len(part2)-1] == 0 {
			part2 = part2[:len(part2)-1]
		}
		authData = append(authData, part2...)
	}
	pos += part2Len

	pluginName = "mysql_native_password"
	const clientPluginAuthBit = uint32(1 << 19)
	if capFlags&clientPluginAuthBit != 0 && pos < len(pkt) {
		end := pos
		for end < len(pkt) && pkt[end] != 0 {
			end++
		}
		pluginName = string(pkt[pos:end])
	}
	return authData, pluginName, nil
}

func buildHandshakeResponse41(caps uint32, user, dbName string, authResp []byte) []byte {
	var resp []byte
	capBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(capBuf, caps)
	resp = append(resp, capBuf...)
	resp = append(resp, 0xff, 0xff, 0xff, 0x00) // max_packet_size
	resp = append(resp, 0x21)                   // utf8_general_ci
	resp = append(resp, make([]byte, 23)...)    // reserved
	resp = append(resp, []byte(user)...)
	resp = append(resp, 0)
	resp = append(resp, byte(len(authResp)))
	resp = append(resp, authResp...)
	resp = append(resp, []byte(dbName)...)
	resp = append(resp, 0)
	resp = append(resp, []byte("mysql_native_password")...)
	resp = append(resp, 0)
	return resp
}

// nativePasswordHash computes SHA1(password) XOR SHA1(authData + SHA1(SHA1(password))).
func nativePasswordHash(password, authData []byte) []byte {
	if len(password) == 0 {
		return []byte{}
	}
	h1 := sha1.Sum(password)
	h2 := sha1.Sum(h1[:])
	h := sha1.New()
	h.Write(authData)
	h.Write(h2[:])
	h3 := h.Sum(nil)
	result := make([]byte, 20)
	for i := range result {
		result[i] = h1[i] ^ h3[i]
	}
	return result
}

func readPacket(conn net.Conn) (payload []byte, seq byte, err error) {
	hdr := make([]byte, 4)
	if _, err = io.ReadFull(conn, hdr); err != nil {
		return nil, 0, err
	}
	length := int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16
	seq = hdr[3]
	if length == 0 {
		return []byte{}, seq, nil
	}
	payload = make([]byte, length)
	if _, err = io.ReadFull(conn, payload); err != nil {
		return nil, seq, err
	}
	return payload, seq, nil
}

func writePacket(conn net.Conn, payload []byte, seq byte) error {
	hdr := make([]byte, 4)
	length := len(payload)
	hdr[0] = byte(length)
	hdr[1] = byte(length >> 8)
	hdr[2] = byte(length >> 16)
	hdr[3] = seq
	buf := append(hdr, payload...)
	_, err := conn.Write(buf)
	return err
}

func parseErrPacket(pkt []byte) string {
	if len(pkt) < 9 {
		return "unknown error"
	}
	return string(pkt[9:])
}

// decodeLenEncInt decodes a length-encoded integer, returning its value
// and the number of bytes it occupied.
func decodeLenEncInt(data []byte) (value uint64, n int) {
	if len(data) == 0 {
		return 0, 0
	}
	switch {
	case data[0] < 0xfb:
		return uint64(data[0]), 1
	case data[0] == 0xfc:
		if len(data) < 3 {
			return 0, len(data)
		}
		return uint64(binary.LittleEndian.Uint16(data[1:3])), 3
	case data[0] == 0xfd:
		if len(data) < 4 {
			return 0, len(data)
		}
		return uint64(data[1]) | uint64(data[2])<<8 | uint64(data[3])<<16, 4
	case data[0] == 0xfe:
		if len(data) < 9 {
			return 0, len(data)
		}
		return binary.LittleEndian.Uint64(data[1:9]), 9
	default:
		return 0, 1
	}
}

func decodeLenEncString(data []byte, pos int) (string, int) {
	n, sz := decodeLenEncInt(data[pos:])
	start := pos + sz
	end := start + int(n)
	if end > len(data) {
		end = len(data)
	}
	return string(data[start:end]), end
}

func parseColumnName(pkt []byte) string {
	pos := 0
	for i := 0; i < 4; i++ { // catalog, schema, table, org_table
		_, pos = decodeLenEncString(pkt, pos)
	}
	name, _ := decodeLenEncString(pkt, pos)
	return name
}

func parseTextRow(pkt []byte) []*string {
	var vals []*string
	pos := 0
	for pos < len(pkt) {
		if pkt[pos] == 0xfb {
			vals = append(vals, nil)
			pos++
			continue
		}
		s, newPos := decodeLenEncString(pkt, pos)
		vals = append(vals, &s)
		pos = newPos
	}
	return vals
}

// parseOKPacket returns affected_rows and the status_flags field.
func parseOKPacket(pkt []byte) (affectedRows uint64, status uint16) {
	pos := 1
	affectedRows, n := decodeLenEncInt(pkt[pos:])
	pos += n
	_, n = decodeLenEncInt(pkt[pos:]) // last_insert_id
	pos += n
	if pos+2 <= len(pkt) {
		status = binary.LittleEndian.Uint16(pkt[pos : pos+2])
	}
	return affectedRows, status
}

func parseEOFStatus(pkt []byte) uint16 {
	if len(pkt) < 5 {
		return 0
	}
	return binary.LittleEndian.Uint16(pkt[3:5])
}
