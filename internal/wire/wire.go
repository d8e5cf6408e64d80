// Package wire implements the PostgreSQL v3 frontend/backend protocol
// surface this kernel supports: simple-query Execute and Terminate, driven
// against one internal/session.Session per connection. See spec.md §6.
//
// No example or third-party package in the retrieval pack implements the
// Postgres wire protocol (the one pg-wire-adjacent dependency available,
// `google.golang.org/grpc`, speaks an unrelated RPC framing and has no
// component to attach to here per SPEC_FULL.md §4.12) — this codec is
// hand-rolled against the documented message layout, the same way the
// teacher hand-rolls its own SQL lexer/parser on pure stdlib.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relforge/relforge/internal/session"
	"github.com/relforge/relforge/internal/storage/tuple"
)

const (
	protoVersion3   int32 = 196608
	sslRequestCode  int32 = 80877103
	startupMaxBytes       = 1 << 16
	msgMaxBytes           = 1 << 24
)

// Type OIDs spec.md §6 names.
const (
	oidInt4 = 23
	oidText = 25
	oidBool = 16
)

// EngineFactory builds the shared session.Engine handed to every new
// connection's Session. It is a func, not a stored value, so the server
// can be constructed before the storage stack underneath it finishes
// opening (cmd/relforge wires it after both are ready).
type EngineFactory func() session.Engine

// Server accepts Postgres-wire connections and drives one Session per
// connection to completion, per spec.md §5's one-thread(goroutine)-per-
// connection model with purely synchronous, blocking I/O inside it.
type Server struct {
	Addr    string
	NewEng  EngineFactory
	Log     *zap.Logger
	pid     int32
}

// NewServer constructs a Server. log must not be nil; pass zap.NewNop()
// in tests.
func NewServer(addr string, newEng EngineFactory, log *zap.Logger) *Server {
	return &Server{Addr: addr, NewEng: newEng, Log: log, pid: int32(os.Getpid())}
}

// ListenAndServe accepts connections on Addr until the listener is closed
// or accept fails fatally.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("wire: listen %s: %w", s.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on an already-bound listener. Split out from
// ListenAndServe so tests can bind an ephemeral port (":0") and read back
// its real address before connecting.
func (s *Server) Serve(ln net.Listener) error {
	defer ln.Close()
	s.Log.Info("listening", zap.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("wire: accept: %w", err)
		}
		go s.serve(conn)
	}
}

func (s *Server) serve(nc net.Conn) {
	defer nc.Close()
	c := &conn{
		rw:  bufio.NewReader(nc),
		w:   bufio.NewWriter(nc),
		net: nc,
	}
	if err := c.runStartup(s.pid); err != nil {
		if err != io.EOF {
			s.Log.Warn("startup failed", zap.Error(err), zap.String("remote", nc.RemoteAddr().String()))
		}
		return
	}

	sess := session.New(s.NewEng())
	defer sess.Close()

	for {
		typ, payload, err := c.readMessage()
		if err != nil {
			if err != io.EOF {
				s.Log.Warn("read message failed", zap.Error(err))
			}
			return
		}
		switch typ {
		case 'Q':
			query := cString(payload)
			c.handleQuery(sess, query)
			if err := c.flush(); err != nil {
				s.Log.Warn("flush failed", zap.Error(err))
				return
			}
		case 'X':
			return
		default:
			c.writeErrorResponse(fmt.Sprintf("unsupported message type %q", typ))
			c.writeReadyForQuery('I')
			if err := c.flush(); err != nil {
				return
			}
		}
	}
}

// conn wraps one accepted connection's buffered I/O plus a secret key
// minted per-connection with uuid, per SPEC_FULL.md §4.12.
type conn struct {
	rw     *bufio.Reader
	w      *bufio.Writer
	net    net.Conn
	secret int32
}

func (c *conn) flush() error { return c.w.Flush() }

// runStartup handles the SSLRequest refusal and the version-3 startup
// packet (spec.md §6): version 196608, SSL-request 80877103 refused with
// a single 'N' byte, then AuthenticationOk/ParameterStatus/BackendKeyData/
// ReadyForQuery.
func (c *conn) runStartup(pid int32) error {
	for {
		payload, err := c.readStartupPacket()
		if err != nil {
			return err
		}
		if len(payload) < 4 {
			return fmt.Errorf("wire: malformed startup packet")
		}
		version := int32(binary.BigEndian.Uint32(payload[:4]))
		if version == sslRequestCode {
			if _, err := c.net.Write([]byte{'N'}); err != nil {
				return err
			}
			continue
		}
		if version != protoVersion3 {
			return fmt.Errorf("wire: unsupported protocol version %d", version)
		}
		break
	}

	id := uuid.New()
	c.secret = int32(binary.BigEndian.Uint32(id[:4]))

	c.writeMessage('R', encodeInt32(0))
	c.writeMessage('S', append(cStringBytes("server_version"), cStringBytes("relforge-1.0")...))
	c.writeMessage('S', append(cStringBytes("client_encoding"), cStringBytes("UTF8")...))
	bkd := append(encodeInt32(pid), encodeInt32(c.secret)...)
	c.writeMessage('K', bkd)
	c.writeReadyForQuery('I')
	return c.flush()
}

// readStartupPacket reads a length-prefixed packet with no leading type
// byte (the startup phase has none, unlike the regular message framing).
func (c *conn) readStartupPacket() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.rw, lenBuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(lenBuf[:]))
	if n < 4 || n > startupMaxBytes {
		return nil, fmt.Errorf("wire: startup packet length %d out of range", n)
	}
	buf := make([]byte, n-4)
	if _, err := io.ReadFull(c.rw, buf); err != nil {
		return nil, err
	}
	return append(lenBuf[:], buf...), nil
}

// readMessage reads one regular-phase message: a 1-byte type followed by
// a 4-byte big-endian length (itself included) and that many bytes minus
// 4 of payload.
func (c *conn) readMessage() (byte, []byte, error) {
	typ, err := c.rw.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.rw, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := int(binary.BigEndian.Uint32(lenBuf[:]))
	if n < 4 || n > msgMaxBytes {
		return 0, nil, fmt.Errorf("wire: message length %d out of range", n)
	}
	buf := make([]byte, n-4)
	if _, err := io.ReadFull(c.rw, buf); err != nil {
		return 0, nil, err
	}
	return typ, buf, nil
}

func (c *conn) writeMessage(typ byte, payload []byte) {
	c.w.WriteByte(typ)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)+4))
	c.w.Write(lenBuf[:])
	c.w.Write(payload)
}

func (c *conn) writeReadyForQuery(status byte) {
	c.writeMessage('Z', []byte{status})
}

func (c *conn) writeErrorResponse(msg string) {
	var buf []byte
	buf = append(buf, 'S')
	buf = append(buf, cStringBytes("ERROR")...)
	buf = append(buf, 'M')
	buf = append(buf, cStringBytes(msg)...)
	buf = append(buf, 0)
	c.writeMessage('E', buf)
}

func (c *conn) writeEmptyQueryResponse() {
	c.writeMessage('I', nil)
}

// handleQuery runs every statement in query through sess, sending one
// RowDescription/DataRow*/CommandComplete group per statement, an
// ErrorResponse on the first failing statement (spec.md §7: the
// statement that failed aborts, earlier statements in the same message
// already ran and are not undone here), and a single trailing
// ReadyForQuery regardless of outcome.
func (c *conn) handleQuery(sess *session.Session, query string) {
	if isBlank(query) {
		c.writeEmptyQueryResponse()
		c.writeReadyForQuery('I')
		return
	}
	results, err := sess.ExecuteQuery(query)
	for _, res := range results {
		c.writeResult(res)
	}
	if err != nil {
		c.writeErrorResponse(err.Error())
	}
	c.writeReadyForQuery('I')
}

func (c *conn) writeResult(res session.Result) {
	if res.Columns != nil {
		c.writeRowDescription(res.Columns)
		for _, row := range res.Rows {
			c.writeDataRow(row)
		}
	}
	c.writeMessage('C', cStringBytes(res.Tag))
}

func (c *conn) writeRowDescription(cols []session.Column) {
	var buf []byte
	buf = append(buf, encodeInt16(len(cols))...)
	for _, col := range cols {
		buf = append(buf, cStringBytes(col.Name)...)
		buf = append(buf, encodeInt32(0)...) // table OID
		buf = append(buf, encodeInt16(0)...) // column attr number
		oid, typLen := oidAndLen(col.Type)
		buf = append(buf, encodeInt32(int32(oid))...)
		buf = append(buf, encodeInt16(typLen)...)
		buf = append(buf, encodeInt32(-1)...) // type modifier
		buf = append(buf, encodeInt16(0)...)  // format code: text
	}
	c.writeMessage('T', buf)
}

func oidAndLen(t tuple.DataType) (int, int) {
	switch t {
	case tuple.TypeInt:
		return oidInt4, 4
	case tuple.TypeBool:
		return oidBool, 1
	default:
		return oidText, -1
	}
}

func (c *conn) writeDataRow(vals []tuple.Value) {
	var buf []byte
	buf = append(buf, encodeInt16(len(vals))...)
	for _, v := range vals {
		if v.Null {
			buf = append(buf, encodeInt32(-1)...)
			continue
		}
		text := textRepr(v)
		buf = append(buf, encodeInt32(int32(len(text)))...)
		buf = append(buf, text...)
	}
	c.writeMessage('D', buf)
}

func textRepr(v tuple.Value) []byte {
	switch v.Type {
	case tuple.TypeInt:
		return []byte(strconv.FormatInt(v.I, 10))
	case tuple.TypeBool:
		if v.B {
			return []byte("t")
		}
		return []byte("f")
	default:
		return []byte(v.S)
	}
}

func encodeInt32(v int32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(v))
	return buf
}

func encodeInt16(v int) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(int16(v)))
	return buf
}

func cStringBytes(s string) []byte { return append([]byte(s), 0) }

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}
