package wire_test

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relforge/relforge/internal/checkpoint"
	"github.com/relforge/relforge/internal/exec"
	"github.com/relforge/relforge/internal/session"
	"github.com/relforge/relforge/internal/testutil"
	"github.com/relforge/relforge/internal/wire"
)

// client is a minimal hand-rolled Postgres v3 frontend used only to drive
// internal/wire's backend from the other side of a real TCP socket.
type client struct {
	t  *testing.T
	nc net.Conn
	r  *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	nc, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	return &client{t: t, nc: nc, r: bufio.NewReader(nc)}
}

func (c *client) sendStartup() {
	var payload []byte
	payload = append(payload, 0, 3, 0, 0) // version 196608, big-endian
	payload = append(payload, []byte("user\x00tester\x00\x00")...)
	c.sendPacketNoType(payload)
}

func (c *client) sendPacketNoType(payload []byte) {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)+4))
	copy(buf[4:], payload)
	_, err := c.nc.Write(buf)
	require.NoError(c.t, err)
}

func (c *client) sendMessage(typ byte, payload []byte) {
	buf := make([]byte, 1+4+len(payload))
	buf[0] = typ
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)+4))
	copy(buf[5:], payload)
	_, err := c.nc.Write(buf)
	require.NoError(c.t, err)
}

func (c *client) sendQuery(q string) {
	c.sendMessage('Q', append([]byte(q), 0))
}

func (c *client) readMessage() (byte, []byte) {
	typ, err := c.r.ReadByte()
	require.NoError(c.t, err)
	var lenBuf [4]byte
	_, err = io.ReadFull(c.r, lenBuf[:])
	require.NoError(c.t, err)
	n := int(binary.BigEndian.Uint32(lenBuf[:])) - 4
	buf := make([]byte, n)
	_, err = io.ReadFull(c.r, buf)
	require.NoError(c.t, err)
	return typ, buf
}

// readUntil reads messages until one of the given types is seen, returning
// every message read including the matching one.
func (c *client) readUntil(want byte) []byte {
	for {
		typ, payload := c.readMessage()
		if typ == want {
			return payload
		}
	}
}

func newTestServer(t *testing.T) string {
	t.Helper()
	h := testutil.New(t)
	ex := exec.NewEngine(h.Pool, h.Txns, h.Locks, h.Catalog, h.CLog)
	chk := checkpoint.New(t.TempDir(), h.WAL, h.CLog, h.Txns, h.Pool)
	eng := session.Engine{Exec: ex, Txns: h.Txns, Cat: h.Catalog, Check: chk, Log: zap.NewNop()}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := wire.NewServer(ln.Addr().String(), func() session.Engine { return eng }, zap.NewNop())
	go srv.Serve(ln)
	return ln.Addr().String()
}

func TestStartupHandshake(t *testing.T) {
	addr := newTestServer(t)
	c := dial(t, addr)
	c.sendStartup()

	authOk := c.readUntil('R')
	require.Equal(t, []byte{0, 0, 0, 0}, authOk)
	c.readUntil('K')
	payload := c.readUntil('Z')
	require.Equal(t, []byte{'I'}, payload)
}

func TestSimpleQueryRoundTrip(t *testing.T) {
	addr := newTestServer(t)
	c := dial(t, addr)
	c.sendStartup()
	c.readUntil('Z')

	c.sendQuery("CREATE TABLE accounts (id INT, balance INT)")
	c.readUntil('Z')

	c.sendQuery("INSERT INTO accounts VALUES (1, 100)")
	c.readUntil('Z')

	c.sendQuery("SELECT id, balance FROM accounts")
	rowDesc := c.readUntil('T')
	numCols := binary.BigEndian.Uint16(rowDesc[:2])
	require.Equal(t, uint16(2), numCols)

	typ, dataRow := c.readMessage()
	require.Equal(t, byte('D'), typ)
	require.NotNil(t, dataRow)

	tag := c.readUntil('C')
	require.Contains(t, string(tag), "SELECT")

	c.readUntil('Z')
}

func TestUnknownColumnProducesErrorResponse(t *testing.T) {
	addr := newTestServer(t)
	c := dial(t, addr)
	c.sendStartup()
	c.readUntil('Z')

	c.sendQuery("CREATE TABLE t (a INT)")
	c.readUntil('Z')

	c.sendQuery("SELECT bogus FROM t")
	errPayload := c.readUntil('E')
	require.NotEmpty(t, errPayload)
	c.readUntil('Z')
}
