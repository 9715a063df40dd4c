package server

import (
	"bytes"
	"context"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/stretchr/testify/require"

	"github.com/gonzalop/ftpd/internal/logger"
)

// testAuthenticator knows alice (read-write), reader (read-only) and the
// anonymous accounts (read-only).
func testAuthenticator(root string) Authenticator {
	anon := AnonymousAuthenticator(root, true)
	return AuthenticatorFunc(func(ctx context.Context, req AuthRequest) (*Identity, error) {
		switch {
		case req.User == "alice" && req.Password == "secret":
			return &Identity{Name: "alice", Root: root}, nil
		case req.User == "reader" && req.Password == "secret":
			return &Identity{Name: "reader", Root: root, ReadOnly: true}, nil
		}
		return anon.Authenticate(ctx, req)
	})
}

type testServer struct {
	*Server
	addr     string
	root     string
	serveErr chan error
}

// newTestServer starts a server on a loopback port serving a fresh
// temporary root with testAuthenticator. It is shut down when the test ends.
func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	root := t.TempDir()
	return startTestServer(t, root, append([]Option{WithAuthenticator(testAuthenticator(root))}, opts...)...)
}

// startTestServer starts a server for root; opts must set the
// authenticator.
func startTestServer(t *testing.T, root string, opts ...Option) *testServer {
	t.Helper()

	srv, err := NewServer("127.0.0.1:0", append([]Option{WithLogger(logger.Nop())}, opts...)...)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ts := &testServer{
		Server:   srv,
		addr:     ln.Addr().String(),
		root:     root,
		serveErr: make(chan error, 1),
	}
	go func() { ts.serveErr <- srv.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return ts
}

// writeFile creates name under the server root.
func (ts *testServer) writeFile(t *testing.T, name string, data []byte) {
	t.Helper()
	p := filepath.Join(ts.root, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, data, 0o644))
}

// readFile reads name under the server root.
func (ts *testServer) readFile(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(ts.root, filepath.FromSlash(name)))
	require.NoError(t, err)
	return data
}

// connect opens a raw control connection and consumes the greeting.
func (ts *testServer) connect(t *testing.T) *rawClient {
	t.Helper()
	c := dialRaw(t, ts.addr)
	c.expect(220)
	return c
}

// client returns a logged-in ftp client.
func (ts *testServer) client(t *testing.T, user, pass string) *ftp.ServerConn {
	t.Helper()
	c, err := ftp.Dial(ts.addr, ftp.DialWithTimeout(5*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Quit() })
	require.NoError(t, c.Login(user, pass))
	return c
}

// rawClient speaks the control protocol line by line.
type rawClient struct {
	t    *testing.T
	conn net.Conn
	text *textproto.Conn
}

func dialRaw(t *testing.T, addr string) *rawClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err)
	c := &rawClient{t: t, conn: conn, text: textproto.NewConn(conn)}
	t.Cleanup(func() { c.text.Close() })
	return c
}

func (c *rawClient) send(format string, args ...any) {
	c.t.Helper()
	require.NoError(c.t, c.text.PrintfLine(format, args...))
}

// read returns the next reply. Multi-line replies come back joined by
// newlines.
func (c *rawClient) read() (int, string) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	code, msg, err := c.text.ReadResponse(0)
	require.NoError(c.t, err)
	return code, msg
}

func (c *rawClient) expect(code int) string {
	c.t.Helper()
	got, msg := c.read()
	require.Equal(c.t, code, got, msg)
	return msg
}

func (c *rawClient) cmd(code int, format string, args ...any) string {
	c.t.Helper()
	c.send(format, args...)
	return c.expect(code)
}

func (c *rawClient) login(user, pass string) {
	c.t.Helper()
	c.cmd(331, "USER %s", user)
	c.cmd(230, "PASS %s", pass)
}

// expectClosed asserts that the server has closed the control connection.
func (c *rawClient) expectClosed() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := c.text.ReadLine()
	require.Error(c.t, err)
}

// epsv requests a passive data connection and dials it.
func (c *rawClient) epsv() net.Conn {
	c.t.Helper()
	msg := c.cmd(229, "EPSV")
	start := strings.Index(msg, "(|||")
	end := strings.LastIndex(msg, "|)")
	require.True(c.t, start >= 0 && end > start+4, msg)

	host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
	require.NoError(c.t, err)
	data, err := net.DialTimeout("tcp", net.JoinHostPort(host, msg[start+4:end]), 5*time.Second)
	require.NoError(c.t, err)
	c.t.Cleanup(func() { data.Close() })
	return data
}

// syncBuffer is a bytes.Buffer safe for one writer and concurrent readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
