package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer_Options(t *testing.T) {
	auth := AnonymousAuthenticator(t.TempDir(), true)

	_, err := NewServer(":0")
	assert.Error(t, err, "authenticator is required")

	_, err = NewServer(":0", WithAuthenticator(auth), WithAuthenticator(auth))
	assert.Error(t, err)

	invalid := map[string]Option{
		"nil authenticator":  WithAuthenticator(nil),
		"nil factory":        WithFileSystemFactory(nil),
		"nil logger":         WithLogger(nil),
		"inverted ports":     WithPassivePorts(30100, 30000),
		"zero port":          WithPassivePorts(0, 30000),
		"port too large":     WithPassivePorts(30000, 70000),
		"negative max conns": WithMaxConnections(-1, 0),
		"zero data timeout":  WithDataTimeout(0),
		"tiny chunk":         WithChunkSize(MinChunkSize - 1),
		"huge chunk":         WithChunkSize(MaxChunkSize + 1),
		"negative bandwidth": WithBandwidthLimit(-1, 0),
	}
	for name, opt := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := NewServer(":0", opt, WithAuthenticator(auth))
			assert.Error(t, err)
		})
	}

	s, err := NewServer(":0",
		WithAuthenticator(auth),
		WithPassivePorts(30000, 30009),
		WithMaxConnections(10, 2),
		WithIdleTimeout(time.Minute),
		WithDataTimeout(10*time.Second),
		WithChunkSize(64*1024),
		WithBandwidthLimit(1<<20, 1<<16),
		WithPublicHost("192.0.2.10"),
		WithStrictDataIP(false),
		WithWelcomeMessage("hello"),
	)
	require.NoError(t, err)
	assert.Equal(t, 10, s.ports.Size())
	assert.Equal(t, 64*1024, s.engine.chunkSize)
	assert.Equal(t, int64(1<<20), s.globalLimiter.Rate())
	assert.False(t, s.negotiator.strictIP)
}

func TestServer_WelcomeMessage(t *testing.T) {
	ts := newTestServer(t, WithWelcomeMessage("220 Custom banner"))
	c := dialRaw(t, ts.addr)
	assert.Equal(t, "Custom banner", c.expect(220))
}

func TestServer_MaxConnections(t *testing.T) {
	ts := newTestServer(t, WithMaxConnections(1, 0))

	first := ts.connect(t)
	second := dialRaw(t, ts.addr)
	assert.Equal(t, "Too many users, sorry.", second.expect(421))
	second.expectClosed()

	first.cmd(221, "QUIT")
	require.Eventually(t, func() bool { return ts.ActiveSessions() == 0 }, 5*time.Second, 10*time.Millisecond)
	ts.connect(t)
}

func TestServer_MaxConnectionsPerIP(t *testing.T) {
	ts := newTestServer(t, WithMaxConnections(0, 2))

	ts.connect(t)
	ts.connect(t)
	third := dialRaw(t, ts.addr)
	assert.Equal(t, "Too many connections from your IP address.", third.expect(421))
}

func TestServer_IdleTimeout(t *testing.T) {
	ts := newTestServer(t, WithIdleTimeout(200*time.Millisecond))
	c := ts.connect(t)

	assert.Equal(t, "Timeout.", c.expect(421))
	c.expectClosed()
}

func TestServer_LineTooLong(t *testing.T) {
	ts := newTestServer(t)
	c := ts.connect(t)

	c.send("NOOP %s", strings.Repeat("A", MaxCommandLength+10))
	assert.Equal(t, "Command line too long.", c.expect(500))
	c.expectClosed()
}

func TestServer_TelnetNegotiationIgnored(t *testing.T) {
	ts := newTestServer(t)
	c := ts.connect(t)

	// IAC IP, IAC DM ahead of the command, as clients send before ABOR.
	_, err := c.conn.Write([]byte{telnetIAC, 0xF4, telnetIAC, 0xF2})
	require.NoError(t, err)
	c.cmd(200, "NOOP")
}

func TestServer_Shutdown(t *testing.T) {
	ts := newTestServer(t)
	c := ts.connect(t)
	c.login("alice", "secret")
	require.Equal(t, 1, ts.ActiveSessions())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ts.Shutdown(ctx))

	select {
	case err := <-ts.serveErr:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}

	c.expectClosed()
	assert.Equal(t, 0, ts.ActiveSessions())
}

func TestServer_ShutdownAbortsTransfer(t *testing.T) {
	ts := newTestServer(t, WithBandwidthLimit(0, 16*1024))
	ts.writeFile(t, "big.bin", make([]byte, 1<<20))
	c := ts.connect(t)
	c.login("alice", "secret")

	data := c.epsv()
	c.send("RETR big.bin")
	c.expect(150)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ts.Shutdown(ctx))

	_ = data.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := io.ReadAll(data)
	assert.False(t, isTimeout(err), "data connection left open")
}

func TestServer_Sessions(t *testing.T) {
	ts := newTestServer(t)
	assert.Empty(t, ts.Sessions())

	alice := ts.connect(t)
	alice.login("alice", "secret")
	guest := ts.connect(t)
	guest.cmd(331, "USER anonymous")

	sessions := ts.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, "alice", sessions[0].User)
	assert.Equal(t, "logged_in", sessions[0].State)
	assert.Equal(t, "127.0.0.1", sessions[0].RemoteIP)
	assert.NotEmpty(t, sessions[0].ID)
	assert.Equal(t, "anonymous", sessions[1].User)
	assert.Equal(t, "user_named", sessions[1].State)
	assert.NotEqual(t, sessions[0].ID, sessions[1].ID)

	alice.cmd(221, "QUIT")
	require.Eventually(t, func() bool { return len(ts.Sessions()) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestServer_TransferLog(t *testing.T) {
	var xferlog syncBuffer
	ts := newTestServer(t, WithTransferLog(&xferlog))
	ts.writeFile(t, "f.txt", []byte("0123456789"))
	c := ts.connect(t)
	c.login("alice", "secret")

	data := c.epsv()
	c.send("RETR f.txt")
	c.expect(150)
	_, err := io.ReadAll(data)
	require.NoError(t, err)
	c.expect(226)

	data = c.epsv()
	c.send("NLST")
	c.expect(150)
	_, err = io.ReadAll(data)
	require.NoError(t, err)
	c.expect(226)

	require.Eventually(t, func() bool {
		return strings.Contains(xferlog.String(), " 127.0.0.1 10 /f.txt b _ o r alice ftp 0 * c\n")
	}, 5*time.Second, 10*time.Millisecond)
	// Listings are not logged.
	assert.Equal(t, 1, strings.Count(xferlog.String(), "\n"))
}

type recordingMetrics struct {
	mu          sync.Mutex
	commands    []string
	transfers   []string
	connections []string
	auths       []string
}

func (m *recordingMetrics) RecordCommand(cmd string, success bool, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, fmt.Sprintf("%s %t", cmd, success))
}

func (m *recordingMetrics) RecordTransfer(op string, bytes int64, _ time.Duration, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers = append(m.transfers, fmt.Sprintf("%s %d %s", op, bytes, status))
}

func (m *recordingMetrics) RecordConnection(accepted bool, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections = append(m.connections, fmt.Sprintf("%t %s", accepted, reason))
}

func (m *recordingMetrics) RecordAuthentication(success bool, user string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auths = append(m.auths, fmt.Sprintf("%s %t", user, success))
}

func (m *recordingMetrics) snapshot(f func(*recordingMetrics) []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), f(m)...)
}

func TestServer_Metrics(t *testing.T) {
	m := &recordingMetrics{}
	ts := newTestServer(t, WithMetrics(m), WithMaxConnections(1, 0))
	ts.writeFile(t, "f.txt", []byte("0123456789"))

	c := ts.connect(t)
	dialRaw(t, ts.addr).expect(421)

	c.cmd(331, "USER alice")
	c.cmd(530, "PASS wrong")
	c.login("alice", "secret")
	c.cmd(550, "CWD missing")

	data := c.epsv()
	c.send("RETR f.txt")
	c.expect(150)
	_, err := io.ReadAll(data)
	require.NoError(t, err)
	c.expect(226)

	assert.Equal(t, []string{"true accepted", "false global_limit_reached"},
		m.snapshot(func(m *recordingMetrics) []string { return m.connections }))
	assert.Equal(t, []string{"alice false", "alice true"},
		m.snapshot(func(m *recordingMetrics) []string { return m.auths }))

	commands := m.snapshot(func(m *recordingMetrics) []string { return m.commands })
	assert.Contains(t, commands, "PASS false")
	assert.Contains(t, commands, "CWD false")
	assert.Contains(t, commands, "EPSV true")

	require.Eventually(t, func() bool {
		transfers := m.snapshot(func(m *recordingMetrics) []string { return m.transfers })
		return len(transfers) == 1 && transfers[0] == "RETR 10 complete"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServer_LoginFailures(t *testing.T) {
	root := t.TempDir()
	auth := AuthenticatorFunc(func(_ context.Context, req AuthRequest) (*Identity, error) {
		switch req.User {
		case "broken":
			return nil, errors.New("directory unavailable")
		case "nobody":
			return nil, nil
		case "homeless":
			return &Identity{Name: "homeless", Root: root + "/missing"}, nil
		}
		return &Identity{Name: req.User, Root: root}, nil
	})
	ts := startTestServer(t, root, WithAuthenticator(auth))
	c := ts.connect(t)

	for _, user := range []string{"broken", "nobody", "homeless"} {
		c.cmd(331, "USER %s", user)
		assert.Equal(t, "Login incorrect.", c.cmd(530, "PASS x"), user)
		c.cmd(530, "PWD")
	}
	c.login("bob", "x")
	c.cmd(257, "PWD")
}
