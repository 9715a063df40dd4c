package auth

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/gonzalop/ftpd/server"
)

func mustHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func newTestStatic(t *testing.T) *Static {
	t.Helper()
	s, err := NewStatic([]User{
		{Name: "alice", PasswordHash: mustHash(t, "secret"), Root: "/srv/alice"},
		{Name: "bob", PasswordHash: mustHash(t, "hunter2"), Root: "/srv/bob", ReadOnly: true},
	}, Anonymous{Enabled: true, Root: "/srv/pub", ReadOnly: true})
	require.NoError(t, err)
	return s
}

func TestStatic_Authenticate(t *testing.T) {
	s := newTestStatic(t)
	ctx := context.Background()

	id, err := s.Authenticate(ctx, server.AuthRequest{User: "alice", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Name)
	assert.Equal(t, "/srv/alice", id.Root)
	assert.False(t, id.ReadOnly)
	assert.False(t, id.Anonymous)

	id, err = s.Authenticate(ctx, server.AuthRequest{User: "bob", Password: "hunter2"})
	require.NoError(t, err)
	assert.True(t, id.ReadOnly)

	_, err = s.Authenticate(ctx, server.AuthRequest{User: "alice", Password: "wrong"})
	assert.ErrorIs(t, err, server.ErrAuthRejected)

	_, err = s.Authenticate(ctx, server.AuthRequest{User: "mallory", Password: "secret"})
	assert.ErrorIs(t, err, server.ErrAuthRejected)
}

func TestStatic_Anonymous(t *testing.T) {
	s := newTestStatic(t)

	id, err := s.Authenticate(context.Background(), server.AuthRequest{User: "anonymous", Password: "me@example.com"})
	require.NoError(t, err)
	assert.True(t, id.Anonymous)
	assert.True(t, id.ReadOnly)
	assert.Equal(t, "/srv/pub", id.Root)

	closed, err := NewStatic(nil, Anonymous{})
	require.NoError(t, err)
	_, err = closed.Authenticate(context.Background(), server.AuthRequest{User: "ftp"})
	assert.ErrorIs(t, err, server.ErrAuthRejected)
}

func TestNewStatic_Validation(t *testing.T) {
	tests := []struct {
		name  string
		users []User
		anon  Anonymous
	}{
		{"empty name", []User{{PasswordHash: mustHash(t, "x")}}, Anonymous{}},
		{"reserved name", []User{{Name: "anonymous", PasswordHash: mustHash(t, "x")}}, Anonymous{}},
		{"bad hash", []User{{Name: "alice", PasswordHash: "plaintext"}}, Anonymous{}},
		{"duplicate", []User{
			{Name: "alice", PasswordHash: mustHash(t, "x")},
			{Name: "alice", PasswordHash: mustHash(t, "y")},
		}, Anonymous{}},
		{"anonymous without root", nil, Anonymous{Enabled: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStatic(tt.users, tt.anon)
			assert.Error(t, err)
		})
	}
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))

	_, err = HashPassword("")
	assert.Error(t, err)
}

func TestLockout(t *testing.T) {
	l := NewLockout(newTestStatic(t), 3, time.Minute)
	ctx := context.Background()
	ip := net.ParseIP("192.0.2.1")
	bad := server.AuthRequest{User: "alice", Password: "wrong", RemoteIP: ip}
	good := server.AuthRequest{User: "alice", Password: "secret", RemoteIP: ip}

	for range 3 {
		_, err := l.Authenticate(ctx, bad)
		assert.ErrorIs(t, err, server.ErrAuthRejected)
	}
	assert.Equal(t, 3, l.Failures("alice", ip))

	// Locked: even the right password is refused.
	_, err := l.Authenticate(ctx, good)
	assert.ErrorIs(t, err, ErrLockedOut)
	assert.ErrorIs(t, err, server.ErrAuthRejected)

	// Other addresses are unaffected.
	other := good
	other.RemoteIP = net.ParseIP("192.0.2.2")
	_, err = l.Authenticate(ctx, other)
	assert.NoError(t, err)
}

func TestLockout_SuccessResets(t *testing.T) {
	l := NewLockout(newTestStatic(t), 3, time.Minute)
	ctx := context.Background()
	ip := net.ParseIP("192.0.2.1")

	_, err := l.Authenticate(ctx, server.AuthRequest{User: "alice", Password: "wrong", RemoteIP: ip})
	require.Error(t, err)
	assert.Equal(t, 1, l.Failures("alice", ip))

	_, err = l.Authenticate(ctx, server.AuthRequest{User: "alice", Password: "secret", RemoteIP: ip})
	require.NoError(t, err)
	assert.Zero(t, l.Failures("alice", ip))
}

func TestLockout_WindowExpires(t *testing.T) {
	l := NewLockout(newTestStatic(t), 1, 50*time.Millisecond)
	ctx := context.Background()
	ip := net.ParseIP("192.0.2.1")

	_, err := l.Authenticate(ctx, server.AuthRequest{User: "alice", Password: "wrong", RemoteIP: ip})
	require.Error(t, err)
	_, err = l.Authenticate(ctx, server.AuthRequest{User: "alice", Password: "secret", RemoteIP: ip})
	require.ErrorIs(t, err, ErrLockedOut)

	assert.Eventually(t, func() bool {
		_, err := l.Authenticate(ctx, server.AuthRequest{User: "alice", Password: "secret", RemoteIP: ip})
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestLockout_Disabled(t *testing.T) {
	l := NewLockout(newTestStatic(t), 0, time.Minute)
	for range 5 {
		_, err := l.Authenticate(context.Background(), server.AuthRequest{User: "alice", Password: "wrong"})
		assert.ErrorIs(t, err, server.ErrAuthRejected)
	}
	_, err := l.Authenticate(context.Background(), server.AuthRequest{User: "alice", Password: "secret"})
	assert.NoError(t, err)
}
