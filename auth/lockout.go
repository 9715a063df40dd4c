package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/gonzalop/ftpd/server"
)

// ErrLockedOut is returned while a user/address pair is locked. It wraps
// server.ErrAuthRejected so the client sees an ordinary 530.
var ErrLockedOut = fmt.Errorf("too many failed logins: %w", server.ErrAuthRejected)

// Lockout refuses logins for a user from an address after maxAttempts
// failures within window. The counter starts with the first failure and
// expires window later; a successful login clears it.
type Lockout struct {
	next        server.Authenticator
	maxAttempts int
	window      time.Duration
	failures    *cache.Cache
}

// NewLockout wraps next. maxAttempts <= 0 disables the lockout.
func NewLockout(next server.Authenticator, maxAttempts int, window time.Duration) *Lockout {
	return &Lockout{
		next:        next,
		maxAttempts: maxAttempts,
		window:      window,
		failures:    cache.New(window, window),
	}
}

// Authenticate implements server.Authenticator.
func (l *Lockout) Authenticate(ctx context.Context, req server.AuthRequest) (*server.Identity, error) {
	if l.maxAttempts <= 0 {
		return l.next.Authenticate(ctx, req)
	}

	key := lockoutKey(req.User, req.RemoteIP)
	if l.Failures(req.User, req.RemoteIP) >= l.maxAttempts {
		return nil, ErrLockedOut
	}

	id, err := l.next.Authenticate(ctx, req)
	if err != nil {
		if errors.Is(err, server.ErrAuthRejected) {
			l.recordFailure(key)
		}
		return nil, err
	}
	l.failures.Delete(key)
	return id, nil
}

// Failures returns the current failure count for user from ip.
func (l *Lockout) Failures(user string, ip net.IP) int {
	v, ok := l.failures.Get(lockoutKey(user, ip))
	if !ok {
		return 0
	}
	return v.(int)
}

func (l *Lockout) recordFailure(key string) {
	if err := l.failures.Add(key, 1, l.window); err == nil {
		return
	}
	if _, err := l.failures.IncrementInt(key, 1); err != nil {
		// Expired between Add and IncrementInt.
		l.failures.Set(key, 1, l.window)
	}
}

func lockoutKey(user string, ip net.IP) string {
	return user + "|" + ip.String()
}
