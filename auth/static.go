// Package auth provides Authenticators for the FTP server: a static user
// table with bcrypt password hashes and a decorator that locks out clients
// after repeated failures.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/gonzalop/ftpd/server"
)

// User is one account of a Static authenticator.
type User struct {
	Name         string
	PasswordHash string
	Root         string
	ReadOnly     bool
}

// Anonymous configures guest logins ("anonymous" or "ftp", any password).
type Anonymous struct {
	Enabled  bool
	Root     string
	ReadOnly bool
}

// Static authenticates against a fixed set of users.
type Static struct {
	users map[string]User
	anon  Anonymous
}

// NewStatic validates the user table. Every hash must be a bcrypt hash.
func NewStatic(users []User, anon Anonymous) (*Static, error) {
	s := &Static{users: make(map[string]User, len(users)), anon: anon}
	for _, u := range users {
		if u.Name == "" {
			return nil, errors.New("user with empty name")
		}
		if server.IsAnonymousUser(u.Name) {
			return nil, fmt.Errorf("user %q: name is reserved for anonymous access", u.Name)
		}
		if _, dup := s.users[u.Name]; dup {
			return nil, fmt.Errorf("user %q: duplicate", u.Name)
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("user %q: invalid password hash: %w", u.Name, err)
		}
		s.users[u.Name] = u
	}
	if anon.Enabled && anon.Root == "" {
		return nil, errors.New("anonymous access needs a root")
	}
	return s, nil
}

// Authenticate implements server.Authenticator.
func (s *Static) Authenticate(_ context.Context, req server.AuthRequest) (*server.Identity, error) {
	if server.IsAnonymousUser(req.User) {
		if !s.anon.Enabled {
			return nil, server.ErrAuthRejected
		}
		return &server.Identity{
			Name:      req.User,
			Root:      s.anon.Root,
			ReadOnly:  s.anon.ReadOnly,
			Anonymous: true,
		}, nil
	}

	u, ok := s.users[req.User]
	hash := []byte(u.PasswordHash)
	if !ok {
		// Same work for unknown users as for known ones.
		hash = dummyHash()
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(req.Password)); err != nil || !ok {
		return nil, server.ErrAuthRejected
	}

	return &server.Identity{
		Name:     u.Name,
		Root:     u.Root,
		ReadOnly: u.ReadOnly,
	}, nil
}

// HashPassword returns the bcrypt hash stored in the users table.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

var dummyHash = sync.OnceValue(func() []byte {
	hash, _ := bcrypt.GenerateFromPassword([]byte("unused"), bcrypt.DefaultCost)
	return hash
})
