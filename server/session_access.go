package server

import (
	"errors"

	"github.com/gonzalop/ftpd/internal/ratelimit"
)

func (s *session) handleUSER(user string) {
	if user == "" {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}
	if s.state == stateLoggedIn {
		s.server.logger.Info("session_relogin",
			"session_id", s.id,
			"remote_ip", s.remoteIP,
			"user", s.user,
		)
		s.logout()
	}
	s.setUser(stateUserNamed, user)
	s.reply(331, "User name okay, need password.")
}

func (s *session) handlePASS(pass string) {
	if s.state != stateUserNamed {
		s.reply(503, "Login with USER first.")
		return
	}

	id, err := s.server.authenticator.Authenticate(s.ctx, AuthRequest{
		User:     s.user,
		Password: pass,
		RemoteIP: s.peerIP,
	})
	if err == nil && id == nil {
		err = ErrAuthRejected
	}
	if err != nil {
		s.loginFailed(err)
		return
	}

	fsys, err := s.server.fsFactory(id)
	if err != nil {
		s.loginFailed(err)
		return
	}
	resolver, err := NewPathResolver(id.Root)
	if err != nil {
		fsys.Close()
		s.loginFailed(err)
		return
	}

	s.identity = id
	s.fs = fsys
	s.resolver = resolver
	s.cwd = "/"
	s.limiter = ratelimit.New(s.server.sessionBandwidth)
	s.setUser(stateLoggedIn, s.user)

	s.server.logger.Info("authentication_success",
		"session_id", s.id,
		"remote_ip", s.remoteIP,
		"user", s.user,
		"anonymous", id.Anonymous,
		"read_only", id.ReadOnly,
	)
	if m := s.server.metrics; m != nil {
		m.RecordAuthentication(true, s.user)
	}
	s.reply(230, "User logged in, proceed.")
}

func (s *session) loginFailed(err error) {
	reason := "rejected"
	if !errors.Is(err, ErrAuthRejected) {
		reason = err.Error()
	}
	s.server.logger.Warn("authentication_failed",
		"session_id", s.id,
		"remote_ip", s.remoteIP,
		"user", s.user,
		"reason", reason,
	)
	if m := s.server.metrics; m != nil {
		m.RecordAuthentication(false, s.user)
	}
	s.setUser(stateUnauthenticated, "")
	s.reply(530, "Login incorrect.")
}

func (s *session) handleQUIT(_ string) {
	if t := s.currentTransfer(); t != nil {
		s.abortTransfer(t)
	}
	s.reply(221, "Goodbye.")
	s.mu.Lock()
	s.state = stateClosed
	s.mu.Unlock()
}
