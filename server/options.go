package server

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// Option is a functional option for configuring an FTP server.
type Option func(*Server) error

// WithAuthenticator sets the credential check run on PASS. This option is
// required and can only be set once.
//
// Example:
//
//	s, _ := server.NewServer(":21",
//	    server.WithAuthenticator(server.AnonymousAuthenticator("/srv/ftp", true)),
//	)
func WithAuthenticator(auth Authenticator) Option {
	return func(s *Server) error {
		if auth == nil {
			return errors.New("authenticator is nil")
		}
		if s.authenticator != nil {
			return errors.New("authenticator already set")
		}
		s.authenticator = auth
		return nil
	}
}

// WithFileSystemFactory sets how a FileSystem is opened for an
// authenticated identity. Defaults to OSFileSystemFactory.
func WithFileSystemFactory(factory FileSystemFactory) Option {
	return func(s *Server) error {
		if factory == nil {
			return errors.New("filesystem factory is nil")
		}
		s.fsFactory = factory
		return nil
	}
}

// WithLogger sets the logger. *slog.Logger and the zerolog-backed
// logger.Logger both satisfy Logger.
func WithLogger(logger Logger) Option {
	return func(s *Server) error {
		if logger == nil {
			return errors.New("logger is nil")
		}
		s.logger = logger
		return nil
	}
}

// WithMetrics enables metrics collection.
func WithMetrics(collector MetricsCollector) Option {
	return func(s *Server) error {
		s.metrics = collector
		return nil
	}
}

// WithPassivePorts restricts passive listeners to min..max inclusive.
// Without it the operating system picks the port.
//
// Example:
//
//	s, _ := server.NewServer(":21",
//	    server.WithAuthenticator(auth),
//	    server.WithPassivePorts(30000, 30099),
//	)
func WithPassivePorts(min, max int) Option {
	return func(s *Server) error {
		if min <= 0 || max > 65535 || min > max {
			return fmt.Errorf("invalid passive port range %d-%d", min, max)
		}
		s.pasvMin, s.pasvMax = min, max
		return nil
	}
}

// WithPublicHost sets the address announced in PASV replies, for servers
// behind NAT. It may be an IPv4 address or a host name.
func WithPublicHost(host string) Option {
	return func(s *Server) error {
		s.publicHost = host
		return nil
	}
}

// WithMaxConnections limits simultaneous control connections, in total and
// per client IP. 0 means no limit. Excess connections get 421.
func WithMaxConnections(max, perIP int) Option {
	return func(s *Server) error {
		if max < 0 || perIP < 0 {
			return errors.New("connection limits must not be negative")
		}
		s.maxConnections = max
		s.maxConnectionsPerIP = perIP
		return nil
	}
}

// WithIdleTimeout closes control connections idle for d with 421. The
// timer does not run while a transfer is in progress. 0 disables it.
// Defaults to 5 minutes.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) error {
		s.maxIdleTime = d
		return nil
	}
}

// WithDataTimeout bounds the wait for a data connection and every read or
// write on it. Defaults to 1 minute.
func WithDataTimeout(d time.Duration) Option {
	return func(s *Server) error {
		if d <= 0 {
			return errors.New("data timeout must be positive")
		}
		s.dataTimeout = d
		return nil
	}
}

// WithChunkSize sets the transfer buffer size. Cancellation is checked
// between chunks.
func WithChunkSize(n int) Option {
	return func(s *Server) error {
		if n < MinChunkSize || n > MaxChunkSize {
			return fmt.Errorf("chunk size %d outside %d..%d", n, MinChunkSize, MaxChunkSize)
		}
		s.chunkSize = n
		return nil
	}
}

// WithBandwidthLimit caps transfer throughput in bytes per second across
// the server and per session. 0 means unlimited.
func WithBandwidthLimit(global, perSession int64) Option {
	return func(s *Server) error {
		if global < 0 || perSession < 0 {
			return errors.New("bandwidth limits must not be negative")
		}
		s.globalBandwidth = global
		s.sessionBandwidth = perSession
		return nil
	}
}

// WithTransferLog writes an xferlog line for every file transfer to w.
func WithTransferLog(w io.Writer) Option {
	return func(s *Server) error {
		s.transferLog = w
		return nil
	}
}

// WithWelcomeMessage sets the 220 banner text.
func WithWelcomeMessage(msg string) Option {
	return func(s *Server) error {
		s.welcomeMessage = msg
		return nil
	}
}

// WithStrictDataIP controls the data connection peer check: PORT/EPRT must
// name the control connection's address and passive connections must come
// from it. Enabled by default.
func WithStrictDataIP(strict bool) Option {
	return func(s *Server) error {
		s.strictDataIP = strict
		return nil
	}
}
