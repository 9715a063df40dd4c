package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gonzalop/ftpd/internal/logger"
	"github.com/gonzalop/ftpd/internal/ratelimit"
)

// Logger is the structured logger used by the server. Messages are event
// names; arguments are alternating keys and values.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Server is the FTP server.
//
// It accepts control connections and runs one session per connection.
// Sessions share nothing but the passive port pool, the transfer engine and
// the global bandwidth limiter.
//
// Lifecycle:
//  1. Create server with NewServer()
//  2. Start with ListenAndServe() or Serve()
//  3. Stop with Shutdown(), which closes the listeners and every session
//
// Basic example:
//
//	s, err := server.NewServer(":21",
//	    server.WithAuthenticator(server.AnonymousAuthenticator("/srv/ftp", true)),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(s.ListenAndServe())
type Server struct {
	addr string

	authenticator Authenticator
	fsFactory     FileSystemFactory
	logger        Logger
	metrics       MetricsCollector

	// welcomeMessage is the banner sent to clients on connection.
	welcomeMessage string

	// maxIdleTime is how long a control connection may stay silent.
	maxIdleTime time.Duration
	dataTimeout time.Duration

	// maxConnections and maxConnectionsPerIP limit control connections;
	// 0 means no limit.
	maxConnections      int
	maxConnectionsPerIP int

	pasvMin, pasvMax int
	publicHost       string
	strictDataIP     bool
	chunkSize        int
	globalBandwidth  int64
	sessionBandwidth int64

	transferLog   io.Writer
	transferLogMu sync.Mutex

	ports         *PortAllocator
	negotiator    *dataNegotiator
	engine        *transferEngine
	globalLimiter *ratelimit.Limiter

	mu         sync.Mutex
	listeners  map[net.Listener]struct{}
	sessions   map[*session]struct{}
	connsByIP  map[string]int
	wg         sync.WaitGroup
	inShutdown atomic.Bool
}

// NewServer creates a new FTP server with the given address and options.
// The address should be in the form ":port" or "host:port". An
// Authenticator must be provided with WithAuthenticator.
//
// Default values:
//   - Logger: console logger on stderr at info level
//   - FileSystemFactory: OSFileSystemFactory
//   - IdleTimeout: 5 minutes
//   - DataTimeout: 1 minute
//   - ChunkSize: 32 KiB
//   - Passive ports: chosen by the operating system
//   - StrictDataIP: enabled
//
// With connection limits:
//
//	s, _ := server.NewServer(":21",
//	    server.WithAuthenticator(auth),
//	    server.WithMaxConnections(100, 10), // Max 100 total, 10 per IP
//	    server.WithIdleTimeout(10*time.Minute),
//	)
func NewServer(addr string, options ...Option) (*Server, error) {
	s := &Server{
		addr:           addr,
		fsFactory:      OSFileSystemFactory,
		welcomeMessage: "FTP Server Ready",
		maxIdleTime:    5 * time.Minute,
		dataTimeout:    time.Minute,
		strictDataIP:   true,
		chunkSize:      DefaultChunkSize,
		listeners:      make(map[net.Listener]struct{}),
		sessions:       make(map[*session]struct{}),
		connsByIP:      make(map[string]int),
	}

	// Apply options
	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	// Validate required fields
	if s.authenticator == nil {
		return nil, errors.New("authenticator is required (use WithAuthenticator option)")
	}
	if s.logger == nil {
		s.logger = logger.Default()
	}

	ports, err := NewPortAllocator(s.pasvMin, s.pasvMax)
	if err != nil {
		return nil, err
	}
	s.ports = ports
	s.negotiator = &dataNegotiator{
		ports:      ports,
		timeout:    s.dataTimeout,
		publicHost: s.publicHost,
		strictIP:   s.strictDataIP,
		logger:     s.logger,
	}
	s.engine = newTransferEngine(s.chunkSize, s.dataTimeout)
	s.globalLimiter = ratelimit.New(s.globalBandwidth)

	return s, nil
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.logger.Info("server_listening", "addr", ln.Addr().String())
	return s.Serve(ln)
}

// Serve accepts incoming connections on the listener l. It blocks until
// Shutdown is called, returning ErrServerClosed, or the listener fails.
func (s *Server) Serve(l net.Listener) error {
	if !s.trackListener(l, true) {
		l.Close()
		return ErrServerClosed
	}
	defer s.trackListener(l, false)
	defer l.Close()

	var tempDelay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.inShutdown.Load() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			tempDelay = min(max(2*tempDelay, 5*time.Millisecond), time.Second)
			s.logger.Warn("accept_error", "error", err, "retry_in", tempDelay)
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0

		s.handleConn(conn)
	}
}

func (s *Server) trackListener(l net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.inShutdown.Load() {
			return false
		}
		s.listeners[l] = struct{}{}
		return true
	}
	delete(s.listeners, l)
	return true
}

// handleConn admits conn against the connection limits and starts its
// session.
func (s *Server) handleConn(conn net.Conn) {
	ip := hostOf(conn.RemoteAddr())

	s.mu.Lock()
	reason, message := "accepted", ""
	switch {
	case s.inShutdown.Load():
		reason, message = "shutting_down", "Service not available, closing control connection."
	case s.maxConnections > 0 && len(s.sessions) >= s.maxConnections:
		reason, message = "global_limit_reached", "Too many users, sorry."
	case s.maxConnectionsPerIP > 0 && s.connsByIP[ip] >= s.maxConnectionsPerIP:
		reason, message = "per_ip_limit_reached", "Too many connections from your IP address."
	}

	if message != "" {
		s.mu.Unlock()
		// Security audit: connection limit reached
		s.logger.Warn("connection_rejected",
			"remote_ip", ip,
			"reason", reason,
		)
		if s.metrics != nil {
			s.metrics.RecordConnection(false, reason)
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		fmt.Fprintf(conn, "421 %s\r\n", message)
		conn.Close()
		return
	}

	sess := newSession(s, conn)
	s.sessions[sess] = struct{}{}
	s.connsByIP[ip]++
	s.wg.Add(1)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordConnection(true, reason)
	}

	go func() {
		defer s.wg.Done()
		defer s.untrack(sess, ip)
		sess.serve()
	}()
}

func (s *Server) untrack(sess *session, ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
	s.connsByIP[ip]--
	if s.connsByIP[ip] <= 0 {
		delete(s.connsByIP, ip)
	}
}

// Shutdown stops accepting connections, closes every session (aborting any
// transfer in progress) and waits for the sessions to finish or ctx to
// expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)

	s.mu.Lock()
	var err error
	for l := range s.listeners {
		if cerr := l.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.shutdown()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("server_stopped")
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sessions returns a snapshot of the connected sessions, oldest first.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.info())
	}
	slices.SortFunc(infos, func(a, b SessionInfo) int {
		if c := a.Started.Compare(b.Started); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return infos
}

// ActiveSessions returns the number of connected sessions.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// PassivePortsInUse returns the number of reserved passive ports. It is
// always 0 when ports come from the operating system.
func (s *Server) PassivePortsInUse() int {
	return s.ports.InUse()
}

func hostOf(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
