package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/gonzalop/ftpd/internal/ratelimit"
)

// abortWait bounds how long ABOR and QUIT wait for a running transfer to
// acknowledge cancellation.
const abortWait = 5 * time.Second

type authState int

const (
	stateUnauthenticated authState = iota
	stateUserNamed
	stateLoggedIn
	stateClosed
)

func (a authState) String() string {
	switch a {
	case stateUserNamed:
		return "user_named"
	case stateLoggedIn:
		return "logged_in"
	case stateClosed:
		return "closed"
	}
	return "unauthenticated"
}

// session is one control connection.
//
// Concurrency model:
//
//  1. A reader goroutine reads control lines and hands them to the command
//     loop over a channel, so the control channel is read continuously even
//     while a transfer runs.
//
//  2. The command loop (serve) owns all protocol state: auth state, cwd,
//     transfer type, rename source, restart offset and the pending data
//     request. No other goroutine touches these fields.
//
//  3. A transfer runs on its own goroutine. The loop only keeps an
//     activeTransfer handle, guarded by mu, through which ABOR cancels it.
//     The transfer writes its own 150 and completion replies.
//
//  4. Replies from both goroutines go through reply/replyLines, serialized
//     by wmu.
type session struct {
	server *Server
	conn   net.Conn
	lines  *lineReader

	wmu    sync.Mutex
	writer *bufio.Writer

	id       string
	remoteIP string
	peerIP   net.IP
	localIP  net.IP
	started  time.Time
	lastCode atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	state        authState
	user         string
	identity     *Identity
	fs           FileSystem
	resolver     *PathResolver
	cwd          string
	transferType TransferType
	renameFrom   *Path
	restart      int64
	pending      dataRequest
	limiter      *ratelimit.Limiter

	mu     sync.Mutex // guards active and the info snapshot fields
	active *activeTransfer
	wg     sync.WaitGroup
}

// activeTransfer is the session's handle on a running transfer. The
// transfer goroutine reads session values only through the copies taken
// here when it starts.
type activeTransfer struct {
	verb      Verb
	path      string
	token     *CancelToken
	done      chan struct{}
	started   time.Time
	bytes     atomic.Int64
	finishing atomic.Bool

	typ       TransferType
	user      string
	anonymous bool

	// created is the file a STOU made, removed if no data connection
	// could be opened for it.
	created string
	fs      FileSystem

	mu   sync.Mutex
	conn net.Conn
}

// attach records the data connection so abort can close it. It reports
// false if the transfer was already cancelled.
func (t *activeTransfer) attach(conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token.Cancelled() {
		return false
	}
	t.conn = conn
	return true
}

// abort cancels the transfer and closes its data connection, which unblocks
// a read or write in progress.
func (t *activeTransfer) abort() {
	t.token.Cancel()
	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.mu.Unlock()
}

func newSession(server *Server, conn net.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		server:       server,
		conn:         conn,
		lines:        newLineReader(conn),
		writer:       bufio.NewWriter(conn),
		id:           uuid.NewString(),
		started:      time.Now(),
		ctx:          ctx,
		cancel:       cancel,
		cwd:          "/",
		transferType: TypeBinary,
	}

	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		s.peerIP = tcp.IP
		s.remoteIP = tcp.IP.String()
	} else {
		s.remoteIP = conn.RemoteAddr().String()
	}
	if tcp, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		s.localIP = tcp.IP
	}
	return s
}

type controlLine struct {
	line string
	err  error
}

// serve runs the command loop until QUIT, a control channel error or
// server shutdown.
func (s *session) serve() {
	defer s.close()

	s.sendWelcome()
	s.server.logger.Info("session_started",
		"session_id", s.id,
		"remote_ip", s.remoteIP,
	)

	for in := range s.startReader() {
		if in.err != nil {
			s.readFailed(in.err)
			return
		}
		s.handleLine(in.line)
		if s.state == stateClosed {
			return
		}
	}
}

func (s *session) sendWelcome() {
	msg := s.server.welcomeMessage
	if rest, ok := strings.CutPrefix(msg, "220 "); ok {
		msg = rest
	}
	s.reply(220, msg)
}

// startReader feeds control lines to the command loop. A read deadline
// implements the idle timeout; it is not enforced while a transfer runs.
func (s *session) startReader() <-chan controlLine {
	ch := make(chan controlLine)
	go func() {
		defer close(ch)
		for {
			if idle := s.server.maxIdleTime; idle > 0 {
				_ = s.conn.SetReadDeadline(time.Now().Add(idle))
			}
			line, err := s.lines.ReadLine()
			if err != nil && isTimeout(err) && s.currentTransfer() != nil {
				continue
			}

			select {
			case ch <- controlLine{line, err}:
			case <-s.ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

func (s *session) readFailed(err error) {
	switch {
	case errors.Is(err, errLineTooLong):
		s.reply(500, "Command line too long.")
	case isTimeout(err):
		s.server.logger.Info("session_idle_timeout",
			"session_id", s.id,
			"remote_ip", s.remoteIP,
			"user", s.user,
		)
		s.reply(421, "Timeout.")
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
	default:
		s.server.logger.Warn("read_error",
			"session_id", s.id,
			"remote_ip", s.remoteIP,
			"user", s.user,
			"error", err,
		)
	}
}

// handleLine parses and dispatches one control line.
func (s *session) handleLine(line string) {
	cmd, err := ParseCommand(line)
	if err != nil {
		s.reply(500, "Syntax error, command unrecognized.")
		return
	}

	logArg := cmd.Arg
	if cmd.Verb == VerbPASS {
		logArg = "***"
	}
	s.server.logger.Debug("command_received",
		"session_id", s.id,
		"remote_ip", s.remoteIP,
		"user", s.user,
		"cmd", cmd.Name,
		"arg", logArg,
	)

	start := time.Now()
	s.dispatch(cmd)

	if m := s.server.metrics; m != nil {
		m.RecordCommand(cmd.Name, s.lastCode.Load() < 400, time.Since(start))
	}
}

// commandHandlers maps every known verb to its handler.
var commandHandlers = map[Verb]func(*session, string){
	VerbUSER: (*session).handleUSER,
	VerbPASS: (*session).handlePASS,
	VerbQUIT: (*session).handleQUIT,
	VerbNOOP: (*session).handleNOOP,
	VerbHELP: (*session).handleHELP,
	VerbFEAT: (*session).handleFEAT,
	VerbSYST: (*session).handleSYST,
	VerbSITE: (*session).handleSITE,
	VerbPORT: (*session).handlePORT,
	VerbPASV: (*session).handlePASV,
	VerbEPRT: (*session).handleEPRT,
	VerbEPSV: (*session).handleEPSV,
	VerbTYPE: (*session).handleTYPE,
	VerbMODE: (*session).handleMODE,
	VerbSTRU: (*session).handleSTRU,
	VerbREST: (*session).handleREST,
	VerbALLO: (*session).handleALLO,
	VerbOPTS: (*session).handleOPTS,
	VerbRETR: (*session).handleRETR,
	VerbSTOR: (*session).handleSTOR,
	VerbAPPE: (*session).handleAPPE,
	VerbSTOU: (*session).handleSTOU,
	VerbLIST: (*session).handleLIST,
	VerbNLST: (*session).handleNLST,
	VerbABOR: (*session).handleABOR,
	VerbSTAT: (*session).handleSTAT,
	VerbRNFR: (*session).handleRNFR,
	VerbRNTO: (*session).handleRNTO,
	VerbPWD:  (*session).handlePWD,
	VerbCWD:  (*session).handleCWD,
	VerbCDUP: (*session).handleCDUP,
	VerbMKD:  (*session).handleMKD,
	VerbRMD:  (*session).handleRMD,
	VerbDELE: (*session).handleDELE,
	VerbSIZE: (*session).handleSIZE,
	VerbMDTM: (*session).handleMDTM,
}

// dispatch enforces the ordering rules and runs the handler.
//
//   - While a transfer runs only ABOR, STAT, NOOP and QUIT are accepted.
//   - USER must be followed directly by PASS; anything else forgets it.
//   - Outside LoggedIn only the pre-login verbs run; the rest get 530.
//   - rename_from survives only until the next command; RNTO consumes it.
//   - The pending data connection survives transfer parameter commands
//     only; a transfer command consumes it, anything else discards it.
//   - The restart offset must be followed directly by RETR, STOR or APPE.
func (s *session) dispatch(cmd Command) {
	if cmd.Verb == VerbUnrecognized {
		s.reply(502, "Command not implemented.")
		return
	}

	if t := s.currentTransfer(); t != nil {
		// Once the final reply is on its way the transfer is as good as
		// done; later commands wait so their replies follow it.
		if t.finishing.Load() {
			<-t.done
		} else if !busyVerbs[cmd.Verb] {
			s.reply(503, "Transfer in progress, send ABOR or wait.")
			return
		}
	}

	if s.state == stateUserNamed && cmd.Verb != VerbPASS && cmd.Verb != VerbUSER {
		s.setUser(stateUnauthenticated, "")
	}

	if s.state != stateLoggedIn && !preLoginVerbs[cmd.Verb] {
		s.reply(530, "Not logged in.")
		return
	}

	if cmd.Verb != VerbRNTO {
		s.renameFrom = nil
	}
	if !transferParamVerbs[cmd.Verb] && !transferVerbs[cmd.Verb] {
		s.setDataRequest(nil)
	}
	if !restartVerbs[cmd.Verb] {
		s.restart = 0
	}

	if writeVerbs[cmd.Verb] && s.identity != nil && s.identity.ReadOnly {
		s.clearDataParams()
		s.reply(550, "Permission denied.")
		return
	}

	commandHandlers[cmd.Verb](s, cmd.Arg)
}

// clearDataParams drops the pending data connection and restart offset.
func (s *session) clearDataParams() {
	s.setDataRequest(nil)
	s.restart = 0
}

// setDataRequest replaces the pending data request, releasing the old one.
func (s *session) setDataRequest(req dataRequest) {
	if s.pending != nil {
		s.pending.close()
	}
	s.pending = req
}

// takeDataRequest hands the pending request to the caller, which becomes
// responsible for closing it.
func (s *session) takeDataRequest() dataRequest {
	req := s.pending
	s.pending = nil
	return req
}

func (s *session) takeRestart() int64 {
	off := s.restart
	s.restart = 0
	return off
}

func (s *session) setUser(state authState, user string) {
	s.mu.Lock()
	s.state = state
	s.user = user
	s.mu.Unlock()
}

// resolve maps a client path through the session's resolver.
func (s *session) resolve(arg string) (Path, error) {
	return s.resolver.Resolve(s.cwd, arg)
}

func (s *session) currentTransfer() *activeTransfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// abortTransfer cancels t and waits, bounded, for it to finish.
func (s *session) abortTransfer(t *activeTransfer) {
	t.abort()
	select {
	case <-t.done:
	case <-time.After(abortWait):
		s.server.logger.Warn("transfer_abort_timeout",
			"session_id", s.id,
			"user", s.user,
			"path", t.path,
		)
	}
}

// logout drops the identity and everything derived from it.
func (s *session) logout() {
	s.clearDataParams()
	s.renameFrom = nil
	if s.fs != nil {
		s.fs.Close()
		s.fs = nil
	}
	s.identity = nil
	s.resolver = nil
	s.limiter = nil
	s.cwd = "/"
	s.setUser(stateUnauthenticated, "")
}

// close tears the session down: cancel any transfer, close the control
// connection, wait for the transfer goroutine, release the rest.
func (s *session) close() {
	s.cancel()
	if t := s.currentTransfer(); t != nil {
		t.abort()
	}
	s.conn.Close()
	s.wg.Wait()

	s.logout()
	s.mu.Lock()
	s.state = stateClosed
	s.mu.Unlock()

	s.server.logger.Info("session_ended",
		"session_id", s.id,
		"remote_ip", s.remoteIP,
		"duration_ms", time.Since(s.started).Milliseconds(),
	)
}

// shutdown is called by the server to force the session closed.
func (s *session) shutdown() {
	s.cancel()
	if t := s.currentTransfer(); t != nil {
		t.abort()
	}
	s.conn.Close()
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID               string    `json:"id"`
	RemoteIP         string    `json:"remote_ip"`
	User             string    `json:"user,omitempty"`
	State            string    `json:"state"`
	Started          time.Time `json:"started"`
	Transfer         string    `json:"transfer,omitempty"`
	TransferredBytes int64     `json:"transferred_bytes,omitempty"`
}

func (s *session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	si := SessionInfo{
		ID:       s.id,
		RemoteIP: s.remoteIP,
		User:     s.user,
		State:    s.state.String(),
		Started:  s.started,
	}
	if t := s.active; t != nil {
		si.Transfer = t.verb.String() + " " + t.path
		si.TransferredBytes = t.bytes.Load()
	}
	return si
}

// replyError answers a failed filesystem operation. Host paths in err are
// never shown to the client.
func (s *session) replyError(err error) {
	switch {
	case errors.Is(err, ErrPathEscape), errors.Is(err, fs.ErrPermission):
		s.reply(550, "Permission denied.")
	case errors.Is(err, fs.ErrNotExist):
		s.reply(550, "No such file or directory.")
	case errors.Is(err, syscall.ENOTEMPTY):
		// ENOTEMPTY also matches fs.ErrExist.
		s.reply(550, "Directory not empty.")
	case errors.Is(err, fs.ErrExist):
		s.reply(550, "File exists.")
	case isNoSpace(err):
		s.reply(452, "Insufficient storage space.")
	default:
		s.server.logger.Warn("filesystem_error",
			"session_id", s.id,
			"user", s.user,
			"error", err,
		)
		s.reply(550, "Requested action not taken.")
	}
}

// reply writes a single-line reply.
func (s *session) reply(code int, message string) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.lastCode.Store(int32(code))
	s.setWriteDeadline()
	fmt.Fprintf(s.writer, "%d %s\r\n", code, message)
	s.writer.Flush()
}

// replyLines writes a multi-line reply: "code-first", the body lines
// indented by one space, then "code last".
func (s *session) replyLines(code int, first string, body []string, last string) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.lastCode.Store(int32(code))
	s.setWriteDeadline()
	fmt.Fprintf(s.writer, "%d-%s\r\n", code, first)
	for _, line := range body {
		fmt.Fprintf(s.writer, " %s\r\n", line)
	}
	fmt.Fprintf(s.writer, "%d %s\r\n", code, last)
	s.writer.Flush()
}

func (s *session) setWriteDeadline() {
	if idle := s.server.maxIdleTime; idle > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(idle))
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
