package server

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gonzalop/ftpd/internal/ratelimit"
)

func (s *session) handleTYPE(arg string) {
	if arg == "" {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}
	// Only ASCII non-print (A, A N) and image (I, L 8) are supported.
	switch strings.Join(strings.Fields(strings.ToUpper(arg)), " ") {
	case "A", "A N":
		s.transferType = TypeASCII
		s.reply(200, "Type set to A.")
	case "I", "L 8":
		s.transferType = TypeBinary
		s.reply(200, "Type set to I.")
	default:
		s.reply(504, "Command not implemented for that parameter.")
	}
}

// handleMODE accepts Stream mode only (RFC 1123).
func (s *session) handleMODE(arg string) {
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "":
		s.reply(501, "Syntax error in parameters or arguments.")
	case "S":
		s.reply(200, "Mode set to S.")
	default:
		s.reply(504, "Command not implemented for that parameter.")
	}
}

// handleSTRU accepts File structure only (RFC 1123).
func (s *session) handleSTRU(arg string) {
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "":
		s.reply(501, "Syntax error in parameters or arguments.")
	case "F":
		s.reply(200, "Structure set to F.")
	default:
		s.reply(504, "Command not implemented for that parameter.")
	}
}

func (s *session) handleALLO(_ string) {
	s.reply(202, "ALLO command ignored.")
}

func (s *session) handleREST(arg string) {
	offset, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || offset < 0 {
		s.reply(501, "Invalid restart offset.")
		return
	}
	s.restart = offset
	s.reply(350, fmt.Sprintf("Restarting at %d. Send STORE or RETRIEVE to initiate transfer.", offset))
}

func (s *session) handlePORT(arg string) {
	// Format: h1,h2,h3,h4,p1,p2
	parts := strings.Split(arg, ",")
	if len(parts) != 6 {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}

	var b [6]int
	for i, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || v < 0 || v > 255 {
			s.reply(501, "Syntax error in parameters or arguments.")
			return
		}
		b[i] = v
	}

	ip := net.IPv4(byte(b[0]), byte(b[1]), byte(b[2]), byte(b[3]))
	port := b[4]<<8 | b[5]
	if port == 0 {
		s.reply(501, "Invalid port number.")
		return
	}
	if !s.allowActive(ip) {
		s.reply(500, "Illegal PORT command.")
		return
	}

	s.setDataRequest(s.server.negotiator.active(ip, port))
	s.reply(200, "PORT command successful.")
}

func (s *session) handleEPRT(arg string) {
	if len(arg) < 4 {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}

	// <d><proto><d><ip><d><port><d> splits into ["", proto, ip, port, ""].
	parts := strings.Split(arg, arg[:1])
	if len(parts) != 5 {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}

	proto, ipStr, portStr := parts[1], parts[2], parts[3]
	if proto != "1" && proto != "2" {
		s.reply(522, "Network protocol not supported, use (1,2).")
		return
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		s.reply(501, "Invalid network address.")
		return
	}
	if proto == "1" && ip.To4() == nil {
		s.reply(522, "Network protocol not supported, use (2).")
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		s.reply(501, "Invalid port number.")
		return
	}
	if !s.allowActive(ip) {
		s.reply(500, "Illegal EPRT command.")
		return
	}

	s.setDataRequest(s.server.negotiator.active(ip, port))
	s.reply(200, "EPRT command successful.")
}

// allowActive refuses PORT/EPRT targets other than the control peer, which
// would let the server be used to connect to third parties.
func (s *session) allowActive(ip net.IP) bool {
	if !s.server.negotiator.strictIP || s.peerIP == nil {
		return true
	}
	if ip.Equal(s.peerIP) {
		return true
	}
	s.server.logger.Warn("active_mode_rejected",
		"session_id", s.id,
		"remote_ip", s.remoteIP,
		"user", s.user,
		"target_ip", ip.String(),
	)
	return false
}

func (s *session) handlePASV(_ string) {
	ip := s.server.negotiator.advertisedIP(s.localIP)
	if ip == nil {
		s.clearDataParams()
		s.reply(425, "Can't open passive connection; use EPSV.")
		return
	}
	req, ok := s.openPassive()
	if !ok {
		return
	}
	s.reply(227, "Entering Passive Mode ("+formatPASV(ip, req.Port())+").")
}

func (s *session) handleEPSV(arg string) {
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "", "1", "2":
	case "ALL":
		s.reply(200, "EPSV ALL ok.")
		return
	default:
		s.reply(522, "Network protocol not supported, use (1,2).")
		return
	}
	req, ok := s.openPassive()
	if !ok {
		return
	}
	s.reply(229, fmt.Sprintf("Entering Extended Passive Mode (|||%d|).", req.Port()))
}

// openPassive replaces the pending data request with a new listener.
func (s *session) openPassive() (*passiveRequest, bool) {
	// The old listener goes back to the pool first.
	s.setDataRequest(nil)

	local := s.localIP
	if local == nil {
		local = net.IPv4zero
	}
	req, err := s.server.negotiator.listen(local, s.peerIP)
	if err != nil {
		s.server.logger.Warn("passive_listen_failed",
			"session_id", s.id,
			"remote_ip", s.remoteIP,
			"user", s.user,
			"error", err,
		)
		if errors.Is(err, ErrNoPortsAvailable) {
			s.reply(425, "No passive ports available.")
		} else {
			s.reply(425, "Can't open passive connection.")
		}
		return nil, false
	}
	s.setDataRequest(req)
	return req, true
}

func (s *session) handleRETR(arg string) {
	p, ok := s.existing(arg)
	if !ok {
		s.clearDataParams()
		return
	}
	if !s.needDataConn() {
		return
	}
	offset := s.takeRestart()

	f, err := s.fs.OpenFile(p.Real, os.O_RDONLY, 0)
	if err != nil {
		s.clearDataParams()
		s.replyError(err)
		return
	}
	info, err := f.Stat()
	if err == nil && info.IsDir() {
		err = fmt.Errorf("%s: %w", p.Virtual, errIsDirectory)
	}
	if err == nil && offset > info.Size() {
		f.Close()
		s.clearDataParams()
		s.reply(554, "Restart offset beyond end of file.")
		return
	}
	if err == nil && offset > 0 {
		_, err = f.Seek(offset, io.SeekStart)
	}
	if err != nil {
		f.Close()
		s.clearDataParams()
		s.replyTransferSetup(err)
		return
	}

	opening := fmt.Sprintf("Opening %s mode data connection for %s (%d bytes).",
		s.transferType, p.Base(), info.Size()-offset)
	s.startTransfer(s.newTransfer(VerbRETR, p), &TransferJob{
		Direction: Download,
		Path:      p,
		Offset:    offset,
		File:      f,
	}, opening, "")
}

func (s *session) handleSTOR(arg string) {
	p, ok := s.existing(arg)
	if !ok {
		s.clearDataParams()
		return
	}
	if !s.needDataConn() {
		return
	}
	offset := s.takeRestart()

	flags := os.O_WRONLY | os.O_CREATE
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	s.store(VerbSTOR, p, flags, offset, "")
}

func (s *session) handleAPPE(arg string) {
	p, ok := s.existing(arg)
	if !ok {
		s.clearDataParams()
		return
	}
	if !s.needDataConn() {
		return
	}
	// A restart offset has no meaning for an append.
	s.takeRestart()
	s.store(VerbAPPE, p, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0, "")
}

func (s *session) handleSTOU(_ string) {
	s.takeRestart()

	name := "ftp-" + uuid.NewString()
	p, err := s.resolve(name)
	if err != nil {
		s.clearDataParams()
		s.replyError(err)
		return
	}
	if !s.needDataConn() {
		return
	}
	s.store(VerbSTOU, p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0, name)
}

// store opens the upload target and starts the transfer. unique is the
// generated name for STOU.
func (s *session) store(verb Verb, p Path, flags int, offset int64, unique string) {
	f, err := s.fs.OpenFile(p.Real, flags, 0o644)
	if err != nil {
		s.clearDataParams()
		s.replyError(err)
		return
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			s.clearDataParams()
			s.replyTransferSetup(err)
			return
		}
	}

	direction := Upload
	if verb == VerbAPPE {
		direction = Append
	}

	opening := fmt.Sprintf("Opening %s mode data connection for %s.", s.transferType, p.Base())
	complete := ""
	if unique != "" {
		opening = "FILE: " + unique
		complete = fmt.Sprintf("Transfer complete (unique file name: %s).", unique)
	}

	t := s.newTransfer(verb, p)
	if unique != "" {
		t.created = p.Real
	}
	s.startTransfer(t, &TransferJob{
		Direction: direction,
		Path:      p,
		Offset:    offset,
		File:      f,
	}, opening, complete)
}

func (s *session) handleLIST(arg string) {
	s.list(VerbLIST, arg)
}

func (s *session) handleNLST(arg string) {
	s.list(VerbNLST, arg)
}

func (s *session) list(verb Verb, arg string) {
	s.takeRestart()

	p, err := s.resolve(listTarget(arg))
	if err != nil {
		s.clearDataParams()
		s.replyError(err)
		return
	}
	if !s.needDataConn() {
		return
	}
	infos, err := s.readListing(p)
	if err != nil {
		s.clearDataParams()
		s.replyError(err)
		return
	}

	s.startTransfer(s.newTransfer(verb, p), &TransferJob{
		Direction: Listing,
		Path:      p,
		Lines:     listLines(infos, verb == VerbNLST, time.Now()),
	}, "Here comes the directory listing.", "Directory send OK.")
}

// readListing returns the entries of a directory, or the file itself.
func (s *session) readListing(p Path) ([]fs.FileInfo, error) {
	info, err := s.fs.Stat(p.Real)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []fs.FileInfo{info}, nil
	}
	return s.fs.ReadDir(p.Real)
}

func (s *session) handleABOR(_ string) {
	t := s.currentTransfer()
	if t == nil {
		s.reply(226, "ABOR command successful; no transfer in progress.")
		return
	}
	s.abortTransfer(t)
	s.reply(226, "ABOR command successful.")
}

var errIsDirectory = errors.New("is a directory")

// replyTransferSetup answers an error raised while preparing a transfer,
// before any data connection is used.
func (s *session) replyTransferSetup(err error) {
	if errors.Is(err, errIsDirectory) {
		s.reply(550, "Is a directory.")
		return
	}
	s.replyError(err)
}

// needDataConn replies 425 unless PORT or PASV set up a data connection.
// Transfer commands call it before touching the target file.
func (s *session) needDataConn() bool {
	if s.pending != nil {
		return true
	}
	s.restart = 0
	s.reply(425, "Use PORT or PASV first.")
	return false
}

// newTransfer captures everything the transfer goroutine needs from the
// session.
func (s *session) newTransfer(verb Verb, p Path) *activeTransfer {
	return &activeTransfer{
		verb:      verb,
		path:      p.Virtual,
		token:     newCancelToken(s.ctx),
		done:      make(chan struct{}),
		typ:       s.transferType,
		user:      s.user,
		anonymous: s.identity != nil && s.identity.Anonymous,
		fs:        s.fs,
	}
}

// startTransfer hands job to a transfer goroutine using the pending data
// request. The job's file is released on every path.
func (s *session) startTransfer(t *activeTransfer, job *TransferJob, opening, complete string) {
	req := s.takeDataRequest()
	if req == nil {
		t.token.Cancel()
		job.release()
		s.reply(425, "Use PORT or PASV first.")
		return
	}

	job.Type = t.typ
	job.Token = t.token
	job.Limit = ratelimit.Group{s.server.globalLimiter, s.limiter}
	t.started = time.Now()

	s.mu.Lock()
	s.active = t
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runTransfer(t, req, job, opening, complete)
}

func (s *session) runTransfer(t *activeTransfer, req dataRequest, job *TransferJob, opening, complete string) {
	defer s.wg.Done()

	var n int64
	conn, err := req.open(t.token.Context())
	req.close()
	opened := err == nil
	if opened && !t.attach(conn) {
		conn.Close()
		err = ErrTransferAborted
	}
	if err == nil {
		s.reply(150, opening)
		n, err = s.server.engine.Run(job, conn, &t.bytes)
	}
	if cerr := job.release(); cerr != nil && err == nil {
		err = &TransferError{Side: SideDisk, Err: cerr}
	}
	if !opened && t.created != "" {
		if rerr := t.fs.Remove(t.created); rerr != nil {
			s.server.logger.Warn("unique_file_cleanup_failed",
				"session_id", s.id,
				"path", t.path,
				"error", rerr,
			)
		}
	}
	duration := time.Since(t.started)
	t.token.Cancel()

	// Commands arriving from here on wait for done, so their replies
	// follow the final one.
	t.finishing.Store(true)

	code, msg := transferStatus(err)
	if err == nil && complete != "" {
		msg = complete
	}
	s.reply(code, msg)

	status := "complete"
	switch {
	case err == nil:
		throughputMBps := float64(0)
		if duration.Seconds() > 0 {
			throughputMBps = float64(n) / duration.Seconds() / 1024 / 1024
		}
		s.server.logger.Info("transfer_complete",
			"session_id", s.id,
			"remote_ip", s.remoteIP,
			"user", t.user,
			"operation", t.verb.String(),
			"path", t.path,
			"bytes", n,
			"duration_ms", duration.Milliseconds(),
			"throughput_mbps", fmt.Sprintf("%.2f", throughputMBps),
		)
	case errors.Is(err, ErrTransferAborted):
		status = "aborted"
		s.server.logger.Info("transfer_aborted",
			"session_id", s.id,
			"remote_ip", s.remoteIP,
			"user", t.user,
			"operation", t.verb.String(),
			"path", t.path,
			"bytes", n,
		)
	default:
		status = "failed"
		s.server.logger.Warn("transfer_failed",
			"session_id", s.id,
			"remote_ip", s.remoteIP,
			"user", t.user,
			"operation", t.verb.String(),
			"path", t.path,
			"bytes", n,
			"error", err,
		)
	}

	if job.Direction != Listing {
		s.logTransfer(t, n, duration, err == nil)
	}
	if m := s.server.metrics; m != nil {
		m.RecordTransfer(t.verb.String(), n, duration, status)
	}

	s.mu.Lock()
	s.active = nil
	s.mu.Unlock()
	close(t.done)
}

// logTransfer writes a transfer in xferlog format:
//
//	current-time transfer-time remote-host file-size filename transfer-type
//	special-action-flag direction access-mode username service-name
//	authentication-method authenticated-user-id completion-status
func (s *session) logTransfer(t *activeTransfer, bytes int64, duration time.Duration, complete bool) {
	if s.server.transferLog == nil {
		return
	}

	transferTime := max(int64(duration.Seconds()), 1)

	// Transfer type: a (ascii), b (binary)
	tType := "b"
	if t.typ == TypeASCII {
		tType = "a"
	}

	// Direction: o (outgoing/download), i (incoming/upload)
	direction := "o"
	if t.verb != VerbRETR {
		direction = "i"
	}

	// Access mode: a (anonymous), r (real user)
	accessMode := "r"
	if t.anonymous {
		accessMode = "a"
	}

	// Completion status: c (complete), i (incomplete)
	completion := "i"
	if complete {
		completion = "c"
	}

	// Mon Dec 25 15:04:05 2025 1 127.0.0.1 1024 /file.txt b _ o a anonymous ftp 0 * c
	line := fmt.Sprintf("%s %d %s %d %s %s _ %s %s %s ftp 0 * %s\n",
		time.Now().Format("Mon Jan 02 15:04:05 2006"),
		transferTime,
		s.remoteIP,
		bytes,
		t.path,
		tType,
		direction,
		accessMode,
		t.user,
		completion,
	)

	s.server.transferLogMu.Lock()
	defer s.server.transferLogMu.Unlock()
	_, _ = io.WriteString(s.server.transferLog, line)
}
