package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"iter"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gonzalop/ftpd/internal/ratelimit"
)

// TransferType is the representation type set by TYPE.
type TransferType int

const (
	TypeBinary TransferType = iota
	TypeASCII
)

func (t TransferType) String() string {
	if t == TypeASCII {
		return "ASCII"
	}
	return "BINARY"
}

// Direction of a transfer.
type Direction int

const (
	Download Direction = iota // RETR
	Upload                    // STOR, STOU
	Append                    // APPE
	Listing                   // LIST, NLST
)

// Chunk size bounds. Cancellation is observed between chunks, so the upper
// bound also bounds ABOR latency.
const (
	DefaultChunkSize = 32 * 1024
	MinChunkSize     = 4 * 1024
	MaxChunkSize     = 1024 * 1024
)

// CancelToken is the cancellation signal of one transfer. The session
// cancels, the engine polls.
type CancelToken struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func newCancelToken(parent context.Context) *CancelToken {
	ctx, cancel := context.WithCancel(parent)
	return &CancelToken{ctx: ctx, cancel: cancel}
}

// Cancel requests the transfer to stop. It is idempotent.
func (t *CancelToken) Cancel() { t.cancel() }

// Cancelled reports whether Cancel was called or the session ended.
func (t *CancelToken) Cancelled() bool { return t.ctx.Err() != nil }

// Context is done once the token is cancelled.
func (t *CancelToken) Context() context.Context { return t.ctx }

// TransferJob describes one transfer. It is owned by the engine invocation
// running it; the session keeps only the token.
type TransferJob struct {
	Direction Direction
	Path      Path
	Offset    int64
	Type      TransferType
	Token     *CancelToken

	// File is the source (Download) or sink (Upload, Append).
	File File
	// Lines is the listing for Direction Listing, produced lazily.
	Lines iter.Seq[string]
	// Limit throttles the stream; nil limiters are skipped.
	Limit ratelimit.Group
}

// release closes the job's file. The file was opened before the job was
// created, so the job owns it from then on.
func (j *TransferJob) release() error {
	if j.File == nil {
		return nil
	}
	err := j.File.Close()
	j.File = nil
	return err
}

// transferEngine streams a job over a data connection in bounded chunks.
type transferEngine struct {
	chunkSize int
	// stall bounds each network read or write.
	stall time.Duration
	bufs  sync.Pool
}

func newTransferEngine(chunkSize int, stall time.Duration) *transferEngine {
	e := &transferEngine{chunkSize: chunkSize, stall: stall}
	e.bufs.New = func() any {
		b := make([]byte, e.chunkSize)
		return &b
	}
	return e
}

// Run streams job over conn and closes conn. progress, when not nil, is
// advanced by the number of file bytes moved. The returned error is nil,
// ErrTransferAborted or a *TransferError.
func (e *transferEngine) Run(job *TransferJob, conn net.Conn, progress *atomic.Int64) (int64, error) {
	defer conn.Close()
	if progress == nil {
		progress = new(atomic.Int64)
	}

	var (
		n   int64
		err error
	)
	switch job.Direction {
	case Download:
		n, err = e.download(job, conn, progress)
	case Upload, Append:
		n, err = e.upload(job, conn, progress)
	case Listing:
		n, err = e.list(job, conn, progress)
	}

	if err != nil && job.Token.Cancelled() {
		err = ErrTransferAborted
	}
	return n, err
}

func (e *transferEngine) download(job *TransferJob, conn net.Conn, progress *atomic.Int64) (int64, error) {
	bp := e.bufs.Get().(*[]byte)
	defer e.bufs.Put(bp)
	buf := *bp

	var (
		out    []byte
		prevCR bool
		total  int64
	)
	if job.Type == TypeASCII {
		out = make([]byte, 0, 2*len(buf))
	}

	for {
		if job.Token.Cancelled() {
			return total, ErrTransferAborted
		}

		nr, rerr := job.File.Read(buf)
		if nr > 0 {
			chunk := buf[:nr]
			if job.Type == TypeASCII {
				out, prevCR = toCRLF(out[:0], chunk, prevCR)
				chunk = out
			}
			if err := job.Limit.Wait(job.Token.Context(), len(chunk)); err != nil {
				return total, ErrTransferAborted
			}
			if err := e.write(conn, chunk); err != nil {
				return total, &TransferError{Side: SideNetwork, Err: err}
			}
			total += int64(nr)
			progress.Add(int64(nr))
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, &TransferError{Side: SideDisk, Err: rerr}
		}
	}
}

func (e *transferEngine) upload(job *TransferJob, conn net.Conn, progress *atomic.Int64) (int64, error) {
	bp := e.bufs.Get().(*[]byte)
	defer e.bufs.Put(bp)
	buf := *bp

	var (
		out       []byte
		pendingCR bool
		total     int64
	)
	if job.Type == TypeASCII {
		out = make([]byte, 0, len(buf)+1)
	}

	for {
		if job.Token.Cancelled() {
			return total, ErrTransferAborted
		}

		if e.stall > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(e.stall))
		}
		nr, rerr := conn.Read(buf)
		if nr > 0 {
			if err := job.Limit.Wait(job.Token.Context(), nr); err != nil {
				return total, ErrTransferAborted
			}
			chunk := buf[:nr]
			if job.Type == TypeASCII {
				out, pendingCR = fromCRLF(out[:0], chunk, pendingCR)
				chunk = out
			}
			if _, err := job.File.Write(chunk); err != nil {
				return total, &TransferError{Side: SideDisk, Err: err}
			}
			total += int64(nr)
			progress.Add(int64(nr))
		}
		if rerr == io.EOF {
			if tail := flushCR(pendingCR); tail != nil {
				if _, err := job.File.Write(tail); err != nil {
					return total, &TransferError{Side: SideDisk, Err: err}
				}
			}
			return total, nil
		}
		if rerr != nil {
			return total, &TransferError{Side: SideNetwork, Err: rerr}
		}
	}
}

func (e *transferEngine) list(job *TransferJob, conn net.Conn, progress *atomic.Int64) (int64, error) {
	w := &deadlineWriter{conn: conn, stall: e.stall}
	bw := bufio.NewWriterSize(w, e.chunkSize)

	var total int64
	for line := range job.Lines {
		if job.Token.Cancelled() {
			return total, ErrTransferAborted
		}
		if _, err := bw.WriteString(line); err != nil {
			return total, &TransferError{Side: SideNetwork, Err: err}
		}
		if _, err := bw.WriteString("\r\n"); err != nil {
			return total, &TransferError{Side: SideNetwork, Err: err}
		}
		n := int64(len(line) + 2)
		total += n
		progress.Add(n)
	}
	if err := bw.Flush(); err != nil {
		return total, &TransferError{Side: SideNetwork, Err: err}
	}
	return total, nil
}

func (e *transferEngine) write(conn net.Conn, p []byte) error {
	if e.stall > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(e.stall))
	}
	_, err := conn.Write(p)
	return err
}

type deadlineWriter struct {
	conn  net.Conn
	stall time.Duration
}

func (w *deadlineWriter) Write(p []byte) (int, error) {
	if w.stall > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.stall))
	}
	return w.conn.Write(p)
}

// transferStatus maps a Run result to a reply.
func transferStatus(err error) (int, string) {
	var te *TransferError
	switch {
	case err == nil:
		return 226, "Transfer complete."
	case errors.Is(err, ErrTransferAborted):
		return 426, "Connection closed; transfer aborted."
	case errors.As(err, &te) && te.Side == SideDisk:
		if isNoSpace(err) {
			return 452, "Insufficient storage space."
		}
		return 451, "Requested action aborted: local error in processing."
	case errors.As(err, &te):
		return 426, "Connection closed; transfer aborted."
	default:
		return 425, "Can't open data connection."
	}
}
