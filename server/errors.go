package server

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrServerClosed is returned by Serve and ListenAndServe after Shutdown.
var ErrServerClosed = errors.New("ftp: Server closed")

// Session-level errors. Each one is recovered at the session boundary and
// turned into a reply; none of them closes the control connection.
var (
	// ErrMalformedCommand is returned by ParseCommand for an empty line or a
	// line without a verb token.
	ErrMalformedCommand = errors.New("malformed command")

	// ErrNotLoggedIn is a precondition failure for commands that need an
	// authenticated session.
	ErrNotLoggedIn = errors.New("not logged in")

	// ErrPathEscape is returned by the path resolver when a path would leave
	// the sandbox root.
	ErrPathEscape = errors.New("path escapes sandbox root")

	// ErrNoPortsAvailable is returned by the port allocator when every port
	// in the passive range is reserved.
	ErrNoPortsAvailable = errors.New("no passive ports available")

	// ErrDataConnTimeout is returned when the client does not connect to a
	// passive listener in time.
	ErrDataConnTimeout = errors.New("data connection timeout")

	// ErrNoDataConn is returned when a transfer command arrives without a
	// preceding PORT or PASV.
	ErrNoDataConn = errors.New("no data connection set up")

	// ErrTransferAborted reports a transfer stopped through its cancel token.
	ErrTransferAborted = errors.New("transfer aborted")

	// ErrAuthRejected is returned by an Authenticator for bad credentials.
	ErrAuthRejected = errors.New("authentication rejected")
)

// TransferSide identifies which end of a transfer failed.
type TransferSide string

const (
	SideDisk    TransferSide = "disk"
	SideNetwork TransferSide = "network"
)

// TransferError is a mid-transfer I/O failure.
type TransferError struct {
	Side TransferSide
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer failed (%s): %v", e.Side, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

func isNoSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
