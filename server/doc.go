// Package server implements an RFC 959 FTP server.
//
// # Overview
//
// Each control connection is a session: a state machine that reads
// commands, answers with numeric replies and hands file and listing
// transfers to a transfer goroutine over a separate data connection.
// Sessions are independent; they share only the passive port pool and the
// global bandwidth limiter.
//
// The server provides:
//   - Active (PORT, EPRT) and passive (PASV, EPSV) data connections
//   - ASCII and image transfer types, stream mode, file structure
//   - Restartable transfers (REST STREAM) and ABOR of a running transfer
//   - A sandboxed view of the filesystem per authenticated identity
//   - Connection limits, idle timeout, bandwidth limits, xferlog output
//
// # Getting Started
//
// Serve a local directory to anonymous users, read-only:
//
//	package main
//
//	import (
//	    "log"
//
//	    "github.com/gonzalop/ftpd/server"
//	)
//
//	func main() {
//	    s, err := server.NewServer(":21",
//	        server.WithAuthenticator(server.AnonymousAuthenticator("/srv/ftp", true)),
//	    )
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    log.Fatal(s.ListenAndServe())
//	}
//
// # Authentication
//
// An Authenticator maps USER/PASS to an Identity, which names the sandbox
// root and whether the account is read-only. The auth package provides a
// bcrypt-backed implementation with failed-login lockout.
//
// # Storage
//
// The FileSystemFactory opens a FileSystem per login. The default,
// OSFileSystemFactory, serves the identity's root through an os.Root so
// that no operation can leave it. Client paths are first normalised by a
// PathResolver: ".." above "/" is refused rather than clamped, and symbolic
// links pointing outside the root are refused.
//
// # Session rules
//
//   - Commands other than USER, PASS, QUIT, NOOP, HELP, FEAT, OPTS, SYST
//     and SITE need a logged-in session (530).
//   - RNTO must directly follow RNFR (503).
//   - A PORT/PASV data connection is kept across TYPE, MODE, STRU, PORT,
//     PASV, EPRT, EPSV, REST and ALLO, used by the next transfer command
//     and discarded by any other command. Without one a transfer command
//     fails with 425 before the file is opened.
//   - REST must directly precede RETR, STOR or APPE. Any other command
//     discards the offset.
//   - While a transfer runs only ABOR, STAT, NOOP and QUIT are served.
//     ABOR produces 426 for the transfer followed by 226.
//
// # Monitoring
//
// WithMetrics accepts a MetricsCollector; internal/metrics exports one to
// Prometheus. Sessions() returns a snapshot of the connected clients.
//
// # Graceful shutdown
//
//	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
//	defer cancel()
//	s.Shutdown(ctx)
package server
