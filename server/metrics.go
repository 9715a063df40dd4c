package server

import "time"

// MetricsCollector is an optional interface for collecting server metrics.
// internal/metrics provides a Prometheus implementation.
//
// Methods are called from session goroutines and must be safe for
// concurrent use and non-blocking.
type MetricsCollector interface {
	// RecordCommand records one command. cmd is the verb as received
	// (e.g. "RETR", "XPWD"); success is true for replies below 400.
	RecordCommand(cmd string, success bool, duration time.Duration)

	// RecordTransfer records a finished transfer. operation is the
	// canonical verb, status one of "complete", "aborted" or "failed".
	RecordTransfer(operation string, bytes int64, duration time.Duration, status string)

	// RecordConnection records a connection attempt. reason is "accepted",
	// "global_limit_reached", "per_ip_limit_reached" or "shutting_down".
	RecordConnection(accepted bool, reason string)

	// RecordAuthentication records a PASS outcome.
	RecordAuthentication(success bool, user string)
}
