// Package metrics exports FTP server metrics to Prometheus. Collector
// implements server.MetricsCollector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ftpd"

// Collector is the Prometheus implementation of server.MetricsCollector.
type Collector struct {
	registry *prometheus.Registry

	commands         *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	transfers        *prometheus.CounterVec
	transferBytes    *prometheus.CounterVec
	transferDuration *prometheus.HistogramVec
	connections      *prometheus.CounterVec
	authentications  *prometheus.CounterVec
}

// ServerStats is the live state exposed as gauges.
type ServerStats interface {
	ActiveSessions() int
	PassivePortsInUse() int
}

// New creates a Collector on its own registry, which also carries the Go
// runtime and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Collector{
		registry: reg,
		commands: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Total number of control commands by verb and result",
			},
			[]string{"command", "result"}, // result: "ok", "error"
		),
		commandDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Time to handle a control command, excluding transfers",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"command"},
		),
		transfers: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_total",
				Help:      "Total number of data transfers by operation and status",
			},
			[]string{"operation", "status"}, // status: "complete", "aborted", "failed"
		),
		transferBytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfer_bytes_total",
				Help:      "Bytes moved over data connections by operation",
			},
			[]string{"operation"},
		),
		transferDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transfer_duration_seconds",
				Help:      "Duration of data transfers",
				Buckets: []float64{
					0.01, // 10ms - listings, small files
					0.1,
					0.5,
					1,
					5,
					30,
					120,
					600, // 10m - large files on slow links
				},
			},
			[]string{"operation"},
		),
		connections: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Control connection attempts by outcome",
			},
			[]string{"result", "reason"},
		),
		authentications: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "authentications_total",
				Help:      "Login attempts by result",
			},
			[]string{"result"},
		),
	}
}

// Registry returns the registry the metrics live in.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveServer registers gauges that read the live session and passive
// port counts from s on every scrape.
func (c *Collector) ObserveServer(s ServerStats) {
	promauto.With(c.registry).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Connected control sessions",
		},
		func() float64 { return float64(s.ActiveSessions()) },
	)
	promauto.With(c.registry).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "passive_ports_in_use",
			Help:      "Reserved passive ports",
		},
		func() float64 { return float64(s.PassivePortsInUse()) },
	)
}

func (c *Collector) RecordCommand(cmd string, success bool, duration time.Duration) {
	c.commands.WithLabelValues(cmd, result(success, "ok", "error")).Inc()
	c.commandDuration.WithLabelValues(cmd).Observe(duration.Seconds())
}

func (c *Collector) RecordTransfer(operation string, bytes int64, duration time.Duration, status string) {
	c.transfers.WithLabelValues(operation, status).Inc()
	c.transferBytes.WithLabelValues(operation).Add(float64(bytes))
	c.transferDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (c *Collector) RecordConnection(accepted bool, reason string) {
	c.connections.WithLabelValues(result(accepted, "accepted", "rejected"), reason).Inc()
}

// RecordAuthentication counts logins. The user name is not a label.
func (c *Collector) RecordAuthentication(success bool, _ string) {
	c.authentications.WithLabelValues(result(success, "success", "failure")).Inc()
}

func result(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
