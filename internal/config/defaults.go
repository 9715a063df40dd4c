package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default returns the configuration used when no file exists: anonymous
// read-only access to /srv/ftp on port 2121.
func Default() *Config {
	return &Config{
		Listen:       ":2121",
		Root:         "/srv/ftp",
		StrictDataIP: true,
		Limits: LimitsConfig{
			IdleTimeout: 5 * time.Minute,
			DataTimeout: time.Minute,
			ChunkSize:   32 * KiB,
		},
		Welcome: "FTP Server Ready",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9121",
		},
		Anonymous: AnonymousConfig{
			Enabled:  true,
			ReadOnly: true,
		},
		Lockout: LockoutConfig{
			MaxAttempts: 5,
			Window:      15 * time.Minute,
		},
		ShutdownTimeout: 10 * time.Second,
	}
}

// setDefaults registers every scalar key with viper so that environment
// variables are honoured even when the file does not mention the key.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("listen", d.Listen)
	v.SetDefault("root", d.Root)
	v.SetDefault("public_host", d.PublicHost)
	v.SetDefault("strict_data_ip", d.StrictDataIP)
	v.SetDefault("passive_ports.min", d.PassivePorts.Min)
	v.SetDefault("passive_ports.max", d.PassivePorts.Max)
	v.SetDefault("limits.max_connections", d.Limits.MaxConnections)
	v.SetDefault("limits.max_connections_per_ip", d.Limits.MaxConnectionsPerIP)
	v.SetDefault("limits.idle_timeout", d.Limits.IdleTimeout.String())
	v.SetDefault("limits.data_timeout", d.Limits.DataTimeout.String())
	v.SetDefault("limits.chunk_size", int64(d.Limits.ChunkSize))
	v.SetDefault("limits.bandwidth.global", int64(d.Limits.Bandwidth.Global))
	v.SetDefault("limits.bandwidth.per_session", int64(d.Limits.Bandwidth.PerSession))
	v.SetDefault("welcome", d.Welcome)
	v.SetDefault("transfer_log", d.TransferLog)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
	v.SetDefault("anonymous.enabled", d.Anonymous.Enabled)
	v.SetDefault("anonymous.root", d.Anonymous.Root)
	v.SetDefault("anonymous.read_only", d.Anonymous.ReadOnly)
	v.SetDefault("lockout.max_attempts", d.Lockout.MaxAttempts)
	v.SetDefault("lockout.window", d.Lockout.Window.String())
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout.String())
}

// ApplyDefaults fills in values derived from other fields: account roots
// default to Root.
func ApplyDefaults(cfg *Config) {
	if cfg.Anonymous.Root == "" {
		cfg.Anonymous.Root = cfg.Root
	}
	for i := range cfg.Users {
		if cfg.Users[i].Root == "" {
			cfg.Users[i].Root = cfg.Root
		}
	}
}

// ByteSize is a size in bytes that decodes from strings like "64KiB".
type ByteSize int64

// Binary and decimal size units.
const (
	KB  ByteSize = 1000
	MB           = 1000 * KB
	GB           = 1000 * MB
	KiB ByteSize = 1024
	MiB          = 1024 * KiB
	GiB          = 1024 * MiB
)

var byteUnits = map[string]ByteSize{
	"":    1,
	"B":   1,
	"K":   KiB,
	"KB":  KB,
	"KIB": KiB,
	"M":   MiB,
	"MB":  MB,
	"MIB": MiB,
	"G":   GiB,
	"GB":  GB,
	"GIB": GiB,
}

// ParseByteSize parses a number with an optional unit suffix. Single
// letter units (K, M, G) are binary.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	i := strings.IndexFunc(s, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	})
	num, unit := s, ""
	if i >= 0 {
		num, unit = s[:i], strings.ToUpper(strings.TrimSpace(s[i:]))
	}

	mult, ok := byteUnits[unit]
	if !ok || num == "" {
		return 0, fmt.Errorf("invalid byte size %q", s)
	}
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return ByteSize(n * float64(mult)), nil
}
