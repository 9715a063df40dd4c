// Package config loads the ftpd configuration from a YAML file, FTPD_*
// environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the ftpd configuration.
type Config struct {
	// Listen is the control connection address.
	Listen string `mapstructure:"listen" validate:"required,hostname_port" yaml:"listen"`

	// Root is the default sandbox root for users and anonymous access that
	// do not name their own.
	Root string `mapstructure:"root" validate:"required" yaml:"root"`

	// PublicHost is announced in PASV replies instead of the local address.
	PublicHost string `mapstructure:"public_host" yaml:"public_host,omitempty"`

	// StrictDataIP requires data connections to involve the control peer.
	StrictDataIP bool `mapstructure:"strict_data_ip" yaml:"strict_data_ip"`

	PassivePorts PortRange `mapstructure:"passive_ports" yaml:"passive_ports"`

	Limits LimitsConfig `mapstructure:"limits" yaml:"limits"`

	// Welcome is the 220 banner.
	Welcome string `mapstructure:"welcome" yaml:"welcome"`

	// TransferLog is an xferlog file path; empty disables it.
	TransferLog string `mapstructure:"transfer_log" yaml:"transfer_log,omitempty"`

	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	Anonymous AnonymousConfig `mapstructure:"anonymous" yaml:"anonymous"`

	Users []UserConfig `mapstructure:"users" validate:"dive" yaml:"users,omitempty"`

	Lockout LockoutConfig `mapstructure:"lockout" yaml:"lockout"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0" yaml:"shutdown_timeout"`
}

// PortRange is the passive port range; both zero lets the OS choose.
type PortRange struct {
	Min int `mapstructure:"min" validate:"omitempty,min=1,max=65535" yaml:"min"`
	Max int `mapstructure:"max" validate:"omitempty,min=1,max=65535,gtefield=Min" yaml:"max"`
}

// LimitsConfig holds connection, timeout and bandwidth limits.
type LimitsConfig struct {
	MaxConnections      int             `mapstructure:"max_connections" validate:"gte=0" yaml:"max_connections"`
	MaxConnectionsPerIP int             `mapstructure:"max_connections_per_ip" validate:"gte=0" yaml:"max_connections_per_ip"`
	IdleTimeout         time.Duration   `mapstructure:"idle_timeout" validate:"gte=0" yaml:"idle_timeout"`
	DataTimeout         time.Duration   `mapstructure:"data_timeout" validate:"gt=0" yaml:"data_timeout"`
	ChunkSize           ByteSize        `mapstructure:"chunk_size" validate:"gte=4096,lte=1048576" yaml:"chunk_size"`
	Bandwidth           BandwidthConfig `mapstructure:"bandwidth" yaml:"bandwidth"`
}

// BandwidthConfig caps throughput in bytes per second; 0 is unlimited.
type BandwidthConfig struct {
	Global     ByteSize `mapstructure:"global" validate:"gte=0" yaml:"global"`
	PerSession ByteSize `mapstructure:"per_session" validate:"gte=0" yaml:"per_session"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is json or console.
	Format string `mapstructure:"format" validate:"required,oneof=json console" yaml:"format"`

	// Output is stdout, stderr or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// MetricsConfig controls the admin HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" validate:"required_if=Enabled true,omitempty,hostname_port" yaml:"listen"`
}

// AnonymousConfig enables guest logins.
type AnonymousConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Root     string `mapstructure:"root" yaml:"root,omitempty"`
	ReadOnly bool   `mapstructure:"read_only" yaml:"read_only"`
}

// UserConfig is one account. PasswordHash is a bcrypt hash as printed by
// "ftpd passwd".
type UserConfig struct {
	Name         string `mapstructure:"name" validate:"required" yaml:"name"`
	PasswordHash string `mapstructure:"password_hash" validate:"required" yaml:"password_hash"`
	Root         string `mapstructure:"root" yaml:"root,omitempty"`
	ReadOnly     bool   `mapstructure:"read_only" yaml:"read_only"`
}

// LockoutConfig throttles repeated failed logins; MaxAttempts 0 disables.
type LockoutConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=0" yaml:"max_attempts"`
	Window      time.Duration `mapstructure:"window" validate:"gte=0" yaml:"window"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Flags bound into v
//  2. Environment variables (FTPD_*)
//  3. Configuration file
//  4. Default values
//
// A missing file is not an error. An empty configPath uses the default
// location.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	setupViper(v, configPath)

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Save writes cfg as YAML. The file may hold password hashes, so it is
// created owner-only.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks struct constraints and the cross-field rules the tags
// cannot express.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	if (cfg.PassivePorts.Min == 0) != (cfg.PassivePorts.Max == 0) {
		return errors.New("passive_ports: min and max must both be set or both be zero")
	}
	if cfg.Anonymous.Enabled && cfg.Anonymous.Root == "" {
		return errors.New("anonymous: root is required")
	}
	if !cfg.Anonymous.Enabled && len(cfg.Users) == 0 {
		return errors.New("no users configured and anonymous access disabled")
	}

	seen := make(map[string]bool, len(cfg.Users))
	for _, u := range cfg.Users {
		if seen[u.Name] {
			return fmt.Errorf("users: duplicate user %q", u.Name)
		}
		seen[u.Name] = true
	}
	return nil
}

// setupViper configures viper with environment variables and config file
// settings.
func setupViper(v *viper.Viper, configPath string) {
	setDefaults(v)

	// Environment variables use the FTPD_ prefix and underscores.
	// Example: FTPD_LIMITS_IDLE_TIMEOUT=10m
	v.SetEnvPrefix("FTPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(ConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

// readConfigFile reads the configuration file if it exists and reports
// whether one was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns the combined decode hook for durations and
// byte sizes.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts "64KiB", "10MB" or plain numbers to ByteSize.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return ParseByteSize(v)
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts "30s", "5m" or integer nanoseconds to
// time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// ConfigDir returns $XDG_CONFIG_HOME/ftpd, falling back to ~/.config/ftpd
// and then to the current directory.
func ConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "ftpd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "ftpd")
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
