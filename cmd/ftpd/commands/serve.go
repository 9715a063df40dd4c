package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/gonzalop/ftpd/auth"
	"github.com/gonzalop/ftpd/internal/admin"
	"github.com/gonzalop/ftpd/internal/config"
	"github.com/gonzalop/ftpd/internal/logger"
	"github.com/gonzalop/ftpd/internal/metrics"
	"github.com/gonzalop/ftpd/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the FTP server",
	Long: `Start the FTP server with the configuration from the config file,
FTPD_* environment variables and flags, in increasing precedence.

SIGINT or SIGTERM stops accepting connections and waits up to
shutdown_timeout for running sessions before closing them.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "control connection address (overrides config)")
	serveCmd.Flags().String("root", "", "default account root (overrides config)")
	serveCmd.Flags().String("log-level", "", "log level: debug, info, warn, error (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viper.New()
	for key, flag := range map[string]string{
		"listen":        "listen",
		"root":          "root",
		"logging.level": "log-level",
	} {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("bind flag %s: %w", flag, err)
			}
		}
	}

	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Output:  cfg.Logging.Output,
		Service: "ftpd",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	log.Info("config_loaded", "source", configSource(v), "version", Version)

	authenticator, err := buildAuthenticator(cfg)
	if err != nil {
		return err
	}

	opts := []server.Option{
		server.WithAuthenticator(authenticator),
		server.WithLogger(log),
		server.WithWelcomeMessage(cfg.Welcome),
		server.WithPublicHost(cfg.PublicHost),
		server.WithStrictDataIP(cfg.StrictDataIP),
		server.WithMaxConnections(cfg.Limits.MaxConnections, cfg.Limits.MaxConnectionsPerIP),
		server.WithIdleTimeout(cfg.Limits.IdleTimeout),
		server.WithDataTimeout(cfg.Limits.DataTimeout),
		server.WithChunkSize(int(cfg.Limits.ChunkSize)),
		server.WithBandwidthLimit(int64(cfg.Limits.Bandwidth.Global), int64(cfg.Limits.Bandwidth.PerSession)),
	}
	if cfg.PassivePorts.Min != 0 {
		opts = append(opts, server.WithPassivePorts(cfg.PassivePorts.Min, cfg.PassivePorts.Max))
	}

	if cfg.TransferLog != "" {
		xferlog, err := os.OpenFile(cfg.TransferLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open transfer log: %w", err)
		}
		defer xferlog.Close()
		opts = append(opts, server.WithTransferLog(xferlog))
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.New()
		opts = append(opts, server.WithMetrics(collector))
	}

	srv, err := server.NewServer(cfg.Listen, opts...)
	if err != nil {
		return err
	}
	if collector != nil {
		collector.ObserveServer(srv)
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}
	log.Info("server_listening", "addr", ln.Addr().String(), "root", cfg.Root, "anonymous", cfg.Anonymous.Enabled, "users", len(cfg.Users))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := srv.Serve(ln)
		if errors.Is(err, server.ErrServerClosed) {
			return nil
		}
		return err
	})

	var adminSrv *http.Server
	if collector != nil {
		adminSrv = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           admin.NewRouter(srv, collector.Registry(), log),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info("admin_listening", "addr", adminSrv.Addr)
			if err := adminSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown_started", "timeout", cfg.ShutdownTimeout.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if adminSrv != nil {
			if err := adminSrv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		log.Error("server_stopped", "error", err)
		return err
	}
	log.Info("server_stopped")
	return nil
}

// buildAuthenticator turns the configured accounts into a Static
// authenticator behind the failed-login lockout.
func buildAuthenticator(cfg *config.Config) (server.Authenticator, error) {
	users := make([]auth.User, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		users = append(users, auth.User{
			Name:         u.Name,
			PasswordHash: u.PasswordHash,
			Root:         u.Root,
			ReadOnly:     u.ReadOnly,
		})
	}

	static, err := auth.NewStatic(users, auth.Anonymous{
		Enabled:  cfg.Anonymous.Enabled,
		Root:     cfg.Anonymous.Root,
		ReadOnly: cfg.Anonymous.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid accounts: %w", err)
	}
	return auth.NewLockout(static, cfg.Lockout.MaxAttempts, cfg.Lockout.Window), nil
}

func configSource(v *viper.Viper) string {
	if f := v.ConfigFileUsed(); f != "" {
		if _, err := os.Stat(f); err == nil {
			return f
		}
	}
	return "defaults"
}
