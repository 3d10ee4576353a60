package cli

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/g960059/nomadflow/internal/appclient"
	"github.com/g960059/nomadflow/internal/config"
	"github.com/g960059/nomadflow/internal/daemon"
	"github.com/g960059/nomadflow/internal/db"
	"github.com/g960059/nomadflow/internal/proc"
	"github.com/g960059/nomadflow/internal/tunnel"
)

const (
	stopGrace       = 5 * time.Second
	startupWait     = 10 * time.Second
	actionRetention = 30 * 24 * time.Hour
)

type serveOptions struct {
	host      string
	logLevel  string
	logFormat string
	public    bool
}

func (r *Runner) serveCommand() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			return r.runServe(cmd.Context(), cfg, opts)
		},
	}
	cmd.Flags().StringVar(&opts.host, "host", "", "public IP or domain printed in the connect URL")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (default from config)")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", "text", "text or json")
	cmd.Flags().BoolVar(&opts.public, "public", false, "expose the server through the tunnel relay")
	return cmd
}

func (r *Runner) runServe(ctx context.Context, cfg config.Config, opts serveOptions) error {
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	logger, err := newLogger(r.errOut, cfg.LogLevel, opts.logFormat)
	if err != nil {
		return usageError{err}
	}
	if wrote, err := config.WriteDefault(cfg.ConfigPath, cfg); err != nil {
		logger.Warn("write default config failed", "path", cfg.ConfigPath, "error", err)
	} else if wrote {
		logger.Info("wrote default config", "path", cfg.ConfigPath)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	if opts.public && cfg.Secret == "" {
		cfg.Secret = rand.Text()
		logger.Warn("no auth secret configured; generated a temporary one for this session")
	}

	store, err := db.OpenAndMigrate(ctx, cfg.DBPath())
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck
	startRetentionLoop(ctx, store, logger)

	srv := daemon.NewServerWithDeps(cfg, daemon.Deps{
		Store:    store,
		Executor: r.newExecutor(cfg),
		Logger:   logger,
	})
	connectURL := daemon.ConnectURL(opts.host, cfg.APIPort)
	if opts.public {
		if tun := r.startTunnel(ctx, cfg, logger); tun != nil {
			defer tun.Close() //nolint:errcheck
			connectURL = tun.Info().PublicURL
		}
	}
	daemon.PrintConnectionInfo(r.out, connectURL, cfg.Secret)
	if opts.public {
		_, _ = fmt.Fprintf(r.out, "  Public tunnel via %s. You can also self-host over a VPN or your own relay.\n\n", cfg.Tunnel.RelayHost)
	}
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// startTunnel opens the public tunnel and serves it until ctx ends. A
// failure is logged and the server stays reachable at its local address.
func (r *Runner) startTunnel(ctx context.Context, cfg config.Config, logger *slog.Logger) *tunnel.Tunnel {
	tun, err := r.openTunnel(ctx, tunnel.OptionsFromConfig(cfg, logger))
	if err != nil {
		logger.Warn("tunnel failed; falling back to the local connect url", "error", err)
		return nil
	}
	go func() {
		if err := tun.Serve(ctx); err != nil {
			logger.Warn("tunnel closed", "error", err)
		}
	}()
	return tun
}

func startRetentionLoop(ctx context.Context, store *db.Store, logger *slog.Logger) {
	run := func() {
		cutoff := time.Now().UTC().Add(-actionRetention)
		if n, err := store.PurgeBefore(ctx, cutoff); err != nil {
			logger.Warn("action retention purge failed", "error", err)
		} else if n > 0 {
			logger.Info("purged old actions", "count", n)
		}
	}

	run()
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

func (r *Runner) startCommand() *cobra.Command {
	var (
		host   string
		public bool
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the server as a background daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			return r.runStart(cmd.Context(), cfg, host, public)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "public IP or domain printed in the connect URL")
	cmd.Flags().BoolVar(&public, "public", false, "expose the server through the tunnel relay")
	return cmd
}

func (r *Runner) runStart(ctx context.Context, cfg config.Config, host string, public bool) error {
	if pid, err := proc.ReadPIDFile(cfg.PIDFile()); err == nil {
		if proc.Alive(pid) {
			_, _ = fmt.Fprintf(r.out, "NomadFlow daemon already running (PID %d)\n", pid)
			return nil
		}
		if err := proc.RemovePIDFile(cfg.PIDFile()); err != nil {
			return err
		}
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	args := []string{"serve"}
	if r.configPath != "" {
		args = append(args, "--config", r.configPath)
	}
	if host != "" {
		args = append(args, "--host", host)
	}
	if public {
		args = append(args, "--public")
	}
	pid, err := r.spawn(cfg, args)
	if err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	if err := proc.WritePIDFile(cfg.PIDFile(), pid); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	_, _ = fmt.Fprintf(r.out, "NomadFlow daemon started (PID %d)\n", pid)
	_, _ = fmt.Fprintf(r.out, "Logs: %s\n", cfg.LogFile())

	waitCtx, cancel := context.WithTimeout(ctx, startupWait)
	defer cancel()
	if _, err := r.client(cfg).WaitHealthy(waitCtx, appclient.WaitHealthyOptions{}); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "warning: daemon not answering yet (%v); check the log\n", err)
		return nil
	}
	if public {
		_, _ = fmt.Fprintf(r.out, "Public URL and secret are printed in %s\n", cfg.LogFile())
		return nil
	}
	daemon.PrintConnectionInfo(r.out, daemon.ConnectURL(host, cfg.APIPort), cfg.Secret)
	return nil
}

// spawnDaemon runs this executable with args in its own session, with
// stdout and stderr appended to the daemon log.
func spawnDaemon(cfg config.Config, args []string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}
	logFile, err := os.OpenFile(cfg.LogFile(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close() //nolint:errcheck

	cmd := exec.Command(exe, args...)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}

func (r *Runner) stopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background daemon",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			return r.runStop(cfg)
		},
	}
}

func (r *Runner) runStop(cfg config.Config) error {
	pid, err := proc.ReadPIDFile(cfg.PIDFile())
	if errors.Is(err, proc.ErrNoPIDFile) {
		_, _ = fmt.Fprintln(r.out, "No PID file found; daemon not running")
		return nil
	}
	if err != nil {
		return err
	}
	if !proc.Alive(pid) {
		_, _ = fmt.Fprintf(r.out, "Process %d not running, removing stale PID file\n", pid)
		return proc.RemovePIDFile(cfg.PIDFile())
	}

	_, _ = fmt.Fprintf(r.out, "Stopping NomadFlow daemon (PID %d)...\n", pid)
	killed, err := proc.Terminate(pid, stopGrace, nil)
	if err != nil {
		return err
	}
	if killed {
		_, _ = fmt.Fprintln(r.out, "Process did not exit after SIGTERM and was killed")
	}
	if err := proc.RemovePIDFile(cfg.PIDFile()); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(r.out, "NomadFlow daemon stopped")
	return nil
}

func (r *Runner) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the daemon is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			r.runStatus(cmd.Context(), cfg)
			return nil
		},
	}
}

func (r *Runner) runStatus(ctx context.Context, cfg config.Config) {
	pid, err := proc.ReadPIDFile(cfg.PIDFile())
	switch {
	case err != nil:
		_, _ = fmt.Fprintln(r.out, "NomadFlow daemon: not running")
		return
	case !proc.Alive(pid):
		_, _ = fmt.Fprintln(r.out, "NomadFlow daemon: not running (stale PID file)")
		return
	}
	_, _ = fmt.Fprintf(r.out, "NomadFlow daemon: running (PID %d)\n", pid)

	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	health, err := r.client(cfg).Health(healthCtx)
	if err != nil {
		_, _ = fmt.Fprintf(r.out, "API: unreachable (%v)\n", err)
		return
	}
	ttyd := "stopped"
	if health.TTYDRunning {
		ttyd = "running"
	}
	_, _ = fmt.Fprintf(r.out, "API: %s (port %d, version %s)\n", health.Status, health.APIPort, health.Version)
	_, _ = fmt.Fprintf(r.out, "tmux session: %s\n", health.TmuxSession)
	_, _ = fmt.Fprintf(r.out, "ttyd: %s\n", ttyd)
}
