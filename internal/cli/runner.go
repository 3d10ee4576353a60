// Package cli is the nomadflow command tree: the daemon itself (serve),
// its background control (start, stop, status), host checks (doctor,
// config init) and thin clients of the running daemon's HTTP API.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/g960059/nomadflow/internal/appclient"
	"github.com/g960059/nomadflow/internal/command"
	"github.com/g960059/nomadflow/internal/config"
	"github.com/g960059/nomadflow/internal/tunnel"
)

type Runner struct {
	out    io.Writer
	errOut io.Writer

	// Replaced in tests.
	newExecutor func(cfg config.Config) *command.Executor
	spawn       func(cfg config.Config, args []string) (int, error)
	openTunnel  func(ctx context.Context, opts tunnel.Options) (*tunnel.Tunnel, error)
	httpClient  *http.Client

	configPath string
	baseURL    string
}

func NewRunner(out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{
		out:         out,
		errOut:      errOut,
		newExecutor: command.NewExecutor,
		spawn:       spawnDaemon,
		openTunnel:  tunnel.Open,
		httpClient:  &http.Client{},
	}
}

// usageError marks errors caused by bad arguments; they exit with 2.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }

// Run executes args and returns the process exit code.
func (r *Runner) Run(ctx context.Context, args []string) int {
	root := r.rootCommand()
	root.SetArgs(args)
	root.SetOut(r.out)
	root.SetErr(r.errOut)
	if len(args) == 0 {
		_ = root.Usage()
		return 2
	}
	if err := root.ExecuteContext(ctx); err != nil {
		var ue usageError
		if errors.As(err, &ue) || strings.HasPrefix(err.Error(), "unknown command") ||
			strings.HasPrefix(err.Error(), "unknown flag") || strings.Contains(err.Error(), "arg(s)") {
			_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
			return 2
		}
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "nomadflow",
		Short:         "Git worktree and tmux window orchestration for remote terminals",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&r.configPath, "config", "", "config file (default ~/.nomadflowcode/config.toml)")
	root.PersistentFlags().StringVar(&r.baseURL, "url", "", "daemon URL for client commands (default from config)")

	root.AddCommand(
		r.serveCommand(),
		r.startCommand(),
		r.stopCommand(),
		r.statusCommand(),
		r.doctorCommand(),
		r.configCommand(),
		r.reposCommand(),
		r.featuresCommand(),
		r.switchCommand(),
		r.actionsCommand(),
	)
	return root
}

func (r *Runner) loadConfig() (config.Config, error) {
	cfg, err := config.Load(r.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// localURL is where the daemon for cfg can be reached from this host.
func localURL(cfg config.Config) string {
	return "http://" + cfg.LocalAPIAddr()
}

func (r *Runner) client(cfg config.Config) *appclient.Client {
	base := strings.TrimSpace(r.baseURL)
	if base == "" {
		base = localURL(cfg)
	}
	return appclient.NewWithClient(base, cfg.Secret, r.httpClient)
}

// resolveRepoArg accepts a repository name under the repos root or a path.
func resolveRepoArg(cfg config.Config, arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", usageError{errors.New("repository is required")}
	}
	if filepath.IsAbs(arg) || strings.ContainsRune(arg, filepath.Separator) || strings.HasPrefix(arg, ".") {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	return filepath.Join(cfg.ReposDir(), arg), nil
}

func (r *Runner) writeJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, _ = r.out.Write(raw)
	_, _ = fmt.Fprintln(r.out)
	return nil
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}
