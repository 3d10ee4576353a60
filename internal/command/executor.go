package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/g960059/nomadflow/internal/apperr"
	"github.com/g960059/nomadflow/internal/config"
)

// TimeoutExitCode is reported when a command was killed for exceeding its bound.
const TimeoutExitCode = -1

type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

func (r Result) OK() bool { return r.ExitCode == 0 }

// Diagnostic returns trimmed stderr, falling back to stdout.
func (r Result) Diagnostic() string {
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	return strings.TrimSpace(r.Stdout)
}

// Runner executes one process. Implementations must not return an error for
// a non-zero exit status; that is reported through Result.ExitCode.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
	LookPath(name string) (string, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, c Command) (Result, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	res.ExitCode = -1
	return res, err
}

func (OSRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

type Executor struct {
	cfg    config.Config
	runner Runner
}

func NewExecutor(cfg config.Config) *Executor {
	return &Executor{
		cfg:    cfg,
		runner: OSRunner{},
	}
}

func NewExecutorWithRunner(cfg config.Config, runner Runner) *Executor {
	e := NewExecutor(cfg)
	e.runner = runner
	return e
}

// Run executes c bounded by c.Timeout (the configured command timeout when
// zero). The returned Result is always populated. An error is returned only
// when the process could not be started or was killed on timeout; in the
// timeout case ExitCode is TimeoutExitCode and Stderr says so.
func (e *Executor) Run(ctx context.Context, c Command) (Result, error) {
	if c.Name == "" {
		return Result{ExitCode: -1, Stderr: "empty command"}, fmt.Errorf("empty command")
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = e.cfg.CommandTimeout
	}

	maxAttempts := 1
	if isRetryableCommand(c) {
		maxAttempts += len(e.cfg.RetryBackoff)
	}
	var (
		res     Result
		lastErr error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, lastErr = e.runOnce(ctx, c, timeout)
		if lastErr == nil || ctx.Err() != nil || !apperr.Is(lastErr, apperr.KindTimeout) {
			return res, lastErr
		}
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(e.cfg.RetryBackoff[attempt-1]):
			}
		}
	}
	return res, lastErr
}

func (e *Executor) runOnce(ctx context.Context, c Command, timeout time.Duration) (Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := e.runner.Run(runCtx, c)
	res.Duration = time.Since(start)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.ExitCode = TimeoutExitCode
		res.Stderr = appendLine(res.Stderr, fmt.Sprintf("command timed out after %s", timeout))
		return res, apperr.Timeout(apperr.Op("command.Run"), c.Name)
	}
	if err != nil {
		if res.ExitCode == 0 {
			res.ExitCode = -1
		}
		res.Stderr = appendLine(res.Stderr, fmt.Sprintf("failed to execute %s: %v", c.Name, err))
		return res, fmt.Errorf("run %s: %w", c.Name, err)
	}
	return res, nil
}

// LookPath reports whether name resolves to an executable.
func (e *Executor) LookPath(name string) bool {
	_, err := e.runner.LookPath(name)
	return err == nil
}

// Config returns the configuration the executor was built with.
func (e *Executor) Config() config.Config {
	return e.cfg
}

func isRetryableCommand(c Command) bool {
	if c.Name != "tmux" || len(c.Args) == 0 {
		return false
	}
	switch strings.ToLower(c.Args[0]) {
	case "list-panes", "list-windows", "has-session", "display-message":
		return true
	default:
		return false
	}
}

func appendLine(s, line string) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return line
	}
	return s + "\n" + line
}
