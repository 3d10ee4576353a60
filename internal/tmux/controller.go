// Package tmux owns the single nomadflow session and the feature windows
// inside it. Windows are looked up by name and then addressed by their
// stable window ID (@N), so names containing ':' or '.' are never parsed
// as target separators.
package tmux

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/g960059/nomadflow/internal/apperr"
	"github.com/g960059/nomadflow/internal/command"
	"github.com/g960059/nomadflow/internal/model"
	"github.com/g960059/nomadflow/internal/tmuxfmt"
)

const binary = "tmux"

// SwitchResult reports the outcome of SwitchToWindow. HadRunningProcess is
// sampled before any mutation.
type SwitchResult struct {
	Switched          bool
	HadRunningProcess bool
}

type Controller struct {
	exec    *command.Executor
	session string
	timeout time.Duration
	logger  *slog.Logger
	ensure  singleflight.Group
	locks   *windowLocks
}

func NewController(exec *command.Executor, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := exec.Config()
	return &Controller{
		exec:    exec,
		session: cfg.TmuxSession,
		timeout: cfg.TmuxTimeout,
		logger:  logger,
		locks:   newWindowLocks(),
	}
}

func (c *Controller) Session() string { return c.session }

// Available reports whether the tmux binary is on PATH.
func (c *Controller) Available() bool { return c.exec.LookPath(binary) }

func (c *Controller) tmux(ctx context.Context, args ...string) (command.Result, error) {
	return c.exec.Run(ctx, command.Command{Name: binary, Args: args, Timeout: c.timeout})
}

func (c *Controller) sessionTarget() string { return "=" + c.session }

// EnsureSession creates the session when it does not exist. Concurrent
// callers share one has-session check.
func (c *Controller) EnsureSession(ctx context.Context) error {
	if !c.Available() {
		return apperr.BackendUnavailable(binary)
	}
	// The shared check outlives any single caller's cancellation.
	shared := context.WithoutCancel(ctx)
	_, err, _ := c.ensure.Do(c.session, func() (any, error) {
		ctx := shared
		if res, _ := c.tmux(ctx, "has-session", "-t", c.sessionTarget()); res.OK() {
			return nil, nil
		}
		res, err := c.tmux(ctx, "new-session", "-d", "-s", c.session)
		if res.OK() {
			c.logger.Info("tmux session created", "session", c.session)
			return nil, nil
		}
		if apperr.Is(err, apperr.KindTimeout) {
			return nil, err
		}
		// Another process may have created it between has-session and new-session.
		if again, _ := c.tmux(ctx, "has-session", "-t", c.sessionTarget()); again.OK() {
			return nil, nil
		}
		return nil, apperr.SessionCreationFailed(c.session, res.Diagnostic())
	})
	return err
}

// ListWindows returns the session's windows in index order.
func (c *Controller) ListWindows(ctx context.Context) ([]model.Window, error) {
	res, err := c.tmux(ctx, "list-windows", "-t", c.sessionTarget(), "-F",
		tmuxfmt.Join("#{window_index}", "#{window_id}", "#{window_name}"))
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, apperr.E(apperr.Op("tmux.ListWindows"), apperr.KindOperationFailed, apperr.Detail(res.Diagnostic()), "list windows failed")
	}
	return parseWindows(res.Stdout), nil
}

func parseWindows(out string) []model.Window {
	lines := tmuxfmt.Lines(out)
	windows := make([]model.Window, 0, len(lines))
	for _, line := range lines {
		parts := tmuxfmt.SplitLine(line, 3)
		if len(parts) != 3 {
			continue
		}
		idx := tmuxfmt.Atoi(parts[0])
		id := strings.TrimSpace(parts[1])
		if idx < 0 || !strings.HasPrefix(id, "@") {
			continue
		}
		windows = append(windows, model.Window{Index: idx, ID: id, Name: parts[2]})
	}
	return windows
}

// findWindow looks name up. A listing failure is returned as an error so
// callers never mistake it for an absent window.
func (c *Controller) findWindow(ctx context.Context, name string) (model.Window, bool, error) {
	windows, err := c.ListWindows(ctx)
	if err != nil {
		return model.Window{}, false, err
	}
	for _, w := range windows {
		if w.Name == name {
			return w, true, nil
		}
	}
	return model.Window{}, false, nil
}

func (c *Controller) WindowExists(ctx context.Context, name string) bool {
	_, ok, _ := c.findWindow(ctx, name)
	return ok
}

// EnsureWindow creates a detached window named name when none exists and
// moves its shell into dir.
func (c *Controller) EnsureWindow(ctx context.Context, name, dir string) (bool, error) {
	_, ok, err := c.findWindow(ctx, name)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	if _, err := c.createWindow(ctx, name, dir); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Controller) createWindow(ctx context.Context, name, dir string) (model.Window, error) {
	args := []string{"new-window", "-d", "-P", "-F", "#{window_id}", "-t", c.sessionTarget() + ":", "-n", name}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	res, err := c.tmux(ctx, args...)
	if err != nil && !res.OK() {
		return model.Window{}, err
	}
	if !res.OK() {
		return model.Window{}, apperr.E(apperr.Op("tmux.EnsureWindow"), apperr.KindOperationFailed, apperr.Detail(res.Diagnostic()), fmt.Sprintf("failed to create window %s", name))
	}
	win := model.Window{ID: strings.TrimSpace(res.Stdout), Name: name}
	if !strings.HasPrefix(win.ID, "@") {
		found, ok, _ := c.findWindow(ctx, name)
		if !ok {
			return model.Window{}, apperr.E(apperr.Op("tmux.EnsureWindow"), apperr.KindOperationFailed, fmt.Sprintf("window %s vanished after creation", name))
		}
		win = found
	}
	c.logger.Debug("tmux window created", "window", name, "id", win.ID, "dir", dir)
	if dir != "" {
		c.sendLine(ctx, win.ID, "cd "+shellQuote(dir))
	}
	return win, nil
}

// ClassifyActivity reports whether the foreground process of the window's
// active pane is an idle shell. A missing window is idle.
func (c *Controller) ClassifyActivity(ctx context.Context, name string) model.Activity {
	win, ok, _ := c.findWindow(ctx, name)
	if !ok {
		return model.ActivityIdle
	}
	return c.classify(ctx, win)
}

// classify reads the active pane, the one send-keys types into.
func (c *Controller) classify(ctx context.Context, win model.Window) model.Activity {
	res, _ := c.tmux(ctx, "list-panes", "-t", win.ID, "-F",
		tmuxfmt.Join("#{pane_active}", "#{pane_current_command}"))
	if !res.OK() {
		return model.ActivityIdle
	}
	return ClassifyCommand(activePaneCommand(res.Stdout))
}

// activePaneCommand picks the command of the pane flagged active, falling
// back to the first pane when no row carries the flag.
func activePaneCommand(out string) string {
	first, seen := "", false
	for _, line := range tmuxfmt.Lines(out) {
		parts := tmuxfmt.SplitLine(line, 2)
		if len(parts) != 2 {
			continue
		}
		if strings.TrimSpace(parts[0]) == "1" {
			return parts[1]
		}
		if !seen {
			first, seen = parts[1], true
		}
	}
	return first
}

// SwitchToWindow focuses the feature window, creating it when absent. A
// window whose foreground process is busy is selected but never sent keys.
func (c *Controller) SwitchToWindow(ctx context.Context, name, dir string) (SwitchResult, error) {
	unlock := c.locks.lock(name)
	defer unlock()

	var out SwitchResult
	win, existed, err := c.findWindow(ctx, name)
	if err != nil {
		return out, err
	}
	if existed {
		out.HadRunningProcess = c.classify(ctx, win) == model.ActivityBusy
	} else {
		created, err := c.createWindow(ctx, name, dir)
		if err != nil {
			return out, err
		}
		win = created
	}

	res, err := c.tmux(ctx, "select-window", "-t", win.ID)
	if !res.OK() {
		detail := res.Diagnostic()
		if detail == "" && err != nil {
			detail = err.Error()
		}
		return out, apperr.SwitchFailed(name, detail)
	}

	if dir != "" && !out.HadRunningProcess {
		c.sendLine(ctx, win.ID, "cd "+shellQuote(dir))
		c.sendLine(ctx, win.ID, "clear")
	}
	out.Switched = true
	c.logger.Debug("tmux window selected", "window", name, "id", win.ID, "busy", out.HadRunningProcess)
	return out, nil
}

// KillWindow closes the named window. It reports whether a window was killed.
func (c *Controller) KillWindow(ctx context.Context, name string) bool {
	win, ok, _ := c.findWindow(ctx, name)
	if !ok {
		return false
	}
	res, _ := c.tmux(ctx, "kill-window", "-t", win.ID)
	if !res.OK() {
		c.logger.Warn("tmux kill-window failed", "window", name, "stderr", res.Diagnostic())
		return false
	}
	return true
}

// ActiveWindow returns the name of the session's current window.
func (c *Controller) ActiveWindow(ctx context.Context) (string, bool) {
	res, _ := c.tmux(ctx, "display-message", "-p", "-t", c.sessionTarget(), "#{window_name}")
	if !res.OK() {
		return "", false
	}
	name := strings.TrimRight(res.Stdout, "\r\n")
	return name, name != ""
}

func (c *Controller) sendLine(ctx context.Context, target, line string) {
	if res, _ := c.tmux(ctx, "send-keys", "-t", target, line, "Enter"); !res.OK() {
		c.logger.Warn("tmux send-keys failed", "target", target, "stderr", res.Diagnostic())
	}
}

// shellQuote wraps s in single quotes for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
