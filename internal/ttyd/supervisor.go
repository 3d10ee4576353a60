// Package ttyd supervises the ttyd process that serves the tmux session
// over a websocket.
package ttyd

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/g960059/nomadflow/internal/apperr"
	"github.com/g960059/nomadflow/internal/command"
	"github.com/g960059/nomadflow/internal/proc"
	"github.com/g960059/nomadflow/internal/security"
)

const (
	binary = "ttyd"
	// AuthUser is the fixed basic-auth user ttyd is started with.
	AuthUser = "nomadflow"

	defaultStartGrace = 500 * time.Millisecond
	defaultStopGrace  = 5 * time.Second
	maxStderrBytes    = 16 << 10
	installHint       = "brew install ttyd (macOS) or apt install ttyd (Linux)"
)

// StopResult reports a best-effort stop. It never carries an error.
type StopResult struct {
	Stopped    []int
	Diagnostic string
}

type process struct {
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
	stderr  *limitedBuffer
}

type Supervisor struct {
	exec       *command.Executor
	logger     *slog.Logger
	port       int
	session    string
	secret     string
	startGrace time.Duration
	stopGrace  time.Duration
	spawn      func(name string, args ...string) *exec.Cmd

	mu   sync.Mutex
	proc *process
}

func NewSupervisor(executor *command.Executor, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := executor.Config()
	return &Supervisor{
		exec:       executor,
		logger:     logger,
		port:       cfg.TTYDPort,
		session:    cfg.TmuxSession,
		secret:     cfg.Secret,
		startGrace: defaultStartGrace,
		stopGrace:  defaultStopGrace,
		spawn:      exec.Command,
	}
}

func (s *Supervisor) Port() int { return s.port }

// Args returns the ttyd argument vector for the configured session.
func (s *Supervisor) Args() []string {
	args := []string{"-p", strconv.Itoa(s.port), "-W"}
	if s.secret != "" {
		args = append(args, "-c", AuthUser+":"+s.secret)
	}
	return append(args, "tmux", "attach-session", "-t", s.session)
}

// Start launches ttyd unless something already listens on the port.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.exec.LookPath(binary) {
		return apperr.BackendMissing(binary, installHint)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil && !s.proc.exited() {
		return nil
	}
	if portBound(s.port) {
		s.logger.Info("ttyd port already in use, assuming a running instance", "port", s.port)
		return nil
	}

	args := s.Args()
	cmd := s.spawn(binary, args...)
	stderr := &limitedBuffer{max: maxStderrBytes}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return apperr.BackendStartFailed(stderr.String(), err)
	}
	p := &process{cmd: cmd, done: make(chan struct{}), stderr: stderr}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	timer := time.NewTimer(s.startGrace)
	defer timer.Stop()
	select {
	case <-p.done:
		return apperr.BackendStartFailed(security.RedactSecret(stderr.String(), s.secret), p.waitErr)
	case <-ctx.Done():
		_, _ = proc.Terminate(cmd.Process.Pid, s.stopGrace, p.done)
		return ctx.Err()
	case <-timer.C:
	}

	s.proc = p
	s.logger.Info("ttyd started",
		"pid", cmd.Process.Pid,
		"port", s.port,
		"args", security.RedactSecret(strings.Join(args, " "), s.secret))
	return nil
}

// Stop terminates the supervised process, or when this supervisor did not
// start one, any ttyd found in the process table serving the same port.
func (s *Supervisor) Stop(ctx context.Context) StopResult {
	s.mu.Lock()
	p := s.proc
	s.proc = nil
	s.mu.Unlock()

	var (
		out   StopResult
		diags []string
	)
	if p != nil {
		pid := p.cmd.Process.Pid
		if p.exited() {
			out.Diagnostic = fmt.Sprintf("ttyd (pid %d) had already exited", pid)
			return out
		}
		killed, err := proc.Terminate(pid, s.stopGrace, p.done)
		if err != nil {
			diags = append(diags, err.Error())
		} else {
			out.Stopped = append(out.Stopped, pid)
		}
		if killed {
			diags = append(diags, fmt.Sprintf("ttyd (pid %d) ignored SIGTERM and was killed", pid))
		}
		out.Diagnostic = strings.Join(diags, "; ")
		return out
	}

	pids, err := proc.FindByPort(ctx, s.exec, binary, s.port)
	if err != nil {
		out.Diagnostic = "process scan failed: " + err.Error()
		return out
	}
	for _, pid := range pids {
		killed, err := proc.Terminate(pid, s.stopGrace, nil)
		if err != nil {
			diags = append(diags, err.Error())
			continue
		}
		out.Stopped = append(out.Stopped, pid)
		if killed {
			diags = append(diags, fmt.Sprintf("ttyd (pid %d) ignored SIGTERM and was killed", pid))
		}
	}
	out.Diagnostic = strings.Join(diags, "; ")
	if len(out.Stopped) > 0 {
		s.logger.Info("ttyd stopped", "pids", out.Stopped, "port", s.port)
	}
	return out
}

// Running reports whether something is listening on the ttyd port.
func (s *Supervisor) Running() bool {
	return portBound(s.port)
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func portBound(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return true
	}
	_ = ln.Close()
	return false
}

// limitedBuffer keeps the first max bytes written to it.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.buf.String())
}
