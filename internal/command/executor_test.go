package command

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/g960059/nomadflow/internal/apperr"
	"github.com/g960059/nomadflow/internal/config"
)

type fakeRunner struct {
	calls   []Command
	results []runnerResult
	block   bool
}

type runnerResult struct {
	res Result
	err error
}

func (f *fakeRunner) Run(ctx context.Context, c Command) (Result, error) {
	f.calls = append(f.calls, c)
	if f.block {
		<-ctx.Done()
		return Result{ExitCode: -1}, ctx.Err()
	}
	if len(f.results) == 0 {
		return Result{Stdout: "ok"}, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.res, r.err
}

func (f *fakeRunner) LookPath(name string) (string, error) {
	if name == "missing" {
		return "", errors.New("not found")
	}
	return "/bin/" + name, nil
}

func TestExecutorPassesCommandThrough(t *testing.T) {
	r := &fakeRunner{}
	ex := NewExecutorWithRunner(config.DefaultConfig(), r)

	res, err := ex.Run(context.Background(), Command{Name: "git", Args: []string{"status"}, Dir: "/tmp/repo", Env: []string{"A=B"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.OK() || res.Stdout != "ok" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(r.calls) != 1 || r.calls[0].Dir != "/tmp/repo" || r.calls[0].Env[0] != "A=B" {
		t.Fatalf("unexpected calls: %+v", r.calls)
	}
}

func TestExecutorNonZeroExitIsNotAnError(t *testing.T) {
	r := &fakeRunner{results: []runnerResult{{res: Result{ExitCode: 128, Stderr: "fatal: bad ref\n"}}}}
	ex := NewExecutorWithRunner(config.DefaultConfig(), r)

	res, err := ex.Run(context.Background(), Command{Name: "git", Args: []string{"rev-parse", "nope"}})
	if err != nil {
		t.Fatalf("non-zero exit must not error: %v", err)
	}
	if res.OK() || res.ExitCode != 128 {
		t.Fatalf("expected exit code 128, got %d", res.ExitCode)
	}
	if res.Diagnostic() != "fatal: bad ref" {
		t.Fatalf("unexpected diagnostic %q", res.Diagnostic())
	}
}

func TestExecutorTimeoutKillsAndReportsSentinel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = nil
	r := &fakeRunner{block: true}
	ex := NewExecutorWithRunner(cfg, r)

	res, err := ex.Run(context.Background(), Command{Name: "git", Args: []string{"fetch"}, Timeout: 20 * time.Millisecond})
	if err == nil || !apperr.Is(err, apperr.KindTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if res.ExitCode != TimeoutExitCode {
		t.Fatalf("expected sentinel exit code, got %d", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "timed out") {
		t.Fatalf("expected timeout message, got %q", res.Stderr)
	}
}

func TestExecutorRetriesTmuxQueriesOnTimeout(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = []time.Duration{time.Millisecond, time.Millisecond}
	r := &fakeRunner{block: true}
	ex := NewExecutorWithRunner(cfg, r)

	_, err := ex.Run(context.Background(), Command{Name: "tmux", Args: []string{"list-windows"}, Timeout: 5 * time.Millisecond})
	if !apperr.Is(err, apperr.KindTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if len(r.calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(r.calls))
	}
}

func TestExecutorWriteCommandDoesNotRetry(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = []time.Duration{time.Millisecond}
	r := &fakeRunner{block: true}
	ex := NewExecutorWithRunner(cfg, r)

	if _, err := ex.Run(context.Background(), Command{Name: "tmux", Args: []string{"send-keys", "x"}, Timeout: 5 * time.Millisecond}); err == nil {
		t.Fatalf("expected timeout error")
	}
	if len(r.calls) != 1 {
		t.Fatalf("write command should not retry, got %d calls", len(r.calls))
	}
}

func TestExecutorSpawnFailure(t *testing.T) {
	r := &fakeRunner{results: []runnerResult{{res: Result{ExitCode: -1}, err: errors.New("exec: not found")}}}
	ex := NewExecutorWithRunner(config.DefaultConfig(), r)

	res, err := ex.Run(context.Background(), Command{Name: "nope"})
	if err == nil {
		t.Fatalf("expected spawn error")
	}
	if res.ExitCode != -1 || !strings.Contains(res.Stderr, "failed to execute nope") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExecutorLookPath(t *testing.T) {
	ex := NewExecutorWithRunner(config.DefaultConfig(), &fakeRunner{})
	if !ex.LookPath("git") || ex.LookPath("missing") {
		t.Fatalf("unexpected LookPath results")
	}
}

func TestOSRunnerCapturesStreamsAndExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	dir := t.TempDir()
	res, err := OSRunner{}.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "pwd; echo oops >&2; exit 3"},
		Dir:  dir,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("expected exit 3, got %d", res.ExitCode)
	}
	want, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(res.Stdout))
	if got != want {
		t.Fatalf("expected cwd %q, got %q", want, got)
	}
	if strings.TrimSpace(res.Stderr) != "oops" {
		t.Fatalf("unexpected stderr %q", res.Stderr)
	}
}

func TestOSRunnerMissingBinary(t *testing.T) {
	_, err := OSRunner{}.Run(context.Background(), Command{Name: filepath.Join(os.TempDir(), "definitely-not-a-binary-nomadflow")})
	if err == nil {
		t.Fatalf("expected error for missing binary")
	}
}
