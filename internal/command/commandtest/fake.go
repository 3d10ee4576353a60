// Package commandtest provides a scriptable command.Runner for tests.
package commandtest

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"

	"github.com/g960059/nomadflow/internal/command"
)

// Handler answers one command. Returning handled=false falls through to the
// next handler and finally to the default success result.
type Handler func(c command.Command) (res command.Result, err error, handled bool)

// FakeRunner records every command and answers from its handlers.
type FakeRunner struct {
	mu       sync.Mutex
	calls    []command.Command
	handlers []Handler
	missing  map[string]bool
}

func New() *FakeRunner {
	return &FakeRunner{missing: map[string]bool{}}
}

// On registers a handler for commands whose argv (name + args joined by a
// single space) starts with prefix.
func (f *FakeRunner) On(prefix string, fn func(c command.Command) (command.Result, error)) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, func(c command.Command) (command.Result, error, bool) {
		if !strings.HasPrefix(Argv(c), prefix) {
			return command.Result{}, nil, false
		}
		res, err := fn(c)
		return res, err, true
	})
	return f
}

// Reply registers a fixed result for commands starting with prefix.
func (f *FakeRunner) Reply(prefix string, res command.Result) *FakeRunner {
	return f.On(prefix, func(command.Command) (command.Result, error) { return res, nil })
}

// Fail registers a non-zero exit with the given stderr.
func (f *FakeRunner) Fail(prefix, stderr string) *FakeRunner {
	return f.Reply(prefix, command.Result{ExitCode: 1, Stderr: stderr})
}

// Missing makes LookPath fail for name.
func (f *FakeRunner) Missing(name string) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missing[name] = true
	return f
}

func (f *FakeRunner) Run(ctx context.Context, c command.Command) (command.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	handlers := append([]Handler(nil), f.handlers...)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return command.Result{ExitCode: -1}, err
	}
	for _, h := range handlers {
		if res, err, ok := h(c); ok {
			return res, err
		}
	}
	return command.Result{}, nil
}

func (f *FakeRunner) LookPath(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[name] {
		return "", &exec.Error{Name: name, Err: errors.New("executable file not found in $PATH")}
	}
	return "/usr/bin/" + name, nil
}

// Calls returns a copy of the recorded commands.
func (f *FakeRunner) Calls() []command.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]command.Command(nil), f.calls...)
}

// Argvs returns every recorded command as a joined argv string.
func (f *FakeRunner) Argvs() []string {
	calls := f.Calls()
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, Argv(c))
	}
	return out
}

// CountPrefix counts recorded commands whose argv starts with prefix.
func (f *FakeRunner) CountPrefix(prefix string) int {
	n := 0
	for _, argv := range f.Argvs() {
		if strings.HasPrefix(argv, prefix) {
			n++
		}
	}
	return n
}

func Argv(c command.Command) string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}
