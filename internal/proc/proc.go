// Package proc has the small amount of process bookkeeping the daemon and
// the ttyd supervisor need: pid files, liveness, a process table scan, and
// SIGTERM-then-SIGKILL termination.
package proc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/g960059/nomadflow/internal/command"
)

const pollInterval = 100 * time.Millisecond

// ErrNoPIDFile is returned by ReadPIDFile when the file does not exist.
var ErrNoPIDFile = errors.New("pid file not found")

func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrNoPIDFile
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s", path)
	}
	return pid, nil
}

func WritePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// RemovePIDFile deletes path; a missing file is not an error.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Alive reports whether pid exists. A process we may not signal still counts.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Terminate sends SIGTERM and escalates to SIGKILL when the process is
// still alive after grace. exited, when non-nil, is closed by the caller's
// reaper and replaces liveness polling, since an unreaped child still
// answers signal 0. It reports whether SIGKILL was needed.
func Terminate(pid int, grace time.Duration, exited <-chan struct{}) (bool, error) {
	if pid <= 0 {
		return false, fmt.Errorf("invalid pid %d", pid)
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return false, nil
		}
		return false, fmt.Errorf("sigterm %d: %w", pid, err)
	}
	if waitExit(pid, grace, exited) {
		return false, nil
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return true, fmt.Errorf("sigkill %d: %w", pid, err)
	}
	waitExit(pid, time.Second, exited)
	return true, nil
}

func waitExit(pid int, timeout time.Duration, exited <-chan struct{}) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		if exited == nil && !Alive(pid) {
			return true
		}
		select {
		case <-exited:
			return true
		case <-deadline.C:
			return false
		case <-tick.C:
		}
	}
}

// Entry is one row of the process table.
type Entry struct {
	PID  int
	Args []string
}

// List reads the process table through ps so the scan can be faked.
func List(ctx context.Context, executor *command.Executor) ([]Entry, error) {
	res, err := executor.Run(ctx, command.Command{Name: "ps", Args: []string{"-eo", "pid=,args="}})
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, fmt.Errorf("ps: %s", res.Diagnostic())
	}
	return parsePS(res.Stdout), nil
}

func parsePS(out string) []Entry {
	var entries []Entry
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil || pid <= 0 {
			continue
		}
		entries = append(entries, Entry{PID: pid, Args: fields[1:]})
	}
	return entries
}

// FindByPort returns processes named binary whose arguments carry the given
// port as "-p N", "-pN", "--port N" or "--port=N".
func FindByPort(ctx context.Context, executor *command.Executor, binary string, port int) ([]int, error) {
	entries, err := List(ctx, executor)
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, e := range entries {
		if filepath.Base(e.Args[0]) != binary {
			continue
		}
		if hasPortArg(e.Args[1:], port) {
			pids = append(pids, e.PID)
		}
	}
	return pids, nil
}

func hasPortArg(args []string, port int) bool {
	p := strconv.Itoa(port)
	for i, a := range args {
		switch {
		case (a == "-p" || a == "--port") && i+1 < len(args) && args[i+1] == p:
			return true
		case a == "-p"+p, a == "--port="+p:
			return true
		}
	}
	return false
}
