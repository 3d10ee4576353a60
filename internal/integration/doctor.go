// Package integration checks the host NomadFlow depends on: the git, tmux
// and ttyd binaries, the base directory and the config file.
package integration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/g960059/nomadflow/internal/command"
	"github.com/g960059/nomadflow/internal/config"
)

type DoctorOptions struct {
	Config   config.Config
	Executor *command.Executor
}

type DoctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass | warn | fail
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

type DoctorResult struct {
	OK       bool          `json:"ok"`
	Checks   []DoctorCheck `json:"checks"`
	Warnings []string      `json:"warnings,omitempty"`
}

// binaryCheck describes one required or optional executable.
type binaryCheck struct {
	name        string
	versionArgs []string
	required    bool
	hint        string
}

var binaries = []binaryCheck{
	{name: "git", versionArgs: []string{"--version"}, required: true},
	{name: "tmux", versionArgs: []string{"-V"}, required: true},
	{name: "ttyd", versionArgs: []string{"--version"}, hint: "terminal access is disabled until ttyd is installed"},
}

func Doctor(ctx context.Context, opts DoctorOptions) (DoctorResult, error) {
	if opts.Executor == nil {
		return DoctorResult{}, errors.New("doctor requires an executor")
	}
	out := DoctorResult{OK: true}
	add := func(c DoctorCheck) {
		out.Checks = append(out.Checks, c)
		if c.Status == "warn" {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %s", c.Name, c.Message))
		}
		if c.Status == "fail" {
			out.OK = false
		}
	}

	for _, b := range binaries {
		add(checkBinary(ctx, opts.Executor, b))
	}
	add(checkBaseDir(opts.Config.BaseDir))

	cfgCheck, err := checkConfigFile(opts.Config.ConfigPath)
	if err != nil {
		return DoctorResult{}, err
	}
	add(cfgCheck)
	add(checkSecret(opts.Config))
	return out, nil
}

func checkBinary(ctx context.Context, exec *command.Executor, b binaryCheck) DoctorCheck {
	if !exec.LookPath(b.name) {
		status := "warn"
		if b.required {
			status = "fail"
		}
		msg := "not found in PATH"
		if b.hint != "" {
			msg += "; " + b.hint
		}
		return DoctorCheck{Name: b.name, Status: status, Message: msg}
	}
	res, _ := exec.Run(ctx, command.Command{Name: b.name, Args: b.versionArgs})
	if !res.OK() {
		return DoctorCheck{Name: b.name, Status: "warn", Message: "installed, version check failed: " + res.Diagnostic()}
	}
	version := firstLine(res.Stdout)
	if version == "" {
		version = "installed"
	}
	return DoctorCheck{Name: b.name, Status: "pass", Message: version}
}

func checkBaseDir(dir string) DoctorCheck {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return DoctorCheck{Name: "base_dir", Status: "warn", Message: "missing; created on first serve", Path: dir}
		}
		return DoctorCheck{Name: "base_dir", Status: "fail", Message: fmt.Sprintf("stat error: %v", err), Path: dir}
	}
	if !info.IsDir() {
		return DoctorCheck{Name: "base_dir", Status: "fail", Message: "not a directory", Path: dir}
	}
	tmp, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return DoctorCheck{Name: "base_dir", Status: "fail", Message: "not writable", Path: dir}
	}
	tmp.Close()           //nolint:errcheck
	os.Remove(tmp.Name()) //nolint:errcheck
	for _, sub := range []string{"repos", "worktrees"} {
		if _, err := os.Stat(filepath.Join(dir, sub)); err != nil {
			return DoctorCheck{Name: "base_dir", Status: "warn", Message: sub + " directory missing; created on first serve", Path: dir}
		}
	}
	return DoctorCheck{Name: "base_dir", Status: "pass", Message: "writable", Path: dir}
}

func checkConfigFile(path string) (DoctorCheck, error) {
	raw, err := readOptional(path)
	if err != nil {
		return DoctorCheck{}, err
	}
	if raw == nil {
		return DoctorCheck{Name: "config", Status: "warn", Message: "not found; defaults in use (run `nomadflow config init`)", Path: path}, nil
	}
	cfg, err := config.Parse(raw)
	if err != nil {
		return DoctorCheck{Name: "config", Status: "fail", Message: err.Error(), Path: path}, nil
	}
	if err := cfg.Validate(); err != nil {
		return DoctorCheck{Name: "config", Status: "fail", Message: err.Error(), Path: path}, nil
	}
	return DoctorCheck{Name: "config", Status: "pass", Message: "valid", Path: path}, nil
}

func checkSecret(cfg config.Config) DoctorCheck {
	if cfg.AuthEnabled() {
		return DoctorCheck{Name: "auth", Status: "pass", Message: "shared secret configured"}
	}
	return DoctorCheck{Name: "auth", Status: "warn", Message: "no secret set; the API and terminal accept any client"}
}

func readOptional(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		return b, nil
	}
	if os.IsNotExist(err) {
		return nil, nil
	}
	return nil, fmt.Errorf("read file %s: %w", path, err)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(line)
}
