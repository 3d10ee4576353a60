package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/g960059/nomadflow/internal/command"
	"github.com/g960059/nomadflow/internal/command/commandtest"
	"github.com/g960059/nomadflow/internal/config"
)

func doctorConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.BaseDir = t.TempDir()
	cfg.ConfigPath = filepath.Join(cfg.BaseDir, "config.toml")
	cfg.Secret = "s3"
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}
	if _, err := config.WriteDefault(cfg.ConfigPath, cfg); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func checkByName(t *testing.T, res DoctorResult, name string) DoctorCheck {
	t.Helper()
	for _, c := range res.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q missing from %+v", name, res.Checks)
	return DoctorCheck{}
}

func TestDoctorPassesOnHealthyHost(t *testing.T) {
	cfg := doctorConfig(t)
	runner := commandtest.New().
		Reply("git --version", command.Result{Stdout: "git version 2.45.0\n"}).
		Reply("tmux -V", command.Result{Stdout: "tmux 3.4\n"}).
		Reply("ttyd --version", command.Result{Stdout: "ttyd version 1.7.7\n"})

	result, err := Doctor(context.Background(), DoctorOptions{Config: cfg, Executor: command.NewExecutorWithRunner(cfg, runner)})
	if err != nil {
		t.Fatalf("doctor: %v", err)
	}
	if !result.OK || len(result.Warnings) != 0 {
		t.Fatalf("expected clean pass, got %+v", result)
	}
	if got := checkByName(t, result, "tmux").Message; got != "tmux 3.4" {
		t.Fatalf("tmux version = %q", got)
	}
}

func TestDoctorFailsWithoutTmuxAndWarnsWithoutTTYD(t *testing.T) {
	cfg := doctorConfig(t)
	runner := commandtest.New().Missing("tmux").Missing("ttyd")

	result, err := Doctor(context.Background(), DoctorOptions{Config: cfg, Executor: command.NewExecutorWithRunner(cfg, runner)})
	if err != nil {
		t.Fatalf("doctor: %v", err)
	}
	if result.OK {
		t.Fatalf("missing tmux should fail doctor: %+v", result)
	}
	if c := checkByName(t, result, "tmux"); c.Status != "fail" {
		t.Fatalf("tmux check = %+v", c)
	}
	if c := checkByName(t, result, "ttyd"); c.Status != "warn" {
		t.Fatalf("ttyd check = %+v", c)
	}
	if runner.CountPrefix("tmux") != 0 {
		t.Fatalf("missing binaries must not be run: %v", runner.Argvs())
	}
}

func TestDoctorConfigAndSecretChecks(t *testing.T) {
	cfg := doctorConfig(t)
	cfg.Secret = ""
	if err := os.WriteFile(cfg.ConfigPath, []byte("[api]\nport = 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	result, err := Doctor(context.Background(), DoctorOptions{Config: cfg, Executor: command.NewExecutorWithRunner(cfg, commandtest.New())})
	if err != nil {
		t.Fatalf("doctor: %v", err)
	}
	if c := checkByName(t, result, "config"); c.Status != "fail" {
		t.Fatalf("invalid config should fail, got %+v", c)
	}
	if c := checkByName(t, result, "auth"); c.Status != "warn" {
		t.Fatalf("empty secret should warn, got %+v", c)
	}

	if err := os.Remove(cfg.ConfigPath); err != nil {
		t.Fatal(err)
	}
	result, err = Doctor(context.Background(), DoctorOptions{Config: cfg, Executor: command.NewExecutorWithRunner(cfg, commandtest.New())})
	if err != nil {
		t.Fatalf("doctor: %v", err)
	}
	if c := checkByName(t, result, "config"); c.Status != "warn" {
		t.Fatalf("missing config should warn, got %+v", c)
	}
}

func TestDoctorBaseDirMissing(t *testing.T) {
	cfg := doctorConfig(t)
	cfg.BaseDir = filepath.Join(t.TempDir(), "absent")
	result, err := Doctor(context.Background(), DoctorOptions{Config: cfg, Executor: command.NewExecutorWithRunner(cfg, commandtest.New())})
	if err != nil {
		t.Fatalf("doctor: %v", err)
	}
	if c := checkByName(t, result, "base_dir"); c.Status != "warn" {
		t.Fatalf("missing base dir should warn, got %+v", c)
	}
}
