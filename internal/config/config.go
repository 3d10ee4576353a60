package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultBaseDir     = "~/.nomadflowcode"
	DefaultSession     = "nomadflow"
	DefaultTTYDPort    = 7681
	DefaultAPIHost     = "0.0.0.0"
	DefaultAPIPort     = 8080
	DefaultRelayHost   = "relay.nomadflowcode.dev"
	DefaultControlPort = 7835
	configFileName     = "config.toml"
	pidFileName        = "nomadflow.pid"
	logFileName        = "nomadflow.log"
	dbFileName         = "state.db"
	defaultLogLevel    = "info"
	defaultCommandWait = 30 * time.Second
	defaultCloneWait   = 600 * time.Second
	defaultTmuxWait    = 5 * time.Second
)

// Config is built once at process start and passed to every constructor.
type Config struct {
	BaseDir        string
	TmuxSession    string
	TTYDPort       int
	APIHost        string
	APIPort        int
	Secret         string
	LogLevel       string
	CommandTimeout time.Duration
	CloneTimeout   time.Duration
	TmuxTimeout    time.Duration
	RetryBackoff   []time.Duration
	ConfigPath     string
	Tunnel         TunnelConfig
}

// TunnelConfig locates the bore relay used by `serve --public`.
type TunnelConfig struct {
	RelayHost   string
	ControlPort int
	RelaySecret string
	Subdomain   string
}

func DefaultConfig() Config {
	return Config{
		BaseDir:        expandHome(DefaultBaseDir),
		TmuxSession:    DefaultSession,
		TTYDPort:       DefaultTTYDPort,
		APIHost:        DefaultAPIHost,
		APIPort:        DefaultAPIPort,
		LogLevel:       defaultLogLevel,
		CommandTimeout: defaultCommandWait,
		CloneTimeout:   defaultCloneWait,
		TmuxTimeout:    defaultTmuxWait,
		RetryBackoff:   []time.Duration{250 * time.Millisecond},
		ConfigPath:     DefaultConfigPath(),
		Tunnel: TunnelConfig{
			RelayHost:   DefaultRelayHost,
			ControlPort: DefaultControlPort,
		},
	}
}

// DefaultConfigPath is ~/.nomadflowcode/config.toml.
func DefaultConfigPath() string {
	return filepath.Join(expandHome(DefaultBaseDir), configFileName)
}

func (c Config) ReposDir() string     { return filepath.Join(c.BaseDir, "repos") }
func (c Config) WorktreesDir() string { return filepath.Join(c.BaseDir, "worktrees") }
func (c Config) PIDFile() string      { return filepath.Join(c.BaseDir, pidFileName) }
func (c Config) LogFile() string      { return filepath.Join(c.BaseDir, logFileName) }
func (c Config) DBPath() string       { return filepath.Join(c.BaseDir, dbFileName) }
func (c Config) LockPath() string     { return filepath.Join(c.BaseDir, "nomadflow.lock") }

// LocalAPIAddr is host:port where this host reaches the API. Wildcard
// listen addresses map to loopback.
func (c Config) LocalAPIAddr() string {
	host := strings.TrimSpace(c.APIHost)
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(c.APIPort))
}

// AuthEnabled reports whether a shared secret guards the API and relay.
func (c Config) AuthEnabled() bool { return c.Secret != "" }

type fileConfig struct {
	Paths struct {
		BaseDir string `toml:"base_dir"`
	} `toml:"paths"`
	Tmux struct {
		Session string `toml:"session"`
	} `toml:"tmux"`
	TTYD struct {
		Port int `toml:"port"`
	} `toml:"ttyd"`
	API struct {
		Host string `toml:"host"`
		Port int    `toml:"port"`
	} `toml:"api"`
	Auth struct {
		Secret string `toml:"secret"`
	} `toml:"auth"`
	Log struct {
		Level string `toml:"level"`
	} `toml:"log"`
	Tunnel struct {
		RelayHost   string `toml:"relay_host"`
		ControlPort int    `toml:"control_port"`
		RelaySecret string `toml:"relay_secret"`
		Subdomain   string `toml:"subdomain"`
	} `toml:"tunnel"`
	Timeouts struct {
		Command string `toml:"command"`
		Clone   string `toml:"clone"`
		Tmux    string `toml:"tmux"`
	} `toml:"timeouts"`
}

func fileFromConfig(c Config) fileConfig {
	var f fileConfig
	f.Paths.BaseDir = c.BaseDir
	f.Tmux.Session = c.TmuxSession
	f.TTYD.Port = c.TTYDPort
	f.API.Host = c.APIHost
	f.API.Port = c.APIPort
	f.Auth.Secret = c.Secret
	f.Log.Level = c.LogLevel
	f.Tunnel.RelayHost = c.Tunnel.RelayHost
	f.Tunnel.ControlPort = c.Tunnel.ControlPort
	f.Tunnel.RelaySecret = c.Tunnel.RelaySecret
	f.Tunnel.Subdomain = c.Tunnel.Subdomain
	f.Timeouts.Command = c.CommandTimeout.String()
	f.Timeouts.Clone = c.CloneTimeout.String()
	f.Timeouts.Tmux = c.TmuxTimeout.String()
	return f
}

func (f fileConfig) apply(c *Config) error {
	c.BaseDir = expandHome(f.Paths.BaseDir)
	c.TmuxSession = f.Tmux.Session
	c.TTYDPort = f.TTYD.Port
	c.APIHost = f.API.Host
	c.APIPort = f.API.Port
	c.Secret = f.Auth.Secret
	c.LogLevel = f.Log.Level
	c.Tunnel = TunnelConfig{
		RelayHost:   f.Tunnel.RelayHost,
		ControlPort: f.Tunnel.ControlPort,
		RelaySecret: f.Tunnel.RelaySecret,
		Subdomain:   f.Tunnel.Subdomain,
	}
	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"timeouts.command", f.Timeouts.Command, &c.CommandTimeout},
		{"timeouts.clone", f.Timeouts.Clone, &c.CloneTimeout},
		{"timeouts.tmux", f.Timeouts.Tmux, &c.TmuxTimeout},
	} {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

// Parse decodes TOML on top of the defaults. Keys absent from data keep
// their default values.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()
	f := fileFromConfig(cfg)
	if err := toml.Unmarshal(data, &f); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := f.apply(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads the TOML file at path (DefaultConfigPath when empty), then
// applies NOMADFLOW_* environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	path = expandHome(path)
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		cfg, err = Parse(data)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg.ConfigPath = path
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(c *Config) error {
	if v, ok := os.LookupEnv("NOMADFLOW_BASE_DIR"); ok && v != "" {
		c.BaseDir = expandHome(v)
	}
	if v, ok := os.LookupEnv("NOMADFLOW_TMUX_SESSION"); ok && v != "" {
		c.TmuxSession = v
	}
	if v, ok := os.LookupEnv("NOMADFLOW_API_HOST"); ok && v != "" {
		c.APIHost = v
	}
	if v, ok := os.LookupEnv("NOMADFLOW_SECRET"); ok {
		c.Secret = v
	}
	if v, ok := os.LookupEnv("NOMADFLOW_LOG_LEVEL"); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv("NOMADFLOW_RELAY_SECRET"); ok {
		c.Tunnel.RelaySecret = v
	}
	for _, p := range []struct {
		key string
		dst *int
	}{
		{"NOMADFLOW_TTYD_PORT", &c.TTYDPort},
		{"NOMADFLOW_API_PORT", &c.APIPort},
	} {
		v, ok := os.LookupEnv(p.key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", p.key, err)
		}
		*p.dst = n
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("paths.base_dir must not be empty")
	}
	if strings.TrimSpace(c.TmuxSession) == "" {
		return fmt.Errorf("tmux.session must not be empty")
	}
	if strings.ContainsAny(c.TmuxSession, ":.") {
		return fmt.Errorf("tmux.session must not contain ':' or '.', got %q", c.TmuxSession)
	}
	if c.TTYDPort < 1 || c.TTYDPort > 65535 {
		return fmt.Errorf("ttyd.port must be between 1 and 65535, got %d", c.TTYDPort)
	}
	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("api.port must be between 1 and 65535, got %d", c.APIPort)
	}
	if c.Tunnel.ControlPort < 1 || c.Tunnel.ControlPort > 65535 {
		return fmt.Errorf("tunnel.control_port must be between 1 and 65535, got %d", c.Tunnel.ControlPort)
	}
	if c.TTYDPort == c.APIPort {
		return fmt.Errorf("ttyd.port and api.port must differ")
	}
	for name, d := range map[string]time.Duration{
		"timeouts.command": c.CommandTimeout,
		"timeouts.clone":   c.CloneTimeout,
		"timeouts.tmux":    c.TmuxTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// EnsureDirectories creates the base, repos and worktrees directories.
func (c Config) EnsureDirectories() error {
	for _, dir := range []string{c.BaseDir, c.ReposDir(), c.WorktreesDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

const defaultHeader = `# NomadFlow configuration.
# Environment variables NOMADFLOW_BASE_DIR, NOMADFLOW_TMUX_SESSION, NOMADFLOW_TTYD_PORT,
# NOMADFLOW_API_HOST, NOMADFLOW_API_PORT, NOMADFLOW_SECRET, NOMADFLOW_LOG_LEVEL and
# NOMADFLOW_RELAY_SECRET override these values.
# An empty auth.secret disables authentication. [tunnel] is only used by ` + "`serve --public`" + `.

`

// WriteDefault writes c to path unless a file already exists there. It
// reports whether a file was written.
func WriteDefault(path string, c Config) (bool, error) {
	path = expandHome(path)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("stat config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create config dir: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(defaultHeader)
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(fileFromConfig(c)); err != nil {
		return false, fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return false, fmt.Errorf("write config: %w", err)
	}
	return true, nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}
