package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/scalelink/internal/logger"
)

// Config holds all application configuration. The app and the transport
// daemon read the same file.
type Config struct {
	StateDir  string          `yaml:"state_dir"`
	Log       logger.Config   `yaml:"log"`
	Transport TransportConfig `yaml:"transport"`
	Ops       OpsConfig       `yaml:"ops"`
	Battery   BatteryConfig   `yaml:"battery"`
}

// TransportConfig describes the transport daemon and how to reach it.
type TransportConfig struct {
	DaemonPath   string        `yaml:"daemon_path"`
	DaemonArgs   []string      `yaml:"daemon_args"`
	ListenAddr   string        `yaml:"listen_addr"`
	ProcessName  string        `yaml:"process_name"`
	Adapter      string        `yaml:"adapter"` // BlueZ adapter, e.g. "hci0"
	RestartGrace time.Duration `yaml:"restart_grace"`
	BindTimeout  time.Duration `yaml:"bind_timeout"`
}

// BindURL is the websocket endpoint the app binds to.
func (t TransportConfig) BindURL() string {
	return "ws://" + t.ListenAddr + BindPath
}

// BindPath is where the daemon serves bindings.
const BindPath = "/bind"

// OpsConfig holds the operator HTTP surface settings.
type OpsConfig struct {
	Addr                string        `yaml:"addr"` // empty disables the server
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// BatteryConfig declares the host's power-management posture.
type BatteryConfig struct {
	Whitelisted     bool   `yaml:"whitelisted"`
	PowerSave       bool   `yaml:"power_save"`
	PowerSupplyRoot string `yaml:"power_supply_root"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "scalelink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		StateDir: filepath.Join(home, ".local", "state", "scalelink"),
		Log:      logger.DefaultConfig(),
		Transport: TransportConfig{
			DaemonPath:   "scaled",
			ListenAddr:   "127.0.0.1:7781",
			ProcessName:  "scaled",
			Adapter:      "hci0",
			RestartGrace: time.Second,
			BindTimeout:  10 * time.Second,
		},
		Ops: OpsConfig{
			Addr:                "127.0.0.1:7780",
			HealthCheckInterval: 30 * time.Second,
		},
		Battery: BatteryConfig{
			PowerSupplyRoot: "/sys/class/power_supply",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.StateDir = expandTilde(cfg.StateDir)
	cfg.Transport.DaemonPath = expandTilde(cfg.Transport.DaemonPath)

	return cfg, nil
}

// LoadOrDefault loads path, falling back to defaults when the file does not
// exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return Default(), nil
	}
	return nil, err
}

const defaultHeader = "# scalelink configuration\n# Shared by the scalelink app and the scaled transport daemon.\n\n"

// WriteDefault writes the default config to DefaultConfigPath. It returns
// ("", nil) without touching anything when the file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}

	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir must not be empty")
	}

	if c.Transport.DaemonPath == "" {
		return fmt.Errorf("transport.daemon_path must not be empty")
	}

	if _, _, err := net.SplitHostPort(c.Transport.ListenAddr); err != nil {
		return fmt.Errorf("transport.listen_addr %q: %w", c.Transport.ListenAddr, err)
	}

	if c.Transport.ProcessName == "" {
		return fmt.Errorf("transport.process_name must not be empty")
	}

	if c.Transport.RestartGrace < 0 {
		return fmt.Errorf("transport.restart_grace must be >= 0")
	}

	if c.Transport.BindTimeout <= 0 {
		return fmt.Errorf("transport.bind_timeout must be > 0")
	}

	if c.Ops.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Ops.Addr); err != nil {
			return fmt.Errorf("ops.addr %q: %w", c.Ops.Addr, err)
		}
	}

	if c.Ops.HealthCheckInterval <= 0 {
		return fmt.Errorf("ops.health_check_interval must be > 0")
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level)
	}

	switch c.Log.Output {
	case "", "stdout", "stderr", "console":
	default:
		return fmt.Errorf("log.output must be stdout, stderr, or console, got %q", c.Log.Output)
	}

	return nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
