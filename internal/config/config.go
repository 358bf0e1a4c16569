// Package config handles loading, validating, and writing apphost's
// process configuration from ~/.apphost/config.yaml.
//
// The config defines:
//   - Server bind address (host:port)
//   - App module base directory and manifest path
//   - Health-check interval and auto-restart policy
//   - Static-serve ignore globs and compression toggle
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is apphost's top-level process configuration, loaded from
// ~/.apphost/config.yaml with sensible defaults for unset fields.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Apps        AppsConfig        `yaml:"apps"`
	Health      HealthConfig      `yaml:"health"`
	StaticServe StaticServeConfig `yaml:"staticServe"`
}

// ServerConfig defines where the HTTP engine listens.
// Default: 0.0.0.0:8080.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// AppsConfig locates the app module directory and the manifest file
// that persists the registered app list across restarts.
type AppsConfig struct {
	BaseDir      string `yaml:"baseDir"`
	ManifestPath string `yaml:"manifestPath"`
}

// HealthConfig controls the Manager's periodic auto-restart loop.
type HealthConfig struct {
	Interval           time.Duration `yaml:"interval"`
	AutoRestart        bool          `yaml:"autoRestart"`
	MaxRestartAttempts int           `yaml:"maxRestartAttempts"`
}

// StaticServeConfig controls the static file handler's root directory,
// ignore-glob, and compression behavior.
type StaticServeConfig struct {
	Root        string   `yaml:"root"`
	IgnoreGlobs []string `yaml:"ignoreGlobs"`
	Compress    bool     `yaml:"compress"`
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file yet. Use defaults; normal before the
			// operator has run apphostd once to write one.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `apphostd` on first run when no config
// file exists yet.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# apphost configuration
#
# server:
#   host: Bind address (default: 0.0.0.0)
#   port: Listen port (default: 8080)
#
# apps:
#   baseDir: Directory holding <name>.<timestamp>.<ext> module sources
#   manifestPath: JSON file persisting the registered app list
#
# health:
#   interval: How often the health-check loop scans for stopped apps
#   autoRestart: Auto-restart apps that stopped with an error
#   maxRestartAttempts: Cap on automatic restarts per app
#
# staticServe:
#   root: Directory served at / (e.g. a small operator UI); empty disables it
#   ignoreGlobs: Glob patterns excluded from static serving regardless
#     of the dotfiles policy
#   compress: Brotli-compress compressible static responses

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their default
// values.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Apps: AppsConfig{
			BaseDir:      "~/.apphost/apps",
			ManifestPath: "~/.apphost/apps.json",
		},
		Health: HealthConfig{
			Interval:           30 * time.Second,
			AutoRestart:        true,
			MaxRestartAttempts: 3,
		},
		StaticServe: StaticServeConfig{
			Root:        "~/.apphost/public",
			IgnoreGlobs: []string{"*.map", "*.bak", ".*"},
			Compress:    true,
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	if cfg.Apps.BaseDir == "" {
		return fmt.Errorf("apps.baseDir must not be empty")
	}
	if cfg.Apps.ManifestPath == "" {
		return fmt.Errorf("apps.manifestPath must not be empty")
	}
	if cfg.Health.Interval < 0 {
		return fmt.Errorf("health.interval must be non-negative")
	}
	if cfg.Health.MaxRestartAttempts < 0 {
		return fmt.Errorf("health.maxRestartAttempts must be non-negative")
	}
	return nil
}
