package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_NonexistentFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load with nonexistent file should not error: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default host: expected 0.0.0.0, got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default port: expected 8080, got %d", cfg.Server.Port)
	}
	if !cfg.Health.AutoRestart {
		t.Error("default autoRestart: expected true")
	}
	if cfg.Health.Interval != 30*time.Second {
		t.Errorf("default interval: expected 30s, got %v", cfg.Health.Interval)
	}
	if cfg.Health.MaxRestartAttempts != 3 {
		t.Errorf("default maxRestartAttempts: expected 3, got %d", cfg.Health.MaxRestartAttempts)
	}
	if !cfg.StaticServe.Compress {
		t.Error("default compress: expected true")
	}
	if len(cfg.StaticServe.IgnoreGlobs) != 3 {
		t.Errorf("default ignoreGlobs: expected 3, got %d", len(cfg.StaticServe.IgnoreGlobs))
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  host: "127.0.0.1"
  port: 9090
apps:
  baseDir: /var/apphost/apps
  manifestPath: /var/apphost/apps.json
health:
  interval: 10s
  autoRestart: false
  maxRestartAttempts: 5
staticServe:
  ignoreGlobs: ["*.tmp"]
  compress: false
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("host: expected 127.0.0.1, got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port: expected 9090, got %d", cfg.Server.Port)
	}
	if cfg.Apps.BaseDir != "/var/apphost/apps" {
		t.Errorf("baseDir: got %q", cfg.Apps.BaseDir)
	}
	if cfg.Health.AutoRestart {
		t.Error("autoRestart: expected false")
	}
	if cfg.Health.Interval != 10*time.Second {
		t.Errorf("interval: expected 10s, got %v", cfg.Health.Interval)
	}
	if cfg.Health.MaxRestartAttempts != 5 {
		t.Errorf("maxRestartAttempts: expected 5, got %d", cfg.Health.MaxRestartAttempts)
	}
	if cfg.StaticServe.Compress {
		t.Error("compress: expected false")
	}
	if len(cfg.StaticServe.IgnoreGlobs) != 1 || cfg.StaticServe.IgnoreGlobs[0] != "*.tmp" {
		t.Errorf("ignoreGlobs: got %v", cfg.StaticServe.IgnoreGlobs)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(`{{{invalid yaml`), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_PartialOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: 9090
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port: expected 9090, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("host should be default 0.0.0.0, got %q", cfg.Server.Host)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name:    "valid",
			cfg:     *applyDefaults(),
			wantErr: false,
		},
		{
			name: "empty host",
			cfg: Config{
				Server: ServerConfig{Host: "", Port: 8080},
				Apps:   AppsConfig{BaseDir: "x", ManifestPath: "y"},
			},
			wantErr: true,
		},
		{
			name: "port 0",
			cfg: Config{
				Server: ServerConfig{Host: "0.0.0.0", Port: 0},
				Apps:   AppsConfig{BaseDir: "x", ManifestPath: "y"},
			},
			wantErr: true,
		},
		{
			name: "port 65536",
			cfg: Config{
				Server: ServerConfig{Host: "0.0.0.0", Port: 65536},
				Apps:   AppsConfig{BaseDir: "x", ManifestPath: "y"},
			},
			wantErr: true,
		},
		{
			name: "empty baseDir",
			cfg: Config{
				Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
				Apps:   AppsConfig{BaseDir: "", ManifestPath: "y"},
			},
			wantErr: true,
		},
		{
			name: "empty manifestPath",
			cfg: Config{
				Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
				Apps:   AppsConfig{BaseDir: "x", ManifestPath: ""},
			},
			wantErr: true,
		},
		{
			name: "negative interval",
			cfg: Config{
				Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
				Apps:   AppsConfig{BaseDir: "x", ManifestPath: "y"},
				Health: HealthConfig{Interval: -1},
			},
			wantErr: true,
		},
		{
			name: "negative maxRestartAttempts",
			cfg: Config{
				Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
				Apps:   AppsConfig{BaseDir: "x", ManifestPath: "y"},
				Health: HealthConfig{MaxRestartAttempts: -1},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate(&tt.cfg)
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestWriteDefault_Roundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file not created: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load after WriteDefault: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("roundtrip port: expected 8080, got %d", cfg.Server.Port)
	}
	if !cfg.Health.AutoRestart {
		t.Error("roundtrip autoRestart: expected true")
	}
}
