// Package config defines filesyncd's configuration, loaded from an
// optional YAML file and overridden by environment variables —
// adapted directly from the teacher's own config package.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration tree.
type Config struct {
	Repo   RepoConfig   `yaml:"repo"`
	Server ServerConfig `yaml:"server"`
	Watch  WatchConfig  `yaml:"watch"`
	Audit  AuditConfig  `yaml:"audit"`
	Log    LogConfig    `yaml:"log"`
}

// RepoConfig names the working tree the engine serves.
type RepoConfig struct {
	Root string `yaml:"root"`
}

// ServerConfig configures the websocket listener.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// WatchConfig tunes the Change Detector.
type WatchConfig struct {
	// DebounceWindow is read from the config file, but nothing passes
	// it to the Change Detector, which handles each fsnotify event as
	// it arrives without waiting for a burst to settle.
	DebounceWindow time.Duration `yaml:"debounce_window"`
}

// AuditConfig points at the optional operation log. An empty Path
// disables audit logging entirely.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// LogConfig mirrors the teacher's debug-flag-driven logging.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig returns the configuration used when no file or
// environment override is present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8787",
		},
		Watch: WatchConfig{
			DebounceWindow: 0,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration using the real environment.
func Load() (*Config, error) {
	return LoadWithEnv(os.Getenv)
}

// LoadWithEnv loads configuration using the provided environment
// lookup function, so tests can supply isolated environment values
// instead of mutating the process environment.
func LoadWithEnv(getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	configPath := getConfigPathWithEnv(getenv)
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if root := getenv("FILESYNCD_REPO_ROOT"); root != "" {
		cfg.Repo.Root = root
	}
	if addr := getenv("FILESYNCD_LISTEN_ADDR"); addr != "" {
		cfg.Server.ListenAddr = addr
	}
	if auditPath := getenv("FILESYNCD_AUDIT_PATH"); auditPath != "" {
		cfg.Audit.Path = auditPath
	}
	if level := getenv("FILESYNCD_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}

	return cfg, nil
}

func getConfigPathWithEnv(getenv func(string) string) string {
	if xdgConfig := getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "filesyncd", "config.yaml")
	}

	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "filesyncd", "config.yaml")
}
