// Package config defines the Trellis application configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Trellis configuration.
type Config struct {
	Server   ServerConfig  `json:"server" yaml:"server"`
	Auth     AuthConfig    `json:"auth" yaml:"auth"`
	Storage  StorageConfig `json:"storage" yaml:"storage"`
	LogLevel string        `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9090"
}

// AuthConfig controls API authentication. Issued tokens carry the
// organization id, which scopes every read and write.
type AuthConfig struct {
	JWTSecret    string `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser    string `json:"admin_user" yaml:"admin_user"`
	AdminPass    string `json:"admin_pass" yaml:"admin_pass"` // bcrypt hash
	Organization string `json:"organization" yaml:"organization"`
	TokenTTL     int    `json:"token_ttl_hours" yaml:"token_ttl_hours"`
}

// StorageConfig controls the graph store backend.
type StorageConfig struct {
	Path string `json:"path" yaml:"path"` // sqlite database file
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9090",
		},
		Auth: AuthConfig{
			AdminUser:    "admin",
			Organization: "default",
			TokenTTL:     24,
		},
		Storage: StorageConfig{
			Path: "./data/trellis.db",
		},
		LogLevel: "info",
	}
}

// Load reads a YAML config file and returns the parsed configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
