package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models the daemon's file at ~/.nexbridge/config. It carries
// only non-secret settings: passwords and key material never touch
// disk.
type Config struct {
	Listen      string      `yaml:"listen"`
	AgentBin    string      `yaml:"agentBin"`
	HistoryPath string      `yaml:"historyPath"`
	Project     string      `yaml:"project"`
	Catalog     string      `yaml:"catalog"`
	SSH         SSHDefaults `yaml:"ssh"`
}

// SSHDefaults prefills the connect flow so the operator only types a
// password or passphrase.
type SSHDefaults struct {
	Host    string `yaml:"host"`
	Port    string `yaml:"port"`
	User    string `yaml:"user"`
	KeyPath string `yaml:"keyPath"`
}

// Load decodes the config file. Missing files return (nil, nil).
func Load(path string) (*Config, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	expanded, err := ExpandPath(trimmed)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save writes the config to disk, creating parent directories if
// needed. The write goes through a temp file so a crash cannot leave
// a half-written config behind.
func (c *Config) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is required")
	}
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	expanded, err := ExpandPath(path)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	tmp := expanded + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, expanded); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// ExpandPath resolves ~/ prefixes and relative paths.
func ExpandPath(path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	case path == "~":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return home, nil
	case filepath.IsAbs(path):
		return path, nil
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, path), nil
	}
}
