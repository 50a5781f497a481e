package config

import (
	"os"
	"path/filepath"
)

func DefaultConfigDir() string {
	if v := os.Getenv("NEXBRIDGE_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".nexbridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config")
}

func DefaultHistoryPath() string {
	return filepath.Join(DefaultConfigDir(), "history.log")
}
