package client

import (
	"os"
	"time"

	"nexbridge/internal/config"
)

type Connection struct {
	Addr       string
	Timeout    time.Duration
	ConfigPath string
	Config     *config.Config
}

// Resolve determines the daemon address and timeout with the usual
// precedence:
// 1) flags (addr, timeout)
// 2) config file values
// 3) environment (NEXBRIDGE_ADDR)
// 4) defaults (127.0.0.1:7171, 15s)
func Resolve(configPath, addr string, timeout time.Duration) (*Connection, error) {
	conn := &Connection{
		ConfigPath: configPath,
		Addr:       addr,
		Timeout:    timeout,
	}

	if conn.ConfigPath != "" {
		cfg, err := config.Load(conn.ConfigPath)
		if err != nil {
			return nil, err
		}
		conn.Config = cfg
	}

	if conn.Addr == "" && conn.Config != nil {
		conn.Addr = conn.Config.Listen
	}
	if conn.Addr == "" {
		conn.Addr = os.Getenv("NEXBRIDGE_ADDR")
	}
	if conn.Addr == "" {
		conn.Addr = "127.0.0.1:7171"
	}

	if conn.Timeout == 0 {
		conn.Timeout = 15 * time.Second
	}

	return conn, nil
}
