package client

import (
	"path/filepath"
	"testing"
	"time"

	"nexbridge/internal/config"
)

func TestResolveFlagWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	if err := (&config.Config{Listen: "127.0.0.1:9999"}).Save(path); err != nil {
		t.Fatal(err)
	}
	t.Setenv("NEXBRIDGE_ADDR", "127.0.0.1:8888")

	conn, err := Resolve(path, "127.0.0.1:7777", 0)
	if err != nil {
		t.Fatal(err)
	}
	if conn.Addr != "127.0.0.1:7777" {
		t.Fatalf("addr = %q, want the flag value", conn.Addr)
	}
}

func TestResolveConfigBeatsEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	if err := (&config.Config{Listen: "127.0.0.1:9999"}).Save(path); err != nil {
		t.Fatal(err)
	}
	t.Setenv("NEXBRIDGE_ADDR", "127.0.0.1:8888")

	conn, err := Resolve(path, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if conn.Addr != "127.0.0.1:9999" {
		t.Fatalf("addr = %q, want the config value", conn.Addr)
	}
	if conn.Config == nil {
		t.Fatal("config not retained")
	}
}

func TestResolveEnvBeatsDefault(t *testing.T) {
	t.Setenv("NEXBRIDGE_ADDR", "127.0.0.1:8888")

	conn, err := Resolve("", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if conn.Addr != "127.0.0.1:8888" {
		t.Fatalf("addr = %q, want the env value", conn.Addr)
	}
}

func TestResolveDefaults(t *testing.T) {
	t.Setenv("NEXBRIDGE_ADDR", "")

	conn, err := Resolve("", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if conn.Addr != "127.0.0.1:7171" {
		t.Fatalf("addr = %q", conn.Addr)
	}
	if conn.Timeout != 15*time.Second {
		t.Fatalf("timeout = %v", conn.Timeout)
	}
}

func TestResolveMissingConfigFileIsFine(t *testing.T) {
	t.Setenv("NEXBRIDGE_ADDR", "")

	conn, err := Resolve(filepath.Join(t.TempDir(), "absent"), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if conn.Config != nil {
		t.Fatalf("config = %+v, want nil", conn.Config)
	}
	if conn.Addr != "127.0.0.1:7171" {
		t.Fatalf("addr = %q", conn.Addr)
	}
}
