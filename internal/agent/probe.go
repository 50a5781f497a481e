package agent

import (
	"context"
	"encoding/json"
	"runtime"
	"strings"
	"time"
)

// Connection modes reported by Probe.
const (
	ModeSSH   = "ssh"
	ModeLocal = "local"
	ModeNone  = "none"
)

// Status is the combined health picture of the agent and its
// transport, shaped for the status.get reply.
type Status struct {
	DaemonRunning   bool   `json:"daemon_running"`
	DaemonPort      *int   `json:"daemon_port,omitempty"`
	Version         string `json:"version"`
	Platform        string `json:"platform"`
	Installed       bool   `json:"agent_installed"`
	CurrentProject  string `json:"current_project,omitempty"`
	Provider        string `json:"provider,omitempty"`
	Model           string `json:"model,omitempty"`
	ConnectionMode  string `json:"connection_mode"`
	LatencyMillis   *int64 `json:"ssh_latency_ms,omitempty"`
	RemoteInstalled bool   `json:"remote_agent_installed"`
}

// Probe determines whether the agent is reachable and through which
// path. With no session it answers immediately instead of stalling on
// a local CLI check; with one it measures round-trip latency, asks for
// info, and falls back to version-string heuristics when the info
// operation fails.
func Probe(ctx context.Context, dual, local *Client, connected bool, project string) Status {
	st := Status{
		Version:        "Not Connected",
		Platform:       runtime.GOOS,
		ConnectionMode: ModeNone,
	}
	if !connected {
		return st
	}
	st.CurrentProject = project

	start := time.Now()
	version, verr := dual.Version(ctx)
	latency := time.Since(start).Milliseconds()
	st.LatencyMillis = &latency

	if res, err := dual.Info(ctx); err == nil && res.OK {
		var info struct {
			Version  string `json:"version"`
			Platform string `json:"platform"`
		}
		_ = json.Unmarshal(res.Data, &info)
		st.Version = valueOr(info.Version, "unknown")
		st.Platform = valueOr(info.Platform, "unknown")
		st.Installed = true
		st.RemoteInstalled = true
		st.ConnectionMode = ModeSSH
		st.Provider, st.Model = dual.ProviderAndModel(ctx)
		return st
	}

	if verr != nil {
		version = "Unknown"
	}
	st.Version = version
	st.Installed = looksInstalled(version)
	if st.Installed {
		st.ConnectionMode = ModeSSH
		st.RemoteInstalled = true
	} else if lv, _ := local.Version(ctx); lv != "" {
		st.ConnectionMode = ModeLocal
	} else {
		st.ConnectionMode = ModeNone
	}
	st.Provider, st.Model = dual.ProviderAndModel(ctx)
	return st
}

// looksInstalled decides whether a --version reply came from a real
// binary rather than a shell complaining about a missing one.
func looksInstalled(version string) bool {
	if version == "" || version == "Unknown" {
		return false
	}
	lower := strings.ToLower(version)
	return !strings.Contains(lower, "failed") &&
		!strings.Contains(lower, "error") &&
		!strings.Contains(lower, "not found")
}

func valueOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
