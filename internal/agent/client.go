package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Executor runs one agent CLI invocation and returns its stdout. The
// bridge package provides implementations for the remote-first and
// local-only paths.
type Executor interface {
	Execute(ctx context.Context, args ...string) (string, error)
}

// Client wraps an Executor with the agent's operation surface. It is
// stateless; one client per executor is enough.
type Client struct {
	x Executor
}

func NewClient(x Executor) *Client {
	return &Client{x: x}
}

// Version asks the agent for its bare version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	out, err := c.x.Execute(ctx, "--version")
	return strings.TrimSpace(out), err
}

// Info returns the decoded reply of the info operation.
func (c *Client) Info(ctx context.Context) (Result, error) {
	return c.call(ctx, "--json", "info")
}

// Chat sends one message and returns the assistant's reply text.
func (c *Client) Chat(ctx context.Context, message string) (string, error) {
	raw, err := c.x.Execute(ctx, "--json", "chat", message)
	if err != nil {
		return "", err
	}
	return ExtractResponse(raw), nil
}

// ChatArgs is the argv for a chat invocation, shared with the
// streaming path which builds its own command line.
func ChatArgs(message string) []string {
	return []string{"--json", "chat", message}
}

// Heal asks the agent to fix a reported error and returns its reply
// verbatim.
func (c *Client) Heal(ctx context.Context, errorDesc string) (string, error) {
	return c.x.Execute(ctx, ChatArgs("Fix this error: "+errorDesc)...)
}

// Scan runs a project scan and returns the agent's reply verbatim.
func (c *Client) Scan(ctx context.Context, path string) (string, error) {
	return c.x.Execute(ctx, "--json", "scan", path)
}

func (c *Client) MemoryStats(ctx context.Context) (string, error) {
	return c.x.Execute(ctx, "--json", "memory-stats")
}

func (c *Client) MemoryInit(ctx context.Context) error {
	_, err := c.x.Execute(ctx, "--json", "memory-init")
	return err
}

func (c *Client) MemoryConsolidate(ctx context.Context) error {
	_, err := c.x.Execute(ctx, "--json", "memory-consolidate")
	return err
}

func (c *Client) WatcherStatus(ctx context.Context) (string, error) {
	return c.x.Execute(ctx, "--json", "watcher-status")
}

// ConfigGet returns the agent's full configuration reply verbatim.
func (c *Client) ConfigGet(ctx context.Context) (string, error) {
	return c.x.Execute(ctx, "--json", "config", "get", "all")
}

// ProviderAndModel reads the default provider and its default model
// out of the agent configuration. Failures reduce to empty strings;
// the caller treats them as unknown.
func (c *Client) ProviderAndModel(ctx context.Context) (string, string) {
	res, err := c.call(ctx, "--json", "config", "get", "all")
	if err != nil || !res.OK {
		return "", ""
	}
	var cfg struct {
		DefaultProvider string `json:"default_provider"`
		Providers       map[string]struct {
			DefaultModel string `json:"default_model"`
		} `json:"providers"`
	}
	if json.Unmarshal(res.Data, &cfg) != nil {
		return "", ""
	}
	return cfg.DefaultProvider, cfg.Providers[cfg.DefaultProvider].DefaultModel
}

// Providers lists the provider names the agent knows. A reply that is
// not an envelope yields an empty list, not an error.
func (c *Client) Providers(ctx context.Context) ([]string, error) {
	res, err := c.call(ctx, "--json", "providers")
	if err != nil {
		var perr *ParseError
		if errors.As(err, &perr) {
			return nil, nil
		}
		return nil, err
	}
	if !res.OK {
		return nil, nil
	}
	var data struct {
		Providers []struct {
			Name string `json:"name"`
		} `json:"providers"`
	}
	_ = json.Unmarshal(res.Data, &data)
	names := make([]string, 0, len(data.Providers))
	for _, p := range data.Providers {
		if p.Name != "" {
			names = append(names, p.Name)
		}
	}
	return names, nil
}

// Models lists the model ids a provider offers, with the same
// degrade-to-empty behavior as Providers.
func (c *Client) Models(ctx context.Context, provider string) ([]string, error) {
	res, err := c.call(ctx, "--json", "config", "list-models", provider)
	if err != nil {
		var perr *ParseError
		if errors.As(err, &perr) {
			return nil, nil
		}
		return nil, err
	}
	if !res.OK {
		return nil, nil
	}
	var data struct {
		Models []string `json:"models"`
	}
	_ = json.Unmarshal(res.Data, &data)
	return data.Models, nil
}

func (c *Client) SetProvider(ctx context.Context, provider string) error {
	return c.okCall(ctx, "set provider", "--json", "config", "set", "provider", provider)
}

func (c *Client) SetModel(ctx context.Context, model string) error {
	return c.okCall(ctx, "set model", "--json", "config", "set", "model", model)
}

func (c *Client) SetAPIKey(ctx context.Context, provider, key string) error {
	return c.okCall(ctx, "set api key", "--json", "config", "set-api-key", provider, key)
}

// TestConnection exercises a provider's credentials. Success returns
// the agent's diagnostic payload as JSON text.
func (c *Client) TestConnection(ctx context.Context, provider string) (string, error) {
	raw, err := c.x.Execute(ctx, "--json", "config", "test-connection", provider)
	if err != nil {
		return "", err
	}
	res, derr := Decode(raw)
	if derr != nil {
		return raw, nil
	}
	if !res.OK {
		return "", errors.New(res.failure("connection test failed"))
	}
	return string(res.Data), nil
}

// OAuthState is the agent's view of a provider authorization.
type OAuthState struct {
	Authorized bool   `json:"authorized"`
	Provider   string `json:"provider"`
	ExpiresAt  string `json:"expires_at,omitempty"`
}

func (c *Client) SetOAuth(ctx context.Context, provider, clientID, clientSecret string) error {
	return c.okCall(ctx, "set oauth credentials", "--json", "config", "set-oauth", provider, clientID, clientSecret)
}

func (c *Client) OAuthAuthorize(ctx context.Context, provider string) error {
	return c.okCall(ctx, "oauth authorize", "--json", "oauth", "authorize", provider)
}

func (c *Client) OAuthStatus(ctx context.Context, provider string) (OAuthState, error) {
	res, err := c.call(ctx, "--json", "oauth", "status", provider)
	if err != nil {
		return OAuthState{}, fmt.Errorf("oauth status: %w", err)
	}
	if !res.OK {
		return OAuthState{}, errors.New(res.failure("oauth status unavailable"))
	}
	st := OAuthState{Provider: provider}
	_ = json.Unmarshal(res.Data, &st)
	if st.Provider == "" {
		st.Provider = provider
	}
	return st, nil
}

// DaemonState is the agent-side background daemon status.
type DaemonState struct {
	Running       bool   `json:"running"`
	PID           int    `json:"pid,omitempty"`
	IntervalHours int    `json:"interval_hours,omitempty"`
	LastRun       string `json:"last_run,omitempty"`
	NextRun       string `json:"next_run,omitempty"`
}

func (c *Client) DaemonStart(ctx context.Context, intervalHours int) error {
	return c.okCall(ctx, "daemon start", "--json", "daemon", "start", "--interval", strconv.Itoa(intervalHours))
}

func (c *Client) DaemonStop(ctx context.Context) error {
	return c.okCall(ctx, "daemon stop", "--json", "daemon", "stop")
}

func (c *Client) DaemonRunTasks(ctx context.Context) error {
	return c.okCall(ctx, "daemon run tasks", "--json", "daemon", "run-tasks")
}

func (c *Client) DaemonStatus(ctx context.Context) (DaemonState, error) {
	res, err := c.call(ctx, "--json", "daemon", "status")
	if err != nil {
		return DaemonState{}, fmt.Errorf("daemon status: %w", err)
	}
	if !res.OK {
		return DaemonState{}, errors.New(res.failure("daemon status unavailable"))
	}
	var st DaemonState
	if err := json.Unmarshal(res.Data, &st); err != nil {
		return DaemonState{}, fmt.Errorf("daemon status: %w", err)
	}
	return st, nil
}

// HierarchyShow returns the model hierarchy as the agent reports it.
func (c *Client) HierarchyShow(ctx context.Context) (json.RawMessage, error) {
	res, err := c.call(ctx, "--json", "hierarchy", "show")
	if err != nil {
		return nil, fmt.Errorf("hierarchy show: %w", err)
	}
	if !res.OK {
		return nil, errors.New(res.failure("hierarchy unavailable"))
	}
	return res.Data, nil
}

func (c *Client) HierarchySetPreset(ctx context.Context, preset string) error {
	return c.okCall(ctx, "hierarchy set preset", "--json", "hierarchy", "set-preset", preset)
}

func (c *Client) HierarchySetModel(ctx context.Context, category string, tier int, model string) error {
	return c.okCall(ctx, "hierarchy set model",
		"--json", "hierarchy", "set-model", category, strconv.Itoa(tier), model)
}

func (c *Client) call(ctx context.Context, args ...string) (Result, error) {
	raw, err := c.x.Execute(ctx, args...)
	if err != nil {
		return Result{}, err
	}
	return Decode(raw)
}

// okCall runs an operation whose reply only matters as pass or fail.
func (c *Client) okCall(ctx context.Context, op string, args ...string) error {
	res, err := c.call(ctx, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !res.OK {
		return fmt.Errorf("%s: %s", op, res.failure("agent reported failure"))
	}
	return nil
}
