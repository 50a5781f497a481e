package agent

import (
	"context"
	"strings"
	"testing"
)

type fakeExec struct {
	replies map[string]string
	errs    map[string]error
	calls   []string
}

func (f *fakeExec) Execute(ctx context.Context, args ...string) (string, error) {
	key := strings.Join(args, " ")
	f.calls = append(f.calls, key)
	if err := f.errs[key]; err != nil {
		return "", err
	}
	return f.replies[key], nil
}

func TestChatExtractsResponse(t *testing.T) {
	f := &fakeExec{replies: map[string]string{
		"--json chat hello": `{"success":true,"data":{"response":"hi!"}}`,
	}}
	got, err := NewClient(f).Chat(context.Background(), "hello")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if got != "hi!" {
		t.Fatalf("expected extracted reply, got %q", got)
	}
}

func TestHealPrefixesTheError(t *testing.T) {
	f := &fakeExec{replies: map[string]string{}}
	if _, err := NewClient(f).Heal(context.Background(), "tests are red"); err != nil {
		t.Fatalf("heal: %v", err)
	}
	if len(f.calls) != 1 || f.calls[0] != "--json chat Fix this error: tests are red" {
		t.Fatalf("unexpected invocation: %v", f.calls)
	}
}

func TestProvidersParsesNames(t *testing.T) {
	f := &fakeExec{replies: map[string]string{
		"--json providers": `{"success":true,"data":{"providers":[{"name":"claude"},{"name":"openai"},{}]}}`,
	}}
	got, err := NewClient(f).Providers(context.Background())
	if err != nil {
		t.Fatalf("providers: %v", err)
	}
	if len(got) != 2 || got[0] != "claude" || got[1] != "openai" {
		t.Fatalf("unexpected providers: %v", got)
	}
}

func TestProvidersDegradesToEmpty(t *testing.T) {
	f := &fakeExec{replies: map[string]string{
		"--json providers": "not json at all",
	}}
	got, err := NewClient(f).Providers(context.Background())
	if err != nil {
		t.Fatalf("expected degrade, got error %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty list, got %v", got)
	}
}

func TestModelsList(t *testing.T) {
	f := &fakeExec{replies: map[string]string{
		"--json config list-models claude": `{"success":true,"data":{"models":["claude-3-opus","claude-3-5-sonnet"]}}`,
	}}
	got, err := NewClient(f).Models(context.Background(), "claude")
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	if len(got) != 2 || got[0] != "claude-3-opus" {
		t.Fatalf("unexpected models: %v", got)
	}
}

func TestProviderAndModel(t *testing.T) {
	f := &fakeExec{replies: map[string]string{
		"--json config get all": `{"success":true,"data":{"default_provider":"claude","providers":{"claude":{"default_model":"claude-3-opus"},"openai":{"default_model":"gpt-4o"}}}}`,
	}}
	provider, model := NewClient(f).ProviderAndModel(context.Background())
	if provider != "claude" || model != "claude-3-opus" {
		t.Fatalf("expected claude/claude-3-opus, got %q/%q", provider, model)
	}
}

func TestProviderAndModelUnknown(t *testing.T) {
	f := &fakeExec{replies: map[string]string{
		"--json config get all": "garbled",
	}}
	provider, model := NewClient(f).ProviderAndModel(context.Background())
	if provider != "" || model != "" {
		t.Fatalf("expected unknown, got %q/%q", provider, model)
	}
}

func TestDaemonStartReportsAgentFailure(t *testing.T) {
	f := &fakeExec{replies: map[string]string{
		"--json daemon start --interval 4": `{"success":false,"error":"already running"}`,
	}}
	err := NewClient(f).DaemonStart(context.Background(), 4)
	if err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("expected agent error surfaced, got %v", err)
	}
}

func TestDaemonStatusParsing(t *testing.T) {
	f := &fakeExec{replies: map[string]string{
		"--json daemon status": `{"success":true,"data":{"running":true,"pid":4242,"interval_hours":6,"last_run":"2026-08-21T10:00:00Z"}}`,
	}}
	st, err := NewClient(f).DaemonStatus(context.Background())
	if err != nil {
		t.Fatalf("daemon status: %v", err)
	}
	if !st.Running || st.PID != 4242 || st.IntervalHours != 6 {
		t.Fatalf("unexpected daemon state: %+v", st)
	}
}

func TestOAuthStatusFillsProvider(t *testing.T) {
	f := &fakeExec{replies: map[string]string{
		"--json oauth status claude": `{"success":true,"data":{"authorized":true}}`,
	}}
	st, err := NewClient(f).OAuthStatus(context.Background(), "claude")
	if err != nil {
		t.Fatalf("oauth status: %v", err)
	}
	if !st.Authorized || st.Provider != "claude" {
		t.Fatalf("unexpected oauth state: %+v", st)
	}
}

func TestTestConnection(t *testing.T) {
	f := &fakeExec{replies: map[string]string{
		"--json config test-connection openai": `{"success":true,"data":{"latency_ms":120}}`,
	}}
	got, err := NewClient(f).TestConnection(context.Background(), "openai")
	if err != nil {
		t.Fatalf("test connection: %v", err)
	}
	if !strings.Contains(got, "latency_ms") {
		t.Fatalf("expected diagnostic payload, got %q", got)
	}

	f = &fakeExec{replies: map[string]string{
		"--json config test-connection openai": `{"success":false,"error":"invalid api key"}`,
	}}
	if _, err := NewClient(f).TestConnection(context.Background(), "openai"); err == nil {
		t.Fatal("expected error for rejected credentials")
	}
}

func TestHierarchySetModelArgs(t *testing.T) {
	f := &fakeExec{replies: map[string]string{
		"--json hierarchy set-model coding 2 gpt-4o-mini": `{"success":true}`,
	}}
	if err := NewClient(f).HierarchySetModel(context.Background(), "coding", 2, "gpt-4o-mini"); err != nil {
		t.Fatalf("set model: %v", err)
	}
}
