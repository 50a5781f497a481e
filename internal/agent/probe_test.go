package agent

import (
	"context"
	"testing"
)

func TestProbeUnconnected(t *testing.T) {
	dual := &fakeExec{}
	local := &fakeExec{}
	st := Probe(context.Background(), NewClient(dual), NewClient(local), false, "/srv/demo")
	if st.Version != "Not Connected" {
		t.Fatalf("expected immediate not-connected answer, got %q", st.Version)
	}
	if st.ConnectionMode != ModeNone {
		t.Fatalf("expected mode %q, got %q", ModeNone, st.ConnectionMode)
	}
	if st.Installed || st.RemoteInstalled {
		t.Fatal("nothing should look installed without a session")
	}
	if len(dual.calls)+len(local.calls) != 0 {
		t.Fatalf("probe must not execute anything while unconnected: %v %v", dual.calls, local.calls)
	}
	if st.LatencyMillis != nil {
		t.Fatal("no latency without a session")
	}
}

func TestProbeInfoSuccess(t *testing.T) {
	dual := &fakeExec{replies: map[string]string{
		"--version":             "1.2.3",
		"--json info":           `{"success":true,"data":{"version":"1.2.3","platform":"linux"}}`,
		"--json config get all": `{"success":true,"data":{"default_provider":"claude","providers":{"claude":{"default_model":"claude-3-opus"}}}}`,
	}}
	st := Probe(context.Background(), NewClient(dual), NewClient(&fakeExec{}), true, "/srv/demo")
	if !st.Installed || !st.RemoteInstalled {
		t.Fatalf("expected installed agent: %+v", st)
	}
	if st.ConnectionMode != ModeSSH {
		t.Fatalf("expected mode %q, got %q", ModeSSH, st.ConnectionMode)
	}
	if st.Version != "1.2.3" || st.Platform != "linux" {
		t.Fatalf("info fields not used: %+v", st)
	}
	if st.Provider != "claude" || st.Model != "claude-3-opus" {
		t.Fatalf("provider/model not resolved: %+v", st)
	}
	if st.CurrentProject != "/srv/demo" {
		t.Fatalf("project not carried: %+v", st)
	}
	if st.LatencyMillis == nil {
		t.Fatal("expected latency measurement")
	}
}

func TestProbeVersionFallback(t *testing.T) {
	dual := &fakeExec{replies: map[string]string{
		"--version":   "nexus 0.9.1",
		"--json info": "info is not supported",
	}}
	st := Probe(context.Background(), NewClient(dual), NewClient(&fakeExec{}), true, "")
	if !st.Installed {
		t.Fatalf("version heuristic should accept %q", st.Version)
	}
	if st.ConnectionMode != ModeSSH || !st.RemoteInstalled {
		t.Fatalf("expected remote agent detected: %+v", st)
	}
}

func TestProbeFallsBackToLocal(t *testing.T) {
	dual := &fakeExec{replies: map[string]string{
		"--version":   "bash: nexus: command not found",
		"--json info": "bash: nexus: command not found",
	}}
	local := &fakeExec{replies: map[string]string{
		"--version": "0.9.1",
	}}
	st := Probe(context.Background(), NewClient(dual), NewClient(local), true, "")
	if st.Installed {
		t.Fatal("shell complaint misread as a version")
	}
	if st.ConnectionMode != ModeLocal {
		t.Fatalf("expected local fallback, got %q", st.ConnectionMode)
	}
	if st.RemoteInstalled {
		t.Fatal("remote agent should not look installed")
	}
}

func TestProbeNothingAnywhere(t *testing.T) {
	dual := &fakeExec{replies: map[string]string{}}
	local := &fakeExec{replies: map[string]string{}}
	st := Probe(context.Background(), NewClient(dual), NewClient(local), true, "")
	if st.ConnectionMode != ModeNone {
		t.Fatalf("expected mode %q, got %q", ModeNone, st.ConnectionMode)
	}
}

func TestLooksInstalled(t *testing.T) {
	cases := []struct {
		version string
		want    bool
	}{
		{"1.2.3", true},
		{"nexus 0.9.1", true},
		{"", false},
		{"Unknown", false},
		{"zsh: command not found: nexus", false},
		{"Execution failed", false},
		{"Error: no binary", false},
	}
	for _, tc := range cases {
		if got := looksInstalled(tc.version); got != tc.want {
			t.Errorf("looksInstalled(%q) = %v, want %v", tc.version, got, tc.want)
		}
	}
}
