package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// frame is either a reply (OK set) or an event (Event set).
type frame struct {
	ID      string          `json:"id"`
	OK      *bool           `json:"ok"`
	Result  json.RawMessage `json:"result"`
	Error   string          `json:"error"`
	Event   string          `json:"event"`
	Payload map[string]any  `json:"payload"`
}

// wsClient drives one daemon connection, splitting the interleaved
// reply and event traffic into pollable stores.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn

	mu      sync.Mutex
	replies map[string]frame
	events  []frame
}

func dialClient(t *testing.T, s *Server) *wsClient {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+s.Addr().String()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	c := &wsClient{t: t, conn: conn, replies: make(map[string]frame)}
	t.Cleanup(func() { _ = conn.Close() })
	go c.pump()
	return c
}

func (c *wsClient) pump() {
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}
		c.mu.Lock()
		if f.Event != "" {
			c.events = append(c.events, f)
		} else {
			c.replies[f.ID] = f
		}
		c.mu.Unlock()
	}
}

// call sends one op and waits for its reply.
func (c *wsClient) call(op string, params any) (json.RawMessage, string) {
	c.t.Helper()
	id := uuid.NewString()
	req := map[string]any{"id": id, "op": op}
	if params != nil {
		req["params"] = params
	}
	if err := c.conn.WriteJSON(req); err != nil {
		c.t.Fatalf("write %s: %v", op, err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		f, ok := c.replies[id]
		c.mu.Unlock()
		if ok {
			if f.OK != nil && *f.OK {
				return f.Result, ""
			}
			return nil, f.Error
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.t.Fatalf("no reply to %s", op)
	return nil, ""
}

func (c *wsClient) mustCall(op string, params any, out any) {
	c.t.Helper()
	result, errText := c.call(op, params)
	if errText != "" {
		c.t.Fatalf("%s failed: %s", op, errText)
	}
	if out != nil {
		if err := json.Unmarshal(result, out); err != nil {
			c.t.Fatalf("decode %s result %s: %v", op, result, err)
		}
	}
}

func (c *wsClient) waitEvent(name string, pred func(map[string]any) bool) map[string]any {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for _, ev := range c.events {
			if ev.Event == name && (pred == nil || pred(ev.Payload)) {
				c.mu.Unlock()
				return ev.Payload
			}
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	c.t.Fatalf("event %s never arrived", name)
	return nil
}

func (c *wsClient) eventNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var names []string
	for _, ev := range c.events {
		names = append(names, ev.Event)
	}
	return names
}

func startServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	cfg := Config{
		ListenAddr:  "127.0.0.1:0",
		AgentBin:    "echo",
		HistoryPath: filepath.Join(t.TempDir(), "history.log"),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestHealthEndpoint(t *testing.T) {
	s := startServer(t, nil)

	resp, err := http.Get("http://" + s.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"ok"`) {
		t.Fatalf("body = %s", body)
	}
}

func TestUnknownOp(t *testing.T) {
	s := startServer(t, nil)
	c := dialClient(t, s)

	_, errText := c.call("nope.op", nil)
	if !strings.Contains(errText, "unknown op") {
		t.Fatalf("error = %q", errText)
	}
}

func TestMalformedRequest(t *testing.T) {
	s := startServer(t, nil)
	c := dialClient(t, s)

	if err := c.conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	waitForCond(t, "malformed reply", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		f, ok := c.replies[""]
		return ok && strings.Contains(f.Error, "malformed")
	})
}

func waitForCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestProjectRoundTrip(t *testing.T) {
	s := startServer(t, nil)
	c := dialClient(t, s)

	var set struct {
		Path string `json:"path"`
	}
	c.mustCall("project.set", map[string]any{"path": "/home/dev/proj"}, &set)
	if set.Path != "/home/dev/proj" {
		t.Fatalf("set path = %q", set.Path)
	}

	c.waitEvent("project:changed", func(p map[string]any) bool {
		return p["path"] == "/home/dev/proj"
	})

	var get struct {
		Path string `json:"path"`
	}
	c.mustCall("project.get", nil, &get)
	if get.Path != "/home/dev/proj" {
		t.Fatalf("get path = %q", get.Path)
	}
}

func TestChatSendRecordsHistory(t *testing.T) {
	s := startServer(t, nil)
	c := dialClient(t, s)

	var sent struct {
		Response string `json:"response"`
	}
	c.mustCall("chat.send", map[string]any{"message": "hello bridge"}, &sent)
	if !strings.Contains(sent.Response, "chat hello bridge") {
		t.Fatalf("response = %q", sent.Response)
	}

	var hist struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	c.mustCall("chat.history", nil, &hist)
	if len(hist.Messages) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist.Messages))
	}
	if hist.Messages[0].Role != "user" || hist.Messages[0].Content != "hello bridge" {
		t.Fatalf("first message = %+v", hist.Messages[0])
	}
	if hist.Messages[1].Role != "assistant" {
		t.Fatalf("second message = %+v", hist.Messages[1])
	}

	c.mustCall("chat.clear", nil, nil)
	c.mustCall("chat.history", nil, &hist)
	if len(hist.Messages) != 0 {
		t.Fatalf("history after clear = %d", len(hist.Messages))
	}
}

func TestChatStreamDeliversEvents(t *testing.T) {
	s := startServer(t, nil)
	c := dialClient(t, s)

	var started struct {
		MessageID string `json:"messageId"`
	}
	c.mustCall("chat.stream", map[string]any{"message": "stream me"}, &started)
	if started.MessageID == "" {
		t.Fatal("no messageId in reply")
	}

	c.waitEvent("chat-chunk", func(p map[string]any) bool {
		return p["messageId"] == started.MessageID
	})
	c.waitEvent("chat-done", func(p map[string]any) bool {
		return p["messageId"] == started.MessageID
	})
}

func TestSwarmLifecycle(t *testing.T) {
	s := startServer(t, nil)
	c := dialClient(t, s)

	var started struct {
		TaskID string `json:"taskId"`
	}
	c.mustCall("swarm.start", map[string]any{"description": "sweep the floor"}, &started)
	if started.TaskID == "" {
		t.Fatal("no taskId")
	}

	c.waitEvent("swarm:started", func(p map[string]any) bool {
		return p["taskId"] == started.TaskID
	})
	c.waitEvent("swarm:completed", func(p map[string]any) bool {
		return p["taskId"] == started.TaskID
	})

	var task struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	c.mustCall("swarm.status", map[string]any{"taskId": started.TaskID}, &task)
	if task.Status != "completed" {
		t.Fatalf("task status = %q", task.Status)
	}

	var list struct {
		Tasks []struct {
			ID string `json:"id"`
		} `json:"tasks"`
	}
	c.mustCall("swarm.list", nil, &list)
	if len(list.Tasks) != 1 || list.Tasks[0].ID != started.TaskID {
		t.Fatalf("list = %+v", list)
	}
}

func TestSwarmUnknownTaskStatus(t *testing.T) {
	s := startServer(t, nil)
	c := dialClient(t, s)

	var task struct {
		Status string `json:"status"`
	}
	c.mustCall("swarm.status", map[string]any{"taskId": "ghost"}, &task)
	if task.Status != "not_found" {
		t.Fatalf("status = %q", task.Status)
	}
}

func TestTerminalExecOp(t *testing.T) {
	s := startServer(t, nil)
	c := dialClient(t, s)

	var res struct {
		Output string `json:"output"`
	}
	c.mustCall("terminal.exec", map[string]any{"command": "echo over-the-wire"}, &res)
	if !strings.Contains(res.Output, "over-the-wire") {
		t.Fatalf("output = %q", res.Output)
	}
}

func TestSSHStatusUnconfigured(t *testing.T) {
	s := startServer(t, nil)
	c := dialClient(t, s)

	var res struct {
		Status string `json:"status"`
	}
	c.mustCall("ssh.status", nil, &res)
	if res.Status != "unconfigured" {
		t.Fatalf("status = %q", res.Status)
	}

	_, errText := c.call("connect.remote", map[string]any{"host": "", "user": "dev", "password": "x"})
	if errText == "" {
		t.Fatal("connect with empty host succeeded")
	}
}

func TestStatusGetWhenUnconnected(t *testing.T) {
	s := startServer(t, nil)
	c := dialClient(t, s)

	var st struct {
		ConnectionMode string `json:"connection_mode"`
		Version        string `json:"version"`
	}
	c.mustCall("status.get", nil, &st)
	if st.ConnectionMode != "none" {
		t.Fatalf("connection_mode = %q", st.ConnectionMode)
	}
	if st.Version != "Not Connected" {
		t.Fatalf("version = %q", st.Version)
	}
}

func TestCapabilityCatalogOp(t *testing.T) {
	s := startServer(t, nil)
	c := dialClient(t, s)

	var res struct {
		Models []struct {
			ID       string `json:"id"`
			Provider string `json:"provider"`
		} `json:"models"`
	}
	c.mustCall("capability.catalog", nil, &res)
	if len(res.Models) == 0 {
		t.Fatal("empty catalog")
	}
	for _, m := range res.Models {
		if m.ID == "" || m.Provider == "" {
			t.Fatalf("catalog entry missing fields: %+v", m)
		}
	}
}

func TestTerminalOverBridge(t *testing.T) {
	s := startServer(t, nil)
	c := dialClient(t, s)

	var opened struct {
		SessionID string `json:"sessionId"`
	}
	c.mustCall("terminal.open", map[string]any{
		"command": "sh",
		"args":    []string{"-c", "printf 'terminal says hi'"},
	}, &opened)
	if opened.SessionID == "" {
		t.Fatal("no sessionId")
	}

	c.waitEvent("terminal:output", func(p map[string]any) bool {
		data, _ := p["data"].(string)
		return p["sessionId"] == opened.SessionID && strings.Contains(data, "terminal says hi")
	})

	c.mustCall("terminal.close", map[string]any{"sessionId": opened.SessionID}, nil)
}

func TestMCPOps(t *testing.T) {
	s := startServer(t, nil)
	c := dialClient(t, s)

	var res struct {
		Servers []any `json:"servers"`
	}
	c.mustCall("mcp.list", nil, &res)
	if len(res.Servers) != 0 {
		t.Fatalf("servers = %+v", res.Servers)
	}

	if _, errText := c.call("mcp.call", map[string]any{"server": "x"}); errText == "" {
		t.Fatal("mcp.call succeeded")
	}
}

func TestStopClosesConnections(t *testing.T) {
	s := startServer(t, nil)
	c := dialClient(t, s)

	s.Stop()

	// The pump goroutine owns reads; probe with pings instead.
	waitForCond(t, "connection close", func() bool {
		return c.conn.WriteMessage(websocket.PingMessage, nil) != nil
	})
}
