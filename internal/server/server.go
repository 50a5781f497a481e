package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"nexbridge/internal/agent"
	"nexbridge/internal/bridge"
	"nexbridge/internal/events"
	"nexbridge/internal/history"
	"nexbridge/internal/state"
	"nexbridge/internal/terminal"
	"nexbridge/internal/transport"
)

type Config struct {
	ListenAddr  string
	AgentBin    string
	HistoryPath string
	CatalogPath string
	Project     string
	DialTimeout time.Duration

	Version string
	Logger  *slog.Logger
}

// Server is the bridge daemon: one WebSocket endpoint through which a
// UI or CLI drives the remote session, the agent, chat streams, swarm
// tasks and local terminals. Requests are dispatched by op name;
// everything push-shaped arrives as events on the same connection.
type Server struct {
	cfg Config

	bus       *events.Bus
	registrar *state.Registrar
	transport *transport.Manager
	bridge    *bridge.Bridge
	terminals *terminal.Manager
	hist      *history.Log
	catalog   []agent.ModelCapability

	handlers map[string]handlerFunc
	upgrader websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener

	mu      sync.Mutex
	conns   map[*websocket.Conn]struct{}
	stopped bool

	// base outlives individual requests; chat streams and swarm
	// workers run on it.
	base context.Context
}

type handlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

func New(cfg Config) (*Server, error) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:7171"
	}
	if cfg.AgentBin == "" {
		cfg.AgentBin = "nexus"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	hist, err := history.Open(cfg.HistoryPath)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	catalog, err := agent.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		_ = hist.Close()
		return nil, fmt.Errorf("load capability catalog: %w", err)
	}

	bus := events.NewBus()
	reg := state.New(hist)
	if cfg.Project != "" {
		reg.SetProjectPath(cfg.Project)
	}
	tm := transport.New(transport.Config{
		DialTimeout: cfg.DialTimeout,
		Logger:      cfg.Logger,
	})
	br := bridge.New(bridge.Config{
		Sessions:  tm,
		Registrar: reg,
		AgentBin:  cfg.AgentBin,
		Events:    bus,
		Logger:    cfg.Logger,
	})

	s := &Server{
		cfg:       cfg,
		bus:       bus,
		registrar: reg,
		transport: tm,
		bridge:    br,
		terminals: terminal.NewManager(terminal.Config{Events: bus, Logger: cfg.Logger}),
		hist:      hist,
		catalog:   catalog,
		conns:     make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			// The daemon binds loopback; origin checks add nothing.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		base: context.Background(),
	}
	s.registerHandlers()
	return s, nil
}

func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = lis
	s.base = ctx

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	s.httpServer = &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	go func() {
		_ = s.httpServer.Serve(lis)
	}()

	s.cfg.Logger.Info("bridge listening", "addr", lis.Addr().String(), "agent", s.cfg.AgentBin)
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
	s.terminals.CloseAll()
	if sess := s.registrar.SwapSession(nil); sess != nil {
		_ = sess.Close()
	}
	_ = s.hist.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Wire format: requests carry an id echoed on the reply; events have
// no id and interleave freely with replies.
type request struct {
	ID     string          `json:"id"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

type reply struct {
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type eventMsg struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.cfg.Logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	go s.serveConn(conn)
}

func (s *Server) serveConn(conn *websocket.Conn) {
	logger := s.cfg.Logger.With("client", conn.RemoteAddr().String())
	logger.Debug("client connected")

	out := make(chan any, 256)
	done := make(chan struct{})
	send := func(msg any) {
		select {
		case out <- msg:
		case <-done:
		}
	}

	// gorilla allows one concurrent writer, so every reply and event
	// funnels through this goroutine.
	go func() {
		for {
			select {
			case msg := <-out:
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	sub := s.bus.Subscribe(0)
	go func() {
		for ev := range sub.Events() {
			send(eventMsg{Event: ev.Name, Payload: ev.Payload})
		}
	}()

	defer func() {
		close(done)
		sub.Close()
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		logger.Debug("client disconnected")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("read failed", "err", err)
			}
			return
		}

		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			send(reply{OK: false, Error: "malformed request: " + err.Error()})
			continue
		}
		handler, ok := s.handlers[req.Op]
		if !ok {
			send(reply{ID: req.ID, OK: false, Error: "unknown op: " + req.Op})
			continue
		}

		// Handlers run off the read loop so a slow agent call cannot
		// starve the connection.
		go func(req request) {
			result, err := handler(s.base, req.Params)
			if err != nil {
				logger.Debug("op failed", "op", req.Op, "err", err)
				send(reply{ID: req.ID, OK: false, Error: err.Error()})
				return
			}
			send(reply{ID: req.ID, OK: true, Result: result})
		}(req)
	}
}
