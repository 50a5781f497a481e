package server

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"nexbridge/internal/agent"
	"nexbridge/internal/events"
	"nexbridge/internal/state"
	"nexbridge/internal/terminal"
)

func (s *Server) registerHandlers() {
	s.handlers = map[string]handlerFunc{
		"connect.remote": s.handleConnect,
		"ssh.status":     s.handleSSHStatus,
		"ssh.reconnect":  s.handleReconnect,
		"ssh.disconnect": s.handleDisconnect,
		"status.get":     s.handleStatus,

		"project.get": s.handleProjectGet,
		"project.set": s.handleProjectSet,

		"chat.send":    s.handleChatSend,
		"chat.stream":  s.handleChatStream,
		"chat.history": s.handleChatHistory,
		"chat.clear":   s.handleChatClear,

		"swarm.start":  s.handleSwarmStart,
		"swarm.status": s.handleSwarmStatus,
		"swarm.list":   s.handleSwarmList,

		"exec.agent":    s.handleExecAgent,
		"terminal.exec": s.handleTerminalExec,

		"agent.version": s.handleAgentVersion,
		"config.get":    s.handleAgentConfig,
		"heal.error":    s.handleHeal,
		"project.scan":  s.handleScan,

		"memory.stats":       s.handleMemoryStats,
		"memory.init":        s.handleMemoryInit,
		"memory.consolidate": s.handleMemoryConsolidate,
		"watcher.status":     s.handleWatcherStatus,

		"provider.list":    s.handleProviderList,
		"provider.current": s.handleProviderCurrent,
		"provider.set":     s.handleProviderSet,
		"provider.test":    s.handleProviderTest,
		"model.list":       s.handleModelList,
		"model.set":        s.handleModelSet,
		"apikey.set":       s.handleAPIKeySet,

		"oauth.set":       s.handleOAuthSet,
		"oauth.authorize": s.handleOAuthAuthorize,
		"oauth.status":    s.handleOAuthStatus,

		"daemon.start":     s.handleDaemonStart,
		"daemon.stop":      s.handleDaemonStop,
		"daemon.run-tasks": s.handleDaemonRunTasks,
		"daemon.status":    s.handleDaemonStatus,

		"hierarchy.get":        s.handleHierarchyGet,
		"hierarchy.set-preset": s.handleHierarchyPreset,
		"hierarchy.set-model":  s.handleHierarchyModel,

		"capability.catalog": s.handleCatalog,

		"terminal.open":   s.handleTerminalOpen,
		"terminal.write":  s.handleTerminalWrite,
		"terminal.resize": s.handleTerminalResize,
		"terminal.close":  s.handleTerminalClose,
		"terminal.list":   s.handleTerminalList,

		"mcp.list":    s.handleMCPList,
		"mcp.connect": s.handleMCPUnsupported,
		"mcp.call":    s.handleMCPUnsupported,
	}
}

func decode(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return errors.New("missing params")
	}
	return json.Unmarshal(params, v)
}

func (s *Server) handleConnect(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Host       string `json:"host"`
		Port       string `json:"port"`
		User       string `json:"user"`
		AuthMethod string `json:"auth_method"`
		Password   string `json:"password"`
		PrivateKey string `json:"private_key"`
		Passphrase string `json:"passphrase"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	port := 0
	if strings.TrimSpace(p.Port) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(p.Port))
		if err != nil {
			return nil, errors.New("port must be a number")
		}
		port = n
	}
	creds := state.Credentials{
		Host:       p.Host,
		Port:       port,
		User:       p.User,
		Method:     state.AuthMethod(p.AuthMethod),
		Password:   p.Password,
		PrivateKey: p.PrivateKey,
		Passphrase: p.Passphrase,
	}
	if err := s.transport.Connect(ctx, s.registrar, creds); err != nil {
		return nil, err
	}
	return map[string]any{
		"message": "connected to " + strings.TrimSpace(p.Host),
		"status":  s.transport.Status(s.registrar),
	}, nil
}

func (s *Server) handleSSHStatus(ctx context.Context, params json.RawMessage) (any, error) {
	return map[string]any{"status": s.transport.Status(s.registrar)}, nil
}

func (s *Server) handleReconnect(ctx context.Context, params json.RawMessage) (any, error) {
	if err := s.transport.Reconnect(ctx, s.registrar); err != nil {
		return nil, err
	}
	return map[string]any{"status": s.transport.Status(s.registrar)}, nil
}

func (s *Server) handleDisconnect(ctx context.Context, params json.RawMessage) (any, error) {
	if err := s.transport.Disconnect(s.registrar); err != nil {
		return nil, err
	}
	return map[string]any{"status": s.transport.Status(s.registrar)}, nil
}

func (s *Server) handleStatus(ctx context.Context, params json.RawMessage) (any, error) {
	local := agent.NewClient(s.bridge.LocalExecutor())
	return agent.Probe(ctx, s.bridge.Agent(), local, s.transport.IsAlive(s.registrar), s.registrar.ProjectPath()), nil
}

func (s *Server) handleProjectGet(ctx context.Context, params json.RawMessage) (any, error) {
	return map[string]any{"path": s.registrar.ProjectPath()}, nil
}

func (s *Server) handleProjectSet(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Path string `json:"path"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	path := strings.TrimSpace(p.Path)
	if path == "" {
		return nil, errors.New("path is required")
	}
	s.registrar.SetProjectPath(path)
	s.bus.Emit(events.ProjectChanged, map[string]any{"path": path})
	return map[string]any{"path": path}, nil
}

func (s *Server) handleChatSend(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Message string `json:"message"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Message) == "" {
		return nil, errors.New("message is required")
	}
	response, err := s.bridge.SendChat(ctx, p.Message)
	if err != nil {
		return nil, err
	}
	return map[string]any{"response": response}, nil
}

func (s *Server) handleChatStream(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Message   string `json:"message"`
		MessageID string `json:"messageId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Message) == "" {
		return nil, errors.New("message is required")
	}
	id := p.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	go func() {
		if err := s.bridge.StreamChat(s.base, id, p.Message); err != nil {
			s.cfg.Logger.Debug("chat stream failed", "message", id, "err", err)
		}
	}()
	return map[string]any{"messageId": id}, nil
}

func (s *Server) handleChatHistory(ctx context.Context, params json.RawMessage) (any, error) {
	return map[string]any{"messages": s.hist.Messages()}, nil
}

func (s *Server) handleChatClear(ctx context.Context, params json.RawMessage) (any, error) {
	if err := s.hist.Clear(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Server) handleSwarmStart(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Description string `json:"description"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Description) == "" {
		return nil, errors.New("description is required")
	}
	id := s.bridge.StartSwarm(s.base, p.Description)
	return map[string]any{"taskId": id}, nil
}

func (s *Server) handleSwarmStatus(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		TaskID string `json:"taskId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return s.registrar.TaskStatus(p.TaskID), nil
}

func (s *Server) handleSwarmList(ctx context.Context, params json.RawMessage) (any, error) {
	ids := s.registrar.TaskIDs()
	tasks := make([]state.Task, 0, len(ids))
	for _, id := range ids {
		tasks = append(tasks, s.registrar.TaskStatus(id))
	}
	return map[string]any{"tasks": tasks}, nil
}

func (s *Server) handleTerminalExec(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Command string `json:"command"`
		Workdir string `json:"workdir"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Command) == "" {
		return nil, errors.New("command is required")
	}
	out, err := s.bridge.ExecShell(ctx, p.Command, p.Workdir)
	if err != nil {
		return nil, err
	}
	return map[string]any{"output": out}, nil
}

func (s *Server) handleExecAgent(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Args []string `json:"args"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if len(p.Args) == 0 {
		return nil, errors.New("args are required")
	}
	out, err := s.bridge.ExecAgent(ctx, p.Args...)
	if err != nil {
		return nil, err
	}
	return map[string]any{"output": out}, nil
}

func (s *Server) handleAgentVersion(ctx context.Context, params json.RawMessage) (any, error) {
	version, err := s.bridge.Agent().Version(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"version": version}, nil
}

func (s *Server) handleAgentConfig(ctx context.Context, params json.RawMessage) (any, error) {
	raw, err := s.bridge.Agent().ConfigGet(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"config": raw}, nil
}

func (s *Server) handleHeal(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Error string `json:"error"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Error) == "" {
		return nil, errors.New("error text is required")
	}
	response, err := s.bridge.Agent().Heal(ctx, p.Error)
	if err != nil {
		return nil, err
	}
	return map[string]any{"response": response}, nil
}

func (s *Server) handleScan(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Path string `json:"path"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
	}
	path := p.Path
	if path == "" {
		path = s.registrar.ProjectPath()
	}
	if path == "" {
		return nil, errors.New("no path given and no project set")
	}
	out, err := s.bridge.Agent().Scan(ctx, path)
	if err != nil {
		return nil, err
	}
	return map[string]any{"output": out}, nil
}

func (s *Server) handleMemoryStats(ctx context.Context, params json.RawMessage) (any, error) {
	out, err := s.bridge.Agent().MemoryStats(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"stats": out}, nil
}

func (s *Server) handleMemoryInit(ctx context.Context, params json.RawMessage) (any, error) {
	return nil, s.bridge.Agent().MemoryInit(ctx)
}

func (s *Server) handleMemoryConsolidate(ctx context.Context, params json.RawMessage) (any, error) {
	return nil, s.bridge.Agent().MemoryConsolidate(ctx)
}

func (s *Server) handleWatcherStatus(ctx context.Context, params json.RawMessage) (any, error) {
	out, err := s.bridge.Agent().WatcherStatus(ctx)
	if err != nil {
		return nil, err
	}
	s.bus.Emit(events.WatcherStatus, map[string]any{"status": out})
	return map[string]any{"status": out}, nil
}

func (s *Server) handleProviderList(ctx context.Context, params json.RawMessage) (any, error) {
	providers, err := s.bridge.Agent().Providers(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"providers": providers}, nil
}

func (s *Server) handleProviderCurrent(ctx context.Context, params json.RawMessage) (any, error) {
	provider, model := s.bridge.Agent().ProviderAndModel(ctx)
	return map[string]any{"provider": provider, "model": model}, nil
}

func (s *Server) handleProviderSet(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Provider string `json:"provider"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return nil, s.bridge.Agent().SetProvider(ctx, p.Provider)
}

func (s *Server) handleModelList(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Provider string `json:"provider"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
	}
	models, err := s.bridge.Agent().Models(ctx, p.Provider)
	if err != nil {
		return nil, err
	}
	return map[string]any{"models": models}, nil
}

func (s *Server) handleModelSet(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Model string `json:"model"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return nil, s.bridge.Agent().SetModel(ctx, p.Model)
}

func (s *Server) handleAPIKeySet(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Provider string `json:"provider"`
		Key      string `json:"key"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return nil, s.bridge.Agent().SetAPIKey(ctx, p.Provider, p.Key)
}

func (s *Server) handleProviderTest(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Provider string `json:"provider"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	out, err := s.bridge.Agent().TestConnection(ctx, p.Provider)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": out}, nil
}

func (s *Server) handleOAuthSet(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Provider     string `json:"provider"`
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return nil, s.bridge.Agent().SetOAuth(ctx, p.Provider, p.ClientID, p.ClientSecret)
}

func (s *Server) handleOAuthAuthorize(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Provider string `json:"provider"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return nil, s.bridge.Agent().OAuthAuthorize(ctx, p.Provider)
}

func (s *Server) handleOAuthStatus(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Provider string `json:"provider"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return s.bridge.Agent().OAuthStatus(ctx, p.Provider)
}

func (s *Server) handleDaemonStart(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		IntervalHours int `json:"interval_hours"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
	}
	if p.IntervalHours <= 0 {
		p.IntervalHours = 24
	}
	return nil, s.bridge.Agent().DaemonStart(ctx, p.IntervalHours)
}

func (s *Server) handleDaemonStop(ctx context.Context, params json.RawMessage) (any, error) {
	return nil, s.bridge.Agent().DaemonStop(ctx)
}

func (s *Server) handleDaemonRunTasks(ctx context.Context, params json.RawMessage) (any, error) {
	return nil, s.bridge.Agent().DaemonRunTasks(ctx)
}

func (s *Server) handleDaemonStatus(ctx context.Context, params json.RawMessage) (any, error) {
	return s.bridge.Agent().DaemonStatus(ctx)
}

func (s *Server) handleHierarchyGet(ctx context.Context, params json.RawMessage) (any, error) {
	raw, err := s.bridge.Agent().HierarchyShow(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"hierarchy": raw}, nil
}

func (s *Server) handleHierarchyPreset(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Preset string `json:"preset"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return nil, s.bridge.Agent().HierarchySetPreset(ctx, p.Preset)
}

func (s *Server) handleHierarchyModel(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Category string `json:"category"`
		Tier     int    `json:"tier"`
		Model    string `json:"model"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return nil, s.bridge.Agent().HierarchySetModel(ctx, p.Category, p.Tier, p.Model)
}

func (s *Server) handleCatalog(ctx context.Context, params json.RawMessage) (any, error) {
	return map[string]any{"models": s.catalog}, nil
}

func (s *Server) handleTerminalOpen(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Command string            `json:"command"`
		Args    []string          `json:"args"`
		Cwd     string            `json:"cwd"`
		Env     map[string]string `json:"env"`
		Cols    uint16            `json:"cols"`
		Rows    uint16            `json:"rows"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	id, err := s.terminals.Open(terminal.OpenOptions{
		Command: p.Command,
		Args:    p.Args,
		Dir:     p.Cwd,
		Env:     p.Env,
		Cols:    p.Cols,
		Rows:    p.Rows,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessionId": id}, nil
}

func (s *Server) handleTerminalWrite(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		Data      string `json:"data"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return nil, s.terminals.Write(p.SessionID, []byte(p.Data))
}

func (s *Server) handleTerminalResize(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		Cols      uint16 `json:"cols"`
		Rows      uint16 `json:"rows"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return nil, s.terminals.Resize(p.SessionID, p.Cols, p.Rows)
}

func (s *Server) handleTerminalClose(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return nil, s.terminals.Close(p.SessionID)
}

func (s *Server) handleTerminalList(ctx context.Context, params json.RawMessage) (any, error) {
	return map[string]any{"sessions": s.terminals.Sessions()}, nil
}

func (s *Server) handleMCPList(ctx context.Context, params json.RawMessage) (any, error) {
	return map[string]any{"servers": []any{}}, nil
}

func (s *Server) handleMCPUnsupported(ctx context.Context, params json.RawMessage) (any, error) {
	return nil, errors.New("mcp servers are not supported")
}
