package terminal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"nexbridge/internal/events"
)

// ErrNotFound reports an unknown or already cleaned-up session id.
var ErrNotFound = errors.New("terminal session not found")

// session is one running PTY-backed process.
type session struct {
	id     string
	cmd    *exec.Cmd
	f      *os.File
	cancel context.CancelFunc

	endOnce     sync.Once
	cleanupOnce sync.Once
	closed      chan struct{}
}

// Manager owns local interactive terminal sessions. Output is pushed
// as terminal:output events keyed by session id; input, resize and
// close are direct calls.
type Manager struct {
	emit   events.Emitter
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

type Config struct {
	Events events.Emitter
	Logger *slog.Logger
}

func NewManager(cfg Config) *Manager {
	if cfg.Events == nil {
		cfg.Events = events.Nop
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		emit:     cfg.Events,
		logger:   cfg.Logger,
		sessions: make(map[string]*session),
	}
}

// OpenOptions describes the process to run in the new terminal.
type OpenOptions struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
	Cols    uint16
	Rows    uint16
}

// Open starts the process on a fresh PTY and begins streaming its
// output. The returned id keys every later call and event.
func (m *Manager) Open(opts OpenOptions) (string, error) {
	if opts.Command == "" {
		return "", errors.New("command is required")
	}

	ws := &pty.Winsize{Cols: 120, Rows: 30}
	if opts.Cols > 0 {
		ws.Cols = opts.Cols
	}
	if opts.Rows > 0 {
		ws.Rows = opts.Rows
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := buildCmd(procCtx, opts)
	ptyFile, err := startPTY(cmd, ws, true)
	if err != nil && strings.Contains(err.Error(), "Setctty set but Ctty not valid") {
		// Some platforms/Go versions reject Setctty; fall back to a pty
		// without controlling terminal, which is sufficient for
		// interactive I/O.
		cmd = buildCmd(procCtx, opts)
		ptyFile, err = startPTY(cmd, ws, false)
	}
	if err != nil {
		cancel()
		return "", err
	}

	id := uuid.NewString()
	sess := &session{
		id:     id,
		cmd:    cmd,
		f:      ptyFile,
		cancel: cancel,
		closed: make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	go m.pump(sess)
	go func() {
		_ = cmd.Wait()
		sess.endOnce.Do(func() {
			cancel()
			close(sess.closed)
		})
		// Keep the session around briefly after the process exits so
		// late writes and the final output drain don't race cleanup.
		time.AfterFunc(2*time.Second, func() {
			m.cleanup(id, sess)
		})
	}()

	m.logger.Debug("terminal opened", "session", id, "command", opts.Command)
	return id, nil
}

func buildCmd(ctx context.Context, opts OpenOptions) *exec.Cmd {
	cmd := exec.CommandContext(ctx, opts.Command, opts.Args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if len(opts.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range opts.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	return cmd
}

func startPTY(cmd *exec.Cmd, ws *pty.Winsize, setCTTY bool) (*os.File, error) {
	ptyFile, ttyFile, err := pty.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = ttyFile.Close() }()

	if ws != nil {
		_ = pty.Setsize(ptyFile, ws)
	}

	cmd.Stdin = ttyFile
	cmd.Stdout = ttyFile
	cmd.Stderr = ttyFile

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = setCTTY
	if setCTTY {
		cmd.SysProcAttr.Ctty = int(ttyFile.Fd())
	} else {
		cmd.SysProcAttr.Ctty = 0
	}

	if err := cmd.Start(); err != nil {
		_ = ptyFile.Close()
		return nil, err
	}
	return ptyFile, nil
}

// pump reads PTY output and emits it, coalescing bursts so a chatty
// process does not turn every byte into an event.
func (m *Manager) pump(sess *session) {
	const (
		maxChunk   = 64 * 1024
		flushEvery = 20 * time.Millisecond
	)
	buf := make([]byte, maxChunk)
	pending := make([]byte, 0, maxChunk)

	flush := func() {
		if len(pending) == 0 {
			return
		}
		m.emit.Emit(events.TerminalOutput, map[string]any{
			"sessionId": sess.id,
			"data":      string(pending),
		})
		pending = pending[:0]
	}

	for {
		_ = sess.f.SetReadDeadline(time.Now().Add(flushEvery))
		n, rerr := sess.f.Read(buf)
		if n > 0 {
			remaining := buf[:n]
			for len(remaining) > 0 {
				room := maxChunk - len(pending)
				if room == 0 {
					flush()
					room = maxChunk
				}
				if room > len(remaining) {
					room = len(remaining)
				}
				pending = append(pending, remaining[:room]...)
				remaining = remaining[room:]
				if len(pending) >= maxChunk {
					flush()
				}
			}
		}
		if rerr != nil {
			if errors.Is(rerr, os.ErrDeadlineExceeded) {
				flush()
				select {
				case <-sess.closed:
					return
				default:
					continue
				}
			}
			flush()
			if !errors.Is(rerr, io.EOF) {
				select {
				case <-sess.closed:
				default:
					m.logger.Debug("terminal read ended", "session", sess.id, "err", rerr)
				}
			}
			return
		}
		select {
		case <-sess.closed:
			flush()
			return
		default:
		}
	}
}

// Write sends input bytes to the terminal.
func (m *Manager) Write(id string, data []byte) error {
	sess, err := m.get(id)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err = sess.f.Write(data)
	return err
}

// Resize changes the terminal dimensions. Zero values keep the
// defaults.
func (m *Manager) Resize(id string, cols, rows uint16) error {
	sess, err := m.get(id)
	if err != nil {
		return err
	}
	ws := &pty.Winsize{Cols: 120, Rows: 30}
	if cols > 0 {
		ws.Cols = cols
	}
	if rows > 0 {
		ws.Rows = rows
	}
	return pty.Setsize(sess.f, ws)
}

// Close terminates the session's process and releases the PTY.
func (m *Manager) Close(id string) error {
	sess, err := m.get(id)
	if err != nil {
		return err
	}
	sess.endOnce.Do(func() {
		sess.cancel()
		close(sess.closed)
	})
	m.cleanup(id, sess)
	return nil
}

// CloseAll shuts down every open session, for daemon teardown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Close(id)
	}
}

// Sessions lists open session ids.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) cleanup(id string, sess *session) {
	if sess == nil {
		return
	}
	sess.cleanupOnce.Do(func() {
		_ = sess.f.Close()
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
	})
}

func (m *Manager) get(id string) (*session, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.sessions[id]
	if sess == nil {
		return nil, ErrNotFound
	}
	return sess, nil
}
