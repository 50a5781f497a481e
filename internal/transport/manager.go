package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"nexbridge/internal/state"
)

// Connection states reported by Status.
const (
	StatusConnected    = "connected"
	StatusStale        = "stale"
	StatusDisconnected = "disconnected"
	StatusUnconfigured = "unconfigured"
)

type Config struct {
	// DialTimeout bounds the TCP dial and the ssh handshake.
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Manager establishes and supervises the single remote session. All
// state lives in the registrar; the manager itself is stateless and
// safe for concurrent use.
type Manager struct {
	cfg  Config
	dial func(ctx context.Context, creds state.Credentials) (state.Session, error)
}

func New(cfg Config) *Manager {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Manager{cfg: cfg}
	m.dial = m.dialSSH
	return m
}

// Connect dials with creds and installs the session in the registrar.
// The credentials are stored for later reconnects and a displaced
// session is closed after the swap, outside any lock.
func (m *Manager) Connect(ctx context.Context, reg *state.Registrar, creds state.Credentials) error {
	creds, err := normalize(creds)
	if err != nil {
		return err
	}
	sess, err := m.dial(ctx, creds)
	if err != nil {
		return err
	}
	reg.SetCredentials(creds)
	if prev := reg.SwapSession(sess); prev != nil {
		_ = prev.Close()
	}
	m.cfg.Logger.Info("session established", "host", creds.Host, "port", creds.Port, "user", creds.User)
	return nil
}

// EnsureSession returns a live session, transparently redialing from
// the stored credentials when the current one has gone stale. With no
// session at all it fails fast; explicit Connect or Reconnect is the
// way in.
func (m *Manager) EnsureSession(ctx context.Context, reg *state.Registrar) (state.Session, error) {
	sess := reg.Session()
	if sess == nil {
		return nil, ErrNotConnected
	}
	if err := sess.Keepalive(); err == nil {
		return sess, nil
	}
	m.cfg.Logger.Warn("session went stale, reconnecting")
	creds, ok := reg.Credentials()
	if !ok {
		return nil, fmt.Errorf("%w: no stored credentials to reconnect", ErrStale)
	}
	if err := m.Connect(ctx, reg, creds); err != nil {
		return nil, fmt.Errorf("reconnect after stale session: %w", err)
	}
	return reg.Session(), nil
}

// IsAlive probes the current session without mutating anything.
func (m *Manager) IsAlive(reg *state.Registrar) bool {
	sess := reg.Session()
	if sess == nil {
		return false
	}
	return sess.Keepalive() == nil
}

// Status reduces the session lifecycle to one of the Status constants.
func (m *Manager) Status(reg *state.Registrar) string {
	if sess := reg.Session(); sess != nil {
		if sess.Keepalive() == nil {
			return StatusConnected
		}
		return StatusStale
	}
	if _, ok := reg.Credentials(); ok {
		return StatusDisconnected
	}
	return StatusUnconfigured
}

// Reconnect redials from the stored credentials.
func (m *Manager) Reconnect(ctx context.Context, reg *state.Registrar) error {
	creds, ok := reg.Credentials()
	if !ok {
		return fmt.Errorf("%w: no stored credentials", ErrNotConnected)
	}
	return m.Connect(ctx, reg, creds)
}

// Disconnect closes the current session. Credentials stay stored so a
// later Reconnect works.
func (m *Manager) Disconnect(reg *state.Registrar) error {
	if prev := reg.SwapSession(nil); prev != nil {
		return prev.Close()
	}
	return nil
}

func (m *Manager) dialSSH(ctx context.Context, creds state.Credentials) (state.Session, error) {
	addr := net.JoinHostPort(creds.Host, strconv.Itoa(creds.Port))
	methods, err := authMethods(creds)
	if err != nil {
		return nil, &AuthError{User: creds.User, Addr: addr, Err: err}
	}
	clientCfg := &ssh.ClientConfig{
		User: creds.User,
		Auth: methods,
		// Host keys are not pinned; the daemon talks to hosts the
		// operator configured explicitly.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         m.cfg.DialTimeout,
	}

	d := net.Dialer{Timeout: m.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	// Bound the handshake too; cleared once the session is up.
	_ = conn.SetDeadline(time.Now().Add(m.cfg.DialTimeout))
	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		if isAuthFailure(err) {
			return nil, &AuthError{User: creds.User, Addr: addr, Err: err}
		}
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	_ = conn.SetDeadline(time.Time{})
	return &sshSession{client: ssh.NewClient(cc, chans, reqs)}, nil
}

func normalize(c state.Credentials) (state.Credentials, error) {
	c.Host = strings.TrimSpace(c.Host)
	c.User = strings.TrimSpace(c.User)
	if c.Host == "" {
		return c, errors.New("host is required")
	}
	if c.User == "" {
		return c, errors.New("user is required")
	}
	if c.Port <= 0 {
		c.Port = 22
	}
	if c.Method == "" {
		if c.PrivateKey != "" {
			c.Method = state.AuthPrivateKey
		} else {
			c.Method = state.AuthPassword
		}
	}
	switch c.Method {
	case state.AuthPassword:
		if c.Password == "" {
			return c, errors.New("password is required")
		}
	case state.AuthPrivateKey:
		if strings.TrimSpace(c.PrivateKey) == "" {
			return c, errors.New("private key is required")
		}
	default:
		return c, fmt.Errorf("unknown auth method %q", c.Method)
	}
	return c, nil
}

func isAuthFailure(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "no supported methods remain")
}
