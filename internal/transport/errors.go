package transport

import (
	"errors"
	"fmt"
)

// ConnectError reports a failure to reach or handshake with a host.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string { return fmt.Sprintf("connect %s: %v", e.Addr, e.Err) }
func (e *ConnectError) Unwrap() error { return e.Err }

// AuthError reports credentials the host rejected, including keys that
// could not be parsed locally.
type AuthError struct {
	User string
	Addr string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authenticate %s@%s: %v", e.User, e.Addr, e.Err)
}
func (e *AuthError) Unwrap() error { return e.Err }

// ErrNotConnected is returned when an operation needs a session and
// neither a live one nor stored credentials exist.
var ErrNotConnected = errors.New("not connected")

// ErrStale marks a session that stopped answering keepalives.
var ErrStale = errors.New("session stale")
