package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"nexbridge/internal/state"
)

const keepaliveTimeout = 5 * time.Second

// sshSession adapts an ssh client connection to state.Session. One
// client multiplexes many command channels.
type sshSession struct {
	client    *ssh.Client
	closeOnce sync.Once
	closeErr  error
}

func (s *sshSession) Keepalive() error {
	done := make(chan error, 1)
	go func() {
		_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStale, err)
		}
		return nil
	case <-time.After(keepaliveTimeout):
		// The probe goroutine stays parked on the dead connection
		// until TCP gives up on it.
		return fmt.Errorf("%w: keepalive timed out", ErrStale)
	}
}

func (s *sshSession) Open(command string) (state.Channel, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}
	if err := sess.Start(command); err != nil {
		sess.Close()
		return nil, err
	}
	return &sshChannel{sess: sess, stdout: stdout, stderr: stderr}, nil
}

func (s *sshSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}

// sshChannel is one running remote command.
type sshChannel struct {
	sess      *ssh.Session
	stdout    io.Reader
	stderr    io.Reader
	closeOnce sync.Once
	closeErr  error
}

func (c *sshChannel) Read(p []byte) (int, error) { return c.stdout.Read(p) }

func (c *sshChannel) Stderr() io.Reader { return c.stderr }

// Wait returns the remote exit code. A non-zero code is not an error;
// the error return is reserved for transport failures. A command that
// ended without reporting a status counts as exit -1.
func (c *sshChannel) Wait() (int, error) {
	err := c.sess.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	var missingErr *ssh.ExitMissingError
	if errors.As(err, &missingErr) {
		return -1, nil
	}
	return 0, err
}

func (c *sshChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.sess.Close()
	})
	return c.closeErr
}
