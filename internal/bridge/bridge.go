package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"nexbridge/internal/agent"
	"nexbridge/internal/events"
	"nexbridge/internal/state"
)

// SessionProvider hands out a live transport session. The transport
// manager is the production implementation.
type SessionProvider interface {
	EnsureSession(ctx context.Context, reg *state.Registrar) (state.Session, error)
}

type Config struct {
	Sessions  SessionProvider
	Registrar *state.Registrar
	// AgentBin is the agent CLI to invoke on either side of the
	// bridge.
	AgentBin string
	Events   events.Emitter
	Logger   *slog.Logger
}

// Bridge routes command executions remote-first with a local
// fallback. Agent invocations return stdout only; raw shell commands
// get the merged-output treatment terminals expect.
type Bridge struct {
	cfg   Config
	agent *agent.Client
}

func New(cfg Config) *Bridge {
	if cfg.AgentBin == "" {
		cfg.AgentBin = "nexus"
	}
	if cfg.Events == nil {
		cfg.Events = events.Nop
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	b := &Bridge{cfg: cfg}
	b.agent = agent.NewClient(dualExecutor{b})
	return b
}

// Agent is the operation client bound to the remote-first executor.
func (b *Bridge) Agent() *agent.Client { return b.agent }

// Result is the outcome of one command run on either path.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Merged renders the result for a terminal: stderr is appended only
// when the command failed and produced error text.
func (r Result) Merged() string {
	if r.ExitCode != 0 && r.Stderr != "" {
		return r.Stdout + "\n" + r.Stderr
	}
	return r.Stdout
}

// ExecError reports a remote channel that failed after the session
// was already up. It is terminal: no local fallback runs.
type ExecError struct {
	Op  string
	Err error
}

func (e *ExecError) Error() string { return fmt.Sprintf("remote execution: %s: %v", e.Op, e.Err) }
func (e *ExecError) Unwrap() error { return e.Err }

// LocalSpawnError reports that the local fallback could not start at
// all. It is the end of the strategy chain.
type LocalSpawnError struct {
	Bin string
	Err error
}

func (e *LocalSpawnError) Error() string { return fmt.Sprintf("spawn %s: %v", e.Bin, e.Err) }
func (e *LocalSpawnError) Unwrap() error { return e.Err }

// errTryNext makes a strategy bow out in favor of the next one.
var errTryNext = errors.New("try next strategy")

type strategy struct {
	name string
	run  func(context.Context) (Result, error)
}

// ExecAgent runs one agent invocation and returns its stdout,
// whatever the exit code. Remote output is produced by the user's
// shell, so arguments are quoted into the command line.
func (b *Bridge) ExecAgent(ctx context.Context, args ...string) (string, error) {
	line := shellJoin(append([]string{b.cfg.AgentBin}, args...))
	res, err := b.runStrategies(ctx, []strategy{
		{name: "remote", run: func(ctx context.Context) (Result, error) {
			return b.runRemote(ctx, line)
		}},
		{name: "local", run: func(ctx context.Context) (Result, error) {
			return b.runLocal(ctx, exec.CommandContext(ctx, b.cfg.AgentBin, args...))
		}},
	})
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// ExecShell runs a raw shell command, in workdir when given, and
// returns the merged output.
func (b *Bridge) ExecShell(ctx context.Context, command, workdir string) (string, error) {
	line := command
	if workdir != "" {
		line = "cd " + shellQuote(workdir) + " && " + command
	}
	res, err := b.runStrategies(ctx, []strategy{
		{name: "remote", run: func(ctx context.Context) (Result, error) {
			return b.runRemote(ctx, line)
		}},
		{name: "local", run: func(ctx context.Context) (Result, error) {
			cmd := exec.CommandContext(ctx, "sh", "-c", command)
			cmd.Dir = workdir
			return b.runLocal(ctx, cmd)
		}},
	})
	if err != nil {
		return "", err
	}
	return res.Merged(), nil
}

// AgentExecutor is the remote-first executor for agent operations.
func (b *Bridge) AgentExecutor() agent.Executor { return dualExecutor{b} }

// LocalExecutor runs the agent strictly on this machine, bypassing
// the transport. The status probe uses it to tell a broken remote
// install apart from a broken connection.
func (b *Bridge) LocalExecutor() agent.Executor { return localExecutor{b} }

type dualExecutor struct{ b *Bridge }

func (e dualExecutor) Execute(ctx context.Context, args ...string) (string, error) {
	return e.b.ExecAgent(ctx, args...)
}

type localExecutor struct{ b *Bridge }

func (e localExecutor) Execute(ctx context.Context, args ...string) (string, error) {
	res, err := e.b.runLocal(ctx, exec.CommandContext(ctx, e.b.cfg.AgentBin, args...))
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

func (b *Bridge) runStrategies(ctx context.Context, strategies []strategy) (Result, error) {
	for _, s := range strategies {
		res, err := s.run(ctx)
		if err == nil {
			b.cfg.Logger.Debug("command executed", "strategy", s.name, "exit", res.ExitCode)
			return res, nil
		}
		if !errors.Is(err, errTryNext) {
			return Result{}, err
		}
		b.cfg.Logger.Debug("strategy unavailable", "strategy", s.name, "err", err)
	}
	return Result{}, errors.New("no execution strategy available")
}

// runRemote executes line over the transport session and collects
// both streams. Session problems defer to the next strategy; channel
// failures after that are terminal.
func (b *Bridge) runRemote(ctx context.Context, line string) (Result, error) {
	sess, err := b.cfg.Sessions.EnsureSession(ctx, b.cfg.Registrar)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", errTryNext, err)
	}
	ch, err := sess.Open(line)
	if err != nil {
		return Result{}, &ExecError{Op: "open channel", Err: err}
	}
	defer ch.Close()

	// Closing the channel is what unblocks the readers on cancel.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			ch.Close()
		case <-watchDone:
		}
	}()

	var stdout, stderr bytes.Buffer
	var wg sync.WaitGroup
	var outErr, errErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, outErr = io.Copy(&stdout, ch)
	}()
	go func() {
		defer wg.Done()
		_, errErr = io.Copy(&stderr, ch.Stderr())
	}()
	wg.Wait()
	code, waitErr := ch.Wait()

	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if outErr != nil {
		return Result{}, &ExecError{Op: "read stdout", Err: outErr}
	}
	if errErr != nil {
		return Result{}, &ExecError{Op: "read stderr", Err: errErr}
	}
	if waitErr != nil {
		return Result{}, &ExecError{Op: "wait", Err: waitErr}
	}
	return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: code}, nil
}

func (b *Bridge) runLocal(ctx context.Context, cmd *exec.Cmd) (Result, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitErr.ExitCode()}, nil
		}
		return Result{}, &LocalSpawnError{Bin: cmd.Path, Err: err}
	}
	return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: 0}, nil
}

// shellQuote makes s safe to splice into a remote shell line.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\r'\"\\$`;&|<>(){}[]*?!~#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}
