package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"nexbridge/internal/agent"
	"nexbridge/internal/client"
	"nexbridge/internal/config"
	"nexbridge/internal/server"
	"nexbridge/internal/state"
)

var version = "dev"

type rootOptions struct {
	addr       string
	timeout    time.Duration
	configPath string
	conn       *client.Connection
}

func (r *rootOptions) prepare() error {
	resolved, err := client.Resolve(r.configPath, r.addr, r.timeout)
	if err != nil {
		return err
	}
	r.conn = resolved
	return nil
}

func (r *rootOptions) dial(ctx context.Context) (*client.Bridge, error) {
	return client.Dial(ctx, r.conn.Addr)
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "nexbridge",
		Short: "CLI for the nexbridge daemon",
	}
	defaultConfig := os.Getenv("NEXBRIDGE_CONFIG")
	if defaultConfig == "" {
		defaultConfig = config.DefaultConfigPath()
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "path to nexbridge config file (default $HOME/.nexbridge/config)")
	rootCmd.PersistentFlags().StringVar(&opts.addr, "addr", "", "bridge daemon address (overrides config and NEXBRIDGE_ADDR)")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 0, "client timeout; defaults to 15s")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		// serve runs the daemon in-process and loads the config itself, and
		// doctor reports config problems instead of failing on them.
		for c := cmd; c != nil; c = c.Parent() {
			if c.Name() == "serve" || c.Name() == "doctor" {
				return nil
			}
		}
		return opts.prepare()
	}

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newConnectCmd(opts))
	rootCmd.AddCommand(newDisconnectCmd(opts))
	rootCmd.AddCommand(newStatusCmd(opts))
	rootCmd.AddCommand(newExecCmd(opts))
	rootCmd.AddCommand(newShellCmd(opts))
	rootCmd.AddCommand(newChatCmd(opts))
	rootCmd.AddCommand(newHistoryCmd(opts))
	rootCmd.AddCommand(newSwarmCmd(opts))
	rootCmd.AddCommand(newAttachCmd(opts))
	rootCmd.AddCommand(newDoctorCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

type serveFlags struct {
	listen   string
	agentBin string
	history  string
	catalog  string
	project  string
	logLevel string
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge daemon in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = &config.Config{}
			}
			listen := opts.listen
			if listen == "" {
				listen = cfg.Listen
			}
			agentBin := opts.agentBin
			if agentBin == "" {
				agentBin = cfg.AgentBin
			}
			history := opts.history
			if history == "" {
				history = cfg.HistoryPath
			}
			if history == "" {
				history = config.DefaultHistoryPath()
			}
			if history == "memory" {
				history = ""
			}
			if history != "" {
				expanded, err := config.ExpandPath(history)
				if err != nil {
					return err
				}
				history = expanded
				if err := os.MkdirAll(filepath.Dir(history), 0o755); err != nil {
					return err
				}
			}
			catalog := opts.catalog
			if catalog == "" {
				catalog = cfg.Catalog
			}
			project := opts.project
			if project == "" {
				project = cfg.Project
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(opts.logLevel)}))

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			srv, err := server.New(server.Config{
				ListenAddr:  listen,
				AgentBin:    agentBin,
				HistoryPath: history,
				CatalogPath: catalog,
				Project:     project,
				Version:     version,
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			if err := srv.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			srv.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.listen, "listen", "", "listen address for the bridge WebSocket server (default 127.0.0.1:7171)")
	cmd.Flags().StringVar(&opts.agentBin, "agent-bin", "", "agent binary to run on either side of the bridge (default nexus)")
	cmd.Flags().StringVar(&opts.history, "history", "", `chat history log path; "memory" keeps it in-process`)
	cmd.Flags().StringVar(&opts.catalog, "catalog", "", "model capability catalog path (default built-in)")
	cmd.Flags().StringVar(&opts.project, "project", "", "initial project directory")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	return cmd
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "", "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		log.Printf("unknown --log-level=%q (expected debug|info|warn|error); defaulting to info", s)
		return slog.LevelInfo
	}
}

type connectFlags struct {
	host         string
	port         int
	user         string
	keyPath      string
	passwordFile string
}

func newConnectCmd(root *rootOptions) *cobra.Command {
	opts := &connectFlags{}
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Open the SSH session the bridge runs commands through",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := root.conn.Config
			host := opts.host
			if host == "" && cfg != nil {
				host = cfg.SSH.Host
			}
			if host == "" {
				return errors.New("host is required (--host or ssh.host in the config)")
			}
			port := ""
			if opts.port != 0 {
				port = strconv.Itoa(opts.port)
			}
			if port == "" && cfg != nil {
				port = strings.TrimSpace(cfg.SSH.Port)
			}
			if port == "" {
				port = "22"
			}
			user := opts.user
			if user == "" && cfg != nil {
				user = cfg.SSH.User
			}
			if user == "" {
				return errors.New("user is required (--user or ssh.user in the config)")
			}
			keyPath := opts.keyPath
			if keyPath == "" && cfg != nil {
				keyPath = cfg.SSH.KeyPath
			}

			params := struct {
				Host       string `json:"host"`
				Port       string `json:"port"`
				User       string `json:"user"`
				AuthMethod string `json:"auth_method"`
				Password   string `json:"password,omitempty"`
				PrivateKey string `json:"private_key,omitempty"`
				Passphrase string `json:"passphrase,omitempty"`
			}{Host: host, Port: port, User: user}

			if keyPath != "" {
				expanded, err := config.ExpandPath(keyPath)
				if err != nil {
					return err
				}
				key, err := os.ReadFile(expanded)
				if err != nil {
					return fmt.Errorf("read private key: %w", err)
				}
				params.AuthMethod = string(state.AuthPrivateKey)
				params.PrivateKey = string(key)
				if bytes.Contains(key, []byte("ENCRYPTED")) {
					passphrase, err := readSecret(opts.passwordFile, "Key passphrase: ")
					if err != nil {
						return err
					}
					params.Passphrase = passphrase
				}
			} else {
				password, err := readSecret(opts.passwordFile, fmt.Sprintf("%s@%s password: ", user, host))
				if err != nil {
					return err
				}
				params.AuthMethod = string(state.AuthPassword)
				params.Password = password
			}

			ctx, cancel := context.WithTimeout(context.Background(), root.conn.Timeout)
			defer cancel()
			b, err := root.dial(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			var out struct {
				Message string `json:"message"`
				Status  string `json:"status"`
			}
			if err := b.Call(ctx, "connect.remote", params, &out); err != nil {
				return err
			}
			fmt.Printf("%s (%s)\n", out.Message, out.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.host, "host", "", "remote host (defaults to ssh.host in the config)")
	cmd.Flags().IntVar(&opts.port, "port", 0, "remote port (defaults to ssh.port or 22)")
	cmd.Flags().StringVar(&opts.user, "user", "", "remote user (defaults to ssh.user in the config)")
	cmd.Flags().StringVar(&opts.keyPath, "key", "", "private key path; omit to authenticate with a password")
	cmd.Flags().StringVar(&opts.passwordFile, "password-file", "", `read the password or passphrase from this file instead of prompting ("-" forces the prompt)`)
	return cmd
}

// readSecret reads a password or passphrase. With a file path it reads
// the first line; otherwise it prompts on the terminal with echo off,
// or consumes one line from piped stdin so scripts can feed it.
func readSecret(path, prompt string) (string, error) {
	if path != "" && path != "-" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("read secret from stdin: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(secret), nil
}

func newDisconnectCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Close the SSH session and discard its credentials",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), root.conn.Timeout)
			defer cancel()
			b, err := root.dial(ctx)
			if err != nil {
				return err
			}
			defer b.Close()
			var out struct {
				Status string `json:"status"`
			}
			if err := b.Call(ctx, "ssh.disconnect", nil, &out); err != nil {
				return err
			}
			fmt.Printf("disconnected (%s)\n", out.Status)
			return nil
		},
	}
}

func newStatusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show bridge, transport and agent health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), root.conn.Timeout)
			defer cancel()
			b, err := root.dial(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			var transport struct {
				Status string `json:"status"`
			}
			if err := b.Call(ctx, "ssh.status", nil, &transport); err != nil {
				return err
			}
			var st agent.Status
			if err := b.Call(ctx, "status.get", nil, &st); err != nil {
				return err
			}
			printStatus(root.conn.Addr, transport.Status, st)
			return nil
		},
	}
}

func printStatus(addr, transport string, st agent.Status) {
	fmt.Printf("Bridge %s\n", addr)
	fmt.Printf("  Transport: %s\n", transport)
	fmt.Printf("  Mode: %s\n", st.ConnectionMode)
	fmt.Printf("  Agent: %s\n", st.Version)
	fmt.Printf("  Platform: %s\n", st.Platform)
	if st.LatencyMillis != nil {
		fmt.Printf("  Latency: %dms\n", *st.LatencyMillis)
	}
	if st.Provider != "" {
		fmt.Printf("  Provider: %s\n", st.Provider)
	}
	if st.Model != "" {
		fmt.Printf("  Model: %s\n", st.Model)
	}
	if st.CurrentProject != "" {
		fmt.Printf("  Project: %s\n", st.CurrentProject)
	}
	if st.DaemonRunning {
		if st.DaemonPort != nil {
			fmt.Printf("  Daemon: running (port %d)\n", *st.DaemonPort)
		} else {
			fmt.Println("  Daemon: running")
		}
	}
}

func newExecCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "exec [args...]",
		Short: "Run the agent with the given arguments (remote first, local fallback)",
		Long:  "Run the agent with the given arguments through the bridge.\nPut -- before arguments that start with a dash: nexbridge exec -- --version",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), root.conn.Timeout)
			defer cancel()
			b, err := root.dial(ctx)
			if err != nil {
				return err
			}
			defer b.Close()
			var out struct {
				Output string `json:"output"`
			}
			if err := b.Call(ctx, "exec.agent", map[string]any{"args": args}, &out); err != nil {
				return err
			}
			printOutput(out.Output)
			return nil
		},
	}
}

func newShellCmd(root *rootOptions) *cobra.Command {
	var workdir string
	cmd := &cobra.Command{
		Use:   "shell <command>",
		Short: "Run a raw shell command through the bridge",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), root.conn.Timeout)
			defer cancel()
			b, err := root.dial(ctx)
			if err != nil {
				return err
			}
			defer b.Close()
			var out struct {
				Output string `json:"output"`
			}
			params := map[string]any{"command": strings.Join(args, " "), "workdir": workdir}
			if err := b.Call(ctx, "terminal.exec", params, &out); err != nil {
				return err
			}
			printOutput(out.Output)
			return nil
		},
	}
	cmd.Flags().StringVar(&workdir, "workdir", "", "working directory for the command")
	return cmd
}

func printOutput(s string) {
	if s == "" {
		return
	}
	fmt.Print(s)
	if !strings.HasSuffix(s, "\n") {
		fmt.Println()
	}
}

func newSwarmCmd(root *rootOptions) *cobra.Command {
	swarmCmd := &cobra.Command{
		Use:   "swarm",
		Short: "Background task operations",
	}
	swarmCmd.AddCommand(newSwarmStartCmd(root))
	swarmCmd.AddCommand(newSwarmStatusCmd(root))
	swarmCmd.AddCommand(newSwarmListCmd(root))
	return swarmCmd
}

func newSwarmStartCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start <description>",
		Short: "Start a background task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), root.conn.Timeout)
			defer cancel()
			b, err := root.dial(ctx)
			if err != nil {
				return err
			}
			defer b.Close()
			var out struct {
				TaskID string `json:"taskId"`
			}
			params := map[string]any{"description": strings.Join(args, " ")}
			if err := b.Call(ctx, "swarm.start", params, &out); err != nil {
				return err
			}
			fmt.Printf("Task %s started\n", out.TaskID)
			return nil
		},
	}
}

func newSwarmStatusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Fetch one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), root.conn.Timeout)
			defer cancel()
			b, err := root.dial(ctx)
			if err != nil {
				return err
			}
			defer b.Close()
			var task state.Task
			if err := b.Call(ctx, "swarm.status", map[string]any{"taskId": args[0]}, &task); err != nil {
				return err
			}
			printTask(task)
			return nil
		},
	}
}

func newSwarmListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), root.conn.Timeout)
			defer cancel()
			b, err := root.dial(ctx)
			if err != nil {
				return err
			}
			defer b.Close()
			var out struct {
				Tasks []state.Task `json:"tasks"`
			}
			if err := b.Call(ctx, "swarm.list", nil, &out); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TASK ID\tSTATUS\tDESCRIPTION")
			for _, task := range out.Tasks {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", task.ID, task.Status, task.Description)
			}
			return tw.Flush()
		},
	}
}

func printTask(t state.Task) {
	fmt.Printf("Task %s\n", t.ID)
	fmt.Printf("  Status: %s\n", t.Status)
	if t.Description != "" {
		fmt.Printf("  Description: %s\n", t.Description)
	}
	if t.Output != "" {
		fmt.Printf("  Output: %s\n", strings.TrimSpace(t.Output))
	}
}

func newAttachCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "attach",
		Short: "Tail the daemon's event stream as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			dialCtx, dialCancel := context.WithTimeout(ctx, root.conn.Timeout)
			b, err := root.dial(dialCtx)
			dialCancel()
			if err != nil {
				return err
			}
			defer b.Close()

			enc := json.NewEncoder(os.Stdout)
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-b.Events():
					if !ok {
						return errors.New("bridge connection closed")
					}
					if err := enc.Encode(ev); err != nil {
						return err
					}
				}
			}
		},
	}
}
