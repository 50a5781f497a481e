package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"nexbridge/internal/config"
	"nexbridge/internal/server"
)

var version = "dev"

func main() {
	var (
		listen     string
		agentBin   string
		configPath string
		history    string
		catalog    string
		project    string
		logLevel   string
		verbose    bool
	)

	flag.Usage = func() {
		out := flag.CommandLine.Output()
		fmt.Fprintf(out, "nexbridged (%s)\n\n", version)
		fmt.Fprintf(out, "Usage:\n  %s [flags]\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}

	flag.StringVar(&listen, "listen", "", "listen address for the bridge WebSocket server (default 127.0.0.1:7171)")
	flag.StringVar(&agentBin, "agent-bin", "", "agent binary to run on either side of the bridge (default nexus)")
	flag.StringVar(&configPath, "config", config.DefaultConfigPath(), "path to the daemon config file")
	flag.StringVar(&history, "history", "", `chat history log path; "memory" keeps it in-process (default ~/.nexbridge/history.log)`)
	flag.StringVar(&catalog, "catalog", "", "model capability catalog path (default built-in)")
	flag.StringVar(&project, "project", "", "initial project directory")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error")
	flag.BoolVar(&verbose, "verbose", false, "enable verbose debug logging (same as -log-level=debug)")
	flag.Parse()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	} else {
		switch l := strings.ToLower(strings.TrimSpace(logLevel)); l {
		case "debug":
			level = slog.LevelDebug
		case "info", "":
			level = slog.LevelInfo
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			// Keep it user-friendly: warn and continue with info.
			log.Printf("unknown -log-level=%q (expected debug|info|warn|error); defaulting to info", logLevel)
			level = slog.LevelInfo
		}
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal(err)
	}
	if cfg == nil {
		cfg = &config.Config{}
	}
	if listen == "" {
		listen = cfg.Listen
	}
	if agentBin == "" {
		agentBin = cfg.AgentBin
	}
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
			log.Fatal(err)
		}
		history = expanded
		if err := os.MkdirAll(filepath.Dir(history), 0o755); err != nil {
			log.Fatal(err)
		}
	}
	if catalog == "" {
		catalog = cfg.Catalog
	}
	if project == "" {
		project = cfg.Project
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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
		log.Fatal(err)
	}
	if err := srv.Start(ctx); err != nil {
		log.Fatal(err)
	}
	<-ctx.Done()
	srv.Stop()
}
