// Command chatctl is a terminal client for a streamed agent backend.
//
// It opens a conversation session over the configured transport, renders
// dialog rounds and tool-call states, and prompts the operator whenever the
// agent suspends for approval.
//
// # Configuration
//
// A YAML file passed with -config, overridden by environment variables:
//
//	AGENTCHAT_TRANSPORT        - sse, ws, pulse or script (default: "sse")
//	AGENTCHAT_ENDPOINT         - SSE or WebSocket endpoint
//	AGENTCHAT_ABORT_ENDPOINT   - SSE abort endpoint (optional)
//	AGENTCHAT_REDIS_URL        - Redis URL for the pulse transport
//	AGENTCHAT_SCRIPT           - YAML script for the script transport
//	AGENTCHAT_EVENT_TIMEOUT    - per-event deadline (default: "2m")
//	AGENTCHAT_HIDDEN_TOOLS     - comma separated tool names never rendered
//	AGENTCHAT_THREAD_ID        - thread to resume from a checkpoint
//	AGENTCHAT_CHECKPOINT       - none, memory, sqlite, postgres or mongo
//	AGENTCHAT_CHECKPOINT_URI   - database DSN or URI
//	AGENTCHAT_LOG_FORMAT       - json, text or terminal (default: "json")
//	AGENTCHAT_LOG_FILE         - log destination (default: "chatctl.log")
//	AGENTCHAT_DEBUG            - enable debug logs
//
// # Example
//
//	AGENTCHAT_TRANSPORT=script AGENTCHAT_SCRIPT=features/transport/script/testdata/restart_service.yaml chatctl
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"goa.design/clue/log"

	"goa.design/agentchat/runtime/chat/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file")
		threadF = flag.String("thread", "", "Thread id to resume (overrides thread_id)")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()
	if err := run(*configF, *threadF, *dbgF); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, threadID string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if threadID != "" {
		cfg.ThreadID = threadID
	}

	logFile, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()
	ctx := log.Context(context.Background(), log.WithFormat(logFormat(cfg.Log.Format)), log.WithOutput(logFile))
	if debug || cfg.Log.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	log.Print(ctx, log.KV{K: "transport", V: cfg.Transport.Kind}, log.KV{K: "checkpoint", V: cfg.Checkpoint.Kind})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel := telemetry.Clue("transport", cfg.Transport.Kind)
	transport, closeTransport, err := buildTransport(ctx, cfg.Transport, tel.Logger)
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}
	defer func() {
		if err := closeTransport(context.Background()); err != nil {
			log.Errorf(ctx, err, "close transport")
		}
	}()
	checkpoints, closeCheckpoints, err := buildCheckpoints(ctx, cfg.Checkpoint)
	if err != nil {
		return fmt.Errorf("build checkpoint store: %w", err)
	}
	defer func() {
		if err := closeCheckpoints(context.Background()); err != nil {
			log.Errorf(ctx, err, "close checkpoint store")
		}
	}()

	factory := sessionFactory{transport: transport, checkpoints: checkpoints, tel: tel, cfg: cfg}
	m, err := newModel(ctx, factory, cfg.ThreadID)
	if err != nil {
		return err
	}
	defer m.close()

	prog := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := prog.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("run ui: %w", err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "chatctl exiting"})
	return nil
}

func logFormat(name string) log.FormatFunc {
	switch name {
	case "text":
		return log.FormatText
	case "terminal":
		return log.FormatTerminal
	default:
		return log.FormatJSON
	}
}
