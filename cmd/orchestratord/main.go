// Command orchestratord runs the workflow enforcement orchestrator's HTTP
// facade: task claim/transition, tool execution, state snapshots, and audit
// query/stats over the phase state machine described in spec.md.
//
// Required environment variables:
//
//	ORCHESTRATOR_JWT_SECRET   - signing secret for phase tokens
//
// Optional environment variables:
//
//	ORCHESTRATOR_CONFIG              - path to a TOML config file
//	ORCHESTRATOR_LOG_LEVEL            - debug, info, warn, error (default: info)
//	ORCHESTRATOR_HOST                 - HTTP listen host (default: 0.0.0.0)
//	ORCHESTRATOR_PORT                 - HTTP listen port (default: 8080)
//	ORCHESTRATOR_CORS_ORIGINS         - comma-separated allowed origins (default: *)
//	ORCHESTRATOR_SESSIONS_DIR         - session state directory (default: .orchestrator/sessions)
//	ORCHESTRATOR_TOKEN_TTL_SECONDS    - phase token lifetime (default: 900)
//	ORCHESTRATOR_WORKFLOWS_DIR        - directory of workflow definition YAML files (default: ./workflows)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/orchestrator-core/orchestrator/internal/audit"
	"github.com/orchestrator-core/orchestrator/internal/broker"
	"github.com/orchestrator-core/orchestrator/internal/config"
	"github.com/orchestrator-core/orchestrator/internal/eventbus"
	"github.com/orchestrator-core/orchestrator/internal/gates"
	"github.com/orchestrator-core/orchestrator/internal/httpapi"
	"github.com/orchestrator-core/orchestrator/internal/scheduler"
	"github.com/orchestrator-core/orchestrator/internal/schema"
	"github.com/orchestrator-core/orchestrator/internal/statemachine"
	"github.com/orchestrator-core/orchestrator/internal/store"
	"github.com/orchestrator-core/orchestrator/internal/token"
	"github.com/orchestrator-core/orchestrator/internal/workflowdef"
)

// Version is set via ldflags at build time.
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "orchestratord: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("ORCHESTRATOR_CONFIG"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))
	logger.Info("starting orchestratord", "version", Version)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	workflowsDir := os.Getenv("ORCHESTRATOR_WORKFLOWS_DIR")
	if workflowsDir == "" {
		workflowsDir = "./workflows"
	}
	definitions, err := loadDefinitions(workflowsDir)
	if err != nil {
		return fmt.Errorf("loading workflow definitions: %w", err)
	}
	logger.Info("loaded workflow definitions", "count", len(definitions), "dir", workflowsDir)

	tokens, err := token.New(cfg.Token.Secret, logger)
	if err != nil {
		return fmt.Errorf("creating token service: %w", err)
	}

	coordStore, err := store.Open(filepath.Join(cfg.Persistence.SessionsDir, "..", "coordination.json"))
	if err != nil {
		return fmt.Errorf("opening coordination store: %w", err)
	}

	auditLog := audit.New(filepath.Join(cfg.Persistence.SessionsDir, "..", "audit.jsonl"))
	bus := eventbus.New(0, logger)
	gateRegistry := gates.NewRegistry(logger)
	schemaRegistry := schema.NewRegistry()
	runner := broker.ExecRunner{}

	b := broker.New(tokens, auditLog, bus, 8, logger)
	// Real deployments register their own tool backends (read_file,
	// run_tests, write_file, ...) against b before the HTTP server starts
	// accepting traffic. orchestratord ships none of its own: per spec.md's
	// non-goal, it brokers agent-supplied tools rather than implementing
	// them.

	loadMachine := func(taskID string) (*statemachine.Machine, error) {
		statePath := filepath.Join(cfg.Persistence.SessionsDir, taskID, "state.json")
		inst, ok, err := statemachine.Load(statePath)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("no workflow instance found for task %q", taskID)
		}
		return statemachine.New(statePath, inst, gateRegistry, schemaRegistry, runner, bus, logger), nil
	}

	httpServer := httpapi.New(coordStore, tokens, definitions, auditLog, b, cfg.Persistence.SessionsDir, time.Duration(cfg.Token.TTLSeconds)*time.Second, loadMachine, logger)

	sched := scheduler.NewScheduler(logger)
	sched.AddJob(&scheduler.SessionSweepJob{SessionsDir: cfg.Persistence.SessionsDir, MaxIdle: 24 * time.Hour}, time.Hour)
	sched.Start(ctx)
	defer sched.Stop()
	httpServer.AttachScheduler(sched)

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:    addr,
		Handler: httpServer.Handler(cfg.Server.CORSOrigins),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func loadDefinitions(dir string) (map[string]*workflowdef.Definition, error) {
	definitions := make(map[string]*workflowdef.Definition)

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return definitions, nil
	}
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		def, err := workflowdef.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		definitions[def.Name] = def
	}

	return definitions, nil
}

func isYAML(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
