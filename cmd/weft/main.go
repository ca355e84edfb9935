package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/corvid-labs/weft/internal/engine"
	"github.com/corvid-labs/weft/internal/logging"
	"github.com/corvid-labs/weft/internal/nodes"
	"github.com/corvid-labs/weft/internal/scheduler"
	"github.com/corvid-labs/weft/internal/store"
	"github.com/corvid-labs/weft/internal/trigger"
	"github.com/corvid-labs/weft/internal/validation"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "weft:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}),
	))
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	ctx := context.Background()

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	validator, err := validation.NewGraphValidator()
	if err != nil {
		return fmt.Errorf("build graph validator: %w", err)
	}

	registry := engine.NewExecutionRegistry()
	dispatcher := engine.NewDispatcher(nodes.DefaultRegistry())
	executor := engine.NewExecutor(st, registry, dispatcher, validator, logger)
	if cfg.WorkflowTimeoutSeconds > 0 {
		executor.SetDefaultTimeout(time.Duration(cfg.WorkflowTimeoutSeconds) * time.Second)
	}

	// Runs interrupted by a previous process go terminal before any trigger
	// can chain off them.
	if err := executor.Recover(ctx); err != nil {
		return fmt.Errorf("recover interrupted executions: %w", err)
	}

	sched := scheduler.NewScheduler(logger)
	triggers := trigger.NewManager(st, executor, sched, logger)
	executor.SetCompletionNotifier(triggers)

	if err := triggers.ReloadFromStore(ctx); err != nil {
		return fmt.Errorf("reload triggers: %w", err)
	}
	sched.Start()

	logger.Info("weft started", "db_path", cfg.DBPath)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	triggers.Shutdown()
	sched.Stop()
	executor.Wait()
	return nil
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
