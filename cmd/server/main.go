// Command mailflow-server is the mailflow ingest server process.
// It loads configuration, recovers staging directories, and runs the
// Orchestrator's poll loop until interrupted.
//
// Usage:
//
//	mailflow-server [--config path/to/config.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/snehjoshi/mailflow/internal/config"
	"github.com/snehjoshi/mailflow/internal/orchestrator"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mailflow: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Logging.Level),
	}))
	slog.SetDefault(logger)

	slog.Info("mailflow starting",
		"wait_dir", cfg.Paths.WaitDir,
		"run_dir", cfg.Paths.RunDir,
		"buggy_dir", cfg.Paths.BuggyDir,
		"weaviate_host", cfg.Weaviate.Host,
		"collection", cfg.Weaviate.CollectionName,
		"worker_threads", cfg.Worker.Threads,
	)

	// ── 3. Initialise the Orchestrator (ledger, tenant cache, vector sink,  ──
	// ──    staging dirs, work queue, worker pool) ───────────────────────────
	orch, err := orchestrator.New(cfg, orchestrator.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	// ── 4. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	// ── 5. Run the poll loop until cancelled ─────────────────────────────────
	slog.Info("mailflow ready")
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator stopped with error: %w", err)
	}

	slog.Info("mailflow stopped")
	return nil
}

// parseLevel maps the logging.level config string to an slog.Level, falling
// back to Info for an unrecognized value.
func parseLevel(level string) slog.Level {
	switch level {
	case "DEBUG", "debug":
		return slog.LevelDebug
	case "WARN", "warn", "WARNING", "warning":
		return slog.LevelWarn
	case "ERROR", "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
