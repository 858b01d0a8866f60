package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/slotsync/internal/app"
	"github.com/agentworkforce/slotsync/internal/config"
	"github.com/agentworkforce/slotsync/internal/slotsync"
)

func main() {
	configPath := flag.String("config", strings.TrimSpace(os.Getenv("SLOTSYNC_CONFIG")), "config file path")
	source := flag.String("source", envOrDefault("SLOTSYNC_MIGRATE_SOURCE", slotsync.MigrationSourceLegacy), "record source: legacy or provider")
	legacyDB := flag.String("legacy-db", strings.TrimSpace(os.Getenv("SLOTSYNC_LEGACY_DB")), "legacy SQLite database path")
	connectionID := flag.String("connection", "", "connection ID for --source provider")
	ledgerDSN := flag.String("ledger-dsn", strings.TrimSpace(os.Getenv("SLOTSYNC_LEDGER_DSN")), "ledger DSN")
	cursorDSN := flag.String("cursor-dsn", strings.TrimSpace(os.Getenv("SLOTSYNC_CURSOR_DSN")), "cursor DSN")
	batch := flag.Int("batch", intEnv("SLOTSYNC_MIGRATE_BATCH", 0), "records per batch")
	restart := flag.Bool("restart", false, "ignore the saved cursor and start over")
	timeout := flag.Duration("timeout", durationEnv("SLOTSYNC_MIGRATION_TIMEOUT", 0), "overall deadline (0 for none)")
	flag.Parse()

	cfg := config.DefaultConfig()
	if strings.TrimSpace(*configPath) != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = loaded
	}
	if *legacyDB != "" {
		cfg.LegacyDB = *legacyDB
	}
	if *ledgerDSN != "" {
		cfg.Storage.LedgerDSN = *ledgerDSN
	}
	if *cursorDSN != "" {
		cfg.Storage.CursorDSN = *cursorDSN
	}
	if strings.HasPrefix(cfg.Storage.LedgerDSN, "memory") {
		log.Printf("ledger DSN is %q; migrated slots will not outlive this process", cfg.Storage.LedgerDSN)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	engine, err := app.New(ctx, app.Options{Config: cfg, Logger: logger})
	if err != nil {
		log.Fatalf("failed to initialize engine: %v", err)
	}
	report, runErr := engine.Migrations.Run(ctx, slotsync.MigrationRequest{
		Source:       *source,
		ConnectionID: strings.TrimSpace(*connectionID),
		Restart:      *restart,
		BatchSize:    *batch,
	})
	// Pending provider pushes must drain before the stores close.
	if err := engine.Shutdown(); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		log.Fatalf("failed to write report: %v", err)
	}
	if runErr != nil {
		log.Fatalf("migration failed: %v", runErr)
	}
	if report.Failed > 0 {
		os.Exit(2)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
