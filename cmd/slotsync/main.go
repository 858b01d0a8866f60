package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/slotsync/internal/app"
	"github.com/agentworkforce/slotsync/internal/config"
	"github.com/agentworkforce/slotsync/internal/httpapi"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevelEnv("SLOTSYNC_LOG_LEVEL")}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(os.Getenv("SLOTSYNC_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := applyEnv(cfg); err != nil {
		log.Fatalf("invalid storage settings: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var watcher *config.Watcher
	opts := app.Options{Config: cfg, Logger: logger}
	if path := strings.TrimSpace(os.Getenv("SLOTSYNC_CONFIG")); path != "" {
		watcher = config.NewWatcher(path, cfg, logger)
		opts.Secrets = watcher
	}
	engine, err := app.New(ctx, opts)
	if err != nil {
		log.Fatalf("failed to initialize engine: %v", err)
	}
	if watcher != nil {
		watcher.OnReload(func(prev, next *config.Config) {
			app.ApplyCredentials(engine.Credentials, prev, next)
		})
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("config watcher stopped", "error", err)
			}
		}()
	}
	engine.Scheduler.Start()

	server := httpapi.NewServerWithConfig(httpapi.Deps{
		Service:     engine.Service,
		Gateway:     engine.Gateway,
		Broker:      engine.Broker,
		Connections: engine.Connections,
		Migrate:     engine.Migrations.Run,
		Logger:      logger,
	}, httpapi.ServerConfig{
		JWTSecret:        cfg.JWTSecret,
		RateLimitMax:     intEnv("SLOTSYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow:  durationEnv("SLOTSYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:     int64Env("SLOTSYNC_MAX_BODY_BYTES", 0),
		MigrationTimeout: durationEnv("SLOTSYNC_MIGRATION_TIMEOUT", 0),
	})
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("slotsync listening", "addr", cfg.Listen)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = engine.Shutdown()
			log.Fatalf("server failed: %v", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), durationEnv("SLOTSYNC_SHUTDOWN_TIMEOUT", 15*time.Second))
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := engine.Shutdown(); err != nil {
		logger.Error("engine shutdown failed", "error", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

// applyEnv layers SLOTSYNC_* variables over the file. A backend profile sets
// every DSN at once; explicit DSN variables still win.
func applyEnv(cfg *config.Config) error {
	if v := strings.TrimSpace(os.Getenv("SLOTSYNC_ADDR")); v != "" {
		cfg.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("SLOTSYNC_PUBLIC_URL")); v != "" {
		cfg.PublicURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("SLOTSYNC_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("SLOTSYNC_LEGACY_DB")); v != "" {
		cfg.LegacyDB = v
	}
	cfg.HoldTTL = durationEnv("SLOTSYNC_HOLD_TTL", cfg.HoldTTL)
	cfg.DedupTTL = durationEnv("SLOTSYNC_DEDUP_TTL", cfg.DedupTTL)

	profile, err := storageProfileFromEnv()
	if err != nil {
		return err
	}
	if profile != nil {
		cfg.Storage = *profile
	}
	for name, target := range map[string]*string{
		"SLOTSYNC_LEDGER_DSN":      &cfg.Storage.LedgerDSN,
		"SLOTSYNC_CONNECTIONS_DSN": &cfg.Storage.ConnectionsDSN,
		"SLOTSYNC_DEDUP_DSN":       &cfg.Storage.DedupDSN,
		"SLOTSYNC_CURSOR_DSN":      &cfg.Storage.CursorDSN,
	} {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*target = v
		}
	}
	return nil
}

func storageProfileFromEnv() (*config.StorageConfig, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("SLOTSYNC_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("SLOTSYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".slotsync"
	}
	switch profile {
	case "", "custom":
		return nil, nil
	case "memory", "inmemory":
		return &config.StorageConfig{
			LedgerDSN:      "memory://",
			ConnectionsDSN: "memory://",
			DedupDSN:       "memory://",
			CursorDSN:      "memory://",
		}, nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("SLOTSYNC_POSTGRES_DSN"))
		if dsn == "" {
			return nil, fmt.Errorf("SLOTSYNC_POSTGRES_DSN is required when SLOTSYNC_BACKEND_PROFILE=%s", profile)
		}
		return &config.StorageConfig{LedgerDSN: dsn, ConnectionsDSN: dsn, DedupDSN: dsn, CursorDSN: dsn}, nil
	case "durable-local", "local-durable":
		// Only cursors have a file store; everything else stays in memory.
		return &config.StorageConfig{
			LedgerDSN:      "memory://",
			ConnectionsDSN: "memory://",
			DedupDSN:       "memory://",
			CursorDSN:      "file://" + filepath.Join(dataDir, "cursors"),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported SLOTSYNC_BACKEND_PROFILE: %s", profile)
	}
}

func logLevelEnv(name string) slog.Level {
	var level slog.Level
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return slog.LevelInfo
	}
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		log.Printf("invalid %s=%q, using info", name, raw)
		return slog.LevelInfo
	}
	return level
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

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
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
