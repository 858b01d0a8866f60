package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentworkforce/slotsync/internal/config"
	"github.com/agentworkforce/slotsync/internal/slotsync"
)

type Options struct {
	Config *config.Config
	// Secrets overrides the static webhook secrets of Config, typically with
	// a config.Watcher so rotations apply live.
	Secrets slotsync.SecretSource
	Logger  *slog.Logger
}

// App is the assembled engine. Every external client is built here once and
// closed by Close.
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	Broker      *slotsync.Broker
	Ledger      *slotsync.SlotLedger
	Connections slotsync.ConnectionStore
	Dedup       slotsync.DedupStore
	Cursors     slotsync.CursorStore
	Credentials *slotsync.OAuthCredentialStore
	Caller      *slotsync.Caller
	Detector    *slotsync.ConflictDetector
	Service     *slotsync.ReservationService
	Expander    *slotsync.RecurrenceExpander
	Sync        *slotsync.SyncEngine
	Gateway     *slotsync.Gateway
	Scheduler   *slotsync.Scheduler
	Migrations  *slotsync.MigrationRunner

	closers []func() error
}

func New(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger, Broker: slotsync.NewBroker()}

	backend, err := slotsync.BuildLedgerBackendFromDSN(cfg.Storage.LedgerDSN)
	if err != nil {
		return nil, fmt.Errorf("ledger backend: %w", err)
	}
	a.Ledger = slotsync.NewSlotLedger(backend, slotsync.LedgerOptions{
		Broker:  a.Broker,
		HoldTTL: cfg.HoldTTL,
		Logger:  logger,
	})
	a.closers = append(a.closers, a.Ledger.Close)

	if a.Connections, err = slotsync.BuildConnectionStoreFromDSN(cfg.Storage.ConnectionsDSN); err != nil {
		a.Close()
		return nil, fmt.Errorf("connection store: %w", err)
	}
	a.closers = append(a.closers, a.Connections.Close)
	if a.Dedup, err = slotsync.BuildDedupStoreFromDSN(cfg.Storage.DedupDSN, cfg.DedupTTL); err != nil {
		a.Close()
		return nil, fmt.Errorf("dedup store: %w", err)
	}
	a.closers = append(a.closers, a.Dedup.Close)
	if a.Cursors, err = slotsync.BuildCursorStoreFromDSN(cfg.Storage.CursorDSN); err != nil {
		a.Close()
		return nil, fmt.Errorf("cursor store: %w", err)
	}
	a.closers = append(a.closers, a.Cursors.Close)

	a.Credentials = slotsync.NewOAuthCredentialStore(cfg.OAuthClients())
	ApplyCredentials(a.Credentials, nil, cfg)
	for _, conn := range cfg.Connections {
		if _, err := a.Connections.Upsert(ctx, conn); err != nil {
			a.Close()
			return nil, fmt.Errorf("seed connection %s: %w", conn.ID, err)
		}
	}

	outlookState := cfg.OutlookState
	if outlookState == "" {
		if secrets := cfg.Secrets(slotsync.ProviderOutlook); len(secrets) > 0 {
			outlookState = secrets[0]
		}
	}
	a.Caller = slotsync.NewCaller(slotsync.CallerOptions{
		Adapters: []slotsync.ProviderAdapter{
			slotsync.NewGoogleAdapter(slotsync.GoogleAdapterOptions{Credentials: a.Credentials}),
			slotsync.NewOutlookAdapter(slotsync.OutlookAdapterOptions{Credentials: a.Credentials, ClientState: outlookState}),
			slotsync.NewICloudAdapter(slotsync.ICloudAdapterOptions{Credentials: a.Credentials}),
		},
		Credentials: a.Credentials,
		Connections: a.Connections,
		Logger:      logger,
	})
	a.Detector = slotsync.NewConflictDetector(slotsync.DetectorOptions{
		Ledger:      a.Ledger,
		Caller:      a.Caller,
		Connections: a.Connections,
		Logger:      logger,
	})
	a.Service = slotsync.NewReservationService(slotsync.ServiceOptions{
		Ledger:      a.Ledger,
		Detector:    a.Detector,
		Caller:      a.Caller,
		Connections: a.Connections,
		Logger:      logger,
	})
	a.Expander = slotsync.NewRecurrenceExpander(slotsync.ExpanderOptions{
		Ledger:  a.Ledger,
		Logger:  logger,
		Horizon: cfg.ExpandHorizon,
	})
	a.Sync = slotsync.NewSyncEngine(slotsync.SyncEngineOptions{
		Ledger:      a.Ledger,
		Caller:      a.Caller,
		Connections: a.Connections,
		Expander:    a.Expander,
		Logger:      logger,
	})
	secrets := opts.Secrets
	if secrets == nil {
		static := slotsync.StaticSecrets{}
		for _, provider := range []slotsync.Provider{slotsync.ProviderGoogle, slotsync.ProviderOutlook, slotsync.ProviderICloud} {
			static[provider] = cfg.Secrets(provider)
		}
		secrets = static
	}
	a.Gateway = slotsync.NewGateway(slotsync.GatewayOptions{
		Secrets:     secrets,
		Dedup:       a.Dedup,
		Connections: a.Connections,
		Handler:     a.Sync,
		Logger:      logger,
	})
	a.Scheduler, err = slotsync.NewScheduler(slotsync.SchedulerOptions{
		Ledger:          a.Ledger,
		Caller:          a.Caller,
		Connections:     a.Connections,
		Gateway:         a.Gateway,
		Logger:          logger,
		CallbackURL:     callbackURL(cfg.PublicURL),
		RenewalSchedule: cfg.Schedules.Renewal,
		PollSchedule:    cfg.Schedules.Poll,
		SweepSchedule:   cfg.Schedules.Sweep,
		PruneSchedule:   cfg.Schedules.Prune,
		DedupTTL:        cfg.DedupTTL,
	})
	if err != nil {
		a.Service.Close()
		a.Gateway.Close()
		a.Close()
		return nil, err
	}
	a.Migrations = slotsync.NewMigrationRunner(slotsync.MigrationRunnerOptions{
		Migration: slotsync.MigrationOptions{
			Ledger:      a.Ledger,
			Caller:      a.Caller,
			Connections: a.Connections,
			Cursors:     a.Cursors,
			Logger:      logger,
		},
		LegacyPath: cfg.LegacyDB,
	})
	return a, nil
}

// ApplyCredentials pushes the credentials that changed between prev and
// next into the store.
func ApplyCredentials(store *slotsync.OAuthCredentialStore, prev, next *config.Config) {
	for _, cred := range config.ChangedCredentials(prev, next) {
		store.Put(cred.Ref, cred.Credential())
	}
}

// Shutdown stops the background work before the stores go away. Safe to
// call on a partially started App.
func (a *App) Shutdown() error {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Gateway != nil {
		a.Gateway.Close()
	}
	if a.Service != nil {
		a.Service.Close()
	}
	return a.Close()
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func callbackURL(publicURL string) func(conn slotsync.CalendarConnection) string {
	base := strings.TrimRight(strings.TrimSpace(publicURL), "/")
	if base == "" {
		return nil
	}
	return func(conn slotsync.CalendarConnection) string {
		return base + "/v1/webhooks/" + string(conn.Provider)
	}
}
