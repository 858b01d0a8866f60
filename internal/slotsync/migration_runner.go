package slotsync

import (
	"context"
	"strings"
	"time"
)

const (
	MigrationSourceLegacy   = "legacy"
	MigrationSourceProvider = "provider"

	defaultMigrationLookback = 30 * 24 * time.Hour
	defaultMigrationHorizon  = 365 * 24 * time.Hour
)

// MigrationRequest selects the source of one migration run.
type MigrationRequest struct {
	Source       string `json:"source"`
	ConnectionID string `json:"connectionId,omitempty"`
	Restart      bool   `json:"restart,omitempty"`
	BatchSize    int    `json:"batchSize,omitempty"`
}

type MigrationRunnerOptions struct {
	Migration  MigrationOptions
	LegacyPath string
	Lookback   time.Duration
	Horizon    time.Duration
	Now        func() time.Time
}

// MigrationRunner opens the requested source and runs a Migrator over it.
// It is shared by the admin API and the migration command.
type MigrationRunner struct {
	opts MigrationRunnerOptions
}

func NewMigrationRunner(opts MigrationRunnerOptions) *MigrationRunner {
	if opts.Lookback <= 0 {
		opts.Lookback = defaultMigrationLookback
	}
	if opts.Horizon <= 0 {
		opts.Horizon = defaultMigrationHorizon
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &MigrationRunner{opts: opts}
}

func (r *MigrationRunner) Run(ctx context.Context, req MigrationRequest) (MigrationReport, error) {
	src, err := r.open(ctx, req)
	if err != nil {
		return MigrationReport{}, err
	}
	defer src.Close()

	opts := r.opts.Migration
	if req.BatchSize > 0 {
		opts.BatchSize = req.BatchSize
	}
	return NewMigrator(opts).Run(ctx, src, req.Restart)
}

func (r *MigrationRunner) open(ctx context.Context, req MigrationRequest) (RecordSource, error) {
	source := strings.ToLower(strings.TrimSpace(req.Source))
	if source == "" {
		source = MigrationSourceLegacy
	}
	switch source {
	case MigrationSourceLegacy:
		if strings.TrimSpace(r.opts.LegacyPath) == "" {
			return nil, &ValidationError{Field: "source", Message: "no legacy database configured"}
		}
		src, err := OpenLegacySQLiteSource(r.opts.LegacyPath)
		if err != nil {
			return nil, err
		}
		return src, nil
	case MigrationSourceProvider:
		if strings.TrimSpace(req.ConnectionID) == "" {
			return nil, &ValidationError{Field: "connectionId", Message: "is required for provider migrations"}
		}
		if r.opts.Migration.Connections == nil {
			return nil, ErrNotImplemented
		}
		conn, err := r.opts.Migration.Connections.Get(ctx, req.ConnectionID)
		if err != nil {
			return nil, err
		}
		if !conn.Active {
			return nil, &ValidationError{Field: "connectionId", Message: "connection is not active"}
		}
		now := r.opts.Now()
		window := Interval{Start: now.Add(-r.opts.Lookback), End: now.Add(r.opts.Horizon)}
		return NewProviderSource(r.opts.Migration.Caller, conn, window), nil
	default:
		return nil, &ValidationError{Field: "source", Message: "unknown source " + req.Source}
	}
}
