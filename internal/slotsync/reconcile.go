package slotsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const defaultMigrationBatch = 100

// SourceRecord is one booking as another system of record sees it. Key is
// the record's stable identity within its source.
type SourceRecord struct {
	Key             string
	AccountID       string
	ConnectionID    string
	Provider        Provider
	ExternalEventID string
	Participant     string
	Title           string
	Start           time.Time
	End             time.Time
	Timezone        string
	Cancelled       bool
	// Authoritative records come from the provider itself and are not
	// re-checked against it.
	Authoritative bool
}

// RecordSource yields records in a stable order. Next returns the cursor to
// resume after the batch and reports done once nothing is left.
type RecordSource interface {
	Name() string
	Next(ctx context.Context, cursor string, limit int) (batch []SourceRecord, next string, done bool, err error)
	Close() error
}

type MigrationOptions struct {
	Ledger      *SlotLedger
	Caller      *Caller
	Connections ConnectionStore
	Cursors     CursorStore
	Logger      *slog.Logger
	BatchSize   int
}

type MigrationReport struct {
	Source  string `json:"source"`
	Created int    `json:"created"`
	Updated int    `json:"updated"`
	Skipped int    `json:"skipped"`
	Failed  int    `json:"failed"`
	Batches int    `json:"batches"`
	Cursor  string `json:"cursor,omitempty"`
	Done    bool   `json:"done"`
}

type recordOutcome int

const (
	outcomeCreated recordOutcome = iota
	outcomeUpdated
	outcomeSkipped
	outcomeFailed
)

// Migrator re-derives ledger state from a RecordSource. Records already in
// the ledger (by external id, or by legacy key when never pushed) are
// skipped, so re-running a finished migration changes nothing.
type Migrator struct {
	ledger    *SlotLedger
	caller    *Caller
	conns     ConnectionStore
	cursors   CursorStore
	logger    *slog.Logger
	batchSize int
}

func NewMigrator(opts MigrationOptions) *Migrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cursors := opts.Cursors
	if cursors == nil {
		cursors = NewMemoryCursorStore()
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultMigrationBatch
	}
	return &Migrator{
		ledger:    opts.Ledger,
		caller:    opts.Caller,
		conns:     opts.Connections,
		cursors:   cursors,
		logger:    logger,
		batchSize: batch,
	}
}

// Run processes src from its saved cursor until it is exhausted or ctx ends.
// The cursor is saved after every batch; restart discards it first.
func (m *Migrator) Run(ctx context.Context, src RecordSource, restart bool) (MigrationReport, error) {
	job := "migration:" + src.Name()
	release, err := m.cursors.Lock(ctx, job)
	if err != nil {
		return MigrationReport{}, err
	}
	defer release()
	if restart {
		if err := m.cursors.Reset(ctx, job); err != nil {
			return MigrationReport{}, err
		}
	}
	cursor, err := m.cursors.Load(ctx, job)
	if err != nil {
		return MigrationReport{}, err
	}
	report := MigrationReport{Source: src.Name(), Cursor: cursor}
	m.logger.Info("migration started", "source", src.Name(), "cursor", cursor, "restart", restart)
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		batch, next, done, err := src.Next(ctx, cursor, m.batchSize)
		if err != nil {
			return report, fmt.Errorf("read %s after %q: %w", src.Name(), cursor, err)
		}
		for _, rec := range batch {
			switch m.apply(ctx, rec) {
			case outcomeCreated:
				report.Created++
			case outcomeUpdated:
				report.Updated++
			case outcomeSkipped:
				report.Skipped++
			case outcomeFailed:
				report.Failed++
			}
		}
		report.Batches++
		if next != cursor || done {
			if err := m.cursors.Save(ctx, job, next); err != nil {
				return report, err
			}
			cursor = next
			report.Cursor = next
		}
		if done {
			report.Done = true
			break
		}
	}
	m.logger.Info("migration finished", "source", src.Name(), "created", report.Created, "updated", report.Updated,
		"skipped", report.Skipped, "failed", report.Failed, "batches", report.Batches)
	return report, nil
}

func (m *Migrator) apply(ctx context.Context, rec SourceRecord) recordOutcome {
	if strings.TrimSpace(rec.AccountID) == "" || !(Interval{Start: rec.Start, End: rec.End}).Valid() {
		m.logger.Error("migration record invalid", "key", rec.Key, "account", rec.AccountID)
		return outcomeFailed
	}
	rec = m.preferProvider(ctx, rec)
	existing, err := m.existing(ctx, rec)
	switch {
	case errors.Is(err, ErrNotFound):
		return m.create(ctx, rec)
	case err != nil:
		m.logger.Error("migration lookup failed", "key", rec.Key, "error", err)
		return outcomeFailed
	}
	if existing.AccountID != rec.AccountID {
		m.logger.Error("migration record belongs to another account", "key", rec.Key, "slot", existing.ID, "account", rec.AccountID, "ledger_account", existing.AccountID)
		return outcomeFailed
	}
	if matchesRecord(existing, rec) || existing.Status.Terminal() {
		return outcomeSkipped
	}
	if rec.Cancelled {
		_, err = m.ledger.Apply(ctx, Instruction{Type: InstructionCancel, Slot: existing, ExpectedVersion: existing.Version, Reason: "cancelled at source"})
	} else {
		next := existing.clone()
		next.Start = rec.Start.UTC()
		next.End = rec.End.UTC()
		if rec.Title != "" {
			next.Title = rec.Title
		}
		_, err = m.ledger.Apply(ctx, Instruction{Type: InstructionUpdate, Slot: next, ExpectedVersion: existing.Version, Reason: "reconciled from source"})
	}
	if err != nil {
		m.logFailure(rec, err)
		return outcomeFailed
	}
	m.logger.Info("slot reconciled", "slot", existing.ID, "key", rec.Key, "cancelled", rec.Cancelled)
	return outcomeUpdated
}

func (m *Migrator) existing(ctx context.Context, rec SourceRecord) (MeetingSlot, error) {
	if rec.ExternalEventID != "" && rec.ConnectionID != "" {
		return m.ledger.FindByExternalID(ctx, rec.ConnectionID, rec.ExternalEventID)
	}
	return m.ledger.FindByIdempotencyKey(ctx, rec.AccountID, legacyIdempotencyKey(rec))
}

func (m *Migrator) create(ctx context.Context, rec SourceRecord) recordOutcome {
	if rec.Cancelled {
		return outcomeSkipped
	}
	slot := MeetingSlot{
		AccountID:       rec.AccountID,
		Participant:     rec.Participant,
		Title:           rec.Title,
		Start:           rec.Start.UTC(),
		End:             rec.End.UTC(),
		Timezone:        rec.Timezone,
		Status:          StatusBooked,
		Provider:        rec.Provider,
		ConnectionID:    rec.ConnectionID,
		ExternalEventID: rec.ExternalEventID,
	}
	if rec.ExternalEventID == "" {
		slot.IdempotencyKey = legacyIdempotencyKey(rec)
	}
	created, err := m.ledger.Apply(ctx, Instruction{Type: InstructionCreate, Slot: slot, Reason: "migrated"})
	if err != nil {
		m.logFailure(rec, err)
		return outcomeFailed
	}
	m.logger.Debug("slot migrated", "slot", created.ID, "key", rec.Key)
	return outcomeCreated
}

// preferProvider replaces a non-authoritative record's times and status with
// the provider's. Disagreements are logged, never dropped.
func (m *Migrator) preferProvider(ctx context.Context, rec SourceRecord) SourceRecord {
	if rec.Authoritative || rec.ExternalEventID == "" || rec.ConnectionID == "" || m.caller == nil || m.conns == nil {
		return rec
	}
	conn, err := m.conns.Get(ctx, rec.ConnectionID)
	if err != nil {
		m.logger.Warn("provider check skipped", "key", rec.Key, "connection", rec.ConnectionID, "error", err)
		return rec
	}
	ev, err := m.caller.FetchEvent(ctx, conn, rec.ExternalEventID)
	switch {
	case errors.Is(err, ErrNotFound):
		if !rec.Cancelled {
			m.logger.Warn("record missing at provider, importing as cancelled", "key", rec.Key, "event", rec.ExternalEventID)
		}
		rec.Cancelled = true
		return rec
	case err != nil:
		m.logger.Warn("provider check failed, using record", "key", rec.Key, "event", rec.ExternalEventID, "error", err)
		return rec
	}
	cancelled := ev.Status == EventCancelled
	if !ev.Start.Equal(rec.Start) || !ev.End.Equal(rec.End) || cancelled != rec.Cancelled {
		m.logger.Warn("record disagrees with provider, provider wins", "key", rec.Key, "event", rec.ExternalEventID,
			"record_start", rec.Start, "provider_start", ev.Start, "record_cancelled", rec.Cancelled, "provider_cancelled", cancelled)
	}
	rec.Start = ev.Start.UTC()
	rec.End = ev.End.UTC()
	rec.Cancelled = cancelled
	if ev.Title != "" {
		rec.Title = ev.Title
	}
	rec.Provider = conn.Provider
	return rec
}

func (m *Migrator) logFailure(rec SourceRecord, err error) {
	if errors.Is(err, ErrDataIntegrity) {
		m.logger.Error("migration integrity violation", "key", rec.Key, "event", rec.ExternalEventID, "error", err)
		return
	}
	m.logger.Warn("migration record rejected", "key", rec.Key, "event", rec.ExternalEventID, "error", err)
}

func matchesRecord(slot MeetingSlot, rec SourceRecord) bool {
	if rec.Cancelled != slot.Status.Terminal() {
		return false
	}
	return slot.Start.Equal(rec.Start.UTC()) && slot.End.Equal(rec.End.UTC())
}

func legacyIdempotencyKey(rec SourceRecord) string {
	return "legacy:" + rec.Key
}

// ProviderSource lists one connection's events over a window; the cursor
// is the provider page token. Series masters are left to the expander.
type ProviderSource struct {
	caller *Caller
	conn   CalendarConnection
	window Interval
}

func NewProviderSource(caller *Caller, conn CalendarConnection, window Interval) *ProviderSource {
	return &ProviderSource{caller: caller, conn: conn, window: window}
}

func (s *ProviderSource) Name() string {
	return "provider:" + s.conn.ID
}

func (s *ProviderSource) Next(ctx context.Context, cursor string, _ int) ([]SourceRecord, string, bool, error) {
	page, err := s.caller.ListEvents(ctx, s.conn, s.window, cursor)
	if err != nil {
		return nil, cursor, false, err
	}
	out := make([]SourceRecord, 0, len(page.Events))
	for _, ev := range page.Events {
		if ev.IsMaster() || ev.IsInstance() || ev.Transparent {
			continue
		}
		out = append(out, SourceRecord{
			Key:             s.conn.ID + "/" + ev.ExternalID,
			AccountID:       s.conn.AccountID,
			ConnectionID:    s.conn.ID,
			Provider:        s.conn.Provider,
			ExternalEventID: ev.ExternalID,
			Title:           ev.Title,
			Start:           ev.Start,
			End:             ev.End,
			Timezone:        ev.Timezone,
			Cancelled:       ev.Status == EventCancelled,
			Authoritative:   true,
		})
	}
	return out, page.NextPageToken, page.NextPageToken == "", nil
}

func (s *ProviderSource) Close() error {
	return nil
}
