package slotsync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestMigrator(st *testStack, cursors CursorStore, batch int) *Migrator {
	return NewMigrator(MigrationOptions{
		Ledger:      st.ledger,
		Caller:      st.caller,
		Connections: st.conns,
		Cursors:     cursors,
		Logger:      quietLogger(),
		BatchSize:   batch,
	})
}

func TestProviderMigrationRunTwiceIsNoop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)
	st.provider.Put(st.conn.ID, CanonicalEvent{ExternalID: "ev_a", Title: "A", Start: at(9, 0), End: at(9, 30)})
	st.provider.Put(st.conn.ID, CanonicalEvent{ExternalID: "ev_b", Title: "B", Start: at(10, 0), End: at(10, 30)})
	st.provider.Put(st.conn.ID, CanonicalEvent{ExternalID: "ev_c", Title: "Focus", Start: at(11, 0), End: at(12, 0), Transparent: true})

	window := Interval{Start: at(0, 0), End: at(0, 0).AddDate(0, 1, 0)}
	migrator := newTestMigrator(st, NewMemoryCursorStore(), 0)
	src := NewProviderSource(st.caller, st.conn, window)

	first, err := migrator.Run(ctx, src, false)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if first.Created != 2 || first.Skipped != 0 || first.Failed != 0 || !first.Done {
		t.Fatalf("unexpected first report: %+v", first)
	}
	slot, err := st.ledger.FindByExternalID(ctx, st.conn.ID, "ev_a")
	if err != nil {
		t.Fatalf("migrated slot not found: %v", err)
	}
	if slot.Status != StatusBooked || slot.Title != "A" || slot.Provider != ProviderGoogle {
		t.Fatalf("unexpected migrated slot: %+v", slot)
	}

	second, err := migrator.Run(ctx, src, true)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if second.Created != 0 || second.Updated != 0 || second.Skipped != 2 {
		t.Fatalf("second run should only skip, got %+v", second)
	}
}

func TestProviderMigrationFollowsProviderChanges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)
	st.provider.Put(st.conn.ID, CanonicalEvent{ExternalID: "ev_a", Start: at(9, 0), End: at(9, 30)})
	st.provider.Put(st.conn.ID, CanonicalEvent{ExternalID: "ev_b", Start: at(10, 0), End: at(10, 30)})
	window := Interval{Start: at(0, 0), End: at(0, 0).AddDate(0, 1, 0)}
	migrator := newTestMigrator(st, NewMemoryCursorStore(), 0)
	src := NewProviderSource(st.caller, st.conn, window)
	if _, err := migrator.Run(ctx, src, false); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	st.provider.Put(st.conn.ID, CanonicalEvent{ExternalID: "ev_a", Start: at(14, 0), End: at(14, 30)})
	st.provider.Put(st.conn.ID, CanonicalEvent{ExternalID: "ev_b", Start: at(10, 0), End: at(10, 30), Status: EventCancelled})
	report, err := migrator.Run(ctx, src, true)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if report.Updated != 2 {
		t.Fatalf("expected 2 updated, got %+v", report)
	}
	a, _ := st.ledger.FindByExternalID(ctx, st.conn.ID, "ev_a")
	b, _ := st.ledger.FindByExternalID(ctx, st.conn.ID, "ev_b")
	if !a.Start.Equal(at(14, 0)) || b.Status != StatusCancelled {
		t.Fatalf("ledger did not follow provider: a=%+v b=%+v", a, b)
	}
}

func TestLegacySQLiteMigration(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)

	existing, err := st.service.Reserve(ctx, candidate(at(10, 0), at(10, 30)), NoVersion)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	st.provider.Put(st.conn.ID, CanonicalEvent{ExternalID: "ev_moved", Title: "Review", Start: at(16, 0), End: at(16, 30)})

	src, err := OpenLegacySQLiteSource(filepath.Join(t.TempDir(), "legacy.db"))
	if err != nil {
		t.Fatalf("open legacy source failed: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })
	if err := EnsureLegacySchema(ctx, src.DB()); err != nil {
		t.Fatalf("ensure schema failed: %v", err)
	}
	rows := []struct {
		id         int
		extID      string
		start, end string
		status     string
	}{
		{1, existing.ExternalEventID, "2026-03-02T10:00:00Z", "2026-03-02T10:30:00Z", "booked"},
		{2, "", "2026-03-02T14:00:00Z", "2026-03-02T14:30:00Z", "booked"},
		{3, "ev_gone", "2026-03-02T12:00:00Z", "2026-03-02T12:30:00Z", "booked"},
		{4, "ev_moved", "2026-03-02T15:00:00Z", "2026-03-02T15:30:00Z", "booked"},
		{5, "", "yesterday", "2026-03-02T09:30:00Z", "booked"},
	}
	for _, row := range rows {
		connID := ""
		if row.extID != "" {
			connID = st.conn.ID
		}
		_, err := src.DB().ExecContext(ctx, `
			INSERT INTO bookings (id, account, connection_id, provider, external_event_id, participant, title, start_at, end_at, status)
			VALUES (?, ?, ?, 'google', ?, 'guest@example.com', 'Legacy', ?, ?, ?)`,
			row.id, testAccount, connID, row.extID, row.start, row.end, row.status)
		if err != nil {
			t.Fatalf("insert row %d failed: %v", row.id, err)
		}
	}

	cursors := NewMemoryCursorStore()
	migrator := newTestMigrator(st, cursors, 2)
	report, err := migrator.Run(ctx, src, false)
	if err != nil {
		t.Fatalf("migration failed: %v", err)
	}
	if report.Created != 2 || report.Skipped != 2 || report.Failed != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.Batches != 3 || report.Cursor != "5" || !report.Done {
		t.Fatalf("unexpected paging: %+v", report)
	}

	moved, err := st.ledger.FindByExternalID(ctx, st.conn.ID, "ev_moved")
	if err != nil {
		t.Fatalf("moved record not imported: %v", err)
	}
	if !moved.Start.Equal(at(16, 0)) || moved.Title != "Review" {
		t.Fatalf("provider should win over legacy times, got %+v", moved)
	}
	unpushed, err := st.ledger.FindByIdempotencyKey(ctx, testAccount, "legacy:2")
	if err != nil {
		t.Fatalf("record without external id not imported: %v", err)
	}
	if unpushed.Status != StatusBooked || !unpushed.Start.Equal(at(14, 0)) {
		t.Fatalf("unexpected legacy slot: %+v", unpushed)
	}
	if _, err := st.ledger.FindByExternalID(ctx, st.conn.ID, "ev_gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("record missing at provider must not become a live slot, got %v", err)
	}

	// Resuming after completion reads nothing new.
	resumed, err := migrator.Run(ctx, src, false)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if resumed.Created+resumed.Updated+resumed.Skipped+resumed.Failed != 0 || resumed.Cursor != "5" {
		t.Fatalf("resume should be empty, got %+v", resumed)
	}

	// A restart replays every row and changes nothing.
	restarted, err := migrator.Run(ctx, src, true)
	if err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if restarted.Created != 0 || restarted.Updated != 0 || restarted.Skipped != 4 {
		t.Fatalf("restart should only skip, got %+v", restarted)
	}
}

func TestMigrationRefusesConcurrentRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)
	cursors := NewMemoryCursorStore()
	release, err := cursors.Lock(ctx, "migration:provider:"+st.conn.ID)
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	defer release()

	migrator := newTestMigrator(st, cursors, 0)
	_, err = migrator.Run(ctx, NewProviderSource(st.caller, st.conn, Interval{}), false)
	if !errors.Is(err, ErrJobRunning) {
		t.Fatalf("expected job running, got %v", err)
	}
}

func TestMigrationStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	st := newTestStack(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	migrator := newTestMigrator(st, NewMemoryCursorStore(), 0)
	_, err := migrator.Run(ctx, NewProviderSource(st.caller, st.conn, Interval{Start: at(0, 0), End: at(0, 0).Add(time.Hour)}), false)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancelled, got %v", err)
	}
}
