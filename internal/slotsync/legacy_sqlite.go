package slotsync

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const legacyBookingsTable = "bookings"

// LegacySQLiteSource reads bookings exported from the previous scheduler.
// Rows are read in id order; the cursor is the last id returned.
type LegacySQLiteSource struct {
	db    *sql.DB
	table string
}

func OpenLegacySQLiteSource(path string) (*LegacySQLiteSource, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &LegacySQLiteSource{db: db, table: legacyBookingsTable}, nil
}

// EnsureLegacySchema creates the bookings table. Used by tooling that
// prepares an export and by tests.
func EnsureLegacySchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS bookings (
			id INTEGER PRIMARY KEY,
			account TEXT NOT NULL,
			connection_id TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			external_event_id TEXT NOT NULL DEFAULT '',
			participant TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			start_at TEXT NOT NULL,
			end_at TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'booked'
		)`)
	return err
}

func (s *LegacySQLiteSource) DB() *sql.DB {
	return s.db
}

func (s *LegacySQLiteSource) Name() string {
	return "legacy"
}

func (s *LegacySQLiteSource) Next(ctx context.Context, cursor string, limit int) ([]SourceRecord, string, bool, error) {
	after := int64(0)
	if cursor != "" {
		v, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, cursor, false, fmt.Errorf("legacy cursor %q: %w", cursor, ErrInvalidInput)
		}
		after = v
	}
	if limit <= 0 {
		limit = defaultMigrationBatch
	}
	query := fmt.Sprintf(`
		SELECT id, account, connection_id, provider, external_event_id, participant, title, start_at, end_at, timezone, status
		FROM %s WHERE id > ? ORDER BY id LIMIT ?`, s.table)
	rows, err := s.db.QueryContext(ctx, query, after, limit)
	if err != nil {
		return nil, cursor, false, err
	}
	defer rows.Close()
	out := make([]SourceRecord, 0, limit)
	last := after
	for rows.Next() {
		var (
			id                                        int64
			account, connID, provider, extID, partic  string
			title, startRaw, endRaw, timezone, status string
		)
		if err := rows.Scan(&id, &account, &connID, &provider, &extID, &partic, &title, &startRaw, &endRaw, &timezone, &status); err != nil {
			return nil, cursor, false, err
		}
		last = id
		rec := SourceRecord{
			Key:             strconv.FormatInt(id, 10),
			AccountID:       account,
			ConnectionID:    connID,
			Provider:        normalizeProvider(Provider(provider)),
			ExternalEventID: extID,
			Participant:     partic,
			Title:           title,
			Timezone:        timezone,
			Cancelled:       strings.EqualFold(status, "cancelled") || strings.EqualFold(status, "canceled"),
		}
		// Unparseable times leave a zero interval, which the migrator counts
		// as a failed record.
		rec.Start, _ = time.Parse(time.RFC3339, startRaw)
		rec.End, _ = time.Parse(time.RFC3339, endRaw)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, cursor, false, err
	}
	next := strconv.FormatInt(last, 10)
	if last == 0 {
		next = cursor
	}
	return out, next, len(out) < limit, nil
}

func (s *LegacySQLiteSource) Close() error {
	return s.db.Close()
}
