package slotsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresLedger persists slots in one table. Commits for an account are
// serialized with a transaction-scoped advisory lock so the overlap check
// sees every concurrent writer's result.
type PostgresLedger struct {
	conn      *postgresConn
	tableName string
}

func NewPostgresLedger(dsn string) (*PostgresLedger, error) {
	l := &PostgresLedger{tableName: postgresSlotsTableName}
	conn, err := newPostgresConn(dsn, l.schema)
	if err != nil {
		return nil, err
	}
	l.conn = conn
	return l, nil
}

func (l *PostgresLedger) schema() []string {
	table := postgresQuoteIdentifier(l.tableName)
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL,
				connection_id TEXT NOT NULL DEFAULT '',
				external_event_id TEXT NOT NULL DEFAULT '',
				recurrence_id TEXT NOT NULL DEFAULT '',
				idempotency_key TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				start_at TIMESTAMPTZ NOT NULL,
				end_at TIMESTAMPTZ NOT NULL,
				hold_expires_at TIMESTAMPTZ,
				version BIGINT NOT NULL,
				payload TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (account_id, start_at)",
			postgresQuoteIdentifier(l.tableName+"_account_start_idx"), table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (recurrence_id) WHERE recurrence_id <> ''",
			postgresQuoteIdentifier(l.tableName+"_recurrence_idx"), table),
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (connection_id, external_event_id) WHERE external_event_id <> ''",
			postgresQuoteIdentifier(l.tableName+"_external_uidx"), table),
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (account_id, idempotency_key) WHERE idempotency_key <> '' AND status IN ('pending', 'booked')",
			postgresQuoteIdentifier(l.tableName+"_idem_uidx"), table),
	}
}

func (l *PostgresLedger) Get(ctx context.Context, id string) (MeetingSlot, error) {
	return l.queryOne(ctx, "id = $1", id)
}

func (l *PostgresLedger) FindByExternalID(ctx context.Context, connectionID, externalID string) (MeetingSlot, error) {
	return l.queryOne(ctx, "connection_id = $1 AND external_event_id = $2", connectionID, externalID)
}

func (l *PostgresLedger) FindByIdempotencyKey(ctx context.Context, accountID, key string) (MeetingSlot, error) {
	return l.queryOne(ctx, "account_id = $1 AND idempotency_key = $2 ORDER BY (status IN ('pending','booked')) DESC, updated_at DESC LIMIT 1", accountID, key)
}

func (l *PostgresLedger) ListAccount(ctx context.Context, accountID string, window Interval) ([]MeetingSlot, error) {
	if !window.Valid() {
		return l.queryMany(ctx, "account_id = $1 ORDER BY start_at, id", accountID)
	}
	return l.queryMany(ctx, "account_id = $1 AND start_at < $3 AND end_at > $2 ORDER BY start_at, id", accountID, window.Start.UTC(), window.End.UTC())
}

func (l *PostgresLedger) ListRecurrence(ctx context.Context, recurrenceID string) ([]MeetingSlot, error) {
	return l.queryMany(ctx, "recurrence_id = $1 ORDER BY start_at, id", recurrenceID)
}

func (l *PostgresLedger) ListConnection(ctx context.Context, connectionID string, window Interval) ([]MeetingSlot, error) {
	if !window.Valid() {
		return l.queryMany(ctx, "connection_id = $1 ORDER BY start_at, id", connectionID)
	}
	return l.queryMany(ctx, "connection_id = $1 AND start_at < $3 AND end_at > $2 ORDER BY start_at, id", connectionID, window.Start.UTC(), window.End.UTC())
}

func (l *PostgresLedger) ListExpiredHolds(ctx context.Context, now time.Time) ([]MeetingSlot, error) {
	return l.queryMany(ctx, "status = 'pending' AND hold_expires_at IS NOT NULL AND hold_expires_at <= $1 ORDER BY start_at, id", now.UTC())
}

func (l *PostgresLedger) Commit(ctx context.Context, writes []SlotWrite, now time.Time) ([]MeetingSlot, error) {
	if len(writes) == 0 {
		return nil, ErrInvalidInput
	}
	accountID := writes[0].Slot.AccountID
	ids := make([]string, 0, len(writes))
	for _, w := range writes {
		ids = append(ids, w.Slot.ID)
	}
	table := postgresQuoteIdentifier(l.tableName)
	var committed []MeetingSlot
	err := l.conn.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresLockKey(l.tableName, accountID)); err != nil {
			return err
		}
		query := fmt.Sprintf(`
			SELECT payload FROM %s
			WHERE account_id = $1 AND (status IN ('pending', 'booked') OR id = ANY($2))`, table)
		rows, err := tx.QueryContext(ctx, query, accountID, pq.Array(ids))
		if err != nil {
			return err
		}
		existing, err := scanSlots(rows)
		if err != nil {
			return err
		}
		byID := make(map[string]MeetingSlot, len(existing))
		for _, slot := range existing {
			byID[slot.ID] = slot
		}
		committed, err = validateCommit(byID, writes, now)
		if err != nil {
			return err
		}
		upsert := fmt.Sprintf(`
			INSERT INTO %s (id, account_id, connection_id, external_event_id, recurrence_id, idempotency_key,
				status, start_at, end_at, hold_expires_at, version, payload, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
			ON CONFLICT (id) DO UPDATE SET
				connection_id = EXCLUDED.connection_id,
				external_event_id = EXCLUDED.external_event_id,
				recurrence_id = EXCLUDED.recurrence_id,
				idempotency_key = EXCLUDED.idempotency_key,
				status = EXCLUDED.status,
				start_at = EXCLUDED.start_at,
				end_at = EXCLUDED.end_at,
				hold_expires_at = EXCLUDED.hold_expires_at,
				version = EXCLUDED.version,
				payload = EXCLUDED.payload,
				updated_at = NOW()
			WHERE %s.version = $13`, table, table)
		for i, slot := range committed {
			payload, err := json.Marshal(slot)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, upsert,
				slot.ID, slot.AccountID, slot.ConnectionID, slot.ExternalEventID, slot.RecurrenceID, slot.IdempotencyKey,
				string(slot.Status), slot.Start.UTC(), slot.End.UTC(), postgresNullTime(slot.HoldExpiresAt), slot.Version,
				string(payload), writes[i].ExpectedVersion)
			if err != nil {
				if constraint, ok := postgresUniqueConstraint(err); ok {
					return l.uniqueViolation(constraint, slot)
				}
				return err
			}
			if n, err := res.RowsAffected(); err == nil && n == 0 {
				return &ConflictError{Reason: ReasonVersionMismatch, SlotID: slot.ID, ExpectedVersion: writes[i].ExpectedVersion}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

func (l *PostgresLedger) Close() error {
	return l.conn.close()
}

func (l *PostgresLedger) queryOne(ctx context.Context, where string, args ...any) (MeetingSlot, error) {
	if err := l.conn.ensureReady(); err != nil {
		return MeetingSlot{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT payload FROM %s WHERE %s", postgresQuoteIdentifier(l.tableName), where)
	var payload string
	err := l.conn.db.QueryRowContext(ctx, query, args...).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return MeetingSlot{}, ErrNotFound
	}
	if err != nil {
		return MeetingSlot{}, err
	}
	var slot MeetingSlot
	if err := json.Unmarshal([]byte(payload), &slot); err != nil {
		return MeetingSlot{}, err
	}
	return slot, nil
}

func (l *PostgresLedger) queryMany(ctx context.Context, where string, args ...any) ([]MeetingSlot, error) {
	if err := l.conn.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT payload FROM %s WHERE %s", postgresQuoteIdentifier(l.tableName), where)
	rows, err := l.conn.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanSlots(rows)
}

func scanSlots(rows *sql.Rows) ([]MeetingSlot, error) {
	defer rows.Close()
	out := make([]MeetingSlot, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var slot MeetingSlot
		if err := json.Unmarshal([]byte(payload), &slot); err != nil {
			return nil, fmt.Errorf("decode slot: %w", err)
		}
		out = append(out, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// uniqueViolation names the key a rejected write collided on.
func (l *PostgresLedger) uniqueViolation(constraint string, slot MeetingSlot) error {
	var detail string
	switch constraint {
	case l.tableName + "_external_uidx":
		detail = "external event " + slot.ExternalEventID + " already linked on connection " + slot.ConnectionID
	case l.tableName + "_idem_uidx":
		detail = "idempotency key " + slot.IdempotencyKey + " already used by a live slot"
	case "":
		detail = "unique constraint violated"
	default:
		detail = "unique constraint " + constraint + " violated"
	}
	return &DataIntegrityError{SlotID: slot.ID, Detail: detail}
}
