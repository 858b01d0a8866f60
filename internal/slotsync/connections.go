package slotsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnectionStore holds calendar connections. Upsert enforces one active
// connection per (account, provider) by deactivating the previous one.
type ConnectionStore interface {
	Get(ctx context.Context, id string) (CalendarConnection, error)
	List(ctx context.Context) ([]CalendarConnection, error)
	ListAccount(ctx context.Context, accountID string) ([]CalendarConnection, error)
	FindByChannel(ctx context.Context, channelID string) (CalendarConnection, error)
	Upsert(ctx context.Context, conn CalendarConnection) (CalendarConnection, error)
	UpdateChannel(ctx context.Context, id string, ch WebhookChannel) error
	SetPolling(ctx context.Context, id string, polling bool) error
	MarkReconnectRequired(ctx context.Context, id string) error
	Close() error
}

func prepareConnection(conn CalendarConnection, now time.Time) (CalendarConnection, error) {
	conn.AccountID = strings.TrimSpace(conn.AccountID)
	conn.Provider = normalizeProvider(conn.Provider)
	if conn.AccountID == "" {
		return conn, &ValidationError{Field: "accountId", Message: "is required"}
	}
	switch conn.Provider {
	case ProviderGoogle, ProviderOutlook, ProviderICloud:
	default:
		return conn, &ValidationError{Field: "provider", Message: "unsupported provider " + string(conn.Provider)}
	}
	if conn.ID == "" {
		conn.ID = "conn_" + uuid.NewString()
	}
	conn.UpdatedAt = now
	return conn, nil
}

type MemoryConnectionStore struct {
	mu    sync.RWMutex
	conns map[string]CalendarConnection
	now   func() time.Time
}

func NewMemoryConnectionStore() *MemoryConnectionStore {
	return &MemoryConnectionStore{conns: map[string]CalendarConnection{}, now: func() time.Time { return time.Now().UTC() }}
}

func (s *MemoryConnectionStore) Get(_ context.Context, id string) (CalendarConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.conns[id]
	if !ok {
		return CalendarConnection{}, ErrNotFound
	}
	return conn, nil
}

func (s *MemoryConnectionStore) List(_ context.Context) ([]CalendarConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CalendarConnection, 0, len(s.conns))
	for _, conn := range s.conns {
		out = append(out, conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryConnectionStore) ListAccount(ctx context.Context, accountID string) ([]CalendarConnection, error) {
	all, _ := s.List(ctx)
	out := make([]CalendarConnection, 0)
	for _, conn := range all {
		if conn.AccountID == accountID {
			out = append(out, conn)
		}
	}
	return out, nil
}

func (s *MemoryConnectionStore) FindByChannel(_ context.Context, channelID string) (CalendarConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, conn := range s.conns {
		if channelID != "" && conn.Channel.ID == channelID {
			return conn, nil
		}
	}
	return CalendarConnection{}, ErrNotFound
}

func (s *MemoryConnectionStore) Upsert(_ context.Context, conn CalendarConnection) (CalendarConnection, error) {
	conn, err := prepareConnection(conn, s.now())
	if err != nil {
		return CalendarConnection{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn.Active {
		for id, other := range s.conns {
			if id != conn.ID && other.Active && other.AccountID == conn.AccountID && other.Provider == conn.Provider {
				other.Active = false
				other.UpdatedAt = conn.UpdatedAt
				s.conns[id] = other
			}
		}
	}
	s.conns[conn.ID] = conn
	return conn, nil
}

func (s *MemoryConnectionStore) mutate(id string, fn func(*CalendarConnection)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[id]
	if !ok {
		return ErrNotFound
	}
	fn(&conn)
	conn.UpdatedAt = s.now()
	s.conns[id] = conn
	return nil
}

func (s *MemoryConnectionStore) UpdateChannel(_ context.Context, id string, ch WebhookChannel) error {
	return s.mutate(id, func(c *CalendarConnection) {
		c.Channel = ch
		c.Polling = false
	})
}

func (s *MemoryConnectionStore) SetPolling(_ context.Context, id string, polling bool) error {
	return s.mutate(id, func(c *CalendarConnection) { c.Polling = polling })
}

func (s *MemoryConnectionStore) MarkReconnectRequired(_ context.Context, id string) error {
	return s.mutate(id, func(c *CalendarConnection) { c.ReconnectRequired = true })
}

func (s *MemoryConnectionStore) Close() error {
	return nil
}

type PostgresConnectionStore struct {
	conn      *postgresConn
	tableName string
	now       func() time.Time
}

func NewPostgresConnectionStore(dsn string) (*PostgresConnectionStore, error) {
	s := &PostgresConnectionStore{tableName: postgresConnectionsTableName, now: func() time.Time { return time.Now().UTC() }}
	conn, err := newPostgresConn(dsn, s.schema)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return s, nil
}

func (s *PostgresConnectionStore) schema() []string {
	table := postgresQuoteIdentifier(s.tableName)
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL,
				provider TEXT NOT NULL,
				channel_id TEXT NOT NULL DEFAULT '',
				active BOOLEAN NOT NULL,
				payload TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, table),
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (account_id, provider) WHERE active",
			postgresQuoteIdentifier(s.tableName+"_active_uidx"), table),
	}
}

func (s *PostgresConnectionStore) Get(ctx context.Context, id string) (CalendarConnection, error) {
	conns, err := s.query(ctx, "id = $1", id)
	if err != nil {
		return CalendarConnection{}, err
	}
	if len(conns) == 0 {
		return CalendarConnection{}, ErrNotFound
	}
	return conns[0], nil
}

func (s *PostgresConnectionStore) List(ctx context.Context) ([]CalendarConnection, error) {
	return s.query(ctx, "TRUE ORDER BY id")
}

func (s *PostgresConnectionStore) ListAccount(ctx context.Context, accountID string) ([]CalendarConnection, error) {
	return s.query(ctx, "account_id = $1 ORDER BY id", accountID)
}

func (s *PostgresConnectionStore) FindByChannel(ctx context.Context, channelID string) (CalendarConnection, error) {
	if channelID == "" {
		return CalendarConnection{}, ErrNotFound
	}
	conns, err := s.query(ctx, "channel_id = $1 LIMIT 1", channelID)
	if err != nil {
		return CalendarConnection{}, err
	}
	if len(conns) == 0 {
		return CalendarConnection{}, ErrNotFound
	}
	return conns[0], nil
}

func (s *PostgresConnectionStore) Upsert(ctx context.Context, conn CalendarConnection) (CalendarConnection, error) {
	conn, err := prepareConnection(conn, s.now())
	if err != nil {
		return CalendarConnection{}, err
	}
	table := postgresQuoteIdentifier(s.tableName)
	err = s.conn.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresLockKey(s.tableName, conn.AccountID, string(conn.Provider))); err != nil {
			return err
		}
		if conn.Active {
			deactivate := fmt.Sprintf(`
				UPDATE %s SET active = FALSE,
					payload = jsonb_set(payload::jsonb, '{active}', 'false')::text, updated_at = NOW()
				WHERE account_id = $1 AND provider = $2 AND active AND id <> $3`, table)
			if _, err := tx.ExecContext(ctx, deactivate, conn.AccountID, string(conn.Provider), conn.ID); err != nil {
				return err
			}
		}
		return s.write(ctx, tx, conn)
	})
	if err != nil {
		return CalendarConnection{}, err
	}
	return conn, nil
}

func (s *PostgresConnectionStore) write(ctx context.Context, tx *sql.Tx, conn CalendarConnection) error {
	payload, err := json.Marshal(conn)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, account_id, provider, channel_id, active, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			account_id = EXCLUDED.account_id, provider = EXCLUDED.provider, channel_id = EXCLUDED.channel_id,
			active = EXCLUDED.active, payload = EXCLUDED.payload, updated_at = NOW()`, postgresQuoteIdentifier(s.tableName))
	_, err = tx.ExecContext(ctx, query, conn.ID, conn.AccountID, string(conn.Provider), conn.Channel.ID, conn.Active, string(payload))
	return err
}

func (s *PostgresConnectionStore) mutate(ctx context.Context, id string, fn func(*CalendarConnection)) error {
	return s.conn.withTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf("SELECT payload FROM %s WHERE id = $1 FOR UPDATE", postgresQuoteIdentifier(s.tableName))
		var payload string
		err := tx.QueryRowContext(ctx, query, id).Scan(&payload)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var conn CalendarConnection
		if err := json.Unmarshal([]byte(payload), &conn); err != nil {
			return err
		}
		fn(&conn)
		conn.UpdatedAt = s.now()
		return s.write(ctx, tx, conn)
	})
}

func (s *PostgresConnectionStore) UpdateChannel(ctx context.Context, id string, ch WebhookChannel) error {
	return s.mutate(ctx, id, func(c *CalendarConnection) {
		c.Channel = ch
		c.Polling = false
	})
}

func (s *PostgresConnectionStore) SetPolling(ctx context.Context, id string, polling bool) error {
	return s.mutate(ctx, id, func(c *CalendarConnection) { c.Polling = polling })
}

func (s *PostgresConnectionStore) MarkReconnectRequired(ctx context.Context, id string) error {
	return s.mutate(ctx, id, func(c *CalendarConnection) { c.ReconnectRequired = true })
}

func (s *PostgresConnectionStore) Close() error {
	return s.conn.close()
}

func (s *PostgresConnectionStore) query(ctx context.Context, where string, args ...any) ([]CalendarConnection, error) {
	if err := s.conn.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT payload FROM %s WHERE %s", postgresQuoteIdentifier(s.tableName), where)
	rows, err := s.conn.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]CalendarConnection, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var conn CalendarConnection
		if err := json.Unmarshal([]byte(payload), &conn); err != nil {
			return nil, err
		}
		out = append(out, conn)
	}
	return out, rows.Err()
}

func BuildConnectionStoreFromDSN(dsn string) (ConnectionStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryConnectionStore(), nil
	}
	scheme, err := dsnScheme(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryConnectionStore(), nil
	case "postgres", "postgresql":
		return NewPostgresConnectionStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported connection store scheme: %s", scheme)
	}
}
