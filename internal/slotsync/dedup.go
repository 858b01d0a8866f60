package slotsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const DefaultDedupTTL = 7 * 24 * time.Hour

// DedupStore remembers which (resource, change token) pairs were accepted.
// Claim reports true only for the first caller of a key within the TTL.
type DedupStore interface {
	Claim(ctx context.Context, key string, now time.Time) (bool, error)
	Forget(ctx context.Context, key string) error
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}

type MemoryDedupStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
}

func NewMemoryDedupStore(ttl time.Duration) *MemoryDedupStore {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &MemoryDedupStore{seen: map[string]time.Time{}, ttl: ttl}
}

func (s *MemoryDedupStore) Claim(_ context.Context, key string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at, ok := s.seen[key]; ok && now.Sub(at) < s.ttl {
		return false, nil
	}
	s.seen[key] = now
	return true, nil
}

func (s *MemoryDedupStore) Forget(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, key)
	return nil
}

func (s *MemoryDedupStore) Prune(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, at := range s.seen {
		if at.Before(before) {
			delete(s.seen, key)
			n++
		}
	}
	return n, nil
}

func (s *MemoryDedupStore) Close() error {
	return nil
}

type PostgresDedupStore struct {
	conn      *postgresConn
	tableName string
	ttl       time.Duration
}

func NewPostgresDedupStore(dsn string, ttl time.Duration) (*PostgresDedupStore, error) {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	s := &PostgresDedupStore{tableName: postgresDedupTableName, ttl: ttl}
	conn, err := newPostgresConn(dsn, s.schema)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return s, nil
}

func (s *PostgresDedupStore) schema() []string {
	return []string{fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			dedup_key TEXT PRIMARY KEY,
			seen_at TIMESTAMPTZ NOT NULL
		)`, postgresQuoteIdentifier(s.tableName))}
}

// Claim inserts the key, or takes over a row older than the TTL.
func (s *PostgresDedupStore) Claim(ctx context.Context, key string, now time.Time) (bool, error) {
	if err := s.conn.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (dedup_key, seen_at) VALUES ($1, $2)
		ON CONFLICT (dedup_key) DO UPDATE SET seen_at = EXCLUDED.seen_at
		WHERE %s.seen_at < $3`, postgresQuoteIdentifier(s.tableName), postgresQuoteIdentifier(s.tableName))
	res, err := s.conn.db.ExecContext(ctx, query, key, now.UTC(), now.Add(-s.ttl).UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresDedupStore) Forget(ctx context.Context, key string) error {
	if err := s.conn.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	_, err := s.conn.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE dedup_key = $1", postgresQuoteIdentifier(s.tableName)), key)
	return err
}

func (s *PostgresDedupStore) Prune(ctx context.Context, before time.Time) (int, error) {
	if err := s.conn.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	res, err := s.conn.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE seen_at < $1", postgresQuoteIdentifier(s.tableName)), before.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresDedupStore) Close() error {
	return s.conn.close()
}

func BuildDedupStoreFromDSN(dsn string, ttl time.Duration) (DedupStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryDedupStore(ttl), nil
	}
	scheme, err := dsnScheme(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryDedupStore(ttl), nil
	case "postgres", "postgresql":
		return NewPostgresDedupStore(dsn, ttl)
	default:
		return nil, fmt.Errorf("unsupported dedup store scheme: %s", scheme)
	}
}
