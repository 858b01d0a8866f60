package slotsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// CursorStore persists the position of a resumable job. Lock makes sure a
// job name has at most one runner; it fails with ErrJobRunning otherwise.
type CursorStore interface {
	Load(ctx context.Context, job string) (string, error)
	Save(ctx context.Context, job, cursor string) error
	Reset(ctx context.Context, job string) error
	Lock(ctx context.Context, job string) (func(), error)
	Close() error
}

type MemoryCursorStore struct {
	mu      sync.Mutex
	cursors map[string]string
	held    map[string]struct{}
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: map[string]string{}, held: map[string]struct{}{}}
}

func (s *MemoryCursorStore) Load(_ context.Context, job string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[job], nil
}

func (s *MemoryCursorStore) Save(_ context.Context, job, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[job] = cursor
	return nil
}

func (s *MemoryCursorStore) Reset(_ context.Context, job string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, job)
	return nil
}

func (s *MemoryCursorStore) Lock(_ context.Context, job string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.held[job]; ok {
		return nil, ErrJobRunning
	}
	s.held[job] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.held, job)
			s.mu.Unlock()
		})
	}, nil
}

func (s *MemoryCursorStore) Close() error {
	return nil
}

// FileCursorStore keeps one JSON file per job under dir. The lock is an
// advisory flock, so it also excludes runners in other processes.
type FileCursorStore struct {
	dir string
	mu  sync.Mutex
}

type fileCursorState struct {
	Cursor    string    `json:"cursor"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func NewFileCursorStore(dir string) (*FileCursorStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileCursorStore{dir: dir}, nil
}

func (s *FileCursorStore) path(job, ext string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, job)
	return filepath.Join(s.dir, safe+ext)
}

func (s *FileCursorStore) Load(_ context.Context, job string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path(job, ".cursor"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	var state fileCursorState
	if err := json.Unmarshal(data, &state); err != nil {
		return "", err
	}
	return state.Cursor, nil
}

func (s *FileCursorStore) Save(_ context.Context, job, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(fileCursorState{Cursor: cursor, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	target := s.path(job, ".cursor")
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

func (s *FileCursorStore) Reset(_ context.Context, job string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(job, ".cursor"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *FileCursorStore) Lock(_ context.Context, job string) (func(), error) {
	f, err := os.OpenFile(s.path(job, ".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrJobRunning
		}
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
			_ = f.Close()
		})
	}, nil
}

func (s *FileCursorStore) Close() error {
	return nil
}

// PostgresCursorStore stores cursors in a table and locks with a session
// advisory lock held on a dedicated connection for the job's lifetime.
type PostgresCursorStore struct {
	conn      *postgresConn
	tableName string
}

func NewPostgresCursorStore(dsn string) (*PostgresCursorStore, error) {
	s := &PostgresCursorStore{tableName: postgresCursorTableName}
	conn, err := newPostgresConn(dsn, s.schema)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return s, nil
}

func (s *PostgresCursorStore) schema() []string {
	return []string{fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			job TEXT PRIMARY KEY,
			cursor TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, postgresQuoteIdentifier(s.tableName))}
}

func (s *PostgresCursorStore) Load(ctx context.Context, job string) (string, error) {
	if err := s.conn.ensureReady(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var cursor string
	err := s.conn.db.QueryRowContext(ctx, fmt.Sprintf("SELECT cursor FROM %s WHERE job = $1", postgresQuoteIdentifier(s.tableName)), job).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return cursor, err
}

func (s *PostgresCursorStore) Save(ctx context.Context, job, cursor string) error {
	if err := s.conn.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (job, cursor, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (job) DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = NOW()`, postgresQuoteIdentifier(s.tableName))
	_, err := s.conn.db.ExecContext(ctx, query, job, cursor)
	return err
}

func (s *PostgresCursorStore) Reset(ctx context.Context, job string) error {
	if err := s.conn.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	_, err := s.conn.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE job = $1", postgresQuoteIdentifier(s.tableName)), job)
	return err
}

func (s *PostgresCursorStore) Lock(ctx context.Context, job string) (func(), error) {
	if err := s.conn.ensureReady(); err != nil {
		return nil, err
	}
	conn, err := s.conn.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	key := postgresLockKey(s.tableName, job)
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !acquired {
		_ = conn.Close()
		return nil, ErrJobRunning
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			unlockCtx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
			defer cancel()
			_, _ = conn.ExecContext(unlockCtx, "SELECT pg_advisory_unlock($1)", key)
			_ = conn.Close()
		})
	}, nil
}

func (s *PostgresCursorStore) Close() error {
	return s.conn.close()
}

func BuildCursorStoreFromDSN(dsn string) (CursorStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryCursorStore(), nil
	}
	scheme, err := dsnScheme(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryCursorStore(), nil
	case "file":
		dir, err := dsnPath(dsn)
		if err != nil {
			return nil, err
		}
		return NewFileCursorStore(dir)
	case "postgres", "postgresql":
		return NewPostgresCursorStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported cursor store scheme: %s", scheme)
	}
}
