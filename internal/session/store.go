package session

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"observatorio/internal/db"
	"observatorio/internal/migrate"
)

// Fixed storage keys.
const (
	KeyUser        = "user"
	KeyToken       = "token"
	KeyPendingUser = "pendingUser"
)

// Store is the durable key/value storage backing a session.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
}

// MemoryStore keeps values in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string]string{}}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
	}
	return nil
}

// SQLiteStore persists values in the workspace session database.
type SQLiteStore struct {
	DB  *sql.DB
	Now func() time.Time
}

// OpenStore opens and migrates the session database under workspace.
func OpenStore(workspace string) (*SQLiteStore, error) {
	conn, err := db.Open(db.Config{Workspace: workspace, Name: db.SessionDB})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn, migrate.Client); err != nil {
		conn.Close()
		return nil, err
	}
	return &SQLiteStore{DB: conn, Now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.DB.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO kv(key,value,updated_at) VALUES(?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, now().UTC().Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) Delete(ctx context.Context, keys ...string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key=?`, k); err != nil {
			return err
		}
	}
	return tx.Commit()
}
