// Package sqlite provides a SQLite-backed batch record store. Records live in
// memory and every committed mutation is written through to a single table
// keyed by batch identifier.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"herbtrace/internal/infra/persistence/memory"
	"herbtrace/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const defaultPath = "herbtrace.db"

// Store persists batch records to SQLite while reusing the in-memory store for reads.
type Store struct {
	*memory.Store
	db   *sql.DB
	path string
}

// NewStore opens (or creates) the database at path and hydrates the in-memory
// state from it.
func NewStore(path string, engine *domain.RulesEngine) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create batches table: %w", err)
	}
	s := &Store{Store: memory.NewStore(engine), db: db, path: path}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.OnCommit(s.persist)
	return s, nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT id, payload FROM batches`)
	if err != nil {
		return fmt.Errorf("select batches: %w", err)
	}
	defer func() { _ = rows.Close() }()
	snapshot := memory.Snapshot{Batches: map[domain.BatchID]domain.BatchRecord{}}
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		var rec domain.BatchRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("decode batch %s: %w", id, err)
		}
		snapshot.Batches[domain.BatchID(id)] = rec
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate batches: %w", err)
	}
	s.ImportState(snapshot)
	return nil
}

func (s *Store) persist(ctx context.Context, rec domain.BatchRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode batch %s: %w", rec.ID, err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO batches(id,payload) VALUES(?,?) ON CONFLICT(id) DO UPDATE SET payload=excluded.payload`, string(rec.ID), data); err != nil {
		return fmt.Errorf("upsert batch %s: %w", rec.ID, err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
