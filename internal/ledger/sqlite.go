package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps ledger flags in a single SQLite table.
// Writes are serialized; every Set commits before returning.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // serializes writes
}

// OpenSQLite opens or creates the ledger database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("ledger path required for sqlite backend")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: physical writes are serialized and readers see them immediately.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS ledger (
		key TEXT PRIMARY KEY,
		done INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);
	`)
	return err
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, key string) (bool, error) {
	var done int
	err := s.db.QueryRowContext(ctx, `SELECT done FROM ledger WHERE key = ?`, key).Scan(&done)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return done != 0, nil
}

// Set implements Store. A batch is applied in one transaction.
func (s *SQLiteStore) Set(ctx context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ledger (key, done, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			done = excluded.done,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, e := range entries {
		done := 0
		if e.Done {
			done = 1
		}
		if _, err := stmt.ExecContext(ctx, e.Key, done, now); err != nil {
			return fmt.Errorf("upsert %s: %w", e.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
