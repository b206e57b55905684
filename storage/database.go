package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the history database name inside the data directory.
	DefaultDBFileName = "history.db"
	// DefaultDeliveryRetention is how long delivery attempts are kept.
	DefaultDeliveryRetention = 90 * 24 * time.Hour
)

// schemaVersion is stored in PRAGMA user_version once schema has been applied.
const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS deliveries (
  delivery_id   TEXT PRIMARY KEY,
  peer_id       TEXT NOT NULL,
  peer_name     TEXT,
  content       TEXT NOT NULL,
  payload_bytes INTEGER NOT NULL DEFAULT 0,
  status        TEXT NOT NULL CHECK(status IN ('sent','timed_out','failed','rejected')),
  error         TEXT,
  attempted_at  INTEGER NOT NULL,
  duration_ms   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_deliveries_time ON deliveries (attempted_at DESC, delivery_id);
CREATE INDEX IF NOT EXISTS idx_deliveries_peer_time ON deliveries (peer_id, attempted_at DESC, delivery_id);
`

// Store records message delivery attempts in SQLite.
type Store struct {
	mu        sync.Mutex
	db        *sql.DB
	retention time.Duration
}

// Open opens history.db under dataDir, creating the file and schema when missing.
// The returned path is the database file.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DefaultDBFileName)

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("ping sqlite database: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, "", err
	}
	return &Store{db: db, retention: DefaultDeliveryRetention}, dbPath, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", schemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return tx.Commit()
}

// Close folds the WAL back into the database file and closes it. Calling Close
// more than once is safe.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
	err := s.db.Close()
	s.db = nil
	return err
}
