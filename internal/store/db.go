// Package store persists jobs, tasks, artifacts, and the approval truth
// snapshot in SQLite, and provides the atomic claim that coordinates
// concurrent orchestrator instances.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const defaultDBName = "forged.db"

// Timestamps are stored as fixed-width UTC text so that string ordering
// matches time ordering; claim FIFO depends on it.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Config holds store settings.
type Config struct {
	// DataDir is where the database lives. Defaults to the working
	// directory.
	DataDir string
}

func dbPath(dataDir string) string {
	if dataDir == "" {
		dataDir = "."
	}
	return filepath.Join(dataDir, defaultDBName)
}

// Store wraps the database handle. Now is injectable for tests.
type Store struct {
	db  *sql.DB
	Now func() time.Time
}

// Open opens (creating if needed) the SQLite database, applies pending
// migrations, and returns a ready store. Foreign keys are on, writes go
// through WAL, and busy_timeout covers claim contention between
// processes sharing the file.
func Open(cfg Config) (*Store, error) {
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath(cfg.DataDir))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, Now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database path for a data directory.
func Path(dataDir string) string {
	return dbPath(dataDir)
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
