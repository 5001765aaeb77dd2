package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"colloquy/internal/events"
	"colloquy/internal/logging"
	"colloquy/internal/tracker"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	session_key TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	event_type  TEXT NOT NULL,
	payload     BLOB NOT NULL,
	stored_at   TEXT NOT NULL,
	PRIMARY KEY (session_key, seq)
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_key);
`

// SQLTrackerStore persists event logs in SQLite. The (session_key, seq)
// primary key makes concurrent appends collide instead of interleaving, so
// the optimistic Save contract holds even across processes sharing the file.
type SQLTrackerStore struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// NewSQLTrackerStore opens (or creates) the database at the given path.
func NewSQLTrackerStore(path string) (*SQLTrackerStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewSQLTrackerStore")
	defer timer.Stop()

	logging.Store("Opening tracker store at %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logging.StoreDebug("Tracker store schema initialized")

	return &SQLTrackerStore{db: db, dbPath: path}, nil
}

// Load reads the session's full event log in sequence order.
func (s *SQLTrackerStore) Load(ctx context.Context, sessionKey string) (*tracker.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT payload FROM events WHERE session_key = ? ORDER BY seq", sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var evs []events.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e, err := events.Unmarshal(payload)
		if err != nil {
			return nil, fmt.Errorf("corrupt event for session %s: %w", sessionKey, err)
		}
		evs = append(evs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	logging.StoreDebug("Loaded session=%s with %d events", sessionKey, len(evs))
	return tracker.NewLogWithEvents(sessionKey, evs), nil
}

// Save appends the log's unpersisted tail inside one transaction. The stored
// event count must still match what the log was loaded with; otherwise
// another writer got there first and the caller must reload.
func (s *SQLTrackerStore) Save(ctx context.Context, log *tracker.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tail := log.EventsFrom(log.Persisted())
	if len(tail) == 0 {
		return nil
	}
	key := log.SessionKey()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE session_key = ?", key).Scan(&count); err != nil {
		return fmt.Errorf("failed to count events: %w", err)
	}
	if count != log.Persisted() {
		logging.Store("save conflict for session=%s: stored=%d expected=%d",
			key, count, log.Persisted())
		return tracker.ErrConcurrentModification
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, e := range tail {
		payload, err := events.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO events (session_key, seq, event_type, payload, stored_at) VALUES (?, ?, ?, ?, ?)",
			key, count+i, e.Type(), payload, now); err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	log.MarkPersisted(log.Version())
	logging.StoreDebug("Saved session=%s tail of %d events", key, len(tail))
	return nil
}

// Sessions lists all stored session keys.
func (s *SQLTrackerStore) Sessions(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT session_key FROM events ORDER BY session_key")
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan session key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close releases the database handle.
func (s *SQLTrackerStore) Close() error {
	return s.db.Close()
}
