// Package store persists event logs between turns. Stores only ever append;
// deleting or rewriting history is not part of the contract.
package store

import (
	"context"
	"sort"
	"sync"

	"colloquy/internal/events"
	"colloquy/internal/logging"
	"colloquy/internal/tracker"
)

// TrackerStore loads and saves per-session event logs. Save is optimistic:
// it fails with tracker.ErrConcurrentModification when the persisted log has
// grown since the given log was loaded, and the caller reloads and retries.
type TrackerStore interface {
	// Load returns the session's log, or a fresh empty log for an unknown
	// session.
	Load(ctx context.Context, sessionKey string) (*tracker.Log, error)
	// Save appends the log's unpersisted tail. On success the log is
	// marked fully persisted.
	Save(ctx context.Context, log *tracker.Log) error
	// Sessions lists every session key with at least one stored event.
	Sessions(ctx context.Context) ([]string, error)
	Close() error
}

// InMemoryTrackerStore keeps logs in process memory. Used in tests and for
// ephemeral deployments where history need not survive a restart.
type InMemoryTrackerStore struct {
	mu   sync.Mutex
	logs map[string][]events.Event
}

// NewInMemoryTrackerStore creates an empty store.
func NewInMemoryTrackerStore() *InMemoryTrackerStore {
	return &InMemoryTrackerStore{logs: make(map[string][]events.Event)}
}

func (s *InMemoryTrackerStore) Load(ctx context.Context, sessionKey string) (*tracker.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.logs[sessionKey]
	evs := make([]events.Event, len(stored))
	copy(evs, stored)
	return tracker.NewLogWithEvents(sessionKey, evs), nil
}

func (s *InMemoryTrackerStore) Save(ctx context.Context, log *tracker.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := log.SessionKey()
	stored := s.logs[key]
	if len(stored) != log.Persisted() {
		logging.Store("save conflict for session=%s: stored=%d expected=%d",
			key, len(stored), log.Persisted())
		return tracker.ErrConcurrentModification
	}

	tail := log.EventsFrom(log.Persisted())
	s.logs[key] = append(stored, tail...)
	log.MarkPersisted(log.Version())
	return nil
}

func (s *InMemoryTrackerStore) Sessions(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.logs))
	for k := range s.logs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *InMemoryTrackerStore) Close() error { return nil }
