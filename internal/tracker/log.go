// Package tracker owns a session's append-only event log and the state
// projection derived from it. The log is the sole source of truth; snapshots
// are ephemeral views recomputed by folding the log.
package tracker

import (
	"errors"
	"fmt"
	"sync"

	"colloquy/internal/events"
	"colloquy/internal/logging"
)

// ErrConcurrentModification is returned when an append or save observes that
// the log's version advanced past the version the caller last read. Callers
// recover by reacquiring the session lock and retrying the full cycle.
var ErrConcurrentModification = errors.New("event log version conflict")

// Log is the append-only ordered event sequence for one session.
// Version equals the number of applied events.
type Log struct {
	mu         sync.RWMutex
	sessionKey string
	events     []events.Event
	persisted  int // prefix length already written by the tracker store
}

// NewLog creates an empty log for the given session key.
func NewLog(sessionKey string) *Log {
	return &Log{sessionKey: sessionKey}
}

// NewLogWithEvents rebuilds a log from persisted events. The whole slice is
// considered persisted.
func NewLogWithEvents(sessionKey string, evs []events.Event) *Log {
	l := &Log{sessionKey: sessionKey, persisted: len(evs)}
	l.events = append(l.events, evs...)
	return l
}

// SessionKey returns the owning session's stable key.
func (l *Log) SessionKey() string {
	return l.sessionKey
}

// Version returns the current event count.
func (l *Log) Version() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Append adds events atomically. expectedVersion must equal the version the
// caller last read; otherwise nothing is appended and
// ErrConcurrentModification is returned.
func (l *Log) Append(expectedVersion int, evs ...events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if expectedVersion != len(l.events) {
		logging.Get(logging.CategoryTracker).Warn(
			"Append rejected for session=%s: expected version %d, log at %d",
			l.sessionKey, expectedVersion, len(l.events))
		return fmt.Errorf("session %s: expected version %d, log at %d: %w",
			l.sessionKey, expectedVersion, len(l.events), ErrConcurrentModification)
	}
	for _, e := range evs {
		if e == nil {
			return fmt.Errorf("session %s: refusing to append nil event", l.sessionKey)
		}
	}

	l.events = append(l.events, evs...)
	logging.TrackerDebug("Appended %d event(s) to session=%s, version now %d",
		len(evs), l.sessionKey, len(l.events))
	return nil
}

// Events returns a copy of the full event sequence.
func (l *Log) Events() []events.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]events.Event, len(l.events))
	copy(out, l.events)
	return out
}

// EventsFrom returns a copy of the events at index from (inclusive) onward.
func (l *Log) EventsFrom(from int) []events.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from < 0 {
		from = 0
	}
	if from >= len(l.events) {
		return nil
	}
	out := make([]events.Event, len(l.events)-from)
	copy(out, l.events[from:])
	return out
}

// Persisted returns how many events have been written by the tracker store.
func (l *Log) Persisted() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.persisted
}

// MarkPersisted records that the first n events are durably stored.
func (l *Log) MarkPersisted(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > l.persisted {
		l.persisted = n
	}
}
