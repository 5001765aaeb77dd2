// Package lock serializes turn processing per session. Concurrent messages
// for the same conversation queue behind a ticket lock; messages for
// different conversations proceed in parallel.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"colloquy/internal/logging"
)

// ErrLockTimeout is returned when a lock could not be acquired within the
// store's wait budget.
var ErrLockTimeout = errors.New("timed out waiting for session lock")

// DefaultWaitTimeout bounds how long a turn waits behind earlier turns for
// the same session before giving up.
const DefaultWaitTimeout = 10 * time.Second

// Ticket proves ownership of a session's lock. Serial numbers increase per
// session, so log lines reconstruct the processing order.
type Ticket struct {
	SessionKey string
	ID         string
	Serial     uint64
	AcquiredAt time.Time
}

// LockStore grants exclusive per-session tickets. Implementations must allow
// distinct sessions to hold tickets concurrently.
type LockStore interface {
	// Acquire blocks until the session's lock is free, the context is
	// done, or the store's wait timeout elapses.
	Acquire(ctx context.Context, sessionKey string) (*Ticket, error)
	// Release returns the lock. Releasing a ticket that is not currently
	// held is an error.
	Release(t *Ticket) error
}

type sessionLock struct {
	sem    chan struct{}
	refs   int
	serial uint64
	holder string
}

// InMemoryLockStore implements LockStore with one semaphore per active
// session. Entries are dropped once no goroutine is holding or waiting, so
// idle sessions cost nothing.
type InMemoryLockStore struct {
	mu      sync.Mutex
	locks   map[string]*sessionLock
	timeout time.Duration
}

// NewInMemoryLockStore creates a store with the given wait timeout; zero
// selects DefaultWaitTimeout.
func NewInMemoryLockStore(timeout time.Duration) *InMemoryLockStore {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	return &InMemoryLockStore{
		locks:   make(map[string]*sessionLock),
		timeout: timeout,
	}
}

// Acquire takes the session's lock, waiting behind earlier holders.
func (s *InMemoryLockStore) Acquire(ctx context.Context, sessionKey string) (*Ticket, error) {
	if sessionKey == "" {
		return nil, fmt.Errorf("empty session key")
	}

	s.mu.Lock()
	l, ok := s.locks[sessionKey]
	if !ok {
		l = &sessionLock{sem: make(chan struct{}, 1)}
		s.locks[sessionKey] = l
	}
	l.refs++
	s.mu.Unlock()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	start := time.Now()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		s.drop(sessionKey, l)
		return nil, ctx.Err()
	case <-timer.C:
		s.drop(sessionKey, l)
		logging.Get(logging.CategoryLock).Warn(
			"acquire timed out for session=%s after %s", sessionKey, s.timeout)
		return nil, fmt.Errorf("session %s: %w", sessionKey, ErrLockTimeout)
	}

	t := &Ticket{
		SessionKey: sessionKey,
		ID:         uuid.NewString(),
		AcquiredAt: time.Now().UTC(),
	}
	s.mu.Lock()
	l.serial++
	t.Serial = l.serial
	l.holder = t.ID
	s.mu.Unlock()

	logging.LockDebug("acquired session=%s serial=%d wait=%s",
		sessionKey, t.Serial, time.Since(start))
	return t, nil
}

// Release returns the ticket's lock and drops the session entry once idle.
func (s *InMemoryLockStore) Release(t *Ticket) error {
	if t == nil {
		return fmt.Errorf("nil ticket")
	}

	s.mu.Lock()
	l, ok := s.locks[t.SessionKey]
	if !ok || l.holder != t.ID {
		s.mu.Unlock()
		return fmt.Errorf("ticket %s does not hold the lock for session %s", t.ID, t.SessionKey)
	}
	l.holder = ""
	s.mu.Unlock()

	<-l.sem
	s.drop(t.SessionKey, l)
	logging.LockDebug("released session=%s serial=%d", t.SessionKey, t.Serial)
	return nil
}

// ActiveSessions reports how many sessions currently have a lock entry.
func (s *InMemoryLockStore) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

func (s *InMemoryLockStore) drop(sessionKey string, l *sessionLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, sessionKey)
	}
}
