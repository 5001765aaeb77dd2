package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"colloquy/internal/events"
	"colloquy/internal/tracker"
)

// each test runs against both implementations so the optimistic contract
// stays identical between them.
func stores(t *testing.T) map[string]TrackerStore {
	t.Helper()
	sqlStore, err := NewSQLTrackerStore(filepath.Join(t.TempDir(), "trackers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })
	return map[string]TrackerStore{
		"memory": NewInMemoryTrackerStore(),
		"sqlite": sqlStore,
	}
}

func TestLoadUnknownSessionReturnsEmptyLog(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			log, err := s.Load(context.Background(), "nobody")
			require.NoError(t, err)
			assert.Equal(t, 0, log.Version())
			assert.Equal(t, "nobody", log.SessionKey())
		})
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			log, err := s.Load(ctx, "s1")
			require.NoError(t, err)
			require.NoError(t, log.Append(0,
				events.NewSessionStarted(),
				events.NewUserUttered("hello", "greet", 0.97),
				events.NewSlotSet("cuisine", "italian"),
				events.NewActionExecuted("action_greet", "rules", 1.0),
			))
			require.NoError(t, s.Save(ctx, log))
			assert.Equal(t, 4, log.Persisted())

			reloaded, err := s.Load(ctx, "s1")
			require.NoError(t, err)
			require.Equal(t, 4, reloaded.Version())

			snap, err := tracker.Replay(reloaded, reloaded.Version())
			require.NoError(t, err)
			assert.Equal(t, "greet", snap.LatestIntent)
			assert.Equal(t, "action_greet", snap.LatestAction)
			assert.Equal(t, "italian", snap.SlotValue("cuisine"))
		})
	}
}

func TestSaveOnlyAppendsUnpersistedTail(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			log, err := s.Load(ctx, "s1")
			require.NoError(t, err)
			require.NoError(t, log.Append(0, events.NewSessionStarted()))
			require.NoError(t, s.Save(ctx, log))

			// Saving again with no new events must not duplicate.
			require.NoError(t, s.Save(ctx, log))

			require.NoError(t, log.Append(1, events.NewUserUttered("hi", "greet", 1.0)))
			require.NoError(t, s.Save(ctx, log))

			reloaded, err := s.Load(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, 2, reloaded.Version())
		})
	}
}

func TestConcurrentSaveConflictAndRetry(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			a, err := s.Load(ctx, "s1")
			require.NoError(t, err)
			b, err := s.Load(ctx, "s1")
			require.NoError(t, err)

			require.NoError(t, a.Append(0, events.NewUserUttered("first", "greet", 1.0)))
			require.NoError(t, s.Save(ctx, a))

			// b was loaded before a's save; its save must be rejected.
			require.NoError(t, b.Append(0, events.NewUserUttered("second", "greet", 1.0)))
			assert.ErrorIs(t, s.Save(ctx, b), tracker.ErrConcurrentModification)

			// Reload and retry, the way the processor does.
			fresh, err := s.Load(ctx, "s1")
			require.NoError(t, err)
			require.NoError(t, fresh.Append(fresh.Version(), events.NewUserUttered("second", "greet", 1.0)))
			require.NoError(t, s.Save(ctx, fresh))

			final, err := s.Load(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, 2, final.Version())
		})
	}
}

func TestSessionsListsStoredKeys(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, key := range []string{"beta", "alpha"} {
				log, err := s.Load(ctx, key)
				require.NoError(t, err)
				require.NoError(t, log.Append(0, events.NewSessionStarted()))
				require.NoError(t, s.Save(ctx, log))
			}

			keys, err := s.Sessions(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"alpha", "beta"}, keys)
		})
	}
}

func TestSQLStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trackers.db")
	ctx := context.Background()

	s, err := NewSQLTrackerStore(path)
	require.NoError(t, err)
	log, err := s.Load(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, log.Append(0,
		events.NewSessionStarted(),
		events.NewUserUttered("hello", "greet", 1.0),
	))
	require.NoError(t, s.Save(ctx, log))
	require.NoError(t, s.Close())

	s, err = NewSQLTrackerStore(path)
	require.NoError(t, err)
	defer s.Close()

	reloaded, err := s.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.Version())
	assert.Equal(t, 2, reloaded.Persisted())
}
