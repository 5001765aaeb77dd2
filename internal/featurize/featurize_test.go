package featurize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"colloquy/internal/events"
	"colloquy/internal/tracker"
)

func projected(t *testing.T, evs ...events.Event) (*tracker.Snapshot, []events.Event) {
	t.Helper()
	log := tracker.NewLog("abc")
	require.NoError(t, log.Append(0, evs...))
	snap, err := tracker.NewProjector().Project(log)
	require.NoError(t, err)
	return snap, log.Events()
}

func TestFeaturizeFixedShape(t *testing.T) {
	snap, history := projected(t,
		events.NewSessionStarted(),
		events.NewUserUttered("hi", "greet", 0.9),
	)

	f := NewMaxHistoryFeaturizer(5)
	feats, err := f.Featurize(snap, history)
	require.NoError(t, err)

	assert.Len(t, feats.Keys, 5)
	assert.Len(t, feats.Vector, 5)
	assert.Contains(t, feats.Keys[4], "intent=greet")
	assert.Empty(t, feats.Keys[0], "short histories are left-padded")
}

func TestFeaturizeDeterministic(t *testing.T) {
	snap, history := projected(t,
		events.NewUserUttered("book thai", "request_restaurant", 0.8),
		events.NewActiveLoopChanged("restaurant_form"),
		events.NewSlotSet("cuisine", "thai"),
		events.NewActionExecuted("restaurant_form", "form", 1.0),
	)

	f := NewMaxHistoryFeaturizer(5)
	a, err := f.Featurize(snap, history)
	require.NoError(t, err)
	b, err := f.Featurize(snap, history)
	require.NoError(t, err)

	assert.Equal(t, a.Keys, b.Keys)
	assert.Equal(t, a.Vector, b.Vector)
	assert.Equal(t, a.TrajectoryKey(), b.TrajectoryKey())
}

func TestFeaturizeWindowBounds(t *testing.T) {
	evs := []events.Event{events.NewSessionStarted()}
	for i := 0; i < 20; i++ {
		evs = append(evs,
			events.NewUserUttered("hi", "greet", 0.9),
			events.NewActionExecuted("action_greet", "rules", 1.0),
		)
	}
	snap, history := projected(t, evs...)

	f := NewMaxHistoryFeaturizer(3)
	feats, err := f.Featurize(snap, history)
	require.NoError(t, err)
	assert.Len(t, feats.Keys, 3, "window must stay bounded regardless of log length")
}

func TestFeaturizeRestartTruncatesHistory(t *testing.T) {
	snap, history := projected(t,
		events.NewUserUttered("hi", "greet", 0.9),
		events.NewActionExecuted("action_greet", "rules", 1.0),
		events.NewRestarted(),
		events.NewUserUttered("bye", "goodbye", 0.9),
	)

	f := NewMaxHistoryFeaturizer(5)
	feats, err := f.Featurize(snap, history)
	require.NoError(t, err)

	for _, k := range feats.Keys[:4] {
		assert.Empty(t, k, "pre-restart turns must not leak into the window")
	}
	assert.Contains(t, feats.Keys[4], "intent=goodbye")
}

func TestFeaturizeNilSnapshotFails(t *testing.T) {
	f := NewMaxHistoryFeaturizer(5)
	_, err := f.Featurize(nil, nil)
	assert.ErrorIs(t, err, ErrFeaturization)
}
