package tracker

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"colloquy/internal/events"
)

func TestProjectFoldsBasicConversation(t *testing.T) {
	log := NewLog("abc")
	require.NoError(t, log.Append(0,
		events.NewSessionStarted(),
		events.NewUserUttered("hi", "greet", 0.9),
		events.NewActionExecuted("action_greet", "rules", 1.0),
		events.NewSlotSet("name", "sam"),
	))

	snap, err := NewProjector().Project(log)
	require.NoError(t, err)

	assert.Equal(t, 4, snap.Version)
	assert.Equal(t, "greet", snap.LatestIntent)
	assert.Equal(t, "action_greet", snap.LatestAction)
	assert.Equal(t, "sam", snap.SlotValue("name"))
	assert.Equal(t, 1, snap.TurnsSinceUser)
	assert.False(t, snap.HasActiveLoop())
}

func TestRestartClearsStateButKeepsLog(t *testing.T) {
	log := NewLog("abc")
	require.NoError(t, log.Append(0,
		events.NewUserUttered("book a table", "request_restaurant", 0.8),
		events.NewSlotSet("cuisine", "thai"),
		events.NewActiveLoopChanged("restaurant_form"),
		events.NewRestarted(),
	))

	snap, err := NewProjector().Project(log)
	require.NoError(t, err)

	assert.Equal(t, 4, snap.Version, "restart must not truncate the log")
	assert.Empty(t, snap.Slots)
	assert.Empty(t, snap.ActiveLoop)
	assert.Empty(t, snap.LatestIntent)
	assert.Zero(t, snap.TurnsSinceUser)
}

func TestSessionStartedResetsTurnCounter(t *testing.T) {
	log := NewLog("abc")
	require.NoError(t, log.Append(0,
		events.NewUserUttered("hi", "greet", 0.9),
		events.NewActionExecuted("action_greet", "rules", 1.0),
		events.NewActionExecuted("action_listen", "rules", 1.0),
	))
	snap, err := NewProjector().Project(log)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.TurnsSinceUser)

	require.NoError(t, log.Append(3, events.NewSessionStarted()))
	snap, err = NewProjector().Project(log)
	require.NoError(t, err)
	assert.Zero(t, snap.TurnsSinceUser)
}

func TestSlotSetNilClearsSlot(t *testing.T) {
	log := NewLog("abc")
	require.NoError(t, log.Append(0,
		events.NewSlotSet("cuisine", "thai"),
		events.NewSlotSet("cuisine", nil),
	))
	snap, err := NewProjector().Project(log)
	require.NoError(t, err)
	assert.Nil(t, snap.SlotValue("cuisine"))
	assert.Empty(t, snap.Slots)
}

func TestPauseAndFollowupSemantics(t *testing.T) {
	log := NewLog("abc")
	require.NoError(t, log.Append(0,
		events.NewConversationPaused(),
		events.NewFollowupAction("action_deactivate_loop"),
	))
	snap, err := NewProjector().Project(log)
	require.NoError(t, err)
	assert.True(t, snap.Paused)
	assert.Equal(t, "action_deactivate_loop", snap.Followup)

	// Executing the followup action consumes it; resuming unpauses.
	require.NoError(t, log.Append(2,
		events.NewConversationResumed(),
		events.NewActionExecuted("action_deactivate_loop", "followup", 1.0),
	))
	snap, err = NewProjector().Project(log)
	require.NoError(t, err)
	assert.False(t, snap.Paused)
	assert.Empty(t, snap.Followup)
}

func TestAppendVersionConflict(t *testing.T) {
	log := NewLog("abc")
	require.NoError(t, log.Append(0, events.NewSessionStarted()))

	err := log.Append(0, events.NewUserUttered("hi", "greet", 0.9))
	assert.ErrorIs(t, err, ErrConcurrentModification)
	assert.Equal(t, 1, log.Version(), "failed append must not mutate the log")
}

func TestProjectionIsDeterministic(t *testing.T) {
	log := NewLog("abc")
	require.NoError(t, log.Append(0,
		events.NewSessionStarted(),
		events.NewUserUttered("book thai food", "request_restaurant", 0.7),
		events.NewActiveLoopChanged("restaurant_form"),
		events.NewSlotSet("cuisine", "thai"),
		events.NewActionExecuted("restaurant_form", "form", 1.0),
	))

	first, err := Replay(log, -1)
	require.NoError(t, err)
	second, err := Replay(log, -1)
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("re-folding the same log diverged (-first +second):\n%s", diff)
	}

	// The incremental path must agree with the full refold.
	cached, err := NewProjector().Project(log)
	require.NoError(t, err)
	if diff := cmp.Diff(first, cached); diff != "" {
		t.Errorf("incremental fold diverged from full refold:\n%s", diff)
	}
}

func TestIncrementalFoldMatchesRefold(t *testing.T) {
	log := NewLog("abc")
	p := NewProjector()

	require.NoError(t, log.Append(0,
		events.NewSessionStarted(),
		events.NewUserUttered("hi", "greet", 0.9),
	))
	_, err := p.Project(log)
	require.NoError(t, err)

	require.NoError(t, log.Append(2,
		events.NewActionExecuted("action_greet", "rules", 1.0),
		events.NewSlotSet("mood", "cheerful"),
	))
	incremental, err := p.Project(log)
	require.NoError(t, err)

	full, err := Replay(log, -1)
	require.NoError(t, err)
	if diff := cmp.Diff(full, incremental); diff != "" {
		t.Errorf("incremental fold diverged after append:\n%s", diff)
	}
}

func TestProjectorRefoldsWhenLogReplaced(t *testing.T) {
	p := NewProjector()

	long := NewLog("abc")
	require.NoError(t, long.Append(0,
		events.NewSessionStarted(),
		events.NewUserUttered("hi", "greet", 0.9),
		events.NewActionExecuted("action_greet", "rules", 1.0),
	))
	_, err := p.Project(long)
	require.NoError(t, err)

	// A shorter log under the same key (e.g. reloaded from a different store)
	// must trigger a clean refold, not a stale incremental apply.
	short := NewLog("abc")
	require.NoError(t, short.Append(0, events.NewSessionStarted()))
	snap, err := p.Project(short)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Version)
	assert.Empty(t, snap.LatestAction)
}

func TestSnapshotCloneIsIndependent(t *testing.T) {
	log := NewLog("abc")
	require.NoError(t, log.Append(0, events.NewSlotSet("a", "1")))
	snap, err := NewProjector().Project(log)
	require.NoError(t, err)

	clone := snap.Clone()
	clone.Slots["a"] = "mutated"
	assert.Equal(t, "1", snap.SlotValue("a"))
}
