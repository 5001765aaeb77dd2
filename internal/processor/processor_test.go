package processor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"colloquy/internal/ensemble"
	"colloquy/internal/events"
	"colloquy/internal/featurize"
	"colloquy/internal/lock"
	"colloquy/internal/policy"
	"colloquy/internal/store"
	"colloquy/internal/tracker"
)

func TestMain(m *testing.M) {
	// The genai dependency pulls in opencensus, whose init starts a
	// permanent stats worker.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// intentEcho proposes action_<intent> for every user message.
type intentEcho struct{}

func (intentEcho) Name() string { return "echo" }

func (intentEcho) Predict(ctx context.Context, features *featurize.Features, snap *tracker.Snapshot) (policy.Prediction, error) {
	if snap.LatestIntent == "" {
		return policy.Abstain("echo"), nil
	}
	return policy.Prediction{
		Policy:     "echo",
		Action:     "action_" + snap.LatestIntent,
		Confidence: 1.0,
		Tier:       policy.TierRule,
	}, nil
}

// silent always abstains.
type silent struct{}

func (silent) Name() string { return "silent" }

func (silent) Predict(ctx context.Context, features *featurize.Features, snap *tracker.Snapshot) (policy.Prediction, error) {
	return policy.Abstain("silent"), nil
}

func newProcessor(t *testing.T, policies ...policy.Policy) (*Processor, store.TrackerStore) {
	t.Helper()
	if len(policies) == 0 {
		policies = []policy.Policy{intentEcho{}}
	}
	e, err := ensemble.New(policies...)
	require.NoError(t, err)

	s := store.NewInMemoryTrackerStore()
	p, err := New(Config{
		Store:      s,
		Locks:      lock.NewInMemoryLockStore(5 * time.Second),
		Ensemble:   e,
		Featurizer: featurize.NewMaxHistoryFeaturizer(featurize.DefaultMaxHistory),
		Executor: ExecutorFunc(func(ctx context.Context, action string, snap *tracker.Snapshot) ([]events.Event, error) {
			return []events.Event{events.NewBotUttered("ran " + action)}, nil
		}),
	})
	require.NoError(t, err)
	return p, s
}

func TestHandleFullTurn(t *testing.T) {
	p, s := newProcessor(t)
	ctx := context.Background()

	res, err := p.Handle(ctx, "s1", events.NewUserUttered("hello", "greet", 0.95))
	require.NoError(t, err)
	require.NotNil(t, res.Decision)
	assert.Equal(t, "action_greet", res.Decision.Action)
	assert.Equal(t, "echo", res.Decision.Policy)

	// Incoming user event, the executed action, and the bot reply.
	require.Len(t, res.Events, 3)
	assert.Equal(t, "action_greet", res.Snapshot.LatestAction)

	// Everything persisted.
	log, err := s.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, log.Version())
}

func TestNonUserEventRecordedWithoutPrediction(t *testing.T) {
	p, s := newProcessor(t)
	ctx := context.Background()

	res, err := p.Handle(ctx, "s1", events.NewSlotSet("cuisine", "thai"))
	require.NoError(t, err)
	assert.Nil(t, res.Decision)
	assert.Equal(t, "thai", res.Snapshot.SlotValue("cuisine"))

	log, err := s.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, log.Version())
}

func TestPausedSessionRecordsButStaysSilent(t *testing.T) {
	p, _ := newProcessor(t)
	ctx := context.Background()

	_, err := p.Handle(ctx, "s1", events.NewConversationPaused())
	require.NoError(t, err)

	res, err := p.Handle(ctx, "s1", events.NewUserUttered("anyone there?", "greet", 1.0))
	require.NoError(t, err)
	assert.Nil(t, res.Decision)
	assert.True(t, res.Snapshot.Paused)

	// Resuming restores normal processing.
	_, err = p.Handle(ctx, "s1", events.NewConversationResumed())
	require.NoError(t, err)

	res, err = p.Handle(ctx, "s1", events.NewUserUttered("hello", "greet", 1.0))
	require.NoError(t, err)
	require.NotNil(t, res.Decision)
	assert.Equal(t, "action_greet", res.Decision.Action)
}

func TestFollowupForcesDecision(t *testing.T) {
	p, _ := newProcessor(t, silent{})
	ctx := context.Background()

	res, err := p.Handle(ctx, "s1", events.NewFollowupAction("action_cleanup"))
	require.NoError(t, err)
	require.NotNil(t, res.Decision)
	assert.Equal(t, "action_cleanup", res.Decision.Action)
	assert.Equal(t, "followup", res.Decision.Policy)

	// The followup was consumed by its execution.
	assert.Empty(t, res.Snapshot.Followup)
}

func TestNoApplicablePolicyStillPersistsEvent(t *testing.T) {
	p, s := newProcessor(t, silent{})
	ctx := context.Background()

	_, err := p.Handle(ctx, "s1", events.NewUserUttered("hm", "greet", 1.0))
	assert.ErrorIs(t, err, ensemble.ErrNoApplicablePolicy)

	log, err := s.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, log.Version())
}

func TestConcurrentHandlesSerializePerSession(t *testing.T) {
	p, s := newProcessor(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Handle(ctx, "shared", events.NewUserUttered("hi", "greet", 1.0))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Four full turns of three events each, never interleaved.
	log, err := s.Load(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, 12, log.Version())

	snap, err := tracker.Replay(log, log.Version())
	require.NoError(t, err)
	assert.Equal(t, "action_greet", snap.LatestAction)
}

func TestFailedExecutorLeavesStoreUntouched(t *testing.T) {
	e, err := ensemble.New(intentEcho{})
	require.NoError(t, err)

	s := store.NewInMemoryTrackerStore()
	p, err := New(Config{
		Store:      s,
		Locks:      lock.NewInMemoryLockStore(5 * time.Second),
		Ensemble:   e,
		Featurizer: featurize.NewMaxHistoryFeaturizer(featurize.DefaultMaxHistory),
		Executor: ExecutorFunc(func(ctx context.Context, action string, snap *tracker.Snapshot) ([]events.Event, error) {
			return nil, fmt.Errorf("action server unreachable")
		}),
	})
	require.NoError(t, err)

	_, err = p.Handle(context.Background(), "s1", events.NewUserUttered("hello", "greet", 1.0))
	require.Error(t, err)

	// The turn failed mid-cycle: nothing may have been persisted, not even
	// the incoming event.
	log, err := s.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, log.Version())

	// The session is not poisoned; the next turn processes normally.
	p2, err := New(Config{
		Store:      s,
		Locks:      lock.NewInMemoryLockStore(5 * time.Second),
		Ensemble:   e,
		Featurizer: featurize.NewMaxHistoryFeaturizer(featurize.DefaultMaxHistory),
	})
	require.NoError(t, err)
	res, err := p2.Handle(context.Background(), "s1", events.NewUserUttered("hello", "greet", 1.0))
	require.NoError(t, err)
	assert.Equal(t, "action_greet", res.Decision.Action)
}

func TestDistinctSessionsDoNotShareState(t *testing.T) {
	p, _ := newProcessor(t)
	ctx := context.Background()

	a, err := p.Handle(ctx, "a", events.NewUserUttered("hi", "greet", 1.0))
	require.NoError(t, err)
	b, err := p.Handle(ctx, "b", events.NewUserUttered("bye", "goodbye", 1.0))
	require.NoError(t, err)

	assert.Equal(t, "action_greet", a.Decision.Action)
	assert.Equal(t, "action_goodbye", b.Decision.Action)
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
