// Package featurize maps tracker snapshots plus a bounded window of history
// into a fixed-shape, policy-agnostic representation. Featurized histories are
// transient: recomputed per prediction call and never persisted.
package featurize

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"colloquy/internal/events"
	"colloquy/internal/tracker"
)

// ErrFeaturization marks a fatal turn-level failure: no partial decision may
// be made on malformed features.
var ErrFeaturization = errors.New("featurization failed")

// TurnState is the discrete state of the conversation at one turn boundary.
type TurnState struct {
	Intent     string
	Action     string
	ActiveLoop string
	SlotKeys   []string // sorted names of currently filled slots
}

// Key returns the canonical string form used for hashing and memoization.
func (t TurnState) Key() string {
	return fmt.Sprintf("intent=%s|action=%s|loop=%s|slots=%s",
		t.Intent, t.Action, t.ActiveLoop, strings.Join(t.SlotKeys, ","))
}

// Features is the fixed-shape output of featurization: one state key per turn
// in the bounded window (oldest first) and a numeric vector of the same shape.
type Features struct {
	Keys   []string
	Vector []float64
}

// TrajectoryKey hashes the whole window into one stable key. Hashing only the
// bounded window, never the full log, keeps memoization lookups O(1).
func (f *Features) TrajectoryKey() string {
	h := fnv.New64a()
	for _, k := range f.Keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Featurizer is the boundary the policy ensemble consumes. Implementations
// must be pure and deterministic for identical inputs.
type Featurizer interface {
	Featurize(snap *tracker.Snapshot, history []events.Event) (*Features, error)
}

// MaxHistoryFeaturizer derives one TurnState per executed action plus the
// pending current state, truncated to the most recent maxHistory turns.
type MaxHistoryFeaturizer struct {
	maxHistory int
}

// DefaultMaxHistory bounds the window when none is configured.
const DefaultMaxHistory = 5

// NewMaxHistoryFeaturizer creates a featurizer with the given window size.
func NewMaxHistoryFeaturizer(maxHistory int) *MaxHistoryFeaturizer {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &MaxHistoryFeaturizer{maxHistory: maxHistory}
}

// MaxHistory returns the configured window size.
func (f *MaxHistoryFeaturizer) MaxHistory() int { return f.maxHistory }

// Featurize folds the history window into turn states and a numeric vector.
func (f *MaxHistoryFeaturizer) Featurize(snap *tracker.Snapshot, history []events.Event) (*Features, error) {
	if snap == nil {
		return nil, fmt.Errorf("%w: nil snapshot", ErrFeaturization)
	}

	states := turnStates(history)

	// The prediction-time state: the latest user message has not been acted
	// on yet, so its turn carries an empty action.
	current := TurnState{
		Intent:     snap.LatestIntent,
		ActiveLoop: snap.ActiveLoop,
		SlotKeys:   sortedSlotKeys(snap.Slots),
	}
	states = append(states, current)

	if len(states) > f.maxHistory {
		states = states[len(states)-f.maxHistory:]
	}

	keys := make([]string, 0, f.maxHistory)
	vector := make([]float64, 0, f.maxHistory)
	// Left-pad to the fixed shape so every window has identical dimensions.
	for i := len(states); i < f.maxHistory; i++ {
		keys = append(keys, "")
		vector = append(vector, 0)
	}
	for _, st := range states {
		key := st.Key()
		keys = append(keys, key)
		vector = append(vector, hashToUnit(key))
	}

	return &Features{Keys: keys, Vector: vector}, nil
}

// turnStates walks the event window and emits one state per executed action.
// A restart truncates the emitted history, mirroring the projector's reset.
func turnStates(history []events.Event) []TurnState {
	var states []TurnState
	var intent, loop string
	slots := make(map[string]struct{})

	for _, e := range history {
		switch ev := e.(type) {
		case *events.UserUttered:
			intent = ev.Intent
		case *events.ActiveLoopChanged:
			loop = ev.Name
		case *events.SlotSet:
			if ev.Value == nil {
				delete(slots, ev.Slot)
			} else {
				slots[ev.Slot] = struct{}{}
			}
		case *events.ActionExecuted:
			states = append(states, TurnState{
				Intent:     intent,
				Action:     ev.Action,
				ActiveLoop: loop,
				SlotKeys:   setToSorted(slots),
			})
		case *events.Restarted:
			states = nil
			intent = ""
			loop = ""
			slots = make(map[string]struct{})
		}
	}
	return states
}

func sortedSlotKeys(slots map[string]interface{}) []string {
	out := make([]string, 0, len(slots))
	for k := range slots {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func setToSorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func hashToUnit(key string) float64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	const mod = 10007
	return float64(h.Sum64()%mod) / mod
}
