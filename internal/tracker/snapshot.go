package tracker

import (
	"colloquy/internal/events"
)

// Snapshot is the materialized conversation state at a log version. It is a
// pure function of the log prefix: re-folding the same prefix always yields an
// identical snapshot.
type Snapshot struct {
	SessionKey     string
	Version        int
	Slots          map[string]interface{}
	ActiveLoop     string
	LatestAction   string
	LatestIntent   string
	LatestMessage  string
	TurnsSinceUser int
	Paused         bool
	Followup       string
}

func newSnapshot(sessionKey string) *Snapshot {
	return &Snapshot{
		SessionKey: sessionKey,
		Slots:      make(map[string]interface{}),
	}
}

// Clone returns a deep copy safe for the caller to hold across turns.
func (s *Snapshot) Clone() *Snapshot {
	out := *s
	out.Slots = make(map[string]interface{}, len(s.Slots))
	for k, v := range s.Slots {
		out.Slots[k] = v
	}
	return &out
}

// SlotValue returns a slot's current value, or nil if unset.
func (s *Snapshot) SlotValue(name string) interface{} {
	return s.Slots[name]
}

// HasActiveLoop reports whether a form is currently active.
func (s *Snapshot) HasActiveLoop() bool {
	return s.ActiveLoop != ""
}

// apply folds one event into the snapshot. The variant set is closed; an
// unknown event only advances the version.
func (s *Snapshot) apply(e events.Event) {
	switch ev := e.(type) {
	case *events.UserUttered:
		s.LatestIntent = ev.Intent
		s.LatestMessage = ev.Text
		s.TurnsSinceUser = 0
	case *events.ActionExecuted:
		s.LatestAction = ev.Action
		s.TurnsSinceUser++
		if s.Followup == ev.Action {
			s.Followup = ""
		}
	case *events.SlotSet:
		if ev.Value == nil {
			delete(s.Slots, ev.Slot)
		} else {
			s.Slots[ev.Slot] = ev.Value
		}
	case *events.ActiveLoopChanged:
		s.ActiveLoop = ev.Name
	case *events.Restarted:
		// The log is preserved for audit; only projected state resets.
		s.Slots = make(map[string]interface{})
		s.ActiveLoop = ""
		s.LatestAction = ""
		s.LatestIntent = ""
		s.LatestMessage = ""
		s.TurnsSinceUser = 0
		s.Paused = false
		s.Followup = ""
	case *events.SessionStarted:
		s.TurnsSinceUser = 0
	case *events.ConversationPaused:
		s.Paused = true
	case *events.ConversationResumed:
		s.Paused = false
	case *events.FollowupAction:
		s.Followup = ev.Action
	}
	s.Version++
}
