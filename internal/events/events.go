// Package events defines the closed set of conversation events that make up a
// session's append-only log. Events are immutable once created: every mutation
// of conversation state is expressed as a new event, never as an edit.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event type tags used in the wire envelope.
const (
	TypeUserUttered    = "user"
	TypeBotUttered     = "bot"
	TypeActionExecuted = "action"
	TypeSlotSet        = "slot"
	TypeActiveLoop     = "active_loop"
	TypeRestarted      = "restart"
	TypeSessionStarted = "session_started"
	TypePaused         = "pause"
	TypeResumed        = "resume"
	TypeFollowup       = "followup"
)

// Event is the capability every log entry exposes. The concrete variants form
// a closed set; consumers enumerate them with a type switch.
type Event interface {
	Type() string
	ID() string
	Timestamp() time.Time
	Metadata() map[string]string
}

// Base carries the fields shared by every event.
type Base struct {
	EventID string            `json:"id"`
	At      time.Time         `json:"timestamp"`
	Meta    map[string]string `json:"metadata,omitempty"`
}

// ID returns the event's unique identifier.
func (b Base) ID() string { return b.EventID }

// Timestamp returns when the event was created.
func (b Base) Timestamp() time.Time { return b.At }

// Metadata returns optional key-value annotations.
func (b Base) Metadata() map[string]string { return b.Meta }

func newBase() Base {
	return Base{EventID: uuid.NewString(), At: time.Now().UTC()}
}

// UserUttered records an incoming user message with its parsed intent.
// NLU parsing happens upstream; this core only consumes the result.
type UserUttered struct {
	Base
	Text       string            `json:"text"`
	Intent     string            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Entities   map[string]string `json:"entities,omitempty"`
}

func (UserUttered) Type() string { return TypeUserUttered }

// NewUserUttered creates a UserUttered event.
func NewUserUttered(text, intent string, confidence float64) *UserUttered {
	return &UserUttered{Base: newBase(), Text: text, Intent: intent, Confidence: confidence}
}

// BotUttered records an outgoing system message.
type BotUttered struct {
	Base
	Text string `json:"text"`
}

func (BotUttered) Type() string { return TypeBotUttered }

// NewBotUttered creates a BotUttered event.
func NewBotUttered(text string) *BotUttered {
	return &BotUttered{Base: newBase(), Text: text}
}

// ActionExecuted records that the system ran an action, with provenance of
// which policy selected it and at what confidence.
type ActionExecuted struct {
	Base
	Action     string  `json:"action"`
	Policy     string  `json:"policy,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

func (ActionExecuted) Type() string { return TypeActionExecuted }

// NewActionExecuted creates an ActionExecuted event.
func NewActionExecuted(action, policy string, confidence float64) *ActionExecuted {
	return &ActionExecuted{Base: newBase(), Action: action, Policy: policy, Confidence: confidence}
}

// SlotSet records a change to one named piece of conversation memory.
// A nil value clears the slot.
type SlotSet struct {
	Base
	Slot  string      `json:"slot"`
	Value interface{} `json:"value"`
}

func (SlotSet) Type() string { return TypeSlotSet }

// NewSlotSet creates a SlotSet event.
func NewSlotSet(slot string, value interface{}) *SlotSet {
	return &SlotSet{Base: newBase(), Slot: slot, Value: value}
}

// ActiveLoopChanged marks a form (active loop) starting or ending.
// An empty Name ends the current loop.
type ActiveLoopChanged struct {
	Base
	Name string `json:"name"`
}

func (ActiveLoopChanged) Type() string { return TypeActiveLoop }

// NewActiveLoopChanged creates an ActiveLoopChanged event.
func NewActiveLoopChanged(name string) *ActiveLoopChanged {
	return &ActiveLoopChanged{Base: newBase(), Name: name}
}

// Restarted clears all conversation state. The log itself is preserved for
// audit; only the projected snapshot resets.
type Restarted struct {
	Base
}

func (Restarted) Type() string { return TypeRestarted }

// NewRestarted creates a Restarted event.
func NewRestarted() *Restarted { return &Restarted{Base: newBase()} }

// SessionStarted marks the beginning of a (possibly resumed) session and
// resets the turn counter.
type SessionStarted struct {
	Base
}

func (SessionStarted) Type() string { return TypeSessionStarted }

// NewSessionStarted creates a SessionStarted event.
func NewSessionStarted() *SessionStarted { return &SessionStarted{Base: newBase()} }

// ConversationPaused stops the policy ensemble from being consulted until a
// ConversationResumed event arrives. Events are still recorded while paused.
type ConversationPaused struct {
	Base
}

func (ConversationPaused) Type() string { return TypePaused }

// NewConversationPaused creates a ConversationPaused event.
func NewConversationPaused() *ConversationPaused { return &ConversationPaused{Base: newBase()} }

// ConversationResumed re-enables policy predictions after a pause.
type ConversationResumed struct {
	Base
}

func (ConversationResumed) Type() string { return TypeResumed }

// NewConversationResumed creates a ConversationResumed event.
func NewConversationResumed() *ConversationResumed { return &ConversationResumed{Base: newBase()} }

// FollowupAction forces the named action as the next decision, bypassing the
// policy ensemble for one turn.
type FollowupAction struct {
	Base
	Action string `json:"action"`
}

func (FollowupAction) Type() string { return TypeFollowup }

// NewFollowupAction creates a FollowupAction event.
func NewFollowupAction(action string) *FollowupAction {
	return &FollowupAction{Base: newBase(), Action: action}
}
