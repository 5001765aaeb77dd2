package events

import (
	"encoding/json"
	"fmt"
)

// ErrUnknownEventType is returned when decoding an envelope whose type tag is
// not part of the closed event set.
var ErrUnknownEventType = fmt.Errorf("unknown event type")

// envelope is the persisted wire form: a type tag plus the variant payload.
type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Marshal encodes an event into its JSON envelope.
func Marshal(e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", e.Type(), err)
	}
	return json.Marshal(envelope{Event: e.Type(), Payload: payload})
}

// Unmarshal decodes a JSON envelope back into its concrete event variant.
func Unmarshal(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode event envelope: %w", err)
	}

	var e Event
	switch env.Event {
	case TypeUserUttered:
		e = &UserUttered{}
	case TypeBotUttered:
		e = &BotUttered{}
	case TypeActionExecuted:
		e = &ActionExecuted{}
	case TypeSlotSet:
		e = &SlotSet{}
	case TypeActiveLoop:
		e = &ActiveLoopChanged{}
	case TypeRestarted:
		e = &Restarted{}
	case TypeSessionStarted:
		e = &SessionStarted{}
	case TypePaused:
		e = &ConversationPaused{}
	case TypeResumed:
		e = &ConversationResumed{}
	case TypeFollowup:
		e = &FollowupAction{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, env.Event)
	}

	if err := json.Unmarshal(env.Payload, e); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", env.Event, err)
	}
	return e, nil
}
