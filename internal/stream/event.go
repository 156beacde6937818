package stream

import (
	"encoding/json"
	"fmt"
)

// Kind tags the events a connection can deliver to a Session.
type Kind int

const (
	// KindThoughts carries an intermediate reasoning step and the upstream session id.
	KindThoughts Kind = iota
	// KindAssistantStart opens a new, empty assistant message.
	KindAssistantStart
	// KindAssistant carries a content fragment of the assistant message.
	KindAssistant
	// KindEnd is the terminal event of a connection.
	KindEnd
	// KindError is a transport-level failure. It is never sent by the upstream itself.
	KindError
)

// Upstream event type names.
const (
	TypeThoughts       = "thoughts"
	TypeAssistantStart = "assistant_msg_start"
	TypeAssistant      = "assistant"
	TypeEnd            = "end"
)

// Event is a decoded upstream event.
type Event struct {
	Kind Kind

	// Message is the thought text for KindThoughts and the informational text for KindEnd.
	Message string
	// SessionID is filled for KindThoughts.
	SessionID string
	// MessageID optionally correlates KindAssistantStart and KindAssistant events.
	MessageID string
	// Fragment is filled for KindAssistant.
	Fragment string
	// Err is filled for KindError.
	Err error
}

func (k Kind) String() string {
	switch k {
	case KindThoughts:
		return TypeThoughts
	case KindAssistantStart:
		return TypeAssistantStart
	case KindAssistant:
		return TypeAssistant
	case KindEnd:
		return TypeEnd
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type thoughtsPayload struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

type assistantPayload struct {
	SearchResult string `json:"search_result"`
	MessageID    string `json:"message_id"`
}

type assistantStartPayload struct {
	MessageID string `json:"message_id"`
}

type endPayload struct {
	Message string `json:"message"`
}

// Decode converts an upstream event into an Event. The boolean result is false for event types
// outside the upstream vocabulary, which callers should skip. A payload that is not valid JSON
// yields an error.
func Decode(eventType, data string) (Event, bool, error) {
	switch eventType {
	case TypeThoughts:
		var p thoughtsPayload
		if err := unmarshalPayload(data, &p); err != nil {
			return Event{}, true, fmt.Errorf("invalid %s payload: %w", eventType, err)
		}
		return Event{Kind: KindThoughts, Message: p.Message, SessionID: p.SessionID}, true, nil
	case TypeAssistantStart:
		var p assistantStartPayload
		if err := unmarshalPayload(data, &p); err != nil {
			return Event{}, true, fmt.Errorf("invalid %s payload: %w", eventType, err)
		}
		return Event{Kind: KindAssistantStart, MessageID: p.MessageID}, true, nil
	case TypeAssistant:
		var p assistantPayload
		if err := unmarshalPayload(data, &p); err != nil {
			return Event{}, true, fmt.Errorf("invalid %s payload: %w", eventType, err)
		}
		return Event{Kind: KindAssistant, Fragment: p.SearchResult, MessageID: p.MessageID}, true, nil
	case TypeEnd:
		var p endPayload
		if err := unmarshalPayload(data, &p); err != nil {
			return Event{}, true, fmt.Errorf("invalid %s payload: %w", eventType, err)
		}
		return Event{Kind: KindEnd, Message: p.Message}, true, nil
	default:
		return Event{}, false, nil
	}
}

// unmarshalPayload accepts an empty payload, since assistant_msg_start carries none.
func unmarshalPayload(data string, v any) error {
	if data == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), v)
}
