package stream

import (
	"fmt"
	"slices"
	"time"

	"github.com/MegaGrindStone/askstream/internal/models"
)

// State is the chat state a Session folds events into. Begin and Reduce never modify their input.
type State struct {
	Messages  []models.Message
	Thoughts  []string
	SessionID string
	Loading   bool
	// Err describes why the last connection closed abnormally. It is empty after a normal end.
	Err string
}

// ThoughtsPolicy decides what happens to the thoughts trace when a new query is submitted.
type ThoughtsPolicy int

const (
	// ThoughtsKeep keeps a cumulative reasoning log across the queries of a chat.
	ThoughtsKeep ThoughtsPolicy = iota
	// ThoughtsReset clears the trace on every submission.
	ThoughtsReset
)

// ParseThoughtsPolicy parses "keep" or "reset". An empty string means keep.
func ParseThoughtsPolicy(s string) (ThoughtsPolicy, error) {
	switch s {
	case "", "keep":
		return ThoughtsKeep, nil
	case "reset":
		return ThoughtsReset, nil
	default:
		return ThoughtsKeep, fmt.Errorf("unknown thoughts policy %q", s)
	}
}

func (p ThoughtsPolicy) String() string {
	if p == ThoughtsReset {
		return "reset"
	}
	return "keep"
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	s.Messages = slices.Clone(s.Messages)
	s.Thoughts = slices.Clone(s.Thoughts)
	return s
}

// LastAssistant returns the most recent assistant message, if any.
func (s State) LastAssistant() (models.Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == models.RoleAssistant {
			return s.Messages[i], true
		}
	}
	return models.Message{}, false
}

// Begin applies a query submission: the user message is appended and the state starts loading.
// The caller is responsible for rejecting blank queries.
func Begin(s State, query, messageID string, policy ThoughtsPolicy, now time.Time) State {
	next := s.Clone()
	next.Messages = append(next.Messages, models.Message{
		ID:        messageID,
		Role:      models.RoleUser,
		Content:   query,
		Timestamp: now,
	})
	if policy == ThoughtsReset {
		next.Thoughts = nil
	}
	next.Loading = true
	next.Err = ""
	return next
}

// Reduce applies one event. Events arriving while the state is not loading belong to a closed
// connection and are ignored.
func Reduce(s State, e Event) State {
	if !s.Loading {
		return s
	}

	next := s.Clone()
	switch e.Kind {
	case KindThoughts:
		next.Thoughts = append(next.Thoughts, e.Message)
		next.SessionID = e.SessionID
	case KindAssistantStart:
		next.Messages = append(next.Messages, models.Message{
			ID:   e.MessageID,
			Role: models.RoleAssistant,
		})
	case KindAssistant:
		idx := fragmentTarget(next.Messages, e.MessageID)
		if idx < 0 {
			return s
		}
		next.Messages[idx].Content += e.Fragment
	case KindEnd:
		next.Loading = false
	case KindError:
		next.Loading = false
		next.Err = "connection failed"
		if e.Err != nil {
			next.Err = e.Err.Error()
		}
	}
	return next
}

// fragmentTarget returns the index of the message a fragment belongs to. A fragment carrying a
// message id only ever lands on that message. Without one it lands on the last message.
func fragmentTarget(messages []models.Message, messageID string) int {
	if messageID == "" {
		return len(messages) - 1
	}
	return slices.IndexFunc(messages, func(m models.Message) bool {
		return m.ID == messageID
	})
}
