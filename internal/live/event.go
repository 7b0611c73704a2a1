package live

import (
	"encoding/json"
	"errors"
	"fmt"

	"NextMind/internal/session"
	"NextMind/internal/suggest"
)

// Event kinds pushed by the server
const (
	EventSuggestion       = "suggestion"
	EventPrecomputedReady = "precomputed_ready"
	EventError            = "error"
)

var (
	// ErrMalformedEvent is returned for payloads that are not a JSON event object
	ErrMalformedEvent = errors.New("malformed event")
	// ErrUnknownEvent is returned for well-formed events of an unrecognized kind
	ErrUnknownEvent = errors.New("unknown event type")
)

// Event is an inbound channel message
type Event struct {
	Type                string               `json:"type"`
	PredictedQuestion   string               `json:"predicted_question,omitempty"`
	Confidence          float64              `json:"confidence,omitempty"`
	Topics              []string             `json:"topics,omitempty"`
	Predictions         []suggest.Prediction `json:"predictions,omitempty"`
	PrecomputedAnswerID string               `json:"precomputed_answer_id,omitempty"`
	Message             string               `json:"message,omitempty"`
	Timestamp           string               `json:"timestamp,omitempty"`
}

// Suggestions converts a suggestion event into a suggestion set
func (e Event) Suggestions() suggest.Set {
	return suggest.NewSet(e.PredictedQuestion, e.Confidence, e.Topics, e.Predictions)
}

// ParseEvent decodes and validates one inbound payload
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch ev.Type {
	case EventSuggestion:
		if ev.PredictedQuestion == "" {
			return Event{}, fmt.Errorf("%w: suggestion without predicted_question", ErrMalformedEvent)
		}
	case EventPrecomputedReady:
		if ev.PrecomputedAnswerID == "" {
			return Event{}, fmt.Errorf("%w: precomputed_ready without precomputed_answer_id", ErrMalformedEvent)
		}
	case EventError:
	case "":
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}
	return ev, nil
}

// Snapshot is the outbound payload describing what the user is typing
type Snapshot struct {
	Messages     []session.Message `json:"messages"`
	CurrentInput string            `json:"current_input"`
	Timestamp    string            `json:"timestamp"`
}
