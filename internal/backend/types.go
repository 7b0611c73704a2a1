package backend

import (
	"time"

	"NextMind/internal/session"
	"NextMind/internal/suggest"
)

// ChatRequest represents the request body for POST /chat
type ChatRequest struct {
	SessionID      string `json:"session_id"`
	Message        string `json:"message"`
	UsePrecomputed bool   `json:"use_precomputed"`
}

// ChatResponse represents the response from POST /chat
type ChatResponse struct {
	Response string `json:"response"`
	Message  string `json:"message"` // older servers reply in this field
}

// Text returns the assistant reply
func (r ChatResponse) Text() string {
	if r.Response != "" {
		return r.Response
	}
	return r.Message
}

// SessionResponse represents the response from GET /chat/session/{id}
type SessionResponse struct {
	SessionID string            `json:"session_id"`
	Messages  []session.Message `json:"messages"`
	UpdatedAt string            `json:"updated_at"`
}

// SessionRecord is one entry of GET /chat/sessions. Servers have used both
// snake_case and camelCase names; both are accepted.
type SessionRecord struct {
	SessionID         string `json:"session_id"`
	ID                string `json:"id"`
	Title             string `json:"title"`
	LastMessageSnake  string `json:"last_message"`
	LastMessageCamel  string `json:"lastMessage"`
	UpdatedAtSnake    string `json:"updated_at"`
	UpdatedAtCamel    string `json:"updatedAt"`
	MessageCountSnake int    `json:"message_count"`
	MessageCountCamel int    `json:"messageCount"`
}

// Summary normalizes the record into the canonical summary shape
func (r SessionRecord) Summary(now time.Time) session.Summary {
	return session.Summary{
		ID:           firstNonEmpty(r.SessionID, r.ID),
		Title:        firstNonEmpty(r.Title, session.DefaultTitle),
		LastMessage:  firstNonEmpty(r.LastMessageSnake, r.LastMessageCamel),
		UpdatedAt:    firstNonEmpty(r.UpdatedAtSnake, r.UpdatedAtCamel, session.FormatTime(now)),
		MessageCount: firstNonZero(r.MessageCountSnake, r.MessageCountCamel),
	}
}

// ListSessionsResponse represents the response from GET /chat/sessions
type ListSessionsResponse struct {
	Sessions []SessionRecord `json:"sessions"`
}

// UserContext represents the response from GET /chat/user-context
type UserContext struct {
	ActivityType       string   `json:"activity_type"`
	Topics             []string `json:"topics"`
	WelcomeMessage     string   `json:"welcome_message"`
	CurrentFocus       string   `json:"current_focus"`
	SuggestedQuestions []string `json:"suggested_questions"`
}

// PredictRequest represents the request body for POST /predict-intent
type PredictRequest struct {
	SessionID string            `json:"session_id"`
	Messages  []session.Message `json:"messages"`
}

// PredictResponse represents the response from POST /predict-intent
type PredictResponse struct {
	PredictedQuestion   string               `json:"predicted_question"`
	Confidence          float64              `json:"confidence"`
	Suggestions         []string             `json:"suggestions"` // topics
	Predictions         []suggest.Prediction `json:"predictions"`
	PrecomputedAnswerID string               `json:"precomputed_answer_id,omitempty"`
}

// Set converts the prediction into a suggestion set
func (r PredictResponse) Set() suggest.Set {
	return suggest.NewSet(r.PredictedQuestion, r.Confidence, r.Suggestions, r.Predictions)
}

// PrecomputedAnswerResponse represents the response from GET /precomputed-answer/{id}
type PrecomputedAnswerResponse struct {
	Answer      string   `json:"answer"`
	Question    string   `json:"question"`
	ContextUsed []string `json:"context_used"`
}

// DeleteResponse represents the response from DELETE /chat/session/{id}
type DeleteResponse struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
