package session

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Role identifies who authored a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the two known roles
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

const (
	// DefaultTitle is used until the first message gives the session a title
	DefaultTitle = "New Conversation"

	// TimeLayout is the ISO-8601 form written for every timestamp
	TimeLayout = "2006-01-02T15:04:05.000Z07:00"

	titleLength  = 50
	suffixLength = 9
)

// Message represents a single chat message
type Message struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// NewMessage creates a message stamped with now
func NewMessage(role Role, content string, now time.Time) Message {
	return Message{
		Role:      role,
		Content:   content,
		Timestamp: FormatTime(now),
	}
}

// Summary is the denormalized view of a session used for listings
type Summary struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	LastMessage  string `json:"lastMessage"`
	UpdatedAt    string `json:"updatedAt"`
	MessageCount int    `json:"messageCount"`
}

// HasContent reports whether the session is worth showing in a listing
func (s Summary) HasContent() bool {
	return s.MessageCount > 0 || strings.TrimSpace(s.LastMessage) != ""
}

// IsTransient reports whether the summary describes a conversation nobody has used yet
func (s Summary) IsTransient() bool {
	return s.MessageCount == 0 &&
		strings.TrimSpace(s.LastMessage) == "" &&
		(s.Title == "" || s.Title == DefaultTitle)
}

// NewID generates a client-side session identifier
func NewID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("session_%d_%s", now.UnixMilli(), suffix[:suffixLength])
}

// Summarize builds the summary for a session from its message log
func Summarize(id string, messages []Message, now time.Time) Summary {
	s := Summary{
		ID:           id,
		Title:        DefaultTitle,
		UpdatedAt:    FormatTime(now),
		MessageCount: len(messages),
	}
	if len(messages) == 0 {
		return s
	}
	if title := truncate(messages[0].Content, titleLength); title != "" {
		s.Title = title
	}
	s.LastMessage = messages[len(messages)-1].Content
	return s
}

// Placeholder is the summary written when a conversation is created but still empty
func Placeholder(id string, now time.Time) Summary {
	return Summary{
		ID:        id,
		Title:     DefaultTitle,
		UpdatedAt: FormatTime(now),
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// FormatTime renders t in UTC using TimeLayout
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTime parses the timestamp shapes produced by the client and the backend.
// Timestamps without a zone are read as UTC.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// NormalizeTime returns s if it parses, otherwise now
func NormalizeTime(s string, now time.Time) string {
	if _, ok := ParseTime(s); ok {
		return s
	}
	return FormatTime(now)
}

// SortByRecent orders summaries newest first; unparseable timestamps sort last
func SortByRecent(summaries []Summary) {
	sort.SliceStable(summaries, func(i, j int) bool {
		ti, okI := ParseTime(summaries[i].UpdatedAt)
		tj, okJ := ParseTime(summaries[j].UpdatedAt)
		switch {
		case !okI:
			return false
		case !okJ:
			return true
		default:
			return ti.After(tj)
		}
	})
}
