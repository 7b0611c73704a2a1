// Package conversation holds the in-memory state of the active session.
//
// A Conversation has one logical writer, the coordinator, and any number of
// readers. Results produced by background work carry the session id they were
// issued for and are only applied while that session is still active.
package conversation

import (
	"sync"

	"NextMind/internal/session"
	"NextMind/internal/suggest"
)

// Conversation is the state container for the active session
type Conversation struct {
	mu          sync.RWMutex
	sessionID   string
	messages    []session.Message
	draft       string
	suggestions *suggest.Set
	precomputed *suggest.PrecomputedAnswer
	busy        bool
}

// State is a point-in-time copy of a Conversation
type State struct {
	SessionID   string
	Messages    []session.Message
	Draft       string
	Suggestions *suggest.Set
	Precomputed *suggest.PrecomputedAnswer
	Busy        bool
}

// New creates an empty conversation bound to sessionID
func New(sessionID string) *Conversation {
	return &Conversation{sessionID: sessionID}
}

// SessionID returns the active session id
func (c *Conversation) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Reset binds the container to sessionID and discards everything held for the
// previous session. The busy flag belongs to the pending send and is left to it.
func (c *Conversation) Reset(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
	c.messages = nil
	c.draft = ""
	c.suggestions = nil
	c.precomputed = nil
}

// Append adds msg to the end of the log if sessionID is still active and
// returns a copy of the resulting log
func (c *Conversation) Append(sessionID string, msg session.Message) ([]session.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sessionID != c.sessionID {
		return nil, false
	}
	c.messages = append(c.messages, msg)
	return append([]session.Message(nil), c.messages...), true
}

// ReplaceMessages swaps in a freshly loaded log. It is a no-op if sessionID is no longer active.
func (c *Conversation) ReplaceMessages(sessionID string, messages []session.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sessionID != c.sessionID {
		return false
	}
	c.messages = append([]session.Message(nil), messages...)
	return true
}

// Messages returns a copy of the message log
func (c *Conversation) Messages() []session.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]session.Message(nil), c.messages...)
}

// Len returns the number of messages in the log
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// SetDraft stores the unsent input and reports whether it changed
func (c *Conversation) SetDraft(text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := c.draft != text
	c.draft = text
	return changed
}

// Draft returns the unsent input
func (c *Conversation) Draft() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.draft
}

// SetSuggestions installs set if sessionID is still active. A held precomputed
// answer for a different question is dropped with the old set.
func (c *Conversation) SetSuggestions(sessionID string, set suggest.Set) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sessionID != c.sessionID {
		return false
	}
	set = set.Clone()
	c.suggestions = &set
	if c.precomputed != nil && c.precomputed.Question != "" && c.precomputed.Question != set.PredictedQuestion {
		c.precomputed = nil
	}
	return true
}

// Suggestions returns a copy of the active suggestion set, if any
func (c *Conversation) Suggestions() (suggest.Set, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.suggestions == nil {
		return suggest.Set{}, false
	}
	return c.suggestions.Clone(), true
}

// SetPrecomputed installs answer if sessionID is still active
func (c *Conversation) SetPrecomputed(sessionID string, answer suggest.PrecomputedAnswer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sessionID != c.sessionID {
		return false
	}
	c.precomputed = &answer
	return true
}

// Precomputed returns the held precomputed answer, if any
func (c *Conversation) Precomputed() (suggest.PrecomputedAnswer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.precomputed == nil {
		return suggest.PrecomputedAnswer{}, false
	}
	return *c.precomputed, true
}

// ClearSuggestions drops the suggestion set and the precomputed answer together
func (c *Conversation) ClearSuggestions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suggestions = nil
	c.precomputed = nil
}

// TryBegin sets the busy flag. It returns false if a send is already pending.
func (c *Conversation) TryBegin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return false
	}
	c.busy = true
	return true
}

// Finish is the terminal cleanup of a send issued for sessionID. The busy flag
// is always cleared; the draft and suggestions only while sessionID is active.
func (c *Conversation) Finish(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false
	if sessionID != c.sessionID {
		return
	}
	c.draft = ""
	c.suggestions = nil
	c.precomputed = nil
}

// Busy reports whether a send is pending
func (c *Conversation) Busy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.busy
}

// Snapshot returns a consistent copy of the whole container
func (c *Conversation) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := State{
		SessionID: c.sessionID,
		Messages:  append([]session.Message(nil), c.messages...),
		Draft:     c.draft,
		Busy:      c.busy,
	}
	if c.suggestions != nil {
		set := c.suggestions.Clone()
		st.Suggestions = &set
	}
	if c.precomputed != nil {
		answer := *c.precomputed
		st.Precomputed = &answer
	}
	return st
}
