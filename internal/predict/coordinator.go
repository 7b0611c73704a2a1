// Package predict applies predictions to the active conversation and decides
// when a precomputed answer can stand in for a backend round trip.
package predict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"NextMind/internal/backend"
	"NextMind/internal/cache"
	"NextMind/internal/conversation"
	"NextMind/internal/live"
	"NextMind/internal/session"
	"NextMind/internal/suggest"
	"NextMind/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// ApologyMessage replaces the assistant reply when the chat call fails
	ApologyMessage = "Sorry, I encountered an error. Please try again."
	// NoResponseMessage is shown when the server answers without any text
	NoResponseMessage = "No response received"

	DefaultShortcutThreshold = 0.6
	DefaultSnapshotMinLength = 3
)

var (
	// ErrBusy is returned when a send is already pending
	ErrBusy = errors.New("a message is already being sent")
	// ErrEmptyInput is returned for blank input
	ErrEmptyInput = errors.New("message is empty")
)

// Backend is the part of the API client the coordinator uses
type Backend interface {
	SendMessage(ctx context.Context, sessionID, message string, usePrecomputed bool) (string, error)
	GetSession(ctx context.Context, sessionID string) ([]session.Message, error)
	GetUserContext(ctx context.Context) (*backend.UserContext, error)
	PredictIntent(ctx context.Context, sessionID string, messages []session.Message) (*backend.PredictResponse, error)
	GetPrecomputedAnswer(ctx context.Context, answerID string) (*backend.PrecomputedAnswerResponse, error)
}

// Publisher delivers live snapshots on a best-effort basis
type Publisher interface {
	Send(v interface{}) bool
}

// SummaryWriter persists session summaries
type SummaryWriter interface {
	Put(ctx context.Context, id string, sum session.Summary) error
}

// Change identifies what a background update modified
type Change int

const (
	SuggestionsChanged Change = iota
	AnswerReady
	ContextChanged
)

// Options configures a Coordinator
type Options struct {
	Conversation      *conversation.Conversation
	Backend           Backend
	Publisher         Publisher
	Store             SummaryWriter
	Answers           *cache.AnswerCache
	Logger            *slog.Logger
	Tracer            trace.Tracer
	Meter             metric.Meter
	ShortcutThreshold float64
	SnapshotMinLength int
	// OnChange is called after a background update is applied
	OnChange func(change Change, sessionID string)
}

// Coordinator drives sends, snapshots and prediction updates for a Conversation
type Coordinator struct {
	conv      *conversation.Conversation
	backend   Backend
	publisher Publisher
	store     SummaryWriter
	answers   *cache.AnswerCache
	logger    *slog.Logger
	tracer    trace.Tracer
	onChange  func(Change, string)
	now       func() time.Time

	threshold   float64
	minSnapshot int

	shortcutHits metric.Int64Counter
	chatFailures metric.Int64Counter
	stale        metric.Int64Counter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	userCtx *backend.UserContext
	closed  bool
}

// New creates a coordinator
func New(opts Options) (*Coordinator, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if opts.Conversation == nil || opts.Backend == nil || opts.Publisher == nil || opts.Store == nil {
		return nil, fmt.Errorf("conversation, backend, publisher and store are required")
	}
	if opts.ShortcutThreshold <= 0 {
		opts.ShortcutThreshold = DefaultShortcutThreshold
	}
	if opts.SnapshotMinLength <= 0 {
		opts.SnapshotMinLength = DefaultSnapshotMinLength
	}
	if opts.Answers == nil {
		opts.Answers = cache.NewAnswerCache(0)
	}
	if opts.OnChange == nil {
		opts.OnChange = func(Change, string) {}
	}

	meter := telemetry.Meter(opts.Meter)
	shortcutHits, err := meter.Int64Counter("nextmind.shortcut.hits",
		metric.WithDescription("Sends answered from a precomputed answer"))
	if err != nil {
		return nil, fmt.Errorf("failed to create shortcut counter: %w", err)
	}
	chatFailures, err := meter.Int64Counter("nextmind.chat.failures",
		metric.WithDescription("Chat calls that ended in the apology reply"))
	if err != nil {
		return nil, fmt.Errorf("failed to create failure counter: %w", err)
	}
	stale, err := meter.Int64Counter("nextmind.predictions.stale",
		metric.WithDescription("Background results discarded after a session switch"))
	if err != nil {
		return nil, fmt.Errorf("failed to create stale counter: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		conv:         opts.Conversation,
		backend:      opts.Backend,
		publisher:    opts.Publisher,
		store:        opts.Store,
		answers:      opts.Answers,
		logger:       opts.Logger,
		tracer:       telemetry.Tracer(opts.Tracer),
		onChange:     opts.OnChange,
		now:          time.Now,
		threshold:    opts.ShortcutThreshold,
		minSnapshot:  opts.SnapshotMinLength,
		shortcutHits: shortcutHits,
		chatFailures: chatFailures,
		stale:        stale,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// UpdateDraft records the unsent input and pushes a live snapshot when the
// input is long enough and changed. It reports whether a snapshot was written.
func (c *Coordinator) UpdateDraft(text string) bool {
	if !c.conv.SetDraft(text) || utf8.RuneCountInString(text) < c.minSnapshot {
		return false
	}
	messages := c.conv.Messages()
	if messages == nil {
		messages = []session.Message{}
	}
	return c.publisher.Send(live.Snapshot{
		Messages:     messages,
		CurrentInput: text,
		Timestamp:    session.FormatTime(c.now()),
	})
}

// Send is a typed send. A held precomputed answer is used instead of the chat
// call when the input is close enough to the predicted question.
func (c *Coordinator) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyInput
	}
	if !c.conv.TryBegin() {
		return ErrBusy
	}
	return c.exchange(ctx, c.conv.SessionID(), text, true)
}

// Pick sends a clicked suggestion. It always goes through the chat call.
func (c *Coordinator) Pick(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyInput
	}
	if !c.conv.TryBegin() {
		return ErrBusy
	}
	c.conv.ClearSuggestions()
	c.conv.SetDraft("")
	return c.exchange(ctx, c.conv.SessionID(), text, false)
}

// exchange runs one send for sessionID. The busy flag must already be set.
func (c *Coordinator) exchange(ctx context.Context, sessionID, text string, allowShortcut bool) error {
	ctx, span := c.tracer.Start(ctx, "predict.exchange", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.Bool("shortcut.allowed", allowShortcut),
	))
	defer span.End()

	var history []session.Message
	var ok bool
	func() {
		defer c.conv.Finish(sessionID)
		history, ok = c.respond(ctx, span, sessionID, text, allowShortcut)
	}()

	if ok {
		c.spawn(func(ctx context.Context) { c.predictIntent(ctx, sessionID, history) })
		c.spawn(func(ctx context.Context) { c.refreshContext(ctx, sessionID) })
	}
	return nil
}

// respond appends the user message and the reply. It returns the updated log
// and whether the reply came from the chat call.
func (c *Coordinator) respond(ctx context.Context, span trace.Span, sessionID, text string, allowShortcut bool) ([]session.Message, bool) {
	c.append(ctx, sessionID, session.NewMessage(session.RoleUser, text, c.now()))

	if allowShortcut {
		if answer, ok := c.shortcut(text); ok {
			c.append(ctx, sessionID, session.NewMessage(session.RoleAssistant, answer.Answer, c.now()))
			c.shortcutHits.Add(ctx, 1)
			span.SetAttributes(attribute.Bool("shortcut.used", true))
			c.logger.Info("answered from precomputed answer", "session_id", sessionID, "answer_id", answer.ID)
			return nil, false
		}
	}

	reply, err := c.backend.SendMessage(ctx, sessionID, text, true)
	if err != nil {
		span.RecordError(err)
		c.chatFailures.Add(ctx, 1)
		c.logger.Error("chat request failed", "session_id", sessionID, "error", err)
		c.append(ctx, sessionID, session.NewMessage(session.RoleAssistant, ApologyMessage, c.now()))
		return nil, false
	}
	if reply == "" {
		reply = NoResponseMessage
	}

	history, ok := c.append(ctx, sessionID, session.NewMessage(session.RoleAssistant, reply, c.now()))
	return history, ok
}

// shortcut returns the held answer if the input matches the predicted question
func (c *Coordinator) shortcut(text string) (suggest.PrecomputedAnswer, bool) {
	set, ok := c.conv.Suggestions()
	if !ok {
		return suggest.PrecomputedAnswer{}, false
	}
	answer, ok := c.conv.Precomputed()
	if !ok {
		return suggest.PrecomputedAnswer{}, false
	}

	score := Similarity(text, set.PredictedQuestion)
	c.logger.Debug("shortcut similarity", "score", score, "threshold", c.threshold)
	if score > c.threshold {
		return answer, true
	}
	return suggest.PrecomputedAnswer{}, false
}

// append adds msg to sessionID's log and persists the new summary
func (c *Coordinator) append(ctx context.Context, sessionID string, msg session.Message) ([]session.Message, bool) {
	messages, ok := c.conv.Append(sessionID, msg)
	if !ok {
		c.stale.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "message")))
		c.logger.Debug("discarding message for inactive session", "session_id", sessionID, "role", string(msg.Role))
		return nil, false
	}
	c.persist(ctx, sessionID, messages)
	return messages, true
}

func (c *Coordinator) persist(ctx context.Context, sessionID string, messages []session.Message) {
	sum := session.Summarize(sessionID, messages, c.now())
	if err := c.store.Put(ctx, sessionID, sum); err != nil {
		c.logger.Warn("failed to save session summary", "session_id", sessionID, "error", err)
	}
}

// HandleEvent applies a live channel event received for sessionID
func (c *Coordinator) HandleEvent(sessionID string, ev live.Event) {
	if sessionID != c.conv.SessionID() {
		c.stale.Add(c.ctx, 1, metric.WithAttributes(attribute.String("kind", "event")))
		c.logger.Debug("discarding event for inactive session", "session_id", sessionID, "type", ev.Type)
		return
	}

	switch ev.Type {
	case live.EventSuggestion:
		if c.conv.SetSuggestions(sessionID, ev.Suggestions()) {
			c.onChange(SuggestionsChanged, sessionID)
		}
	case live.EventPrecomputedReady:
		c.spawn(func(ctx context.Context) {
			c.fetchAnswer(ctx, sessionID, ev.PrecomputedAnswerID, ev.PredictedQuestion)
		})
	}
}

func (c *Coordinator) predictIntent(ctx context.Context, sessionID string, history []session.Message) {
	resp, err := c.backend.PredictIntent(ctx, sessionID, history)
	if err != nil {
		c.logger.Warn("intent prediction failed", "session_id", sessionID, "error", err)
		return
	}
	if !c.conv.SetSuggestions(sessionID, resp.Set()) {
		c.stale.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "prediction")))
		c.logger.Debug("discarding prediction for inactive session", "session_id", sessionID)
		return
	}
	c.onChange(SuggestionsChanged, sessionID)

	if resp.PrecomputedAnswerID != "" {
		c.fetchAnswer(ctx, sessionID, resp.PrecomputedAnswerID, resp.PredictedQuestion)
	}
}

func (c *Coordinator) fetchAnswer(ctx context.Context, sessionID, answerID, question string) {
	answer, ok := c.answers.Get(answerID)
	if !ok {
		resp, err := c.backend.GetPrecomputedAnswer(ctx, answerID)
		if err != nil {
			c.logger.Warn("failed to load precomputed answer", "answer_id", answerID, "error", err)
			return
		}
		answer = suggest.PrecomputedAnswer{ID: answerID, Answer: resp.Answer, Question: resp.Question}
		if answer.Question == "" {
			answer.Question = question
		}
		c.answers.Put(answer)
	}

	// an answer for a question that is no longer predicted would be matched against the wrong text
	if set, ok := c.conv.Suggestions(); ok && answer.Question != "" && answer.Question != set.PredictedQuestion {
		c.logger.Debug("discarding precomputed answer for superseded question", "answer_id", answerID)
		return
	}
	if !c.conv.SetPrecomputed(sessionID, answer) {
		c.stale.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "answer")))
		return
	}
	c.onChange(AnswerReady, sessionID)
}

// LoadSession makes sessionID the active session and loads its log from the
// server. A session the server does not know starts empty.
func (c *Coordinator) LoadSession(ctx context.Context, sessionID string) error {
	c.conv.Reset(sessionID)
	c.spawn(func(ctx context.Context) { c.refreshContext(ctx, sessionID) })

	messages, err := c.backend.GetSession(ctx, sessionID)
	if errors.Is(err, backend.ErrNotFound) {
		messages, err = nil, nil
	}
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	if !c.conv.ReplaceMessages(sessionID, messages) {
		return nil
	}
	if len(messages) > 0 {
		c.persist(ctx, sessionID, messages)
	}
	c.logger.Debug("loaded session", "session_id", sessionID, "messages", len(messages))
	return nil
}

func (c *Coordinator) refreshContext(ctx context.Context, sessionID string) {
	if err := c.loadContext(ctx, sessionID); err != nil {
		c.logger.Debug("failed to refresh user context", "session_id", sessionID, "error", err)
	}
}

// RefreshContext reloads the user context for the active session
func (c *Coordinator) RefreshContext(ctx context.Context) error {
	return c.loadContext(ctx, c.conv.SessionID())
}

func (c *Coordinator) loadContext(ctx context.Context, sessionID string) error {
	uc, err := c.backend.GetUserContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to load user context: %w", err)
	}
	if sessionID != c.conv.SessionID() {
		c.stale.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "context")))
		return nil
	}

	c.mu.Lock()
	c.userCtx = uc
	c.mu.Unlock()
	c.onChange(ContextChanged, sessionID)
	return nil
}

// UserContext returns the most recently loaded user context
func (c *Coordinator) UserContext() (backend.UserContext, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.userCtx == nil {
		return backend.UserContext{}, false
	}
	uc := *c.userCtx
	uc.Topics = append([]string(nil), uc.Topics...)
	uc.SuggestedQuestions = append([]string(nil), uc.SuggestedQuestions...)
	return uc, true
}

// spawn runs f in the background unless the coordinator is closed
func (c *Coordinator) spawn(f func(ctx context.Context)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		f(c.ctx)
	}()
}

// Wait blocks until all background work has finished
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close cancels background work and waits for it
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}
