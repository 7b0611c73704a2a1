package predict

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"NextMind/internal/backend"
	"NextMind/internal/cache"
	"NextMind/internal/conversation"
	"NextMind/internal/live"
	"NextMind/internal/session"
	"NextMind/internal/suggest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeBackend struct {
	mu sync.Mutex

	reply       string
	sendErr     error
	sendGate    chan struct{}
	sendStarted chan struct{}
	sent        []string

	prediction   *backend.PredictResponse
	predictErr   error
	predictGate  chan struct{}
	predictCalls int

	answers     map[string]string
	answerCalls int

	sessions map[string][]session.Message
	userCtx  *backend.UserContext
}

func (b *fakeBackend) SendMessage(ctx context.Context, sessionID, message string, usePrecomputed bool) (string, error) {
	b.mu.Lock()
	b.sent = append(b.sent, message)
	gate, started := b.sendGate, b.sendStarted
	b.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reply, b.sendErr
}

func (b *fakeBackend) GetSession(ctx context.Context, sessionID string) ([]session.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs, ok := b.sessions[sessionID]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return append([]session.Message(nil), msgs...), nil
}

func (b *fakeBackend) GetUserContext(ctx context.Context) (*backend.UserContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.userCtx == nil {
		return nil, errors.New("unavailable")
	}
	uc := *b.userCtx
	return &uc, nil
}

func (b *fakeBackend) PredictIntent(ctx context.Context, sessionID string, messages []session.Message) (*backend.PredictResponse, error) {
	b.mu.Lock()
	b.predictCalls++
	gate := b.predictGate
	b.mu.Unlock()

	if gate != nil {
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.predictErr != nil {
		return nil, b.predictErr
	}
	if b.prediction == nil {
		return nil, errors.New("no prediction")
	}
	resp := *b.prediction
	return &resp, nil
}

func (b *fakeBackend) GetPrecomputedAnswer(ctx context.Context, answerID string) (*backend.PrecomputedAnswerResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.answerCalls++
	answer, ok := b.answers[answerID]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return &backend.PrecomputedAnswerResponse{Answer: answer}, nil
}

func (b *fakeBackend) sentMessages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.sent...)
}

type fakePublisher struct {
	mu        sync.Mutex
	snapshots []live.Snapshot
}

func (p *fakePublisher) Send(v interface{}) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots = append(p.snapshots, v.(live.Snapshot))
	return true
}

type fakeStore struct {
	mu        sync.Mutex
	summaries map[string]session.Summary
}

func (s *fakeStore) Put(ctx context.Context, id string, sum session.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.summaries == nil {
		s.summaries = make(map[string]session.Summary)
	}
	s.summaries[id] = sum
	return nil
}

func (s *fakeStore) get(id string) (session.Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, ok := s.summaries[id]
	return sum, ok
}

type harness struct {
	conv    *conversation.Conversation
	backend *fakeBackend
	pub     *fakePublisher
	store   *fakeStore
	coord   *Coordinator
}

func newHarness(t *testing.T, b *fakeBackend) *harness {
	t.Helper()
	h := &harness{
		conv:    conversation.New("s1"),
		backend: b,
		pub:     &fakePublisher{},
		store:   &fakeStore{},
	}
	coord, err := New(Options{
		Conversation: h.conv,
		Backend:      b,
		Publisher:    h.pub,
		Store:        h.store,
		Answers:      cache.NewAnswerCache(time.Minute),
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	h.coord = coord
	t.Cleanup(coord.Close)
	return h
}

func (h *harness) holdPrediction(question, answer string) {
	h.conv.SetSuggestions("s1", suggest.NewSet(question, 0.9, []string{"billing"}, nil))
	h.conv.SetPrecomputed("s1", suggest.PrecomputedAnswer{ID: "pre_1", Answer: answer, Question: question})
}

func contents(msgs []session.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = string(m.Role) + ": " + m.Content
	}
	return out
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{Logger: slog.Default()})
	assert.Error(t, err)
}

func TestSendSuccess(t *testing.T) {
	h := newHarness(t, &fakeBackend{
		reply: "Refunds take 5 business days.",
		prediction: &backend.PredictResponse{
			PredictedQuestion:   "Can I get a refund by card?",
			Confidence:          0.8,
			Suggestions:         []string{"billing"},
			PrecomputedAnswerID: "pre_9",
		},
		answers: map[string]string{"pre_9": "Yes, to the original card."},
		userCtx: &backend.UserContext{WelcomeMessage: "Welcome back"},
	})
	h.conv.SetDraft("How long do refunds take?")

	require.NoError(t, h.coord.Send(context.Background(), "  How long do refunds take?  "))

	assert.Equal(t, []string{
		"user: How long do refunds take?",
		"assistant: Refunds take 5 business days.",
	}, contents(h.conv.Messages()))
	assert.False(t, h.conv.Busy())
	assert.Empty(t, h.conv.Draft())

	sum, ok := h.store.get("s1")
	require.True(t, ok)
	assert.Equal(t, 2, sum.MessageCount)
	assert.Equal(t, "How long do refunds take?", sum.Title)

	h.coord.Wait()
	set, ok := h.conv.Suggestions()
	require.True(t, ok)
	assert.Equal(t, "Can I get a refund by card?", set.PredictedQuestion)

	answer, ok := h.conv.Precomputed()
	require.True(t, ok)
	assert.Equal(t, "Yes, to the original card.", answer.Answer)

	uc, ok := h.coord.UserContext()
	require.True(t, ok)
	assert.Equal(t, "Welcome back", uc.WelcomeMessage)
}

func TestSendShortcutHit(t *testing.T) {
	h := newHarness(t, &fakeBackend{reply: "from backend"})
	h.holdPrediction("What is the refund policy?", "Refunds within 30 days.")
	h.conv.SetDraft("refund policy what is it")

	require.NoError(t, h.coord.Send(context.Background(), "refund policy what is it"))

	assert.Empty(t, h.backend.sentMessages(), "the chat call must be skipped")
	assert.Equal(t, []string{
		"user: refund policy what is it",
		"assistant: Refunds within 30 days.",
	}, contents(h.conv.Messages()))

	st := h.conv.Snapshot()
	assert.Nil(t, st.Suggestions)
	assert.Nil(t, st.Precomputed)
	assert.Empty(t, st.Draft)
	assert.False(t, st.Busy)

	sum, ok := h.store.get("s1")
	require.True(t, ok)
	assert.Equal(t, 2, sum.MessageCount)
}

func TestSendShortcutMiss(t *testing.T) {
	h := newHarness(t, &fakeBackend{reply: "Go to settings."})
	h.holdPrediction("What is the refund policy?", "Refunds within 30 days.")

	require.NoError(t, h.coord.Send(context.Background(), "how do I reset my password"))
	h.coord.Wait()

	assert.Equal(t, []string{"how do I reset my password"}, h.backend.sentMessages())
	assert.Equal(t, "assistant: Go to settings.", contents(h.conv.Messages())[1])
	_, held := h.conv.Precomputed()
	assert.False(t, held)
}

func TestShortcutNeedsAnswer(t *testing.T) {
	h := newHarness(t, &fakeBackend{reply: "from backend"})
	h.conv.SetSuggestions("s1", suggest.NewSet("What is the refund policy?", 0.9, nil, nil))

	require.NoError(t, h.coord.Send(context.Background(), "What is the refund policy?"))
	h.coord.Wait()

	assert.Len(t, h.backend.sentMessages(), 1)
}

func TestSendFailureAppendsApology(t *testing.T) {
	h := newHarness(t, &fakeBackend{sendErr: errors.New("connection reset")})
	h.holdPrediction("What is the refund policy?", "Refunds within 30 days.")

	require.NoError(t, h.coord.Send(context.Background(), "something else entirely"))
	h.coord.Wait()

	assert.Equal(t, []string{
		"user: something else entirely",
		"assistant: " + ApologyMessage,
	}, contents(h.conv.Messages()))

	st := h.conv.Snapshot()
	assert.False(t, st.Busy)
	assert.Nil(t, st.Suggestions)
	assert.Nil(t, st.Precomputed)
	assert.Equal(t, 0, h.backend.predictCalls, "no prediction after a failed send")
}

func TestBusyFlagBlocksOverlappingSends(t *testing.T) {
	gate := make(chan struct{})
	b := &fakeBackend{reply: "ok", sendGate: gate, sendStarted: make(chan struct{}, 1)}
	h := newHarness(t, b)

	done := make(chan error, 1)
	go func() { done <- h.coord.Send(context.Background(), "first") }()
	<-b.sendStarted

	assert.True(t, h.conv.Busy())
	assert.ErrorIs(t, h.coord.Send(context.Background(), "second"), ErrBusy)
	assert.ErrorIs(t, h.coord.Pick(context.Background(), "third"), ErrBusy)

	close(gate)
	require.NoError(t, <-done)
	h.coord.Wait()

	assert.False(t, h.conv.Busy())
	assert.Equal(t, []string{"first"}, b.sentMessages())
}

func TestPickBypassesShortcut(t *testing.T) {
	h := newHarness(t, &fakeBackend{reply: "full answer"})
	h.holdPrediction("What is the refund policy?", "Refunds within 30 days.")
	h.conv.SetDraft("half typed")

	require.NoError(t, h.coord.Pick(context.Background(), "What is the refund policy?"))
	h.coord.Wait()

	assert.Equal(t, []string{"What is the refund policy?"}, h.backend.sentMessages())
	assert.Equal(t, "assistant: full answer", contents(h.conv.Messages())[1])
	assert.Empty(t, h.conv.Draft())
}

func TestEmptyInputIsRejected(t *testing.T) {
	h := newHarness(t, &fakeBackend{})

	assert.ErrorIs(t, h.coord.Send(context.Background(), "   "), ErrEmptyInput)
	assert.ErrorIs(t, h.coord.Pick(context.Background(), ""), ErrEmptyInput)
	assert.False(t, h.conv.Busy())
}

func TestStalePredictionIsDiscarded(t *testing.T) {
	gate := make(chan struct{})
	b := &fakeBackend{
		reply:       "ok",
		prediction:  &backend.PredictResponse{PredictedQuestion: "old question", Confidence: 0.9},
		predictGate: gate,
	}
	h := newHarness(t, b)

	require.NoError(t, h.coord.Send(context.Background(), "hello"))
	require.NoError(t, h.coord.LoadSession(context.Background(), "s2"))

	close(gate)
	h.coord.Wait()

	assert.Equal(t, "s2", h.conv.SessionID())
	_, ok := h.conv.Suggestions()
	assert.False(t, ok, "a prediction for the previous session must not be applied")
}

func TestSwitchDuringSendKeepsReplyOut(t *testing.T) {
	gate := make(chan struct{})
	b := &fakeBackend{reply: "late reply", sendGate: gate, sendStarted: make(chan struct{}, 1)}
	h := newHarness(t, b)

	done := make(chan error, 1)
	go func() { done <- h.coord.Send(context.Background(), "first") }()
	<-b.sendStarted

	require.NoError(t, h.coord.LoadSession(context.Background(), "s2"))
	close(gate)
	require.NoError(t, <-done)
	h.coord.Wait()

	assert.Empty(t, h.conv.Messages())
	assert.False(t, h.conv.Busy())
	_, ok := h.store.get("s2")
	assert.False(t, ok)
}

func TestHandleEvent(t *testing.T) {
	b := &fakeBackend{answers: map[string]string{"pre_1": "Refunds within 30 days."}}
	h := newHarness(t, b)

	h.coord.HandleEvent("s1", live.Event{
		Type:              live.EventSuggestion,
		PredictedQuestion: "What is the refund policy?",
		Confidence:        0.8,
	})
	set, ok := h.conv.Suggestions()
	require.True(t, ok)
	require.Len(t, set.Predictions, 1)

	ready := live.Event{Type: live.EventPrecomputedReady, PrecomputedAnswerID: "pre_1", PredictedQuestion: "What is the refund policy?"}
	h.coord.HandleEvent("s1", ready)
	h.coord.Wait()
	h.coord.HandleEvent("s1", ready)
	h.coord.Wait()

	answer, ok := h.conv.Precomputed()
	require.True(t, ok)
	assert.Equal(t, "Refunds within 30 days.", answer.Answer)
	assert.Equal(t, 1, b.answerCalls, "the second announcement is served from the cache")
}

func TestHandleEventForOtherSessionIsIgnored(t *testing.T) {
	h := newHarness(t, &fakeBackend{})

	h.coord.HandleEvent("s0", live.Event{Type: live.EventSuggestion, PredictedQuestion: "q"})
	h.coord.Wait()

	_, ok := h.conv.Suggestions()
	assert.False(t, ok)
}

func TestUpdateDraftSnapshotThreshold(t *testing.T) {
	h := newHarness(t, &fakeBackend{})

	assert.False(t, h.coord.UpdateDraft("hi"))
	assert.True(t, h.coord.UpdateDraft("hey"))
	assert.False(t, h.coord.UpdateDraft("hey"), "unchanged draft is not resent")
	assert.True(t, h.coord.UpdateDraft("hey there"))

	require.Len(t, h.pub.snapshots, 2)
	assert.Equal(t, "hey there", h.pub.snapshots[1].CurrentInput)
	assert.NotNil(t, h.pub.snapshots[1].Messages)
}

func TestLoadSession(t *testing.T) {
	history := []session.Message{
		{Role: session.RoleUser, Content: "hi", Timestamp: "2025-01-01T00:00:00Z"},
		{Role: session.RoleAssistant, Content: "hello", Timestamp: "2025-01-01T00:00:01Z"},
	}
	h := newHarness(t, &fakeBackend{sessions: map[string][]session.Message{"s2": history}})

	require.NoError(t, h.coord.LoadSession(context.Background(), "s2"))
	first := h.conv.Snapshot()
	require.NoError(t, h.coord.LoadSession(context.Background(), "s2"))
	second := h.conv.Snapshot()
	h.coord.Wait()

	assert.Equal(t, first, second)
	assert.Equal(t, history, second.Messages)
	sum, ok := h.store.get("s2")
	require.True(t, ok)
	assert.Equal(t, 2, sum.MessageCount)

	require.NoError(t, h.coord.LoadSession(context.Background(), "unknown"))
	h.coord.Wait()
	assert.Empty(t, h.conv.Messages())
}
