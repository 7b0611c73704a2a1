package chatbot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"NextMind/internal/backend"
	"NextMind/internal/cache"
	"NextMind/internal/config"
	"NextMind/internal/conversation"
	"NextMind/internal/live"
	"NextMind/internal/predict"
	"NextMind/internal/reconcile"
	"NextMind/internal/session"
	"NextMind/internal/store"
	"NextMind/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// welcomeQuestions is how many suggested questions the welcome screen offers
const welcomeQuestions = 3

// API is the request/response surface of the chat server
type API interface {
	predict.Backend
	reconcile.Remote
}

// Channel is the live suggestion connection
type Channel interface {
	Bind(ctx context.Context, sessionID string) error
	Send(v interface{}) bool
	State() live.State
	Close() error
}

// Deps are the collaborators a ChatBot drives
type Deps struct {
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Meter   metric.Meter
	API     API
	Store   *store.Store
	Channel Channel
	In      io.Reader
	Out     io.Writer
}

// ChatBot represents the main application
type ChatBot struct {
	config   config.Config
	logger   *slog.Logger
	tracer   trace.Tracer
	store    *store.Store
	channel  Channel
	conv     *conversation.Conversation
	coord    *predict.Coordinator
	sessions *reconcile.Reconciler
	answers  *cache.AnswerCache
	now      func() time.Time

	in    io.Reader
	out   io.Writer
	outMu sync.Mutex

	// serializes session changes
	mu sync.Mutex

	cleanup []func()
}

// NewChatBot creates a ChatBot wired to the real server, database and log files
func NewChatBot(cfg config.Config) (*ChatBot, error) {
	logger, logCloser, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	cleanup := []func(){func() { logCloser.Close() }}
	fail := func(err error) (*ChatBot, error) {
		runCleanup(cleanup)
		return nil, err
	}

	var tracer trace.Tracer
	var meter metric.Meter
	if cfg.Telemetry {
		t, m, shutdown, err := telemetry.InitTelemetry(context.Background(), cfg.LogDir)
		if err != nil {
			return fail(fmt.Errorf("failed to initialize telemetry: %w", err))
		}
		tracer, meter = t, m
		cleanup = append(cleanup, shutdown)
	}

	if cfg.Debug {
		logger.Info("Debug mode enabled")
	}

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize database: %w", err))
	}

	api, err := backend.NewClient(cfg.APIBaseURL, logger, tracer, meter)
	if err != nil {
		st.Close()
		return fail(err)
	}

	var cb *ChatBot
	ch, err := live.New(live.Options{
		BaseURL:        cfg.WSBaseURL,
		ReconnectDelay: cfg.ReconnectDelay,
		Logger:         logger,
		Meter:          meter,
		Handler: func(sessionID string, ev live.Event) {
			cb.coord.HandleEvent(sessionID, ev)
		},
	})
	if err != nil {
		st.Close()
		return fail(fmt.Errorf("failed to create live channel: %w", err))
	}

	cb, err = New(cfg, Deps{
		Logger:  logger,
		Tracer:  tracer,
		Meter:   meter,
		API:     api,
		Store:   st,
		Channel: ch,
		In:      os.Stdin,
		Out:     os.Stdout,
	})
	if err != nil {
		ch.Close()
		st.Close()
		return fail(err)
	}
	cb.cleanup = cleanup
	return cb, nil
}

func runCleanup(fns []func()) {
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

// New creates a ChatBot from explicit dependencies
func New(cfg config.Config, deps Deps) (*ChatBot, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if deps.API == nil || deps.Store == nil || deps.Channel == nil {
		return nil, fmt.Errorf("API, store and channel are required")
	}
	if deps.In == nil {
		deps.In = os.Stdin
	}
	if deps.Out == nil {
		deps.Out = os.Stdout
	}

	cb := &ChatBot{
		config:  cfg,
		logger:  deps.Logger,
		tracer:  telemetry.Tracer(deps.Tracer),
		store:   deps.Store,
		channel: deps.Channel,
		conv:    conversation.New(""),
		answers: cache.NewAnswerCache(cfg.AnswerCacheTTL),
		now:     time.Now,
		in:      deps.In,
		out:     deps.Out,
	}

	coord, err := predict.New(predict.Options{
		Conversation:      cb.conv,
		Backend:           deps.API,
		Publisher:         deps.Channel,
		Store:             deps.Store,
		Answers:           cb.answers,
		Logger:            deps.Logger,
		Tracer:            deps.Tracer,
		Meter:             deps.Meter,
		ShortcutThreshold: cfg.ShortcutThreshold,
		SnapshotMinLength: cfg.SnapshotMinLength,
		OnChange:          cb.onChange,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}
	cb.coord = coord

	sessions, err := reconcile.New(deps.API, deps.Store, deps.Logger, cfg.SessionListLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to create session reconciler: %w", err)
	}
	cb.sessions = sessions

	return cb, nil
}

// Start opens the initial session: the configured id, then the last used
// one, then a new session
func (cb *ChatBot) Start(ctx context.Context) error {
	sessionID := cb.config.SessionID
	if sessionID == "" {
		id, err := cb.store.ActiveSessionID(ctx)
		if err != nil {
			cb.logger.Warn("failed to read active session", "error", err)
		}
		sessionID = id
	}
	if sessionID == "" {
		_, err := cb.NewSession(ctx)
		return err
	}
	cb.logger.Info("resuming session", "session_id", sessionID)
	return cb.SwitchSession(ctx, sessionID)
}

// SessionID returns the active session id
func (cb *ChatBot) SessionID() string {
	return cb.conv.SessionID()
}

// NewSession creates an empty session and makes it active
func (cb *ChatBot) NewSession(ctx context.Context) (string, error) {
	sessionID := session.NewID(cb.now())
	if err := cb.store.Put(ctx, sessionID, session.Placeholder(sessionID, cb.now())); err != nil {
		cb.logger.Warn("failed to save new session", "session_id", sessionID, "error", err)
	}
	cb.logger.Info("created new session", "session_id", sessionID)
	return sessionID, cb.SwitchSession(ctx, sessionID)
}

// SwitchSession makes sessionID the active session
func (cb *ChatBot) SwitchSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id cannot be empty")
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	ctx, span := cb.tracer.Start(ctx, "chatbot.switch_session",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	if err := cb.store.SetActiveSessionID(ctx, sessionID); err != nil {
		cb.logger.Warn("failed to save active session", "session_id", sessionID, "error", err)
	}
	if n := cb.answers.Purge(false); n > 0 {
		cb.logger.Debug("purged expired precomputed answers", "count", n)
	}

	// an unreachable server leaves the session open with an empty log
	if err := cb.coord.LoadSession(ctx, sessionID); err != nil {
		span.RecordError(err)
		cb.logger.Warn("failed to load session history", "session_id", sessionID, "error", err)
	}
	if err := cb.channel.Bind(ctx, sessionID); err != nil {
		cb.logger.Warn("failed to bind live channel", "session_id", sessionID, "error", err)
	}
	return nil
}

// DeleteSession removes a session everywhere. Deleting the active session
// moves to a new one even if the server could not be reached.
func (cb *ChatBot) DeleteSession(ctx context.Context, sessionID string) error {
	err := cb.sessions.Delete(ctx, sessionID)
	if sessionID == cb.conv.SessionID() {
		if _, newErr := cb.NewSession(ctx); newErr != nil {
			return errors.Join(err, newErr)
		}
	}
	return err
}

// Sessions returns the merged session list
func (cb *ChatBot) Sessions(ctx context.Context) ([]session.Summary, error) {
	return cb.sessions.List(ctx)
}

// Close stops background work and releases every resource
func (cb *ChatBot) Close() error {
	cb.coord.Close()
	var errs []error
	if err := cb.channel.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := cb.store.Close(); err != nil {
		errs = append(errs, err)
	}
	runCleanup(cb.cleanup)
	cb.cleanup = nil
	return errors.Join(errs...)
}

// onChange reports background updates while the REPL is running
func (cb *ChatBot) onChange(change predict.Change, sessionID string) {
	switch change {
	case predict.SuggestionsChanged:
		cb.printSuggestions()
	case predict.AnswerReady:
		cb.printf("(an answer to the top suggestion is ready)\n")
	case predict.ContextChanged:
		cb.logger.Debug("user context refreshed", "session_id", sessionID)
	}
}

// printf writes to the REPL output; background updates share it
func (cb *ChatBot) printf(format string, args ...interface{}) {
	cb.outMu.Lock()
	defer cb.outMu.Unlock()
	fmt.Fprintf(cb.out, format, args...)
}

func (cb *ChatBot) printSuggestions() {
	set, ok := cb.conv.Suggestions()
	if !ok || len(set.Predictions) == 0 {
		cb.printf("No suggestions yet.\n")
		return
	}

	var b strings.Builder
	b.WriteString("Suggestions:\n")
	for i, p := range set.Top(cb.config.MaxSuggestions) {
		fmt.Fprintf(&b, "  %d. %s (%.0f%%)\n", i+1, p.Question, p.Confidence*100)
	}
	if len(set.Topics) > 0 {
		fmt.Fprintf(&b, "  topics: %s\n", strings.Join(set.Topics, ", "))
	}
	cb.printf("%s", b.String())
}

// welcomeQuestionList returns the suggested questions offered on the welcome screen
func (cb *ChatBot) welcomeQuestionList() []string {
	uc, ok := cb.coord.UserContext()
	if !ok {
		return nil
	}
	questions := uc.SuggestedQuestions
	if len(questions) > welcomeQuestions {
		questions = questions[:welcomeQuestions]
	}
	return questions
}

func (cb *ChatBot) printWelcome() {
	uc, ok := cb.coord.UserContext()
	if !ok {
		return
	}

	var b strings.Builder
	if uc.WelcomeMessage != "" {
		fmt.Fprintf(&b, "%s\n", uc.WelcomeMessage)
	}
	if uc.ActivityType != "" {
		fmt.Fprintf(&b, "Activity: %s\n", uc.ActivityType)
	}
	if uc.CurrentFocus != "" {
		fmt.Fprintf(&b, "Current focus: %s\n", uc.CurrentFocus)
	}
	if questions := cb.welcomeQuestionList(); len(questions) > 0 {
		b.WriteString("You might ask (/ask <n>):\n")
		for i, q := range questions {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, q)
		}
	}
	cb.printf("%s", b.String())
}

func (cb *ChatBot) printLastReply() {
	messages := cb.conv.Messages()
	if len(messages) == 0 {
		return
	}
	last := messages[len(messages)-1]
	if last.Role == session.RoleAssistant {
		cb.printf("Bot: %s\n\n", last.Content)
	}
}

// send delivers typed input, or a picked suggestion when pick is set
func (cb *ChatBot) send(ctx context.Context, text string, pick bool) error {
	var err error
	if pick {
		cb.printf("You: %s\n", text)
		err = cb.coord.Pick(ctx, text)
	} else {
		err = cb.coord.Send(ctx, text)
	}
	if err != nil {
		return err
	}
	cb.printLastReply()
	return nil
}

// handleCommand processes slash commands
func (cb *ChatBot) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}
	arg := strings.TrimSpace(strings.TrimPrefix(cmd, parts[0]))

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/draft":
		if arg == "" {
			return false, fmt.Errorf("usage: /draft <text>")
		}
		if cb.coord.UpdateDraft(arg) {
			cb.printf("Draft shared for live suggestions.\n")
		} else {
			cb.printf("Draft saved.\n")
		}
		return false, nil

	case "/suggestions":
		cb.printSuggestions()
		if _, ok := cb.conv.Precomputed(); ok {
			cb.printf("(an answer to the top suggestion is ready)\n")
		}
		return false, nil

	case "/pick":
		n, err := commandIndex(parts, "/pick <n>")
		if err != nil {
			return false, err
		}
		set, ok := cb.conv.Suggestions()
		if !ok {
			return false, fmt.Errorf("no suggestion %d", n)
		}
		shown := set.Top(cb.config.MaxSuggestions)
		if n > len(shown) {
			return false, fmt.Errorf("no suggestion %d", n)
		}
		return false, cb.send(ctx, shown[n-1].Question, true)

	case "/context":
		if err := cb.coord.RefreshContext(ctx); err != nil {
			return false, err
		}
		cb.printWelcome()
		return false, nil

	case "/ask":
		n, err := commandIndex(parts, "/ask <n>")
		if err != nil {
			return false, err
		}
		questions := cb.welcomeQuestionList()
		if n > len(questions) {
			return false, fmt.Errorf("no suggested question %d", n)
		}
		return false, cb.send(ctx, questions[n-1], true)

	case "/sessions":
		list, err := cb.Sessions(ctx)
		if err != nil {
			return false, err
		}
		if len(list) == 0 {
			cb.printf("No conversations yet.\n")
			return false, nil
		}
		var b strings.Builder
		b.WriteString("\nConversations:\n")
		active := cb.SessionID()
		for _, s := range list {
			marker := " "
			if s.ID == active {
				marker = "*"
			}
			fmt.Fprintf(&b, "%s %s  %s  (%d messages, %s)\n", marker, s.ID, s.Title, s.MessageCount, s.UpdatedAt)
		}
		b.WriteString("\n")
		cb.printf("%s", b.String())
		return false, nil

	case "/open":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /open <session-id>")
		}
		if err := cb.SwitchSession(ctx, parts[1]); err != nil {
			return false, err
		}
		cb.printf("Switched to session: %s\n", parts[1])
		cb.printHistory()
		return false, nil

	case "/new":
		id, err := cb.NewSession(ctx)
		if err != nil {
			return false, err
		}
		cb.printf("Started new session: %s\n", id)
		cb.printWelcome()
		return false, nil

	case "/delete":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /delete <session-id>")
		}
		wasActive := parts[1] == cb.SessionID()
		if err := cb.DeleteSession(ctx, parts[1]); err != nil {
			return false, err
		}
		cb.printf("Deleted session: %s\n", parts[1])
		if wasActive {
			cb.printf("Started new session: %s\n", cb.SessionID())
		}
		return false, nil

	case "/help":
		cb.printf("Available commands:\n" +
			"  /quit, /exit          - Exit the chat\n" +
			"  /draft <text>         - Share a draft for live suggestions\n" +
			"  /suggestions          - Show current suggestions\n" +
			"  /pick <n>             - Send suggestion n\n" +
			"  /context              - Show the welcome screen\n" +
			"  /ask <n>              - Send suggested question n from the welcome screen\n" +
			"  /sessions             - List conversations\n" +
			"  /open <id>            - Switch to a conversation\n" +
			"  /new                  - Start a new conversation\n" +
			"  /delete <id>          - Delete a conversation\n" +
			"  /help                 - Show this help message\n")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command: %s (try /help)", parts[0])
	}
}

func (cb *ChatBot) printHistory() {
	var b strings.Builder
	for _, m := range cb.conv.Messages() {
		who := "You"
		if m.Role == session.RoleAssistant {
			who = "Bot"
		}
		fmt.Fprintf(&b, "%s: %s\n", who, m.Content)
	}
	cb.printf("%s", b.String())
}

func commandIndex(parts []string, usage string) (int, error) {
	if len(parts) < 2 {
		return 0, fmt.Errorf("usage: %s", usage)
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("usage: %s", usage)
	}
	return n, nil
}

// readLines scans input lines until EOF or ctx is done. The error channel
// receives the scanner result before lines is closed.
func (cb *ChatBot) readLines(ctx context.Context) (<-chan string, <-chan error) {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cb.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				errc <- nil
				return
			}
		}
		errc <- scanner.Err()
	}()
	return lines, errc
}

// Run starts the chat loop. It returns when input ends, on /quit, or once ctx
// is cancelled.
func (cb *ChatBot) Run(ctx context.Context) error {
	defer cb.Close()

	cb.printf("=== NextMind ===\n")
	cb.printf("Session: %s\n", cb.SessionID())
	cb.printf("Live suggestions: %s\n", cb.channel.State())
	cb.printf("Type /help for commands, /quit to exit\n\n")

	if cb.conv.Len() == 0 {
		if err := cb.coord.RefreshContext(ctx); err != nil {
			cb.logger.Debug("no user context for welcome screen", "error", err)
		}
		cb.printWelcome()
	} else {
		cb.printHistory()
	}

	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()
	lines, readErr := cb.readLines(readCtx)
loop:
	for ctx.Err() == nil {
		cb.printf("You: ")

		var line string
		select {
		case <-ctx.Done():
			cb.printf("\n")
			break loop
		case l, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil {
					return fmt.Errorf("failed to read input: %w", err)
				}
				break loop
			}
			line = l
		}
		if ctx.Err() != nil {
			break
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := cb.handleCommand(ctx, input)
			if err != nil {
				cb.printf("Error: %v\n", err)
				cb.logger.Error("command error", "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		cb.coord.UpdateDraft(input)
		if err := cb.send(ctx, input, false); err != nil {
			cb.printf("Error: %v\n", err)
			cb.logger.Error("failed to send message", "error", err)
		}
	}

	cb.printf("Goodbye!\n")
	return nil
}
