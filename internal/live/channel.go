// Package live keeps a push connection to the suggestion server for the active session.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"NextMind/internal/telemetry"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultReconnectDelay is the pause between a lost connection and the next dial
const DefaultReconnectDelay = 3 * time.Second

// ErrClosed is returned by Bind after Close
var ErrClosed = errors.New("live channel closed")

// State is the connection state of the channel
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Conn is the subset of a websocket connection the channel uses
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens connections
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials with gorilla/websocket
type WebSocketDialer struct {
	Dialer *websocket.Dialer
}

func (d WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	return conn, nil
}

// Handler receives events along with the session id the connection was bound to
type Handler func(sessionID string, ev Event)

// Options configures a Channel
type Options struct {
	BaseURL        string
	ReconnectDelay time.Duration
	Dialer         Dialer
	Scheduler      Scheduler
	Handler        Handler
	Logger         *slog.Logger
	Meter          metric.Meter
}

// Channel is a reconnecting, session-bound websocket client.
// Delivery is best effort in both directions.
type Channel struct {
	baseURL string
	delay   time.Duration
	dialer  Dialer
	sched   Scheduler
	handler Handler
	logger  *slog.Logger

	reconnects metric.Int64Counter
	dropped    metric.Int64Counter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     State
	sessionID string
	gen       uint64
	conn      Conn
	timer     Timer
	closed    bool
}

// New creates an unbound channel
func New(opts Options) (*Channel, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("websocket base URL cannot be empty")
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = WebSocketDialer{}
	}
	if opts.Scheduler == nil {
		opts.Scheduler = RealScheduler
	}
	if opts.Handler == nil {
		opts.Handler = func(string, Event) {}
	}

	meter := telemetry.Meter(opts.Meter)
	reconnects, err := meter.Int64Counter("nextmind.live.reconnects",
		metric.WithDescription("Reconnect attempts scheduled by the live channel"))
	if err != nil {
		return nil, fmt.Errorf("failed to create reconnect counter: %w", err)
	}
	dropped, err := meter.Int64Counter("nextmind.live.dropped",
		metric.WithDescription("Outbound payloads dropped while not connected"))
	if err != nil {
		return nil, fmt.Errorf("failed to create dropped counter: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		delay:      opts.ReconnectDelay,
		dialer:     opts.Dialer,
		sched:      opts.Scheduler,
		handler:    opts.Handler,
		logger:     opts.Logger,
		reconnects: reconnects,
		dropped:    dropped,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// URL returns the endpoint for a session
func (c *Channel) URL(sessionID string) string {
	return c.baseURL + "/suggestions/live/" + url.PathEscape(sessionID)
}

// Bind tears down any current connection and pending reconnect, then
// connects for sessionID. A failed dial is retried after the reconnect delay.
func (c *Channel) Bind(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.teardownLocked()
	c.gen++
	c.sessionID = sessionID
	gen := c.gen
	c.mu.Unlock()

	c.logger.Debug("binding live channel", "session_id", sessionID)
	c.connect(ctx, gen)
	return nil
}

// Send writes v as JSON if connected and reports whether it was written
func (c *Channel) Send(v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("failed to marshal live payload", "error", err)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Connected || c.conn == nil {
		c.dropped.Add(c.ctx, 1, metric.WithAttributes(attribute.String("state", c.state.String())))
		c.logger.Debug("dropping live payload", "session_id", c.sessionID, "state", c.state.String())
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.dropped.Add(c.ctx, 1, metric.WithAttributes(attribute.String("state", "write_error")))
		c.logger.Warn("failed to write live payload", "session_id", c.sessionID, "error", err)
		return false
	}
	return true
}

// State returns the current connection state
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the bound session id
func (c *Channel) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Close tears the channel down permanently and waits for its goroutines
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.teardownLocked()
	c.gen++
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.logger.Debug("closed live channel")
	return nil
}

func (c *Channel) connect(ctx context.Context, gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.state = Connecting
	sessionID := c.sessionID
	c.mu.Unlock()

	conn, err := c.dialer.Dial(ctx, c.URL(sessionID))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || gen != c.gen {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.state = Disconnected
		c.logger.Warn("live channel dial failed", "session_id", sessionID, "error", err)
		c.scheduleReconnectLocked(gen)
		return
	}

	c.conn = conn
	c.state = Connected
	c.logger.Info("live channel connected", "session_id", sessionID)

	c.wg.Add(1)
	go c.readLoop(conn, gen, sessionID)
}

func (c *Channel) readLoop(conn Conn, gen uint64, sessionID string) {
	defer c.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(conn, gen, err)
			return
		}

		ev, err := ParseEvent(data)
		if err != nil {
			c.logger.Debug("discarding live payload", "session_id", sessionID, "error", err)
			continue
		}
		if ev.Type == EventError {
			c.logger.Warn("live channel server error", "session_id", sessionID, "message", ev.Message)
			continue
		}

		c.mu.Lock()
		current := !c.closed && gen == c.gen
		c.mu.Unlock()
		if !current {
			return
		}
		c.handler(sessionID, ev)
	}
}

func (c *Channel) connectionLost(conn Conn, gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || gen != c.gen || c.conn != conn {
		return
	}
	conn.Close()
	c.conn = nil
	c.state = Disconnected
	c.logger.Info("live channel disconnected", "session_id", c.sessionID, "error", err)
	c.scheduleReconnectLocked(gen)
}

// scheduleReconnectLocked arms the reconnect timer unless one is pending
func (c *Channel) scheduleReconnectLocked(gen uint64) {
	if c.timer != nil {
		return
	}
	c.reconnects.Add(c.ctx, 1)
	c.timer = c.sched.AfterFunc(c.delay, func() {
		c.mu.Lock()
		if c.closed || gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		c.wg.Add(1)
		c.mu.Unlock()

		defer c.wg.Done()
		c.connect(c.ctx, gen)
	})
}

// teardownLocked cancels the pending reconnect and closes the connection
func (c *Channel) teardownLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.conn != nil {
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
		c.conn = nil
	}
	c.state = Disconnected
}
