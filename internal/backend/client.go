// Package backend is the request/response client for the NextMind chat API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"NextMind/internal/session"
	"NextMind/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotFound is returned when the server answers 404
var ErrNotFound = errors.New("not found")

// StatusError is returned for any other non-2xx response
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error: %s - %s", e.Status, e.Body)
}

// Client calls the chat API
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	duration   metric.Float64Histogram
}

// NewClient creates a client for the API rooted at baseURL.
// A nil tracer or meter falls back to the global providers.
func NewClient(baseURL string, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("invalid API base URL %q", baseURL)
	}

	duration, err := telemetry.Meter(meter).Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// chat calls are not bounded by a client timeout; callers cancel through ctx
		httpClient: &http.Client{},
		logger:     logger,
		tracer:     telemetry.Tracer(tracer),
		duration:   duration,
	}, nil
}

// SendMessage posts a user message and returns the assistant reply
func (c *Client) SendMessage(ctx context.Context, sessionID, message string, usePrecomputed bool) (string, error) {
	req := ChatRequest{SessionID: sessionID, Message: message, UsePrecomputed: usePrecomputed}
	var resp ChatResponse
	if err := c.do(ctx, "backend.send_message", http.MethodPost, "/chat", req, &resp); err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// GetSession returns the stored message log of a session
func (c *Client) GetSession(ctx context.Context, sessionID string) ([]session.Message, error) {
	var resp SessionResponse
	if err := c.do(ctx, "backend.get_session", http.MethodGet, "/chat/session/"+url.PathEscape(sessionID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// ListSessions returns the server's session list
func (c *Client) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	var resp ListSessionsResponse
	if err := c.do(ctx, "backend.list_sessions", http.MethodGet, "/chat/sessions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// GetUserContext returns the welcome and focus data shown on an empty conversation
func (c *Client) GetUserContext(ctx context.Context) (*UserContext, error) {
	var resp UserContext
	if err := c.do(ctx, "backend.get_user_context", http.MethodGet, "/chat/user-context", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PredictIntent asks for the user's likely next question given the history
func (c *Client) PredictIntent(ctx context.Context, sessionID string, messages []session.Message) (*PredictResponse, error) {
	req := PredictRequest{SessionID: sessionID, Messages: messages}
	if req.Messages == nil {
		req.Messages = []session.Message{}
	}
	var resp PredictResponse
	if err := c.do(ctx, "backend.predict_intent", http.MethodPost, "/predict-intent", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetPrecomputedAnswer fetches a precomputed answer by id
func (c *Client) GetPrecomputedAnswer(ctx context.Context, answerID string) (*PrecomputedAnswerResponse, error) {
	var resp PrecomputedAnswerResponse
	if err := c.do(ctx, "backend.get_precomputed_answer", http.MethodGet, "/precomputed-answer/"+url.PathEscape(answerID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteSession removes a session on the server
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	var resp DeleteResponse
	return c.do(ctx, "backend.delete_session", http.MethodDelete, "/chat/session/"+url.PathEscape(sessionID), nil, &resp)
}

// do performs one JSON round trip inside a span
func (c *Client) do(ctx context.Context, op, method, path string, body, out interface{}) (err error) {
	ctx, span := c.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", path),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	start := time.Now()
	defer func() {
		c.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", op)))
	}()

	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(respBody)}
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	c.logger.Debug("api call completed", "operation", op, "status", resp.StatusCode)
	return nil
}
