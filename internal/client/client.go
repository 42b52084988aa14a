// Package client talks to the research server. Streaming responses are fed
// through a stream.Reassembler so callers get both live events and the
// reassembled answer.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/stream"
)

const (
	DefaultRetries = 2
	DefaultBackoff = 500 * time.Millisecond
)

var (
	// ErrIncomplete is returned when a stream ends without a terminal event.
	ErrIncomplete = errors.New("research stream ended without a terminal event")
)

// DuplicateError is returned once the 429 retry budget is spent.
type DuplicateError struct {
	RequestID string
	Attempts  int
}

func (e *DuplicateError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("identical request %s still in progress after %d attempts", e.RequestID, e.Attempts)
	}
	return fmt.Sprintf("identical request still in progress after %d attempts", e.Attempts)
}

// APIError is a non-2xx response other than 429.
type APIError struct {
	StatusCode int
	Message    string
	Details    []FieldError
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("research server returned %d: %s", e.StatusCode, e.Message)
	}
	parts := make([]string, 0, len(e.Details))
	for _, detail := range e.Details {
		parts = append(parts, detail.Field+" "+detail.Message)
	}
	return fmt.Sprintf("research server returned %d: %s (%s)", e.StatusCode, e.Message, strings.Join(parts, "; "))
}

// StreamError carries the message of an error event.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return "research failed: " + e.Message
}

type Client struct {
	baseURL string
	http    *http.Client
	retries int
	backoff time.Duration
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithRetries sets how many times a 429 is retried.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.retries = n
		}
	}
}

// WithBackoff sets the first retry delay. Each later retry doubles it.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.backoff = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		retries: DefaultRetries,
		backoff: DefaultBackoff,
		logger:  zap.NewNop(),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request is the research trigger. Zero values take the server defaults.
type Request struct {
	Mode            string
	Prompt          string
	URL             string
	MaxDepth        int
	FeedbackEnabled *bool
	ThreadID        string
	ResourceID      string
}

type triggerBody struct {
	Mode            string `json:"mode,omitempty"`
	Prompt          string `json:"prompt,omitempty"`
	URL             string `json:"url,omitempty"`
	MaxDepth        int    `json:"maxDepth,omitempty"`
	FeedbackEnabled *bool  `json:"feedbackEnabled,omitempty"`
	ThreadID        string `json:"threadId,omitempty"`
	ResourceID      string `json:"resourceId,omitempty"`
	Stream          bool   `json:"stream"`
}

func (r Request) body(streaming bool) triggerBody {
	return triggerBody{
		Mode:            r.Mode,
		Prompt:          r.Prompt,
		URL:             r.URL,
		MaxDepth:        r.MaxDepth,
		FeedbackEnabled: r.FeedbackEnabled,
		ThreadID:        r.ThreadID,
		ResourceID:      r.ResourceID,
		Stream:          streaming,
	}
}

// Result is the outcome of one research call.
type Result struct {
	RequestID string
	RunID     string
	Content   string
	Warning   string
	State     stream.State
}

// Stream posts req in streaming mode and reassembles the response. onEvent,
// when set, sees every decoded event as it arrives.
func (c *Client) Stream(ctx context.Context, req Request, onEvent func(stream.Event)) (Result, error) {
	resp, err := c.post(ctx, "/research", req.body(true))
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	opts := []stream.ReassemblerOption{stream.WithReassemblerLogger(c.logger)}
	if onEvent != nil {
		opts = append(opts, stream.OnEvent(onEvent))
	}
	reassembler := stream.NewReassembler(opts...)
	_, readErr := reassembler.ReadFrom(resp.Body)
	state := reassembler.State()
	result := Result{
		RequestID: firstNonEmpty(state.RequestID, resp.Header.Get("X-Request-Id")),
		RunID:     resp.Header.Get("X-Run-Id"),
		Content:   state.AccumulatedContent,
		State:     state,
	}
	switch {
	case state.IsError:
		return result, &StreamError{Message: state.ErrorMessage}
	case state.IsDone:
		if state.Degenerate() {
			c.logger.Warn("research stream finished without content", zap.String("request_id", result.RequestID))
		}
		return result, nil
	case readErr != nil:
		return result, fmt.Errorf("%w: %w", ErrIncomplete, readErr)
	default:
		return result, ErrIncomplete
	}
}

type syncResponse struct {
	Response string `json:"response"`
	Warning  string `json:"warning"`
	RunID    string `json:"runId"`
}

// Ask posts req in non-streaming mode. A timed-out run still succeeds with
// the apology text and a warning.
func (c *Client) Ask(ctx context.Context, req Request) (Result, error) {
	resp, err := c.post(ctx, "/research", req.body(false))
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	var payload syncResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Result{}, fmt.Errorf("decode research response: %w", err)
	}
	return Result{
		RequestID: resp.Header.Get("X-Request-Id"),
		RunID:     firstNonEmpty(payload.RunID, resp.Header.Get("X-Run-Id")),
		Content:   payload.Response,
		Warning:   payload.Warning,
	}, nil
}

// Cancel asks the server to stop an in-flight request.
func (c *Client) Cancel(ctx context.Context, requestID string) error {
	resp, err := c.do(ctx, "/research/cancel", map[string]string{"requestId": requestID})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	return nil
}

// post sends a trigger, retrying while the server reports the identical
// request as still running.
func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	var lastDuplicate string
	for attempt := 0; ; attempt++ {
		resp, err := c.do(ctx, path, body)
		if err != nil {
			return nil, err
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			lastDuplicate = decodeDuplicate(resp)
			if attempt >= c.retries {
				return nil, &DuplicateError{RequestID: lastDuplicate, Attempts: attempt + 1}
			}
			delay := c.backoff << attempt
			c.logger.Info("identical request in progress, retrying",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", delay),
				zap.String("request_id", lastDuplicate),
			)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		case resp.StatusCode >= 300:
			defer resp.Body.Close()
			return nil, decodeAPIError(resp)
		default:
			return resp, nil
		}
	}
}

func (c *Client) do(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream, application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("research request: %w", err)
	}
	return resp, nil
}

type errorBody struct {
	Error     string       `json:"error"`
	Message   string       `json:"message"`
	Details   []FieldError `json:"details"`
	RequestID string       `json:"requestId"`
}

func decodeDuplicate(resp *http.Response) string {
	defer resp.Body.Close()
	var body errorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body)
	return body.RequestID
}

func decodeAPIError(resp *http.Response) error {
	var body errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	message := body.Error
	if body.Message != "" {
		message += ": " + body.Message
	}
	return &APIError{StatusCode: resp.StatusCode, Message: message, Details: body.Details}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
