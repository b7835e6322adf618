// Package a2a is the client for the agent backend's A2A task endpoint.
package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 500 * time.Millisecond
	maxResponseBytes   = 4 << 20
)

// Request is the body sent to the backend.
type Request struct {
	SessionID  string `json:"session_id"`
	TaskText   string `json:"task_text"`
	InputMode  string `json:"input_mode"`
	OutputMode string `json:"output_mode"`
}

type part struct {
	Text string `json:"text"`
}

type artifact struct {
	Parts []part `json:"parts"`
}

type backendError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type response struct {
	Status    string        `json:"status"`
	Artifacts []artifact    `json:"artifacts"`
	Result    *string       `json:"result"`
	Error     *backendError `json:"error"`
}

// InvocationObserver records the duration of a complete Invoke call.
type InvocationObserver interface {
	ObserveInvocation(d time.Duration, kind ErrorKind)
}

// Config configures a Client.
type Config struct {
	Endpoint    string // full task URL
	UserAgent   string
	MaxAttempts int
	RetryDelay  time.Duration // linear: attempt n waits n*RetryDelay
	HTTPClient  *http.Client
	Observer    InvocationObserver
	Logger      *slog.Logger
}

// Client invokes the agent backend with timeout and retry.
type Client struct {
	endpoint    string
	userAgent   string
	maxAttempts int
	retryDelay  time.Duration
	http        *http.Client
	observer    InvocationObserver
	logger      *slog.Logger
	tracer      trace.Tracer

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(cfg Config) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = newHTTPClient()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "slackbridge"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		endpoint:    cfg.Endpoint,
		userAgent:   cfg.UserAgent,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		http:        cfg.HTTPClient,
		observer:    cfg.Observer,
		logger:      cfg.Logger,
		tracer:      otel.Tracer("slackbridge/a2a"),
		sleep:       sleepCtx,
	}
}

// Endpoint returns the task URL requests are posted to.
func (c *Client) Endpoint() string { return c.endpoint }

// MaxAttempts returns the total attempt budget per Invoke.
func (c *Client) MaxAttempts() int { return c.maxAttempts }

// Budget returns the worst-case wall time of one Invoke with the given
// per-attempt timeout.
func (c *Client) Budget(timeout time.Duration) time.Duration {
	total := time.Duration(c.maxAttempts) * timeout
	for i := 1; i < c.maxAttempts; i++ {
		total += time.Duration(i) * c.retryDelay
	}
	return total
}

// Invoke asks the agent to perform taskText in the given session and returns
// the concatenated text of all artifact parts. Each attempt is bounded by
// timeout. Failures are returned as *Error.
func (c *Client) Invoke(ctx context.Context, sessionID, taskText string, timeout time.Duration) (string, error) {
	correlationID := uuid.NewString()
	start := time.Now()

	ctx, span := c.tracer.Start(ctx, "a2a.invoke", trace.WithAttributes(
		attribute.String("a2a.session_id", sessionID),
		attribute.String("a2a.correlation_id", correlationID),
	))
	defer span.End()

	body, err := json.Marshal(Request{
		SessionID:  sessionID,
		TaskText:   taskText,
		InputMode:  "text",
		OutputMode: "text",
	})
	if err != nil {
		return "", &Error{Kind: KindBadResponse, CorrelationID: correlationID, Err: fmt.Errorf("encode request: %w", err)}
	}

	text, attempts, err := c.doWithRetry(ctx, body, correlationID, timeout)
	span.SetAttributes(attribute.Int("a2a.attempts", attempts))

	var kind ErrorKind
	if err != nil {
		var ae *attemptError
		e := &Error{Kind: KindUnreachable, CorrelationID: correlationID, Attempts: attempts, Err: err}
		if errors.As(err, &ae) {
			e.Kind = ae.kind
			e.StatusCode = ae.statusCode
		}
		kind = e.Kind
		span.RecordError(e)
		span.SetStatus(codes.Error, string(e.Kind))
		err = e
	}
	if c.observer != nil {
		c.observer.ObserveInvocation(time.Since(start), kind)
	}
	return text, err
}

// doWithRetry posts body up to maxAttempts times, waiting attempt*retryDelay
// between tries. Only transient failures are retried.
func (c *Client) doWithRetry(ctx context.Context, body []byte, correlationID string, timeout time.Duration) (string, int, error) {
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt-1) * c.retryDelay
			c.logger.Warn("retrying agent request",
				"attempt", attempt,
				"backoff", backoff,
				"correlation_id", correlationID,
				"err", lastErr,
			)
			if err := c.sleep(ctx, backoff); err != nil {
				return "", attempt - 1, lastErr
			}
		}

		text, err := c.attempt(ctx, body, correlationID, timeout)
		if err == nil {
			return text, attempt, nil
		}
		lastErr = err
		if ctx.Err() != nil || !IsRetryable(err) {
			return "", attempt, err
		}
	}

	return "", c.maxAttempts, lastErr
}

func (c *Client) attempt(ctx context.Context, body []byte, correlationID string, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &attemptError{kind: KindUnreachable, err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Correlation-ID", correlationID)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", classifyTransport(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", classifyTransport(fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", &attemptError{kind: KindUnreachable, statusCode: resp.StatusCode, retryable: true,
			err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(data), 200))}
	case resp.StatusCode >= 400:
		return "", &attemptError{kind: KindBackendRejected, statusCode: resp.StatusCode,
			err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(data), 200))}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", &attemptError{kind: KindBadResponse, statusCode: resp.StatusCode,
			err: fmt.Errorf("unexpected HTTP %d", resp.StatusCode)}
	}

	return parseResponse(data)
}

func parseResponse(data []byte) (string, error) {
	var r response
	if err := json.Unmarshal(data, &r); err != nil {
		return "", &attemptError{kind: KindBadResponse, err: fmt.Errorf("decode response: %w", err)}
	}
	if r.Error != nil {
		return "", &attemptError{kind: KindBackendRejected,
			err: fmt.Errorf("backend error %d: %s", r.Error.Code, r.Error.Message)}
	}
	switch strings.ToLower(r.Status) {
	case "failed", "rejected", "canceled", "cancelled":
		return "", &attemptError{kind: KindBackendRejected, err: fmt.Errorf("task status %q", r.Status)}
	}

	if r.Artifacts == nil {
		if r.Result != nil {
			return *r.Result, nil
		}
		return "", &attemptError{kind: KindBadResponse, err: errors.New("response has no artifacts")}
	}

	var sb strings.Builder
	for _, a := range r.Artifacts {
		for _, p := range a.Parts {
			sb.WriteString(p.Text)
		}
	}
	return sb.String(), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
