// Package mes posts business events to the manufacturing-execution API.
package mes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"telemetry-bridge/bridge/internal/domain"
)

const (
	defaultTimeout    = 10 * time.Second
	maxRetryDelay     = 5 * time.Second
	maxLoggedBody     = 4096
	idempotencyHeader = "Idempotency-Key"
)

// StatusError is returned for responses with a status code of 400 or more.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("mes responded %d: %s", e.StatusCode, e.Body)
}

// Config addresses one operation step on the MES and sets the retry policy.
type Config struct {
	BaseURL     string
	Token       string
	OperationID string
	StepID      string
	Timeout     time.Duration
	// MaxRetries is the number of extra attempts after a transient failure.
	// Zero sends each event once.
	MaxRetries     int
	RetryBaseDelay time.Duration
	HTTPClient     *http.Client
}

// Result describes one dispatched event. Err is nil exactly when the MES
// answered with a status below 400.
type Result struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
	Attempts   int
	Duration   time.Duration
	Err        error
}

// OK reports whether the MES accepted the event.
func (r Result) OK() bool { return r.Err == nil }

// Client sends events for a single operation step. It is safe for
// concurrent use.
type Client struct {
	base       string
	token      string
	maxRetries int
	retryBase  time.Duration
	httpClient *http.Client
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewClient builds a Client from cfg, filling in a default HTTP client and
// timeout when they are unset.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	retryBase := cfg.RetryBaseDelay
	if retryBase <= 0 {
		retryBase = 200 * time.Millisecond
	}

	base := fmt.Sprintf("%s/ops/%s/steps/%s",
		strings.TrimRight(cfg.BaseURL, "/"),
		url.PathEscape(cfg.OperationID),
		url.PathEscape(cfg.StepID),
	)

	return &Client{
		base:       base,
		token:      cfg.Token,
		maxRetries: cfg.MaxRetries,
		retryBase:  retryBase,
		httpClient: httpClient,
		sleep:      sleepCtx,
	}
}

// URL returns the step resource for subpath.
func (c *Client) URL(subpath string) string {
	return c.base + "/" + subpath
}

// Send posts ev to its step resource. The idempotency key is sent on every
// attempt so the MES can collapse retries of the same event.
func (c *Client) Send(ctx context.Context, ev domain.Event, idempotencyKey string) (res Result) {
	res = Result{Method: http.MethodPost, URL: c.URL(ev.Subpath())}
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	var body []byte
	if payload := ev.Payload(); payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			res.Err = fmt.Errorf("encode %s payload: %w", ev.Kind, err)
			return res
		}
	}

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
				res.Err = err
				return res
			}
		}
		res.Attempts++
		res.StatusCode, res.Body, res.Err = c.post(ctx, res.URL, body, idempotencyKey)
		if res.Err == nil || !retryable(ctx, res.StatusCode, res.Err) {
			return res
		}
	}
	return res
}

func (c *Client) post(ctx context.Context, target string, body []byte, idempotencyKey string) (int, string, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, reader)
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set(idempotencyHeader, idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("post %s: %w", target, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody))
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		text := strings.TrimSpace(string(data))
		return resp.StatusCode, text, &StatusError{StatusCode: resp.StatusCode, Body: text}
	}
	return resp.StatusCode, "", nil
}

// retryable reports whether another attempt could succeed: transport errors,
// 429 and 5xx. Client errors and a cancelled context are final.
func retryable(ctx context.Context, status int, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= http.StatusInternalServerError
	}
	return status == 0
}

// backoff returns the wait before retry attempt: the base delay doubled per
// attempt, capped at maxRetryDelay, plus up to a quarter of that as jitter.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.retryBase << (attempt - 1)
	if d <= 0 || d > maxRetryDelay {
		d = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
