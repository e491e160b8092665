package mes

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetry-bridge/bridge/internal/domain"
)

type recordedRequest struct {
	Method  string
	Path    string
	Headers http.Header
	Body    string
}

type fakeMES struct {
	mu       sync.Mutex
	requests []recordedRequest
	statuses []int
	body     string
}

func (f *fakeMES) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Headers: r.Header.Clone(),
		Body:    string(data),
	})
	status := http.StatusOK
	if n := len(f.requests); n <= len(f.statuses) {
		status = f.statuses[n-1]
	}
	f.mu.Unlock()

	w.WriteHeader(status)
	_, _ = w.Write([]byte(f.body))
}

func (f *fakeMES) Requests() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func newTestClient(t *testing.T, fake *fakeMES, retries int) *Client {
	t.Helper()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	c := NewClient(Config{
		BaseURL:     server.URL + "/api/v1/",
		Token:       "secret-token",
		OperationID: "op-42",
		StepID:      "step-7",
		Timeout:     2 * time.Second,
		MaxRetries:  retries,
	})
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestClient_URL(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://mes:3050/api/v1/", OperationID: "op 1", StepID: "s/2"})
	assert.Equal(t, "http://mes:3050/api/v1/ops/op%201/steps/s%2F2/count", c.URL("count"))
}

func TestClient_SendEvents(t *testing.T) {
	tests := []struct {
		event domain.Event
		path  string
		body  string
	}{
		{event: domain.LifecycleStart(), path: "/api/v1/ops/op-42/steps/step-7/start"},
		{event: domain.LifecycleComplete(), path: "/api/v1/ops/op-42/steps/step-7/complete"},
		{event: domain.CountIncrement(7), path: "/api/v1/ops/op-42/steps/step-7/count", body: `{"count":7}`},
		{
			event: domain.QualityAlarm(domain.AlarmHighVibration, "Vibration 12 exceeded threshold 10"),
			path:  "/api/v1/ops/op-42/steps/step-7/quality",
			body:  `{"code":"HIGH_VIBRATION","reason":"Vibration 12 exceeded threshold 10"}`,
		},
	}
	for _, tt := range tests {
		t.Run(string(tt.event.Kind), func(t *testing.T) {
			fake := &fakeMES{}
			c := newTestClient(t, fake, 0)

			res := c.Send(context.Background(), tt.event, "key-1")

			require.True(t, res.OK(), "err: %v", res.Err)
			assert.Equal(t, http.StatusOK, res.StatusCode)
			assert.Equal(t, 1, res.Attempts)
			assert.Equal(t, http.MethodPost, res.Method)

			reqs := fake.Requests()
			require.Len(t, reqs, 1)
			assert.Equal(t, http.MethodPost, reqs[0].Method)
			assert.Equal(t, tt.path, reqs[0].Path)
			assert.Equal(t, "Bearer secret-token", reqs[0].Headers.Get("Authorization"))
			assert.Equal(t, "key-1", reqs[0].Headers.Get("Idempotency-Key"))
			if tt.body == "" {
				assert.Empty(t, reqs[0].Body)
			} else {
				assert.JSONEq(t, tt.body, reqs[0].Body)
			}
		})
	}
}

func TestClient_StatusBelow400IsSuccess(t *testing.T) {
	fake := &fakeMES{statuses: []int{http.StatusAccepted}}
	c := newTestClient(t, fake, 0)

	res := c.Send(context.Background(), domain.LifecycleStart(), "")
	assert.True(t, res.OK())
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
}

func TestClient_ErrorStatusCarriesBody(t *testing.T) {
	fake := &fakeMES{statuses: []int{http.StatusConflict}, body: `{"error":"CONFLICT_IDEMPOTENCY"}`}
	c := newTestClient(t, fake, 3)

	res := c.Send(context.Background(), domain.LifecycleStart(), "k")

	require.False(t, res.OK())
	var se *StatusError
	require.True(t, errors.As(res.Err, &se))
	assert.Equal(t, http.StatusConflict, se.StatusCode)
	assert.Equal(t, `{"error":"CONFLICT_IDEMPOTENCY"}`, res.Body)
	assert.Equal(t, 1, res.Attempts, "4xx is not retried")
	assert.Len(t, fake.Requests(), 1)
}

func TestClient_NoRetryByDefault(t *testing.T) {
	fake := &fakeMES{statuses: []int{http.StatusServiceUnavailable}}
	c := newTestClient(t, fake, 0)

	res := c.Send(context.Background(), domain.CountIncrement(1), "k")

	assert.False(t, res.OK())
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, 1, res.Attempts)
}

func TestClient_RetriesTransientWithSameKey(t *testing.T) {
	fake := &fakeMES{statuses: []int{http.StatusBadGateway, http.StatusTooManyRequests, http.StatusCreated}}
	c := newTestClient(t, fake, 3)

	res := c.Send(context.Background(), domain.CountIncrement(4), "event-123")

	require.True(t, res.OK(), "err: %v", res.Err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, http.StatusCreated, res.StatusCode)

	reqs := fake.Requests()
	require.Len(t, reqs, 3)
	for _, r := range reqs {
		assert.Equal(t, "event-123", r.Headers.Get("Idempotency-Key"))
		assert.JSONEq(t, `{"count":4}`, r.Body)
	}
}

func TestClient_RetriesExhausted(t *testing.T) {
	fake := &fakeMES{statuses: []int{500, 500, 500}}
	c := newTestClient(t, fake, 2)

	res := c.Send(context.Background(), domain.LifecycleComplete(), "k")

	assert.False(t, res.OK())
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
}

func TestClient_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	base := server.URL
	server.Close()

	c := NewClient(Config{BaseURL: base, OperationID: "op", StepID: "step", Timeout: time.Second})

	res := c.Send(context.Background(), domain.LifecycleStart(), "k")

	assert.False(t, res.OK())
	assert.Equal(t, 0, res.StatusCode)
	assert.Equal(t, 1, res.Attempts)
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	c := NewClient(Config{BaseURL: server.URL, OperationID: "op", StepID: "step", Timeout: 50 * time.Millisecond})

	res := c.Send(context.Background(), domain.LifecycleStart(), "k")

	assert.False(t, res.OK())
	assert.Less(t, res.Duration, 2*time.Second)
}

func TestClient_CancelledContextStopsRetries(t *testing.T) {
	fake := &fakeMES{statuses: []int{503, 503, 503, 503}}
	c := newTestClient(t, fake, 3)

	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	res := c.Send(ctx, domain.LifecycleStart(), "k")

	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 1, res.Attempts)
}

func TestBackoff_Bounded(t *testing.T) {
	c := NewClient(Config{RetryBaseDelay: time.Second})
	for attempt := 1; attempt <= 10; attempt++ {
		d := c.backoff(attempt)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, maxRetryDelay+maxRetryDelay/4)
	}
}
