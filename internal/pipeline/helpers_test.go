package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"telemetry-bridge/bridge/internal/derive"
	"telemetry-bridge/bridge/internal/domain"
	"telemetry-bridge/bridge/internal/mes"
	"telemetry-bridge/bridge/internal/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMetrics() *metrics.Metrics {
	return metrics.NewWith(prometheus.NewRegistry())
}

func newTestEngine() *derive.Engine {
	return derive.NewEngine(derive.Options{
		RunningStatus: "running",
		CountCeiling:  1000,
		Rules:         domain.QualityRules(80, 10),
	})
}

func raw(payload string) domain.RawMessage {
	return domain.RawMessage{Source: "test", Topic: "v1/devices/me/telemetry", Payload: []byte(payload), ReceivedAt: time.Now()}
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return "evt-" + string(rune('a'+n-1))
	}
}

// fakeSender records every event and answers with respond, or success.
type fakeSender struct {
	mu      sync.Mutex
	events  []domain.Event
	keys    []string
	respond func(ev domain.Event) mes.Result
}

func (f *fakeSender) Send(_ context.Context, ev domain.Event, key string) mes.Result {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.keys = append(f.keys, key)
	f.mu.Unlock()

	if f.respond != nil {
		return f.respond(ev)
	}
	return mes.Result{Method: "POST", URL: "http://mes/" + ev.Subpath(), StatusCode: 200, Attempts: 1}
}

func (f *fakeSender) Events() []domain.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Event(nil), f.events...)
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *recordingObserver) Observe(o Outcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
}

func (r *recordingObserver) Outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}

type fakeCooldown struct {
	mu       sync.Mutex
	active   map[domain.AlarmCode]bool
	checkErr error
}

func (f *fakeCooldown) CheckAlarmCooldown(_ context.Context, code domain.AlarmCode) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checkErr != nil {
		return false, f.checkErr
	}
	return f.active[code], nil
}

func (f *fakeCooldown) SetAlarmCooldown(_ context.Context, code domain.AlarmCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		f.active = make(map[domain.AlarmCode]bool)
	}
	f.active[code] = true
	return nil
}

var errMESDown = errors.New("connection refused")
