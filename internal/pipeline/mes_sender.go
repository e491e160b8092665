package pipeline

import (
	"context"
	"log/slog"
	"time"

	"telemetry-bridge/bridge/internal/domain"
	"telemetry-bridge/bridge/internal/mes"
	"telemetry-bridge/bridge/internal/metrics"
)

// EventSender delivers one event to the MES.
type EventSender interface {
	Send(ctx context.Context, ev domain.Event, idempotencyKey string) mes.Result
}

// AlarmCooldown suppresses repeated quality alarms of the same code.
type AlarmCooldown interface {
	CheckAlarmCooldown(ctx context.Context, code domain.AlarmCode) (bool, error)
	SetAlarmCooldown(ctx context.Context, code domain.AlarmCode) error
}

// MESSender dispatches queued envelopes one at a time, in queue order.
// Failures are logged and reported to observers, never retried here and
// never returned.
type MESSender struct {
	ch        <-chan Envelope
	client    EventSender
	cooldown  AlarmCooldown
	observers []Observer
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func NewMESSender(
	ch <-chan Envelope,
	client EventSender,
	m *metrics.Metrics,
	logger *slog.Logger,
	observers ...Observer,
) *MESSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &MESSender{
		ch:        ch,
		client:    client,
		observers: observers,
		metrics:   m,
		logger:    logger.With("component", "mes-sender"),
		now:       time.Now,
	}
}

// WithCooldown enables quality-alarm suppression.
func (s *MESSender) WithCooldown(c AlarmCooldown) *MESSender {
	s.cooldown = c
	return s
}

// Run dispatches until the queue is closed. Once ctx is done the remaining
// envelopes are counted as abandoned instead of sent.
func (s *MESSender) Run(ctx context.Context) {
	for env := range s.ch {
		s.metrics.EventQueueDepth.Set(float64(len(s.ch)))

		if ctx.Err() != nil {
			s.metrics.Dispatches.WithLabelValues(string(env.Event.Kind), metrics.ResultAbandoned).Inc()
			s.logger.Warn("Abandoning event at shutdown", "event", env.Event.String(), "event_id", env.ID)
			continue
		}
		s.dispatch(ctx, env)
	}
}

func (s *MESSender) dispatch(ctx context.Context, env Envelope) {
	ev := env.Event
	kind := string(ev.Kind)

	if s.suppressed(ctx, ev) {
		s.metrics.Dispatches.WithLabelValues(kind, metrics.ResultSuppressed).Inc()
		s.logger.Info("Quality alarm suppressed by cooldown", "code", ev.Code, "event_id", env.ID)
		s.notify(Outcome{Envelope: env, Suppressed: true, SentAt: s.now()})
		return
	}

	res := s.client.Send(ctx, ev, env.ID)

	s.metrics.DispatchDuration.WithLabelValues(kind).Observe(res.Duration.Seconds())
	if res.Attempts > 1 {
		s.metrics.DispatchRetries.Add(float64(res.Attempts - 1))
	}

	if res.OK() {
		s.metrics.Dispatches.WithLabelValues(kind, metrics.ResultPass).Inc()
		s.logger.Info("MES dispatch",
			"result", "PASS",
			"event", ev.String(),
			"event_id", env.ID,
			"method", res.Method,
			"url", res.URL,
			"status", res.StatusCode,
			"attempts", res.Attempts,
		)
		if ev.Kind == domain.EventQualityAlarm && s.cooldown != nil {
			if err := s.cooldown.SetAlarmCooldown(ctx, ev.Code); err != nil {
				s.logger.Warn("Alarm cooldown set failed", "code", ev.Code, "error", err)
			}
		}
	} else {
		s.metrics.Dispatches.WithLabelValues(kind, metrics.ResultFail).Inc()
		s.logger.Error("MES dispatch",
			"result", "FAIL",
			"event", ev.String(),
			"event_id", env.ID,
			"method", res.Method,
			"url", res.URL,
			"status", res.StatusCode,
			"attempts", res.Attempts,
			"body", res.Body,
			"error", res.Err,
		)
	}

	s.notify(Outcome{Envelope: env, Result: res, SentAt: s.now()})
}

func (s *MESSender) suppressed(ctx context.Context, ev domain.Event) bool {
	if ev.Kind != domain.EventQualityAlarm || s.cooldown == nil {
		return false
	}
	dup, err := s.cooldown.CheckAlarmCooldown(ctx, ev.Code)
	if err != nil {
		s.logger.Warn("Alarm cooldown check failed, sending anyway", "code", ev.Code, "error", err)
		return false
	}
	return dup
}

func (s *MESSender) notify(o Outcome) {
	for _, obs := range s.observers {
		obs.Observe(o)
	}
}
