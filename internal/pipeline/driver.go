package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"telemetry-bridge/bridge/internal/derive"
	"telemetry-bridge/bridge/internal/domain"
	"telemetry-bridge/bridge/internal/metrics"
)

// Driver consumes raw telemetry in arrival order. It is the only writer of
// the operational state: each message is decoded, derived and its new state
// applied before the next message is read.
type Driver struct {
	in         <-chan domain.RawMessage
	engine     *derive.Engine
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger

	state derive.State
	newID func() string
	now   func() time.Time
}

func NewDriver(
	in <-chan domain.RawMessage,
	engine *derive.Engine,
	dispatcher *Dispatcher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		in:         in,
		engine:     engine,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger.With("component", "driver"),
		state:      derive.NewState(),
		newID:      uuid.NewString,
		now:        time.Now,
	}
}

// Run processes messages until in is closed or ctx is done.
func (d *Driver) Run(ctx context.Context) {
	for {
		select {
		case msg, ok := <-d.in:
			if !ok {
				return
			}
			if err := d.Process(ctx, msg); err != nil {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// Process handles one message. The only error is a cancelled context while
// waiting for room in the dispatch queue.
func (d *Driver) Process(ctx context.Context, msg domain.RawMessage) error {
	rec, err := domain.DecodeTelemetry(msg.Payload)
	if err != nil {
		d.metrics.DecodeFailures.Inc()
		d.logger.Warn("Dropping undecodable telemetry",
			"source", msg.Source,
			"topic", msg.Topic,
			"error", err,
		)
		return nil
	}
	for _, field := range rec.InvalidFields {
		d.metrics.FieldParseFailures.WithLabelValues(field).Inc()
		d.logger.Debug("Skipping unparseable telemetry field", "field", field, "topic", msg.Topic)
	}

	prev := d.state
	next, events := d.engine.Derive(prev, rec)
	d.state = next

	if next.CurrentStatus != prev.CurrentStatus {
		d.logger.Info("Status changed", "from", prev.CurrentStatus, "to", next.CurrentStatus)
	}
	if next != prev {
		d.dispatcher.PublishState(StateSnapshot{State: next, UpdatedAt: d.now()})
	}

	derivedAt := d.now()
	for _, ev := range events {
		d.metrics.EventsDerived.WithLabelValues(string(ev.Kind)).Inc()
		env := Envelope{ID: d.newID(), Event: ev, DerivedAt: derivedAt}
		if err := d.dispatcher.Enqueue(ctx, env); err != nil {
			d.logger.Warn("Event not queued before shutdown", "event", ev.String(), "event_id", env.ID)
			return err
		}
	}
	return nil
}

// State returns the current operational state. It must be called from the
// goroutine running the driver, or after Run has returned.
func (d *Driver) State() derive.State {
	return d.state
}
