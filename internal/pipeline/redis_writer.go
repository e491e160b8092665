package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"telemetry-bridge/bridge/internal/derive"
)

// LivePublisher exposes bridge activity to observers outside the process.
type LivePublisher interface {
	PipelineStateUpdate(ctx context.Context, state derive.State, updatedAt time.Time) error
	PublishOutcome(ctx context.Context, payload []byte) error
}

// RedisWriter publishes state snapshots and dispatch outcomes. Snapshots are
// coalesced: only the newest one pending at each tick is written.
type RedisWriter struct {
	states   <-chan StateSnapshot
	outcomes <-chan Outcome
	store    LivePublisher
	interval time.Duration
	logger   *slog.Logger
}

func NewRedisWriter(
	states <-chan StateSnapshot,
	outcomes <-chan Outcome,
	store LivePublisher,
	logger *slog.Logger,
) *RedisWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisWriter{
		states:   states,
		outcomes: outcomes,
		store:    store,
		interval: 50 * time.Millisecond,
		logger:   logger.With("component", "redis-writer"),
	}
}

// Run publishes until both channels are closed.
func (w *RedisWriter) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	states, outcomes := w.states, w.outcomes
	var pending *StateSnapshot

	for states != nil || outcomes != nil {
		select {
		case s, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			pending = &s

		case o, ok := <-outcomes:
			if !ok {
				outcomes = nil
				continue
			}
			w.publishOutcome(ctx, o)

		case <-ticker.C:
			if pending != nil {
				w.writeState(ctx, *pending)
				pending = nil
			}
		}
	}

	if pending != nil {
		w.writeState(ctx, *pending)
	}
}

func (w *RedisWriter) writeState(ctx context.Context, s StateSnapshot) {
	if err := w.store.PipelineStateUpdate(ctx, s.State, s.UpdatedAt); err != nil {
		w.logger.Warn("Redis state update failed", "error", err)
	}
}

func (w *RedisWriter) publishOutcome(ctx context.Context, o Outcome) {
	payload, err := json.Marshal(o)
	if err != nil {
		w.logger.Warn("Outcome encode failed", "event_id", o.Envelope.ID, "error", err)
		return
	}
	if err := w.store.PublishOutcome(ctx, payload); err != nil {
		w.logger.Warn("Redis outcome publish failed", "event_id", o.Envelope.ID, "error", err)
	}
}
