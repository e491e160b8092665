package pipeline

import (
	"context"
	"log/slog"
	"time"

	"telemetry-bridge/bridge/internal/domain"
	"telemetry-bridge/bridge/internal/metrics"
)

// JournalInserter persists a batch of dispatch records.
type JournalInserter interface {
	BatchInsert(ctx context.Context, records []domain.DispatchRecord) error
}

// JournalWriter batches dispatch outcomes into the journal store, flushing
// on size or on a timer.
type JournalWriter struct {
	ch        <-chan Outcome
	store     JournalInserter
	batchSize int
	flushMS   int
	retryWait time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewJournalWriter(
	ch <-chan Outcome,
	store JournalInserter,
	batchSize int,
	flushMS int,
	m *metrics.Metrics,
	logger *slog.Logger,
) *JournalWriter {
	if batchSize <= 0 {
		batchSize = 1
	}
	if flushMS <= 0 {
		flushMS = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JournalWriter{
		ch:        ch,
		store:     store,
		batchSize: batchSize,
		flushMS:   flushMS,
		retryWait: 500 * time.Millisecond,
		metrics:   m,
		logger:    logger.With("component", "journal-writer"),
	}
}

// Run writes batches until ch is closed, then flushes what is left.
func (w *JournalWriter) Run(ctx context.Context) {
	batch := make([]domain.DispatchRecord, 0, w.batchSize)
	ticker := time.NewTicker(time.Duration(w.flushMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case o, ok := <-w.ch:
			if !ok {
				if len(batch) > 0 {
					w.flush(ctx, batch)
				}
				return
			}
			batch = append(batch, o.Record())
			if len(batch) >= w.batchSize {
				w.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (w *JournalWriter) flush(ctx context.Context, batch []domain.DispatchRecord) {
	err := w.store.BatchInsert(ctx, batch)
	if err != nil {
		w.logger.Warn("Journal write failed, retrying", "batch", len(batch), "error", err)
		time.Sleep(w.retryWait)
		err = w.store.BatchInsert(ctx, batch)
		if err != nil {
			w.logger.Error("Journal write permanently failed", "batch", len(batch), "error", err)
			w.metrics.JournalWrites.WithLabelValues("failure").Add(float64(len(batch)))
			return
		}
	}
	w.metrics.JournalWrites.WithLabelValues("success").Add(float64(len(batch)))
}
