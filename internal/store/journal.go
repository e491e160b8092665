package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"telemetry-bridge/bridge/internal/config"
	"telemetry-bridge/bridge/internal/domain"
)

// JournalStore appends dispatch records to the mes_dispatch_log table.
type JournalStore struct {
	pool *pgxpool.Pool
}

func NewJournalStore(ctx context.Context, cfg *config.Config) (*JournalStore, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return &JournalStore{pool: pool}, nil
}

func (s *JournalStore) Close() {
	s.pool.Close()
}

func (s *JournalStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var journalColumns = []string{
	"event_id",
	"kind",
	"subpath",
	"payload",
	"method",
	"url",
	"status_code",
	"ok",
	"suppressed",
	"error",
	"attempts",
	"duration_ms",
	"derived_at",
	"sent_at",
}

func journalRows(records []domain.DispatchRecord) [][]interface{} {
	rows := make([][]interface{}, len(records))
	for i, r := range records {
		var payload interface{}
		if r.Payload != nil {
			payload = string(r.Payload)
		}
		var status interface{}
		if r.StatusCode != 0 {
			status = int32(r.StatusCode)
		}
		var errText interface{}
		if r.Error != "" {
			errText = r.Error
		}
		rows[i] = []interface{}{
			r.EventID,
			string(r.Kind),
			r.Subpath,
			payload,
			r.Method,
			r.URL,
			status,
			r.OK,
			r.Suppressed,
			errText,
			int32(r.Attempts),
			r.DurationMS,
			r.DerivedAt,
			r.SentAt,
		}
	}
	return rows
}

func (s *JournalStore) BatchInsert(ctx context.Context, records []domain.DispatchRecord) error {
	if len(records) == 0 {
		return nil
	}

	_, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"mes_dispatch_log"},
		journalColumns,
		pgx.CopyFromRows(journalRows(records)),
	)
	if err != nil {
		return fmt.Errorf("CopyFrom failed for batch of %d: %w", len(records), err)
	}

	return nil
}
