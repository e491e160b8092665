package main

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"

	"telemetry-bridge/bridge/internal/config"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	fmt.Printf("Connecting to %s:%s/%s...\n", cfg.DBHost, cfg.DBPort, cfg.DBName)
	conn, err := pgx.Connect(ctx, cfg.DatabaseURL())
	if err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure Postgres is running and DB_* is set.", err)
	}
	defer conn.Close(ctx)
	fmt.Println("✓ Connected")

	step1_journal_table(ctx, conn)
	step2_indexes(ctx, conn)
	step3_verify(ctx, conn)

	fmt.Println("\n✅ Journal schema ready")
	fmt.Println("   Set JOURNAL_ENABLED=true to record MES dispatches")
}

// ─────────────────────────────────────────────────────────────
// Step 1: mes_dispatch_log table
// ─────────────────────────────────────────────────────────────
func step1_journal_table(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 1: mes_dispatch_log table ──────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS mes_dispatch_log (
			id           BIGSERIAL    PRIMARY KEY,

			-- Envelope ID, also sent as the Idempotency-Key header
			event_id     TEXT         NOT NULL,
			kind         TEXT         NOT NULL,
			subpath      TEXT         NOT NULL,
			payload      JSONB,

			method       TEXT         NOT NULL DEFAULT '',
			url          TEXT         NOT NULL DEFAULT '',
			-- NULL when the MES never answered
			status_code  INTEGER,
			ok           BOOLEAN      NOT NULL,
			suppressed   BOOLEAN      NOT NULL DEFAULT false,
			error        TEXT,
			attempts     INTEGER      NOT NULL DEFAULT 0,
			duration_ms  BIGINT       NOT NULL DEFAULT 0,

			derived_at   TIMESTAMPTZ  NOT NULL,
			sent_at      TIMESTAMPTZ  NOT NULL,
			logged_at    TIMESTAMPTZ  NOT NULL DEFAULT NOW(),

			CONSTRAINT chk_kind CHECK (
				kind IN ('LIFECYCLE_START', 'LIFECYCLE_COMPLETE', 'COUNT_INCREMENT', 'QUALITY_ALARM')
			)
		);
	`, "mes_dispatch_log table created")
}

// ─────────────────────────────────────────────────────────────
// Step 2: Indexes
// ─────────────────────────────────────────────────────────────
func step2_indexes(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 2: Indexes ─────────────────────────────")

	indexes := []struct {
		name string
		sql  string
		why  string
	}{
		{
			name: "idx_dispatch_sent",
			sql: `CREATE INDEX IF NOT EXISTS idx_dispatch_sent
				  ON mes_dispatch_log (sent_at DESC);`,
			why: "query: recent dispatches",
		},
		{
			name: "idx_dispatch_event",
			sql: `CREATE INDEX IF NOT EXISTS idx_dispatch_event
				  ON mes_dispatch_log (event_id);`,
			why: "query: one event by idempotency key",
		},
		{
			name: "idx_dispatch_failed",
			sql: `CREATE INDEX IF NOT EXISTS idx_dispatch_failed
				  ON mes_dispatch_log (kind, sent_at DESC)
				  WHERE NOT ok AND NOT suppressed;`,
			why: "query: failed dispatches only (partial index)",
		},
	}

	for _, idx := range indexes {
		execOrFatal(ctx, conn, idx.sql,
			fmt.Sprintf("%-30s ← %s", idx.name, idx.why),
		)
	}
}

// ─────────────────────────────────────────────────────────────
// Step 3: Verify
// ─────────────────────────────────────────────────────────────
func step3_verify(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 3: Verification ────────────────────────")

	var exists bool
	err := conn.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_name = 'mes_dispatch_log'
		)
	`).Scan(&exists)
	if err != nil || !exists {
		log.Fatalf("Table mes_dispatch_log was not created: %v", err)
	}
	fmt.Println("  ✓ table: mes_dispatch_log")

	var indexCount int
	err = conn.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM pg_indexes
		WHERE tablename = 'mes_dispatch_log'
		AND indexname LIKE 'idx_%'
	`).Scan(&indexCount)
	if err != nil {
		log.Fatalf("Index check failed: %v", err)
	}
	fmt.Printf("  ✓ indexes created: %d\n", indexCount)
}

// execOrFatal runs a SQL statement and prints result or exits on error
func execOrFatal(ctx context.Context, conn *pgx.Conn, sql, label string) {
	_, err := conn.Exec(ctx, sql)
	if err != nil {
		log.Fatalf("FAILED — %s\nError: %v\nSQL: %s", label, err, sql)
	}
	fmt.Printf("  ✓ %s\n", label)
}
