// Package audit persists a row per subscription lifecycle and recovery
// event (not bar data — bars remain a non-goal) when AUDIT_DSN is set.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Log persists broker lifecycle events to Postgres.
type Log struct {
	log  *zap.SugaredLogger
	pool *pgxpool.Pool
}

// Open creates a connection pool against dsn and ensures the events table
// exists.
func Open(ctx context.Context, log *zap.SugaredLogger, dsn string) (*Log, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: pgxpool.New: %w", err)
	}

	l := &Log{log: log, pool: pool}
	if err := l.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) ensureSchema(ctx context.Context) error {
	const stmt = `create table if not exists subscription_events (
		id bigserial primary key,
		ts timestamptz not null default now(),
		event_type text not null,
		symbol text not null,
		timeframe text not null,
		reason text,
		details jsonb
	)`
	_, err := l.pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("audit: ensureSchema: %w", err)
	}
	return nil
}

// Record inserts one lifecycle event row. Failures are logged, not
// propagated — the audit trail is operational metadata and must never
// affect the hot path that produced the event.
func (l *Log) Record(eventType, symbol, timeframe, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := l.pool.Exec(ctx,
		`insert into subscription_events (event_type, symbol, timeframe, reason) values ($1, $2, $3, $4)`,
		eventType, symbol, timeframe, reason,
	)
	if err != nil {
		l.log.Warnw("audit: failed to record event", "eventType", eventType, "symbol", symbol, "timeframe", timeframe, "error", err)
	}
}

// Close releases the pool.
func (l *Log) Close() {
	if l.pool != nil {
		l.pool.Close()
	}
}
