package persist

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id           TEXT         PRIMARY KEY,
    scenario_id  TEXT         NOT NULL DEFAULT '',
    state        JSONB        NOT NULL,
    updated_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlSessionEvents = `
CREATE TABLE IF NOT EXISTS session_events (
    id           BIGSERIAL    PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    type         TEXT         NOT NULL,
    payload      JSONB        NOT NULL DEFAULT '{}',
    ts           TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_session_events_session_ts
    ON session_events (session_id, ts);
`

// Migrate creates or ensures all required tables exist. It is idempotent
// (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and safe to call
// on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlSessions,
		ddlSessionEvents,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("persist migrate: %w", err)
		}
	}
	return nil
}
