package persist

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medrill/pulsegate/internal/sim"
)

var _ Store = (*Postgres)(nil)

// Postgres is the PostgreSQL-backed Store. State documents live in the
// sessions table, one row per session, and events append to session_events
// with a database-assigned timestamp. All operations are safe for concurrent
// use.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres establishes a connection pool to the database at dsn, verifies
// connectivity, and runs [Migrate] to ensure the schema exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("persist: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("persist: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("persist: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("persist: migrate: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// PersistSimState implements Store. The whole state is stored as one JSONB
// document; the latest write wins.
func (p *Postgres) PersistSimState(ctx context.Context, simID string, state *sim.SimState) error {
	doc, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("persist: marshal state: %w", err)
	}

	const q = `
INSERT INTO sessions (id, scenario_id, state, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (id) DO UPDATE
    SET scenario_id = EXCLUDED.scenario_id,
        state       = EXCLUDED.state,
        updated_at  = now()`

	if _, err := p.pool.Exec(ctx, q, simID, state.ScenarioID, doc); err != nil {
		return fmt.Errorf("persist: upsert state: %w", err)
	}
	return nil
}

// LogSimEvent implements Store.
func (p *Postgres) LogSimEvent(ctx context.Context, simID string, event sim.Event) error {
	payload := []byte("{}")
	if event.Payload != nil {
		var err error
		if payload, err = json.Marshal(event.Payload); err != nil {
			return fmt.Errorf("persist: marshal event payload: %w", err)
		}
	}

	const q = `
INSERT INTO session_events (session_id, type, payload)
VALUES ($1, $2, $3)`

	if _, err := p.pool.Exec(ctx, q, simID, event.Type, payload); err != nil {
		return fmt.Errorf("persist: append event: %w", err)
	}
	return nil
}

// Ping implements Store.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("persist: ping: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
