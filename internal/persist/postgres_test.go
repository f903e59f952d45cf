package persist_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medrill/pulsegate/internal/persist"
	"github.com/medrill/pulsegate/internal/sim"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if PULSEGATE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("PULSEGATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PULSEGATE_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [persist.Postgres] against a clean schema and
// returns a bare pool for direct row inspection. Both are closed via t.Cleanup.
func newTestStore(t *testing.T) (*persist.Postgres, *pgxpool.Pool) {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	dropSchema(t, ctx, pool)

	store, err := persist.NewPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	t.Cleanup(store.Close)
	return store, pool
}

func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS session_events CASCADE",
		"DROP TABLE IF EXISTS sessions CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

func TestPersistSimStateUpserts(t *testing.T) {
	store, pool := newTestStore(t)
	ctx := context.Background()

	st := &sim.SimState{
		SessionID:  "sess-up",
		ScenarioID: "teen_svt_complex_v1",
		StageID:    "presentation",
		Vitals:     sim.Vitals{HR: 135, RR: 20, SpO2: 99, BP: "108/70", TempF: 98.7},
		Telemetry:  false,
	}
	if err := store.PersistSimState(ctx, "sess-up", st); err != nil {
		t.Fatalf("PersistSimState: %v", err)
	}

	// Second write for the same session replaces the document.
	st.StageID = "svt"
	st.Vitals.HR = 220
	st.Telemetry = true
	if err := store.PersistSimState(ctx, "sess-up", st); err != nil {
		t.Fatalf("PersistSimState update: %v", err)
	}

	var rowCount int
	if err := pool.QueryRow(ctx, "SELECT count(*) FROM sessions").Scan(&rowCount); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if rowCount != 1 {
		t.Errorf("expected 1 session row after upsert, got %d", rowCount)
	}

	var scenarioID string
	var doc []byte
	err := pool.QueryRow(ctx,
		"SELECT scenario_id, state FROM sessions WHERE id = $1", "sess-up").
		Scan(&scenarioID, &doc)
	if err != nil {
		t.Fatalf("select session: %v", err)
	}
	if scenarioID != "teen_svt_complex_v1" {
		t.Errorf("expected scenario_id teen_svt_complex_v1, got %q", scenarioID)
	}

	var got sim.SimState
	if err := json.Unmarshal(doc, &got); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if got.StageID != "svt" {
		t.Errorf("expected latest stage svt, got %q", got.StageID)
	}
	if got.Vitals.HR != 220 {
		t.Errorf("expected latest HR 220, got %v", got.Vitals.HR)
	}
	if !got.Telemetry {
		t.Error("expected latest telemetry on")
	}
}

func TestLogSimEventAppends(t *testing.T) {
	store, pool := newTestStore(t)
	ctx := context.Background()

	events := []sim.Event{
		{Type: sim.EventRealtimeConnected},
		{Type: sim.EventOrderCreated, Payload: map[string]any{"orderType": "ekg"}},
		{Type: sim.EventStageChanged, Payload: map[string]any{"from": "presentation", "to": "svt"}},
	}
	for i, ev := range events {
		if err := store.LogSimEvent(ctx, "sess-log", ev); err != nil {
			t.Fatalf("LogSimEvent[%d]: %v", i, err)
		}
	}
	// Events for another session must not mix in.
	if err := store.LogSimEvent(ctx, "sess-other", sim.Event{Type: sim.EventError}); err != nil {
		t.Fatalf("LogSimEvent other: %v", err)
	}

	rows, err := pool.Query(ctx,
		"SELECT type, payload, ts FROM session_events WHERE session_id = $1 ORDER BY id", "sess-log")
	if err != nil {
		t.Fatalf("select events: %v", err)
	}
	defer rows.Close()

	var (
		types    []string
		payloads [][]byte
	)
	for rows.Next() {
		var (
			typ     string
			payload []byte
			ts      time.Time
		)
		if err := rows.Scan(&typ, &payload, &ts); err != nil {
			t.Fatalf("scan event: %v", err)
		}
		if ts.IsZero() {
			t.Error("expected store-assigned ts, got zero")
		}
		types = append(types, typ)
		payloads = append(payloads, payload)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}

	if len(types) != 3 {
		t.Fatalf("expected 3 events for sess-log, got %d", len(types))
	}
	for i, ev := range events {
		if types[i] != ev.Type {
			t.Errorf("event[%d]: expected type %s, got %s", i, ev.Type, types[i])
		}
	}

	// Nil payload is stored as an empty object, not SQL NULL.
	var empty map[string]any
	if err := json.Unmarshal(payloads[0], &empty); err != nil {
		t.Fatalf("unmarshal empty payload: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty payload object, got %v", empty)
	}

	var withPayload map[string]any
	if err := json.Unmarshal(payloads[1], &withPayload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if withPayload["orderType"] != "ekg" {
		t.Errorf("expected payload orderType=ekg, got %v", withPayload)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	_, pool := newTestStore(t)
	ctx := context.Background()

	// newTestStore already migrated once; a second pass must be a no-op.
	if err := persist.Migrate(ctx, pool); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestPostgresPing(t *testing.T) {
	store, _ := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping: unexpected error: %v", err)
	}
}

func TestNewPostgresRejectsBadDSN(t *testing.T) {
	t.Parallel()
	if _, err := persist.NewPostgres(context.Background(), "://bad"); err == nil {
		t.Fatal("expected error for malformed dsn, got nil")
	}
}
