// Package persist writes the authoritative session state through to the
// external document store: an upsert of the latest SimState per session and an
// append-only event log.
//
// Both writes are fire-and-forget from the core's perspective. The session
// layer never calls a Store directly from inside the state lock; it enqueues
// onto a [Writer], whose background goroutine does the blocking work and
// swallows failures after logging them.
package persist

import (
	"context"

	"github.com/medrill/pulsegate/internal/sim"
)

// Store is the document-store write surface.
type Store interface {
	// PersistSimState upserts the latest state document for the session.
	PersistSimState(ctx context.Context, simID string, state *sim.SimState) error

	// LogSimEvent appends one event to the session's log. The store assigns
	// the timestamp.
	LogSimEvent(ctx context.Context, simID string, event sim.Event) error

	// Ping reports whether the store is reachable. Used by readiness checks.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close()
}

// Noop is the Store used when no database is configured: every write succeeds
// and goes nowhere. Sessions remain fully functional, just unpersisted.
type Noop struct{}

var _ Store = Noop{}

// PersistSimState implements Store.
func (Noop) PersistSimState(context.Context, string, *sim.SimState) error { return nil }

// LogSimEvent implements Store.
func (Noop) LogSimEvent(context.Context, string, sim.Event) error { return nil }

// Ping implements Store.
func (Noop) Ping(context.Context) error { return nil }

// Close implements Store.
func (Noop) Close() {}
