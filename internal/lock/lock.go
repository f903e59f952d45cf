// Package lock provides the per-session mutual-exclusion primitive that
// serialises every simulation-state mutation.
//
// Each session id maps to an independent lock; different sessions run fully
// in parallel. Phase ticks use the non-blocking TryWith so a tick that
// collides with a treatment in progress is skipped rather than queued.
package lock

import (
	"context"
	"fmt"
	"sync"
)

// Registry hands out per-session locks on demand. The zero value is not
// usable; construct with NewRegistry.
type Registry struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewRegistry returns an empty lock registry.
func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]chan struct{})}
}

func (r *Registry) get(sessionID string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.locks[sessionID]
	if !ok {
		ch = make(chan struct{}, 1)
		r.locks[sessionID] = ch
	}
	return ch
}

// With runs fn while holding the session's lock, waiting for the lock until
// ctx is cancelled. A panic inside fn is recovered and returned as an error;
// the lock is released on every exit path.
func (r *Registry) With(ctx context.Context, sessionID, tag string, fn func() error) error {
	ch := r.get(sessionID)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("lock: %s: acquire %s: %w", sessionID, tag, ctx.Err())
	}
	defer func() { <-ch }()
	return guarded(sessionID, tag, fn)
}

// TryWith runs fn only if the session's lock is currently free. It reports
// whether fn ran. Used by the heartbeat to drop opportunistic ticks.
func (r *Registry) TryWith(sessionID, tag string, fn func() error) (bool, error) {
	ch := r.get(sessionID)
	select {
	case ch <- struct{}{}:
	default:
		return false, nil
	}
	defer func() { <-ch }()
	return true, guarded(sessionID, tag, fn)
}

func guarded(sessionID, tag string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("lock: %s: panic in %s: %v", sessionID, tag, rec)
		}
	}()
	return fn()
}

// Forget drops the lock entry for a torn-down session. Callers must ensure no
// holder remains.
func (r *Registry) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, sessionID)
}

// ClearAll drops every lock entry. Test hook only.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locks = make(map[string]chan struct{})
}
