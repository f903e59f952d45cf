// Package session tracks live sessions and their connected clients, and
// provides the broadcast primitives the gateway fans state out with.
//
// A session is created implicitly by the first join that references its id
// and torn down by a grace-period reaper once the last client disconnects
// and no background work remains. Client handles are owned by the registry;
// everything else about a session (engine, budget, locks) lives with the
// gateway and is keyed by the same id.
package session

import (
	"errors"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/medrill/pulsegate/internal/sim"
)

// Defaults applied by [NewRegistry] for zero Config fields.
const (
	DefaultMaxClients = 16
	DefaultGrace      = 60 * time.Second
)

// sessionIDPattern is the allowed session id format. Ids are minted by the
// lobby as URL-safe slugs; anything else is rejected before a session is
// created for it.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{4,64}$`)

var (
	ErrInvalidSession = errors.New("session: invalid session id")
	ErrSessionFull    = errors.New("session: session full")
	ErrAuthRequired   = errors.New("session: auth required")
)

// Config configures a [Registry].
type Config struct {
	// MaxClients is the per-session client ceiling. Defaults to
	// [DefaultMaxClients] if zero.
	MaxClients int

	// Grace is how long an empty session lingers before the reaper removes
	// it, giving clients room to reconnect. Defaults to [DefaultGrace] if
	// zero.
	Grace time.Duration

	// PresenterToken, when non-empty, is required from presenter joins.
	// Participants always join freely.
	PresenterToken string

	// CanTeardown reports whether the session has no pending background work
	// (scheduled order completions, in-flight persistence). The reaper holds
	// an empty session for another grace period while it returns false. Nil
	// means always true.
	CanTeardown func(sessionID string) bool

	// OnTeardown runs after a session is removed from the registry. May be
	// nil.
	OnTeardown func(sessionID string)
}

// Registry is the set of live sessions. All methods are safe for concurrent
// use.
type Registry struct {
	maxClients     int
	grace          time.Duration
	presenterToken string
	canTeardown    func(string) bool
	onTeardown     func(string)

	mu       sync.RWMutex
	sessions map[string]*session
}

// session groups the client handles sharing one session id. The grace timer
// is armed while the session is empty.
type session struct {
	id string

	mu      sync.RWMutex
	clients map[string]*Client
	grace   *time.Timer
}

// NewRegistry creates a Registry with the given configuration.
func NewRegistry(cfg Config) *Registry {
	maxClients := cfg.MaxClients
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	grace := cfg.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Registry{
		maxClients:     maxClients,
		grace:          grace,
		presenterToken: cfg.PresenterToken,
		canTeardown:    cfg.CanTeardown,
		onTeardown:     cfg.OnTeardown,
		sessions:       make(map[string]*session),
	}
}

// Join attaches conn to the session, creating the session on first use.
//
// Join is idempotent per (sessionID, userID): a second join from the same
// user replaces the prior handle, which is closed with reason "signed in
// elsewhere". A replacement never counts against the client ceiling, so a
// reconnect succeeds even when the session is full.
func (r *Registry) Join(conn Conn, sessionID, userID string, role sim.Role, displayName, authToken string) (*Client, error) {
	if !sessionIDPattern.MatchString(sessionID) {
		return nil, ErrInvalidSession
	}
	if !role.IsValid() {
		role = sim.RoleParticipant
	}
	if r.presenterToken != "" && role == sim.RolePresenter && authToken != r.presenterToken {
		return nil, ErrAuthRequired
	}

	r.mu.Lock()
	s := r.sessions[sessionID]
	created := s == nil
	if created {
		s = &session{id: sessionID, clients: make(map[string]*Client)}
		r.sessions[sessionID] = s
	}

	s.mu.Lock()
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	prior := s.clients[userID]
	if prior == nil && len(s.clients) >= r.maxClients {
		s.mu.Unlock()
		r.mu.Unlock()
		return nil, ErrSessionFull
	}
	c := newClient(conn, sessionID, userID, role, displayName)
	s.clients[userID] = c
	s.mu.Unlock()
	r.mu.Unlock()

	if prior != nil {
		prior.fail("signed in elsewhere")
	}

	slog.Info("session: client joined",
		"session_id", sessionID, "user_id", userID, "role", string(role),
		"created", created, "replaced", prior != nil)
	return c, nil
}

// Leave detaches the handle and closes its transport. Leaving a handle that
// has already been replaced by a rejoin does not touch the replacement. When
// the last client leaves, the grace timer is armed.
func (r *Registry) Leave(c *Client) {
	if c == nil {
		return
	}
	c.close("")

	s := r.session(c.SessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.clients[c.UserID] == c {
		delete(s.clients, c.UserID)
	}
	r.armGraceLocked(s)
	s.mu.Unlock()

	slog.Debug("session: client left", "session_id", c.SessionID, "user_id", c.UserID)
}

// Broadcast delivers msg to every client in the session, best-effort. Failed
// handles are swept; the caller never sees an error.
func (r *Registry) Broadcast(sessionID string, msg []byte) {
	r.fanout(sessionID, msg, func(*Client) bool { return true })
}

// BroadcastToPresenters delivers msg to clients with the presenter role.
func (r *Registry) BroadcastToPresenters(sessionID string, msg []byte) {
	r.fanout(sessionID, msg, func(c *Client) bool { return c.Role == sim.RolePresenter })
}

func (r *Registry) fanout(sessionID string, msg []byte, include func(*Client) bool) {
	s := r.session(sessionID)
	if s == nil {
		return
	}

	s.mu.RLock()
	targets := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		if include(c) {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	var dead []*Client
	for _, c := range targets {
		if !c.Send(msg) {
			dead = append(dead, c)
		}
	}
	if len(dead) > 0 {
		r.sweep(s, dead)
	}
}

// sweep removes handles whose sends have failed. Handles already replaced by
// a rejoin are left alone.
func (r *Registry) sweep(s *session, dead []*Client) {
	s.mu.Lock()
	for _, c := range dead {
		if s.clients[c.UserID] == c {
			delete(s.clients, c.UserID)
			slog.Debug("session: swept broken handle",
				"session_id", s.id, "user_id", c.UserID)
		}
	}
	r.armGraceLocked(s)
	s.mu.Unlock()
}

// armGraceLocked starts the empty-session grace timer. Caller holds s.mu.
func (r *Registry) armGraceLocked(s *session) {
	if len(s.clients) > 0 || s.grace != nil {
		return
	}
	s.grace = time.AfterFunc(r.grace, func() { r.reapIfIdle(s.id) })
}

// reapIfIdle removes the session if it is still empty and has no pending
// background work. Otherwise the check is rescheduled.
func (r *Registry) reapIfIdle(sessionID string) {
	r.mu.Lock()
	s := r.sessions[sessionID]
	if s == nil {
		r.mu.Unlock()
		return
	}

	s.mu.Lock()
	if len(s.clients) > 0 {
		s.grace = nil
		s.mu.Unlock()
		r.mu.Unlock()
		return
	}
	if r.canTeardown != nil && !r.canTeardown(sessionID) {
		s.grace = time.AfterFunc(r.grace, func() { r.reapIfIdle(sessionID) })
		s.mu.Unlock()
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	s.mu.Unlock()
	r.mu.Unlock()

	if r.onTeardown != nil {
		r.onTeardown(sessionID)
	}
	slog.Info("session: reaped idle session", "session_id", sessionID)
}

// Client returns the handle for (sessionID, userID), or nil.
func (r *Registry) Client(sessionID, userID string) *Client {
	s := r.session(sessionID)
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients[userID]
}

// Clients returns a snapshot of the session's handles.
func (r *Registry) Clients(sessionID string) []*Client {
	s := r.session(sessionID)
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

// ClientCount returns the number of connected clients in the session.
func (r *Registry) ClientCount(sessionID string) int {
	s := r.session(sessionID)
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll disconnects every client in every session with the given reason
// and empties the registry. Used during shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		if s.grace != nil {
			s.grace.Stop()
			s.grace = nil
		}
		clients := make([]*Client, 0, len(s.clients))
		for _, c := range s.clients {
			clients = append(clients, c)
		}
		s.clients = make(map[string]*Client)
		s.mu.Unlock()

		for _, c := range clients {
			c.close(reason)
		}
	}
}

func (r *Registry) session(id string) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}
