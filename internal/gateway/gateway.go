// Package gateway is the websocket front door of the simulation: it accepts
// client connections, demultiplexes the wire protocol, drives the per-session
// heartbeat, and owns the treatment handlers that close the loop between
// spoken orders and the scenario engine.
//
// One Gateway serves many sessions. Each session gets its own scenario
// engine, rule and trigger engines, order handler, budget controller and
// upstream voice connection; every mutation of session state goes through
// that session's lock. Cross-session work runs fully in parallel.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/medrill/pulsegate/internal/analysis"
	"github.com/medrill/pulsegate/internal/lock"
	"github.com/medrill/pulsegate/internal/observe"
	"github.com/medrill/pulsegate/internal/persist"
	"github.com/medrill/pulsegate/internal/protocol"
	"github.com/medrill/pulsegate/internal/resilience"
	"github.com/medrill/pulsegate/internal/scenario"
	"github.com/medrill/pulsegate/internal/session"
	"github.com/medrill/pulsegate/internal/sim"
	"github.com/medrill/pulsegate/internal/toolgate"
	"github.com/medrill/pulsegate/internal/voice"
)

const (
	// DefaultHeartbeat is the scenario tick interval.
	DefaultHeartbeat = time.Second

	// MinHeartbeat is the floor below which configured intervals are raised.
	MinHeartbeat = 250 * time.Millisecond

	// DefaultCommandCooldown throttles repeated presenter control commands.
	DefaultCommandCooldown = 3 * time.Second
)

// Config parameterises a Gateway. The zero value is runnable: default
// scenario, no upstream voice, in-memory persistence, heuristic debriefs.
type Config struct {
	// Heartbeat is the tick interval. Zero selects DefaultHeartbeat; values
	// under MinHeartbeat are raised to it.
	Heartbeat time.Duration

	// CommandCooldown is the minimum gap between repeats of the same
	// presenter control command. Zero selects DefaultCommandCooldown.
	CommandCooldown time.Duration

	// MaxPayloadBytes caps one inbound frame. Zero selects
	// protocol.DefaultMaxPayloadBytes.
	MaxPayloadBytes int64

	// DefaultScenarioID seeds sessions that have not chosen a scenario.
	// Empty selects the syncope case.
	DefaultScenarioID string

	// PresenterToken, when set, is required to join with the presenter role.
	PresenterToken string

	// MaxClients and Grace pass through to the session registry.
	MaxClients int
	Grace      time.Duration

	// Voice configures the upstream realtime provider. An empty APIKey runs
	// every session in fallback: scripted lines only, no patient audio.
	Voice voice.Config

	// Analyzer produces debriefs. Nil selects a heuristic-only analyzer.
	Analyzer *analysis.Analyzer

	// Store receives state upserts and event appends. Nil selects the no-op
	// store.
	Store persist.Store

	// USDPerToken, SoftBudgetUSD and HardBudgetUSD configure each session's
	// cost controller. Zero thresholds disable the respective limit.
	USDPerToken   float64
	SoftBudgetUSD float64
	HardBudgetUSD float64

	// AllowedOrigins is passed to the websocket accept handshake. Empty
	// restricts clients to same-origin.
	AllowedOrigins []string

	// Production forces the chaos knobs to zero.
	Production bool

	// ChaosLatency delays inbound doctor audio; ChaosDropPct drops a
	// fraction of it. Test-environment knobs, zeroed in production.
	ChaosLatency time.Duration
	ChaosDropPct float64

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// Gateway owns the live sessions and the transports into them.
type Gateway struct {
	cfg      Config
	registry *session.Registry
	locks    *lock.Registry
	gate     *toolgate.Gate
	writer   *persist.Writer
	analyzer *analysis.Analyzer

	// heuristic answers debriefs once the hard budget is hit.
	heuristic *analysis.Analyzer

	// breaker guards upstream voice dialing across all sessions.
	breaker *resilience.CircuitBreaker

	metrics *observe.Metrics

	mu        sync.Mutex
	sessions  map[string]*liveSession
	cooldowns map[string]int64
	closed    bool

	// roll decides treatment outcomes; tests pin it.
	roll func() float64

	// now and schedule are the clock and timer used by treatments; tests
	// replace them to run scenario time synchronously.
	now      func() int64
	schedule func(time.Duration, func())
}

// New builds a Gateway and its session registry. Call Shutdown to release it.
func New(cfg Config) *Gateway {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.Heartbeat < MinHeartbeat {
		cfg.Heartbeat = MinHeartbeat
	}
	if cfg.CommandCooldown <= 0 {
		cfg.CommandCooldown = DefaultCommandCooldown
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = protocol.DefaultMaxPayloadBytes
	}
	if cfg.DefaultScenarioID == "" {
		cfg.DefaultScenarioID = scenario.IDSyncope
	}
	if cfg.Store == nil {
		cfg.Store = persist.Noop{}
	}
	if cfg.Production {
		cfg.ChaosLatency = 0
		cfg.ChaosDropPct = 0
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	g := &Gateway{
		cfg:       cfg,
		locks:     lock.NewRegistry(),
		gate:      toolgate.New(0),
		writer:    persist.NewWriter(cfg.Store),
		analyzer:  cfg.Analyzer,
		heuristic: analysis.New(analysis.Config{}),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "openai-realtime",
		}),
		metrics:   cfg.Metrics,
		sessions:  make(map[string]*liveSession),
		cooldowns: make(map[string]int64),
		roll:      rand.Float64,
		now:       func() int64 { return time.Now().UnixMilli() },
		schedule:  func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
	}
	if g.analyzer == nil {
		g.analyzer = g.heuristic
	}
	g.registry = session.NewRegistry(session.Config{
		MaxClients:     cfg.MaxClients,
		Grace:          cfg.Grace,
		PresenterToken: cfg.PresenterToken,
		CanTeardown:    g.canTeardown,
		OnTeardown:     g.teardown,
	})
	return g
}

// Registry exposes the session registry, for readiness checks and shutdown.
func (g *Gateway) Registry() *session.Registry { return g.registry }

// SetBudgets replaces the cost-controller thresholds for sessions created
// from now on. Running sessions keep the controller they started with.
func (g *Gateway) SetBudgets(usdPerToken, softUSD, hardUSD float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg.USDPerToken = usdPerToken
	g.cfg.SoftBudgetUSD = softUSD
	g.cfg.HardBudgetUSD = hardUSD
}

// live returns the session if it exists.
func (g *Gateway) live(sessionID string) *liveSession {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions[sessionID]
}

// ensureSession returns the live session, creating it on first use with the
// default scenario.
func (g *Gateway) ensureSession(sessionID string) (*liveSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, fmt.Errorf("gateway: shut down")
	}
	if s, ok := g.sessions[sessionID]; ok {
		return s, nil
	}
	def, ok := scenario.Get(g.cfg.DefaultScenarioID)
	if !ok {
		return nil, fmt.Errorf("gateway: unknown default scenario %q", g.cfg.DefaultScenarioID)
	}
	s := newLiveSession(g, sessionID, def)
	g.sessions[sessionID] = s
	g.metrics.ActiveSessions.Add(context.Background(), 1)
	slog.Info("gateway: session created", "session_id", sessionID, "scenario", def.ID)
	return s, nil
}

// canTeardown reports whether the grace reaper may drop the session: the
// lock must be free and no order may still be pending.
func (g *Gateway) canTeardown(sessionID string) bool {
	s := g.live(sessionID)
	if s == nil {
		return true
	}
	idle := false
	ok, _ := g.locks.TryWith(sessionID, "teardown-check", func() error {
		idle = !hasPendingOrders(s.engine.State().Orders)
		return nil
	})
	return ok && idle
}

func hasPendingOrders(orders []sim.Order) bool {
	for i := range orders {
		if orders[i].Status == sim.OrderPending {
			return true
		}
	}
	return false
}

// teardown drops a session after its grace period: final state write, voice
// close, heartbeat stop.
func (g *Gateway) teardown(sessionID string) {
	g.mu.Lock()
	s := g.sessions[sessionID]
	delete(g.sessions, sessionID)
	g.mu.Unlock()
	if s == nil {
		return
	}
	s.shutdown()
	g.locks.Forget(sessionID)
	g.gate.Forget(sessionID)
	g.metrics.ActiveSessions.Add(context.Background(), -1)
	slog.Info("gateway: session torn down", "session_id", sessionID)
}

// Shutdown closes every client connection, tears down all sessions, and
// drains the persistence queue.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	ids := make([]string, 0, len(g.sessions))
	for id := range g.sessions {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	g.registry.CloseAll("server shutting down")
	for _, id := range ids {
		g.teardown(id)
	}
	g.writer.Close()
	slog.Info("gateway: shut down", "sessions", len(ids))
}

// onCooldown checks and arms the per-user cooldown for one control command.
func (g *Gateway) onCooldown(sessionID, userID string, cmd protocol.CommandType, nowMs int64) bool {
	key := sessionID + "/" + userID + "/" + string(cmd)
	g.mu.Lock()
	defer g.mu.Unlock()
	if last, ok := g.cooldowns[key]; ok && nowMs-last < g.cfg.CommandCooldown.Milliseconds() {
		return true
	}
	g.cooldowns[key] = nowMs
	return false
}
