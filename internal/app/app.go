// Package app wires all Pulsegate subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and WebSocket traffic until the context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithAnalyzer). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/medrill/pulsegate/internal/analysis"
	"github.com/medrill/pulsegate/internal/config"
	"github.com/medrill/pulsegate/internal/gateway"
	"github.com/medrill/pulsegate/internal/health"
	"github.com/medrill/pulsegate/internal/observe"
	"github.com/medrill/pulsegate/internal/persist"
	"github.com/medrill/pulsegate/internal/scenario"
	"github.com/medrill/pulsegate/internal/voice"
	"github.com/medrill/pulsegate/pkg/provider/llm"
)

// serveStopTimeout bounds the graceful drain of the HTTP server after the
// run context is cancelled; connections still open afterwards are closed
// hard. Session teardown has already closed the WebSockets by then.
const serveStopTimeout = 5 * time.Second

// App owns all subsystem lifetimes: the persistence store, the debrief
// analyzer, the session gateway and the HTTP surface around it.
type App struct {
	cfg *config.Config

	store    persist.Store
	analyzer *analysis.Analyzer
	gw       *gateway.Gateway
	checks   *health.Handler
	handler  http.Handler
	srv      *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a persistence store instead of creating one from config.
func WithStore(s persist.Store) Option {
	return func(a *App) { a.store = s }
}

// WithAnalyzer injects a debrief analyzer instead of creating one from the
// provided LLM.
func WithAnalyzer(an *analysis.Analyzer) Option {
	return func(a *App) { a.analyzer = an }
}

// New creates an App by wiring all subsystems together. debriefLLM is the
// completion backend for the debrief analyzer, built by main from the config
// registry; nil selects the heuristic analyzer. Use Option functions to
// inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, debriefLLM llm.Provider, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry providers ───────────────────────────────────────────
	// Must run before anything touches the global meter provider.
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "pulsegate",
	})
	if err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), serveStopTimeout)
		defer cancel()
		return otelShutdown(ctx)
	})
	metrics := observe.DefaultMetrics()

	// ── 2. Scenario packs ────────────────────────────────────────────────
	if dir := cfg.Scenarios.PackDir; dir != "" {
		ids, err := scenario.LoadPackDir(dir)
		if err != nil {
			return nil, fmt.Errorf("app: load scenario packs: %w", err)
		}
		slog.Info("loaded scenario packs", "dir", dir, "ids", ids)
	}

	// ── 3. Persistence store ─────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 4. Debrief analyzer ──────────────────────────────────────────────
	a.initAnalyzer(debriefLLM)

	// ── 5. Gateway ───────────────────────────────────────────────────────
	a.gw = gateway.New(gateway.Config{
		Heartbeat:         cfg.Session.Heartbeat(),
		CommandCooldown:   cfg.Session.CommandCooldown(),
		MaxPayloadBytes:   cfg.Session.MaxPayloadBytes,
		DefaultScenarioID: cfg.Session.DefaultScenario,
		PresenterToken:    cfg.Session.PresenterToken,
		MaxClients:        cfg.Session.MaxClients,
		Grace:             cfg.Session.Grace(),
		Voice: voice.Config{
			APIKey:        cfg.Voice.APIKey,
			Model:         cfg.Voice.Model,
			BaseURL:       cfg.Voice.BaseURL,
			Voice:         cfg.Voice.Voice,
			AllowInsecure: cfg.Voice.AllowInsecure,
			DialTimeout:   cfg.Voice.DialTimeout(),
		},
		Analyzer:       a.analyzer,
		Store:          a.store,
		USDPerToken:    cfg.Budget.PerToken(),
		SoftBudgetUSD:  cfg.Budget.SoftUSD,
		HardBudgetUSD:  cfg.Budget.HardUSD,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Production:     cfg.Production(),
		ChaosLatency:   cfg.Chaos.Latency(),
		ChaosDropPct:   cfg.Chaos.DropPct,
		Metrics:        metrics,
	})

	// ── 6. HTTP surface ──────────────────────────────────────────────────
	a.buildHTTP(metrics)

	return a, nil
}

// initStore connects the PostgreSQL store, or selects the no-op store when
// no DSN is configured.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil // injected
	}
	dsn := a.cfg.Persistence.PostgresDSN
	if dsn == "" {
		a.store = persist.Noop{}
		return nil
	}
	pg, err := persist.NewPostgres(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = pg
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	slog.Info("persistence store connected")
	return nil
}

// initAnalyzer builds the debrief analyzer around the provided LLM, unless a
// test injected one.
func (a *App) initAnalyzer(debriefLLM llm.Provider) {
	if a.analyzer != nil {
		return
	}
	a.analyzer = analysis.New(analysis.Config{
		Provider:    debriefLLM,
		Temperature: a.cfg.Analysis.Temperature,
		MaxTokens:   a.cfg.Analysis.MaxTokens,
	})
	if debriefLLM != nil {
		slog.Info("debrief analyzer ready", "backend", debriefLLM.Name())
	} else {
		slog.Info("debrief analyzer ready", "backend", "heuristic")
	}
}

// buildHTTP assembles the route table and wraps it in the metrics middleware.
func (a *App) buildHTTP(metrics *observe.Metrics) {
	a.checks = health.New(
		health.Checker{Name: "store", Check: a.store.Ping},
	)

	mux := http.NewServeMux()
	a.checks.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws/voice", a.gw.HandleVoiceWS)

	a.handler = observe.Middleware(metrics)(mux)
}

// Gateway exposes the session gateway, for config hot-reload wiring.
func (a *App) Gateway() *gateway.Gateway { return a.gw }

// Handler exposes the full HTTP surface, for httptest servers.
func (a *App) Handler() http.Handler { return a.handler }

// Run serves HTTP and WebSocket traffic until ctx is cancelled, then ends
// every live session and drains the server. It returns ctx's error after a
// clean drain, or the first serve error.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	a.srv = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("pulsegate listening",
		"addr", ln.Addr().String(),
		"tls", a.cfg.Server.TLS != nil,
		"production", a.cfg.Production(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if t := a.cfg.Server.TLS; t != nil {
			err = a.srv.ServeTLS(ln, t.CertFile, t.KeyFile)
		} else {
			err = a.srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), serveStopTimeout)
		defer cancel()
		// End sessions first so clients get a session.ended frame and the
		// WebSockets close cleanly; then the drain below has nothing left
		// to wait on.
		a.gw.Shutdown(stopCtx)
		if err := a.srv.Shutdown(stopCtx); err != nil {
			a.srv.Close()
		}
		return gctx.Err()
	})
	return g.Wait()
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// No-op if Run already did this; a direct Shutdown without Run
		// still ends sessions.
		a.gw.Shutdown(ctx)

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
