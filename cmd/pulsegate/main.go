// Command pulsegate is the main entry point for the Pulsegate simulation
// gateway server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/medrill/pulsegate/internal/app"
	"github.com/medrill/pulsegate/internal/config"
	"github.com/medrill/pulsegate/internal/resilience"
	"github.com/medrill/pulsegate/pkg/provider/llm"
	"github.com/medrill/pulsegate/pkg/provider/llm/anyllm"
	openaillm "github.com/medrill/pulsegate/pkg/provider/llm/openai"
)

func main() {
	os.Exit(run())
}

// logLevel is the process-wide log level. The config watcher lowers or raises
// it at runtime when server.log_level changes in the file.
var logLevel = new(slog.LevelVar)

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "pulsegate: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "pulsegate: %v\n", err)
		}
		return 1
	}
	if err := config.ApplyEnv(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "pulsegate: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("pulsegate starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"environment", cfg.Server.Environment,
	)

	// ── Analysis backend registry ─────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	analysisLLM, err := buildAnalysisLLM(cfg, reg)
	if err != nil {
		slog.Error("failed to build analysis backend", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, analysisLLM)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyConfigChange(application, old, new)
	})
	if err != nil {
		// Reload is a convenience; a broken watcher should not stop the server.
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Analysis backend wiring ───────────────────────────────────────────────────

// registerBuiltinBackends wires all built-in analysis backend factories into
// reg. Each factory receives the analysis section of the config and
// constructs the backend of the same name.
func registerBuiltinBackends(reg *config.Registry) {
	// anthropic, gemini, deepseek, mistral, groq, llamacpp and llamafile all
	// share the any-llm pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.AnalysisConfig) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(providerName, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	// openai uses the first-party SDK when a key is configured; without one it
	// goes through any-llm, which reads OPENAI_API_KEY itself.
	reg.RegisterLLM("openai", func(entry config.AnalysisConfig) (llm.Provider, error) {
		if entry.APIKey == "" {
			return anyllm.NewOpenAI(entry.Model)
		}
		var opts []openaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, openaillm.WithBaseURL(entry.BaseURL))
		}
		return openaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.AnalysisConfig) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		p, err := anyllm.New("ollama", entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	for _, name := range config.ValidAnalysisProviders {
		slog.Debug("registered analysis backend", "name", name)
	}
}

// buildAnalysisLLM instantiates the debrief analysis backend named in cfg and
// chains any configured fallbacks behind it. Returns nil when no backend is
// configured; debriefs then fall back to heuristic summaries.
func buildAnalysisLLM(cfg *config.Config, reg *config.Registry) (llm.Provider, error) {
	name := cfg.Analysis.Provider
	if name == "" {
		slog.Info("no analysis backend configured — debriefs use heuristic summaries")
		return nil, nil
	}

	primary, err := reg.CreateLLM(cfg.Analysis)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		slog.Warn("unknown analysis backend — debriefs use heuristic summaries", "name", name)
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("create analysis backend %q: %w", name, err)
	}
	slog.Info("analysis backend created", "name", name, "model", cfg.Analysis.Model)

	if len(cfg.Analysis.Fallbacks) == 0 {
		return primary, nil
	}

	chain := resilience.NewLLMFallback(primary, resilience.FallbackConfig{})
	for _, fb := range cfg.Analysis.Fallbacks {
		p, err := reg.CreateLLM(config.AnalysisConfig{
			Provider: fb.Provider,
			Model:    fb.Model,
			APIKey:   fb.APIKey,
			BaseURL:  fb.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("create fallback backend %q: %w", fb.Provider, err)
		}
		chain.AddFallback(p)
		slog.Info("analysis fallback registered", "name", fb.Provider, "model", fb.Model)
	}
	return chain, nil
}

// ── Config hot reload ─────────────────────────────────────────────────────────

// applyConfigChange applies the hot-reloadable parts of a config file change
// and warns about the parts that only take effect after a restart.
func applyConfigChange(application *app.App, old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}

	if d.LogLevelChanged {
		logLevel.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.BudgetChanged {
		application.Gateway().SetBudgets(d.NewBudget.PerToken(), d.NewBudget.SoftUSD, d.NewBudget.HardUSD)
		slog.Info("budget thresholds changed",
			"soft_usd", d.NewBudget.SoftUSD,
			"hard_usd", d.NewBudget.HardUSD,
		)
	}
	for _, path := range d.RestartRequired {
		slog.Warn("config change requires restart", "path", path)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Pulsegate — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Listen addr", cfg.Server.ListenAddr)
	printRow("Environment", cfg.Server.Environment)
	printRow("Voice model", cfg.Voice.Model)
	printRow("Analysis", analysisLabel(cfg))
	printRow("Scenario", cfg.Session.DefaultScenario)
	printRow("Scenario pack", cfg.Scenarios.PackDir)
	printRow("Budget (USD)", fmt.Sprintf("%.2f / %.2f", cfg.Budget.SoftUSD, cfg.Budget.HardUSD))
	if cfg.Persistence.PostgresDSN != "" {
		printRow("Persistence", "postgres")
	} else {
		printRow("Persistence", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func analysisLabel(cfg *config.Config) string {
	if cfg.Analysis.Provider == "" {
		return "heuristic"
	}
	label := cfg.Analysis.Provider + " / " + cfg.Analysis.Model
	if n := len(cfg.Analysis.Fallbacks); n > 0 {
		label = fmt.Sprintf("%s (+%d)", label, n)
	}
	return label
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
