package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValidAnalysisProviders lists known provider names for the debrief analyzer.
// Used by [Validate] to warn about unrecognised provider names.
var ValidAnalysisProviders = []string{
	"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Session: SessionConfig{
			HeartbeatMs:       1000,
			CommandCooldownMs: 3000,
			MaxPayloadBytes:   262144,
			GraceMs:           30000,
		},
		Voice: VoiceConfig{
			Model: "gpt-4o-realtime-preview",
			Voice: "coral",
		},
		Budget: BudgetConfig{
			USDPerMillionTokens: 20,
		},
	}
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate]. Environment overrides are applied separately via [ApplyEnv].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays recognised environment variables onto cfg and
// re-validates. Environment wins over the file. The recognised set:
//
//	PORT                   listen port (digits only; becomes ":<port>")
//	ALLOW_INSECURE_VOICE_WS bool; permits ws:// voice endpoints
//	SCENARIO_HEARTBEAT_MS  tick interval
//	COMMAND_COOLDOWN_MS    presenter command throttle
//	MAX_WS_PAYLOAD_BYTES   inbound frame cap
//	SOFT_BUDGET_USD        text-only degradation threshold
//	HARD_BUDGET_USD        upstream cut-off threshold
//	OPENAI_REALTIME_MODEL  realtime voice model
//	OPENAI_API_KEY         realtime voice credential
//	APP_ENV / NODE_ENV     environment name; "production" hardens defaults
//
// Unset variables leave the file values untouched; malformed values are
// rejected as errors rather than silently ignored.
func ApplyEnv(cfg *Config) error {
	var errs []error

	if v, ok := os.LookupEnv("PORT"); ok && v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			errs = append(errs, fmt.Errorf("config: PORT %q is not a number", v))
		} else {
			cfg.Server.ListenAddr = ":" + v
		}
	}
	envBool("ALLOW_INSECURE_VOICE_WS", &cfg.Voice.AllowInsecure, &errs)
	envInt("SCENARIO_HEARTBEAT_MS", &cfg.Session.HeartbeatMs, &errs)
	envInt("COMMAND_COOLDOWN_MS", &cfg.Session.CommandCooldownMs, &errs)
	envInt64("MAX_WS_PAYLOAD_BYTES", &cfg.Session.MaxPayloadBytes, &errs)
	envFloat("SOFT_BUDGET_USD", &cfg.Budget.SoftUSD, &errs)
	envFloat("HARD_BUDGET_USD", &cfg.Budget.HardUSD, &errs)
	if v, ok := os.LookupEnv("OPENAI_REALTIME_MODEL"); ok && v != "" {
		cfg.Voice.Model = v
	}
	if v, ok := os.LookupEnv("OPENAI_API_KEY"); ok && v != "" {
		cfg.Voice.APIKey = v
	}
	if v, ok := lookupFirst("APP_ENV", "NODE_ENV"); ok && v != "" {
		cfg.Server.Environment = v
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	return Validate(cfg)
}

// lookupFirst returns the first of the named variables that is set.
func lookupFirst(keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok {
			return v, true
		}
	}
	return "", false
}

func envInt(key string, dst *int, errs *[]error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s %q is not an integer", key, v))
		return
	}
	*dst = i
}

func envInt64(key string, dst *int64, errs *[]error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s %q is not an integer", key, v))
		return
	}
	*dst = i
}

func envFloat(key string, dst *float64, errs *[]error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s %q is not a number", key, v))
		return
	}
	*dst = f
}

func envBool(key string, dst *bool, errs *[]error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s %q is not a boolean", key, v))
		return
	}
	*dst = b
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Session
	if cfg.Session.HeartbeatMs < 0 {
		errs = append(errs, fmt.Errorf("session.heartbeat_ms %d must not be negative", cfg.Session.HeartbeatMs))
	}
	if cfg.Session.CommandCooldownMs < 0 {
		errs = append(errs, fmt.Errorf("session.command_cooldown_ms %d must not be negative", cfg.Session.CommandCooldownMs))
	}
	if cfg.Session.MaxPayloadBytes < 0 {
		errs = append(errs, fmt.Errorf("session.max_payload_bytes %d must not be negative", cfg.Session.MaxPayloadBytes))
	}
	if cfg.Session.MaxClients < 0 {
		errs = append(errs, fmt.Errorf("session.max_clients %d must not be negative", cfg.Session.MaxClients))
	}

	// Voice
	if cfg.Voice.AllowInsecure && cfg.Production() {
		errs = append(errs, errors.New("voice.allow_insecure must be false in the production environment"))
	}
	if cfg.Voice.APIKey == "" {
		slog.Warn("voice.api_key is empty; sessions will run in scripted fallback mode without patient audio")
	}

	// Analysis provider name — warn for unknown names, they may be typos or
	// genuinely new backends.
	if name := cfg.Analysis.Provider; name != "" && !slices.Contains(ValidAnalysisProviders, name) {
		slog.Warn("unknown analysis provider name — may be a typo or third-party provider",
			"name", name,
			"known", ValidAnalysisProviders,
		)
	}
	if cfg.Analysis.Provider != "" && cfg.Analysis.Model == "" {
		errs = append(errs, errors.New("analysis.model is required when analysis.provider is set"))
	}
	if cfg.Analysis.Temperature < 0 || cfg.Analysis.Temperature > 2 {
		errs = append(errs, fmt.Errorf("analysis.temperature %.2f is out of range [0, 2]", cfg.Analysis.Temperature))
	}
	for i, fb := range cfg.Analysis.Fallbacks {
		if fb.Provider == "" || fb.Model == "" {
			errs = append(errs, fmt.Errorf("analysis.fallbacks[%d] requires both provider and model", i))
			continue
		}
		if !slices.Contains(ValidAnalysisProviders, fb.Provider) {
			slog.Warn("unknown analysis fallback provider name — may be a typo or third-party provider",
				"name", fb.Provider,
				"known", ValidAnalysisProviders,
			)
		}
	}
	if len(cfg.Analysis.Fallbacks) > 0 && cfg.Analysis.Provider == "" {
		errs = append(errs, errors.New("analysis.fallbacks requires a primary analysis.provider"))
	}

	// Budget
	if cfg.Budget.USDPerMillionTokens < 0 {
		errs = append(errs, fmt.Errorf("budget.usd_per_million_tokens %.2f must not be negative", cfg.Budget.USDPerMillionTokens))
	}
	if cfg.Budget.SoftUSD < 0 || cfg.Budget.HardUSD < 0 {
		errs = append(errs, errors.New("budget thresholds must not be negative"))
	}
	if cfg.Budget.SoftUSD > 0 && cfg.Budget.HardUSD > 0 && cfg.Budget.SoftUSD > cfg.Budget.HardUSD {
		errs = append(errs, fmt.Errorf("budget.soft_usd %.2f exceeds budget.hard_usd %.2f", cfg.Budget.SoftUSD, cfg.Budget.HardUSD))
	}

	// Persistence
	if cfg.Persistence.PostgresDSN == "" {
		slog.Warn("persistence.postgres_dsn is empty; debriefs and event logs will not be stored")
	}

	// Chaos
	if cfg.Chaos.DropPct < 0 || cfg.Chaos.DropPct > 1 {
		errs = append(errs, fmt.Errorf("chaos.drop_pct %.2f is out of range [0, 1]", cfg.Chaos.DropPct))
	}
	if cfg.Chaos.LatencyMs < 0 {
		errs = append(errs, fmt.Errorf("chaos.latency_ms %d must not be negative", cfg.Chaos.LatencyMs))
	}

	return errors.Join(errs...)
}
