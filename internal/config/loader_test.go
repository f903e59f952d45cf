package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/medrill/pulsegate/internal/config"
)

func TestValidate_BadLogLevel(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  log_level: bananas\n"))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_TLSRequiresBothFiles(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  tls:
    cert_file: /etc/pulsegate/tls.crt
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for TLS with missing key_file, got nil")
	}
	if !strings.Contains(err.Error(), "cert_file and key_file") {
		t.Errorf("error should mention both files, got: %v", err)
	}
}

func TestValidate_SoftBudgetAboveHard(t *testing.T) {
	t.Parallel()
	yaml := `
budget:
  soft_usd: 5
  hard_usd: 2
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for soft > hard, got nil")
	}
	if !strings.Contains(err.Error(), "exceeds") {
		t.Errorf("error should mention the inversion, got: %v", err)
	}
}

func TestValidate_ChaosDropPctRange(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("chaos:\n  drop_pct: 1.5\n"))
	if err == nil {
		t.Fatal("expected error for drop_pct > 1, got nil")
	}
}

func TestValidate_AnalysisProviderNeedsModel(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("analysis:\n  provider: ollama\n"))
	if err == nil {
		t.Fatal("expected error for provider without model, got nil")
	}
	if !strings.Contains(err.Error(), "analysis.model") {
		t.Errorf("error should mention analysis.model, got: %v", err)
	}
}

func TestValidate_JoinsMultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
session:
  heartbeat_ms: -5
chaos:
  drop_pct: 2
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected joined errors, got nil")
	}
	for _, want := range []string{"log_level", "heartbeat_ms", "drop_pct"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %s, got: %v", want, err)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("want wrapped fs not-exist error, got: %v", err)
	}
}

func TestApplyEnv_Overrides(t *testing.T) {
	t.Setenv("PORT", "9191")
	t.Setenv("SCENARIO_HEARTBEAT_MS", "250")
	t.Setenv("COMMAND_COOLDOWN_MS", "1000")
	t.Setenv("MAX_WS_PAYLOAD_BYTES", "65536")
	t.Setenv("SOFT_BUDGET_USD", "0.75")
	t.Setenv("HARD_BUDGET_USD", "2.5")
	t.Setenv("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-mini")
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("APP_ENV", "staging")

	cfg := config.Default()
	if err := config.ApplyEnv(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9191" {
		t.Errorf("PORT: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Session.HeartbeatMs != 250 {
		t.Errorf("SCENARIO_HEARTBEAT_MS: got %d", cfg.Session.HeartbeatMs)
	}
	if cfg.Session.CommandCooldownMs != 1000 {
		t.Errorf("COMMAND_COOLDOWN_MS: got %d", cfg.Session.CommandCooldownMs)
	}
	if cfg.Session.MaxPayloadBytes != 65536 {
		t.Errorf("MAX_WS_PAYLOAD_BYTES: got %d", cfg.Session.MaxPayloadBytes)
	}
	if cfg.Budget.SoftUSD != 0.75 || cfg.Budget.HardUSD != 2.5 {
		t.Errorf("budget envs: got %+v", cfg.Budget)
	}
	if cfg.Voice.Model != "gpt-4o-realtime-mini" {
		t.Errorf("OPENAI_REALTIME_MODEL: got %q", cfg.Voice.Model)
	}
	if cfg.Voice.APIKey != "sk-env" {
		t.Errorf("OPENAI_API_KEY: got %q", cfg.Voice.APIKey)
	}
	if cfg.Server.Environment != "staging" {
		t.Errorf("APP_ENV: got %q", cfg.Server.Environment)
	}
}

func TestApplyEnv_UnsetLeavesFileValues(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Session.HeartbeatMs = 400
	if err := config.ApplyEnv(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Session.HeartbeatMs != 400 {
		t.Errorf("unset env must keep file value, got %d", cfg.Session.HeartbeatMs)
	}
}

func TestApplyEnv_MalformedValue(t *testing.T) {
	t.Setenv("SCENARIO_HEARTBEAT_MS", "soon")

	err := config.ApplyEnv(config.Default())
	if err == nil {
		t.Fatal("expected error for non-numeric heartbeat, got nil")
	}
	if !strings.Contains(err.Error(), "SCENARIO_HEARTBEAT_MS") {
		t.Errorf("error should name the variable, got: %v", err)
	}
}

func TestApplyEnv_BadPort(t *testing.T) {
	t.Setenv("PORT", "eighty")

	err := config.ApplyEnv(config.Default())
	if err == nil {
		t.Fatal("expected error for non-numeric port, got nil")
	}
}

func TestApplyEnv_NodeEnvFallback(t *testing.T) {
	t.Setenv("NODE_ENV", "production")

	cfg := config.Default()
	if err := config.ApplyEnv(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Production() {
		t.Errorf("NODE_ENV=production should mark the config production, got %q", cfg.Server.Environment)
	}
}

func TestApplyEnv_InsecureVoiceRejectedInProduction(t *testing.T) {
	t.Setenv("ALLOW_INSECURE_VOICE_WS", "true")
	t.Setenv("APP_ENV", "production")

	err := config.ApplyEnv(config.Default())
	if err == nil {
		t.Fatal("expected error for insecure voice in production, got nil")
	}
	if !strings.Contains(err.Error(), "allow_insecure") {
		t.Errorf("error should mention allow_insecure, got: %v", err)
	}
}
