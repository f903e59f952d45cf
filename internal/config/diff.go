package config

import "slices"

// ConfigDiff describes what changed between two configs. Log level and
// budget thresholds apply without a restart; every other change is reported
// under RestartRequired so the operator sees exactly what a reload could not
// pick up.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// BudgetChanged means thresholds or pricing moved. Hot-applied budgets
	// take effect for sessions created after the reload; running sessions
	// keep the controller they started with.
	BudgetChanged bool
	NewBudget     BudgetConfig

	// RestartRequired lists config paths that changed but only apply on the
	// next start.
	RestartRequired []string
}

// Empty reports whether nothing changed at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.BudgetChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed, split into
// hot-applicable settings and those needing a restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Budget != new.Budget {
		d.BudgetChanged = true
		d.NewBudget = new.Budget
	}

	restart := func(changed bool, path string) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, path)
		}
	}

	restart(old.Server.ListenAddr != new.Server.ListenAddr, "server.listen_addr")
	restart(!tlsEqual(old.Server.TLS, new.Server.TLS), "server.tls")
	restart(!slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins), "server.allowed_origins")
	restart(old.Server.Environment != new.Server.Environment, "server.environment")
	restart(old.Session != new.Session, "session")
	restart(old.Voice != new.Voice, "voice")
	restart(!analysisEqual(old.Analysis, new.Analysis), "analysis")
	restart(old.Persistence != new.Persistence, "persistence")
	restart(old.Scenarios != new.Scenarios, "scenarios")
	// Sessions read the chaos knobs on the hot path without a lock, so a
	// change only applies on the next start.
	restart(old.Chaos != new.Chaos, "chaos")

	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func analysisEqual(a, b AnalysisConfig) bool {
	if !slices.Equal(a.Fallbacks, b.Fallbacks) {
		return false
	}
	a.Fallbacks, b.Fallbacks = nil, nil
	return a == b
}
