// Package sim defines the shared simulation state types used across all
// Pulsegate packages.
//
// These types form the lingua franca between the scenario engine, the
// physiology rule engine, the order pipeline, and the gateway. They are
// intentionally minimal — each package defines its own working types, but
// anything that is persisted or broadcast lives here to avoid circular
// imports.
package sim

import (
	"fmt"
	"strconv"
	"strings"
)

// Role tags a connected client.
type Role string

const (
	// RolePresenter runs the session: scenario selection, presenter controls,
	// voice commands.
	RolePresenter Role = "presenter"

	// RoleParticipant is a learner issuing orders and exams.
	RoleParticipant Role = "participant"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	switch r {
	case RolePresenter, RoleParticipant:
		return true
	}
	return false
}

// Vitals is the displayed vital-sign set of the simulated patient.
//
// Blood pressure is carried as a "SBP/DBP" string because every downstream
// consumer (UI, transcripts, persisted documents) expects that shape. Drift
// arithmetic is done on the numeric halves and re-serialised; see ParseBP and
// FormatBP.
type Vitals struct {
	// HR in beats per minute.
	HR float64 `json:"hr"`

	// RR in breaths per minute.
	RR float64 `json:"rr"`

	// SpO2 as a percentage, clamped to [50,100] after every update.
	SpO2 float64 `json:"spo2"`

	// BP as "SBP/DBP", e.g. "118/76". SBP is floored at 40, DBP at 20.
	BP string `json:"bp"`

	// TempF in degrees Fahrenheit.
	TempF float64 `json:"tempF"`
}

// ParseBP splits a "SBP/DBP" string into its numeric halves.
func ParseBP(bp string) (sys, dia float64, err error) {
	lhs, rhs, found := strings.Cut(strings.TrimSpace(bp), "/")
	if !found {
		return 0, 0, fmt.Errorf("sim: malformed bp %q", bp)
	}
	sys, err = strconv.ParseFloat(strings.TrimSpace(lhs), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("sim: malformed systolic in %q", bp)
	}
	dia, err = strconv.ParseFloat(strings.TrimSpace(rhs), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("sim: malformed diastolic in %q", bp)
	}
	return sys, dia, nil
}

// FormatBP renders numeric systolic/diastolic values back into the canonical
// "SBP/DBP" string, rounding to whole mmHg.
func FormatBP(sys, dia float64) string {
	return fmt.Sprintf("%d/%d", int(sys+0.5), int(dia+0.5))
}

// VitalsDelta is a partial adjustment to Vitals. Nil fields are untouched.
// Blood pressure is adjusted through its numeric halves.
type VitalsDelta struct {
	HR    *float64 `json:"hr,omitempty"`
	RR    *float64 `json:"rr,omitempty"`
	SpO2  *float64 `json:"spo2,omitempty"`
	SBP   *float64 `json:"sbp,omitempty"`
	DBP   *float64 `json:"dbp,omitempty"`
	TempF *float64 `json:"tempF,omitempty"`
}

// IsZero reports whether the delta adjusts nothing.
func (d VitalsDelta) IsZero() bool {
	return d.HR == nil && d.RR == nil && d.SpO2 == nil && d.SBP == nil && d.DBP == nil && d.TempF == nil
}

// VitalsTarget is a partial set of proposed absolute vitals, the payload of an
// intent_updateVitals tool call. Unlike VitalsDelta its fields are target
// values, not adjustments; the engine computes the adjustment from the current
// vitals when the intent is applied.
type VitalsTarget struct {
	HR    *float64 `json:"hr,omitempty"`
	RR    *float64 `json:"rr,omitempty"`
	SpO2  *float64 `json:"spo2,omitempty"`
	SBP   *float64 `json:"sbp,omitempty"`
	DBP   *float64 `json:"dbp,omitempty"`
	TempF *float64 `json:"tempF,omitempty"`
}

// IsZero reports whether the target proposes nothing.
func (t VitalsTarget) IsZero() bool {
	return t.HR == nil && t.RR == nil && t.SpO2 == nil && t.SBP == nil && t.DBP == nil && t.TempF == nil
}

// TelemetrySample is one bounded-history entry of monitor readings.
type TelemetrySample struct {
	TS   int64   `json:"ts"`
	HR   float64 `json:"hr"`
	SpO2 float64 `json:"spo2"`
	RR   float64 `json:"rr"`
	BP   string  `json:"bp"`
}

// EKGRecord is one entry of the rolling 12-lead history. The engine keeps at
// most the last three.
type EKGRecord struct {
	TS            int64  `json:"ts"`
	RhythmSummary string `json:"rhythmSummary"`
	Note          string `json:"note,omitempty"`
}

// MaxEKGHistory bounds SimState.EKGHistory. The bound lives here rather than
// in the schema so every writer enforces it.
const MaxEKGHistory = 3

// MaxTelemetryHistory bounds SimState.TelemetryHistory.
const MaxTelemetryHistory = 60

// BudgetSnapshot is the cost-controller view embedded in sim_state messages
// and persisted documents.
type BudgetSnapshot struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	USDEstimate  float64 `json:"usdEstimate"`
	Throttled    bool    `json:"throttled"`
	HardLimitHit bool    `json:"hardLimitHit"`
}

// SimState is the authoritative simulation state of one session. It is the
// document persisted to the session store and the source of every sim_state
// broadcast. All mutation happens under the session's state lock.
type SimState struct {
	SessionID  string `json:"sessionId"`
	ScenarioID string `json:"scenarioId"`

	// StageID always refers to a stage defined by the current scenario.
	StageID string `json:"stageId"`

	Vitals Vitals `json:"vitals"`

	// Exam maps an exam system (cardiac, lungs, general, ...) to its current
	// findings text.
	Exam map[string]string `json:"exam,omitempty"`

	// RhythmSummary is the current monitor rhythm label. Opaque to callers
	// beyond substring checks.
	RhythmSummary string `json:"rhythmSummary,omitempty"`

	// Telemetry reports whether the continuous monitor is on.
	Telemetry bool `json:"telemetry"`

	TelemetryWaveform []float64         `json:"telemetryWaveform,omitempty"`
	TelemetryHistory  []TelemetrySample `json:"telemetryHistory,omitempty"`
	EKGHistory        []EKGRecord       `json:"ekgHistory,omitempty"`

	Orders []Order `json:"orders,omitempty"`

	// Findings holds the ids of findings revealed so far.
	Findings []string `json:"findings,omitempty"`

	// Interventions is the ordered, deduplicated list of learner actions
	// (asked_about_exertion, stand_test, ...) consulted by stage transitions.
	Interventions []string `json:"interventions,omitempty"`

	// Fallback is true when upstream voice is disabled and only deterministic
	// character lines are sent.
	Fallback bool `json:"fallback"`

	Budget *BudgetSnapshot `json:"budget,omitempty"`

	// ScenarioStartedAt and StageEnteredAt are epoch milliseconds.
	// ScenarioStartedAt <= StageEnteredAt <= now.
	ScenarioStartedAt int64 `json:"scenarioStartedAt"`
	StageEnteredAt    int64 `json:"stageEnteredAt"`

	// Extended is present only for complex scenarios.
	Extended *ExtendedState `json:"extended,omitempty"`
}

// HasIntervention reports whether the given learner action has been recorded.
func (s *SimState) HasIntervention(id string) bool {
	for _, iv := range s.Interventions {
		if iv == id {
			return true
		}
	}
	return false
}

// AddIntervention records a learner action once; repeats are ignored.
func (s *SimState) AddIntervention(id string) bool {
	if s.HasIntervention(id) {
		return false
	}
	s.Interventions = append(s.Interventions, id)
	return true
}

// Clone returns a deep copy of the state, safe to hand outside the lock.
func (s *SimState) Clone() *SimState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Exam = cloneStringMap(s.Exam)
	cp.TelemetryWaveform = append([]float64(nil), s.TelemetryWaveform...)
	cp.TelemetryHistory = append([]TelemetrySample(nil), s.TelemetryHistory...)
	cp.EKGHistory = append([]EKGRecord(nil), s.EKGHistory...)
	cp.Orders = cloneOrders(s.Orders)
	cp.Findings = append([]string(nil), s.Findings...)
	cp.Interventions = append([]string(nil), s.Interventions...)
	if s.Budget != nil {
		b := *s.Budget
		cp.Budget = &b
	}
	cp.Extended = s.Extended.Clone()
	return &cp
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
