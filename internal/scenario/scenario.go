// Package scenario holds the read-only case catalog: patient demographics,
// stage graphs with drift and transitions, and — for the complex cases — the
// physiology rule tables, character-line trigger pools, and scoring
// configuration consumed by the engines.
//
// Definitions are immutable once registered. The built-in catalog is defined
// in Go; additional simple cases can be dropped in as YAML packs (see
// LoadPackDir).
package scenario

import (
	"errors"
	"fmt"

	"github.com/medrill/pulsegate/internal/sim"
)

// Scenario ids of the built-in catalog.
const (
	IDSyncope          = "syncope"
	IDPalpitationsSVT  = "palpitations_svt"
	IDMyocarditisCrash = "peds_myocarditis_silent_crash_v1"
	IDTeenSVT          = "teen_svt_complex_v1"
)

// Demographics describes the simulated patient.
type Demographics struct {
	// AgeMonths drives the PALS age banding for rhythm labels.
	AgeMonths int

	// WeightKg drives weight-based dosing (mL/kg, mg/kg, J/kg).
	WeightKg float64

	// Name and Pronouns feed character prompts and display.
	Name     string
	Pronouns string
}

// Drift holds per-minute vitals deltas integrated while a stage is active.
type Drift struct {
	HRPerMin   float64
	SBPPerMin  float64
	DBPPerMin  float64
	SpO2PerMin float64
}

// IsZero reports whether the drift moves nothing.
func (d Drift) IsZero() bool {
	return d.HRPerMin == 0 && d.SBPPerMin == 0 && d.DBPPerMin == 0 && d.SpO2PerMin == 0
}

// Learner actions recognised by stage transitions.
const (
	ActionAskedAboutExertion = "asked_about_exertion"
	ActionStandTest          = "stand_test"
	ActionAskedFamilyHistory = "asked_family_history"
)

// Trigger is one transition condition: either a named learner action or time
// spent in the stage. Exactly one of the two fields is set.
type Trigger struct {
	Action         string  `yaml:"action,omitempty"`
	ElapsedSeconds float64 `yaml:"elapsedSeconds,omitempty"`
}

// Satisfied evaluates the trigger against the recorded actions and the
// seconds spent in the current stage.
func (t Trigger) Satisfied(actions map[string]bool, inStageSeconds float64) bool {
	if t.Action != "" {
		return actions[t.Action]
	}
	return inStageSeconds >= t.ElapsedSeconds
}

// Transition connects a stage to its successor. One of When, Any or All is
// set: When is a single trigger, Any fires on the first satisfied trigger,
// All requires every trigger.
type Transition struct {
	To   string    `yaml:"to"`
	When *Trigger  `yaml:"when,omitempty"`
	Any  []Trigger `yaml:"any,omitempty"`
	All  []Trigger `yaml:"all,omitempty"`
}

// Satisfied evaluates the transition's trigger composite.
func (tr Transition) Satisfied(actions map[string]bool, inStageSeconds float64) bool {
	switch {
	case tr.When != nil:
		return tr.When.Satisfied(actions, inStageSeconds)
	case len(tr.Any) > 0:
		for _, t := range tr.Any {
			if t.Satisfied(actions, inStageSeconds) {
				return true
			}
		}
		return false
	case len(tr.All) > 0:
		for _, t := range tr.All {
			if !t.Satisfied(actions, inStageSeconds) {
				return false
			}
		}
		return true
	}
	return false
}

// Stage is one discrete state of a scenario.
type Stage struct {
	ID string

	// Vitals are the baseline on stage entry.
	Vitals sim.Vitals

	// Exam maps exam systems to their findings while this stage is active.
	Exam map[string]string

	// RhythmSummary overrides the synthesised label when non-empty.
	RhythmSummary string

	// Drift is integrated each tick while the stage is active.
	Drift *Drift

	// AllowedIntents restricts which intents the tool gate passes in this
	// stage. Nil means unrestricted.
	AllowedIntents []sim.IntentType

	Transitions []Transition
}

// AllowsIntent reports whether the stage admits the intent type. A nil
// allowlist admits everything.
func (s *Stage) AllowsIntent(t sim.IntentType) bool {
	if s == nil || s.AllowedIntents == nil {
		return true
	}
	for _, a := range s.AllowedIntents {
		if a == t {
			return true
		}
	}
	return false
}

// ── physiology rules ───────────────────────────────────────────────────────

// ConditionType enumerates rule conditions. The last six are scenario-local
// to the SVT variant.
type ConditionType string

const (
	CondFluidsMlKgInWindow ConditionType = "fluids_ml_kg_in_window"
	CondInotropeRunning    ConditionType = "inotrope_running"
	CondInotropeDoseGte    ConditionType = "inotrope_dose_gte"
	CondAirwayIntervention ConditionType = "airway_intervention"
	CondIntubationAgent    ConditionType = "intubation_induction"
	CondPressorAtBedside   ConditionType = "pressor_at_bedside"
	CondPeepGte            ConditionType = "peep_gte"
	CondShockStageGte      ConditionType = "shock_stage_gte"
	CondConsultCalled      ConditionType = "consult_called"
	CondTimeInPhaseGte     ConditionType = "time_in_phase_gte"
	CondDiagnosticOrdered  ConditionType = "diagnostic_ordered"

	CondVagalAttempted         ConditionType = "vagal_attempted"
	CondConverted              ConditionType = "converted"
	CondAdenosineGiven         ConditionType = "adenosine_given"
	CondCardioversionPerformed ConditionType = "cardioversion_performed"
	CondRhythmIs               ConditionType = "rhythm_is"
	CondStabilityLevelGte      ConditionType = "stability_level_gte"
)

// svtOnly reports whether the condition reads SVT-variant state.
func (t ConditionType) svtOnly() bool {
	switch t {
	case CondVagalAttempted, CondConverted, CondAdenosineGiven,
		CondCardioversionPerformed, CondRhythmIs, CondStabilityLevelGte:
		return true
	}
	return false
}

// Condition is one tagged rule condition. Only the fields of the arm named by
// Type are meaningful. Each condition is a pure function of the extended
// state and "now"; evaluation lives in the rules engine.
type Condition struct {
	Type ConditionType

	// Threshold for fluids_ml_kg_in_window, inotrope_dose_gte, peep_gte,
	// shock_stage_gte, time_in_phase_gte (minutes), stability_level_gte and
	// adenosine_given (dose number).
	Threshold float64

	// WindowMinutes for fluids_ml_kg_in_window.
	WindowMinutes float64

	// Drug for inotrope_running and inotrope_dose_gte. "both" on
	// inotrope_running means epi and milrinone together.
	Drug string

	// Method for airway_intervention (hfnc or intubation).
	Method string

	// Agent for intubation_induction.
	Agent string

	// Want for pressor_at_bedside.
	Want bool

	// Service for consult_called.
	Service string

	// Test for diagnostic_ordered.
	Test string

	// Rhythm for rhythm_is (sinus or svt).
	Rhythm string
}

// Logic combines a rule's conditions.
type Logic string

const (
	LogicAll Logic = "all"
	LogicAny Logic = "any"
)

// Rule is one declarative condition→effect record. Cooldown and MaxTriggers
// gate re-firing; DelaySeconds queues the effects instead of applying them
// immediately.
type Rule struct {
	ID              string
	Conditions      []Condition
	ConditionLogic  Logic // empty means all
	Effects         []sim.Effect
	DelaySeconds    float64
	CooldownSeconds float64
	MaxTriggers     int // 0 = unlimited
}

// ── character-line triggers ────────────────────────────────────────────────

// CharacterTrigger is one scripted line: fired at most MaxFires times, no
// more often than CooldownMs, when Condition holds.
type CharacterTrigger struct {
	ID         string
	Condition  func(st *sim.SimState, elapsedMs int64) bool
	Line       string
	CooldownMs int64
	MaxFires   int // 0 = unlimited
	Priority   sim.LinePriority
}

// TriggerSet groups the three character pools.
type TriggerSet struct {
	Nurse   []CharacterTrigger
	Parent  []CharacterTrigger
	Patient []CharacterTrigger
}

// ── scoring ────────────────────────────────────────────────────────────────

// ScoreItem is one creditable (or penalised) behaviour.
type ScoreItem struct {
	ID     string
	Points int
	Label  string
}

// ScoringConfig is the per-scenario scoring table.
type ScoringConfig struct {
	Checklist []ScoreItem
	Bonuses   []ScoreItem
	Penalties []ScoreItem
}

func findItem(items []ScoreItem, id string) (ScoreItem, bool) {
	for _, it := range items {
		if it.ID == id {
			return it, true
		}
	}
	return ScoreItem{}, false
}

// ChecklistPoints returns the credit for a checklist item, 0 if unknown.
func (c ScoringConfig) ChecklistPoints(id string) int {
	it, _ := findItem(c.Checklist, id)
	return it.Points
}

// BonusPoints returns the credit for a bonus, 0 if unknown.
func (c ScoringConfig) BonusPoints(id string) int {
	it, _ := findItem(c.Bonuses, id)
	return it.Points
}

// PenaltyPoints returns the deduction for a penalty, 0 if unknown.
func (c ScoringConfig) PenaltyPoints(id string) int {
	it, _ := findItem(c.Penalties, id)
	return it.Points
}

// Character is one voice in the room besides the learners.
type Character struct {
	ID          string
	DisplayName string

	// Voice is the upstream TTS voice id used when synthesising this
	// character.
	Voice string
}

// ── definition ─────────────────────────────────────────────────────────────

// Definition is one immutable scenario.
type Definition struct {
	ID          string
	Title       string
	Description string

	Demographics Demographics

	InitialStageID string
	Stages         []Stage

	// Variant is empty for simple scenarios.
	Variant sim.ExtendedVariant

	// Complex-scenario tables. Empty for simple scenarios.
	Rules      []Rule
	Triggers   TriggerSet
	Scoring    ScoringConfig
	Characters []Character

	// RhythmAugment is appended to every synthesised rhythm label, e.g.
	// "low-voltage QRS" for myocarditis.
	RhythmAugment string
}

// Stage returns the stage with the given id.
func (d *Definition) Stage(id string) (*Stage, bool) {
	for i := range d.Stages {
		if d.Stages[i].ID == id {
			return &d.Stages[i], true
		}
	}
	return nil, false
}

// StageIDs returns the ordered stage id list.
func (d *Definition) StageIDs() []string {
	ids := make([]string, len(d.Stages))
	for i := range d.Stages {
		ids[i] = d.Stages[i].ID
	}
	return ids
}

// Complex reports whether the scenario carries extended state.
func (d *Definition) Complex() bool {
	return d.Variant != ""
}

// Character returns the roster entry with the given id.
func (d *Definition) Character(id string) (Character, bool) {
	for _, c := range d.Characters {
		if c.ID == id {
			return c, true
		}
	}
	return Character{}, false
}

// Validate checks internal consistency: stage references resolve, intent
// allowlists are subsets of the universal set, and variant-local conditions
// and effects appear only where legal.
func (d *Definition) Validate() error {
	var errs []error
	if d.ID == "" {
		errs = append(errs, errors.New("missing id"))
	}
	if len(d.Stages) == 0 {
		errs = append(errs, errors.New("no stages"))
	}
	if _, ok := d.Stage(d.InitialStageID); !ok {
		errs = append(errs, fmt.Errorf("initial stage %q not defined", d.InitialStageID))
	}
	if d.Variant != "" && !d.Variant.IsValid() {
		errs = append(errs, fmt.Errorf("unknown variant %q", d.Variant))
	}
	if d.Demographics.WeightKg <= 0 {
		errs = append(errs, errors.New("weight must be positive"))
	}

	seen := map[string]bool{}
	for _, st := range d.Stages {
		if st.ID == "" {
			errs = append(errs, errors.New("stage with empty id"))
			continue
		}
		if seen[st.ID] {
			errs = append(errs, fmt.Errorf("duplicate stage %q", st.ID))
		}
		seen[st.ID] = true
		for _, tr := range st.Transitions {
			if _, ok := d.Stage(tr.To); !ok {
				errs = append(errs, fmt.Errorf("stage %q: transition to undefined stage %q", st.ID, tr.To))
			}
			if tr.When == nil && len(tr.Any) == 0 && len(tr.All) == 0 {
				errs = append(errs, fmt.Errorf("stage %q: transition to %q has no trigger", st.ID, tr.To))
			}
		}
		for _, in := range st.AllowedIntents {
			if !in.IsValid() {
				errs = append(errs, fmt.Errorf("stage %q: unknown intent %q in allowlist", st.ID, in))
			}
		}
		if _, _, err := sim.ParseBP(st.Vitals.BP); err != nil {
			errs = append(errs, fmt.Errorf("stage %q: %w", st.ID, err))
		}
	}

	for _, r := range d.Rules {
		errs = append(errs, d.validateRule(r)...)
	}
	if len(errs) > 0 {
		return fmt.Errorf("scenario %q: %w", d.ID, errors.Join(errs...))
	}
	return nil
}

func (d *Definition) validateRule(r Rule) []error {
	var errs []error
	if r.ID == "" {
		errs = append(errs, errors.New("rule with empty id"))
	}
	if len(r.Conditions) == 0 {
		errs = append(errs, fmt.Errorf("rule %q: no conditions", r.ID))
	}
	if r.ConditionLogic != "" && r.ConditionLogic != LogicAll && r.ConditionLogic != LogicAny {
		errs = append(errs, fmt.Errorf("rule %q: unknown logic %q", r.ID, r.ConditionLogic))
	}
	for _, c := range r.Conditions {
		if c.Type.svtOnly() && d.Variant != sim.VariantSVT {
			errs = append(errs, fmt.Errorf("rule %q: condition %s is SVT-only", r.ID, c.Type))
		}
	}
	if len(r.Effects) == 0 {
		errs = append(errs, fmt.Errorf("rule %q: no effects", r.ID))
	}
	for _, e := range r.Effects {
		switch e.Type {
		case sim.EffectSetStabilityLevel:
			if d.Variant != sim.VariantSVT {
				errs = append(errs, fmt.Errorf("rule %q: set_stability_level is SVT-only", r.ID))
			}
		case sim.EffectAdvanceShockStage:
			if d.Variant != sim.VariantMyocarditis {
				errs = append(errs, fmt.Errorf("rule %q: advance_shock_stage is myocarditis-only", r.ID))
			}
		case sim.EffectAdvancePhase:
			if !d.validPhase(e.Phase) {
				errs = append(errs, fmt.Errorf("rule %q: unknown phase %q", r.ID, e.Phase))
			}
		case sim.EffectVitalsDelta, sim.EffectSetFlag, sim.EffectNurseLine, sim.EffectTriggerCodeBlue:
		default:
			errs = append(errs, fmt.Errorf("rule %q: unknown effect %q", r.ID, e.Type))
		}
	}
	return errs
}

func (d *Definition) validPhase(phase string) bool {
	switch d.Variant {
	case sim.VariantSVT:
		return sim.SVTPhase(phase).IsValid()
	case sim.VariantMyocarditis:
		return sim.MyoPhase(phase).IsValid()
	}
	return false
}
