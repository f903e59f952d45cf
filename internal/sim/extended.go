package sim

// ExtendedVariant discriminates the extended-state union. Exactly the arm
// named here is populated on ExtendedState.
type ExtendedVariant string

const (
	VariantSVT         ExtendedVariant = "svt"
	VariantMyocarditis ExtendedVariant = "myocarditis"
)

// IsValid reports whether v is a recognised variant.
func (v ExtendedVariant) IsValid() bool {
	switch v {
	case VariantSVT, VariantMyocarditis:
		return true
	}
	return false
}

// ExtendedState is the complex-scenario overlay on SimState. Simple scenarios
// (syncope, palpitations) never carry one.
type ExtendedState struct {
	Variant     ExtendedVariant   `json:"variant"`
	SVT         *SVTState         `json:"svt,omitempty"`
	Myocarditis *MyocarditisState `json:"myocarditis,omitempty"`
}

// Clone returns a deep copy, safe to hand outside the lock.
func (e *ExtendedState) Clone() *ExtendedState {
	if e == nil {
		return nil
	}
	cp := &ExtendedState{Variant: e.Variant}
	cp.SVT = e.SVT.clone()
	cp.Myocarditis = e.Myocarditis.clone()
	return cp
}

// ── shared sub-structures ──────────────────────────────────────────────────

// LinePriority orders competing character lines. Critical outranks high
// outranks normal.
type LinePriority string

const (
	PriorityCritical LinePriority = "critical"
	PriorityHigh     LinePriority = "high"
	PriorityNormal   LinePriority = "normal"
)

// Rank returns the sort key; lower wins.
func (p LinePriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	default:
		return 3
	}
}

// EffectType enumerates rule effects. The first six are shared; the stability
// effect is legal only for the SVT variant.
type EffectType string

const (
	EffectVitalsDelta       EffectType = "vitals_delta"
	EffectSetFlag           EffectType = "set_flag"
	EffectNurseLine         EffectType = "nurse_line"
	EffectAdvanceShockStage EffectType = "advance_shock_stage"
	EffectAdvancePhase      EffectType = "advance_phase"
	EffectTriggerCodeBlue   EffectType = "trigger_code_blue"
	EffectSetStabilityLevel EffectType = "set_stability_level"
)

// Effect is one tagged rule effect. Only the fields of the arm named by Type
// are meaningful.
type Effect struct {
	Type EffectType `json:"type"`

	// Vitals for vitals_delta.
	Vitals *VitalsDelta `json:"vitals,omitempty"`

	// Flag and FlagValue for set_flag.
	Flag      string `json:"flag,omitempty"`
	FlagValue bool   `json:"flagValue,omitempty"`

	// Line and Priority for nurse_line.
	Line     string       `json:"line,omitempty"`
	Priority LinePriority `json:"priority,omitempty"`

	// Level for advance_shock_stage and set_stability_level.
	Level int `json:"level,omitempty"`

	// Phase for advance_phase.
	Phase string `json:"phase,omitempty"`
}

// PendingEffect is a delayed rule effect queued for a future tick.
type PendingEffect struct {
	RuleID    string `json:"ruleId"`
	ExecuteAt int64  `json:"executeAt"`
	Effect    Effect `json:"effect"`
}

// RuleTrigger records that a rule has fired: when it last did, and how often
// over the session lifetime. Count never exceeds the rule's maxTriggers.
type RuleTrigger struct {
	TriggeredAt int64 `json:"triggeredAt"`
	Count       int   `json:"count"`
}

// Scoring accumulates debrief credit for a complex scenario run.
type Scoring struct {
	ChecklistCompleted []string `json:"checklistCompleted,omitempty"`
	BonusesEarned      []string `json:"bonusesEarned,omitempty"`
	PenaltiesIncurred  []string `json:"penaltiesIncurred,omitempty"`

	// Score is clamped to [0,100].
	Score int `json:"score"`
}

// Adjust applies a signed delta, keeping Score within [0,100].
func (sc *Scoring) Adjust(delta int) {
	sc.Score += delta
	if sc.Score > 100 {
		sc.Score = 100
	}
	if sc.Score < 0 {
		sc.Score = 0
	}
}

func (sc *Scoring) hasEntry(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

// CompleteChecklist records a checklist item once and credits points.
// Returns false if the item was already completed.
func (sc *Scoring) CompleteChecklist(id string, points int) bool {
	if sc.hasEntry(sc.ChecklistCompleted, id) {
		return false
	}
	sc.ChecklistCompleted = append(sc.ChecklistCompleted, id)
	sc.Adjust(points)
	return true
}

// EarnBonus records a bonus once and credits points.
func (sc *Scoring) EarnBonus(id string, points int) bool {
	if sc.hasEntry(sc.BonusesEarned, id) {
		return false
	}
	sc.BonusesEarned = append(sc.BonusesEarned, id)
	sc.Adjust(points)
	return true
}

// IncurPenalty records a penalty once and deducts points.
func (sc *Scoring) IncurPenalty(id string, points int) bool {
	if sc.hasEntry(sc.PenaltiesIncurred, id) {
		return false
	}
	sc.PenaltiesIncurred = append(sc.PenaltiesIncurred, id)
	sc.Adjust(-points)
	return true
}

// HasPenalty reports whether the penalty has been incurred.
func (sc *Scoring) HasPenalty(id string) bool {
	return sc.hasEntry(sc.PenaltiesIncurred, id)
}

// TimelineEvent is one entry of a complex scenario's in-memory timeline.
// Timestamps are monotonically non-decreasing; appenders clamp.
type TimelineEvent struct {
	TS     int64  `json:"ts"`
	Type   string `json:"type"`
	Detail string `json:"detail,omitempty"`
}

func appendTimeline(timeline []TimelineEvent, ev TimelineEvent) []TimelineEvent {
	if n := len(timeline); n > 0 && ev.TS < timeline[n-1].TS {
		ev.TS = timeline[n-1].TS
	}
	return append(timeline, ev)
}

// ── variant-independent accessors ──────────────────────────────────────────
//
// The rule and trigger engines operate on whichever variant is live; these
// accessors keep them free of per-variant switches.

// AddTimeline appends a timeline event to the live variant, clamping the
// timestamp so the timeline stays monotonic.
func (e *ExtendedState) AddTimeline(ts int64, typ, detail string) {
	ev := TimelineEvent{TS: ts, Type: typ, Detail: detail}
	switch {
	case e.SVT != nil:
		e.SVT.Timeline = appendTimeline(e.SVT.Timeline, ev)
	case e.Myocarditis != nil:
		e.Myocarditis.Timeline = appendTimeline(e.Myocarditis.Timeline, ev)
	}
}

// Scoring returns the live variant's scoring block, or nil.
func (e *ExtendedState) Scoring() *Scoring {
	switch {
	case e.SVT != nil:
		return &e.SVT.Scoring
	case e.Myocarditis != nil:
		return &e.Myocarditis.Scoring
	}
	return nil
}

// RuleTriggers returns the live variant's rule-trigger map, allocating it on
// first use.
func (e *ExtendedState) RuleTriggers() map[string]*RuleTrigger {
	switch {
	case e.SVT != nil:
		if e.SVT.RuleTriggers == nil {
			e.SVT.RuleTriggers = map[string]*RuleTrigger{}
		}
		return e.SVT.RuleTriggers
	case e.Myocarditis != nil:
		if e.Myocarditis.RuleTriggers == nil {
			e.Myocarditis.RuleTriggers = map[string]*RuleTrigger{}
		}
		return e.Myocarditis.RuleTriggers
	}
	return nil
}

// PendingEffects returns a pointer to the live variant's delayed-effect queue.
func (e *ExtendedState) PendingEffects() *[]PendingEffect {
	switch {
	case e.SVT != nil:
		return &e.SVT.PendingEffects
	case e.Myocarditis != nil:
		return &e.Myocarditis.PendingEffects
	}
	return nil
}

func clonePendingEffects(src []PendingEffect) []PendingEffect {
	if src == nil {
		return nil
	}
	cp := make([]PendingEffect, len(src))
	for i, pe := range src {
		cp[i] = pe
		if pe.Effect.Vitals != nil {
			v := *pe.Effect.Vitals
			cp[i].Effect.Vitals = &v
		}
	}
	return cp
}

func cloneRuleTriggers(src map[string]*RuleTrigger) map[string]*RuleTrigger {
	if src == nil {
		return nil
	}
	cp := make(map[string]*RuleTrigger, len(src))
	for id, rt := range src {
		c := *rt
		cp[id] = &c
	}
	return cp
}

func cloneScoring(sc Scoring) Scoring {
	sc.ChecklistCompleted = append([]string(nil), sc.ChecklistCompleted...)
	sc.BonusesEarned = append([]string(nil), sc.BonusesEarned...)
	sc.PenaltiesIncurred = append([]string(nil), sc.PenaltiesIncurred...)
	return sc
}
