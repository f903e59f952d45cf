// Package rules evaluates the declarative physiology rules of complex
// scenarios: condition→effect records with optional delays, cooldowns and
// max-fire counts.
//
// The evaluator itself holds no mutable state. Fire history and the
// delayed-effect queue live in the session's ExtendedState, so they persist
// and rehydrate with it. A Pass mutates the extended state directly (flags,
// phases, shock stage, timeline) but never touches vitals: the aggregated
// vitals delta is returned for the caller to run through the scenario
// engine, which owns clamping and the BP accumulators.
//
// Evaluation is deterministic. Probabilistic outcomes (adenosine conversion,
// rebound SVT) belong to the treatment handlers that call the engine, never
// to rules.
package rules

import (
	"strconv"

	"github.com/medrill/pulsegate/internal/scenario"
	"github.com/medrill/pulsegate/internal/sim"
)

// Result is the aggregate outcome of one evaluation pass. Vitals deltas from
// every applied effect are summed; competing nurse lines collapse to the
// highest priority; only the first phase advance and the first shock-stage or
// stability change of a pass survive.
type Result struct {
	// Fired lists the ids of rules whose conditions passed this tick, in
	// table order, whether their effects ran immediately or were queued.
	Fired []string

	Vitals sim.VitalsDelta

	NurseLine     string
	NursePriority sim.LinePriority

	// Phase is the target of the winning advance_phase effect, already
	// applied to the extended state. Empty when no phase moved.
	Phase string

	// ShockStage / StabilityLevel are the winning level effects, 0 when none
	// applied.
	ShockStage     int
	StabilityLevel int

	CodeBlue     bool
	FlagsChanged bool
}

// Empty reports whether the pass produced nothing at all.
func (r Result) Empty() bool {
	return len(r.Fired) == 0 && r.Vitals.IsZero() && r.NurseLine == "" &&
		r.Phase == "" && r.ShockStage == 0 && r.StabilityLevel == 0 &&
		!r.CodeBlue && !r.FlagsChanged
}

// Engine evaluates one scenario's rule table.
type Engine struct {
	def *scenario.Definition
}

// New returns an evaluator for the definition's rules. Simple scenarios get a
// working engine whose passes are no-ops.
func New(def *scenario.Definition) *Engine {
	return &Engine{def: def}
}

// Pass runs one evaluation over the current state: fire eligible rules, queue
// or apply their effects, drain due delayed effects, and aggregate. Callers
// hold the session lock. A nil extended state makes the pass a no-op.
func (e *Engine) Pass(st *sim.SimState, nowMs int64) Result {
	var res Result
	if st == nil || st.Extended == nil {
		return res
	}
	ext := st.Extended
	history := ext.RuleTriggers()

	for _, rule := range e.def.Rules {
		if !eligible(rule, history[rule.ID], nowMs) {
			continue
		}
		if !e.conditionsMet(rule, st, nowMs) {
			continue
		}
		res.Fired = append(res.Fired, rule.ID)
		if rt := history[rule.ID]; rt != nil {
			rt.TriggeredAt = nowMs
			rt.Count++
		} else {
			history[rule.ID] = &sim.RuleTrigger{TriggeredAt: nowMs, Count: 1}
		}
		if rule.DelaySeconds > 0 {
			due := nowMs + int64(rule.DelaySeconds*1000)
			queue := ext.PendingEffects()
			for _, eff := range rule.Effects {
				*queue = append(*queue, sim.PendingEffect{RuleID: rule.ID, ExecuteAt: due, Effect: eff})
			}
			continue
		}
		for _, eff := range rule.Effects {
			e.apply(ext, eff, nowMs, &res)
		}
	}

	e.drain(ext, nowMs, &res)
	return res
}

// eligible checks the cooldown and max-trigger gates against the fire history.
func eligible(rule scenario.Rule, rt *sim.RuleTrigger, nowMs int64) bool {
	if rt == nil {
		return true
	}
	if rule.MaxTriggers > 0 && rt.Count >= rule.MaxTriggers {
		return false
	}
	if rule.CooldownSeconds > 0 && nowMs-rt.TriggeredAt < int64(rule.CooldownSeconds*1000) {
		return false
	}
	return true
}

func (e *Engine) conditionsMet(rule scenario.Rule, st *sim.SimState, nowMs int64) bool {
	if rule.ConditionLogic == scenario.LogicAny {
		for _, c := range rule.Conditions {
			if satisfied(c, st, nowMs) {
				return true
			}
		}
		return false
	}
	for _, c := range rule.Conditions {
		if !satisfied(c, st, nowMs) {
			return false
		}
	}
	return true
}

// satisfied evaluates one condition against the extended state. Conditions
// that read a variant the session does not carry are simply false.
func satisfied(c scenario.Condition, st *sim.SimState, nowMs int64) bool {
	ext := st.Extended
	svt := ext.SVT
	myo := ext.Myocarditis

	switch c.Type {
	case scenario.CondFluidsMlKgInWindow:
		return myo != nil && myo.FluidsMlKgInWindow(nowMs, c.WindowMinutes) >= c.Threshold
	case scenario.CondInotropeRunning:
		if myo == nil {
			return false
		}
		if c.Drug == "both" {
			return myo.InotropeRunning(sim.DrugEpi) && myo.InotropeRunning(sim.DrugMilrinone)
		}
		return myo.InotropeRunning(sim.InotropeDrug(c.Drug))
	case scenario.CondInotropeDoseGte:
		return myo != nil && myo.InotropeDose(sim.InotropeDrug(c.Drug)) >= c.Threshold
	case scenario.CondAirwayIntervention:
		return myo != nil && myo.Airway != nil && string(myo.Airway.Type) == c.Method
	case scenario.CondIntubationAgent:
		return myo != nil && myo.Airway != nil && myo.Airway.Type == sim.AirwayIntubation &&
			string(myo.Airway.InductionAgent) == c.Agent
	case scenario.CondPressorAtBedside:
		return myo != nil && pressorAtBedside(myo) == c.Want
	case scenario.CondPeepGte:
		return myo != nil && myo.Airway != nil && myo.Airway.PEEP >= c.Threshold
	case scenario.CondShockStageGte:
		return myo != nil && myo.ShockStage >= int(c.Threshold)
	case scenario.CondConsultCalled:
		switch {
		case svt != nil:
			return svt.HasConsult(c.Service)
		case myo != nil:
			return myo.HasConsult(c.Service)
		}
		return false
	case scenario.CondTimeInPhaseGte:
		entered := phaseEnteredAt(ext)
		return entered > 0 && nowMs-entered >= int64(c.Threshold*60_000)
	case scenario.CondDiagnosticOrdered:
		switch {
		case myo != nil:
			return myo.DiagnosticOrdered(c.Test)
		case svt != nil && c.Test == "ecg":
			return svt.Interventions.ECGOrdered
		}
		return false

	case scenario.CondVagalAttempted:
		return svt != nil && len(svt.VagalAttempts) > 0
	case scenario.CondConverted:
		return svt != nil && svt.Converted
	case scenario.CondAdenosineGiven:
		return svt != nil && svt.AdenosineGiven(int(c.Threshold))
	case scenario.CondCardioversionPerformed:
		return svt != nil && len(svt.Cardioversions) > 0
	case scenario.CondRhythmIs:
		return svt != nil && string(svt.Rhythm) == c.Rhythm
	case scenario.CondStabilityLevelGte:
		return svt != nil && svt.StabilityLevel >= int(c.Threshold)
	}
	return false
}

// pressorAtBedside reports whether any vasopressor support is ready: a
// running pressor infusion, push-dose epi drawn up, or the airway checklist's
// pressor-ready flag.
func pressorAtBedside(m *sim.MyocarditisState) bool {
	if m.VasopressorRunning() {
		return true
	}
	return m.Airway != nil && (m.Airway.PressorReady || m.Airway.PushDoseEpiDrawn)
}

func phaseEnteredAt(ext *sim.ExtendedState) int64 {
	switch {
	case ext.SVT != nil:
		return ext.SVT.PhaseEnteredAt
	case ext.Myocarditis != nil:
		return ext.Myocarditis.PhaseEnteredAt
	}
	return 0
}

// apply folds one effect into the pass result, mutating the extended state
// for flags, phases and levels.
func (e *Engine) apply(ext *sim.ExtendedState, eff sim.Effect, nowMs int64, res *Result) {
	switch eff.Type {
	case sim.EffectVitalsDelta:
		if eff.Vitals != nil {
			addDelta(&res.Vitals, *eff.Vitals)
		}
	case sim.EffectSetFlag:
		if ext.Myocarditis != nil && setFlag(&ext.Myocarditis.Flags, eff.Flag, eff.FlagValue) {
			res.FlagsChanged = true
		}
	case sim.EffectNurseLine:
		if res.NurseLine == "" || eff.Priority.Rank() < res.NursePriority.Rank() {
			res.NurseLine = eff.Line
			res.NursePriority = eff.Priority
		}
	case sim.EffectAdvancePhase:
		if res.Phase != "" {
			return
		}
		switch {
		case ext.SVT != nil:
			if ext.SVT.EnterPhase(sim.SVTPhase(eff.Phase), nowMs) {
				res.Phase = eff.Phase
			}
		case ext.Myocarditis != nil:
			if ext.Myocarditis.EnterPhase(sim.MyoPhase(eff.Phase), nowMs) {
				res.Phase = eff.Phase
			}
		}
	case sim.EffectAdvanceShockStage:
		if res.ShockStage != 0 || ext.Myocarditis == nil {
			return
		}
		// Shock stage only moves forward; rules cannot un-shock a patient.
		if eff.Level > ext.Myocarditis.ShockStage {
			ext.Myocarditis.ShockStage = eff.Level
			ext.AddTimeline(nowMs, "myo.shock_stage", strconv.Itoa(eff.Level))
			res.ShockStage = eff.Level
		}
	case sim.EffectSetStabilityLevel:
		if res.StabilityLevel != 0 || ext.SVT == nil {
			return
		}
		if ext.SVT.StabilityLevel != eff.Level {
			ext.SVT.StabilityLevel = eff.Level
			res.StabilityLevel = eff.Level
		}
	case sim.EffectTriggerCodeBlue:
		if ext.Myocarditis != nil && !ext.Myocarditis.Flags.CodeBlueActive {
			ext.Myocarditis.Flags.CodeBlueActive = true
			ext.AddTimeline(nowMs, "myo.code_blue", "")
			res.CodeBlue = true
		}
	}
}

// drain applies every pending effect whose time has come and drops it from
// the queue.
func (e *Engine) drain(ext *sim.ExtendedState, nowMs int64, res *Result) {
	queue := ext.PendingEffects()
	if queue == nil || len(*queue) == 0 {
		return
	}
	remaining := (*queue)[:0]
	for _, pe := range *queue {
		if pe.ExecuteAt <= nowMs {
			e.apply(ext, pe.Effect, nowMs, res)
			continue
		}
		remaining = append(remaining, pe)
	}
	*queue = remaining
}

func setFlag(f *sim.MyoFlags, name string, v bool) bool {
	switch name {
	case "pulmonaryEdema":
		changed := f.PulmonaryEdema != v
		f.PulmonaryEdema = v
		return changed
	case "intubationCollapse":
		changed := f.IntubationCollapse != v
		f.IntubationCollapse = v
		return changed
	case "codeBlueActive":
		changed := f.CodeBlueActive != v
		f.CodeBlueActive = v
		return changed
	case "stabilizing":
		changed := f.Stabilizing != v
		f.Stabilizing = v
		return changed
	}
	return false
}

func addDelta(dst *sim.VitalsDelta, d sim.VitalsDelta) {
	dst.HR = addField(dst.HR, d.HR)
	dst.RR = addField(dst.RR, d.RR)
	dst.SpO2 = addField(dst.SpO2, d.SpO2)
	dst.SBP = addField(dst.SBP, d.SBP)
	dst.DBP = addField(dst.DBP, d.DBP)
	dst.TempF = addField(dst.TempF, d.TempF)
}

func addField(a, b *float64) *float64 {
	if b == nil {
		return a
	}
	if a == nil {
		v := *b
		return &v
	}
	sum := *a + *b
	return &sum
}
