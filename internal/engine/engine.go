// Package engine owns the simulation state of one session: the current stage,
// vitals, exam findings, rhythm label, monitor histories, and the bookkeeping
// that drives drift integration and automatic stage transitions.
//
// One Engine is created per session and is not safe for concurrent use; every
// call happens under the session's state lock. The engine holds no
// back-pointers into the session layer — state changes are surfaced through a
// [Sink] so the caller decides what to broadcast and persist.
//
// Blood pressure is serialised as a "SBP/DBP" string everywhere downstream,
// so the engine keeps numeric systolic/diastolic accumulators and re-renders
// the string after every adjustment; drift therefore never loses sub-mmHg
// precision to rounding.
package engine

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/medrill/pulsegate/internal/scenario"
	"github.com/medrill/pulsegate/internal/sim"
	"github.com/medrill/pulsegate/internal/telemetry"
)

// Sink receives engine events. Emit must not block; the session layer fans
// events out to persistence and broadcast queues.
type Sink interface {
	Emit(ev sim.Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev sim.Event)

// Emit calls f(ev).
func (f SinkFunc) Emit(ev sim.Event) { f(ev) }

var _ Sink = SinkFunc(nil)

// Engine advances the simulation state of a single session.
type Engine struct {
	def   *scenario.Definition
	state *sim.SimState
	sink  Sink

	// sbp/dbp are the numeric halves of Vitals.BP.
	sbp, dbp float64

	// rhythmOverride suppresses label synthesis while non-empty. Stage entry
	// sets it from the stage definition; SetRhythm sets it explicitly.
	rhythmOverride string

	lastTickMs int64
}

// New builds the engine for a session, entering the scenario's initial stage.
// nowMs becomes both scenarioStartedAt and stageEnteredAt. A nil sink drops
// all events.
func New(sessionID string, def *scenario.Definition, nowMs int64, sink Sink) *Engine {
	e := &Engine{
		def:  def,
		sink: sink,
		state: &sim.SimState{
			SessionID:         sessionID,
			ScenarioID:        def.ID,
			ScenarioStartedAt: nowMs,
		},
		lastTickMs: nowMs,
	}
	switch def.Variant {
	case sim.VariantSVT:
		e.state.Extended = &sim.ExtendedState{Variant: def.Variant, SVT: sim.NewSVTState(nowMs)}
	case sim.VariantMyocarditis:
		e.state.Extended = &sim.ExtendedState{Variant: def.Variant, Myocarditis: sim.NewMyocarditisState(nowMs)}
	}
	if st, ok := def.Stage(def.InitialStageID); ok {
		e.applyStage(st, nowMs)
	}
	return e
}

// Definition returns the immutable scenario this engine runs.
func (e *Engine) Definition() *scenario.Definition { return e.def }

// State returns the live state. Callers hold the session lock and mutate only
// through engine methods or the sim extended-state helpers.
func (e *Engine) State() *sim.SimState { return e.state }

// Snapshot returns a deep copy safe to hand outside the lock.
func (e *Engine) Snapshot() *sim.SimState { return e.state.Clone() }

// ElapsedSeconds returns seconds since the scenario started, floored at zero.
func (e *Engine) ElapsedSeconds(nowMs int64) float64 {
	return max(0, float64(nowMs-e.state.ScenarioStartedAt)/1000)
}

func (e *Engine) emit(typ string, payload map[string]any) {
	if e.sink == nil {
		return
	}
	e.sink.Emit(sim.Event{Type: typ, Payload: payload})
}

// ── vitals arithmetic ──────────────────────────────────────────────────────

// primeBP reloads the numeric accumulators from the serialised BP string.
func (e *Engine) primeBP() {
	if sys, dia, err := sim.ParseBP(e.state.Vitals.BP); err == nil {
		e.sbp, e.dbp = sys, dia
	}
}

// ApplyVitalsAdjustment adds the delta to the current vitals and re-applies
// the clamps: SpO2 to [50,100], SBP floored at 40, DBP at 20, everything else
// at 0. Returns whether anything moved.
func (e *Engine) ApplyVitalsAdjustment(d sim.VitalsDelta) bool {
	if d.IsZero() {
		return false
	}
	v := &e.state.Vitals
	if d.HR != nil {
		v.HR = max(0, v.HR+*d.HR)
	}
	if d.RR != nil {
		v.RR = max(0, v.RR+*d.RR)
	}
	if d.SpO2 != nil {
		v.SpO2 = clamp(v.SpO2+*d.SpO2, 50, 100)
	}
	if d.TempF != nil {
		v.TempF = max(0, v.TempF+*d.TempF)
	}
	if d.SBP != nil || d.DBP != nil {
		if d.SBP != nil {
			e.sbp = max(40, e.sbp+*d.SBP)
		}
		if d.DBP != nil {
			e.dbp = max(20, e.dbp+*d.DBP)
		}
		v.BP = sim.FormatBP(e.sbp, e.dbp)
	}
	if d.HR != nil {
		e.refreshRhythm()
	}
	e.refreshWaveform()
	return true
}

// applyVitalsTarget converts proposed absolute values into a delta against
// the current vitals and applies it through the usual clamps.
func (e *Engine) applyVitalsTarget(t *sim.VitalsTarget) bool {
	if t == nil || t.IsZero() {
		return false
	}
	v := e.state.Vitals
	var d sim.VitalsDelta
	if t.HR != nil {
		d.HR = fptr(*t.HR - v.HR)
	}
	if t.RR != nil {
		d.RR = fptr(*t.RR - v.RR)
	}
	if t.SpO2 != nil {
		d.SpO2 = fptr(*t.SpO2 - v.SpO2)
	}
	if t.TempF != nil {
		d.TempF = fptr(*t.TempF - v.TempF)
	}
	if t.SBP != nil {
		d.SBP = fptr(*t.SBP - e.sbp)
	}
	if t.DBP != nil {
		d.DBP = fptr(*t.DBP - e.dbp)
	}
	return e.ApplyVitalsAdjustment(d)
}

// ── rhythm and monitor ─────────────────────────────────────────────────────

func (e *Engine) refreshRhythm() {
	if e.rhythmOverride != "" {
		e.state.RhythmSummary = e.rhythmOverride
		return
	}
	label := RhythmLabel(e.def.Demographics.AgeMonths, e.state.Vitals.HR)
	if e.def.RhythmAugment != "" {
		label += ", " + e.def.RhythmAugment
	}
	e.state.RhythmSummary = label
}

func (e *Engine) refreshWaveform() {
	if e.state.Telemetry {
		e.state.TelemetryWaveform = telemetry.BuildWaveform(e.state.Vitals.HR)
	} else {
		e.state.TelemetryWaveform = nil
	}
}

// SetTelemetry switches the continuous monitor. A non-empty rhythmSummary
// becomes the explicit label; pass "" to keep the current labelling mode.
func (e *Engine) SetTelemetry(on bool, rhythmSummary string) {
	e.state.Telemetry = on
	if rhythmSummary != "" {
		e.rhythmOverride = rhythmSummary
	}
	e.refreshRhythm()
	e.refreshWaveform()
}

// SetRhythm pins the monitor label to an explicit string; an empty summary
// returns the label to age-banded synthesis.
func (e *Engine) SetRhythm(summary string) {
	e.rhythmOverride = summary
	e.refreshRhythm()
}

// AddEKG appends a 12-lead record, keeping only the last [sim.MaxEKGHistory].
func (e *Engine) AddEKG(summary, note string, nowMs int64) {
	e.state.EKGHistory = append(e.state.EKGHistory, sim.EKGRecord{
		TS:            nowMs,
		RhythmSummary: summary,
		Note:          note,
	})
	if n := len(e.state.EKGHistory); n > sim.MaxEKGHistory {
		e.state.EKGHistory = e.state.EKGHistory[n-sim.MaxEKGHistory:]
	}
}

func (e *Engine) appendTelemetrySample(nowMs int64) {
	v := e.state.Vitals
	e.state.TelemetryHistory = append(e.state.TelemetryHistory, sim.TelemetrySample{
		TS: nowMs, HR: v.HR, SpO2: v.SpO2, RR: v.RR, BP: v.BP,
	})
	if n := len(e.state.TelemetryHistory); n > sim.MaxTelemetryHistory {
		e.state.TelemetryHistory = e.state.TelemetryHistory[n-sim.MaxTelemetryHistory:]
	}
}

// ── stages ─────────────────────────────────────────────────────────────────

// applyStage loads a stage's baseline into the state without emitting events.
func (e *Engine) applyStage(st *scenario.Stage, nowMs int64) {
	e.state.StageID = st.ID
	e.state.Vitals = st.Vitals
	e.primeBP()
	e.state.Exam = copyExam(st.Exam)
	e.rhythmOverride = st.RhythmSummary
	e.refreshRhythm()
	e.refreshWaveform()
	e.state.StageEnteredAt = nowMs
}

func (e *Engine) enterStage(st *scenario.Stage, nowMs int64) {
	from := e.state.StageID
	e.applyStage(st, nowMs)
	e.emit(sim.EventStageChanged, map[string]any{"from": from, "to": st.ID})
	e.emit(sim.EventStateDiff, map[string]any{"stageId": st.ID, "vitals": e.state.Vitals})
}

// SetStage moves the session to the named stage, resetting vitals and exam to
// the stage baseline. Re-entering the current stage is a no-op.
func (e *Engine) SetStage(id string, nowMs int64) error {
	st, ok := e.def.Stage(id)
	if !ok {
		return fmt.Errorf("engine: scenario %s has no stage %q", e.def.ID, id)
	}
	if id == e.state.StageID {
		return nil
	}
	e.enterStage(st, nowMs)
	return nil
}

// RecordAction notes a learner action (stand test, history question, ...) for
// the transition evaluator. Repeats are ignored.
func (e *Engine) RecordAction(action string) bool {
	return e.state.AddIntervention(action)
}

func (e *Engine) actionSet() map[string]bool {
	set := make(map[string]bool, len(e.state.Interventions))
	for _, iv := range e.state.Interventions {
		set[iv] = true
	}
	return set
}

// EvaluateAutomaticTransitions checks the current stage's outgoing
// transitions against the action set and time in stage, following the first
// satisfied one. Reports whether a transition fired.
func (e *Engine) EvaluateAutomaticTransitions(actions map[string]bool, nowMs int64) bool {
	cur, ok := e.def.Stage(e.state.StageID)
	if !ok {
		return false
	}
	inStage := max(0, float64(nowMs-e.state.StageEnteredAt)/1000)
	for _, tr := range cur.Transitions {
		if !tr.Satisfied(actions, inStage) {
			continue
		}
		if to, ok := e.def.Stage(tr.To); ok {
			e.enterStage(to, nowMs)
			return true
		}
	}
	return false
}

// Tick advances the simulation to nowMs: integrates stage drift over the time
// since the last tick, evaluates automatic transitions, and appends a monitor
// sample when telemetry is on. Returns whether anything observable changed.
// Missed ticks are fine — the next call picks up the full elapsed delta.
func (e *Engine) Tick(nowMs int64) bool {
	changed := false
	elapsedMs := max(0, nowMs-e.lastTickMs)

	if st, ok := e.def.Stage(e.state.StageID); ok && elapsedMs > 0 && st.Drift != nil && !st.Drift.IsZero() {
		scale := float64(elapsedMs) / 60000
		var d sim.VitalsDelta
		if st.Drift.HRPerMin != 0 {
			d.HR = fptr(st.Drift.HRPerMin * scale)
		}
		if st.Drift.SBPPerMin != 0 {
			d.SBP = fptr(st.Drift.SBPPerMin * scale)
		}
		if st.Drift.DBPPerMin != 0 {
			d.DBP = fptr(st.Drift.DBPPerMin * scale)
		}
		if st.Drift.SpO2PerMin != 0 {
			d.SpO2 = fptr(st.Drift.SpO2PerMin * scale)
		}
		if e.ApplyVitalsAdjustment(d) {
			changed = true
		}
	}

	if e.EvaluateAutomaticTransitions(e.actionSet(), nowMs) {
		changed = true
	}
	if e.state.Telemetry {
		e.appendTelemetrySample(nowMs)
		changed = true
	}

	e.lastTickMs = nowMs
	return changed
}

// ResumeAt restarts the scenario clock after a frozen interval. The gap since
// the last tick is added to every stored timestamp so drift, elapsed-time
// transitions, phase timers, rule cooldowns and queued effects all behave as
// if the frozen time never passed.
func (e *Engine) ResumeAt(nowMs int64) {
	frozen := max(0, nowMs-e.lastTickMs)
	e.lastTickMs = nowMs
	if frozen == 0 {
		return
	}
	e.state.ScenarioStartedAt += frozen
	e.state.StageEnteredAt += frozen

	ext := e.state.Extended
	if ext == nil {
		return
	}
	switch {
	case ext.SVT != nil:
		ext.SVT.PhaseEnteredAt += frozen
	case ext.Myocarditis != nil:
		ext.Myocarditis.PhaseEnteredAt += frozen
	}
	for _, rt := range ext.RuleTriggers() {
		rt.TriggeredAt += frozen
	}
	pending := ext.PendingEffects()
	for i := range *pending {
		(*pending)[i].ExecuteAt += frozen
	}
}

// ── intents ────────────────────────────────────────────────────────────────

// AddFinding reveals a finding id once, emitting scenario.finding.revealed.
func (e *Engine) AddFinding(id string) bool {
	for _, f := range e.state.Findings {
		if f == id {
			return false
		}
	}
	e.state.Findings = append(e.state.Findings, id)
	e.emit(sim.EventFindingRevealed, map[string]any{"findingId": id})
	return true
}

// ApplyIntent applies a gate-approved intent. A tool.intent.applied event is
// emitted regardless of whether state moved; a scenario.state.diff only when
// it did.
func (e *Engine) ApplyIntent(intent sim.Intent, nowMs int64) (bool, error) {
	var changed bool
	switch intent.Type {
	case sim.IntentUpdateVitals:
		changed = e.applyVitalsTarget(intent.Vitals)
	case sim.IntentAdvanceStage:
		before := e.state.StageID
		if err := e.SetStage(intent.StageID, nowMs); err != nil {
			return false, err
		}
		changed = e.state.StageID != before
	case sim.IntentRevealFinding:
		changed = e.AddFinding(intent.FindingID)
	case sim.IntentSetEmotion:
		// Patient affect lives upstream in the voice session, not here.
	default:
		return false, fmt.Errorf("engine: unknown intent %q", intent.Type)
	}
	e.emit(sim.EventIntentApplied, map[string]any{"type": string(intent.Type)})
	if changed && intent.Type == sim.IntentUpdateVitals {
		e.emit(sim.EventStateDiff, map[string]any{"vitals": e.state.Vitals})
	}
	return changed, nil
}

// ── orders ─────────────────────────────────────────────────────────────────

// CreateOrder appends a pending order and emits order.created. If an order of
// the same type is already pending nothing is created: the existing order is
// returned with ok=false and order.duplicate is emitted.
func (e *Engine) CreateOrder(t sim.OrderType, orderedBy string, nowMs int64) (sim.Order, bool) {
	if p := e.state.PendingOrder(t); p != nil {
		e.emit(sim.EventOrderDuplicate, map[string]any{"type": string(t)})
		return *p, false
	}
	o := sim.Order{
		ID:        uuid.NewString(),
		Type:      t,
		Status:    sim.OrderPending,
		OrderedAt: nowMs,
		OrderedBy: orderedBy,
	}
	e.state.Orders = append(e.state.Orders, o)
	e.emit(sim.EventOrderCreated, map[string]any{"orderId": o.ID, "type": string(t)})
	return o, true
}

// CompleteOrder transitions a pending order to complete and attaches the
// result. Unknown or already-completed ids report ok=false.
func (e *Engine) CompleteOrder(id string, result sim.OrderResult, nowMs int64) (sim.Order, bool) {
	for i := range e.state.Orders {
		o := &e.state.Orders[i]
		if o.ID != id || o.Status != sim.OrderPending {
			continue
		}
		o.Status = sim.OrderComplete
		o.CompletedAt = nowMs
		r := result
		o.Result = &r
		e.emit(sim.EventOrderCompleted, map[string]any{"orderId": o.ID, "type": string(o.Type)})
		return *o, true
	}
	return sim.Order{}, false
}

// ── hydration and session-layer setters ────────────────────────────────────

// Hydrate restores persisted fields into the live state. Zero-valued fields
// in the snapshot leave the current value alone, so Hydrate(Snapshot()) is
// the identity. Stage ids unknown to the scenario are ignored.
func (e *Engine) Hydrate(snap *sim.SimState) {
	if snap == nil {
		return
	}
	if snap.StageID != "" {
		if _, ok := e.def.Stage(snap.StageID); ok {
			e.state.StageID = snap.StageID
		}
	}
	if snap.Vitals != (sim.Vitals{}) {
		e.state.Vitals = snap.Vitals
		e.primeBP()
	}
	if snap.Exam != nil {
		e.state.Exam = copyExam(snap.Exam)
	}
	if snap.RhythmSummary != "" {
		e.state.RhythmSummary = snap.RhythmSummary
		// Restore the labelling mode: an explicit label that synthesis would
		// not produce must survive the next vitals change.
		synth := RhythmLabel(e.def.Demographics.AgeMonths, e.state.Vitals.HR)
		if e.def.RhythmAugment != "" {
			synth += ", " + e.def.RhythmAugment
		}
		if snap.RhythmSummary != synth {
			e.rhythmOverride = snap.RhythmSummary
		} else {
			e.rhythmOverride = ""
		}
	}
	e.state.Telemetry = snap.Telemetry
	if snap.TelemetryWaveform != nil {
		e.state.TelemetryWaveform = append([]float64(nil), snap.TelemetryWaveform...)
	}
	if snap.TelemetryHistory != nil {
		e.state.TelemetryHistory = append([]sim.TelemetrySample(nil), snap.TelemetryHistory...)
	}
	if snap.EKGHistory != nil {
		h := append([]sim.EKGRecord(nil), snap.EKGHistory...)
		if n := len(h); n > sim.MaxEKGHistory {
			h = h[n-sim.MaxEKGHistory:]
		}
		e.state.EKGHistory = h
	}
	if snap.Orders != nil {
		e.HydrateOrders(snap.Orders)
	}
	if snap.Findings != nil {
		e.state.Findings = append([]string(nil), snap.Findings...)
	}
	if snap.Interventions != nil {
		e.state.Interventions = append([]string(nil), snap.Interventions...)
	}
	e.state.Fallback = snap.Fallback
	if snap.Budget != nil {
		b := *snap.Budget
		e.state.Budget = &b
	}
	if snap.ScenarioStartedAt != 0 {
		e.state.ScenarioStartedAt = snap.ScenarioStartedAt
	}
	if snap.StageEnteredAt != 0 {
		e.state.StageEnteredAt = snap.StageEnteredAt
	}
	if snap.Extended != nil {
		e.state.Extended = snap.Extended.Clone()
	}
}

// HydrateOrders replaces the order list wholesale, preserving result payloads.
func (e *Engine) HydrateOrders(orders []sim.Order) {
	cp := make([]sim.Order, len(orders))
	copy(cp, orders)
	for i := range cp {
		if cp[i].Result != nil {
			r := *cp[i].Result
			cp[i].Result = &r
		}
	}
	e.state.Orders = cp
}

// SetFallback records the degraded-mode flag, emitting the matching event on
// an actual flip.
func (e *Engine) SetFallback(on bool) bool {
	if e.state.Fallback == on {
		return false
	}
	e.state.Fallback = on
	if on {
		e.emit(sim.EventFallbackEnabled, nil)
	} else {
		e.emit(sim.EventFallbackDisabled, nil)
	}
	return true
}

// SetBudget stores the latest cost-controller snapshot for the next
// sim_state broadcast.
func (e *Engine) SetBudget(b sim.BudgetSnapshot) {
	e.state.Budget = &b
}

func copyExam(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func clamp(v, lo, hi float64) float64 {
	return min(hi, max(lo, v))
}

func fptr(v float64) *float64 { return &v }
