package rules

import (
	"testing"

	"github.com/medrill/pulsegate/internal/scenario"
	"github.com/medrill/pulsegate/internal/sim"
)

const t0 = int64(1_700_000_000_000)

func f(v float64) *float64 { return &v }

func myoState(now int64) *sim.SimState {
	return &sim.SimState{
		Extended: &sim.ExtendedState{
			Variant:     sim.VariantMyocarditis,
			Myocarditis: sim.NewMyocarditisState(now),
		},
	}
}

func svtState(now int64) *sim.SimState {
	return &sim.SimState{
		Extended: &sim.ExtendedState{
			Variant: sim.VariantSVT,
			SVT:     sim.NewSVTState(now),
		},
	}
}

func mustGet(t *testing.T, id string) *scenario.Definition {
	t.Helper()
	def, ok := scenario.Get(id)
	if !ok {
		t.Fatalf("scenario %q missing from catalog", id)
	}
	return def
}

func fired(res Result, id string) bool {
	for _, r := range res.Fired {
		if r == id {
			return true
		}
	}
	return false
}

func TestSimpleScenarioIsNoOp(t *testing.T) {
	t.Parallel()
	e := New(mustGet(t, scenario.IDSyncope))
	res := e.Pass(&sim.SimState{}, t0)
	if !res.Empty() {
		t.Errorf("pass over a simple scenario produced %+v", res)
	}
}

func TestFluidOverload(t *testing.T) {
	t.Parallel()
	e := New(mustGet(t, scenario.IDMyocarditisCrash))
	st := myoState(t0)
	m := st.Extended.Myocarditis

	// 20 mL/kg over two boluses stays under the threshold.
	m.AddFluid(sim.FluidBolus{At: t0, MlKg: 10, TotalMl: 320, Type: sim.FluidNS})
	m.AddFluid(sim.FluidBolus{At: t0 + 120_000, MlKg: 10, TotalMl: 320, Type: sim.FluidNS})
	if res := e.Pass(st, t0+180_000); fired(res, "fluid_overload") {
		t.Fatal("fluid_overload fired at 20 mL/kg")
	}

	m.AddFluid(sim.FluidBolus{At: t0 + 420_000, MlKg: 10, TotalMl: 320, Type: sim.FluidNS})
	res := e.Pass(st, t0+480_000)
	if !fired(res, "fluid_overload") {
		t.Fatal("fluid_overload did not fire at 30 mL/kg in window")
	}
	if !m.Flags.PulmonaryEdema {
		t.Error("pulmonaryEdema flag not set")
	}
	if res.Vitals.SpO2 == nil || *res.Vitals.SpO2 != -8 {
		t.Errorf("SpO2 delta: %+v", res.Vitals.SpO2)
	}
	if res.Vitals.RR == nil || *res.Vitals.RR != 10 {
		t.Errorf("RR delta: %+v", res.Vitals.RR)
	}
	if res.NursePriority != sim.PriorityCritical {
		t.Errorf("nurse priority: expected critical, got %q", res.NursePriority)
	}
	if m.TotalFluidsMlKg != 30 {
		t.Errorf("total fluids: expected 30, got %v", m.TotalFluidsMlKg)
	}

	// maxTriggers: 1. A fourth bolus must not re-fire it.
	m.AddFluid(sim.FluidBolus{At: t0 + 500_000, MlKg: 10, TotalMl: 320, Type: sim.FluidNS})
	if res := e.Pass(st, t0+520_000); fired(res, "fluid_overload") {
		t.Error("fluid_overload re-fired past its max-trigger count")
	}
}

func TestFluidWindowExpires(t *testing.T) {
	t.Parallel()
	e := New(mustGet(t, scenario.IDMyocarditisCrash))
	st := myoState(t0)
	m := st.Extended.Myocarditis

	// 30 mL/kg total, but the first bolus falls out of the 15-minute window.
	m.AddFluid(sim.FluidBolus{At: t0, MlKg: 10, TotalMl: 320, Type: sim.FluidNS})
	m.AddFluid(sim.FluidBolus{At: t0 + 20*60_000, MlKg: 10, TotalMl: 320, Type: sim.FluidNS})
	m.AddFluid(sim.FluidBolus{At: t0 + 21*60_000, MlKg: 10, TotalMl: 320, Type: sim.FluidLR})

	if res := e.Pass(st, t0+22*60_000); fired(res, "fluid_overload") {
		t.Error("fluid_overload counted a bolus outside its window")
	}
}

func TestDelayedEffects(t *testing.T) {
	t.Parallel()
	e := New(mustGet(t, scenario.IDMyocarditisCrash))
	st := myoState(t0)
	m := st.Extended.Myocarditis
	m.Airway = &sim.AirwayIntervention{
		Type:           sim.AirwayIntubation,
		At:             t0,
		InductionAgent: sim.AgentPropofol,
	}

	res := e.Pass(st, t0)
	if !fired(res, "propofol_collapse") {
		t.Fatal("propofol without a pressor should fire the collapse rule")
	}
	if !res.Vitals.IsZero() || res.CodeBlue {
		t.Fatalf("delayed effects applied immediately: %+v", res)
	}
	if len(m.PendingEffects) == 0 {
		t.Fatal("no pending effects queued")
	}

	if res := e.Pass(st, t0+14_000); res.CodeBlue {
		t.Fatal("pending effects drained before executeAt")
	}
	res = e.Pass(st, t0+15_000)
	if !res.CodeBlue {
		t.Fatal("code blue effect not drained at executeAt")
	}
	if !m.Flags.IntubationCollapse || !m.Flags.CodeBlueActive {
		t.Errorf("collapse flags: %+v", m.Flags)
	}
	if res.Vitals.HR == nil || *res.Vitals.HR != -46 {
		t.Errorf("HR delta: %+v", res.Vitals.HR)
	}
	if len(m.PendingEffects) != 0 {
		t.Errorf("queue not drained: %+v", m.PendingEffects)
	}
}

func TestPressorPreventsCollapse(t *testing.T) {
	t.Parallel()
	e := New(mustGet(t, scenario.IDMyocarditisCrash))
	st := myoState(t0)
	m := st.Extended.Myocarditis
	m.Airway = &sim.AirwayIntervention{
		Type:             sim.AirwayIntubation,
		At:               t0,
		InductionAgent:   sim.AgentPropofol,
		PushDoseEpiDrawn: true,
	}

	if res := e.Pass(st, t0); fired(res, "propofol_collapse") {
		t.Error("collapse fired with push-dose epi drawn up")
	}

	m.Airway.PushDoseEpiDrawn = false
	m.Inotropes = append(m.Inotropes, sim.InotropeInfusion{Drug: sim.DrugEpi, DoseMcgKgMin: 0.05, StartedAt: t0})
	if res := e.Pass(st, t0+1_000); fired(res, "propofol_collapse") {
		t.Error("collapse fired with an epi infusion running")
	}
}

func TestCooldownGate(t *testing.T) {
	t.Parallel()
	e := New(mustGet(t, scenario.IDMyocarditisCrash))
	st := myoState(t0)
	st.Extended.Myocarditis.ShockStage = 3

	// mottling_warning: cooldown 180 s, maxTriggers 2.
	if res := e.Pass(st, t0); !fired(res, "mottling_warning") {
		t.Fatal("first fire missing")
	}
	if res := e.Pass(st, t0+179_000); fired(res, "mottling_warning") {
		t.Fatal("re-fired inside cooldown")
	}
	if res := e.Pass(st, t0+180_000); !fired(res, "mottling_warning") {
		t.Fatal("second fire missing after cooldown")
	}
	if res := e.Pass(st, t0+360_000); fired(res, "mottling_warning") {
		t.Fatal("fired past maxTriggers")
	}
	rt := st.Extended.Myocarditis.RuleTriggers["mottling_warning"]
	if rt == nil || rt.Count != 2 {
		t.Errorf("trigger history: %+v", rt)
	}
}

func TestSVTDecompensationLadder(t *testing.T) {
	t.Parallel()
	e := New(mustGet(t, scenario.IDTeenSVT))
	st := svtState(t0)
	s := st.Extended.SVT
	s.EnterPhase(sim.SVTOnset, t0)
	s.Rhythm = sim.RhythmSVT

	// At 12 minutes both the pressure-drift and decompensation rules pass.
	res := e.Pass(st, t0+12*60_000)
	if !fired(res, "svt_pressure_drift") || !fired(res, "svt_decompensation") {
		t.Fatalf("fired: %v", res.Fired)
	}
	if res.StabilityLevel != 3 || s.StabilityLevel != 3 {
		t.Errorf("stability: result %d, state %d", res.StabilityLevel, s.StabilityLevel)
	}
	if res.Phase != string(sim.SVTDecompensating) {
		t.Errorf("phase: %q", res.Phase)
	}
	if res.NursePriority != sim.PriorityCritical {
		t.Errorf("critical line should outrank high: %q", res.NursePriority)
	}
	if res.Vitals.SBP == nil || *res.Vitals.SBP != -6 {
		t.Errorf("SBP delta from pressure drift: %+v", res.Vitals.SBP)
	}

	// Entering the phase reset its clock; peri-arrest needs 4 more minutes.
	if res := e.Pass(st, t0+13*60_000); fired(res, "svt_periarrest") {
		t.Fatal("peri-arrest fired before its phase time")
	}
	res = e.Pass(st, t0+16*60_000)
	if !fired(res, "svt_periarrest") {
		t.Fatal("peri-arrest missing at 4 minutes decompensated")
	}
	if s.StabilityLevel != 4 {
		t.Errorf("stability after peri-arrest: %d", s.StabilityLevel)
	}
}

func TestFirstPhaseAdvanceWins(t *testing.T) {
	t.Parallel()
	def := &scenario.Definition{
		Variant: sim.VariantMyocarditis,
		Rules: []scenario.Rule{
			{
				ID:         "phase_a",
				Conditions: []scenario.Condition{{Type: scenario.CondShockStageGte, Threshold: 1}},
				Effects:    []sim.Effect{{Type: sim.EffectAdvancePhase, Phase: string(sim.MyoRecognition)}},
			},
			{
				ID:         "phase_b",
				Conditions: []scenario.Condition{{Type: scenario.CondShockStageGte, Threshold: 1}},
				Effects:    []sim.Effect{{Type: sim.EffectAdvancePhase, Phase: string(sim.MyoDecompensation)}},
			},
		},
	}
	e := New(def)
	st := myoState(t0)

	res := e.Pass(st, t0+1_000)
	if res.Phase != string(sim.MyoRecognition) {
		t.Errorf("winning phase: %q", res.Phase)
	}
	if got := st.Extended.Myocarditis.Phase; got != sim.MyoRecognition {
		t.Errorf("state phase: %q", got)
	}
}

func TestVitalsDeltasAggregate(t *testing.T) {
	t.Parallel()
	def := &scenario.Definition{
		Variant: sim.VariantMyocarditis,
		Rules: []scenario.Rule{
			{
				ID:         "dip_a",
				Conditions: []scenario.Condition{{Type: scenario.CondShockStageGte, Threshold: 1}},
				Effects:    []sim.Effect{{Type: sim.EffectVitalsDelta, Vitals: &sim.VitalsDelta{SBP: f(-5), HR: f(3)}}},
			},
			{
				ID:         "dip_b",
				Conditions: []scenario.Condition{{Type: scenario.CondShockStageGte, Threshold: 1}},
				Effects:    []sim.Effect{{Type: sim.EffectVitalsDelta, Vitals: &sim.VitalsDelta{SBP: f(-4), SpO2: f(-2)}}},
			},
		},
	}
	e := New(def)
	res := e.Pass(myoState(t0), t0+1_000)

	if res.Vitals.SBP == nil || *res.Vitals.SBP != -9 {
		t.Errorf("SBP sum: %+v", res.Vitals.SBP)
	}
	if res.Vitals.HR == nil || *res.Vitals.HR != 3 {
		t.Errorf("HR: %+v", res.Vitals.HR)
	}
	if res.Vitals.SpO2 == nil || *res.Vitals.SpO2 != -2 {
		t.Errorf("SpO2: %+v", res.Vitals.SpO2)
	}
}

func TestAnyLogic(t *testing.T) {
	t.Parallel()
	def := &scenario.Definition{
		Variant: sim.VariantMyocarditis,
		Rules: []scenario.Rule{
			{
				ID:             "either",
				ConditionLogic: scenario.LogicAny,
				Conditions: []scenario.Condition{
					{Type: scenario.CondShockStageGte, Threshold: 5},
					{Type: scenario.CondConsultCalled, Service: "picu"},
				},
				Effects: []sim.Effect{{Type: sim.EffectNurseLine, Line: "on it", Priority: sim.PriorityNormal}},
			},
		},
	}
	e := New(def)

	st := myoState(t0)
	if res := e.Pass(st, t0); fired(res, "either") {
		t.Fatal("any-logic rule fired with no condition satisfied")
	}
	st.Extended.Myocarditis.Consults = append(st.Extended.Myocarditis.Consults, "picu")
	if res := e.Pass(st, t0+1_000); !fired(res, "either") {
		t.Fatal("any-logic rule missed a satisfied condition")
	}
}

func TestShockStageNeverRegresses(t *testing.T) {
	t.Parallel()
	def := &scenario.Definition{
		Variant: sim.VariantMyocarditis,
		Rules: []scenario.Rule{
			{
				ID:         "back_to_two",
				Conditions: []scenario.Condition{{Type: scenario.CondShockStageGte, Threshold: 1}},
				Effects:    []sim.Effect{{Type: sim.EffectAdvanceShockStage, Level: 2}},
			},
		},
	}
	e := New(def)
	st := myoState(t0)
	st.Extended.Myocarditis.ShockStage = 4

	res := e.Pass(st, t0+1_000)
	if res.ShockStage != 0 {
		t.Errorf("regression reported as applied: %d", res.ShockStage)
	}
	if st.Extended.Myocarditis.ShockStage != 4 {
		t.Errorf("shock stage regressed to %d", st.Extended.Myocarditis.ShockStage)
	}
}

func TestDispositionNeedsBothConditions(t *testing.T) {
	t.Parallel()
	e := New(mustGet(t, scenario.IDMyocarditisCrash))
	st := myoState(t0)
	m := st.Extended.Myocarditis

	m.Consults = append(m.Consults, "picu")
	if res := e.Pass(st, t0); fired(res, "disposition_ready") {
		t.Fatal("disposition fired without the echo")
	}
	m.Diagnostics = append(m.Diagnostics, sim.DiagnosticOrder{Type: "echo", OrderedAt: t0})
	res := e.Pass(st, t0+1_000)
	if !fired(res, "disposition_ready") {
		t.Fatal("disposition missing with consult and echo done")
	}
	if m.Phase != sim.MyoConfirmationDisposition {
		t.Errorf("phase: %q", m.Phase)
	}
}
