package gateway

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/medrill/pulsegate/internal/engine/triggers"
	"github.com/medrill/pulsegate/internal/orders"
	"github.com/medrill/pulsegate/internal/scenario"
	"github.com/medrill/pulsegate/internal/sim"
)

// Myocarditis dosing defaults when the learner states the drug but not the
// numbers.
const (
	epiStartDoseMcgKgMin       = 0.05
	milrinoneStartDoseMcgKgMin = 0.5
	defaultBolusMlKg           = 10
	defaultPEEP                = 5
	defaultFiO2                = 1.0
)

// fluidOverloadTotalMlKg is the cumulative volume that earns the debrief
// penalty. The pulmonary-edema physiology fires earlier, off the 15-minute
// window rule.
const fluidOverloadTotalMlKg = 60

// roscDelayMs is how long compressions plus a running pressor take to bring
// a pulse back.
const roscDelayMs = 120_000

// myoTreatment applies one treatment order to the myocarditis case. Safety
// warnings speak through the nurse but never block: learners are allowed to
// hurt this patient. Caller holds the session lock.
func (s *liveSession) myoTreatment(st *sim.SimState, po orders.ParsedOrder, userID string, nowMs int64) bool {
	myo := st.Extended.Myocarditis
	def := s.engine.Definition()
	s.speakMyoWarnings(po, myo)
	switch po.Kind {
	case orders.KindFluids:
		return s.myoFluids(st, myo, def, po, userID, nowMs)
	case orders.KindEpiDrip:
		return s.myoEpiDrip(st, myo, def, po, nowMs)
	case orders.KindEpiPush:
		return s.myoEpiPush(st, myo, def, po, nowMs)
	case orders.KindMilrinone:
		return s.myoMilrinone(st, myo, po, nowMs)
	case orders.KindIntubation:
		return s.myoIntubation(st, myo, def, po, nowMs)
	case orders.KindHFNC:
		return s.myoHFNC(st, myo, po, nowMs)
	case orders.KindSedation:
		s.speak(triggers.CharacterNurse, "Drawing it up. Say the word when you want the airway.")
		return false
	case orders.KindMonitor:
		if myo.MonitorOn {
			s.speak(triggers.CharacterNurse, "He's already on the monitor.")
			return false
		}
		myo.MonitorOn = true
		myo.Scoring.CompleteChecklist("monitor_on", def.Scoring.ChecklistPoints("monitor_on"))
		s.engine.SetTelemetry(true, "")
		st.Extended.AddTimeline(nowMs, "myo.monitor_on", "")
		s.speak(triggers.CharacterNurse, "Leads on. Sinus tach, one-thirties, low voltage.")
		return true
	case orders.KindDefibPads:
		if myo.DefibPadsOn {
			s.speak(triggers.CharacterNurse, "Pads are already on.")
			return false
		}
		myo.DefibPadsOn = true
		st.Extended.AddTimeline(nowMs, "myo.pads_on", "")
		s.speak(triggers.CharacterNurse, "Pads on front and back. Good thinking.")
		return true
	case orders.KindOxygen:
		s.speak(triggers.CharacterNurse, "Mask's on at fifteen liters.")
		return s.engine.ApplyVitalsAdjustment(sim.VitalsDelta{SpO2: fp(2)})
	case orders.KindConsultPICU, orders.KindConsultCards, orders.KindConsultECMO:
		return s.myoConsult(st, myo, def, po, nowMs)
	case orders.KindVagal, orders.KindAdenosine, orders.KindCardioversion:
		s.speak(triggers.CharacterNurse, "That's sinus tach from the shock, not SVT — breaking the rhythm won't fix the pump.")
		return false
	default:
		s.speak(triggers.CharacterNurse, "Noted. Anything else while I'm here?")
		return false
	}
}

// speakMyoWarnings voices the safety validator's pushback before the order
// runs.
func (s *liveSession) speakMyoWarnings(po orders.ParsedOrder, myo *sim.MyocarditisState) {
	v := orders.ValidateMyocarditisOrder(po, orders.MyoContext{
		ShockStage:      myo.ShockStage,
		TotalFluidsMlKg: myo.TotalFluidsMlKg,
		EpiRunning:      myo.InotropeRunning(sim.DrugEpi),
		HasAirway:       myo.Airway != nil,
	})
	for _, w := range v.Warnings {
		s.speak(triggers.CharacterNurse, w)
	}
	for _, tp := range v.TeachingPoints {
		s.logEvent("myo.teaching", map[string]any{"point": tp})
	}
}

func (s *liveSession) myoFluids(st *sim.SimState, myo *sim.MyocarditisState, def *scenario.Definition, po orders.ParsedOrder, userID string, nowMs int64) bool {
	weight := def.Demographics.WeightKg
	mlKg := po.Params.VolumeMlKg
	if mlKg <= 0 && po.Params.VolumeMl > 0 && weight > 0 {
		mlKg = po.Params.VolumeMl / weight
	}
	if mlKg <= 0 {
		mlKg = defaultBolusMlKg
		s.speak(triggers.CharacterNurse, fmt.Sprintf("Going with ten per kilo — that's %.0f mils.", mlKg*weight))
	}
	ft := po.Params.FluidType
	if ft == "" {
		ft = sim.FluidNS
	}
	bolus := sim.FluidBolus{
		At:          nowMs,
		MlKg:        mlKg,
		TotalMl:     mlKg * weight,
		Type:        ft,
		RateMinutes: po.Params.RateMinutes,
	}
	myo.AddFluid(bolus)
	st.Extended.AddTimeline(nowMs, "myo.fluids", fmt.Sprintf("%.0f mL/kg %s", mlKg, ft))
	s.logEvent("myo.fluids", map[string]any{
		"mlKg": mlKg, "totalMl": bolus.TotalMl, "type": string(ft),
		"cumulativeMlKg": myo.TotalFluidsMlKg, "by": userID,
	})

	if len(myo.Fluids) == 1 && mlKg <= 10 {
		myo.Scoring.CompleteChecklist("cautious_fluids", def.Scoring.ChecklistPoints("cautious_fluids"))
	}
	if myo.TotalFluidsMlKg > fluidOverloadTotalMlKg {
		myo.Scoring.IncurPenalty("fluid_overload", def.Scoring.PenaltyPoints("fluid_overload"))
	}

	line := fmt.Sprintf("%.0f mils of %s running.", bolus.TotalMl, ft)
	if myo.TotalFluidsMlKg > 20 {
		line += fmt.Sprintf(" That's %.0f per kilo total now.", myo.TotalFluidsMlKg)
	}
	s.speak(triggers.CharacterNurse, line)

	// A failing ventricle gets less preload benefit the sicker he is; the
	// overload rule owns the harm.
	if myo.ShockStage <= 2 {
		return s.engine.ApplyVitalsAdjustment(sim.VitalsDelta{SBP: fp(3), DBP: fp(2)})
	}
	return s.engine.ApplyVitalsAdjustment(sim.VitalsDelta{SBP: fp(1)})
}

func (s *liveSession) myoEpiDrip(st *sim.SimState, myo *sim.MyocarditisState, def *scenario.Definition, po orders.ParsedOrder, nowMs int64) bool {
	dose := po.Params.DoseMcgKgMin
	if dose <= 0 {
		dose = epiStartDoseMcgKgMin
	}
	if myo.InotropeRunning(sim.DrugEpi) {
		for i := range myo.Inotropes {
			inf := &myo.Inotropes[i]
			if inf.Drug == sim.DrugEpi && inf.StoppedAt == 0 {
				if inf.DoseMcgKgMin == dose {
					s.speak(triggers.CharacterNurse, "Epi's already running at that rate.")
					return false
				}
				inf.DoseMcgKgMin = dose
				st.Extended.AddTimeline(nowMs, "myo.epi_titrated", fmt.Sprintf("%.2f mcg/kg/min", dose))
				s.speak(triggers.CharacterNurse, fmt.Sprintf("Titrating the epi to %.2f.", dose))
				return true
			}
		}
	}
	myo.Inotropes = append(myo.Inotropes, sim.InotropeInfusion{
		Drug: sim.DrugEpi, DoseMcgKgMin: dose, StartedAt: nowMs,
	})
	if myo.ShockStage <= 2 {
		myo.Scoring.CompleteChecklist("early_epi", def.Scoring.ChecklistPoints("early_epi"))
	}
	st.Extended.AddTimeline(nowMs, "myo.epi_started", fmt.Sprintf("%.2f mcg/kg/min", dose))
	s.logEvent("myo.epi_started", map[string]any{"doseMcgKgMin": dose})
	s.speak(triggers.CharacterNurse, fmt.Sprintf("Epi's mixed and running at %.2f mics per kilo per minute.", dose))
	return true
}

func (s *liveSession) myoEpiPush(st *sim.SimState, myo *sim.MyocarditisState, def *scenario.Definition, po orders.ParsedOrder, nowMs int64) bool {
	s.pushDoseReady = true
	if myo.Airway == nil {
		myo.Scoring.EarnBonus("push_dose_ready", def.Scoring.BonusPoints("push_dose_ready"))
	} else {
		myo.Airway.PushDoseEpiDrawn = true
	}
	st.Extended.AddTimeline(nowMs, "myo.push_dose_epi", "")
	s.logEvent("myo.push_dose_epi", map[string]any{"shockStage": myo.ShockStage})
	if myo.ShockStage >= 3 {
		// Soft pressure gets a dose straight away; drawn-up syringes also
		// count as pressor cover for induction.
		s.speak(triggers.CharacterNurse, "Push-dose epi going in — ten mics.")
		return s.engine.ApplyVitalsAdjustment(sim.VitalsDelta{SBP: fp(6), DBP: fp(4), HR: fp(5)})
	}
	s.speak(triggers.CharacterNurse, "Push-dose epi's drawn up and at the head of the bed.")
	return true
}

func (s *liveSession) myoMilrinone(st *sim.SimState, myo *sim.MyocarditisState, po orders.ParsedOrder, nowMs int64) bool {
	if myo.InotropeRunning(sim.DrugMilrinone) {
		s.speak(triggers.CharacterNurse, "Milrinone's already up.")
		return false
	}
	dose := po.Params.DoseMcgKgMin
	if dose <= 0 {
		dose = milrinoneStartDoseMcgKgMin
	}
	myo.Inotropes = append(myo.Inotropes, sim.InotropeInfusion{
		Drug: sim.DrugMilrinone, DoseMcgKgMin: dose, StartedAt: nowMs,
	})
	st.Extended.AddTimeline(nowMs, "myo.milrinone_started", fmt.Sprintf("%.2f mcg/kg/min", dose))
	s.logEvent("myo.milrinone_started", map[string]any{"doseMcgKgMin": dose})
	s.speak(triggers.CharacterNurse, fmt.Sprintf("Milrinone running at %.2f, no bolus.", dose))
	return true
}

func (s *liveSession) myoIntubation(st *sim.SimState, myo *sim.MyocarditisState, def *scenario.Definition, po orders.ParsedOrder, nowMs int64) bool {
	if myo.Airway != nil && myo.Airway.Type == sim.AirwayIntubation {
		s.speak(triggers.CharacterNurse, "He's already tubed — want me to check placement?")
		return false
	}
	agent := po.Params.Agent
	if agent == "" {
		agent = sim.AgentKetamine
		s.speak(triggers.CharacterNurse, "No agent named — I've got ketamine drawn per protocol.")
	}
	peep := po.Params.PEEP
	if peep <= 0 {
		peep = defaultPEEP
	}
	fio2 := po.Params.FiO2
	if fio2 <= 0 {
		fio2 = defaultFiO2
	}
	myo.Airway = &sim.AirwayIntervention{
		Type:             sim.AirwayIntubation,
		At:               nowMs,
		InductionAgent:   agent,
		PEEP:             peep,
		FiO2:             fio2,
		PressorReady:     po.Params.PressorReady || myo.VasopressorRunning(),
		PushDoseEpiDrawn: s.pushDoseReady,
	}
	st.Extended.AddTimeline(nowMs, "myo.intubation", string(agent))
	s.logEvent("myo.intubation", map[string]any{
		"agent": string(agent), "peep": peep, "fio2": fio2,
		"pressorReady": myo.Airway.PressorReady, "pushDose": myo.Airway.PushDoseEpiDrawn,
	})

	covered := myo.VasopressorRunning() || myo.Airway.PressorReady || myo.Airway.PushDoseEpiDrawn
	if agent == sim.AgentKetamine {
		myo.Scoring.CompleteChecklist("ketamine_induction", def.Scoring.ChecklistPoints("ketamine_induction"))
	}
	if covered {
		myo.Scoring.CompleteChecklist("pressor_before_airway", def.Scoring.ChecklistPoints("pressor_before_airway"))
	} else {
		myo.Scoring.IncurPenalty("no_pressor_at_induction", def.Scoring.PenaltyPoints("no_pressor_at_induction"))
	}
	if agent == sim.AgentPropofol && myo.ShockStage >= 2 {
		myo.Scoring.IncurPenalty("propofol_in_shock", def.Scoring.PenaltyPoints("propofol_in_shock"))
	}
	if peep > 10 {
		myo.Scoring.IncurPenalty("high_peep", def.Scoring.PenaltyPoints("high_peep"))
	} else if peep <= 8 {
		myo.Scoring.CompleteChecklist("gentle_ventilation", def.Scoring.ChecklistPoints("gentle_ventilation"))
	}
	myo.EnterPhase(sim.MyoIntubationTrap, nowMs)

	s.speak(triggers.CharacterNurse, fmt.Sprintf("Tube's in, good color change. Induction with %s, PEEP of %.0f.",
		agent, peep))
	// The collapse, if he earned one, arrives by rule a few seconds from now.
	return s.engine.ApplyVitalsAdjustment(sim.VitalsDelta{SpO2: fp(2)})
}

func (s *liveSession) myoHFNC(st *sim.SimState, myo *sim.MyocarditisState, po orders.ParsedOrder, nowMs int64) bool {
	if myo.Airway != nil && myo.Airway.Type == sim.AirwayIntubation {
		s.speak(triggers.CharacterNurse, "He's tubed — high-flow's not going to add anything.")
		return false
	}
	if myo.Airway != nil && myo.Airway.Type == sim.AirwayHFNC {
		s.speak(triggers.CharacterNurse, "High-flow's already up.")
		return false
	}
	myo.Airway = &sim.AirwayIntervention{Type: sim.AirwayHFNC, At: nowMs, FiO2: 0.6}
	st.Extended.AddTimeline(nowMs, "myo.hfnc", "")
	s.logEvent("myo.hfnc", map[string]any{"flowLpm": po.Params.FlowLpm})
	s.speak(triggers.CharacterNurse, "High-flow's on. His work of breathing's already easing a little.")
	return s.engine.ApplyVitalsAdjustment(sim.VitalsDelta{SpO2: fp(3), RR: fp(-3)})
}

func (s *liveSession) myoConsult(st *sim.SimState, myo *sim.MyocarditisState, def *scenario.Definition, po orders.ParsedOrder, nowMs int64) bool {
	service := po.Params.Service
	if service == "" {
		service = strings.TrimPrefix(string(po.Kind), "consult_")
	}
	if myo.HasConsult(service) {
		s.speak(triggers.CharacterNurse, "They're already on the line.")
		return false
	}
	myo.Consults = append(myo.Consults, service)
	if po.Kind == orders.KindConsultPICU {
		myo.Scoring.CompleteChecklist("picu_consult", def.Scoring.ChecklistPoints("picu_consult"))
	}
	st.Extended.AddTimeline(nowMs, "myo.consult", service)
	s.logEvent("myo.consult", map[string]any{"service": service})
	switch po.Kind {
	case orders.KindConsultECMO:
		s.speak(triggers.CharacterNurse, "ECMO team's paged. They'll want a gas and an echo before they commit.")
	case orders.KindConsultPICU:
		s.speak(triggers.CharacterNurse, "PICU's on the phone — they're asking what's running.")
	default:
		s.speak(triggers.CharacterNurse, "Cardiology's calling back in five. They want the echo clips sent up.")
	}
	return true
}

// myoHooks runs the scripted beats outside the rule tables: phase
// bookkeeping, the missed-inotrope penalty, keeping shock stage in step with
// the timed stage graph, and the ROSC path out of a code. Caller holds the
// session lock.
func (s *liveSession) myoHooks(st *sim.SimState, nowMs int64) bool {
	myo := st.Extended.Myocarditis
	changed := false

	// Scene-setting gives way to the workup beat after the first minute.
	if myo.Phase == sim.MyoSceneSet && nowMs-myo.PhaseEnteredAt >= 60_000 {
		myo.EnterPhase(sim.MyoRecognition, nowMs)
		changed = true
	}

	// The timed stage graph drags the shock stage with it, so extended
	// state stays honest even when the learner does nothing.
	floor := 0
	switch st.StageID {
	case "compensated":
		floor = 2
	case "decompensated":
		floor = 3
	}
	if floor > myo.ShockStage {
		myo.ShockStage = floor
		st.Extended.AddTimeline(nowMs, "myo.shock_stage", fmt.Sprintf("%d", floor))
		if floor >= 3 {
			myo.EnterPhase(sim.MyoDecompensation, nowMs)
		}
		changed = true
	}

	if myo.ShockStage >= 3 && len(myo.Inotropes) == 0 {
		if myo.Scoring.IncurPenalty("delayed_epi", s.engine.Definition().Scoring.PenaltyPoints("delayed_epi")) {
			changed = true
		}
	}

	// DeteriorationRate tracks the trajectory for the debrief: supported
	// and stabilising halves it, decompensated without a pressor doubles it.
	rate := 1.0
	switch {
	case myo.Flags.Stabilizing:
		rate = 0.5
	case myo.ShockStage >= 3 && !myo.VasopressorRunning():
		rate = 2.0
	}
	if myo.DeteriorationRate != rate {
		myo.DeteriorationRate = rate
		changed = true
	}

	if myo.Flags.CodeBlueActive && s.myoROSC(st, myo, nowMs) {
		changed = true
	}
	return changed
}

// myoROSC returns circulation after two minutes of compressions with a
// pressor running. Without one the code grinds on.
func (s *liveSession) myoROSC(st *sim.SimState, myo *sim.MyocarditisState, nowMs int64) bool {
	if !myo.VasopressorRunning() && !s.pushDoseReady {
		return false
	}
	codeStart := int64(0)
	for i := len(myo.Timeline) - 1; i >= 0; i-- {
		if myo.Timeline[i].Type == "myo.code_blue" {
			codeStart = myo.Timeline[i].TS
			break
		}
	}
	if codeStart == 0 || nowMs-codeStart < roscDelayMs {
		return false
	}
	myo.Flags.CodeBlueActive = false
	myo.Flags.Stabilizing = true
	if myo.ShockStage > 4 {
		myo.ShockStage = 4
	}
	st.Extended.AddTimeline(nowMs, "myo.rosc", "")
	s.logEvent("myo.rosc", nil)
	s.speak(triggers.CharacterNurse, "Hold compressions — we've got a pulse. Sinus tach on the monitor.")
	return true
}

// syncMyoStage maps the extended state onto the coarse stage graph. A live
// code outranks everything; disposition outranks stabilisation.
func (s *liveSession) syncMyoStage(st *sim.SimState, nowMs int64) bool {
	myo := st.Extended.Myocarditis
	want := ""
	switch {
	case myo.Flags.CodeBlueActive:
		want = "arrest"
	case myo.Phase == sim.MyoConfirmationDisposition || myo.Phase == sim.MyoEnd:
		want = "handoff"
	case myo.Flags.Stabilizing:
		want = "stabilized"
	case myo.ShockStage >= 3:
		want = "decompensated"
	}
	if want == "" || want == st.StageID {
		return false
	}
	if err := s.engine.SetStage(want, nowMs); err != nil {
		slog.Error("gateway: myocarditis stage sync", "session_id", s.id, "stage", want, "error", err)
		return false
	}
	return true
}
