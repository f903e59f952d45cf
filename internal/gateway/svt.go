package gateway

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/medrill/pulsegate/internal/engine/triggers"
	"github.com/medrill/pulsegate/internal/orders"
	"github.com/medrill/pulsegate/internal/scenario"
	"github.com/medrill/pulsegate/internal/sim"
)

// Conversion odds per therapy. Outcomes resolve through the gateway's dice
// so tests pin them; the rule engine itself never rolls.
const (
	vagalConversionOdds      = 0.15
	adenosineCorrectOdds     = 0.85
	adenosineOffDoseOdds     = 0.35
	adenosineSecondDoseBonus = 0.05
	cardioversionSyncOdds    = 0.95
	cardioversionUnsyncOdds  = 0.60
)

// adenosineEffectDelay is the lag between the push and the rhythm declaring
// itself on the monitor.
const adenosineEffectDelay = 6 * time.Second

// Weight-based dosing targets. First dose 0.1 mg/kg, second 0.2 mg/kg, with
// a 20% window on per-kilo math or the adult cap accepted as stated.
const (
	adenosineFirstPerKg  = 0.1
	adenosineSecondPerKg = 0.2
	adenosineFirstCapMg  = 6
	adenosineSecondCapMg = 12
	cardioversionMaxJkg  = 2
)

// svtTreatment applies one treatment order to the SVT case. Caller holds the
// session lock; runRules fires right after, so rule commentary lands in the
// same action.
func (s *liveSession) svtTreatment(st *sim.SimState, po orders.ParsedOrder, userID string, nowMs int64) bool {
	svt := st.Extended.SVT
	def := s.engine.Definition()
	switch po.Kind {
	case orders.KindVagal:
		return s.svtVagal(st, svt, def, po, nowMs)
	case orders.KindAdenosine:
		return s.svtAdenosine(st, svt, def, po, userID, nowMs)
	case orders.KindCardioversion:
		return s.svtCardioversion(st, svt, def, po, nowMs)
	case orders.KindSedation:
		if svt.Interventions.SedationGiven {
			s.speak(triggers.CharacterNurse, "She's already sedated — midazolam went in a minute ago.")
			return false
		}
		svt.Interventions.SedationGiven = true
		st.Extended.AddTimeline(nowMs, "svt.sedation", po.Params.Sedative)
		s.speak(triggers.CharacterNurse, "Midazolam's in. She's drowsy but breathing fine.")
		return true
	case orders.KindMonitor:
		if svt.Interventions.MonitorOn {
			s.speak(triggers.CharacterNurse, "She's already on the monitor.")
			return false
		}
		s.svtAttachMonitor(st, svt, def, nowMs)
		s.speak(triggers.CharacterNurse, "Leads on — she's up on the monitor.")
		return true
	case orders.KindDefibPads:
		s.speak(triggers.CharacterNurse, "Pads are on and the defib's in standby.")
		return false
	case orders.KindOxygen:
		s.speak(triggers.CharacterNurse, "Sats are holding, but the mask's on.")
		return s.engine.ApplyVitalsAdjustment(sim.VitalsDelta{SpO2: fp(1)})
	case orders.KindFluids:
		s.speak(triggers.CharacterNurse, "I'll hang saline at a keep-open rate — the rate's the problem here, not the tank.")
		return false
	case orders.KindConsultPICU, orders.KindConsultCards, orders.KindConsultECMO:
		return s.svtConsult(st, svt, po, nowMs)
	case orders.KindEpiPush, orders.KindEpiDrip, orders.KindMilrinone,
		orders.KindIntubation, orders.KindHFNC:
		s.speak(triggers.CharacterNurse, "That's not going to break an SVT, doctor. Vagal, adenosine, or the paddles.")
		return false
	default:
		s.speak(triggers.CharacterNurse, "Noted. Anything else while I'm here?")
		return false
	}
}

func (s *liveSession) svtVagal(st *sim.SimState, svt *sim.SVTState, def *scenario.Definition, po orders.ParsedOrder, nowMs int64) bool {
	if svt.Converted {
		s.speak(triggers.CharacterNurse, "She's back in sinus — no need to bear down again.")
		return false
	}
	if svt.Rhythm != sim.RhythmSVT {
		s.speak(triggers.CharacterNurse, "Her rate's one-thirty-five sinus right now. Nothing to break yet.")
		return false
	}
	if len(svt.AdenosineDoses) == 0 && len(svt.Cardioversions) == 0 {
		svt.Scoring.CompleteChecklist("vagal_first", def.Scoring.ChecklistPoints("vagal_first"))
	}
	svt.VagalAttempts = append(svt.VagalAttempts, sim.VagalAttempt{At: nowMs, Maneuver: po.Params.Maneuver})
	st.Extended.AddTimeline(nowMs, "svt.vagal", po.Params.Maneuver)
	s.logEvent("svt.vagal", map[string]any{"attempt": len(svt.VagalAttempts), "maneuver": po.Params.Maneuver})
	s.speak(triggers.CharacterNurse, "Okay Jordan, bear down like you're blowing through a straw... keep going...")
	if s.gw.roll() < vagalConversionOdds {
		s.svtConvert(st, svt, def, sim.ConvertedByVagal, nowMs)
		return true
	}
	s.speak(triggers.CharacterNurse, "No change. Still narrow and fast at two-twenty.")
	return true
}

func (s *liveSession) svtAdenosine(st *sim.SimState, svt *sim.SVTState, def *scenario.Definition, po orders.ParsedOrder, userID string, nowMs int64) bool {
	if svt.Converted {
		s.speak(triggers.CharacterNurse, "She converted — let's not push adenosine into a sinus rhythm.")
		return false
	}
	if svt.Rhythm != sim.RhythmSVT {
		s.speak(triggers.CharacterNurse, "She's in sinus tach, not SVT. I'd hold the adenosine.")
		return false
	}
	number := len(svt.AdenosineDoses) + 1
	if number > 2 {
		s.speak(triggers.CharacterNurse, "That's two doses already. Adenosine's not going to do it — think about synchronised cardioversion.")
		return false
	}
	if !svt.Interventions.IVAccess {
		// The nurse gets her own line in; no checklist credit when the
		// learner never asked for access.
		svt.Interventions.IVAccess = true
		st.Extended.AddTimeline(nowMs, "svt.iv_access", "placed by nurse")
		s.speak(triggers.CharacterNurse, "No line yet — give me a second. Eighteen gauge, right AC... in.")
	}

	weight := def.Demographics.WeightKg
	doseMg := po.Params.DoseMg
	if doseMg <= 0 {
		// Clarification was skipped; the nurse does the math aloud.
		perKg := adenosineFirstPerKg
		if number == 2 {
			perKg = adenosineSecondPerKg
		}
		doseMg = perKg * weight
		s.speak(triggers.CharacterNurse, fmt.Sprintf("Going weight-based: %.0f milligrams for %.0f kilos.", doseMg, weight))
	}
	perKg := 0.0
	if weight > 0 {
		perKg = doseMg / weight
	}
	dose := sim.AdenosineDose{
		Number:     number,
		At:         nowMs,
		DoseMg:     doseMg,
		DosePerKg:  perKg,
		RapidPush:  po.Params.RapidPush,
		FlushGiven: po.Params.Flush,
	}
	svt.AdenosineDoses = append(svt.AdenosineDoses, dose)
	st.Extended.AddTimeline(nowMs, "svt.adenosine", fmt.Sprintf("dose %d: %.1f mg", number, doseMg))
	s.logEvent("svt.adenosine", map[string]any{
		"number": number, "doseMg": doseMg, "dosePerKg": perKg,
		"rapidPush": dose.RapidPush, "flush": dose.FlushGiven, "by": userID,
	})

	correct := s.adenosineDoseCorrect(number, doseMg, perKg)
	if number == 1 && correct {
		svt.Scoring.CompleteChecklist("adenosine_correct_dose", def.Scoring.ChecklistPoints("adenosine_correct_dose"))
	}
	if dose.RapidPush && dose.FlushGiven {
		svt.Scoring.CompleteChecklist("rapid_push_flush", def.Scoring.ChecklistPoints("rapid_push_flush"))
	}
	if !dose.RapidPush {
		svt.Scoring.IncurPenalty("adenosine_slow_push", def.Scoring.PenaltyPoints("adenosine_slow_push"))
	}
	if !dose.FlushGiven {
		svt.Scoring.IncurPenalty("adenosine_no_flush", def.Scoring.PenaltyPoints("adenosine_no_flush"))
	}

	switch {
	case perKg > 0.3:
		s.speak(triggers.CharacterNurse, fmt.Sprintf("%.0f milligrams? That's over her max, but it's your call... pushing.", doseMg))
	case perKg > 0 && perKg < 0.05:
		s.speak(triggers.CharacterNurse, fmt.Sprintf("%.1f milligrams is a homeopathic dose for fifty kilos, but okay — pushing.", doseMg))
	case dose.FlushGiven:
		s.speak(triggers.CharacterNurse, fmt.Sprintf("Adenosine %.0f, rapid push — flush going in behind it. Watch the monitor.", doseMg))
	default:
		s.speak(triggers.CharacterNurse, fmt.Sprintf("Adenosine %.0f is in. Watching the strip.", doseMg))
	}

	// The drug circulates before the rhythm declares itself. Roll now under
	// the lock, reveal on the monitor a few seconds later.
	odds := adenosineCorrectOdds
	if !correct {
		odds = adenosineOffDoseOdds
	}
	if number == 2 {
		odds += adenosineSecondDoseBonus
	}
	converts := s.gw.roll() < odds
	method := sim.ConvertedByAdenosineFirst
	if number == 2 {
		method = sim.ConvertedByAdenosineSecond
	}
	s.gw.schedule(adenosineEffectDelay, func() {
		s.lock("svt-adenosine-effect", func() {
			s.resolveAdenosine(method, converts)
		})
	})
	return true
}

// resolveAdenosine lands the deferred drug effect. Caller holds the session
// lock. The guard re-reads state: a vagal retry or the paddles may have got
// there first.
func (s *liveSession) resolveAdenosine(method sim.ConversionMethod, converts bool) {
	st := s.engine.State()
	if st.Extended == nil || st.Extended.SVT == nil {
		return
	}
	svt := st.Extended.SVT
	if svt.Converted || svt.Rhythm != sim.RhythmSVT {
		return
	}
	nowMs := s.gw.now()
	if converts {
		s.svtConvert(st, svt, s.engine.Definition(), method, nowMs)
	} else {
		s.speak(triggers.CharacterNurse, "Big pause on the strip... and it's right back at two-twenty.")
		st.Extended.AddTimeline(nowMs, "svt.adenosine_failed", string(method))
	}
	s.runRules(nowMs)
	s.pushState()
}

func (s *liveSession) svtCardioversion(st *sim.SimState, svt *sim.SVTState, def *scenario.Definition, po orders.ParsedOrder, nowMs int64) bool {
	if svt.Converted || svt.Rhythm != sim.RhythmSVT {
		s.speak(triggers.CharacterNurse, "She's in sinus — holster the paddles.")
		return false
	}
	sync := false
	switch {
	case po.Params.Synchronized != nil:
		sync = *po.Params.Synchronized
	case strings.Contains(po.Raw, "cardiover"):
		// The verb names the synchronised procedure.
		sync = true
	}
	sedated := svt.Interventions.SedationGiven
	weight := def.Demographics.WeightKg
	joules := po.Params.Joules
	if joules <= 0 {
		joules = 0.5 * weight
		s.speak(triggers.CharacterNurse, fmt.Sprintf("Defaulting to half a joule per kilo — charging to %.0f.", joules))
	}
	perKg := 0.0
	if weight > 0 {
		perKg = joules / weight
	}

	if !sync {
		svt.Scoring.IncurPenalty("unsync_shock", def.Scoring.PenaltyPoints("unsync_shock"))
		s.speak(triggers.CharacterNurse, "Sync is OFF — that's a defibrillation dose into a perfusing rhythm!")
	} else if sedated {
		svt.Scoring.CompleteChecklist("sedation_before_sync", def.Scoring.ChecklistPoints("sedation_before_sync"))
	}
	if !sedated {
		svt.Scoring.IncurPenalty("no_sedation_cardioversion", def.Scoring.PenaltyPoints("no_sedation_cardioversion"))
		s.speak(triggers.CharacterNurse, "She's awake, doctor — nothing on board for sedation!")
	}
	if len(svt.Cardioversions) == 0 && perKg > cardioversionMaxJkg {
		svt.Scoring.IncurPenalty("excessive_joules", def.Scoring.PenaltyPoints("excessive_joules"))
	}

	svt.Cardioversions = append(svt.Cardioversions, sim.CardioversionAttempt{
		At:            nowMs,
		Joules:        joules,
		JoulesPerKg:   perKg,
		Synchronized:  sync,
		SedationGiven: sedated,
	})
	st.Extended.AddTimeline(nowMs, "svt.cardioversion", fmt.Sprintf("%.0f J, sync=%t", joules, sync))
	s.logEvent("svt.cardioversion", map[string]any{
		"joules": joules, "joulesPerKg": perKg, "synchronized": sync, "sedation": sedated,
	})
	s.speak(triggers.CharacterNurse, fmt.Sprintf("Charging to %.0f... everyone clear. Shocking.", joules))

	odds := cardioversionUnsyncOdds
	if sync {
		odds = cardioversionSyncOdds
	}
	if s.gw.roll() < odds {
		s.svtConvert(st, svt, def, sim.ConvertedByCardioversion, nowMs)
	} else {
		s.speak(triggers.CharacterNurse, "Still in it. Two-twenty and climbing.")
	}
	return true
}

func (s *liveSession) svtConsult(st *sim.SimState, svt *sim.SVTState, po orders.ParsedOrder, nowMs int64) bool {
	service := po.Params.Service
	if service == "" {
		service = strings.TrimPrefix(string(po.Kind), "consult_")
	}
	if svt.HasConsult(service) {
		s.speak(triggers.CharacterNurse, "They're already on the phone.")
		return false
	}
	svt.Consults = append(svt.Consults, service)
	st.Extended.AddTimeline(nowMs, "svt.consult", service)
	s.logEvent("svt.consult", map[string]any{"service": service})
	if po.Kind == orders.KindConsultECMO {
		s.speak(triggers.CharacterNurse, "ECMO? I'll page them, but let's try breaking the rhythm first.")
	} else {
		s.speak(triggers.CharacterNurse, "Paging them now — they'll want a strip when they call back.")
	}
	return true
}

// svtConvert is the one path out of SVT. It flips the rhythm, settles
// stability, credits monitoring, and drops queued rule commentary that
// presumed the rhythm was still running.
func (s *liveSession) svtConvert(st *sim.SimState, svt *sim.SVTState, def *scenario.Definition, method sim.ConversionMethod, nowMs int64) {
	svt.Converted = true
	svt.ConversionMethod = method
	svt.Rhythm = sim.RhythmSinus
	svt.StabilityLevel = 1
	svt.EnterPhase(sim.SVTConverted, nowMs)
	if svt.Interventions.MonitorOn {
		svt.Scoring.CompleteChecklist("continuous_monitoring", def.Scoring.ChecklistPoints("continuous_monitoring"))
	}
	s.clearRhythmBoundEffects(st)
	st.Extended.AddTimeline(nowMs, "svt.converted", string(method))
	s.logEvent("svt.converted", map[string]any{"method": string(method)})
	s.speak(triggers.CharacterNurse, "There it is — sinus at ninety-five. Nice.")
}

// clearRhythmBoundEffects drops queued delayed effects whose rules were
// conditioned on the rhythm still being SVT. Effects from rules without a
// rhythm condition stay queued: a drug already circulating does not care
// what the monitor shows.
func (s *liveSession) clearRhythmBoundEffects(st *sim.SimState) {
	queue := st.Extended.PendingEffects()
	if queue == nil || len(*queue) == 0 {
		return
	}
	bound := map[string]bool{}
	for _, r := range s.engine.Definition().Rules {
		for _, c := range r.Conditions {
			if c.Type == scenario.CondRhythmIs && c.Rhythm == string(sim.RhythmSVT) {
				bound[r.ID] = true
			}
		}
	}
	remaining := (*queue)[:0]
	for _, pe := range *queue {
		if !bound[pe.RuleID] {
			remaining = append(remaining, pe)
		}
	}
	*queue = remaining
}

func (s *liveSession) adenosineDoseCorrect(number int, doseMg, perKg float64) bool {
	target, capMg := adenosineFirstPerKg, float64(adenosineFirstCapMg)
	if number == 2 {
		target, capMg = adenosineSecondPerKg, float64(adenosineSecondCapMg)
	}
	if doseMg == capMg {
		return true
	}
	return perKg >= target*0.8 && perKg <= target*1.2
}

// svtAttachMonitor turns telemetry on and credits the checklist. Shared by
// the explicit monitor order and the onset hook.
func (s *liveSession) svtAttachMonitor(st *sim.SimState, svt *sim.SVTState, def *scenario.Definition, nowMs int64) {
	svt.Interventions.MonitorOn = true
	svt.Scoring.CompleteChecklist("monitor_on", def.Scoring.ChecklistPoints("monitor_on"))
	s.engine.SetTelemetry(true, "")
	st.Extended.AddTimeline(nowMs, "svt.monitor_on", "")
}

// svtHooks runs the per-tick scripted beats that sit outside the rule
// tables: the onset flip when the timed stage lands, the onset-to-window
// phase walk, and the periarrest escalation to the cardioversion decision.
// Caller holds the session lock.
func (s *liveSession) svtHooks(st *sim.SimState, nowMs int64) bool {
	svt := st.Extended.SVT
	changed := false
	if st.StageID == "svt" && svt.Rhythm != sim.RhythmSVT && !svt.Converted {
		svt.Rhythm = sim.RhythmSVT
		svt.EnterPhase(sim.SVTOnset, nowMs)
		if !svt.Interventions.MonitorOn {
			s.svtAttachMonitor(st, svt, s.engine.Definition(), nowMs)
			s.speak(triggers.CharacterNurse, "Whoa — she just took off. Getting her on the monitor now.")
		}
		s.logEvent("svt.onset", map[string]any{"hr": st.Vitals.HR})
		changed = true
	}
	if svt.Phase == sim.SVTOnset && nowMs-svt.PhaseEnteredAt >= 10_000 {
		svt.EnterPhase(sim.SVTTreatmentWindow, nowMs)
		changed = true
	}
	if svt.StabilityLevel >= 4 && !svt.Converted && svt.Phase != sim.SVTCardioversionDecision {
		svt.EnterPhase(sim.SVTCardioversionDecision, nowMs)
		changed = true
	}
	return changed
}

// syncSVTStage maps the extended state onto the coarse stage graph so exam
// text and stage baselines follow the physiology. Conversion outranks
// decompensation.
func (s *liveSession) syncSVTStage(st *sim.SimState, nowMs int64) bool {
	svt := st.Extended.SVT
	want := ""
	switch {
	case svt.Converted:
		want = "converted"
	case svt.StabilityLevel >= 3:
		want = "decompensated"
	}
	if want == "" || want == st.StageID {
		return false
	}
	if err := s.engine.SetStage(want, nowMs); err != nil {
		slog.Error("gateway: svt stage sync", "session_id", s.id, "stage", want, "error", err)
		return false
	}
	return true
}
