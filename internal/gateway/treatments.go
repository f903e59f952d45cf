package gateway

import (
	"context"

	"github.com/medrill/pulsegate/internal/engine/triggers"
	"github.com/medrill/pulsegate/internal/orders"
	"github.com/medrill/pulsegate/internal/sim"
)

// handleOrderText parses one utterance and routes every recognised segment:
// diagnostics through the order handler, treatments through the variant
// dispatch. A recognised order missing its key parameter parks as the
// session's pending clarification; an unrecognised follow-up is first tried
// as the answer to that question.
func (s *liveSession) handleOrderText(text, userID string) {
	parsed := orders.ParseMultiple(text)

	if len(parsed) == 0 {
		var answered *orders.ParsedOrder
		s.lock("order-clarify", func() {
			if s.pending == nil {
				return
			}
			merged := *s.pending
			merged.Params.Merge(orders.ParseClarification(text, merged.Kind))
			orders.Reclarify(&merged)
			s.pending = nil
			answered = &merged
		})
		if answered == nil {
			s.lock("order-unknown", func() {
				s.speak(triggers.CharacterNurse, "I didn't catch an order in that.")
			})
			return
		}
		if answered.NeedsClarification {
			s.parkClarification(*answered)
			return
		}
		s.dispatchOrder(*answered, userID)
		return
	}

	for _, po := range parsed {
		if po.NeedsClarification {
			s.parkClarification(po)
			continue
		}
		s.dispatchOrder(po, userID)
	}
}

// parkClarification stores the half-parsed order and has the nurse ask for
// the missing piece. A new question replaces any older pending one.
func (s *liveSession) parkClarification(po orders.ParsedOrder) {
	s.lock("order-pending", func() {
		s.pending = &po
		s.speak(triggers.CharacterNurse, po.Question)
	})
}

// ordersHandler reads the current handler under the lock; the pointer swaps
// on scenario change.
func (s *liveSession) ordersHandler() *orders.Handler {
	var h *orders.Handler
	s.lock("orders-handler", func() { h = s.orders })
	return h
}

func (s *liveSession) dispatchOrder(po orders.ParsedOrder, userID string) {
	if s.ordersHandler().Handle(po, userID) {
		return
	}
	s.applyTreatment(po, userID)
}

// applyTreatment runs one treatment under the session lock: variant handler,
// then a rules pass so immediate consequences (propofol collapse, epi
// response) land in the same action, then one state push.
func (s *liveSession) applyTreatment(po orders.ParsedOrder, userID string) {
	s.lock("treatment."+string(po.Kind), func() {
		nowMs := s.gw.now()
		changed := s.treat(po, userID, nowMs)
		if s.runRules(nowMs) {
			changed = true
		}
		if changed {
			s.gw.metrics.RecordTreatment(context.Background(), string(po.Kind))
			s.pushState()
		}
	})
}

func (s *liveSession) treat(po orders.ParsedOrder, userID string, nowMs int64) bool {
	st := s.engine.State()
	switch {
	case st.Extended == nil:
		return s.basicTreatment(po, nowMs)
	case st.Extended.SVT != nil:
		return s.svtTreatment(st, po, userID, nowMs)
	case st.Extended.Myocarditis != nil:
		return s.myoTreatment(st, po, userID, nowMs)
	}
	return false
}

// basicTreatment covers the simple scenarios, which have no extended state:
// supportive measures nudge vitals, everything else gets an acknowledgement.
func (s *liveSession) basicTreatment(po orders.ParsedOrder, nowMs int64) bool {
	switch po.Kind {
	case orders.KindOxygen:
		s.speak(triggers.CharacterNurse, "Oxygen's on.")
		return s.engine.ApplyVitalsAdjustment(sim.VitalsDelta{SpO2: fp(2)})
	case orders.KindFluids:
		s.speak(triggers.CharacterNurse, "Bolus is running.")
		return s.engine.ApplyVitalsAdjustment(sim.VitalsDelta{SBP: fp(2), DBP: fp(1)})
	case orders.KindMonitor:
		s.engine.SetTelemetry(true, "")
		s.speak(triggers.CharacterNurse, "Monitor's on.")
		return true
	default:
		s.speak(triggers.CharacterNurse, "Noted. Anything else while I'm here?")
		return false
	}
}

func fp(v float64) *float64 { return &v }
