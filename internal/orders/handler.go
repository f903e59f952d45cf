package orders

import (
	"fmt"
	"strings"
	"time"

	"github.com/medrill/pulsegate/internal/engine"
	"github.com/medrill/pulsegate/internal/sim"
)

// Character ids used when speaking results.
const (
	speakerNurse = "nurse"
	speakerTech  = "tech"
)

// diagnosticTypes maps parse kinds onto the order types that carry a
// pending→complete lifecycle. Treatment kinds are absent: the gateway's
// treatment handlers apply those directly.
var diagnosticTypes = map[Kind]sim.OrderType{
	KindVitals:      sim.OrderVitals,
	KindEKG:         sim.OrderEKG,
	KindLabs:        sim.OrderLabs,
	KindABG:         sim.OrderLabs,
	KindEcho:        sim.OrderImaging,
	KindCXR:         sim.OrderImaging,
	KindCardiacExam: sim.OrderCardiacExam,
	KindLungExam:    sim.OrderLungExam,
	KindGeneralExam: sim.OrderGeneralExam,
	KindIVAccess:    sim.OrderIVAccess,
}

// OrderTypeFor resolves the order type for a diagnostic kind. ok=false marks
// a treatment kind the handler does not own.
func OrderTypeFor(k Kind) (sim.OrderType, bool) {
	t, ok := diagnosticTypes[k]
	return t, ok
}

// completionDelay is how long the room takes to produce each result.
var completionDelay = map[Kind]time.Duration{
	KindVitals:      5 * time.Second,
	KindCardiacExam: 8 * time.Second,
	KindLungExam:    8 * time.Second,
	KindGeneralExam: 10 * time.Second,
	KindIVAccess:    25 * time.Second,
	KindEKG:         30 * time.Second,
	KindCXR:         35 * time.Second,
	KindABG:         40 * time.Second,
	KindEcho:        45 * time.Second,
	KindLabs:        90 * time.Second,
}

// labels for dialogue about an in-flight order.
var kindLabels = map[Kind]string{
	KindVitals:      "vitals",
	KindEKG:         "12-lead",
	KindLabs:        "labs",
	KindABG:         "gas",
	KindEcho:        "echo",
	KindCXR:         "chest film",
	KindCardiacExam: "cardiac exam",
	KindLungExam:    "lung exam",
	KindGeneralExam: "exam",
	KindIVAccess:    "line",
}

// Deps wires a Handler into its session. Lock serialises against the
// session's state lock; Engine is only touched inside it. Speak and Broadcast
// enqueue outbound messages and must not block. Schedule and Now default to
// time.AfterFunc and wall-clock milliseconds.
type Deps struct {
	Lock      func(tag string, fn func())
	Engine    *engine.Engine
	Speak     func(character, line string)
	Broadcast func()
	Persist   func()
	Schedule  func(d time.Duration, fn func())
	Now       func() int64
}

// Handler runs the diagnostic-order lifecycle for one session.
type Handler struct {
	deps Deps
}

// NewHandler builds a handler, filling in the Schedule and Now defaults.
func NewHandler(deps Deps) *Handler {
	if deps.Schedule == nil {
		deps.Schedule = func(d time.Duration, fn func()) { time.AfterFunc(d, fn) }
	}
	if deps.Now == nil {
		deps.Now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Handler{deps: deps}
}

// Handle places a diagnostic order: dedupe against a same-type pending order,
// create the record, schedule completion after the kind's latency. Returns
// false when the kind is a treatment the handler does not own.
func (h *Handler) Handle(po ParsedOrder, orderedBy string) bool {
	typ, ok := OrderTypeFor(po.Kind)
	if !ok {
		return false
	}
	h.deps.Lock("order."+string(typ), func() {
		now := h.deps.Now()
		order, created := h.deps.Engine.CreateOrder(typ, orderedBy, now)
		if !created {
			h.deps.Speak(speakerFor(po.Kind),
				fmt.Sprintf("We're still working on the %s.", kindLabels[po.Kind]))
			return
		}
		h.recordDiagnostic(po, now)
		h.deps.Broadcast()
		h.deps.Persist()
		id := order.ID
		h.deps.Schedule(completionDelay[po.Kind], func() { h.complete(id, po) })
	})
	return true
}

// complete reacquires the lock, attaches the result, and speaks it.
func (h *Handler) complete(id string, po ParsedOrder) {
	h.deps.Lock("order.complete", func() {
		now := h.deps.Now()
		st := h.deps.Engine.State()
		result, line := h.resultFor(po, st)
		order, ok := h.deps.Engine.CompleteOrder(id, result, now)
		if !ok {
			return
		}
		h.finishDiagnostic(po, result, now)
		if order.Type == sim.OrderEKG {
			// A 12-lead puts the patient on the monitor and files the strip.
			h.deps.Engine.SetTelemetry(true, "")
			h.deps.Engine.AddEKG(h.deps.Engine.State().RhythmSummary, "12-lead", now)
		}
		h.deps.Speak(speakerFor(po.Kind), line)
		h.deps.Broadcast()
		h.deps.Persist()
	})
}

func speakerFor(k Kind) string {
	switch k {
	case KindEKG, KindEcho, KindCXR:
		return speakerTech
	}
	return speakerNurse
}

// recordDiagnostic mirrors the order into the complex-scenario state so
// rules like disposition_ready can see it.
func (h *Handler) recordDiagnostic(po ParsedOrder, nowMs int64) {
	ext := h.deps.Engine.State().Extended
	if ext == nil {
		return
	}
	def := h.deps.Engine.Definition()
	if m := ext.Myocarditis; m != nil {
		if po.Params.Test != "" {
			m.Diagnostics = append(m.Diagnostics, sim.DiagnosticOrder{Type: po.Params.Test, OrderedAt: nowMs})
		}
		if po.Kind == KindLabs {
			m.Scoring.EarnBonus("bnp_troponin", def.Scoring.BonusPoints("bnp_troponin"))
		}
		// Ordering the echo while he still looks compensated is the
		// recognition moment this case is built around.
		if po.Kind == KindEcho && (m.Phase == sim.MyoSceneSet || m.Phase == sim.MyoRecognition) {
			m.Scoring.CompleteChecklist("recognized_cardiogenic", def.Scoring.ChecklistPoints("recognized_cardiogenic"))
		}
	}
	if s := ext.SVT; s != nil && po.Kind == KindEKG && !s.Interventions.ECGOrdered {
		s.Interventions.ECGOrdered = true
		s.Scoring.CompleteChecklist("ecg_ordered", def.Scoring.ChecklistPoints("ecg_ordered"))
		ext.AddTimeline(nowMs, "svt.ecg_ordered", "")
	}
}

// finishDiagnostic applies the completion-time state effects.
func (h *Handler) finishDiagnostic(po ParsedOrder, result sim.OrderResult, nowMs int64) {
	ext := h.deps.Engine.State().Extended
	if ext == nil {
		return
	}
	def := h.deps.Engine.Definition()
	if m := ext.Myocarditis; m != nil {
		if po.Params.Test != "" {
			for i := len(m.Diagnostics) - 1; i >= 0; i-- {
				d := &m.Diagnostics[i]
				if d.Type == po.Params.Test && d.CompletedAt == 0 {
					d.CompletedAt = nowMs
					d.Result = result.Summary
					break
				}
			}
		}
		if po.Kind == KindEcho {
			m.Scoring.CompleteChecklist("echo_ordered", def.Scoring.ChecklistPoints("echo_ordered"))
			ext.AddTimeline(nowMs, "myo.echo_done", "")
		}
		if po.Kind == KindIVAccess {
			m.IVCount++
			if po.Params.Location != "" {
				m.IVLocations = append(m.IVLocations, po.Params.Location)
			}
			m.Scoring.CompleteChecklist("iv_access", def.Scoring.ChecklistPoints("iv_access"))
		}
	}
	if s := ext.SVT; s != nil && po.Kind == KindIVAccess && !s.Interventions.IVAccess {
		s.Interventions.IVAccess = true
		s.Scoring.CompleteChecklist("iv_access", def.Scoring.ChecklistPoints("iv_access"))
		ext.AddTimeline(nowMs, "svt.iv_access", "")
	}
}

// resultFor synthesises the result record and the line spoken with it from
// the state at completion time.
func (h *Handler) resultFor(po ParsedOrder, st *sim.SimState) (sim.OrderResult, string) {
	def := h.deps.Engine.Definition()
	switch po.Kind {
	case KindVitals:
		v := st.Vitals
		summary := fmt.Sprintf("HR %.0f, RR %.0f, SpO2 %.0f%%, BP %s, temp %.1f", v.HR, v.RR, v.SpO2, v.BP, v.TempF)
		return sim.OrderResult{Summary: summary}, "Fresh set: " + summary + "."
	case KindEKG:
		summary := st.RhythmSummary
		abnormal := !strings.HasPrefix(summary, "Normal sinus")
		r := sim.OrderResult{
			Summary:  summary,
			Abnormal: abnormal,
			ImageURL: "/assets/strips/" + def.ID + "/" + st.StageID + ".png",
			Meta:     map[string]any{"rate": v0(st.Vitals.HR)},
		}
		return r, "Twelve-lead is up: " + summary + "."
	case KindEcho:
		if def.Variant == sim.VariantMyocarditis {
			return sim.OrderResult{
					Summary:  "Globally depressed function, EF around 25 percent, no effusion.",
					Abnormal: true,
				},
				"Echo's up: poor squeeze everywhere, EF maybe twenty-five percent. No effusion."
		}
		return sim.OrderResult{Summary: "Normal function, no effusion."},
			"Echo looks structurally normal with good function."
	case KindCXR:
		if def.Variant == sim.VariantMyocarditis {
			summary := "Cardiomegaly with perihilar haze."
			line := "Film's back — big heart, hazy hila."
			if st.Extended != nil && st.Extended.Myocarditis != nil && st.Extended.Myocarditis.Flags.PulmonaryEdema {
				summary = "Cardiomegaly with florid pulmonary edema."
				line = "Film's back — big heart and he's wet everywhere."
			}
			return sim.OrderResult{
				Summary:  summary,
				Abnormal: true,
				ImageURL: "/assets/films/" + def.ID + ".png",
			}, line
		}
		return sim.OrderResult{Summary: "Clear lungs, normal cardiac silhouette."},
			"Chest film is clean."
	case KindLabs:
		if def.Variant == sim.VariantMyocarditis {
			return sim.OrderResult{
					Summary:  "Troponin 2.4, BNP over 3000, lactate 4.1.",
					Abnormal: true,
					Meta:     map[string]any{"troponin": 2.4, "bnp": 3000, "lactate": 4.1},
				},
				"Labs are back: troponin 2.4, BNP's over three thousand, lactate 4.1."
		}
		return sim.OrderResult{Summary: "CBC and chemistry unremarkable."},
			"Labs are back and unremarkable."
	case KindABG:
		if def.Variant == sim.VariantMyocarditis {
			return sim.OrderResult{
					Summary:  "pH 7.21, pCO2 30, bicarb 14, lactate 4.8.",
					Abnormal: true,
					Meta:     map[string]any{"ph": 7.21, "lactate": 4.8},
				},
				"Gas is back: 7.21 with a bicarb of fourteen — he's acidotic."
		}
		return sim.OrderResult{Summary: "pH 7.38, gas unremarkable."},
			"Gas looks fine — 7.38."
	case KindCardiacExam, KindLungExam, KindGeneralExam:
		system := map[Kind]string{
			KindCardiacExam: "cardiac",
			KindLungExam:    "lungs",
			KindGeneralExam: "general",
		}[po.Kind]
		finding := "Nothing remarkable."
		if stage, ok := def.Stage(st.StageID); ok {
			if f := stage.Exam[system]; f != "" {
				finding = f
			}
		}
		return sim.OrderResult{Summary: finding}, finding
	case KindIVAccess:
		gauge := "22"
		if po.Params.Gauge != 0 {
			gauge = fmt.Sprintf("%d", po.Params.Gauge)
		}
		location := po.Params.Location
		if location == "" {
			location = "antecubital"
		}
		summary := fmt.Sprintf("%s-gauge IV in the %s, flushing well.", gauge, location)
		return sim.OrderResult{Summary: summary}, "Line's in — " + summary
	}
	return sim.OrderResult{Summary: "Done."}, "Done."
}

func v0(v float64) int { return int(v + 0.5) }
