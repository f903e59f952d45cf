// Package telemetry synthesises the monitor waveform shown to learners and
// runs the debounced bedside alarms. Alarm conditions must hold continuously
// for SustainMs before they fire and fire again only after clearing, so a
// single glitchy tick never pages the room.
package telemetry

import (
	"fmt"
	"math"

	"github.com/medrill/pulsegate/internal/sim"
)

const (
	waveformSamples = 60
	waveformWindowS = 3.0
)

// BuildWaveform synthesises a short pseudo-ECG trace for UI display: a fixed
// sample window whose beat count scales with heart rate. HR ≤ 0 yields a
// flatline. The output is deterministic for a given rate.
func BuildWaveform(hr float64) []float64 {
	out := make([]float64, waveformSamples)
	if hr <= 0 {
		return out
	}
	beatsPerSecond := hr / 60.0
	for i := range out {
		t := float64(i) / float64(waveformSamples) * waveformWindowS
		_, phase := math.Modf(t * beatsPerSecond)
		out[i] = math.Round(beatShape(phase)*1000) / 1000
	}
	return out
}

// beatShape maps a position within one cardiac cycle onto a stylised
// P-QRS-T amplitude.
func beatShape(phase float64) float64 {
	switch {
	case phase < 0.08: // P
		return 0.12 * math.Sin(phase/0.08*math.Pi)
	case phase < 0.12: // PR segment
		return 0
	case phase < 0.16: // Q
		return -0.15
	case phase < 0.20: // R
		return 1.0
	case phase < 0.24: // S
		return -0.25
	case phase < 0.40: // ST segment
		return 0
	case phase < 0.55: // T
		return 0.25 * math.Sin((phase-0.40)/0.15*math.Pi)
	default:
		return 0
	}
}

// ── alarms ─────────────────────────────────────────────────────────────────

// Kind names one bedside alarm.
type Kind string

const (
	KindLowSpO2     Kind = "low_spo2"
	KindHypotension Kind = "hypotension"
	KindBradycardia Kind = "bradycardia"
)

// SustainMs is how long a condition must hold before its alarm fires.
const SustainMs = 4000

// LowSpO2Threshold is the saturation below which the desaturation alarm arms.
const LowSpO2Threshold = 90.0

// State is the per-kind debounce bookkeeping, owned by the session and
// persisted with it.
type State struct {
	FirstObservedAt int64 `json:"firstObservedAt,omitempty"`
	LastFiredAt     int64 `json:"lastFiredAt,omitempty"`
	Active          bool  `json:"active"`
}

// Alarm is one alarm that newly fired on a CheckAlarms pass.
type Alarm struct {
	Kind    Kind
	Message string
}

// CheckAlarms evaluates the alarm conditions against the current vitals. seen
// is mutated in place; missing kinds are created on first use. The returned
// slice holds only alarms that crossed the sustain threshold on this call.
func CheckAlarms(seen map[Kind]*State, v sim.Vitals, ageMonths int, nowMs int64) []Alarm {
	var fired []Alarm

	if debounce(stateFor(seen, KindLowSpO2), v.SpO2 < LowSpO2Threshold, nowMs) {
		fired = append(fired, Alarm{
			Kind:    KindLowSpO2,
			Message: fmt.Sprintf("SpO2 %.0f%% — sustained desaturation", v.SpO2),
		})
	}

	hypo := false
	sbp := 0.0
	if s, _, err := sim.ParseBP(v.BP); err == nil {
		sbp = s
		hypo = s < sim.HypotensionSBPFloor(ageMonths)
	}
	if debounce(stateFor(seen, KindHypotension), hypo, nowMs) {
		fired = append(fired, Alarm{
			Kind:    KindHypotension,
			Message: fmt.Sprintf("SBP %.0f below the floor for age", sbp),
		})
	}

	band := sim.PALSBandFor(ageMonths)
	if debounce(stateFor(seen, KindBradycardia), v.HR < band.NSRMin, nowMs) {
		fired = append(fired, Alarm{
			Kind:    KindBradycardia,
			Message: fmt.Sprintf("HR %.0f — bradycardia for age", v.HR),
		})
	}

	return fired
}

func stateFor(seen map[Kind]*State, k Kind) *State {
	st, ok := seen[k]
	if !ok {
		st = &State{}
		seen[k] = st
	}
	return st
}

// debounce advances one alarm's bookkeeping and reports whether it newly
// fired. An absent condition resets the record so the alarm can re-arm.
func debounce(st *State, present bool, nowMs int64) bool {
	if !present {
		st.FirstObservedAt = 0
		st.Active = false
		return false
	}
	if st.FirstObservedAt == 0 {
		st.FirstObservedAt = nowMs
		return false
	}
	if st.Active || nowMs-st.FirstObservedAt < SustainMs {
		return false
	}
	st.Active = true
	st.LastFiredAt = nowMs
	return true
}
