package engine

import "github.com/medrill/pulsegate/internal/sim"

// Extreme-rate labels applied before any age banding. SVT reads at 220 bpm
// regardless of age.
const (
	labelAsystole    = "Asystole/PEA"
	labelAgonal      = "Agonal rhythm"
	labelPolymorphic = "Polymorphic VT / Torsades"
	labelSVT         = "SVT vs extreme sinus tachycardia"
	labelNormalSinus = "Normal sinus rhythm"
	labelSinusTachy  = "Sinus tachycardia"
	labelSinusBrady  = "Sinus bradycardia"
)

// RhythmLabel derives the monitor label from age and heart rate using the
// PALS age bands. Callers treat the returned string as opaque beyond
// substring checks.
func RhythmLabel(ageMonths int, hr float64) string {
	switch {
	case hr <= 0:
		return labelAsystole
	case hr < 20:
		return labelAgonal
	case hr >= 250:
		return labelPolymorphic
	case hr >= 220:
		return labelSVT
	}
	band := sim.PALSBandFor(ageMonths)
	switch {
	case hr > band.NSRMax:
		return labelSinusTachy
	case hr < band.NSRMin:
		return labelSinusBrady
	default:
		return labelNormalSinus
	}
}
