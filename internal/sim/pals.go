package sim

// PALSBand holds the age-banded heart-rate thresholds used for rhythm
// labelling and bradycardia alarms. Rates above NSRMax read as tachycardia,
// below NSRMin as bradycardia.
type PALSBand struct {
	Name   string
	NSRMin float64
	NSRMax float64
}

// PALSBandFor maps an age in months onto its PALS band.
func PALSBandFor(ageMonths int) PALSBand {
	switch {
	case ageMonths < 1:
		return PALSBand{Name: "neonate", NSRMin: 100, NSRMax: 180}
	case ageMonths < 12:
		return PALSBand{Name: "infant", NSRMin: 100, NSRMax: 160}
	case ageMonths < 36:
		return PALSBand{Name: "toddler", NSRMin: 90, NSRMax: 150}
	case ageMonths < 72:
		return PALSBand{Name: "preschool", NSRMin: 80, NSRMax: 120}
	case ageMonths < 144:
		return PALSBand{Name: "school-age", NSRMin: 70, NSRMax: 110}
	default:
		return PALSBand{Name: "adolescent", NSRMin: 60, NSRMax: 100}
	}
}

// HypotensionSBPFloor returns the age-banded systolic floor below which the
// patient is hypotensive: 60 for neonates, 70 through the first year, then
// 70 + 2 × age-in-years up to the adult floor of 90.
func HypotensionSBPFloor(ageMonths int) float64 {
	switch {
	case ageMonths < 1:
		return 60
	case ageMonths < 12:
		return 70
	case ageMonths < 120:
		return 70 + 2*float64(ageMonths)/12
	default:
		return 90
	}
}
