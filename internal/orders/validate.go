package orders

import "github.com/medrill/pulsegate/internal/sim"

// MyoContext is the slice of myocarditis state the safety validator reads.
type MyoContext struct {
	ShockStage      int
	TotalFluidsMlKg float64
	EpiRunning      bool
	HasAirway       bool
}

// Validation is the safety read on one treatment order. Orders are never
// blocked: warnings become nurse pushback in the room, teaching points feed
// the debrief.
type Validation struct {
	OK             bool
	Warnings       []string
	TeachingPoints []string
}

// fluidCeilingMlKg is the cumulative volume past which more crystalloid in
// cardiogenic shock is treated as harmful.
const fluidCeilingMlKg = 40

// ValidateMyocarditisOrder checks a treatment order against the hazards of
// cardiogenic shock: volume past the ceiling, propofol induction without a
// pressor ready, high PEEP on an empty heart, and milrinone without
// vasopressor cover.
func ValidateMyocarditisOrder(po ParsedOrder, ctx MyoContext) Validation {
	var v Validation
	warn := func(warning, teaching string) {
		v.Warnings = append(v.Warnings, warning)
		if teaching != "" {
			v.TeachingPoints = append(v.TeachingPoints, teaching)
		}
	}

	switch po.Kind {
	case KindFluids:
		projected := ctx.TotalFluidsMlKg + po.Params.VolumeMlKg
		if projected > fluidCeilingMlKg {
			warn(
				"Doctor, that puts him over forty mils per kilo total. His heart's already failing, I'm worried we'll flood his lungs.",
				"In cardiogenic shock, fluid resuscitation past 30-40 mL/kg worsens pulmonary edema; reassess after small aliquots (5-10 mL/kg).",
			)
		} else if ctx.ShockStage >= 3 && po.Params.VolumeMlKg >= 20 {
			warn(
				"Twenty per kilo at once? He sounds wet already, want me to run it slower?",
				"Large single boluses are poorly tolerated once myocardial function is depressed; give 5-10 mL/kg and re-examine.",
			)
		}
	case KindIntubation:
		if po.Params.Agent == sim.AgentPropofol && ctx.ShockStage >= 2 && !po.Params.PressorReady {
			warn(
				"Propofol on this kid? His pressure's soft and we don't have push-dose epi drawn up.",
				"Propofol drops SVR and contractility; for shock use ketamine and have push-dose epinephrine at the bedside before induction.",
			)
		}
		if po.Params.PEEP >= 10 && ctx.ShockStage >= 3 {
			warn(
				"That's a lot of PEEP for how empty his heart is.",
				"High PEEP raises intrathoracic pressure and cuts preload; in cardiogenic shock start at 5 and titrate.",
			)
		}
	case KindMilrinone:
		if !ctx.EpiRunning {
			warn(
				"Milrinone without anything to hold his pressure up? It's going to vasodilate him.",
				"Milrinone is an inodilator; without a vasopressor running it drops MAP in decompensated shock. Start epinephrine first.",
			)
		}
	}

	v.OK = len(v.Warnings) == 0
	return v
}
