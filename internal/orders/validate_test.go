package orders

import (
	"strings"
	"testing"
)

func TestValidateFluidCeiling(t *testing.T) {
	t.Parallel()
	po := Parse("bolus 20 per kilo")
	if po.Kind != KindFluids || po.Params.VolumeMlKg != 20 {
		t.Fatalf("fixture parse broke: %+v", po)
	}

	v := ValidateMyocarditisOrder(po, MyoContext{ShockStage: 2, TotalFluidsMlKg: 30})
	if v.OK {
		t.Fatal("expected warning past 40 mL/kg cumulative")
	}
	if len(v.Warnings) != 1 || !strings.Contains(v.Warnings[0], "forty mils per kilo") {
		t.Errorf("unexpected warnings %q", v.Warnings)
	}
	if len(v.TeachingPoints) != 1 {
		t.Errorf("expected a teaching point with the warning, got %d", len(v.TeachingPoints))
	}

	v = ValidateMyocarditisOrder(po, MyoContext{ShockStage: 2, TotalFluidsMlKg: 10})
	if !v.OK || len(v.Warnings) != 0 {
		t.Errorf("expected clean validation under the ceiling, got %q", v.Warnings)
	}
}

func TestValidateLargeBolusInDeepShock(t *testing.T) {
	t.Parallel()
	po := Parse("bolus 20 per kilo")
	v := ValidateMyocarditisOrder(po, MyoContext{ShockStage: 3})
	if v.OK {
		t.Fatal("expected pushback on a 20 mL/kg single bolus in deep shock")
	}
	if !strings.Contains(v.Warnings[0], "slower") {
		t.Errorf("unexpected warning %q", v.Warnings[0])
	}
}

func TestValidatePropofolInduction(t *testing.T) {
	t.Parallel()
	po := Parse("intubate with propofol")

	v := ValidateMyocarditisOrder(po, MyoContext{ShockStage: 2})
	if v.OK {
		t.Fatal("expected warning for propofol in shock without a pressor")
	}
	if !strings.Contains(v.Warnings[0], "Propofol") {
		t.Errorf("unexpected warning %q", v.Warnings[0])
	}

	// Pressor drawn up makes the same induction acceptable.
	ready := Parse("intubate with propofol, push dose epi drawn up")
	if !ready.Params.PressorReady {
		t.Fatal("fixture parse broke: pressor not detected")
	}
	if v := ValidateMyocarditisOrder(ready, MyoContext{ShockStage: 2}); !v.OK {
		t.Errorf("expected clean validation with pressor ready, got %q", v.Warnings)
	}

	if v := ValidateMyocarditisOrder(po, MyoContext{ShockStage: 1}); !v.OK {
		t.Errorf("expected no warning in early shock, got %q", v.Warnings)
	}
}

func TestValidateHighPEEP(t *testing.T) {
	t.Parallel()
	po := Parse("intubate with ketamine peep of 12")
	if po.Params.PEEP != 12 {
		t.Fatalf("fixture parse broke: peep %v", po.Params.PEEP)
	}

	if v := ValidateMyocarditisOrder(po, MyoContext{ShockStage: 3}); v.OK {
		t.Fatal("expected warning for high peep in deep shock")
	}
	if v := ValidateMyocarditisOrder(po, MyoContext{ShockStage: 2}); !v.OK {
		t.Errorf("expected peep tolerated before deep shock, got %q", v.Warnings)
	}
}

func TestValidateMilrinoneNeedsVasopressorCover(t *testing.T) {
	t.Parallel()
	po := Parse("start milrinone at 0.5 mics per kilo per minute")

	v := ValidateMyocarditisOrder(po, MyoContext{ShockStage: 2})
	if v.OK {
		t.Fatal("expected warning for milrinone without epi running")
	}
	if !strings.Contains(v.Warnings[0], "vasodilate") {
		t.Errorf("unexpected warning %q", v.Warnings[0])
	}

	if v := ValidateMyocarditisOrder(po, MyoContext{ShockStage: 2, EpiRunning: true}); !v.OK {
		t.Errorf("expected milrinone accepted with epi running, got %q", v.Warnings)
	}
}

func TestValidateLeavesOtherKindsAlone(t *testing.T) {
	t.Parallel()
	po := Parse("adenosine 6 mg rapid push")
	if v := ValidateMyocarditisOrder(po, MyoContext{ShockStage: 5, TotalFluidsMlKg: 60}); !v.OK {
		t.Errorf("expected non-myocarditis kinds to pass through, got %q", v.Warnings)
	}
}
