package gateway

import (
	"testing"
	"time"

	"github.com/medrill/pulsegate/internal/scenario"
	"github.com/medrill/pulsegate/internal/sim"
)

// crashIntubation drives the case into decompensated shock and intubates
// with propofol, uncovered. This is the trap the scenario teaches.
func crashIntubation(r *rig) {
	r.advance(301 * time.Second) // triage flips to compensated
	r.advance(481 * time.Second) // compensated flips to decompensated
	r.say("go ahead and intubate with propofol at a peep of 12")
}

func TestMyoFluidLadder(t *testing.T) {
	t.Parallel()
	r := newRig(t, scenario.IDMyocarditisCrash)

	r.say("give a 10 ml per kilo bolus of normal saline")
	myo := r.myo()
	if len(myo.Fluids) != 1 || myo.TotalFluidsMlKg != 10 {
		t.Fatalf("expected one 10 mL/kg bolus, got %+v", myo.Fluids)
	}
	if myo.Fluids[0].Type != sim.FluidNS || myo.Fluids[0].TotalMl != 320 {
		t.Fatalf("expected 320 mL of saline for 32 kg, got %+v", myo.Fluids[0])
	}
	if !contains(myo.Scoring.ChecklistCompleted, "cautious_fluids") {
		t.Fatal("a cautious first bolus should earn credit")
	}

	r.say("give another 20 ml per kilo bolus of normal saline")
	myo = r.myo()
	if myo.TotalFluidsMlKg != 30 {
		t.Fatalf("expected 30 mL/kg total, got %.0f", myo.TotalFluidsMlKg)
	}
	if !myo.Flags.PulmonaryEdema {
		t.Fatal("30 mL/kg inside the window should flood the lungs")
	}
	if myo.Scoring.HasPenalty("fluid_overload") {
		t.Fatal("the debrief penalty waits for 60 mL/kg")
	}

	r.say("give another 20 ml per kilo bolus of normal saline")
	r.say("give another 20 ml per kilo bolus of normal saline")
	myo = r.myo()
	if myo.TotalFluidsMlKg != 70 {
		t.Fatalf("expected 70 mL/kg total, got %.0f", myo.TotalFluidsMlKg)
	}
	if !myo.Scoring.HasPenalty("fluid_overload") {
		t.Fatal("70 mL/kg should earn the overload penalty")
	}

	r.say("give another 10 ml per kilo bolus of normal saline")
	myo = r.myo()
	n := 0
	for _, p := range myo.Scoring.PenaltiesIncurred {
		if p == "fluid_overload" {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("the overload penalty must not repeat, got %d", n)
	}
	if len(myo.Fluids) != 5 || myo.TotalFluidsMlKg != 80 {
		t.Fatalf("expected five boluses at 80 mL/kg, got %d at %.0f",
			len(myo.Fluids), myo.TotalFluidsMlKg)
	}
}

func TestMyoEpiDripStartAndTitrate(t *testing.T) {
	t.Parallel()
	r := newRig(t, scenario.IDMyocarditisCrash)

	r.say("start an epi drip at 0.05 mics per kilo per minute")
	myo := r.myo()
	if len(myo.Inotropes) != 1 {
		t.Fatalf("expected one infusion, got %+v", myo.Inotropes)
	}
	inf := myo.Inotropes[0]
	if inf.Drug != sim.DrugEpi || inf.DoseMcgKgMin != 0.05 {
		t.Fatalf("expected epi at 0.05, got %+v", inf)
	}
	if !contains(myo.Scoring.ChecklistCompleted, "early_epi") {
		t.Fatal("epi before decompensation earns the early credit")
	}

	r.say("titrate the epi up to 0.1 mics per kilo per minute")
	myo = r.myo()
	if len(myo.Inotropes) != 1 || myo.Inotropes[0].DoseMcgKgMin != 0.1 {
		t.Fatalf("titration adjusts the running drip, got %+v", myo.Inotropes)
	}
	if countEvents(myo.Timeline, "myo.epi_titrated") != 1 {
		t.Fatal("the titration should land on the timeline")
	}

	r.say("titrate the epi up to 0.1 mics per kilo per minute")
	myo = r.myo()
	if len(myo.Inotropes) != 1 || countEvents(myo.Timeline, "myo.epi_titrated") != 1 {
		t.Fatalf("restating the same rate must not fork the infusion, got %+v", myo.Inotropes)
	}
}

func TestMyoIntubationWithCover(t *testing.T) {
	t.Parallel()
	r := newRig(t, scenario.IDMyocarditisCrash)

	r.say("draw up some push dose epi for me")
	myo := r.myo()
	if !contains(myo.Scoring.BonusesEarned, "push_dose_ready") {
		t.Fatal("syringes at the head of the bed earn the bonus")
	}

	r.say("we'll intubate with ketamine")
	myo = r.myo()
	if myo.Airway == nil || myo.Airway.Type != sim.AirwayIntubation {
		t.Fatalf("expected a secured airway, got %+v", myo.Airway)
	}
	a := myo.Airway
	if a.InductionAgent != sim.AgentKetamine || a.PEEP != 5 || a.FiO2 != 1.0 {
		t.Fatalf("expected ketamine with protocol vent settings, got %+v", a)
	}
	if !a.PushDoseEpiDrawn {
		t.Fatal("the drawn-up epi counts as induction cover")
	}
	for _, id := range []string{"ketamine_induction", "pressor_before_airway", "gentle_ventilation"} {
		if !contains(myo.Scoring.ChecklistCompleted, id) {
			t.Fatalf("expected checklist credit %q, got %v", id, myo.Scoring.ChecklistCompleted)
		}
	}
	if len(myo.Scoring.PenaltiesIncurred) != 0 {
		t.Fatalf("a covered ketamine induction is clean, got %v", myo.Scoring.PenaltiesIncurred)
	}
	if myo.Scoring.Score != 30 {
		t.Fatalf("expected 30 points, got %d", myo.Scoring.Score)
	}
	if myo.Phase != sim.MyoIntubationTrap {
		t.Fatalf("intubation enters its phase, got %s", myo.Phase)
	}
	if len(myo.PendingEffects) != 0 {
		t.Fatalf("no collapse should queue for a covered induction, got %+v", myo.PendingEffects)
	}

	r.say("we'll intubate with ketamine")
	if countEvents(r.myo().Timeline, "myo.intubation") != 1 {
		t.Fatal("a second intubation must be refused")
	}
}

func TestMyoPropofolTrap(t *testing.T) {
	t.Parallel()
	r := newRig(t, scenario.IDMyocarditisCrash)
	crashIntubation(r)

	myo := r.myo()
	if myo.ShockStage != 3 {
		t.Fatalf("the timed decline should reach stage 3, got %d", myo.ShockStage)
	}
	for _, p := range []string{"delayed_epi", "propofol_in_shock", "high_peep", "no_pressor_at_induction"} {
		if !myo.Scoring.HasPenalty(p) {
			t.Fatalf("expected penalty %q, got %v", p, myo.Scoring.PenaltiesIncurred)
		}
	}
	if contains(myo.Scoring.ChecklistCompleted, "gentle_ventilation") {
		t.Fatal("a PEEP of 12 is not gentle")
	}
	if len(myo.PendingEffects) != 1 || myo.PendingEffects[0].RuleID != "propofol_collapse" {
		t.Fatalf("the collapse should be queued, got %+v", myo.PendingEffects)
	}
	if myo.Flags.CodeBlueActive {
		t.Fatal("the collapse takes a few seconds to land")
	}

	r.advance(16 * time.Second)
	myo = r.myo()
	if !myo.Flags.IntubationCollapse || !myo.Flags.CodeBlueActive {
		t.Fatalf("expected the queued collapse to fire, got %+v", myo.Flags)
	}
	if countEvents(myo.Timeline, "myo.code_blue") != 1 {
		t.Fatal("the code should land on the timeline once")
	}
	if st := r.state(); st.StageID != "arrest" {
		t.Fatalf("a live code maps to the arrest stage, got %q", st.StageID)
	}
}

func TestMyoCodeToROSC(t *testing.T) {
	t.Parallel()
	r := newRig(t, scenario.IDMyocarditisCrash)
	crashIntubation(r)
	r.advance(16 * time.Second)
	if st := r.state(); st.StageID != "arrest" {
		t.Fatalf("expected a live code, got %q", st.StageID)
	}

	r.say("start an epi drip at 0.1 mics per kilo per minute")
	myo := r.myo()
	if !myo.InotropeRunning(sim.DrugEpi) {
		t.Fatalf("expected epi running, got %+v", myo.Inotropes)
	}
	if contains(myo.Scoring.ChecklistCompleted, "early_epi") {
		t.Fatal("epi during the code is not early")
	}

	r.advance(60 * time.Second)
	if !r.myo().Flags.CodeBlueActive {
		t.Fatal("sixty seconds on a pressor is not enough")
	}

	r.advance(61 * time.Second)
	myo = r.myo()
	if myo.Flags.CodeBlueActive || !myo.Flags.Stabilizing {
		t.Fatalf("expected ROSC after two minutes on a pressor, got %+v", myo.Flags)
	}
	if countEvents(myo.Timeline, "myo.rosc") != 1 {
		t.Fatal("ROSC should land on the timeline")
	}
	if myo.DeteriorationRate != 0.5 {
		t.Fatalf("a stabilizing patient declines at half rate, got %v", myo.DeteriorationRate)
	}
	if st := r.state(); st.StageID != "stabilized" {
		t.Fatalf("ROSC maps to the stabilized stage, got %q", st.StageID)
	}
}

func TestMyoRhythmTherapiesRedirected(t *testing.T) {
	t.Parallel()
	r := newRig(t, scenario.IDMyocarditisCrash)

	r.say("push adenosine 6 milligrams rapid")
	r.say("cardiovert him at 20 joules")
	r.say("have him try vagal maneuvers")

	myo := r.myo()
	if len(myo.Scoring.ChecklistCompleted)+len(myo.Scoring.PenaltiesIncurred) != 0 {
		t.Fatalf("rhythm therapy against sinus tach changes nothing, got %+v", myo.Scoring)
	}
	if r.timerCount() != 0 {
		t.Fatal("no drug effects should be scheduled")
	}
}

func TestMyoSupportiveCare(t *testing.T) {
	t.Parallel()
	r := newRig(t, scenario.IDMyocarditisCrash)

	r.say("get him on the monitor")
	myo := r.myo()
	if !myo.MonitorOn || !contains(myo.Scoring.ChecklistCompleted, "monitor_on") {
		t.Fatal("the monitor order should land")
	}
	if st := r.state(); !st.Telemetry {
		t.Fatal("telemetry should follow the monitor")
	}
	r.say("get him on the monitor")
	if countEvents(r.myo().Timeline, "myo.monitor_on") != 1 {
		t.Fatal("the repeat should be waved off")
	}

	r.say("put the defib pads on him")
	if !r.myo().DefibPadsOn {
		t.Fatal("pads should go on")
	}

	r.say("start him on high flow at 8 liters")
	myo = r.myo()
	if myo.Airway == nil || myo.Airway.Type != sim.AirwayHFNC {
		t.Fatalf("expected high-flow, got %+v", myo.Airway)
	}

	r.say("call the picu")
	r.say("call the picu")
	myo = r.myo()
	if len(myo.Consults) != 1 || !contains(myo.Scoring.ChecklistCompleted, "picu_consult") {
		t.Fatalf("expected one PICU consult with credit, got %v", myo.Consults)
	}
}
