package gateway

import (
	"testing"
	"time"

	"github.com/medrill/pulsegate/internal/orders"
	"github.com/medrill/pulsegate/internal/scenario"
	"github.com/medrill/pulsegate/internal/sim"
)

// startSVT advances a fresh teen SVT rig through onset into the treatment
// window: stage "svt", rhythm at 220, monitor auto-attached by the nurse.
func startSVT(t *testing.T) *rig {
	t.Helper()
	r := newRig(t, scenario.IDTeenSVT)
	r.advance(121 * time.Second)
	r.advance(10 * time.Second)
	return r
}

func TestSVTOnsetAutoMonitor(t *testing.T) {
	t.Parallel()
	r := newRig(t, scenario.IDTeenSVT)

	r.advance(119 * time.Second)
	if st := r.state(); st.StageID != "presentation" {
		t.Fatalf("expected presentation before 120s, got %q", st.StageID)
	}

	r.advance(2 * time.Second)
	st := r.state()
	if st.StageID != "svt" {
		t.Fatalf("expected stage svt, got %q", st.StageID)
	}
	if st.Vitals.HR != 220 {
		t.Fatalf("expected the SVT baseline rate, got %.0f", st.Vitals.HR)
	}
	svt := st.Extended.SVT
	if svt.Rhythm != sim.RhythmSVT || svt.Phase != sim.SVTOnset {
		t.Fatalf("expected onset in SVT, got %s/%s", svt.Rhythm, svt.Phase)
	}
	if !svt.Interventions.MonitorOn || !st.Telemetry {
		t.Fatal("onset should auto-attach the monitor")
	}
	if !contains(svt.Scoring.ChecklistCompleted, "monitor_on") {
		t.Fatal("monitor attachment should earn checklist credit")
	}

	r.advance(10 * time.Second)
	if got := r.svt().Phase; got != sim.SVTTreatmentWindow {
		t.Fatalf("expected the treatment window after 10s of onset, got %s", got)
	}
}

func TestSVTVagalThenAdenosineLadder(t *testing.T) {
	t.Parallel()
	r := startSVT(t)

	r.setRoll(0.5) // above the vagal odds, below the adenosine odds
	r.say("let's have her try vagal maneuvers first")
	svt := r.svt()
	if len(svt.VagalAttempts) != 1 || svt.VagalAttempts[0].Maneuver != "valsalva" {
		t.Fatalf("expected one valsalva attempt, got %+v", svt.VagalAttempts)
	}
	if svt.Converted {
		t.Fatal("a 0.5 roll must not convert on vagal")
	}
	if !contains(svt.Scoring.ChecklistCompleted, "vagal_first") {
		t.Fatal("vagal before adenosine should earn credit")
	}

	r.say("adenosine 5 milligrams rapid push with a flush behind it")
	svt = r.svt()
	if len(svt.AdenosineDoses) != 1 {
		t.Fatalf("expected one dose, got %d", len(svt.AdenosineDoses))
	}
	d := svt.AdenosineDoses[0]
	if d.Number != 1 || d.DoseMg != 5 || !d.RapidPush || !d.FlushGiven {
		t.Fatalf("dose recorded wrong: %+v", d)
	}
	if !svt.Interventions.IVAccess {
		t.Fatal("the nurse should have placed a line")
	}
	if contains(svt.Scoring.ChecklistCompleted, "iv_access") {
		t.Fatal("nurse-placed access must not earn learner credit")
	}
	if !contains(svt.Scoring.ChecklistCompleted, "adenosine_correct_dose") {
		t.Fatal("0.1 mg/kg should earn the dose credit")
	}
	if !contains(svt.Scoring.ChecklistCompleted, "rapid_push_flush") {
		t.Fatal("rapid push with flush should earn credit")
	}
	if len(svt.Scoring.PenaltiesIncurred) != 0 {
		t.Fatalf("clean technique carries no penalties, got %v", svt.Scoring.PenaltiesIncurred)
	}
	if svt.Converted {
		t.Fatal("the rhythm must not declare before the drug circulates")
	}
	if len(svt.PendingEffects) != 1 || svt.PendingEffects[0].RuleID != "svt_first_dose_failed" {
		t.Fatalf("expected the first-dose commentary queued, got %+v", svt.PendingEffects)
	}
	if n := r.timerCount(); n != 1 {
		t.Fatalf("expected one deferred drug effect, got %d timers", n)
	}

	r.runTimer(0)
	svt = r.svt()
	if !svt.Converted || svt.ConversionMethod != sim.ConvertedByAdenosineFirst {
		t.Fatalf("expected conversion on the first dose, got %q", svt.ConversionMethod)
	}
	if svt.Rhythm != sim.RhythmSinus || svt.Phase != sim.SVTConverted || svt.StabilityLevel != 1 {
		t.Fatalf("conversion should settle the physiology, got %s/%s/%d",
			svt.Rhythm, svt.Phase, svt.StabilityLevel)
	}
	if !contains(svt.Scoring.ChecklistCompleted, "continuous_monitoring") {
		t.Fatal("watching the conversion on the monitor earns credit")
	}
	if svt.Scoring.Score != 55 {
		t.Fatalf("expected 55 points on this ladder, got %d", svt.Scoring.Score)
	}
	// The first-dose commentary was bound to a rhythm that no longer exists;
	// only the post-conversion observation survives the conversion.
	if len(svt.PendingEffects) != 1 || svt.PendingEffects[0].RuleID != "svt_post_conversion_obs" {
		t.Fatalf("expected only the post-conversion effect queued, got %+v", svt.PendingEffects)
	}

	st := r.state()
	if st.StageID != "converted" || st.Vitals.HR != 95 {
		t.Fatalf("expected the converted stage baseline, got %s at %.0f", st.StageID, st.Vitals.HR)
	}

	r.say("let's have her try vagal maneuvers first")
	if got := len(r.svt().VagalAttempts); got != 1 {
		t.Fatalf("vagal against sinus should be refused, got %d attempts", got)
	}
}

func TestSVTAdenosineClarification(t *testing.T) {
	t.Parallel()
	r := startSVT(t)

	r.say("tell the family we're on it")
	var pending *orders.ParsedOrder
	r.s.lock("test-read", func() { pending = r.s.pending })
	if pending != nil {
		t.Fatalf("small talk must not park a question, got %+v", pending)
	}

	r.say("push the adenosine")
	r.s.lock("test-read", func() { pending = r.s.pending })
	if pending == nil || pending.Kind != orders.KindAdenosine {
		t.Fatalf("expected a parked adenosine question, got %+v", pending)
	}
	if pending.Question != "How many milligrams of adenosine?" {
		t.Fatalf("unexpected question: %q", pending.Question)
	}
	if len(r.svt().AdenosineDoses) != 0 {
		t.Fatal("no dose should be recorded before the answer")
	}

	r.say("five milligrams")
	svt := r.svt()
	if len(svt.AdenosineDoses) != 1 || svt.AdenosineDoses[0].DoseMg != 5 {
		t.Fatalf("expected the answer to complete the order, got %+v", svt.AdenosineDoses)
	}
	if !svt.Scoring.HasPenalty("adenosine_slow_push") || !svt.Scoring.HasPenalty("adenosine_no_flush") {
		t.Fatalf("a bare dose answer keeps the technique penalties, got %v", svt.Scoring.PenaltiesIncurred)
	}
	r.s.lock("test-read", func() { pending = r.s.pending })
	if pending != nil {
		t.Fatalf("pending should clear once answered, got %+v", pending)
	}
}

func TestSVTClarificationReplacedByNewerQuestion(t *testing.T) {
	t.Parallel()
	r := startSVT(t)

	r.say("push the adenosine")
	r.say("actually cardiovert her")
	var pending *orders.ParsedOrder
	r.s.lock("test-read", func() { pending = r.s.pending })
	if pending == nil || pending.Kind != orders.KindCardioversion {
		t.Fatalf("expected the newer question to win, got %+v", pending)
	}

	r.setRoll(0.2)
	r.say("50 joules")
	svt := r.svt()
	if len(svt.Cardioversions) != 1 {
		t.Fatalf("expected the answer to fire the shock, got %+v", svt.Cardioversions)
	}
	cv := svt.Cardioversions[0]
	if cv.Joules != 50 || !cv.Synchronized {
		t.Fatalf("cardioverting implies the synchronized procedure, got %+v", cv)
	}
	if !svt.Scoring.HasPenalty("no_sedation_cardioversion") {
		t.Fatal("shocking her awake should cost points")
	}
	if svt.Scoring.HasPenalty("excessive_joules") {
		t.Fatal("1 J/kg is within range")
	}
	if !svt.Converted || svt.ConversionMethod != sim.ConvertedByCardioversion {
		t.Fatalf("a 0.2 roll converts on a synced shock, got %q", svt.ConversionMethod)
	}
}

func TestSVTOffDoseThenCappedSecondDose(t *testing.T) {
	t.Parallel()
	r := startSVT(t)

	r.setRoll(0.5) // above the off-dose odds, below the full-dose odds
	r.say("give 12 milligrams of adenosine rapid push with a flush")
	svt := r.svt()
	if contains(svt.Scoring.ChecklistCompleted, "adenosine_correct_dose") {
		t.Fatal("12 mg at 50 kg is not a first dose")
	}
	r.runTimer(0)
	svt = r.svt()
	if svt.Converted {
		t.Fatal("a 0.5 roll must not convert an off-dose push")
	}
	if countEvents(svt.Timeline, "svt.adenosine_failed") != 1 {
		t.Fatal("the failed push should land on the timeline")
	}

	r.say("give 12 milligrams of adenosine rapid push with a flush")
	svt = r.svt()
	if len(svt.AdenosineDoses) != 2 || svt.AdenosineDoses[1].Number != 2 {
		t.Fatalf("expected a second dose, got %+v", svt.AdenosineDoses)
	}
	r.runTimer(1)
	svt = r.svt()
	if !svt.Converted || svt.ConversionMethod != sim.ConvertedByAdenosineSecond {
		t.Fatalf("12 mg is the full second dose and a 0.5 roll converts, got %q", svt.ConversionMethod)
	}

	r.say("give 12 milligrams of adenosine rapid push with a flush")
	if got := len(r.svt().AdenosineDoses); got != 2 {
		t.Fatalf("adenosine into sinus must be refused, got %d doses", got)
	}
}

func TestSVTThirdDoseRefused(t *testing.T) {
	t.Parallel()
	r := startSVT(t)
	r.setRoll(0.99) // nothing converts

	r.say("adenosine 5 milligrams rapid push with a flush")
	r.runTimer(0)
	r.say("give 12 milligrams of adenosine rapid push with a flush")
	r.runTimer(1)
	r.say("another 12 milligrams of adenosine")

	svt := r.svt()
	if len(svt.AdenosineDoses) != 2 {
		t.Fatalf("the nurse should refuse a third dose, got %d", len(svt.AdenosineDoses))
	}
	if r.timerCount() != 2 {
		t.Fatal("a refused dose must not schedule a drug effect")
	}
	if svt.Converted {
		t.Fatal("nothing converts on 0.99 rolls")
	}
}

func TestSVTCardioversionPenalties(t *testing.T) {
	t.Parallel()
	r := startSVT(t)

	r.setRoll(0.99) // the first shock misses too
	r.say("unsynchronized shock at 150 joules")
	svt := r.svt()
	if len(svt.Cardioversions) != 1 {
		t.Fatalf("expected one attempt, got %d", len(svt.Cardioversions))
	}
	cv := svt.Cardioversions[0]
	if cv.Synchronized || cv.Joules != 150 {
		t.Fatalf("expected an unsynced 150 J shock, got %+v", cv)
	}
	for _, p := range []string{"unsync_shock", "no_sedation_cardioversion", "excessive_joules"} {
		if !svt.Scoring.HasPenalty(p) {
			t.Fatalf("expected penalty %q, got %v", p, svt.Scoring.PenaltiesIncurred)
		}
	}
	if svt.Converted {
		t.Fatal("a 0.99 roll stays in SVT")
	}
	if svt.Scoring.Score != 0 {
		t.Fatalf("penalties clamp the score at zero, got %d", svt.Scoring.Score)
	}

	r.say("midazolam for sedation first")
	r.setRoll(0.5)
	r.say("cardiovert her at 50 joules")
	svt = r.svt()
	if !svt.Converted || svt.ConversionMethod != sim.ConvertedByCardioversion {
		t.Fatalf("expected the synced shock to land, got %q", svt.ConversionMethod)
	}
	if !contains(svt.Scoring.ChecklistCompleted, "sedation_before_sync") {
		t.Fatal("sedating before the synced shock earns credit")
	}
	if svt.Scoring.Score != 20 {
		t.Fatalf("expected the score to climb back to 20, got %d", svt.Scoring.Score)
	}
}

func TestSVTAdenosineResolveAfterVagalConversion(t *testing.T) {
	t.Parallel()
	r := startSVT(t)

	r.setRoll(0.5)
	r.say("adenosine 5 milligrams rapid push with a flush")
	r.setRoll(0.1)
	r.say("have her try vagal maneuvers again")
	svt := r.svt()
	if !svt.Converted || svt.ConversionMethod != sim.ConvertedByVagal {
		t.Fatalf("vagal got there first, got %q", svt.ConversionMethod)
	}

	// The circulating dose finds a sinus rhythm and stands down.
	r.runTimer(0)
	svt = r.svt()
	if svt.ConversionMethod != sim.ConvertedByVagal {
		t.Fatalf("a late drug effect must not rewrite the method, got %q", svt.ConversionMethod)
	}
	if svt.Rhythm != sim.RhythmSinus {
		t.Fatalf("expected sinus to hold, got %s", svt.Rhythm)
	}
}

func TestSVTTreatmentsHeldBeforeOnset(t *testing.T) {
	t.Parallel()
	r := newRig(t, scenario.IDTeenSVT) // still in presentation, sinus at 135

	r.say("let's have her try vagal maneuvers")
	r.say("adenosine 5 milligrams rapid push with a flush")
	r.say("cardiovert her at 50 joules")
	svt := r.svt()
	if len(svt.VagalAttempts)+len(svt.AdenosineDoses)+len(svt.Cardioversions) != 0 {
		t.Fatalf("nothing should run against a sinus rhythm, got %+v", svt)
	}
	if r.timerCount() != 0 {
		t.Fatal("no deferred effects should be scheduled")
	}
	if len(svt.Scoring.ChecklistCompleted) != 0 {
		t.Fatalf("no credit before the rhythm starts, got %v", svt.Scoring.ChecklistCompleted)
	}

	// Supportive care is fine ahead of the rhythm change.
	r.say("get her on the monitor please")
	svt = r.svt()
	if !svt.Interventions.MonitorOn || !contains(svt.Scoring.ChecklistCompleted, "monitor_on") {
		t.Fatal("the monitor order should land before onset")
	}

	r.advance(121 * time.Second)
	svt = r.svt()
	if got := len(svt.Scoring.ChecklistCompleted); got != 1 {
		t.Fatalf("onset must not double-credit the monitor, got %v", svt.Scoring.ChecklistCompleted)
	}
	if svt.Rhythm != sim.RhythmSVT {
		t.Fatalf("expected the rhythm change on schedule, got %s", svt.Rhythm)
	}
}

func TestSVTConsultDedupe(t *testing.T) {
	t.Parallel()
	r := startSVT(t)

	r.say("call cardiology for me")
	r.say("call cardiology for me")
	svt := r.svt()
	if len(svt.Consults) != 1 || svt.Consults[0] != "cardiology" {
		t.Fatalf("expected one cardiology consult, got %v", svt.Consults)
	}
}
