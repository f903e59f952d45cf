package orders

import (
	"testing"

	"github.com/medrill/pulsegate/internal/sim"
)

func TestParseTreatments(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		text  string
		want  Kind
		check func(t *testing.T, p Params)
	}{
		{
			name: "vagal defaults to valsalva",
			text: "Let's try vagal maneuvers, have her bear down",
			want: KindVagal,
			check: func(t *testing.T, p Params) {
				if p.Maneuver != "valsalva" {
					t.Errorf("expected valsalva, got %q", p.Maneuver)
				}
			},
		},
		{
			name: "ice to the face",
			text: "put ice to the face",
			want: KindVagal,
			check: func(t *testing.T, p Params) {
				if p.Maneuver != "ice" {
					t.Errorf("expected ice, got %q", p.Maneuver)
				}
			},
		},
		{
			name: "adenosine with dose push and flush",
			text: "adenosine 1.6 milligrams rapid push with a flush",
			want: KindAdenosine,
			check: func(t *testing.T, p Params) {
				if p.DoseMg != 1.6 {
					t.Errorf("expected 1.6 mg, got %v", p.DoseMg)
				}
				if !p.RapidPush || !p.Flush {
					t.Errorf("expected rapid push and flush, got push=%v flush=%v", p.RapidPush, p.Flush)
				}
			},
		},
		{
			name: "synchronized cardioversion",
			text: "synchronized cardioversion at 25 joules",
			want: KindCardioversion,
			check: func(t *testing.T, p Params) {
				if p.Joules != 25 {
					t.Errorf("expected 25 J, got %v", p.Joules)
				}
				if p.Synchronized == nil || !*p.Synchronized {
					t.Errorf("expected synchronized=true, got %v", p.Synchronized)
				}
			},
		},
		{
			name: "unsynchronized beats synchronized substring",
			text: "unsynchronized shock at 100 joules",
			want: KindCardioversion,
			check: func(t *testing.T, p Params) {
				if p.Synchronized == nil || *p.Synchronized {
					t.Errorf("expected synchronized=false, got %v", p.Synchronized)
				}
			},
		},
		{
			name: "shock without sync stated leaves it nil",
			text: "shock him at 50 j",
			want: KindCardioversion,
			check: func(t *testing.T, p Params) {
				if p.Joules != 50 {
					t.Errorf("expected 50 J, got %v", p.Joules)
				}
				if p.Synchronized != nil {
					t.Errorf("expected nil synchronized, got %v", *p.Synchronized)
				}
			},
		},
		{
			name: "rsi captures agent peep and pressor",
			text: "rsi with ketamine peep of 8 and push dose epi drawn up",
			want: KindIntubation,
			check: func(t *testing.T, p Params) {
				if p.Agent != sim.AgentKetamine {
					t.Errorf("expected ketamine, got %q", p.Agent)
				}
				if p.PEEP != 8 {
					t.Errorf("expected peep 8, got %v", p.PEEP)
				}
				if !p.PressorReady {
					t.Error("expected pressor ready")
				}
			},
		},
		{
			name: "high flow with rate",
			text: "high flow at 8 liters",
			want: KindHFNC,
			check: func(t *testing.T, p Params) {
				if p.FlowLpm != 8 {
					t.Errorf("expected 8 lpm, got %v", p.FlowLpm)
				}
			},
		},
		{
			name: "push dose epi is not a drip",
			text: "push dose epi now please",
			want: KindEpiPush,
		},
		{
			name: "epi drip with dose",
			text: "start an epi drip at 0.1 mics per kilo per minute",
			want: KindEpiDrip,
			check: func(t *testing.T, p Params) {
				if p.DoseMcgKgMin != 0.1 {
					t.Errorf("expected 0.1 mcg/kg/min, got %v", p.DoseMcgKgMin)
				}
			},
		},
		{
			name: "milrinone without epi in the utterance",
			text: "start milrinone at 0.5 mics per kilo per minute",
			want: KindMilrinone,
			check: func(t *testing.T, p Params) {
				if p.DoseMcgKgMin != 0.5 {
					t.Errorf("expected 0.5 mcg/kg/min, got %v", p.DoseMcgKgMin)
				}
			},
		},
		{
			name: "versed reads as sedation",
			text: "some versed please",
			want: KindSedation,
			check: func(t *testing.T, p Params) {
				if p.Sedative != "midazolam" {
					t.Errorf("expected midazolam, got %q", p.Sedative)
				}
			},
		},
		{
			name: "weight based saline bolus with rate",
			text: "10 ml per kilo normal saline bolus over 20 minutes",
			want: KindFluids,
			check: func(t *testing.T, p Params) {
				if p.VolumeMlKg != 10 {
					t.Errorf("expected 10 mL/kg, got %v", p.VolumeMlKg)
				}
				if p.RateMinutes != 20 {
					t.Errorf("expected over 20 min, got %v", p.RateMinutes)
				}
				if p.FluidType != sim.FluidNS {
					t.Errorf("expected NS, got %q", p.FluidType)
				}
			},
		},
		{
			name: "absolute volume of LR",
			text: "bolus 500 ml of lr",
			want: KindFluids,
			check: func(t *testing.T, p Params) {
				if p.VolumeMl != 500 || p.VolumeMlKg != 0 {
					t.Errorf("expected 500 mL absolute, got ml=%v mlkg=%v", p.VolumeMl, p.VolumeMlKg)
				}
				if p.FluidType != sim.FluidLR {
					t.Errorf("expected LR, got %q", p.FluidType)
				}
			},
		},
		{
			name: "compound number words become digits",
			text: "twenty five per kilo of albumin",
			want: KindFluids,
			check: func(t *testing.T, p Params) {
				if p.VolumeMlKg != 25 {
					t.Errorf("expected 25 mL/kg, got %v", p.VolumeMlKg)
				}
				if p.FluidType != sim.FluidAlbumin {
					t.Errorf("expected albumin, got %q", p.FluidType)
				}
			},
		},
		{
			name: "spoken single digit dose",
			text: "adenosine six milligrams",
			want: KindAdenosine,
			check: func(t *testing.T, p Params) {
				if p.DoseMg != 6 {
					t.Errorf("expected 6 mg, got %v", p.DoseMg)
				}
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			po := Parse(tc.text)
			if po.Kind != tc.want {
				t.Fatalf("expected kind %q, got %q", tc.want, po.Kind)
			}
			if po.Confidence != ConfidenceHigh && !po.NeedsClarification {
				t.Errorf("expected high confidence, got %q", po.Confidence)
			}
			if po.Raw != tc.text {
				t.Errorf("expected raw text preserved, got %q", po.Raw)
			}
			if tc.check != nil {
				tc.check(t, po.Params)
			}
		})
	}
}

func TestParseDiagnosticsAndSupport(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text string
		want Kind
	}{
		{"get a blood gas", KindABG},
		{"send a troponin and lactate", KindLabs},
		{"twelve lead please", KindEKG},
		{"bedside ultrasound of the heart", KindEcho},
		{"portable chest", KindCXR},
		{"call the picu", KindConsultPICU},
		{"get cardiology on the line", KindConsultCards},
		{"activate the ecmo team", KindConsultECMO},
		{"pads on please", KindDefibPads},
		{"put her on the monitor", KindMonitor},
		{"2 liters nasal cannula", KindOxygen},
		{"cycle the cuff", KindVitals},
		{"listen to her heart", KindCardiacExam},
		{"listen to the lungs", KindLungExam},
		{"head to toe exam", KindGeneralExam},
	}
	for _, tc := range tests {
		t.Run(tc.text, func(t *testing.T) {
			t.Parallel()
			po := Parse(tc.text)
			if po.Kind != tc.want {
				t.Fatalf("expected kind %q, got %q", tc.want, po.Kind)
			}
		})
	}
}

func TestParseIVAccessParams(t *testing.T) {
	t.Parallel()
	po := Parse("start a 20 gauge iv in the ac")
	if po.Kind != KindIVAccess {
		t.Fatalf("expected iv_access, got %q", po.Kind)
	}
	if po.Params.Gauge != 20 {
		t.Errorf("expected 20 gauge, got %d", po.Params.Gauge)
	}
	if po.Params.Location != "antecubital" {
		t.Errorf("expected antecubital, got %q", po.Params.Location)
	}
}

func TestParseClarificationNeeded(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text     string
		want     Kind
		question string
	}{
		{"give adenocard", KindAdenosine, "How many milligrams of adenosine?"},
		{"cardiovert her", KindCardioversion, "How many joules for the cardioversion?"},
		{"intubate him", KindIntubation, "Which induction agent do you want?"},
		{"hang epinephrine", KindEpiDrip, "What dose — mics per kilo per minute?"},
		{"give him a bolus", KindFluids, "How much fluid — milliliters per kilo?"},
	}
	for _, tc := range tests {
		t.Run(string(tc.want), func(t *testing.T) {
			t.Parallel()
			po := Parse(tc.text)
			if po.Kind != tc.want {
				t.Fatalf("expected kind %q, got %q", tc.want, po.Kind)
			}
			if !po.NeedsClarification {
				t.Fatal("expected clarification request")
			}
			if po.Question != tc.question {
				t.Errorf("expected question %q, got %q", tc.question, po.Question)
			}
			if po.Confidence != ConfidenceLow {
				t.Errorf("expected low confidence on incomplete order, got %q", po.Confidence)
			}
		})
	}
}

func TestParseClarificationReplyMerges(t *testing.T) {
	t.Parallel()
	po := Parse("cardiovert her")
	if !po.NeedsClarification {
		t.Fatal("expected clarification request")
	}
	po.Params.Merge(ParseClarification("50 joules unsynchronized", KindCardioversion))
	if po.Params.Joules != 50 {
		t.Errorf("expected 50 J after merge, got %v", po.Params.Joules)
	}
	if po.Params.Synchronized == nil || *po.Params.Synchronized {
		t.Errorf("expected synchronized=false after merge, got %v", po.Params.Synchronized)
	}
}

func TestMergeKeepsStatedFields(t *testing.T) {
	t.Parallel()
	po := Parse("adenosine 6 mg")
	po.Params.Merge(ParseClarification("rapid push with flush", KindAdenosine))
	if po.Params.DoseMg != 6 {
		t.Errorf("expected dose to survive merge, got %v", po.Params.DoseMg)
	}
	if !po.Params.RapidPush || !po.Params.Flush {
		t.Errorf("expected push and flush merged in, got push=%v flush=%v",
			po.Params.RapidPush, po.Params.Flush)
	}
}

func TestPhoneticFallback(t *testing.T) {
	t.Parallel()
	po := Parse("give her adenazine 6 mg")
	if po.Kind != KindAdenosine {
		t.Fatalf("expected adenosine via phonetic correction, got %q", po.Kind)
	}
	if po.Confidence != ConfidenceLow {
		t.Errorf("expected low confidence on corrected parse, got %q", po.Confidence)
	}
	if po.Params.DoseMg != 6 {
		t.Errorf("expected 6 mg, got %v", po.Params.DoseMg)
	}

	po = Parse("start melrinone")
	if po.Kind != KindMilrinone {
		t.Fatalf("expected milrinone via phonetic correction, got %q", po.Kind)
	}
	if po.Confidence != ConfidenceLow {
		t.Errorf("expected low confidence, got %q", po.Confidence)
	}
}

func TestParseUnknown(t *testing.T) {
	t.Parallel()
	po := Parse("what time is it")
	if po.Kind != KindUnknown {
		t.Fatalf("expected unknown, got %q", po.Kind)
	}
	if po.Raw != "what time is it" {
		t.Errorf("expected raw preserved, got %q", po.Raw)
	}
	if po.Confidence != ConfidenceLow {
		t.Errorf("expected low confidence, got %q", po.Confidence)
	}
}

func TestParseMultipleSplitsCompoundOrders(t *testing.T) {
	t.Parallel()
	got := ParseMultiple("get an ekg and start an iv, also send labs then call the picu")
	want := []Kind{KindEKG, KindIVAccess, KindLabs, KindConsultPICU}
	if len(got) != len(want) {
		t.Fatalf("expected %d orders, got %d", len(want), len(got))
	}
	for i, k := range want {
		if got[i].Kind != k {
			t.Errorf("order %d: expected %q, got %q", i, k, got[i].Kind)
		}
	}
}

func TestParseMultipleDropsUnknownSegments(t *testing.T) {
	t.Parallel()
	got := ParseMultiple("grab an ekg and thank you")
	if len(got) != 1 {
		t.Fatalf("expected 1 order, got %d", len(got))
	}
	if got[0].Kind != KindEKG {
		t.Errorf("expected ekg, got %q", got[0].Kind)
	}
}

func TestParseMultipleKeepsSegmentParams(t *testing.T) {
	t.Parallel()
	got := ParseMultiple("vagal maneuvers then adenosine 6 milligrams")
	if len(got) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(got))
	}
	if got[0].Kind != KindVagal || got[1].Kind != KindAdenosine {
		t.Fatalf("expected vagal then adenosine, got %q then %q", got[0].Kind, got[1].Kind)
	}
	if got[1].Params.DoseMg != 6 {
		t.Errorf("expected 6 mg on second segment, got %v", got[1].Params.DoseMg)
	}
	if got[1].NeedsClarification {
		t.Error("dose was stated, expected no clarification")
	}
}

func TestMatcherOrderIsLoadBearing(t *testing.T) {
	t.Parallel()
	// "iv" appears in "IV fluids" but the fluids matcher must win, and a
	// consult mentioning "line" must not read as IV access.
	if po := Parse("iv fluids 10 per kilo"); po.Kind != KindFluids {
		t.Errorf("expected fluids, got %q", po.Kind)
	}
	if po := Parse("get cardiology on the line"); po.Kind != KindConsultCards {
		t.Errorf("expected cardiology consult, got %q", po.Kind)
	}
	if po := Parse("rsi with ketamine"); po.Kind != KindIntubation {
		t.Errorf("expected intubation to outrank sedation, got %q", po.Kind)
	}
}
