package telemetry

import (
	"testing"

	"github.com/medrill/pulsegate/internal/sim"
)

func TestBuildWaveformFlatlineAtZero(t *testing.T) {
	w := BuildWaveform(0)
	if len(w) != waveformSamples {
		t.Fatalf("length: expected %d, got %d", waveformSamples, len(w))
	}
	for i, v := range w {
		if v != 0 {
			t.Fatalf("sample %d: expected flatline, got %v", i, v)
		}
	}
}

func TestBuildWaveformDeterministic(t *testing.T) {
	a := BuildWaveform(142)
	b := BuildWaveform(142)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("sample %d differs across calls: %v vs %v", i, a[i], b[i])
		}
	}
}

func countBeats(w []float64) int {
	n := 0
	for _, v := range w {
		if v > 0.9 {
			n++
		}
	}
	return n
}

func TestBuildWaveformScalesWithRate(t *testing.T) {
	slow := countBeats(BuildWaveform(60))
	fast := countBeats(BuildWaveform(180))
	if slow == 0 {
		t.Fatal("no R peaks found at HR 60")
	}
	if fast <= slow {
		t.Errorf("beat count should grow with rate: hr60=%d hr180=%d", slow, fast)
	}
}

func TestDebounceSustain(t *testing.T) {
	st := &State{}

	if debounce(st, true, 1000) {
		t.Fatal("first observation must not fire")
	}
	if st.FirstObservedAt != 1000 {
		t.Fatalf("firstObservedAt: expected 1000, got %d", st.FirstObservedAt)
	}
	if debounce(st, true, 4900) {
		t.Fatal("3.9s sustained must not fire")
	}
	if !debounce(st, true, 5000) {
		t.Fatal("4s sustained should fire")
	}
	if !st.Active || st.LastFiredAt != 5000 {
		t.Fatalf("post-fire state: %+v", st)
	}
	if debounce(st, true, 20000) {
		t.Fatal("active alarm must not re-fire while the condition holds")
	}

	// Clearing resets the record; the alarm can re-arm and fire again.
	if debounce(st, false, 21000) {
		t.Fatal("clearing must not fire")
	}
	if st.Active || st.FirstObservedAt != 0 {
		t.Fatalf("cleared state: %+v", st)
	}
	debounce(st, true, 22000)
	if !debounce(st, true, 26000) {
		t.Fatal("re-sustained condition should fire again")
	}
}

func TestCheckAlarmsLowSpO2(t *testing.T) {
	seen := map[Kind]*State{}
	v := sim.Vitals{HR: 120, RR: 24, SpO2: 84, BP: "100/60", TempF: 98.6}

	if fired := CheckAlarms(seen, v, 96, 1000); len(fired) != 0 {
		t.Fatalf("first pass should only arm, got %+v", fired)
	}
	fired := CheckAlarms(seen, v, 96, 5000)
	if len(fired) != 1 || fired[0].Kind != KindLowSpO2 {
		t.Fatalf("expected one low_spo2 alarm, got %+v", fired)
	}
	if fired[0].Message == "" {
		t.Error("alarm message should not be empty")
	}
	// Still desaturated: no re-fire.
	if fired := CheckAlarms(seen, v, 96, 9000); len(fired) != 0 {
		t.Fatalf("active alarm re-fired: %+v", fired)
	}
}

func TestCheckAlarmsHypotensionUsesAgeFloor(t *testing.T) {
	// SBP 82 clears the 2-year-old floor of 74 but sits under the
	// 8-year-old floor of 86.
	seen := map[Kind]*State{}
	v := sim.Vitals{HR: 130, RR: 28, SpO2: 97, BP: "82/50", TempF: 98.6}

	CheckAlarms(seen, v, 24, 1000)
	if fired := CheckAlarms(seen, v, 24, 5000); len(fired) != 0 {
		t.Fatalf("SBP 82 at 2y (floor 74) should not alarm, got %+v", fired)
	}

	seen = map[Kind]*State{}
	CheckAlarms(seen, v, 96, 1000)
	fired := CheckAlarms(seen, v, 96, 5000)
	if len(fired) != 1 || fired[0].Kind != KindHypotension {
		t.Fatalf("SBP 82 at 8y (floor 86) should alarm, got %+v", fired)
	}
}

func TestCheckAlarmsBradycardiaByBand(t *testing.T) {
	seen := map[Kind]*State{}
	v := sim.Vitals{HR: 55, RR: 14, SpO2: 98, BP: "110/70", TempF: 98.6}

	// HR 55 is bradycardic for an adolescent (NSR min 60).
	CheckAlarms(seen, v, 15*12, 1000)
	fired := CheckAlarms(seen, v, 15*12, 5000)
	if len(fired) != 1 || fired[0].Kind != KindBradycardia {
		t.Fatalf("expected bradycardia for adolescent at HR 55, got %+v", fired)
	}

	// HR 105 clears the infant floor of 100.
	seen = map[Kind]*State{}
	calm := sim.Vitals{HR: 105, RR: 30, SpO2: 99, BP: "84/50", TempF: 98.6}
	CheckAlarms(seen, calm, 6, 1000)
	for _, a := range CheckAlarms(seen, calm, 6, 5000) {
		if a.Kind == KindBradycardia {
			t.Fatalf("HR 105 is not bradycardic for an infant: %+v", a)
		}
	}
}

func TestCheckAlarmsMalformedBPSkipsHypotension(t *testing.T) {
	seen := map[Kind]*State{}
	v := sim.Vitals{HR: 120, RR: 24, SpO2: 97, BP: "unobtainable", TempF: 98.6}

	CheckAlarms(seen, v, 96, 1000)
	if fired := CheckAlarms(seen, v, 96, 5000); len(fired) != 0 {
		t.Fatalf("unparseable BP must not alarm, got %+v", fired)
	}
}

func TestHypotensionFloor(t *testing.T) {
	tests := []struct {
		ageMonths int
		want      float64
	}{
		{0, 60},
		{6, 70},
		{24, 74},
		{96, 86},
		{180, 90},
	}
	for _, tc := range tests {
		if got := sim.HypotensionSBPFloor(tc.ageMonths); got != tc.want {
			t.Errorf("floor(%d months): expected %v, got %v", tc.ageMonths, got, tc.want)
		}
	}
}
