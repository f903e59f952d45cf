package scenario

import "github.com/medrill/pulsegate/internal/sim"

// MyocarditisCrash is the silent-crash case: an 8-year-old two weeks after a
// viral illness who looks like dehydration and is actually in cardiogenic
// shock. Reflexive fluid boluses flood him; propofol induction without a
// pressor at the bedside arrests him. Careful learners reach for early
// epinephrine, a bedside echo and a ketamine airway.
func MyocarditisCrash() *Definition {
	myo := func(st *sim.SimState) *sim.MyocarditisState {
		if st.Extended == nil {
			return nil
		}
		return st.Extended.Myocarditis
	}
	return &Definition{
		ID:          IDMyocarditisCrash,
		Title:       "Pediatric myocarditis — the silent crash",
		Description: "8-year-old post-viral with tachycardia out of proportion to fever. Cardiogenic shock masquerading as dehydration; fluids and propofol are the traps.",
		Demographics: Demographics{
			AgeMonths: 8 * 12,
			WeightKg:  32,
			Name:      "Theo",
			Pronouns:  "he/him",
		},
		Variant:        sim.VariantMyocarditis,
		InitialStageID: "triage",
		RhythmAugment:  "low-voltage QRS",
		Stages: []Stage{
			{
				ID:     "triage",
				Vitals: sim.Vitals{HR: 128, RR: 28, SpO2: 95, BP: "92/60", TempF: 100.2},
				Exam: map[string]string{
					"general": "Quiet, tired-appearing boy leaning on his mother. Had 'the flu' two weeks ago.",
					"cardiac": "Tachycardic, soft heart sounds, no murmur. Liver edge 3 cm below the costal margin.",
					"lungs":   "Clear, mildly tachypneic.",
				},
				Drift: &Drift{HRPerMin: 1, SBPPerMin: -0.5, DBPPerMin: -0.3},
				Transitions: []Transition{
					{To: "compensated", When: &Trigger{ElapsedSeconds: 300}},
				},
			},
			{
				ID:     "compensated",
				Vitals: sim.Vitals{HR: 145, RR: 32, SpO2: 93, BP: "84/56", TempF: 100.0},
				Exam: map[string]string{
					"general": "Sleepier. Cool hands and feet, cap refill 3 seconds.",
					"cardiac": "Tachycardic, gallop rhythm now audible, thready distal pulses.",
					"lungs":   "Faint crackles at both bases.",
				},
				Drift: &Drift{HRPerMin: 1.5, SBPPerMin: -0.8, DBPPerMin: -0.4, SpO2PerMin: -0.2},
				Transitions: []Transition{
					{To: "decompensated", When: &Trigger{ElapsedSeconds: 480}},
				},
			},
			{
				ID:     "decompensated",
				Vitals: sim.Vitals{HR: 162, RR: 40, SpO2: 88, BP: "70/46", TempF: 99.6},
				Exam: map[string]string{
					"general": "Mottled to the knees, responds only to voice.",
					"cardiac": "Summation gallop, barely palpable distal pulses.",
					"lungs":   "Diffuse crackles, grunting respirations.",
				},
				Drift: &Drift{SBPPerMin: -1, DBPPerMin: -0.5, SpO2PerMin: -0.3},
			},
			{
				ID:            "arrest",
				Vitals:        sim.Vitals{HR: 32, RR: 6, SpO2: 70, BP: "40/20", TempF: 99.0},
				RhythmSummary: "Agonal bradycardia, wide and slow",
				Exam: map[string]string{
					"general": "Unresponsive. Compressions in progress.",
					"cardiac": "No palpable pulses without compressions.",
					"lungs":   "Bagged breaths, coarse crackles throughout.",
				},
			},
			{
				ID:     "stabilized",
				Vitals: sim.Vitals{HR: 138, RR: 30, SpO2: 95, BP: "88/58", TempF: 99.4},
				Exam: map[string]string{
					"general": "Eyes open, perfusion improving on the epinephrine infusion.",
					"cardiac": "Tachycardic, gallop persists, pulses palpable.",
					"lungs":   "Crackles improving with gentle support.",
				},
				Drift: &Drift{SBPPerMin: 0.3, SpO2PerMin: 0.1},
			},
			{
				ID:     "handoff",
				Vitals: sim.Vitals{HR: 132, RR: 28, SpO2: 96, BP: "90/60", TempF: 99.2},
				Exam: map[string]string{
					"general": "Packaged for PICU transport on the epi infusion.",
					"cardiac": "Tachycardic, supported, perfusing.",
					"lungs":   "Stable on current settings.",
				},
			},
		},
		Rules: []Rule{
			{
				ID: "fluid_overload",
				Conditions: []Condition{
					{Type: CondFluidsMlKgInWindow, Threshold: 25, WindowMinutes: 15},
				},
				Effects: []sim.Effect{
					{Type: sim.EffectSetFlag, Flag: "pulmonaryEdema", FlagValue: true},
					{Type: sim.EffectVitalsDelta, Vitals: &sim.VitalsDelta{SpO2: f(-8), RR: f(10)}},
					{Type: sim.EffectNurseLine, Line: "Sats are dropping and I'm hearing crackles everywhere — he's wet. That last bolus hurt him.", Priority: sim.PriorityCritical},
				},
				MaxTriggers: 1,
			},
			{
				ID: "propofol_collapse",
				Conditions: []Condition{
					{Type: CondAirwayIntervention, Method: "intubation"},
					{Type: CondIntubationAgent, Agent: "propofol"},
					{Type: CondPressorAtBedside, Want: false},
				},
				Effects: []sim.Effect{
					{Type: sim.EffectSetFlag, Flag: "intubationCollapse", FlagValue: true},
					{Type: sim.EffectVitalsDelta, Vitals: &sim.VitalsDelta{HR: f(-46), SBP: f(-30), DBP: f(-18), SpO2: f(-12)}},
					{Type: sim.EffectTriggerCodeBlue},
					{Type: sim.EffectNurseLine, Line: "Pressure's gone with the propofol — no pulse. Starting compressions!", Priority: sim.PriorityCritical},
				},
				DelaySeconds: 15,
				MaxTriggers:  1,
			},
			{
				ID: "high_peep_hypotension",
				Conditions: []Condition{
					{Type: CondAirwayIntervention, Method: "intubation"},
					{Type: CondPeepGte, Threshold: 10},
					{Type: CondShockStageGte, Threshold: 3},
				},
				Effects: []sim.Effect{
					{Type: sim.EffectVitalsDelta, Vitals: &sim.VitalsDelta{SBP: f(-8), DBP: f(-5)}},
					{Type: sim.EffectNurseLine, Line: "Pressure dips every time the vent cycles — that PEEP is squeezing his preload.", Priority: sim.PriorityHigh},
				},
				CooldownSeconds: 120,
				MaxTriggers:     2,
			},
			{
				ID: "epi_response",
				Conditions: []Condition{
					{Type: CondInotropeRunning, Drug: "epi"},
					{Type: CondShockStageGte, Threshold: 2},
				},
				Effects: []sim.Effect{
					{Type: sim.EffectSetFlag, Flag: "stabilizing", FlagValue: true},
					{Type: sim.EffectVitalsDelta, Vitals: &sim.VitalsDelta{SBP: f(8), DBP: f(5), HR: f(4)}},
					{Type: sim.EffectNurseLine, Line: "Pressure's coming up with the epi — 86 systolic and his hands are pinker.", Priority: sim.PriorityNormal},
				},
				DelaySeconds: 45,
				MaxTriggers:  1,
			},
			{
				ID: "milrinone_unsupported",
				Conditions: []Condition{
					{Type: CondInotropeRunning, Drug: "milrinone"},
					{Type: CondPressorAtBedside, Want: false},
				},
				Effects: []sim.Effect{
					{Type: sim.EffectVitalsDelta, Vitals: &sim.VitalsDelta{SBP: f(-8), DBP: f(-6)}},
					{Type: sim.EffectNurseLine, Line: "Pressure dipped after the milrinone went up — he has no reserve for the vasodilation.", Priority: sim.PriorityHigh},
				},
				DelaySeconds: 60,
				MaxTriggers:  1,
			},
			{
				ID: "mottling_warning",
				Conditions: []Condition{
					{Type: CondShockStageGte, Threshold: 3},
				},
				Effects: []sim.Effect{
					{Type: sim.EffectNurseLine, Line: "He's mottled to the knees and not tracking me anymore.", Priority: sim.PriorityCritical},
				},
				CooldownSeconds: 180,
				MaxTriggers:     2,
			},
			{
				ID: "untreated_decompensation",
				Conditions: []Condition{
					{Type: CondTimeInPhaseGte, Threshold: 10},
					{Type: CondPressorAtBedside, Want: false},
				},
				Effects: []sim.Effect{
					{Type: sim.EffectAdvanceShockStage, Level: 3},
					{Type: sim.EffectAdvancePhase, Phase: string(sim.MyoDecompensation)},
					{Type: sim.EffectVitalsDelta, Vitals: &sim.VitalsDelta{HR: f(10), SBP: f(-8), DBP: f(-6)}},
					{Type: sim.EffectNurseLine, Line: "He's worse. Whatever we're going to do, it needs to happen now.", Priority: sim.PriorityCritical},
				},
				MaxTriggers: 1,
			},
			{
				ID: "disposition_ready",
				Conditions: []Condition{
					{Type: CondConsultCalled, Service: "picu"},
					{Type: CondDiagnosticOrdered, Test: "echo"},
				},
				Effects: []sim.Effect{
					{Type: sim.EffectAdvancePhase, Phase: string(sim.MyoConfirmationDisposition)},
					{Type: sim.EffectNurseLine, Line: "PICU has a bed and cardiology saw the echo clips. Transport's ready when you are.", Priority: sim.PriorityNormal},
				},
				MaxTriggers: 1,
			},
		},
		Triggers: TriggerSet{
			Nurse: []CharacterTrigger{
				{
					ID: "nurse_sats_drift",
					Condition: func(st *sim.SimState, _ int64) bool {
						m := myo(st)
						return m != nil && st.Vitals.SpO2 < 92 && !m.Flags.PulmonaryEdema
					},
					Line:       "Sats are sliding — ninety-one now on room air.",
					CooldownMs: 90_000,
					MaxFires:   3,
					Priority:   sim.PriorityHigh,
				},
				{
					ID: "nurse_quiet_tachypnea",
					Condition: func(st *sim.SimState, elapsedMs int64) bool {
						m := myo(st)
						return m != nil && m.ShockStage >= 2 && elapsedMs > 240_000
					},
					Line:       "Resp rate's forty and he's gone quiet. That's not a reassuring quiet.",
					CooldownMs: 120_000,
					MaxFires:   2,
					Priority:   sim.PriorityHigh,
				},
				{
					ID: "nurse_cap_refill",
					Condition: func(st *sim.SimState, _ int64) bool {
						m := myo(st)
						return m != nil && m.ShockStage >= 2
					},
					Line:       "Cap refill is four seconds now. It was two when he rolled in.",
					CooldownMs: 150_000,
					MaxFires:   2,
					Priority:   sim.PriorityNormal,
				},
			},
			Parent: []CharacterTrigger{
				{
					ID: "parent_flu",
					Condition: func(st *sim.SimState, elapsedMs int64) bool {
						return myo(st) != nil && elapsedMs < 600_000
					},
					Line:       "He had the flu two weeks ago — he's just been tired since. Is that all this is?",
					CooldownMs: 120_000,
					MaxFires:   2,
				},
				{
					ID: "parent_scared",
					Condition: func(st *sim.SimState, _ int64) bool {
						m := myo(st)
						return m != nil && m.ShockStage >= 3
					},
					Line:       "Why is he so gray? Please — do something!",
					CooldownMs: 90_000,
					MaxFires:   3,
				},
			},
			Patient: []CharacterTrigger{
				{
					ID: "patient_tired",
					Condition: func(st *sim.SimState, _ int64) bool {
						m := myo(st)
						return m != nil && m.ShockStage <= 2
					},
					Line:       "I'm just... really tired.",
					CooldownMs: 90_000,
					MaxFires:   2,
				},
				{
					ID: "patient_dizzy",
					Condition: func(st *sim.SimState, _ int64) bool {
						m := myo(st)
						return m != nil && m.ShockStage >= 3 && !m.Flags.CodeBlueActive
					},
					Line:       "My tummy hurts... everything's spinny...",
					CooldownMs: 120_000,
					MaxFires:   2,
				},
			},
		},
		Scoring: ScoringConfig{
			Checklist: []ScoreItem{
				{ID: "monitor_on", Points: 5, Label: "Continuous monitor attached"},
				{ID: "iv_access", Points: 5, Label: "IV access established"},
				{ID: "ecg_ordered", Points: 5, Label: "12-lead obtained"},
				{ID: "cautious_fluids", Points: 10, Label: "First bolus 10 mL/kg or less, reassessed"},
				{ID: "recognized_cardiogenic", Points: 15, Label: "Cardiogenic shock recognised before decompensation"},
				{ID: "early_epi", Points: 15, Label: "Epinephrine infusion started early"},
				{ID: "echo_ordered", Points: 10, Label: "Bedside echo obtained"},
				{ID: "ketamine_induction", Points: 10, Label: "Ketamine chosen for induction"},
				{ID: "pressor_before_airway", Points: 10, Label: "Pressor at the bedside before intubation"},
				{ID: "gentle_ventilation", Points: 5, Label: "PEEP kept at 8 or below"},
				{ID: "picu_consult", Points: 10, Label: "PICU consulted"},
			},
			Bonuses: []ScoreItem{
				{ID: "bnp_troponin", Points: 5, Label: "BNP and troponin sent"},
				{ID: "push_dose_ready", Points: 5, Label: "Push-dose epi drawn before induction"},
			},
			Penalties: []ScoreItem{
				{ID: "fluid_overload", Points: 15, Label: "More than 60 mL/kg of volume"},
				{ID: "propofol_in_shock", Points: 20, Label: "Propofol induction in decompensated shock"},
				{ID: "no_pressor_at_induction", Points: 10, Label: "Intubation without pressor cover"},
				{ID: "high_peep", Points: 5, Label: "PEEP above 10 in shock"},
				{ID: "delayed_epi", Points: 10, Label: "No inotrope by decompensation"},
			},
		},
		Characters: []Character{
			{ID: "patient", DisplayName: "Theo", Voice: "ballad"},
			{ID: "nurse", DisplayName: "Nurse Priya", Voice: "alloy"},
			{ID: "parent", DisplayName: "Sam (dad)", Voice: "shimmer"},
			{ID: "tech", DisplayName: "Tech Morgan", Voice: "ash"},
		},
	}
}
