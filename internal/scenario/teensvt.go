package scenario

import "github.com/medrill/pulsegate/internal/sim"

// TeenSVT is the full-treatment SVT case. The patient flips into SVT two
// minutes in; learners work through vagal maneuvers, weight-based adenosine
// and, if she decompensates, synchronised cardioversion with sedation.
func TeenSVT() *Definition {
	svtRhythm := func(st *sim.SimState) *sim.SVTState {
		if st.Extended == nil {
			return nil
		}
		return st.Extended.SVT
	}
	return &Definition{
		ID:          IDTeenSVT,
		Title:       "Teen SVT with decompensation risk",
		Description: "14-year-old in refractory SVT at 220. Vagal → adenosine 0.1 mg/kg → double dose → synchronised cardioversion ladder, with scripted decompensation if treatment stalls.",
		Demographics: Demographics{
			AgeMonths: 14 * 12,
			WeightKg:  50,
			Name:      "Jordan",
			Pronouns:  "she/her",
		},
		Variant:        sim.VariantSVT,
		InitialStageID: "presentation",
		Stages: []Stage{
			{
				ID:     "presentation",
				Vitals: sim.Vitals{HR: 135, RR: 20, SpO2: 99, BP: "108/70", TempF: 98.7},
				Exam: map[string]string{
					"general": "Teen sitting forward, anxious, says her heart is racing.",
					"cardiac": "Fast regular rhythm, no murmur heard at this rate.",
					"lungs":   "Clear bilaterally.",
				},
				Transitions: []Transition{
					{To: "svt", When: &Trigger{ElapsedSeconds: 120}},
				},
			},
			{
				ID:            "svt",
				Vitals:        sim.Vitals{HR: 220, RR: 22, SpO2: 97, BP: "98/64", TempF: 98.7},
				RhythmSummary: "SVT 220 bpm, narrow complex, regular",
				Exam: map[string]string{
					"general": "Pale, diaphoretic, gripping the side rail.",
					"cardiac": "Regular narrow tachycardia too fast to count at the bedside.",
					"lungs":   "Clear, mildly tachypneic.",
				},
			},
			{
				ID:            "decompensated",
				Vitals:        sim.Vitals{HR: 232, RR: 26, SpO2: 94, BP: "78/48", TempF: 98.5},
				RhythmSummary: "SVT 232 bpm, narrow complex, poor perfusion",
				Exam: map[string]string{
					"general": "Mottled, drowsy, delayed capillary refill.",
					"cardiac": "Narrow tachycardia, thready distal pulses.",
					"lungs":   "Scattered crackles at the bases.",
				},
			},
			{
				ID:     "converted",
				Vitals: sim.Vitals{HR: 95, RR: 16, SpO2: 99, BP: "112/70", TempF: 98.7},
				Exam: map[string]string{
					"general": "Color returning, visibly exhausted but smiling.",
					"cardiac": "Regular rate and rhythm, no murmur.",
					"lungs":   "Clear bilaterally.",
				},
				Drift: &Drift{HRPerMin: -1},
			},
		},
		Rules: []Rule{
			{
				ID: "svt_pressure_drift",
				Conditions: []Condition{
					{Type: CondRhythmIs, Rhythm: "svt"},
					{Type: CondTimeInPhaseGte, Threshold: 6},
				},
				Effects: []sim.Effect{
					{Type: sim.EffectVitalsDelta, Vitals: &sim.VitalsDelta{SBP: f(-6), DBP: f(-4)}},
					{Type: sim.EffectNurseLine, Line: "Pressure's drifting down with the rate — she needs that rhythm broken.", Priority: sim.PriorityHigh},
				},
				CooldownSeconds: 180,
				MaxTriggers:     3,
			},
			{
				ID: "svt_decompensation",
				Conditions: []Condition{
					{Type: CondRhythmIs, Rhythm: "svt"},
					{Type: CondTimeInPhaseGte, Threshold: 12},
				},
				Effects: []sim.Effect{
					{Type: sim.EffectSetStabilityLevel, Level: 3},
					{Type: sim.EffectAdvancePhase, Phase: string(sim.SVTDecompensating)},
					{Type: sim.EffectNurseLine, Line: "She's clammy and the pressure is 84 systolic — this is no longer stable SVT.", Priority: sim.PriorityCritical},
				},
				MaxTriggers: 1,
			},
			{
				ID: "svt_periarrest",
				Conditions: []Condition{
					{Type: CondRhythmIs, Rhythm: "svt"},
					{Type: CondStabilityLevelGte, Threshold: 3},
					{Type: CondTimeInPhaseGte, Threshold: 4},
				},
				Effects: []sim.Effect{
					{Type: sim.EffectSetStabilityLevel, Level: 4},
					{Type: sim.EffectVitalsDelta, Vitals: &sim.VitalsDelta{SBP: f(-12), DBP: f(-8), SpO2: f(-3)}},
					{Type: sim.EffectNurseLine, Line: "Barely responsive now. If you're going to cardiovert, it has to be now.", Priority: sim.PriorityCritical},
				},
				MaxTriggers: 1,
			},
			{
				ID: "svt_first_dose_failed",
				Conditions: []Condition{
					{Type: CondAdenosineGiven, Threshold: 1},
					{Type: CondRhythmIs, Rhythm: "svt"},
				},
				Effects: []sim.Effect{
					{Type: sim.EffectNurseLine, Line: "No change after the first dose. Second dose doubles — that's ten milligrams for her.", Priority: sim.PriorityHigh},
				},
				DelaySeconds: 20,
				MaxTriggers:  1,
			},
			{
				ID: "svt_post_conversion_obs",
				Conditions: []Condition{
					{Type: CondConverted},
				},
				Effects: []sim.Effect{
					{Type: sim.EffectNurseLine, Line: "Sinus for a full minute now. I'll keep her on the monitor — cardiology will want strips.", Priority: sim.PriorityNormal},
				},
				DelaySeconds: 15,
				MaxTriggers:  1,
			},
		},
		Triggers: TriggerSet{
			Nurse: []CharacterTrigger{
				{
					ID: "nurse_monitor_alarm",
					Condition: func(st *sim.SimState, _ int64) bool {
						s := svtRhythm(st)
						return s != nil && s.Rhythm == sim.RhythmSVT && s.Interventions.MonitorOn
					},
					Line:       "Monitor's reading 220, narrow and regular.",
					CooldownMs: 90_000,
					MaxFires:   3,
					Priority:   sim.PriorityHigh,
				},
				{
					ID: "nurse_iv_prompt",
					Condition: func(st *sim.SimState, elapsedMs int64) bool {
						s := svtRhythm(st)
						return s != nil && s.Rhythm == sim.RhythmSVT && !s.Interventions.IVAccess && elapsedMs > 180_000
					},
					Line:       "Want me to get a line in while you decide? Adenosine needs a good antecubital.",
					CooldownMs: 120_000,
					MaxFires:   2,
					Priority:   sim.PriorityNormal,
				},
			},
			Parent: []CharacterTrigger{
				{
					ID: "parent_worry",
					Condition: func(st *sim.SimState, _ int64) bool {
						s := svtRhythm(st)
						return s != nil && s.Rhythm == sim.RhythmSVT
					},
					Line:       "Is her heart supposed to go that fast? Please — somebody tell me what's happening.",
					CooldownMs: 75_000,
					MaxFires:   3,
				},
				{
					ID: "parent_relief",
					Condition: func(st *sim.SimState, _ int64) bool {
						s := svtRhythm(st)
						return s != nil && s.Converted
					},
					Line:     "Oh thank god. Her color's coming back.",
					MaxFires: 1,
				},
			},
			Patient: []CharacterTrigger{
				{
					ID: "patient_chest",
					Condition: func(st *sim.SimState, _ int64) bool {
						s := svtRhythm(st)
						return s != nil && s.Rhythm == sim.RhythmSVT && s.StabilityLevel <= 2
					},
					Line:       "My chest is buzzing... it won't slow down.",
					CooldownMs: 60_000,
					MaxFires:   3,
				},
				{
					ID: "patient_fading",
					Condition: func(st *sim.SimState, _ int64) bool {
						s := svtRhythm(st)
						return s != nil && s.StabilityLevel >= 3
					},
					Line:       "Everything sounds... really far away...",
					CooldownMs: 90_000,
					MaxFires:   2,
				},
			},
		},
		Scoring: ScoringConfig{
			Checklist: []ScoreItem{
				{ID: "monitor_on", Points: 10, Label: "Cardiac monitor attached"},
				{ID: "iv_access", Points: 10, Label: "IV access established"},
				{ID: "ecg_ordered", Points: 10, Label: "12-lead obtained"},
				{ID: "vagal_first", Points: 10, Label: "Vagal maneuver before adenosine"},
				{ID: "adenosine_correct_dose", Points: 15, Label: "First adenosine dose 0.1 mg/kg"},
				{ID: "rapid_push_flush", Points: 10, Label: "Rapid push with immediate flush"},
				{ID: "continuous_monitoring", Points: 10, Label: "Rhythm watched through conversion"},
				{ID: "sedation_before_sync", Points: 10, Label: "Sedation before synchronised cardioversion"},
			},
			Bonuses: []ScoreItem{
				{ID: "early_recognition", Points: 5, Label: "SVT named within two minutes of onset"},
				{ID: "dose_math_aloud", Points: 5, Label: "Weight-based dose computed out loud"},
			},
			Penalties: []ScoreItem{
				{ID: "unsync_shock", Points: 20, Label: "Unsynchronised shock in a perfusing rhythm"},
				{ID: "no_sedation_cardioversion", Points: 15, Label: "Cardioversion without sedation in an awake patient"},
				{ID: "adenosine_slow_push", Points: 5, Label: "Adenosine pushed slowly"},
				{ID: "adenosine_no_flush", Points: 5, Label: "No flush after adenosine"},
				{ID: "excessive_joules", Points: 10, Label: "Energy above 2 J/kg on first shock"},
			},
		},
		Characters: []Character{
			{ID: "patient", DisplayName: "Jordan", Voice: "coral"},
			{ID: "nurse", DisplayName: "Nurse Kim", Voice: "alloy"},
			{ID: "parent", DisplayName: "Dana (mom)", Voice: "sage"},
			{ID: "tech", DisplayName: "Tech Reyes", Voice: "ash"},
		},
	}
}

// f is sugar for optional vitals-delta fields in rule tables.
func f(v float64) *float64 { return &v }
