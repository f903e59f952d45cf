package scenario

import "github.com/medrill/pulsegate/internal/sim"

// PalpitationsSVT is the simple arrhythmia case: a college athlete with
// recurrent palpitations whose episode self-terminates. History taking
// (exertion, family history) carries the teaching value; no treatment is
// required before spontaneous conversion.
func PalpitationsSVT() *Definition {
	return &Definition{
		ID:          IDPalpitationsSVT,
		Title:       "Palpitations in a college athlete",
		Description: "19-year-old rower with abrupt-onset palpitations after practice. Episode terminates on its own; the history drives the workup.",
		Demographics: Demographics{
			AgeMonths: 19 * 12,
			WeightKg:  68,
			Name:      "Darius",
			Pronouns:  "he/him",
		},
		InitialStageID: "episode",
		Stages: []Stage{
			{
				ID:            "episode",
				Vitals:        sim.Vitals{HR: 186, RR: 18, SpO2: 98, BP: "104/66", TempF: 98.6},
				RhythmSummary: "SVT 186 bpm, narrow complex, regular",
				Exam: map[string]string{
					"general": "Anxious but conversant, hand pressed to his chest.",
					"cardiac": "Rapid regular tachycardia, no murmur appreciated at this rate.",
					"lungs":   "Clear bilaterally.",
				},
				AllowedIntents: []sim.IntentType{sim.IntentUpdateVitals, sim.IntentRevealFinding, sim.IntentSetEmotion},
				Transitions: []Transition{
					{To: "converted", Any: []Trigger{
						{ElapsedSeconds: 420},
						{Action: ActionStandTest},
					}},
				},
			},
			{
				ID:     "converted",
				Vitals: sim.Vitals{HR: 88, RR: 14, SpO2: 99, BP: "118/72", TempF: 98.6},
				Exam: map[string]string{
					"general": "Visibly relieved. Reports the flutter stopped all at once.",
					"cardiac": "Regular rate and rhythm, no murmur.",
					"lungs":   "Clear bilaterally.",
				},
				Drift: &Drift{HRPerMin: -1},
				Transitions: []Transition{
					{To: "history", When: &Trigger{Action: ActionAskedFamilyHistory}},
				},
			},
			{
				ID:     "history",
				Vitals: sim.Vitals{HR: 84, RR: 14, SpO2: 99, BP: "118/72", TempF: 98.6},
				Exam: map[string]string{
					"general": "Mentions an uncle with 'a heart zap procedure' in his twenties.",
					"cardiac": "Regular rate and rhythm, no murmur.",
					"lungs":   "Clear bilaterally.",
				},
			},
		},
		Characters: []Character{
			{ID: "patient", DisplayName: "Darius", Voice: "verse"},
			{ID: "nurse", DisplayName: "Nurse Okafor", Voice: "alloy"},
		},
	}
}
