package scenario

import "github.com/medrill/pulsegate/internal/sim"

// Syncope is the introductory case: a teenager who fainted during morning
// assembly. Orthostatics reproduce the symptoms; the case resolves with
// supine positioning and fluids by mouth.
func Syncope() *Definition {
	return &Definition{
		ID:          IDSyncope,
		Title:       "Syncope after morning assembly",
		Description: "16-year-old who passed out standing in a hot gym. Vasovagal physiology; orthostatic vitals reproduce the presyncope.",
		Demographics: Demographics{
			AgeMonths: 16 * 12,
			WeightKg:  55,
			Name:      "Maya",
			Pronouns:  "she/her",
		},
		InitialStageID: "baseline",
		Stages: []Stage{
			{
				ID:     "baseline",
				Vitals: sim.Vitals{HR: 72, RR: 14, SpO2: 99, BP: "112/70", TempF: 98.4},
				Exam: map[string]string{
					"general": "Pale but alert, lying on the stretcher. Skin warm and dry.",
					"cardiac": "Regular rate and rhythm, no murmur. Strong distal pulses.",
					"lungs":   "Clear bilaterally.",
				},
				Transitions: []Transition{
					{To: "orthostatic", When: &Trigger{Action: ActionStandTest}},
				},
			},
			{
				ID:     "orthostatic",
				Vitals: sim.Vitals{HR: 104, RR: 16, SpO2: 99, BP: "94/58", TempF: 98.4},
				Exam: map[string]string{
					"general": "Sways on standing, reports graying vision. Recovers supine.",
					"cardiac": "Tachycardic, regular, no murmur.",
					"lungs":   "Clear bilaterally.",
				},
				Drift: &Drift{HRPerMin: -2, SBPPerMin: 1.5, DBPPerMin: 1},
				Transitions: []Transition{
					{To: "recovered", When: &Trigger{ElapsedSeconds: 180}},
				},
			},
			{
				ID:     "recovered",
				Vitals: sim.Vitals{HR: 82, RR: 14, SpO2: 99, BP: "108/68", TempF: 98.4},
				Exam: map[string]string{
					"general": "Color returned, asking when she can go back to class.",
					"cardiac": "Regular rate and rhythm, no murmur.",
					"lungs":   "Clear bilaterally.",
				},
			},
		},
		Characters: []Character{
			{ID: "patient", DisplayName: "Maya", Voice: "coral"},
			{ID: "nurse", DisplayName: "Nurse Alvarez", Voice: "alloy"},
		},
	}
}
