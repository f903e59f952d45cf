package analysis

import (
	"fmt"
	"strings"
)

// signal is one key clinical action the heuristic debrief scans for. The scan
// is a plain lowercase substring match; it is intentionally conservative and
// only credits what was actually said.
type signal struct {
	// keywords match case-insensitively; any one counts as a hit.
	keywords []string
	// strength is credited when the signal is present.
	strength string
	// gap is coached when the signal is absent. Empty means absence is not
	// worth coaching (not every case calls for every action).
	gap string
}

var clinicalSignals = []signal{
	{
		keywords: []string{"monitor", "telemetry", "vitals"},
		strength: "Put the patient on monitoring and tracked vitals early.",
		gap:      "Continuous monitoring was never requested.",
	},
	{
		keywords: []string{"ekg", "ecg", "12-lead", "12 lead"},
		strength: "Obtained an EKG to characterise the rhythm.",
		gap:      "No EKG was obtained, so the rhythm diagnosis rested on the monitor alone.",
	},
	{
		keywords: []string{"history", "onset", "how long", "when did"},
		strength: "Took a focused history before intervening.",
		gap:      "Treatment decisions were made with little history.",
	},
	{
		keywords: []string{"allerg"},
		strength: "Checked allergies before giving medication.",
		gap:      "Allergies were never asked about.",
	},
	{
		keywords: []string{"iv ", "iv.", "access", "line in"},
		strength: "Secured IV access.",
		gap:      "IV access was not established before it was needed.",
	},
	{
		keywords: []string{"vagal", "valsalva", "ice to the face", "bear down"},
		strength: "Attempted vagal manoeuvres before drugs.",
	},
	{
		keywords: []string{"adenosine", "cardiovert", "cardioversion"},
		strength: "Escalated to definitive rhythm treatment.",
	},
	{
		keywords: []string{"reassess", "recheck", "repeat vitals", "re-examine"},
		strength: "Reassessed the patient after interventions.",
		gap:      "Reassessment after interventions was not verbalised.",
	},
}

// maxListItems caps each report list so the debrief stays readable.
const maxListItems = 5

// heuristicReport builds a deterministic debrief from keyword presence alone.
// Identical turns always yield an identical report.
func heuristicReport(turns []Turn) *Report {
	var sb strings.Builder
	roles := make(map[string]struct{})
	for _, t := range turns {
		sb.WriteString(strings.ToLower(t.Text))
		sb.WriteByte('\n')
		roles[strings.ToLower(t.Role)] = struct{}{}
	}
	text := sb.String()

	hits := make(map[string]bool, len(clinicalSignals))
	var strengths, opportunities []string
	voiced := 0
	for _, sig := range clinicalSignals {
		hit := false
		for _, kw := range sig.keywords {
			if strings.Contains(text, kw) {
				hit = true
				break
			}
		}
		hits[sig.keywords[0]] = hit
		if hit {
			voiced++
			if len(strengths) < maxListItems {
				strengths = append(strengths, sig.strength)
			}
		} else if sig.gap != "" && len(opportunities) < maxListItems {
			opportunities = append(opportunities, sig.gap)
		}
	}

	if len(strengths) == 0 {
		strengths = append(strengths, "Completed the scenario as a team.")
	}

	teaching := []string{
		"Verbalising findings and plans keeps the whole team aligned; narrate what you see and what you expect to change.",
		"Compare the order timeline against the scenario objectives during group debrief.",
	}
	if hits["vagal"] && hits["adenosine"] {
		teaching = append(teaching, "Stepwise SVT management, with vagal manoeuvres before adenosine, matches PALS guidance.")
	}

	return &Report{
		Summary: fmt.Sprintf(
			"Automated debrief: reviewed %d turns across %d speaker roles; %d of %d key clinical actions were voiced during the case.",
			len(turns), len(roles), voiced, len(clinicalSignals)),
		Strengths:      strengths,
		Opportunities:  opportunities,
		TeachingPoints: teaching,
	}
}
