package voice

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/medrill/pulsegate/internal/sim"
)

// Tool names the model may call. They map one-to-one onto intent types.
const (
	toolUpdateVitals  = "update_vitals"
	toolAdvanceStage  = "advance_stage"
	toolRevealFinding = "reveal_finding"
	toolSetEmotion    = "set_emotion"
)

// parseToolIntent converts a raw tool call into a typed intent. It validates
// shape only; whether the intent is allowed is the tool gate's job.
func parseToolIntent(name, arguments string) (sim.Intent, error) {
	args := strings.TrimSpace(arguments)
	if args == "" {
		args = "{}"
	}

	switch name {
	case toolUpdateVitals:
		var target sim.VitalsTarget
		if err := json.Unmarshal([]byte(args), &target); err != nil {
			return sim.Intent{}, fmt.Errorf("voice: parse %s arguments: %w", name, err)
		}
		if target.IsZero() {
			return sim.Intent{}, fmt.Errorf("voice: %s called with no vitals fields", name)
		}
		return sim.Intent{Type: sim.IntentUpdateVitals, Vitals: &target}, nil

	case toolAdvanceStage:
		var p struct {
			StageID string `json:"stageId"`
		}
		if err := json.Unmarshal([]byte(args), &p); err != nil {
			return sim.Intent{}, fmt.Errorf("voice: parse %s arguments: %w", name, err)
		}
		if p.StageID == "" {
			return sim.Intent{}, fmt.Errorf("voice: %s called without stageId", name)
		}
		return sim.Intent{Type: sim.IntentAdvanceStage, StageID: p.StageID}, nil

	case toolRevealFinding:
		var p struct {
			FindingID string `json:"findingId"`
		}
		if err := json.Unmarshal([]byte(args), &p); err != nil {
			return sim.Intent{}, fmt.Errorf("voice: parse %s arguments: %w", name, err)
		}
		if p.FindingID == "" {
			return sim.Intent{}, fmt.Errorf("voice: %s called without findingId", name)
		}
		return sim.Intent{Type: sim.IntentRevealFinding, FindingID: p.FindingID}, nil

	case toolSetEmotion:
		var p struct {
			Emotion string `json:"emotion"`
		}
		if err := json.Unmarshal([]byte(args), &p); err != nil {
			return sim.Intent{}, fmt.Errorf("voice: parse %s arguments: %w", name, err)
		}
		if p.Emotion == "" {
			return sim.Intent{}, fmt.Errorf("voice: %s called without emotion", name)
		}
		return sim.Intent{Type: sim.IntentSetEmotion, Emotion: p.Emotion}, nil
	}

	return sim.Intent{}, fmt.Errorf("voice: unknown tool %q", name)
}

// intentTools describes the scenario-control tools advertised in
// session.update. The schemas mirror the JSON shapes parseToolIntent accepts.
func intentTools() []realtimeTool {
	number := func(desc string) map[string]any {
		return map[string]any{"type": "number", "description": desc}
	}

	return []realtimeTool{
		{
			Type:        "function",
			Name:        toolUpdateVitals,
			Description: "Drift the patient's vital signs toward new targets. Provide only the vitals that should change.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"hr":    number("heart rate in beats per minute"),
					"rr":    number("respiratory rate in breaths per minute"),
					"spo2":  number("oxygen saturation percentage"),
					"sbp":   number("systolic blood pressure in mmHg"),
					"dbp":   number("diastolic blood pressure in mmHg"),
					"tempF": number("temperature in degrees Fahrenheit"),
				},
				"additionalProperties": false,
			},
		},
		{
			Type:        "function",
			Name:        toolAdvanceStage,
			Description: "Move the scenario to a named stage once its clinical conditions are met.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"stageId": map[string]any{
						"type":        "string",
						"description": "identifier of the stage to enter",
					},
				},
				"required":             []string{"stageId"},
				"additionalProperties": false,
			},
		},
		{
			Type:        "function",
			Name:        toolRevealFinding,
			Description: "Reveal a hidden clinical finding the team has now earned, for example by examining the patient.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"findingId": map[string]any{
						"type":        "string",
						"description": "identifier of the finding to reveal",
					},
				},
				"required":             []string{"findingId"},
				"additionalProperties": false,
			},
		},
		{
			Type:        "function",
			Name:        toolSetEmotion,
			Description: "Change the patient's emotional presentation, for example anxious, calm, or drowsy.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"emotion": map[string]any{
						"type":        "string",
						"description": "the emotion to present",
					},
				},
				"required":             []string{"emotion"},
				"additionalProperties": false,
			},
		},
	}
}
