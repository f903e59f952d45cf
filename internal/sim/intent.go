package sim

// IntentType enumerates the mutations that can be proposed for a session,
// either by the upstream model's tool calls or by presenter controls. Every
// intent passes the tool gate before it is applied.
type IntentType string

const (
	IntentUpdateVitals  IntentType = "intent_updateVitals"
	IntentAdvanceStage  IntentType = "intent_advanceStage"
	IntentRevealFinding IntentType = "intent_revealFinding"
	IntentSetEmotion    IntentType = "intent_setEmotion"
)

// IsValid reports whether t is a recognised intent type.
func (t IntentType) IsValid() bool {
	switch t {
	case IntentUpdateVitals, IntentAdvanceStage, IntentRevealFinding, IntentSetEmotion:
		return true
	}
	return false
}

// UniversalIntents is the full intent set. A stage's allowed-intent list, when
// present, must be a subset of this.
var UniversalIntents = []IntentType{
	IntentUpdateVitals,
	IntentAdvanceStage,
	IntentRevealFinding,
	IntentSetEmotion,
}

// Intent is a proposed state mutation. Exactly the arm named by Type is
// populated; the others stay zero.
type Intent struct {
	Type IntentType `json:"type"`

	// Vitals carries the proposed values for intent_updateVitals.
	Vitals *VitalsTarget `json:"vitals,omitempty"`

	// StageID names the target stage for intent_advanceStage.
	StageID string `json:"stageId,omitempty"`

	// FindingID names the finding for intent_revealFinding.
	FindingID string `json:"findingId,omitempty"`

	// Emotion names the patient affect for intent_setEmotion.
	Emotion string `json:"emotion,omitempty"`
}
