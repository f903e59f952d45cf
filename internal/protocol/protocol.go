// Package protocol defines the JSON frames exchanged on /ws/voice and the
// runtime validation applied to every message, inbound and outbound.
//
// Both directions use a single envelope struct per direction with a type
// discriminator, mirroring the upstream realtime wire format. Unknown fields
// are tolerated on decode and never propagated: encoding goes through the
// typed envelope only.
package protocol

import (
	"github.com/medrill/pulsegate/internal/sim"
)

// DefaultMaxPayloadBytes caps a single JSON frame. Larger frames are rejected
// with an error message and a close.
const DefaultMaxPayloadBytes = 262144

// Inbound message types.
const (
	TypeJoin              = "join"
	TypeStartSpeaking     = "start_speaking"
	TypeStopSpeaking      = "stop_speaking"
	TypeVoiceCommand      = "voice_command"
	TypeDoctorAudio       = "doctor_audio"
	TypeSetScenario       = "set_scenario"
	TypeAnalyzeTranscript = "analyze_transcript"
	TypePing              = "ping"
)

// Outbound message types.
const (
	TypeJoined                 = "joined"
	TypeParticipantState       = "participant_state"
	TypePatientState           = "patient_state"
	TypePatientTranscriptDelta = "patient_transcript_delta"
	TypePatientAudio           = "patient_audio"
	TypeDoctorUtterance        = "doctor_utterance"
	TypeScenarioChanged        = "scenario_changed"
	TypeAnalysisResult         = "analysis_result"
	TypeSimState               = "sim_state"
	TypePong                   = "pong"
	TypeError                  = "error"
)

// CommandType enumerates presenter/participant voice commands.
type CommandType string

const (
	CmdPauseAI         CommandType = "pause_ai"
	CmdResumeAI        CommandType = "resume_ai"
	CmdForceReply      CommandType = "force_reply"
	CmdEndTurn         CommandType = "end_turn"
	CmdMuteUser        CommandType = "mute_user"
	CmdFreeze          CommandType = "freeze"
	CmdUnfreeze        CommandType = "unfreeze"
	CmdSkipStage       CommandType = "skip_stage"
	CmdOrder           CommandType = "order"
	CmdExam            CommandType = "exam"
	CmdToggleTelemetry CommandType = "toggle_telemetry"
	CmdShowEKG         CommandType = "show_ekg"
	CmdTreatment       CommandType = "treatment"
)

// IsValid reports whether c is a recognised command type.
func (c CommandType) IsValid() bool {
	switch c {
	case CmdPauseAI, CmdResumeAI, CmdForceReply, CmdEndTurn, CmdMuteUser,
		CmdFreeze, CmdUnfreeze, CmdSkipStage, CmdOrder, CmdExam,
		CmdToggleTelemetry, CmdShowEKG, CmdTreatment:
		return true
	}
	return false
}

// PatientState enumerates the patient avatar states pushed to clients.
type PatientState string

const (
	PatientIdle      PatientState = "idle"
	PatientListening PatientState = "listening"
	PatientSpeaking  PatientState = "speaking"
	PatientError     PatientState = "error"
)

// TranscriptTurn is one exchange in an analyze_transcript request.
type TranscriptTurn struct {
	Role      string `json:"role" validate:"required,max=32"`
	Text      string `json:"text" validate:"required"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ClientMessage is the inbound envelope. Exactly the fields of the arm named
// by Type are read; extra fields survive decoding but are ignored.
type ClientMessage struct {
	Type string `json:"type" validate:"required"`

	SessionID   string   `json:"sessionId,omitempty" validate:"omitempty,session_id"`
	UserID      string   `json:"userId,omitempty" validate:"omitempty,max=128"`
	DisplayName string   `json:"displayName,omitempty" validate:"omitempty,max=120"`
	Role        sim.Role `json:"role,omitempty" validate:"omitempty,oneof=presenter participant"`
	AuthToken   string   `json:"authToken,omitempty" validate:"omitempty,max=4096"`

	// Character tags speaking state and voice commands with the character the
	// sender is addressing.
	Character string `json:"character,omitempty" validate:"omitempty,max=64"`

	// CommandType and Payload for voice_command.
	CommandType CommandType    `json:"commandType,omitempty" validate:"omitempty,command_type"`
	Payload     map[string]any `json:"payload,omitempty"`

	// AudioBase64 and ContentType for doctor_audio.
	AudioBase64 string `json:"audioBase64,omitempty"`
	ContentType string `json:"contentType,omitempty" validate:"omitempty,max=64"`

	// ScenarioID for set_scenario.
	ScenarioID string `json:"scenarioId,omitempty" validate:"omitempty,max=64"`

	// Turns for analyze_transcript.
	Turns []TranscriptTurn `json:"turns,omitempty" validate:"omitempty,dive"`
}

// ServerMessage is the outbound envelope. Constructors below populate exactly
// the fields their message type carries.
type ServerMessage struct {
	Type string `json:"type" validate:"required"`

	SessionID string `json:"sessionId,omitempty"`
	UserID    string `json:"userId,omitempty"`

	// Role for joined.
	Role sim.Role `json:"role,omitempty" validate:"omitempty,oneof=presenter participant"`

	// Speaking for participant_state.
	Speaking *bool `json:"speaking,omitempty"`

	Character   string `json:"character,omitempty"`
	DisplayName string `json:"displayName,omitempty"`

	// State for patient_state.
	State PatientState `json:"state,omitempty" validate:"omitempty,oneof=idle listening speaking error"`

	// Text for patient_transcript_delta and doctor_utterance.
	Text string `json:"text,omitempty"`

	// AudioBase64 for patient_audio.
	AudioBase64 string `json:"audioBase64,omitempty"`

	// ScenarioID for scenario_changed.
	ScenarioID string `json:"scenarioId,omitempty"`

	// Analysis fields for analysis_result.
	Summary        string   `json:"summary,omitempty"`
	Strengths      []string `json:"strengths,omitempty"`
	Opportunities  []string `json:"opportunities,omitempty"`
	TeachingPoints []string `json:"teachingPoints,omitempty"`

	// Simulation snapshot fields for sim_state.
	StageID           string                `json:"stageId,omitempty"`
	StageIDs          []string              `json:"stageIds,omitempty"`
	Vitals            *sim.Vitals           `json:"vitals,omitempty"`
	Exam              map[string]string     `json:"exam,omitempty"`
	Telemetry         *bool                 `json:"telemetry,omitempty"`
	RhythmSummary     string                `json:"rhythmSummary,omitempty"`
	TelemetryWaveform []float64             `json:"telemetryWaveform,omitempty"`
	Findings          []string              `json:"findings,omitempty"`
	Fallback          *bool                 `json:"fallback,omitempty"`
	Budget            *sim.BudgetSnapshot   `json:"budget,omitempty"`
	Orders            []sim.Order           `json:"orders,omitempty"`
	EKGHistory        []sim.EKGRecord       `json:"ekgHistory,omitempty"`
	TelemetryHistory  []sim.TelemetrySample `json:"telemetryHistory,omitempty"`

	// Message for error.
	Message string `json:"message,omitempty"`
}

// ── outbound constructors ──────────────────────────────────────────────────

// NewJoined confirms a join to the joining client.
func NewJoined(sessionID string, role sim.Role) *ServerMessage {
	return &ServerMessage{Type: TypeJoined, SessionID: sessionID, Role: role}
}

// NewParticipantState announces a participant's speaking state.
func NewParticipantState(sessionID, userID string, speaking bool, character string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeParticipantState,
		SessionID: sessionID,
		UserID:    userID,
		Speaking:  &speaking,
		Character: character,
	}
}

// NewPatientState announces the patient avatar state.
func NewPatientState(sessionID string, state PatientState, character, displayName string) *ServerMessage {
	return &ServerMessage{
		Type:        TypePatientState,
		SessionID:   sessionID,
		State:       state,
		Character:   character,
		DisplayName: displayName,
	}
}

// NewTranscriptDelta carries a chunk of character speech as text.
func NewTranscriptDelta(sessionID, text, character string) *ServerMessage {
	return &ServerMessage{Type: TypePatientTranscriptDelta, SessionID: sessionID, Text: text, Character: character}
}

// NewPatientAudio carries a chunk of synthesised speech.
func NewPatientAudio(sessionID, audioBase64, character string) *ServerMessage {
	return &ServerMessage{Type: TypePatientAudio, SessionID: sessionID, AudioBase64: audioBase64, Character: character}
}

// NewDoctorUtterance echoes a recognised learner utterance to the room.
func NewDoctorUtterance(sessionID, userID, text, character string) *ServerMessage {
	return &ServerMessage{Type: TypeDoctorUtterance, SessionID: sessionID, UserID: userID, Text: text, Character: character}
}

// NewScenarioChanged announces a scenario switch.
func NewScenarioChanged(sessionID, scenarioID string) *ServerMessage {
	return &ServerMessage{Type: TypeScenarioChanged, SessionID: sessionID, ScenarioID: scenarioID}
}

// NewAnalysisResult carries the debrief produced for analyze_transcript.
func NewAnalysisResult(sessionID, summary string, strengths, opportunities, teachingPoints []string) *ServerMessage {
	return &ServerMessage{
		Type:           TypeAnalysisResult,
		SessionID:      sessionID,
		Summary:        summary,
		Strengths:      strengths,
		Opportunities:  opportunities,
		TeachingPoints: teachingPoints,
	}
}

// NewSimState renders a full snapshot broadcast from the authoritative state.
// stageIDs is the scenario's ordered stage list for UI progress display.
func NewSimState(st *sim.SimState, stageIDs []string) *ServerMessage {
	vitals := st.Vitals
	telemetry := st.Telemetry
	fallback := st.Fallback
	return &ServerMessage{
		Type:              TypeSimState,
		SessionID:         st.SessionID,
		ScenarioID:        st.ScenarioID,
		StageID:           st.StageID,
		StageIDs:          stageIDs,
		Vitals:            &vitals,
		Exam:              st.Exam,
		Telemetry:         &telemetry,
		RhythmSummary:     st.RhythmSummary,
		TelemetryWaveform: st.TelemetryWaveform,
		Findings:          st.Findings,
		Fallback:          &fallback,
		Budget:            st.Budget,
		Orders:            st.Orders,
		EKGHistory:        st.EKGHistory,
		TelemetryHistory:  st.TelemetryHistory,
	}
}

// NewPong answers a ping.
func NewPong(sessionID string) *ServerMessage {
	return &ServerMessage{Type: TypePong, SessionID: sessionID}
}

// NewError carries a short human-readable failure to one client.
func NewError(message string) *ServerMessage {
	return &ServerMessage{Type: TypeError, Message: message}
}
