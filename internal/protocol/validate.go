package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var sessionIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{4,64}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	mustRegister(v, "session_id", func(fl validator.FieldLevel) bool {
		return sessionIDRe.MatchString(fl.Field().String())
	})
	mustRegister(v, "command_type", func(fl validator.FieldLevel) bool {
		return CommandType(fl.Field().String()).IsValid()
	})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("protocol: register %q: %v", tag, err))
	}
}

// ValidSessionID reports whether id matches the allowed session-id format.
func ValidSessionID(id string) bool {
	return sessionIDRe.MatchString(id)
}

// Decode parses and validates one inbound frame.
func Decode(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("protocol: decode: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Validate checks the envelope's structural tags, then the per-type required
// fields.
func (m *ClientMessage) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("protocol: invalid message: %w", err)
	}

	var errs []error
	need := func(field, val string) {
		if val == "" {
			errs = append(errs, fmt.Errorf("%s requires %s", m.Type, field))
		}
	}
	switch m.Type {
	case TypeJoin:
		need("sessionId", m.SessionID)
		need("userId", m.UserID)
		if m.Role == "" {
			errs = append(errs, errors.New("join requires role"))
		}
	case TypeStartSpeaking, TypeStopSpeaking:
		need("sessionId", m.SessionID)
		need("userId", m.UserID)
	case TypeVoiceCommand:
		need("sessionId", m.SessionID)
		need("userId", m.UserID)
		if m.CommandType == "" {
			errs = append(errs, errors.New("voice_command requires commandType"))
		}
	case TypeDoctorAudio:
		need("sessionId", m.SessionID)
		need("userId", m.UserID)
		need("audioBase64", m.AudioBase64)
		need("contentType", m.ContentType)
	case TypeSetScenario:
		need("sessionId", m.SessionID)
		need("userId", m.UserID)
		need("scenarioId", m.ScenarioID)
	case TypeAnalyzeTranscript:
		need("sessionId", m.SessionID)
		need("userId", m.UserID)
		if len(m.Turns) == 0 {
			errs = append(errs, errors.New("analyze_transcript requires turns"))
		}
	case TypePing:
		// sessionId is optional here.
	default:
		errs = append(errs, fmt.Errorf("unknown message type %q", m.Type))
	}
	if len(errs) > 0 {
		return fmt.Errorf("protocol: invalid message: %w", errors.Join(errs...))
	}
	return nil
}

// Validate checks an outbound message before it is sent.
func (m *ServerMessage) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("protocol: invalid outbound message: %w", err)
	}

	var errs []error
	need := func(field, val string) {
		if val == "" {
			errs = append(errs, fmt.Errorf("%s requires %s", m.Type, field))
		}
	}
	switch m.Type {
	case TypeJoined:
		need("sessionId", m.SessionID)
		if m.Role == "" {
			errs = append(errs, errors.New("joined requires role"))
		}
	case TypeParticipantState:
		need("sessionId", m.SessionID)
		need("userId", m.UserID)
		if m.Speaking == nil {
			errs = append(errs, errors.New("participant_state requires speaking"))
		}
	case TypePatientState:
		need("sessionId", m.SessionID)
		if m.State == "" {
			errs = append(errs, errors.New("patient_state requires state"))
		}
	case TypePatientTranscriptDelta, TypeDoctorUtterance:
		need("sessionId", m.SessionID)
		need("text", m.Text)
	case TypePatientAudio:
		need("sessionId", m.SessionID)
		need("audioBase64", m.AudioBase64)
	case TypeScenarioChanged:
		need("sessionId", m.SessionID)
		need("scenarioId", m.ScenarioID)
	case TypeAnalysisResult:
		need("sessionId", m.SessionID)
		need("summary", m.Summary)
	case TypeSimState:
		need("sessionId", m.SessionID)
		need("stageId", m.StageID)
		if m.Vitals == nil {
			errs = append(errs, errors.New("sim_state requires vitals"))
		}
		if m.Telemetry == nil {
			errs = append(errs, errors.New("sim_state requires telemetry"))
		}
		if m.Fallback == nil {
			errs = append(errs, errors.New("sim_state requires fallback"))
		}
	case TypePong:
		// sessionId optional, mirrors the ping.
	case TypeError:
		need("message", m.Message)
	default:
		errs = append(errs, fmt.Errorf("unknown message type %q", m.Type))
	}
	if len(errs) > 0 {
		return fmt.Errorf("protocol: invalid outbound message: %w", errors.Join(errs...))
	}
	return nil
}

// Encode validates and marshals an outbound message in one step. Every path
// that reaches a client socket goes through here.
func (m *ServerMessage) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	return data, nil
}
