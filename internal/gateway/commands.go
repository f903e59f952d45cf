package gateway

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/medrill/pulsegate/internal/orders"
	"github.com/medrill/pulsegate/internal/protocol"
	"github.com/medrill/pulsegate/internal/sim"
)

// presenterCommands is the control surface: presenter role required, and the
// only commands the repeat cooldown throttles. Clinical traffic (orders,
// exams, treatments) is exempt so dedupe and clarification replies flow.
var presenterCommands = map[protocol.CommandType]bool{
	protocol.CmdPauseAI:         true,
	protocol.CmdResumeAI:        true,
	protocol.CmdForceReply:      true,
	protocol.CmdEndTurn:         true,
	protocol.CmdMuteUser:        true,
	protocol.CmdFreeze:          true,
	protocol.CmdUnfreeze:        true,
	protocol.CmdSkipStage:       true,
	protocol.CmdToggleTelemetry: true,
	protocol.CmdShowEKG:         true,
}

// examKinds maps the exam command's system payload onto parse kinds.
var examKinds = map[string]orders.Kind{
	"cardiac": orders.KindCardiacExam,
	"heart":   orders.KindCardiacExam,
	"lungs":   orders.KindLungExam,
	"chest":   orders.KindLungExam,
	"general": orders.KindGeneralExam,
	"vitals":  orders.KindVitals,
}

func (wc *wsClient) handleCommand(s *liveSession, msg *protocol.ClientMessage) {
	cmd := msg.CommandType
	if !cmd.IsValid() {
		wc.sendError("validation: unknown command")
		return
	}
	if presenterCommands[cmd] {
		if wc.client.Role != sim.RolePresenter {
			wc.sendError("policy: presenter role required for " + string(cmd))
			return
		}
		if wc.g.onCooldown(s.id, wc.client.UserID, cmd, wc.g.now()) {
			wc.sendError("policy: " + string(cmd) + " is on cooldown")
			return
		}
		s.logEvent("command."+string(cmd), map[string]any{"by": wc.client.UserID})
	}

	start := time.Now()
	defer func() {
		wc.g.metrics.CommandDuration.Record(context.Background(), time.Since(start).Seconds())
	}()

	switch cmd {
	case protocol.CmdPauseAI:
		wc.cmdPauseAI(s)
	case protocol.CmdResumeAI:
		s.lock("resume-ai", func() { s.paused = false })
	case protocol.CmdForceReply, protocol.CmdEndTurn:
		wc.cmdFlushTurn(s, cmd)
	case protocol.CmdMuteUser:
		wc.cmdMuteUser(s, msg)
	case protocol.CmdFreeze:
		s.lock("freeze", func() { s.frozen = true })
	case protocol.CmdUnfreeze:
		wc.cmdUnfreeze(s)
	case protocol.CmdSkipStage:
		wc.cmdSkipStage(s, msg)
	case protocol.CmdToggleTelemetry:
		s.lock("toggle-telemetry", func() {
			s.engine.SetTelemetry(!s.engine.State().Telemetry, "")
			s.pushState()
		})
	case protocol.CmdShowEKG:
		wc.cmdShowEKG(s)
	case protocol.CmdOrder, protocol.CmdTreatment:
		text, _ := msg.Payload["text"].(string)
		if strings.TrimSpace(text) == "" {
			wc.sendError("validation: order text required")
			return
		}
		s.handleOrderText(text, wc.client.UserID)
	case protocol.CmdExam:
		wc.cmdExam(s, msg)
	}
}

func (wc *wsClient) cmdPauseAI(s *liveSession) {
	s.lock("pause-ai", func() {
		s.paused = true
		if s.voice != nil {
			if err := s.voice.CancelResponse(); err != nil {
				slog.Debug("gateway: cancel response", "session_id", s.id, "error", err)
			}
		}
		s.setPatient(protocol.PatientIdle)
	})
}

// cmdFlushTurn commits whatever audio is buffered upstream and asks for a
// reply. force_reply and end_turn share the mechanics; both work while
// paused because the presenter is explicitly driving.
func (wc *wsClient) cmdFlushTurn(s *liveSession, cmd protocol.CommandType) {
	s.lock(string(cmd), func() {
		if s.voice == nil || s.fallbackActive() {
			return
		}
		if err := s.voice.CommitAudio(); err != nil {
			slog.Debug("gateway: commit audio", "session_id", s.id, "error", err)
			return
		}
		if err := s.voice.CreateResponse(); err != nil {
			slog.Debug("gateway: create response", "session_id", s.id, "error", err)
		}
	})
}

// cmdMuteUser toggles the target's mute. There is no separate unmute
// command; repeating the command lifts it.
func (wc *wsClient) cmdMuteUser(s *liveSession, msg *protocol.ClientMessage) {
	target, _ := msg.Payload["userId"].(string)
	if target == "" {
		wc.sendError("validation: userId required")
		return
	}
	s.lock("mute-user", func() {
		s.muted[target] = !s.muted[target]
		if !s.muted[target] {
			delete(s.muted, target)
			return
		}
		if c := wc.g.registry.Client(s.id, target); c != nil {
			c.SetSpeaking(false)
			s.broadcast(protocol.NewParticipantState(s.id, target, false, ""))
		}
	})
}

func (wc *wsClient) cmdUnfreeze(s *liveSession) {
	s.lock("unfreeze", func() {
		if !s.frozen {
			return
		}
		s.frozen = false
		// Excise the frozen interval from the scenario clock so nothing
		// "catches up" the moment time restarts.
		s.engine.ResumeAt(s.gw.now())
	})
}

func (wc *wsClient) cmdSkipStage(s *liveSession, msg *protocol.ClientMessage) {
	stageID, _ := msg.Payload["stageId"].(string)
	s.lock("skip-stage", func() {
		def := s.engine.Definition()
		if stageID == "" {
			stageID = nextStageID(def.StageIDs(), s.engine.State().StageID)
		}
		if stageID == "" {
			wc.sendError("validation: no next stage to skip to")
			return
		}
		if err := s.engine.SetStage(stageID, s.gw.now()); err != nil {
			wc.sendError("validation: " + err.Error())
			return
		}
		s.pushState()
	})
}

func (wc *wsClient) cmdShowEKG(s *liveSession) {
	s.lock("show-ekg", func() {
		if len(s.engine.State().EKGHistory) == 0 {
			s.speak("tech", "No 12-lead on file yet — want me to run one?")
			return
		}
		// Re-push so clients can surface the latest strip.
		s.broadcastState()
	})
}

func (wc *wsClient) cmdExam(s *liveSession, msg *protocol.ClientMessage) {
	system, _ := msg.Payload["system"].(string)
	kind, ok := examKinds[strings.ToLower(strings.TrimSpace(system))]
	if !ok {
		wc.sendError("validation: unknown exam system " + system)
		return
	}
	h := s.ordersHandler()
	h.Handle(orders.ParsedOrder{Kind: kind, Raw: "exam " + system}, wc.client.UserID)
}

// nextStageID returns the stage after cur in declaration order, or "".
func nextStageID(ids []string, cur string) string {
	for i, id := range ids {
		if id == cur && i+1 < len(ids) {
			return ids[i+1]
		}
	}
	return ""
}
