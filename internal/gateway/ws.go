package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/medrill/pulsegate/internal/analysis"
	"github.com/medrill/pulsegate/internal/engine/triggers"
	"github.com/medrill/pulsegate/internal/protocol"
	"github.com/medrill/pulsegate/internal/scenario"
	"github.com/medrill/pulsegate/internal/session"
	"github.com/medrill/pulsegate/internal/sim"
	"github.com/medrill/pulsegate/pkg/audio"
)

// wsWriteTimeout bounds direct pre-join writes; joined clients go through
// the registry's buffered writer instead.
const wsWriteTimeout = 5 * time.Second

// wsConn adapts a websocket connection to the registry's transport interface.
type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w wsConn) Close(reason string) error {
	return w.c.Close(websocket.StatusNormalClosure, reason)
}

// wsClient is one inbound connection's read-side state. Everything here is
// touched only from the connection's read goroutine.
type wsClient struct {
	g    *Gateway
	conn *websocket.Conn

	client *session.Client
	live   *liveSession

	// opus decodes this connection's microphone stream. Decoder state is
	// per stream, so it lives here and not on the session.
	opus *audio.OpusDecoder
}

// HandleVoiceWS upgrades the request and serves the Pulsegate wire protocol
// until the connection drops.
func (g *Gateway) HandleVoiceWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.cfg.AllowedOrigins,
	})
	if err != nil {
		slog.Warn("gateway: websocket accept", "error", err)
		return
	}
	// The transport limit sits above the protocol cap so an oversized frame
	// still arrives and can be answered with an error before the close.
	conn.SetReadLimit(g.cfg.MaxPayloadBytes + 1024)

	wc := &wsClient{g: g, conn: conn}
	wc.serve(r.Context())
}

func (wc *wsClient) serve(ctx context.Context) {
	defer wc.finish()
	for {
		typ, data, err := wc.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			wc.sendError("validation: binary frames not supported")
			continue
		}
		if int64(len(data)) > wc.g.cfg.MaxPayloadBytes {
			wc.sendError("validation: payload exceeds limit")
			wc.conn.Close(websocket.StatusMessageTooBig, "payload too large")
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			wc.sendError("validation: " + err.Error())
			continue
		}
		wc.g.metrics.RecordMessage(context.Background(), msg.Type)
		wc.dispatch(msg)
	}
}

func (wc *wsClient) dispatch(msg *protocol.ClientMessage) {
	if msg.Type == protocol.TypeJoin {
		wc.handleJoin(msg)
		return
	}
	if wc.client == nil {
		wc.sendError("validation: join first")
		return
	}
	s := wc.live
	switch msg.Type {
	case protocol.TypeStartSpeaking:
		wc.handleStartSpeaking(s, msg)
	case protocol.TypeStopSpeaking:
		wc.handleStopSpeaking(s, msg)
	case protocol.TypeDoctorAudio:
		wc.handleDoctorAudio(s, msg)
	case protocol.TypeVoiceCommand:
		wc.handleCommand(s, msg)
	case protocol.TypeSetScenario:
		wc.handleSetScenario(s, msg)
	case protocol.TypeAnalyzeTranscript:
		wc.handleAnalyze(s, msg)
	case protocol.TypePing:
		wc.sendTo(wc.client, protocol.NewPong(s.id))
	default:
		wc.sendError("validation: unknown message type " + msg.Type)
	}
}

// finish detaches the connection: registry leave, speaking cleared for the
// room, gauges updated. The session itself stays up for the grace window.
func (wc *wsClient) finish() {
	if wc.client == nil {
		wc.conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	wc.g.registry.Leave(wc.client)
	wc.g.metrics.ActiveClients.Add(context.Background(), -1)
	if s := wc.g.live(wc.client.SessionID); s != nil {
		s.broadcast(protocol.NewParticipantState(s.id, wc.client.UserID, false, ""))
	}
}

// ── join ───────────────────────────────────────────────────────────────────

func (wc *wsClient) handleJoin(msg *protocol.ClientMessage) {
	if wc.client != nil {
		wc.sendError("validation: already joined")
		return
	}
	if msg.UserID == "" {
		wc.sendError("validation: userId required")
		return
	}
	client, err := wc.g.registry.Join(wsConn{wc.conn}, msg.SessionID, msg.UserID, msg.Role, msg.DisplayName, msg.AuthToken)
	switch {
	case errors.Is(err, session.ErrAuthRequired):
		wc.sendError("auth: presenter token required")
		wc.conn.Close(websocket.StatusPolicyViolation, "auth required")
		return
	case errors.Is(err, session.ErrSessionFull):
		wc.sendError("auth: session full")
		wc.conn.Close(websocket.StatusTryAgainLater, "session full")
		return
	case errors.Is(err, session.ErrInvalidSession):
		wc.sendError("validation: invalid session id")
		return
	case err != nil:
		wc.sendError("internal: join failed")
		return
	}

	live, err := wc.g.ensureSession(msg.SessionID)
	if err != nil {
		wc.g.registry.Leave(client)
		wc.sendError("internal: " + err.Error())
		return
	}
	wc.client = client
	wc.live = live
	wc.g.metrics.ActiveClients.Add(context.Background(), 1)

	live.lock("join", func() {
		wc.sendTo(client, protocol.NewJoined(live.id, client.Role))
		wc.sendTo(client, protocol.NewSimState(live.snapshotState(), live.engine.Definition().StageIDs()))
		pState, pName := live.patientSnapshot()
		wc.sendTo(client, protocol.NewPatientState(live.id, pState, triggers.CharacterPatient, pName))
		for _, other := range wc.g.registry.Clients(live.id) {
			if other.UserID != client.UserID && other.Speaking() {
				wc.sendTo(client, protocol.NewParticipantState(live.id, other.UserID, true, ""))
			}
		}
		live.broadcast(protocol.NewParticipantState(live.id, client.UserID, false, ""))
	})
}

// ── speaking ───────────────────────────────────────────────────────────────

func (wc *wsClient) handleStartSpeaking(s *liveSession, msg *protocol.ClientMessage) {
	c := wc.client
	s.lock("start-speaking", func() {
		if s.muted[c.UserID] {
			wc.sendError("policy: you are muted")
			return
		}
		s.lastSpeaker = c.UserID
		c.SetSpeaking(true)
		s.broadcast(protocol.NewParticipantState(s.id, c.UserID, true, msg.Character))
		s.setPatient(protocol.PatientListening)
		if s.voice != nil && !s.paused && !s.fallbackActive() {
			// Barge-in: the doctor talking over the patient cancels the
			// in-flight response.
			if err := s.voice.CancelResponse(); err != nil {
				slog.Debug("gateway: cancel response", "session_id", s.id, "error", err)
			}
		}
	})
}

func (wc *wsClient) handleStopSpeaking(s *liveSession, msg *protocol.ClientMessage) {
	c := wc.client
	s.lock("stop-speaking", func() {
		c.SetSpeaking(false)
		s.broadcast(protocol.NewParticipantState(s.id, c.UserID, false, msg.Character))
		if s.voice != nil && !s.paused && !s.fallbackActive() {
			if err := s.voice.CommitAudio(); err != nil {
				slog.Debug("gateway: commit audio", "session_id", s.id, "error", err)
				return
			}
			if err := s.voice.CreateResponse(); err != nil {
				slog.Debug("gateway: create response", "session_id", s.id, "error", err)
			}
		}
	})
}

// ── doctor audio ───────────────────────────────────────────────────────────

func (wc *wsClient) handleDoctorAudio(s *liveSession, msg *protocol.ClientMessage) {
	if msg.AudioBase64 == "" {
		wc.sendError("validation: audioBase64 required")
		return
	}
	var send bool
	s.lock("doctor-audio", func() {
		send = s.voice != nil && !s.muted[wc.client.UserID] && !s.paused && !s.fallbackActive()
	})
	if !send {
		return
	}

	// Chaos knobs simulate a flaky classroom network. Zeroed in production.
	if d := wc.g.cfg.ChaosDropPct; d > 0 && wc.g.roll() < d {
		return
	}
	if l := wc.g.cfg.ChaosLatency; l > 0 {
		time.Sleep(l)
	}

	raw, err := base64.StdEncoding.DecodeString(msg.AudioBase64)
	if err != nil {
		wc.sendError("validation: audioBase64 is not valid base64")
		return
	}
	pcm, err := wc.toUpstreamPCM(raw, msg.ContentType)
	if err != nil {
		wc.sendError("validation: " + err.Error())
		return
	}
	if err := s.voice.SendAudioChunk(pcm); err != nil {
		slog.Debug("gateway: send audio", "session_id", s.id, "error", err)
	}
}

// toUpstreamPCM converts one microphone chunk to the 24 kHz mono PCM16 the
// upstream expects. Browsers send either that directly or 48 kHz stereo Opus.
func (wc *wsClient) toUpstreamPCM(raw []byte, contentType string) ([]byte, error) {
	if !strings.Contains(strings.ToLower(contentType), "opus") {
		return raw, nil
	}
	if wc.opus == nil {
		dec, err := audio.NewOpusDecoder()
		if err != nil {
			return nil, err
		}
		wc.opus = dec
	}
	pcm, err := wc.opus.Decode(raw)
	if err != nil {
		return nil, err
	}
	mono := audio.StereoToMono(pcm)
	return audio.ResampleMono16(mono, audio.OpusSampleRate, 24000), nil
}

// ── scenario and analysis ──────────────────────────────────────────────────

func (wc *wsClient) handleSetScenario(s *liveSession, msg *protocol.ClientMessage) {
	if wc.client.Role != sim.RolePresenter {
		wc.sendError("policy: presenter role required")
		return
	}
	def, ok := scenario.Get(msg.ScenarioID)
	if !ok {
		wc.sendError("validation: unknown scenario " + msg.ScenarioID)
		return
	}
	s.lock("set-scenario", func() {
		s.resetScenario(def, wc.g.now())
		s.broadcast(protocol.NewScenarioChanged(s.id, def.ID))
		s.pushState()
	})
	slog.Info("gateway: scenario set", "session_id", s.id, "scenario", def.ID, "by", wc.client.UserID)
}

func (wc *wsClient) handleAnalyze(s *liveSession, msg *protocol.ClientMessage) {
	if len(msg.Turns) == 0 {
		wc.sendError("validation: no transcript turns")
		return
	}
	turns := make([]analysis.Turn, len(msg.Turns))
	for i, t := range msg.Turns {
		turns[i] = analysis.Turn{Role: t.Role, Text: t.Text}
	}
	an := wc.g.analyzer
	if s.budget.IsHardLimitHit() {
		// Past the hard budget the debrief still happens, just without
		// another model call.
		an = wc.g.heuristic
	}
	client := wc.client
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		start := time.Now()
		rep, err := an.Analyze(ctx, turns)
		wc.g.metrics.AnalysisDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			wc.sendTo(client, protocol.NewError("internal: analysis failed"))
			return
		}
		s.broadcast(protocol.NewAnalysisResult(s.id, rep.Summary, rep.Strengths, rep.Opportunities, rep.TeachingPoints))
		s.logEvent("analysis.completed", map[string]any{"turns": len(turns)})
	}()
}

// ── outbound helpers ───────────────────────────────────────────────────────

func (wc *wsClient) sendTo(c *session.Client, m *protocol.ServerMessage) {
	data, err := m.Encode()
	if err != nil {
		slog.Error("gateway: encode message", "type", m.Type, "error", err)
		return
	}
	c.Send(data)
}

// sendError responds on whatever path the connection has: the registry
// writer once joined, a direct bounded write before that.
func (wc *wsClient) sendError(text string) {
	m := protocol.NewError(text)
	if wc.client != nil {
		wc.sendTo(wc.client, m)
		return
	}
	data, err := m.Encode()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	_ = wc.conn.Write(ctx, websocket.MessageText, data)
}
