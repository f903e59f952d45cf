package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/medrill/pulsegate/internal/budget"
	"github.com/medrill/pulsegate/internal/engine"
	"github.com/medrill/pulsegate/internal/engine/rules"
	"github.com/medrill/pulsegate/internal/engine/triggers"
	"github.com/medrill/pulsegate/internal/orders"
	"github.com/medrill/pulsegate/internal/protocol"
	"github.com/medrill/pulsegate/internal/scenario"
	"github.com/medrill/pulsegate/internal/sim"
	"github.com/medrill/pulsegate/internal/telemetry"
	"github.com/medrill/pulsegate/internal/voice"
)

// liveSession is everything one running simulation owns besides its
// websocket clients: the scenario engine and its rule, trigger and alarm
// satellites, the diagnostic-order handler, the cost controller, and the
// upstream voice connection.
//
// Fields below the lock comment are guarded by the session's entry in the
// gateway's lock registry, never by a local mutex, so ticks, commands,
// treatments and voice callbacks serialise with each other. The avatar
// fields have their own leaf mutex because the voice receive goroutine
// updates them and must not block.
type liveSession struct {
	id string
	gw *Gateway

	budget *budget.Controller

	voice     *voice.Client
	reconnect *voice.Reconnector

	// Guarded by the session lock.
	engine        *engine.Engine
	rules         *rules.Engine
	trig          *triggers.Engine
	orders        *orders.Handler
	paused        bool
	frozen        bool
	voiceDown     bool
	muted         map[string]bool
	lastSpeaker   string
	pending       *orders.ParsedOrder
	pushDoseReady bool
	alarmSeen     map[telemetry.Kind]*telemetry.State

	patientMu   sync.Mutex
	patient     protocol.PatientState
	patientName string

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func newLiveSession(g *Gateway, sessionID string, def *scenario.Definition) *liveSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &liveSession{
		id:      sessionID,
		gw:      g,
		muted:   make(map[string]bool),
		patient: protocol.PatientIdle,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.budget = budget.NewController(budget.Config{
		USDPerToken: g.cfg.USDPerToken,
		SoftUSD:     g.cfg.SoftBudgetUSD,
		HardUSD:     g.cfg.HardBudgetUSD,
		OnSoftLimit: func() { go s.onSoftBudget() },
		OnHardLimit: func() { go s.onHardBudget() },
	})
	s.installScenario(def, g.now())
	if g.cfg.Voice.APIKey == "" {
		// No upstream configured: the session runs on deterministic lines
		// from the start.
		s.voiceDown = true
		s.engine.SetFallback(true)
	} else {
		s.startVoice(def)
	}
	go s.run()
	return s
}

// installScenario swaps in a fresh engine stack for def. The budget
// controller, mute list and pause flag survive; everything scenario-scoped
// resets. Caller holds the session lock, or is the constructor.
func (s *liveSession) installScenario(def *scenario.Definition, nowMs int64) {
	sink := engine.SinkFunc(func(ev sim.Event) {
		s.gw.writer.QueueEvent(s.id, ev)
		s.recordEventMetrics(ev)
	})
	s.engine = engine.New(s.id, def, nowMs, sink)
	s.rules = rules.New(def)
	s.trig = triggers.New(def.Triggers)
	s.orders = orders.NewHandler(orders.Deps{
		Lock:      s.lock,
		Engine:    s.engine,
		Speak:     s.speak,
		Broadcast: s.broadcastState,
		Persist:   s.persistState,
		Schedule:  s.gw.schedule,
		Now:       s.gw.now,
	})
	s.alarmSeen = make(map[telemetry.Kind]*telemetry.State)
	s.pending = nil
	s.pushDoseReady = false
	s.frozen = false

	s.patientMu.Lock()
	s.patientName = def.Demographics.Name
	s.patientMu.Unlock()
}

// resetScenario is installScenario plus the voice-side updates: new persona
// instructions and fallback recomputation. Caller holds the session lock.
func (s *liveSession) resetScenario(def *scenario.Definition, nowMs int64) {
	s.installScenario(def, nowMs)
	s.applyFallback()
	if s.voice != nil {
		if err := s.voice.UpdateInstructions(personaInstructions(def)); err != nil {
			slog.Warn("gateway: update instructions", "session_id", s.id, "error", err)
		}
	}
	s.logEvent("scenario.changed", map[string]any{"scenarioId": def.ID})
}

// ── voice wiring ───────────────────────────────────────────────────────────

func (s *liveSession) startVoice(def *scenario.Definition) {
	vcfg := s.gw.cfg.Voice
	vcfg.Instructions = personaInstructions(def)
	if ch, ok := def.Character(triggers.CharacterPatient); ok && ch.Voice != "" {
		vcfg.Voice = ch.Voice
	}
	if vcfg.Breaker == nil {
		vcfg.Breaker = s.gw.breaker
	}
	client, err := voice.NewClient(vcfg, voice.Callbacks{
		OnAudioOut:        s.onPatientAudio,
		OnTranscriptDelta: s.onPatientTranscript,
		OnInputTranscript: s.onDoctorTranscript,
		OnToolIntent:      s.onToolIntent,
		OnUsage:           s.onUsage,
		OnDisconnect:      s.onVoiceDisconnect,
	})
	if err != nil {
		slog.Error("gateway: voice client", "session_id", s.id, "error", err)
		s.voiceDown = true
		s.engine.SetFallback(true)
		return
	}
	s.voice = client
	s.reconnect = voice.NewReconnector(voice.ReconnectorConfig{
		Client:      client,
		OnReconnect: s.onVoiceReconnect,
	})
	go s.reconnect.Monitor(s.ctx)

	// Dial off the construction path. The session stays out of fallback
	// until the dial fails so a healthy start does not flash the banner.
	go func() {
		if err := client.Connect(s.ctx); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			slog.Warn("gateway: voice connect", "session_id", s.id, "error", err)
			s.gw.metrics.RecordUpstreamError(s.ctx, "voice", "connect")
			s.lock("voice-down", func() { s.setVoiceDown(true) })
			s.reconnect.NotifyDisconnect()
			return
		}
		s.logEvent(sim.EventRealtimeConnected, nil)
	}()
}

// personaInstructions renders the patient prompt for the upstream session.
func personaInstructions(def *scenario.Definition) string {
	d := def.Demographics
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a %d-year-old patient (%s) in a pediatric emergency simulation. ",
		d.Name, d.AgeMonths/12, d.Pronouns)
	fmt.Fprintf(&b, "Case: %s. %s ", def.Title, def.Description)
	b.WriteString("Stay in character as the patient at all times and speak in short, natural sentences that match how you feel right now. ")
	b.WriteString("Never name a diagnosis, never break character, and let the team examine you. ")
	b.WriteString("Use the scenario tools to reveal findings or adjust state instead of narrating them yourself.")
	return b.String()
}

// setVoiceDown records upstream availability and recomputes fallback.
// Caller holds the session lock.
func (s *liveSession) setVoiceDown(down bool) {
	if s.voiceDown == down {
		return
	}
	s.voiceDown = down
	s.applyFallback()
	s.pushState()
}

// applyFallback derives the fallback flag from its two sources: upstream
// availability and the hard budget. Caller holds the session lock.
func (s *liveSession) applyFallback() {
	s.engine.SetFallback(s.voiceDown || s.budget.IsHardLimitHit())
}

// fallbackActive reports whether upstream voice is suppressed. Caller holds
// the session lock.
func (s *liveSession) fallbackActive() bool {
	return s.voiceDown || s.budget.IsHardLimitHit()
}

func (s *liveSession) onVoiceDisconnect(err error) {
	s.gw.metrics.RecordUpstreamError(context.Background(), "voice", "disconnect")
	s.logEvent(sim.EventRealtimeDisconnected, map[string]any{"error": errText(err)})
	go func() {
		s.lock("voice-down", func() { s.setVoiceDown(true) })
		if s.reconnect != nil {
			s.reconnect.NotifyDisconnect()
		}
	}()
}

func (s *liveSession) onVoiceReconnect() {
	s.logEvent(sim.EventRealtimeConnected, map[string]any{"reconnected": true})
	go s.lock("voice-up", func() { s.setVoiceDown(false) })
}

func (s *liveSession) onUsage(inputTokens, outputTokens int) {
	s.budget.AddUsage(budget.Usage{InputTokens: inputTokens, OutputTokens: outputTokens})
}

func (s *liveSession) onSoftBudget() {
	slog.Warn("gateway: soft budget crossed", "session_id", s.id, "usd", s.budget.USDEstimate())
	s.logEvent(sim.EventBudgetSoft, map[string]any{"usd": s.budget.USDEstimate()})
	s.lock("budget-soft", func() { s.pushState() })
}

func (s *liveSession) onHardBudget() {
	slog.Warn("gateway: hard budget crossed, entering fallback", "session_id", s.id, "usd", s.budget.USDEstimate())
	s.logEvent(sim.EventBudgetHard, map[string]any{"usd": s.budget.USDEstimate()})
	s.lock("budget-hard", func() {
		s.applyFallback()
		s.pushState()
	})
}

// onPatientAudio relays synthesized speech. Suppressed past the hard budget:
// the session keeps running but the patient falls silent upstream.
func (s *liveSession) onPatientAudio(pcm []byte) {
	if s.budget.IsHardLimitHit() {
		return
	}
	b64 := base64.StdEncoding.EncodeToString(pcm)
	s.broadcast(protocol.NewPatientAudio(s.id, b64, triggers.CharacterPatient))
	s.setPatient(protocol.PatientSpeaking)
}

func (s *liveSession) onPatientTranscript(text string, final bool) {
	if s.budget.IsHardLimitHit() {
		return
	}
	if final {
		s.setPatient(protocol.PatientIdle)
		if text != "" {
			s.gw.metrics.RecordCharacterLine(context.Background(), triggers.CharacterPatient)
		}
		return
	}
	if text != "" {
		s.broadcast(protocol.NewTranscriptDelta(s.id, text, triggers.CharacterPatient))
		s.setPatient(protocol.PatientSpeaking)
	}
}

func (s *liveSession) onDoctorTranscript(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	go s.lock("doctor-transcript", func() {
		s.broadcast(protocol.NewDoctorUtterance(s.id, s.lastSpeaker, text, ""))
		if s.recordSpokenActions(text) {
			s.broadcastState()
		}
	})
}

// spokenActions maps history-taking phrases onto the learner actions that
// stage transitions consult.
var spokenActions = []struct {
	action   string
	keywords []string
}{
	{scenario.ActionAskedAboutExertion, []string{"exert", "exercis", "running", "during sports"}},
	{scenario.ActionStandTest, []string{"stand up for me", "try standing", "orthostatic"}},
	{scenario.ActionAskedFamilyHistory, []string{"family history", "anyone in your family", "in the family"}},
}

// recordSpokenActions scans recognised doctor speech for history-taking
// actions. Caller holds the session lock.
func (s *liveSession) recordSpokenActions(text string) bool {
	lower := strings.ToLower(text)
	changed := false
	for _, sa := range spokenActions {
		for _, kw := range sa.keywords {
			if strings.Contains(lower, kw) {
				if s.engine.RecordAction(sa.action) {
					changed = true
				}
				break
			}
		}
	}
	return changed
}

func (s *liveSession) onToolIntent(intent sim.Intent) {
	go s.lock("tool-intent", func() { s.handleToolIntent(intent) })
}

// handleToolIntent runs one model tool call through the gate. Rejections
// surface to presenters only; the room never sees the plumbing.
func (s *liveSession) handleToolIntent(intent sim.Intent) {
	nowMs := s.gw.now()
	s.logEvent(sim.EventIntentReceived, map[string]any{"intent": string(intent.Type)})

	stage, ok := s.engine.Definition().Stage(s.engine.State().StageID)
	if !ok {
		return
	}
	dec := s.gw.gate.Validate(s.id, stage, intent, time.UnixMilli(nowMs))
	if !dec.Allowed {
		s.logEvent(sim.EventIntentRejected, map[string]any{"intent": string(intent.Type), "reason": dec.Reason})
		s.gw.metrics.RecordIntent(s.ctx, string(intent.Type), "rejected")
		s.sendPresenters(protocol.NewError("tool intent rejected: " + dec.Reason))
		return
	}
	s.logEvent(sim.EventIntentApproved, map[string]any{"intent": string(intent.Type)})

	changed, err := s.engine.ApplyIntent(intent, nowMs)
	if err != nil {
		s.gw.metrics.RecordIntent(s.ctx, string(intent.Type), "failed")
		s.sendPresenters(protocol.NewError("tool intent failed: " + err.Error()))
		return
	}
	s.gw.metrics.RecordIntent(s.ctx, string(intent.Type), "approved")
	s.logEvent(sim.EventIntentApplied, map[string]any{"intent": string(intent.Type)})
	if changed {
		s.pushState()
	}
}

// ── heartbeat ──────────────────────────────────────────────────────────────

func (s *liveSession) run() {
	t := time.NewTicker(s.gw.cfg.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			// Opportunistic: a session busy with a treatment skips the tick
			// and the next one picks up the full elapsed delta.
			_, err := s.gw.locks.TryWith(s.id, "tick", func() error {
				s.tick(s.gw.now())
				return nil
			})
			if err != nil {
				slog.Error("gateway: tick", "session_id", s.id, "error", err)
			}
		}
	}
}

// tick advances the session: engine drift and transitions, scenario hooks,
// rules, character triggers, monitor alarms, then one state push if anything
// observable moved. Caller holds the session lock.
func (s *liveSession) tick(nowMs int64) {
	if s.frozen {
		return
	}
	start := time.Now()
	changed := s.engine.Tick(nowMs)
	if s.scenarioHooks(nowMs) {
		changed = true
	}
	if s.runRules(nowMs) {
		changed = true
	}
	s.runTriggers(nowMs)
	s.runAlarms(nowMs)
	if changed {
		s.pushState()
	}
	s.gw.metrics.TickDuration.Record(s.ctx, time.Since(start).Seconds())
}

// scenarioHooks runs the variant-specific per-tick adjustments that sit
// outside the declarative rule tables.
func (s *liveSession) scenarioHooks(nowMs int64) bool {
	st := s.engine.State()
	switch {
	case st.Extended == nil:
		return false
	case st.Extended.SVT != nil:
		return s.svtHooks(st, nowMs)
	case st.Extended.Myocarditis != nil:
		return s.myoHooks(st, nowMs)
	}
	return false
}

// runRules evaluates the rule table, applies the aggregate, and keeps the
// stage graph in step with the extended state. The stage sync runs even on
// an empty pass: treatments mutate extended state before calling here.
// Caller holds the session lock.
func (s *liveSession) runRules(nowMs int64) bool {
	res := s.rules.Pass(s.engine.State(), nowMs)
	changed := len(res.Fired) > 0 || res.FlagsChanged || res.Phase != "" ||
		res.ShockStage != 0 || res.StabilityLevel != 0 || res.CodeBlue
	if s.engine.ApplyVitalsAdjustment(res.Vitals) {
		changed = true
	}
	if res.NurseLine != "" {
		s.speak(triggers.CharacterNurse, res.NurseLine)
	}
	if s.syncStage(nowMs) {
		changed = true
	}
	for _, id := range res.Fired {
		s.logEvent("rule.fired", map[string]any{"rule": id})
	}
	return changed
}

// syncStage maps extended-state milestones (phases, shock stage, stability)
// onto the coarse stage graph so stage baselines and exam text follow the
// physiology.
func (s *liveSession) syncStage(nowMs int64) bool {
	st := s.engine.State()
	switch {
	case st.Extended == nil:
		return false
	case st.Extended.SVT != nil:
		return s.syncSVTStage(st, nowMs)
	case st.Extended.Myocarditis != nil:
		return s.syncMyoStage(st, nowMs)
	}
	return false
}

func (s *liveSession) runTriggers(nowMs int64) {
	st := s.engine.State()
	fire, ok := s.trig.Next(st, nowMs-st.ScenarioStartedAt, nowMs)
	if !ok {
		return
	}
	s.speak(fire.Character, fire.Line)
}

// runAlarms checks sustained-vitals alarms while the monitor is on and has
// the nurse voice them.
func (s *liveSession) runAlarms(nowMs int64) {
	st := s.engine.State()
	if !st.Telemetry {
		return
	}
	alarms := telemetry.CheckAlarms(s.alarmSeen, st.Vitals, s.engine.Definition().Demographics.AgeMonths, nowMs)
	for _, a := range alarms {
		s.speak(triggers.CharacterNurse, a.Message)
	}
}

// ── outbound ───────────────────────────────────────────────────────────────

// speak broadcasts one scripted character line. Deterministic lines flow in
// fallback too; only upstream audio is suppressed.
func (s *liveSession) speak(character, line string) {
	if line == "" {
		return
	}
	s.broadcast(protocol.NewTranscriptDelta(s.id, line, character))
	s.gw.metrics.RecordCharacterLine(context.Background(), character)
}

// snapshotState clones the state with a fresh budget block. Caller holds the
// session lock.
func (s *liveSession) snapshotState() *sim.SimState {
	s.engine.SetBudget(s.budget.Snapshot())
	return s.engine.Snapshot()
}

// broadcastState pushes sim_state to every client. Caller holds the session
// lock.
func (s *liveSession) broadcastState() {
	s.broadcast(protocol.NewSimState(s.snapshotState(), s.engine.Definition().StageIDs()))
}

// persistState queues the state upsert. Caller holds the session lock.
func (s *liveSession) persistState() {
	s.gw.writer.QueueState(s.id, s.snapshotState())
}

// pushState is broadcast plus persist, the usual pair after a mutation.
func (s *liveSession) pushState() {
	s.broadcastState()
	s.persistState()
}

func (s *liveSession) broadcast(m *protocol.ServerMessage) {
	data, err := m.Encode()
	if err != nil {
		slog.Error("gateway: encode broadcast", "session_id", s.id, "type", m.Type, "error", err)
		return
	}
	s.gw.registry.Broadcast(s.id, data)
}

func (s *liveSession) sendPresenters(m *protocol.ServerMessage) {
	data, err := m.Encode()
	if err != nil {
		slog.Error("gateway: encode presenter message", "session_id", s.id, "type", m.Type, "error", err)
		return
	}
	s.gw.registry.BroadcastToPresenters(s.id, data)
}

func (s *liveSession) setPatient(p protocol.PatientState) {
	s.patientMu.Lock()
	if s.patient == p {
		s.patientMu.Unlock()
		return
	}
	s.patient = p
	name := s.patientName
	s.patientMu.Unlock()
	s.broadcast(protocol.NewPatientState(s.id, p, triggers.CharacterPatient, name))
}

func (s *liveSession) patientSnapshot() (protocol.PatientState, string) {
	s.patientMu.Lock()
	defer s.patientMu.Unlock()
	return s.patient, s.patientName
}

func (s *liveSession) logEvent(typ string, payload map[string]any) {
	s.gw.writer.QueueEvent(s.id, sim.Event{Type: typ, Payload: payload})
}

// recordEventMetrics derives counters from the engine's own event stream so
// order accounting stays in one place.
func (s *liveSession) recordEventMetrics(ev sim.Event) {
	typ, _ := ev.Payload["type"].(string)
	switch ev.Type {
	case sim.EventOrderCreated:
		s.gw.metrics.RecordOrder(context.Background(), typ, "created")
	case sim.EventOrderDuplicate:
		s.gw.metrics.RecordOrder(context.Background(), typ, "duplicate")
	case sim.EventOrderCompleted:
		s.gw.metrics.RecordOrder(context.Background(), typ, "completed")
	}
}

// lock runs fn under the session's state lock.
func (s *liveSession) lock(tag string, fn func()) {
	err := s.gw.locks.With(s.ctx, s.id, tag, func() error {
		fn()
		return nil
	})
	if err != nil && s.ctx.Err() == nil {
		slog.Error("gateway: session lock", "session_id", s.id, "tag", tag, "error", err)
	}
}

// shutdown stops the heartbeat, closes the upstream connection, and queues a
// final state write.
func (s *liveSession) shutdown() {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.reconnect != nil {
			s.reconnect.Stop()
		}
		if s.voice != nil {
			if err := s.voice.Close(); err != nil {
				slog.Debug("gateway: voice close", "session_id", s.id, "error", err)
			}
		}
		// The session context is gone; take the lock fresh for the last
		// persistence pass.
		_ = s.gw.locks.With(context.Background(), s.id, "teardown", func() error {
			s.persistState()
			return nil
		})
	})
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
