// Package toolgate is the policy check between the upstream model and the
// scenario engine. Every proposed intent passes through Validate before it may
// touch session state; the gate enforces the stage's intent allowlist, a
// per-session rate limit on vitals updates, and sanity bounds on proposed
// vitals values.
package toolgate

import (
	"sync"
	"time"

	"github.com/medrill/pulsegate/internal/scenario"
	"github.com/medrill/pulsegate/internal/sim"
)

// Rejection reasons returned in Decision.Reason. These strings travel to the
// upstream model verbatim so it can rephrase or drop the tool call.
const (
	ReasonNotAllowedInStage = "intent_not_allowed_in_stage"
	ReasonVitalsRateLimited = "vitals_rate_limited"
	ReasonInvalidVitals     = "invalid_vitals_delta"
	ReasonMissingStage      = "missing_stage"
	ReasonInvalidFinding    = "invalid_finding"
	ReasonInvalidEmotion    = "invalid_emotion"
	ReasonUnknownIntent     = "unknown_intent"
)

// DefaultVitalsInterval is the minimum spacing between accepted vitals
// updates on one session.
const DefaultVitalsInterval = 10 * time.Second

// boundsSlack widens each clinical limit so the model may propose transiently
// out-of-range values; the engine clamps them on application.
const boundsSlack = 50

// vitalLimits are the clinical ranges checked against proposed values.
// Systolic/diastolic targets are unchecked here; the engine floors them.
var vitalLimits = []struct {
	min, max float64
	value    func(*sim.VitalsTarget) *float64
}{
	{20, 240, func(t *sim.VitalsTarget) *float64 { return t.HR }},
	{5, 80, func(t *sim.VitalsTarget) *float64 { return t.RR }},
	{50, 100, func(t *sim.VitalsTarget) *float64 { return t.SpO2 }},
	{90, 110, func(t *sim.VitalsTarget) *float64 { return t.TempF }},
}

// Decision is the outcome of a gate check.
type Decision struct {
	Allowed bool
	Reason  string
}

func deny(reason string) Decision {
	return Decision{Reason: reason}
}

// Gate holds the per-session rate-limit records. Safe for concurrent use.
type Gate struct {
	interval time.Duration

	mu         sync.Mutex
	lastVitals map[string]time.Time
}

// New returns a gate with the given vitals-update interval. A non-positive
// interval selects DefaultVitalsInterval.
func New(interval time.Duration) *Gate {
	if interval <= 0 {
		interval = DefaultVitalsInterval
	}
	return &Gate{
		interval:   interval,
		lastVitals: make(map[string]time.Time),
	}
}

// Validate checks one proposed intent against the current stage and the
// session's rate-limit record. Only an allowed vitals update consumes the
// rate-limit slot; a rejected one leaves the record untouched.
func (g *Gate) Validate(sessionID string, stage *scenario.Stage, intent sim.Intent, now time.Time) Decision {
	if !intent.Type.IsValid() {
		return deny(ReasonUnknownIntent)
	}
	if !stage.AllowsIntent(intent.Type) {
		return deny(ReasonNotAllowedInStage)
	}
	switch intent.Type {
	case sim.IntentUpdateVitals:
		return g.validateVitals(sessionID, intent.Vitals, now)
	case sim.IntentAdvanceStage:
		if intent.StageID == "" {
			return deny(ReasonMissingStage)
		}
	case sim.IntentRevealFinding:
		if intent.FindingID == "" {
			return deny(ReasonInvalidFinding)
		}
	case sim.IntentSetEmotion:
		if intent.Emotion == "" {
			return deny(ReasonInvalidEmotion)
		}
	}
	return Decision{Allowed: true}
}

func (g *Gate) validateVitals(sessionID string, target *sim.VitalsTarget, now time.Time) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.lastVitals[sessionID]; ok && now.Sub(last) < g.interval {
		return deny(ReasonVitalsRateLimited)
	}
	if target == nil || target.IsZero() {
		return deny(ReasonInvalidVitals)
	}
	for _, lim := range vitalLimits {
		v := lim.value(target)
		if v == nil {
			continue
		}
		if *v < lim.min-boundsSlack || *v > lim.max+boundsSlack {
			return deny(ReasonInvalidVitals)
		}
	}
	g.lastVitals[sessionID] = now
	return Decision{Allowed: true}
}

// Forget drops the rate-limit record for a session. Called on teardown.
func (g *Gate) Forget(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.lastVitals, sessionID)
}
