// Package triggers selects scripted character lines for complex scenarios.
//
// Each scenario carries three trigger pools (nurse, parent, patient) whose
// entries predicate on the live sim state and session elapsed time. One pass
// returns at most one line: the nurse pool wins outright in priority order,
// while parent and patient lines only speak on a 30 % roll so the room does
// not turn into a radio play.
//
// Fire history is session-scoped and in-memory; it does not survive a
// session rebuild.
package triggers

import (
	"math/rand/v2"

	"github.com/medrill/pulsegate/internal/scenario"
	"github.com/medrill/pulsegate/internal/sim"
)

// speakChance gates the parent and patient pools per pass.
const speakChance = 0.3

// Character ids used to tag dispatched lines. These match the scenario
// roster ids so the session can resolve display names and voices.
const (
	CharacterNurse   = "nurse"
	CharacterParent  = "parent"
	CharacterPatient = "patient"
)

// Fire is the one line selected by a pass.
type Fire struct {
	TriggerID string
	Character string
	Line      string
	Priority  sim.LinePriority
}

type fireRecord struct {
	lastFired int64
	count     int
}

// Engine evaluates one scenario's trigger pools. Not safe for concurrent
// use; callers hold the session lock.
type Engine struct {
	set     scenario.TriggerSet
	roll    func() float64
	history map[string]*fireRecord
}

// New returns a trigger engine over the scenario's pools.
func New(set scenario.TriggerSet) *Engine {
	return &Engine{
		set:     set,
		roll:    rand.Float64,
		history: make(map[string]*fireRecord),
	}
}

// Next runs one evaluation pass and records the returned line as fired.
// elapsedMs is time since scenario start.
func (e *Engine) Next(st *sim.SimState, elapsedMs, nowMs int64) (Fire, bool) {
	if nurse := e.candidates(e.set.Nurse, st, elapsedMs, nowMs); len(nurse) > 0 {
		best := nurse[0]
		for _, c := range nurse[1:] {
			if c.Priority.Rank() < best.Priority.Rank() {
				best = c
			}
		}
		return e.fire(best, CharacterNurse, nowMs), true
	}
	if parent := e.candidates(e.set.Parent, st, elapsedMs, nowMs); len(parent) > 0 && e.roll() < speakChance {
		return e.fire(parent[0], CharacterParent, nowMs), true
	}
	if patient := e.candidates(e.set.Patient, st, elapsedMs, nowMs); len(patient) > 0 && e.roll() < speakChance {
		return e.fire(patient[0], CharacterPatient, nowMs), true
	}
	return Fire{}, false
}

// candidates filters a pool down to entries off cooldown, under their fire
// cap, and currently satisfied.
func (e *Engine) candidates(pool []scenario.CharacterTrigger, st *sim.SimState, elapsedMs, nowMs int64) []*scenario.CharacterTrigger {
	var out []*scenario.CharacterTrigger
	for i := range pool {
		t := &pool[i]
		if rec := e.history[t.ID]; rec != nil {
			if t.MaxFires > 0 && rec.count >= t.MaxFires {
				continue
			}
			if t.CooldownMs > 0 && nowMs-rec.lastFired < t.CooldownMs {
				continue
			}
		}
		if t.Condition != nil && t.Condition(st, elapsedMs) {
			out = append(out, t)
		}
	}
	return out
}

func (e *Engine) fire(t *scenario.CharacterTrigger, character string, nowMs int64) Fire {
	rec := e.history[t.ID]
	if rec == nil {
		rec = &fireRecord{}
		e.history[t.ID] = rec
	}
	rec.lastFired = nowMs
	rec.count++
	return Fire{
		TriggerID: t.ID,
		Character: character,
		Line:      t.Line,
		Priority:  t.Priority,
	}
}

// FireCount reports how often a trigger has fired this session.
func (e *Engine) FireCount(id string) int {
	if rec := e.history[id]; rec != nil {
		return rec.count
	}
	return 0
}
