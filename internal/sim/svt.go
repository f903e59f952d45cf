package sim

// SVTPhase tracks progress through the teen SVT case.
type SVTPhase string

const (
	SVTPresentation          SVTPhase = "presentation"
	SVTOnset                 SVTPhase = "svt_onset"
	SVTTreatmentWindow       SVTPhase = "treatment_window"
	SVTCardioversionDecision SVTPhase = "cardioversion_decision"
	SVTDecompensating        SVTPhase = "decompensating"
	SVTConverted             SVTPhase = "converted"
)

// IsValid reports whether p is a recognised SVT phase.
func (p SVTPhase) IsValid() bool {
	switch p {
	case SVTPresentation, SVTOnset, SVTTreatmentWindow,
		SVTCardioversionDecision, SVTDecompensating, SVTConverted:
		return true
	}
	return false
}

// ConversionMethod records what finally broke the SVT.
type ConversionMethod string

const (
	ConvertedByVagal           ConversionMethod = "vagal"
	ConvertedByAdenosineFirst  ConversionMethod = "adenosine_first"
	ConvertedByAdenosineSecond ConversionMethod = "adenosine_second"
	ConvertedByCardioversion   ConversionMethod = "cardioversion"
)

// SVTRhythm is the underlying rhythm, distinct from the display label the
// engine synthesises.
type SVTRhythm string

const (
	RhythmSinus SVTRhythm = "sinus"
	RhythmSVT   SVTRhythm = "svt"
)

// VagalAttempt records one vagal maneuver.
type VagalAttempt struct {
	At int64 `json:"at"`

	// Maneuver is the technique when stated (valsalva, ice, carotid).
	Maneuver string `json:"maneuver,omitempty"`
}

// AdenosineDose records one push. At most two are given; Number is 1 or 2.
type AdenosineDose struct {
	Number     int     `json:"number"`
	At         int64   `json:"at"`
	DoseMg     float64 `json:"doseMg"`
	DosePerKg  float64 `json:"dosePerKg"`
	RapidPush  bool    `json:"rapidPush"`
	FlushGiven bool    `json:"flushGiven"`
}

// CardioversionAttempt records one synchronised (or not) shock.
type CardioversionAttempt struct {
	At            int64   `json:"at"`
	Joules        float64 `json:"joules"`
	JoulesPerKg   float64 `json:"joulesPerKg"`
	Synchronized  bool    `json:"synchronized"`
	SedationGiven bool    `json:"sedationGiven"`
}

// SVTInterventions tracks the one-shot setup actions.
type SVTInterventions struct {
	IVAccess      bool `json:"ivAccess"`
	MonitorOn     bool `json:"monitorOn"`
	SedationGiven bool `json:"sedationGiven"`
	ECGOrdered    bool `json:"ecgOrdered"`
}

// SVTState is the extended state of the teen SVT scenario.
type SVTState struct {
	Phase          SVTPhase `json:"phase"`
	PhaseEnteredAt int64    `json:"phaseEnteredAt"`

	// StabilityLevel runs 1 (stable) to 4 (periarrest).
	StabilityLevel int `json:"stabilityLevel"`

	Rhythm SVTRhythm `json:"rhythm"`

	Converted        bool             `json:"converted"`
	ConversionMethod ConversionMethod `json:"conversionMethod,omitempty"`

	VagalAttempts  []VagalAttempt         `json:"vagalAttempts,omitempty"`
	AdenosineDoses []AdenosineDose        `json:"adenosineDoses,omitempty"`
	Cardioversions []CardioversionAttempt `json:"cardioversions,omitempty"`

	Interventions SVTInterventions `json:"interventions"`

	Consults []string `json:"consults,omitempty"`

	Scoring        Scoring                 `json:"scoring"`
	Timeline       []TimelineEvent         `json:"timeline,omitempty"`
	PendingEffects []PendingEffect         `json:"pendingEffects,omitempty"`
	RuleTriggers   map[string]*RuleTrigger `json:"ruleTriggers,omitempty"`
}

// NewSVTState returns the state at case start.
func NewSVTState(now int64) *SVTState {
	return &SVTState{
		Phase:          SVTPresentation,
		PhaseEnteredAt: now,
		StabilityLevel: 1,
		Rhythm:         RhythmSinus,
	}
}

// EnterPhase moves to the given phase and records it on the timeline.
// Re-entering the current phase is a no-op.
func (s *SVTState) EnterPhase(p SVTPhase, now int64) bool {
	if s.Phase == p {
		return false
	}
	s.Phase = p
	s.PhaseEnteredAt = now
	s.Timeline = appendTimeline(s.Timeline, TimelineEvent{TS: now, Type: "svt.phase", Detail: string(p)})
	return true
}

// AdenosineGiven reports whether dose n (1 or 2) has been pushed.
func (s *SVTState) AdenosineGiven(n int) bool {
	for _, d := range s.AdenosineDoses {
		if d.Number == n {
			return true
		}
	}
	return false
}

// HasConsult reports whether the named service has been called.
func (s *SVTState) HasConsult(service string) bool {
	for _, c := range s.Consults {
		if c == service {
			return true
		}
	}
	return false
}

func (s *SVTState) clone() *SVTState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.VagalAttempts = append([]VagalAttempt(nil), s.VagalAttempts...)
	cp.AdenosineDoses = append([]AdenosineDose(nil), s.AdenosineDoses...)
	cp.Cardioversions = append([]CardioversionAttempt(nil), s.Cardioversions...)
	cp.Consults = append([]string(nil), s.Consults...)
	cp.Scoring = cloneScoring(s.Scoring)
	cp.Timeline = append([]TimelineEvent(nil), s.Timeline...)
	cp.PendingEffects = clonePendingEffects(s.PendingEffects)
	cp.RuleTriggers = cloneRuleTriggers(s.RuleTriggers)
	return &cp
}
