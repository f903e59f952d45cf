package sim

// MyoPhase tracks progress through the myocarditis silent-crash case.
type MyoPhase string

const (
	MyoSceneSet                MyoPhase = "scene_set"
	MyoRecognition             MyoPhase = "recognition"
	MyoDecompensation          MyoPhase = "decompensation"
	MyoIntubationTrap          MyoPhase = "intubation_trap"
	MyoConfirmationDisposition MyoPhase = "confirmation_disposition"
	MyoEnd                     MyoPhase = "end"
)

// IsValid reports whether p is a recognised myocarditis phase.
func (p MyoPhase) IsValid() bool {
	switch p {
	case MyoSceneSet, MyoRecognition, MyoDecompensation,
		MyoIntubationTrap, MyoConfirmationDisposition, MyoEnd:
		return true
	}
	return false
}

// FluidType enumerates bolus fluids.
type FluidType string

const (
	FluidNS      FluidType = "NS"
	FluidLR      FluidType = "LR"
	FluidAlbumin FluidType = "albumin"
	FluidBlood   FluidType = "blood"
)

// IsValid reports whether t is a recognised fluid type.
func (t FluidType) IsValid() bool {
	switch t {
	case FluidNS, FluidLR, FluidAlbumin, FluidBlood:
		return true
	}
	return false
}

// FluidBolus records one volume administration.
type FluidBolus struct {
	At      int64     `json:"at"`
	MlKg    float64   `json:"mlKg"`
	TotalMl float64   `json:"totalMl"`
	Type    FluidType `json:"type"`

	// RateMinutes is the infusion duration when given slowly; zero means
	// rapid bolus.
	RateMinutes float64 `json:"rateMinutes,omitempty"`
}

// InotropeDrug enumerates the pressors and inotropes learners can start.
type InotropeDrug string

const (
	DrugEpi        InotropeDrug = "epi"
	DrugMilrinone  InotropeDrug = "milrinone"
	DrugDobutamine InotropeDrug = "dobutamine"
	DrugDopamine   InotropeDrug = "dopamine"
	DrugNorepi     InotropeDrug = "norepi"
)

// IsValid reports whether d is a recognised drug.
func (d InotropeDrug) IsValid() bool {
	switch d {
	case DrugEpi, DrugMilrinone, DrugDobutamine, DrugDopamine, DrugNorepi:
		return true
	}
	return false
}

// InotropeInfusion records one running (or stopped) infusion.
type InotropeInfusion struct {
	Drug         InotropeDrug `json:"drug"`
	DoseMcgKgMin float64      `json:"doseMcgKgMin"`
	StartedAt    int64        `json:"startedAt"`
	StoppedAt    int64        `json:"stoppedAt,omitempty"`
}

// AirwayType enumerates airway interventions.
type AirwayType string

const (
	AirwayHFNC       AirwayType = "hfnc"
	AirwayIntubation AirwayType = "intubation"
)

// InductionAgent enumerates RSI induction choices. Propofol in cardiogenic
// shock is the trap this case teaches.
type InductionAgent string

const (
	AgentKetamine  InductionAgent = "ketamine"
	AgentPropofol  InductionAgent = "propofol"
	AgentEtomidate InductionAgent = "etomidate"
)

// AirwayIntervention records the airway plan and its safety preparation.
type AirwayIntervention struct {
	Type AirwayType `json:"type"`
	At   int64      `json:"at"`

	// Intubation details. PEEP in cmH2O within [0,30]; FiO2 within [0.21,1.0].
	InductionAgent   InductionAgent `json:"inductionAgent,omitempty"`
	PEEP             float64        `json:"peep,omitempty"`
	FiO2             float64        `json:"fio2,omitempty"`
	PressorReady     bool           `json:"pressorReady"`
	PushDoseEpiDrawn bool           `json:"pushDoseEpiDrawn"`
}

// DiagnosticOrder records a test ordered during the case (pocus, troponin,
// bnp, ecg, cxr, blood_gas, ...).
type DiagnosticOrder struct {
	Type        string `json:"type"`
	OrderedAt   int64  `json:"orderedAt"`
	CompletedAt int64  `json:"completedAt,omitempty"`
	Result      string `json:"result,omitempty"`
}

// MyoFlags are the physiology switches set by rules and treatments.
type MyoFlags struct {
	PulmonaryEdema     bool `json:"pulmonaryEdema"`
	IntubationCollapse bool `json:"intubationCollapse"`
	CodeBlueActive     bool `json:"codeBlueActive"`
	Stabilizing        bool `json:"stabilizing"`
}

// MyocarditisState is the extended state of the myocarditis scenario.
// Invariant: TotalFluidsMlKg equals the sum of Fluids[].MlKg within 0.1.
type MyocarditisState struct {
	Phase          MyoPhase `json:"phase"`
	PhaseEnteredAt int64    `json:"phaseEnteredAt"`

	// ShockStage runs 1 (compensated) to 5 (arrest).
	ShockStage int `json:"shockStage"`

	// DeteriorationRate scales scripted decline: 0.5, 1.0 or 2.0.
	DeteriorationRate float64 `json:"deteriorationRate"`

	Fluids          []FluidBolus `json:"fluids,omitempty"`
	TotalFluidsMlKg float64      `json:"totalFluidsMlKg"`

	Inotropes []InotropeInfusion `json:"inotropes,omitempty"`

	Airway *AirwayIntervention `json:"airway,omitempty"`

	Diagnostics []DiagnosticOrder `json:"diagnostics,omitempty"`

	IVCount     int      `json:"ivCount"`
	IVLocations []string `json:"ivLocations,omitempty"`

	MonitorOn   bool `json:"monitorOn"`
	DefibPadsOn bool `json:"defibPadsOn"`

	Consults []string `json:"consults,omitempty"`

	Flags MyoFlags `json:"flags"`

	Scoring        Scoring                 `json:"scoring"`
	Timeline       []TimelineEvent         `json:"timeline,omitempty"`
	PendingEffects []PendingEffect         `json:"pendingEffects,omitempty"`
	RuleTriggers   map[string]*RuleTrigger `json:"ruleTriggers,omitempty"`
}

// NewMyocarditisState returns the state at case start.
func NewMyocarditisState(now int64) *MyocarditisState {
	return &MyocarditisState{
		Phase:             MyoSceneSet,
		PhaseEnteredAt:    now,
		ShockStage:        1,
		DeteriorationRate: 1.0,
	}
}

// EnterPhase moves to the given phase and records it on the timeline.
// Re-entering the current phase is a no-op.
func (m *MyocarditisState) EnterPhase(p MyoPhase, now int64) bool {
	if m.Phase == p {
		return false
	}
	m.Phase = p
	m.PhaseEnteredAt = now
	m.Timeline = appendTimeline(m.Timeline, TimelineEvent{TS: now, Type: "myo.phase", Detail: string(p)})
	return true
}

// AddFluid appends a bolus and keeps TotalFluidsMlKg in sync.
func (m *MyocarditisState) AddFluid(b FluidBolus) {
	m.Fluids = append(m.Fluids, b)
	m.TotalFluidsMlKg += b.MlKg
}

// FluidsMlKgInWindow sums the ml/kg of boluses given within the trailing
// window.
func (m *MyocarditisState) FluidsMlKgInWindow(now int64, windowMinutes float64) float64 {
	cutoff := now - int64(windowMinutes*60_000)
	var sum float64
	for _, b := range m.Fluids {
		if b.At >= cutoff {
			sum += b.MlKg
		}
	}
	return sum
}

// InotropeRunning reports whether the drug is currently infusing.
func (m *MyocarditisState) InotropeRunning(d InotropeDrug) bool {
	for _, inf := range m.Inotropes {
		if inf.Drug == d && inf.StoppedAt == 0 {
			return true
		}
	}
	return false
}

// InotropeDose returns the current dose of a running infusion, or 0.
func (m *MyocarditisState) InotropeDose(d InotropeDrug) float64 {
	for _, inf := range m.Inotropes {
		if inf.Drug == d && inf.StoppedAt == 0 {
			return inf.DoseMcgKgMin
		}
	}
	return 0
}

// VasopressorRunning reports whether any pressor-capable infusion is live.
// Milrinone and dobutamine do not count: inodilators drop SVR instead of
// holding it.
func (m *MyocarditisState) VasopressorRunning() bool {
	return m.InotropeRunning(DrugEpi) || m.InotropeRunning(DrugDopamine) ||
		m.InotropeRunning(DrugNorepi)
}

// HasConsult reports whether the named service has been called.
func (m *MyocarditisState) HasConsult(service string) bool {
	for _, c := range m.Consults {
		if c == service {
			return true
		}
	}
	return false
}

// DiagnosticOrdered reports whether the named test has been ordered.
func (m *MyocarditisState) DiagnosticOrdered(test string) bool {
	for _, d := range m.Diagnostics {
		if d.Type == test {
			return true
		}
	}
	return false
}

func (m *MyocarditisState) clone() *MyocarditisState {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Fluids = append([]FluidBolus(nil), m.Fluids...)
	cp.Inotropes = append([]InotropeInfusion(nil), m.Inotropes...)
	if m.Airway != nil {
		a := *m.Airway
		cp.Airway = &a
	}
	cp.Diagnostics = append([]DiagnosticOrder(nil), m.Diagnostics...)
	cp.IVLocations = append([]string(nil), m.IVLocations...)
	cp.Consults = append([]string(nil), m.Consults...)
	cp.Scoring = cloneScoring(m.Scoring)
	cp.Timeline = append([]TimelineEvent(nil), m.Timeline...)
	cp.PendingEffects = clonePendingEffects(m.PendingEffects)
	cp.RuleTriggers = cloneRuleTriggers(m.RuleTriggers)
	return &cp
}
