// Package orders turns free-text learner utterances into typed orders and
// runs the diagnostic-order lifecycle (pending → complete with latency).
//
// Parsing is a fixed, ordered matcher table: the first matcher whose
// pre-check passes and whose any regex hits wins, and its extractor pulls the
// typed parameters. Utterances that miss every matcher get one retry after
// phonetic correction of clinical vocabulary ("adenazine" → "adenosine")
// using Double Metaphone plus Jaro-Winkler ranking; corrected parses carry
// low confidence.
package orders

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/medrill/pulsegate/internal/sim"
)

// Kind classifies a parsed order. Diagnostics map onto sim.OrderType and run
// through the Handler; treatments are applied by the gateway's treatment
// layer.
type Kind string

const (
	KindVagal         Kind = "vagal"
	KindAdenosine     Kind = "adenosine"
	KindCardioversion Kind = "cardioversion"
	KindIntubation    Kind = "intubation"
	KindHFNC          Kind = "hfnc"
	KindEpiPush       Kind = "epi_push"
	KindEpiDrip       Kind = "epi_drip"
	KindMilrinone     Kind = "milrinone"
	KindSedation      Kind = "sedation"
	KindFluids        Kind = "fluids"
	KindABG           Kind = "abg"
	KindLabs          Kind = "labs"
	KindEKG           Kind = "ekg"
	KindEcho          Kind = "echo"
	KindCXR           Kind = "cxr"
	KindConsultPICU   Kind = "consult_picu"
	KindConsultCards  Kind = "consult_cardiology"
	KindConsultECMO   Kind = "consult_ecmo"
	KindDefibPads     Kind = "defib_pads"
	KindMonitor       Kind = "monitor"
	KindIVAccess      Kind = "iv_access"
	KindOxygen        Kind = "oxygen"
	KindVitals        Kind = "vitals"
	KindCardiacExam   Kind = "cardiac_exam"
	KindLungExam      Kind = "lung_exam"
	KindGeneralExam   Kind = "general_exam"
	KindUnknown       Kind = "unknown"
)

// Confidence grades a parse. Phonetically-corrected parses are low.
type Confidence string

const (
	ConfidenceHigh Confidence = "high"
	ConfidenceLow  Confidence = "low"
)

// Params carries the extracted parameters of a parse. Zero values mean the
// utterance did not state them.
type Params struct {
	// Fluids.
	VolumeMlKg  float64
	VolumeMl    float64
	FluidType   sim.FluidType
	RateMinutes float64

	// Adenosine.
	DoseMg    float64
	RapidPush bool
	Flush     bool

	// Epi drip and milrinone.
	DoseMcgKgMin float64

	// Cardioversion. Synchronized stays nil when the learner did not say.
	Joules       float64
	Synchronized *bool

	// Vagal.
	Maneuver string

	// Intubation.
	Agent        sim.InductionAgent
	PEEP         float64
	FiO2         float64
	PressorReady bool

	// Sedation.
	Sedative string

	// High-flow.
	FlowLpm float64

	// IV access.
	Gauge    int
	Location string

	// Diagnostics and consults.
	Test    string
	Service string
}

// Merge overlays the stated fields of other onto p. Used when a
// clarification reply fills in what the original utterance left out.
func (p *Params) Merge(other Params) {
	if other.VolumeMlKg != 0 {
		p.VolumeMlKg = other.VolumeMlKg
	}
	if other.VolumeMl != 0 {
		p.VolumeMl = other.VolumeMl
	}
	if other.FluidType != "" {
		p.FluidType = other.FluidType
	}
	if other.RateMinutes != 0 {
		p.RateMinutes = other.RateMinutes
	}
	if other.DoseMg != 0 {
		p.DoseMg = other.DoseMg
	}
	if other.RapidPush {
		p.RapidPush = true
	}
	if other.Flush {
		p.Flush = true
	}
	if other.DoseMcgKgMin != 0 {
		p.DoseMcgKgMin = other.DoseMcgKgMin
	}
	if other.Joules != 0 {
		p.Joules = other.Joules
	}
	if other.Synchronized != nil {
		p.Synchronized = other.Synchronized
	}
	if other.Maneuver != "" {
		p.Maneuver = other.Maneuver
	}
	if other.Agent != "" {
		p.Agent = other.Agent
	}
	if other.PEEP != 0 {
		p.PEEP = other.PEEP
	}
	if other.FiO2 != 0 {
		p.FiO2 = other.FiO2
	}
	if other.PressorReady {
		p.PressorReady = true
	}
	if other.Sedative != "" {
		p.Sedative = other.Sedative
	}
	if other.FlowLpm != 0 {
		p.FlowLpm = other.FlowLpm
	}
	if other.Gauge != 0 {
		p.Gauge = other.Gauge
	}
	if other.Location != "" {
		p.Location = other.Location
	}
	if other.Test != "" {
		p.Test = other.Test
	}
	if other.Service != "" {
		p.Service = other.Service
	}
}

// ParsedOrder is the result of parsing one utterance segment.
type ParsedOrder struct {
	Kind       Kind
	Raw        string
	Params     Params
	Confidence Confidence

	// NeedsClarification marks a recognised order missing a required
	// parameter; Question is what to ask back.
	NeedsClarification bool
	Question           string
}

type matcher struct {
	kind     Kind
	pre      func(s string) bool
	patterns []*regexp.Regexp
	extract  func(s string, p *Params)
	clarify  func(p Params) string
}

func res(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

var (
	rePerKg     = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:ml|cc|mls|ccs)?\s*(?:/|per)\s*(?:kg|kilo)`)
	reVolumeMl  = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:ml|cc)s?\b`)
	reOverMin   = regexp.MustCompile(`over\s+(\d+(?:\.\d+)?)\s*(?:minutes?|min)\b`)
	reMg        = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:milligrams?|mgs?)\b`)
	reMcgKgMin  = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:mcg|micrograms?|mics?)\s*(?:/|per)?\s*(?:kg|kilo)?\s*(?:/|per)?\s*(?:min|minute)?`)
	reJoules    = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:joules?|j)\b`)
	rePeep      = regexp.MustCompile(`peep\s*(?:of|at)?\s*(\d+(?:\.\d+)?)`)
	reFiO2      = regexp.MustCompile(`fio2\s*(?:of|at)?\s*(\d+(?:\.\d+)?)`)
	reFlow      = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:liters?|l)\b`)
	reGauge     = regexp.MustCompile(`(\d+)\s*(?:-\s*)?(?:gauge|g)\b`)
	reLR        = regexp.MustCompile(`\blr\b`)
	reAC        = regexp.MustCompile(`\bac\b`)
	reWordGaps  = regexp.MustCompile(`\s+`)
	reSplit     = regexp.MustCompile(`\band\b|,|\balso\b|\bthen\b|\bplus\b`)
	reNumCompnd = regexp.MustCompile(`\b(twenty|thirty|forty|fifty|sixty|seventy|eighty|ninety)[ -](one|two|three|four|five|six|seven|eight|nine)\b`)
)

var numberWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	"eleven": 11, "twelve": 12, "fifteen": 15, "twenty": 20,
	"thirty": 30, "forty": 40, "fifty": 50, "sixty": 60,
	"seventy": 70, "eighty": 80, "ninety": 90, "hundred": 100,
}

func number(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func first(re *regexp.Regexp, s string) float64 {
	if m := re.FindStringSubmatch(s); m != nil {
		return number(m[1])
	}
	return 0
}

// matchers is the fixed table; order is load-bearing. Specific treatments
// come before the broad diagnostic and access matchers so "push dose epi"
// never falls through to the drip, and "IV fluids" reads as fluids, not IV
// access.
var matchers = []matcher{
	{
		kind: KindVagal,
		patterns: res(`vagal`, `valsalva`, `bear(?:ing)? down`, `blow (?:through|into)`,
			`ice (?:pack|bag|water|to the face)`, `carotid massage`),
		extract: func(s string, p *Params) {
			switch {
			case strings.Contains(s, "ice"):
				p.Maneuver = "ice"
			case strings.Contains(s, "carotid"):
				p.Maneuver = "carotid"
			default:
				p.Maneuver = "valsalva"
			}
		},
	},
	{
		kind:     KindAdenosine,
		patterns: res(`adenosine`, `adenocard`),
		extract: func(s string, p *Params) {
			p.DoseMg = first(reMg, s)
			p.RapidPush = strings.Contains(s, "rapid") || strings.Contains(s, "fast") || strings.Contains(s, "slam")
			p.Flush = strings.Contains(s, "flush")
		},
		clarify: func(p Params) string {
			if p.DoseMg == 0 {
				return "How many milligrams of adenosine?"
			}
			return ""
		},
	},
	{
		kind: KindCardioversion,
		patterns: res(`cardiovert`, `cardioversion`, `synchroni[sz]ed? shock`,
			`sync(?:ed)? (?:shock|and shock)`, `shock (?:her|him|them|at)\b`),
		extract: func(s string, p *Params) {
			p.Joules = first(reJoules, s)
			switch {
			case strings.Contains(s, "unsync"):
				v := false
				p.Synchronized = &v
			case strings.Contains(s, "sync"):
				v := true
				p.Synchronized = &v
			}
		},
		clarify: func(p Params) string {
			if p.Joules == 0 {
				return "How many joules for the cardioversion?"
			}
			return ""
		},
	},
	{
		kind: KindIntubation,
		patterns: res(`intubat`, `\brsi\b`, `secure (?:the )?airway`,
			`take (?:the|her|his|their) airway`, `get (?:a|the) tube`),
		extract: func(s string, p *Params) {
			switch {
			case strings.Contains(s, "ketamine"):
				p.Agent = sim.AgentKetamine
			case strings.Contains(s, "propofol"):
				p.Agent = sim.AgentPropofol
			case strings.Contains(s, "etomidate"):
				p.Agent = sim.AgentEtomidate
			}
			p.PEEP = first(rePeep, s)
			if f := first(reFiO2, s); f > 0 {
				if f > 1 {
					f /= 100
				}
				p.FiO2 = f
			}
			p.PressorReady = strings.Contains(s, "pressor") || strings.Contains(s, "push dose") ||
				strings.Contains(s, "push-dose")
		},
		clarify: func(p Params) string {
			if p.Agent == "" {
				return "Which induction agent do you want?"
			}
			return ""
		},
	},
	{
		kind:     KindHFNC,
		patterns: res(`high[- ]?flow`, `\bhfnc\b`, `vapotherm`),
		extract: func(s string, p *Params) {
			p.FlowLpm = first(reFlow, s)
		},
	},
	{
		kind: KindEpiPush,
		patterns: res(`push[- ]dose (?:epi|epinephrine)`, `epi push`, `code[- ]dose epi`,
			`push (?:some )?epi\b`),
	},
	{
		kind: KindEpiDrip,
		pre: func(s string) bool {
			return strings.Contains(s, "epi") || strings.Contains(s, "adrenaline")
		},
		patterns: res(`(?:start|begin|hang|run|titrate)\b.*(?:epi|epinephrine|adrenaline)`,
			`(?:epi|epinephrine|adrenaline).*(?:drip|infusion|gtt)`,
			`(?:drip|infusion).*(?:epi|epinephrine|adrenaline)`),
		extract: func(s string, p *Params) {
			p.DoseMcgKgMin = first(reMcgKgMin, s)
		},
		clarify: func(p Params) string {
			if p.DoseMcgKgMin == 0 {
				return "What dose — mics per kilo per minute?"
			}
			return ""
		},
	},
	{
		kind:     KindMilrinone,
		patterns: res(`milrinone`, `primacor`),
		extract: func(s string, p *Params) {
			p.DoseMcgKgMin = first(reMcgKgMin, s)
		},
	},
	{
		kind: KindSedation,
		pre: func(s string) bool {
			return !strings.Contains(s, "intubat") && !strings.Contains(s, "rsi")
		},
		patterns: res(`sedat(?:e|ion)`, `midazolam`, `versed`, `fentanyl`, `ketamine`),
		extract: func(s string, p *Params) {
			switch {
			case strings.Contains(s, "midazolam"), strings.Contains(s, "versed"):
				p.Sedative = "midazolam"
			case strings.Contains(s, "ketamine"):
				p.Sedative = "ketamine"
			case strings.Contains(s, "fentanyl"):
				p.Sedative = "fentanyl"
			}
		},
	},
	{
		kind: KindFluids,
		patterns: res(`bolus`, `normal saline`, `\bns\b`, `lactated ringers?`, `\blr\b`,
			`albumin`, `fluids?\b`),
		extract: func(s string, p *Params) {
			p.VolumeMlKg = first(rePerKg, s)
			if p.VolumeMlKg == 0 {
				p.VolumeMl = first(reVolumeMl, s)
			}
			p.RateMinutes = first(reOverMin, s)
			switch {
			case strings.Contains(s, "lactated"), strings.Contains(s, "ringer"),
				reLR.MatchString(s):
				p.FluidType = sim.FluidLR
			case strings.Contains(s, "albumin"):
				p.FluidType = sim.FluidAlbumin
			case strings.Contains(s, "blood"), strings.Contains(s, "prbc"):
				p.FluidType = sim.FluidBlood
			default:
				p.FluidType = sim.FluidNS
			}
		},
		clarify: func(p Params) string {
			if p.VolumeMlKg == 0 && p.VolumeMl == 0 {
				return "How much fluid — milliliters per kilo?"
			}
			return ""
		},
	},
	{
		kind:     KindABG,
		patterns: res(`\babg\b`, `\bvbg\b`, `(?:arterial )?blood gas`),
		extract:  func(s string, p *Params) { p.Test = "blood_gas" },
	},
	{
		kind: KindLabs,
		patterns: res(`\blabs?\b`, `blood ?work`, `\bcbc\b`, `\bbmp\b`, `\bcmp\b`,
			`troponin`, `\bbnp\b`, `lactate`, `electrolytes`),
		extract: func(s string, p *Params) { p.Test = "labs" },
	},
	{
		kind:     KindEKG,
		patterns: res(`\be[ck]g\b`, `12[- ]lead`, `twelve[- ]lead`, `electrocardiogram`),
		extract:  func(s string, p *Params) { p.Test = "ecg" },
	},
	{
		kind:     KindEcho,
		patterns: res(`echo(?:cardiogram)?\b`, `\bpocus\b`, `(?:bedside|cardiac) ultrasound`),
		extract:  func(s string, p *Params) { p.Test = "echo" },
	},
	{
		kind:     KindCXR,
		patterns: res(`chest x[- ]?ray`, `\bcxr\b`, `chest film`, `portable chest`),
		extract:  func(s string, p *Params) { p.Test = "cxr" },
	},
	{
		kind:     KindConsultPICU,
		patterns: res(`\bpicu\b`, `intensive care`, `\bicu\b`),
		extract:  func(s string, p *Params) { p.Service = "picu" },
	},
	{
		kind:     KindConsultCards,
		patterns: res(`cardiolog`),
		extract:  func(s string, p *Params) { p.Service = "cardiology" },
	},
	{
		kind:     KindConsultECMO,
		patterns: res(`\becmo\b`),
		extract:  func(s string, p *Params) { p.Service = "ecmo" },
	},
	{
		kind: KindDefibPads,
		patterns: res(`(?:defib(?:rillator)?|pacer) pads`, `pads on`, `place (?:the )?pads`,
			`pad (?:her|him|them) up`),
	},
	{
		kind:     KindMonitor,
		patterns: res(`monitor`, `telemetry`, `leads on`, `hook (?:her|him|them) up`),
	},
	{
		kind: KindIVAccess,
		patterns: res(`\biv\b`, `intravenous`, `(?:start|get|place|put in)\b.*\bline\b`,
			`\bio\b`, `intraosseous`),
		extract: func(s string, p *Params) {
			p.Gauge = int(first(reGauge, s))
			switch {
			case strings.Contains(s, "antecubital"), reAC.MatchString(s):
				p.Location = "antecubital"
			case strings.Contains(s, "hand"):
				p.Location = "hand"
			case strings.Contains(s, "forearm"):
				p.Location = "forearm"
			case strings.Contains(s, "foot"):
				p.Location = "foot"
			}
		},
	},
	{
		kind: KindOxygen,
		patterns: res(`\boxygen\b`, `\bo2\b`, `nasal cannula`, `non[- ]?rebreather`,
			`face ?mask`, `blow[- ]?by`),
		extract: func(s string, p *Params) {
			p.FlowLpm = first(reFlow, s)
		},
	},
	{
		kind: KindVitals,
		patterns: res(`vitals`, `blood pressure`, `\bbp\b`, `pressures?\b`, `sats?\b`,
			`saturation`, `cycle the cuff`),
	},
	{
		kind:     KindCardiacExam,
		patterns: res(`heart sounds`, `listen to (?:\w+ )?heart`, `murmur`, `auscultat\w* (?:the )?heart`),
	},
	{
		kind:     KindLungExam,
		patterns: res(`lung sounds`, `breath sounds`, `listen to (?:\w+ )?(?:lungs?|chest)`, `air entry`),
	},
	{
		kind: KindGeneralExam,
		patterns: res(`(?:general|physical) exam`, `look (?:her|him|them) over`, `head to toe`,
			`reassess`),
	},
}

// vocabulary is the clinical word list the phonetic fallback corrects toward.
var vocabulary = []string{
	"adenosine", "cardioversion", "cardiovert", "milrinone", "epinephrine",
	"ketamine", "propofol", "etomidate", "valsalva", "albumin", "midazolam",
	"intubate", "bolus", "saline", "echo", "troponin", "lactate", "vagal",
}

// Parse classifies one utterance. Unknown parses keep the raw text so the
// caller can ask the learner to rephrase.
func Parse(text string) ParsedOrder {
	norm := normalize(text)
	if po, ok := runMatchers(norm); ok {
		po.Raw = text
		return po
	}
	if corrected, changed := phoneticCorrect(norm); changed {
		if po, ok := runMatchers(corrected); ok {
			po.Raw = text
			po.Confidence = ConfidenceLow
			return po
		}
	}
	return ParsedOrder{Kind: KindUnknown, Raw: text, Confidence: ConfidenceLow}
}

// ParseMultiple splits a compound utterance ("fluids and an EKG, then call
// PICU") and returns every recognised segment in order.
func ParseMultiple(text string) []ParsedOrder {
	var out []ParsedOrder
	for _, seg := range reSplit.Split(normalize(text), -1) {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		if po := Parse(seg); po.Kind != KindUnknown {
			out = append(out, po)
		}
	}
	return out
}

// ParseClarification extracts just the parameters a clarification reply
// provides for an order of the given kind.
func ParseClarification(text string, kind Kind) Params {
	var p Params
	norm := normalize(text)
	for _, m := range matchers {
		if m.kind == kind {
			if m.extract != nil {
				m.extract(norm, &p)
			}
			break
		}
	}
	return p
}

// Reclarify re-runs the kind's clarification check, clearing the flag once a
// merged reply has supplied the missing parameter.
func Reclarify(po *ParsedOrder) {
	po.NeedsClarification = false
	po.Question = ""
	for _, m := range matchers {
		if m.kind != po.Kind {
			continue
		}
		if m.clarify != nil {
			if q := m.clarify(po.Params); q != "" {
				po.NeedsClarification = true
				po.Question = q
			}
		}
		return
	}
}

func runMatchers(norm string) (ParsedOrder, bool) {
	for _, m := range matchers {
		if m.pre != nil && !m.pre(norm) {
			continue
		}
		for _, re := range m.patterns {
			if !re.MatchString(norm) {
				continue
			}
			po := ParsedOrder{Kind: m.kind, Confidence: ConfidenceHigh}
			if m.extract != nil {
				m.extract(norm, &po.Params)
			}
			if m.clarify != nil {
				if q := m.clarify(po.Params); q != "" {
					po.NeedsClarification = true
					po.Question = q
					po.Confidence = ConfidenceLow
				}
			}
			return po, true
		}
	}
	return ParsedOrder{}, false
}

func normalize(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = reWordGaps.ReplaceAllString(s, " ")
	s = numberWordsToDigits(s)
	return s
}

// numberWordsToDigits rewrites spoken numbers ("twenty five", "five") as
// digits so the unit regexes can read doses and volumes.
func numberWordsToDigits(s string) string {
	s = reNumCompnd.ReplaceAllStringFunc(s, func(m string) string {
		parts := strings.FieldsFunc(m, func(r rune) bool { return r == ' ' || r == '-' })
		return strconv.Itoa(numberWords[parts[0]] + numberWords[parts[1]])
	})
	words := strings.Split(s, " ")
	for i, w := range words {
		if n, ok := numberWords[w]; ok {
			words[i] = strconv.Itoa(n)
		}
	}
	return strings.Join(words, " ")
}

// phoneticCorrect replaces words that phonetically resemble clinical
// vocabulary. Returns the corrected string and whether anything changed.
func phoneticCorrect(s string) (string, bool) {
	words := strings.Split(s, " ")
	changed := false
	for i, w := range words {
		if len(w) < 4 {
			continue
		}
		if corrected, ok := phoneticMatch(w); ok && corrected != w {
			words[i] = corrected
			changed = true
		}
	}
	return strings.Join(words, " "), changed
}

// phoneticMatch finds the vocabulary entry whose Double Metaphone codes
// overlap the word's and whose Jaro-Winkler similarity clears 0.7.
func phoneticMatch(word string) (string, bool) {
	wp, ws := matchr.DoubleMetaphone(word)
	best := ""
	bestScore := 0.0
	for _, entry := range vocabulary {
		ep, es := matchr.DoubleMetaphone(entry)
		if !codesOverlap(wp, ws, ep, es) {
			continue
		}
		if score := matchr.JaroWinkler(word, entry, false); score >= 0.7 && score > bestScore {
			best = entry
			bestScore = score
		}
	}
	return best, best != ""
}

func codesOverlap(a1, a2, b1, b2 string) bool {
	for _, a := range [2]string{a1, a2} {
		if a == "" {
			continue
		}
		if a == b1 || a == b2 {
			return true
		}
	}
	return false
}
