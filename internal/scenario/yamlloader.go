package scenario

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/medrill/pulsegate/internal/sim"
)

// PackFile is the top-level structure of a scenario pack YAML file. Packs
// carry simple scenarios only: stages, drift and transitions. The complex
// cases with rule tables and trigger pools stay in the Go catalog.
//
// Example:
//
//	scenario:
//	  id: "heat_exhaustion_v1"
//	  title: "Heat exhaustion on field day"
//	patient:
//	  ageMonths: 132
//	  weightKg: 38
//	initialStage: baseline
//	stages:
//	  - id: baseline
//	    vitals: {hr: 118, rr: 24, spo2: 98, bp: "96/60", tempF: 101.8}
type PackFile struct {
	Scenario     PackMeta        `yaml:"scenario"`
	Patient      PackPatient     `yaml:"patient"`
	InitialStage string          `yaml:"initialStage"`
	Stages       []PackStage     `yaml:"stages"`
	Characters   []PackCharacter `yaml:"characters,omitempty"`
}

// PackMeta holds top-level metadata for a packed scenario.
type PackMeta struct {
	ID          string `yaml:"id"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
}

// PackPatient holds the demographics block.
type PackPatient struct {
	AgeMonths int     `yaml:"ageMonths"`
	WeightKg  float64 `yaml:"weightKg"`
	Name      string  `yaml:"name"`
	Pronouns  string  `yaml:"pronouns"`
}

// PackVitals mirrors sim.Vitals with yaml keys.
type PackVitals struct {
	HR    float64 `yaml:"hr"`
	RR    float64 `yaml:"rr"`
	SpO2  float64 `yaml:"spo2"`
	BP    string  `yaml:"bp"`
	TempF float64 `yaml:"tempF"`
}

// PackDrift mirrors Drift with yaml keys.
type PackDrift struct {
	HRPerMin   float64 `yaml:"hrPerMin"`
	SBPPerMin  float64 `yaml:"sbpPerMin"`
	DBPPerMin  float64 `yaml:"dbpPerMin"`
	SpO2PerMin float64 `yaml:"spo2PerMin"`
}

// PackStage is one stage entry of a pack file.
type PackStage struct {
	ID             string            `yaml:"id"`
	Vitals         PackVitals        `yaml:"vitals"`
	Exam           map[string]string `yaml:"exam,omitempty"`
	RhythmSummary  string            `yaml:"rhythmSummary,omitempty"`
	Drift          *PackDrift        `yaml:"drift,omitempty"`
	AllowedIntents []string          `yaml:"allowedIntents,omitempty"`
	Transitions    []Transition      `yaml:"transitions,omitempty"`
}

// PackCharacter is one roster entry of a pack file.
type PackCharacter struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"displayName"`
	Voice       string `yaml:"voice"`
}

// LoadPackFile reads and parses a scenario pack YAML file from disk.
func LoadPackFile(path string) (*PackFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: open pack file %q: %w", path, err)
	}
	defer f.Close()

	pf, err := LoadPackFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("scenario: parse pack file %q: %w", path, err)
	}
	return pf, nil
}

// LoadPackFromReader parses pack YAML from an [io.Reader]. The reader is
// consumed entirely; the caller is responsible for closing it.
func LoadPackFromReader(r io.Reader) (*PackFile, error) {
	var pf PackFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true) // reject unknown keys to catch typos
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("scenario: decode pack yaml: %w", err)
	}
	return &pf, nil
}

// Definition converts a parsed pack into a catalog definition.
func (pf *PackFile) Definition() (*Definition, error) {
	d := &Definition{
		ID:          pf.Scenario.ID,
		Title:       pf.Scenario.Title,
		Description: pf.Scenario.Description,
		Demographics: Demographics{
			AgeMonths: pf.Patient.AgeMonths,
			WeightKg:  pf.Patient.WeightKg,
			Name:      pf.Patient.Name,
			Pronouns:  pf.Patient.Pronouns,
		},
		InitialStageID: pf.InitialStage,
	}
	for _, ps := range pf.Stages {
		st := Stage{
			ID:            ps.ID,
			Vitals:        sim.Vitals{HR: ps.Vitals.HR, RR: ps.Vitals.RR, SpO2: ps.Vitals.SpO2, BP: ps.Vitals.BP, TempF: ps.Vitals.TempF},
			Exam:          ps.Exam,
			RhythmSummary: ps.RhythmSummary,
			Transitions:   ps.Transitions,
		}
		if ps.Drift != nil {
			st.Drift = &Drift{
				HRPerMin:   ps.Drift.HRPerMin,
				SBPPerMin:  ps.Drift.SBPPerMin,
				DBPPerMin:  ps.Drift.DBPPerMin,
				SpO2PerMin: ps.Drift.SpO2PerMin,
			}
		}
		for _, in := range ps.AllowedIntents {
			st.AllowedIntents = append(st.AllowedIntents, sim.IntentType(in))
		}
		d.Stages = append(d.Stages, st)
	}
	for _, pc := range pf.Characters {
		d.Characters = append(d.Characters, Character{ID: pc.ID, DisplayName: pc.DisplayName, Voice: pc.Voice})
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// LoadPackDir loads every *.yaml / *.yml file under dir into the catalog and
// returns the registered scenario ids. Files are loaded in name order so
// registration is deterministic.
func LoadPackDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scenario: read pack dir %q: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var ids []string
	for _, name := range names {
		pf, err := LoadPackFile(filepath.Join(dir, name))
		if err != nil {
			return ids, err
		}
		def, err := pf.Definition()
		if err != nil {
			return ids, fmt.Errorf("scenario: pack %q: %w", name, err)
		}
		if err := Register(def); err != nil {
			return ids, err
		}
		ids = append(ids, def.ID)
	}
	return ids, nil
}
