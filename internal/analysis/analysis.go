// Package analysis turns a session transcript into a structured debrief.
//
// The Analyzer sends the transcript to a configured [llm.Provider] and parses
// the reply into a [Report]. Without a provider, or when the provider fails,
// it degrades to a deterministic keyword heuristic so that a debrief is always
// produced, including in fallback mode.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/medrill/pulsegate/pkg/provider/llm"
)

// debriefPrompt is the system prompt sent to the LLM when analyzing a
// transcript. The reply shape is requested in the prompt because not every
// supported backend offers a native JSON response mode.
const debriefPrompt = `You are an experienced paediatric emergency physician running a post-simulation debrief for medical students.
You will receive the session transcript. Reply with a single JSON object, no markdown fences, in exactly this shape:
{"summary": "...", "strengths": ["..."], "opportunities": ["..."], "teachingPoints": ["..."]}
summary: 2-4 sentences on how the case unfolded.
strengths: specific things the team did well, citing the transcript where possible.
opportunities: specific, constructive improvement points.
teachingPoints: 2-4 transferable clinical pearls grounded in this case.
Be specific and kind. Never invent events that are not in the transcript.`

// promptTokenBudget bounds the transcript portion of the prompt. Older turns
// are dropped first when the estimate exceeds it.
const promptTokenBudget = 6000

// Turn is one utterance of the session timeline, in spoken order.
type Turn struct {
	Role string
	Text string
}

// Report is the structured debrief. Field tags match the JSON shape the
// prompt requests from the model.
type Report struct {
	Summary        string   `json:"summary"`
	Strengths      []string `json:"strengths"`
	Opportunities  []string `json:"opportunities"`
	TeachingPoints []string `json:"teachingPoints"`
}

// Config parameterises an Analyzer.
type Config struct {
	// Provider generates the debrief. A nil Provider selects the heuristic
	// analyzer.
	Provider llm.Provider

	// Temperature for the completion. Defaults to 0.2.
	Temperature float64

	// MaxTokens caps the completion length. Defaults to 900.
	MaxTokens int

	// OnUsage, when set, receives the token usage of each successful
	// completion. Invoked synchronously from Analyze.
	OnUsage func(promptTokens, completionTokens int)
}

// Analyzer produces debrief reports. Safe for concurrent use; it holds no
// mutable state.
type Analyzer struct {
	cfg Config
}

// New creates an Analyzer, applying defaults for zero-valued tuning fields.
func New(cfg Config) *Analyzer {
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.2
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 900
	}
	return &Analyzer{cfg: cfg}
}

// Analyze produces a debrief for the given turns. The only error condition is
// an empty transcript; provider failures degrade to the heuristic report so
// that the debrief always answers.
func (a *Analyzer) Analyze(ctx context.Context, turns []Turn) (*Report, error) {
	if len(turns) == 0 {
		return nil, fmt.Errorf("analysis: no turns to analyze")
	}

	if a.cfg.Provider == nil {
		return heuristicReport(turns), nil
	}

	resp, err := a.cfg.Provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: debriefPrompt,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: formatTranscript(turns)},
		},
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
	})
	if err != nil {
		slog.Warn("analysis: completion failed, using heuristic debrief",
			"provider", a.cfg.Provider.Name(), "err", err)
		return heuristicReport(turns), nil
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		slog.Warn("analysis: empty completion, using heuristic debrief",
			"provider", a.cfg.Provider.Name())
		return heuristicReport(turns), nil
	}

	if a.cfg.OnUsage != nil {
		a.cfg.OnUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}

	return parseReport(resp.Content), nil
}

// formatTranscript renders turns as "[role]: text" lines, trimming the oldest
// turns when the token estimate exceeds promptTokenBudget.
func formatTranscript(turns []Turn) string {
	kept := turns
	trimmed := false
	for len(kept) > 1 && estimateTurns(kept) > promptTokenBudget {
		kept = kept[1:]
		trimmed = true
	}

	var sb strings.Builder
	if trimmed {
		sb.WriteString("[earlier turns omitted]\n")
	}
	for _, t := range kept {
		fmt.Fprintf(&sb, "[%s]: %s\n", t.Role, t.Text)
	}
	return sb.String()
}

// estimateTurns mirrors llm.EstimateTokens for the transcript rendering.
func estimateTurns(turns []Turn) int {
	msgs := make([]llm.Message, len(turns))
	for i, t := range turns {
		msgs[i] = llm.Message{Role: t.Role, Content: t.Text}
	}
	return llm.EstimateTokens(msgs)
}

// parseReport extracts the JSON object from a model reply. Prose or fences
// around the object are tolerated; an unparseable reply becomes a plain-text
// summary rather than an error.
func parseReport(content string) *Report {
	raw := content
	if i := strings.Index(raw, "{"); i >= 0 {
		if j := strings.LastIndex(raw, "}"); j > i {
			raw = raw[i : j+1]
		}
	}

	var rep Report
	if err := json.Unmarshal([]byte(raw), &rep); err == nil && strings.TrimSpace(rep.Summary) != "" {
		rep.Summary = strings.TrimSpace(rep.Summary)
		return &rep
	}

	return &Report{Summary: strings.TrimSpace(content)}
}
