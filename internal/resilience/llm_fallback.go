package resilience

import (
	"context"
	"strings"

	"github.com/medrill/pulsegate/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with automatic failover across
// multiple chat-completion backends. Each backend has its own circuit
// breaker; when the primary fails or its breaker is open, the next healthy
// fallback is tried. The debrief analyzer runs behind this so a dead primary
// API degrades to a secondary model instead of a missing debrief.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred
// backend. The entry name in logs is the provider's own Name().
func NewLLMFallback(primary llm.Provider, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primary.Name(), cfg),
	}
}

// AddFallback registers an additional provider, tried after the primary in
// registration order.
func (f *LLMFallback) AddFallback(provider llm.Provider) {
	f.group.AddFallback(provider.Name(), provider)
}

// Complete sends the request to the first healthy provider and returns its
// response. If the primary fails, subsequent fallbacks are tried.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// CountTokens delegates to the primary's estimator. Counting is local and
// does not participate in failover; estimates across backends are close
// enough for budget purposes.
func (f *LLMFallback) CountTokens(messages []llm.Message) int {
	return f.group.entries[0].value.CountTokens(messages)
}

// Name lists the failover chain, e.g.
// "fallback(openai:gpt-4o-mini -> ollama:llama3.1)".
func (f *LLMFallback) Name() string {
	names := make([]string, len(f.group.entries))
	for i, e := range f.group.entries {
		names[i] = e.name
	}
	return "fallback(" + strings.Join(names, " -> ") + ")"
}
