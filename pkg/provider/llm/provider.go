// Package llm defines the chat-completion Provider interface used by the
// debrief analyzer. A provider wraps a remote or local model API (OpenAI,
// Anthropic, a local Ollama instance, ...) behind a uniform Complete call so
// the analyzer never couples to a specific SDK.
//
// Realtime patient voice does not go through this interface; it has its own
// duplex adapter in internal/voice. This package only serves request/response
// text completions.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly.
package llm

import "context"

// CompletionRequest carries everything the model needs to produce a reply.
// Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is a high-priority instruction injected before the
	// conversation. Providers without a dedicated system slot prepend it as
	// a system-role message.
	SystemPrompt string

	// Messages is the ordered conversation; the last message drives the
	// reply.
	Messages []Message

	// Temperature controls output randomness in [0.0, 2.0]. Zero requests
	// the provider default. The analyzer uses a low value so debriefs of the
	// same transcript come out stable.
	Temperature float64

	// MaxTokens caps the reply length. Zero means provider default.
	MaxTokens int
}

// CompletionResponse is the model's full reply.
type CompletionResponse struct {
	// Content is the text of the reply.
	Content string

	// Usage is the token accounting for this call, fed into the session's
	// cost controller by the caller.
	Usage Usage
}

// Provider is the abstraction over any chat-completion backend.
type Provider interface {
	// Complete sends req and waits for the full reply. Returns an error if
	// the request fails or ctx is cancelled first.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates how many tokens messages would consume in the
	// model's context window. The estimate need not be exact but should not
	// undercount.
	CountTokens(messages []Message) int

	// Name identifies the backend and model for logs and readiness checks,
	// e.g. "openai:gpt-4o-mini".
	Name() string
}

// EstimateTokens is the shared local approximation used by providers that do
// not call a tokenisation API.
// TODO: replace with tiktoken-go for accurate per-model counting.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		// ~4 chars per token is a rough approximation for most models.
		total += (len(m.Content) + 3) / 4
		// Per-message overhead (role + formatting tokens).
		total += 4
	}
	return total
}
