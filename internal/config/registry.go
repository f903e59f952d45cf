package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/medrill/pulsegate/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned by [Registry.CreateLLM] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps analysis provider names to their constructor functions.
// The binary registers backends at startup; tests register mocks. It is safe
// for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm map[string]func(AnalysisConfig) (llm.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm: make(map[string]func(AnalysisConfig) (llm.Provider, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(AnalysisConfig) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under
// entry.Provider. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateLLM(entry AnalysisConfig) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Provider)
	}
	return factory(entry)
}
