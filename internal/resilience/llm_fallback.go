package resilience

import (
	"context"

	"github.com/MrWong99/voxline/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with ordered failover across several
// LLM backends, each behind its own circuit breaker.
type LLMFallback struct {
	group *Group[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback]. The first entry is the primary.
func NewLLMFallback(cfg CircuitBreakerConfig, entries ...Entry[llm.Provider]) (*LLMFallback, error) {
	g, err := NewGroup(cfg, entries...)
	if err != nil {
		return nil, err
	}
	return &LLMFallback{group: g}, nil
}

// Complete sends req to the first healthy provider and returns its response.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, _, err := Do(ctx, f.group, func(ctx context.Context, p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
	return resp, err
}

// Capabilities returns the primary's capabilities. They are static metadata
// and do not take part in failover.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	return f.group.Primary().Value.Capabilities()
}

// Check reports whether any backend is currently usable.
func (f *LLMFallback) Check(ctx context.Context) error {
	return f.group.Check(ctx)
}

// States reports each backend's breaker state keyed by name.
func (f *LLMFallback) States() map[string]State {
	return f.group.States()
}
