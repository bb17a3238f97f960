// Package anyllm adapts github.com/mozilla-ai/any-llm-go to [llm.Provider].
// One adapter covers every hosted and local backend any-llm knows about;
// Groq serving llama3-8b-8192 is the default generation backend.
//
//	p, err := anyllm.New("groq", "llama3-8b-8192", anyllmlib.WithAPIKey("gsk-..."))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/voxline/pkg/provider/llm"
)

// ErrNoChoices is returned when the backend answers without a choice.
var ErrNoChoices = errors.New("anyllm: response has no choices")

type backendFunc func(opts ...anyllmlib.Option) (anyllmlib.Provider, error)

// backends maps the accepted provider names to their constructors.
var backends = map[string]backendFunc{
	"groq":      func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(o...) },
	"openai":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(o...) },
	"anthropic": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(o...) },
	"gemini":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(o...) },
	"ollama":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(o...) },
	"deepseek":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return deepseek.New(o...) },
	"mistral":   func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(o...) },
	"llamacpp":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamacpp.New(o...) },
	"llamafile": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamafile.New(o...) },
}

// SupportedProviders lists the backend names accepted by [New].
var SupportedProviders = []string{
	"groq", "openai", "anthropic", "gemini", "ollama",
	"deepseek", "mistral", "llamacpp", "llamafile",
}

// Provider sends completions through one any-llm backend.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
}

// New returns a provider for model on the named backend. Without an API key
// option the backend reads its conventional environment variable
// (GROQ_API_KEY, OPENAI_API_KEY, ...).
func New(providerName, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, errors.New("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, errors.New("anyllm: model must not be empty")
	}
	name := strings.ToLower(providerName)
	newBackend, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported provider %q; supported: %s",
			providerName, strings.Join(SupportedProviders, ", "))
	}
	backend, err := newBackend(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", name, err)
	}
	return &Provider{backend: backend, name: name, model: model}, nil
}

// NewGroq is New("groq", model, opts...).
func NewGroq(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("groq", model, opts...)
}

// NewOllama is New("ollama", model, opts...). Without options it connects to
// http://localhost:11434.
func NewOllama(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("ollama", model, opts...)
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.params(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s completion: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}
	out := &llm.CompletionResponse{Content: resp.Choices[0].Message.ContentString()}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

// Capabilities implements [llm.Provider].
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return capabilitiesFor(p.model)
}

// params converts req into any-llm completion params. Zero temperature and
// token budget are left unset so the backend default applies.
func (p *Provider) params(req llm.CompletionRequest) anyllmlib.CompletionParams {
	msgs := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, anyllmlib.Message{Role: m.Role, Content: m.Content})
	}

	params := anyllmlib.CompletionParams{Model: p.model, Messages: msgs}
	if req.Temperature != 0 {
		params.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = &req.MaxTokens
	}
	return params
}

// familyLimits holds the limits of the model families used for calls. The
// first matching prefix wins.
var familyLimits = []struct {
	prefixes []string
	caps     llm.ModelCapabilities
}{
	{[]string{"llama3-8b", "llama3-70b"}, llm.ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 8_192}},
	{[]string{"llama-3.1", "llama-3.3"}, llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 32_768}},
	{[]string{"mixtral-8x7b"}, llm.ModelCapabilities{ContextWindow: 32_768, MaxOutputTokens: 4_096}},
	{[]string{"gpt-4o"}, llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384}},
	{[]string{"claude"}, llm.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 8_192}},
	{[]string{"gemini"}, llm.ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 8_192}},
}

// capabilitiesFor returns the limits of model, or conservative defaults for
// unknown models.
func capabilitiesFor(model string) llm.ModelCapabilities {
	lower := strings.ToLower(model)
	for _, f := range familyLimits {
		for _, prefix := range f.prefixes {
			if strings.HasPrefix(lower, prefix) {
				return f.caps
			}
		}
	}
	return llm.ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 4_096}
}
