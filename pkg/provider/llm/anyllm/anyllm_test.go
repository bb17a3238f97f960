package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voxline/pkg/provider/llm"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		provider string
		model    string
	}{
		{name: "empty provider", provider: "", model: "llama3-8b-8192"},
		{name: "empty model", provider: "groq", model: ""},
		{name: "unsupported provider", provider: "fakecloud", model: "some-model"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tc.provider, tc.model, anyllmlib.WithAPIKey("dummy")); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNew_Groq_WithAPIKey(t *testing.T) {
	t.Parallel()

	p, err := NewGroq("llama3-8b-8192", anyllmlib.WithAPIKey("gsk-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.model != "llama3-8b-8192" {
		t.Errorf("model = %q, want llama3-8b-8192", p.model)
	}
}

func TestNew_Ollama_NoAPIKey(t *testing.T) {
	t.Parallel()

	if _, err := NewOllama("llama3"); err != nil {
		t.Fatalf("ollama needs no API key, got error: %v", err)
	}
}

func TestParams(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "llama3-8b-8192"}
	params := p.params(llm.CompletionRequest{
		SystemPrompt: "Você é um assistente.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "olá"},
			{Role: llm.RoleAssistant, Content: "Olá! Como posso ajudar?"},
			{Role: llm.RoleUser, Content: "que horas são"},
		},
		Temperature: 0.3,
		MaxTokens:   100,
	})

	if params.Model != "llama3-8b-8192" {
		t.Errorf("Model = %q", params.Model)
	}
	if len(params.Messages) != 4 {
		t.Fatalf("len(Messages) = %d, want 4", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("first role = %q, want system", params.Messages[0].Role)
	}
	if got := params.Messages[3].ContentString(); got != "que horas são" {
		t.Errorf("last content = %q", got)
	}
	if params.Temperature == nil || *params.Temperature != 0.3 {
		t.Errorf("Temperature = %v, want 0.3", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 100 {
		t.Errorf("MaxTokens = %v, want 100", params.MaxTokens)
	}
}

func TestParams_ZeroValuesOmitted(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "m"}
	params := p.params(llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "oi"}},
	})
	if params.Temperature != nil {
		t.Error("Temperature should be nil when zero")
	}
	if params.MaxTokens != nil {
		t.Error("MaxTokens should be nil when zero")
	}
	if len(params.Messages) != 1 {
		t.Errorf("len(Messages) = %d, want 1 (no system prompt)", len(params.Messages))
	}
}

func TestCapabilitiesFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model   string
		wantCtx int
	}{
		{"llama3-8b-8192", 8_192},
		{"llama-3.3-70b-versatile", 128_000},
		{"GPT-4o-mini", 128_000},
		{"claude-3-5-haiku-latest", 200_000},
		{"gemini-2.0-flash", 1_048_576},
		{"unknown-model", 8_192},
	}
	for _, tc := range tests {
		t.Run(tc.model, func(t *testing.T) {
			t.Parallel()
			if got := capabilitiesFor(tc.model).ContextWindow; got != tc.wantCtx {
				t.Errorf("ContextWindow = %d, want %d", got, tc.wantCtx)
			}
		})
	}
}

func TestSupportedProvidersHaveBackends(t *testing.T) {
	t.Parallel()

	if len(SupportedProviders) != len(backends) {
		t.Errorf("SupportedProviders has %d names, backends %d", len(SupportedProviders), len(backends))
	}
	for _, name := range SupportedProviders {
		if _, ok := backends[name]; !ok {
			t.Errorf("no backend for %q", name)
		}
	}
}
