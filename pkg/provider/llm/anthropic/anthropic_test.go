package anthropic

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/MrWong99/voxline/pkg/provider/llm"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "claude-3-5-haiku-latest"); err == nil {
		t.Error("expected error for empty api key")
	}
	if _, err := New("sk-ant-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("sk-ant-test", "claude-3-5-haiku-latest", WithBaseURL("http://localhost:1"), WithTimeout(0)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "claude-3-5-haiku-latest"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Você é um professor virtual.",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "Seja breve."},
			{Role: llm.RoleUser, Content: "o que é uma célula"},
			{Role: llm.RoleAssistant, Content: "É a menor unidade da vida."},
			{Role: llm.RoleUser, Content: "e o núcleo?"},
		},
		Temperature: 0.3,
		MaxTokens:   100,
	})

	if params.Model != anthropic.Model("claude-3-5-haiku-latest") {
		t.Errorf("Model = %q", params.Model)
	}
	if params.MaxTokens != 100 {
		t.Errorf("MaxTokens = %d, want 100", params.MaxTokens)
	}
	if params.Temperature.Value != 0.3 {
		t.Errorf("Temperature = %v, want 0.3", params.Temperature.Value)
	}
	if len(params.System) != 2 {
		t.Fatalf("len(System) = %d, want 2", len(params.System))
	}
	if params.System[0].Text != "Você é um professor virtual." {
		t.Errorf("System[0] = %q", params.System[0].Text)
	}
	if len(params.Messages) != 3 {
		t.Fatalf("len(Messages) = %d, want 3", len(params.Messages))
	}
	if params.Messages[1].Role != anthropic.MessageParamRoleAssistant {
		t.Errorf("Messages[1].Role = %q, want assistant", params.Messages[1].Role)
	}
}

func TestBuildParams_DefaultMaxTokens(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "m"}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "oi"}},
	})
	if params.MaxTokens != defaultMaxTokens {
		t.Errorf("MaxTokens = %d, want %d", params.MaxTokens, defaultMaxTokens)
	}
}
