package dialogue

import (
	"fmt"
	"strings"

	"github.com/MrWong99/voxline/pkg/provider/llm"
	"github.com/MrWong99/voxline/pkg/types"
)

// DefaultRules are the fixed behavioural rules appended to every directive.
var DefaultRules = []string{
	"Mantenha respostas curtas para conversas em tempo real",
	"Seja natural e contextual",
	"Use a personalidade definida consistentemente",
	"Seja útil e preciso",
}

// Personality is a named behavioural configuration applied to generation.
type Personality struct {
	// Name is the mode identifier, e.g. "teacher".
	Name string

	// Title is the display name spoken in the directive, e.g. "Professor IA".
	Title string

	// Tone and Style refine the directive.
	Tone  string
	Style string

	// Prompt is the core instruction.
	Prompt string

	// Keywords select this personality in the mode resolver.
	Keywords []string
}

// Directive renders the personality's instruction block.
func (p Personality) Directive() string {
	var b strings.Builder
	b.WriteString(p.Prompt)
	if p.Title != "" || p.Tone != "" || p.Style != "" {
		b.WriteString("\n")
	}
	if p.Title != "" {
		fmt.Fprintf(&b, "\nPersonalidade atual: %s", p.Title)
	}
	if p.Tone != "" {
		fmt.Fprintf(&b, "\nTom: %s", p.Tone)
	}
	if p.Style != "" {
		fmt.Fprintf(&b, "\nEstilo: %s", p.Style)
	}
	return b.String()
}

// buildSystemPrompt joins a directive with the numbered rules.
func buildSystemPrompt(directive string, rules []string) string {
	if len(rules) == 0 {
		return directive
	}
	var b strings.Builder
	b.WriteString(directive)
	b.WriteString("\n\nRegras:")
	for i, r := range rules {
		fmt.Fprintf(&b, "\n%d. %s", i+1, r)
	}
	return b.String()
}

// buildMessages converts the windowed history plus the new utterance into
// provider messages.
func buildMessages(history []types.Turn, utterance string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+1)
	for _, t := range history {
		role := llm.RoleUser
		if t.Role == types.RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Content})
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: utterance})
}
