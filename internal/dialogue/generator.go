package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	"github.com/MrWong99/voxline/pkg/types"
)

// ErrGenerationUnavailable is returned when the provider fails, times out or
// returns no content. Callers substitute a fixed apology.
var ErrGenerationUnavailable = errors.New("dialogue: generation unavailable")

// Defaults used when a GeneratorConfig field is zero.
const (
	DefaultWindow            = 8
	DefaultGenerationTimeout = 10 * time.Second
)

// GeneratorConfig holds the model parameters of one session profile.
type GeneratorConfig struct {
	// MaxTokens caps the reply length.
	MaxTokens int

	// Temperature controls variance. Telephony profiles use a low value.
	Temperature float64

	// Window is how many of the most recent history turns are sent.
	Window int

	// Timeout bounds one provider call.
	Timeout time.Duration

	// Rules are appended to every directive. Nil means DefaultRules.
	Rules []string

	// ProviderName labels metrics.
	ProviderName string
}

// Generator turns a directive, bounded history and a new utterance into one
// reply. It is stateless and safe for concurrent use.
type Generator struct {
	provider llm.Provider
	cfg      GeneratorConfig
	metrics  *observe.Metrics
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithGeneratorMetrics records LLM latency and provider outcomes.
func WithGeneratorMetrics(m *observe.Metrics) GeneratorOption {
	return func(g *Generator) { g.metrics = m }
}

// NewGenerator creates a Generator over provider.
func NewGenerator(provider llm.Provider, cfg GeneratorConfig, opts ...GeneratorOption) *Generator {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultGenerationTimeout
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "llm"
	}
	g := &Generator{provider: provider, cfg: cfg}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Config returns the effective configuration.
func (g *Generator) Config() GeneratorConfig { return g.cfg }

// Generate produces a reply. Any provider failure is reported as
// ErrGenerationUnavailable wrapping the cause.
func (g *Generator) Generate(ctx context.Context, directive string, history []types.Turn, utterance string) (string, error) {
	if len(history) > g.cfg.Window {
		history = history[len(history)-g.cfg.Window:]
	}
	req := llm.CompletionRequest{
		SystemPrompt: buildSystemPrompt(directive, g.cfg.Rules),
		Messages:     buildMessages(history, utterance),
		MaxTokens:    g.cfg.MaxTokens,
		Temperature:  g.cfg.Temperature,
	}

	ctx, span := observe.StartSpan(ctx, "dialogue.generate")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := g.provider.Complete(ctx, req)
	if g.metrics != nil {
		g.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err == nil && (resp == nil || strings.TrimSpace(resp.Content) == "") {
		err = errors.New("empty completion")
	}
	if err != nil {
		span.RecordError(err)
		if g.metrics != nil {
			g.metrics.RecordProviderRequest(ctx, g.cfg.ProviderName, "llm", "error")
			g.metrics.RecordProviderError(ctx, g.cfg.ProviderName, "llm")
		}
		return "", fmt.Errorf("%w: %w", ErrGenerationUnavailable, err)
	}
	if g.metrics != nil {
		g.metrics.RecordProviderRequest(ctx, g.cfg.ProviderName, "llm", "ok")
	}
	return strings.TrimSpace(resp.Content), nil
}
