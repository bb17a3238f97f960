package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/resilience"
	"github.com/MrWong99/voxline/pkg/provider/llm"
)

// BuildLLM instantiates the primary LLM provider and its fallbacks through
// reg and wraps them in a [resilience.LLMFallback]. Each backend gets its own
// circuit breaker; transitions are logged.
func BuildLLM(cfg *config.Config, reg *config.Registry) (*resilience.LLMFallback, error) {
	if cfg.Providers.LLM.Name == "" {
		return nil, errors.New("app: providers.llm.name is required")
	}
	entries := make([]config.ProviderEntry, 0, 1+len(cfg.Providers.Fallbacks))
	entries = append(entries, cfg.Providers.LLM)
	entries = append(entries, cfg.Providers.Fallbacks...)

	members := make([]resilience.Entry[llm.Provider], 0, len(entries))
	for i, e := range entries {
		p, err := reg.CreateLLM(e)
		if err != nil {
			if i == 0 {
				return nil, fmt.Errorf("app: create llm provider %q: %w", e.Name, err)
			}
			slog.Warn("skipping fallback llm provider", "provider", e.Name, "err", err)
			continue
		}
		members = append(members, resilience.Entry[llm.Provider]{Name: providerLabel(e), Value: p})
	}

	return resilience.NewLLMFallback(resilience.CircuitBreakerConfig{
		Name: "llm",
		OnStateChange: func(name string, from, to resilience.State) {
			level := slog.LevelInfo
			if to == resilience.StateOpen {
				level = slog.LevelWarn
			}
			slog.Log(context.Background(), level, "llm circuit breaker transition", "breaker", name, "from", from, "to", to)
		},
	}, members...)
}

// providerLabel names a backend by provider and model, e.g. "openai/gpt-4o".
func providerLabel(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + "/" + e.Model
}
