package main

import (
	"fmt"
	"os"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	"github.com/MrWong99/voxline/pkg/provider/llm/anthropic"
	"github.com/MrWong99/voxline/pkg/provider/llm/anyllm"
	"github.com/MrWong99/voxline/pkg/provider/llm/openai"
)

// builtinProviders lists the LLM implementations that ship with Voxline.
// Used for startup logging.
var builtinProviders = []string{
	"groq", "openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "llamacpp", "llamafile",
	"openai-native", "anthropic-native",
}

// registerBuiltinProviders wires all built-in LLM factories into reg. Each
// factory receives a config.ProviderEntry and constructs the provider from
// the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// These share the same pattern through any-llm: optional APIKey and
	// optional BaseURL.
	for _, providerName := range []string{
		"groq", "openai", "anthropic", "gemini",
		"deepseek", "mistral", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(providerName, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		p, err := anyllm.NewOllama(entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// The native adapters talk to the vendor SDKs directly and honour the
	// per-request timeout.
	reg.RegisterLLM("openai-native", func(entry config.ProviderEntry) (llm.Provider, error) {
		key := entry.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if entry.Timeout > 0 {
			opts = append(opts, openai.WithTimeout(entry.Timeout))
		}
		p, err := openai.New(key, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
	reg.RegisterLLM("anthropic-native", func(entry config.ProviderEntry) (llm.Provider, error) {
		key := entry.APIKey
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		var opts []anthropic.Option
		if entry.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(entry.BaseURL))
		}
		if entry.Timeout > 0 {
			opts = append(opts, anthropic.WithTimeout(entry.Timeout))
		}
		p, err := anthropic.New(key, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}

// printStartupSummary writes a human-readable overview of the effective
// configuration to stdout.
func printStartupSummary(cfg *config.Config, version string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Voxline · startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Version", version)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	for i, fb := range cfg.Providers.Fallbacks {
		printProvider(fmt.Sprintf("Fallback %d", i+1), fb.Name, fb.Model)
	}
	printRow("Runner", string(cfg.Supervisor.Runner))
	if cfg.Memory.PostgresDSN != "" {
		printRow("Memory", "postgres")
	} else {
		printRow("Memory", "in-process")
	}
	printRow("Personalities", fmt.Sprint(len(cfg.Dialogue.Personalities)))
	if cfg.MCP.Enabled {
		printRow("MCP", cfg.MCP.Path)
	} else {
		printRow("MCP", "(disabled)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := "(not configured)"
	if name != "" {
		value = name
		if model != "" {
			value = name + "/" + model
		}
	}
	printRow(kind, value)
}

func printRow(key, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Printf("║  %-14s : %-19s ║\n", key, value)
}

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
