package config

import (
	"slices"
	"time"

	"github.com/MrWong99/voxline/internal/dialogue"
	"github.com/MrWong99/voxline/internal/special"
	"github.com/MrWong99/voxline/pkg/types"
)

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr          = ":8080"
	DefaultLLMProvider         = "groq"
	DefaultLLMModel            = "llama3-8b-8192"
	DefaultMode                = "assistant"
	DefaultGracePeriod         = 5 * time.Second
	DefaultHistoryLimit        = 1000
	DefaultMCPPath             = "/mcp"
	DefaultFunctionTimeout     = 10 * time.Second
	DefaultGenerationTimeout   = 10 * time.Second
	DefaultTelephonyMaxSeconds = 1800
)

// DefaultGreeting is spoken when a session opens.
const DefaultGreeting = dialogue.DefaultGreeting

// DefaultBaseDirective is the telephony system prompt used while no
// personality is active.
const DefaultBaseDirective = "Você é um assistente de voz útil. Responda de forma concisa e natural em português brasileiro. Mantenha as respostas curtas para conversas por telefone."

// DefaultProfiles returns the built-in chat and telephony profiles.
func DefaultProfiles() map[string]ProfileConfig {
	return map[string]ProfileConfig{
		ProfileChat: {
			MaxTokens:       200,
			Temperature:     0.7,
			HistoryWindow:   6,
			MaxHistoryTurns: 15,
			Timeout:         DefaultGenerationTimeout,
		},
		ProfileTelephony: {
			MaxTokens:       100,
			Temperature:     0.3,
			HistoryWindow:   8,
			MaxHistoryTurns: 15,
			MaxDuration:     DefaultTelephonyMaxSeconds * time.Second,
			Timeout:         DefaultGenerationTimeout,
		},
	}
}

// DefaultPersonalities returns the built-in personalities in priority order.
func DefaultPersonalities() []PersonalityConfig {
	return []PersonalityConfig{
		{
			Name:     "teacher",
			Title:    "Professor IA",
			Tone:     "educativo e paciente",
			Style:    "explicativo e didático",
			Prompt:   "Você é um professor virtual. Explique conceitos de forma clara e didática.",
			Keywords: []string{"professor", "ensinar", "explicar", "educativo", "aula"},
		},
		{
			Name:     "friend",
			Title:    "Amigo IA",
			Tone:     "casual e descontraído",
			Style:    "conversacional e empático",
			Prompt:   "Você é um amigo virtual. Seja casual, empático e divertido nas conversas.",
			Keywords: []string{"amigo", "amigável", "casual", "descontraído", "conversa"},
		},
		{
			Name:     "coach",
			Title:    "Coach IA",
			Tone:     "motivacional e energético",
			Style:    "inspirador e focado",
			Prompt:   "Você é um coach motivacional. Inspire e motive as pessoas com energia positiva.",
			Keywords: []string{"coach", "motivar", "inspirar", "energia", "motivação"},
		},
		{
			Name:     "assistant",
			Title:    "Assistente IA",
			Tone:     "profissional e amigável",
			Style:    "útil e preciso",
			Prompt:   "Você é um assistente inteligente e útil. Responda de forma clara e concisa.",
			Keywords: []string{"assistente", "ajudar", "profissional", "formal"},
		},
	}
}

// DefaultFunctions returns the built-in special-function keyword table in
// priority order. "motivação" belongs to the coach personality only.
func DefaultFunctions() []FunctionConfig {
	return []FunctionConfig{
		{Name: special.Weather, Keywords: []string{"clima", "tempo", "temperatura", "chuva", "sol"}},
		{Name: special.Time, Keywords: []string{"horas", "que horas", "que dia", "data", "agora"}},
		{Name: special.Joke, Keywords: []string{"piada", "engraçado", "humor", "rir", "divertido"}},
		{Name: special.Quote, Keywords: []string{"frase", "inspiração", "citação"}},
		{Name: special.Calculator, Keywords: []string{"calcular", "conta", "matemática", "soma", "multiplicar"}},
		{Name: special.Translator, Keywords: []string{"traduzir", "inglês", "espanhol", "idioma"}},
	}
}

// DefaultFarewell returns the built-in farewell patterns.
func DefaultFarewell() []string {
	return []string{"tchau", "adeus", "até logo", "até mais", "bye"}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every unset field of cfg with its default. Profiles
// present in cfg are completed field by field from the built-in profile of
// the same name.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.SessionHistoryLimit <= 0 {
		cfg.Server.SessionHistoryLimit = DefaultHistoryLimit
	}

	if cfg.Providers.LLM.Name == "" {
		cfg.Providers.LLM.Name = DefaultLLMProvider
		if cfg.Providers.LLM.Model == "" {
			cfg.Providers.LLM.Model = DefaultLLMModel
		}
	}

	applyDialogueDefaults(&cfg.Dialogue)

	if cfg.Supervisor.Runner == "" {
		cfg.Supervisor.Runner = RunnerExec
	}
	if cfg.Supervisor.GracePeriod <= 0 {
		cfg.Supervisor.GracePeriod = DefaultGracePeriod
	}
	if cfg.Supervisor.HistoryLimit <= 0 {
		cfg.Supervisor.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Supervisor.Command == "" && len(cfg.Supervisor.Args) == 0 {
		cfg.Supervisor.Args = []string{"agent"}
	}

	if cfg.Memory.LocalCapacity <= 0 {
		cfg.Memory.LocalCapacity = DefaultHistoryLimit
	}

	if cfg.MCP.Path == "" {
		cfg.MCP.Path = DefaultMCPPath
	}
}

func applyDialogueDefaults(d *DialogueConfig) {
	builtin := DefaultProfiles()
	if d.Profiles == nil {
		d.Profiles = make(map[string]ProfileConfig, len(builtin))
	}
	for name, def := range builtin {
		p, ok := d.Profiles[name]
		if !ok {
			d.Profiles[name] = def
			continue
		}
		d.Profiles[name] = mergeProfile(p, def)
	}
	for name, p := range d.Profiles {
		if _, ok := builtin[name]; !ok {
			d.Profiles[name] = mergeProfile(p, builtin[ProfileChat])
		}
	}

	if len(d.Personalities) == 0 {
		d.Personalities = DefaultPersonalities()
	}
	if d.DefaultMode == "" {
		d.DefaultMode = DefaultMode
		if !slices.ContainsFunc(d.Personalities, func(p PersonalityConfig) bool { return p.Name == DefaultMode }) {
			d.DefaultMode = types.ModeNone
		}
	}
	if d.BaseDirective == "" {
		d.BaseDirective = DefaultBaseDirective
	}
	if len(d.Functions) == 0 {
		d.Functions = DefaultFunctions()
	}
	if d.FunctionTimeout <= 0 {
		d.FunctionTimeout = DefaultFunctionTimeout
	}
	if d.Farewell == nil {
		d.Farewell = DefaultFarewell()
	}
	if d.Messages.Greeting == "" {
		d.Messages.Greeting = DefaultGreeting
	}
	if d.Content.DefaultLocation == "" {
		d.Content.DefaultLocation = "São Paulo"
	}
}

// mergeProfile fills the zero fields of p from def. MaxTurns and MaxDuration
// are left as configured because zero disables them.
func mergeProfile(p, def ProfileConfig) ProfileConfig {
	if p.MaxTokens <= 0 {
		p.MaxTokens = def.MaxTokens
	}
	if p.Temperature == 0 {
		p.Temperature = def.Temperature
	}
	if p.HistoryWindow <= 0 {
		p.HistoryWindow = def.HistoryWindow
	}
	if p.MaxHistoryTurns <= 0 {
		p.MaxHistoryTurns = def.MaxHistoryTurns
	}
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	return p
}
