package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxline/internal/special"
	"github.com/MrWong99/voxline/pkg/types"
)

// ValidProviderNames lists known LLM provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{
	"groq", "openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "llamacpp", "llamafile",
	"openai-native", "anthropic-native",
}

// builtinFunctions are the names accepted in dialogue.functions.
var builtinFunctions = []string{
	special.Weather, special.Time, special.Joke, special.Quote, special.Calculator, special.Translator,
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the defaults.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "") != (tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	validateProviderName("providers.llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.Fallbacks {
		prefix := fmt.Sprintf("providers.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		validateProviderName(prefix, fb.Name)
	}

	errs = append(errs, validateDialogue(&cfg.Dialogue)...)

	// Supervisor
	if cfg.Supervisor.Runner != "" && !cfg.Supervisor.Runner.IsValid() {
		errs = append(errs, fmt.Errorf("supervisor.runner %q is invalid; valid values: exec, inprocess", cfg.Supervisor.Runner))
	}
	if cfg.Supervisor.MaxAgents < 0 {
		errs = append(errs, fmt.Errorf("supervisor.max_agents %d must not be negative", cfg.Supervisor.MaxAgents))
	}
	if cfg.Supervisor.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("supervisor.grace_period %s must not be negative", cfg.Supervisor.GracePeriod))
	}

	// Memory availability
	if cfg.Memory.PostgresDSN == "" {
		slog.Debug("memory.postgres_dsn is empty; turns and history are kept in memory only")
	}

	// MCP
	if cfg.MCP.Enabled && !strings.HasPrefix(cfg.MCP.Path, "/") {
		errs = append(errs, fmt.Errorf("mcp.path %q must start with /", cfg.MCP.Path))
	}

	return errors.Join(errs...)
}

func validateDialogue(d *DialogueConfig) []error {
	var errs []error

	for name, p := range d.Profiles {
		prefix := fmt.Sprintf("dialogue.profiles.%s", name)
		if p.Temperature < 0 || p.Temperature > 2 {
			errs = append(errs, fmt.Errorf("%s.temperature %.2f is out of range [0, 2]", prefix, p.Temperature))
		}
		if p.MaxTurns < 0 {
			errs = append(errs, fmt.Errorf("%s.max_turns %d must not be negative", prefix, p.MaxTurns))
		}
		if p.MaxDuration < 0 {
			errs = append(errs, fmt.Errorf("%s.max_duration %s must not be negative", prefix, p.MaxDuration))
		}
		if p.MaxDuration > 0 && p.MaxDuration < time.Second {
			slog.Warn("dialogue profile max_duration is below one second", "profile", name, "max_duration", p.MaxDuration)
		}
	}

	// Personality duplicate name detection
	namesSeen := make(map[string]int, len(d.Personalities))
	cats := make([]keywordCategory, 0, len(d.Personalities))
	for i, p := range d.Personalities {
		prefix := fmt.Sprintf("dialogue.personalities[%d]", i)
		switch {
		case p.Name == "":
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		case p.Name == types.ModeNone:
			errs = append(errs, fmt.Errorf("%s.name %q is reserved", prefix, p.Name))
		default:
			if prev, ok := namesSeen[p.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of dialogue.personalities[%d]", prefix, p.Name, prev))
			}
			namesSeen[p.Name] = i
		}
		if p.Prompt == "" {
			errs = append(errs, fmt.Errorf("%s.prompt is required", prefix))
		}
		cats = append(cats, keywordCategory{prefix: prefix, name: p.Name, keywords: p.Keywords})
	}
	errs = append(errs, checkKeywordTable("personalities", cats)...)

	if d.DefaultMode != "" && d.DefaultMode != types.ModeNone {
		if _, ok := namesSeen[d.DefaultMode]; !ok {
			errs = append(errs, fmt.Errorf("dialogue.default_mode %q is not a configured personality", d.DefaultMode))
		}
	}

	fnSeen := make(map[string]int, len(d.Functions))
	cats = cats[:0]
	for i, fn := range d.Functions {
		prefix := fmt.Sprintf("dialogue.functions[%d]", i)
		if !slices.Contains(builtinFunctions, fn.Name) {
			errs = append(errs, fmt.Errorf("%s.name %q is invalid; valid values: %s", prefix, fn.Name, strings.Join(builtinFunctions, ", ")))
		} else if prev, ok := fnSeen[fn.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of dialogue.functions[%d]", prefix, fn.Name, prev))
		}
		fnSeen[fn.Name] = i
		cats = append(cats, keywordCategory{prefix: prefix, name: fn.Name, keywords: fn.Keywords})
	}
	errs = append(errs, checkKeywordTable("functions", cats)...)

	if d.FuzzyThreshold < 0 || d.FuzzyThreshold > 1 {
		errs = append(errs, fmt.Errorf("dialogue.fuzzy_threshold %.2f is out of range [0, 1]", d.FuzzyThreshold))
	}
	if d.Content.Timezone != "" {
		if _, err := time.LoadLocation(d.Content.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("dialogue.content.timezone %q: %w", d.Content.Timezone, err))
		}
	}
	return errs
}

type keywordCategory struct {
	prefix   string
	name     string
	keywords []string
}

// checkKeywordTable rejects empty or repeated keywords within one category
// and warns about keywords shared by several categories of the same table,
// where only the first in priority order can ever match.
func checkKeywordTable(table string, cats []keywordCategory) []error {
	var errs []error
	owner := make(map[string]string)
	for _, c := range cats {
		local := make(map[string]bool, len(c.keywords))
		for j, kw := range c.keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				errs = append(errs, fmt.Errorf("%s.keywords[%d] is empty", c.prefix, j))
				continue
			}
			if local[kw] {
				errs = append(errs, fmt.Errorf("%s.keywords[%d] %q is repeated", c.prefix, j, kw))
				continue
			}
			local[kw] = true
			if prev, ok := owner[kw]; ok && prev != c.name {
				slog.Warn("keyword is shared by several categories; only the first can match",
					"table", table,
					"keyword", kw,
					"first", prev,
					"shadowed", c.name,
				)
				continue
			}
			owner[kw] = c.name
		}
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidProviderNames].
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}
