package config

import (
	"maps"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
//
// Hot-reloadable changes apply to sessions opened after the reload; open
// sessions keep the settings they started with. RestartRequired lists the
// changed sections that only take effect after a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PersonalitiesChanged bool
	PersonalityChanges   []PersonalityDiff

	FunctionsChanged bool
	FarewellChanged  bool
	MessagesChanged  bool
	ProfilesChanged  bool

	// RestartRequired holds dotted section names, e.g. "server.listen_addr".
	RestartRequired []string
}

// HotReloadable reports whether any change can be applied without restart.
func (d ConfigDiff) HotReloadable() bool {
	return d.LogLevelChanged || d.PersonalitiesChanged || d.FunctionsChanged ||
		d.FarewellChanged || d.MessagesChanged || d.ProfilesChanged
}

// PersonalityDiff describes what changed for a single personality.
type PersonalityDiff struct {
	Name            string
	PromptChanged   bool
	KeywordsChanged bool
	Added           bool
	Removed         bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.PersonalityChanges = diffPersonalities(old.Dialogue.Personalities, new.Dialogue.Personalities)
	d.PersonalitiesChanged = len(d.PersonalityChanges) > 0 ||
		old.Dialogue.DefaultMode != new.Dialogue.DefaultMode ||
		old.Dialogue.BaseDirective != new.Dialogue.BaseDirective ||
		!slices.Equal(personalityOrder(old), personalityOrder(new))

	d.FunctionsChanged = !reflect.DeepEqual(old.Dialogue.Functions, new.Dialogue.Functions) ||
		old.Dialogue.FunctionTimeout != new.Dialogue.FunctionTimeout ||
		old.Dialogue.FuzzyThreshold != new.Dialogue.FuzzyThreshold ||
		!reflect.DeepEqual(old.Dialogue.Content, new.Dialogue.Content)
	d.FarewellChanged = !slices.Equal(old.Dialogue.Farewell, new.Dialogue.Farewell)
	d.MessagesChanged = old.Dialogue.Messages != new.Dialogue.Messages ||
		!slices.Equal(old.Dialogue.Rules, new.Dialogue.Rules)
	d.ProfilesChanged = !maps.Equal(old.Dialogue.Profiles, new.Dialogue.Profiles)

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server.allowed_origins")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if !reflect.DeepEqual(old.Supervisor, new.Supervisor) {
		d.RestartRequired = append(d.RestartRequired, "supervisor")
	}
	if old.Memory != new.Memory {
		d.RestartRequired = append(d.RestartRequired, "memory")
	}
	if old.MCP != new.MCP {
		d.RestartRequired = append(d.RestartRequired, "mcp")
	}

	return d
}

func diffPersonalities(old, new []PersonalityConfig) []PersonalityDiff {
	oldByName := make(map[string]*PersonalityConfig, len(old))
	for i := range old {
		oldByName[old[i].Name] = &old[i]
	}
	newByName := make(map[string]*PersonalityConfig, len(new))
	for i := range new {
		newByName[new[i].Name] = &new[i]
	}

	var out []PersonalityDiff
	for _, o := range old {
		n, ok := newByName[o.Name]
		if !ok {
			out = append(out, PersonalityDiff{Name: o.Name, Removed: true})
			continue
		}
		pd := PersonalityDiff{
			Name:            o.Name,
			PromptChanged:   o.Prompt != n.Prompt || o.Title != n.Title || o.Tone != n.Tone || o.Style != n.Style,
			KeywordsChanged: !slices.Equal(o.Keywords, n.Keywords),
		}
		if pd.PromptChanged || pd.KeywordsChanged {
			out = append(out, pd)
		}
	}
	for _, n := range new {
		if _, ok := oldByName[n.Name]; !ok {
			out = append(out, PersonalityDiff{Name: n.Name, Added: true})
		}
	}
	return out
}

func personalityOrder(cfg *Config) []string {
	names := make([]string, len(cfg.Dialogue.Personalities))
	for i, p := range cfg.Dialogue.Personalities {
		names[i] = p.Name
	}
	return names
}
