package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/dialogue"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/special"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	"github.com/MrWong99/voxline/pkg/types"
)

// SessionRequest describes a dialogue session to open.
type SessionRequest struct {
	RoomName string         `json:"room_name"`
	Kind     types.CallKind `json:"kind"`
	CallerID string         `json:"caller_id,omitempty"`
}

// EngineFactory builds dialogue engines from one immutable configuration
// snapshot. A config reload replaces the factory; sessions already open keep
// the engine they were built with.
type EngineFactory struct {
	dlg           config.DialogueConfig
	provider      llm.Provider
	providerName  string
	functions     *special.Registry
	personalities []dialogue.Personality
	keywords      []dialogue.Category
	metrics       *observe.Metrics
	recorder      dialogue.TurnRecorder
	now           func() time.Time
}

// FactoryDeps are the collaborators shared by every engine of a factory.
type FactoryDeps struct {
	// Provider generates replies. Required.
	Provider llm.Provider

	// ProviderName labels generation metrics.
	ProviderName string

	Metrics  *observe.Metrics
	Recorder dialogue.TurnRecorder

	// Now overrides the engine clock.
	Now func() time.Time
}

// NewEngineFactory validates the dialogue section of cfg and prepares the
// shared special-function registry.
func NewEngineFactory(cfg *config.Config, deps FactoryDeps) (*EngineFactory, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if deps.Provider == nil {
		return nil, errors.New("app: LLM provider must not be nil")
	}
	dlg := cfg.Dialogue

	loc := time.Local
	if dlg.Content.Timezone != "" {
		l, err := time.LoadLocation(dlg.Content.Timezone)
		if err != nil {
			return nil, fmt.Errorf("app: load timezone %q: %w", dlg.Content.Timezone, err)
		}
		loc = l
	}

	opts := []special.Option{special.WithTimeout(dlg.FunctionTimeout)}
	if deps.Metrics != nil {
		m := deps.Metrics
		opts = append(opts, special.WithObserver(func(ctx context.Context, o special.Outcome) {
			status := "ok"
			if o.Err != nil {
				status = "error"
			}
			m.RecordSpecialFunction(ctx, o.Function, status, o.Duration)
		}))
	}
	functions := special.NewDefaultRegistry(special.BuiltinConfig{
		DefaultLocation: dlg.Content.DefaultLocation,
		Location:        loc,
		Jokes:           dlg.Content.Jokes,
		Quotes:          dlg.Content.Quotes,
	}, opts...)

	personalities := make([]dialogue.Personality, 0, len(dlg.Personalities))
	for _, p := range dlg.Personalities {
		personalities = append(personalities, dialogue.Personality{
			Name:     p.Name,
			Title:    p.Title,
			Tone:     p.Tone,
			Style:    p.Style,
			Prompt:   p.Prompt,
			Keywords: p.Keywords,
		})
	}
	keywords := make([]dialogue.Category, 0, len(dlg.Functions))
	for _, f := range dlg.Functions {
		keywords = append(keywords, dialogue.Category{Name: f.Name, Keywords: f.Keywords})
	}

	name := deps.ProviderName
	if name == "" {
		name = cfg.Providers.LLM.Name
	}
	return &EngineFactory{
		dlg:           dlg,
		provider:      deps.Provider,
		providerName:  name,
		functions:     functions,
		personalities: personalities,
		keywords:      keywords,
		metrics:       deps.Metrics,
		recorder:      deps.Recorder,
		now:           deps.Now,
	}, nil
}

// Functions returns the special-function registry shared by all engines.
func (f *EngineFactory) Functions() *special.Registry { return f.functions }

// Resolver returns a mode resolver over the factory's keyword tables.
func (f *EngineFactory) Resolver() *dialogue.Resolver {
	cats := make([]dialogue.Category, len(f.personalities))
	for i, p := range f.personalities {
		cats[i] = dialogue.Category{Name: p.Name, Keywords: p.Keywords}
	}
	return dialogue.NewResolver(cats, f.keywords, dialogue.WithFuzzyThreshold(f.dlg.FuzzyThreshold))
}

// NewEngine builds the engine for one session. The profile is picked by the
// call kind.
func (f *EngineFactory) NewEngine(sessionID string, req SessionRequest) (*dialogue.Engine, error) {
	profile := f.dlg.ProfileFor(req.Kind)

	var genOpts []dialogue.GeneratorOption
	if f.metrics != nil {
		genOpts = append(genOpts, dialogue.WithGeneratorMetrics(f.metrics))
	}
	gen := dialogue.NewGenerator(f.provider, dialogue.GeneratorConfig{
		MaxTokens:    profile.MaxTokens,
		Temperature:  profile.Temperature,
		Window:       profile.HistoryWindow,
		Timeout:      profile.Timeout,
		Rules:        f.dlg.Rules,
		ProviderName: f.providerName,
	}, genOpts...)

	return dialogue.NewEngine(dialogue.Config{
		SessionID:        sessionID,
		RoomName:         req.RoomName,
		Kind:             req.Kind,
		CallerID:         req.CallerID,
		Personalities:    f.personalities,
		DefaultMode:      f.dlg.DefaultMode,
		BaseDirective:    f.dlg.BaseDirective,
		FunctionKeywords: f.keywords,
		FuzzyThreshold:   f.dlg.FuzzyThreshold,
		Farewell:         f.dlg.Farewell,
		MaxHistoryTurns:  profile.MaxHistoryTurns,
		MaxTurns:         profile.MaxTurns,
		MaxDuration:      profile.MaxDuration,
		Messages: dialogue.Messages{
			Greeting: f.dlg.Messages.Greeting,
			Apology:  f.dlg.Messages.Apology,
			Ceiling:  f.dlg.Messages.Ceiling,
			Farewell: f.dlg.Messages.Farewell,
		},
		Generator: gen,
		Functions: f.functions,
		Recorder:  f.recorder,
		Metrics:   f.metrics,
		Now:       f.now,
	})
}
