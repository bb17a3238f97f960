package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/MrWong99/voxline/internal/app"
	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/dialogue"
	"github.com/MrWong99/voxline/internal/transport"
	"github.com/MrWong99/voxline/pkg/memory"
	"github.com/MrWong99/voxline/pkg/memory/postgres"
)

// localSession is a dialogue engine owned by a single foreground process.
type localSession struct {
	engine *dialogue.Engine
	store  memory.Store
	close  func()
}

// openLocalSession builds the LLM chain from cfg and one engine for req.
// When cfg names a PostgreSQL DSN, turns and the final summary are written
// there so the control plane can list them.
func openLocalSession(ctx context.Context, cfg *config.Config, sessionID string, req app.SessionRequest) (*localSession, error) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	provider, err := app.BuildLLM(cfg, reg)
	if err != nil {
		return nil, err
	}

	ls := &localSession{close: func() {}}
	deps := app.FactoryDeps{Provider: provider, ProviderName: cfg.Providers.LLM.Name}
	if cfg.Memory.PostgresDSN != "" {
		pg, err := postgres.NewStore(ctx, cfg.Memory.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open memory store: %w", err)
		}
		ls.store = pg
		ls.close = pg.Close
		deps.Recorder = pg
	}

	factory, err := app.NewEngineFactory(cfg, deps)
	if err != nil {
		ls.close()
		return nil, err
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	eng, err := factory.NewEngine(sessionID, req)
	if err != nil {
		ls.close()
		return nil, err
	}
	ls.engine = eng
	return ls, nil
}

// turn adapts the engine to [transport.TurnFunc].
func (ls *localSession) turn(ctx context.Context, u transport.Utterance) (dialogue.Reply, error) {
	return ls.engine.ProcessUtterance(ctx, dialogue.Utterance{Text: u.Text, ParticipantID: u.ParticipantID})
}

// finish closes the engine with reason and persists the summary.
func (ls *localSession) finish(ctx context.Context, reason string) {
	sum := ls.engine.Close(reason)
	if ls.store != nil {
		if err := ls.store.RecordSession(ctx, sum); err != nil {
			slog.Warn("failed to record session", "session_id", sum.ID, "err", err)
		}
	}
	ls.close()
	slog.Info("session closed",
		"session_id", sum.ID,
		"reason", sum.CloseReason,
		"turns", sum.TurnCount,
	)
}
