// Package app wires all Voxline subsystems into a running orchestrator.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API until the context ends, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithProvider, WithRunner, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/health"
	"github.com/MrWong99/voxline/internal/mcp"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/supervisor"
	"github.com/MrWong99/voxline/pkg/memory"
	"github.com/MrWong99/voxline/pkg/memory/postgres"
	"github.com/MrWong99/voxline/pkg/provider/llm"
)

// shutdownTimeout bounds the graceful HTTP shutdown in Run.
const shutdownTimeout = 10 * time.Second

// cleanupInterval is how often terminal agents are moved into history.
const cleanupInterval = time.Minute

// App owns all subsystem lifetimes of the orchestrator.
type App struct {
	cfg     *config.Config
	version string

	registry  *config.Registry
	provider  llm.Provider
	store     memory.Store
	runner    supervisor.Runner
	telemetry *observe.Telemetry
	levels    *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	checkers []health.Checker
	sessions *SessionManager
	agents   *supervisor.Supervisor
	handler  http.Handler

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a persistence store instead of creating one from config.
// The caller keeps ownership; Shutdown does not close it.
func WithStore(s memory.Store) Option {
	return func(a *App) { a.store = s }
}

// WithProvider injects the LLM provider instead of building the fallback
// chain from config.
func WithProvider(p llm.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithRegistry sets the provider registry used to build the LLM chain.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithRunner injects the agent runner instead of deriving it from config.
func WithRunner(r supervisor.Runner) Option {
	return func(a *App) { a.runner = r }
}

// WithTelemetry injects an initialised telemetry provider.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) { a.telemetry = t }
}

// WithLevelVar lets config reloads change the log level of the default
// logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levels = v }
}

// WithVersion sets the version reported by health and MCP endpoints.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Without
// [WithProvider], a registry must be supplied through [WithRegistry].
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, version: "dev"}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 2. Persistence ───────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 3. LLM provider chain ────────────────────────────────────────────
	if err := a.initProvider(); err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("app: init llm: %w", err)
	}

	// ── 4. Sessions ──────────────────────────────────────────────────────
	factory, err := a.newFactory(cfg)
	if err != nil {
		a.closeAll(ctx)
		return nil, err
	}
	a.sessions, err = NewSessionManager(SessionManagerConfig{
		Factory:      factory,
		Store:        a.store,
		Metrics:      a.telemetry.Metrics,
		HistoryLimit: cfg.Server.SessionHistoryLimit,
	})
	if err != nil {
		a.closeAll(ctx)
		return nil, err
	}

	// ── 5. Agent supervisor ──────────────────────────────────────────────
	if a.runner == nil {
		a.runner = runnerFromConfig(cfg.Supervisor, a.sessions)
	}
	a.agents, err = supervisor.New(supervisor.Config{
		Runner:       a.runner,
		GracePeriod:  cfg.Supervisor.GracePeriod,
		HistoryLimit: cfg.Supervisor.HistoryLimit,
		MaxAgents:    cfg.Supervisor.MaxAgents,
		Metrics:      a.telemetry.Metrics,
		Recorder:     a.store,
	})
	if err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("app: init supervisor: %w", err)
	}

	// ── 6. HTTP surface ──────────────────────────────────────────────────
	a.checkers = append(a.checkers,
		health.CapacityChecker("agents", func() int { return a.agents.Stats().Active }, cfg.Supervisor.MaxAgents),
	)
	a.handler = a.routes(factory)

	slog.Info("app initialised",
		"runner", runnerKind(a.runner),
		"personalities", len(cfg.Dialogue.Personalities),
		"mcp", cfg.MCP.Enabled,
	)
	return a, nil
}

// initTelemetry sets up metrics and tracing unless a provider was injected.
func (a *App) initTelemetry(ctx context.Context) error {
	if a.telemetry != nil {
		return nil
	}
	t, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxline",
		ServiceVersion: a.version,
		InstanceID:     "serve",
	})
	if err != nil {
		return err
	}
	a.telemetry = t
	a.closers = append(a.closers, t.Shutdown)
	return nil
}

// initStore opens PostgreSQL when a DSN is configured and falls back to the
// bounded in-process store otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Memory.PostgresDSN
	if dsn == "" {
		a.store = memory.NewLocal(a.cfg.Memory.LocalCapacity)
		return nil
	}
	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.checkers = append(a.checkers, health.PingChecker("postgres", store))
	a.closers = append(a.closers, func(context.Context) error {
		store.Close()
		return nil
	})
	return nil
}

// initProvider builds the LLM fallback chain from config unless a provider
// was injected.
func (a *App) initProvider() error {
	if a.provider != nil {
		if c, ok := a.provider.(interface{ Check(context.Context) error }); ok {
			a.checkers = append(a.checkers, health.Checker{Name: "llm", Check: c.Check})
		}
		return nil
	}
	if a.registry == nil {
		return errors.New("no provider registry configured")
	}
	fb, err := BuildLLM(a.cfg, a.registry)
	if err != nil {
		return err
	}
	a.provider = fb
	a.checkers = append(a.checkers, health.Checker{Name: "llm", Check: fb.Check})
	return nil
}

func (a *App) newFactory(cfg *config.Config) (*EngineFactory, error) {
	return NewEngineFactory(cfg, FactoryDeps{
		Provider: a.provider,
		Metrics:  a.telemetry.Metrics,
		Recorder: a.store,
	})
}

// runnerFromConfig returns the agent runner selected by cfg.Runner.
func runnerFromConfig(cfg config.SupervisorConfig, sm *SessionManager) supervisor.Runner {
	if cfg.Runner == config.RunnerInProcess {
		return &supervisor.FuncRunner{Func: SessionAgent(sm)}
	}
	env := make([]string, 0, len(cfg.Env))
	for _, k := range slices.Sorted(maps.Keys(cfg.Env)) {
		env = append(env, k+"="+cfg.Env[k])
	}
	return &supervisor.ExecRunner{
		Path: cfg.Command,
		Args: cfg.Args,
		Env:  env,
	}
}

func runnerKind(r supervisor.Runner) string {
	switch r.(type) {
	case *supervisor.ExecRunner:
		return string(config.RunnerExec)
	case *supervisor.FuncRunner:
		return string(config.RunnerInProcess)
	default:
		return fmt.Sprintf("%T", r)
	}
}

// routes assembles the HTTP handler tree.
func (a *App) routes(factory *EngineFactory) http.Handler {
	mux := http.NewServeMux()
	NewAPI(a.agents, a.sessions, a.store, WithOriginPatterns(a.cfg.Server.AllowedOrigins...)).Register(mux)
	health.New(a.checkers, health.WithVersion(a.version)).Register(mux)
	mux.Handle("GET /metrics", a.telemetry.MetricsHandler())

	if a.cfg.MCP.Enabled {
		path := a.cfg.MCP.Path
		if path == "" {
			path = "/mcp"
		}
		srv := mcp.NewServer(factory.Functions(),
			mcp.WithResolver(factory.Resolver()),
			mcp.WithImplementation("voxline", a.version),
		)
		mux.Handle(path, mcp.Handler(srv))
	}
	return observe.Middleware(a.telemetry.Metrics)(mux)
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Agents returns the agent supervisor.
func (a *App) Agents() *supervisor.Supervisor { return a.agents }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API on cfg.Server.ListenAddr and blocks until ctx is
// cancelled or the server fails. Terminal agents are swept into history
// periodically while running.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", srv.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := a.agents.Cleanup(gctx); n > 0 {
					slog.Debug("moved finished agents to history", "count", n)
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable part of a config change. Dialogue
// changes rebuild the engine factory, so they reach new sessions only. Changes
// that need a restart are logged and otherwise ignored.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
	if !d.HotReloadable() {
		return
	}
	if d.LogLevelChanged && a.levels != nil {
		a.levels.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PersonalitiesChanged || d.FunctionsChanged || d.FarewellChanged || d.MessagesChanged || d.ProfilesChanged {
		factory, err := a.newFactory(new)
		if err != nil {
			slog.Error("config reload rejected", "err", err)
			return
		}
		a.sessions.SetFactory(factory)
		slog.Info("dialogue config reloaded",
			"personality_changes", len(d.PersonalityChanges),
			"functions_changed", d.FunctionsChanged,
			"profiles_changed", d.ProfilesChanged,
		)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops all agents, closes all live sessions and tears down the
// subsystems in init order. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "agents", a.agents.Stats().Active, "sessions", a.sessions.Count())

		if err := a.agents.StopAll(ctx); err != nil {
			slog.Warn("stopping agents", "err", err)
		}
		a.agents.Wait()
		a.sessions.CloseAll(ctx)

		shutdownErr = a.closeAll(ctx)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll(ctx context.Context) error {
	for i, closer := range a.closers {
		select {
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
			return ctx.Err()
		default:
		}
		if err := closer(ctx); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
	return nil
}
