package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxline/internal/app"
	"github.com/MrWong99/voxline/internal/config"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		watch      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control plane and agent supervisor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath, watch)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", defaultConfigPath(), "path to the YAML configuration file")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload hot-reloadable settings when the config file changes")
	return cmd
}

func serve(parent context.Context, configPath string, watch bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	levels := setupLogging(cfg)

	slog.Info("voxline starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	printStartupSummary(cfg, version)

	ctx, stop := signalContext(parent)
	defer stop()

	application, err := app.New(ctx, cfg,
		app.WithRegistry(reg),
		app.WithLevelVar(levels),
		app.WithVersion(version),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })
	if watch {
		w, err := config.NewWatcher(configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	runErr := g.Wait()

	slog.Info("shutdown signal received, stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return err
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
		return runErr
	}
	slog.Info("goodbye")
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
