package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/MrWong99/voxline/internal/config"
)

// newLogger builds the process logger. The level is read from lv on every
// record so a config reload can change it.
func newLogger(w io.Writer, lv *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv}))
}

// envConfig names the config file for commands started without --config.
// serve exports it so exec agents read the same file.
const envConfig = "VOXLINE_CONFIG"

func defaultConfigPath() string {
	if p := os.Getenv(envConfig); p != "" {
		return p
	}
	return "config.yaml"
}

// loadConfig reads path and prints a hint when the file is missing.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", path)
		}
		return nil, err
	}
	if abs, err := filepath.Abs(path); err == nil {
		os.Setenv(envConfig, abs)
	}
	return cfg, nil
}

// setupLogging installs the default logger at the level cfg asks for and
// returns the level handle.
func setupLogging(cfg *config.Config) *slog.LevelVar {
	lv := new(slog.LevelVar)
	lv.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(newLogger(os.Stderr, lv))
	return lv
}
