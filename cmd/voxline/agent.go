package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/MrWong99/voxline/internal/app"
	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/dialogue"
	"github.com/MrWong99/voxline/internal/supervisor"
	"github.com/MrWong99/voxline/internal/transport"
	"github.com/MrWong99/voxline/pkg/types"
)

// Start parameters the agent understands. The supervisor exports each
// param as VOXLINE_<KEY>.
const (
	envRoomURL     = "VOXLINE_ROOM_URL"
	envPersonality = "VOXLINE_PERSONALITY"
	envMaxDuration = "VOXLINE_MAX_DURATION"
)

type agentFlags struct {
	configPath string
	room       string
	agentID    string
	kind       string
	callerID   string
	connect    string
}

// newAgentCmd is the entry point the exec runner launches, one process per
// room. Flags default to the environment the supervisor sets.
func newAgentCmd() *cobra.Command {
	var f agentFlags
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a single dialogue agent for one room",
		Long: `agent runs one dialogue session until the caller hangs up, says goodbye
or the process receives SIGTERM. With --connect it speaks the websocket
frame protocol to the given URL, otherwise it uses stdin and stdout.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAgent(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.configPath, "config", defaultConfigPath(), "path to the YAML configuration file")
	cmd.Flags().StringVar(&f.room, "room", os.Getenv(supervisor.EnvRoomName), "room name")
	cmd.Flags().StringVar(&f.agentID, "agent-id", os.Getenv(supervisor.EnvAgentID), "agent id, used as the session id")
	cmd.Flags().StringVar(&f.kind, "kind", os.Getenv(supervisor.EnvKind), "call kind: inbound, outbound or room")
	cmd.Flags().StringVar(&f.callerID, "caller-id", os.Getenv("VOXLINE_CALLER_ID"), "caller identifier")
	cmd.Flags().StringVar(&f.connect, "connect", os.Getenv(envRoomURL), "websocket URL of the room media bridge")
	return cmd
}

func runAgent(parent context.Context, f agentFlags) error {
	if f.room == "" {
		return errors.New("--room is required")
	}
	kind := types.CallKind(f.kind)
	if kind == "" {
		kind = types.CallRoom
	}
	if !kind.IsValid() {
		return fmt.Errorf("invalid --kind %q", f.kind)
	}

	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return err
	}
	if err := applyAgentOverrides(cfg, kind, os.Getenv); err != nil {
		return err
	}
	setupLogging(cfg)
	log := slog.With("agent_id", f.agentID, "room", f.room)

	ctx, stop := signalContext(parent)
	defer stop()

	ls, err := openLocalSession(ctx, cfg, f.agentID, app.SessionRequest{
		RoomName: f.room,
		Kind:     kind,
		CallerID: f.callerID,
	})
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	var (
		source  transport.Source
		speaker transport.Speaker
	)
	if f.connect != "" {
		ws, err := transport.Dial(ctx, f.connect, &websocket.DialOptions{})
		if err != nil {
			ls.finish(context.WithoutCancel(ctx), dialogue.ReasonError)
			return fmt.Errorf("connect %s: %w", f.connect, err)
		}
		source, speaker = ws, ws
		log.Info("agent connected", "url", f.connect)
	} else {
		console := transport.NewConsole(os.Stdin, os.Stdout)
		source, speaker = console, console
	}

	reason, err := transport.Loop{
		SessionID: ls.engine.ID(),
		Greeting:  ls.engine.Greet(ctx),
		Source:    source,
		Speaker:   speaker,
		Turn:      ls.turn,
	}.Run(ctx)

	switch {
	case err == nil:
	case ctx.Err() != nil:
		// Stopped by the supervisor.
		reason, err = dialogue.ReasonHangup, nil
	default:
		reason = dialogue.ReasonError
	}
	ls.finish(context.WithoutCancel(ctx), reason)
	if err != nil {
		log.Error("agent failed", "err", err)
		return err
	}
	log.Info("agent finished", "reason", reason)
	return nil
}

// applyAgentOverrides lets per-call parameters replace the starting
// personality and the duration ceiling of the profile kind selects.
// VOXLINE_MAX_DURATION accepts a Go duration or plain seconds.
func applyAgentOverrides(cfg *config.Config, kind types.CallKind, getenv func(string) string) error {
	if p := getenv(envPersonality); p != "" {
		cfg.Dialogue.DefaultMode = p
	}
	raw := getenv(envMaxDuration)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, serr := strconv.Atoi(raw)
		if serr != nil {
			return fmt.Errorf("invalid %s %q: %w", envMaxDuration, raw, err)
		}
		d = time.Duration(secs) * time.Second
	}
	if d < 0 {
		return fmt.Errorf("invalid %s %q: must not be negative", envMaxDuration, raw)
	}
	name := config.ProfileChat
	if kind == types.CallInbound || kind == types.CallOutbound {
		name = config.ProfileTelephony
	}
	profile := cfg.Dialogue.Profiles[name]
	profile.MaxDuration = d
	if cfg.Dialogue.Profiles == nil {
		cfg.Dialogue.Profiles = make(map[string]config.ProfileConfig)
	}
	cfg.Dialogue.Profiles[name] = profile
	return nil
}
