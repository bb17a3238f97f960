package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voxline/internal/app"
	"github.com/MrWong99/voxline/internal/dialogue"
	"github.com/MrWong99/voxline/internal/transport"
	"github.com/MrWong99/voxline/pkg/types"
)

func newChatCmd() *cobra.Command {
	var (
		configPath string
		kind       string
		room       string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the dialogue engine from the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			k := types.CallKind(kind)
			if !k.IsValid() {
				return fmt.Errorf("invalid --kind %q", kind)
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			setupLogging(cfg)

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			ls, err := openLocalSession(ctx, cfg, "", app.SessionRequest{RoomName: room, Kind: k})
			if err != nil {
				return err
			}
			console := transport.NewConsole(cmd.InOrStdin(), cmd.OutOrStdout(),
				transport.WithPrompt("você> "),
				transport.WithSpeakerLabel("voxline"),
			)
			reason, err := transport.Loop{
				SessionID: ls.engine.ID(),
				Greeting:  ls.engine.Greet(ctx),
				Source:    console,
				Speaker:   console,
				Turn:      ls.turn,
			}.Run(ctx)
			if ctx.Err() != nil {
				reason, err = dialogue.ReasonHangup, nil
			}
			ls.finish(context.WithoutCancel(ctx), reason)
			return err
		},
	}
	cmd.Flags().StringVar(&configPath, "config", defaultConfigPath(), "path to the YAML configuration file")
	cmd.Flags().StringVar(&kind, "kind", string(types.CallRoom), "call kind: inbound, outbound or room")
	cmd.Flags().StringVar(&room, "room", "console-"+hostname(), "room name recorded with the session")
	return cmd
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "local"
	}
	return h
}
