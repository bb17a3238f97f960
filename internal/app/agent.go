package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/MrWong99/voxline/internal/dialogue"
	"github.com/MrWong99/voxline/internal/supervisor"
)

// SessionAgent returns the body of an in-process agent. The agent holds a
// dialogue session for its room until the session ends on its own (farewell,
// hangup or ceiling) or the supervisor cancels it. Utterances reach the
// session through the HTTP or websocket session endpoints.
//
// Cancellation closes the session with [dialogue.ReasonHangup] and counts as
// a clean exit.
func SessionAgent(sm *SessionManager) supervisor.AgentFunc {
	return func(ctx context.Context, spec supervisor.Spec, out io.Writer) error {
		log := slog.New(slog.NewTextHandler(out, nil)).With(
			"agent_id", spec.AgentID,
			"room", spec.RoomName,
		)

		sum, greeting, err := sm.Open(ctx, SessionRequest{
			RoomName: spec.RoomName,
			Kind:     spec.Kind,
			CallerID: spec.Params["caller_id"],
		})
		if err != nil {
			return fmt.Errorf("agent: open session: %w", err)
		}
		log.Info("agent holding session", "session_id", sum.ID, "greeting", greeting)

		done, err := sm.Done(sum.ID)
		if err != nil {
			// Already closed between Open and Done.
			return nil
		}
		select {
		case <-done:
			final, _ := sm.Get(sum.ID)
			log.Info("session ended", "session_id", sum.ID, "reason", final.CloseReason)
		case <-ctx.Done():
			final, err := sm.Close(context.WithoutCancel(ctx), sum.ID, dialogue.ReasonHangup)
			if err != nil {
				log.Warn("close on stop failed", "session_id", sum.ID, "err", err)
				return nil
			}
			log.Info("agent stopped", "session_id", sum.ID, "turns", final.TurnCount)
		}
		return nil
	}
}
