// Package transport carries finalized utterances into a dialogue session and
// speaks its replies back to the caller.
//
// A transport is split into a [Source], which yields utterances produced by a
// speech-to-text collaborator (or typed by a user), and a [Speaker], which
// delivers reply text and tears the session down. [Loop] couples both with a
// turn function and runs the conversation until the session closes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/MrWong99/voxline/internal/dialogue"
)

// Utterance is one finalized speech-to-text result addressed to a session.
type Utterance struct {
	SessionID     string `json:"session_id,omitempty"`
	Text          string `json:"text"`
	ParticipantID string `json:"participant_id,omitempty"`
}

// Source yields utterances in arrival order. Next blocks until an utterance
// is available and returns [io.EOF] once the remote side hung up.
type Source interface {
	Next(ctx context.Context) (Utterance, error)
}

// Speaker delivers reply text for a session and ends it.
//
// Implementations must be safe for concurrent use.
type Speaker interface {
	Speak(ctx context.Context, sessionID, text string) error
	Close(ctx context.Context, sessionID string) error
}

// ReplyWriter is implemented by speakers that can carry the full turn result
// (mode, function, close flag) rather than just its text. [Loop] prefers it
// over [Speaker.Speak] when available.
type ReplyWriter interface {
	WriteReply(ctx context.Context, sessionID string, reply dialogue.Reply) error
}

// TurnFunc processes one utterance and returns the single reply for it.
type TurnFunc func(ctx context.Context, u Utterance) (dialogue.Reply, error)

// Loop runs one conversation: it speaks the greeting, then feeds every
// utterance from Source through Turn and speaks the result until a reply asks
// to close, the source hangs up or ctx is cancelled.
type Loop struct {
	SessionID string
	Greeting  string
	Source    Source
	Speaker   Speaker
	Turn      TurnFunc
}

// Run drives the loop and returns the close reason. A hang-up reported by the
// source yields [dialogue.ReasonHangup] and a nil error. The speaker is
// closed on every return path except when ctx was cancelled.
func (l Loop) Run(ctx context.Context) (string, error) {
	if l.Source == nil || l.Speaker == nil || l.Turn == nil {
		return "", errors.New("transport: Source, Speaker and Turn must be set")
	}
	log := slog.With("session_id", l.SessionID)

	if l.Greeting != "" {
		if err := l.Speaker.Speak(ctx, l.SessionID, l.Greeting); err != nil {
			return "", fmt.Errorf("transport: speak greeting: %w", err)
		}
	}

	for {
		u, err := l.Source.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Info("remote side hung up")
				return dialogue.ReasonHangup, l.close(ctx)
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("transport: read utterance: %w", err)
		}
		if u.SessionID == "" {
			u.SessionID = l.SessionID
		}
		if strings.TrimSpace(u.Text) == "" {
			continue
		}

		reply, err := l.Turn(ctx, u)
		switch {
		case errors.Is(err, dialogue.ErrEmptyUtterance):
			continue
		case errors.Is(err, dialogue.ErrSessionClosed):
			return dialogue.ReasonHangup, l.close(ctx)
		case err != nil:
			return "", fmt.Errorf("transport: process turn: %w", err)
		}

		if err := l.speak(ctx, reply); err != nil {
			return "", err
		}
		if reply.ShouldClose {
			return reply.Reason, l.close(ctx)
		}
	}
}

func (l Loop) speak(ctx context.Context, reply dialogue.Reply) error {
	var err error
	if w, ok := l.Speaker.(ReplyWriter); ok {
		err = w.WriteReply(ctx, l.SessionID, reply)
	} else {
		err = l.Speaker.Speak(ctx, l.SessionID, reply.Text)
	}
	if err != nil {
		return fmt.Errorf("transport: speak reply: %w", err)
	}
	return nil
}

func (l Loop) close(ctx context.Context) error {
	if err := l.Speaker.Close(ctx, l.SessionID); err != nil {
		return fmt.Errorf("transport: close: %w", err)
	}
	return nil
}
