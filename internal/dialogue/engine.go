// Package dialogue implements the per-session turn engine: mode resolution,
// special-function dispatch, reply generation, bounded history and the
// duration/turn ceiling.
//
// An [Engine] receives one finalized utterance at a time and always returns
// exactly one reply. Backend failures are absorbed and converted into a fixed
// apology so the conversation never goes silent. Only misuse (empty input,
// a closed session) is reported as an error.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/pkg/types"
)

var (
	// ErrEmptyUtterance is returned for empty or whitespace-only input. The
	// engine state is not changed.
	ErrEmptyUtterance = errors.New("dialogue: empty utterance")

	// ErrSessionClosed is returned for turns arriving after the session
	// entered Terminating or Closed.
	ErrSessionClosed = errors.New("dialogue: session closed")
)

// State is the turn engine's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateAwaitingUtterance
	StateResolving
	StateDispatching
	StateGenerating
	StateRecording
	StateTerminating
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingUtterance:
		return "awaiting_utterance"
	case StateResolving:
		return "resolving"
	case StateDispatching:
		return "dispatching"
	case StateGenerating:
		return "generating"
	case StateRecording:
		return "recording"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Close reasons reported in [Reply.Reason] and [types.SessionSummary.CloseReason].
const (
	ReasonMaxDuration = "max_duration"
	ReasonMaxTurns    = "max_turns"
	ReasonFarewell    = "farewell"
	ReasonHangup      = "hangup"
	ReasonError       = "error"
)

// Default user-facing texts.
const (
	DefaultGreeting      = "Olá! Eu sou seu assistente de IA. Como posso ajudá-lo hoje?"
	DefaultApology       = "Desculpe, tive um problema técnico. Pode repetir?"
	DefaultCeilingReply  = "Desculpe, nossa ligação atingiu o tempo máximo. Obrigado por entrar em contato!"
	DefaultFarewellReply = "Foi um prazer conversar com você. Até logo!"
	DefaultBaseDirective = "Você é um assistente inteligente e útil. Responda de forma clara e concisa."
)

// DefaultMaxHistoryTurns is the number of exchanges kept when
// [Config.MaxHistoryTurns] is zero.
const DefaultMaxHistoryTurns = 15

// Messages holds the fixed texts the engine speaks. Empty fields fall back to
// the package defaults, except Greeting where empty disables the greeting.
type Messages struct {
	Greeting string
	Apology  string
	Ceiling  string
	Farewell string
}

func (m Messages) withDefaults() Messages {
	if m.Apology == "" {
		m.Apology = DefaultApology
	}
	if m.Ceiling == "" {
		m.Ceiling = DefaultCeilingReply
	}
	if m.Farewell == "" {
		m.Farewell = DefaultFarewellReply
	}
	return m
}

// FunctionInvoker dispatches special functions. [special.Registry] satisfies it.
type FunctionInvoker interface {
	Has(name string) bool
	Invoke(ctx context.Context, name, utterance string) string
}

// ReplyGenerator produces a reply from a directive, bounded history and the
// new utterance. [Generator] satisfies it.
type ReplyGenerator interface {
	Generate(ctx context.Context, directive string, history []types.Turn, utterance string) (string, error)
}

// TurnRecorder persists turns after they were appended. Failures are logged
// and never affect the reply.
type TurnRecorder interface {
	RecordTurns(ctx context.Context, sessionID string, turns []types.Turn) error
}

// Config holds the dependencies and limits of one [Engine].
//
// SessionID and Generator are required. Everything else is optional.
type Config struct {
	SessionID string
	RoomName  string
	Kind      types.CallKind
	CallerID  string

	// Personalities in priority order. Their keywords drive mode switches.
	Personalities []Personality

	// DefaultMode is the personality active before any switch. Empty means
	// [types.ModeNone], which uses BaseDirective.
	DefaultMode string

	// BaseDirective is used while no personality is active.
	BaseDirective string

	// FunctionKeywords is the special-function keyword table, in priority order.
	FunctionKeywords []Category

	// FuzzyThreshold enables the resolver's Jaro-Winkler fallback.
	FuzzyThreshold float64

	// Farewell patterns end the session when found in an utterance.
	Farewell []string

	// MaxHistoryTurns bounds history to 2*MaxHistoryTurns entries.
	MaxHistoryTurns int

	// MaxTurns closes the session after that many processed turns. Zero
	// disables the limit.
	MaxTurns int

	// MaxDuration closes the session once elapsed. Zero disables the limit.
	MaxDuration time.Duration

	Messages Messages

	Generator ReplyGenerator
	Functions FunctionInvoker
	Recorder  TurnRecorder
	Metrics   *observe.Metrics

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Utterance is a finalized speech-to-text result for one session.
type Utterance struct {
	Text          string
	ParticipantID string
}

// Reply is the single result of one turn.
type Reply struct {
	// Text is what the transport must speak. Never empty for a processed turn.
	Text string `json:"reply"`

	// ShouldClose asks the transport to tear down the session after speaking.
	ShouldClose bool `json:"should_close"`

	// Mode is the personality active after the turn.
	Mode string `json:"mode"`

	// Function is the special function that produced Text, if any.
	Function string `json:"function,omitempty"`

	// Reason is set when ShouldClose is true.
	Reason string `json:"reason,omitempty"`
}

// Engine is the per-session dialogue state machine. Turns are serialised
// internally; read accessors are safe to call concurrently with a turn.
type Engine struct {
	cfg           Config
	resolver      *Resolver
	personalities map[string]Personality
	messages      Messages
	now           func() time.Time
	log           *slog.Logger

	// turnMu serialises ProcessUtterance, Greet and Close.
	turnMu sync.Mutex

	mu            sync.Mutex
	state         State
	mode          string
	history       *History
	startedAt     time.Time
	endedAt       time.Time
	turnCount     int
	modeChanges   int
	functionsUsed map[string]int
	participants  []string
	closeReason   string
}

// NewEngine validates cfg and returns an Engine in [StateIdle].
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.SessionID == "" {
		return nil, errors.New("dialogue: SessionID must not be empty")
	}
	if cfg.Generator == nil {
		return nil, errors.New("dialogue: Generator must not be nil")
	}
	if cfg.MaxHistoryTurns <= 0 {
		cfg.MaxHistoryTurns = DefaultMaxHistoryTurns
	}
	if cfg.BaseDirective == "" {
		cfg.BaseDirective = DefaultBaseDirective
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	personalities := make(map[string]Personality, len(cfg.Personalities))
	cats := make([]Category, 0, len(cfg.Personalities))
	for _, p := range cfg.Personalities {
		personalities[p.Name] = p
		cats = append(cats, Category{Name: p.Name, Keywords: p.Keywords})
	}
	mode := cfg.DefaultMode
	if mode == "" || mode == types.ModeNone {
		mode = types.ModeNone
	} else if _, ok := personalities[mode]; !ok {
		return nil, fmt.Errorf("dialogue: default mode %q is not a configured personality", mode)
	}

	var ropts []ResolverOption
	if cfg.FuzzyThreshold > 0 {
		ropts = append(ropts, WithFuzzyThreshold(cfg.FuzzyThreshold))
	}

	return &Engine{
		cfg:           cfg,
		resolver:      NewResolver(cats, cfg.FunctionKeywords, ropts...),
		personalities: personalities,
		messages:      cfg.Messages.withDefaults(),
		now:           cfg.Now,
		log:           slog.With("session_id", cfg.SessionID, "room", cfg.RoomName),
		state:         StateIdle,
		mode:          mode,
		history:       NewHistory(cfg.MaxHistoryTurns),
		startedAt:     cfg.Now(),
		functionsUsed: make(map[string]int),
	}, nil
}

// ID returns the session identifier.
func (e *Engine) ID() string { return e.cfg.SessionID }

// RoomName returns the room the session is bound to.
func (e *Engine) RoomName() string { return e.cfg.RoomName }

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Mode returns the active personality name or [types.ModeNone].
func (e *Engine) Mode() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// History returns a copy of the retained turns.
func (e *Engine) History() []types.Turn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.All()
}

// Greet records and returns the configured greeting. It returns an empty
// string when no greeting is configured or the session already started.
func (e *Engine) Greet(ctx context.Context) string {
	e.turnMu.Lock()
	defer e.turnMu.Unlock()

	e.mu.Lock()
	if e.state != StateIdle || e.messages.Greeting == "" {
		e.mu.Unlock()
		return ""
	}
	turn := types.Turn{
		Role:      types.RoleAssistant,
		Content:   e.messages.Greeting,
		Timestamp: e.now(),
		Mode:      e.mode,
	}
	e.history.Append(turn)
	e.state = StateAwaitingUtterance
	e.mu.Unlock()

	e.record(ctx, turn)
	return turn.Content
}

// ProcessTurn is [Engine.ProcessUtterance] without participant information.
func (e *Engine) ProcessTurn(ctx context.Context, text string) (Reply, error) {
	return e.ProcessUtterance(ctx, Utterance{Text: text})
}

// ProcessUtterance runs one complete turn and returns exactly one reply.
//
// The only errors are [ErrEmptyUtterance] and [ErrSessionClosed]. Provider
// failures, handler failures and panics during resolution or generation are
// converted into the apology message.
func (e *Engine) ProcessUtterance(ctx context.Context, u Utterance) (Reply, error) {
	text := strings.TrimSpace(u.Text)
	if text == "" {
		return Reply{}, ErrEmptyUtterance
	}

	e.turnMu.Lock()
	defer e.turnMu.Unlock()

	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "dialogue.turn")
	defer span.End()
	span.SetAttributes(observe.AttrSessionID.String(e.cfg.SessionID), observe.AttrRoom.String(e.cfg.RoomName))

	e.mu.Lock()
	if e.state == StateTerminating || e.state == StateClosed {
		e.mu.Unlock()
		return Reply{}, ErrSessionClosed
	}
	if u.ParticipantID != "" && !slices.Contains(e.participants, u.ParticipantID) {
		e.participants = append(e.participants, u.ParticipantID)
	}
	// A turn arriving after the ceiling is answered with the closing reply
	// regardless of its content.
	if reason := e.ceilingReasonLocked(e.now()); reason != "" {
		reply := Reply{Text: e.messages.Ceiling, ShouldClose: true, Mode: e.mode, Reason: reason}
		turns := e.commitLocked(text, reply)
		e.mu.Unlock()
		e.finish(ctx, turns, reply, "ceiling", start)
		return reply, nil
	}
	if MatchesAny(text, e.cfg.Farewell) {
		reply := Reply{Text: e.messages.Farewell, ShouldClose: true, Mode: e.mode, Reason: ReasonFarewell}
		turns := e.commitLocked(text, reply)
		e.mu.Unlock()
		e.finish(ctx, turns, reply, "farewell", start)
		return reply, nil
	}
	e.state = StateResolving
	e.mu.Unlock()

	reply, outcome := e.respond(ctx, text)

	e.mu.Lock()
	if reason := e.ceilingAfterTurnLocked(); reason != "" {
		reply.Text = e.messages.Ceiling
		reply.ShouldClose = true
		reply.Reason = reason
		outcome = "ceiling"
	}
	turns := e.commitLocked(text, reply)
	e.mu.Unlock()

	span.SetAttributes(
		observe.AttrMode.String(reply.Mode),
		observe.AttrFunction.String(reply.Function),
	)
	e.finish(ctx, turns, reply, outcome, start)
	return reply, nil
}

// respond runs resolution and dispatch or generation. It never panics.
func (e *Engine) respond(ctx context.Context, text string) (reply Reply, outcome string) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("turn panicked", "panic", r)
			reply.Text = e.messages.Apology
			reply.Function = ""
			reply.Mode = e.Mode()
			outcome = "apology"
		}
	}()

	res := e.resolver.Resolve(text)
	if res.Personality != "" {
		e.switchMode(ctx, res.Personality)
	}
	reply.Mode = e.Mode()

	if res.Function != "" && e.cfg.Functions != nil && e.cfg.Functions.Has(res.Function) {
		e.setState(StateDispatching)
		reply.Function = res.Function
		reply.Text = e.cfg.Functions.Invoke(ctx, res.Function, text)
		if reply.Text == "" {
			reply.Text = e.messages.Apology
		}
		e.mu.Lock()
		e.functionsUsed[res.Function]++
		e.mu.Unlock()
		return reply, "function"
	}

	e.setState(StateGenerating)
	e.mu.Lock()
	history := e.history.All()
	e.mu.Unlock()

	out, err := e.cfg.Generator.Generate(ctx, e.directive(reply.Mode), history, text)
	if err != nil {
		observe.Logger(ctx).Warn("generation failed, using apology",
			"session_id", e.cfg.SessionID, "mode", reply.Mode, "err", err)
		reply.Text = e.messages.Apology
		return reply, "apology"
	}
	reply.Text = out
	return reply, "generated"
}

// switchMode commits a personality change. Re-selecting the active mode is a
// no-op and does not count as a change.
func (e *Engine) switchMode(ctx context.Context, mode string) {
	e.mu.Lock()
	if e.mode == mode {
		e.mu.Unlock()
		return
	}
	prev := e.mode
	e.mode = mode
	e.modeChanges++
	e.mu.Unlock()

	e.log.Info("mode changed", "from", prev, "to", mode)
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordModeChange(ctx, mode)
	}
}

func (e *Engine) directive(mode string) string {
	if p, ok := e.personalities[mode]; ok {
		return p.Directive()
	}
	return e.cfg.BaseDirective
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// ceilingReasonLocked reports a breach that already holds before the turn.
func (e *Engine) ceilingReasonLocked(now time.Time) string {
	if e.cfg.MaxDuration > 0 && now.Sub(e.startedAt) >= e.cfg.MaxDuration {
		return ReasonMaxDuration
	}
	if e.cfg.MaxTurns > 0 && e.turnCount >= e.cfg.MaxTurns {
		return ReasonMaxTurns
	}
	return ""
}

// ceilingAfterTurnLocked reports a breach caused by the turn in flight: the
// clock ran past the ceiling during generation, or this turn is the last one
// allowed.
func (e *Engine) ceilingAfterTurnLocked() string {
	if e.cfg.MaxDuration > 0 && e.now().Sub(e.startedAt) >= e.cfg.MaxDuration {
		return ReasonMaxDuration
	}
	if e.cfg.MaxTurns > 0 && e.turnCount+1 >= e.cfg.MaxTurns {
		return ReasonMaxTurns
	}
	return ""
}

// commitLocked appends the exchange, counts the turn and moves to the next
// state. It returns the appended turns for the recorder.
func (e *Engine) commitLocked(text string, reply Reply) []types.Turn {
	e.state = StateRecording
	now := e.now()
	turns := []types.Turn{
		{Role: types.RoleUser, Content: text, Timestamp: now, Mode: reply.Mode},
		{Role: types.RoleAssistant, Content: reply.Text, Timestamp: now, Mode: reply.Mode},
	}
	e.history.Append(turns...)
	e.turnCount++
	if reply.ShouldClose {
		e.state = StateTerminating
		e.closeReason = reply.Reason
	} else {
		e.state = StateAwaitingUtterance
	}
	return turns
}

func (e *Engine) finish(ctx context.Context, turns []types.Turn, reply Reply, outcome string, start time.Time) {
	d := time.Since(start)
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordTurn(ctx, reply.Mode, outcome, d)
	}
	observe.Logger(ctx).Info("turn processed",
		"session_id", e.cfg.SessionID,
		"mode", reply.Mode,
		"function", reply.Function,
		"outcome", outcome,
		"should_close", reply.ShouldClose,
		"duration", d,
	)
	e.record(ctx, turns...)
}

func (e *Engine) record(ctx context.Context, turns ...types.Turn) {
	if e.cfg.Recorder == nil {
		return
	}
	if err := e.cfg.Recorder.RecordTurns(ctx, e.cfg.SessionID, turns); err != nil {
		e.log.Warn("failed to record turns", "err", err)
	}
}

// Close moves the engine to [StateClosed] and returns the final summary.
// reason is kept only if no close reason was recorded yet. Close is
// idempotent.
func (e *Engine) Close(reason string) types.SessionSummary {
	e.turnMu.Lock()
	defer e.turnMu.Unlock()

	e.mu.Lock()
	if e.state != StateClosed {
		e.state = StateClosed
		e.endedAt = e.now()
		if e.closeReason == "" {
			e.closeReason = reason
		}
	}
	e.mu.Unlock()
	return e.Summary()
}

// Summary returns a point-in-time summary of the session.
func (e *Engine) Summary() types.SessionSummary {
	e.mu.Lock()
	defer e.mu.Unlock()

	fns := make(map[string]int, len(e.functionsUsed))
	for k, v := range e.functionsUsed {
		fns[k] = v
	}
	s := types.SessionSummary{
		ID:            e.cfg.SessionID,
		RoomName:      e.cfg.RoomName,
		Kind:          e.cfg.Kind,
		CallerID:      e.cfg.CallerID,
		Mode:          e.mode,
		StartedAt:     e.startedAt,
		TurnCount:     e.turnCount,
		ModeChanges:   e.modeChanges,
		FunctionsUsed: fns,
		Participants:  slices.Clone(e.participants),
		Closed:        e.state == StateClosed,
		CloseReason:   e.closeReason,
	}
	if !e.endedAt.IsZero() {
		ended := e.endedAt
		s.EndedAt = &ended
	}
	return s
}
