// Package supervisor manages the lifecycle of one conversational agent per
// room: launch, output monitoring, exit classification and termination.
//
// Agents are launched through a [Runner]. [ExecRunner] spawns a child process
// per agent; [FuncRunner] hosts the agent in a goroutine with the same
// classification contract:
//
//	exit code 0              → finished
//	signal or nonzero exit   → crashed
//	any exit after Stop      → stopped
//	launch failure           → error
//
// At most one non-terminal agent may hold a room at a time.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/pkg/types"
)

var (
	// ErrDuplicateRoom is returned by Start when a live agent already holds
	// the room.
	ErrDuplicateRoom = errors.New("supervisor: room already has a live agent")

	// ErrCapacity is returned by Start when MaxAgents agents are active.
	ErrCapacity = errors.New("supervisor: agent limit reached")

	// ErrNotFound is returned for unknown agent IDs or rooms.
	ErrNotFound = errors.New("supervisor: agent not found")
)

// DefaultGracePeriod is how long Stop waits after Terminate before killing.
const DefaultGracePeriod = 5 * time.Second

// maxLineSize bounds one line of agent output.
const maxLineSize = 1 << 20

// AgentRecorder persists agents once they leave the live table. Failures are
// logged and otherwise ignored.
type AgentRecorder interface {
	RecordAgent(ctx context.Context, snap types.AgentSnapshot) error
}

// Config configures a [Supervisor].
type Config struct {
	// Runner launches agents. Required.
	Runner Runner

	// GracePeriod between Terminate and Kill. Defaults to [DefaultGracePeriod].
	GracePeriod time.Duration

	// HistoryLimit bounds the removed-agent list. Defaults to
	// [DefaultHistoryLimit].
	HistoryLimit int

	// MaxAgents caps non-terminal agents. Zero means unlimited.
	MaxAgents int

	// Metrics is optional.
	Metrics *observe.Metrics

	// Recorder is optional.
	Recorder AgentRecorder

	// Now overrides the clock.
	Now func() time.Time
}

// StartRequest asks for a new agent bound to RoomName.
type StartRequest struct {
	RoomName string
	Kind     types.CallKind
	Params   map[string]string
}

// Stats aggregates agent outcomes over the live table and history.
type Stats struct {
	Total           int           `json:"total"`
	Active          int           `json:"active"`
	Finished        int           `json:"finished"`
	Crashed         int           `json:"crashed"`
	Stopped         int           `json:"stopped"`
	Errored         int           `json:"errored"`
	AverageDuration time.Duration `json:"average_duration"`
}

// Supervisor owns the agent table. All methods are safe for concurrent use.
type Supervisor struct {
	runner    Runner
	grace     time.Duration
	maxAgents int
	metrics   *observe.Metrics
	recorder  AgentRecorder
	now       func() time.Time

	mu  sync.Mutex
	reg *registry

	// monitors tracks monitor goroutines so Wait can drain them.
	monitors sync.WaitGroup
}

// New creates a Supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Runner == nil {
		return nil, errors.New("supervisor: Runner must not be nil")
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Supervisor{
		runner:    cfg.Runner,
		grace:     cfg.GracePeriod,
		maxAgents: max(cfg.MaxAgents, 0),
		metrics:   cfg.Metrics,
		recorder:  cfg.Recorder,
		now:       cfg.Now,
		reg:       newRegistry(cfg.HistoryLimit),
	}, nil
}

// Start launches an agent for req.RoomName.
//
// The room check, the capacity check and the insert happen in one critical
// section, so two concurrent starts for one room yield exactly one agent and
// one [ErrDuplicateRoom], and the active count never exceeds MaxAgents
// ([ErrCapacity]). A launch failure is not returned as an error: the
// returned snapshot has status [types.AgentError] and an incremented error
// count.
func (s *Supervisor) Start(ctx context.Context, req StartRequest) (types.AgentSnapshot, error) {
	if req.RoomName == "" {
		return types.AgentSnapshot{}, errors.New("supervisor: room name must not be empty")
	}
	if req.Kind == "" {
		req.Kind = types.CallRoom
	}
	if !req.Kind.IsValid() {
		return types.AgentSnapshot{}, fmt.Errorf("supervisor: invalid kind %q", req.Kind)
	}

	log := observe.Logger(ctx).With("room", req.RoomName)

	s.mu.Lock()
	if existing := s.reg.activeInRoom(req.RoomName); existing != nil {
		id := existing.snap.ID
		s.mu.Unlock()
		return types.AgentSnapshot{}, fmt.Errorf("%w: room %q held by %s", ErrDuplicateRoom, req.RoomName, id)
	}
	if s.maxAgents > 0 && s.reg.activeCount() >= s.maxAgents {
		s.mu.Unlock()
		return types.AgentSnapshot{}, fmt.Errorf("%w: %d active", ErrCapacity, s.maxAgents)
	}
	var reaped []types.AgentSnapshot
	for _, old := range s.reg.terminalInRoom(req.RoomName) {
		reaped = append(reaped, s.reg.remove(old, s.now()))
	}
	a := &agent{
		snap: types.AgentSnapshot{
			ID:        uuid.NewString(),
			RoomName:  req.RoomName,
			Kind:      req.Kind,
			Status:    types.AgentStarting,
			StartedAt: s.now(),
			Params:    maps.Clone(req.Params),
		},
		spawned: make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.reg.live[a.snap.ID] = a
	s.mu.Unlock()

	for _, snap := range reaped {
		s.persist(ctx, snap)
	}

	log = log.With("agent_id", a.snap.ID)
	proc, err := s.runner.Start(ctx, Spec{
		AgentID:  a.snap.ID,
		RoomName: req.RoomName,
		Kind:     req.Kind,
		Params:   maps.Clone(req.Params),
	})

	s.mu.Lock()
	if err != nil {
		now := s.now()
		a.snap.Status = types.AgentError
		a.snap.ErrorCount++
		a.snap.LastError = err.Error()
		a.snap.EndedAt = &now
		snap := a.snapshot()
		s.mu.Unlock()
		close(a.spawned)
		close(a.done)

		log.Error("agent launch failed", "err", err)
		if s.metrics != nil {
			s.metrics.RecordAgentStart(ctx, string(req.Kind), "error")
		}
		return snap, nil
	}
	a.proc = proc
	a.snap.PID = proc.PID()
	// Stop may have run while the launch was in flight; keep its status.
	if a.snap.Status == types.AgentStarting {
		a.snap.Status = types.AgentRunning
	}
	snap := a.snapshot()
	s.mu.Unlock()
	close(a.spawned)

	s.monitors.Add(1)
	go s.monitor(a, proc, log)

	log.Info("agent started", "pid", snap.PID, "kind", req.Kind)
	if s.metrics != nil {
		s.metrics.RecordAgentStart(ctx, string(req.Kind), "ok")
		s.metrics.ActiveAgents.Add(ctx, 1)
	}
	return snap, nil
}

// monitor drains the agent's output until EOF, waits for exit and performs
// the terminal transition. It is the only writer of terminal statuses for
// launched agents.
func (s *Supervisor) monitor(a *agent, proc Process, log *slog.Logger) {
	defer s.monitors.Done()
	defer close(a.done)

	out := proc.Output()
	sc := bufio.NewScanner(out)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		log.Info("agent output", "line", sc.Text())
	}
	if err := sc.Err(); err != nil {
		log.Warn("agent output unreadable, discarding rest", "err", err)
		_, _ = io.Copy(io.Discard, out)
	}

	exit := proc.Wait()

	s.mu.Lock()
	now := s.now()
	status := classify(a.snap.Status == types.AgentStopping, exit)
	a.snap.Status = status
	a.snap.EndedAt = &now
	code := exit.Code
	a.snap.ExitCode = &code
	if status == types.AgentCrashed {
		a.snap.ErrorCount++
		if exit.Err != nil {
			a.snap.LastError = exit.Err.Error()
		} else {
			a.snap.LastError = fmt.Sprintf("exit code %d", exit.Code)
		}
	}
	a.proc = nil
	s.mu.Unlock()

	log.Info("agent exited", "status", status, "exit_code", exit.Code, "signaled", exit.Signaled)
	if s.metrics != nil {
		ctx := context.Background()
		s.metrics.RecordAgentExit(ctx, string(status))
		s.metrics.ActiveAgents.Add(ctx, -1)
	}
}

// classify maps an exit to a terminal status. Termination-induced exits are
// never asserted against: any exit after Stop is a stop.
func classify(stopping bool, exit Exit) types.AgentStatus {
	switch {
	case stopping:
		return types.AgentStopped
	case exit.Clean():
		return types.AgentFinished
	default:
		return types.AgentCrashed
	}
}

// Stop terminates the agent identified by an agent ID or a room name and
// moves it into history.
//
// A live process receives Terminate, then Kill if it has not exited after
// the grace period. A cancelled ctx skips the rest of the grace period. An
// agent that already ended is cleaned up without error.
func (s *Supervisor) Stop(ctx context.Context, idOrRoom string) (types.AgentSnapshot, error) {
	s.mu.Lock()
	a := s.reg.find(idOrRoom)
	if a == nil {
		s.mu.Unlock()
		return types.AgentSnapshot{}, fmt.Errorf("%w: %q", ErrNotFound, idOrRoom)
	}
	alreadyStopping := a.snap.Status == types.AgentStopping
	if !a.snap.Status.Terminal() {
		a.snap.Status = types.AgentStopping
	}
	s.mu.Unlock()

	log := observe.Logger(ctx).With("agent_id", a.snap.ID, "room", a.snap.RoomName)

	if !alreadyStopping {
		<-a.spawned

		s.mu.Lock()
		proc := a.proc
		s.mu.Unlock()

		if proc != nil {
			s.terminate(ctx, a, proc, log)
		}
	}
	<-a.done

	s.mu.Lock()
	var snap types.AgentSnapshot
	if _, ok := s.reg.live[a.snap.ID]; ok {
		snap = s.reg.remove(a, s.now())
	} else {
		// A concurrent Stop already removed it.
		snap = a.snapshot()
		s.mu.Unlock()
		return snap, nil
	}
	s.mu.Unlock()

	log.Info("agent removed", "status", snap.Status)
	s.persist(ctx, snap)
	return snap, nil
}

func (s *Supervisor) terminate(ctx context.Context, a *agent, proc Process, log *slog.Logger) {
	if err := proc.Terminate(); err != nil {
		log.Debug("terminate signal failed", "err", err)
	}

	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-a.done:
		return
	case <-timer.C:
		log.Warn("agent ignored terminate, killing", "grace_period", s.grace)
	case <-ctx.Done():
		log.Warn("stop cancelled, killing agent", "err", ctx.Err())
	}
	if err := proc.Kill(); err != nil {
		log.Debug("kill failed", "err", err)
	}
}

// StopAll stops every agent in the live table concurrently.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.reg.live))
	for id := range s.reg.live {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			_, err := s.Stop(ctx, id)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// Wait blocks until every monitor goroutine has returned.
func (s *Supervisor) Wait() { s.monitors.Wait() }

// Cleanup moves every terminal agent into history and returns how many were
// moved.
func (s *Supervisor) Cleanup(ctx context.Context) int {
	s.mu.Lock()
	var removed []types.AgentSnapshot
	for _, a := range s.reg.live {
		if a.snap.Status.Terminal() {
			removed = append(removed, s.reg.remove(a, s.now()))
		}
	}
	s.mu.Unlock()

	for _, snap := range removed {
		s.persist(ctx, snap)
	}
	return len(removed)
}

func (s *Supervisor) persist(ctx context.Context, snap types.AgentSnapshot) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordAgent(ctx, snap); err != nil {
		observe.Logger(ctx).Warn("failed to record agent", "agent_id", snap.ID, "err", err)
	}
}

// List returns the agents in the live table, oldest first.
func (s *Supervisor) List() []types.AgentSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg.list()
}

// Get returns the agent with the given ID from the live table or history.
func (s *Supervisor) Get(id string) (types.AgentSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.reg.live[id]; ok {
		return a.snapshot(), nil
	}
	for i := len(s.reg.history) - 1; i >= 0; i-- {
		if s.reg.history[i].ID == id {
			return s.reg.history[i], nil
		}
	}
	return types.AgentSnapshot{}, fmt.Errorf("%w: %q", ErrNotFound, id)
}

// History returns removed agents, oldest first.
func (s *Supervisor) History() []types.AgentSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg.historyCopy()
}

// Stats aggregates outcomes over live and removed agents.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var st Stats
	var total time.Duration
	var ended int
	count := func(snap types.AgentSnapshot) {
		st.Total++
		switch snap.Status {
		case types.AgentFinished:
			st.Finished++
		case types.AgentCrashed:
			st.Crashed++
		case types.AgentStopped:
			st.Stopped++
		case types.AgentError:
			st.Errored++
		default:
			st.Active++
		}
		if snap.EndedAt != nil {
			total += snap.Duration(now)
			ended++
		}
	}
	for _, a := range s.reg.live {
		count(a.snap)
	}
	for _, snap := range s.reg.history {
		count(snap)
	}
	if ended > 0 {
		st.AverageDuration = total / time.Duration(ended)
	}
	return st
}
