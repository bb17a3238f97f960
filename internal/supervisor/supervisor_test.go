package supervisor_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxline/internal/supervisor"
	"github.com/MrWong99/voxline/internal/supervisor/mock"
	"github.com/MrWong99/voxline/pkg/types"
)

func newSupervisor(t *testing.T, r supervisor.Runner, mutate func(*supervisor.Config)) *supervisor.Supervisor {
	t.Helper()
	cfg := supervisor.Config{Runner: r, GracePeriod: 50 * time.Millisecond}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := supervisor.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		_ = s.StopAll(context.Background())
		s.Wait()
	})
	return s
}

// waitStatus polls until the agent reaches want or the deadline passes.
func waitStatus(t *testing.T, s *supervisor.Supervisor, id string, want types.AgentStatus) types.AgentSnapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, err := s.Get(id)
		if err == nil && snap.Status == want {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("agent %s status = %q (err %v), want %q", id, snap.Status, err, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStart_DuplicateRoom(t *testing.T) {
	t.Parallel()

	r := &mock.Runner{}
	s := newSupervisor(t, r, nil)
	ctx := context.Background()

	first, err := s.Start(ctx, supervisor.StartRequest{RoomName: "room1", Kind: types.CallInbound})
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if first.Status != types.AgentRunning || first.ID == "" || first.PID == 0 {
		t.Errorf("first = %+v, want running with id and pid", first)
	}

	_, err = s.Start(ctx, supervisor.StartRequest{RoomName: "room1"})
	if !errors.Is(err, supervisor.ErrDuplicateRoom) {
		t.Fatalf("second Start err = %v, want ErrDuplicateRoom", err)
	}
	if n := len(s.List()); n != 1 {
		t.Errorf("live agents = %d, want 1", n)
	}
	if n := len(r.Calls()); n != 1 {
		t.Errorf("runner started %d processes, want 1", n)
	}
}

func TestStart_ConcurrentSameRoom(t *testing.T) {
	t.Parallel()

	s := newSupervisor(t, &mock.Runner{}, nil)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Go(func() {
			_, err := s.Start(context.Background(), supervisor.StartRequest{RoomName: "busy"})
			errs <- err
		})
	}
	wg.Wait()
	close(errs)

	var ok, dup int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, supervisor.ErrDuplicateRoom):
			dup++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != n-1 {
		t.Errorf("ok=%d dup=%d, want 1/%d", ok, dup, n-1)
	}
}

func TestStart_ConcurrentCapacity(t *testing.T) {
	t.Parallel()

	const limit = 3
	s := newSupervisor(t, &mock.Runner{}, func(c *supervisor.Config) { c.MaxAgents = limit })

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Go(func() {
			_, err := s.Start(context.Background(), supervisor.StartRequest{RoomName: fmt.Sprintf("room-%d", i)})
			errs <- err
		})
	}
	wg.Wait()
	close(errs)

	var ok, full int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, supervisor.ErrCapacity):
			full++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != limit || full != n-limit {
		t.Errorf("ok=%d full=%d, want %d/%d", ok, full, limit, n-limit)
	}
	if got := s.Stats().Active; got != limit {
		t.Errorf("active = %d, want %d", got, limit)
	}

	// Stopping one frees a slot.
	first := s.List()[0]
	if _, err := s.Stop(context.Background(), first.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := s.Start(context.Background(), supervisor.StartRequest{RoomName: "late"}); err != nil {
		t.Errorf("Start after stop: %v", err)
	}
}

func TestStart_Validation(t *testing.T) {
	t.Parallel()

	s := newSupervisor(t, &mock.Runner{}, nil)
	tests := []supervisor.StartRequest{
		{},
		{RoomName: "r", Kind: "carrier-pigeon"},
	}
	for _, req := range tests {
		if _, err := s.Start(context.Background(), req); err == nil {
			t.Errorf("Start(%+v) succeeded, want error", req)
		}
	}
}

func TestStart_SpawnFailure(t *testing.T) {
	t.Parallel()

	r := &mock.Runner{StartErr: errors.New("exec: no such file")}
	s := newSupervisor(t, r, nil)

	snap, err := s.Start(context.Background(), supervisor.StartRequest{RoomName: "room1"})
	if err != nil {
		t.Fatalf("Start returned %v, want the failure recorded in status", err)
	}
	if snap.Status != types.AgentError || snap.ErrorCount != 1 || snap.LastError == "" {
		t.Errorf("snap = %+v, want status error with error count 1", snap)
	}

	// The room is free again.
	r.StartErr = nil
	if _, err := s.Start(context.Background(), supervisor.StartRequest{RoomName: "room1"}); err != nil {
		t.Errorf("Start after failure: %v", err)
	}
	hist := s.History()
	if len(hist) != 1 || hist[0].ID != snap.ID {
		t.Errorf("history = %+v, want the failed agent reaped", hist)
	}
}

func TestMonitor_ClassifiesExit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		exit supervisor.Exit
		want types.AgentStatus
	}{
		{"clean", supervisor.Exit{Code: 0}, types.AgentFinished},
		{"nonzero", supervisor.Exit{Code: 3}, types.AgentCrashed},
		{"signaled", supervisor.Exit{Code: -1, Signaled: true}, types.AgentCrashed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := &mock.Runner{}
			s := newSupervisor(t, r, nil)
			snap, err := s.Start(context.Background(), supervisor.StartRequest{RoomName: "room-" + tt.name})
			if err != nil {
				t.Fatalf("Start: %v", err)
			}

			p := r.Process(0)
			fmt.Fprintln(p, "agent connected to room")
			p.Exit(tt.exit)

			got := waitStatus(t, s, snap.ID, tt.want)
			if got.EndedAt == nil || got.ExitCode == nil || *got.ExitCode != tt.exit.Code {
				t.Errorf("snap = %+v, want EndedAt and exit code %d", got, tt.exit.Code)
			}
			if tt.want == types.AgentCrashed && got.ErrorCount != 1 {
				t.Errorf("ErrorCount = %d, want 1", got.ErrorCount)
			}

			// Terminal agents release the room.
			if _, err := s.Start(context.Background(), supervisor.StartRequest{RoomName: "room-" + tt.name}); err != nil {
				t.Errorf("restart after %s: %v", tt.name, err)
			}
		})
	}
}

func TestStop_Graceful(t *testing.T) {
	t.Parallel()

	r := &mock.Runner{}
	s := newSupervisor(t, r, nil)
	snap, err := s.Start(context.Background(), supervisor.StartRequest{RoomName: "room1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	got, err := s.Stop(context.Background(), snap.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got.Status != types.AgentStopped || got.EndedAt == nil {
		t.Errorf("stopped snap = %+v, want stopped with EndedAt", got)
	}
	p := r.Process(0)
	if p.TerminateCalls() != 1 || p.KillCalls() != 0 {
		t.Errorf("terminate=%d kill=%d, want 1/0", p.TerminateCalls(), p.KillCalls())
	}
	if n := len(s.List()); n != 0 {
		t.Errorf("live agents = %d, want 0", n)
	}
	if h := s.History(); len(h) != 1 || h[0].ID != snap.ID {
		t.Errorf("history = %+v, want the stopped agent", h)
	}
	if _, err := s.Get(snap.ID); err != nil {
		t.Errorf("Get after stop: %v", err)
	}
}

func TestStop_ForcedAfterGracePeriod(t *testing.T) {
	t.Parallel()

	r := &mock.Runner{IgnoreTerminate: true}
	s := newSupervisor(t, r, nil)
	snap, err := s.Start(context.Background(), supervisor.StartRequest{RoomName: "stubborn"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	start := time.Now()
	got, err := s.Stop(context.Background(), "stubborn")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("Stop killed before the grace period elapsed")
	}
	if got.Status != types.AgentStopped {
		t.Errorf("status = %q, want stopped", got.Status)
	}
	if got.ID != snap.ID {
		t.Errorf("stopped %s, want %s", got.ID, snap.ID)
	}
	if k := r.Process(0).KillCalls(); k != 1 {
		t.Errorf("kill calls = %d, want 1", k)
	}
	if n := len(s.List()); n != 0 {
		t.Errorf("live agents = %d, want 0", n)
	}
}

func TestStop_CancelledContextKillsImmediately(t *testing.T) {
	t.Parallel()

	r := &mock.Runner{IgnoreTerminate: true}
	s := newSupervisor(t, r, func(c *supervisor.Config) { c.GracePeriod = time.Hour })
	if _, err := s.Start(context.Background(), supervisor.StartRequest{RoomName: "room1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := s.Stop(ctx, "room1")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got.Status != types.AgentStopped {
		t.Errorf("status = %q, want stopped", got.Status)
	}
}

func TestStop_IdempotentAndNotFound(t *testing.T) {
	t.Parallel()

	r := &mock.Runner{}
	s := newSupervisor(t, r, nil)

	if _, err := s.Stop(context.Background(), "nope"); !errors.Is(err, supervisor.ErrNotFound) {
		t.Errorf("Stop(unknown) err = %v, want ErrNotFound", err)
	}

	snap, err := s.Start(context.Background(), supervisor.StartRequest{RoomName: "room1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Process(0).Exit(supervisor.Exit{Code: 0})
	waitStatus(t, s, snap.ID, types.AgentFinished)

	// No live handle: cleaned up without signalling.
	got, err := s.Stop(context.Background(), snap.ID)
	if err != nil {
		t.Fatalf("Stop(finished): %v", err)
	}
	if got.Status != types.AgentFinished {
		t.Errorf("status = %q, want finished to be preserved", got.Status)
	}
	if c := r.Process(0).TerminateCalls(); c != 0 {
		t.Errorf("terminate calls = %d, want 0", c)
	}
	if _, err := s.Stop(context.Background(), snap.ID); !errors.Is(err, supervisor.ErrNotFound) {
		t.Errorf("second Stop err = %v, want ErrNotFound", err)
	}
}

func TestStopAll(t *testing.T) {
	t.Parallel()

	r := &mock.Runner{}
	s := newSupervisor(t, r, nil)
	for i := range 3 {
		if _, err := s.Start(context.Background(), supervisor.StartRequest{RoomName: fmt.Sprintf("room%d", i)}); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	if err := s.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if n := len(s.List()); n != 0 {
		t.Errorf("live agents = %d, want 0", n)
	}
	if st := s.Stats(); st.Total != 3 || st.Stopped != 3 || st.Active != 0 {
		t.Errorf("stats = %+v, want 3 stopped", st)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()

	r := &mock.Runner{}
	s := newSupervisor(t, r, nil)
	ctx := context.Background()

	a, _ := s.Start(ctx, supervisor.StartRequest{RoomName: "a"})
	b, _ := s.Start(ctx, supervisor.StartRequest{RoomName: "b"})
	if _, err := s.Start(ctx, supervisor.StartRequest{RoomName: "c"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Process(0).Exit(supervisor.Exit{Code: 0})
	r.Process(1).Exit(supervisor.Exit{Code: 1})
	waitStatus(t, s, a.ID, types.AgentFinished)
	waitStatus(t, s, b.ID, types.AgentCrashed)

	st := s.Stats()
	if st.Total != 3 || st.Active != 1 || st.Finished != 1 || st.Crashed != 1 {
		t.Errorf("stats = %+v", st)
	}

	if n := s.Cleanup(ctx); n != 2 {
		t.Errorf("Cleanup removed %d, want 2", n)
	}
	if n := len(s.List()); n != 1 {
		t.Errorf("live agents = %d, want 1", n)
	}
}

type recordedAgents struct {
	mu    sync.Mutex
	snaps []types.AgentSnapshot
}

func (r *recordedAgents) RecordAgent(_ context.Context, snap types.AgentSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
	return nil
}

func TestHistory_BoundedAndRecorded(t *testing.T) {
	t.Parallel()

	rec := &recordedAgents{}
	s := newSupervisor(t, &mock.Runner{}, func(c *supervisor.Config) {
		c.HistoryLimit = 2
		c.Recorder = rec
	})
	ctx := context.Background()
	var ids []string
	for i := range 3 {
		snap, err := s.Start(ctx, supervisor.StartRequest{RoomName: fmt.Sprintf("r%d", i)})
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		ids = append(ids, snap.ID)
		if _, err := s.Stop(ctx, snap.ID); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}

	h := s.History()
	if len(h) != 2 || h[0].ID != ids[1] || h[1].ID != ids[2] {
		t.Errorf("history = %v, want the last two agents", h)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.snaps) != 3 {
		t.Errorf("recorded %d agents, want 3", len(rec.snaps))
	}
}

func TestFuncRunner(t *testing.T) {
	t.Parallel()

	runner := &supervisor.FuncRunner{Func: func(ctx context.Context, spec supervisor.Spec, out io.Writer) error {
		fmt.Fprintf(out, "agent %s in %s\n", spec.AgentID, spec.RoomName)
		switch spec.Params["behaviour"] {
		case "finish":
			return nil
		case "fail":
			return errors.New("llm unreachable")
		case "panic":
			panic("boom")
		case "stubborn":
			select {}
		}
		<-ctx.Done()
		return ctx.Err()
	}}
	s := newSupervisor(t, runner, nil)
	ctx := context.Background()

	tests := []struct {
		behaviour string
		stop      bool
		want      types.AgentStatus
	}{
		{"finish", false, types.AgentFinished},
		{"fail", false, types.AgentCrashed},
		{"panic", false, types.AgentCrashed},
		{"wait", true, types.AgentStopped},
		{"stubborn", true, types.AgentStopped},
	}
	for _, tt := range tests {
		snap, err := s.Start(ctx, supervisor.StartRequest{
			RoomName: "room-" + tt.behaviour,
			Params:   map[string]string{"behaviour": tt.behaviour},
		})
		if err != nil {
			t.Fatalf("%s: Start: %v", tt.behaviour, err)
		}
		if tt.stop {
			got, err := s.Stop(ctx, snap.ID)
			if err != nil {
				t.Fatalf("%s: Stop: %v", tt.behaviour, err)
			}
			if got.Status != tt.want {
				t.Errorf("%s: status = %q, want %q", tt.behaviour, got.Status, tt.want)
			}
			continue
		}
		waitStatus(t, s, snap.ID, tt.want)
	}
}
