package supervisor

import (
	"cmp"
	"maps"
	"slices"
	"time"

	"github.com/MrWong99/voxline/pkg/types"
)

// DefaultHistoryLimit bounds the list of removed agents.
const DefaultHistoryLimit = 1000

// agent is one entry of the live table. All fields except done and spawned
// are guarded by the registry mutex.
type agent struct {
	snap types.AgentSnapshot
	proc Process

	// spawned is closed once the launch attempt finished.
	spawned chan struct{}
	// done is closed once the process has exited and been classified.
	done chan struct{}
}

func (a *agent) snapshot() types.AgentSnapshot {
	s := a.snap
	s.Params = maps.Clone(a.snap.Params)
	if a.snap.EndedAt != nil {
		t := *a.snap.EndedAt
		s.EndedAt = &t
	}
	if a.snap.ExitCode != nil {
		c := *a.snap.ExitCode
		s.ExitCode = &c
	}
	return s
}

// registry is the process-wide agent table. It holds no lock of its own; the
// owning [Supervisor] guards every access with its mutex so that multi-step
// sequences such as the duplicate-room check and insert stay atomic.
type registry struct {
	live    map[string]*agent
	history []types.AgentSnapshot
	limit   int
}

func newRegistry(limit int) *registry {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &registry{live: make(map[string]*agent), limit: limit}
}

// activeInRoom returns the non-terminal agent holding room, if any.
func (r *registry) activeInRoom(room string) *agent {
	for _, a := range r.live {
		if a.snap.RoomName == room && !a.snap.Status.Terminal() {
			return a
		}
	}
	return nil
}

func (r *registry) activeCount() int {
	n := 0
	for _, a := range r.live {
		if !a.snap.Status.Terminal() {
			n++
		}
	}
	return n
}

// find resolves an agent ID, then a room name. For rooms a non-terminal
// entry wins over the most recent terminal one.
func (r *registry) find(idOrRoom string) *agent {
	if a, ok := r.live[idOrRoom]; ok {
		return a
	}
	if a := r.activeInRoom(idOrRoom); a != nil {
		return a
	}
	var latest *agent
	for _, a := range r.live {
		if a.snap.RoomName == idOrRoom && (latest == nil || a.snap.StartedAt.After(latest.snap.StartedAt)) {
			latest = a
		}
	}
	return latest
}

// remove moves an entry into history and returns its final snapshot.
func (r *registry) remove(a *agent, now time.Time) types.AgentSnapshot {
	delete(r.live, a.snap.ID)
	if a.snap.EndedAt == nil {
		a.snap.EndedAt = &now
	}
	s := a.snapshot()
	r.history = append(r.history, s)
	if over := len(r.history) - r.limit; over > 0 {
		n := copy(r.history, r.history[over:])
		clear(r.history[n:])
		r.history = r.history[:n]
	}
	return s
}

// terminalInRoom returns terminal entries for room, which are reaped before a
// new agent takes the room.
func (r *registry) terminalInRoom(room string) []*agent {
	var out []*agent
	for _, a := range r.live {
		if a.snap.RoomName == room && a.snap.Status.Terminal() {
			out = append(out, a)
		}
	}
	return out
}

func (r *registry) list() []types.AgentSnapshot {
	out := make([]types.AgentSnapshot, 0, len(r.live))
	for _, a := range r.live {
		out = append(out, a.snapshot())
	}
	sortByStart(out)
	return out
}

func (r *registry) historyCopy() []types.AgentSnapshot {
	return slices.Clone(r.history)
}

func sortByStart(s []types.AgentSnapshot) {
	slices.SortFunc(s, func(a, b types.AgentSnapshot) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
