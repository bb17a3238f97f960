package memory_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/voxline/pkg/memory"
	"github.com/MrWong99/voxline/pkg/types"
)

var t0 = time.Date(2025, 3, 7, 14, 0, 0, 0, time.UTC)

func TestLocal_Turns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.NewLocal(4)

	for i := range 6 {
		role := types.RoleUser
		if i%2 == 1 {
			role = types.RoleAssistant
		}
		err := s.RecordTurns(ctx, "s1", []types.Turn{{
			Role:      role,
			Content:   fmt.Sprintf("t%d", i),
			Timestamp: t0.Add(time.Duration(i) * time.Second),
		}})
		if err != nil {
			t.Fatalf("RecordTurns: %v", err)
		}
	}

	tests := []struct {
		name string
		opts []memory.TurnQueryOpt
		want []string
	}{
		{"bounded", nil, []string{"t2", "t3", "t4", "t5"}},
		{"role", []memory.TurnQueryOpt{memory.WithRole(types.RoleAssistant)}, []string{"t3", "t5"}},
		{"after", []memory.TurnQueryOpt{memory.After(t0.Add(3 * time.Second))}, []string{"t4", "t5"}},
		{"limit", []memory.TurnQueryOpt{memory.WithLimit(1)}, []string{"t5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Turns(ctx, "s1", tt.opts...)
			if err != nil {
				t.Fatalf("Turns: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d turns, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].Content != tt.want[i] {
					t.Errorf("turn %d = %q, want %q", i, got[i].Content, tt.want[i])
				}
			}
		})
	}

	empty, err := s.Turns(ctx, "unknown")
	if err != nil || empty == nil || len(empty) != 0 {
		t.Errorf("Turns(unknown) = %v, %v; want empty non-nil slice", empty, err)
	}
}

func TestLocal_Sessions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.NewLocal(2)

	for i := range 3 {
		id := fmt.Sprintf("s%d", i)
		_ = s.RecordTurns(ctx, id, []types.Turn{{Role: types.RoleUser, Content: "oi"}})
		if err := s.RecordSession(ctx, types.SessionSummary{ID: id, StartedAt: t0.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("RecordSession: %v", err)
		}
	}
	// Replacing keeps the position.
	if err := s.RecordSession(ctx, types.SessionSummary{ID: "s2", Closed: true}); err != nil {
		t.Fatalf("RecordSession: %v", err)
	}

	got, err := s.Sessions(ctx, 0)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(got) != 2 || got[0].ID != "s2" || !got[0].Closed || got[1].ID != "s1" {
		t.Errorf("Sessions = %+v, want [s2(closed) s1]", got)
	}
	if turns, _ := s.Turns(ctx, "s0"); len(turns) != 0 {
		t.Errorf("turns of evicted session kept: %v", turns)
	}
}

func TestLocal_Agents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.NewLocal(10)
	snaps := []types.AgentSnapshot{
		{ID: "a1", RoomName: "room1", Status: types.AgentFinished},
		{ID: "a2", RoomName: "room1", Status: types.AgentCrashed},
		{ID: "a3", RoomName: "room2", Status: types.AgentStopped, Params: map[string]string{"k": "v"}},
	}
	for _, snap := range snaps {
		if err := s.RecordAgent(ctx, snap); err != nil {
			t.Fatalf("RecordAgent: %v", err)
		}
	}
	snaps[2].Params["k"] = "mutated"

	tests := []struct {
		name   string
		filter memory.AgentFilter
		want   []string
	}{
		{"all newest first", memory.AgentFilter{}, []string{"a3", "a2", "a1"}},
		{"room", memory.AgentFilter{RoomName: "room1"}, []string{"a2", "a1"}},
		{"status", memory.AgentFilter{Status: types.AgentCrashed}, []string{"a2"}},
		{"limit", memory.AgentFilter{Limit: 1}, []string{"a3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Agents(ctx, tt.filter)
			if err != nil {
				t.Fatalf("Agents: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d agents, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].ID != tt.want[i] {
					t.Errorf("agent %d = %s, want %s", i, got[i].ID, tt.want[i])
				}
			}
		})
	}

	got, _ := s.Agents(ctx, memory.AgentFilter{RoomName: "room2"})
	if got[0].Params["k"] != "v" {
		t.Errorf("stored params aliased caller map: %v", got[0].Params)
	}
}
