package memory

import "github.com/MrWong99/voxline/pkg/types"

// AgentFilter narrows an [AgentStore.Agents] query. All non-zero fields are
// applied as AND conditions.
type AgentFilter struct {
	// RoomName restricts results to one room.
	RoomName string

	// Status restricts results to one terminal status.
	Status types.AgentStatus

	// Limit caps the number of results. Zero means [DefaultQueryLimit].
	Limit int
}

// Match reports whether snap satisfies the filter, ignoring Limit.
func (f AgentFilter) Match(snap types.AgentSnapshot) bool {
	if f.RoomName != "" && snap.RoomName != f.RoomName {
		return false
	}
	if f.Status != "" && snap.Status != f.Status {
		return false
	}
	return true
}

// EffectiveLimit returns Limit, or [DefaultQueryLimit] when unset.
func (f AgentFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultQueryLimit
	}
	return f.Limit
}
