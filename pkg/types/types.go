// Package types defines the shared types used across all Voxline packages.
//
// Cross-cutting data structures live here to avoid circular imports between the
// dialogue engine, the agent supervisor, persistence and the HTTP surface. Each
// package still owns its own domain types.
package types

import "time"

// Role identifies the author of a conversation turn.
type Role string

const (
	// RoleUser marks an utterance spoken by the caller.
	RoleUser Role = "user"

	// RoleAssistant marks a reply produced by the agent.
	RoleAssistant Role = "assistant"
)

// ModeNone is the mode name used when no personality has been selected.
const ModeNone = "none"

// Turn is one entry of a session's conversation history. Turns are immutable
// once appended.
type Turn struct {
	// Role is the author of the turn.
	Role Role `json:"role"`

	// Content is the spoken or generated text.
	Content string `json:"content"`

	// Timestamp is when the turn was recorded.
	Timestamp time.Time `json:"timestamp"`

	// Mode is the personality that was active when the turn was appended.
	Mode string `json:"mode"`
}

// CallKind describes how a session or agent was initiated. It is informational
// only and does not alter turn processing.
type CallKind string

const (
	CallInbound  CallKind = "inbound"
	CallOutbound CallKind = "outbound"
	CallRoom     CallKind = "room"
)

// IsValid reports whether k is a recognised call kind.
func (k CallKind) IsValid() bool {
	switch k {
	case CallInbound, CallOutbound, CallRoom:
		return true
	}
	return false
}

// AgentStatus is the lifecycle state of a supervised agent.
//
//	starting → running → {finished | crashed | stopping → stopped} | error
type AgentStatus string

const (
	AgentStarting AgentStatus = "starting"
	AgentRunning  AgentStatus = "running"
	AgentStopping AgentStatus = "stopping"
	AgentFinished AgentStatus = "finished"
	AgentCrashed  AgentStatus = "crashed"
	AgentStopped  AgentStatus = "stopped"
	AgentError    AgentStatus = "error"
)

// Terminal reports whether the status is final. A terminal agent no longer
// holds its room.
func (s AgentStatus) Terminal() bool {
	switch s {
	case AgentFinished, AgentCrashed, AgentStopped, AgentError:
		return true
	}
	return false
}

// AgentSnapshot is a point-in-time copy of a supervised agent's state. It is
// safe to retain and serialise.
type AgentSnapshot struct {
	ID         string            `json:"agent_id"`
	RoomName   string            `json:"room_name"`
	Kind       CallKind          `json:"kind"`
	PID        int               `json:"pid,omitempty"`
	Status     AgentStatus       `json:"status"`
	StartedAt  time.Time         `json:"started_at"`
	EndedAt    *time.Time        `json:"ended_at,omitempty"`
	ErrorCount int               `json:"error_count"`
	ExitCode   *int              `json:"exit_code,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
}

// Duration returns how long the agent ran. Agents that have not ended are
// measured against now.
func (a AgentSnapshot) Duration(now time.Time) time.Duration {
	if a.EndedAt != nil {
		return a.EndedAt.Sub(a.StartedAt)
	}
	return now.Sub(a.StartedAt)
}

// SessionSummary describes a dialogue session, live or closed.
type SessionSummary struct {
	ID            string         `json:"session_id"`
	RoomName      string         `json:"room_name"`
	Kind          CallKind       `json:"kind"`
	CallerID      string         `json:"caller_id,omitempty"`
	Mode          string         `json:"mode"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	TurnCount     int            `json:"turn_count"`
	ModeChanges   int            `json:"mode_changes"`
	FunctionsUsed map[string]int `json:"functions_used,omitempty"`
	Participants  []string       `json:"participants,omitempty"`
	Closed        bool           `json:"closed"`
	CloseReason   string         `json:"close_reason,omitempty"`
}
