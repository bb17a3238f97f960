package dialogue

import "github.com/MrWong99/voxline/pkg/types"

// History is the bounded, append-only turn log of one session. It keeps at
// most 2*maxTurns entries and drops the oldest first.
//
// History is owned by a single Engine and is not safe for concurrent use.
type History struct {
	turns []types.Turn
	limit int
}

// NewHistory creates a History that retains maxTurns exchanges, i.e.
// 2*maxTurns turns. maxTurns < 1 is treated as 1.
func NewHistory(maxTurns int) *History {
	if maxTurns < 1 {
		maxTurns = 1
	}
	return &History{
		turns: make([]types.Turn, 0, 2*maxTurns),
		limit: 2 * maxTurns,
	}
}

// Append adds turns in order and trims the oldest entries beyond the limit.
func (h *History) Append(turns ...types.Turn) {
	h.turns = append(h.turns, turns...)
	if over := len(h.turns) - h.limit; over > 0 {
		// Shift in place so the backing array does not grow without bound.
		n := copy(h.turns, h.turns[over:])
		clear(h.turns[n:])
		h.turns = h.turns[:n]
	}
}

// Recent returns a copy of the last k turns, or all turns when k <= 0 or k
// exceeds the length.
func (h *History) Recent(k int) []types.Turn {
	start := 0
	if k > 0 && k < len(h.turns) {
		start = len(h.turns) - k
	}
	out := make([]types.Turn, len(h.turns)-start)
	copy(out, h.turns[start:])
	return out
}

// All returns a copy of every retained turn.
func (h *History) All() []types.Turn { return h.Recent(0) }

// Len returns the number of retained turns.
func (h *History) Len() int { return len(h.turns) }

// Limit returns the maximum number of retained turns.
func (h *History) Limit() int { return h.limit }
