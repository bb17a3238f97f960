package dialogue

import (
	"fmt"
	"testing"

	"github.com/MrWong99/voxline/pkg/types"
)

func turnN(i int) types.Turn {
	role := types.RoleUser
	if i%2 == 1 {
		role = types.RoleAssistant
	}
	return types.Turn{Role: role, Content: fmt.Sprintf("t%d", i)}
}

func TestHistory_Bound(t *testing.T) {
	t.Parallel()

	for _, maxTurns := range []int{1, 2, 4, 15} {
		t.Run(fmt.Sprintf("max=%d", maxTurns), func(t *testing.T) {
			t.Parallel()

			h := NewHistory(maxTurns)
			limit := 2 * maxTurns
			var all []types.Turn
			for i := range 3*limit + 1 {
				tr := turnN(i)
				all = append(all, tr)
				h.Append(tr)

				if h.Len() > limit {
					t.Fatalf("after %d appends Len = %d, limit %d", i+1, h.Len(), limit)
				}
				want := all
				if len(want) > limit {
					want = want[len(want)-limit:]
				}
				got := h.All()
				if len(got) != len(want) {
					t.Fatalf("after %d appends len = %d, want %d", i+1, len(got), len(want))
				}
				for j := range got {
					if got[j] != want[j] {
						t.Fatalf("after %d appends turn %d = %q, want %q", i+1, j, got[j].Content, want[j].Content)
					}
				}
			}
		})
	}
}

func TestHistory_AppendPair(t *testing.T) {
	t.Parallel()

	h := NewHistory(1)
	h.Append(turnN(0), turnN(1))
	h.Append(turnN(2), turnN(3))

	got := h.All()
	if len(got) != 2 || got[0].Content != "t2" || got[1].Content != "t3" {
		t.Errorf("All() = %+v, want [t2 t3]", got)
	}
}

func TestHistory_Recent(t *testing.T) {
	t.Parallel()

	h := NewHistory(5)
	for i := range 6 {
		h.Append(turnN(i))
	}

	tests := []struct {
		k     int
		first string
		n     int
	}{
		{k: 2, first: "t4", n: 2},
		{k: 0, first: "t0", n: 6},
		{k: 100, first: "t0", n: 6},
	}
	for _, tt := range tests {
		got := h.Recent(tt.k)
		if len(got) != tt.n || got[0].Content != tt.first {
			t.Errorf("Recent(%d) = %d turns starting %q, want %d starting %q",
				tt.k, len(got), got[0].Content, tt.n, tt.first)
		}
	}

	// Returned slices are copies.
	r := h.Recent(1)
	r[0].Content = "mutated"
	if h.Recent(1)[0].Content == "mutated" {
		t.Error("Recent exposed internal storage")
	}
}

func TestNewHistory_MinimumLimit(t *testing.T) {
	t.Parallel()

	if got := NewHistory(0).Limit(); got != 2 {
		t.Errorf("Limit() = %d, want 2", got)
	}
}
