package memory

import (
	"time"

	"github.com/MrWong99/voxline/pkg/types"
)

// DefaultQueryLimit is applied by backends when a query sets no limit.
const DefaultQueryLimit = 100

// TurnQueryOpt narrows a [TurnStore.Turns] query.
type TurnQueryOpt func(*turnQueryOptions)

type turnQueryOptions struct {
	role  types.Role
	after time.Time
	limit int
}

// WithRole restricts results to turns authored by role.
func WithRole(role types.Role) TurnQueryOpt {
	return func(o *turnQueryOptions) { o.role = role }
}

// After restricts results to turns recorded strictly after t.
func After(t time.Time) TurnQueryOpt {
	return func(o *turnQueryOptions) { o.after = t }
}

// WithLimit keeps only the most recent n turns. n <= 0 means no limit.
func WithLimit(n int) TurnQueryOpt {
	return func(o *turnQueryOptions) { o.limit = n }
}

// TurnQueryParams holds the resolved values of a slice of [TurnQueryOpt].
type TurnQueryParams struct {
	Role  types.Role
	After time.Time
	Limit int
}

// ApplyTurnQueryOpts resolves opts so that backends outside this package can
// read them without access to the unexported option struct.
func ApplyTurnQueryOpts(opts []TurnQueryOpt) TurnQueryParams {
	o := &turnQueryOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return TurnQueryParams{Role: o.role, After: o.after, Limit: o.limit}
}

// Match reports whether t satisfies the role and time filters.
func (p TurnQueryParams) Match(t types.Turn) bool {
	if p.Role != "" && t.Role != p.Role {
		return false
	}
	if !p.After.IsZero() && !t.Timestamp.After(p.After) {
		return false
	}
	return true
}
