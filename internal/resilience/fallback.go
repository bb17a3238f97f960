package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrAllFailed is returned when every entry in a [Group] fails or has an open
// circuit breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// Entry is one named member of a [Group].
type Entry[T any] struct {
	Name  string
	Value T
}

type member[T any] struct {
	Entry[T]
	breaker *CircuitBreaker
}

// Group holds a primary and zero or more fallbacks of the same kind, each
// behind its own [CircuitBreaker]. Members are tried in order. The member
// list is fixed at construction, so a Group is safe for concurrent use.
type Group[T any] struct {
	members []member[T]
}

// NewGroup creates a [Group]. The first entry is the primary. cfg is the
// template for every member's breaker; its Name is replaced per member.
func NewGroup[T any](cfg CircuitBreakerConfig, entries ...Entry[T]) (*Group[T], error) {
	if len(entries) == 0 {
		return nil, errors.New("resilience: group needs at least one entry")
	}
	g := &Group[T]{members: make([]member[T], 0, len(entries))}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if seen[e.Name] {
			return nil, fmt.Errorf("resilience: duplicate entry %q", e.Name)
		}
		seen[e.Name] = true
		bc := cfg
		bc.Name = e.Name
		g.members = append(g.members, member[T]{Entry: e, breaker: NewCircuitBreaker(bc)})
	}
	return g, nil
}

// Primary returns the first entry.
func (g *Group[T]) Primary() Entry[T] { return g.members[0].Entry }

// States reports each member's breaker state keyed by name.
func (g *Group[T]) States() map[string]State {
	out := make(map[string]State, len(g.members))
	for _, m := range g.members {
		out[m.Name] = m.breaker.State()
	}
	return out
}

// Check returns nil while at least one member's breaker is not open. It is
// meant for readiness probes.
func (g *Group[T]) Check(context.Context) error {
	var open []string
	for _, m := range g.members {
		if m.breaker.State() != StateOpen {
			return nil
		}
		open = append(open, m.Name)
	}
	return fmt.Errorf("circuit open for %s", strings.Join(open, ", "))
}

// Do runs fn against each member in order until one succeeds and returns its
// result along with the member name. Members with an open breaker are
// skipped. A cancelled ctx stops the walk immediately. When all members fail
// the error wraps [ErrAllFailed] and the last member error.
func Do[T, R any](ctx context.Context, g *Group[T], fn func(context.Context, T) (R, error)) (R, string, error) {
	var (
		zero    R
		lastErr error
	)
	for _, m := range g.members {
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}
		var result R
		err := m.breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			result, err = fn(ctx, m.Value)
			return err
		})
		if err == nil {
			return result, m.Name, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider, circuit open", "provider", m.Name)
			continue
		}
		if ctx.Err() != nil {
			return zero, "", err
		}
		slog.Warn("provider failed, trying next", "provider", m.Name, "err", err)
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
