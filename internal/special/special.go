// Package special implements deterministic reply handlers that answer a
// recognised intent (arithmetic, clock, weather, ...) in place of text
// generation.
//
// Handlers never surface errors to the caller. A failing, panicking or
// timed-out handler yields its registered apology so the turn still produces a
// reply.
package special

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Names of the built-in functions.
const (
	Weather    = "weather"
	Time       = "time"
	Joke       = "joke"
	Quote      = "quote"
	Calculator = "calculator"
	Translator = "translator"
)

// DefaultApology is returned when a handler without its own apology fails or
// when an unknown function is invoked.
const DefaultApology = "Desculpe, não consegui executar essa função agora."

// defaultTimeout bounds a single handler invocation when the caller's context
// carries no earlier deadline.
const defaultTimeout = 10 * time.Second

// Handler produces the reply for one utterance. A non-nil error is converted
// into the function's apology by the Registry.
type Handler func(ctx context.Context, utterance string) (string, error)

// Function describes one registered handler.
type Function struct {
	// Name is the identifier used by the mode resolver's keyword table.
	Name string

	// Description is a one-line summary, exposed to MCP clients.
	Description string

	// Apology is the reply used when Handler fails. Empty means DefaultApology.
	Apology string

	// Handler computes the reply.
	Handler Handler
}

// Outcome reports how an invocation went, for metrics and logging.
type Outcome struct {
	Function string
	Duration time.Duration
	Err      error
}

// Registry maps function names to handlers. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	funcs   map[string]Function
	timeout time.Duration
	observe func(context.Context, Outcome)
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout overrides the per-invocation timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithObserver installs a callback invoked after every invocation.
func WithObserver(fn func(context.Context, Outcome)) Option {
	return func(r *Registry) { r.observe = fn }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		funcs:   make(map[string]Function),
		timeout: defaultTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds or replaces a function.
func (r *Registry) Register(fn Function) error {
	if fn.Name == "" {
		return fmt.Errorf("special: function name must not be empty")
	}
	if fn.Handler == nil {
		return fmt.Errorf("special: function %q has no handler", fn.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[fn.Name] = fn
	return nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.funcs[name]
	return ok
}

// Functions returns the registered functions sorted by name.
func (r *Registry) Functions() []Function {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Function, 0, len(r.funcs))
	for _, fn := range r.funcs {
		out = append(out, fn)
	}
	slices.SortFunc(out, func(a, b Function) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Invoke runs the named handler and returns its reply. It never fails: an
// unknown name, an error, a panic or a timeout all yield an apology string.
func (r *Registry) Invoke(ctx context.Context, name, utterance string) string {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	timeout := r.timeout
	r.mu.RUnlock()

	if !ok {
		slog.Warn("special function not registered", "function", name)
		return DefaultApology
	}
	apology := fn.Apology
	if apology == "" {
		apology = DefaultApology
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("special: %s panicked: %v", name, p)}
			}
		}()
		text, err := fn.Handler(ctx, utterance)
		done <- result{text: text, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = fmt.Errorf("special: %s: %w", name, ctx.Err())
	}
	if res.err == nil && res.text == "" {
		res.err = fmt.Errorf("special: %s returned an empty reply", name)
	}

	if r.observe != nil {
		r.observe(ctx, Outcome{Function: name, Duration: time.Since(start), Err: res.err})
	}
	if res.err != nil {
		slog.Warn("special function failed", "function", name, "err", res.err)
		return apology
	}
	return res.text
}
