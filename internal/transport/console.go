package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
)

// Console is a line-based transport: every input line is one utterance and
// every reply is written as one prefixed output line. It backs the agent
// process started without --connect and the interactive chat. Under the
// exec runner the agent's stdin stays open until it exits and its stdout
// feeds the supervisor log.
type Console struct {
	lines  chan lineResult
	start  sync.Once
	in     *bufio.Scanner
	out    io.Writer
	prompt string
	label  string

	mu     sync.Mutex
	closed bool
}

type lineResult struct {
	text string
	err  error
}

var (
	_ Source  = (*Console)(nil)
	_ Speaker = (*Console)(nil)
)

// ConsoleOption configures a [Console].
type ConsoleOption func(*Console)

// WithPrompt prints prompt before every read. Empty disables it.
func WithPrompt(prompt string) ConsoleOption {
	return func(c *Console) { c.prompt = prompt }
}

// WithSpeakerLabel prefixes every spoken line with label and ": ".
func WithSpeakerLabel(label string) ConsoleOption {
	return func(c *Console) { c.label = label }
}

// NewConsole creates a console reading from in and writing to out.
func NewConsole(in io.Reader, out io.Writer, opts ...ConsoleOption) *Console {
	c := &Console{
		lines: make(chan lineResult),
		in:    bufio.NewScanner(in),
		out:   out,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Next returns the next input line. End of input is reported as [io.EOF].
// A blocked read is abandoned when ctx is cancelled; the reader goroutine
// stays parked until the underlying reader returns.
func (c *Console) Next(ctx context.Context) (Utterance, error) {
	c.start.Do(func() { go c.scan() })
	if c.prompt != "" {
		c.mu.Lock()
		fmt.Fprint(c.out, c.prompt)
		c.mu.Unlock()
	}
	select {
	case <-ctx.Done():
		return Utterance{}, ctx.Err()
	case r, ok := <-c.lines:
		if !ok {
			return Utterance{}, io.EOF
		}
		if r.err != nil {
			return Utterance{}, r.err
		}
		return Utterance{Text: r.text}, nil
	}
}

func (c *Console) scan() {
	defer close(c.lines)
	for c.in.Scan() {
		c.lines <- lineResult{text: c.in.Text()}
	}
	if err := c.in.Err(); err != nil {
		c.lines <- lineResult{err: err}
	}
}

// Speak writes text on its own line.
func (c *Console) Speak(_ context.Context, _ string, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	if c.label != "" {
		_, err := fmt.Fprintf(c.out, "%s: %s\n", c.label, text)
		return err
	}
	_, err := fmt.Fprintln(c.out, text)
	return err
}

// Close marks the console closed. Further Speak calls fail. It does not
// close the underlying reader or writer.
func (c *Console) Close(context.Context, string) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}
