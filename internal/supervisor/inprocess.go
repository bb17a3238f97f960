package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// AgentFunc is the body of an in-process agent. It writes its log output to
// out and must return once ctx is cancelled. A nil return is a clean exit; an
// error or a panic is a crash.
type AgentFunc func(ctx context.Context, spec Spec, out io.Writer) error

// FuncRunner hosts each agent in a goroutine instead of a child process. It
// keeps the exit classification of [ExecRunner]: Terminate cancels the
// agent's context and Kill abandons it, reporting a signaled exit.
type FuncRunner struct {
	Func AgentFunc
}

// Start implements [Runner].
func (r *FuncRunner) Start(_ context.Context, spec Spec) (Process, error) {
	if r.Func == nil {
		return nil, errors.New("supervisor: FuncRunner has no Func")
	}
	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	p := &funcProcess{
		cancel: cancel,
		out:    pr,
		pw:     pw,
		exited: make(chan struct{}),
		killed: make(chan struct{}),
	}
	go p.run(ctx, r.Func, spec)
	return p, nil
}

type funcProcess struct {
	cancel context.CancelFunc
	out    *io.PipeReader
	pw     *io.PipeWriter

	exited chan struct{}
	exit   Exit // written before exited is closed

	killOnce sync.Once
	killed   chan struct{}
}

func (p *funcProcess) run(ctx context.Context, fn AgentFunc, spec Spec) {
	defer close(p.exited)
	defer p.pw.Close()
	defer func() {
		if r := recover(); r != nil {
			p.exit = Exit{Code: 2, Err: fmt.Errorf("agent panicked: %v", r)}
		}
	}()
	if err := fn(ctx, spec, p.pw); err != nil {
		p.exit = Exit{Code: 1, Err: err}
		return
	}
	p.exit = Exit{}
}

func (p *funcProcess) PID() int          { return 0 }
func (p *funcProcess) Output() io.Reader { return p.out }

func (p *funcProcess) Terminate() error {
	p.cancel()
	return nil
}

func (p *funcProcess) Kill() error {
	p.killOnce.Do(func() {
		close(p.killed)
		p.cancel()
		p.pw.Close()
	})
	return nil
}

func (p *funcProcess) Wait() Exit {
	select {
	case <-p.exited:
		return p.exit
	default:
	}
	select {
	case <-p.exited:
		return p.exit
	case <-p.killed:
		return Exit{Code: -1, Signaled: true}
	}
}
