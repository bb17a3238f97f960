// Package mock provides test doubles for the supervisor.Runner and
// supervisor.Process interfaces.
//
// A [Process] stays alive until the test calls [Process.Exit], or until
// Terminate or Kill is called. Set IgnoreTerminate to simulate an agent that
// must be force-killed.
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/voxline/internal/supervisor"
)

// Runner is a mock implementation of supervisor.Runner.
type Runner struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned from Start.
	StartErr error

	// IgnoreTerminate is copied into every Process created by Start.
	IgnoreTerminate bool

	// StartCalls records every Spec passed to Start.
	StartCalls []supervisor.Spec

	// Processes records every Process created, in order.
	Processes []*Process
}

// Start records the call and returns a new Process, or StartErr.
func (r *Runner) Start(_ context.Context, spec supervisor.Spec) (supervisor.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StartCalls = append(r.StartCalls, spec)
	if r.StartErr != nil {
		return nil, r.StartErr
	}
	p := NewProcess(len(r.Processes) + 1000)
	p.IgnoreTerminate = r.IgnoreTerminate
	r.Processes = append(r.Processes, p)
	return p, nil
}

// Process returns the i-th created process. Thread-safe.
func (r *Runner) Process(i int) *Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Processes[i]
}

// Calls returns a copy of the recorded Start specs. Thread-safe.
func (r *Runner) Calls() []supervisor.Spec {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]supervisor.Spec, len(r.StartCalls))
	copy(out, r.StartCalls)
	return out
}

// Process is a controllable fake agent process.
type Process struct {
	// IgnoreTerminate makes Terminate a no-op so only Kill ends the process.
	IgnoreTerminate bool

	pid int
	pr  *io.PipeReader
	pw  *io.PipeWriter

	once   sync.Once
	exited chan struct{}
	exit   supervisor.Exit

	mu             sync.Mutex
	terminateCalls int
	killCalls      int
}

// NewProcess creates a live Process with the given PID.
func NewProcess(pid int) *Process {
	pr, pw := io.Pipe()
	return &Process{pid: pid, pr: pr, pw: pw, exited: make(chan struct{})}
}

// Write emits output as if printed by the agent. It blocks until read.
func (p *Process) Write(b []byte) (int, error) { return p.pw.Write(b) }

// Exit ends the process with the given status. Only the first call counts.
func (p *Process) Exit(e supervisor.Exit) {
	p.once.Do(func() {
		p.exit = e
		p.pw.Close()
		close(p.exited)
	})
}

// PID implements supervisor.Process.
func (p *Process) PID() int { return p.pid }

// Output implements supervisor.Process.
func (p *Process) Output() io.Reader { return p.pr }

// Terminate records the call and exits with code 143 unless IgnoreTerminate
// is set.
func (p *Process) Terminate() error {
	p.mu.Lock()
	p.terminateCalls++
	ignore := p.IgnoreTerminate
	p.mu.Unlock()
	if !ignore {
		p.Exit(supervisor.Exit{Code: 143})
	}
	return nil
}

// Kill records the call and exits with a signaled status.
func (p *Process) Kill() error {
	p.mu.Lock()
	p.killCalls++
	p.mu.Unlock()
	p.Exit(supervisor.Exit{Code: -1, Signaled: true})
	return nil
}

// Wait implements supervisor.Process.
func (p *Process) Wait() supervisor.Exit {
	<-p.exited
	return p.exit
}

// TerminateCalls returns how often Terminate was called.
func (p *Process) TerminateCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminateCalls
}

// KillCalls returns how often Kill was called.
func (p *Process) KillCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killCalls
}

var (
	_ supervisor.Runner  = (*Runner)(nil)
	_ supervisor.Process = (*Process)(nil)
)
