package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"syscall"

	"github.com/MrWong99/voxline/pkg/types"
)

// Spec describes one agent to launch.
type Spec struct {
	AgentID  string
	RoomName string
	Kind     types.CallKind
	Params   map[string]string
}

// Exit describes how a process ended.
type Exit struct {
	// Code is the exit code, or -1 when the process was killed by a signal.
	Code int

	// Signaled is true when a signal or a forced kill ended the process.
	Signaled bool

	// Err carries a wait error that is not an exit status, if any.
	Err error
}

// Clean reports whether the process exited on its own with code 0.
func (e Exit) Clean() bool { return !e.Signaled && e.Code == 0 && e.Err == nil }

// Process is a running agent as seen by the supervisor.
type Process interface {
	// PID returns the OS process ID, or 0 for in-process agents.
	PID() int

	// Output returns the merged stdout/stderr stream. It reaches EOF when the
	// process closes its output, normally at exit.
	Output() io.Reader

	// Terminate asks the process to exit gracefully.
	Terminate() error

	// Kill ends the process immediately.
	Kill() error

	// Wait blocks until the process has exited. It must be called only once,
	// after Output reached EOF.
	Wait() Exit
}

// Runner launches agent processes. The ctx passed to Start bounds only the
// launch itself, never the lifetime of the process.
type Runner interface {
	Start(ctx context.Context, spec Spec) (Process, error)
}

// Environment variable names passed to exec-launched agents.
const (
	EnvRoomName = "VOXLINE_ROOM_NAME"
	EnvAgentID  = "VOXLINE_AGENT_ID"
	EnvKind     = "VOXLINE_KIND"
)

// ExecRunner launches each agent as a child process.
//
// The child's stdin is a pipe the supervisor holds open until the process
// exits, so a console agent waits for input instead of reading EOF.
//
// The command line is Path, then Args, then
// "--room ROOM --agent-id ID --kind KIND". Params are exported as
// VOXLINE_<KEY> environment variables, with KEY upper-cased and non
// alphanumeric characters replaced by underscores.
type ExecRunner struct {
	// Path is the executable. Defaults to the running binary.
	Path string

	// Args are inserted before the agent flags, e.g. []string{"agent"}.
	Args []string

	// Env is appended to the inherited environment.
	Env []string

	// Dir is the working directory. Empty means the current one.
	Dir string
}

// Start implements [Runner].
func (r *ExecRunner) Start(_ context.Context, spec Spec) (Process, error) {
	path := r.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("supervisor: resolve executable: %w", err)
		}
		path = exe
	}

	args := slices.Clone(r.Args)
	args = append(args, "--room", spec.RoomName, "--agent-id", spec.AgentID, "--kind", string(spec.Kind))

	// Not CommandContext: the agent must outlive the request that started it.
	cmd := exec.Command(path, args...)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Env = append(cmd.Env, agentEnv(spec)...)

	// Wait closes the write end after the child exits.
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: input pipe: %w", err)
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("supervisor: output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		stdin.Close()
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("supervisor: start %s: %w", path, err)
	}
	// The child holds its own copy of the write end.
	pw.Close()

	return &execProcess{cmd: cmd, out: pr}, nil
}

func agentEnv(spec Spec) []string {
	env := []string{
		EnvRoomName + "=" + spec.RoomName,
		EnvAgentID + "=" + spec.AgentID,
		EnvKind + "=" + string(spec.Kind),
	}
	for _, k := range slices.Sorted(maps.Keys(spec.Params)) {
		env = append(env, "VOXLINE_"+envKey(k)+"="+spec.Params[k])
	}
	return env
}

func envKey(k string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, k)
}

type execProcess struct {
	cmd *exec.Cmd
	out *os.File
}

func (p *execProcess) PID() int          { return p.cmd.Process.Pid }
func (p *execProcess) Output() io.Reader { return p.out }
func (p *execProcess) Kill() error       { return p.cmd.Process.Kill() }

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Wait() Exit {
	err := p.cmd.Wait()
	p.out.Close()

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return Exit{Code: -1, Err: err}
	}
	code := p.cmd.ProcessState.ExitCode()
	return Exit{Code: code, Signaled: code == -1}
}
