package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// waitPollInterval is how often Wait re-checks process liveness. The loop
// polls instead of blocking so a wall-clock budget can be enforced portably.
const waitPollInterval = 100 * time.Millisecond

// terminateGrace is how long Terminate waits between SIGTERM and SIGKILL.
const terminateGrace = 2 * time.Second

// drainDelay bounds how long Wait keeps waiting for the stdout/stderr pipes
// to reach EOF after the child itself has exited. The download tool spawns
// helper processes that inherit the pipes; a lingering helper must not keep
// a dead child looking alive.
const drainDelay = 500 * time.Millisecond

// DefaultSearchPaths are the well-known interpreter locations checked when
// the config does not override them. A bundled virtual environment, when
// configured, is always checked first.
var DefaultSearchPaths = []string{
	"/usr/local/bin/python3",
	"/opt/homebrew/bin/python3",
	"/usr/bin/python3",
	"/usr/local/bin/python",
	"/usr/bin/python",
}

// PythonRunner launches the external tool under a Python interpreter
// discovered from an ordered search list.
type PythonRunner struct {
	searchPaths []string

	mu       sync.Mutex
	resolved string
}

// NewPythonRunner creates a runner that resolves the interpreter from the
// given candidates in order. An empty list falls back to DefaultSearchPaths.
func NewPythonRunner(searchPaths ...string) *PythonRunner {
	if len(searchPaths) == 0 {
		searchPaths = DefaultSearchPaths
	}
	return &PythonRunner{searchPaths: searchPaths}
}

// Resolve returns the first existing executable candidate. The result is
// cached; ErrExecutableNotFound is reported without spawning anything.
func (r *PythonRunner) Resolve() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved != "" {
		return r.resolved, nil
	}
	for _, p := range r.searchPaths {
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Mode()&0o111 == 0 {
			continue
		}
		r.resolved = p
		return p, nil
	}
	return "", fmt.Errorf("%w: tried %v", ErrExecutableNotFound, r.searchPaths)
}

// Start launches the interpreter per spec. Stream draining begins
// immediately; cancellation of ctx terminates the child.
func (r *PythonRunner) Start(ctx context.Context, spec Spec) (Process, error) {
	python, err := r.Resolve()
	if err != nil {
		return nil, err
	}

	args := spec.Args
	if spec.Script != "" {
		args = append([]string{"-c", spec.Script}, spec.Args...)
	}

	cmd := exec.Command(python, args...)
	cmd.Dir = spec.WorkingDir
	if len(spec.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range spec.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	// Own process group, so termination reaches helper processes the tool
	// spawns, and bounded pipe drain, so a helper holding the pipes open
	// cannot block Wait past the child's own exit.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = drainDelay

	p := &osProcess{
		cmd:    cmd,
		stdout: &OutputBuffer{},
		stderr: &OutputBuffer{},
		done:   make(chan struct{}),
	}
	// exec copies into the buffers from its own goroutines, so the pipes are
	// drained for the child's whole lifetime.
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch %s: %w", python, err)
	}

	go p.reap()
	go p.watchCancel(ctx)

	return p, nil
}

type osProcess struct {
	cmd    *exec.Cmd
	stdout *OutputBuffer
	stderr *OutputBuffer

	done chan struct{}

	mu   sync.Mutex
	exit ExitStatus

	termOnce sync.Once
}

func (p *osProcess) reap() {
	err := p.cmd.Wait()
	status := ExitStatus{}
	switch {
	case err == nil:
	case errors.Is(err, exec.ErrWaitDelay):
		// The pipes outlived the drain delay; the child itself exited
		// cleanly or the ExitError would have taken precedence.
	default:
		if ee, ok := err.(*exec.ExitError); ok {
			status.Code = ee.ExitCode()
		} else {
			status.Code = -1
			status.Err = err
		}
	}
	p.mu.Lock()
	p.exit = status
	p.mu.Unlock()
	close(p.done)
}

func (p *osProcess) watchCancel(ctx context.Context) {
	select {
	case <-ctx.Done():
		_ = p.Terminate()
	case <-p.done:
	}
}

func (p *osProcess) Stdout() *OutputBuffer { return p.stdout }
func (p *osProcess) Stderr() *OutputBuffer { return p.stderr }

func (p *osProcess) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *osProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *osProcess) exitStatus() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

func (p *osProcess) Wait(timeout time.Duration) ExitStatus {
	deadline := time.Now().Add(timeout)
	for {
		select {
		case <-p.done:
			return p.exitStatus()
		case <-time.After(waitPollInterval):
		}
		if time.Now().After(deadline) {
			_ = p.Terminate()
			// Reap the child so the timed-out status reflects a dead
			// process, not a zombie.
			select {
			case <-p.done:
			case <-time.After(terminateGrace + drainDelay + time.Second):
			}
			status := p.exitStatus()
			status.TimedOut = true
			return status
		}
	}
}

// signal delivers sig to the child's whole process group, falling back to
// the child alone if the group is already gone.
func (p *osProcess) signal(sig syscall.Signal) error {
	if err := syscall.Kill(-p.cmd.Process.Pid, sig); err != nil {
		return p.cmd.Process.Signal(sig)
	}
	return nil
}

// Terminate sends SIGTERM, escalating to SIGKILL after a short grace
// period. Signals address the process group so helpers spawned by the tool
// do not survive as orphans. Safe to call multiple times and after exit.
func (p *osProcess) Terminate() error {
	var err error
	p.termOnce.Do(func() {
		if !p.Running() || p.cmd.Process == nil {
			return
		}
		if serr := p.signal(syscall.SIGTERM); serr != nil {
			err = serr
			return
		}
		select {
		case <-p.done:
		case <-time.After(terminateGrace):
			err = p.signal(syscall.SIGKILL)
		}
	})
	return err
}
