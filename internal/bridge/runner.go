package bridge

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// Spec describes one external tool invocation.
type Spec struct {
	// Args are the interpreter arguments. When Script is set they follow the
	// inline-execution flag and are visible to the script as argv.
	Args []string

	// Script is optional inline script text delivered via the interpreter's
	// -c flag. When empty, Args[0] is expected to be a script path.
	Script string

	Env        map[string]string
	WorkingDir string
}

// ExitStatus is the outcome of waiting for a process.
type ExitStatus struct {
	Code     int
	TimedOut bool
	// Err is a launch/wait transport error, not the tool's stderr.
	Err error
}

// Process is one in-flight external process. Its standard streams are
// drained continuously into buffers regardless of whether anyone is
// currently polling, so a chatty child can never deadlock on a full pipe.
type Process interface {
	Stdout() *OutputBuffer
	Stderr() *OutputBuffer

	// Wait blocks until exit or until timeout elapses, polling liveness at a
	// fixed short interval. On timeout the child is terminated and the
	// returned status has TimedOut set.
	Wait(timeout time.Duration) ExitStatus

	// Terminate forcefully stops the process. Idempotent after exit.
	Terminate() error

	Running() bool
	PID() int
}

// Runner starts external tool processes. The production implementation is
// PythonRunner; tests substitute their own.
type Runner interface {
	Start(ctx context.Context, spec Spec) (Process, error)
}

// OutputBuffer accumulates a process stream in memory and hands out newly
// arrived bytes incrementally. Safe for one writer and one reader.
type OutputBuffer struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	read int
}

func (b *OutputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Next returns the bytes that arrived since the previous call to Next.
func (b *OutputBuffer) Next() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.buf.String()[b.read:]
	b.read += len(s)
	return s
}

// String returns everything written so far.
func (b *OutputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Len returns the total number of bytes written so far.
func (b *OutputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}
