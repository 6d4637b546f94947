package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("fluxkit/internal/bridge")

// Slot is one logical concurrent execution unit. The bridge enforces at most
// one in-flight process per slot: an overlapping call fails with ErrSlotBusy
// instead of relying on caller discipline.
type Slot int

const (
	SlotGeneration Slot = iota
	SlotDownload
	// SlotAuxiliary serves short request/response calls (token checks, model
	// probes) without contending with generation or download.
	SlotAuxiliary
)

func (s Slot) String() string {
	switch s {
	case SlotGeneration:
		return "generation"
	case SlotDownload:
		return "download"
	case SlotAuxiliary:
		return "auxiliary"
	default:
		return fmt.Sprintf("slot(%d)", int(s))
	}
}

// Default wall-clock budgets. Inference is minutes on laptop hardware; a
// first-time model acquisition can be much longer.
const (
	DefaultInferenceTimeout = 300 * time.Second
	DefaultAcquireTimeout   = 600 * time.Second
	DefaultDownloadTimeout  = 2 * time.Hour
)

// defaultPollInterval is the cadence at which RunStreaming inspects the
// stdout buffer for new protocol lines.
const defaultPollInterval = 100 * time.Millisecond

// Command is one typed request against the external tool.
type Command struct {
	Slot       Slot
	Args       []string
	Script     string
	Env        map[string]string
	WorkingDir string

	// Timeout overrides the default budget for the slot when positive.
	Timeout time.Duration
}

func (c Command) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	if c.Slot == SlotDownload {
		return DefaultDownloadTimeout
	}
	return DefaultInferenceTimeout
}

// State is the per-request lifecycle. Terminal states are final; handles are
// never reused.
type State int

const (
	StateIdle State = iota
	StateLaunching
	StateRunning
	StateSucceeded
	StateFailed
	StateTimedOut
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result is produced exactly once per request on the success path. Failures
// are reported as *Error.
type Result struct {
	State    State
	FilePath string
	Metadata map[string]string
	Progress float64
	Duration time.Duration
}

// ProgressFunc receives accepted progress events. It is invoked from the
// bridge's polling goroutine, only while the request is Running, and never
// after a terminal state is reached.
type ProgressFunc func(fraction float64, status string)

// Bridge supervises external tool processes and translates their output
// protocol into typed results.
type Bridge struct {
	runner       Runner
	pollInterval time.Duration

	mu   sync.Mutex
	busy map[Slot]bool
}

type Option func(*Bridge)

// WithPollInterval overrides the output polling cadence. Tests use this to
// tighten the loop.
func WithPollInterval(d time.Duration) Option {
	return func(b *Bridge) { b.pollInterval = d }
}

func New(runner Runner, opts ...Option) *Bridge {
	b := &Bridge{
		runner:       runner,
		pollInterval: defaultPollInterval,
		busy:         map[Slot]bool{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bridge) acquire(slot Slot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.busy[slot] {
		return fmt.Errorf("%w: %s", ErrSlotBusy, slot)
	}
	b.busy[slot] = true
	return nil
}

func (b *Bridge) release(slot Slot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.busy, slot)
}

// Busy reports whether the slot has an in-flight process.
func (b *Bridge) Busy(slot Slot) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.busy[slot]
}

// RunStreaming launches the tool and supervises it until a terminal protocol
// marker is seen or the process exits. Newly arrived stdout lines are fed to
// the protocol parser on a fixed cadence and accepted progress events are
// delivered to onProgress. Cancellation of ctx resolves the request as
// Cancelled; exceeding the budget resolves it as TimedOut. Both terminate
// the child process.
func (b *Bridge) RunStreaming(ctx context.Context, cmd Command, onProgress ProgressFunc) (*Result, error) {
	ctx, span := tracer.Start(ctx, "bridge.RunStreaming")
	defer span.End()
	span.SetAttributes(attribute.String("bridge.slot", cmd.Slot.String()))

	if err := b.acquire(cmd.Slot); err != nil {
		return nil, err
	}
	defer b.release(cmd.Slot)

	start := time.Now()

	proc, err := b.runner.Start(ctx, Spec{
		Args:       cmd.Args,
		Script:     cmd.Script,
		Env:        cmd.Env,
		WorkingDir: cmd.WorkingDir,
	})
	if err != nil {
		if Kind(err) == FailureExecutableNotFound {
			return nil, &Error{Kind: FailureExecutableNotFound, Message: err.Error()}
		}
		return nil, &Error{Kind: FailureTool, Message: err.Error()}
	}

	slog.Debug("tool process started", "slot", cmd.Slot.String(), "pid", proc.PID())

	parser := NewStreamParser()
	deadline := start.Add(cmd.timeout())

	emit := func(events []ProgressEvent) {
		if onProgress == nil {
			return
		}
		for _, ev := range events {
			onProgress(ev.Fraction, ev.Status)
		}
	}

	for {
		emit(parser.Consume(proc.Stdout().Next()))

		if done, failed, msg := parser.Terminal(); done {
			proc.Wait(terminateGrace)
			_ = proc.Terminate()
			if failed {
				ferr := classifyToolError(msg)
				ferr.Progress = parser.Fraction()
				return nil, ferr
			}
			return b.success(proc, start), nil
		}

		if !proc.Running() {
			// Drain whatever arrived between the last poll and exit.
			emit(parser.Consume(proc.Stdout().Next()))
			return b.resolveExit(cmd, proc, parser, start)
		}

		select {
		case <-ctx.Done():
			_ = proc.Terminate()
			return nil, &Error{Kind: FailureCancelled, Message: "cancelled by caller", Progress: parser.Fraction()}
		case <-time.After(b.pollInterval):
		}

		if time.Now().After(deadline) {
			_ = proc.Terminate()
			return nil, &Error{
				Kind:     FailureTimedOut,
				Message:  fmt.Sprintf("budget of %s exhausted", cmd.timeout()),
				Progress: parser.Fraction(),
			}
		}
	}
}

// resolveExit maps a finished process without a prior terminal marker to a
// result. Exit code alone never proves success; the marker does.
func (b *Bridge) resolveExit(cmd Command, proc Process, parser *StreamParser, start time.Time) (*Result, error) {
	status := proc.Wait(terminateGrace)

	if done, failed, msg := parser.Terminal(); done {
		if failed {
			ferr := classifyToolError(msg)
			ferr.Progress = parser.Fraction()
			return nil, ferr
		}
		return b.success(proc, start), nil
	}

	if status.Code != 0 {
		msg := fmt.Sprintf("tool exited with code %d", status.Code)
		if tail := stderrTail(proc, 512); tail != "" {
			msg += ": " + tail
		}
		ferr := classifyToolError(msg)
		ferr.Progress = parser.Fraction()
		return nil, ferr
	}

	return nil, &Error{
		Kind:     FailureInvalidResponse,
		Message:  "tool exited without a terminal marker",
		Progress: parser.Fraction(),
	}
}

// success builds the terminal result after a success marker. The tool may
// follow the marker with a result JSON carrying the artifact path; absence of
// that JSON is not an error once the marker was seen.
func (b *Bridge) success(proc Process, start time.Time) *Result {
	res := &Result{
		State:    StateSucceeded,
		Progress: 1.0,
		Duration: time.Since(start),
	}
	if resp, err := ParseResponse(proc.Stdout().String()); err == nil && resp.Success {
		res.FilePath = resp.FilePath
		res.Metadata = resp.StringMetadata()
	}
	return res
}

// RunOnce is the non-streaming variant for short request/response calls. It
// waits for exit and parses the single trailing JSON object from stdout.
// Timeout and cancellation semantics match RunStreaming.
func (b *Bridge) RunOnce(ctx context.Context, cmd Command) (*Result, error) {
	ctx, span := tracer.Start(ctx, "bridge.RunOnce")
	defer span.End()
	span.SetAttributes(attribute.String("bridge.slot", cmd.Slot.String()))

	if err := b.acquire(cmd.Slot); err != nil {
		return nil, err
	}
	defer b.release(cmd.Slot)

	start := time.Now()

	proc, err := b.runner.Start(ctx, Spec{
		Args:       cmd.Args,
		Script:     cmd.Script,
		Env:        cmd.Env,
		WorkingDir: cmd.WorkingDir,
	})
	if err != nil {
		if Kind(err) == FailureExecutableNotFound {
			return nil, &Error{Kind: FailureExecutableNotFound, Message: err.Error()}
		}
		return nil, &Error{Kind: FailureTool, Message: err.Error()}
	}

	deadline := start.Add(cmd.timeout())
	var status ExitStatus
	for {
		if !proc.Running() {
			status = proc.Wait(terminateGrace)
			break
		}
		select {
		case <-ctx.Done():
			_ = proc.Terminate()
			return nil, &Error{Kind: FailureCancelled, Message: "cancelled by caller"}
		case <-time.After(b.pollInterval):
		}
		if time.Now().After(deadline) {
			_ = proc.Terminate()
			return nil, &Error{Kind: FailureTimedOut, Message: fmt.Sprintf("budget of %s exhausted", cmd.timeout())}
		}
	}

	resp, err := ParseResponse(proc.Stdout().String())
	if err != nil {
		if status.Code != 0 {
			msg := fmt.Sprintf("tool exited with code %d", status.Code)
			if tail := stderrTail(proc, 512); tail != "" {
				msg += ": " + tail
			}
			return nil, classifyToolError(msg)
		}
		return nil, err
	}

	if !resp.Success {
		return nil, classifyToolError(resp.Error)
	}

	return &Result{
		State:    StateSucceeded,
		FilePath: resp.FilePath,
		Metadata: resp.StringMetadata(),
		Progress: 1.0,
		Duration: time.Since(start),
	}, nil
}

// stderrTail returns the last max bytes of captured stderr, for failure
// messages.
func stderrTail(proc Process, max int) string {
	s := strings.TrimSpace(proc.Stderr().String())
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}
