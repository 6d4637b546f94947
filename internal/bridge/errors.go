package bridge

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSlotBusy is returned when a call is issued against a slot that already
// has an in-flight process. The bridge never queues; serialization above a
// single request belongs to the caller.
var ErrSlotBusy = errors.New("bridge: slot busy")

// ErrExecutableNotFound is returned when no interpreter candidate from the
// configured search list exists. No process is spawned in that case.
var ErrExecutableNotFound = errors.New("bridge: interpreter executable not found")

// FailureKind classifies why a bridge call did not produce a usable artifact.
type FailureKind int

const (
	FailureUnknown FailureKind = iota
	// FailureExecutableNotFound: no interpreter on the search list.
	FailureExecutableNotFound
	// FailureTimedOut: the per-call wall clock budget was exhausted and the
	// child was terminated.
	FailureTimedOut
	// FailureCancelled: the caller cancelled the context mid-flight.
	FailureCancelled
	// FailureInvalidResponse: the tool exited without a parsable JSON
	// response, or without a terminal protocol marker.
	FailureInvalidResponse
	// FailureTool: the tool reported an error through its protocol (error
	// marker, error JSON, or non-zero exit).
	FailureTool
	// FailureDependency: the tool's own import/setup failed; Missing lists
	// the modules it could not load.
	FailureDependency
)

func (k FailureKind) String() string {
	switch k {
	case FailureExecutableNotFound:
		return "executable_not_found"
	case FailureTimedOut:
		return "timed_out"
	case FailureCancelled:
		return "cancelled"
	case FailureInvalidResponse:
		return "invalid_response"
	case FailureTool:
		return "tool_reported_failure"
	case FailureDependency:
		return "dependency_missing"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Error is the typed failure a bridge call resolves to. Message is always a
// single human-readable string; Progress carries the last fraction observed
// before the failure so a caller does not have to reset its display.
type Error struct {
	Kind     FailureKind
	Message  string
	Progress float64
	// Missing is populated for FailureDependency.
	Missing []string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return "bridge: " + e.Kind.String()
	}
	return "bridge: " + e.Kind.String() + ": " + e.Message
}

// Kind returns the failure kind of err, or FailureUnknown if err is not a
// bridge failure.
func Kind(err error) FailureKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, ErrExecutableNotFound) {
		return FailureExecutableNotFound
	}
	return FailureUnknown
}

// classifyToolError upgrades a tool-reported error to FailureDependency when
// the message is a Python import failure, so callers can point the user at
// the missing packages instead of a generic retry.
func classifyToolError(msg string) *Error {
	e := &Error{Kind: FailureTool, Message: msg}
	for _, marker := range []string{"No module named ", "ModuleNotFoundError"} {
		idx := strings.Index(msg, marker)
		if idx < 0 {
			continue
		}
		e.Kind = FailureDependency
		rest := msg[idx+len(marker):]
		if name := strings.Trim(strings.SplitN(rest, "\n", 2)[0], " '\"()"); name != "" {
			e.Missing = append(e.Missing, name)
		}
		break
	}
	return e
}
