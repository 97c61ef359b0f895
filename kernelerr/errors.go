// Package kernelerr defines the error kinds raised by the simulation kernel
// and its collaborators, and the classification helpers used to act on them.
package kernelerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel error kinds. Collaborators and the kernel wrap these with
// fmt.Errorf("...: %w", ...) or errors.Wrap to attach context; callers
// classify with errors.Is.
var (
	// ErrConfigError marks a malformed or semantically invalid config load:
	// bad XML, an unknown type tag, or a mote missing its mote type.
	ErrConfigError = errors.New("config error")

	// ErrDuplicateMoteID marks a mote whose ID collides with one already
	// registered. Load does not abort; the mote is skipped.
	ErrDuplicateMoteID = errors.New("duplicate mote id")

	// ErrEmulatorStop signals a graceful stop requested by a collaborator
	// (e.g. an emulator breakpoint), distinct from an execution failure.
	ErrEmulatorStop = errors.New("emulator requested stop")

	// ErrLoadAborted signals the user cancelled an interactive load dialog.
	// The codec never produces this itself; the interactive collaborator
	// that wraps Decode does.
	ErrLoadAborted = errors.New("load aborted by user")

	// ErrQueueEmpty is returned by EventQueue.PopFirst when no live event
	// remains in the queue.
	ErrQueueEmpty = errors.New("event queue is empty")

	// ErrStarvedLoop marks a kernel loop iteration that found the event
	// queue empty. The simulator never expects a terminal idle state, so
	// this always indicates a programming error upstream (missing
	// governor, no events scheduled before Start).
	ErrStarvedLoop = errors.New("simulation loop starved: no pending events")
)

// EventExecutionError wraps an unhandled error from a TimeEvent callback,
// annotated with the mote context when the failing event carried one.
type EventExecutionError struct {
	MoteID string // empty when the event was not mote-scoped
	Label  string // event debug label, if any
	Err    error
}

func (e *EventExecutionError) Error() string {
	if e.MoteID != "" {
		return fmt.Sprintf("event execution error (mote=%s label=%q): %v", e.MoteID, e.Label, e.Err)
	}
	return fmt.Sprintf("event execution error (label=%q): %v", e.Label, e.Err)
}

func (e *EventExecutionError) Unwrap() error { return e.Err }

// IsGracefulStop reports whether err represents a soft, expected stop rather
// than a failure the kernel loop should escalate.
func IsGracefulStop(err error) bool {
	return errors.Is(err, ErrEmulatorStop)
}

// Assert panics with msg if cond is false. Used for invariant violations that
// indicate a bug in the embedding program (off-thread access, double-queue
// linking, popping an empty loop) rather than a runtime condition to recover
// from - mirroring the teacher corpus's use of hard assertions for
// programming errors instead of returned error values.
func Assert(cond bool, msg string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("programming error: "+msg, args...))
	}
}
