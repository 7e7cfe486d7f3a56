package simulation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sarchlab/simlog/dispatch"
	"github.com/sarchlab/simlog/timing"
)

var (
	// ErrClosed is returned when emitting into, or running, an interceptor
	// that no longer accepts work.
	ErrClosed = errors.New("simulation: closed")

	// ErrAlreadyRan is returned by a second call to Run.
	ErrAlreadyRan = errors.New("simulation: already ran")

	// ErrNoHandler is returned when the scheduler pops an item that is
	// neither an emission nor carries a handler.
	ErrNoHandler = errors.New("simulation: scheduled item has no handler")
)

// RunError reports how a run ended badly. It is returned when the run was
// aborted, and also when a completed run isolated listener failures or
// flush failures along the way.
type RunError struct {
	// State is StateAborted for an aborted run and StateClosed otherwise.
	State State

	// Sequence and Time locate the failure. They are only meaningful when
	// HasEvent is true.
	Sequence uint64
	Time     timing.VTimeInSec
	HasEvent bool

	// Err is the cause of the abort. It is nil for a completed run.
	Err error

	Failures    []*dispatch.DispatchError
	FlushErrors []error
}

func (e *RunError) Error() string {
	var b strings.Builder

	if e.Err != nil {
		b.WriteString("simulation: run aborted")
		if e.HasEvent {
			fmt.Fprintf(&b, " at event #%d (t=%.10f)", e.Sequence, e.Time)
		}
		fmt.Fprintf(&b, ": %v", e.Err)
	} else {
		b.WriteString("simulation: run completed with errors")
	}

	if n := len(e.Failures); n > 0 {
		fmt.Fprintf(&b, "; %d listener failure(s), first: %v", n, e.Failures[0])
	}

	if n := len(e.FlushErrors); n > 0 {
		fmt.Fprintf(&b, "; %d flush failure(s), first: %v", n, e.FlushErrors[0])
	}

	return b.String()
}

// Unwrap exposes the cause together with every isolated failure.
func (e *RunError) Unwrap() []error {
	errs := make([]error, 0, 1+len(e.Failures)+len(e.FlushErrors))

	if e.Err != nil {
		errs = append(errs, e.Err)
	}

	for _, f := range e.Failures {
		errs = append(errs, f)
	}

	errs = append(errs, e.FlushErrors...)

	return errs
}

// Aborted reports whether the run was aborted.
func (e *RunError) Aborted() bool {
	return e.State == StateAborted
}
