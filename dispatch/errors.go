package dispatch

import (
	"errors"
	"fmt"

	"github.com/sarchlab/simlog/event"
	"github.com/sarchlab/simlog/timing"
)

var (
	// ErrDuplicateSubscription is returned when a listener subscribes to a
	// topic it is already subscribed to and duplicates are not allowed.
	ErrDuplicateSubscription = errors.New("dispatch: duplicate subscription")

	// ErrNotSubscribed is returned by a strict Unsubscribe when the listener
	// is not subscribed to the topic.
	ErrNotSubscribed = errors.New("dispatch: not subscribed")

	// ErrDispatchCycleExceeded is returned when nested dispatches go deeper
	// than the configured maximum.
	ErrDispatchCycleExceeded = errors.New("dispatch: maximum dispatch depth exceeded")

	// ErrListenerNotComparable is returned when a listener cannot be compared
	// with ==, which subscriptions need to identify it.
	ErrListenerNotComparable = errors.New("dispatch: listener is not comparable")

	// ErrUnknownTarget is returned when an event targets a component that is
	// not registered.
	ErrUnknownTarget = errors.New("dispatch: unknown target component")

	// ErrDuplicateComponent is returned when two components share an ID.
	ErrDuplicateComponent = errors.New("dispatch: duplicate component")

	// ErrClosed is returned by a closed manager.
	ErrClosed = errors.New("dispatch: manager closed")

	// ErrDispatch matches every *DispatchError with errors.Is.
	ErrDispatch = errors.New("dispatch: listener failed")
)

// DispatchError records a listener that failed to react to an event.
type DispatchError struct {
	Sequence uint64
	Topic    event.Topic
	Time     timing.VTimeInSec
	Listener string
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch: %s failed on %s@%.10f#%d: %v",
		e.Listener, e.Topic, e.Time, e.Sequence, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Is makes every DispatchError match ErrDispatch.
func (e *DispatchError) Is(target error) bool {
	return target == ErrDispatch
}

// Failures extracts every DispatchError from err, looking through joined and
// wrapped errors.
func Failures(err error) []*DispatchError {
	if err == nil {
		return nil
	}

	if de, ok := err.(*DispatchError); ok {
		return []*DispatchError{de}
	}

	var failures []*DispatchError

	switch e := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range e.Unwrap() {
			failures = append(failures, Failures(inner)...)
		}
	case interface{ Unwrap() error }:
		failures = Failures(e.Unwrap())
	}

	return failures
}
