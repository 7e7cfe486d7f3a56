// Package timing provides the time-ordered event scheduler that drives a
// simulation: it advances the simulated clock, pops the next due item and runs
// its continuation.
package timing

// VTimeInSec is simulated time, in seconds.
type VTimeInSec float64

// Handler is the continuation of a scheduled item. Items carry plain data and
// handlers switch on its type.
type Handler interface {
	Handle(event any) error
}

// TimeTeller exposes the current simulated time.
type TimeTeller interface {
	CurrentTime() VTimeInSec
}

// EventScheduler schedules events in the simulation timeline.
type EventScheduler interface {
	TimeTeller
	Schedule(event ScheduledEvent)
}

// Stepper is the minimal surface an observer needs to drive the scheduler one
// item at a time instead of letting it run to completion.
type Stepper interface {
	EventScheduler

	// Advance removes the next due item, moves the clock to its time and
	// returns it. It returns nil when no item remains.
	Advance() *ScheduledEvent

	// NextTime reports the time of the next due item without removing it.
	NextTime() (VTimeInSec, bool)

	// Len returns the number of pending items.
	Len() int
}

// ScheduledEvent is one item in the scheduler: a payload, the time it is due
// and the continuation that runs it.
type ScheduledEvent struct {
	Event any
	Time  VTimeInSec

	// Handler may be nil when the driver of the engine interprets Event
	// itself.
	Handler Handler

	order uint64
}
