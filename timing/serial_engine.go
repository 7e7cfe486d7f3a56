package timing

import (
	"fmt"
	"sync"
)

// SerialEngine is a single-threaded scheduler. It only moves the clock and
// hands out due items; running their handlers is left to whoever drives it,
// either Run or an observer stepping it through Advance.
type SerialEngine struct {
	mu      sync.Mutex
	now     VTimeInSec
	pending agenda
}

// NewSerialEngine creates an empty engine at time zero.
func NewSerialEngine() *SerialEngine {
	return &SerialEngine{}
}

// Schedule adds an item. Scheduling before the current time is a programming
// error and panics.
func (e *SerialEngine) Schedule(evt ScheduledEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if evt.Time < e.now {
		panic(fmt.Sprintf("timing: %T scheduled at %.10f, but now is %.10f",
			evt.Event, evt.Time, e.now))
	}

	e.pending.add(evt)
}

// Advance takes the next due item and moves the clock to its time. It
// returns nil when nothing is pending. The handler is not invoked.
func (e *SerialEngine) Advance() *ScheduledEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	evt := e.pending.take()
	if evt != nil {
		e.now = evt.Time
	}

	return evt
}

// NextTime returns the time of the next due item.
func (e *SerialEngine) NextTime() (VTimeInSec, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	head := e.pending.head()
	if head == nil {
		return 0, false
	}

	return head.Time, true
}

// Len returns the number of pending items.
func (e *SerialEngine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.pending.items.Len()
}

// CurrentTime returns the time of the last item advanced to.
func (e *SerialEngine) CurrentTime() VTimeInSec {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.now
}

// Run advances through every item and invokes its handler, without any
// logging or dispatch. It stops at the first handler error.
func (e *SerialEngine) Run() error {
	for evt := e.Advance(); evt != nil; evt = e.Advance() {
		if evt.Handler == nil {
			continue
		}

		if err := evt.Handler.Handle(evt.Event); err != nil {
			return fmt.Errorf("timing: %T at %.10f: %w", evt.Event, evt.Time, err)
		}
	}

	return nil
}

var _ Stepper = (*SerialEngine)(nil)
