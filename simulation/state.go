// Package simulation drives a run: it steps the scheduler, turns every fired
// emission into an Event, appends it to the log and dispatches it to the
// listeners.
package simulation

// State is the lifecycle state of an Interceptor.
type State int32

// Interceptor states. A run moves Idle → Running → Draining or Aborted →
// Closed.
const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateAborted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateAborted:
		return "aborted"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DurabilityPolicy decides what a flush failure does to the run.
type DurabilityPolicy string

// Durability policies.
const (
	// Abort stops the run at the first flush failure.
	Abort DurabilityPolicy = "abort"

	// BestEffort records flush failures and keeps running. Unflushed events
	// stay buffered and are retried by the next flush.
	BestEffort DurabilityPolicy = "best-effort"
)

// Valid reports whether p is a known policy. The empty policy is valid and
// means the policy is derived from the dispatch error policy.
func (p DurabilityPolicy) Valid() bool {
	switch p {
	case "", Abort, BestEffort:
		return true
	default:
		return false
	}
}
