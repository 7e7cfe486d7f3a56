package eventlog

import "github.com/sarchlab/simlog/event"

// Status is the final status of a run as recorded next to its log.
type Status string

// Run statuses.
const (
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

// Manifest tags a log with the run it belongs to, how the run ended and where
// it failed. Together with the durable prefix of the log it keeps a partial
// run analyzable.
type Manifest struct {
	RunID  string `json:"run_id"`
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`

	FailedSequence *uint64  `json:"failed_sequence,omitempty"`
	FailedTime     *float64 `json:"failed_time,omitempty"`

	Watermark     *uint64 `json:"watermark,omitempty"`
	DurableEvents uint64  `json:"durable_events"`

	Topics map[event.Topic]string `json:"topics,omitempty"`

	// Failures lists the listener failures the run isolated and continued
	// past, in event order.
	Failures []Failure `json:"failures,omitempty"`
}

// Failure is a listener that failed to react to a logged event.
type Failure struct {
	Sequence uint64      `json:"sequence"`
	Topic    event.Topic `json:"topic"`
	Listener string      `json:"listener"`
	Error    string      `json:"error"`
}
