package eventlog

import (
	"errors"
	"fmt"
)

var (
	// ErrSinkClosed is returned by operations on a closed sink.
	ErrSinkClosed = errors.New("eventlog: sink closed")

	// ErrFlushTimeout is returned when the backend does not confirm a flush
	// within the configured timeout. Events that were durable before the
	// flush stay durable; the unconfirmed batch stays buffered.
	ErrFlushTimeout = errors.New("eventlog: flush timeout")

	// ErrWriteFailed is returned when the backend rejects a batch.
	ErrWriteFailed = errors.New("eventlog: write failed")

	// ErrOutOfOrder is returned when an event is appended that is not after
	// the previously appended event in (time, sequence) order.
	ErrOutOfOrder = errors.New("eventlog: event out of order")
)

// FlushError describes a failed flush.
type FlushError struct {
	// Sequence is the sequence number of the most recently appended event,
	// the one whose append triggered or preceded the flush.
	Sequence uint64

	// Watermark is the highest sequence number known to be durable. It is
	// only meaningful when HasWatermark is true.
	Watermark    uint64
	HasWatermark bool

	// Kind is ErrFlushTimeout or ErrWriteFailed.
	Kind error
	Err  error
}

func (e *FlushError) Error() string {
	watermark := "none"
	if e.HasWatermark {
		watermark = fmt.Sprint(e.Watermark)
	}

	return fmt.Sprintf("%v after event #%d (durable watermark %s): %v",
		e.Kind, e.Sequence, watermark, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *FlushError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}
