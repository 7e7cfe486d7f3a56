// Package eventlog provides the append-only, durable log of fired events.
//
// Appends go to an in-memory buffer. Flush moves the buffer to a Backend
// within a bounded time. A crash between Append and Flush loses only the
// unflushed tail; everything up to the durability watermark survives.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/simlog/event"
)

// A Sink is an append-only store of events.
type Sink interface {
	// Append adds an event to the buffer. It does not make the event durable.
	Append(evt *event.Event) error

	// Flush makes every previously appended event durable.
	Flush(ctx context.Context) error

	// Close flushes and releases the backend. Later appends fail with
	// ErrSinkClosed.
	Close(ctx context.Context) error

	// Watermark returns the highest durable sequence number.
	Watermark() (uint64, bool)

	// Tag records how the run ended next to the log.
	Tag(ctx context.Context, m Manifest) error
}

// Backend persists batches of events. Write must be atomic: either the whole
// batch becomes durable or none of it does. Backends should stop before their
// commit point once ctx is done.
type Backend interface {
	Write(ctx context.Context, batch []*event.Event) error
	WriteManifest(ctx context.Context, m Manifest) error
	Close() error
}

// Options configures a BufferedSink.
type Options struct {
	// FlushTimeout bounds every flush. Zero or less means
	// DefaultFlushTimeout.
	FlushTimeout time.Duration

	// BufferLimit makes Append flush once this many events are buffered.
	// Zero disables the limit.
	BufferLimit int

	// FlushAtExit registers a best-effort flush with atexit.
	FlushAtExit bool
}

// Stats is a snapshot of the sink counters.
type Stats struct {
	Appended  uint64  `json:"appended"`
	Buffered  int     `json:"buffered"`
	Durable   uint64  `json:"durable"`
	Flushes   uint64  `json:"flushes"`
	Failures  uint64  `json:"failures"`
	Watermark *uint64 `json:"watermark,omitempty"`
}

type pendingWrite struct {
	batch []*event.Event
	done  chan error
}

// BufferedSink batches appended events in memory and writes them to a Backend
// on Flush.
type BufferedSink struct {
	lock sync.Mutex

	backend Backend
	opts    Options
	log     zerolog.Logger

	buffer  []*event.Event
	last    *event.Event
	pending *pendingWrite

	watermark    uint64
	hasWatermark bool

	appended uint64
	durable  uint64
	flushes  uint64
	failures uint64

	closed bool
}

// DefaultFlushTimeout bounds a flush when Options leave it unset.
const DefaultFlushTimeout = 5 * time.Second

// NewBufferedSink creates a sink that writes into backend.
func NewBufferedSink(
	backend Backend,
	opts Options,
	logger zerolog.Logger,
) *BufferedSink {
	s := &BufferedSink{
		backend: backend,
		opts:    opts,
		log:     logger.With().Str("component", "eventlog").Logger(),
	}

	if opts.FlushAtExit {
		atexit.Register(func() {
			if err := s.Flush(context.Background()); err != nil &&
				!errors.Is(err, ErrSinkClosed) {
				s.log.Error().Err(err).Msg("flush at exit failed")
			}
		})
	}

	return s
}

// Append adds an event to the buffer.
func (s *BufferedSink) Append(evt *event.Event) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return ErrSinkClosed
	}

	if s.last != nil && !s.last.Before(evt) {
		return fmt.Errorf("%w: %s then %s", ErrOutOfOrder, s.last, evt)
	}

	s.buffer = append(s.buffer, evt)
	s.last = evt
	s.appended++

	if s.opts.BufferLimit > 0 && len(s.buffer) >= s.opts.BufferLimit {
		return s.flushLocked(context.Background())
	}

	return nil
}

// Flush writes all buffered events to the backend.
func (s *BufferedSink) Flush(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return ErrSinkClosed
	}

	return s.flushLocked(ctx)
}

func (s *BufferedSink) flushLocked(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if s.pending != nil {
		err := s.awaitPending(ctx)
		if s.pending != nil {
			return err
		}
		// The earlier write finished, failed or not. A failed batch is still
		// buffered and is retried below.
	}

	if len(s.buffer) == 0 {
		return nil
	}

	batch := slices.Clone(s.buffer)
	done := make(chan error, 1)
	go func() {
		done <- s.backend.Write(ctx, batch)
	}()

	s.pending = &pendingWrite{batch: batch, done: done}

	return s.awaitPending(ctx)
}

func (s *BufferedSink) withTimeout(
	ctx context.Context,
) (context.Context, context.CancelFunc) {
	timeout := s.opts.FlushTimeout
	if timeout <= 0 {
		timeout = DefaultFlushTimeout
	}

	return context.WithTimeout(ctx, timeout)
}

func (s *BufferedSink) awaitPending(ctx context.Context) error {
	p := s.pending

	select {
	case err := <-p.done:
		s.pending = nil

		if err != nil {
			kind := ErrWriteFailed
			if errors.Is(err, context.DeadlineExceeded) {
				kind = ErrFlushTimeout
			}

			return s.failure(kind, err)
		}

		s.commit(p.batch)

		return nil
	case <-ctx.Done():
		kind := ErrWriteFailed
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = ErrFlushTimeout
		}

		return s.failure(kind, ctx.Err())
	}
}

func (s *BufferedSink) commit(batch []*event.Event) {
	s.buffer = slices.Delete(s.buffer, 0, len(batch))

	last := batch[len(batch)-1]
	s.watermark = last.Sequence()
	s.hasWatermark = true
	s.durable += uint64(len(batch))
	s.flushes++

	s.log.Debug().
		Int("events", len(batch)).
		Uint64("watermark", s.watermark).
		Msg("flushed")
}

func (s *BufferedSink) failure(kind, err error) error {
	s.failures++

	flushErr := &FlushError{
		Watermark:    s.watermark,
		HasWatermark: s.hasWatermark,
		Kind:         kind,
		Err:          err,
	}

	if s.last != nil {
		flushErr.Sequence = s.last.Sequence()
	}

	s.log.Error().Err(flushErr).Int("buffered", len(s.buffer)).Msg("flush failed")

	return flushErr
}

// closeAfterPending releases the backend once the in-flight write returns.
// Database handles block on Close while a statement is active.
func (s *BufferedSink) closeAfterPending() {
	p := s.pending
	backend := s.backend
	log := s.log

	go func() {
		<-p.done

		if err := backend.Close(); err != nil {
			log.Error().Err(err).Msg("closing backend after stuck write")
		}
	}()
}

// Close flushes the buffer and releases the backend. The backend is released
// even if the final flush fails, in which case the unflushed tail is lost and
// the flush error is returned.
func (s *BufferedSink) Close(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return ErrSinkClosed
	}

	flushErr := s.flushLocked(ctx)

	if s.pending != nil {
		// A write is still in flight. Give it one more timeout window so the
		// backend is not closed underneath it.
		waitCtx, cancel := s.withTimeout(context.Background())
		err := s.awaitPending(waitCtx)
		cancel()

		if err != nil {
			s.closed = true
			s.closeAfterPending()

			return errors.Join(flushErr, err)
		}
	}

	s.closed = true

	if len(s.buffer) > 0 {
		s.log.Warn().Int("lost", len(s.buffer)).Msg("closing with unflushed events")
	}

	return errors.Join(flushErr, s.backend.Close())
}

// Watermark returns the highest sequence number that is durable.
func (s *BufferedSink) Watermark() (uint64, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.watermark, s.hasWatermark
}

// Tag writes the run manifest. The watermark and the number of durable events
// are filled in by the sink.
func (s *BufferedSink) Tag(ctx context.Context, m Manifest) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return ErrSinkClosed
	}

	if s.hasWatermark {
		w := s.watermark
		m.Watermark = &w
	}
	m.DurableEvents = s.durable

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.backend.WriteManifest(ctx, m)
}

// Stats returns a snapshot of the sink counters.
func (s *BufferedSink) Stats() Stats {
	s.lock.Lock()
	defer s.lock.Unlock()

	stats := Stats{
		Appended: s.appended,
		Buffered: len(s.buffer),
		Durable:  s.durable,
		Flushes:  s.flushes,
		Failures: s.failures,
	}

	if s.hasWatermark {
		w := s.watermark
		stats.Watermark = &w
	}

	return stats
}

var _ Sink = (*BufferedSink)(nil)
