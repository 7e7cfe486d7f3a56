// Package logging creates the process logger and hooks that report what a
// simulation does through it.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/sarchlab/simlog/dispatch"
	"github.com/sarchlab/simlog/event"
	"github.com/sarchlab/simlog/hooking"
	"github.com/sarchlab/simlog/simulation"
)

// New creates a logger writing to stderr. In dev mode the output is human
// readable, otherwise it is one JSON object per line. An empty level means
// info.
func New(dev bool, level string) (zerolog.Logger, error) {
	return NewWithWriter(os.Stderr, dev, level)
}

// NewWithWriter is New with a custom destination.
func NewWithWriter(w io.Writer, dev bool, level string) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel

	if level != "" {
		parsed, err := zerolog.ParseLevel(level)
		if err != nil {
			return zerolog.Nop(), err
		}

		lvl = parsed
	}

	if dev {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// EventLogger is a hook that logs every appended event at debug level and
// every failed dispatch at warn level.
type EventLogger struct {
	log zerolog.Logger
}

// NewEventLogger creates an EventLogger that writes to logger.
func NewEventLogger(logger zerolog.Logger) *EventLogger {
	return &EventLogger{
		log: logger.With().Str("component", "events").Logger(),
	}
}

// Func logs the event carried by the hook context.
func (h *EventLogger) Func(ctx hooking.HookCtx) {
	evt, ok := ctx.Item.(*event.Event)
	if !ok {
		return
	}

	switch ctx.Pos {
	case simulation.HookPosAfterAppend:
		h.log.Debug().
			Uint64("sequence", evt.Sequence()).
			Float64("time", float64(evt.Time())).
			Str("topic", string(evt.Topic())).
			Str("source", evt.SourceID()).
			Str("target", evt.TargetID()).
			RawJSON("payload", evt.Payload()).
			Msg("event")
	case simulation.HookPosAfterDispatch:
		err, _ := ctx.Detail.(error)
		if err == nil {
			return
		}

		for _, f := range dispatch.Failures(err) {
			h.log.Warn().
				Uint64("sequence", f.Sequence).
				Str("topic", string(f.Topic)).
				Str("listener", f.Listener).
				Err(f.Err).
				Msg("listener failed")
		}
	}
}

// StateLogger is a hook that logs the state changes of an interceptor.
type StateLogger struct {
	log zerolog.Logger
}

// NewStateLogger creates a StateLogger that writes to logger.
func NewStateLogger(logger zerolog.Logger) *StateLogger {
	return &StateLogger{
		log: logger.With().Str("component", "interceptor").Logger(),
	}
}

// Func logs the new state and, after a flush, the flush outcome.
func (h *StateLogger) Func(ctx hooking.HookCtx) {
	switch ctx.Pos {
	case simulation.HookPosStateChange:
		h.log.Info().Stringer("state", ctx.Item.(simulation.State)).
			Msg("state changed")
	case simulation.HookPosAfterFlush:
		if err, ok := ctx.Detail.(error); ok && err != nil {
			h.log.Warn().Err(err).Msg("flush failed")
			return
		}

		h.log.Debug().Msg("flushed")
	}
}

// Attach registers an EventLogger and a StateLogger on the hookable.
func Attach(h hooking.Hookable, logger zerolog.Logger) {
	h.AcceptHook(NewEventLogger(logger))
	h.AcceptHook(NewStateLogger(logger))
}
