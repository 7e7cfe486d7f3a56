package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sarchlab/simlog/dispatch"
	"github.com/sarchlab/simlog/event"
	"github.com/sarchlab/simlog/eventlog"
	"github.com/sarchlab/simlog/hooking"
	"github.com/sarchlab/simlog/idgen"
	"github.com/sarchlab/simlog/timing"
)

// HookPosAfterAppend triggers after an event is appended to the log and
// before it is dispatched. The hook item is the *event.Event.
var HookPosAfterAppend = &hooking.HookPos{Name: "AfterAppend"}

// HookPosAfterDispatch triggers after an event is dispatched. The detail is
// the dispatch error, if any.
var HookPosAfterDispatch = &hooking.HookPos{Name: "AfterDispatch"}

// HookPosAfterFlush triggers after every flush of the log. The detail is the
// flush error, if any.
var HookPosAfterFlush = &hooking.HookPos{Name: "AfterFlush"}

// HookPosStateChange triggers when the interceptor changes state. The item is
// the new State.
var HookPosStateChange = &hooking.HookPos{Name: "StateChange"}

// An Emission asks for an event to fire. The event is built, numbered and
// timestamped when it fires.
type Emission struct {
	Topic    event.Topic
	Payload  any
	SourceID string

	// TargetID, if set, delivers the event to that component only.
	TargetID string

	// Delay is how long after the current time the event fires. A zero delay
	// emitted while the run is in progress fires immediately, nested inside
	// the current dispatch.
	Delay timing.VTimeInSec
}

// emission is what the interceptor puts into the scheduler.
type emission struct {
	topic    event.Topic
	payload  json.RawMessage
	sourceID string
	targetID string
}

// Options configures an Interceptor.
type Options struct {
	// Durability defaults to Abort under the fail-fast dispatch policy and to
	// BestEffort otherwise.
	Durability DurabilityPolicy

	// FlushEveryEvents flushes the log after that many events. Zero disables
	// count-based flushing.
	FlushEveryEvents int

	// FlushEveryWall flushes the log when that much wall time passed since
	// the last flush. Zero disables it.
	FlushEveryWall time.Duration

	// HorizonTime stops the run before the first item scheduled after it.
	// Zero means no time horizon.
	HorizonTime timing.VTimeInSec

	// HorizonEvents stops the run once that many events fired. Zero means no
	// event horizon.
	HorizonEvents uint64

	// RunID names the run in the log manifest. A new ID is generated if
	// empty.
	RunID string
}

// RunReport summarizes a run.
type RunReport struct {
	RunID  string
	Status eventlog.Status
	Reason string

	// Events is the number of events fired; Steps counts every scheduler
	// item processed, including plain continuations.
	Events uint64
	Steps  uint64

	EndTime timing.VTimeInSec

	// Pending is the number of scheduler items left, for example after a
	// horizon was reached.
	Pending int

	Watermark    uint64
	HasWatermark bool

	// Failures holds isolated listener failures, keyed by the sequence
	// number of the event being dispatched.
	Failures map[uint64][]*dispatch.DispatchError

	FlushErrors []error

	DeepestDispatch int
}

// FailureList returns every isolated listener failure in event order.
func (r *RunReport) FailureList() []*dispatch.DispatchError {
	return sortFailures(r.Failures)
}

func sortFailures(
	failures map[uint64][]*dispatch.DispatchError,
) []*dispatch.DispatchError {
	seqs := make([]uint64, 0, len(failures))
	for seq := range failures {
		seqs = append(seqs, seq)
	}

	slices.Sort(seqs)

	var list []*dispatch.DispatchError
	for _, seq := range seqs {
		list = append(list, failures[seq]...)
	}

	return list
}

func (i *Interceptor) failureList() []*dispatch.DispatchError {
	return sortFailures(i.failures)
}

// Interceptor steps a scheduler and logs and dispatches every emission that
// fires. It never reorders the items of the scheduler. Emissions with zero
// delay made during a dispatch do not enter the scheduler; they fire at once,
// nested in the dispatch that caused them.
type Interceptor struct {
	*hooking.HookableBase

	engine   timing.Stepper
	topics   *event.Registry
	manager  *dispatch.Manager
	sink     eventlog.Sink
	opts     Options
	failFast bool
	log      zerolog.Logger

	state    atomic.Int32
	ran      atomic.Bool
	sequence *idgen.Sequence
	runLock  sync.Mutex

	isPaused  bool
	pauseLock sync.Mutex
	resumed   *sync.Cond
	stepping  atomic.Bool

	steps      atomic.Uint64
	last       *event.Event
	sinceFlush int
	lastFlush  time.Time

	fatal      error
	fatalEvent *event.Event

	failures    map[uint64][]*dispatch.DispatchError
	flushErrors []error
}

// NewInterceptor wires an interceptor around engine. The interceptor owns the
// manager and the sink for the duration of the run and closes both when the
// run ends.
func NewInterceptor(
	engine timing.Stepper,
	topics *event.Registry,
	manager *dispatch.Manager,
	sink eventlog.Sink,
	opts Options,
	logger zerolog.Logger,
) *Interceptor {
	failFast := manager.Options().ErrorPolicy == dispatch.FailFast

	if opts.Durability == "" {
		opts.Durability = BestEffort
		if failFast {
			opts.Durability = Abort
		}
	}

	if opts.RunID == "" {
		opts.RunID = idgen.RunID()
	}

	i := &Interceptor{
		HookableBase: hooking.NewHookableBase(),
		engine:       engine,
		topics:       topics,
		manager:      manager,
		sink:         sink,
		opts:         opts,
		failFast:     failFast,
		log: logger.With().
			Str("component", "interceptor").
			Str("run", opts.RunID).
			Logger(),
		sequence: idgen.NewSequence(),
		failures: make(map[uint64][]*dispatch.DispatchError),
	}
	i.resumed = sync.NewCond(&i.pauseLock)

	return i
}

// RunID returns the ID of the run.
func (i *Interceptor) RunID() string {
	return i.opts.RunID
}

// State returns the current lifecycle state.
func (i *Interceptor) State() State {
	return State(i.state.Load())
}

func (i *Interceptor) setState(s State) {
	old := State(i.state.Swap(int32(s)))
	if old == s {
		return
	}

	i.log.Debug().Stringer("from", old).Stringer("to", s).Msg("state")
	i.InvokeHook(hooking.HookCtx{Domain: i, Pos: HookPosStateChange, Item: s})
}

// CurrentTime returns the simulated time of the scheduler.
func (i *Interceptor) CurrentTime() timing.VTimeInSec {
	return i.engine.CurrentTime()
}

// Fired returns the number of events fired so far.
func (i *Interceptor) Fired() uint64 {
	return i.sequence.Issued()
}

// Steps returns the number of scheduler items processed so far.
func (i *Interceptor) Steps() uint64 {
	return i.steps.Load()
}

// Pending returns the number of items waiting in the scheduler.
func (i *Interceptor) Pending() int {
	return i.engine.Len()
}

// Emit requests an event. The payload is validated at once, so schema errors
// reach the caller that built the emission. Emit must be called from the
// goroutine that runs the simulation once Run has started.
func (i *Interceptor) Emit(em Emission) error {
	switch i.State() {
	case StateIdle, StateRunning:
	default:
		return fmt.Errorf("%w: cannot emit %s while %s",
			ErrClosed, em.Topic, i.State())
	}

	if i.fatal != nil {
		return fmt.Errorf("simulation: run is aborting: %w", i.fatal)
	}

	delay := float64(em.Delay)
	if math.IsNaN(delay) || math.IsInf(delay, 0) || delay < 0 {
		return fmt.Errorf("%w: delay %v", event.ErrInvalidTime, delay)
	}

	payload, err := i.topics.Validate(em.Topic, em.Payload)
	if err != nil {
		return err
	}

	if em.TargetID != "" {
		if _, ok := i.manager.Component(em.TargetID); !ok {
			return fmt.Errorf("%w: %s", dispatch.ErrUnknownTarget, em.TargetID)
		}
	}

	pending := &emission{
		topic:    em.Topic,
		payload:  payload,
		sourceID: em.SourceID,
		targetID: em.TargetID,
	}

	now := i.engine.CurrentTime()

	if em.Delay == 0 && i.State() == StateRunning {
		return i.fire(pending, now)
	}

	i.engine.Schedule(timing.ScheduledEvent{
		Event: pending,
		Time:  now + em.Delay,
	})

	return nil
}

// fire turns an emission into an event, appends it and dispatches it.
func (i *Interceptor) fire(em *emission, now timing.VTimeInSec) error {
	// Rejected events are never numbered, so the log has no gaps.
	if err := i.manager.CheckDepth(); err != nil {
		i.abortWith(err, i.last)
		return err
	}

	evt, err := event.New(i.topics, event.Spec{
		Topic:    em.topic,
		Time:     now,
		Sequence: i.sequence.Peek(),
		SourceID: em.sourceID,
		TargetID: em.targetID,
		Payload:  em.payload,
	})
	if err != nil {
		i.abortWith(err, i.last)
		return err
	}

	i.sequence.Next()
	i.last = evt

	if err := i.sink.Append(evt); err != nil {
		i.flushFailed(err, evt)
	}

	i.sinceFlush++
	i.InvokeHook(hooking.HookCtx{Domain: i, Pos: HookPosAfterAppend, Item: evt})

	err = i.manager.Dispatch(evt)
	i.InvokeHook(hooking.HookCtx{
		Domain: i,
		Pos:    HookPosAfterDispatch,
		Item:   evt,
		Detail: err,
	})

	if err == nil {
		return nil
	}

	failures := dispatch.Failures(err)
	if len(failures) == 0 || i.failFast {
		i.abortWith(err, evt)
		return err
	}

	i.failures[evt.Sequence()] = append(i.failures[evt.Sequence()], failures...)

	return nil
}

// abortWith records the first fatal error of the run. The run loop aborts
// after the current step.
func (i *Interceptor) abortWith(err error, evt *event.Event) {
	if i.fatal != nil {
		return
	}

	i.fatal = err
	i.fatalEvent = evt
}

// flushFailed applies the durability policy. Errors other than flush
// failures, such as a closed or out-of-order sink, always abort.
func (i *Interceptor) flushFailed(err error, evt *event.Event) {
	var flushErr *eventlog.FlushError
	if errors.As(err, &flushErr) && i.opts.Durability == BestEffort {
		i.flushErrors = append(i.flushErrors, err)
		i.log.Warn().Err(err).Msg("flush failed, continuing")

		return
	}

	i.abortWith(err, evt)
}

func (i *Interceptor) flush(ctx context.Context) error {
	err := i.sink.Flush(ctx)

	i.sinceFlush = 0
	i.lastFlush = time.Now()
	i.InvokeHook(hooking.HookCtx{Domain: i, Pos: HookPosAfterFlush, Detail: err})

	return err
}

func (i *Interceptor) flushDue() bool {
	if i.sinceFlush == 0 {
		return false
	}

	if i.opts.FlushEveryEvents > 0 && i.sinceFlush >= i.opts.FlushEveryEvents {
		return true
	}

	return i.opts.FlushEveryWall > 0 &&
		time.Since(i.lastFlush) >= i.opts.FlushEveryWall
}

// Run steps the scheduler until it is empty, a horizon is reached, the
// context is cancelled or a fatal error occurs. It always returns a report.
// The error is a *RunError when the run aborted or isolated any failure.
func (i *Interceptor) Run(ctx context.Context) (*RunReport, error) {
	if !i.runLock.TryLock() {
		return nil, ErrAlreadyRan
	}
	defer i.runLock.Unlock()

	if i.ran.Load() {
		return nil, ErrAlreadyRan
	}

	if i.State() != StateIdle {
		return nil, ErrClosed
	}

	i.ran.Store(true)

	i.lastFlush = time.Now()
	i.setState(StateRunning)
	i.log.Info().Int("pending", i.engine.Len()).Msg("run started")

	stopWaking := context.AfterFunc(ctx, func() {
		i.pauseLock.Lock()
		i.resumed.Broadcast()
		i.pauseLock.Unlock()
	})
	defer stopWaking()

	reason := i.loop(ctx)

	if i.fatal != nil {
		return i.abort(ctx, reason)
	}

	return i.drain(ctx, reason)
}

// loop returns why the run stopped.
func (i *Interceptor) loop(ctx context.Context) string {
	for {
		i.waitWhilePaused(ctx)

		if err := ctx.Err(); err != nil {
			i.abortWith(err, i.last)
			return "cancelled"
		}

		if i.fatal != nil {
			return "fatal error"
		}

		if i.opts.HorizonEvents > 0 && i.Fired() >= i.opts.HorizonEvents {
			return "event horizon reached"
		}

		next, ok := i.engine.NextTime()
		if !ok {
			return "no more events"
		}

		if i.opts.HorizonTime > 0 && next > i.opts.HorizonTime {
			return "time horizon reached"
		}

		i.step()

		if i.fatal == nil && i.flushDue() {
			if err := i.flush(ctx); err != nil {
				i.flushFailed(err, i.last)
			}
		}
	}
}

func (i *Interceptor) waitWhilePaused(ctx context.Context) {
	i.pauseLock.Lock()
	defer i.pauseLock.Unlock()

	for i.isPaused && ctx.Err() == nil {
		i.resumed.Wait()
	}
}

func (i *Interceptor) step() {
	i.stepping.Store(true)
	defer i.stepping.Store(false)

	item := i.engine.Advance()
	if item == nil {
		return
	}

	i.steps.Add(1)

	if em, ok := item.Event.(*emission); ok {
		_ = i.fire(em, item.Time)
		return
	}

	if item.Handler == nil {
		i.abortWith(fmt.Errorf("%w: %T @ %.10f", ErrNoHandler, item.Event, item.Time),
			i.last)

		return
	}

	if err := item.Handler.Handle(item.Event); err != nil {
		i.abortWith(fmt.Errorf("simulation: handling %T @ %.10f: %w",
			item.Event, item.Time, err), i.last)
	}
}

func (i *Interceptor) drain(ctx context.Context, reason string) (*RunReport, error) {
	i.setState(StateDraining)

	if err := i.flush(ctx); err != nil {
		i.flushFailed(err, i.last)

		if i.fatal != nil {
			return i.abort(ctx, "final flush failed")
		}
	}

	i.manager.Close()

	report := i.finish(ctx, eventlog.StatusCompleted, reason, nil)

	i.log.Info().
		Uint64("events", report.Events).
		Float64("end_time", float64(report.EndTime)).
		Str("reason", reason).
		Msg("run completed")

	if len(report.Failures) == 0 && len(report.FlushErrors) == 0 {
		return report, nil
	}

	return report, &RunError{
		State:       StateClosed,
		Failures:    report.FailureList(),
		FlushErrors: report.FlushErrors,
	}
}

func (i *Interceptor) abort(ctx context.Context, reason string) (*RunReport, error) {
	i.setState(StateAborted)

	runErr := &RunError{State: StateAborted, Err: i.fatal}
	if i.fatalEvent != nil {
		runErr.Sequence = i.fatalEvent.Sequence()
		runErr.Time = i.fatalEvent.Time()
		runErr.HasEvent = true
	}

	var flushErr *eventlog.FlushError
	if errors.As(i.fatal, &flushErr) {
		runErr.Sequence = flushErr.Sequence
		runErr.HasEvent = true
	}

	i.log.Error().Err(i.fatal).Str("reason", reason).Msg("run aborted")

	// The log is flushed even when cancelled; only already buffered events
	// are written.
	flushCtx := context.WithoutCancel(ctx)
	if err := i.flush(flushCtx); err != nil {
		i.flushErrors = append(i.flushErrors, err)
	}

	i.manager.Close()

	report := i.finish(flushCtx, eventlog.StatusAborted,
		reason+": "+i.fatal.Error(), runErr)

	runErr.Failures = report.FailureList()
	runErr.FlushErrors = report.FlushErrors

	return report, runErr
}

func (i *Interceptor) finish(
	ctx context.Context,
	status eventlog.Status,
	reason string,
	runErr *RunError,
) *RunReport {
	ctx = context.WithoutCancel(ctx)

	manifest := eventlog.Manifest{
		RunID:  i.opts.RunID,
		Status: status,
		Reason: reason,
		Topics: i.topics.Descriptions(),
	}

	for _, f := range i.failureList() {
		manifest.Failures = append(manifest.Failures, eventlog.Failure{
			Sequence: f.Sequence,
			Topic:    f.Topic,
			Listener: f.Listener,
			Error:    f.Err.Error(),
		})
	}

	if runErr != nil && runErr.HasEvent {
		seq := runErr.Sequence
		t := float64(runErr.Time)
		manifest.FailedSequence = &seq
		manifest.FailedTime = &t
	}

	if err := i.sink.Tag(ctx, manifest); err != nil {
		i.flushErrors = append(i.flushErrors, err)
		i.log.Error().Err(err).Msg("failed to write run manifest")
	}

	if err := i.sink.Close(ctx); err != nil &&
		!errors.Is(err, eventlog.ErrSinkClosed) {
		i.flushErrors = append(i.flushErrors, err)
	}

	report := &RunReport{
		RunID:           i.opts.RunID,
		Status:          status,
		Reason:          reason,
		Events:          i.Fired(),
		Steps:           i.Steps(),
		EndTime:         i.engine.CurrentTime(),
		Pending:         i.engine.Len(),
		Failures:        i.failures,
		FlushErrors:     i.flushErrors,
		DeepestDispatch: i.manager.DeepestDispatch(),
	}

	report.Watermark, report.HasWatermark = i.sink.Watermark()

	i.setState(StateClosed)

	return report
}

// Close releases the manager and the sink of an interceptor that never ran.
// After a run the interceptor is already closed.
func (i *Interceptor) Close(ctx context.Context) error {
	if !i.runLock.TryLock() {
		return fmt.Errorf("%w: run in progress", ErrClosed)
	}
	defer i.runLock.Unlock()

	if i.State() != StateIdle {
		return ErrClosed
	}

	i.manager.Close()
	i.setState(StateClosed)

	return i.sink.Close(ctx)
}

// Pause stops the run before its next step until Continue is called. It
// never blocks, so listeners may call it too; the current step still
// finishes.
func (i *Interceptor) Pause() {
	i.pauseLock.Lock()
	defer i.pauseLock.Unlock()

	i.isPaused = true
}

// Continue resumes a paused run.
func (i *Interceptor) Continue() {
	i.pauseLock.Lock()
	defer i.pauseLock.Unlock()

	i.isPaused = false
	i.resumed.Broadcast()
}

// Paused reports whether a pause was requested and not yet lifted.
func (i *Interceptor) Paused() bool {
	i.pauseLock.Lock()
	defer i.pauseLock.Unlock()

	return i.isPaused
}

// Stepping reports whether a step is being processed right now.
func (i *Interceptor) Stepping() bool {
	return i.stepping.Load()
}
