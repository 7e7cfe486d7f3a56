package dispatch

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/sarchlab/simlog/event"
)

// ErrorPolicy decides what happens when a listener fails.
type ErrorPolicy string

// Error policies.
const (
	// FailFast stops the dispatch at the first failing listener and reports
	// the failure as fatal.
	FailFast ErrorPolicy = "fail-fast"

	// IsolateAndContinue records the failure and keeps invoking the remaining
	// listeners of the event.
	IsolateAndContinue ErrorPolicy = "isolate-and-continue"

	// IsolateTopic records the failure and skips the remaining listeners of
	// the event. The run continues with the next event.
	IsolateTopic ErrorPolicy = "isolate-topic"
)

// DefaultMaxDepth is used when Options.MaxDepth is not positive.
const DefaultMaxDepth = 64

// Valid reports whether p is a known policy.
func (p ErrorPolicy) Valid() bool {
	switch p {
	case FailFast, IsolateAndContinue, IsolateTopic:
		return true
	default:
		return false
	}
}

// Options configures a Manager.
type Options struct {
	// MaxDepth is the maximum number of nested dispatches, counting the
	// outermost one.
	MaxDepth int

	// ErrorPolicy defaults to IsolateAndContinue.
	ErrorPolicy ErrorPolicy

	AllowDuplicateSubscription bool

	// StrictUnsubscribe makes Unsubscribe fail with ErrNotSubscribed when
	// there is nothing to remove.
	StrictUnsubscribe bool

	// Topics, if set, restricts subscriptions to declared topics.
	Topics *event.Registry
}

// A Component is a listener with an identity. Events that carry its ID as
// target are delivered to it alone.
type Component interface {
	Listener
	Named

	ID() string

	// Topics lists the topics the component subscribes to when added.
	Topics() []event.Topic
}

// Manager owns the subscription registry and dispatches events to listeners.
type Manager struct {
	opts     Options
	log      zerolog.Logger
	registry *Registry

	componentLock sync.RWMutex
	components    map[string]Component

	depth      atomic.Int32
	deepest    atomic.Int32
	dispatched atomic.Uint64
	closed     atomic.Bool
}

// NewManager creates a Manager.
func NewManager(opts Options, logger zerolog.Logger) *Manager {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}

	if opts.ErrorPolicy == "" {
		opts.ErrorPolicy = IsolateAndContinue
	}

	return &Manager{
		opts:       opts,
		log:        logger.With().Str("component", "dispatch").Logger(),
		registry:   NewRegistry(),
		components: make(map[string]Component),
	}
}

// Options returns the effective options.
func (m *Manager) Options() Options {
	return m.opts
}

// Subscribe makes listener react to every event of topic. Listeners with a
// lower priority react first; equal priorities react in registration order.
func (m *Manager) Subscribe(
	topic event.Topic,
	listener Listener,
	priority int,
) error {
	if m.closed.Load() {
		return ErrClosed
	}

	if m.opts.Topics != nil {
		if _, ok := m.opts.Topics.Lookup(topic); !ok {
			return fmt.Errorf("%w: %q", event.ErrUnknownTopic, topic)
		}
	}

	err := m.registry.Add(Subscription{
		Topic:    topic,
		Listener: listener,
		Priority: priority,
	}, m.opts.AllowDuplicateSubscription)
	if err != nil {
		return err
	}

	m.log.Debug().
		Str("topic", string(topic)).
		Str("listener", listenerName(listener)).
		Int("priority", priority).
		Msg("subscribed")

	return nil
}

// Unsubscribe removes listener from topic. The listener receives no further
// events of the topic, including events that already fired and are still
// being dispatched.
func (m *Manager) Unsubscribe(topic event.Topic, listener Listener) error {
	if err := mustBeComparable(listener); err != nil {
		return err
	}

	if m.registry.Remove(topic, listener) == 0 && m.opts.StrictUnsubscribe {
		return fmt.Errorf("%w: %s on %s",
			ErrNotSubscribed, listenerName(listener), topic)
	}

	return nil
}

// Subscribers lists the subscriptions of a topic in dispatch order.
func (m *Manager) Subscribers(topic event.Topic) []Subscription {
	return m.registry.Subscribers(topic)
}

// Topics lists the topics that have subscribers.
func (m *Manager) Topics() []event.Topic {
	return m.registry.Topics()
}

// AddComponent registers a component as a dispatch target and subscribes it
// to its topics.
func (m *Manager) AddComponent(c Component) error {
	if m.closed.Load() {
		return ErrClosed
	}

	if err := mustBeComparable(c); err != nil {
		return err
	}

	m.componentLock.Lock()
	if _, exists := m.components[c.ID()]; exists {
		m.componentLock.Unlock()
		return fmt.Errorf("%w: %s (%s)", ErrDuplicateComponent, c.Name(), c.ID())
	}
	m.components[c.ID()] = c
	m.componentLock.Unlock()

	for _, topic := range c.Topics() {
		if err := m.Subscribe(topic, c, 0); err != nil {
			m.RemoveComponent(c)
			return err
		}
	}

	return nil
}

// RemoveComponent unregisters a component and drops all its subscriptions.
func (m *Manager) RemoveComponent(c Component) {
	m.componentLock.Lock()
	if existing, ok := m.components[c.ID()]; ok && existing == Component(c) {
		delete(m.components, c.ID())
	}
	m.componentLock.Unlock()

	m.registry.RemoveListener(c)
}

// Component returns the component registered under id.
func (m *Manager) Component(id string) (Component, bool) {
	m.componentLock.RLock()
	defer m.componentLock.RUnlock()

	c, ok := m.components[id]

	return c, ok
}

// Components lists the registered components sorted by name.
func (m *Manager) Components() []Component {
	m.componentLock.RLock()
	list := make([]Component, 0, len(m.components))
	for _, c := range m.components {
		list = append(list, c)
	}
	m.componentLock.RUnlock()

	slices.SortFunc(list, func(a, b Component) int {
		return cmp.Or(
			cmp.Compare(a.Name(), b.Name()),
			cmp.Compare(a.ID(), b.ID()),
		)
	})

	return list
}

// Depth returns the number of dispatches currently in progress.
func (m *Manager) Depth() int {
	return int(m.depth.Load())
}

// DeepestDispatch returns the largest depth reached so far.
func (m *Manager) DeepestDispatch() int {
	return int(m.deepest.Load())
}

// Dispatched returns how many events have been dispatched.
func (m *Manager) Dispatched() uint64 {
	return m.dispatched.Load()
}

// CheckDepth reports whether one more dispatch may start. Callers use it to
// reject an event before it is numbered.
func (m *Manager) CheckDepth() error {
	if d := m.Depth(); d >= m.opts.MaxDepth {
		return fmt.Errorf("%w: depth %d, maximum %d",
			ErrDispatchCycleExceeded, d+1, m.opts.MaxDepth)
	}

	return nil
}

// Dispatch invokes the listeners of evt in order. An event with a target goes
// to the target component only.
//
// Under FailFast the first listener failure is returned as a *DispatchError
// and the remaining listeners do not run. Under the isolating policies the
// failures are joined and returned after the dispatch finishes; use Failures
// to extract them.
func (m *Manager) Dispatch(evt *event.Event) error {
	if m.closed.Load() {
		return ErrClosed
	}

	if err := m.CheckDepth(); err != nil {
		return err
	}

	depth := m.depth.Add(1)
	defer m.depth.Add(-1)

	for {
		deepest := m.deepest.Load()
		if depth <= deepest || m.deepest.CompareAndSwap(deepest, depth) {
			break
		}
	}

	m.dispatched.Add(1)

	if evt.TargetID() != "" {
		return m.dispatchToTarget(evt)
	}

	var failures []error

	for _, sub := range m.registry.snapshot(evt.Topic()) {
		if sub.removed.Load() {
			continue
		}

		err := sub.Listener.React(evt)
		if err == nil {
			continue
		}

		dispatchErr := m.failure(evt, sub.Listener, err)
		if m.opts.ErrorPolicy == FailFast {
			return dispatchErr
		}

		failures = append(failures, dispatchErr)

		if m.opts.ErrorPolicy == IsolateTopic {
			break
		}
	}

	return errors.Join(failures...)
}

func (m *Manager) dispatchToTarget(evt *event.Event) error {
	c, ok := m.Component(evt.TargetID())
	if !ok {
		// The target left after the event was emitted.
		m.log.Debug().
			Stringer("event", evt).
			Str("target", evt.TargetID()).
			Msg("target gone, event dropped")

		return nil
	}

	if err := c.React(evt); err != nil {
		return m.failure(evt, c, err)
	}

	return nil
}

func (m *Manager) failure(
	evt *event.Event,
	listener Listener,
	err error,
) *DispatchError {
	dispatchErr := &DispatchError{
		Sequence: evt.Sequence(),
		Topic:    evt.Topic(),
		Time:     evt.Time(),
		Listener: listenerName(listener),
		Err:      err,
	}

	m.log.Warn().Err(err).
		Stringer("event", evt).
		Str("listener", dispatchErr.Listener).
		Str("policy", string(m.opts.ErrorPolicy)).
		Msg("listener failed")

	return dispatchErr
}

// Close drops every subscription and component. Later dispatches fail with
// ErrClosed.
func (m *Manager) Close() {
	if m.closed.Swap(true) {
		return
	}

	m.registry.Clear()

	m.componentLock.Lock()
	m.components = make(map[string]Component)
	m.componentLock.Unlock()
}

// Closed reports whether Close was called.
func (m *Manager) Closed() bool {
	return m.closed.Load()
}
