// Package component provides the building blocks of simulation components:
// identity, topic subscriptions, an observable state and helpers to emit
// events.
package component

import (
	"reflect"

	"github.com/google/uuid"

	"github.com/sarchlab/simlog/event"
	"github.com/sarchlab/simlog/simulation"
	"github.com/sarchlab/simlog/state"
	"github.com/sarchlab/simlog/timing"
)

// Emitter accepts emissions. Both *simulation.Simulation and
// *simulation.Interceptor are Emitters.
type Emitter interface {
	timing.TimeTeller
	Emit(em simulation.Emission) error
}

// Status is the observable state of a component.
type Status struct {
	State    string
	Location string
	Since    timing.VTimeInSec
	Changes  int
}

// Base implements the identity part of dispatch.Component. Components embed
// a *Base and add their own React method.
type Base struct {
	id      string
	name    string
	topics  []event.Topic
	emitter Emitter
	store   *state.Store
	status  Status
}

// NewBase creates a Base with a fresh ID. The component will be subscribed to
// topics when it is registered.
func NewBase(name string, emitter Emitter, topics ...event.Topic) *Base {
	return &Base{
		id:      uuid.NewString(),
		name:    name,
		topics:  append([]event.Topic(nil), topics...),
		emitter: emitter,
	}
}

// NameOf returns the type name of a component, used when no name is given.
func NameOf(c any) string {
	t := reflect.TypeOf(c)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	return t.Name()
}

// ID returns the unique ID of the component.
func (b *Base) ID() string {
	return b.id
}

// Name returns the name of the component.
func (b *Base) Name() string {
	return b.name
}

// Topics returns the topics the component subscribes to.
func (b *Base) Topics() []event.Topic {
	return append([]event.Topic(nil), b.topics...)
}

// CurrentTime returns the simulated time.
func (b *Base) CurrentTime() timing.VTimeInSec {
	return b.emitter.CurrentTime()
}

// StatusKey is the key under which the status is kept in a state store.
func (b *Base) StatusKey() string {
	return b.name + "/" + b.id + "/status"
}

// AttachStore publishes the status of the component to store, where it can
// be read from other goroutines.
func (b *Base) AttachStore(store *state.Store) error {
	if err := store.Register(b.StatusKey(), &b.status); err != nil {
		return err
	}

	b.store = store

	return nil
}

// Status returns the current status.
func (b *Base) Status() Status {
	return b.status
}

// UpdateState changes the state of the component. A change publishes a
// STATE_CHANGE event from the component. Setting the current state again does
// nothing, even with a different location.
func (b *Base) UpdateState(newState, location string) error {
	if newState == b.status.State {
		return nil
	}

	now := b.emitter.CurrentTime()

	b.status.State = newState
	b.status.Location = location
	b.status.Since = now
	b.status.Changes++

	if b.store != nil {
		current := b.status
		err := state.Update(b.store, b.StatusKey(), now, func(s *Status) {
			*s = current
		})
		if err != nil {
			return err
		}
	}

	payload := map[string]string{"state": newState}
	if location != "" {
		payload["location"] = location
	}

	return b.Emit(event.StateChange, payload)
}

// Emit fires an event now.
func (b *Base) Emit(topic event.Topic, payload any) error {
	return b.EmitToAfter("", 0, topic, payload)
}

// EmitTo fires an event now, delivered to target only.
func (b *Base) EmitTo(target string, topic event.Topic, payload any) error {
	return b.EmitToAfter(target, 0, topic, payload)
}

// EmitAfter fires an event after delay.
func (b *Base) EmitAfter(
	delay timing.VTimeInSec,
	topic event.Topic,
	payload any,
) error {
	return b.EmitToAfter("", delay, topic, payload)
}

// EmitToAfter fires an event after delay, delivered to target only.
func (b *Base) EmitToAfter(
	target string,
	delay timing.VTimeInSec,
	topic event.Topic,
	payload any,
) error {
	return b.emitter.Emit(simulation.Emission{
		Topic:    topic,
		Payload:  payload,
		SourceID: b.id,
		TargetID: target,
		Delay:    delay,
	})
}
