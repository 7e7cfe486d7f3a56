// Package event defines the immutable, schema-validated record of something
// that happened in a simulation.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/gowebpki/jcs"

	"github.com/sarchlab/simlog/timing"
)

// Spec carries the fields used to construct an Event.
type Spec struct {
	Topic    Topic
	Time     timing.VTimeInSec
	Sequence uint64

	// SourceID optionally identifies the component that created the event.
	SourceID string

	// TargetID optionally restricts delivery to a single component.
	TargetID string

	// Payload is any value that encodes to a JSON object matching the topic
	// schema. json.RawMessage is used as is.
	Payload any
}

// Key is the identity of an event.
type Key struct {
	Topic    Topic
	Time     timing.VTimeInSec
	Sequence uint64
}

// An Event is an occurrence in the simulation. Events are never modified after
// construction, so they can be shared freely between listeners and sinks.
type Event struct {
	topic    Topic
	time     timing.VTimeInSec
	sequence uint64
	sourceID string
	targetID string
	payload  []byte
}

// New validates the payload against the topic's schema and builds an Event.
func New(reg *Registry, spec Spec) (*Event, error) {
	t := float64(spec.Time)
	if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTime, t)
	}

	payload, err := reg.Validate(spec.Topic, spec.Payload)
	if err != nil {
		return nil, err
	}

	return &Event{
		topic:    spec.Topic,
		time:     spec.Time,
		sequence: spec.Sequence,
		sourceID: spec.SourceID,
		targetID: spec.TargetID,
		payload:  payload,
	}, nil
}

// Topic returns the kind of the event.
func (e *Event) Topic() Topic { return e.topic }

// Time returns the simulated time at which the event fired.
func (e *Event) Time() timing.VTimeInSec { return e.time }

// Sequence returns the fire-order number of the event.
func (e *Event) Sequence() uint64 { return e.sequence }

// SourceID returns the ID of the component that created the event, if any.
func (e *Event) SourceID() string { return e.sourceID }

// TargetID returns the ID of the only component the event is delivered to, if
// any.
func (e *Event) TargetID() string { return e.targetID }

// Payload returns a copy of the canonical JSON encoding of the payload.
func (e *Event) Payload() json.RawMessage {
	return bytes.Clone(e.payload)
}

// DecodePayload unmarshals the payload into v.
func (e *Event) DecodePayload(v any) error {
	return json.Unmarshal(e.payload, v)
}

// Field returns a top-level payload field.
func (e *Event) Field(name string) (any, bool) {
	var m map[string]any
	if err := json.Unmarshal(e.payload, &m); err != nil {
		return nil, false
	}

	v, ok := m[name]

	return v, ok
}

// Key returns the identity of the event.
func (e *Event) Key() Key {
	return Key{Topic: e.topic, Time: e.time, Sequence: e.sequence}
}

// Equal reports whether two events have the same topic, time and sequence.
func (e *Event) Equal(other *Event) bool {
	if e == nil || other == nil {
		return e == other
	}

	return e.Key() == other.Key()
}

// Identical reports whether every field of two events matches, including the
// payload bytes.
func (e *Event) Identical(other *Event) bool {
	if !e.Equal(other) {
		return false
	}

	if e == nil {
		return true
	}

	return e.sourceID == other.sourceID &&
		e.targetID == other.targetID &&
		bytes.Equal(e.payload, other.payload)
}

// Before reports whether e is ordered before other by (time, sequence).
func (e *Event) Before(other *Event) bool {
	if e.time != other.time {
		return e.time < other.time
	}

	return e.sequence < other.sequence
}

// String formats the event for logs.
func (e *Event) String() string {
	return fmt.Sprintf("%s@%.10f#%d", e.topic, e.time, e.sequence)
}

func canonicalize(raw []byte) ([]byte, error) {
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSchemaViolation, err)
	}

	return canonical, nil
}
