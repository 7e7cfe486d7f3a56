package event

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/sarchlab/simlog/timing"
)

// Record is the persisted form of an Event. Field order is fixed so that the
// same event always encodes to the same bytes.
type Record struct {
	Topic    Topic           `json:"topic"`
	Time     float64         `json:"timestamp"`
	Sequence uint64          `json:"sequence"`
	SourceID string          `json:"source_id,omitempty"`
	TargetID string          `json:"target_id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// Record converts the event into its persisted form.
func (e *Event) Record() Record {
	return Record{
		Topic:    e.topic,
		Time:     float64(e.time),
		Sequence: e.sequence,
		SourceID: e.sourceID,
		TargetID: e.targetID,
		Payload:  bytes.Clone(e.payload),
	}
}

// MarshalJSON encodes the event as a Record.
func (e *Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Record())
}

// FromRecord rebuilds an event from its persisted form, validating the payload
// again.
func FromRecord(reg *Registry, rec Record) (*Event, error) {
	return New(reg, Spec{
		Topic:    rec.Topic,
		Time:     timing.VTimeInSec(rec.Time),
		Sequence: rec.Sequence,
		SourceID: rec.SourceID,
		TargetID: rec.TargetID,
		Payload:  rec.Payload,
	})
}

// Decode parses one JSON-encoded record. Unknown fields are rejected.
func Decode(reg *Registry, data []byte) (*Event, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()

	var rec Record
	if err := decoder.Decode(&rec); err != nil {
		return nil, fmt.Errorf("event: decoding record: %w", err)
	}

	return FromRecord(reg, rec)
}
