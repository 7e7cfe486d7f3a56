package event

import "errors"

var (
	// ErrSchemaViolation is returned when a payload does not match the schema
	// declared for its topic.
	ErrSchemaViolation = errors.New("event: schema violation")

	// ErrUnknownTopic is returned when an event uses an undeclared topic.
	ErrUnknownTopic = errors.New("event: unknown topic")

	// ErrDuplicateTopic is returned when a topic is declared twice.
	ErrDuplicateTopic = errors.New("event: topic already declared")

	// ErrInvalidTime is returned for a timestamp that is negative, NaN or
	// infinite.
	ErrInvalidTime = errors.New("event: invalid timestamp")
)
