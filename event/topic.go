package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Topic identifies the kind of an event. The set of topics of a simulation is
// closed: only topics declared in a Registry can be used to build events.
type Topic string

// StateChange is declared by every Registry. Components publish it when their
// state changes. Nothing subscribes to it implicitly.
const StateChange Topic = "STATE_CHANGE"

const stateChangeSchema = `{
	"type": "object",
	"properties": {
		"state": {"type": "string"},
		"location": {"type": "string"}
	},
	"required": ["state"]
}`

const schemaBaseURL = "https://simlog.local/topics/"

// TopicSpec declares a topic together with the shape of its payload.
type TopicSpec struct {
	Topic       Topic
	Description string

	// Schema is a JSON Schema (draft 2020-12) describing the payload. An empty
	// schema accepts any JSON object.
	Schema string
}

type declaredTopic struct {
	spec   TopicSpec
	schema *jsonschema.Schema
}

// Registry is the closed set of topics known to a simulation.
type Registry struct {
	lock   sync.RWMutex
	topics map[Topic]*declaredTopic
}

// NewRegistry creates a Registry that already knows StateChange.
func NewRegistry() *Registry {
	r := &Registry{topics: make(map[Topic]*declaredTopic)}

	r.MustDeclare(TopicSpec{
		Topic:       StateChange,
		Description: "A component changed its state",
		Schema:      stateChangeSchema,
	})

	return r
}

// Declare adds a topic to the registry and compiles its schema.
func (r *Registry) Declare(spec TopicSpec) error {
	if strings.TrimSpace(string(spec.Topic)) == "" {
		return errors.New("event: topic name must be non-empty")
	}

	schemaText := spec.Schema
	if strings.TrimSpace(schemaText) == "" {
		schemaText = `{"type": "object"}`
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	url := schemaBaseURL + string(spec.Topic) + ".schema.json"
	if err := compiler.AddResource(url, strings.NewReader(schemaText)); err != nil {
		return fmt.Errorf("event: loading schema of topic %s: %w", spec.Topic, err)
	}

	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("event: compiling schema of topic %s: %w", spec.Topic, err)
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if _, exists := r.topics[spec.Topic]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTopic, spec.Topic)
	}

	r.topics[spec.Topic] = &declaredTopic{spec: spec, schema: compiled}

	return nil
}

// MustDeclare is Declare that panics on error. It is meant for package-level
// topic tables.
func (r *Registry) MustDeclare(specs ...TopicSpec) {
	for _, spec := range specs {
		if err := r.Declare(spec); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the declaration of a topic.
func (r *Registry) Lookup(topic Topic) (TopicSpec, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	t, ok := r.topics[topic]
	if !ok {
		return TopicSpec{}, false
	}

	return t.spec, true
}

// Topics returns all declared topics sorted by name.
func (r *Registry) Topics() []TopicSpec {
	r.lock.RLock()
	defer r.lock.RUnlock()

	specs := make([]TopicSpec, 0, len(r.topics))
	for _, t := range r.topics {
		specs = append(specs, t.spec)
	}

	sort.Slice(specs, func(i, j int) bool {
		return specs[i].Topic < specs[j].Topic
	})

	return specs
}

// Descriptions maps every declared topic to its description.
func (r *Registry) Descriptions() map[Topic]string {
	r.lock.RLock()
	defer r.lock.RUnlock()

	d := make(map[Topic]string, len(r.topics))
	for name, t := range r.topics {
		d[name] = t.spec.Description
	}

	return d
}

// Validate checks a payload against the schema of a topic and returns its
// canonical JSON encoding.
func (r *Registry) Validate(topic Topic, payload any) ([]byte, error) {
	r.lock.RLock()
	t, ok := r.topics[topic]
	r.lock.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: topic %s: %w", ErrSchemaViolation, topic, err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: topic %s: %w", ErrSchemaViolation, topic, err)
	}

	if err := t.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: topic %s: %w", ErrSchemaViolation, topic, err)
	}

	return canonicalize(raw)
}

func marshalPayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return []byte("{}"), nil
		}

		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}

		return p, nil
	default:
		return json.Marshal(p)
	}
}
