package simulation

import (
	"context"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"

	"github.com/sarchlab/simlog/dispatch"
	"github.com/sarchlab/simlog/event"
	"github.com/sarchlab/simlog/eventlog"
)

const (
	orderPlaced  event.Topic = "ORDER_PLACED"
	orderShipped event.Topic = "ORDER_SHIPPED"
	tick         event.Topic = "TICK"
)

var testTopics = []event.TopicSpec{
	{
		Topic:       orderPlaced,
		Description: "A customer placed an order",
		Schema: `{
			"type": "object",
			"properties": {"order_id": {"type": "string"}},
			"required": ["order_id"]
		}`,
	},
	{
		Topic:       orderShipped,
		Description: "An order left the warehouse",
		Schema: `{
			"type": "object",
			"properties": {"order_id": {"type": "string"}},
			"required": ["order_id"]
		}`,
	},
	{Topic: tick, Description: "A clock tick"},
}

type listenerFunc struct {
	name  string
	react func(evt *event.Event) error
}

func (l *listenerFunc) Name() string { return l.name }

func (l *listenerFunc) React(evt *event.Event) error {
	return l.react(evt)
}

// flakyBackend fails the failOn-th write once.
type flakyBackend struct {
	eventlog.Backend

	failOn int
	writes int
	err    error
}

func (f *flakyBackend) Write(ctx context.Context, batch []*event.Event) error {
	f.writes++
	if f.writes == f.failOn {
		return f.err
	}

	return f.Backend.Write(ctx, batch)
}

// deadlineBackend records whether each write was given a deadline.
type deadlineBackend struct {
	eventlog.Backend

	bounded []bool
}

func (d *deadlineBackend) Write(ctx context.Context, batch []*event.Event) error {
	_, ok := ctx.Deadline()
	d.bounded = append(d.bounded, ok)

	return d.Backend.Write(ctx, batch)
}

type fixture struct {
	sim     *Simulation
	backend *eventlog.JSONFileBackend
}

func newFixture(
	dispatchOpts dispatch.Options,
	opts Options,
	wrap func(eventlog.Backend) eventlog.Backend,
) fixture {
	path := filepath.Join(GinkgoT().TempDir(), "log.json")

	backend, err := eventlog.NewJSONFileBackend(path)
	Expect(err).NotTo(HaveOccurred())

	var b eventlog.Backend = backend
	if wrap != nil {
		b = wrap(backend)
	}

	sim, err := NewBuilder().
		WithTopicSpecs(testTopics...).
		WithBackend(b).
		WithDispatchOptions(dispatchOpts).
		WithOptions(opts).
		WithLogger(zerolog.New(GinkgoWriter)).
		Build(context.Background())
	Expect(err).NotTo(HaveOccurred())

	return fixture{sim: sim, backend: backend}
}

func (f fixture) readLog() []*event.Event {
	events, err := eventlog.ReadJSONFile(f.sim.Topics(), f.backend.Path())
	Expect(err).NotTo(HaveOccurred())

	return events
}

func (f fixture) readManifest() eventlog.Manifest {
	m, err := eventlog.ReadManifest(f.backend.ManifestPath())
	Expect(err).NotTo(HaveOccurred())

	return m
}

type logged struct {
	Topic    event.Topic
	Time     float64
	Sequence uint64
}

func summarize(events []*event.Event) []logged {
	out := make([]logged, len(events))
	for i, evt := range events {
		out[i] = logged{evt.Topic(), float64(evt.Time()), evt.Sequence()}
	}

	return out
}
