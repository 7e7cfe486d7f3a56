package simulation

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sarchlab/simlog/dispatch"
	"github.com/sarchlab/simlog/event"
	"github.com/sarchlab/simlog/eventlog"
	"github.com/sarchlab/simlog/idgen"
	"github.com/sarchlab/simlog/timing"
)

// A Simulation bundles the scheduler, the topic registry, the dispatch
// manager, the event log and the interceptor of one run.
type Simulation struct {
	id          string
	engine      timing.Stepper
	topics      *event.Registry
	manager     *dispatch.Manager
	sink        *eventlog.BufferedSink
	backend     eventlog.Backend
	interceptor *Interceptor
	log         zerolog.Logger
}

// ID returns the run ID.
func (s *Simulation) ID() string {
	return s.id
}

// Engine returns the scheduler.
func (s *Simulation) Engine() timing.Stepper {
	return s.engine
}

// Topics returns the topic registry.
func (s *Simulation) Topics() *event.Registry {
	return s.topics
}

// Manager returns the dispatch manager.
func (s *Simulation) Manager() *dispatch.Manager {
	return s.manager
}

// Sink returns the event log.
func (s *Simulation) Sink() *eventlog.BufferedSink {
	return s.sink
}

// Backend returns the storage behind the event log.
func (s *Simulation) Backend() eventlog.Backend {
	return s.backend
}

// Interceptor returns the interceptor that drives the run.
func (s *Simulation) Interceptor() *Interceptor {
	return s.interceptor
}

// Logger returns the logger of the simulation.
func (s *Simulation) Logger() zerolog.Logger {
	return s.log
}

// RegisterComponent adds a component to the dispatch manager.
func (s *Simulation) RegisterComponent(c dispatch.Component) error {
	if err := s.manager.AddComponent(c); err != nil {
		return fmt.Errorf("simulation: registering %s: %w", c.Name(), err)
	}

	return nil
}

// Subscribe subscribes a listener through the dispatch manager.
func (s *Simulation) Subscribe(
	topic event.Topic,
	listener dispatch.Listener,
	priority int,
) error {
	return s.manager.Subscribe(topic, listener, priority)
}

// Emit requests an event through the interceptor.
func (s *Simulation) Emit(em Emission) error {
	return s.interceptor.Emit(em)
}

// CurrentTime returns the simulated time.
func (s *Simulation) CurrentTime() timing.VTimeInSec {
	return s.interceptor.CurrentTime()
}

// Run runs the simulation to the end.
func (s *Simulation) Run(ctx context.Context) (*RunReport, error) {
	return s.interceptor.Run(ctx)
}

// Close releases a simulation that was never run.
func (s *Simulation) Close(ctx context.Context) error {
	return s.interceptor.Close(ctx)
}

// Builder can be used to build a simulation.
type Builder struct {
	runID       string
	engine      timing.Stepper
	topics      *event.Registry
	topicSpecs  []event.TopicSpec
	backend     eventlog.Backend
	backendCfg  *eventlog.BackendConfig
	dispatchOpt dispatch.Options
	sinkOpt     eventlog.Options
	opts        Options
	logger      zerolog.Logger
}

// NewBuilder creates a new builder.
func NewBuilder() Builder {
	return Builder{
		logger: zerolog.Nop(),
		sinkOpt: eventlog.Options{
			FlushTimeout: eventlog.DefaultFlushTimeout,
			BufferLimit:  100000,
		},
		opts: Options{
			FlushEveryEvents: 1000,
		},
	}
}

// WithRunID sets the run ID. A new one is generated otherwise.
func (b Builder) WithRunID(id string) Builder {
	b.runID = id
	return b
}

// WithEngine sets the scheduler. A SerialEngine is used otherwise.
func (b Builder) WithEngine(engine timing.Stepper) Builder {
	b.engine = engine
	return b
}

// WithTopics uses an existing topic registry.
func (b Builder) WithTopics(reg *event.Registry) Builder {
	b.topics = reg
	return b
}

// WithTopicSpecs declares more topics when the simulation is built.
func (b Builder) WithTopicSpecs(specs ...event.TopicSpec) Builder {
	b.topicSpecs = append(b.topicSpecs[:len(b.topicSpecs):len(b.topicSpecs)],
		specs...)
	return b
}

// WithBackend sets where the event log is stored.
func (b Builder) WithBackend(backend eventlog.Backend) Builder {
	b.backend = backend
	b.backendCfg = nil

	return b
}

// WithBackendConfig opens the event log storage when the simulation is
// built.
func (b Builder) WithBackendConfig(cfg eventlog.BackendConfig) Builder {
	b.backendCfg = &cfg
	b.backend = nil

	return b
}

// WithDispatchOptions configures the dispatch manager.
func (b Builder) WithDispatchOptions(opts dispatch.Options) Builder {
	b.dispatchOpt = opts
	return b
}

// WithSinkOptions configures the event log buffer.
func (b Builder) WithSinkOptions(opts eventlog.Options) Builder {
	b.sinkOpt = opts
	return b
}

// WithOptions configures the interceptor.
func (b Builder) WithOptions(opts Options) Builder {
	b.opts = opts
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(logger zerolog.Logger) Builder {
	b.logger = logger
	return b
}

// Build builds the simulation.
func (b Builder) Build(ctx context.Context) (*Simulation, error) {
	s := &Simulation{
		id:     b.runID,
		engine: b.engine,
		topics: b.topics,
		log:    b.logger,
	}

	if s.id == "" {
		s.id = idgen.RunID()
	}

	if s.engine == nil {
		s.engine = timing.NewSerialEngine()
	}

	if s.topics == nil {
		s.topics = event.NewRegistry()
	}

	for _, spec := range b.topicSpecs {
		if err := s.topics.Declare(spec); err != nil {
			return nil, err
		}
	}

	backend, err := b.openBackend(ctx, s.id)
	if err != nil {
		return nil, err
	}

	dispatchOpt := b.dispatchOpt
	if dispatchOpt.Topics == nil {
		dispatchOpt.Topics = s.topics
	}

	opts := b.opts
	opts.RunID = s.id

	s.backend = backend
	s.manager = dispatch.NewManager(dispatchOpt, b.logger)
	s.sink = eventlog.NewBufferedSink(backend, b.sinkOpt, b.logger)
	s.interceptor = NewInterceptor(
		s.engine, s.topics, s.manager, s.sink, opts, b.logger)

	return s, nil
}

func (b Builder) openBackend(
	ctx context.Context,
	runID string,
) (eventlog.Backend, error) {
	if b.backend != nil {
		return b.backend, nil
	}

	cfg := eventlog.BackendConfig{Kind: eventlog.JSONFile}
	if b.backendCfg != nil {
		cfg = *b.backendCfg
	}

	if cfg.RunID == "" {
		cfg.RunID = runID
	}

	return eventlog.Open(ctx, cfg, b.logger)
}
