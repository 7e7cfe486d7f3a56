package simulation

import (
	"context"
	"errors"
	"fmt"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/simlog/dispatch"
	"github.com/sarchlab/simlog/event"
	"github.com/sarchlab/simlog/eventlog"
	"github.com/sarchlab/simlog/hooking"
	"github.com/sarchlab/simlog/timing"
)

type order struct {
	OrderID string `json:"order_id"`
}

var _ = Describe("Interceptor", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("should log an order pipeline in order", func() {
		f := newFixture(dispatch.Options{}, Options{}, nil)
		sim := f.sim
		var appendedBeforeReact uint64

		shipper := &listenerFunc{name: "Y"}
		shipper.react = func(evt *event.Event) error {
			appendedBeforeReact = sim.Sink().Stats().Appended

			var o order
			Expect(evt.DecodePayload(&o)).To(Succeed())

			return sim.Emit(Emission{
				Topic:    orderShipped,
				Payload:  o,
				SourceID: "Y",
				Delay:    5,
			})
		}

		Expect(sim.Subscribe(orderPlaced, shipper, 0)).To(Succeed())
		Expect(sim.Emit(Emission{
			Topic:    orderPlaced,
			Payload:  order{OrderID: "o-1"},
			SourceID: "X",
		})).To(Succeed())

		report, err := sim.Run(ctx)

		Expect(err).NotTo(HaveOccurred())
		Expect(report.Status).To(Equal(eventlog.StatusCompleted))
		Expect(report.Events).To(Equal(uint64(2)))
		Expect(report.EndTime).To(Equal(timing.VTimeInSec(5)))
		Expect(appendedBeforeReact).To(Equal(uint64(1)))
		Expect(sim.Interceptor().State()).To(Equal(StateClosed))

		Expect(summarize(f.readLog())).To(Equal([]logged{
			{orderPlaced, 0, 0},
			{orderShipped, 5, 1},
		}))

		m := f.readManifest()
		Expect(m.Status).To(Equal(eventlog.StatusCompleted))
		Expect(m.RunID).To(Equal(sim.ID()))
		Expect(*m.Watermark).To(Equal(uint64(1)))
		Expect(m.Topics).To(HaveKeyWithValue(orderPlaced, "A customer placed an order"))
	})

	It("should append each event before dispatching it", func() {
		f := newFixture(dispatch.Options{}, Options{}, nil)
		var trace []string

		f.sim.Interceptor().AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
			if ctx.Pos == HookPosAfterAppend {
				trace = append(trace,
					fmt.Sprintf("append %d", ctx.Item.(*event.Event).Sequence()))
			}
		}))

		l := &listenerFunc{name: "L", react: func(evt *event.Event) error {
			trace = append(trace, fmt.Sprintf("react %d", evt.Sequence()))
			return nil
		}}
		Expect(f.sim.Subscribe(tick, l, 0)).To(Succeed())

		Expect(f.sim.Emit(Emission{Topic: tick})).To(Succeed())
		Expect(f.sim.Emit(Emission{Topic: tick, Delay: 1})).To(Succeed())

		_, err := f.sim.Run(ctx)
		Expect(err).NotTo(HaveOccurred())

		Expect(trace).To(Equal([]string{
			"append 0", "react 0", "append 1", "react 1",
		}))
	})

	It("should reject invalid emissions at once", func() {
		f := newFixture(dispatch.Options{}, Options{}, nil)

		Expect(f.sim.Emit(Emission{Topic: orderPlaced, Payload: map[string]any{}})).
			To(MatchError(event.ErrSchemaViolation))
		Expect(f.sim.Emit(Emission{Topic: "NOPE"})).
			To(MatchError(event.ErrUnknownTopic))
		Expect(f.sim.Emit(Emission{Topic: tick, Delay: -1})).
			To(MatchError(event.ErrInvalidTime))
		Expect(f.sim.Emit(Emission{Topic: tick, TargetID: "nobody"})).
			To(MatchError(dispatch.ErrUnknownTarget))

		report, err := f.sim.Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Events).To(BeZero())
		Expect(f.readLog()).To(BeEmpty())
	})

	DescribeTable("should bound same-time re-emission by the maximum depth",
		func(maxDepth, reemits int, succeeds bool) {
			f := newFixture(dispatch.Options{MaxDepth: maxDepth}, Options{}, nil)
			count := 0

			l := &listenerFunc{name: "echo"}
			l.react = func(evt *event.Event) error {
				if count == reemits {
					return nil
				}

				count++

				return f.sim.Emit(Emission{Topic: tick})
			}
			Expect(f.sim.Subscribe(tick, l, 0)).To(Succeed())
			Expect(f.sim.Emit(Emission{Topic: tick})).To(Succeed())

			report, err := f.sim.Run(ctx)

			if succeeds {
				Expect(err).NotTo(HaveOccurred())
				Expect(report.Events).To(Equal(uint64(reemits + 1)))
				Expect(report.DeepestDispatch).To(Equal(reemits + 1))

				return
			}

			Expect(err).To(MatchError(dispatch.ErrDispatchCycleExceeded))

			var runErr *RunError
			Expect(errors.As(err, &runErr)).To(BeTrue())
			Expect(runErr.Aborted()).To(BeTrue())
			Expect(report.Status).To(Equal(eventlog.StatusAborted))
			Expect(report.Events).To(Equal(uint64(maxDepth)))

			events := f.readLog()
			Expect(events).To(HaveLen(maxDepth))
			Expect(eventlog.CheckOrder(events)).To(Succeed())
		},
		Entry("one below the maximum", 4, 3, true),
		Entry("at the maximum", 4, 4, false),
		Entry("far beyond the maximum", 4, 100, false),
		Entry("maximum of one", 1, 0, true),
		Entry("maximum of one, one re-emission", 1, 1, false),
	)

	It("should not deliver to a listener unsubscribed mid-run", func() {
		f := newFixture(dispatch.Options{}, Options{}, nil)
		received := 0

		victim := &listenerFunc{name: "victim", react: func(*event.Event) error {
			received++
			return nil
		}}
		remover := &listenerFunc{name: "remover", react: func(*event.Event) error {
			return f.sim.Manager().Unsubscribe(tick, victim)
		}}

		Expect(f.sim.Subscribe(tick, remover, 0)).To(Succeed())
		Expect(f.sim.Subscribe(tick, victim, 1)).To(Succeed())

		for t := 1; t <= 3; t++ {
			Expect(f.sim.Emit(Emission{Topic: tick, Delay: timing.VTimeInSec(t)})).
				To(Succeed())
		}

		report, err := f.sim.Run(ctx)

		Expect(err).NotTo(HaveOccurred())
		Expect(report.Events).To(Equal(uint64(3)))
		Expect(received).To(BeZero())
	})

	It("should abort on a flush failure when failing fast", func() {
		backendErr := errors.New("backend unavailable")
		f := newFixture(
			dispatch.Options{ErrorPolicy: dispatch.FailFast},
			Options{FlushEveryEvents: 1},
			func(b eventlog.Backend) eventlog.Backend {
				return &flakyBackend{Backend: b, failOn: 3, err: backendErr}
			})

		for t := 0; t < 5; t++ {
			Expect(f.sim.Emit(Emission{Topic: tick, Delay: timing.VTimeInSec(t)})).
				To(Succeed())
		}

		report, err := f.sim.Run(ctx)

		Expect(err).To(MatchError(eventlog.ErrWriteFailed))
		Expect(errors.Is(err, backendErr)).To(BeTrue())

		var runErr *RunError
		Expect(errors.As(err, &runErr)).To(BeTrue())
		Expect(runErr.State).To(Equal(StateAborted))
		Expect(runErr.HasEvent).To(BeTrue())
		Expect(runErr.Sequence).To(Equal(uint64(2)))
		Expect(runErr.Time).To(Equal(timing.VTimeInSec(2)))

		Expect(report.Status).To(Equal(eventlog.StatusAborted))
		Expect(report.Events).To(Equal(uint64(3)))
		Expect(report.Pending).To(Equal(2))
		Expect(f.sim.Interceptor().State()).To(Equal(StateClosed))

		events := f.readLog()
		Expect(len(events)).To(BeNumerically(">=", 2))
		Expect(summarize(events)[:2]).To(Equal([]logged{
			{tick, 0, 0},
			{tick, 1, 1},
		}))
		Expect(eventlog.CheckOrder(events)).To(Succeed())

		m := f.readManifest()
		Expect(m.Status).To(Equal(eventlog.StatusAborted))
		Expect(m.FailedSequence).NotTo(BeNil())
		Expect(*m.FailedSequence).To(Equal(uint64(2)))
		Expect(m.Reason).To(ContainSubstring("backend unavailable"))
	})

	It("should bound every flush when no timeout is configured", func() {
		var backend *deadlineBackend
		f := newFixture(dispatch.Options{}, Options{FlushEveryEvents: 1},
			func(b eventlog.Backend) eventlog.Backend {
				backend = &deadlineBackend{Backend: b}
				return backend
			})

		Expect(f.sim.Emit(Emission{Topic: tick})).To(Succeed())
		Expect(f.sim.Emit(Emission{Topic: tick, Delay: 1})).To(Succeed())

		_, err := f.sim.Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(backend.bounded).To(HaveLen(2))
		Expect(backend.bounded).To(HaveEach(BeTrue()))
	})

	It("should keep running on a flush failure with best effort", func() {
		f := newFixture(
			dispatch.Options{},
			Options{FlushEveryEvents: 1},
			func(b eventlog.Backend) eventlog.Backend {
				return &flakyBackend{Backend: b, failOn: 2, err: errors.New("blip")}
			})

		for t := 0; t < 4; t++ {
			Expect(f.sim.Emit(Emission{Topic: tick, Delay: timing.VTimeInSec(t)})).
				To(Succeed())
		}

		report, err := f.sim.Run(ctx)

		var runErr *RunError
		Expect(errors.As(err, &runErr)).To(BeTrue())
		Expect(runErr.Aborted()).To(BeFalse())
		Expect(runErr.FlushErrors).To(HaveLen(1))
		Expect(report.Status).To(Equal(eventlog.StatusCompleted))

		events := f.readLog()
		Expect(events).To(HaveLen(4))
		Expect(eventlog.CheckOrder(events)).To(Succeed())
	})

	Context("when a listener fails", func() {
		var (
			f      fixture
			calls  []string
			broken error
		)

		setup := func(policy dispatch.ErrorPolicy) {
			f = newFixture(dispatch.Options{ErrorPolicy: policy}, Options{}, nil)
			calls = nil
			broken = errors.New("broken")

			for i, name := range []string{"A", "B", "C"} {
				l := &listenerFunc{name: name, react: func(*event.Event) error {
					calls = append(calls, name)
					if name == "B" {
						return broken
					}

					return nil
				}}
				Expect(f.sim.Subscribe(tick, l, i)).To(Succeed())
			}

			Expect(f.sim.Emit(Emission{Topic: tick})).To(Succeed())
			Expect(f.sim.Emit(Emission{Topic: tick, Delay: 1})).To(Succeed())
		}

		It("should isolate and continue", func() {
			setup(dispatch.IsolateAndContinue)

			report, err := f.sim.Run(ctx)

			Expect(calls).To(Equal([]string{"A", "B", "C", "A", "B", "C"}))
			Expect(report.Status).To(Equal(eventlog.StatusCompleted))
			Expect(report.Failures).To(HaveLen(2))
			Expect(report.Failures[0][0].Listener).To(Equal("B"))
			Expect(err).To(MatchError(dispatch.ErrDispatch))
			Expect(errors.Is(err, broken)).To(BeTrue())
			Expect(f.readLog()).To(HaveLen(2))
		})

		It("should record isolated failures next to the log", func() {
			setup(dispatch.IsolateAndContinue)

			_, err := f.sim.Run(ctx)
			Expect(err).To(HaveOccurred())

			m := f.readManifest()
			Expect(m.Status).To(Equal(eventlog.StatusCompleted))
			Expect(m.Failures).To(Equal([]eventlog.Failure{
				{Sequence: 0, Topic: tick, Listener: "B", Error: "broken"},
				{Sequence: 1, Topic: tick, Listener: "B", Error: "broken"},
			}))
		})

		It("should skip the rest of the event when isolating per topic", func() {
			setup(dispatch.IsolateTopic)

			report, err := f.sim.Run(ctx)

			Expect(calls).To(Equal([]string{"A", "B", "A", "B"}))
			Expect(report.Status).To(Equal(eventlog.StatusCompleted))
			Expect(report.FailureList()).To(HaveLen(2))
			Expect(err).To(HaveOccurred())
		})

		It("should abort when failing fast", func() {
			setup(dispatch.FailFast)

			report, err := f.sim.Run(ctx)

			Expect(calls).To(Equal([]string{"A", "B"}))
			Expect(report.Status).To(Equal(eventlog.StatusAborted))
			Expect(errors.Is(err, broken)).To(BeTrue())

			var runErr *RunError
			Expect(errors.As(err, &runErr)).To(BeTrue())
			Expect(runErr.Sequence).To(Equal(uint64(0)))
			Expect(f.readLog()).To(HaveLen(1))
		})
	})

	It("should stop at the time horizon", func() {
		f := newFixture(dispatch.Options{}, Options{HorizonTime: 2}, nil)

		for t := 1; t <= 3; t++ {
			Expect(f.sim.Emit(Emission{Topic: tick, Delay: timing.VTimeInSec(t)})).
				To(Succeed())
		}

		report, err := f.sim.Run(ctx)

		Expect(err).NotTo(HaveOccurred())
		Expect(report.Events).To(Equal(uint64(2)))
		Expect(report.Pending).To(Equal(1))
		Expect(report.Reason).To(Equal("time horizon reached"))
	})

	It("should stop at the event horizon", func() {
		f := newFixture(dispatch.Options{}, Options{HorizonEvents: 3}, nil)

		for t := 0; t < 10; t++ {
			Expect(f.sim.Emit(Emission{Topic: tick, Delay: timing.VTimeInSec(t)})).
				To(Succeed())
		}

		report, err := f.sim.Run(ctx)

		Expect(err).NotTo(HaveOccurred())
		Expect(report.Events).To(Equal(uint64(3)))
		Expect(f.readLog()).To(HaveLen(3))
	})

	It("should let a listener pause the run after the current step", func() {
		f := newFixture(dispatch.Options{}, Options{}, nil)

		l := &listenerFunc{name: "pauser", react: func(evt *event.Event) error {
			if evt.Sequence() == 1 {
				f.sim.Interceptor().Pause()
			}

			return nil
		}}
		Expect(f.sim.Subscribe(tick, l, 0)).To(Succeed())

		for t := 0; t < 5; t++ {
			Expect(f.sim.Emit(Emission{Topic: tick, Delay: timing.VTimeInSec(t)})).
				To(Succeed())
		}

		done := make(chan *RunReport)
		go func() {
			defer GinkgoRecover()

			report, err := f.sim.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			done <- report
		}()

		i := f.sim.Interceptor()
		Eventually(i.Paused).Should(BeTrue())
		Eventually(i.Stepping).Should(BeFalse())
		Consistently(i.Fired, "50ms").Should(Equal(uint64(2)))

		i.Continue()

		var report *RunReport
		Eventually(done).Should(Receive(&report))
		Expect(report.Events).To(Equal(uint64(5)))
	})

	It("should abort a paused run when cancelled", func() {
		f := newFixture(dispatch.Options{}, Options{}, nil)
		cancelCtx, cancel := context.WithCancel(ctx)

		Expect(f.sim.Emit(Emission{Topic: tick})).To(Succeed())
		f.sim.Interceptor().Pause()

		done := make(chan *RunReport)
		go func() {
			defer GinkgoRecover()

			report, _ := f.sim.Run(cancelCtx)
			done <- report
		}()

		Consistently(done, "50ms").ShouldNot(Receive())
		cancel()

		var report *RunReport
		Eventually(done).Should(Receive(&report))
		Expect(report.Status).To(Equal(eventlog.StatusAborted))
		Expect(report.Events).To(BeZero())
	})

	It("should abort and flush when cancelled", func() {
		f := newFixture(dispatch.Options{}, Options{}, nil)
		cancelCtx, cancel := context.WithCancel(ctx)

		l := &listenerFunc{name: "stopper", react: func(evt *event.Event) error {
			if evt.Sequence() == 1 {
				cancel()
			}

			return nil
		}}
		Expect(f.sim.Subscribe(tick, l, 0)).To(Succeed())

		for t := 0; t < 5; t++ {
			Expect(f.sim.Emit(Emission{Topic: tick, Delay: timing.VTimeInSec(t)})).
				To(Succeed())
		}

		report, err := f.sim.Run(cancelCtx)

		Expect(err).To(MatchError(context.Canceled))
		Expect(report.Status).To(Equal(eventlog.StatusAborted))
		Expect(report.Events).To(Equal(uint64(2)))
		Expect(f.readLog()).To(HaveLen(2))
	})

	It("should run plain continuations without logging them", func() {
		f := newFixture(dispatch.Options{}, Options{}, nil)
		ran := false

		f.sim.Engine().Schedule(timing.ScheduledEvent{
			Time: 3,
			Handler: handlerFunc(func(any) error {
				ran = true
				return f.sim.Emit(Emission{Topic: tick})
			}),
		})

		report, err := f.sim.Run(ctx)

		Expect(err).NotTo(HaveOccurred())
		Expect(ran).To(BeTrue())
		Expect(report.Steps).To(Equal(uint64(1)))
		Expect(summarize(f.readLog())).To(Equal([]logged{{tick, 3, 0}}))
	})

	It("should refuse a second run and later emissions", func() {
		f := newFixture(dispatch.Options{}, Options{}, nil)

		_, err := f.sim.Run(ctx)
		Expect(err).NotTo(HaveOccurred())

		_, err = f.sim.Run(ctx)
		Expect(err).To(MatchError(ErrAlreadyRan))
		Expect(f.sim.Emit(Emission{Topic: tick})).To(MatchError(ErrClosed))
		Expect(f.sim.Close(ctx)).To(MatchError(ErrClosed))
	})

	It("should close an interceptor that never ran", func() {
		f := newFixture(dispatch.Options{}, Options{}, nil)

		Expect(f.sim.Close(ctx)).To(Succeed())
		Expect(f.sim.Interceptor().State()).To(Equal(StateClosed))

		_, err := f.sim.Run(ctx)
		Expect(err).To(MatchError(ErrClosed))
	})

	It("should keep the log ordered and gap-free for random workloads", func() {
		parameters := gopter.DefaultTestParameters()
		parameters.MinSuccessfulTests = 25
		properties := gopter.NewProperties(parameters)

		properties.Property("log is ordered", prop.ForAll(
			func(delays []int, echoes int) bool {
				f := newFixture(dispatch.Options{}, Options{FlushEveryEvents: 3}, nil)

				echoed := 0
				l := &listenerFunc{name: "echo", react: func(evt *event.Event) error {
					if echoed >= echoes {
						return nil
					}

					echoed++

					return f.sim.Emit(Emission{
						Topic: tick,
						Delay: timing.VTimeInSec(echoed % 3),
					})
				}}
				if f.sim.Subscribe(tick, l, 0) != nil {
					return false
				}

				for _, d := range delays {
					err := f.sim.Emit(Emission{Topic: tick, Delay: timing.VTimeInSec(d)})
					if err != nil {
						return false
					}
				}

				report, err := f.sim.Run(context.Background())
				if err != nil {
					return false
				}

				events := f.readLog()

				return uint64(len(events)) == report.Events &&
					len(events) == len(delays)+echoes &&
					eventlog.CheckOrder(events) == nil
			},
			gen.SliceOf(gen.IntRange(0, 20)).SuchThat(func(v []int) bool {
				return len(v) > 0
			}),
			gen.IntRange(0, 10),
		))

		Expect(properties.Run(gopter.NewFormatedReporter(false, 80, GinkgoWriter))).
			To(BeTrue())
	})
})

type handlerFunc func(evt any) error

func (f handlerFunc) Handle(evt any) error { return f(evt) }
