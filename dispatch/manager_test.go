package dispatch

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/simlog/event"
	"github.com/sarchlab/simlog/timing"
)

const (
	orderPlaced  event.Topic = "ORDER_PLACED"
	orderShipped event.Topic = "ORDER_SHIPPED"
)

type recorder struct {
	name string
	log  *[]string
	err  error
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) React(evt *event.Event) error {
	*r.log = append(*r.log, r.name)
	return r.err
}

type valueListener struct {
	callbacks []func()
}

func (v valueListener) React(evt *event.Event) error { return nil }

func newTopics() *event.Registry {
	reg := event.NewRegistry()
	reg.MustDeclare(
		event.TopicSpec{Topic: orderPlaced, Description: "Order placed"},
		event.TopicSpec{Topic: orderShipped, Description: "Order shipped"},
	)

	return reg
}

func newEvent(reg *event.Registry, topic event.Topic, seq uint64) *event.Event {
	evt, err := event.New(reg, event.Spec{
		Topic:    topic,
		Time:     timing.VTimeInSec(seq),
		Sequence: seq,
	})
	Expect(err).NotTo(HaveOccurred())

	return evt
}

var _ = Describe("Manager", func() {
	var (
		mockCtrl *gomock.Controller
		topics   *event.Registry
		manager  *Manager
		calls    []string
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		topics = newTopics()
		manager = NewManager(Options{Topics: topics}, zerolog.Nop())
		calls = nil
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should order listeners by priority then registration", func() {
		a := &recorder{name: "A", log: &calls}
		b := &recorder{name: "B", log: &calls}
		c := &recorder{name: "C", log: &calls}

		Expect(manager.Subscribe(orderPlaced, a, 1)).To(Succeed())
		Expect(manager.Subscribe(orderPlaced, b, 0)).To(Succeed())
		Expect(manager.Subscribe(orderPlaced, c, 1)).To(Succeed())

		Expect(manager.Dispatch(newEvent(topics, orderPlaced, 0))).To(Succeed())

		Expect(calls).To(Equal([]string{"B", "A", "C"}))
		Expect(manager.Dispatched()).To(Equal(uint64(1)))
	})

	It("should only invoke listeners of the event topic", func() {
		placed := NewMockListener(mockCtrl)
		shipped := NewMockListener(mockCtrl)
		evt := newEvent(topics, orderShipped, 3)

		Expect(manager.Subscribe(orderPlaced, placed, 0)).To(Succeed())
		Expect(manager.Subscribe(orderShipped, shipped, 0)).To(Succeed())

		shipped.EXPECT().React(evt).Return(nil)

		Expect(manager.Dispatch(evt)).To(Succeed())
	})

	It("should reject duplicate subscriptions", func() {
		l := NewMockListener(mockCtrl)

		Expect(manager.Subscribe(orderPlaced, l, 0)).To(Succeed())
		Expect(manager.Subscribe(orderPlaced, l, 5)).
			To(MatchError(ErrDuplicateSubscription))
		Expect(manager.Subscribe(orderShipped, l, 0)).To(Succeed())
	})

	It("should allow duplicate subscriptions if configured", func() {
		manager = NewManager(Options{AllowDuplicateSubscription: true},
			zerolog.Nop())
		l := NewMockListener(mockCtrl)

		Expect(manager.Subscribe(orderPlaced, l, 0)).To(Succeed())
		Expect(manager.Subscribe(orderPlaced, l, 0)).To(Succeed())

		l.EXPECT().React(gomock.Any()).Return(nil).Times(2)

		Expect(manager.Dispatch(newEvent(topics, orderPlaced, 0))).To(Succeed())
	})

	It("should reject undeclared topics", func() {
		l := NewMockListener(mockCtrl)

		Expect(manager.Subscribe("NOPE", l, 0)).
			To(MatchError(event.ErrUnknownTopic))
	})

	It("should reject listeners that cannot be compared", func() {
		Expect(manager.Subscribe(orderPlaced, valueListener{}, 0)).
			To(MatchError(ErrListenerNotComparable))
	})

	Context("when unsubscribing", func() {
		It("should stop dispatching to the listener", func() {
			l := NewMockListener(mockCtrl)

			Expect(manager.Subscribe(orderPlaced, l, 0)).To(Succeed())
			Expect(manager.Unsubscribe(orderPlaced, l)).To(Succeed())

			Expect(manager.Dispatch(newEvent(topics, orderPlaced, 0))).
				To(Succeed())
			Expect(manager.Subscribers(orderPlaced)).To(BeEmpty())
		})

		It("should skip a listener removed during the same dispatch", func() {
			first := NewMockListener(mockCtrl)
			second := NewMockListener(mockCtrl)

			Expect(manager.Subscribe(orderPlaced, first, 0)).To(Succeed())
			Expect(manager.Subscribe(orderPlaced, second, 1)).To(Succeed())

			first.EXPECT().React(gomock.Any()).DoAndReturn(
				func(*event.Event) error {
					return manager.Unsubscribe(orderPlaced, second)
				})

			Expect(manager.Dispatch(newEvent(topics, orderPlaced, 0))).
				To(Succeed())
		})

		It("should ignore absent subscriptions by default", func() {
			l := NewMockListener(mockCtrl)

			Expect(manager.Unsubscribe(orderPlaced, l)).To(Succeed())
		})

		It("should report absent subscriptions if strict", func() {
			manager = NewManager(Options{StrictUnsubscribe: true}, zerolog.Nop())
			l := NewMockListener(mockCtrl)

			Expect(manager.Unsubscribe(orderPlaced, l)).
				To(MatchError(ErrNotSubscribed))
		})
	})

	Context("when a listener fails", func() {
		var (
			a, b, c *recorder
			boom    error
		)

		BeforeEach(func() {
			boom = errors.New("boom")
			a = &recorder{name: "A", log: &calls}
			b = &recorder{name: "B", log: &calls, err: boom}
			c = &recorder{name: "C", log: &calls}
		})

		subscribeAll := func() {
			Expect(manager.Subscribe(orderPlaced, a, 0)).To(Succeed())
			Expect(manager.Subscribe(orderPlaced, b, 1)).To(Succeed())
			Expect(manager.Subscribe(orderPlaced, c, 2)).To(Succeed())
		}

		It("should keep going when isolating per listener", func() {
			subscribeAll()

			err := manager.Dispatch(newEvent(topics, orderPlaced, 4))

			Expect(calls).To(Equal([]string{"A", "B", "C"}))
			Expect(err).To(MatchError(ErrDispatch))
			Expect(errors.Is(err, boom)).To(BeTrue())

			failures := Failures(err)
			Expect(failures).To(HaveLen(1))
			Expect(failures[0].Listener).To(Equal("B"))
			Expect(failures[0].Sequence).To(Equal(uint64(4)))
			Expect(failures[0].Topic).To(Equal(orderPlaced))
		})

		It("should skip the rest of the event when isolating per topic", func() {
			manager = NewManager(Options{ErrorPolicy: IsolateTopic}, zerolog.Nop())
			subscribeAll()

			err := manager.Dispatch(newEvent(topics, orderPlaced, 0))

			Expect(calls).To(Equal([]string{"A", "B"}))
			Expect(Failures(err)).To(HaveLen(1))

			calls = calls[:0]
			Expect(Failures(manager.Dispatch(newEvent(topics, orderPlaced, 1)))).
				To(HaveLen(1))
			Expect(calls).To(Equal([]string{"A", "B"}))
		})

		It("should stop at once when failing fast", func() {
			manager = NewManager(Options{ErrorPolicy: FailFast}, zerolog.Nop())
			subscribeAll()

			err := manager.Dispatch(newEvent(topics, orderPlaced, 0))

			Expect(calls).To(Equal([]string{"A", "B"}))

			var dispatchErr *DispatchError
			Expect(errors.As(err, &dispatchErr)).To(BeTrue())
			Expect(dispatchErr.Err).To(Equal(boom))
		})
	})

	Context("with nested dispatches", func() {
		It("should bound the depth", func() {
			manager = NewManager(Options{MaxDepth: 3}, zerolog.Nop())
			l := NewMockListener(mockCtrl)
			var nestedErr error

			Expect(manager.Subscribe(orderPlaced, l, 0)).To(Succeed())

			seq := uint64(0)
			l.EXPECT().React(gomock.Any()).DoAndReturn(func(*event.Event) error {
				seq++
				err := manager.Dispatch(newEvent(topics, orderPlaced, seq))
				if err != nil {
					nestedErr = err
				}

				return nil
			}).Times(3)

			Expect(manager.Dispatch(newEvent(topics, orderPlaced, 0))).
				To(Succeed())
			Expect(nestedErr).To(MatchError(ErrDispatchCycleExceeded))
			Expect(manager.DeepestDispatch()).To(Equal(3))
			Expect(manager.Depth()).To(Equal(0))
		})
	})

	Context("with components", func() {
		var comp *MockComponent

		BeforeEach(func() {
			comp = NewMockComponent(mockCtrl)
			comp.EXPECT().ID().Return("c-1").AnyTimes()
			comp.EXPECT().Name().Return("Reception").AnyTimes()
			comp.EXPECT().Topics().
				Return([]event.Topic{orderPlaced}).AnyTimes()
		})

		It("should subscribe the component to its topics", func() {
			Expect(manager.AddComponent(comp)).To(Succeed())

			subs := manager.Subscribers(orderPlaced)
			Expect(subs).To(HaveLen(1))
			Expect(subs[0].Listener).To(BeIdenticalTo(comp))

			c, ok := manager.Component("c-1")
			Expect(ok).To(BeTrue())
			Expect(c).To(BeIdenticalTo(comp))
			Expect(manager.Components()).To(HaveLen(1))
		})

		It("should reject a second component with the same ID", func() {
			other := NewMockComponent(mockCtrl)
			other.EXPECT().ID().Return("c-1").AnyTimes()
			other.EXPECT().Name().Return("Other").AnyTimes()

			Expect(manager.AddComponent(comp)).To(Succeed())
			Expect(manager.AddComponent(other)).
				To(MatchError(ErrDuplicateComponent))
		})

		It("should deliver targeted events to the target only", func() {
			bystander := NewMockListener(mockCtrl)
			Expect(manager.Subscribe(orderShipped, bystander, 0)).To(Succeed())
			Expect(manager.AddComponent(comp)).To(Succeed())

			evt, err := event.New(topics, event.Spec{
				Topic:    orderShipped,
				Sequence: 1,
				TargetID: "c-1",
			})
			Expect(err).NotTo(HaveOccurred())

			comp.EXPECT().React(evt).Return(nil)

			Expect(manager.Dispatch(evt)).To(Succeed())
		})

		It("should drop events for a removed target", func() {
			Expect(manager.AddComponent(comp)).To(Succeed())
			manager.RemoveComponent(comp)

			evt, err := event.New(topics, event.Spec{
				Topic:    orderPlaced,
				TargetID: "c-1",
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(manager.Dispatch(evt)).To(Succeed())
			Expect(manager.Subscribers(orderPlaced)).To(BeEmpty())
		})
	})

	It("should refuse work after close", func() {
		l := NewMockListener(mockCtrl)
		Expect(manager.Subscribe(orderPlaced, l, 0)).To(Succeed())

		manager.Close()

		Expect(manager.Closed()).To(BeTrue())
		Expect(manager.Subscribers(orderPlaced)).To(BeEmpty())
		Expect(manager.Dispatch(newEvent(topics, orderPlaced, 0))).
			To(MatchError(ErrClosed))
		Expect(manager.Subscribe(orderPlaced, l, 0)).To(MatchError(ErrClosed))
	})
})
