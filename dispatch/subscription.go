// Package dispatch routes fired events to the listeners that subscribed to
// their topics.
package dispatch

import (
	"cmp"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sarchlab/simlog/event"
)

// A Listener reacts to events. React runs synchronously on the simulation
// goroutine and may emit new events. The event must be treated as read-only.
type Listener interface {
	React(evt *event.Event) error
}

// Named listeners report their name in dispatch errors and logs.
type Named interface {
	Name() string
}

// Subscription binds a topic to a listener.
type Subscription struct {
	Topic    event.Topic
	Listener Listener
	Priority int
}

// Name returns the name of the listener.
func (s Subscription) Name() string {
	return listenerName(s.Listener)
}

type subscription struct {
	Subscription

	order   uint64
	removed atomic.Bool
}

// Registry maps topics to their subscriptions, kept sorted by priority and
// then registration order.
type Registry struct {
	lock      sync.RWMutex
	topics    map[event.Topic][]*subscription
	nextOrder uint64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{topics: make(map[event.Topic][]*subscription)}
}

func mustBeComparable(l Listener) error {
	if l == nil {
		return fmt.Errorf("%w: nil listener", ErrListenerNotComparable)
	}

	if !reflect.TypeOf(l).Comparable() {
		return fmt.Errorf("%w: %T", ErrListenerNotComparable, l)
	}

	return nil
}

// Add registers a subscription. Unless allowDuplicate is set, adding the same
// (topic, listener) pair twice fails with ErrDuplicateSubscription.
func (r *Registry) Add(sub Subscription, allowDuplicate bool) error {
	if err := mustBeComparable(sub.Listener); err != nil {
		return err
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	list := r.topics[sub.Topic]

	if !allowDuplicate {
		for _, s := range list {
			if s.Listener == sub.Listener {
				return fmt.Errorf("%w: %s on %s",
					ErrDuplicateSubscription, listenerName(sub.Listener), sub.Topic)
			}
		}
	}

	s := &subscription{Subscription: sub, order: r.nextOrder}
	r.nextOrder++

	i, _ := slices.BinarySearchFunc(list, s, compareSubscriptions)
	r.topics[sub.Topic] = slices.Insert(list, i, s)

	return nil
}

func compareSubscriptions(a, b *subscription) int {
	if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
		return c
	}

	return cmp.Compare(a.order, b.order)
}

// Remove drops every subscription of listener to topic and reports how many
// were removed. Dispatches already in progress skip removed subscriptions.
func (r *Registry) Remove(topic event.Topic, listener Listener) int {
	if mustBeComparable(listener) != nil {
		return 0
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	list := r.topics[topic]
	kept := list[:0:0]
	removed := 0

	for _, s := range list {
		if s.Listener == listener {
			s.removed.Store(true)
			removed++

			continue
		}

		kept = append(kept, s)
	}

	if len(kept) == 0 {
		delete(r.topics, topic)
	} else {
		r.topics[topic] = kept
	}

	return removed
}

// RemoveListener drops every subscription of listener, on any topic.
func (r *Registry) RemoveListener(listener Listener) int {
	r.lock.RLock()
	topics := make([]event.Topic, 0, len(r.topics))
	for topic := range r.topics {
		topics = append(topics, topic)
	}
	r.lock.RUnlock()

	removed := 0
	for _, topic := range topics {
		removed += r.Remove(topic, listener)
	}

	return removed
}

// snapshot returns the current subscribers of a topic in dispatch order. The
// returned slice is not affected by later changes to the registry.
func (r *Registry) snapshot(topic event.Topic) []*subscription {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return slices.Clone(r.topics[topic])
}

// Subscribers lists the subscriptions of a topic in dispatch order.
func (r *Registry) Subscribers(topic event.Topic) []Subscription {
	list := r.snapshot(topic)

	subs := make([]Subscription, len(list))
	for i, s := range list {
		subs[i] = s.Subscription
	}

	return subs
}

// Topics lists every topic that has at least one subscriber.
func (r *Registry) Topics() []event.Topic {
	r.lock.RLock()
	defer r.lock.RUnlock()

	topics := make([]event.Topic, 0, len(r.topics))
	for topic := range r.topics {
		topics = append(topics, topic)
	}

	slices.Sort(topics)

	return topics
}

// Clear removes every subscription.
func (r *Registry) Clear() {
	r.lock.Lock()
	defer r.lock.Unlock()

	for _, list := range r.topics {
		for _, s := range list {
			s.removed.Store(true)
		}
	}

	r.topics = make(map[event.Topic][]*subscription)
}

func listenerName(l Listener) string {
	if n, ok := l.(Named); ok {
		return n.Name()
	}

	return fmt.Sprintf("%T", l)
}
