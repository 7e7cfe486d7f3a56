package timing

import "container/heap"

// itemHeap pops items by time. Items that share a time come out in the order
// they were scheduled.
type itemHeap []*ScheduledEvent

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Time == h[j].Time {
		return h[i].order < h[j].order
	}

	return h[i].Time < h[j].Time
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*ScheduledEvent)) }

func (h *itemHeap) Pop() any {
	items := *h
	last := items[len(items)-1]
	items[len(items)-1] = nil
	*h = items[:len(items)-1]

	return last
}

// agenda is the pending items of an engine together with the counter that
// stamps their scheduling order.
type agenda struct {
	items   itemHeap
	counter uint64
}

func (a *agenda) add(evt ScheduledEvent) {
	evt.order = a.counter
	a.counter++
	heap.Push(&a.items, &evt)
}

func (a *agenda) head() *ScheduledEvent {
	if len(a.items) == 0 {
		return nil
	}

	return a.items[0]
}

func (a *agenda) take() *ScheduledEvent {
	if len(a.items) == 0 {
		return nil
	}

	return heap.Pop(&a.items).(*ScheduledEvent)
}
