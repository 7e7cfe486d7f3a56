package monitoring

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sarchlab/simlog/hooking"
	"github.com/sarchlab/simlog/simulation"
)

// A ProgressBar is a tracker of the progress.
type ProgressBar struct {
	sync.Mutex
	ID         string
	Name       string
	StartTime  time.Time
	Total      uint64
	Finished   uint64
	InProgress uint64
}

// ProgressBarStatus is a copy of a progress bar that can be serialized.
type ProgressBarStatus struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	StartTime  time.Time `json:"start_time"`
	Total      uint64    `json:"total"`
	Finished   uint64    `json:"finished"`
	InProgress uint64    `json:"in_progress"`
}

func newProgressBar(name string, total uint64) *ProgressBar {
	return &ProgressBar{
		ID:        uuid.NewString(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}
}

// Status returns a copy of the bar.
func (b *ProgressBar) Status() ProgressBarStatus {
	b.Lock()
	defer b.Unlock()

	return ProgressBarStatus{
		ID:         b.ID,
		Name:       b.Name,
		StartTime:  b.StartTime,
		Total:      b.Total,
		Finished:   b.Finished,
		InProgress: b.InProgress,
	}
}

// IncrementInProgress adds the number of in-progress element.
func (b *ProgressBar) IncrementInProgress(amount uint64) {
	b.Lock()
	defer b.Unlock()

	b.InProgress += amount
}

// IncrementFinished add a certain amount to finished element.
func (b *ProgressBar) IncrementFinished(amount uint64) {
	b.Lock()
	defer b.Unlock()

	b.Finished += amount
}

// MoveInProgressToFinished reduces the number of in progress item by a certain
// amount and increase the finished item by the same amount.
func (b *ProgressBar) MoveInProgressToFinished(amount uint64) {
	b.Lock()
	defer b.Unlock()

	b.InProgress -= amount
	b.Finished += amount
}

// runTracker counts the events of a run on a progress bar.
type runTracker struct {
	monitor *Monitor
	bar     *ProgressBar
}

func (t *runTracker) Func(ctx hooking.HookCtx) {
	switch ctx.Pos {
	case simulation.HookPosAfterAppend:
		t.bar.IncrementInProgress(1)
	case simulation.HookPosAfterDispatch:
		t.bar.MoveInProgressToFinished(1)
	case simulation.HookPosStateChange:
		if ctx.Item.(simulation.State) == simulation.StateClosed {
			t.monitor.CompleteProgressBar(t.bar)
		}
	}
}

// TrackRun shows the events of the registered simulation on a progress bar.
// Total is the expected number of events, zero if unknown. The bar is removed
// when the run is closed.
func (m *Monitor) TrackRun(total uint64) *ProgressBar {
	bar := m.CreateProgressBar("events", total)

	if m.sim != nil {
		m.sim.Interceptor().AcceptHook(&runTracker{monitor: m, bar: bar})
	}

	return bar
}
