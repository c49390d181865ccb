//go:build linux || darwin

package eventloop

import (
	"container/heap"
	"time"
)

// TimerID identifies a timer scheduled via Loop.ScheduleTimer.
type TimerID uint64

// timer represents a scheduled task.
type timer struct {
	when  time.Time
	fn    func()
	seq   uint64
	id    TimerID
	index int
}

// timerHeap is a min-heap of timers, ordered by deadline then by scheduling
// order, so timers with equal deadlines fire FIFO.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// ScheduleTimer schedules fn to run on the loop goroutine once delay has
// elapsed, measured from the time of this call. It is safe to call from any
// goroutine. Timers with equal deadlines run in the order they were
// scheduled.
func (l *Loop) ScheduleTimer(delay time.Duration, fn func()) (TimerID, error) {
	if fn == nil {
		return 0, ErrNilTask
	}
	if l.state.Load() == StateTerminated {
		return 0, ErrLoopTerminated
	}
	if delay < 0 {
		delay = 0
	}

	t := &timer{
		when:  time.Now().Add(delay),
		fn:    fn,
		id:    TimerID(l.nextTimerID.Add(1)),
		index: -1,
	}

	if l.isLoopThread() {
		l.addTimer(t)
		return t.id, nil
	}

	if err := l.SubmitInternal(func() { l.addTimer(t) }); err != nil {
		return 0, err
	}
	return t.id, nil
}

// CancelTimer cancels a pending timer. On the loop goroutine it returns
// ErrTimerNotFound if the timer already fired or was cancelled. From any
// other goroutine the cancellation is queued, and nil is returned.
func (l *Loop) CancelTimer(id TimerID) error {
	if l.isLoopThread() {
		return l.removeTimer(id)
	}
	return l.SubmitInternal(func() { _ = l.removeTimer(id) })
}

// addTimer must be called on the loop goroutine.
func (l *Loop) addTimer(t *timer) {
	l.timerSeq++
	t.seq = l.timerSeq
	heap.Push(&l.timers, t)
	l.timerIndex[t.id] = t
}

// removeTimer must be called on the loop goroutine.
func (l *Loop) removeTimer(id TimerID) error {
	t, ok := l.timerIndex[id]
	if !ok {
		return ErrTimerNotFound
	}
	delete(l.timerIndex, id)
	if t.index >= 0 {
		heap.Remove(&l.timers, t.index)
	}
	return nil
}

// runTimers executes all expired timers.
func (l *Loop) runTimers() {
	now := time.Now()
	for len(l.timers) > 0 {
		if l.timers[0].when.After(now) {
			break
		}
		t := heap.Pop(&l.timers).(*timer)
		delete(l.timerIndex, t.id)
		l.safeExecute(t.fn)
	}
}

// PendingTimers returns the number of scheduled timers. Only meaningful on
// the loop goroutine.
func (l *Loop) PendingTimers() int {
	return len(l.timers)
}
