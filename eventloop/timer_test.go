//go:build linux || darwin

package eventloop

import (
	"errors"
	"testing"
	"time"
)

func TestScheduleTimer_Order(t *testing.T) {
	loop := startLoop(t)

	var order []int
	done := make(chan struct{})
	for _, ms := range [...]int{30, 10, 20} {
		if _, err := loop.ScheduleTimer(time.Duration(ms)*time.Millisecond, func() {
			order = append(order, ms)
			if len(order) == 3 {
				close(done)
			}
		}); err != nil {
			t.Fatalf("ScheduleTimer() failed: %v", err)
		}
	}
	await(t, done)

	if order[0] != 10 || order[1] != 20 || order[2] != 30 {
		t.Errorf("unexpected order: %v", order)
	}
}

func TestScheduleTimer_SameDeadlineFIFO(t *testing.T) {
	loop := startLoop(t)

	var order []int
	done := make(chan struct{})
	_ = loop.Submit(func() {
		for i := 0; i < 10; i++ {
			_, _ = loop.ScheduleTimer(0, func() {
				order = append(order, i)
				if i == 9 {
					close(done)
				}
			})
		}
	})
	await(t, done)

	for i, v := range order {
		if v != i {
			t.Fatalf("unexpected order: %v", order)
		}
	}
}

func TestScheduleTimer_NotEarly(t *testing.T) {
	loop := startLoop(t)

	const delay = 50 * time.Millisecond
	start := time.Now()
	var elapsed time.Duration
	done := make(chan struct{})
	if _, err := loop.ScheduleTimer(delay, func() {
		elapsed = time.Since(start)
		close(done)
	}); err != nil {
		t.Fatal(err)
	}
	await(t, done)

	if elapsed < delay {
		t.Errorf("timer fired after %s, before its %s delay", elapsed, delay)
	}
}

func TestCancelTimer(t *testing.T) {
	loop := startLoop(t)

	fired := make(chan struct{}, 1)
	id, err := loop.ScheduleTimer(20*time.Millisecond, func() { fired <- struct{}{} })
	if err != nil {
		t.Fatal(err)
	}
	if err := loop.CancelTimer(id); err != nil {
		t.Fatalf("CancelTimer() failed: %v", err)
	}

	var first, second error
	var pending int
	done := make(chan struct{})
	_ = loop.Submit(func() {
		id, _ := loop.ScheduleTimer(time.Hour, func() {})
		pending = loop.PendingTimers()
		first = loop.CancelTimer(id)
		second = loop.CancelTimer(id)
		close(done)
	})
	await(t, done)

	if pending != 1 {
		t.Errorf("pending timers = %d, want 1", pending)
	}
	if first != nil {
		t.Errorf("first CancelTimer() = %v", first)
	}
	if !errors.Is(second, ErrTimerNotFound) {
		t.Errorf("second CancelTimer() = %v", second)
	}

	select {
	case <-fired:
		t.Error("cancelled timer fired")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestScheduleTimer_Errors(t *testing.T) {
	loop, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := loop.ScheduleTimer(time.Second, nil); !errors.Is(err, ErrNilTask) {
		t.Errorf("ScheduleTimer(nil) = %v", err)
	}
	closeUnstarted(t, loop)
	if _, err := loop.ScheduleTimer(time.Second, func() {}); !errors.Is(err, ErrLoopTerminated) {
		t.Errorf("ScheduleTimer() after close = %v", err)
	}
}

func TestCalculateTimeout(t *testing.T) {
	loop, err := New(WithMaxPollTimeout(250 * time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer closeUnstarted(t, loop)

	if ms := loop.calculateTimeout(); ms != 250 {
		t.Errorf("no timers: %dms", ms)
	}

	loop.addTimer(&timer{when: time.Now().Add(10*time.Millisecond + 500*time.Microsecond), id: 1, index: -1})
	if ms := loop.calculateTimeout(); ms < 10 || ms > 11 {
		t.Errorf("fractional timer: %dms", ms)
	}

	_ = loop.removeTimer(1)
	loop.addTimer(&timer{when: time.Now().Add(-time.Second), id: 2, index: -1})
	if ms := loop.calculateTimeout(); ms != 0 {
		t.Errorf("expired timer: %dms", ms)
	}
}
