//go:build linux || darwin

package pollsched

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-winloop/eventloop"
	"github.com/joeycumines/go-winloop/native"
	"github.com/joeycumines/go-winloop/native/nativetest"
)

func runLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	loop, err := eventloop.New()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return loop
}

func newStarted(t *testing.T, loop *eventloop.Loop, src *nativetest.Source, interval time.Duration, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(loop, src, opts...)
	require.NoError(t, err)
	c, err := src.CreateContext(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background(), c, interval))
	t.Cleanup(s.Stop)
	return s
}

func TestNew_invalid(t *testing.T) {
	loop := runLoop(t)

	_, err := New(nil, nativetest.New())
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = New(loop, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestScheduler_Start_errors(t *testing.T) {
	loop := runLoop(t)
	src := nativetest.New()

	s, err := New(loop, src)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, s.State())

	assert.ErrorIs(t, s.Start(context.Background(), nil, time.Second), ErrNilContext)
	assert.Equal(t, StateIdle, s.State())

	c, err := src.CreateContext(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background(), c, time.Second))
	assert.Equal(t, StateArmed, s.State())

	assert.ErrorIs(t, s.Start(context.Background(), c, time.Second), ErrAlreadyStarted)

	s.Stop()
	assert.Equal(t, StateStopped, s.State())
	assert.ErrorIs(t, s.Start(context.Background(), c, time.Second), ErrAlreadyStarted)
	assert.NoError(t, s.Err())
}

func TestScheduler_Start_defaultInterval(t *testing.T) {
	loop := runLoop(t)
	s := newStarted(t, loop, nativetest.New(), 0)
	assert.Equal(t, DefaultInterval, s.Interval())
}

func TestScheduler_Start_loopTerminated(t *testing.T) {
	loop, err := eventloop.New()
	require.NoError(t, err)
	require.NoError(t, loop.Close())
	require.NoError(t, loop.Run(context.Background()))

	src := nativetest.New()
	s, err := New(loop, src)
	require.NoError(t, err)
	c, err := src.CreateContext(context.Background())
	require.NoError(t, err)

	assert.ErrorIs(t, s.Start(context.Background(), c, time.Millisecond), eventloop.ErrLoopTerminated)
	assert.Equal(t, StateStopped, s.State())
}

// polls never overlap, and always run on the loop goroutine
func TestScheduler_serialPolls(t *testing.T) {
	loop := runLoop(t)

	var offLoop atomic.Int32
	src := nativetest.New(
		nativetest.Step{Delay: 15 * time.Millisecond},
		nativetest.Step{Outcome: native.EventConsumed, Delay: 10 * time.Millisecond},
		nativetest.Step{Delay: 20 * time.Millisecond},
	)
	src.OnPoll = func(int) {
		if !loop.IsLoopThread() {
			offLoop.Add(1)
		}
	}

	s := newStarted(t, loop, src, 2*time.Millisecond)

	require.Eventually(t, func() bool { return src.PollCount() >= 12 }, 5*time.Second, time.Millisecond)
	s.Stop()

	assert.Zero(t, offLoop.Load())
	assert.Zero(t, src.Overlaps())
	assert.Zero(t, s.Stats().Overlaps)

	polls := src.Polls()
	for i := 1; i < len(polls); i++ {
		if polls[i].Seq <= polls[i-1].Seq {
			t.Errorf("poll %d: sequence %d after %d", i, polls[i].Seq, polls[i-1].Seq)
		}
		if polls[i].Start.Before(polls[i-1].End) {
			t.Errorf("poll %d started before poll %d ended", i, i-1)
		}
	}
}

// the next poll is scheduled from the end of the previous one, not its start
func TestScheduler_rearmAfterPollReturns(t *testing.T) {
	const interval = 20 * time.Millisecond

	loop := runLoop(t)
	src := nativetest.New(
		nativetest.Step{Delay: 3 * interval},
		nativetest.Step{Delay: 2 * interval},
		nativetest.Step{Delay: interval},
	)
	s := newStarted(t, loop, src, interval)

	require.Eventually(t, func() bool { return src.PollCount() >= 6 }, 5*time.Second, time.Millisecond)
	s.Stop()

	polls := src.Polls()
	for i := 1; i < len(polls); i++ {
		gap := polls[i].Start.Sub(polls[i-1].End)
		if gap < interval {
			t.Errorf("poll %d: gap %s is shorter than the interval", i, gap)
		}
		if gap > interval+250*time.Millisecond {
			t.Errorf("poll %d: gap %s is excessive", i, gap)
		}
	}

	stats := s.Stats()
	assert.GreaterOrEqual(t, stats.Ticks, uint64(6))
	assert.GreaterOrEqual(t, stats.Gap.Count, uint64(5))
	assert.GreaterOrEqual(t, stats.PollDuration.Max, 3*interval)
}

func TestScheduler_fatalStops(t *testing.T) {
	const interval = 2 * time.Millisecond

	loop := runLoop(t)
	cause := errors.New("display connection lost")
	src := nativetest.New(
		nativetest.Step{Outcome: native.NoEvent},
		nativetest.Step{Outcome: native.EventConsumed},
		nativetest.Step{Outcome: native.FatalError, Err: cause},
	)

	var (
		handled    atomic.Int32
		handledErr atomic.Value
	)
	s := newStarted(t, loop, src, interval, WithFatalHandler(func(err error) {
		handled.Add(1)
		handledErr.Store(err)
		if !loop.IsLoopThread() {
			t.Error("fatal handler called off the loop goroutine")
		}
	}))

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	time.Sleep(20 * interval)

	assert.Equal(t, 3, src.PollCount())
	assert.Equal(t, StateStopped, s.State())
	assert.ErrorIs(t, s.Err(), cause)
	assert.Equal(t, int32(1), handled.Load())
	assert.ErrorIs(t, handledErr.Load().(error), cause)

	stats := s.Stats()
	assert.Equal(t, uint64(3), stats.Ticks)
	assert.Equal(t, uint64(1), stats.NoEvents)
	assert.Equal(t, uint64(1), stats.EventsConsumed)
	assert.Equal(t, native.FatalError, stats.LastOutcome)
}

func TestScheduler_fatalWithoutCause(t *testing.T) {
	loop := runLoop(t)
	src := nativetest.New(nativetest.Step{Outcome: native.FatalError})
	s := newStarted(t, loop, src, time.Millisecond)

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.ErrorIs(t, s.Err(), native.ErrPollFailed)
}

func TestScheduler_unknownOutcome(t *testing.T) {
	loop := runLoop(t)
	src := nativetest.New(nativetest.Step{Outcome: native.Outcome(42)})
	s := newStarted(t, loop, src, time.Millisecond)

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.ErrorIs(t, s.Err(), native.ErrUnknownOutcome)
}

func TestScheduler_contextCancel(t *testing.T) {
	loop := runLoop(t)
	src := nativetest.New()

	s, err := New(loop, src)
	require.NoError(t, err)
	c, err := src.CreateContext(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx, c, time.Millisecond))

	require.Eventually(t, func() bool { return src.PollCount() >= 2 }, 5*time.Second, time.Millisecond)
	cancel()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.NoError(t, s.Err())

	n := src.PollCount()
	time.Sleep(20 * time.Millisecond)
	// at most one poll may have been in progress
	assert.LessOrEqual(t, src.PollCount(), n+1)
}

func TestScheduler_Stop_beforeFirstTick(t *testing.T) {
	loop := runLoop(t)
	src := nativetest.New()
	s := newStarted(t, loop, src, 30*time.Millisecond)

	s.Stop()
	s.Stop()

	time.Sleep(90 * time.Millisecond)
	assert.Zero(t, src.PollCount())
	assert.Equal(t, StateStopped, s.State())
}

func TestState_String(t *testing.T) {
	for state, want := range map[State]string{
		StateIdle:    "Idle",
		StateArmed:   "Armed",
		StateStopped: "Stopped",
		State(9):     "Unknown",
	} {
		assert.Equal(t, want, state.String())
	}
}
