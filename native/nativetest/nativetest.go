// Package nativetest provides a scripted, in-memory native.Source, which
// records every call, for use in tests.
package nativetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-winloop/native"
)

// Step is one scripted PollOnce result.
type Step struct {
	Outcome native.Outcome
	Err     error
	// Delay simulates time spent inside the native call.
	Delay time.Duration
}

// Poll records a single PollOnce call.
type Poll struct {
	Start   time.Time
	End     time.Time
	Err     error
	Seq     int
	Outcome native.Outcome
}

// Source is a scripted native.Source, and native.Waker. Steps are consumed
// in order; once exhausted, every poll returns Default.
type Source struct {
	// CreateErr, if set, is returned by CreateContext.
	CreateErr error
	// OnPoll, if set, is called at the start of every poll, with its
	// (1-based) sequence number.
	OnPoll func(seq int)
	// OnWake, if set, is called by PostEmptyEvent.
	OnWake func()

	mu       sync.Mutex
	steps    []Step
	polls    []Poll
	context  *native.Context
	creates  int
	wakes    int
	closed   bool
	inFlight atomic.Int32
	overlaps atomic.Int32

	// Default is returned once the script is exhausted.
	Default native.Outcome
}

var (
	_ native.Source = (*Source)(nil)
	_ native.Waker  = (*Source)(nil)
)

// New returns a Source that plays the given steps, then NoEvent forever.
func New(steps ...Step) *Source {
	return &Source{steps: steps}
}

// CreateContext implements native.Source.
func (x *Source) CreateContext(context.Context) (*native.Context, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.creates++
	if x.CreateErr != nil {
		return nil, x.CreateErr
	}
	x.context = native.NewContext(uint64(x.creates), x)
	return x.context, nil
}

// PollOnce implements native.Source.
func (x *Source) PollOnce(_ context.Context, c *native.Context) (native.Outcome, error) {
	if x.inFlight.Add(1) != 1 {
		x.overlaps.Add(1)
	}
	defer x.inFlight.Add(-1)

	x.mu.Lock()
	seq := len(x.polls) + 1
	step := Step{Outcome: x.Default}
	if len(x.steps) > 0 {
		step = x.steps[0]
		x.steps = x.steps[1:]
	}
	if c != x.context {
		step = Step{Outcome: native.FatalError, Err: ErrForeignContext}
	}
	onPoll := x.OnPoll
	x.mu.Unlock()

	start := time.Now()
	if onPoll != nil {
		onPoll(seq)
	}
	if step.Delay > 0 {
		time.Sleep(step.Delay)
	}
	end := time.Now()

	x.mu.Lock()
	x.polls = append(x.polls, Poll{
		Seq:     seq,
		Start:   start,
		End:     end,
		Outcome: step.Outcome,
		Err:     step.Err,
	})
	x.mu.Unlock()

	return step.Outcome, step.Err
}

// PostEmptyEvent implements native.Waker.
func (x *Source) PostEmptyEvent(context.Context, *native.Context) error {
	x.mu.Lock()
	x.wakes++
	onWake := x.OnWake
	x.mu.Unlock()
	if onWake != nil {
		onWake()
	}
	return nil
}

// Close marks the source closed.
func (x *Source) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.closed = true
	return nil
}

// Polls returns a copy of every recorded poll, in order.
func (x *Source) Polls() []Poll {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]Poll(nil), x.polls...)
}

// PollCount returns the number of completed polls.
func (x *Source) PollCount() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.polls)
}

// Overlaps returns the number of polls that started while another was in
// flight. Anything other than zero is a bug in the caller.
func (x *Source) Overlaps() int {
	return int(x.overlaps.Load())
}

// Creates returns the number of CreateContext calls.
func (x *Source) Creates() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.creates
}

// Wakes returns the number of PostEmptyEvent calls.
func (x *Source) Wakes() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.wakes
}

// Closed reports whether Close was called.
func (x *Source) Closed() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.closed
}

// ErrForeignContext is the error of a poll made with a context the Source
// did not create.
var ErrForeignContext = errors.New("nativetest: poll with a context this source did not create")
