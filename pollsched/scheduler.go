//go:build linux || darwin

// Package pollsched polls a native event source on a fixed interval, from
// the event loop goroutine.
//
// The interval is measured from when each poll returns, never from when it
// started, so polls are strictly serial even if one overruns. A FatalError
// outcome stops polling for good.
package pollsched

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-winloop/eventloop"
	"github.com/joeycumines/go-winloop/native"
)

// DefaultInterval is the delay between polls, if none is specified.
const DefaultInterval = 100 * time.Millisecond

var (
	// ErrNilContext is returned by Start, given no native context.
	ErrNilContext = errors.New("pollsched: nil native context")

	// ErrAlreadyStarted is returned by Start, if called more than once, or
	// after Stop.
	ErrAlreadyStarted = errors.New("pollsched: already started")

	// ErrInvalidArgument is returned by New.
	ErrInvalidArgument = errors.New("pollsched: invalid argument")
)

// Host is the subset of [eventloop.Loop] used by the scheduler.
type Host interface {
	ScheduleTimer(delay time.Duration, fn func()) (eventloop.TimerID, error)
	CancelTimer(id eventloop.TimerID) error
	IsLoopThread() bool
}

var _ Host = (*eventloop.Loop)(nil)

// State is the lifecycle state of a Scheduler.
type State int

const (
	// StateIdle is prior to Start.
	StateIdle State = iota
	// StateArmed indicates a poll is scheduled, or in progress.
	StateArmed
	// StateStopped is terminal.
	StateStopped
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateArmed:
		return "Armed"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Stats is a point-in-time snapshot, see Scheduler.Stats.
type Stats struct {
	// PollDuration samples how long each PollOnce took.
	PollDuration eventloop.LatencySnapshot
	// Gap samples the time from the end of one poll to the start of the next.
	Gap eventloop.LatencySnapshot

	Ticks          uint64
	NoEvents       uint64
	EventsConsumed uint64
	// Overlaps counts ticks that found another poll in progress.
	Overlaps    uint64
	LastOutcome native.Outcome
}

// Scheduler drives repeated PollOnce calls. It must be constructed with New.
type Scheduler struct {
	host    Host
	source  native.Source
	logger  *logiface.Logger[logiface.Event]
	handler func(err error)
	done    chan struct{}

	pollDuration eventloop.LatencyMetrics
	gap          eventloop.LatencyMetrics

	mu       sync.Mutex
	ctx      context.Context
	context  *native.Context
	stopCtx  func() bool
	err      error
	lastEnd  time.Time
	interval time.Duration
	timer    eventloop.TimerID
	state    State
	polling  bool
	stats    Stats
}

// New initializes a Scheduler, which polls src via timers on host.
func New(host Host, src native.Source, opts ...Option) (*Scheduler, error) {
	if host == nil {
		return nil, errors.Join(ErrInvalidArgument, errors.New("pollsched: nil host"))
	}
	if src == nil {
		return nil, errors.Join(ErrInvalidArgument, errors.New("pollsched: nil source"))
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		host:    host,
		source:  src,
		logger:  cfg.logger,
		handler: cfg.fatalHandler,
		done:    make(chan struct{}),
	}, nil
}

// Start arms the scheduler: the first poll runs once interval has elapsed.
// A non-positive interval selects DefaultInterval. Cancelling ctx stops the
// scheduler, as Stop does. It is safe to call from any goroutine, though it
// is typically called from a loop task.
func (x *Scheduler) Start(ctx context.Context, c *native.Context, interval time.Duration) error {
	if c == nil {
		return ErrNilContext
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.state != StateIdle {
		return ErrAlreadyStarted
	}

	x.ctx = ctx
	x.context = c
	x.interval = interval

	if err := x.armLocked(); err != nil {
		x.stopLocked(err)
		return err
	}

	x.stopCtx = context.AfterFunc(ctx, x.Stop)

	x.logger.Info().
		Str("component", "pollsched").
		Uint64("context", c.ID()).
		Dur("interval", interval).
		Log("poll scheduler started")

	return nil
}

// Stop moves the scheduler to StateStopped, cancelling any pending poll. A
// poll already in progress completes, but is not re-armed. Stop is
// idempotent, and is not a failure: Err remains nil.
func (x *Scheduler) Stop() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.state == StateStopped {
		return
	}
	x.stopLocked(nil)
	x.logger.Info().
		Str("component", "pollsched").
		Log("poll scheduler stopped")
}

// Done is closed once the scheduler has stopped.
func (x *Scheduler) Done() <-chan struct{} {
	return x.done
}

// Err returns the cause of the FatalError that stopped the scheduler, if
// any.
func (x *Scheduler) Err() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.err
}

// State returns the current state.
func (x *Scheduler) State() State {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

// Interval returns the interval passed to Start, or zero.
func (x *Scheduler) Interval() time.Duration {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.interval
}

// Stats returns a snapshot of the counters. Safe to call from any
// goroutine.
func (x *Scheduler) Stats() Stats {
	x.mu.Lock()
	stats := x.stats
	x.mu.Unlock()
	stats.PollDuration = x.pollDuration.Snapshot()
	stats.Gap = x.gap.Snapshot()
	return stats
}

func (x *Scheduler) armLocked() error {
	id, err := x.host.ScheduleTimer(x.interval, x.tick)
	if err != nil {
		return err
	}
	x.timer = id
	x.state = StateArmed
	return nil
}

func (x *Scheduler) stopLocked(err error) {
	if x.state == StateStopped {
		return
	}
	x.state = StateStopped
	x.err = err
	if x.timer != 0 {
		// the loop may have exited already, nothing left to cancel then
		_ = x.host.CancelTimer(x.timer)
		x.timer = 0
	}
	if x.stopCtx != nil {
		x.stopCtx()
	}
	close(x.done)
}

// tick runs on the loop goroutine.
func (x *Scheduler) tick() {
	x.mu.Lock()
	x.timer = 0
	if x.state != StateArmed {
		x.mu.Unlock()
		return
	}
	if x.polling {
		x.stats.Overlaps++
		x.mu.Unlock()
		x.logger.Err().
			Str("component", "pollsched").
			Log("poll tick overlapped a poll in progress")
		return
	}
	if err := x.ctx.Err(); err != nil {
		x.stopLocked(nil)
		x.mu.Unlock()
		return
	}
	x.polling = true
	x.stats.Ticks++
	ctx, c, lastEnd := x.ctx, x.context, x.lastEnd
	x.mu.Unlock()

	start := time.Now()
	if !lastEnd.IsZero() {
		x.gap.Record(start.Sub(lastEnd))
	}

	outcome, err := native.Normalize(x.source.PollOnce(ctx, c))

	end := time.Now()
	x.pollDuration.Record(end.Sub(start))

	x.logger.Trace().
		Str("component", "pollsched").
		Str("outcome", outcome.String()).
		Dur("took", end.Sub(start)).
		Log("poll")

	x.mu.Lock()
	x.polling = false
	x.lastEnd = end
	x.stats.LastOutcome = outcome

	var fatal error
	switch outcome {
	case native.NoEvent:
		x.stats.NoEvents++
	case native.EventConsumed:
		x.stats.EventsConsumed++
	default:
		if x.state != StateStopped {
			x.stopLocked(err)
			fatal = err
		}
	}

	if fatal == nil && x.state == StateArmed {
		if err := x.armLocked(); err != nil {
			x.stopLocked(nil)
			x.logger.Warning().
				Str("component", "pollsched").
				Err(err).
				Log("poll scheduler could not re-arm, stopping")
		}
	}
	x.mu.Unlock()

	if fatal != nil {
		x.logger.Err().
			Str("component", "pollsched").
			Uint64("context", c.ID()).
			Err(fatal).
			Log("native poll failed, polling stopped")
		if x.handler != nil {
			x.handler(fatal)
		}
	}
}
