//go:build linux || darwin

// Package bridge wires a native event source into the event loop: native
// polls on a timer, plus the TCP wake channel, all on one OS thread.
//
// Startup is strictly ordered: load the native artifact, create the native
// context, listen on the wake channel, then start polling. Any of those
// failing is fatal, and returned by Run. Once running, a failed native poll
// only stops polling; the wake channel keeps serving.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-winloop/eventloop"
	"github.com/joeycumines/go-winloop/native"
	"github.com/joeycumines/go-winloop/pollsched"
	"github.com/joeycumines/go-winloop/wakechan"
)

var (
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("bridge: already running")

	// ErrInvalidArgument is returned by New.
	ErrInvalidArgument = errors.New("bridge: invalid argument")
)

// Bridge owns the event loop, and everything running on it. It must be
// constructed with New.
type Bridge struct {
	loader        native.Loader
	logger        *logiface.Logger[logiface.Event]
	onPollFailure func(err error)
	ready         chan struct{}
	scheduler     atomic.Pointer[pollsched.Scheduler]
	channel       atomic.Pointer[wakechan.Channel]
	loopOptions   []eventloop.LoopOption
	cfg           Config
	running       atomic.Bool

	// loop goroutine only
	source  native.Source
	context *native.Context
}

// New initializes a Bridge, which will load its native source from loader.
func New(loader native.Loader, cfg Config, opts ...Option) (*Bridge, error) {
	if loader == nil {
		return nil, fmt.Errorf("%w: nil loader", ErrInvalidArgument)
	}
	o, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Bridge{
		loader:        loader,
		logger:        o.logger,
		onPollFailure: o.onPollFailure,
		ready:         make(chan struct{}),
		loopOptions:   o.loopOptions,
		cfg:           cfg.withDefaults(),
	}, nil
}

// Run runs the event loop on the calling goroutine, which it locks to its OS
// thread, until ctx is cancelled or startup fails. Startup failures are
// returned as-is (wrapped). Otherwise, as with eventloop.Loop.Run, the
// result is ctx.Err() once cancelled.
func (x *Bridge) Run(ctx context.Context) error {
	if !x.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	loop, err := eventloop.New(append([]eventloop.LoopOption{
		eventloop.WithLogger(x.componentLogger("eventloop")),
	}, x.loopOptions...)...)
	if err != nil {
		return fmt.Errorf("bridge: event loop: %w", err)
	}

	var startErr error
	if err := loop.Submit(func() {
		if startErr = x.start(ctx, loop); startErr != nil {
			_ = loop.Close()
		}
	}); err != nil {
		_ = loop.Close()
		return fmt.Errorf("bridge: event loop: %w", err)
	}

	err = loop.Run(ctx)

	x.stop(ctx)

	if startErr != nil {
		x.logger.Crit().
			Err(startErr).
			Log("bridge startup failed")
		return startErr
	}

	x.logger.Info().
		Log("bridge stopped")

	return err
}

// start runs on the loop goroutine.
func (x *Bridge) start(ctx context.Context, loop *eventloop.Loop) error {
	// cancelled before the first tick, Run reports ctx.Err() via the loop
	if ctx.Err() != nil {
		return nil
	}

	src, err := x.loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("bridge: load native source: %w", err)
	}
	if src == nil {
		return fmt.Errorf("bridge: load native source: %w", native.ErrLoad)
	}
	x.source = src

	c, err := src.CreateContext(ctx)
	if err != nil {
		return fmt.Errorf("bridge: create native context: %w", err)
	}
	if c == nil {
		return fmt.Errorf("bridge: create native context: %w", native.ErrCreateContext)
	}
	x.context = c

	channelOptions := append(x.cfg.channelOptions(),
		wakechan.WithLogger(x.logger))
	if waker, ok := src.(native.Waker); ok {
		channelOptions = append(channelOptions, wakechan.WithActivityHook(x.wakeHook(ctx, waker)))
	}
	ch, err := wakechan.New(loop, channelOptions...)
	if err != nil {
		return fmt.Errorf("bridge: wake channel: %w", err)
	}
	x.channel.Store(ch)
	if err := ch.Listen(x.cfg.Port); err != nil {
		return fmt.Errorf("bridge: wake channel: %w", err)
	}

	sched, err := pollsched.New(loop, src,
		pollsched.WithLogger(x.logger),
		pollsched.WithFatalHandler(x.pollFailed))
	if err != nil {
		return fmt.Errorf("bridge: poll scheduler: %w", err)
	}
	x.scheduler.Store(sched)
	if err := sched.Start(ctx, c, x.cfg.Interval); err != nil {
		return fmt.Errorf("bridge: poll scheduler: %w", err)
	}

	close(x.ready)

	x.logger.Info().
		Str("addr", ch.Addr().String()).
		Dur("interval", x.cfg.Interval).
		Uint64("context", c.ID()).
		Log("bridge ready")

	return nil
}

// wakeHook nudges the native side whenever the wake channel sees input, so
// a native run loop blocked in its own wait notices the activity.
func (x *Bridge) wakeHook(ctx context.Context, waker native.Waker) func(n int) {
	return func(n int) {
		// the native context is unusable after a fatal poll
		if sched := x.scheduler.Load(); sched == nil || sched.State() == pollsched.StateStopped {
			return
		}
		x.logger.Trace().
			Int("bytes", n).
			Log("pending I/O, posting empty native event")
		if err := waker.PostEmptyEvent(ctx, x.context); err != nil {
			x.logger.Debug().
				Err(err).
				Log("post empty native event failed")
		}
	}
}

func (x *Bridge) pollFailed(err error) {
	x.logger.Warning().
		Err(err).
		Log("native polling stopped, wake channel still serving")
	if x.onPollFailure != nil {
		x.onPollFailure(err)
	}
}

// stop runs after the loop has exited.
func (x *Bridge) stop(ctx context.Context) {
	if sched := x.scheduler.Load(); sched != nil {
		sched.Stop()
	}

	if ch := x.channel.Load(); ch != nil {
		if err := ch.Close(); err != nil {
			x.logger.Warning().
				Err(err).
				Log("wake channel close failed")
		}
	}

	if x.source != nil {
		if err := closeSource(context.WithoutCancel(ctx), x.source); err != nil {
			x.logger.Warning().
				Err(err).
				Log("native source close failed")
		}
	}
}

func closeSource(ctx context.Context, src native.Source) error {
	switch src := src.(type) {
	case interface{ Close(context.Context) error }:
		return src.Close(ctx)
	case io.Closer:
		return src.Close()
	default:
		return nil
	}
}

func (x *Bridge) componentLogger(component string) *logiface.Logger[logiface.Event] {
	return x.logger.Clone().Str("component", component).Logger()
}

// Ready is closed once startup has succeeded.
func (x *Bridge) Ready() <-chan struct{} {
	return x.ready
}

// Addr returns the wake channel's address, or nil if not listening.
func (x *Bridge) Addr() net.Addr {
	if ch := x.channel.Load(); ch != nil {
		return ch.Addr()
	}
	return nil
}

// Scheduler returns the poll scheduler, or nil prior to startup.
func (x *Bridge) Scheduler() *pollsched.Scheduler {
	return x.scheduler.Load()
}

// Channel returns the wake channel, or nil prior to startup. Note that the
// Channel methods are generally restricted to the loop goroutine.
func (x *Bridge) Channel() *wakechan.Channel {
	return x.channel.Load()
}

// Config returns the effective configuration.
func (x *Bridge) Config() Config {
	return x.cfg
}
