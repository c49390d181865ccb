//go:build linux || darwin

package eventloop

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// Loop is a single-goroutine cooperative scheduler. Every task, timer and
// I/O callback runs on the goroutine that called Run, which is locked to its
// OS thread for the duration.
type Loop struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	logger  *logiface.Logger[logiface.Event]
	metrics *Metrics

	// State machine (cache-line padded internally)
	state *fastState

	external ingressQueue
	internal ingressQueue

	// Timers, loop goroutine only
	timers     timerHeap
	timerIndex map[TimerID]*timer
	timerSeq   uint64

	nextTimerID atomic.Uint64

	poller fastPoller

	// Wake-up mechanism
	wakePipe      int
	wakePipeWrite int
	wakeBuf       [8]byte
	wakePending   atomic.Uint32

	loopGoroutineID atomic.Uint64

	// In-flight submit counter for shutdown synchronization
	inflight atomic.Int64

	stopOnce sync.Once
	loopDone chan struct{}

	// guards the start of Run against Shutdown releasing an unstarted loop
	startMu sync.Mutex
	started bool

	tickCount atomic.Uint64

	maxPollTimeout time.Duration

	// Task batch buffer (avoid allocation)
	batchBuf [256]func()

	id uint64
}

var loopIDCounter atomic.Uint64

// New creates a new event loop.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	wakeFd, wakeWriteFd, err := createWakeFd()
	if err != nil {
		return nil, err
	}
	closeWake := func() {
		_ = unix.Close(wakeFd)
		if wakeWriteFd != wakeFd {
			_ = unix.Close(wakeWriteFd)
		}
	}

	loop := &Loop{
		id:             loopIDCounter.Add(1),
		logger:         cfg.logger,
		state:          newFastState(),
		timerIndex:     make(map[TimerID]*timer),
		maxPollTimeout: cfg.maxPollTimeout,
		wakePipe:       wakeFd,
		wakePipeWrite:  wakeWriteFd,
		loopDone:       make(chan struct{}),
	}
	if cfg.metricsEnabled {
		loop.metrics = &Metrics{}
	}

	if err := loop.poller.Init(); err != nil {
		closeWake()
		return nil, err
	}

	if err := loop.poller.RegisterFD(wakeFd, EventRead, func(IOEvents) {
		loop.drainWakeUpPipe()
	}); err != nil {
		_ = loop.poller.Close()
		closeWake()
		return nil, err
	}

	return loop, nil
}

// ID returns a process-unique identifier for the loop, used in logs.
func (l *Loop) ID() uint64 {
	return l.id
}

// Run runs the event loop and blocks until it stops.
//
// Run returns nil after Shutdown or Close, and ctx.Err() if ctx is
// cancelled. To run in a separate goroutine, use: `go loop.Run(ctx)`.
//
// If termination was requested before Run started, Run still runs every
// task queued so far, then releases the loop and returns nil.
func (l *Loop) Run(ctx context.Context) error {
	if l.isLoopThread() {
		return ErrReentrantRun
	}

	l.startMu.Lock()
	if l.state.Load() == StateTerminated {
		l.startMu.Unlock()
		return ErrLoopTerminated
	}
	if l.started {
		l.startMu.Unlock()
		return ErrLoopAlreadyRunning
	}
	l.started = true
	// fails if Shutdown or Close got here first, run then drains and exits
	l.state.TryTransition(StateAwake, StateRunning)
	l.startMu.Unlock()

	defer close(l.loopDone)

	return l.run(ctx)
}

// Done returns a channel that is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.loopDone
}

// Shutdown stops the loop, waiting for Run to return or ctx to expire.
// Tasks already queued are run before the loop terminates; pending timers
// are discarded. It must not be called from the loop goroutine.
//
// If Run has not started by the time ctx expires, Shutdown releases the
// loop itself, discarding any queued tasks, and a later Run returns
// ErrLoopTerminated.
func (l *Loop) Shutdown(ctx context.Context) error {
	if l.isLoopThread() {
		return ErrReentrantShutdown
	}
	var result error
	l.stopOnce.Do(func() {
		result = l.shutdownImpl(ctx)
	})
	if result == nil && l.state.Load() != StateTerminated {
		return ErrLoopTerminated
	}
	return result
}

func (l *Loop) shutdownImpl(ctx context.Context) error {
	if !l.requestTermination() {
		return ErrLoopTerminated
	}

	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		l.releaseUnstarted()
		return ctx.Err()
	}
}

// Close requests termination without waiting. Safe to call from the loop
// goroutine, e.g. from a task that hit an unrecoverable error.
//
// Close does not release a loop that was never run: a subsequent Run runs
// the queued tasks, releases it, and returns nil.
func (l *Loop) Close() error {
	if !l.requestTermination() {
		return ErrLoopTerminated
	}
	return nil
}

// requestTermination moves the loop to StateTerminating, returning false if
// it was already terminating or terminated.
func (l *Loop) requestTermination() bool {
	for {
		current := l.state.Load()
		if current == StateTerminated || current == StateTerminating {
			return false
		}
		if !l.state.TryTransition(current, StateTerminating) {
			continue
		}
		if current == StateSleeping {
			_ = l.submitWakeup()
		}
		return true
	}
}

// releaseUnstarted terminates a loop that Run never picked up.
func (l *Loop) releaseUnstarted() {
	l.startMu.Lock()
	defer l.startMu.Unlock()
	if l.started || l.state.Load() == StateTerminated {
		return
	}
	l.state.Store(StateTerminated)
	if n := l.external.Length() + l.internal.Length(); n > 0 {
		l.logger.Warning().
			Uint64("loop", l.id).
			Int("tasks", n).
			Log("loop never ran, discarding queued tasks")
	}
	l.closeFDs()
	close(l.loopDone)
}

// run is the main loop goroutine.
func (l *Loop) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.loopGoroutineID.Store(getGoroutineID())
	defer l.loopGoroutineID.Store(0)

	l.logger.Debug().
		Uint64("loop", l.id).
		Log("event loop running")

	// wake the loop on external cancellation
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = l.submitWakeup()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	for {
		select {
		case <-ctx.Done():
			l.requestTermination()
			l.shutdown()
			return ctx.Err()
		default:
		}

		if state := l.state.Load(); state == StateTerminating || state == StateTerminated {
			l.shutdown()
			return nil
		}

		l.tick()
	}
}

// shutdown runs on the loop goroutine, after termination was requested.
func (l *Loop) shutdown() {
	// reject new work first, then wait out racing submitters
	l.state.Store(StateTerminated)

	for spin := 0; l.inflight.Load() > 0; spin++ {
		if spin > 1000 {
			time.Sleep(100 * time.Microsecond)
		} else {
			runtime.Gosched()
		}
	}

	for l.processQueue(&l.internal) || l.processQueue(&l.external) {
	}

	if n := len(l.timers); n > 0 {
		l.logger.Debug().
			Uint64("loop", l.id).
			Int("timers", n).
			Log("discarding pending timers")
	}
	l.timers = nil
	l.timerIndex = make(map[TimerID]*timer)

	l.closeFDs()

	l.logger.Debug().
		Uint64("loop", l.id).
		Uint64("ticks", l.tickCount.Load()).
		Log("event loop terminated")
}

// tick is a single iteration of the event loop.
func (l *Loop) tick() {
	l.tickCount.Add(1)
	if l.metrics != nil {
		l.metrics.ticks.Add(1)
	}

	l.runTimers()
	l.processQueue(&l.internal)
	l.processQueue(&l.external)
	l.poll()
}

// processQueue runs one batch of tasks from q, reporting whether any ran.
func (l *Loop) processQueue(q *ingressQueue) bool {
	n := q.PopBatch(l.batchBuf[:])
	for i := 0; i < n; i++ {
		l.safeExecute(l.batchBuf[i])
		l.batchBuf[i] = nil
	}
	return n > 0
}

// poll blocks for I/O until the next timer is due, or work arrives.
func (l *Loop) poll() {
	if !l.state.TryTransition(StateRunning, StateSleeping) {
		return
	}

	timeout := l.calculateTimeout()
	// a submitter that pushed before the CAS above will not wake us
	if l.external.Length() > 0 || l.internal.Length() > 0 {
		timeout = 0
	}

	if _, err := l.poller.PollIO(timeout); err != nil {
		l.logger.Crit().
			Uint64("loop", l.id).
			Str("category", "poll").
			Err(err).
			Log("poll failed, terminating loop")
		l.state.TryTransition(StateSleeping, StateTerminating)
		return
	}

	l.state.TryTransition(StateSleeping, StateRunning)
}

// calculateTimeout determines how long to block in poll, in milliseconds.
func (l *Loop) calculateTimeout() int {
	maxDelay := l.maxPollTimeout

	if len(l.timers) > 0 {
		delay := time.Until(l.timers[0].when)
		if delay < 0 {
			delay = 0
		}
		if delay < maxDelay {
			maxDelay = delay
		}
	}

	// round up, so a timer due in under 1ms doesn't spin
	if maxDelay > 0 && maxDelay < time.Millisecond {
		return 1
	}
	ms := maxDelay.Milliseconds()
	if maxDelay > time.Duration(ms)*time.Millisecond {
		ms++
	}
	return int(ms)
}

// drainWakeUpPipe drains the wake-up fd.
func (l *Loop) drainWakeUpPipe() {
	for {
		if _, err := unix.Read(l.wakePipe, l.wakeBuf[:]); err != nil {
			break
		}
	}
	l.wakePending.Store(0)
}

// submitWakeup writes to the wake-up fd. It is allowed while terminating,
// so the loop can wake and drain.
func (l *Loop) submitWakeup() error {
	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	_, err := unix.Write(l.wakePipeWrite, buf)
	return err
}

// wakeIfSleeping wakes the loop if it is blocked in poll, deduplicating
// concurrent wake-ups.
func (l *Loop) wakeIfSleeping() {
	if l.state.Load() != StateSleeping {
		return
	}
	if l.wakePending.CompareAndSwap(0, 1) {
		if err := l.submitWakeup(); err != nil {
			// expected during shutdown (EBADF, EPIPE), the task is queued regardless
			l.wakePending.Store(0)
		}
	}
}

// Submit queues a task to run on the loop goroutine. Safe to call from any
// goroutine. Submissions are accepted until the loop is fully terminated.
func (l *Loop) Submit(task func()) error {
	return l.submit(&l.external, task)
}

// SubmitInternal queues a priority task, run before tasks queued by Submit
// within the same tick.
func (l *Loop) SubmitInternal(task func()) error {
	return l.submit(&l.internal, task)
}

func (l *Loop) submit(q *ingressQueue, task func()) error {
	if task == nil {
		return ErrNilTask
	}

	// increment FIRST, see shutdown
	l.inflight.Add(1)
	defer l.inflight.Add(-1)

	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}

	q.Push(task)
	l.wakeIfSleeping()
	return nil
}

// State returns the current loop state.
func (l *Loop) State() LoopState {
	return l.state.Load()
}

// Metrics returns the live metrics, or nil if not enabled via WithMetrics.
func (l *Loop) Metrics() *Metrics {
	return l.metrics
}

// IsLoopThread reports whether the caller is running on the loop goroutine.
func (l *Loop) IsLoopThread() bool {
	return l.isLoopThread()
}

// safeExecute runs a task with panic recovery.
func (l *Loop) safeExecute(fn func()) {
	if fn == nil {
		return
	}

	var start time.Time
	if l.metrics != nil {
		start = time.Now()
	}

	defer func() {
		if r := recover(); r != nil {
			if l.metrics != nil {
				l.metrics.panics.Add(1)
			}
			l.logger.Err().
				Uint64("loop", l.id).
				Str("category", "task").
				Err(PanicError{Value: r}).
				Log("task panicked")
		}
		if l.metrics != nil {
			l.metrics.tasks.Add(1)
			l.metrics.Latency.Record(time.Since(start))
		}
	}()

	fn()
}

// closeFDs closes the poller and the wake-up fds.
func (l *Loop) closeFDs() {
	_ = l.poller.Close()
	_ = unix.Close(l.wakePipe)
	if l.wakePipeWrite != l.wakePipe {
		_ = unix.Close(l.wakePipeWrite)
	}
}

// isLoopThread checks if we're on the loop goroutine.
func (l *Loop) isLoopThread() bool {
	loopID := l.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return getGoroutineID() == loopID
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
