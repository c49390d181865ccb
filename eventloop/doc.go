// Package eventloop implements a single-threaded cooperative scheduler, with
// timers, task queues, and I/O readiness notification.
//
// # Execution Model
//
// Run executes every task, timer callback and I/O callback on the calling
// goroutine, which is locked to its OS thread. Callers that must service a
// thread-affine resource (e.g. a windowing system) from one thread should
// call Run from that thread, and only touch the resource from callbacks.
//
// Each tick:
//  1. Expired timers, earliest deadline first
//  2. Internal queue tasks ([Loop.SubmitInternal])
//  3. External queue tasks ([Loop.Submit])
//  4. A blocking poll for I/O, until the next timer is due, or new work
//     arrives
//
// No callback may block for long: doing so delays every other callback.
//
// # Platform Support
//
// I/O polling is implemented using platform-native mechanisms:
//   - Linux: epoll, with an eventfd for wake-ups
//   - macOS: kqueue, with a self-pipe for wake-ups
//
// # Thread Safety
//
//   - [Loop.Submit], [Loop.SubmitInternal], [Loop.ScheduleTimer] and the fd
//     registration methods are safe to call from any goroutine
//   - [Loop.CancelTimer] is synchronous only on the loop goroutine
//   - [Loop.Shutdown] must not be called from the loop goroutine, use
//     [Loop.Close] there
//
// # Shutdown
//
// Shutdown and Close stop the loop once every queued task has run, even if
// they are called before Run has started. Pending timers are discarded.
//
// # Usage
//
//	loop, err := eventloop.New(eventloop.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	_, _ = loop.ScheduleTimer(100*time.Millisecond, func() {
//	    fmt.Println("Hello after 100ms")
//	    _ = loop.Close()
//	})
//
//	if err := loop.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
package eventloop
