// Package wakechan implements a TCP side channel, served from the event
// loop goroutine.
//
// Each accepted connection is sent a greeting ("hello\r\n" by default), then
// every byte it sends is echoed back, verbatim, with no framing. Its real
// purpose is to generate I/O activity, which keeps the loop (and therefore
// the native poll timers) turning, and to give external processes a way to
// nudge the process.
//
// Sockets are non-blocking, and registered directly with the loop's poller,
// so there are no per-connection goroutines. A Channel must only be used
// from the loop goroutine, except where documented otherwise.
package wakechan
