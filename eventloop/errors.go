package eventloop

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrLoopAlreadyRunning is returned when Run() is called on a loop that is already running.
	ErrLoopAlreadyRunning = errors.New("eventloop: loop is already running")

	// ErrLoopTerminated is returned when operations are attempted on a terminated loop.
	ErrLoopTerminated = errors.New("eventloop: loop has been terminated")

	// ErrReentrantRun is returned when Run() is called from within the loop itself.
	ErrReentrantRun = errors.New("eventloop: cannot call Run() from within the loop")

	// ErrReentrantShutdown is returned when Shutdown() is called from within
	// the loop, where it would wait on itself. Use Close instead.
	ErrReentrantShutdown = errors.New("eventloop: cannot call Shutdown() from within the loop")

	// ErrTimerNotFound is returned by CancelTimer for unknown or already fired timers.
	ErrTimerNotFound = errors.New("eventloop: timer not found")

	// ErrNilTask is returned when a nil function is submitted.
	ErrNilTask = errors.New("eventloop: nil task")

	// ErrInvalidOption is returned (wrapped) by New for rejected options.
	ErrInvalidOption = errors.New("eventloop: invalid option")
)

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("eventloop: task panicked: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type,
// for use with [errors.Is] and [errors.As].
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
