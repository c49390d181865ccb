// Package native defines the contract between the bridge and a native,
// thread-affine event source, such as a platform window system.
//
// The bridge never reimplements the native side. It depends only on
// [Source], and on the three-way [Outcome] of polling it.
//
// All methods of a Source must be called from the single thread that the
// native platform designates (e.g. the UI thread), which for this module is
// the event loop goroutine.
package native

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// Outcome is the result of polling a native source once.
type Outcome int

const (
	// NoEvent indicates nothing was pending.
	NoEvent Outcome = iota
	// EventConsumed indicates one pending native event was consumed.
	EventConsumed
	// FatalError indicates the native context is unusable, and must not be
	// polled again.
	FatalError
)

// String returns a human-readable representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case NoEvent:
		return "NoEvent"
	case EventConsumed:
		return "EventConsumed"
	case FatalError:
		return "FatalError"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

var (
	// ErrLoad indicates the native artifact could not be loaded.
	ErrLoad = errors.New("native: load failed")

	// ErrIncompatible indicates the native artifact was found, but does not
	// implement the expected interface.
	ErrIncompatible = errors.New("native: incompatible artifact")

	// ErrCreateContext indicates the native context could not be created,
	// e.g. because there is no display.
	ErrCreateContext = errors.New("native: create context failed")

	// ErrPollFailed is the cause attached to a FatalError outcome reported
	// without one.
	ErrPollFailed = errors.New("native: poll failed")

	// ErrUnknownOutcome is the cause of a FatalError derived from an outcome
	// value outside the known set.
	ErrUnknownOutcome = errors.New("native: unknown poll outcome")
)

// Source is a native event source.
type Source interface {
	// CreateContext initializes the native side. It is called exactly once,
	// before the first PollOnce.
	CreateContext(ctx context.Context) (*Context, error)

	// PollOnce checks for, and consumes, at most one pending native event.
	// It must return promptly, even if no event is pending. A non-nil error
	// is only valid alongside FatalError.
	PollOnce(ctx context.Context, c *Context) (Outcome, error)
}

// Waker is optionally implemented by a Source that can be nudged, e.g. by
// posting an empty event to a run loop that would otherwise sleep. It obeys
// the same threading rules as Source.
type Waker interface {
	PostEmptyEvent(ctx context.Context, c *Context) error
}

// Normalize canonicalizes the result of PollOnce: any error implies
// FatalError, FatalError always carries an error, and unknown outcomes are
// fatal.
func Normalize(outcome Outcome, err error) (Outcome, error) {
	switch {
	case err != nil:
		return FatalError, err
	case outcome == NoEvent || outcome == EventConsumed:
		return outcome, nil
	case outcome == FatalError:
		return FatalError, ErrPollFailed
	default:
		return FatalError, fmt.Errorf("%w: %d", ErrUnknownOutcome, int(outcome))
	}
}

// noCopy may be embedded into structs which must not be copied after first
// use, see go vet's copylocks check.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Context is an opaque handle to an initialized native context. It is owned
// by whoever created it, passed by pointer, and never copied.
type Context struct {
	_ noCopy

	handle uint64
	value  any
	id     uint64
}

var contextIDCounter atomic.Uint64

// NewContext is called by Source implementations, to wrap their native
// handle. The value is optional, for sources that need more than an integer.
func NewContext(handle uint64, value any) *Context {
	return &Context{
		handle: handle,
		value:  value,
		id:     contextIDCounter.Add(1),
	}
}

// Handle returns the native handle.
func (c *Context) Handle() uint64 {
	return c.handle
}

// Value returns the value passed to NewContext.
func (c *Context) Value() any {
	return c.value
}

// ID returns a process-unique identifier, for logging.
func (c *Context) ID() uint64 {
	return c.id
}
