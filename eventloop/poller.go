//go:build linux || darwin

package eventloop

import (
	"errors"
)

// The poller is implemented in platform-specific files:
//   - poller_linux.go (epoll)
//   - poller_darwin.go (kqueue)

// initialFDs is the initial size of the directly indexed fd table.
const initialFDs = 1024

// maxFDLimit is the maximum FD value supported.
const maxFDLimit = 100000000

// IOEvents represents the type of I/O events to monitor.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

// String renders the set bits, e.g. "read|write".
func (e IOEvents) String() string {
	if e == 0 {
		return "none"
	}
	var s string
	for _, v := range [...]struct {
		bit  IOEvents
		name string
	}{
		{EventRead, "read"},
		{EventWrite, "write"},
		{EventError, "error"},
		{EventHangup, "hangup"},
	} {
		if e&v.bit == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += v.name
	}
	return s
}

// Poller errors.
var (
	ErrFDOutOfRange        = errors.New("eventloop: fd out of range (max 100000000)")
	ErrFDAlreadyRegistered = errors.New("eventloop: fd already registered")
	ErrFDNotRegistered     = errors.New("eventloop: fd not registered")
	ErrPollerClosed        = errors.New("eventloop: poller closed")
)

// IOCallback is the callback type for I/O events. It is always invoked on
// the loop goroutine.
type IOCallback func(IOEvents)

// fdInfo stores per-FD callback information.
type fdInfo struct {
	callback IOCallback
	events   IOEvents
	active   bool
}

// growFDs returns fds grown to fit fd. Caller holds the table lock.
func growFDs(fds []fdInfo, fd int) []fdInfo {
	if fd < len(fds) {
		return fds
	}
	size := fd*2 + 1
	if size > maxFDLimit {
		size = maxFDLimit + 1
	}
	grown := make([]fdInfo, size)
	copy(grown, fds)
	return grown
}

// RegisterFD registers a file descriptor for I/O monitoring. The callback
// runs on the loop goroutine. Safe to call from any goroutine.
//
// Always call UnregisterFD before closing a file descriptor, to avoid stale
// event delivery due to FD recycling.
func (l *Loop) RegisterFD(fd int, events IOEvents, callback IOCallback) error {
	return l.poller.RegisterFD(fd, events, callback)
}

// UnregisterFD removes a file descriptor from monitoring.
func (l *Loop) UnregisterFD(fd int) error {
	return l.poller.UnregisterFD(fd)
}

// ModifyFD updates the events being monitored for a file descriptor.
func (l *Loop) ModifyFD(fd int, events IOEvents) error {
	return l.poller.ModifyFD(fd, events)
}
