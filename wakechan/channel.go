//go:build linux || darwin

package wakechan

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-winloop/eventloop"
)

const (
	readBufferSize     = 64 << 10
	maxReadsPerEvent   = 16
	maxAcceptsPerEvent = 64
)

var (
	// ErrListen wraps any failure to set up the listening socket.
	ErrListen = errors.New("wakechan: listen failed")

	// ErrClosed is returned by Listen after Close.
	ErrClosed = errors.New("wakechan: channel closed")

	// ErrAlreadyListening is returned by a second Listen call.
	ErrAlreadyListening = errors.New("wakechan: already listening")

	// ErrIdleTimeout is the reason logged for connections closed by the idle
	// timeout.
	ErrIdleTimeout = errors.New("wakechan: idle timeout")

	// ErrInvalidOption is returned by New.
	ErrInvalidOption = errors.New("wakechan: invalid option")
)

// Host is the subset of [eventloop.Loop] used by the channel.
type Host interface {
	RegisterFD(fd int, events eventloop.IOEvents, callback eventloop.IOCallback) error
	ModifyFD(fd int, events eventloop.IOEvents) error
	UnregisterFD(fd int) error
	ScheduleTimer(delay time.Duration, fn func()) (eventloop.TimerID, error)
	CancelTimer(id eventloop.TimerID) error
}

var _ Host = (*eventloop.Loop)(nil)

// Stats are cumulative counters, see Channel.Stats.
type Stats struct {
	Accepted uint64
	// Rejected counts connections closed by the accept rate limit.
	Rejected uint64
	Active   uint64
	BytesIn  uint64
	BytesOut uint64
}

// PeerStats aggregates activity per remote host.
type PeerStats struct {
	LastSeen    time.Time
	Host        string
	Connections uint64
	Rejected    uint64
	BytesIn     uint64
	BytesOut    uint64
}

// Channel is the wake channel server. It must be constructed with New.
type Channel struct {
	host     Host
	logger   *logiface.Logger[logiface.Event]
	rates    *catrate.Limiter
	activity func(n int)
	peers    *lru.Cache[string, PeerStats]
	conns    map[int]*conn
	addr     atomic.Pointer[net.TCPAddr]

	greeting    []byte
	buf         []byte
	bindAddress netip.Addr
	maxPending  int
	idleTimeout time.Duration
	listenFD    int
	closed      bool

	accepted atomic.Uint64
	rejected atomic.Uint64
	active   atomic.Int64
	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

type conn struct {
	// outbound chunks, after head
	pending *queue.Queue
	// partially written front chunk
	head         []byte
	lastActive   time.Time
	remote       netip.AddrPort
	peer         string
	fd           int
	pendingBytes int
	idleTimer    eventloop.TimerID
	events       eventloop.IOEvents
	eof          bool
	paused       bool
	closed       bool
}

// New initializes a Channel. It does not listen until Listen is called.
func New(host Host, opts ...Option) (*Channel, error) {
	if host == nil {
		return nil, fmt.Errorf("%w: nil host", ErrInvalidOption)
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	x := &Channel{
		host:        host,
		logger:      cfg.logger,
		rates:       cfg.rates,
		activity:    cfg.activity,
		conns:       make(map[int]*conn),
		greeting:    cfg.greeting,
		buf:         make([]byte, readBufferSize),
		bindAddress: cfg.bindAddress,
		maxPending:  cfg.maxPending,
		idleTimeout: cfg.idleTimeout,
		listenFD:    -1,
	}

	if cfg.peerCacheSize > 0 {
		if x.peers, err = lru.New[string, PeerStats](cfg.peerCacheSize); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidOption, err)
		}
	}

	return x, nil
}

// Listen binds and listens on port, at the configured bind address, and
// starts accepting connections on the loop. Port 0 selects an ephemeral
// port, see Addr. Any failure wraps ErrListen. Like Close, it must be called
// from the loop goroutine, unless the loop is not yet running.
func (x *Channel) Listen(port uint16) error {
	if x.closed {
		return fmt.Errorf("%w: %w", ErrListen, ErrClosed)
	}
	if x.listenFD >= 0 {
		return fmt.Errorf("%w: %w", ErrListen, ErrAlreadyListening)
	}

	domain, sa := sockaddr(netip.AddrPortFrom(x.bindAddress, port))

	fd, err := newSocket(domain)
	if err != nil {
		return fmt.Errorf("%w: socket: %w", ErrListen, err)
	}
	fail := func(op string, err error) error {
		_ = unix.Close(fd)
		return fmt.Errorf("%w: %s %s: %w", ErrListen, op, netip.AddrPortFrom(x.bindAddress, port), err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return fail("listen", err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		return fail("getsockname", err)
	}
	addr := net.TCPAddrFromAddrPort(addrPort(bound))

	if err := x.host.RegisterFD(fd, eventloop.EventRead, func(eventloop.IOEvents) {
		x.onAccept(fd)
	}); err != nil {
		return fail("register", err)
	}

	x.listenFD = fd
	x.addr.Store(addr)

	x.logger.Info().
		Str("component", "wakechan").
		Str("addr", addr.String()).
		Int("fd", fd).
		Log("wake channel listening")

	return nil
}

// Addr returns the bound address, or nil if not listening. Safe to call from
// any goroutine.
func (x *Channel) Addr() net.Addr {
	if addr := x.addr.Load(); addr != nil {
		return addr
	}
	return nil
}

// Stats returns a snapshot of the counters. Safe to call from any
// goroutine.
func (x *Channel) Stats() Stats {
	return Stats{
		Accepted: x.accepted.Load(),
		Rejected: x.rejected.Load(),
		Active:   uint64(max(x.active.Load(), 0)),
		BytesIn:  x.bytesIn.Load(),
		BytesOut: x.bytesOut.Load(),
	}
}

// Peers returns per host stats, least recently active first. Safe to call
// from any goroutine.
func (x *Channel) Peers() []PeerStats {
	if x.peers == nil {
		return nil
	}
	return x.peers.Values()
}

// Close stops listening, and closes every connection, discarding unsent
// output. It must be called from the loop goroutine, or after the loop has
// exited. Subsequent calls are no-ops.
func (x *Channel) Close() error {
	if x.closed {
		return nil
	}
	x.closed = true

	for _, c := range x.conns {
		x.closeConn(c, ErrClosed)
	}

	if x.listenFD < 0 {
		return nil
	}
	fd := x.listenFD
	x.listenFD = -1
	_ = x.host.UnregisterFD(fd)
	err := unix.Close(fd)

	x.logger.Info().
		Str("component", "wakechan").
		Uint64("accepted", x.accepted.Load()).
		Log("wake channel closed")

	return err
}

func (x *Channel) onAccept(listenFD int) {
	for range maxAcceptsPerEvent {
		if x.closed {
			return
		}
		fd, sa, err := accept(listenFD)
		switch {
		case err == nil:
			x.open(fd, addrPort(sa))
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
		case errors.Is(err, unix.EAGAIN):
			return
		default:
			x.logger.Warning().
				Str("component", "wakechan").
				Err(err).
				Log("accept failed")
			return
		}
	}
}

func (x *Channel) open(fd int, remote netip.AddrPort) {
	peer := remote.Addr().String()

	if x.rates != nil {
		if next, ok := x.rates.Allow(peer); !ok {
			_ = unix.Close(fd)
			x.updatePeer(peer, func(p *PeerStats) { p.Rejected++ })
			x.rejected.Add(1)
			x.logger.Warning().
				Str("component", "wakechan").
				Str("remote", remote.String()).
				Dur("retry_after", time.Until(next)).
				Log("connection rejected by accept rate limit")
			return
		}
	}

	c := &conn{
		pending:    queue.New(),
		lastActive: time.Now(),
		remote:     remote,
		peer:       peer,
		fd:         fd,
		events:     eventloop.EventRead,
	}

	if err := x.host.RegisterFD(fd, c.events, func(events eventloop.IOEvents) {
		x.handle(c, events)
	}); err != nil {
		_ = unix.Close(fd)
		x.logger.Warning().
			Str("component", "wakechan").
			Str("remote", remote.String()).
			Err(err).
			Log("connection could not be registered")
		return
	}

	x.conns[fd] = c
	x.accepted.Add(1)
	x.active.Add(1)
	x.updatePeer(peer, func(p *PeerStats) { p.Connections++ })

	x.logger.Debug().
		Str("component", "wakechan").
		Str("remote", remote.String()).
		Int("fd", fd).
		Log("connection accepted")

	if x.idleTimeout > 0 {
		x.armIdle(c, x.idleTimeout)
	}

	if len(x.greeting) != 0 && !x.send(c, x.greeting) {
		return
	}
	x.updateEvents(c)
}

// handle runs for every poller event on a connection.
func (x *Channel) handle(c *conn, events eventloop.IOEvents) {
	if c.closed {
		return
	}

	if events&eventloop.EventError != 0 {
		err := unix.ECONNRESET
		if v, e := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR); e == nil && v != 0 {
			err = unix.Errno(v)
		}
		x.closeConn(c, err)
		return
	}

	if events&(eventloop.EventRead|eventloop.EventHangup) != 0 && !c.eof && !c.paused {
		if !x.receive(c) {
			return
		}
	}

	if c.pendingBytes > 0 && !x.flush(c) {
		return
	}

	if c.paused && (x.maxPending <= 0 || c.pendingBytes < x.maxPending) {
		c.paused = false
	}

	if c.eof && c.pendingBytes == 0 {
		x.closeConn(c, nil)
		return
	}

	x.updateEvents(c)
}

// receive reads until the socket would block, the peer closes, or the
// outbound cap is reached. Returns false if the connection was closed.
func (x *Channel) receive(c *conn) bool {
	for range maxReadsPerEvent {
		n, err := unix.Read(c.fd, x.buf)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return true
		case err != nil:
			x.closeConn(c, err)
			return false
		case n == 0:
			c.eof = true
			x.logger.Trace().
				Str("component", "wakechan").
				Str("remote", c.remote.String()).
				Log("peer closed")
			return true
		}

		c.lastActive = time.Now()
		x.bytesIn.Add(uint64(n))
		x.updatePeer(c.peer, func(p *PeerStats) { p.BytesIn += uint64(n) })
		if x.activity != nil {
			x.activity(n)
		}

		if !x.send(c, x.buf[:n]) {
			return false
		}
		if x.maxPending > 0 && c.pendingBytes >= x.maxPending {
			c.paused = true
			x.logger.Debug().
				Str("component", "wakechan").
				Str("remote", c.remote.String()).
				Int("pending", c.pendingBytes).
				Log("peer not reading, pausing")
			return true
		}
	}
	return true
}

// send writes p, or queues whatever could not be written. p is not
// retained. Returns false if the connection was closed.
func (x *Channel) send(c *conn, p []byte) bool {
	if c.pendingBytes == 0 {
		n, err := x.write(c, p)
		if err != nil {
			x.closeConn(c, err)
			return false
		}
		p = p[n:]
	}
	if len(p) != 0 {
		c.pending.Add(append([]byte(nil), p...))
		c.pendingBytes += len(p)
	}
	return true
}

// flush writes queued output until it would block. Returns false if the
// connection was closed.
func (x *Channel) flush(c *conn) bool {
	for c.pendingBytes > 0 {
		if len(c.head) == 0 {
			c.head = c.pending.Remove().([]byte)
		}
		n, err := x.write(c, c.head)
		if err != nil {
			x.closeConn(c, err)
			return false
		}
		c.head = c.head[n:]
		c.pendingBytes -= n
		if len(c.head) != 0 {
			break
		}
	}
	return true
}

// write returns a zero count, and no error, if the socket would block.
func (x *Channel) write(c *conn, p []byte) (int, error) {
	for {
		n, err := send(c.fd, p)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, nil
		case err != nil:
			return 0, err
		}
		if n > 0 {
			c.lastActive = time.Now()
			x.bytesOut.Add(uint64(n))
			x.updatePeer(c.peer, func(p *PeerStats) { p.BytesOut += uint64(n) })
		}
		return n, nil
	}
}

// updateEvents syncs the poller interest with the connection state.
func (x *Channel) updateEvents(c *conn) {
	var events eventloop.IOEvents
	if !c.eof && !c.paused {
		events |= eventloop.EventRead
	}
	if c.pendingBytes > 0 {
		events |= eventloop.EventWrite
	}
	if events == c.events {
		return
	}
	if events == 0 {
		x.closeConn(c, nil)
		return
	}
	if err := x.host.ModifyFD(c.fd, events); err != nil {
		x.closeConn(c, err)
		return
	}
	c.events = events
}

func (x *Channel) closeConn(c *conn, reason error) {
	if c.closed {
		return
	}
	c.closed = true

	if c.idleTimer != 0 {
		_ = x.host.CancelTimer(c.idleTimer)
		c.idleTimer = 0
	}

	_ = x.host.UnregisterFD(c.fd)
	_ = unix.Close(c.fd)
	delete(x.conns, c.fd)
	x.active.Add(-1)

	b := x.logger.Debug().
		Str("component", "wakechan").
		Str("remote", c.remote.String()).
		Int("fd", c.fd).
		Int("discarded", c.pendingBytes)
	if reason != nil {
		b = b.Err(reason)
	}
	b.Log("connection closed")

	c.head = nil
	c.pending = nil
	c.pendingBytes = 0
}

func (x *Channel) armIdle(c *conn, d time.Duration) {
	id, err := x.host.ScheduleTimer(d, func() { x.checkIdle(c) })
	if err != nil {
		return
	}
	c.idleTimer = id
}

func (x *Channel) checkIdle(c *conn) {
	c.idleTimer = 0
	if c.closed {
		return
	}
	if idle := time.Since(c.lastActive); idle < x.idleTimeout {
		x.armIdle(c, x.idleTimeout-idle)
		return
	}
	x.closeConn(c, ErrIdleTimeout)
}

func (x *Channel) updatePeer(peer string, update func(p *PeerStats)) {
	if x.peers == nil {
		return
	}
	p, ok := x.peers.Get(peer)
	if !ok {
		p = PeerStats{Host: peer}
	}
	update(&p)
	p.LastSeen = time.Now()
	x.peers.Add(peer, p)
}

func sockaddr(ap netip.AddrPort) (int, unix.Sockaddr) {
	if ap.Addr().Is4() {
		return unix.AF_INET, &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().As4()}
	}
	return unix.AF_INET6, &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ap.Addr().As16()}
}

func addrPort(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}
