//go:build linux || darwin

package wakechan

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

const (
	// DefaultGreeting is written to every connection, once accepted.
	DefaultGreeting = "hello\r\n"

	// DefaultBindAddress listens on all IPv4 interfaces.
	DefaultBindAddress = "0.0.0.0"

	// DefaultMaxPending is the per-connection outbound buffer, after which
	// reading from that connection pauses.
	DefaultMaxPending = 1 << 20

	// DefaultPeerCacheSize bounds the number of remote hosts tracked by
	// Channel.Peers.
	DefaultPeerCacheSize = 256
)

type channelOptions struct {
	logger        *logiface.Logger[logiface.Event]
	rates         *catrate.Limiter
	activity      func(n int)
	greeting      []byte
	bindAddress   netip.Addr
	maxPending    int
	idleTimeout   time.Duration
	peerCacheSize int
}

// Option configures a Channel.
type Option interface {
	applyChannel(*channelOptions) error
}

type channelOptionImpl struct {
	applyChannelFunc func(*channelOptions) error
}

func (x *channelOptionImpl) applyChannel(opts *channelOptions) error {
	return x.applyChannelFunc(opts)
}

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &channelOptionImpl{func(opts *channelOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithGreeting replaces DefaultGreeting. An empty greeting is not sent.
func WithGreeting(greeting string) Option {
	return &channelOptionImpl{func(opts *channelOptions) error {
		opts.greeting = []byte(greeting)
		return nil
	}}
}

// WithBindAddress sets the IPv4 or IPv6 address to listen on.
func WithBindAddress(address string) Option {
	return &channelOptionImpl{func(opts *channelOptions) error {
		addr, err := netip.ParseAddr(address)
		if err != nil {
			return fmt.Errorf("%w: bind address: %w", ErrInvalidOption, err)
		}
		opts.bindAddress = addr
		return nil
	}}
}

// WithMaxPending caps unsent bytes per connection. While at the cap, the
// connection is not read from. A non-positive value removes the cap.
func WithMaxPending(n int) Option {
	return &channelOptionImpl{func(opts *channelOptions) error {
		opts.maxPending = n
		return nil
	}}
}

// WithIdleTimeout closes connections that have neither sent nor received
// anything for d. Zero (the default) disables it.
func WithIdleTimeout(d time.Duration) Option {
	return &channelOptionImpl{func(opts *channelOptions) error {
		if d < 0 {
			return fmt.Errorf("%w: negative idle timeout %s", ErrInvalidOption, d)
		}
		opts.idleTimeout = d
		return nil
	}}
}

// WithAcceptRates limits accepted connections per remote host, see
// [catrate.NewLimiter]. Connections in excess of the rates are closed
// immediately. Nil or empty rates disable the limit.
func WithAcceptRates(rates map[time.Duration]int) Option {
	return &channelOptionImpl{func(opts *channelOptions) (err error) {
		if len(rates) == 0 {
			opts.rates = nil
			return nil
		}
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrInvalidOption, r)
			}
		}()
		opts.rates = catrate.NewLimiter(rates)
		return nil
	}}
}

// WithActivityHook sets a callback, invoked on the loop goroutine with the
// number of bytes received, each time a connection is read from.
func WithActivityHook(hook func(n int)) Option {
	return &channelOptionImpl{func(opts *channelOptions) error {
		opts.activity = hook
		return nil
	}}
}

// WithPeerCacheSize sets how many remote hosts Channel.Peers tracks. A
// non-positive size disables tracking.
func WithPeerCacheSize(size int) Option {
	return &channelOptionImpl{func(opts *channelOptions) error {
		opts.peerCacheSize = size
		return nil
	}}
}

func resolveOptions(opts []Option) (*channelOptions, error) {
	cfg := &channelOptions{
		greeting:      []byte(DefaultGreeting),
		bindAddress:   netip.MustParseAddr(DefaultBindAddress),
		maxPending:    DefaultMaxPending,
		peerCacheSize: DefaultPeerCacheSize,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyChannel(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
