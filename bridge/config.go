//go:build linux || darwin

package bridge

import (
	"time"

	"github.com/joeycumines/go-winloop/pollsched"
	"github.com/joeycumines/go-winloop/wakechan"
)

// DefaultPort is the wake channel's TCP port.
const DefaultPort = 8124

// Config parameterizes a Bridge. The zero value of any field other than Port
// selects its default, see DefaultConfig.
type Config struct {
	// AcceptRates optionally limits wake channel connections per remote
	// host, see wakechan.WithAcceptRates.
	AcceptRates map[time.Duration]int

	// BindAddress is the wake channel's listen address.
	BindAddress string

	// Interval between native polls.
	Interval time.Duration

	// IdleTimeout optionally closes idle wake channel connections.
	IdleTimeout time.Duration

	// MaxPending is the per-connection outbound cap, negative for none.
	MaxPending int

	// PeerCacheSize bounds per-host wake channel stats, negative for none.
	PeerCacheSize int

	// Port is the wake channel's TCP port, 0 for an ephemeral port.
	Port uint16
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() Config {
	return Config{
		BindAddress:   wakechan.DefaultBindAddress,
		Interval:      pollsched.DefaultInterval,
		MaxPending:    wakechan.DefaultMaxPending,
		PeerCacheSize: wakechan.DefaultPeerCacheSize,
		Port:          DefaultPort,
	}
}

// withDefaults fills in zero values.
func (x Config) withDefaults() Config {
	def := DefaultConfig()
	if x.BindAddress == "" {
		x.BindAddress = def.BindAddress
	}
	if x.Interval <= 0 {
		x.Interval = def.Interval
	}
	if x.MaxPending == 0 {
		x.MaxPending = def.MaxPending
	}
	if x.PeerCacheSize == 0 {
		x.PeerCacheSize = def.PeerCacheSize
	}
	return x
}

func (x Config) channelOptions() []wakechan.Option {
	return []wakechan.Option{
		wakechan.WithBindAddress(x.BindAddress),
		wakechan.WithMaxPending(x.MaxPending),
		wakechan.WithIdleTimeout(x.IdleTimeout),
		wakechan.WithAcceptRates(x.AcceptRates),
		wakechan.WithPeerCacheSize(x.PeerCacheSize),
	}
}
