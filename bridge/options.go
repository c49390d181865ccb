//go:build linux || darwin

package bridge

import (
	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-winloop/eventloop"
)

type bridgeOptions struct {
	logger        *logiface.Logger[logiface.Event]
	onPollFailure func(err error)
	loopOptions   []eventloop.LoopOption
}

// Option configures a Bridge.
type Option interface {
	applyBridge(*bridgeOptions) error
}

type bridgeOptionImpl struct {
	applyBridgeFunc func(*bridgeOptions) error
}

func (x *bridgeOptionImpl) applyBridge(opts *bridgeOptions) error {
	return x.applyBridgeFunc(opts)
}

// WithLogger sets the logger, which is passed down to every component, each
// with its own "component" field. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &bridgeOptionImpl{func(opts *bridgeOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithLoopOptions appends options for the event loop.
func WithLoopOptions(options ...eventloop.LoopOption) Option {
	return &bridgeOptionImpl{func(opts *bridgeOptions) error {
		opts.loopOptions = append(opts.loopOptions, options...)
		return nil
	}}
}

// WithPollFailureHandler sets a callback for a FatalError poll outcome,
// which stops native polling, but not the bridge. It is called on the loop
// goroutine. The failure is logged regardless.
func WithPollFailureHandler(handler func(err error)) Option {
	return &bridgeOptionImpl{func(opts *bridgeOptions) error {
		opts.onPollFailure = handler
		return nil
	}}
}

func resolveOptions(opts []Option) (*bridgeOptions, error) {
	cfg := new(bridgeOptions)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyBridge(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
