//go:build linux || darwin

package pollsched

import (
	"github.com/joeycumines/logiface"
)

type schedulerOptions struct {
	logger       *logiface.Logger[logiface.Event]
	fatalHandler func(err error)
}

// Option configures a Scheduler.
type Option interface {
	applyScheduler(*schedulerOptions) error
}

type schedulerOptionImpl struct {
	applySchedulerFunc func(*schedulerOptions) error
}

func (x *schedulerOptionImpl) applyScheduler(opts *schedulerOptions) error {
	return x.applySchedulerFunc(opts)
}

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithFatalHandler sets the sink for a FatalError poll outcome. It is called
// at most once, on the loop goroutine, after the scheduler has stopped.
func WithFatalHandler(handler func(err error)) Option {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.fatalHandler = handler
		return nil
	}}
}

func resolveOptions(opts []Option) (*schedulerOptions, error) {
	cfg := new(schedulerOptions)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyScheduler(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
