package worker

import (
	"github.com/okian/presence/pkg/logger"
)

// Option applies a configuration option to the Dispatcher.
type Option func(*Dispatcher)

// WithName sets the dispatcher name used for logging.
func WithName(name string) Option {
	return func(d *Dispatcher) {
		if name != "" {
			d.name = name
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithSinks registers sinks at construction.
func WithSinks(sinks ...Sink) Option {
	return func(d *Dispatcher) {
		for _, s := range sinks {
			if s != nil {
				d.sinks = append(d.sinks, s)
			}
		}
	}
}
