package nsqpool

import (
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	strategy     Strategy
	connections  []Connection
	parallel     bool
	maxInFlight  int
}

// Option to pass to `New`
type Option func(*config) error

// WithConnections pre-seeds the pool. Connections are contacted in the
// order given.
func WithConnections(conns ...Connection) Option {
	return func(c *config) error {
		for _, conn := range conns {
			if conn == nil {
				return ErrNilConnection
			}
		}
		c.connections = append(c.connections, conns...)
		return nil
	}
}

// WithDefaultStrategy sets the strategy used by publishes which do not
// override it. Defaults to `AtLeastOne`.
func WithDefaultStrategy(st Strategy) Option {
	return func(c *config) error {
		if !st.Valid() {
			return ErrInvalidStrategy
		}
		c.strategy = st
		return nil
	}
}

// WithParallelFanOut makes the pool contact every connection concurrently
// instead of one after the other. maxInFlight bounds the number of
// concurrent calls, 0 means no bound.
//
// With `OnlyOne`, the first acknowledgement cancels the context passed to
// the calls still in flight, but connections which were already contacted
// may still receive the message.
func WithParallelFanOut(maxInFlight int) Option {
	return func(c *config) error {
		if maxInFlight < 0 {
			maxInFlight = 0
		}
		c.parallel = true
		c.maxInFlight = maxInFlight
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the pool.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the pool.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

type publishConfig struct {
	strategy Strategy
	delay    time.Duration
}

// PublishOption tunes a single publish.
type PublishOption func(*publishConfig)

// WithStrategy overrides the default strategy of the pool for one call.
func WithStrategy(st Strategy) PublishOption {
	return func(pc *publishConfig) {
		pc.strategy = st
	}
}

// WithDefer asks peers to delay the delivery of the message to consumers.
// It is ignored when more than one message is published at once.
func WithDefer(delay time.Duration) PublishOption {
	return func(pc *publishConfig) {
		pc.delay = delay
	}
}
