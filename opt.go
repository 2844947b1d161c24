package feed

import (
	"time"

	"github.com/renproject/feed/metrics"
	"github.com/sirupsen/logrus"
)

var (
	DefaultTopic          = "telemetry"
	DefaultPublishTimeout = 30 * time.Second
)

// Options for parameterizing the behaviour of a Feed.
type Options struct {
	Logger logrus.FieldLogger

	// Topic that every payload is published to.
	Topic string
	// PublishTimeout bounds how long the Feed waits for the sink to resolve
	// a publish.
	PublishTimeout time.Duration

	Metrics *metrics.Metrics
}

func DefaultOptions() Options {
	return Options{
		Logger: logrus.New().
			WithField("lib", "feed").
			WithField("pkg", "feed").
			WithField("com", "loop"),
		Topic:          DefaultTopic,
		PublishTimeout: DefaultPublishTimeout,
	}
}

func (opts Options) WithLogger(logger logrus.FieldLogger) Options {
	opts.Logger = logger
	return opts
}

func (opts Options) WithTopic(topic string) Options {
	opts.Topic = topic
	return opts
}

func (opts Options) WithPublishTimeout(timeout time.Duration) Options {
	opts.PublishTimeout = timeout
	return opts
}

func (opts Options) WithMetrics(m *metrics.Metrics) Options {
	opts.Metrics = m
	return opts
}
