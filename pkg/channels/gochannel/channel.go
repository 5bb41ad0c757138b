// Package gochannel provides the in-memory event channel for single-process deployments and tests.
package gochannel

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

type Option func(*gochannel.Config)

// WithBuffer sets the output channel buffer of each subscriber.
func WithBuffer(size int64) Option {
	return func(c *gochannel.Config) {
		c.OutputChannelBuffer = size
	}
}

// WithPersistence keeps published messages for late subscribers.
func WithPersistence() Option {
	return func(c *gochannel.Config) {
		c.Persistent = true
	}
}

// WithBlockingPublish makes Publish wait until every subscriber acked.
func WithBlockingPublish() Option {
	return func(c *gochannel.Config) {
		c.BlockPublishUntilSubscriberAck = true
	}
}

// CreateChannel returns one GoChannel acting as both publisher and subscriber.
func CreateChannel(logger watermill.LoggerAdapter, opts ...Option) (*gochannel.GoChannel, *gochannel.GoChannel, error) {
	config := gochannel.Config{OutputChannelBuffer: 1000}
	for _, opt := range opts {
		opt(&config)
	}

	pubSub := gochannel.NewGoChannel(config, logger)

	return pubSub, pubSub, nil
}

// CreateTestChannel keeps messages and blocks publishers for deterministic tests.
func CreateTestChannel(logger watermill.LoggerAdapter) (*gochannel.GoChannel, *gochannel.GoChannel, error) {
	return CreateChannel(logger, WithBuffer(10), WithPersistence(), WithBlockingPublish())
}
