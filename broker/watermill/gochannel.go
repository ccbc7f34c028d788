package watermill

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/velmie/eventrelay/broker"
)

// NewGoChannel returns an in-process broker. Every subscription handler
// receives its own copy of each message; nothing survives a restart.
func NewGoChannel(opts ...Option) (*Broker, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	pubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
	}, cfg.Logger)

	return New(pubSub, func(broker.Subscription) (message.Subscriber, error) {
		return pubSub, nil
	}, opts...)
}
