package eventrelay

import (
	"context"

	"github.com/velmie/eventrelay/broker"
)

// PublisherFunc adapts a function to broker.Publisher. It always reports healthy.
type PublisherFunc func(ctx context.Context, msg broker.Message) error

// Publish implements broker.Publisher.
func (fn PublisherFunc) Publish(ctx context.Context, msg broker.Message) error {
	return fn(ctx, msg)
}

// IsHealthy implements broker.Publisher.
func (PublisherFunc) IsHealthy(context.Context) bool {
	return true
}
