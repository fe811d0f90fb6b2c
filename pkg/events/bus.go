package events

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	gochannel "github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
)

type Bus struct {
	Router     *message.Router
	Publisher  message.Publisher
	Subscriber message.Subscriber

	runOnce sync.Once
}

// NewInMemoryBus returns a bus whose Publish blocks until every handler has
// acked, so a handler has seen each event by the time Publish returns.
func NewInMemoryBus() (*Bus, error) {
	logger := watermill.NopLogger{}
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            1024,
		BlockPublishUntilSubscriberAck: true,
	}, logger)

	r, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "new watermill router")
	}
	return &Bus{
		Router:     r,
		Publisher:  pubsub,
		Subscriber: pubsub,
	}, nil
}

func (b *Bus) AddHandler(name, topic string, handler func(*message.Message) error) {
	b.Router.AddConsumerHandler(name, topic, b.Subscriber, handler)
}

// Running is closed once handlers are subscribed.
func (b *Bus) Running() chan struct{} {
	return b.Router.Running()
}

func (b *Bus) Run(ctx context.Context) error {
	var runErr error
	b.runOnce.Do(func() {
		go func() {
			<-ctx.Done()
			_ = b.Router.Close()
		}()
		runErr = b.Router.Run(ctx)
	})
	return runErr
}
