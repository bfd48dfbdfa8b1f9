// Package eventbus carries loop events over a watermill in-process pub/sub
// so that consumers other than the request handler can observe turns.
package eventbus

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/martinemde/itinerary/agentloop"
)

// Topic is the watermill topic loop events are published on.
const Topic = "itinerary.loop_events"

const (
	metadataKind    = "kind"
	metadataSession = "session"
)

// Bus owns the gochannel pub/sub and the router that drives subscribers.
type Bus struct {
	pubsub *gochannel.GoChannel
	router *message.Router
	logger zerolog.Logger
}

// New creates a bus. Handlers are added with AddHandler before Run.
func New(logger zerolog.Logger) (*Bus, error) {
	wmLogger := NewZerologAdapter(logger)
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
	}, wmLogger)

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		return nil, errors.Wrap(err, "eventbus: create router")
	}
	return &Bus{pubsub: pubsub, router: router, logger: logger}, nil
}

// Publisher returns an agentloop.EventSink publishing onto the bus.
func (b *Bus) Publisher() *Publisher {
	return &Publisher{publisher: b.pubsub, topic: Topic, logger: b.logger}
}

// AddHandler subscribes fn to loop events. Malformed payloads are logged and
// acked.
func (b *Bus) AddHandler(name string, fn func(context.Context, agentloop.Event) error) {
	b.router.AddNoPublisherHandler(name, Topic, b.pubsub, func(msg *message.Message) error {
		var e agentloop.Event
		if err := json.Unmarshal(msg.Payload, &e); err != nil {
			b.logger.Error().Err(err).Str("message_id", msg.UUID).Msg("eventbus: malformed event")
			return nil
		}
		return fn(msg.Context(), e)
	})
}

// Run drives the handlers until ctx ends or Close is called.
func (b *Bus) Run(ctx context.Context) error {
	return b.router.Run(ctx)
}

// Running is closed once every handler is subscribed.
func (b *Bus) Running() chan struct{} {
	return b.router.Running()
}

// Close stops the router and the pub/sub.
func (b *Bus) Close() error {
	routerErr := b.router.Close()
	if err := b.pubsub.Close(); err != nil {
		return errors.Wrap(err, "eventbus: close pubsub")
	}
	return errors.Wrap(routerErr, "eventbus: close router")
}

// Publisher publishes loop events as JSON watermill messages.
type Publisher struct {
	publisher message.Publisher
	topic     string
	logger    zerolog.Logger
}

var _ agentloop.EventSink = (*Publisher)(nil)

// Emit publishes e. Failures are logged, never returned to the loop.
func (p *Publisher) Emit(e agentloop.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error().Err(err).Str("kind", string(e.Kind)).Msg("eventbus: encode event")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metadataKind, string(e.Kind))
	msg.Metadata.Set(metadataSession, e.Session)

	if err := p.publisher.Publish(p.topic, msg); err != nil {
		p.logger.Error().Err(err).Str("topic", p.topic).Msg("eventbus: publish event")
	}
}
