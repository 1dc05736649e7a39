// Package broadcast carries hub messages between nodes over a watermill topic.
package broadcast

import (
	"context"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTopic = "livesocket.broadcast"

	metadataUserID = "user_id"
)

// RelayFunc delivers a received message to local clients, usually (*hub.Hub).LocalBroadcast.
type RelayFunc func(userID int, msg []byte)

// Broadcaster publishes hub messages to a topic and relays everything it consumes from that topic.
type Broadcaster struct {
	pub    message.Publisher
	sub    message.Subscriber
	topic  string
	relay  RelayFunc
	logger zerolog.Logger

	closeOnce sync.Once
}

type Option func(*Broadcaster)

func WithTopic(topic string) Option {
	return func(b *Broadcaster) {
		if topic != "" {
			b.topic = topic
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(b *Broadcaster) {
		b.logger = logger
	}
}

func New(pub message.Publisher, sub message.Subscriber, relay RelayFunc, opts ...Option) (*Broadcaster, error) {
	if pub == nil {
		return nil, errors.New("broadcast publisher is nil")
	}
	if sub == nil {
		return nil, errors.New("broadcast subscriber is nil")
	}
	if relay == nil {
		return nil, errors.New("broadcast relay is nil")
	}
	b := &Broadcaster{
		pub:    pub,
		sub:    sub,
		topic:  DefaultTopic,
		relay:  relay,
		logger: log.With().Str("component", "broadcast").Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Broadcaster) Topic() string {
	return b.topic
}

// Publish sends msg to every node, this one included.
func (b *Broadcaster) Publish(_ context.Context, userID int, msg []byte) error {
	m := message.NewMessage(watermill.NewUUID(), msg)
	m.Metadata.Set(metadataUserID, strconv.Itoa(userID))
	return errors.Wrapf(b.pub.Publish(b.topic, m), "publish to %s", b.topic)
}

// Run consumes the topic and relays messages until ctx is done or the subscription ends.
func (b *Broadcaster) Run(ctx context.Context) error {
	ch, err := b.sub.Subscribe(ctx, b.topic)
	if err != nil {
		return errors.Wrapf(err, "subscribe to %s", b.topic)
	}
	b.logger.Info().Str("topic", b.topic).Msg("broadcast relay started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle(msg)
		}
	}
}

func (b *Broadcaster) handle(msg *message.Message) {
	defer msg.Ack()
	userID, err := strconv.Atoi(msg.Metadata.Get(metadataUserID))
	if err != nil {
		b.logger.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("dropping broadcast without valid user id")
		return
	}
	b.relay(userID, msg.Payload)
}

// Close closes the publisher and the subscriber.
func (b *Broadcaster) Close() error {
	var err error
	b.closeOnce.Do(func() {
		pubErr := b.pub.Close()
		subErr := b.sub.Close()
		if pubErr != nil {
			err = errors.Wrap(pubErr, "close publisher")
			return
		}
		if subErr != nil {
			err = errors.Wrap(subErr, "close subscriber")
		}
	})
	return err
}
