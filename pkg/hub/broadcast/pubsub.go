package broadcast

import (
	"context"
	"strings"

	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisSettings configures the Redis Streams transport.
type RedisSettings struct {
	Addr string
	// NodeID names this node's consumer group. Every node needs its own group so that every node sees
	// every message. Empty means a random id.
	NodeID string
}

// NewRedis builds a publisher and subscriber on Redis Streams.
func NewRedis(s RedisSettings, logger zerolog.Logger) (message.Publisher, message.Subscriber, error) {
	if strings.TrimSpace(s.Addr) == "" {
		return nil, nil, errors.New("redis address is empty")
	}
	nodeID := s.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	wl := NewWatermillLogger(logger)

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, wl)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create redis publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: ConsumerGroup(nodeID),
		Consumer:      nodeID,
	}, wl)
	if err != nil {
		_ = pub.Close()
		return nil, nil, errors.Wrap(err, "create redis subscriber")
	}
	return pub, sub, nil
}

// ConsumerGroup returns the consumer group name used for nodeID.
func ConsumerGroup(nodeID string) string {
	return "livesocket-" + nodeID
}

// EnsureGroupAtTail creates the consumer group for a stream at the tail ($) if it doesn't exist,
// so a node joining late does not replay old broadcasts.
func EnsureGroupAtTail(ctx context.Context, addr, stream, group string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() {
		_ = client.Close()
	}()
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// BUSYGROUP: the group already exists
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}
	return nil
}

// NewInMemory returns a single-process pub/sub for one node or tests. Messages published before a
// subscription exists are dropped.
func NewInMemory(logger zerolog.Logger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, NewWatermillLogger(logger))
}
