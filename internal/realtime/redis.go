package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/feedline/feedsync/pkg/logging"
)

// RedisTransport carries changes over Redis pub/sub. Every topic maps to one
// channel; Publish writes a change to the unfiltered channel of its table and
// to the per-post channel for likes and comments.
type RedisTransport struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisTransport creates a transport on an existing client
func NewRedisTransport(client *redis.Client, prefix string) *RedisTransport {
	return &RedisTransport{
		client: client,
		prefix: prefix,
		logger: logging.WithComponent("realtime.redis"),
	}
}

// Subscribe implements Transport. It returns after Redis confirms the
// subscription.
func (t *RedisTransport) Subscribe(ctx context.Context, topic Topic) (Stream, error) {
	channel := topic.Channel(t.prefix)
	pubsub := t.client.Subscribe(ctx, channel)

	// Receive blocks until the subscribe confirmation arrives
	msg, err := pubsub.Receive(ctx)
	if err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	if _, ok := msg.(*redis.Subscription); !ok {
		pubsub.Close()
		return nil, fmt.Errorf("unexpected reply subscribing to %s: %T", channel, msg)
	}

	t.logger.Debug("Subscribed", zap.String("channel", channel))
	return &redisStream{topic: topic, pubsub: pubsub, logger: t.logger}, nil
}

// Publish implements Publisher
func (t *RedisTransport) Publish(ctx context.Context, change Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}

	for _, topic := range TopicsFor(change) {
		if err := t.client.Publish(ctx, topic.Channel(t.prefix), payload).Err(); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", topic.Channel(t.prefix), err)
		}
	}
	return nil
}

type redisStream struct {
	topic     Topic
	pubsub    *redis.PubSub
	logger    *zap.Logger
	closeOnce sync.Once
	closeErr  error
}

func (s *redisStream) Next(ctx context.Context) (Change, error) {
	for {
		msg, err := s.pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Change{}, ctx.Err()
			}
			if err == redis.ErrClosed {
				return Change{}, ErrStreamClosed
			}
			return Change{}, fmt.Errorf("failed to receive on %s: %w", s.topic, err)
		}

		var change Change
		if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
			s.logger.Warn("Dropping malformed change",
				zap.String("channel", msg.Channel),
				zap.Error(err))
			continue
		}
		return change, nil
	}
}

func (s *redisStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.pubsub.Close()
	})
	return s.closeErr
}
