// Package redisstream registers the Redis Streams transport. Subscribers read
// through a consumer group, so outbound workers share a command stream and
// unacknowledged entries are claimed again after a restart.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"

	errspkg "github.com/drblury/waflow/internal/runtime/errors"
	"github.com/drblury/waflow/transport"
)

const TransportName = "redis"

// ClientFactory creates the Redis client; tests replace it.
var ClientFactory = func(opts *redis.Options) redis.UniversalClient {
	return redis.NewClient(opts)
}

var PublisherFactory = func(cfg redisstream.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return redisstream.NewPublisher(cfg, logger)
}

var SubscriberFactory = func(cfg redisstream.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return redisstream.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RedisCapabilities)
}

// ParseURL turns a redis:// or rediss:// URL into client options. The path
// selects the database and user info supplies credentials.
func ParseURL(raw string) (*redis.Options, error) {
	scheme, _, found := strings.Cut(raw, "://")
	if !found || (scheme != "redis" && scheme != "rediss") {
		return nil, fmt.Errorf("%w: %q", errspkg.ErrUnsupportedRedisURL, scheme)
	}
	opts, err := redis.ParseURL(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errspkg.ErrUnsupportedRedisURL, err)
	}
	return opts, nil
}

func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	opts, err := ParseURL(cfg.GetRedisURL())
	if err != nil {
		return transport.Transport{}, err
	}

	pubClient := ClientFactory(opts)
	if err := pubClient.Ping(ctx).Err(); err != nil {
		_ = pubClient.Close()
		return transport.Transport{}, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	// The subscriber blocks on XREADGROUP, so it gets its own client.
	subClient := ClientFactory(opts)

	marshaller := redisstream.DefaultMarshallerUnmarshaller{}

	publisher, err := PublisherFactory(redisstream.PublisherConfig{
		Client:     pubClient,
		Marshaller: marshaller,
	}, logger)
	if err != nil {
		closeClient(pubClient)
		closeClient(subClient)
		return transport.Transport{}, fmt.Errorf("redis publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(redisstream.SubscriberConfig{
		Client:        subClient,
		Unmarshaller:  marshaller,
		ConsumerGroup: cfg.GetConsumerGroup(),
	}, logger)
	if err != nil {
		_ = publisher.Close()
		closeClient(pubClient)
		closeClient(subClient)
		return transport.Transport{}, fmt.Errorf("redis subscriber: %w", err)
	}

	logger.Info("Redis stream transport ready", watermill.LogFields{
		"addr":           opts.Addr,
		"db":             opts.DB,
		"tls":            opts.TLSConfig != nil,
		"consumer_group": cfg.GetConsumerGroup(),
	})

	return transport.Transport{
		Publisher:  &clientClosingPublisher{Publisher: publisher, client: pubClient},
		Subscriber: &clientClosingSubscriber{Subscriber: subscriber, client: subClient},
	}, nil
}

// closeClient ignores a client the watermill side already closed.
func closeClient(client redis.UniversalClient) error {
	if err := client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

type clientClosingPublisher struct {
	message.Publisher
	client redis.UniversalClient
}

func (p *clientClosingPublisher) Close() error {
	return errors.Join(p.Publisher.Close(), closeClient(p.client))
}

type clientClosingSubscriber struct {
	message.Subscriber
	client redis.UniversalClient
}

func (s *clientClosingSubscriber) Close() error {
	return errors.Join(s.Subscriber.Close(), closeClient(s.client))
}
