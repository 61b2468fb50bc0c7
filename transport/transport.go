// Package transport defines how the bridge obtains a broker connection.
// Each broker lives in its own sub-package and registers a Builder under the
// name used by the PubSubSystem setting; importing transport/transports
// registers all of them.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines the publisher and subscriber of one broker connection.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes the subscriber and then the publisher, returning the first
// error. Either side may be nil.
func (t Transport) Close() error {
	var firstErr error
	if t.Subscriber != nil {
		if err := t.Subscriber.Close(); err != nil {
			firstErr = err
		}
	}
	if t.Publisher != nil {
		if err := t.Publisher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config exposes the settings transports read, so transport packages do not
// depend on the full configuration type.
type Config interface {
	GetPubSubSystem() string
	GetConsumerGroup() string

	GetKafkaBrokers() []string

	GetRabbitMQURL() string

	GetNATSURL() string
	GetNATSStream() string

	GetRedisURL() string

	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}
