package transport

// Capabilities describes broker behaviour the bridge adapts to at runtime.
type Capabilities struct {
	// Name is the registered transport name.
	Name string

	// Durable is true when messages published while no consumer is attached
	// are kept until one subscribes.
	Durable bool

	// SupportsAck and SupportsNack report explicit acknowledgement and
	// redelivery on negative acknowledgement.
	SupportsAck  bool
	SupportsNack bool

	// SupportsOrdering reports per-topic (or per-partition) ordering.
	SupportsOrdering bool

	// SupportsNativeDLQ reports broker-side dead lettering.
	SupportsNativeDLQ bool

	// CompetingConsumers is true when several subscriptions to one topic
	// share its messages instead of each receiving a copy. The outbound
	// subscriber opens one subscription per worker only when this holds.
	CompetingConsumers bool

	// MaxMessageSize in bytes, 0 when unlimited or unknown.
	MaxMessageSize int64
}

// SupportsReliableDelivery reports at-least-once delivery (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// RequiresDLQEmulation reports whether dead lettering must happen in the
// application.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// Capability sets of the built-in transports.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
	}

	KafkaCapabilities = Capabilities{
		Name:               "kafka",
		Durable:            true,
		SupportsAck:        true,
		SupportsOrdering:   true,
		CompetingConsumers: true,
		MaxMessageSize:     1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:               "rabbitmq",
		Durable:            true,
		SupportsAck:        true,
		SupportsNack:       true,
		SupportsOrdering:   true,
		SupportsNativeDLQ:  true,
		CompetingConsumers: true,
	}

	NATSCapabilities = Capabilities{
		Name:           "nats",
		MaxMessageSize: 1048576,
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:               "nats-jetstream",
		Durable:            true,
		SupportsAck:        true,
		SupportsNack:       true,
		SupportsOrdering:   true,
		CompetingConsumers: true,
		MaxMessageSize:     1048576,
	}

	RedisCapabilities = Capabilities{
		Name:               "redis",
		Durable:            true,
		SupportsAck:        true,
		SupportsNack:       true,
		SupportsOrdering:   true,
		CompetingConsumers: true,
	}

	AWSCapabilities = Capabilities{
		Name:               "aws",
		Durable:            true,
		SupportsAck:        true,
		SupportsNack:       true,
		SupportsNativeDLQ:  true,
		CompetingConsumers: true,
		MaxMessageSize:     262144,
	}

	HTTPCapabilities = Capabilities{
		Name: "http",
	}
)

// GetCapabilities looks up a transport in the default registry.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
