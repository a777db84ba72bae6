package transport

// Capabilities describes the delivery guarantees of a transport backend.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	// SupportsPersistence indicates queued messages survive a broker restart.
	SupportsPersistence bool

	// SupportsOrdering indicates the transport preserves publish order for a
	// single consumer.
	SupportsOrdering bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment (redelivery).
	SupportsNack bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Durable reports whether the transport can act as the relay's durable queue:
// persisted messages plus redelivery of unacknowledged ones.
func (c Capabilities) Durable() bool {
	return c.SupportsPersistence && c.SupportsReliableDelivery()
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for the in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	// RabbitMQCapabilities for a durable RabbitMQ queue.
	RabbitMQCapabilities = Capabilities{
		Name:                "rabbitmq",
		SupportsPersistence: true,
		SupportsOrdering:    true,
		SupportsAck:         true,
		SupportsNack:        true,
		MaxMessageSize:      134217728, // 128MB broker default
	}

	// KafkaCapabilities for Apache Kafka.
	KafkaCapabilities = Capabilities{
		Name:                "kafka",
		SupportsPersistence: true,
		SupportsOrdering:    true,
		SupportsAck:         true,
		SupportsNack:        true,
		MaxMessageSize:      1048576, // Default 1MB
	}

	// NATSCapabilities for NATS Core, which neither persists nor redelivers.
	NATSCapabilities = Capabilities{
		Name:           "nats",
		MaxMessageSize: 1048576, // Default 1MB
	}

	// NATSJetStreamCapabilities for NATS JetStream.
	NATSJetStreamCapabilities = Capabilities{
		Name:                "nats-jetstream",
		SupportsPersistence: true,
		SupportsOrdering:    true,
		SupportsAck:         true,
		SupportsNack:        true,
		MaxMessageSize:      1048576, // Default 1MB
	}

	// PostgresCapabilities for the PostgreSQL queue table.
	PostgresCapabilities = Capabilities{
		Name:                "postgres",
		SupportsPersistence: true,
		SupportsOrdering:    true,
		SupportsAck:         true,
		SupportsNack:        true,
	}

	// AWSCapabilities for AWS SQS.
	AWSCapabilities = Capabilities{
		Name:                "aws",
		SupportsPersistence: true,
		SupportsAck:         true,
		SupportsNack:        true,
		MaxMessageSize:      262144, // 256KB
	}
)

// GetCapabilities returns the capabilities for a transport by name.
// Returns a Capabilities with only Name set if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
