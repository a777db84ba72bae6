// Package transport defines how postrelay reaches its durable queue. Each
// backend (rabbitmq, kafka, nats, aws, ...) lives in its own sub-package and
// registers a Builder with the registry.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close releases both sides of the transport.
func (t Transport) Close() error {
	var firstErr error
	if t.Subscriber != nil {
		firstErr = t.Subscriber.Close()
	}
	if t.Publisher != nil {
		if err := t.Publisher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports without
// depending on the full config package.
type Config interface {
	// GetQueueSystem returns the transport name.
	GetQueueSystem() string
	// GetConsumerTag identifies the consumer to brokers that support it.
	GetConsumerTag() string
	// GetPrefetchCount bounds unacknowledged deliveries per consumer.
	GetPrefetchCount() int

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// PostgreSQL queue table
	GetQueueDatabaseURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// Metadata keys transports set on consumed messages when the broker reports
// them. The relay logs them and uses them for diagnostics only.
const (
	MetadataRedelivered = "x_redelivered"
	MetadataDeliveryTag = "x_delivery_tag"
)
