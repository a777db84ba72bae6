package rabbitmq

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/postrelay/transport"
)

// MessageUUIDHeaderKey carries the watermill message UUID, matching the
// header used by watermill's default AMQP marshaler.
const MessageUUIDHeaderKey = "_watermill_message_uuid"

// QueueMarshaler converts between watermill messages and AMQP deliveries.
// Every publishing is persistent and carries the message UUID as both the
// AMQP message id and a header, so consumers written against either
// convention see the same idempotency key. Non-string headers from foreign
// publishers are skipped instead of failing the delivery.
type QueueMarshaler struct{}

func (QueueMarshaler) Marshal(msg *message.Message) (amqp091.Publishing, error) {
	headers := make(amqp091.Table, len(msg.Metadata)+1)
	for key, value := range msg.Metadata {
		headers[key] = value
	}
	headers[MessageUUIDHeaderKey] = msg.UUID

	return amqp091.Publishing{
		Body:         msg.Payload,
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    msg.UUID,
		Timestamp:    time.Now().UTC(),
	}, nil
}

func (QueueMarshaler) Unmarshal(delivery amqp091.Delivery) (*message.Message, error) {
	uuid, err := messageUUID(delivery)
	if err != nil {
		return nil, err
	}

	msg := message.NewMessage(uuid, delivery.Body)
	for key, value := range delivery.Headers {
		if key == MessageUUIDHeaderKey {
			continue
		}
		if s, ok := value.(string); ok {
			msg.Metadata.Set(key, s)
		}
	}
	msg.Metadata.Set(transport.MetadataRedelivered, strconv.FormatBool(delivery.Redelivered))
	msg.Metadata.Set(transport.MetadataDeliveryTag, strconv.FormatUint(delivery.DeliveryTag, 10))
	return msg, nil
}

// messageUUID prefers the watermill header, then the AMQP message id. A
// delivery with neither keeps an empty UUID and the relay falls back to a
// payload hash for idempotency.
func messageUUID(delivery amqp091.Delivery) (string, error) {
	if raw, ok := delivery.Headers[MessageUUIDHeaderKey]; ok {
		s, ok := raw.(string)
		if !ok {
			return "", fmt.Errorf("header %s is not a string, but %#v", MessageUUIDHeaderKey, raw)
		}
		if s != "" {
			return s, nil
		}
	}
	if delivery.MessageId != "" {
		return delivery.MessageId, nil
	}
	return "", nil
}
