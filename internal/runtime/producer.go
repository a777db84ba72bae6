package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/postrelay/internal/posts"
	errspkg "github.com/drblury/postrelay/internal/runtime/errors"
	idspkg "github.com/drblury/postrelay/internal/runtime/ids"
	loggingpkg "github.com/drblury/postrelay/internal/runtime/logging"
)

// Producer publishes post events to the durable queue.
type Producer struct {
	publisher message.Publisher
	queue     string
	log       loggingpkg.ServiceLogger
}

func NewProducer(publisher message.Publisher, queue string, log loggingpkg.ServiceLogger) (*Producer, error) {
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if queue == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if log == nil {
		log = loggingpkg.Discard()
	}
	return &Producer{
		publisher: publisher,
		queue:     queue,
		log:       log.With(loggingpkg.LogFields{"component": "producer", "queue": queue}),
	}, nil
}

// Publish validates ev and enqueues it. The returned message id doubles as
// the idempotency key of the record the relay creates. Queue failures are
// wrapped in TransportError and never retried here.
func (p *Producer) Publish(ctx context.Context, ev posts.Event) (string, error) {
	if ev.Action == "" {
		ev.Action = posts.ActionCreate
	}
	if err := ev.Validate(); err != nil {
		return "", err
	}
	payload, err := ev.Encode()
	if err != nil {
		return "", err
	}

	msg := message.NewMessage(idspkg.CreateULID(), payload)
	msg.SetContext(ctx)
	correlationID := idspkg.CreateULID()
	msg.Metadata.Set(MetadataKeyCorrelationID, correlationID)

	if err := p.publisher.Publish(p.queue, msg); err != nil {
		return "", &errspkg.TransportError{Queue: p.queue, Err: err}
	}

	p.log.Debug("Event published", loggingpkg.LogFields{
		"message_uuid":   msg.UUID,
		"correlation_id": correlationID,
		"action":         string(ev.Action),
	})
	return msg.UUID, nil
}

// Run publishes a generated event every interval until ctx is done. A failed
// publish is logged and the loop carries on with the next tick.
func (p *Producer) Run(ctx context.Context, interval time.Duration, generate func() posts.Event) error {
	if interval <= 0 {
		return fmt.Errorf("producer interval must be positive, got %s", interval)
	}
	if generate == nil {
		generate = posts.Synthesize
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.Publish(ctx, generate()); err != nil {
				p.log.Error("Failed to publish event", err, loggingpkg.LogFields{})
			}
		}
	}
}
