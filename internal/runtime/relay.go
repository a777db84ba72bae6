package runtime

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/postrelay/internal/posts"
	errspkg "github.com/drblury/postrelay/internal/runtime/errors"
	idspkg "github.com/drblury/postrelay/internal/runtime/ids"
	loggingpkg "github.com/drblury/postrelay/internal/runtime/logging"
)

// DefaultRelayName is the router handler name used when RelayConfig.Name is empty.
const DefaultRelayName = "post_relay"

// PostApplier applies decoded events to the record store. posts.Service
// implements it and notifies live subscribers after each successful write.
type PostApplier interface {
	Create(ctx context.Context, in posts.NewPost) (posts.Post, bool, error)
	Update(ctx context.Context, id int64, patch posts.Patch) (posts.Post, error)
	Delete(ctx context.Context, id int64) (posts.Post, error)
}

// RelayConfig configures RegisterRelay.
type RelayConfig struct {
	// Name defaults to DefaultRelayName.
	Name string
	// Queue defaults to Conf.QueueName.
	Queue string
	Posts PostApplier
}

// NewRelayHandler returns the handler that turns one queue message into one
// store mutation. A nil return acknowledges the message. Malformed payloads
// come back as MalformedPayloadError and store failures as ApplyError, which
// leaves the message for redelivery.
func NewRelayHandler(applier PostApplier, log loggingpkg.ServiceLogger) message.NoPublishHandlerFunc {
	if log == nil {
		log = loggingpkg.Discard()
	}

	return func(msg *message.Message) error {
		ev, err := posts.DecodeEvent(msg.Payload)
		if err != nil {
			return &errspkg.MalformedPayloadError{
				MessageUUID: msg.UUID,
				Payload:     string(msg.Payload),
				Err:         err,
			}
		}
		msg.Metadata.Set(MetadataKeyAction, string(ev.Action))

		ctx := msg.Context()
		span := trace.SpanFromContext(ctx)

		switch ev.Action {
		case posts.ActionCreate:
			post, created, err := applier.Create(ctx, ev.NewPost(idspkg.IdempotencyKey(msg.UUID, msg.Payload)))
			if err != nil {
				return &errspkg.ApplyError{Op: string(ev.Action), MessageUUID: msg.UUID, Err: err}
			}
			if !created {
				log.Debug("Duplicate create resolved to existing post", loggingpkg.LogFields{
					"message_uuid": msg.UUID,
					"post_id":      post.ID,
				})
			}
			span.AddEvent("post.created", trace.WithAttributes(
				attribute.Int64("post.id", post.ID),
				attribute.Bool("post.duplicate", !created),
			))

		case posts.ActionUpdate:
			post, err := applier.Update(ctx, ev.ID, ev.Patch())
			if errors.Is(err, posts.ErrNotFound) {
				// redelivery cannot make the record appear
				return &errspkg.MalformedPayloadError{MessageUUID: msg.UUID, Payload: string(msg.Payload), Err: err}
			}
			if err != nil {
				return &errspkg.ApplyError{Op: string(ev.Action), MessageUUID: msg.UUID, Err: err}
			}
			span.AddEvent("post.updated", trace.WithAttributes(attribute.Int64("post.id", post.ID)))

		case posts.ActionDelete:
			_, err := applier.Delete(ctx, ev.ID)
			if errors.Is(err, posts.ErrNotFound) {
				log.Debug("Delete of missing post treated as applied", loggingpkg.LogFields{
					"message_uuid": msg.UUID,
					"post_id":      ev.ID,
				})
				return nil
			}
			if err != nil {
				return &errspkg.ApplyError{Op: string(ev.Action), MessageUUID: msg.UUID, Err: err}
			}
			span.AddEvent("post.deleted", trace.WithAttributes(attribute.Int64("post.id", ev.ID)))
		}

		return nil
	}
}

// RegisterRelay subscribes the relay handler to the queue.
func RegisterRelay(svc *Service, cfg RelayConfig) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if cfg.Posts == nil {
		return errspkg.ErrHandlerRequired
	}
	if cfg.Name == "" {
		cfg.Name = DefaultRelayName
	}
	if cfg.Queue == "" {
		cfg.Queue = svc.Conf.QueueName
	}

	return svc.registerHandler(cfg.Name, cfg.Queue, NewRelayHandler(cfg.Posts, svc.Logger))
}

func (s *Service) registerHandler(name, queue string, handler message.NoPublishHandlerFunc) error {
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if queue == "" {
		return errspkg.ErrConsumeQueueRequired
	}
	if name == "" {
		return errspkg.ErrHandlerNameRequired
	}

	durable := s.capabilities.Durable()
	if !durable {
		s.Logger.Info("Queue transport is not durable; events may be lost on restart", loggingpkg.LogFields{
			"queue_system": s.Conf.QueueSystem,
			"queue":        queue,
		})
	}

	stats := newHandlerStats()
	s.handlersMu.Lock()
	s.handlers = append(s.handlers, &HandlerInfo{
		Name:         name,
		ConsumeQueue: queue,
		Durable:      durable,
		Stats:        stats,
	})
	s.handlersMu.Unlock()

	s.router.AddNoPublisherHandler(
		name,
		queue,
		s.subscriber,
		wrapHandlerWithStats(handler, stats, s.errorClassifier),
	)
	return nil
}
