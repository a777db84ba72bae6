package runtime

import (
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	errspkg "github.com/drblury/postrelay/internal/runtime/errors"
	idspkg "github.com/drblury/postrelay/internal/runtime/ids"
	loggingpkg "github.com/drblury/postrelay/internal/runtime/logging"
)

// MetadataKeyCorrelationID links a queue message to the request that produced it.
const MetadataKeyCorrelationID = "correlation_id"

const tracerName = "postrelay/relay"

// MiddlewareBuilder constructs a handler middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a Service router.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the relay chain, outermost first. There is no
// retry middleware: a failed apply is nacked and the broker redelivers it.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		ThrottleMiddleware(),
		DropMalformedMiddleware(),
		ServiceHooksMiddleware(),
		RecovererMiddleware(),
	}
}

// MetricsMiddleware adds watermill's Prometheus router metrics.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if !s.Conf.MetricsEnabled {
				return nil, nil
			}

			metricsBuilder := metrics.NewPrometheusMetricsBuilder(
				s.registerer,
				"postrelay",
				s.Conf.QueueSystem,
			)
			return metricsBuilder.NewRouterMiddleware().Middleware, nil
		},
	}
}

// CorrelationIDMiddleware ensures each processed message carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

// LogMessagesMiddleware logs the payload and metadata of handled messages at debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware,
	}
}

// ThrottleMiddleware caps relay throughput at RelayThrottle messages per
// second. Zero disables it.
func ThrottleMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "throttle",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if s.Conf.RelayThrottle <= 0 {
				return nil, nil
			}
			return middleware.NewThrottle(s.Conf.RelayThrottle, time.Second).Middleware, nil
		},
	}
}

// DropMalformedMiddleware acknowledges messages whose payload can never be
// applied. With a poison queue configured they are forwarded there first.
func DropMalformedMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "drop_malformed",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if s.Conf.PoisonQueue == "" {
				return dropMalformedMiddleware(s.Logger), nil
			}
			if s.publisher == nil {
				return nil, errspkg.ErrPublisherRequired
			}

			poison, err := middleware.PoisonQueueWithFilter(s.publisher, s.Conf.PoisonQueue, errspkg.IsMalformed)
			if err != nil {
				return nil, err
			}
			metrics := s.metrics
			return func(h message.HandlerFunc) message.HandlerFunc {
				return poison(func(msg *message.Message) ([]*message.Message, error) {
					msgs, err := h(msg)
					if errspkg.IsMalformed(err) && metrics != nil {
						metrics.RecordDropped(DropReasonPoisoned)
					}
					return msgs, err
				})
			}, nil
		},
	}
}

// RecovererMiddleware converts handler panics into errors so the message is nacked.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware attaches the supplied middleware to the router.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if s.router == nil {
		return errors.New("router is not initialised")
	}

	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.router.AddMiddleware(mw)
	return nil
}

func correlationIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if msg.Metadata.Get(MetadataKeyCorrelationID) == "" {
			msg.Metadata.Set(MetadataKeyCorrelationID, idspkg.CreateULID())
		}
		return h(msg)
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing message", loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"payload":      string(msg.Payload),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}

func tracerMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		ctx, span := otel.Tracer(tracerName).Start(msg.Context(), "relay.apply")
		defer span.End()
		msg.SetContext(ctx)

		span.SetAttributes(
			attribute.String("message.uuid", msg.UUID),
			attribute.String("messaging.destination", message.SubscribeTopicFromCtx(ctx)),
			attribute.String("correlation_id", msg.Metadata.Get(MetadataKeyCorrelationID)),
		)

		msgs, err := h(msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return msgs, err
	}
}

// dropMalformedMiddleware turns malformed payload errors into acks.
func dropMalformedMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			msgs, err := h(msg)
			if errspkg.IsMalformed(err) {
				logger.Error("Dropping malformed message", err, loggingpkg.LogFields{
					"message_uuid": msg.UUID,
					"payload":      string(msg.Payload),
				})
				return nil, nil
			}
			return msgs, err
		}
	}
}
