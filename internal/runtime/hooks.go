package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/postrelay/internal/runtime/errors"
	loggingpkg "github.com/drblury/postrelay/internal/runtime/logging"
	"github.com/drblury/postrelay/transport"
)

// MetadataKeyAction is set by the relay handler once a payload has been
// decoded, so hooks can report which mutation a message carried.
const MetadataKeyAction = "postrelay_action"

// RelayContext describes one relay attempt to hooks.
type RelayContext struct {
	// HandlerName is the router handler that consumed the message.
	HandlerName string
	// Queue is the topic the message was consumed from.
	Queue string
	// MessageUUID is the queue message identifier.
	MessageUUID string
	// Action is the decoded event action; empty when decoding failed.
	Action string
	// Metadata contains the message metadata.
	Metadata message.Metadata
	// Context is the message context.
	Context context.Context
	// StartedAt is when the attempt started.
	StartedAt time.Time
	// Duration is how long the attempt took.
	Duration time.Duration
	// Redelivered reports whether the broker flagged the message as a redelivery.
	Redelivered bool
}

// RelayHooks are callbacks for relay outcomes. Nil hooks are skipped.
type RelayHooks struct {
	// OnApplied runs after an event reached the record store and the
	// message is about to be acknowledged.
	OnApplied func(ctx RelayContext)

	// OnDropped runs for malformed events that are acknowledged without effect.
	OnDropped func(ctx RelayContext, err error)

	// OnApplyFailed runs when the store failed and the message will be
	// negatively acknowledged for redelivery.
	OnApplyFailed func(ctx RelayContext, err error)
}

// Merge combines two RelayHooks. The hooks from other run after those of h.
func (h RelayHooks) Merge(other RelayHooks) RelayHooks {
	return RelayHooks{
		OnApplied:     chainHooks(h.OnApplied, other.OnApplied),
		OnDropped:     chainErrorHooks(h.OnDropped, other.OnDropped),
		OnApplyFailed: chainErrorHooks(h.OnApplyFailed, other.OnApplyFailed),
	}
}

func chainHooks(a, b func(RelayContext)) func(RelayContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx RelayContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(RelayContext, error)) func(RelayContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx RelayContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// RelayHooksMiddleware registers a middleware invoking hooks for every
// relayed message.
func RelayHooksMiddleware(hooks RelayHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "relay_hooks",
		Middleware: relayHooksMiddleware(hooks),
	}
}

// ServiceHooksMiddleware registers the hooks the Service was built with:
// logging, relay metrics and any ServiceDependencies.Hooks.
func ServiceHooksMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "relay_hooks",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return relayHooksMiddleware(s.hooks), nil
		},
	}
}

func relayHooksMiddleware(hooks RelayHooks) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			rc := RelayContext{
				HandlerName: message.HandlerNameFromCtx(msg.Context()),
				Queue:       message.SubscribeTopicFromCtx(msg.Context()),
				MessageUUID: msg.UUID,
				Metadata:    msg.Metadata,
				Context:     msg.Context(),
				StartedAt:   time.Now(),
				Redelivered: msg.Metadata.Get(transport.MetadataRedelivered) == "true",
			}

			msgs, err := h(msg)

			rc.Duration = time.Since(rc.StartedAt)
			rc.Action = msg.Metadata.Get(MetadataKeyAction)

			switch {
			case err == nil:
				if hooks.OnApplied != nil {
					hooks.OnApplied(rc)
				}
			case errspkg.IsMalformed(err):
				if hooks.OnDropped != nil {
					hooks.OnDropped(rc, err)
				}
			default:
				if hooks.OnApplyFailed != nil {
					hooks.OnApplyFailed(rc, err)
				}
			}

			return msgs, err
		}
	}
}

// LoggingHooks logs relay outcomes.
func LoggingHooks(logger loggingpkg.ServiceLogger) RelayHooks {
	return RelayHooks{
		OnApplied: func(ctx RelayContext) {
			logger.Debug("Event applied", loggingpkg.LogFields{
				"handler":      ctx.HandlerName,
				"queue":        ctx.Queue,
				"message_uuid": ctx.MessageUUID,
				"action":       ctx.Action,
				"redelivered":  ctx.Redelivered,
				"duration_ms":  ctx.Duration.Milliseconds(),
			})
		},
		OnDropped: func(ctx RelayContext, err error) {
			logger.Error("Event dropped", err, loggingpkg.LogFields{
				"handler":      ctx.HandlerName,
				"queue":        ctx.Queue,
				"message_uuid": ctx.MessageUUID,
			})
		},
		OnApplyFailed: func(ctx RelayContext, err error) {
			logger.Error("Event apply failed, message left for redelivery", err, loggingpkg.LogFields{
				"handler":      ctx.HandlerName,
				"queue":        ctx.Queue,
				"message_uuid": ctx.MessageUUID,
				"action":       ctx.Action,
				"redelivered":  ctx.Redelivered,
				"duration_ms":  ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks records relay outcomes on m.
func MetricsHooks(m *RelayMetrics) RelayHooks {
	return RelayHooks{
		OnApplied: func(ctx RelayContext) {
			m.RecordApplied(ctx.Action, ctx.Duration)
		},
		OnDropped: func(ctx RelayContext, err error) {
			m.RecordDropped(DropReasonMalformed)
		},
		OnApplyFailed: func(ctx RelayContext, err error) {
			m.RecordApplyFailure(ctx.Action)
		},
	}
}
