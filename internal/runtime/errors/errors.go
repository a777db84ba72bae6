package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired      = sterrors.New("postrelay: relay service is required")
	ErrHandlerRequired      = sterrors.New("postrelay: handler function is required")
	ErrConsumeQueueRequired = sterrors.New("postrelay: consume queue is required")
	ErrHandlerNameRequired  = sterrors.New("postrelay: handler name is required")
	ErrPublisherRequired    = sterrors.New("postrelay: publisher is required")
	ErrTopicRequired        = sterrors.New("postrelay: topic is required")
	ErrStoreRequired        = sterrors.New("postrelay: record store is required")
	ErrNotifierRequired     = sterrors.New("postrelay: notifier is required")
	ErrHubClosed            = sterrors.New("postrelay: fan-out hub is closed")
	ErrUnknownTopic         = sterrors.New("postrelay: unknown topic")
)

// TransportError reports that the durable queue could not be reached. The
// caller decides whether to retry or drop.
type TransportError struct {
	Queue string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: publish to %q failed: %v", e.Queue, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MalformedPayloadError marks a queue message that can never be processed.
// Such messages are acknowledged and dropped instead of being redelivered.
type MalformedPayloadError struct {
	MessageUUID string
	Payload     string
	Err         error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed payload in message %s: %v", e.MessageUUID, e.Err)
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

// ApplyError wraps a record store failure. The message stays unacknowledged
// and the broker redelivers it.
type ApplyError struct {
	Op          string
	MessageUUID string
	Err         error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s for message %s: %v", e.Op, e.MessageUUID, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// DeliveryError describes a live subscriber that was dropped because its
// channel was saturated or closed.
type DeliveryError struct {
	Topic          string
	SubscriptionID string
	Reason         string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to subscription %s on %q failed: %s", e.SubscriptionID, e.Topic, e.Reason)
}

// IsMalformed reports whether err (or anything it wraps) is a MalformedPayloadError.
func IsMalformed(err error) bool {
	var target *MalformedPayloadError
	return sterrors.As(err, &target)
}

// IsApplyFailure reports whether err (or anything it wraps) is an ApplyError.
func IsApplyFailure(err error) bool {
	var target *ApplyError
	return sterrors.As(err, &target)
}

// IsTransport reports whether err (or anything it wraps) is a TransportError.
func IsTransport(err error) bool {
	var target *TransportError
	return sterrors.As(err, &target)
}
