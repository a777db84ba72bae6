// Package fanout is the in-process topic notifier that pushes committed
// post changes to live subscribers. Delivery is best effort: nothing is
// buffered for subscribers that are not registered at publish time, and a
// subscriber that cannot keep up is dropped rather than slowing the rest.
package fanout

import (
	"sync"
	"sync/atomic"

	runtimeerrors "github.com/drblury/postrelay/internal/runtime/errors"
	"github.com/drblury/postrelay/internal/runtime/ids"
	"github.com/drblury/postrelay/internal/runtime/logging"
)

// DefaultBuffer is the per-subscription buffer when none is configured.
const DefaultBuffer = 16

// Notification is one change pushed to a subscriber. Data is shared between
// all receivers and must not be modified.
type Notification struct {
	Topic string
	Seq   uint64
	Data  []byte
}

// Subscription is a live registration on one topic. C is closed when the
// subscription ends for any reason.
type Subscription struct {
	id      string
	topic   string
	ch      chan Notification
	done    chan struct{}
	hub     *Hub
	dropped atomic.Bool
}

func (s *Subscription) ID() string             { return s.id }
func (s *Subscription) Topic() string          { return s.topic }
func (s *Subscription) C() <-chan Notification { return s.ch }

// Done is closed once the subscription has been removed from the hub.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Dropped reports whether the hub removed this subscription because its
// buffer was full.
func (s *Subscription) Dropped() bool { return s.dropped.Load() }

// Close unsubscribes. It is idempotent and safe to call concurrently with
// Publish.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Hub routes notifications to the subscriptions of a topic. Publishes are
// serialised so every subscriber observes a topic in publish order.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[*Subscription]struct{}
	seq    map[string]uint64
	closed bool

	buffer  int
	log     logging.ServiceLogger
	metrics *Metrics
}

type Option func(*Hub)

func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func WithLogger(log logging.ServiceLogger) Option {
	return func(h *Hub) {
		if log != nil {
			h.log = log
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		topics: make(map[string]map[*Subscription]struct{}),
		seq:    make(map[string]uint64),
		buffer: DefaultBuffer,
		log:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With(logging.LogFields{"component": "fanout"})
	return h
}

// Subscribe registers a new subscription on topic.
func (h *Hub) Subscribe(topic string) (*Subscription, error) {
	if topic == "" {
		return nil, runtimeerrors.ErrTopicRequired
	}
	sub := &Subscription{
		id:    ids.CreateULID(),
		topic: topic,
		ch:    make(chan Notification, h.buffer),
		done:  make(chan struct{}),
		hub:   h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, runtimeerrors.ErrHubClosed
	}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	h.metrics.subscribed(topic)
	return sub, nil
}

// Publish delivers data to every current subscriber of topic and returns how
// many received it. It never blocks on a subscriber.
func (h *Hub) Publish(topic string, data []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0
	}

	h.seq[topic]++
	n := Notification{Topic: topic, Seq: h.seq[topic], Data: data}

	delivered, dropped := 0, 0
	for sub := range h.topics[topic] {
		select {
		case sub.ch <- n:
			delivered++
		default:
			dropped++
			sub.dropped.Store(true)
			h.removeLocked(sub)
			h.log.Error("Dropping saturated subscriber", &runtimeerrors.DeliveryError{
				Topic:          topic,
				SubscriptionID: sub.id,
				Reason:         "buffer full",
			}, logging.LogFields{"seq": n.Seq})
		}
	}
	h.metrics.publish(topic, delivered, dropped)
	return delivered
}

// Subscribers returns the number of live subscriptions on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

// Close ends every subscription and rejects further subscribes.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, subs := range h.topics {
		for sub := range subs {
			h.removeLocked(sub)
		}
	}
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

// removeLocked is the only place subscription channels are closed.
func (h *Hub) removeLocked(sub *Subscription) {
	subs, ok := h.topics[sub.topic]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.topics, sub.topic)
	}
	close(sub.ch)
	close(sub.done)
	h.metrics.unsubscribed(sub.topic)
}
