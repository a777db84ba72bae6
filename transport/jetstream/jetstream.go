// Package jetstream provides the NATS JetStream queue transport. Topics map
// to subjects of one work-queue stream and every topic is consumed through a
// durable pull consumer with explicit acknowledgement.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/postrelay/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStreamName is the stream holding all queue subjects.
	DefaultStreamName = "POSTRELAY"

	// DefaultMaxDeliver leaves redelivery unbounded so a failing apply is
	// retried until it succeeds.
	DefaultMaxDeliver = -1

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second

	// UUIDHeader carries the watermill message UUID across the broker.
	UUIDHeader = "_watermill_message_uuid"

	fetchBatch = 10
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("jetstream transport is closed")

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build creates a new NATS JetStream transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{URL: cfg.GetNATSURL(), Name: cfg.GetConsumerTag()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds NATS JetStream-specific configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// Name identifies the connection to the server.
	Name string

	// StreamName defaults to DefaultStreamName.
	StreamName string

	// MaxDeliver is the maximum number of delivery attempts; -1 is unlimited.
	MaxDeliver int

	// AckWait is how long the server waits before redelivering an
	// unacknowledged message.
	AckWait time.Duration

	// Replicas is the number of stream replicas (for clustering).
	Replicas int
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// StreamConfig returns the work-queue stream definition for c.
func (c Config) StreamConfig() *nats.StreamConfig {
	c = c.withDefaults()
	return &nats.StreamConfig{
		Name:      c.StreamName,
		Subjects:  []string{c.StreamName + ".>"},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
		Replicas:  c.Replicas,
	}
}

// ConsumerConfig returns the durable pull consumer definition for topic.
func (c Config) ConsumerConfig(topic string) *nats.ConsumerConfig {
	c = c.withDefaults()
	return &nats.ConsumerConfig{
		Durable:       consumerName(topic),
		FilterSubject: subjectFor(c.StreamName, topic),
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    c.MaxDeliver,
		AckWait:       c.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
}

// Transport implements Publisher and Subscriber for NATS JetStream.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	subMu         sync.Mutex
	subscriptions []*nats.Subscription
	wg            sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

// New connects to NATS and makes sure the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	opts := []nats.Option{nats.MaxReconnects(-1)}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	t := &Transport{
		nc:     nc,
		js:     js,
		config: cfg,
		logger: logger,
		closed: make(chan struct{}),
	}

	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}

	return t, nil
}

func (t *Transport) ensureStream() error {
	streamCfg := t.config.StreamConfig()
	if _, err := t.js.AddStream(streamCfg); err == nil {
		return nil
	}
	if _, err := t.js.UpdateStream(streamCfg); err != nil {
		return fmt.Errorf("ensure stream %s: %w", streamCfg.Name, err)
	}
	t.logger.Info("JetStream stream updated", watermill.LogFields{"stream": streamCfg.Name})
	return nil
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// Publish stores messages in the stream and waits for the server ack.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return ErrClosed
	}

	subject := subjectFor(t.config.StreamName, topic)
	for _, msg := range messages {
		if _, err := t.js.PublishMsg(toNATS(subject, msg)); err != nil {
			return fmt.Errorf("publish to %s: %w", subject, err)
		}
	}
	return nil
}

// Subscribe binds a durable pull consumer for topic and streams its
// messages until ctx is done or the transport closes.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}

	consumerCfg := t.config.ConsumerConfig(topic)
	if _, err := t.js.AddConsumer(t.config.StreamName, consumerCfg); err != nil {
		if _, err := t.js.UpdateConsumer(t.config.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("create consumer %s: %w", consumerCfg.Durable, err)
		}
	}

	sub, err := t.js.PullSubscribe(consumerCfg.FilterSubject, consumerCfg.Durable, nats.Bind(t.config.StreamName, consumerCfg.Durable))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", consumerCfg.FilterSubject, err)
	}

	t.subMu.Lock()
	t.subscriptions = append(t.subscriptions, sub)
	t.subMu.Unlock()

	output := make(chan *message.Message)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.fetchMessages(ctx, sub, output, topic)
	}()

	return output, nil
}

func (t *Transport) fetchMessages(ctx context.Context, sub *nats.Subscription, output chan<- *message.Message, topic string) {
	defer close(output)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closed:
			return
		default:
		}

		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if t.isClosed() {
				return
			}
			t.logger.Error("Failed to fetch messages", err, watermill.LogFields{"topic": topic})
			continue
		}

		for _, natsMsg := range msgs {
			if !t.deliver(ctx, natsMsg, output) {
				return
			}
		}
	}
}

// deliver hands one message to the consumer and settles it on the broker.
// It reports false once the subscription should stop.
func (t *Transport) deliver(ctx context.Context, natsMsg *nats.Msg, output chan<- *message.Message) bool {
	msg := fromNATS(natsMsg)
	msg.SetContext(ctx)

	select {
	case output <- msg:
	case <-ctx.Done():
		return false
	case <-t.closed:
		return false
	}

	select {
	case <-msg.Acked():
		if err := natsMsg.Ack(); err != nil {
			t.logger.Error("Failed to ack", err, watermill.LogFields{"message_uuid": msg.UUID})
		}
	case <-msg.Nacked():
		if err := natsMsg.Nak(); err != nil {
			t.logger.Error("Failed to nak", err, watermill.LogFields{"message_uuid": msg.UUID})
		}
	case <-ctx.Done():
		return false
	case <-t.closed:
		return false
	}
	return true
}

func toNATS(subject string, msg *message.Message) *nats.Msg {
	headers := nats.Header{}
	for k, v := range msg.Metadata {
		headers.Set(k, v)
	}
	headers.Set(UUIDHeader, msg.UUID)
	// lets the server drop a duplicate publish inside its dedupe window
	headers.Set(nats.MsgIdHdr, msg.UUID)

	return &nats.Msg{
		Subject: subject,
		Data:    msg.Payload,
		Header:  headers,
	}
}

func fromNATS(natsMsg *nats.Msg) *message.Message {
	uuid := natsMsg.Header.Get(UUIDHeader)
	if uuid == "" {
		uuid = natsMsg.Header.Get(nats.MsgIdHdr)
	}

	msg := message.NewMessage(uuid, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if k == UUIDHeader || k == nats.MsgIdHdr || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}

	if meta, err := natsMsg.Metadata(); err == nil {
		if meta.NumDelivered > 1 {
			msg.Metadata.Set(transport.MetadataRedelivered, "true")
		}
		msg.Metadata.Set(transport.MetadataDeliveryTag, fmt.Sprintf("%d", meta.Sequence.Stream))
	}

	return msg
}

func subjectFor(stream, topic string) string {
	return stream + "." + topic
}

func consumerName(topic string) string {
	return "postrelay_" + topic
}

// Close stops all subscriptions and closes the connection.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)

		t.subMu.Lock()
		for _, sub := range t.subscriptions {
			if err := sub.Unsubscribe(); err != nil {
				t.logger.Debug("Unsubscribe failed", watermill.LogFields{"error": err.Error()})
			}
		}
		t.subscriptions = nil
		t.subMu.Unlock()

		t.wg.Wait()
		t.nc.Close()
	})
	return nil
}
