package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	loggingpkg "github.com/drblury/postrelay/internal/runtime/logging"
	transportpkg "github.com/drblury/postrelay/transport"
	"github.com/drblury/postrelay/transport/transporttest"
)

func TestNewServiceBuildsTransportFromRegistry(t *testing.T) {
	pub := &transporttest.Publisher{}
	sub := &transporttest.Subscriber{}
	registry := transportpkg.NewRegistry()
	registry.RegisterWithCapabilities("fake", func(_ context.Context, cfg transportpkg.Config, _ watermill.LoggerAdapter) (transportpkg.Transport, error) {
		assert.Equal(t, "fake", cfg.GetQueueSystem())
		return transportpkg.Transport{Publisher: pub, Subscriber: sub}, nil
	}, transportpkg.RabbitMQCapabilities)

	conf := newTestConfig()
	conf.QueueSystem = "fake"
	svc, err := NewService(context.Background(), conf, loggingpkg.Discard(), ServiceDependencies{
		Registry:   registry,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	assert.Same(t, pub, svc.Publisher())
	assert.True(t, svc.Capabilities().Durable())

	require.NoError(t, svc.Close())
	assert.True(t, pub.Closed)
	assert.True(t, sub.Closed)
	// second close is a no-op
	assert.NoError(t, svc.Close())
}

func TestNewServiceReturnsTransportError(t *testing.T) {
	registry := transportpkg.NewRegistry()
	registry.Register("broken", func(context.Context, transportpkg.Config, watermill.LoggerAdapter) (transportpkg.Transport, error) {
		return transportpkg.Transport{}, errors.New("dial tcp: connection refused")
	})

	conf := newTestConfig()
	conf.QueueSystem = "broken"
	_, err := NewService(context.Background(), conf, nil, ServiceDependencies{
		Registry:   registry,
		Registerer: prometheus.NewRegistry(),
	})
	assert.ErrorContains(t, err, "connection refused")
}

func TestNewServiceRejectsBrokenMiddleware(t *testing.T) {
	sub := &transporttest.Subscriber{}
	conf := newTestConfig()
	conf.PoisonQueue = "posts_poison"

	_, err := NewService(context.Background(), conf, nil, ServiceDependencies{
		Registry:                  newTestRegistry(),
		Transport:                 &transportpkg.Transport{Subscriber: sub},
		Registerer:                prometheus.NewRegistry(),
		DisableDefaultMiddlewares: true,
		Middlewares:               []MiddlewareRegistration{DropMalformedMiddleware()},
	})
	assert.ErrorContains(t, err, "drop_malformed")
	assert.True(t, sub.Closed)
}

func TestNewServiceRequiresConfig(t *testing.T) {
	_, err := NewService(context.Background(), nil, nil, ServiceDependencies{})
	assert.Error(t, err)
}

func TestServiceNewProducerUsesQueueName(t *testing.T) {
	pub := &transporttest.Publisher{}
	svc, err := NewService(context.Background(), newTestConfig(), nil, ServiceDependencies{
		Registry:   newTestRegistry(),
		Transport:  &transportpkg.Transport{Publisher: pub, Subscriber: &transporttest.Subscriber{}},
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	defer svc.Close()

	producer, err := svc.NewProducer()
	require.NoError(t, err)
	assert.Equal(t, testQueue, producer.queue)
}
