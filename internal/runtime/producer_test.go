package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/postrelay/internal/posts"
	errspkg "github.com/drblury/postrelay/internal/runtime/errors"
	"github.com/drblury/postrelay/transport/transporttest"
)

func TestNewProducerValidation(t *testing.T) {
	_, err := NewProducer(nil, testQueue, nil)
	assert.ErrorIs(t, err, errspkg.ErrPublisherRequired)

	_, err = NewProducer(&transporttest.Publisher{}, "", nil)
	assert.ErrorIs(t, err, errspkg.ErrTopicRequired)
}

func TestProducerPublish(t *testing.T) {
	pub := &transporttest.Publisher{}
	producer, err := NewProducer(pub, testQueue, nil)
	require.NoError(t, err)

	id, err := producer.Publish(context.Background(), posts.Event{Title: "Hello", Content: "World"})
	require.NoError(t, err)

	published := pub.Published(testQueue)
	require.Len(t, published, 1)
	msg := published[0]
	assert.Equal(t, id, msg.UUID)
	assert.NotEmpty(t, msg.Metadata.Get(MetadataKeyCorrelationID))

	ev, err := posts.DecodeEvent(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, posts.ActionCreate, ev.Action)
	assert.Equal(t, "Hello", ev.Title)
}

func TestProducerRejectsInvalidEvent(t *testing.T) {
	pub := &transporttest.Publisher{}
	producer, err := NewProducer(pub, testQueue, nil)
	require.NoError(t, err)

	_, err = producer.Publish(context.Background(), posts.Event{Title: "no content"})
	assert.ErrorIs(t, err, posts.ErrInvalidEvent)
	assert.Empty(t, pub.Published(testQueue))
}

func TestProducerWrapsTransportFailure(t *testing.T) {
	pub := &transporttest.Publisher{Err: errors.New("connection refused")}
	producer, err := NewProducer(pub, testQueue, nil)
	require.NoError(t, err)

	_, err = producer.Publish(context.Background(), posts.Event{Title: "Hello", Content: "World"})

	var transportErr *errspkg.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, testQueue, transportErr.Queue)
	assert.ErrorContains(t, err, "connection refused")
}

func TestProducerRun(t *testing.T) {
	pub := &transporttest.Publisher{}
	producer, err := NewProducer(pub, testQueue, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- producer.Run(ctx, 5*time.Millisecond, func() posts.Event {
			return posts.Event{Title: "tick", Content: "tock"}
		})
	}()

	require.Eventually(t, func() bool { return len(pub.Published(testQueue)) >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("producer did not stop")
	}
}

func TestProducerRunKeepsGoingAfterPublishFailure(t *testing.T) {
	pub := &transporttest.Publisher{Err: errors.New("broker down")}
	producer, err := NewProducer(pub, testQueue, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.NoError(t, producer.Run(ctx, 5*time.Millisecond, nil))
}

func TestProducerRunRejectsNonPositiveInterval(t *testing.T) {
	producer, err := NewProducer(&transporttest.Publisher{}, testQueue, nil)
	require.NoError(t, err)

	assert.Error(t, producer.Run(context.Background(), 0, nil))
}
