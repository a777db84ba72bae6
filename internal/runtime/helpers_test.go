package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/postrelay/internal/fanout"
	"github.com/drblury/postrelay/internal/posts"
	configpkg "github.com/drblury/postrelay/internal/runtime/config"
	loggingpkg "github.com/drblury/postrelay/internal/runtime/logging"
	"github.com/drblury/postrelay/internal/store/memory"
	transportpkg "github.com/drblury/postrelay/transport"
)

const testQueue = "posts_queue"

func newTestConfig() *configpkg.Config {
	conf := configpkg.Default()
	conf.QueueSystem = "channel"
	conf.QueueName = testQueue
	conf.ShutdownTimeout = time.Second
	return &conf
}

func newTestRegistry() *transportpkg.Registry {
	registry := transportpkg.NewRegistry()
	registry.RegisterWithCapabilities("channel", func(context.Context, transportpkg.Config, watermill.LoggerAdapter) (transportpkg.Transport, error) {
		return transportpkg.Transport{}, errors.New("prebuilt transport expected")
	}, transportpkg.ChannelCapabilities)
	return registry
}

type relayFixture struct {
	svc    *Service
	pubsub *gochannel.GoChannel
	store  *memory.Store
	hub    *fanout.Hub
	posts  *posts.Service
}

// newRelayFixture runs a relay over an in-memory queue until the test ends.
func newRelayFixture(t *testing.T, conf *configpkg.Config, wrap func(PostApplier) PostApplier) *relayFixture {
	t.Helper()

	pubsub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	svc, err := NewService(context.Background(), conf, loggingpkg.Discard(), ServiceDependencies{
		Registry:   newTestRegistry(),
		Transport:  &transportpkg.Transport{Publisher: pubsub, Subscriber: pubsub},
		Registerer: prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	store := memory.New()
	hub := fanout.NewHub()
	postsSvc, err := posts.NewService(store, hub, loggingpkg.Discard())
	if err != nil {
		t.Fatalf("new posts service: %v", err)
	}

	var applier PostApplier = postsSvc
	if wrap != nil {
		applier = wrap(applier)
	}
	if err := RegisterRelay(svc, RelayConfig{Posts: applier}); err != nil {
		t.Fatalf("register relay: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = svc.Close()
		<-done
		hub.Close()
	})

	select {
	case <-svc.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("router did not start")
	}

	return &relayFixture{svc: svc, pubsub: pubsub, store: store, hub: hub, posts: postsSvc}
}

// flakyApplier fails the first n creates with a store error.
type flakyApplier struct {
	PostApplier
	failures atomic.Int32
}

var errStoreDown = errors.New("store down")

func (f *flakyApplier) Create(ctx context.Context, in posts.NewPost) (posts.Post, bool, error) {
	if f.failures.Add(-1) >= 0 {
		return posts.Post{}, false, errStoreDown
	}
	return f.PostApplier.Create(ctx, in)
}

func waitForNotification(t *testing.T, sub *fanout.Subscription) fanout.Notification {
	t.Helper()
	select {
	case n, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("no notification received")
		return fanout.Notification{}
	}
}
