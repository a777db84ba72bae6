package posts

import (
	"context"
	"fmt"

	runtimeerrors "github.com/drblury/postrelay/internal/runtime/errors"
	"github.com/drblury/postrelay/internal/runtime/jsoncodec"
	"github.com/drblury/postrelay/internal/runtime/logging"
)

// Notifier fans a change out to live subscribers and reports how many
// received it.
type Notifier interface {
	Publish(topic string, data []byte) int
}

// Service applies mutations to the Store and notifies live subscribers once
// each mutation has succeeded. Both the relay and the HTTP API go through it.
type Service struct {
	store    Store
	notifier Notifier
	log      logging.ServiceLogger
}

func NewService(store Store, notifier Notifier, log logging.ServiceLogger) (*Service, error) {
	if store == nil {
		return nil, runtimeerrors.ErrStoreRequired
	}
	if notifier == nil {
		return nil, runtimeerrors.ErrNotifierRequired
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Service{store: store, notifier: notifier, log: log.With(logging.LogFields{"component": "posts"})}, nil
}

// Create stores a post. A create whose idempotency key was already applied
// returns the existing post with created=false and notifies nobody.
func (s *Service) Create(ctx context.Context, in NewPost) (Post, bool, error) {
	post, created, err := s.store.Create(ctx, in)
	if err != nil {
		return Post{}, false, err
	}
	if created {
		s.notify(TopicPostCreated, post)
	}
	return post, created, nil
}

func (s *Service) Update(ctx context.Context, id int64, patch Patch) (Post, error) {
	post, err := s.store.Update(ctx, id, patch)
	if err != nil {
		return Post{}, err
	}
	s.notify(TopicPostUpdated, post)
	return post, nil
}

func (s *Service) Delete(ctx context.Context, id int64) (Post, error) {
	post, err := s.store.Delete(ctx, id)
	if err != nil {
		return Post{}, err
	}
	s.notify(TopicPostDeleted, post)
	return post, nil
}

func (s *Service) Get(ctx context.Context, id int64) (Post, error) {
	return s.store.FindByID(ctx, id)
}

func (s *Service) List(ctx context.Context, q Query) ([]Post, error) {
	return s.store.FindMany(ctx, q)
}

func (s *Service) notify(topic string, post Post) {
	data, err := EncodeView(post)
	if err != nil {
		s.log.Error("Failed to encode change notification", err, logging.LogFields{"topic": topic, "post_id": post.ID})
		return
	}
	delivered := s.notifier.Publish(topic, data)
	s.log.Debug("Change notification published", logging.LogFields{
		"topic":     topic,
		"post_id":   post.ID,
		"delivered": delivered,
	})
}

// EncodeView renders the live notification payload of a post.
func EncodeView(post Post) ([]byte, error) {
	data, err := jsoncodec.Marshal(post.View())
	if err != nil {
		return nil, fmt.Errorf("posts: encode view: %w", err)
	}
	return data, nil
}
