// Package memory is an in-process record store. It backs tests and the
// default single-node deployment where durability of posts is not required.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/drblury/postrelay/internal/posts"
)

type Store struct {
	mu     sync.RWMutex
	nextID int64
	posts  map[int64]posts.Post
	byKey  map[string]int64
	now    func() time.Time
}

var _ posts.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		posts: make(map[int64]posts.Post),
		byKey: make(map[string]int64),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Create(ctx context.Context, in posts.NewPost) (posts.Post, bool, error) {
	if err := ctx.Err(); err != nil {
		return posts.Post{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.IdempotencyKey != "" {
		if id, ok := s.byKey[in.IdempotencyKey]; ok {
			return s.posts[id], false, nil
		}
	}

	s.nextID++
	now := s.now()
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	post := posts.Post{
		ID:             s.nextID,
		Title:          in.Title,
		Content:        in.Content,
		AuthorID:       in.AuthorID,
		CreatedAt:      createdAt,
		UpdatedAt:      now,
		IdempotencyKey: in.IdempotencyKey,
	}
	s.posts[post.ID] = post
	if in.IdempotencyKey != "" {
		s.byKey[in.IdempotencyKey] = post.ID
	}
	return post, true, nil
}

func (s *Store) Update(ctx context.Context, id int64, patch posts.Patch) (posts.Post, error) {
	if err := ctx.Err(); err != nil {
		return posts.Post{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	post, ok := s.posts[id]
	if !ok {
		return posts.Post{}, posts.ErrNotFound
	}
	if patch.Title != nil {
		post.Title = *patch.Title
	}
	if patch.Content != nil {
		post.Content = *patch.Content
	}
	post.UpdatedAt = s.now()
	s.posts[id] = post
	return post, nil
}

func (s *Store) Delete(ctx context.Context, id int64) (posts.Post, error) {
	if err := ctx.Err(); err != nil {
		return posts.Post{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	post, ok := s.posts[id]
	if !ok {
		return posts.Post{}, posts.ErrNotFound
	}
	delete(s.posts, id)
	if post.IdempotencyKey != "" {
		delete(s.byKey, post.IdempotencyKey)
	}
	return post, nil
}

func (s *Store) FindByID(ctx context.Context, id int64) (posts.Post, error) {
	if err := ctx.Err(); err != nil {
		return posts.Post{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	post, ok := s.posts[id]
	if !ok {
		return posts.Post{}, posts.ErrNotFound
	}
	return post, nil
}

func (s *Store) FindMany(ctx context.Context, q posts.Query) ([]posts.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]posts.Post, 0, len(s.posts))
	for _, p := range s.posts {
		out = append(out, p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return []posts.Post{}, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(out) {
		out = out[:q.Limit]
	}
	return out, nil
}

// Len reports the number of stored posts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.posts)
}
