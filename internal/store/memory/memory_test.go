package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/postrelay/internal/posts"
)

func TestCreateAssignsIncreasingIDs(t *testing.T) {
	s := New()
	ctx := context.Background()

	a, created, err := s.Create(ctx, posts.NewPost{Title: "a", Content: "1"})
	require.NoError(t, err)
	assert.True(t, created)
	b, _, err := s.Create(ctx, posts.NewPost{Title: "b", Content: "2"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.ID)
	assert.Equal(t, int64(2), b.ID)
	assert.False(t, a.CreatedAt.IsZero())
}

func TestCreateIsIdempotentPerKey(t *testing.T) {
	s := New()
	ctx := context.Background()
	in := posts.NewPost{Title: "Hello", Content: "World", IdempotencyKey: "msg-1"}

	first, created, err := s.Create(ctx, in)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := s.Create(ctx, in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, s.Len())
}

func TestCreateKeepsProvidedTimestamp(t *testing.T) {
	s := New()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	p, _, err := s.Create(context.Background(), posts.NewPost{Title: "t", Content: "c", CreatedAt: at})
	require.NoError(t, err)
	assert.Equal(t, at, p.CreatedAt)
}

func TestUpdateAppliesPatch(t *testing.T) {
	s := New()
	ctx := context.Background()
	p, _, err := s.Create(ctx, posts.NewPost{Title: "old", Content: "body"})
	require.NoError(t, err)

	title := "new"
	updated, err := s.Update(ctx, p.ID, posts.Patch{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "new", updated.Title)
	assert.Equal(t, "body", updated.Content)

	_, err = s.Update(ctx, 99, posts.Patch{Title: &title})
	assert.ErrorIs(t, err, posts.ErrNotFound)
}

func TestDeleteReleasesIdempotencyKey(t *testing.T) {
	s := New()
	ctx := context.Background()
	p, _, err := s.Create(ctx, posts.NewPost{Title: "t", Content: "c", IdempotencyKey: "k"})
	require.NoError(t, err)

	deleted, err := s.Delete(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, deleted.ID)

	_, err = s.FindByID(ctx, p.ID)
	assert.ErrorIs(t, err, posts.ErrNotFound)
	_, err = s.Delete(ctx, p.ID)
	assert.ErrorIs(t, err, posts.ErrNotFound)
}

func TestFindManyPages(t *testing.T) {
	s := New()
	ctx := context.Background()
	for range 5 {
		_, _, err := s.Create(ctx, posts.NewPost{Title: "t", Content: "c"})
		require.NoError(t, err)
	}

	all, err := s.FindMany(ctx, posts.Query{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, int64(1), all[0].ID)

	page, err := s.FindMany(ctx, posts.Query{Limit: 2, Offset: 3})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(4), page[0].ID)

	empty, err := s.FindMany(ctx, posts.Query{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCanceledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := s.Create(ctx, posts.NewPost{Title: "t", Content: "c"})
	assert.ErrorIs(t, err, context.Canceled)
}
