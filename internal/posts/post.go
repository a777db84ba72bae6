package posts

import (
	"context"
	"time"
)

// Change notification topics.
const (
	TopicPostCreated = "postCreated"
	TopicPostUpdated = "postUpdated"
	TopicPostDeleted = "postDeleted"
)

var topics = []string{TopicPostCreated, TopicPostUpdated, TopicPostDeleted}

// Topics lists every topic live subscribers may bind to.
func Topics() []string {
	out := make([]string, len(topics))
	copy(out, topics)
	return out
}

func IsTopic(topic string) bool {
	for _, t := range topics {
		if t == topic {
			return true
		}
	}
	return false
}

// Post is the persisted record. IdempotencyKey remembers the event that
// created it so redelivered creates resolve to the same row.
type Post struct {
	ID             int64     `json:"id"`
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	AuthorID       string    `json:"authorId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	IdempotencyKey string    `json:"-"`
}

// View is the snapshot pushed to live subscribers.
type View struct {
	ID      int64  `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (p Post) View() View {
	return View{ID: p.ID, Title: p.Title, Content: p.Content}
}

// NewPost is the input of Store.Create.
type NewPost struct {
	Title          string
	Content        string
	AuthorID       string
	CreatedAt      time.Time
	IdempotencyKey string
}

// Patch is a partial update; nil fields are kept.
type Patch struct {
	Title   *string `json:"title,omitempty"`
	Content *string `json:"content,omitempty"`
}

func (p Patch) Empty() bool { return p.Title == nil && p.Content == nil }

// Query pages through posts ordered by id.
type Query struct {
	Limit  int
	Offset int
}

// Store is the record store contract the relay and the API mutate through.
// Create reports created=false when a post with the same non-empty
// idempotency key already exists and returns that post. Update, Delete and
// FindByID return ErrNotFound for unknown ids.
type Store interface {
	Create(ctx context.Context, in NewPost) (post Post, created bool, err error)
	Update(ctx context.Context, id int64, patch Patch) (Post, error)
	Delete(ctx context.Context, id int64) (Post, error)
	FindByID(ctx context.Context, id int64) (Post, error)
	FindMany(ctx context.Context, q Query) ([]Post, error)
}
