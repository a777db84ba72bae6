package posts

import (
	sterrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/drblury/postrelay/internal/runtime/jsoncodec"
)

// Action is the kind of mutation an Event asks the relay to apply.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

var (
	ErrInvalidEvent = sterrors.New("posts: invalid event")
	ErrNotFound     = sterrors.New("posts: record not found")
)

// Event is the immutable payload carried by a queue message. Events without
// an action are creates, which is all the original publishers ever emit.
type Event struct {
	Action    Action    `json:"action,omitempty"`
	ID        int64     `json:"id,omitempty"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	AuthorID  string    `json:"authorId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// DecodeEvent parses and validates a queue payload.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := jsoncodec.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if ev.Action == "" {
		ev.Action = ActionCreate
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Encode serialises the event as the UTF-8 JSON queue payload.
func (e Event) Encode() ([]byte, error) {
	return jsoncodec.Marshal(e)
}

func (e Event) Validate() error {
	switch e.Action {
	case "", ActionCreate:
		if strings.TrimSpace(e.Title) == "" {
			return fmt.Errorf("%w: title is required", ErrInvalidEvent)
		}
		if strings.TrimSpace(e.Content) == "" {
			return fmt.Errorf("%w: content is required", ErrInvalidEvent)
		}
	case ActionUpdate:
		if e.ID <= 0 {
			return fmt.Errorf("%w: update requires an id", ErrInvalidEvent)
		}
		if strings.TrimSpace(e.Title) == "" && strings.TrimSpace(e.Content) == "" {
			return fmt.Errorf("%w: update changes nothing", ErrInvalidEvent)
		}
	case ActionDelete:
		if e.ID <= 0 {
			return fmt.Errorf("%w: delete requires an id", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidEvent, e.Action)
	}
	return nil
}

// NewPost returns the store input for a create event.
func (e Event) NewPost(idempotencyKey string) NewPost {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return NewPost{
		Title:          e.Title,
		Content:        e.Content,
		AuthorID:       e.AuthorID,
		CreatedAt:      createdAt,
		IdempotencyKey: idempotencyKey,
	}
}

// Patch returns the partial update described by an update event. Blank
// fields are left untouched.
func (e Event) Patch() Patch {
	var p Patch
	if strings.TrimSpace(e.Title) != "" {
		title := e.Title
		p.Title = &title
	}
	if strings.TrimSpace(e.Content) != "" {
		content := e.Content
		p.Content = &content
	}
	return p
}
