package posts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEventDefaultsToCreate(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"title":"Hello","content":"World","authorId":"a1","createdAt":"2024-05-01T10:00:00.000Z"}`))
	require.NoError(t, err)

	assert.Equal(t, ActionCreate, ev.Action)
	assert.Equal(t, "Hello", ev.Title)
	assert.Equal(t, "a1", ev.AuthorID)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), ev.CreatedAt.UTC())
}

func TestDecodeEventRejectsMalformedPayloads(t *testing.T) {
	cases := map[string]string{
		"not json":          `not-json`,
		"blank title":       `{"title":"  ","content":"x"}`,
		"missing content":   `{"title":"x"}`,
		"update without id": `{"action":"update","title":"x"}`,
		"empty update":      `{"action":"update","id":3}`,
		"delete without id": `{"action":"delete"}`,
		"unknown action":    `{"action":"archive","id":1}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(payload))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestEventRoundTrip(t *testing.T) {
	in := Event{Action: ActionDelete, ID: 7, CreatedAt: time.Now().UTC().Truncate(time.Second)}
	data, err := in.Encode()
	require.NoError(t, err)

	out, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, ActionDelete, out.Action)
}

func TestEventPatchSkipsBlankFields(t *testing.T) {
	p := Event{Action: ActionUpdate, ID: 1, Title: "new"}.Patch()
	require.NotNil(t, p.Title)
	assert.Equal(t, "new", *p.Title)
	assert.Nil(t, p.Content)
	assert.False(t, p.Empty())
	assert.True(t, Patch{}.Empty())
}

func TestEventNewPostFillsTimestamp(t *testing.T) {
	np := Event{Title: "t", Content: "c"}.NewPost("key")
	assert.Equal(t, "key", np.IdempotencyKey)
	assert.False(t, np.CreatedAt.IsZero())
}

func TestSynthesizeProducesValidCreates(t *testing.T) {
	for range 20 {
		ev := Synthesize()
		require.NoError(t, ev.Validate())
		assert.Equal(t, ActionCreate, ev.Action)
		assert.Len(t, ev.AuthorID, 36)
	}
}

func TestTopics(t *testing.T) {
	assert.Equal(t, []string{"postCreated", "postUpdated", "postDeleted"}, Topics())
	assert.True(t, IsTopic(TopicPostUpdated))
	assert.False(t, IsTopic("postArchived"))
}
