package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/drblury/postrelay/internal/posts"
	runtimeerrors "github.com/drblury/postrelay/internal/runtime/errors"
	"github.com/drblury/postrelay/internal/runtime/jsoncodec"
	"github.com/drblury/postrelay/internal/runtime/logging"
)

const (
	// IdempotencyKeyHeader lets clients retry POST /posts without
	// creating duplicates.
	IdempotencyKeyHeader = "Idempotency-Key"

	maxBodyBytes = 1 << 20

	defaultListLimit = 50
	maxListLimit     = 500
)

// PostService is the record API the handlers mutate through. Every mutation
// notifies live subscribers.
type PostService interface {
	Create(ctx context.Context, in posts.NewPost) (posts.Post, bool, error)
	Update(ctx context.Context, id int64, patch posts.Patch) (posts.Post, error)
	Delete(ctx context.Context, id int64) (posts.Post, error)
	Get(ctx context.Context, id int64) (posts.Post, error)
	List(ctx context.Context, q posts.Query) ([]posts.Post, error)
}

// Enqueuer hands events to the durable queue instead of writing directly.
type Enqueuer interface {
	Publish(ctx context.Context, ev posts.Event) (string, error)
}

// Handlers provides the post query and mutation endpoints.
type Handlers struct {
	posts    PostService
	producer Enqueuer
	log      logging.ServiceLogger
}

// NewHandlers creates Handlers. producer may be nil, in which case the
// enqueue endpoint is not registered.
func NewHandlers(svc PostService, producer Enqueuer, log logging.ServiceLogger) *Handlers {
	if log == nil {
		log = logging.Discard()
	}
	return &Handlers{
		posts:    svc,
		producer: producer,
		log:      log.With(logging.LogFields{"component": "api"}),
	}
}

// RegisterRoutes wires the post endpoints onto the provided router.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/posts", h.ListPosts).Methods(http.MethodGet)
	r.HandleFunc("/posts", h.CreatePost).Methods(http.MethodPost)
	r.HandleFunc("/posts/{id}", h.GetPost).Methods(http.MethodGet)
	r.HandleFunc("/posts/{id}", h.UpdatePost).Methods(http.MethodPatch)
	r.HandleFunc("/posts/{id}", h.DeletePost).Methods(http.MethodDelete)
}

// createRequest is the body of POST /posts.
type createRequest struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	AuthorID string `json:"authorId,omitempty"`
}

type listResponse struct {
	Posts  []posts.Post `json:"posts"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

type enqueueResponse struct {
	MessageID string `json:"messageId"`
}

// ListPosts handles GET /posts?limit=&offset=.
func (h *Handlers) ListPosts(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	list, err := h.posts.List(r.Context(), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []posts.Post{}
	}
	writeJSON(w, http.StatusOK, listResponse{Posts: list, Limit: q.Limit, Offset: q.Offset})
}

// GetPost handles GET /posts/{id}.
func (h *Handlers) GetPost(w http.ResponseWriter, r *http.Request) {
	id, ok := postID(w, r)
	if !ok {
		return
	}
	post, err := h.posts.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

// CreatePost handles POST /posts. A repeated Idempotency-Key returns the
// post created the first time with 200 instead of 201.
func (h *Handlers) CreatePost(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ev := posts.Event{
		Action:   posts.ActionCreate,
		Title:    req.Title,
		Content:  req.Content,
		AuthorID: req.AuthorID,
	}
	if err := ev.Validate(); err != nil {
		h.fail(w, r, err)
		return
	}

	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	post, created, err := h.posts.Create(r.Context(), ev.NewPost(key))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, post)
}

// UpdatePost handles PATCH /posts/{id}.
func (h *Handlers) UpdatePost(w http.ResponseWriter, r *http.Request) {
	id, ok := postID(w, r)
	if !ok {
		return
	}

	var patch posts.Patch
	if !decodeBody(w, r, &patch) {
		return
	}
	if patch.Empty() {
		writeError(w, http.StatusBadRequest, "patch must change title or content")
		return
	}
	if blank(patch.Title) || blank(patch.Content) {
		writeError(w, http.StatusBadRequest, "title and content cannot be blank")
		return
	}

	post, err := h.posts.Update(r.Context(), id, patch)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

// DeletePost handles DELETE /posts/{id} and returns the removed post.
func (h *Handlers) DeletePost(w http.ResponseWriter, r *http.Request) {
	id, ok := postID(w, r)
	if !ok {
		return
	}
	post, err := h.posts.Delete(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

// EnqueuePost handles POST /queue/posts. The event is applied later by the
// relay; the response only confirms the queue accepted it.
func (h *Handlers) EnqueuePost(w http.ResponseWriter, r *http.Request) {
	var ev posts.Event
	if !decodeBody(w, r, &ev) {
		return
	}

	id, err := h.producer.Publish(r.Context(), ev)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{MessageID: id})
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, posts.ErrNotFound):
		writeError(w, http.StatusNotFound, "post not found")
	case errors.Is(err, posts.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error())
	case runtimeerrors.IsTransport(err):
		h.log.Error("Queue rejected event", err, logging.LogFields{"path": r.URL.Path})
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
	default:
		h.log.Error("Request failed", err, logging.LogFields{"method": r.Method, "path": r.URL.Path})
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func postID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid post id")
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := jsoncodec.DecodeLimited(r.Body, maxBodyBytes, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func parseQuery(r *http.Request) (posts.Query, error) {
	q := posts.Query{Limit: defaultListLimit}
	values := r.URL.Query()

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return posts.Query{}, fmt.Errorf("invalid limit %q", raw)
		}
		q.Limit = min(n, maxListLimit)
	}
	if raw := values.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return posts.Query{}, fmt.Errorf("invalid offset %q", raw)
		}
		q.Offset = n
	}
	return q, nil
}

func blank(s *string) bool {
	return s != nil && strings.TrimSpace(*s) == ""
}
