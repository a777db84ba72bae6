// Package api exposes the record store over HTTP: post queries and
// mutations, the enqueue endpoint, health, metrics and relay handler stats.
// Live update endpoints are mounted by the sessions package on the same
// router.
package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/drblury/postrelay/internal/runtime/logging"
)

// ErrPostsRequired is returned by NewRouter without a PostService.
var ErrPostsRequired = errors.New("api: post service is required")

// RouteRegistrar mounts additional routes, such as the live endpoints.
type RouteRegistrar interface {
	RegisterRoutes(r *mux.Router)
}

// RouterConfig wires the HTTP surface. Only Posts is required.
type RouterConfig struct {
	Posts    PostService
	Producer Enqueuer
	Sessions RouteRegistrar

	// Handlers serves relay handler stats at /api/handlers.
	Handlers http.Handler
	// Metrics serves the Prometheus scrape endpoint at /metrics.
	Metrics http.Handler

	Logger logging.ServiceLogger

	// EnqueueRateLimit caps POST /queue/posts per client; zero disables it.
	EnqueueRateLimit float64
	EnqueueBurst     int
}

// NewRouter builds the HTTP router.
func NewRouter(cfg RouterConfig) (*mux.Router, error) {
	if cfg.Posts == nil {
		return nil, ErrPostsRequired
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}

	r := mux.NewRouter()
	r.Use(requestLogger(log))

	r.HandleFunc("/healthz", healthz).Methods(http.MethodGet)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics).Methods(http.MethodGet)
	}
	if cfg.Handlers != nil {
		r.Handle("/api/handlers", cfg.Handlers).Methods(http.MethodGet, http.MethodOptions)
	}

	h := NewHandlers(cfg.Posts, cfg.Producer, log)
	h.RegisterRoutes(r)

	if cfg.Producer != nil {
		var enqueue http.Handler = http.HandlerFunc(h.EnqueuePost)
		if cfg.EnqueueRateLimit > 0 {
			enqueue = rateLimit(cfg.EnqueueRateLimit, cfg.EnqueueBurst)(enqueue)
		}
		r.Handle("/queue/posts", enqueue).Methods(http.MethodPost)
	}

	if cfg.Sessions != nil {
		cfg.Sessions.RegisterRoutes(r)
	}
	return r, nil
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
