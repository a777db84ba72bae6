// Package sessions serves live post changes to browsers over WebSocket and
// Server-Sent Events. Each session binds fan-out subscriptions for the topics
// it asks for and releases them when the client goes away.
package sessions

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/drblury/postrelay/internal/fanout"
	"github.com/drblury/postrelay/internal/posts"
	runtimeerrors "github.com/drblury/postrelay/internal/runtime/errors"
	"github.com/drblury/postrelay/internal/runtime/logging"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	writeWait = 10 * time.Second
	// pongWait is the maximum time to wait for a pong reply from the peer.
	pongWait = 60 * time.Second
	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize is the maximum inbound control frame size in bytes.
	maxMessageSize = 4096

	// DefaultKeepalive is how often SSE streams get a comment line.
	DefaultKeepalive = 15 * time.Second

	sendBuffer = 64
)

// Subscriber registers fan-out subscriptions. *fanout.Hub implements it.
type Subscriber interface {
	Subscribe(topic string) (*fanout.Subscription, error)
}

type session interface {
	close()
}

// Manager owns every live session.
type Manager struct {
	hub       Subscriber
	log       logging.ServiceLogger
	origins   []string
	keepalive time.Duration
	upgrader  websocket.Upgrader

	mu       sync.Mutex
	sessions map[session]struct{}
	closed   bool
}

type Option func(*Manager)

// WithLogger sets the logger. Sessions log nothing by default.
func WithLogger(log logging.ServiceLogger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithAllowedOrigins restricts browser origins. An empty list or "*" allows all.
func WithAllowedOrigins(origins []string) Option {
	return func(m *Manager) { m.origins = origins }
}

func WithKeepalive(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.keepalive = d
		}
	}
}

func NewManager(hub Subscriber, opts ...Option) *Manager {
	m := &Manager{
		hub:       hub,
		log:       logging.Discard(),
		keepalive: DefaultKeepalive,
		sessions:  make(map[session]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(logging.LogFields{"component": "sessions"})
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     m.checkOrigin,
	}
	return m
}

// RegisterRoutes wires the live update endpoints.
func (m *Manager) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/graphql", m.ServeWS).Methods(http.MethodGet)
	r.HandleFunc("/ws", m.ServeWS).Methods(http.MethodGet)
	r.HandleFunc("/events", m.ServeSSE).Methods(http.MethodGet)
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll ends every session and refuses new ones.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	open := make([]session, 0, len(m.sessions))
	for s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	for _, s := range open {
		s.close()
	}
}

func (m *Manager) add(s session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.sessions[s] = struct{}{}
	return true
}

func (m *Manager) remove(s session) {
	m.mu.Lock()
	delete(m.sessions, s)
	m.mu.Unlock()
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(m.origins) == 0 {
		return true
	}
	for _, allowed := range m.origins {
		if allowed == "*" || strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// requestedTopics reads ?topic= values, repeated or comma separated.
func requestedTopics(r *http.Request) ([]string, error) {
	var topics []string
	seen := make(map[string]bool)
	for _, raw := range r.URL.Query()["topic"] {
		for _, t := range strings.Split(raw, ",") {
			t = strings.TrimSpace(t)
			if t == "" || seen[t] {
				continue
			}
			if !posts.IsTopic(t) {
				return nil, runtimeerrors.ErrUnknownTopic
			}
			seen[t] = true
			topics = append(topics, t)
		}
	}
	return topics, nil
}
