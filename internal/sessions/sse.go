package sessions

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/drblury/postrelay/internal/fanout"
	"github.com/drblury/postrelay/internal/posts"
	"github.com/drblury/postrelay/internal/runtime/ids"
	"github.com/drblury/postrelay/internal/runtime/logging"
)

type sseSession struct {
	done      chan struct{}
	closeOnce sync.Once
}

func (s *sseSession) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// ServeSSE streams notifications as Server-Sent Events. Without ?topic= the
// stream carries every post topic.
func (m *Manager) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	topics, err := requestedTopics(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(topics) == 0 {
		topics = posts.Topics()
	}

	s := &sseSession{done: make(chan struct{})}
	if !m.add(s) {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer m.remove(s)

	log := m.log.With(logging.LogFields{"session_id": ids.CreateULID(), "transport": "sse"})

	subs := make([]*fanout.Subscription, 0, len(topics))
	closeSubs := func() {
		for _, sub := range subs {
			sub.Close()
		}
	}
	for _, topic := range topics {
		sub, err := m.hub.Subscribe(topic)
		if err != nil {
			closeSubs()
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		subs = append(subs, sub)
	}

	events := make(chan fanout.Notification)
	// any subscription ending ends the stream; the client reconnects
	ended := make(chan *fanout.Subscription, len(subs))
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *fanout.Subscription) {
			defer wg.Done()
			for n := range sub.C() {
				select {
				case events <- n:
				case <-s.done:
					return
				}
			}
			ended <- sub
		}(sub)
	}
	defer func() {
		s.close()
		closeSubs()
		wg.Wait()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	log.Debug("Session opened", logging.LogFields{"topics": topics})

	keepalive := time.NewTicker(m.keepalive)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case sub := <-ended:
			if sub.Dropped() {
				log.Info("Subscription dropped by the hub", logging.LogFields{"topic": sub.Topic()})
			}
			return
		case n := <-events:
			if err := writeSSEEvent(w, n); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ":keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, n fanout.Notification) error {
	_, err := fmt.Fprintf(w, "id:%d\nevent:%s\ndata:%s\n\n", n.Seq, n.Topic, n.Data)
	return err
}
