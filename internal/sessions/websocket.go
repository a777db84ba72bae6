package sessions

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drblury/postrelay/internal/fanout"
	"github.com/drblury/postrelay/internal/posts"
	runtimeerrors "github.com/drblury/postrelay/internal/runtime/errors"
	"github.com/drblury/postrelay/internal/runtime/ids"
	"github.com/drblury/postrelay/internal/runtime/jsoncodec"
	"github.com/drblury/postrelay/internal/runtime/logging"
)

// Frame types exchanged over the WebSocket.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePing        = "ping"
	FramePong        = "pong"
	FrameNext        = "next"
	FrameComplete    = "complete"
	FrameError       = "error"
)

// Frame is a control frame from the client or an event frame to it.
type Frame struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

type wsSession struct {
	id   string
	conn *websocket.Conn
	m    *Manager
	log  logging.ServiceLogger

	send chan Frame
	done chan struct{}

	mu        sync.Mutex
	subs      map[string]*fanout.Subscription
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ServeWS upgrades the request and runs the session until the client
// disconnects. ?topic= subscribes at connect time.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request) {
	topics, err := requestedTopics(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader already wrote the error response.
		return
	}

	s := &wsSession{
		id:   ids.CreateULID(),
		conn: conn,
		m:    m,
		send: make(chan Frame, sendBuffer),
		done: make(chan struct{}),
		subs: make(map[string]*fanout.Subscription),
	}
	s.log = m.log.With(logging.LogFields{"session_id": s.id, "transport": "websocket"})

	if !m.add(s) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	s.log.Debug("Session opened", logging.LogFields{"remote_addr": r.RemoteAddr})

	for _, topic := range topics {
		s.subscribe(topic)
	}

	go s.writePump()
	s.readPump()
}

func (s *wsSession) readPump() {
	defer s.close()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Error("Read failed", err, logging.LogFields{})
			}
			return
		}

		var f Frame
		if err := jsoncodec.Unmarshal(data, &f); err != nil {
			s.enqueue(Frame{Type: FrameError, Message: "invalid frame"})
			continue
		}

		switch f.Type {
		case FrameSubscribe:
			s.subscribe(f.Topic)
		case FrameUnsubscribe:
			s.unsubscribe(f.Topic)
		case FramePing:
			s.enqueue(Frame{Type: FramePong})
		default:
			s.enqueue(Frame{Type: FrameError, Message: "unknown frame type " + f.Type})
		}
	}
}

func (s *wsSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case f := <-s.send:
			data, err := jsoncodec.Marshal(f)
			if err != nil {
				s.log.Error("Encode frame failed", err, logging.LogFields{"type": f.Type})
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.close()
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}

		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// enqueue hands a frame to the write pump unless the session has ended.
func (s *wsSession) enqueue(f Frame) bool {
	select {
	case s.send <- f:
		return true
	case <-s.done:
		return false
	}
}

func (s *wsSession) subscribe(topic string) {
	if !posts.IsTopic(topic) {
		s.enqueue(Frame{Type: FrameError, Topic: topic, Message: runtimeerrors.ErrUnknownTopic.Error()})
		return
	}

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return
	default:
	}
	if _, ok := s.subs[topic]; ok {
		s.mu.Unlock()
		return
	}
	sub, err := s.m.hub.Subscribe(topic)
	if err != nil {
		s.mu.Unlock()
		s.enqueue(Frame{Type: FrameError, Topic: topic, Message: err.Error()})
		return
	}
	s.subs[topic] = sub
	s.wg.Add(1)
	s.mu.Unlock()

	go s.forward(sub)
}

func (s *wsSession) unsubscribe(topic string) {
	s.mu.Lock()
	sub, ok := s.subs[topic]
	delete(s.subs, topic)
	s.mu.Unlock()

	if ok {
		sub.Close()
	}
}

// forward relays notifications of one subscription until it ends.
func (s *wsSession) forward(sub *fanout.Subscription) {
	defer s.wg.Done()

	for n := range sub.C() {
		if !s.enqueue(Frame{Type: FrameNext, Topic: n.Topic, Seq: n.Seq, Data: n.Data}) {
			sub.Close()
			return
		}
	}

	s.mu.Lock()
	if s.subs[sub.Topic()] == sub {
		delete(s.subs, sub.Topic())
	}
	s.mu.Unlock()

	if sub.Dropped() {
		s.log.Info("Subscription dropped by the hub", logging.LogFields{"topic": sub.Topic()})
		s.enqueue(Frame{Type: FrameComplete, Topic: sub.Topic(), Message: "subscriber too slow"})
	}
}

func (s *wsSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		subs := s.subs
		s.subs = make(map[string]*fanout.Subscription)
		s.mu.Unlock()
		for _, sub := range subs {
			sub.Close()
		}
		s.wg.Wait()

		s.m.remove(s)
		s.log.Debug("Session closed", logging.LogFields{})
	})
}
