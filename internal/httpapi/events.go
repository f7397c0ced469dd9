package httpapi

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/carmarket/internal/logging"
	"github.com/R3E-Network/carmarket/internal/marketplace"
)

const (
	eventBuffer  = 32
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	pongWait     = 2 * pingInterval
)

// Event is pushed to websocket subscribers on every operation state change.
type Event struct {
	Type        string             `json:"type"`
	OperationID string             `json:"operationId"`
	Action      marketplace.Action `json:"action"`
	From        marketplace.State  `json:"from"`
	To          marketplace.State  `json:"to"`
	TxHash      string             `json:"txHash,omitempty"`
	Error       string             `json:"error,omitempty"`
	At          time.Time          `json:"at"`
}

func eventOf(t marketplace.Transition) Event {
	e := Event{
		Type:        "transition",
		OperationID: t.OperationID,
		Action:      t.Action,
		From:        t.From,
		To:          t.To,
		TxHash:      t.TxHash,
		At:          t.At,
	}
	if t.Err != nil {
		e.Error = t.Err.Error()
	}
	return e
}

// Hub fans operation events out to websocket subscribers. A subscriber that
// falls eventBuffer events behind is disconnected.
type Hub struct {
	log *logging.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	send chan Event
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.send) })
}

// NewHub creates an empty hub.
func NewHub(log *logging.Logger) *Hub {
	return &Hub{log: log, subs: make(map[*subscriber]struct{})}
}

// Observe is a marketplace.Observer. It never blocks.
func (h *Hub) Observe(t marketplace.Transition) {
	h.Publish(eventOf(t))
}

// Publish delivers e to every subscriber.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.send <- e:
		default:
			delete(h.subs, s)
			s.close()
		}
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) add() *subscriber {
	s := &subscriber{send: make(chan Event, eventBuffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
	s.close()
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if s.cors.AllowsOrigin(origin) {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && u.Host == r.Host
		},
	}
}

// handleEvents upgrades to a websocket and streams hub events until the
// client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.log.WithContext(r.Context()).WithError(err).Debug("websocket upgrade failed")
		return
	}
	sub := s.hub.add()
	log := s.log.WithContext(r.Context())
	log.Debug("event subscriber connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.hub.remove(sub)
		conn.Close()
		log.Debug("event subscriber disconnected")
	}()

	for {
		select {
		case <-done:
			return
		case e, ok := <-sub.send:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber too slow"),
					time.Now().Add(writeTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
