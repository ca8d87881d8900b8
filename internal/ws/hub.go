// Package ws carries the websocket side of the service: the event feed hub
// for observers and the client transport used by matchmaking sessions.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/yourname/matchmaker-engine/pkg/types"
)

var logger = logrus.WithFields(logrus.Fields{
	"app":       "matchmaker",
	"component": "ws",
})

const writeWait = 5 * time.Second

// Hub fans engine events out to every connected observer.
type Hub struct {
	mu        sync.Mutex
	clients   map[*websocket.Conn]bool
	stopped   bool
	broadcast chan types.Event
	upgrade   websocket.Upgrader
}

func NewHub() *Hub {
	return &Hub{
		clients:   map[*websocket.Conn]bool{},
		broadcast: make(chan types.Event, 64),
		upgrade:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// Run delivers queued events until ctx is done, then closes every observer.
func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

func (h *Hub) deliver(ev types.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		_ = c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteJSON(ev); err != nil {
			logger.WithError(err).WithField("remote", c.RemoteAddr().String()).Debug("dropping observer")
			c.Close()
			delete(h.clients, c)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	for c := range h.clients {
		goingAway(c)
		delete(h.clients, c)
	}
}

func goingAway(c *websocket.Conn) {
	_ = c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
		time.Now().Add(time.Second))
	c.Close()
}

// Broadcast queues ev for delivery. It never blocks; events are dropped when
// the buffer is full.
func (h *Hub) Broadcast(ev types.Event) bool {
	select {
	case h.broadcast <- ev:
		return true
	default:
		logger.WithField("type", ev.Type).Warn("event buffer full, dropping event")
		return false
	}
}

// Notify implements match.Notifier.
func (h *Hub) Notify(_ context.Context, ev types.Event) { h.Broadcast(ev) }

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// add registers an observer. It reports false once the hub has stopped.
func (h *Hub) add(c *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.clients[c] = true
	return true
}

func (h *Hub) remove(c *websocket.Conn) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		c.Close()
	}
	h.mu.Unlock()
}

// ServeWS upgrades an observer connection. Observers only receive; the read
// loop exists to notice the peer going away.
func ServeWS(h *Hub, w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrade.Upgrade(w, r, nil)
	if err != nil {
		logger.WithError(err).Debug("event feed upgrade failed")
		return
	}
	if !h.add(c) {
		goingAway(c)
		return
	}
	go func() {
		defer h.remove(c)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
