// mirror/ws/hub.go
package ws

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/vinizap/lumi/mirror/domain"
	"github.com/vinizap/lumi/mirror/metrics"
)

// Conn is the part of a websocket connection the hub uses.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

type Message struct {
	Type     domain.LibraryChange `json:"type"`
	Resource *domain.Resource     `json:"resource,omitempty"`
}

type Hub struct {
	clients    map[Conn]bool
	broadcast  chan Message
	register   chan Conn
	unregister chan Conn
	mu         sync.RWMutex

	// done is closed when Run returns.
	done chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[Conn]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan Conn),
		unregister: make(chan Conn),
		done:       make(chan struct{}),
	}
}

// Run serves the hub until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.SetWSClients(0)
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			metrics.SetWSClients(len(h.clients))
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.drop(conn)

		case msg := <-h.broadcast:
			var failed []Conn
			h.mu.RLock()
			for conn := range h.clients {
				if err := conn.WriteJSON(msg); err != nil {
					log.Warn().Err(err).Msg("websocket write failed")
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range failed {
				h.drop(conn)
			}
		}
	}
}

func (h *Hub) drop(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	metrics.SetWSClients(len(h.clients))
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Notify queues a library change for every client. When the queue is full
// the message is dropped.
func (h *Hub) Notify(change domain.LibraryChange, rec *domain.Resource) {
	select {
	case h.broadcast <- Message{Type: change, Resource: rec}:
	default:
		log.Warn().Str("type", string(change)).Msg("websocket queue full, dropping message")
	}
}

// Register adds conn. Once the hub has stopped, conn is closed instead.
func (h *Hub) Register(conn Conn) {
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
	}
}

func (h *Hub) Unregister(conn Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// HandleConnection registers conn and reads from it until it closes.
// Clients only listen; anything they send is ignored.
func (h *Hub) HandleConnection(conn Conn) {
	h.Register(conn)
	defer h.Unregister(conn)

	for {
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		if msgType, ok := msg["type"].(string); ok && msgType == "subscribe" {
			log.Debug().Msg("websocket client subscribed")
		}
	}
}
