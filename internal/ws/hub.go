package ws

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"medtrack/m/internal/platform/logger"
	"medtrack/m/internal/worklist"
)

// Client is one connected page.
type Client struct {
	Conn *websocket.Conn
	Send chan []byte
}

// Hub fans working-list events out to every connected page.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	connected atomic.Int32
	log       logger.Logger
}

func NewHub(log logger.Logger) *Hub {
	if log == nil {
		log = logger.Nop()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log.With(logger.Fields{"component": "ws"}),
	}
}

// Run serves the hub until ctx is done, then drops every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for client := range h.clients {
				h.drop(client)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
			h.connected.Add(1)
			h.log.Debug("client registered", logger.Fields{"clients": len(h.clients)})
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
				h.log.Debug("client unregistered", logger.Fields{"clients": len(h.clients)})
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.Send <- message:
				default:
					h.drop(client)
				}
			}
		}
	}
}

func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	close(c.Send)
	h.connected.Add(-1)
}

// Clients reports how many pages are connected.
func (h *Hub) Clients() int {
	return int(h.connected.Load())
}

// Publish queues v for every client. Events are dropped when the queue is
// full.
func (h *Hub) Publish(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		h.log.Error("encode event", logger.Fields{"error": err})
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("broadcast queue full, event dropped", nil)
	}
}

// Follow publishes every working-list event until the returned func is
// called.
func (h *Hub) Follow(l *worklist.List) (cancel func()) {
	return l.Subscribe(func(ev worklist.Event) { h.Publish(ev) })
}
