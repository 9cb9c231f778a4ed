package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// A slow subscriber gets this long per write before it is dropped.
const hubWriteWait = 10 * time.Second

// Hub fans security events out to connected dashboard clients.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	stop       chan struct{}
	mu         sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		stop:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				// A stalled connection must not hold up the rest of
				// the fan-out.
				_ = client.SetWriteDeadline(time.Now().Add(hubWriteWait))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					client.Close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastEvent never blocks the caller; messages are dropped when no
// one is listening.
func (h *Hub) BroadcastEvent(action string, data interface{}) {
	event := map[string]interface{}{
		"action": action,
		"data":   data,
	}
	msg, _ := json.Marshal(event)
	select {
	case h.broadcast <- msg:
	case <-h.stop:
	default:
	}
}

func (h *Hub) Stop() {
	close(h.stop)
}
