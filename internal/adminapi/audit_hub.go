package adminapi

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/zerotrust/overlay/internal/model"
)

// AuditHub fans out AuditEvents to every connected admin dashboard over a
// websocket, the same register/unregister/broadcast hub shape the teacher
// uses for its DAG visualization stream.
type AuditHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan model.AuditEvent
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

func NewAuditHub() *AuditHub {
	return &AuditHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan model.AuditEvent, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run drives the hub's select loop; callers start it in its own goroutine
// once, at process startup.
func (h *AuditHub) Run() {
	for {
		select {
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

		case event := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if err := client.WriteJSON(event); err != nil {
					log.Printf("adminapi: audit websocket write error: %v", err)
					client.Close()
					delete(h.clients, client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish enqueues an audit record for broadcast; it never blocks the
// caller's request path — a full buffer drops the event rather than stall
// the admin mutation that produced it.
func (h *AuditHub) Publish(event model.AuditEvent) {
	select {
	case h.broadcast <- event:
	default:
		log.Printf("adminapi: audit broadcast buffer full, dropping event for %s", event.Target)
	}
}

// HandleWebSocket upgrades the connection and keeps it registered until the
// client disconnects or sends a close frame.
func (h *AuditHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("adminapi: audit websocket upgrade error: %v", err)
		return
	}

	h.register <- conn

	go func() {
		defer func() { h.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}
