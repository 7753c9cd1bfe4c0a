package main

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/solarctl/solarctl/controller/middleware"
	"github.com/solarctl/solarctl/controller/observability"
	"github.com/solarctl/solarctl/controller/streaming"
)

const maxWSConnections = 200

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Auth already ran; origin policy is handled by CORS config.
		return true
	},
}

// EventHub fans engine events out to WebSocket subscribers, each scoped
// to their own tenant. Single hub goroutine; publishing never blocks
// the engine.
type EventHub struct {
	clients    map[*websocket.Conn]string
	register   chan registration
	unregister chan *websocket.Conn
	events     chan streaming.Event
	mu         sync.RWMutex
}

type registration struct {
	conn *websocket.Conn
	uid  string
}

// NewEventHub creates the hub; call Run to start it.
func NewEventHub() *EventHub {
	return &EventHub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		events:     make(chan streaming.Event, 256),
	}
}

// Publish implements streaming.Publisher. Drops the event when the hub
// is backed up; live streams are best-effort by contract.
func (h *EventHub) Publish(ev streaming.Event) {
	select {
	case h.events <- ev:
	default:
		observability.EventPublishFailures.WithLabelValues(string(ev.Type)).Inc()
	}
}

// Run starts the hub's main loop.
func (h *EventHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				reg.conn.Close()
				log.Printf("WebSocket connection rejected: max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[reg.conn] = reg.uid
			h.mu.Unlock()
			log.Printf("WebSocket client registered for tenant %s. Total: %d", reg.uid, h.ClientCount())

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

// broadcast sends one event to every subscriber of its tenant.
func (h *EventHub) broadcast(ev streaming.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn, uid := range h.clients {
		if uid != ev.UID {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			log.Printf("WebSocket write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *EventHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	log.Printf("Shutting down WebSocket hub with %d clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
}

// Register adds a new client connection.
func (h *EventHub) Register(conn *websocket.Conn, uid string) {
	h.register <- registration{conn: conn, uid: uid}
}

// Unregister removes a client connection.
func (h *EventHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleEventStream upgrades to WebSocket and subscribes the caller to
// their tenant's engine events.
func (a *API) handleEventStream(w http.ResponseWriter, r *http.Request) {
	uid, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	a.wsHub.Register(conn, uid)
	defer a.wsHub.Unregister(conn)

	// Ping/pong for dead client detection.
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}
	}
}
