package main

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxWSConnections = 100

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Operator UIs are served from a separate origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// FleetHub pushes one fleet snapshot per second to every connected operator
// UI. Single broadcaster so N clients do not mean N snapshot reads.
type FleetHub struct {
	dashboard *DashboardService

	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

func NewFleetHub(dashboard *DashboardService) *FleetHub {
	return &FleetHub{
		dashboard:  dashboard,
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

func (h *FleetHub) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("⚠️ ws: connection rejected, %d clients already connected", maxWSConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("ws: client connected, total %d", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("ws: client disconnected, total %d", total)

		case <-ticker.C:
			h.broadcast(ctx)
		}
	}
}

func (h *FleetHub) broadcast(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return
	}

	snap, err := h.dashboard.Snapshot(ctx)
	if err != nil {
		log.Printf("⚠️ ws: snapshot failed: %v", err)
		return
	}
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(snap); err != nil {
			log.Printf("ws: write failed: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *FleetHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	log.Printf("ws: shutting down hub with %d clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

func (h *FleetHub) Register(conn *websocket.Conn)   { h.register <- conn }
func (h *FleetHub) Unregister(conn *websocket.Conn) { h.unregister <- conn }

// handleWS upgrades an operator UI connection and parks it on the hub. The
// read pump only exists to notice the close.
func (h *FleetHub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("⚠️ ws: upgrade failed: %v", err)
		return
	}
	h.Register(conn)

	go func() {
		defer h.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
