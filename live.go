package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"aimagica-server/internal/types"
)

// LiveHub pushes authoritative stat reconciliations to connected viewers so
// counters on screen track the server without polling. Broadcast is
// fire-and-forget: a slow client gets dropped, never blocks the feed.
type LiveHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan types.StatUpdate
}

var liveUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Same-origin only; the gallery page is the sole consumer.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// NewLiveHub creates an empty hub.
func NewLiveHub() *LiveHub {
	return &LiveHub{clients: make(map[*websocket.Conn]chan types.StatUpdate)}
}

// Broadcast queues a stat update for every connected client.
func (h *LiveHub) Broadcast(update types.StatUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- update:
		default:
			// Client is not draining; close and forget it.
			delete(h.clients, conn)
			close(ch)
			conn.Close()
		}
	}
}

// ServeWS upgrades the connection and streams stat updates until the client
// goes away.
func (h *LiveHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := liveUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("live: upgrade failed", "error", err)
		return
	}

	ch := make(chan types.StatUpdate, 16)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()

	liveConnectionsActive.Add(1)
	defer liveConnectionsActive.Add(-1)

	// Reader goroutine: we never expect client messages, but reading is
	// required to notice closes and process pings.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.drop(conn)
				return
			}
		}
	}()

	for update := range ch {
		data, err := json.Marshal(update)
		if err != nil {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.drop(conn)
			return
		}
	}
}

// Close disconnects every client.
func (h *LiveHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		delete(h.clients, conn)
		close(ch)
		conn.Close()
	}
}

func (h *LiveHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(ch)
	}
	h.mu.Unlock()
	conn.Close()
}
