// Package server exposes the HTTP and WebSocket surface: run lifecycle
// endpoints plus a per-run event stream.
package server

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"forgeline/internal/logging"
)

// Envelope is the wire format for run events pushed to subscribers.
type Envelope struct {
	Type      string      `json:"type"`
	RunID     string      `json:"run_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub fans run events out to WebSocket subscribers. Each run is a room;
// subscribers joining mid-run receive the run's event history first so the
// client can reconstruct progress.
type Hub struct {
	rooms   map[string]map[*client]bool
	history map[string][][]byte

	publish    chan publication
	register   chan *client
	unregister chan *client
	shutdown   chan struct{}

	mu sync.RWMutex
}

type publication struct {
	runID string
	data  []byte
}

// maxHistory bounds per-run replay so a chatty run cannot grow unbounded.
const maxHistory = 512

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if allowed := os.Getenv("CORS_ALLOWED_ORIGINS"); allowed != "" {
			for _, a := range strings.Split(allowed, ",") {
				if strings.TrimSpace(a) == origin {
					return true
				}
			}
			return false
		}
		// Empty origin covers CLI clients and tests outside production.
		return origin == "" || os.Getenv("ENVIRONMENT") != "production"
	},
}

// NewHub creates an idle hub; call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[*client]bool),
		history:    make(map[string][][]byte),
		publish:    make(chan publication, 64),
		register:   make(chan *client),
		unregister: make(chan *client),
		shutdown:   make(chan struct{}),
	}
}

// Run is the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.shutdown:
			h.mu.Lock()
			for _, room := range h.rooms {
				for c := range room {
					close(c.send)
				}
			}
			h.rooms = make(map[string]map[*client]bool)
			h.mu.Unlock()
			logging.L().Info("websocket hub shut down")
			return

		case c := <-h.register:
			h.registerClient(c)

		case c := <-h.unregister:
			h.unregisterClient(c)

		case p := <-h.publish:
			h.deliver(p)
		}
	}
}

// Shutdown stops the hub and closes all subscriber connections.
func (h *Hub) Shutdown() {
	close(h.shutdown)
}

// Publish records the event in the run's history and pushes it to current
// subscribers. Safe to call from any goroutine.
func (h *Hub) Publish(runID string, env Envelope) {
	env.RunID = runID
	data, err := json.Marshal(env)
	if err != nil {
		logging.L().Error("marshal run event", zap.String("run_id", runID), zap.Error(err))
		return
	}
	select {
	case h.publish <- publication{runID: runID, data: data}:
	case <-h.shutdown:
	}
}

func (h *Hub) registerClient(c *client) {
	h.mu.Lock()
	if h.rooms[c.runID] == nil {
		h.rooms[c.runID] = make(map[*client]bool)
	}
	h.rooms[c.runID][c] = true
	replay := h.history[c.runID]
	h.mu.Unlock()

	for _, data := range replay {
		select {
		case c.send <- data:
		default:
			// Subscriber cannot keep up with replay; drop it.
			h.dropClient(c)
			return
		}
	}

	logging.L().Debug("run subscriber joined", zap.String("run_id", c.runID))
}

func (h *Hub) unregisterClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[c.runID]
	if room == nil || !room[c] {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, c.runID)
	}
	close(c.send)
}

func (h *Hub) dropClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room := h.rooms[c.runID]; room != nil && room[c] {
		delete(room, c)
		close(c.send)
	}
}

func (h *Hub) deliver(p publication) {
	h.mu.Lock()
	hist := append(h.history[p.runID], p.data)
	if len(hist) > maxHistory {
		hist = hist[len(hist)-maxHistory:]
	}
	h.history[p.runID] = hist
	room := h.rooms[p.runID]
	clients := make([]*client, 0, len(room))
	for c := range room {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		select {
		case c.send <- p.data:
		default:
			h.dropClient(c)
		}
	}
}

// Forget drops a finished run's history. Called after terminal events have
// had time to reach subscribers.
func (h *Hub) Forget(runID string) {
	h.mu.Lock()
	delete(h.history, runID)
	h.mu.Unlock()
}

// SubscriberCount reports live connections for a run.
func (h *Hub) SubscriberCount(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[runID])
}

// HandleWebSocket upgrades the request and streams the run's events.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	runID := c.Param("id")
	if runID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "run id required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.L().Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	cl := &client{
		conn:  conn,
		runID: runID,
		send:  make(chan []byte, 256),
		hub:   h,
	}
	h.register <- cl

	go cl.writePump()
	go cl.readPump()
}
