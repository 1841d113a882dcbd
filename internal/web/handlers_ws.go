package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"scriptd/internal/events"
)

// WSHub fans bus events out to websocket clients. Each client may narrow
// the stream to a set of event types.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan events.Event

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	mu    sync.RWMutex
	types map[string]struct{} // nil means every type
}

// subscribeMessage is the only message a client sends.
type subscribeMessage struct {
	Types []string `json:"types"`
}

func newWSClient(conn *websocket.Conn, types []string) *wsClient {
	c := &wsClient{conn: conn, send: make(chan []byte, 64)}
	c.setTypes(types)
	return c
}

func (c *wsClient) setTypes(types []string) {
	var set map[string]struct{}
	for _, t := range types {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if set == nil {
			set = make(map[string]struct{})
		}
		set[t] = struct{}{}
	}
	c.mu.Lock()
	c.types = set
	c.mu.Unlock()
}

func (c *wsClient) wants(eventType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.types == nil {
		return true
	}
	_, ok := c.types[eventType]
	return ok
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan events.Event, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the hub event loop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", total)

		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

func (h *WSHub) deliver(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("ws marshal", "type", ev.Type, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	var slow []*wsClient
	for client := range h.clients {
		if !client.wants(ev.Type) {
			continue
		}
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	for _, client := range slow {
		delete(h.clients, client)
		close(client.send)
		h.logger.Warn("ws client evicted (too slow)")
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues an event for every interested client.
func (h *WSHub) Broadcast(ev events.Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("ws broadcast channel full, dropping event", "type", ev.Type)
	}
}

// ClientCount reports the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}

	conn.SetReadLimit(4096)

	var types []string
	if q := r.URL.Query().Get("types"); q != "" {
		types = strings.Split(q, ",")
	}
	client := newWSClient(conn, types)

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	client.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}
		var msg subscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("ws ignoring client message", "err", err)
			continue
		}
		client.setTypes(msg.Types)
	}
}
