package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"clocklink/internal/session"
)

const (
	wsReadLimit    = 4096
	wsSendBuffer   = 64
	wsQueueSize    = 256
	wsWriteTimeout = 10 * time.Second
)

// wsEventTypes are the bus event types a client can select with ?types=.
var wsEventTypes = map[string]bool{
	session.EventStatusChanged:       true,
	session.EventCommandSent:         true,
	session.EventDeviceOutput:        true,
	session.EventScanComplete:        true,
	session.EventProvisioningStarted: true,
	session.EventProvisioningResult:  true,
	session.EventConfigApplied:       true,
}

// WSHub fans bus events out to websocket clients, each getting only the
// event types it asked for. Clients that fall behind are dropped rather than
// allowed to stall the hub.
type WSHub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	stopped bool
	logger  *slog.Logger

	events   chan session.Event
	done     chan struct{}
	stopOnce sync.Once
}

// wsClient is one connection. A nil types set selects every event.
type wsClient struct {
	conn  *websocket.Conn
	send  chan []byte
	types map[string]bool
}

func (c *wsClient) wants(typ string) bool {
	return c.types == nil || c.types[typ]
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients: make(map[*wsClient]struct{}),
		logger:  logger,
		events:  make(chan session.Event, wsQueueSize),
		done:    make(chan struct{}),
	}
}

// Run delivers queued events until Stop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			return
		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

// Stop closes every client queue and refuses new clients. Safe to call
// multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.stopped = true
		for c := range h.clients {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
		close(h.done)
	})
}

// Broadcast queues ev for delivery. It never blocks; events are dropped when
// the queue is full.
func (h *WSHub) Broadcast(ev session.Event) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("ws broadcast queue full, dropping event", "type", ev.Type)
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// add registers c. It reports false once the hub is stopped.
func (h *WSHub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Debug("ws client connected", "total", len(h.clients), "types", len(c.types))
	return true
}

// remove drops c and closes its queue. Unknown clients are ignored.
func (h *WSHub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.logger.Debug("ws client disconnected", "total", len(h.clients))
}

// deliver encodes ev at most once and queues it for the clients that
// selected its type.
func (h *WSHub) deliver(ev session.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var data []byte
	for c := range h.clients {
		if !c.wants(ev.Type) {
			continue
		}
		if data == nil {
			var err error
			if data, err = json.Marshal(ev); err != nil {
				h.logger.Error("ws marshal", "type", ev.Type, "err", err)
				return
			}
		}
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
			h.logger.Warn("ws client evicted", "reason", "slow consumer", "type", ev.Type)
		}
	}
}

// parseEventTypes reads a comma separated ?types= value. An empty value
// selects every event.
func parseEventTypes(raw string) (map[string]bool, error) {
	types := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if !wsEventTypes[t] {
			return nil, fmt.Errorf("unknown event type %q", t)
		}
		types[t] = true
	}
	if len(types) == 0 {
		return nil, nil
	}
	return types, nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	types, err := parseEventTypes(r.URL.Query().Get("types"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}

	conn.SetReadLimit(wsReadLimit)

	client := &wsClient{
		conn:  conn,
		send:  make(chan []byte, wsSendBuffer),
		types: types,
	}

	// The current link state goes out before any live event.
	if client.wants(session.EventStatusChanged) {
		snapshot, err := json.Marshal(session.Event{Type: session.EventStatusChanged, Data: s.sess.Status()})
		if err == nil {
			client.send <- snapshot
		}
	}

	if !s.wsHub.add(client) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	select {
	case <-s.wsHub.done:
		client.conn.Close(websocket.StatusGoingAway, "server shutdown")
	default:
		client.conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (s *Server) wsReadPump(client *wsClient) {
	defer s.wsHub.remove(client)

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
		// Client messages are ignored; reading keeps close frames flowing.
		if _, _, err := client.conn.Read(ctx); err != nil {
			return
		}
	}
}
