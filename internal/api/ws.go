package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/h1v3-io/hitl/pkg/protocol"
)

const (
	wsWriteWait  = 5 * time.Second
	wsSendBuffer = 64
	hubBuffer    = 256
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Hub fans broker lifecycle events out to WebSocket subscribers. It
// implements broker.Listener; Notify never blocks the broker.
type Hub struct {
	events chan protocol.Event
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

// NewHub creates an idle hub. Call Run to start delivering events.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		events:  make(chan protocol.Event, hubBuffer),
		logger:  logger.With("component", "ws"),
		clients: make(map[*wsClient]struct{}),
	}
}

// Notify queues ev for delivery. When the queue is full the event is dropped.
func (h *Hub) Notify(ev protocol.Event) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("event queue full, dropping event", "type", ev.Type, "request", ev.Request.ID)
	}
}

// Run delivers queued events until ctx is cancelled, then disconnects all
// clients.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-h.events:
			h.broadcast(ev)
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()
		}
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcast(ev protocol.Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal event", "type", ev.Type, "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(ev.Request) || c.replayedAlready(ev) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("client too slow, dropping", "remote", c.remote)
			c.close()
			delete(h.clients, c)
		}
	}
}

// Serve upgrades the connection and subscribes it. pending lists the requests
// to replay as new_request before live events; it is called while the hub is
// locked so no event slips between the replay and the subscription.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, pending func() ([]*protocol.Request, error)) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "error", err)
		return
	}
	session := r.URL.Query().Get("sessionId")

	h.mu.Lock()
	reqs, err := pending()
	if err != nil {
		h.mu.Unlock()
		h.logger.Error("list pending for new client", "error", err)
		conn.Close()
		return
	}
	c := &wsClient{
		conn:     conn,
		session:  session,
		remote:   r.RemoteAddr,
		send:     make(chan []byte, len(reqs)+wsSendBuffer),
		replayed: make(map[string]struct{}, len(reqs)),
	}
	for _, req := range reqs {
		msg, _ := json.Marshal(protocol.Event{Type: protocol.EventNewRequest, Request: req})
		c.send <- msg
		c.replayed[req.ID] = struct{}{}
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("client connected", "remote", c.remote, "session", session, "pending", len(reqs))
	go c.writeLoop(h.logger)

	// Clients are not expected to send anything; read to notice close frames.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
	h.logger.Info("client disconnected", "remote", c.remote)
}

type wsClient struct {
	conn    *websocket.Conn
	session string
	remote  string
	send    chan []byte
	once    sync.Once

	// replayed holds IDs sent in the connect replay whose new_request may
	// still be queued in the hub. Guarded by Hub.mu.
	replayed map[string]struct{}
}

func (c *wsClient) wants(req *protocol.Request) bool {
	return c.session == "" || req == nil || req.SessionID == c.session
}

// replayedAlready reports whether ev is a new_request this client already got
// from the replay. Any event for a replayed ID ends its tracking.
func (c *wsClient) replayedAlready(ev protocol.Event) bool {
	if ev.Request == nil {
		return false
	}
	if _, ok := c.replayed[ev.Request.ID]; !ok {
		return false
	}
	delete(c.replayed, ev.Request.ID)
	return ev.Type == protocol.EventNewRequest
}

// close stops the writer and the connection. Safe to call more than once.
func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}

func (c *wsClient) writeLoop(logger *slog.Logger) {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			logger.Debug("write failed, closing client", "remote", c.remote, "error", err)
			c.conn.Close()
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
