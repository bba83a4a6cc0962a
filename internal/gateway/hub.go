package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/titan/backend/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The ticket in the query string is the credential; origin checks
	// add nothing for non-browser game clients.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	maxMsgSize = 64 * 1024
	sendBuffer = 64
)

// wsClient is one connected game client. All writes go through send and
// the writePump goroutine so ping frames and pushes never interleave.
// sendMu makes offer and close mutually exclusive: once closed is set no
// push can reach the channel, so close may close it without racing a
// concurrent Push.
type wsClient struct {
	hub    *Hub
	userID string
	conn   *websocket.Conn
	send   chan []byte
	once   sync.Once

	sendMu sync.Mutex
	closed bool
}

// offer posts one message without blocking. False means the client is
// closed or its buffer is full; the caller disconnects it.
func (c *wsClient) offer(msg []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Hub tracks connected clients by user and pushes server events at
// them. A user may hold several connections (multiple characters or
// devices); pushes go to all of them.
type Hub struct {
	mu      sync.RWMutex
	byUser  map[string]map[*wsClient]struct{}
	tickets TicketConsumer
}

// TicketConsumer validates a one-shot connection ticket; the production
// implementation calls the connection-ticket grain.
type TicketConsumer interface {
	Consume(ctx context.Context, ticket uuid.UUID) (userID string, err error)
}

func NewHub(tickets TicketConsumer) *Hub {
	return &Hub{
		byUser:  make(map[string]map[*wsClient]struct{}),
		tickets: tickets,
	}
}

// HandleWS upgrades the connection after consuming the ticket from
// ?access_token. Session tickets are deliberately not accepted here; a
// long-lived credential does not belong in a query string.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("access_token")
	ticket, err := uuid.Parse(raw)
	if err != nil {
		http.Error(w, "invalid access token", http.StatusUnauthorized)
		return
	}
	userID, err := h.tickets.Consume(r.Context(), ticket)
	if err != nil {
		http.Error(w, "invalid access token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{hub: h, userID: userID, conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(c)
	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.byUser[c.userID]
	if !ok {
		set = make(map[*wsClient]struct{})
		h.byUser[c.userID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.byUser[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byUser, c.userID)
		}
	}
}

// Push sends an event to every connection a user holds. Slow consumers
// are disconnected rather than allowed to stall the hub.
func (h *Hub) Push(userID, event string, payload interface{}) {
	msg, err := json.Marshal(map[string]interface{}{"event": event, "data": payload})
	if err != nil {
		return
	}
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.byUser[userID]))
	for c := range h.byUser[userID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.offer(msg) {
			c.close()
		}
	}
}

// Connected reports whether a user has at least one live connection.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

func (c *wsClient) close() {
	c.once.Do(func() {
		c.hub.unregister(c)
		c.sendMu.Lock()
		c.closed = true
		close(c.send)
		c.sendMu.Unlock()
	})
}

// readPump discards inbound frames (the protocol is push-only) but
// keeps the read side alive for pong handling and close detection.
func (c *wsClient) readPump() {
	defer func() {
		c.close()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// grainTicketConsumer validates tickets against the connection-ticket
// grain in the cluster.
type grainTicketConsumer struct {
	caller Caller
}

func (g grainTicketConsumer) Consume(ctx context.Context, ticket uuid.UUID) (string, error) {
	data, err := g.caller.Call(ctx, session.TicketIdentity(ticket), "ValidateAndConsume", nil)
	if err != nil {
		return "", err
	}
	var resp session.ValidateResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", err
	}
	return resp.UserID, nil
}
