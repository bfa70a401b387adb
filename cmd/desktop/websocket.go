package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dinovending/dino/backend/cmd/desktop/handlers"
	"github.com/dinovending/dino/backend/internal/db"
	"github.com/dinovending/dino/backend/internal/logging"
	"github.com/dinovending/dino/backend/internal/models"
	syncpkg "github.com/dinovending/dino/backend/internal/sync"
	"github.com/dinovending/dino/backend/internal/uuid"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsWriteWait  = 10 * time.Second
	wsSendBuffer = 256
)

// =====================================================
// WebSocket Event Types
// =====================================================

const (
	// EventQueryResult carries the current rows of a live query.
	EventQueryResult = "query.result"
	// EventQueryError reports a subscription that could not start.
	EventQueryError = "query.error"
	// EventSyncStatus carries the sync indicator after every change.
	EventSyncStatus = "sync.status"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     localOrigin,
}

// localOrigin accepts requests without an Origin header (native shells) and
// browser pages served from this machine.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// WSEnvelope wraps all WebSocket messages.
type WSEnvelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// wsRequest is a message from the UI.
type wsRequest struct {
	Action string `json:"action"`
	// ID names a live query so results and unsubscribe can refer to it.
	ID string `json:"id,omitempty"`
	handlers.TableQuery
}

// queryResult is the data of a query.result event.
type queryResult struct {
	ID      string          `json:"id"`
	Table   models.Table    `json:"table"`
	Records []models.Record `json:"records"`
}

// WSClient represents a WebSocket client connection.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub
	done chan struct{}
	once sync.Once

	mu            sync.Mutex
	subscriptions map[string]*db.Subscription
}

// WSHub maintains active client connections and broadcasts messages.
type WSHub struct {
	store *db.Store
	log   *logging.Logger

	clients    map[string]*WSClient
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	stopped    chan struct{}
	mu         sync.RWMutex

	// last holds the latest sync.status message for new clients.
	last []byte
}

// NewWSHub creates a new WebSocket hub. Run must be called to serve it.
func NewWSHub(store *db.Store, log *logging.Logger) *WSHub {
	return &WSHub{
		store:      store,
		log:        log.Component("websocket"),
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		stopped:    make(chan struct{}),
	}
}

// Run manages client connections and broadcasts until ctx is done, then
// disconnects every client.
func (h *WSHub) Run(ctx context.Context) error {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, client := range h.clients {
				delete(h.clients, id)
				client.close()
			}
			h.mu.Unlock()
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			last := h.last
			total := len(h.clients)
			h.mu.Unlock()
			if last != nil {
				client.enqueue(last)
			}
			h.log.Debug("client connected", map[string]interface{}{"client_id": client.id, "total": total})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				client.close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client disconnected", map[string]interface{}{"client_id": client.id, "total": total})

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				if !client.enqueue(message) {
					// Send buffer is full, drop the client
					delete(h.clients, id)
					client.close()
				}
			}
			h.mu.Unlock()
		}
	}
}

// ForwardStatus broadcasts every status from updates as a sync.status event
// until ctx is done or updates is closed.
func (h *WSHub) ForwardStatus(ctx context.Context, updates <-chan syncpkg.SyncStatus) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case status, ok := <-updates:
			if !ok {
				return nil
			}
			message, err := encodeEnvelope(EventSyncStatus, status)
			if err != nil {
				h.log.Error("failed to marshal status", err)
				continue
			}
			h.mu.Lock()
			h.last = message
			h.mu.Unlock()
			select {
			case h.broadcast <- message:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func encodeEnvelope(messageType string, data interface{}) ([]byte, error) {
	return json.Marshal(WSEnvelope{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

// =====================================================
// Client
// =====================================================

// enqueue queues message for the write pump. It reports false when the
// buffer is full; a closed client drops the message.
func (c *WSClient) enqueue(message []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- message:
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}

// sendEvent queues an envelope.
func (c *WSClient) sendEvent(messageType string, data interface{}) {
	message, err := encodeEnvelope(messageType, data)
	if err != nil {
		c.hub.log.Error("failed to marshal message", err, map[string]interface{}{"type": messageType})
		return
	}
	c.enqueue(message)
}

// close stops the write pump and every live query of the client.
func (c *WSClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		subs := c.subscriptions
		c.subscriptions = make(map[string]*db.Subscription)
		c.mu.Unlock()
		for _, sub := range subs {
			sub.Close()
		}
	})
}

// subscribe starts a live query. A query with the same id replaces the old
// one.
func (c *WSClient) subscribe(req wsRequest) {
	if req.ID == "" {
		req.ID = req.Table
	}
	table, spec, err := req.Spec()
	if err != nil {
		c.sendEvent(EventQueryError, map[string]interface{}{"id": req.ID, "error": err.Error()})
		return
	}
	sub, err := c.hub.store.Subscribe(context.Background(), table, spec)
	if err != nil {
		c.sendEvent(EventQueryError, map[string]interface{}{"id": req.ID, "error": err.Error()})
		return
	}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		sub.Close()
		return
	default:
	}
	old := c.subscriptions[req.ID]
	c.subscriptions[req.ID] = sub
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	go func() {
		for records := range sub.Results() {
			c.sendEvent(EventQueryResult, queryResult{ID: req.ID, Table: table, Records: records})
		}
	}()
}

func (c *WSClient) unsubscribe(id string) {
	c.mu.Lock()
	sub := c.subscriptions[id]
	delete(c.subscriptions, id)
	c.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// readPump pumps messages from the WebSocket connection.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopped:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Warn("read error", map[string]interface{}{"client_id": c.id, "error": err.Error()})
			}
			return
		}

		var req wsRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.log.Debug("invalid message format", map[string]interface{}{"client_id": c.id})
			continue
		}

		switch req.Action {
		case "subscribe":
			c.subscribe(req)
		case "unsubscribe":
			c.unsubscribe(req.ID)
		case "ping":
			c.sendEvent("pong", nil)
		}
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleWebSocket handles WebSocket connections.
func HandleWebSocket(hub *WSHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Warn("failed to upgrade", map[string]interface{}{"error": err.Error()})
			return
		}

		client := &WSClient{
			id:            uuid.New(),
			conn:          conn,
			send:          make(chan []byte, wsSendBuffer),
			hub:           hub,
			done:          make(chan struct{}),
			subscriptions: make(map[string]*db.Subscription),
		}

		select {
		case hub.register <- client:
		case <-hub.stopped:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}
