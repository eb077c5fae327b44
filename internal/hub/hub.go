package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
	"github.com/example/ambulance-dispatch/internal/presence"
	"github.com/example/ambulance-dispatch/internal/storage"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 8192
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// LocationProducer forwards ambulance pings onto the ingest firehose.
type LocationProducer interface {
	PublishLocation(p models.LocationPing) error
}

// Client is one authorized realtime connection.
type Client struct {
	ID       string
	Identity models.Identity
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
}

// Hub owns topic membership and event fan-out. It is constructed once
// at process start and injected wherever events are published; there is
// no package-level instance.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client            // conn id -> client
	topics  map[string]map[string]*Client // topic -> conn id -> client
	joined  map[string]map[string]bool    // conn id -> topic set

	auth     Authorizer
	presence presence.Registry
	trips    storage.TripStore
	producer LocationProducer // optional
	logger   *slog.Logger
}

func New(auth Authorizer, reg presence.Registry, trips storage.TripStore, producer LocationProducer, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:  make(map[string]*Client),
		topics:   make(map[string]map[string]*Client),
		joined:   make(map[string]map[string]bool),
		auth:     auth,
		presence: reg,
		trips:    trips,
		producer: producer,
		logger:   logger,
	}
}

// ServeWS authorizes the handshake credential, upgrades, and attaches
// the connection. Authorization happens before any event is processed.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	identity, err := h.auth.Authorize(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "error", err)
		return
	}
	c := &Client{
		ID:       uuid.NewString(),
		Identity: identity,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		hub:      h,
	}
	h.attach(c)

	go c.writePump()
	go c.readPump()
}

// attach registers the client and subscribes its standing topics: one
// per identity (direct messages) and one per role (broadcasts).
func (h *Hub) attach(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.joined[c.ID] = make(map[string]bool)
	h.subscribeLocked(c, TopicUser(c.Identity.ID))
	h.subscribeLocked(c, TopicRole(c.Identity.Role))
	h.mu.Unlock()

	if err := h.presence.RegisterConnection(context.Background(), c.ID, c.Identity); err != nil {
		h.logger.Warn("presence register failed", "conn_id", c.ID, "error", err)
	}
	observability.WSConnections.Inc()
	h.sendTo(c, EvtConnected, map[string]any{"conn_id": c.ID, "identity": c.Identity})
	h.logger.Info("ws connected", "conn_id", c.ID, "identity", c.Identity.ID, "role", c.Identity.Role)
}

// detach drops the client everywhere and notifies every per-trip topic
// it was in. This is a liveness signal, not a trip state transition.
func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	tripTopics := make([]string, 0, 2)
	for topic := range h.joined[c.ID] {
		h.unsubscribeLocked(c, topic)
		if strings.HasPrefix(topic, "trip:") {
			tripTopics = append(tripTopics, topic)
		}
	}
	delete(h.joined, c.ID)
	delete(h.clients, c.ID)
	close(c.send)
	h.mu.Unlock()

	for _, topic := range tripTopics {
		h.Publish(topic, EvtParticipantDisconnected, map[string]any{"identity": c.Identity})
	}
	if err := h.presence.UnregisterConnection(context.Background(), c.ID); err != nil {
		h.logger.Warn("presence unregister failed", "conn_id", c.ID, "error", err)
	}
	observability.WSConnections.Dec()
	h.logger.Info("ws disconnected", "conn_id", c.ID, "identity", c.Identity.ID)
}

func (h *Hub) subscribeLocked(c *Client, topic string) {
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[string]*Client)
	}
	h.topics[topic][c.ID] = c
	h.joined[c.ID][topic] = true
}

func (h *Hub) unsubscribeLocked(c *Client, topic string) {
	if members, ok := h.topics[topic]; ok {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(h.topics, topic)
		}
	}
	if set, ok := h.joined[c.ID]; ok {
		delete(set, topic)
	}
}

// Join adds a connection to a topic. Reports whether membership changed.
func (h *Hub) Join(connID, topic string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[connID]
	if !ok {
		return false
	}
	if h.joined[connID][topic] {
		return false
	}
	h.subscribeLocked(c, topic)
	return true
}

// Leave removes a connection from a topic; a second call is a no-op.
func (h *Hub) Leave(connID, topic string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[connID]
	if !ok || !h.joined[connID][topic] {
		return false
	}
	h.unsubscribeLocked(c, topic)
	return true
}

// Members lists the live participants of a topic.
func (h *Hub) Members(topic string) []Participant {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Participant, 0, len(h.topics[topic]))
	for _, c := range h.topics[topic] {
		out = append(out, Participant{Identity: c.Identity, ConnID: c.ID})
	}
	return out
}

// Publish fans a typed event out to every topic member. Delivery is
// fire-and-forget: a saturated client is skipped, never waited on.
func (h *Hub) Publish(topic, event string, payload any) {
	h.PublishExcluding("", topic, event, payload)
}

// PublishExcluding is Publish minus one connection, used for location
// updates so the sender never echoes its own update back.
func (h *Hub) PublishExcluding(exclConnID, topic, event string, payload any) {
	msg, err := marshalEnvelope(event, payload)
	if err != nil {
		h.logger.Error("event marshal failed", "event", event, "error", err)
		return
	}
	h.mu.RLock()
	members := h.topics[topic]
	for id, c := range members {
		if id == exclConnID {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("send buffer full, dropping event", "conn_id", id, "event", event)
		}
	}
	h.mu.RUnlock()
	observability.EventsPublished.WithLabelValues(event).Inc()
}

// SendToIdentity targets one identity's direct topic.
func (h *Hub) SendToIdentity(id models.Identity, event string, payload any) {
	h.Publish(TopicUser(id.ID), event, payload)
}

func (h *Hub) sendTo(c *Client, event string, payload any) {
	msg, err := marshalEnvelope(event, payload)
	if err != nil {
		h.logger.Error("event marshal failed", "event", event, "error", err)
		return
	}
	select {
	case c.send <- msg:
	default:
		h.logger.Warn("send buffer full, dropping event", "conn_id", c.ID, "event", event)
	}
}

func marshalEnvelope(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.detach(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws read error", "conn_id", c.ID, "error", err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.hub.sendTo(c, "error_ack", failAck("malformed message"))
			continue
		}
		ack := c.hub.HandleEvent(context.Background(), c, env)
		c.hub.sendTo(c, env.Event+"_ack", ack)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
