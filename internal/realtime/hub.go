package realtime

import (
	"net/http"
	"sync"
	"time"

	"github.com/floorsight/tally/internal/counts"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const sendBufferSize = 32

type HubConfig struct {
	Clock  func() time.Time
	Logger *zap.Logger
}

// Hub fans count deltas out to subscribed websocket clients. One hub serves
// all connections; state lives in plain fields so tests can run isolated
// instances.
type Hub struct {
	mu            sync.RWMutex
	connections   map[*connection]struct{}
	subscriptions map[string]map[*connection]struct{}
	clock         func() time.Time
	logger        *zap.Logger
	upgrader      websocket.Upgrader
}

type connection struct {
	socket *websocket.Conn

	mu     sync.Mutex
	closed bool
	send   chan ServerMessage
}

// NewHub constructs a broadcaster with the provided clock and logger.
func NewHub(cfg HubConfig) *Hub {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		connections:   make(map[*connection]struct{}),
		subscriptions: make(map[string]map[*connection]struct{}),
		clock:         clock,
		logger:        logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleConnection upgrades the request and serves the connection until the
// peer disconnects. Blocks for the lifetime of the connection.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := &connection{
		socket: socket,
		send:   make(chan ServerMessage, sendBufferSize),
	}
	h.register(conn)
	go conn.writePump()

	conn.enqueue(ServerMessage{
		Type:      MessageTypeConnected,
		Message:   "connected to count updates",
		Timestamp: wireTimestamp(h.clock()),
	})

	h.readLoop(conn)
}

func (h *Hub) readLoop(conn *connection) {
	defer func() {
		h.drop(conn)
		conn.shutdown()
		conn.socket.Close() //nolint:errcheck
	}()

	for {
		var msg ClientMessage
		if err := conn.socket.ReadJSON(&msg); err != nil {
			return
		}

		now := wireTimestamp(h.clock())
		switch msg.Type {
		case MessageTypeSubscribe:
			if msg.PlanID == "" {
				conn.enqueue(ServerMessage{Type: MessageTypeError, Error: "planId is required", Timestamp: now})
				continue
			}
			h.subscribe(conn, msg.PlanID)
			planID := msg.PlanID
			conn.enqueue(ServerMessage{Type: MessageTypeSubscribed, PlanID: &planID, Timestamp: now})
		case MessageTypeUnsubscribe:
			h.unsubscribe(conn, msg.PlanID)
			reply := ServerMessage{Type: MessageTypeUnsubscribed, Timestamp: now}
			if msg.PlanID != "" {
				planID := msg.PlanID
				reply.PlanID = &planID
			}
			conn.enqueue(reply)
		case MessageTypePing:
			conn.enqueue(ServerMessage{Type: MessageTypePong, Timestamp: now})
		default:
			conn.enqueue(ServerMessage{Type: MessageTypeError, Error: "unknown message type", Timestamp: now})
		}
	}
}

// PublishCountDelta implements counts.Publisher. Never blocks the caller.
func (h *Hub) PublishCountDelta(delta counts.CountDelta) {
	h.Broadcast(delta)
}

// Broadcast pushes a count.updated event to every connection subscribed to
// the delta's plan. Slow consumers whose buffers are full miss the event.
func (h *Hub) Broadcast(delta counts.CountDelta) {
	message := ServerMessage{
		Type: MessageTypeCountUpdated,
		Data: &CountUpdatedData{
			PlanID:     delta.PlanID,
			DeviceID:   delta.DeviceID,
			LocationID: delta.LocationID,
			Total:      delta.Total,
			Timestamp:  wireTimestamp(time.UnixMilli(delta.UpdatedAtMS)),
		},
	}

	h.mu.RLock()
	subscribers := make([]*connection, 0, len(h.subscriptions[delta.PlanID]))
	for conn := range h.subscriptions[delta.PlanID] {
		subscribers = append(subscribers, conn)
	}
	h.mu.RUnlock()

	for _, conn := range subscribers {
		if !conn.enqueue(message) {
			h.logger.Debug("dropped count event for slow subscriber",
				zap.String("plan_id", delta.PlanID))
		}
	}
}

// SubscriberCount reports how many connections follow a plan.
func (h *Hub) SubscriberCount(planID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions[planID])
}

func (h *Hub) register(conn *connection) {
	h.mu.Lock()
	h.connections[conn] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) subscribe(conn *connection, planID string) {
	h.mu.Lock()
	if _, ok := h.subscriptions[planID]; !ok {
		h.subscriptions[planID] = make(map[*connection]struct{})
	}
	h.subscriptions[planID][conn] = struct{}{}
	h.mu.Unlock()
}

// unsubscribe removes one plan subscription, or all of them when planID is empty.
func (h *Hub) unsubscribe(conn *connection, planID string) {
	h.mu.Lock()
	if planID == "" {
		for plan, subscribers := range h.subscriptions {
			delete(subscribers, conn)
			if len(subscribers) == 0 {
				delete(h.subscriptions, plan)
			}
		}
	} else if subscribers, ok := h.subscriptions[planID]; ok {
		delete(subscribers, conn)
		if len(subscribers) == 0 {
			delete(h.subscriptions, planID)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) drop(conn *connection) {
	h.mu.Lock()
	delete(h.connections, conn)
	for plan, subscribers := range h.subscriptions {
		delete(subscribers, conn)
		if len(subscribers) == 0 {
			delete(h.subscriptions, plan)
		}
	}
	h.mu.Unlock()
}

// enqueue is non-blocking: a full buffer or a closed connection drops the message.
func (c *connection) enqueue(message ServerMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (c *connection) shutdown() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

func (c *connection) writePump() {
	for message := range c.send {
		if err := c.socket.WriteJSON(message); err != nil {
			return
		}
	}
}
