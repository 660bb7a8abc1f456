package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ConnState is the client connection lifecycle state.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Reconnect backoff: starts at 1s, multiplies by 1.5 per failure, caps at 5s,
// resets on a successful open.
const (
	initialBackoff    = 1000 * time.Millisecond
	backoffMultiplier = 1.5
	maxBackoff        = 5000 * time.Millisecond
)

// Conn is the transport surface the client needs; *websocket.Conn satisfies it.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// DialFunc opens a transport connection. Injected so tests can fake the wire.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// GorillaDial is the production DialFunc.
func GorillaDial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// CacheKey addresses one cached count within a plan.
type CacheKey struct {
	DeviceID    string
	LocationKey string
}

type ClientConfig struct {
	URL          string
	Dial         DialFunc
	Logger       *zap.Logger
	OnInvalidate func(planID string)
}

// Client maintains a subscription set over a reconnecting connection and
// patches its local count cache from count.updated events. All state lives in
// plain fields behind one mutex; transport and timers are injectable.
type Client struct {
	mu            sync.Mutex
	url           string
	dial          DialFunc
	logger        *zap.Logger
	onInvalidate  func(string)
	after         func(time.Duration, func()) *time.Timer

	state          ConnState
	conn           Conn
	generation     int
	queue          []ClientMessage
	subscriptions  map[string]struct{}
	cache          map[string]map[CacheKey]int64
	backoff        time.Duration
	userClosed     bool
	reconnectTimer *time.Timer
}

// NewClient constructs a client in the idle state.
func NewClient(cfg ClientConfig) *Client {
	dial := cfg.Dial
	if dial == nil {
		dial = GorillaDial
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:           cfg.URL,
		dial:          dial,
		logger:        logger,
		onInvalidate:  cfg.OnInvalidate,
		after:         time.AfterFunc,
		state:         StateIdle,
		subscriptions: make(map[string]struct{}),
		cache:         make(map[string]map[CacheKey]int64),
		backoff:       initialBackoff,
	}
}

// Connect dials the server. On success the client resends a subscribe for
// every tracked plan, then flushes queued messages in FIFO order. On failure
// a reconnect is scheduled with the current backoff.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.userClosed = false
	c.state = StateConnecting
	dial, url := c.dial, c.url
	c.mu.Unlock()

	conn, err := dial(ctx, url)
	if err != nil {
		c.handleFailure(err)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateOpen
	c.backoff = initialBackoff
	c.generation++
	generation := c.generation
	resubscribes := make([]ClientMessage, 0, len(c.subscriptions))
	for planID := range c.subscriptions {
		resubscribes = append(resubscribes, ClientMessage{Type: MessageTypeSubscribe, PlanID: planID})
	}
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()

	// Resubscribe frames regenerate from the subscription set on the next
	// connect; queued frames do not, so unflushed ones go back on the queue.
	for _, message := range resubscribes {
		if err := conn.WriteJSON(message); err != nil {
			c.requeue(queued)
			c.handleFailure(err)
			return err
		}
	}
	for i, message := range queued {
		if err := conn.WriteJSON(message); err != nil {
			c.requeue(queued[i:])
			c.handleFailure(err)
			return err
		}
	}

	go c.readLoop(conn, generation)
	return nil
}

func (c *Client) requeue(messages []ClientMessage) {
	if len(messages) == 0 {
		return
	}
	c.mu.Lock()
	restored := make([]ClientMessage, 0, len(messages)+len(c.queue))
	restored = append(restored, messages...)
	restored = append(restored, c.queue...)
	c.queue = restored
	c.mu.Unlock()
}

// Subscribe tracks the plan and notifies the server when the connection is
// open. While not open, tracking alone suffices: every (re)connect resends
// the full subscription set.
func (c *Client) Subscribe(planID string) {
	c.mu.Lock()
	c.subscriptions[planID] = struct{}{}
	conn, open := c.conn, c.state == StateOpen
	c.mu.Unlock()

	if open {
		c.write(conn, ClientMessage{Type: MessageTypeSubscribe, PlanID: planID})
	}
}

// Unsubscribe stops tracking the plan. Removing the last subscription
// disconnects the client; that disconnect is client-initiated and does not
// trigger reconnection.
func (c *Client) Unsubscribe(planID string) {
	c.mu.Lock()
	delete(c.subscriptions, planID)
	delete(c.cache, planID)
	conn, open := c.conn, c.state == StateOpen
	empty := len(c.subscriptions) == 0
	c.mu.Unlock()

	if open {
		c.write(conn, ClientMessage{Type: MessageTypeUnsubscribe, PlanID: planID})
	}
	if empty {
		c.Disconnect()
	}
}

// Ping sends a keepalive frame, queueing it while the connection is not open.
func (c *Client) Ping() {
	c.send(ClientMessage{Type: MessageTypePing})
}

// Disconnect closes the connection and cancels any pending reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.userClosed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.queue = nil
	if conn != nil {
		c.state = StateClosing
	}
	c.mu.Unlock()

	if conn != nil {
		conn.Close() //nolint:errcheck
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
}

// State reports the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PrimeCounts seeds the local cache for a plan, typically from a counts fetch.
func (c *Client) PrimeCounts(planID string, totals map[CacheKey]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cached := make(map[CacheKey]int64, len(totals))
	for key, total := range totals {
		cached[key] = total
	}
	c.cache[planID] = cached
}

// CachedCount returns the locally cached total for a key.
func (c *Client) CachedCount(planID string, key CacheKey) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cached, ok := c.cache[planID]
	if !ok {
		return 0, false
	}
	total, ok := cached[key]
	return total, ok
}

func (c *Client) send(message ClientMessage) {
	c.mu.Lock()
	conn, open := c.conn, c.state == StateOpen
	if !open {
		c.queue = append(c.queue, message)
	}
	c.mu.Unlock()

	if open {
		c.write(conn, message)
	}
}

func (c *Client) write(conn Conn, message ClientMessage) {
	if err := conn.WriteJSON(message); err != nil {
		c.handleFailure(err)
	}
}

func (c *Client) readLoop(conn Conn, generation int) {
	for {
		var message ServerMessage
		if err := conn.ReadJSON(&message); err != nil {
			c.mu.Lock()
			stale := generation != c.generation
			closed := c.userClosed
			c.mu.Unlock()
			if stale || closed {
				return
			}
			c.handleFailure(err)
			return
		}
		c.handleMessage(message)
	}
}

func (c *Client) handleMessage(message ServerMessage) {
	if message.Type != MessageTypeCountUpdated || message.Data == nil {
		return
	}
	data := message.Data
	key := CacheKey{DeviceID: data.DeviceID}
	if data.LocationID != nil {
		key.LocationKey = *data.LocationID
	}

	c.mu.Lock()
	if cached, ok := c.cache[data.PlanID]; ok {
		if _, known := cached[key]; known {
			cached[key] = data.Total
			c.mu.Unlock()
			return
		}
	}
	// Unknown key or no cache for the plan: drop what we have and ask the
	// owner to refetch rather than patching blind.
	delete(c.cache, data.PlanID)
	invalidate := c.onInvalidate
	c.mu.Unlock()

	if invalidate != nil {
		invalidate(data.PlanID)
	}
}

// handleFailure transitions to closed and schedules a reconnect with the
// current backoff, unless the client itself initiated the close.
func (c *Client) handleFailure(err error) {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close() //nolint:errcheck
		c.conn = nil
	}
	// Invalidate the read loop of the connection being torn down so it does
	// not report the same failure again.
	c.generation++
	c.state = StateClosed
	if c.userClosed {
		c.mu.Unlock()
		return
	}
	delay := c.backoff
	next := time.Duration(float64(c.backoff) * backoffMultiplier)
	if next > maxBackoff {
		next = maxBackoff
	}
	c.backoff = next
	c.reconnectTimer = c.after(delay, func() {
		c.Connect(context.Background()) //nolint:errcheck
	})
	c.mu.Unlock()

	c.logger.Warn("realtime connection lost, reconnect scheduled",
		zap.Duration("delay", delay),
		zap.Error(err))
}
