package realtime

import "time"

// Client-to-server message types.
const (
	MessageTypeSubscribe   = "subscribe"
	MessageTypeUnsubscribe = "unsubscribe"
	MessageTypePing        = "ping"
)

// Server-to-client message types.
const (
	MessageTypeConnected    = "connected"
	MessageTypeSubscribed   = "subscribed"
	MessageTypeUnsubscribed = "unsubscribed"
	MessageTypeCountUpdated = "count.updated"
	MessageTypePong         = "pong"
	MessageTypeError        = "error"
)

// ClientMessage is a JSON text frame sent by a client. PlanID is empty for
// ping frames and optional for unsubscribe (empty means unsubscribe all).
type ClientMessage struct {
	Type   string `json:"type"`
	PlanID string `json:"planId,omitempty"`
}

// ServerMessage is a JSON text frame pushed to clients.
type ServerMessage struct {
	Type      string              `json:"type"`
	Message   string              `json:"message,omitempty"`
	PlanID    *string             `json:"planId,omitempty"`
	Data      *CountUpdatedData   `json:"data,omitempty"`
	Error     string              `json:"error,omitempty"`
	Timestamp string              `json:"timestamp,omitempty"`
}

// CountUpdatedData is the payload of a count.updated event.
type CountUpdatedData struct {
	PlanID     string  `json:"planId"`
	DeviceID   string  `json:"deviceId"`
	LocationID *string `json:"locationId"`
	Total      int64   `json:"total"`
	Timestamp  string  `json:"timestamp"`
}

func wireTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
