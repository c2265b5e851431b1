package realtime

import "time"

// Client -> server message types.
const (
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgPing        = "ping"
)

// Server -> client message types.
const (
	MsgSubscribed   = "subscribed"
	MsgUnsubscribed = "unsubscribed"
	MsgPong         = "pong"
	MsgError        = "error"

	// EventServiceCountUpdate is pushed after a batch mutates a service's
	// check-in set.
	EventServiceCountUpdate = "service:count_update"
)

// ClientMessage is anything a connected client sends post-handshake.
type ClientMessage struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels,omitempty"`
}

// Envelope wraps every server-pushed message.
type Envelope struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Channels  []string    `json:"channels,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// CountUpdate is the payload of EventServiceCountUpdate.
type CountUpdate struct {
	ServiceId         int       `json:"serviceId"`
	TotalCheckins     int64     `json:"totalCheckins"`
	CurrentAttendance int64     `json:"currentAttendance"`
	Timestamp         time.Time `json:"timestamp"`
}
