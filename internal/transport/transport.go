package transport

import (
	"encoding/json"
	"errors"
)

// Socket event names. These are the stable wire contract shared with the
// server; renaming one is a protocol change.
const (
	EventMessage           = "chat.message"
	EventMessageFromServer = "chat.message.fromServer"
	EventMessageResponse   = "chat.message.response"
	EventJoinResponse      = "chat.join.response"
	EventConnectResponse   = "chat.connect.response"
)

// ErrNotConnected is returned by Emit when a forced send has no live
// connection to go out on.
var ErrNotConnected = errors.New("transport: not connected")

// Frame is the envelope for every socket exchange.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewFrame wraps a payload in an envelope for the given event.
func NewFrame(event string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: data}, nil
}

// MessageResponse acknowledges a sent message.
type MessageResponse struct {
	Status    int    `json:"status"`
	MessageID string `json:"message_id"`
}

// JoinResponse confirms a room join.
type JoinResponse struct {
	Room string `json:"room"`
}

// ConnectResponse carries the server-assigned session id for a connection.
type ConnectResponse struct {
	SessionID string `json:"session_id"`
}

// Handler consumes the data payload of one inbound frame.
type Handler func(data json.RawMessage)

// Transport is a reconnecting real-time connection scoped to one room.
//
// Handlers may be invoked from the transport's internal goroutines; callers
// are responsible for marshaling onto their own event queue before touching
// shared state.
type Transport interface {
	// Connect establishes the connection in the background and keeps
	// retrying until Disconnect. Calling it again while running is a
	// no-op; calling it after Disconnect starts a new dial cycle.
	Connect()

	// Disconnect tears the connection down. Safe when already disconnected.
	Disconnect()

	IsConnected() bool

	// SessionID reports the server-assigned identifier for the current
	// connection, or "" before the first successful handshake.
	SessionID() string

	// On registers the handler for a named event, replacing any previous
	// handler for that name only.
	On(event string, h Handler)
	Off(event string)

	// OnConnect fires the handler after every successful (re)connection
	// handshake. Registration is deduplicated by tag.
	OnConnect(tag string, h func())
	OffConnect(tag string)

	// Emit sends a payload under the named event. When disconnected, a
	// forced emit returns ErrNotConnected; an unforced one is a silent
	// no-op so callers can treat the message as still queued.
	Emit(event string, payload any, force bool) error
}
