package chat

import (
	"encoding/json"
	"strconv"
	"time"
)

// User identifies a chat participant.
type User struct {
	Username  string
	AvatarURL string
}

// Message is a single chat entry. Pending and Hidden are local display
// state and never cross the wire.
type Message struct {
	MessageID string
	SessionID string
	Text      string
	Username  string
	AvatarURL string
	Room      string
	Timestamp string // ISO-8601

	Pending bool
	Hidden  bool
}

// WireMessage is the stable wire contract. Every field is a string and is
// always present; absent values are sent as "" rather than omitted.
type WireMessage struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
	Username  string `json:"username"`
	AvatarURL string `json:"userImageUrl"`
	Timestamp string `json:"timestamp"`
	SessionID string `json:"session_id"`
	Room      string `json:"room"`
}

// NewMessage builds an outbound message, filling in the id and timestamp
// when absent. Ids are time-derived so two drafts composed back to back
// stay distinct within a session.
func NewMessage(text string, user User, sessionID, room string) *Message {
	return &Message{
		MessageID: strconv.FormatInt(time.Now().UnixNano(), 10),
		SessionID: sessionID,
		Text:      text,
		Username:  user.Username,
		AvatarURL: user.AvatarURL,
		Room:      room,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// MarshalWire encodes the message in canonical wire form.
func (m *Message) MarshalWire() ([]byte, error) {
	ts := m.Timestamp
	if ts == "" {
		ts = time.Now().UTC().Format(time.RFC3339)
	}
	return json.Marshal(WireMessage{
		MessageID: m.MessageID,
		Text:      m.Text,
		Username:  m.Username,
		AvatarURL: m.AvatarURL,
		Timestamp: ts,
		SessionID: m.SessionID,
		Room:      m.Room,
	})
}

// UnmarshalWire decodes a wire message. New messages always arrive
// visible and settled; Pending/Hidden are set locally afterwards.
func UnmarshalWire(data []byte) (*Message, error) {
	var w WireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return &Message{
		MessageID: w.MessageID,
		SessionID: w.SessionID,
		Text:      w.Text,
		Username:  w.Username,
		AvatarURL: w.AvatarURL,
		Room:      w.Room,
		Timestamp: w.Timestamp,
	}, nil
}

// Wire returns the canonical wire representation of the message.
func (m *Message) Wire() WireMessage {
	return WireMessage{
		MessageID: m.MessageID,
		Text:      m.Text,
		Username:  m.Username,
		AvatarURL: m.AvatarURL,
		Timestamp: m.Timestamp,
		SessionID: m.SessionID,
		Room:      m.Room,
	}
}
