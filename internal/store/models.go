package store

import (
	"time"

	"github.com/whirlpool-im/whirlpool/internal/chat"
)

// MessageRecord is the persisted form of a broadcast chat message.
type MessageRecord struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	MessageID string `gorm:"type:varchar(64);uniqueIndex;not null"`
	SessionID string `gorm:"type:varchar(64);index"`
	Room      string `gorm:"type:varchar(64);index;not null"`
	Username  string `gorm:"type:varchar(64)"`
	AvatarURL string `gorm:"type:varchar(255)"`
	Text      string `gorm:"type:text;not null"`
	Timestamp string `gorm:"type:varchar(40);not null"`
	CreatedAt time.Time
}

func (MessageRecord) TableName() string { return "chat_messages" }

// Wire converts a stored record to the client wire contract.
func (r *MessageRecord) Wire() chat.WireMessage {
	return chat.WireMessage{
		MessageID: r.MessageID,
		Text:      r.Text,
		Username:  r.Username,
		AvatarURL: r.AvatarURL,
		Timestamp: r.Timestamp,
		SessionID: r.SessionID,
		Room:      r.Room,
	}
}

// RecordFromWire builds a persistable record from a wire message.
func RecordFromWire(w chat.WireMessage) *MessageRecord {
	return &MessageRecord{
		MessageID: w.MessageID,
		SessionID: w.SessionID,
		Room:      w.Room,
		Username:  w.Username,
		AvatarURL: w.AvatarURL,
		Text:      w.Text,
		Timestamp: w.Timestamp,
	}
}

// UserRecord is a registered account for servers running with auth.
type UserRecord struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	Username     string `gorm:"type:varchar(64);uniqueIndex;not null"`
	PasswordHash string `gorm:"type:varchar(72);not null"`
	AvatarURL    string `gorm:"type:varchar(255)"`
	CreatedAt    time.Time
}

func (UserRecord) TableName() string { return "chat_users" }
