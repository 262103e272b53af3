package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/whirlpool-im/whirlpool/internal/chat"
	"github.com/whirlpool-im/whirlpool/internal/common"
	"github.com/whirlpool-im/whirlpool/internal/dedup"
	"github.com/whirlpool-im/whirlpool/internal/store"
	"github.com/whirlpool-im/whirlpool/internal/transport"
)

// Archiver persists a broadcast message. The hub never blocks a room on
// archive failures; they are logged and the broadcast proceeds.
type Archiver interface {
	Archive(ctx context.Context, w chat.WireMessage) error
}

// RepoArchiver writes messages straight to the database. Deployments with
// a rabbit queue configured use the publisher instead.
type RepoArchiver struct {
	Repo *store.Repo
}

func (a *RepoArchiver) Archive(ctx context.Context, w chat.WireMessage) error {
	err := a.Repo.InsertMessage(ctx, store.RecordFromWire(w))
	if err == store.ErrDuplicateMessage {
		return nil
	}
	return err
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	sessionID string
	room      string
	conn      *websocket.Conn
	send      chan transport.Frame
}

// Hub tracks the live connections per room and fans broadcasts out to
// them. Each inbound chat.message is deduplicated, acked to its sender,
// broadcast to the whole room (sender included; clients filter their own
// echo by session id), and archived.
type Hub struct {
	log      *logrus.Entry
	dedup    dedup.Deduper
	archiver Archiver

	mu    sync.RWMutex
	rooms map[string]map[*client]bool
}

func NewHub(d dedup.Deduper, a Archiver) *Hub {
	return &Hub{
		log:      logrus.WithField("component", "hub"),
		dedup:    d,
		archiver: a,
		rooms:    make(map[string]map[*client]bool),
	}
}

// ServeWS upgrades the request and runs the connection until it drops.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	if room == "" {
		http.Error(w, "room required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sessionID, err := common.NewULID()
	if err != nil {
		h.log.WithError(err).Error("session id generation failed")
		_ = conn.Close()
		return
	}

	c := &client{
		sessionID: sessionID,
		room:      room,
		conn:      conn,
		send:      make(chan transport.Frame, 64),
	}

	h.register(c)
	h.log.Infof("session %s joined room %s", sessionID, room)

	go h.writePump(c)

	h.push(c, transport.EventConnectResponse, transport.ConnectResponse{SessionID: sessionID})
	h.push(c, transport.EventJoinResponse, transport.JoinResponse{Room: room})

	h.readPump(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[c.room] == nil {
		h.rooms[c.room] = make(map[*client]bool)
	}
	h.rooms[c.room][c] = true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.rooms[c.room]; ok && clients[c] {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.rooms, c.room)
		}
		close(c.send)
	}
}

// RoomSize reports the live connection count for a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
		h.log.Infof("session %s left room %s", c.sessionID, c.room)
	}()

	for {
		var f transport.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}
		if f.Event == transport.EventMessage {
			h.handleMessage(c, f.Data)
		}
	}
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for f := range c.send {
		if err := c.conn.WriteJSON(f); err != nil {
			return
		}
	}
}

func (h *Hub) handleMessage(c *client, data json.RawMessage) {
	var w chat.WireMessage
	if err := json.Unmarshal(data, &w); err != nil || w.MessageID == "" {
		h.log.Warnf("session %s sent malformed message", c.sessionID)
		return
	}
	if w.Room == "" {
		w.Room = c.room
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	seen, err := h.dedup.Seen(ctx, w.MessageID)
	if err != nil {
		// Fail open: a dedup outage must not silence the room.
		h.log.WithError(err).Warn("dedup check failed")
		seen = false
	}

	// The sender gets its ack either way so a resend after reconnect
	// still settles the pending state client-side.
	h.push(c, transport.EventMessageResponse, transport.MessageResponse{
		Status:    200,
		MessageID: w.MessageID,
	})

	if seen {
		h.log.Infof("duplicate message %s suppressed", w.MessageID)
		return
	}

	if err := h.archiver.Archive(ctx, w); err != nil {
		h.log.WithError(err).Errorf("archive failed for message %s", w.MessageID)
	}

	h.broadcast(c.room, transport.EventMessageFromServer, w)
}

// broadcast sends an event to every connection in the room, the sender
// included. Slow consumers are skipped rather than stalling the room.
func (h *Hub) broadcast(room, event string, payload any) {
	f, err := transport.NewFrame(event, payload)
	if err != nil {
		h.log.WithError(err).Error("broadcast frame marshal failed")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[room] {
		select {
		case c.send <- f:
		default:
			h.log.Warnf("session %s send queue full, dropping frame", c.sessionID)
		}
	}
}

func (h *Hub) push(c *client, event string, payload any) {
	f, err := transport.NewFrame(event, payload)
	if err != nil {
		h.log.WithError(err).Error("frame marshal failed")
		return
	}
	select {
	case c.send <- f:
	default:
	}
}
