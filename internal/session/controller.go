package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/whirlpool-im/whirlpool/internal/chat"
	"github.com/whirlpool-im/whirlpool/internal/history"
	"github.com/whirlpool-im/whirlpool/internal/transport"
)

// State is the connection phase of a controller.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSyncing
	StateLive
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSyncing:
		return "syncing"
	case StateLive:
		return "live"
	default:
		return "disconnected"
	}
}

const (
	connectTag            = "session.Controller"
	defaultPendingTimeout = 10 * time.Second
	defaultAckSettle      = 200 * time.Millisecond
	fetchTimeout          = 30 * time.Second
)

// Config holds the per-session knobs. Zero durations and paging fall back
// to the defaults above.
type Config struct {
	Room string
	User chat.User

	Paging         int
	PendingTimeout time.Duration
	AckSettle      time.Duration
}

// Controller owns one chat session: connection lifecycle, message
// ordering and dedup, optimistic send with pending/timeout semantics, and
// history pagination. All state mutation runs on a single internal event
// loop; transport callbacks and the public API post onto it.
type Controller struct {
	cfg   Config
	tr    transport.Transport
	hist  history.Client
	store *chat.Store
	log   *logrus.Entry

	// deviceID stands in as the session id until the server assigns one,
	// and keeps echo filtering working across reconnects.
	deviceID string

	state   atomic.Int32
	signals *signalHub

	tasks chan func()
	done  chan struct{}
	once  sync.Once

	// loop-owned
	sessionID string
	buffered  []*chat.Message
}

// New wires a controller to its transport and history client, registers
// the socket handlers, and starts connecting. The caller must Close the
// controller to release the connection.
func New(cfg Config, tr transport.Transport, hist history.Client) *Controller {
	if cfg.Paging <= 0 {
		cfg.Paging = history.DefaultPaging
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = defaultPendingTimeout
	}
	if cfg.AckSettle <= 0 {
		cfg.AckSettle = defaultAckSettle
	}

	c := &Controller{
		cfg:      cfg,
		tr:       tr,
		hist:     hist,
		store:    chat.NewStore(),
		log:      logrus.WithFields(logrus.Fields{"component": "session", "room": cfg.Room}),
		deviceID: uuid.NewString(),
		signals:  newSignalHub(),
		tasks:    make(chan func(), 64),
		done:     make(chan struct{}),
	}
	go c.loop()

	tr.On(transport.EventMessageFromServer, func(data json.RawMessage) {
		m, err := chat.UnmarshalWire(data)
		if err != nil {
			c.log.WithError(err).Warn("dropping malformed broadcast")
			return
		}
		c.post(func() { c.handleBroadcast(m) })
	})

	tr.On(transport.EventMessageResponse, func(data json.RawMessage) {
		var r transport.MessageResponse
		if err := json.Unmarshal(data, &r); err != nil {
			c.log.WithError(err).Warn("dropping malformed ack")
			return
		}
		if r.Status != 200 {
			c.log.Warnf("send rejected: status=%d message_id=%s", r.Status, r.MessageID)
			return
		}
		// Short settle delay before resolving the pending UI state.
		time.AfterFunc(c.cfg.AckSettle, func() {
			c.post(func() { c.handleAck(r.MessageID) })
		})
	})

	tr.On(transport.EventJoinResponse, func(data json.RawMessage) {
		var r transport.JoinResponse
		if err := json.Unmarshal(data, &r); err == nil && r.Room != "" {
			c.log.Infof("joined room: %s", r.Room)
		}
	})

	tr.OnConnect(connectTag, func() {
		c.post(c.handleConnected)
	})

	c.state.Store(int32(StateConnecting))
	tr.Connect()
	return c
}

func (c *Controller) loop() {
	for {
		select {
		case f := <-c.tasks:
			f()
		case <-c.done:
			return
		}
	}
}

// post queues work onto the event loop; after Close it is a no-op, which
// is what makes stray timer callbacks harmless.
func (c *Controller) post(f func()) {
	select {
	case <-c.done:
	case c.tasks <- f:
	}
}

// State reports the current connection phase.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Messages returns a snapshot of the ordered message list.
func (c *Controller) Messages() []chat.Message {
	return c.store.Messages()
}

// MessageCount reports how many messages the session currently holds.
func (c *Controller) MessageCount() int {
	return c.store.Len()
}

// PendingOutboundCount reports how many sends await the next connect.
func (c *Controller) PendingOutboundCount() int {
	return c.store.OutboundLen()
}

// OnMessageReceived fires whenever the list changed and the view should
// re-render. invertScroll asks the view to hold its reading position (set
// during pagination) instead of jumping to the bottom.
func (c *Controller) OnMessageReceived(fn func(scroll, invertScroll bool)) *Subscription {
	return c.signals.onMessageReceived(fn)
}

// OnSendPending fires right after an optimistic send is inserted.
func (c *Controller) OnSendPending(fn func(messageID string)) *Subscription {
	return c.signals.onSendPending(fn)
}

// OnStillPending warns that a send went unacknowledged past the pending
// timeout. The message is revealed regardless.
func (c *Controller) OnStillPending(fn func(messageID string)) *Subscription {
	return c.signals.onStillPending(fn)
}

// OnConnected fires once per completed connect-and-sync, when composition
// can be enabled.
func (c *Controller) OnConnected(fn func()) *Subscription {
	return c.signals.onConnected(fn)
}

// SendMessage inserts an optimistic entry for the draft and transmits it,
// or buffers it for the next connect when the session is not live.
func (c *Controller) SendMessage(text string) {
	c.post(func() {
		sid := c.sessionID
		if sid == "" {
			sid = c.deviceID
		}
		m := chat.NewMessage(text, c.cfg.User, sid, c.cfg.Room)
		// Flags are set before the message enters the store; afterwards
		// they only change through the store's own methods.
		m.Pending = true
		m.Hidden = true

		if c.State() == StateLive && c.tr.IsConnected() {
			// The connection can drop between the check and the write;
			// a message lost in that window is queued like an offline one.
			if err := c.emitMessage(m, true); errors.Is(err, transport.ErrNotConnected) {
				c.store.QueueOutbound(m)
			}
		} else {
			c.store.QueueOutbound(m)
		}

		c.store.Append(m)
		c.schedulePendingReveal(m.MessageID)
	})
}

// Refresh loads the next older history page, placing it before the
// current oldest message. done fires when the fetch settles either way so
// pull-to-refresh controls can reset.
func (c *Controller) Refresh(done func()) {
	c.post(func() {
		c.fetchHistory(c.store.Len(), true, done)
	})
}

// Close unregisters the transport handlers, drops the connection, and
// stops the event loop. Pending timers become no-ops.
func (c *Controller) Close() {
	c.once.Do(func() {
		c.tr.Off(transport.EventMessageFromServer)
		c.tr.Off(transport.EventMessageResponse)
		c.tr.Off(transport.EventJoinResponse)
		c.tr.OffConnect(connectTag)
		c.tr.Disconnect()
		close(c.done)
		c.state.Store(int32(StateDisconnected))
	})
}

// handleConnected runs on every successful (re)connection. The store is
// cleared before the resync so the fetched page cannot duplicate already
// rendered history; broadcasts landing mid-sync are buffered and replayed
// once the page is in.
func (c *Controller) handleConnected() {
	c.state.Store(int32(StateSyncing))
	c.store.Clear()
	c.buffered = nil

	c.fetchHistory(0, false, func() {
		c.sessionID = c.tr.SessionID()

		for _, m := range c.store.DrainOutbound() {
			// Unforced: if the connection dropped again the message simply
			// stays unsent and is retried on the next connect.
			c.emitMessage(m, false)
		}

		buffered := c.buffered
		c.buffered = nil
		c.state.Store(int32(StateLive))
		for _, m := range buffered {
			c.handleBroadcast(m)
		}

		c.signals.emitConnected()
	})
}

func (c *Controller) handleBroadcast(m *chat.Message) {
	// Echo of our own send; already represented locally.
	if m.SessionID != "" && (m.SessionID == c.sessionID || m.SessionID == c.deviceID) {
		return
	}
	if c.State() == StateSyncing {
		c.buffered = append(c.buffered, m)
		return
	}
	if c.store.Append(m) {
		c.signals.emitMessageReceived(true, false)
	}
}

func (c *Controller) handleAck(messageID string) {
	if !c.store.Settle(messageID) {
		return
	}
	// Already the last row; a plain refresh is enough.
	c.signals.emitMessageReceived(false, false)
}

// schedulePendingReveal fails open: a message still unacknowledged after
// the timeout is revealed anyway, with a single warning.
func (c *Controller) schedulePendingReveal(id string) {
	c.signals.emitSendPending(id)

	time.AfterFunc(c.cfg.PendingTimeout, func() {
		c.post(func() {
			if !c.store.RevealIfPending(id) {
				return
			}
			c.log.Warnf("message still pending: %s", id)
			c.signals.emitStillPending(id)
			c.signals.emitMessageReceived(true, false)
		})
	})
}

// fetchHistory pages messages in off the loop, then applies them back on
// it. Failures are logged and treated as an empty page; done always fires.
func (c *Controller) fetchHistory(skip int, invertScroll bool, done func()) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		batch, err := c.hist.FetchMessages(ctx, c.cfg.Room, skip, c.cfg.Paging)
		c.post(func() {
			if err != nil {
				c.log.WithError(err).Warn("history fetch failed")
			} else {
				c.store.PrependBatch(batch)
				c.signals.emitMessageReceived(true, invertScroll)
			}
			if done != nil {
				done()
			}
		})
	}()
}

func (c *Controller) emitMessage(m *chat.Message, force bool) error {
	raw, err := m.MarshalWire()
	if err != nil {
		c.log.WithError(err).Error("marshal outbound message")
		return err
	}
	if err := c.tr.Emit(transport.EventMessage, json.RawMessage(raw), force); err != nil {
		c.log.WithError(err).Warn("emit failed")
		return err
	}
	return nil
}
