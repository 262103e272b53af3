package transport

import (
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	dialTimeout    = 10 * time.Second
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// WebSocket is the production Transport: a single gorilla/websocket
// connection to the chat server, redialed with backoff until Disconnect.
type WebSocket struct {
	url string
	log *logrus.Entry

	mu              sync.Mutex
	conn            *websocket.Conn
	connected       bool
	running         bool
	sessionID       string
	handlers        map[string]Handler
	connectHandlers map[string]func()
	done            chan struct{}
}

// NewWebSocket prepares a transport for the given room. The connection is
// not dialed until Connect.
func NewWebSocket(baseURL, room string) *WebSocket {
	return &WebSocket{
		url:             baseURL + "/ws?room=" + url.QueryEscape(room),
		log:             logrus.WithField("component", "transport"),
		handlers:        make(map[string]Handler),
		connectHandlers: make(map[string]func()),
	}
}

// Connect starts dialing in the background. Each call after a Disconnect
// begins a fresh dial cycle; calling it while already running is a no-op.
func (w *WebSocket) Connect() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	go w.run(done)
}

// run owns one dial cycle. done is captured at Connect time so a cycle
// stopped by Disconnect cannot interfere with a later one.
func (w *WebSocket) run(done chan struct{}) {
	backoff := initialBackoff
	for {
		select {
		case <-done:
			return
		default:
		}

		dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
		conn, _, err := dialer.Dial(w.url, nil)
		if err != nil {
			w.log.WithError(err).Warnf("dial failed, retrying in %s", backoff)
			select {
			case <-done:
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = initialBackoff

		w.mu.Lock()
		select {
		case <-done:
			// Disconnect raced the dial; drop the late connection.
			w.mu.Unlock()
			_ = conn.Close()
			return
		default:
		}
		w.conn = conn
		w.connected = true
		w.mu.Unlock()

		w.readLoop(conn, done)

		w.mu.Lock()
		if w.conn == conn {
			w.connected = false
			w.conn = nil
		}
		w.mu.Unlock()
	}
}

// readLoop dispatches inbound frames until the connection drops. The
// connect handshake frame is consumed here rather than exposed as a
// regular event: it seeds the session id and fires the connect handlers.
func (w *WebSocket) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer conn.Close()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				w.log.WithError(err).Warn("connection lost")
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			w.log.WithError(err).Warn("dropping malformed frame")
			continue
		}

		if f.Event == EventConnectResponse {
			var cr ConnectResponse
			if err := json.Unmarshal(f.Data, &cr); err != nil {
				w.log.WithError(err).Warn("bad connect response")
				continue
			}
			w.mu.Lock()
			w.sessionID = cr.SessionID
			hs := make([]func(), 0, len(w.connectHandlers))
			for _, h := range w.connectHandlers {
				hs = append(hs, h)
			}
			w.mu.Unlock()
			for _, h := range hs {
				h()
			}
			continue
		}

		w.mu.Lock()
		h := w.handlers[f.Event]
		w.mu.Unlock()
		if h != nil {
			h(f.Data)
		}
	}
}

func (w *WebSocket) Disconnect() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.running = false
	close(w.done)
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
	w.connected = false
}

func (w *WebSocket) IsConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

func (w *WebSocket) SessionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionID
}

func (w *WebSocket) On(event string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[event] = h
}

func (w *WebSocket) Off(event string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.handlers, event)
}

func (w *WebSocket) OnConnect(tag string, h func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connectHandlers[tag] = h
}

func (w *WebSocket) OffConnect(tag string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.connectHandlers, tag)
}

func (w *WebSocket) Emit(event string, payload any, force bool) error {
	f, err := NewFrame(event, payload)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.connected || w.conn == nil {
		if !force {
			return nil
		}
		return ErrNotConnected
	}
	return w.conn.WriteJSON(f)
}
