package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newHandshakeServer accepts websocket upgrades and answers each with a
// connect frame carrying a fresh session id.
func newHandshakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		data, _ := json.Marshal(ConnectResponse{SessionID: fmt.Sprintf("sess-%d", n.Add(1))})
		if err := conn.WriteJSON(Frame{Event: EventConnectResponse, Data: data}); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func waitUntil(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestWebSocket_ConnectAgainAfterDisconnect(t *testing.T) {
	srv := newHandshakeServer(t)
	w := NewWebSocket("ws"+strings.TrimPrefix(srv.URL, "http"), "CoolRoom")

	var connects atomic.Int32
	w.OnConnect("test", func() { connects.Add(1) })

	w.Connect()
	waitUntil(t, "first connect never completed", func() bool { return connects.Load() == 1 })
	if got := w.SessionID(); got != "sess-1" {
		t.Fatalf("session id = %q, want sess-1", got)
	}

	w.Disconnect()
	waitUntil(t, "disconnect did not drop the connection", func() bool { return !w.IsConnected() })

	// A stopped transport must be dialable again.
	w.Connect()
	waitUntil(t, "second connect never completed", func() bool { return connects.Load() == 2 })
	if !w.IsConnected() {
		t.Fatal("expected a live connection after the redial")
	}
	if got := w.SessionID(); got != "sess-2" {
		t.Fatalf("session id = %q, want sess-2", got)
	}

	w.Disconnect()
	waitUntil(t, "second disconnect did not drop the connection", func() bool { return !w.IsConnected() })
}

func TestWebSocket_UnforcedEmitWhileDisconnectedIsNoop(t *testing.T) {
	w := NewWebSocket("ws://127.0.0.1:1", "CoolRoom")

	if err := w.Emit(EventMessage, map[string]string{"text": "x"}, false); err != nil {
		t.Fatalf("unforced emit while disconnected: %v", err)
	}
	if err := w.Emit(EventMessage, map[string]string{"text": "x"}, true); err != ErrNotConnected {
		t.Fatalf("forced emit while disconnected = %v, want ErrNotConnected", err)
	}
}
