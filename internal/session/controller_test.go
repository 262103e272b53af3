package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/whirlpool-im/whirlpool/internal/chat"
	"github.com/whirlpool-im/whirlpool/internal/transport"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type emitted struct {
	event string
	data  json.RawMessage
	force bool
}

// fakeTransport drives the controller from the test: connection state and
// inbound frames are simulated directly.
type fakeTransport struct {
	mu              sync.Mutex
	connected       bool
	sessionID       string
	handlers        map[string]transport.Handler
	connectHandlers map[string]func()
	sent            []emitted
	disconnects     int

	// forceErr makes forced emits fail even while connected, simulating a
	// connection that drops between the liveness check and the write.
	forceErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers:        make(map[string]transport.Handler),
		connectHandlers: make(map[string]func()),
	}
}

func (f *fakeTransport) Connect() {}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) SessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionID
}

func (f *fakeTransport) On(event string, h transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = h
}

func (f *fakeTransport) Off(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, event)
}

func (f *fakeTransport) OnConnect(tag string, h func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectHandlers[tag] = h
}

func (f *fakeTransport) OffConnect(tag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.connectHandlers, tag)
}

func (f *fakeTransport) Emit(event string, payload any, force bool) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected && !force {
		return nil
	}
	if !f.connected {
		return transport.ErrNotConnected
	}
	if force && f.forceErr != nil {
		return f.forceErr
	}
	f.sent = append(f.sent, emitted{event: event, data: data, force: force})
	return nil
}

func (f *fakeTransport) setForceErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forceErr = err
}

// serverConnect simulates a completed handshake with an assigned session id.
func (f *fakeTransport) serverConnect(sessionID string) {
	f.mu.Lock()
	f.connected = true
	f.sessionID = sessionID
	hs := make([]func(), 0, len(f.connectHandlers))
	for _, h := range f.connectHandlers {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h()
	}
}

// serverEvent simulates an inbound frame for a named event.
func (f *fakeTransport) serverEvent(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.mu.Lock()
	h := f.handlers[event]
	f.mu.Unlock()
	require.NotNil(t, h, "no handler registered for %s", event)
	h(data)
}

func (f *fakeTransport) sentFrames() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]emitted, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers) + len(f.connectHandlers)
}

// fakeHistory serves canned pages keyed by skip, optionally holding each
// fetch until release is closed.
type fakeHistory struct {
	mu      sync.Mutex
	pages   map[int][]*chat.Message
	release chan struct{}
	calls   []int
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{pages: make(map[int][]*chat.Message)}
}

func (f *fakeHistory) FetchMessages(ctx context.Context, room string, skip, paging int) ([]*chat.Message, error) {
	f.mu.Lock()
	f.calls = append(f.calls, skip)
	release := f.release
	page := f.pages[skip]
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	out := make([]*chat.Message, len(page))
	copy(out, page)
	return out, nil
}

func wireMsg(id, text, sessionID string) map[string]string {
	return map[string]string{
		"message_id":   id,
		"text":         text,
		"username":     "remote",
		"userImageUrl": "",
		"timestamp":    "2016-06-04T12:00:00Z",
		"session_id":   sessionID,
		"room":         "CoolRoom",
	}
}

func histMsg(id, text string) *chat.Message {
	return &chat.Message{MessageID: id, Text: text, Username: "remote", Room: "CoolRoom", Timestamp: "2016-06-04T11:00:00Z"}
}

func newTestController(tr *fakeTransport, hist *fakeHistory) *Controller {
	// Generous pending timeout so unrelated assertions never race the
	// reveal; timeout-sensitive tests build their own controller.
	return newTestControllerTimeout(tr, hist, 10*time.Second)
}

func newTestControllerTimeout(tr *fakeTransport, hist *fakeHistory, pendingTimeout time.Duration) *Controller {
	return New(Config{
		Room:           "CoolRoom",
		User:           chat.User{Username: "ada"},
		Paging:         30,
		PendingTimeout: pendingTimeout,
		AckSettle:      5 * time.Millisecond,
	}, tr, hist)
}

func TestSendWhileDisconnected_BuffersThenFlushesOnConnect(t *testing.T) {
	tr := newFakeTransport()
	hist := newFakeHistory()
	c := newTestController(tr, hist)
	defer c.Close()

	c.SendMessage("hi")

	require.Eventually(t, func() bool { return c.MessageCount() == 1 }, waitFor, tick)
	require.Equal(t, 1, c.PendingOutboundCount())
	m := c.Messages()[0]
	require.True(t, m.Pending)
	require.True(t, m.Hidden)
	require.Empty(t, tr.sentFrames(), "nothing may hit the wire while disconnected")

	var connected atomic.Int32
	sub := c.OnConnected(func() { connected.Add(1) })
	defer sub.Cancel()

	tr.serverConnect("sess-1")

	require.Eventually(t, func() bool { return connected.Load() == 1 }, waitFor, tick)
	require.Equal(t, 0, c.PendingOutboundCount(), "buffer must be flushed")

	frames := tr.sentFrames()
	require.Len(t, frames, 1, "flushed exactly once")
	require.Equal(t, transport.EventMessage, frames[0].event)
	require.False(t, frames[0].force, "flush must not force the connection")

	var flushed map[string]string
	require.NoError(t, json.Unmarshal(frames[0].data, &flushed))
	require.Equal(t, m.MessageID, flushed["message_id"])
	require.Equal(t, "hi", flushed["text"])
}

func TestSelfEcho_DoesNotGrowStore(t *testing.T) {
	tr := newFakeTransport()
	hist := newFakeHistory()
	c := newTestController(tr, hist)
	defer c.Close()

	tr.serverConnect("sess-1")
	require.Eventually(t, func() bool { return c.State() == StateLive }, waitFor, tick)

	// Echo of our own session, then a genuinely foreign message. Handling
	// is ordered, so once the foreign one landed the echo had its chance.
	tr.serverEvent(t, transport.EventMessageFromServer, wireMsg("echo-1", "mine", "sess-1"))
	tr.serverEvent(t, transport.EventMessageFromServer, wireMsg("other-1", "theirs", "sess-2"))

	require.Eventually(t, func() bool { return c.MessageCount() == 1 }, waitFor, tick)
	require.Equal(t, "other-1", c.Messages()[0].MessageID)
}

func TestBroadcast_AppendsAndSignals(t *testing.T) {
	tr := newFakeTransport()
	hist := newFakeHistory()
	c := newTestController(tr, hist)
	defer c.Close()

	type received struct{ scroll, invert bool }
	var mu sync.Mutex
	var got []received
	sub := c.OnMessageReceived(func(scroll, invert bool) {
		mu.Lock()
		got = append(got, received{scroll, invert})
		mu.Unlock()
	})
	defer sub.Cancel()

	tr.serverConnect("sess-1")
	require.Eventually(t, func() bool { return c.State() == StateLive }, waitFor, tick)

	tr.serverEvent(t, transport.EventMessageFromServer, wireMsg("other-1", "hello", "sess-2"))

	require.Eventually(t, func() bool { return c.MessageCount() == 1 }, waitFor, tick)
	mu.Lock()
	defer mu.Unlock()
	last := got[len(got)-1]
	require.True(t, last.scroll, "live broadcast scrolls to bottom")
	require.False(t, last.invert)
}

func TestPendingTimeout_RevealsAndWarnsExactlyOnce(t *testing.T) {
	tr := newFakeTransport()
	hist := newFakeHistory()
	c := newTestControllerTimeout(tr, hist, 60*time.Millisecond)
	defer c.Close()

	tr.serverConnect("sess-1")
	require.Eventually(t, func() bool { return c.State() == StateLive }, waitFor, tick)

	var warnings atomic.Int32
	sub := c.OnStillPending(func(string) { warnings.Add(1) })
	defer sub.Cancel()

	c.SendMessage("anyone there?")

	require.Eventually(t, func() bool {
		msgs := c.Messages()
		return len(msgs) == 1 && !msgs[0].Hidden && msgs[0].Pending
	}, waitFor, tick, "unacked message must be revealed after the timeout, still pending")
	require.Eventually(t, func() bool { return warnings.Load() == 1 }, waitFor, tick)

	time.Sleep(150 * time.Millisecond)
	require.Equal(t, int32(1), warnings.Load(), "still-pending fires once")
}

func TestAckBeforeTimeout_SettlesAndSuppressesWarning(t *testing.T) {
	tr := newFakeTransport()
	hist := newFakeHistory()
	c := newTestControllerTimeout(tr, hist, 60*time.Millisecond)
	defer c.Close()

	tr.serverConnect("sess-1")
	require.Eventually(t, func() bool { return c.State() == StateLive }, waitFor, tick)

	var warnings atomic.Int32
	sub := c.OnStillPending(func(string) { warnings.Add(1) })
	defer sub.Cancel()

	var pendingID atomic.Value
	psub := c.OnSendPending(func(id string) { pendingID.Store(id) })
	defer psub.Cancel()

	c.SendMessage("hello")
	require.Eventually(t, func() bool { return pendingID.Load() != nil }, waitFor, tick)

	tr.serverEvent(t, transport.EventMessageResponse, transport.MessageResponse{
		Status:    200,
		MessageID: pendingID.Load().(string),
	})

	require.Eventually(t, func() bool {
		msgs := c.Messages()
		return len(msgs) == 1 && !msgs[0].Pending && !msgs[0].Hidden
	}, waitFor, tick)

	time.Sleep(150 * time.Millisecond)
	require.Equal(t, int32(0), warnings.Load(), "acked sends must not warn")
}

// Snapshots are taken concurrently with ack settling; run with -race.
func TestMessages_SnapshotsSafeWhileAcksSettle(t *testing.T) {
	tr := newFakeTransport()
	hist := newFakeHistory()
	c := newTestController(tr, hist)
	defer c.Close()

	tr.serverConnect("sess-1")
	require.Eventually(t, func() bool { return c.State() == StateLive }, waitFor, tick)

	stop := make(chan struct{})
	var polls sync.WaitGroup
	polls.Add(1)
	go func() {
		defer polls.Done()
		for {
			select {
			case <-stop:
				return
			default:
				for _, m := range c.Messages() {
					_ = m.Pending
					_ = m.Hidden
				}
			}
		}
	}()

	var mu sync.Mutex
	ids := make(map[string]bool)
	sub := c.OnSendPending(func(id string) {
		mu.Lock()
		ids[id] = true
		mu.Unlock()
		tr.serverEvent(t, transport.EventMessageResponse, transport.MessageResponse{
			Status:    200,
			MessageID: id,
		})
	})
	defer sub.Cancel()

	const n = 20
	for i := 0; i < n; i++ {
		c.SendMessage("burst")
	}

	require.Eventually(t, func() bool {
		msgs := c.Messages()
		if len(msgs) != n {
			return false
		}
		for _, m := range msgs {
			if m.Pending || m.Hidden {
				return false
			}
		}
		return true
	}, waitFor, tick, "every send must settle")

	close(stop)
	polls.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ids, n)
}

func TestForcedSendFailure_QueuedAndResentOnReconnect(t *testing.T) {
	tr := newFakeTransport()
	hist := newFakeHistory()
	c := newTestController(tr, hist)
	defer c.Close()

	tr.serverConnect("sess-1")
	require.Eventually(t, func() bool { return c.State() == StateLive }, waitFor, tick)

	// The connection drops in the instant between the liveness check and
	// the write; the send must not be lost.
	tr.setForceErr(transport.ErrNotConnected)
	c.SendMessage("lost in transit")

	require.Eventually(t, func() bool { return c.PendingOutboundCount() == 1 }, waitFor, tick)
	require.Empty(t, tr.sentFrames())
	require.Equal(t, 1, c.MessageCount(), "optimistic entry stays in the store")

	tr.setForceErr(nil)
	tr.Disconnect()
	tr.serverConnect("sess-2")

	require.Eventually(t, func() bool {
		frames := tr.sentFrames()
		return len(frames) == 1 && frames[0].event == transport.EventMessage
	}, waitFor, tick, "queued send goes out on reconnect")
	require.Equal(t, 0, c.PendingOutboundCount())

	var resent map[string]string
	require.NoError(t, json.Unmarshal(tr.sentFrames()[0].data, &resent))
	require.Equal(t, "lost in transit", resent["text"])
}

func TestRefresh_PrependsOlderPage(t *testing.T) {
	tr := newFakeTransport()
	hist := newFakeHistory()
	hist.pages[0] = []*chat.Message{histMsg("10", "recent old"), histMsg("11", "recent new")}
	hist.pages[2] = []*chat.Message{histMsg("1", "ancient"), histMsg("2", "less ancient")}

	c := newTestController(tr, hist)
	defer c.Close()

	type received struct{ scroll, invert bool }
	var mu sync.Mutex
	var got []received
	sub := c.OnMessageReceived(func(scroll, invert bool) {
		mu.Lock()
		got = append(got, received{scroll, invert})
		mu.Unlock()
	})
	defer sub.Cancel()

	tr.serverConnect("sess-1")
	require.Eventually(t, func() bool { return c.MessageCount() == 2 }, waitFor, tick)

	var doneCalls atomic.Int32
	c.Refresh(func() { doneCalls.Add(1) })

	require.Eventually(t, func() bool { return doneCalls.Load() == 1 }, waitFor, tick)
	msgs := c.Messages()
	require.Len(t, msgs, 4)
	for i, id := range []string{"1", "2", "10", "11"} {
		require.Equal(t, id, msgs[i].MessageID, "older page goes before the existing oldest")
	}

	mu.Lock()
	defer mu.Unlock()
	last := got[len(got)-1]
	require.True(t, last.invert, "pagination preserves the reading position")

	hist.mu.Lock()
	defer hist.mu.Unlock()
	require.Equal(t, []int{0, 2}, hist.calls, "refresh skips the messages already held")
}

func TestBroadcastDuringSync_BufferedAndReplayedOnce(t *testing.T) {
	tr := newFakeTransport()
	hist := newFakeHistory()
	hist.pages[0] = []*chat.Message{histMsg("h1", "history")}
	release := make(chan struct{})
	hist.release = release

	c := newTestController(tr, hist)
	defer c.Close()

	tr.serverConnect("sess-1")
	require.Eventually(t, func() bool { return c.State() == StateSyncing }, waitFor, tick)

	// Lands while the history page is still in flight.
	tr.serverEvent(t, transport.EventMessageFromServer, wireMsg("live-1", "mid-sync", "sess-2"))

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, c.MessageCount(), "mid-sync broadcast must not beat the history page")

	close(release)

	require.Eventually(t, func() bool { return c.MessageCount() == 2 }, waitFor, tick)
	msgs := c.Messages()
	require.Equal(t, "h1", msgs[0].MessageID)
	require.Equal(t, "live-1", msgs[1].MessageID)
	require.Equal(t, StateLive, c.State())
}

func TestReconnect_ClearsAndResyncsWithoutDuplicates(t *testing.T) {
	tr := newFakeTransport()
	hist := newFakeHistory()
	hist.pages[0] = []*chat.Message{histMsg("h1", "history")}

	c := newTestController(tr, hist)
	defer c.Close()

	tr.serverConnect("sess-1")
	require.Eventually(t, func() bool { return c.MessageCount() == 1 }, waitFor, tick)

	// Drop and reconnect; the resynced store must hold the page once.
	tr.Disconnect()
	tr.serverConnect("sess-1b")

	require.Eventually(t, func() bool { return c.State() == StateLive }, waitFor, tick)
	require.Equal(t, 1, c.MessageCount(), "reconnect resync must not duplicate history")
}

func TestClose_UnregistersHandlersAndDisconnects(t *testing.T) {
	tr := newFakeTransport()
	hist := newFakeHistory()
	c := newTestController(tr, hist)

	tr.serverConnect("sess-1")
	require.Eventually(t, func() bool { return c.State() == StateLive }, waitFor, tick)

	c.Close()

	require.Equal(t, 0, tr.handlerCount(), "teardown must unregister every handler")
	require.False(t, tr.IsConnected())
	require.Equal(t, StateDisconnected, c.State())
}
