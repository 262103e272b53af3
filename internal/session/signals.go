package session

import "sync"

// Subscription is the handle returned by every On* registration. Cancel
// detaches the callback; the zero value is safe to cancel.
type Subscription struct {
	cancel func()
}

func (s *Subscription) Cancel() {
	if s != nil && s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// signalHub fans controller events out to view-layer callbacks. Callbacks
// are invoked from the controller's event loop, one at a time.
type signalHub struct {
	mu     sync.Mutex
	nextID int

	messageReceived map[int]func(scroll, invertScroll bool)
	sendPending     map[int]func(messageID string)
	stillPending    map[int]func(messageID string)
	connected       map[int]func()
}

func newSignalHub() *signalHub {
	return &signalHub{
		messageReceived: make(map[int]func(bool, bool)),
		sendPending:     make(map[int]func(string)),
		stillPending:    make(map[int]func(string)),
		connected:       make(map[int]func()),
	}
}

func (h *signalHub) subscribe(register func(id int), unregister func(id int)) *Subscription {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	register(id)
	h.mu.Unlock()
	return &Subscription{cancel: func() {
		h.mu.Lock()
		unregister(id)
		h.mu.Unlock()
	}}
}

func (h *signalHub) onMessageReceived(fn func(scroll, invertScroll bool)) *Subscription {
	return h.subscribe(
		func(id int) { h.messageReceived[id] = fn },
		func(id int) { delete(h.messageReceived, id) },
	)
}

func (h *signalHub) onSendPending(fn func(messageID string)) *Subscription {
	return h.subscribe(
		func(id int) { h.sendPending[id] = fn },
		func(id int) { delete(h.sendPending, id) },
	)
}

func (h *signalHub) onStillPending(fn func(messageID string)) *Subscription {
	return h.subscribe(
		func(id int) { h.stillPending[id] = fn },
		func(id int) { delete(h.stillPending, id) },
	)
}

func (h *signalHub) onConnected(fn func()) *Subscription {
	return h.subscribe(
		func(id int) { h.connected[id] = fn },
		func(id int) { delete(h.connected, id) },
	)
}

func (h *signalHub) emitMessageReceived(scroll, invertScroll bool) {
	h.mu.Lock()
	fns := make([]func(bool, bool), 0, len(h.messageReceived))
	for _, fn := range h.messageReceived {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(scroll, invertScroll)
	}
}

func (h *signalHub) emitSendPending(messageID string) {
	h.mu.Lock()
	fns := make([]func(string), 0, len(h.sendPending))
	for _, fn := range h.sendPending {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(messageID)
	}
}

func (h *signalHub) emitStillPending(messageID string) {
	h.mu.Lock()
	fns := make([]func(string), 0, len(h.stillPending))
	for _, fn := range h.stillPending {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(messageID)
	}
}

func (h *signalHub) emitConnected() {
	h.mu.Lock()
	fns := make([]func(), 0, len(h.connected))
	for _, fn := range h.connected {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
