package chat

import "sync"

// Store holds the authoritative ordered message list (oldest -> newest)
// plus the buffer of messages composed while disconnected. Snapshots are
// read from outside the controller's event loop, so every access to a
// stored message, flag updates included, goes through the mutex.
type Store struct {
	mu       sync.Mutex
	messages []*Message
	outbound []*Message
}

func NewStore() *Store {
	return &Store{}
}

// Append adds a live message at the tail, unless a message with the same
// id is already present.
func (s *Store) Append(m *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.MessageID != "" && s.findLocked(m.MessageID) != nil {
		return false
	}
	s.messages = append(s.messages, m)
	return true
}

// PrependBatch inserts a history page before the current oldest message,
// preserving the batch's own oldest -> newest order. Messages already in
// the store are skipped.
func (s *Store) PrependBatch(batch []*Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := make([]*Message, 0, len(batch))
	for _, m := range batch {
		if m.MessageID != "" && s.findLocked(m.MessageID) != nil {
			continue
		}
		fresh = append(fresh, m)
	}
	s.messages = append(fresh, s.messages...)
}

// Settle clears the pending and hidden flags once a send is acknowledged.
// Returns false when the id is not in the store.
func (s *Store) Settle(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.findLocked(id)
	if m == nil {
		return false
	}
	m.Pending = false
	m.Hidden = false
	return true
}

// RevealIfPending uncovers a message whose ack never arrived, leaving it
// pending. Returns true only when the message exists and is still pending,
// so callers can warn at most once per send.
func (s *Store) RevealIfPending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.findLocked(id)
	if m == nil || !m.Pending {
		return false
	}
	m.Hidden = false
	return true
}

func (s *Store) findLocked(id string) *Message {
	for _, m := range s.messages {
		if m.MessageID == id {
			return m
		}
	}
	return nil
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Clear drops the message list. Called on every (re)connect before the
// history resync so the fetched page does not duplicate what was shown.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}

// Messages returns a snapshot copy of the ordered list.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = *m
	}
	return out
}

// QueueOutbound buffers a message composed while disconnected.
func (s *Store) QueueOutbound(m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbound = append(s.outbound, m)
}

// DrainOutbound empties the pending-outbound buffer and returns its
// contents in composition order.
func (s *Store) DrainOutbound() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.outbound
	s.outbound = nil
	return out
}

func (s *Store) OutboundLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbound)
}
