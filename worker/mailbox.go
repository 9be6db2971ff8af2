package worker

import "sync"

// Mailbox is an unbounded, ordered message queue from the execution context
// to the supervisor. Post never blocks, so output notifications can never
// stall the engine.
type Mailbox struct {
	notify chan struct{}
	queue  []Message
	mu     sync.Mutex
	closed bool
}

// NewMailbox returns an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{notify: make(chan struct{}, 1)}
}

// Post appends msg. It reports false if the mailbox is closed.
func (m *Mailbox) Post(msg Message) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// Ready receives a token after one or more Posts. Tokens coalesce; after
// receiving one, call Drain to get every queued message.
func (m *Mailbox) Ready() <-chan struct{} {
	return m.notify
}

// Drain appends all queued messages to dst in post order and empties the
// queue.
func (m *Mailbox) Drain(dst []Message) []Message {
	m.mu.Lock()
	dst = append(dst, m.queue...)
	clear(m.queue)
	m.queue = m.queue[:0]
	m.mu.Unlock()
	return dst
}

// Len returns the number of queued messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Close drops queued messages and rejects further posts.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.queue = nil
	m.mu.Unlock()
}
