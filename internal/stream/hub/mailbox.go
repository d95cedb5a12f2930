package hub

import "sync"

type msgKind int

const (
	msgOpen msgKind = iota
	msgFrame
	msgClose
	msgError
	msgTimer
	msgSubscribe
	msgUnsubscribe
	msgStop
)

type message struct {
	kind   msgKind
	gen    uint64
	frame  []byte
	reason string
	subID  uint64
	sub    Subscriber
	ack    chan struct{}
}

// mailbox is an unbounded queue with a single consumer. post never blocks,
// so transport callbacks and timers can enqueue while holding their own locks.
type mailbox struct {
	mu     sync.Mutex
	queue  []message
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) post(msg message) {
	m.mu.Lock()
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []message {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue
	m.queue = nil
	return q
}
