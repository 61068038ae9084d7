package server

import "sync"

// Mailbox serialises message handling for one actor over a shared
// worker pool. Messages are handled strictly in arrival order, at most
// one at a time, so actor state needs no locking; which pool worker
// runs a drain is immaterial.
type Mailbox[T any] struct {
	mu        sync.Mutex
	queue     []T
	scheduled bool
	closed    bool

	pool    *WorkerPool
	handler func(T)
}

// NewMailbox binds a handler to a pool. The handler owns the actor's
// state and is never invoked concurrently with itself.
func NewMailbox[T any](pool *WorkerPool, handler func(T)) *Mailbox[T] {
	return &Mailbox[T]{pool: pool, handler: handler}
}

// Send enqueues a message. Returns false once the mailbox is closed;
// callers treat that as the peer being gone.
func (m *Mailbox[T]) Send(msg T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, msg)
	if m.scheduled {
		m.mu.Unlock()
		return true
	}
	m.scheduled = true
	m.mu.Unlock()

	m.pool.SubmitWait(m.drain)
	return true
}

// drain handles queued messages until the queue empties, then yields
// the worker. Only one drain is scheduled at a time.
func (m *Mailbox[T]) drain() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 || m.closed {
			m.scheduled = false
			m.mu.Unlock()
			return
		}
		msg := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		m.handler(msg)
	}
}

// Close rejects further sends and discards queued messages.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.queue = nil
	m.mu.Unlock()
}
