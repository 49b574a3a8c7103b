// Package mailbox provides an unbounded FIFO drained through a channel.
package mailbox

import "sync"

// Mailbox is an unbounded FIFO in front of an unbuffered channel. Put never
// blocks and delivery order matches Put order.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	wake   chan struct{}
	out    chan T
}

// New creates a mailbox and starts its delivery goroutine. The goroutine
// exits once the mailbox is closed and every queued item has been received.
func New[T any]() *Mailbox[T] {
	m := &Mailbox[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
	}
	go m.pump()
	return m
}

// Put enqueues v. It reports false once the mailbox is closed.
func (m *Mailbox[T]) Put(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()
	m.signal()
	return true
}

// Close stops accepting items. Items already queued are still delivered,
// then the output channel is closed. Safe to call more than once.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

// Out returns the delivery channel.
func (m *Mailbox[T]) Out() <-chan T {
	return m.out
}

func (m *Mailbox[T]) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Mailbox[T]) pump() {
	defer close(m.out)
	for {
		m.mu.Lock()
		batch := m.items
		m.items = nil
		closed := m.closed
		m.mu.Unlock()

		if len(batch) == 0 {
			if closed {
				return
			}
			<-m.wake
			continue
		}
		for _, v := range batch {
			m.out <- v
		}
	}
}
