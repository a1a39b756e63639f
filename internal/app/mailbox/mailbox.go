// Package mailbox provides an unbounded FIFO drained by a single goroutine.
package mailbox

import "sync"

// Mailbox queues values for one consumer goroutine started with Run.
// Push never blocks, so producers (network callbacks, store writers)
// cannot be stalled by a slow consumer.
type Mailbox[T any] struct {
	mu     sync.Mutex
	queue  []T
	closed bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Push enqueues v. It reports false once the mailbox is closed.
func (m *Mailbox[T]) Push(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, v)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// Close stops Run. Values still queued are discarded.
func (m *Mailbox[T]) Close() {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.queue = nil
		m.mu.Unlock()
		close(m.done)
	})
}

// Done is closed by Close.
func (m *Mailbox[T]) Done() <-chan struct{} { return m.done }

// Run calls fn for every value in push order and returns after Close.
// A value popped just before Close may still be handled.
func (m *Mailbox[T]) Run(fn func(T)) {
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}
		for {
			v, ok := m.pop()
			if !ok {
				break
			}
			fn(v)
		}
	}
}

func (m *Mailbox[T]) pop() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero T
	if m.closed || len(m.queue) == 0 {
		return zero, false
	}
	v := m.queue[0]
	m.queue[0] = zero
	m.queue = m.queue[1:]
	return v, true
}
