package docstore

import "github.com/dkeye/studyhall/internal/app/mailbox"

// subscription delivers values to fn on its own goroutine, in push order.
type subscription[T any] struct {
	box *mailbox.Mailbox[T]
}

func newSubscription[T any](fn func(T)) *subscription[T] {
	s := &subscription[T]{box: mailbox.New[T]()}
	go s.box.Run(fn)
	return s
}

func (s *subscription[T]) push(v T) { s.box.Push(v) }

func (s *subscription[T]) stop() { s.box.Close() }
