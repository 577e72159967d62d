package stream

import "sync"

// Subscription is a channel view of a Subject.
type Subscription[T any] struct {
	c      chan T
	notify chan struct{}
	stop   chan struct{}
	cancel func()

	mu       sync.Mutex
	queue    []T
	finished bool

	closeOnce sync.Once
}

// C returns the receive channel.
func (s *Subscription[T]) C() <-chan T { return s.c }

// Close unsubscribes and releases the pump goroutine. Safe to call more
// than once.
func (s *Subscription[T]) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		close(s.stop)
	})
}

func (s *Subscription[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription[T]) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription[T]) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) pump() {
	defer close(s.c)
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			v := s.queue[0]
			var zero T
			s.queue[0] = zero
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.c <- v:
			case <-s.stop:
				return
			}
			continue
		}
		finished := s.finished
		s.mu.Unlock()
		if finished {
			return
		}

		select {
		case <-s.notify:
		case <-s.stop:
			return
		}
	}
}
