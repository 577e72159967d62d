// Package stream provides the push-stream primitive the paging and loader
// packages are built on: a multicast Subject with optional replay of the
// latest value, synchronous observers for internal wiring and channel
// subscriptions for consumers.
package stream

import (
	"maps"
	"slices"
	"sync"
)

// Subject is a multicast push stream. Values reach every observer in
// emission order.
//
// Observers registered with Observe run synchronously on the emitting
// goroutine, usually while the publisher holds its own lock. They must not
// call back into the Subject or its publisher. Consumers outside the
// publishing package use Subscribe.
type Subject[T any] struct {
	emitMu sync.Mutex // serialises deliveries

	mu        sync.Mutex
	observers map[uint64]*observer[T]
	nextID    uint64
	replay    bool
	last      T
	hasLast   bool
	completed bool
}

type observer[T any] struct {
	next     func(T)
	complete func()
}

// NewSubject returns a Subject that delivers only values emitted after a
// subscriber joined.
func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{observers: make(map[uint64]*observer[T])}
}

// NewReplaySubject returns a Subject that hands its latest value to every
// new subscriber.
func NewReplaySubject[T any]() *Subject[T] {
	s := NewSubject[T]()
	s.replay = true
	return s
}

// NewBehaviorSubject returns a replaying Subject seeded with initial.
func NewBehaviorSubject[T any](initial T) *Subject[T] {
	s := NewReplaySubject[T]()
	s.last = initial
	s.hasLast = true
	return s
}

// Emit delivers v to all observers. Emitting on a completed Subject is a
// no-op.
func (s *Subject[T]) Emit(v T) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return
	}
	s.last = v
	s.hasLast = true
	observers := s.snapshotLocked()
	s.mu.Unlock()

	for _, o := range observers {
		o.next(v)
	}
}

// Value returns the most recently emitted value.
func (s *Subject[T]) Value() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast
}

// Complete ends the stream. Observers are told once and dropped; later
// subscribers of a replaying Subject still receive the final value.
func (s *Subject[T]) Complete() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return
	}
	s.completed = true
	observers := s.snapshotLocked()
	s.observers = make(map[uint64]*observer[T])
	s.mu.Unlock()

	for _, o := range observers {
		if o.complete != nil {
			o.complete()
		}
	}
}

// Completed reports whether Complete was called.
func (s *Subject[T]) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// Observe registers a synchronous observer. A replaying Subject hands it the
// latest value before Observe returns. The returned func unregisters it.
func (s *Subject[T]) Observe(next func(T)) (cancel func()) {
	return s.observe(&observer[T]{next: next})
}

func (s *Subject[T]) observe(o *observer[T]) func() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	last, hasLast := s.last, s.hasLast && s.replay
	if s.completed {
		s.mu.Unlock()
		if hasLast {
			o.next(last)
		}
		if o.complete != nil {
			o.complete()
		}
		return func() {}
	}
	id := s.nextID
	s.nextID++
	s.observers[id] = o
	s.mu.Unlock()

	if hasLast {
		o.next(last)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		})
	}
}

// Subscribe starts a channel subscription. Values are queued without bound
// so a slow reader never blocks the publisher. The channel is closed once
// the Subject completes and the queue drains, or after Close.
func (s *Subject[T]) Subscribe() *Subscription[T] {
	sub := &Subscription[T]{
		c:      make(chan T),
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	go sub.pump()
	sub.cancel = s.observe(&observer[T]{next: sub.push, complete: sub.finish})
	return sub
}

func (s *Subject[T]) snapshotLocked() []*observer[T] {
	out := make([]*observer[T], 0, len(s.observers))
	for _, id := range slices.Sorted(maps.Keys(s.observers)) {
		out = append(out, s.observers[id])
	}
	return out
}
