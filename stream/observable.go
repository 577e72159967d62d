package stream

// Feed is the consumer side of a Subject. Values arrive on a channel read by
// the consumer's own goroutine, so a consumer may call back into whatever
// publishes the feed.
type Feed[T any] interface {
	Subscribe() *Subscription[T]
	Value() (T, bool)
}

// Observable is the read side of a Subject for in-process wiring. Observe
// callbacks run on the publishing goroutine.
type Observable[T any] interface {
	Feed[T]
	Observe(next func(T)) (cancel func())
}

var _ Observable[int] = (*Subject[int])(nil)
