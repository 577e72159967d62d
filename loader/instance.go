// Package loader exposes paged queries and direct document loads as push
// streams of loading states.
package loader

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/zap"

	"github.com/alimasry/docloader/document"
	"github.com/alimasry/docloader/paging"
	"github.com/alimasry/docloader/store"
	"github.com/alimasry/docloader/stream"
)

// ErrDestroyed is returned by operations on a destroyed loader.
var ErrDestroyed = errors.New("loader destroyed")

// DefaultDebounce is how long an Instance waits for inputs to settle before
// it starts a new query.
const DefaultDebounce = 100 * time.Millisecond

var constraintsEqual = cmp.Options{
	cmpopts.EquateEmpty(),
	cmp.Exporter(func(reflect.Type) bool { return true }),
}

// query is the part of the inputs that decides which iterator runs.
type query[T any] struct {
	collection  *document.Collection[T]
	limit       int
	constraints []store.Constraint
}

func (q query[T]) equal(o query[T]) bool {
	return q.collection == o.collection && q.limit == o.limit &&
		cmp.Equal(q.constraints, o.constraints, constraintsEqual)
}

// QueryState is a loading state together with the collection of the query
// that produced it.
type QueryState[T any] struct {
	Collection *document.Collection[T]
	State      paging.LoadingState[[]T]
}

// slot is the live iterator and accumulator pair.
type slot[T any] struct {
	query query[T]
	it    *paging.Iterator
	acc   *paging.Accumulator[T]
}

func (s *slot[T]) destroy() {
	s.acc.Destroy()
	s.it.Destroy()
}

// Instance runs one paged query at a time over a collection and republishes
// its accumulated items. Changing the collection, the constraints or the page
// size replaces the running query once the inputs have been quiet for the
// debounce interval.
type Instance[T any] struct {
	logger   *zap.Logger
	debounce time.Duration

	mu       sync.Mutex
	desired  query[T]
	maxPages int
	live     *slot[T]
	ready    chan struct{} // closed while live matches desired
	stopped  bool

	// fwdMu orders forwarded states against slot swaps. Stream observers
	// take only fwdMu, never mu.
	fwdMu  sync.Mutex
	fwdGen uint64

	constraints      *stream.Subject[[]store.Constraint]
	pageLoadingState *stream.Subject[paging.LoadingState[[]T]]
	queryStates      *stream.Subject[QueryState[T]]
	items            *stream.Subject[[]T]

	kick        chan struct{}
	stop        chan struct{}
	done        chan struct{}
	destroyOnce sync.Once
}

// Option configures an Instance.
type Option func(*options)

type options struct {
	logger       *zap.Logger
	debounce     time.Duration
	itemsPerPage int
	maxPages     int
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithDebounce sets the quiet period before a query change takes effect.
func WithDebounce(d time.Duration) Option {
	return func(o *options) { o.debounce = d }
}

func WithItemsPerPage(n int) Option {
	return func(o *options) { o.itemsPerPage = n }
}

func WithMaxPages(n int) Option {
	return func(o *options) { o.maxPages = n }
}

// NewInstance starts an instance. The collection may be set later with
// SetCollection; until then Next waits.
func NewInstance[T any](collection *document.Collection[T], opts ...Option) *Instance[T] {
	o := options{logger: zap.NewNop(), debounce: DefaultDebounce, itemsPerPage: paging.DefaultLimit}
	for _, opt := range opts {
		opt(&o)
	}
	l := &Instance[T]{
		logger:           o.logger,
		debounce:         o.debounce,
		desired:          query[T]{collection: collection, limit: o.itemsPerPage},
		maxPages:         o.maxPages,
		ready:            make(chan struct{}),
		constraints:      stream.NewBehaviorSubject[[]store.Constraint](nil),
		pageLoadingState: stream.NewBehaviorSubject(paging.BeginLoading[[]T]()),
		queryStates:      stream.NewBehaviorSubject(QueryState[T]{Collection: collection, State: paging.BeginLoading[[]T]()}),
		items:            stream.NewReplaySubject[[]T](),
		kick:             make(chan struct{}, 1),
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
	go l.run()
	if collection != nil {
		l.trigger()
	}
	return l
}

func (l *Instance[T]) run() {
	defer close(l.done)
	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	for {
		select {
		case <-l.kick:
			if timer == nil {
				timer = time.NewTimer(l.debounce)
			} else {
				timer.Reset(l.debounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			l.swap()
		case <-l.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// trigger restarts the debounce window.
func (l *Instance[T]) trigger() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// swap makes the desired query live. Called from the run loop only.
func (l *Instance[T]) swap() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	want := l.desired
	if want.collection == nil {
		l.mu.Unlock()
		return
	}
	if l.live != nil && l.live.query.equal(want) {
		l.markReadyLocked()
		l.mu.Unlock()
		return
	}

	old := l.live
	it := want.collection.NewIterator(paging.Filter{
		Limit:            want.limit,
		Constraints:      want.constraints,
		MaxPageLoadLimit: l.maxPages,
	})
	acc := paging.NewItemAccumulator(it, want.collection.Convert, paging.WithAccumulatorLogger(l.logger))
	l.live = &slot[T]{query: want, it: it, acc: acc}

	l.fwdMu.Lock()
	l.fwdGen++
	gen := l.fwdGen
	l.fwdMu.Unlock()

	l.markReadyLocked()
	l.mu.Unlock()

	if old != nil {
		old.destroy()
	}
	iteratorSwapsCounter.Inc()
	l.logger.Debug("started query",
		zap.String("collection", want.collection.Name()),
		zap.Stringer("filter", it.Filter()),
	)

	// The accumulator completes its streams when destroyed, which drops this
	// observer along with it.
	acc.FlattenLoadingStates().Observe(func(st paging.LoadingState[[]T]) {
		l.forward(gen, want.collection, st)
	})
}

func (l *Instance[T]) forward(gen uint64, collection *document.Collection[T], st paging.LoadingState[[]T]) {
	l.fwdMu.Lock()
	defer l.fwdMu.Unlock()
	if gen != l.fwdGen {
		return
	}
	l.pageLoadingState.Emit(st)
	l.queryStates.Emit(QueryState[T]{Collection: collection, State: st})
	if st.HasValue {
		l.items.Emit(st.Value)
	}
}

func (l *Instance[T]) markReadyLocked() {
	select {
	case <-l.ready:
	default:
		close(l.ready)
	}
}

func (l *Instance[T]) markPendingLocked() {
	select {
	case <-l.ready:
		l.ready = make(chan struct{})
	default:
	}
}

// setDesired applies change to the desired query and schedules a swap if
// the result differs from what is wanted already.
func (l *Instance[T]) setDesired(change func(*query[T])) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	next := l.desired
	change(&next)
	if next.equal(l.desired) {
		return
	}
	l.desired = next
	if l.live != nil && l.live.query.equal(next) {
		l.markReadyLocked()
	} else {
		l.markPendingLocked()
	}
	l.trigger()
}

// SetCollection points the instance at collection.
func (l *Instance[T]) SetCollection(collection *document.Collection[T]) {
	l.setDesired(func(q *query[T]) { q.collection = collection })
}

// SetConstraints replaces the query constraints. Setting constraints equal to
// the current ones does nothing.
func (l *Instance[T]) SetConstraints(constraints ...store.Constraint) {
	constraints = append([]store.Constraint(nil), constraints...)
	l.mu.Lock()
	changed := !cmp.Equal(l.desired.constraints, constraints, constraintsEqual)
	l.mu.Unlock()
	if !changed {
		return
	}
	l.setDesired(func(q *query[T]) { q.constraints = constraints })
	l.constraints.Emit(constraints)
}

// SetItemsPerPage changes the page size, which restarts the query.
func (l *Instance[T]) SetItemsPerPage(n int) {
	if n <= 0 {
		n = paging.DefaultLimit
	}
	l.setDesired(func(q *query[T]) { q.limit = n })
}

// SetMaxPages bounds the number of pages. The running query keeps what it
// loaded.
func (l *Instance[T]) SetMaxPages(n int) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.maxPages = n
	live := l.live
	l.mu.Unlock()

	if live != nil {
		live.it.SetMaxPageLoadLimit(n)
	}
}

// Next loads one more page of the live query and returns its index. If a
// query change is still pending, or no collection is set yet, Next waits for
// it until ctx is done.
func (l *Instance[T]) Next(ctx context.Context) (int, error) {
	for {
		l.mu.Lock()
		if l.stopped {
			l.mu.Unlock()
			return paging.NoPage, ErrDestroyed
		}
		ready := l.ready
		l.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return paging.NoPage, ctx.Err()
		case <-l.stop:
			return paging.NoPage, ErrDestroyed
		}

		l.mu.Lock()
		if l.ready != ready || l.live == nil {
			// Inputs changed again while waiting.
			l.mu.Unlock()
			continue
		}
		it := l.live.it
		l.mu.Unlock()
		return it.Next(ctx)
	}
}

// Reset restarts the live query from its first page.
func (l *Instance[T]) Reset() {
	l.mu.Lock()
	live := l.live
	l.mu.Unlock()
	if live != nil {
		live.it.Reset()
	}
}

// Constraints streams the distinct constraint sets given to SetConstraints.
func (l *Instance[T]) Constraints() stream.Feed[[]store.Constraint] {
	return l.constraints
}

// PageLoadingState streams the loading state of the accumulated items of the
// live query. New subscribers get the latest state first.
func (l *Instance[T]) PageLoadingState() stream.Feed[paging.LoadingState[[]T]] {
	return l.pageLoadingState
}

// QueryStates is PageLoadingState with each state labelled by the collection
// of the query that produced it. Until a collection change takes effect the
// states keep the previous label.
func (l *Instance[T]) QueryStates() stream.Feed[QueryState[T]] {
	return l.queryStates
}

// State returns the latest loading state.
func (l *Instance[T]) State() paging.LoadingState[[]T] {
	st, _ := l.pageLoadingState.Value()
	return st
}

// Items streams the accumulated items each time they change.
func (l *Instance[T]) Items() stream.Feed[[]T] { return l.items }

// Destroy stops the instance and its query and completes all streams.
func (l *Instance[T]) Destroy() {
	l.destroyOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		live := l.live
		l.live = nil
		l.mu.Unlock()

		close(l.stop)
		<-l.done

		l.fwdMu.Lock()
		l.fwdGen++
		l.fwdMu.Unlock()

		if live != nil {
			live.destroy()
		}
		l.constraints.Complete()
		l.pageLoadingState.Complete()
		l.queryStates.Complete()
		l.items.Complete()
	})
}
