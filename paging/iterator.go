package paging

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/alimasry/docloader/store"
	"github.com/alimasry/docloader/stream"
)

// Iterator owns one forward-only paged query.
//
// At most one fetch runs per iterator: concurrent Next calls for the same
// page join the fetch in flight. Reset bumps the generation and Destroy
// marks the iterator dead; a fetch that completes after either is dropped
// instead of applied.
type Iterator struct {
	source      Source
	limit       int
	constraints []store.Constraint
	logger      *zap.Logger
	group       singleflight.Group

	mu          sync.Mutex
	maxPages    int
	generation  uint64
	pageIndex   int
	page        *Page
	cursor      store.Cursor
	reachedEnd  bool
	loading     bool
	err         error
	destroyed   bool
	inflight    string
	fetchCtx    context.Context
	cancelFetch context.CancelFunc

	current *stream.Subject[State]
	latest  *stream.Subject[State]
}

// IteratorOption configures an Iterator.
type IteratorOption func(*Iterator)

// WithLogger sets the logger of the iterator.
func WithLogger(logger *zap.Logger) IteratorOption {
	return func(it *Iterator) {
		it.logger = logger
	}
}

// NewIterator creates an iterator over source. No fetch happens before the
// first Next.
func NewIterator(source Source, filter Filter, opts ...IteratorOption) *Iterator {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	it := &Iterator{
		source:      source,
		limit:       limit,
		constraints: append([]store.Constraint(nil), filter.Constraints...),
		logger:      zap.NewNop(),
		maxPages:    filter.MaxPageLoadLimit,
		pageIndex:   NoPage,
		current:     stream.NewSubject[State](),
		latest:      stream.NewReplaySubject[State](),
	}
	for _, opt := range opts {
		opt(it)
	}
	it.fetchCtx, it.cancelFetch = context.WithCancel(context.Background())

	it.mu.Lock()
	it.publishLocked()
	it.mu.Unlock()
	return it
}

// Filter returns the filter the iterator runs with.
func (it *Iterator) Filter() Filter {
	it.mu.Lock()
	defer it.mu.Unlock()
	return Filter{
		Limit:            it.limit,
		Constraints:      append([]store.Constraint(nil), it.constraints...),
		MaxPageLoadLimit: it.maxPages,
	}
}

// Current pushes every state change to subscribers that are present when it
// happens. Nothing is replayed.
func (it *Iterator) Current() stream.Observable[State] { return it.current }

// Latest is like Current but replays the most recent state to new
// subscribers.
func (it *Iterator) Latest() stream.Observable[State] { return it.latest }

// State returns the current iteration state.
func (it *Iterator) State() State {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.stateLocked()
}

// Next advances one page and returns the index of the latest loaded page.
// It is a no-op once the iterator is exhausted or destroyed. A store error
// is returned and published; the iterator stays on its last page and Next
// may be called again.
func (it *Iterator) Next(ctx context.Context) (int, error) {
	it.mu.Lock()
	if it.destroyed || it.exhaustedLocked() {
		idx := it.pageIndex
		it.mu.Unlock()
		return idx, nil
	}
	gen := it.generation
	next := it.pageIndex + 1
	key := strconv.FormatUint(gen, 10) + ":" + strconv.Itoa(next)
	if it.inflight == key {
		coalescedNextCounter.Inc()
	}
	it.inflight = key
	fetchCtx, cursor := it.fetchCtx, it.cursor
	// DoChan is called under the lock so a caller either joins the fetch in
	// flight or, once it completed, sees the advanced page index.
	ch := it.group.DoChan(key, func() (any, error) {
		return it.fetch(fetchCtx, key, gen, next, cursor)
	})
	it.mu.Unlock()

	select {
	case res := <-ch:
		return res.Val.(int), res.Err
	case <-ctx.Done():
		return it.PageIndex(), ctx.Err()
	}
}

func (it *Iterator) fetch(ctx context.Context, key string, gen uint64, next int, cursor store.Cursor) (int, error) {
	it.mu.Lock()
	if it.staleLocked(gen) {
		idx := it.pageIndex
		it.mu.Unlock()
		return idx, nil
	}
	it.loading = true
	it.err = nil
	it.publishLocked()
	it.mu.Unlock()

	ctx, span := tracer.Start(ctx, "paging.Iterator.fetch", trace.WithAttributes(
		attribute.Int("page", next),
		attribute.Int("limit", it.limit),
	))
	defer span.End()

	res, err := it.source.Query(ctx, it.constraints, it.limit, cursor)

	it.mu.Lock()
	defer it.mu.Unlock()
	if it.staleLocked(gen) {
		staleResultsCounter.Inc()
		it.logger.Debug("dropping stale page result", zap.Int("page", next), zap.Uint64("generation", gen))
		return it.pageIndex, nil
	}
	if it.inflight == key {
		it.inflight = ""
	}
	it.loading = false

	if err != nil {
		pageFetchErrorsCounter.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		it.logger.Warn("page fetch failed", zap.Int("page", next), zap.Error(err))
		it.err = err
		it.publishLocked()
		return it.pageIndex, err
	}

	pagesFetchedCounter.Inc()
	it.pageIndex = next
	it.cursor = res.Cursor
	if len(res.Snapshots) < it.limit {
		it.reachedEnd = true
	}
	it.page = &Page{Index: next, Items: res.Snapshots, IsLast: it.exhaustedLocked()}
	it.publishLocked()
	return next, nil
}

// PageIndex returns the index of the latest loaded page or NoPage.
func (it *Iterator) PageIndex() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.pageIndex
}

// Exhausted reports whether Next can make no further progress.
func (it *Iterator) Exhausted() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.exhaustedLocked()
}

// Reset returns the iterator to its initial state. A fetch in flight is
// cancelled and its result discarded.
func (it *Iterator) Reset() {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.destroyed {
		return
	}
	it.generation++
	it.cancelFetch()
	it.fetchCtx, it.cancelFetch = context.WithCancel(context.Background())
	it.pageIndex = NoPage
	it.page = nil
	it.cursor = store.Cursor{}
	it.reachedEnd = false
	it.loading = false
	it.err = nil
	it.inflight = ""
	it.publishLocked()
}

// SetMaxPageLoadLimit changes the page bound in place. Loaded pages stay.
func (it *Iterator) SetMaxPageLoadLimit(n int) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.destroyed || it.maxPages == n {
		return
	}
	it.maxPages = n
	it.publishLocked()
}

// Destroy cancels any fetch, publishes a final state and completes both
// streams. Safe to call more than once.
func (it *Iterator) Destroy() {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.destroyed {
		return
	}
	it.destroyed = true
	it.cancelFetch()
	it.loading = false
	it.inflight = ""
	it.publishLocked()
	it.current.Complete()
	it.latest.Complete()
}

func (it *Iterator) staleLocked(gen uint64) bool {
	return it.destroyed || gen != it.generation
}

func (it *Iterator) exhaustedLocked() bool {
	if it.reachedEnd {
		return true
	}
	return it.maxPages > 0 && it.pageIndex+1 >= it.maxPages
}

func (it *Iterator) stateLocked() State {
	return State{
		Generation: it.generation,
		PageIndex:  it.pageIndex,
		Page:       it.page,
		Loading:    it.loading,
		Done:       it.exhaustedLocked(),
		Destroyed:  it.destroyed,
		Err:        it.err,
	}
}

// publishLocked runs the synchronous observers while it.mu is held, which
// keeps published states in the same order as the changes they describe.
func (it *Iterator) publishLocked() {
	st := it.stateLocked()
	it.current.Emit(st)
	it.latest.Emit(st)
}
