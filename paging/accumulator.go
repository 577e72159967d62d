package paging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/alimasry/docloader/store"
	"github.com/alimasry/docloader/stream"
)

// PageBoundary records which identities a page contributed, in page order.
type PageBoundary struct {
	Index int
	Keys  []string
}

// Accumulator retains every page an Iterator loaded since its last reset
// and exposes them as one deduplicated list.
//
// Items are identified by document key. An item seen again on a later page
// replaces the earlier copy in place, so the list keeps first-seen order and
// never shrinks between resets.
type Accumulator[T any] struct {
	convert func(store.Snapshot) (T, error)
	logger  *zap.Logger

	mu          sync.Mutex
	generation  uint64
	index       map[string]int
	items       []T
	pages       []PageBoundary
	lastPage    int
	pageItems   []T
	loading     bool
	done        bool
	iterErr     error
	foldErr     error
	destroyed   bool
	stopObserve func()

	currentPage *stream.Subject[LoadingState[[]T]]
	flattened   *stream.Subject[LoadingState[[]T]]
}

// AccumulatorOption configures an Accumulator.
type AccumulatorOption func(*accumulatorOptions)

type accumulatorOptions struct {
	logger *zap.Logger
}

// WithAccumulatorLogger sets the logger of the accumulator.
func WithAccumulatorLogger(logger *zap.Logger) AccumulatorOption {
	return func(o *accumulatorOptions) {
		o.logger = logger
	}
}

// NewSnapshotAccumulator retains raw store snapshots.
func NewSnapshotAccumulator(it *Iterator, opts ...AccumulatorOption) *Accumulator[store.Snapshot] {
	return NewItemAccumulator(it, func(s store.Snapshot) (store.Snapshot, error) { return s, nil }, opts...)
}

// NewItemAccumulator retains the items convert produces from each snapshot.
// A page that fails to convert is reported through the loading states and
// leaves the accumulated items untouched.
func NewItemAccumulator[T any](it *Iterator, convert func(store.Snapshot) (T, error), opts ...AccumulatorOption) *Accumulator[T] {
	o := accumulatorOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	a := &Accumulator[T]{
		convert:     convert,
		logger:      o.logger,
		index:       make(map[string]int),
		lastPage:    NoPage,
		currentPage: stream.NewReplaySubject[LoadingState[[]T]](),
		flattened:   stream.NewReplaySubject[LoadingState[[]T]](),
	}
	// Latest replays synchronously, so the accumulator is in sync with the
	// iterator before this returns.
	stop := it.Latest().Observe(a.observe)
	a.mu.Lock()
	a.stopObserve = stop
	a.mu.Unlock()
	return a
}

func (a *Accumulator[T]) observe(st State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}

	if st.Generation != a.generation {
		a.clearLocked()
		a.generation = st.Generation
	}
	a.loading = st.Loading
	a.done = st.Done
	a.iterErr = st.Err

	if st.Page != nil && st.Page.Index > a.lastPage {
		if err := a.foldLocked(st.Page); err != nil {
			a.logger.Warn("failed to convert page", zap.Int("page", st.Page.Index), zap.Error(err))
			a.foldErr = err
		} else {
			a.foldErr = nil
		}
		a.lastPage = st.Page.Index
	}

	a.publishLocked()
	if st.Destroyed {
		a.destroyLocked()
	}
}

func (a *Accumulator[T]) foldLocked(page *Page) error {
	converted := make([]T, len(page.Items))
	keys := make([]string, len(page.Items))
	for i, snap := range page.Items {
		item, err := a.convert(snap)
		if err != nil {
			return fmt.Errorf("convert %q: %w", snap.Ref.Key(), err)
		}
		converted[i] = item
		keys[i] = snap.Ref.Key()
	}

	for i, key := range keys {
		if pos, ok := a.index[key]; ok {
			a.items[pos] = converted[i]
			continue
		}
		a.index[key] = len(a.items)
		a.items = append(a.items, converted[i])
	}
	a.pages = append(a.pages, PageBoundary{Index: page.Index, Keys: keys})
	a.pageItems = converted
	return nil
}

func (a *Accumulator[T]) clearLocked() {
	a.index = make(map[string]int)
	a.items = nil
	a.pages = nil
	a.pageItems = nil
	a.lastPage = NoPage
	a.foldErr = nil
}

func (a *Accumulator[T]) errLocked() error {
	if a.iterErr != nil {
		return a.iterErr
	}
	return a.foldErr
}

func (a *Accumulator[T]) loadingLocked() bool {
	if a.loading {
		return true
	}
	return a.lastPage == NoPage && a.errLocked() == nil && !a.done
}

func (a *Accumulator[T]) currentPageStateLocked() LoadingState[[]T] {
	return a.stateLocked(a.pageItems)
}

func (a *Accumulator[T]) flattenStateLocked() LoadingState[[]T] {
	return a.stateLocked(a.items)
}

func (a *Accumulator[T]) stateLocked(items []T) LoadingState[[]T] {
	s := LoadingState[[]T]{
		Loading: a.loadingLocked(),
		Err:     a.errLocked(),
		Page:    a.lastPage,
	}
	if a.lastPage != NoPage {
		s.Value = append(make([]T, 0, len(items)), items...)
		s.HasValue = true
	}
	return s
}

func (a *Accumulator[T]) publishLocked() {
	a.currentPage.Emit(a.currentPageStateLocked())
	a.flattened.Emit(a.flattenStateLocked())
}

// Flatten returns the deduplicated items in first-seen order, each in the
// copy of the most recent page it appeared on.
func (a *Accumulator[T]) Flatten() []T {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append(make([]T, 0, len(a.items)), a.items...)
}

// Pages returns the boundaries of the retained pages.
func (a *Accumulator[T]) Pages() []PageBoundary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]PageBoundary(nil), a.pages...)
}

// CurrentPageLoadingState reflects only the latest fetched page.
func (a *Accumulator[T]) CurrentPageLoadingState() LoadingState[[]T] {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentPageStateLocked()
}

// FlattenLoadingState reflects everything retained since the last reset.
func (a *Accumulator[T]) FlattenLoadingState() LoadingState[[]T] {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flattenStateLocked()
}

// CurrentPageLoadingStates streams CurrentPageLoadingState.
func (a *Accumulator[T]) CurrentPageLoadingStates() stream.Observable[LoadingState[[]T]] {
	return a.currentPage
}

// FlattenLoadingStates streams FlattenLoadingState.
func (a *Accumulator[T]) FlattenLoadingStates() stream.Observable[LoadingState[[]T]] {
	return a.flattened
}

// Destroy stops following the iterator and completes both streams. The
// iterator itself is left alone.
func (a *Accumulator[T]) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.destroyLocked()
}

func (a *Accumulator[T]) destroyLocked() {
	if a.destroyed {
		return
	}
	a.destroyed = true
	if a.stopObserve != nil {
		a.stopObserve()
	}
	a.currentPage.Complete()
	a.flattened.Complete()
}
