package loader

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alimasry/docloader/document"
	"github.com/alimasry/docloader/paging"
	"github.com/alimasry/docloader/store"
	"github.com/alimasry/docloader/stream"
)

// DefaultLoadConcurrency bounds the parallel reads of one direct load.
const DefaultLoadConcurrency = 8

// LimitedDocumentLoader resolves an explicit list of identifiers into
// documents of one collection. It never queries and never reads; the order
// of the identifiers is kept.
type LimitedDocumentLoader[T any] struct {
	collection *document.Collection[T]
	factory    *document.AccessorFactory[T]
	logger     *zap.Logger

	mu        sync.Mutex
	docs      []*document.Document[T]
	destroyed bool

	documents *stream.Subject[[]*document.Document[T]]
	keys      *stream.Subject[[]string]
	refs      *stream.Subject[[]store.DocumentRef]
	ids       *stream.Subject[[]string]
}

// DocumentOption configures a direct loader.
type DocumentOption func(*documentOptions)

type documentOptions struct {
	logger      *zap.Logger
	context     document.Context
	concurrency int
}

func WithDocumentLogger(logger *zap.Logger) DocumentOption {
	return func(o *documentOptions) { o.logger = logger }
}

// WithDocumentContext binds resolved documents to dctx instead of
// document.NoContext.
func WithDocumentContext(dctx document.Context) DocumentOption {
	return func(o *documentOptions) { o.context = dctx }
}

// WithLoadConcurrency bounds the parallel reads of DocumentLoader.
func WithLoadConcurrency(n int) DocumentOption {
	return func(o *documentOptions) { o.concurrency = n }
}

func newDocumentOptions(opts []DocumentOption) documentOptions {
	o := documentOptions{logger: zap.NewNop(), context: document.NoContext(), concurrency: DefaultLoadConcurrency}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func NewLimitedDocumentLoader[T any](collection *document.Collection[T], opts ...DocumentOption) *LimitedDocumentLoader[T] {
	return newLimitedDocumentLoader(collection, newDocumentOptions(opts))
}

func newLimitedDocumentLoader[T any](collection *document.Collection[T], o documentOptions) *LimitedDocumentLoader[T] {
	return &LimitedDocumentLoader[T]{
		collection: collection,
		factory:    collection.DocumentAccessor(o.context),
		logger:     o.logger,
		documents:  stream.NewBehaviorSubject[[]*document.Document[T]](nil),
		keys:       stream.NewBehaviorSubject[[]string](nil),
		refs:       stream.NewBehaviorSubject[[]store.DocumentRef](nil),
		ids:        stream.NewBehaviorSubject[[]string](nil),
	}
}

// SetKeys resolves "collection/id" keys. On error nothing changes.
func (l *LimitedDocumentLoader[T]) SetKeys(keys []string) error {
	docs := make([]*document.Document[T], len(keys))
	for i, key := range keys {
		doc, err := l.factory.LoadDocumentForKey(key)
		if err != nil {
			return fmt.Errorf("set keys: %w", err)
		}
		docs[i] = doc
	}
	return l.set(docs)
}

// SetRefs resolves references. A reference of another collection fails the
// whole call.
func (l *LimitedDocumentLoader[T]) SetRefs(refs []store.DocumentRef) error {
	docs := make([]*document.Document[T], len(refs))
	for i, ref := range refs {
		doc, err := l.factory.LoadDocument(ref)
		if err != nil {
			return fmt.Errorf("set refs: %w", err)
		}
		docs[i] = doc
	}
	return l.set(docs)
}

func (l *LimitedDocumentLoader[T]) SetIDs(ids []string) error {
	docs := make([]*document.Document[T], len(ids))
	for i, id := range ids {
		doc, err := l.factory.LoadDocumentForID(id)
		if err != nil {
			return fmt.Errorf("set ids: %w", err)
		}
		docs[i] = doc
	}
	return l.set(docs)
}

// SetDocuments rebinds documents obtained elsewhere into this loader's
// context.
func (l *LimitedDocumentLoader[T]) SetDocuments(in []*document.Document[T]) error {
	docs := make([]*document.Document[T], len(in))
	for i, d := range in {
		doc, err := l.factory.LoadDocumentFrom(d)
		if err != nil {
			return fmt.Errorf("set documents: %w", err)
		}
		docs[i] = doc
	}
	return l.set(docs)
}

func (l *LimitedDocumentLoader[T]) set(docs []*document.Document[T]) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.destroyed {
		return ErrDestroyed
	}
	l.docs = docs

	keys := make([]string, len(docs))
	refs := make([]store.DocumentRef, len(docs))
	ids := make([]string, len(docs))
	for i, d := range docs {
		keys[i] = d.Key()
		refs[i] = d.Ref()
		ids[i] = d.ID()
	}
	l.documents.Emit(append([]*document.Document[T](nil), docs...))
	l.keys.Emit(keys)
	l.refs.Emit(refs)
	l.ids.Emit(ids)
	return nil
}

// Current returns the resolved documents.
func (l *LimitedDocumentLoader[T]) Current() []*document.Document[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*document.Document[T](nil), l.docs...)
}

func (l *LimitedDocumentLoader[T]) Documents() stream.Feed[[]*document.Document[T]] {
	return l.documents
}

func (l *LimitedDocumentLoader[T]) Keys() stream.Feed[[]string] { return l.keys }

func (l *LimitedDocumentLoader[T]) Refs() stream.Feed[[]store.DocumentRef] { return l.refs }

func (l *LimitedDocumentLoader[T]) IDs() stream.Feed[[]string] { return l.ids }

// Destroy completes all streams. Later Set calls return ErrDestroyed.
func (l *LimitedDocumentLoader[T]) Destroy() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.destroyed {
		return
	}
	l.destroyed = true
	l.documents.Complete()
	l.keys.Complete()
	l.refs.Complete()
	l.ids.Complete()
}

// DocumentLoader is a LimitedDocumentLoader that also reads the resolved
// documents. Reads run concurrently; the result of a load superseded by a
// newer identifier list is dropped.
type DocumentLoader[T any] struct {
	*LimitedDocumentLoader[T]

	concurrency int
	baseCtx     context.Context
	cancelAll   context.CancelFunc
	wg          sync.WaitGroup
	stopObserve func()

	mu         sync.Mutex
	generation uint64
	current    []*document.Document[T]
	cancelLoad context.CancelFunc
	closed     bool

	snapshots *stream.Subject[[]store.Snapshot]
	data      *stream.Subject[[]T]
	state     *stream.Subject[paging.LoadingState[[]T]]
}

func NewDocumentLoader[T any](collection *document.Collection[T], opts ...DocumentOption) *DocumentLoader[T] {
	o := newDocumentOptions(opts)
	if o.concurrency <= 0 {
		o.concurrency = DefaultLoadConcurrency
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &DocumentLoader[T]{
		LimitedDocumentLoader: newLimitedDocumentLoader(collection, o),
		concurrency:           o.concurrency,
		baseCtx:               ctx,
		cancelAll:             cancel,
		cancelLoad:            func() {},
		snapshots:             stream.NewReplaySubject[[]store.Snapshot](),
		data:                  stream.NewReplaySubject[[]T](),
		state:                 stream.NewBehaviorSubject(paging.BeginLoading[[]T]()),
	}
	l.stopObserve = l.documents.Observe(l.schedule)
	return l
}

// schedule starts loading docs in the background.
func (l *DocumentLoader[T]) schedule(docs []*document.Document[T]) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.generation++
	gen := l.generation
	l.current = docs
	l.cancelLoad()
	ctx, cancel := context.WithCancel(l.baseCtx)
	l.cancelLoad = cancel
	l.state.Emit(paging.BeginLoading[[]T]())
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		defer cancel()
		// Failures are published on the loading state.
		_ = l.load(ctx, gen, docs)
	}()
}

// Refresh reads the current documents again and returns once the result is
// published or dropped.
func (l *DocumentLoader[T]) Refresh(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrDestroyed
	}
	l.generation++
	gen := l.generation
	docs := l.current
	l.cancelLoad()
	ctx, cancel := context.WithCancel(ctx)
	l.cancelLoad = cancel
	l.state.Emit(paging.BeginLoading[[]T]())
	l.mu.Unlock()

	defer cancel()
	return l.load(ctx, gen, docs)
}

func (l *DocumentLoader[T]) load(ctx context.Context, gen uint64, docs []*document.Document[T]) error {
	ctx, span := tracer.Start(ctx, "loader.DocumentLoader.load", trace.WithAttributes(
		attribute.Int("documents", len(docs)),
	))
	defer span.End()

	snaps := make([]store.Snapshot, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for i, doc := range docs {
		g.Go(func() error {
			snap, err := doc.Accessor().Get(gctx)
			if err != nil {
				return fmt.Errorf("load %s: %w", doc.Ref(), err)
			}
			snaps[i] = snap
			return nil
		})
	}
	err := g.Wait()

	var items []T
	if err == nil {
		items = make([]T, 0, len(snaps))
		for _, snap := range snaps {
			if !snap.Exists {
				continue
			}
			item, convErr := l.collection.Convert(snap)
			if convErr != nil {
				err = fmt.Errorf("convert %s: %w", snap.Ref, convErr)
				break
			}
			items = append(items, item)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.generation || l.closed {
		staleLoadsCounter.Inc()
		l.logger.Debug("dropping stale document load", zap.Uint64("generation", gen))
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.logger.Warn("document load failed", zap.Int("documents", len(docs)), zap.Error(err))
		l.state.Emit(paging.Failure[[]T](err, paging.NoPage))
		return err
	}

	documentsLoadedCounter.Add(float64(len(docs)))
	l.snapshots.Emit(snaps)
	l.data.Emit(items)
	l.state.Emit(paging.Success(items, 0))
	return nil
}

// Snapshots streams the snapshots of the resolved documents in order,
// including those of missing documents.
func (l *DocumentLoader[T]) Snapshots() stream.Feed[[]store.Snapshot] { return l.snapshots }

// Data streams the decoded documents in order. Missing documents are left
// out.
func (l *DocumentLoader[T]) Data() stream.Feed[[]T] { return l.data }

func (l *DocumentLoader[T]) DataLoadingState() stream.Feed[paging.LoadingState[[]T]] {
	return l.state
}

// State returns the latest data loading state.
func (l *DocumentLoader[T]) State() paging.LoadingState[[]T] {
	st, _ := l.state.Value()
	return st
}

// Destroy cancels loads in flight, waits for them and completes all streams.
func (l *DocumentLoader[T]) Destroy() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.cancelLoad()
	l.mu.Unlock()

	l.stopObserve()
	l.cancelAll()
	l.wg.Wait()

	l.snapshots.Complete()
	l.data.Complete()
	l.state.Complete()
	l.LimitedDocumentLoader.Destroy()
}
