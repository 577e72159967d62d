package document

import (
	"context"

	"github.com/alimasry/docloader/store"
)

// Accessor reads and writes one document. Which store path it uses is fixed
// when it is created.
type Accessor interface {
	Ref() store.DocumentRef
	Get(ctx context.Context) (store.Snapshot, error)
	// Stream pushes the document's snapshot and every later change until ctx
	// is done.
	Stream(ctx context.Context) (<-chan store.WatchEvent, error)
	Set(ctx context.Context, data map[string]any, opts ...store.SetOption) error
	Update(ctx context.Context, updates []store.Update) error
	Delete(ctx context.Context) error
}

func newAccessor(s store.Store, dctx Context, ref store.DocumentRef) Accessor {
	switch dctx.Kind() {
	case KindBatch:
		return &batchAccessor{store: s, batch: dctx.Batch(), ref: ref}
	case KindTransaction:
		return &transactionAccessor{tx: dctx.Transaction(), ref: ref}
	default:
		return &directAccessor{store: s, ref: ref}
	}
}

type directAccessor struct {
	store store.Store
	ref   store.DocumentRef
}

func (a *directAccessor) Ref() store.DocumentRef { return a.ref }

func (a *directAccessor) Get(ctx context.Context) (store.Snapshot, error) {
	return a.store.Get(ctx, a.ref)
}

func (a *directAccessor) Stream(ctx context.Context) (<-chan store.WatchEvent, error) {
	return a.store.Watch(ctx, a.ref)
}

func (a *directAccessor) Set(ctx context.Context, data map[string]any, opts ...store.SetOption) error {
	return a.store.Set(ctx, a.ref, data, opts...)
}

func (a *directAccessor) Update(ctx context.Context, updates []store.Update) error {
	return a.store.Update(ctx, a.ref, updates)
}

func (a *directAccessor) Delete(ctx context.Context) error {
	return a.store.Delete(ctx, a.ref)
}

// batchAccessor reads from the live store and enqueues writes.
type batchAccessor struct {
	store store.Store
	batch store.Batch
	ref   store.DocumentRef
}

func (a *batchAccessor) Ref() store.DocumentRef { return a.ref }

func (a *batchAccessor) Get(ctx context.Context) (store.Snapshot, error) {
	return a.store.Get(ctx, a.ref)
}

func (a *batchAccessor) Stream(ctx context.Context) (<-chan store.WatchEvent, error) {
	return a.store.Watch(ctx, a.ref)
}

func (a *batchAccessor) Set(_ context.Context, data map[string]any, opts ...store.SetOption) error {
	return misuse(a.batch.Set(a.ref, data, opts...))
}

func (a *batchAccessor) Update(_ context.Context, updates []store.Update) error {
	return misuse(a.batch.Update(a.ref, updates))
}

func (a *batchAccessor) Delete(context.Context) error {
	return misuse(a.batch.Delete(a.ref))
}

type transactionAccessor struct {
	tx  store.Transaction
	ref store.DocumentRef
}

func (a *transactionAccessor) Ref() store.DocumentRef { return a.ref }

func (a *transactionAccessor) Get(context.Context) (store.Snapshot, error) {
	snap, err := a.tx.Get(a.ref)
	return snap, misuse(err)
}

func (a *transactionAccessor) Stream(context.Context) (<-chan store.WatchEvent, error) {
	return nil, ErrStreamUnsupported
}

func (a *transactionAccessor) Set(_ context.Context, data map[string]any, opts ...store.SetOption) error {
	return misuse(a.tx.Set(a.ref, data, opts...))
}

func (a *transactionAccessor) Update(_ context.Context, updates []store.Update) error {
	return misuse(a.tx.Update(a.ref, updates))
}

func (a *transactionAccessor) Delete(context.Context) error {
	return misuse(a.tx.Delete(a.ref))
}
