package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Yiling-J/theine-go"
)

// CachedStore wraps a backing Store with an in-memory snapshot cache.
// Get is served from the cache when possible; query results warm it.
// Every write goes straight to the backing store and evicts the written
// documents, so the cache never serves a snapshot older than the caller's
// own last write.
type CachedStore struct {
	backing Store
	cache   *theine.Cache[string, Snapshot]
	ttl     time.Duration
}

// NewCachedStore creates a CachedStore holding at most maxSize snapshots,
// each for at most ttl.
func NewCachedStore(backing Store, maxSize int64, ttl time.Duration) (*CachedStore, error) {
	cache, err := theine.NewBuilder[string, Snapshot](maxSize).Build()
	if err != nil {
		return nil, fmt.Errorf("build snapshot cache: %w", err)
	}
	return &CachedStore{backing: backing, cache: cache, ttl: ttl}, nil
}

func (cs *CachedStore) remember(snap Snapshot) {
	cs.cache.SetWithTTL(snap.Ref.Key(), snap, 1, cs.ttl)
}

func (cs *CachedStore) Get(ctx context.Context, ref DocumentRef) (Snapshot, error) {
	if snap, ok := cs.cache.Get(ref.Key()); ok {
		return snap, nil
	}
	// Cache miss, load from the backing store.
	snap, err := cs.backing.Get(ctx, ref)
	if err != nil {
		return Snapshot{}, err
	}
	cs.remember(snap)
	return snap, nil
}

func (cs *CachedStore) Query(ctx context.Context, collection string, constraints []Constraint, limit int, after Cursor) (QueryResult, error) {
	result, err := cs.backing.Query(ctx, collection, constraints, limit, after)
	if err != nil {
		return QueryResult{}, err
	}
	for _, snap := range result.Snapshots {
		cs.remember(snap)
	}
	return result, nil
}

func (cs *CachedStore) Set(ctx context.Context, ref DocumentRef, data map[string]any, opts ...SetOption) error {
	defer cs.cache.Delete(ref.Key())
	return cs.backing.Set(ctx, ref, data, opts...)
}

func (cs *CachedStore) Update(ctx context.Context, ref DocumentRef, updates []Update) error {
	defer cs.cache.Delete(ref.Key())
	return cs.backing.Update(ctx, ref, updates)
}

func (cs *CachedStore) Delete(ctx context.Context, ref DocumentRef) error {
	defer cs.cache.Delete(ref.Key())
	return cs.backing.Delete(ctx, ref)
}

func (cs *CachedStore) Watch(ctx context.Context, ref DocumentRef) (<-chan WatchEvent, error) {
	return cs.backing.Watch(ctx, ref)
}

func (cs *CachedStore) NewRef(collection string) DocumentRef {
	return cs.backing.NewRef(collection)
}

func (cs *CachedStore) Batch() Batch {
	return &cachedBatch{Batch: cs.backing.Batch(), cs: cs}
}

func (cs *CachedStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error {
	var touched []DocumentRef
	var mu sync.Mutex
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		for _, ref := range touched {
			cs.cache.Delete(ref.Key())
		}
	}()
	return cs.backing.RunTransaction(ctx, func(ctx context.Context, tx Transaction) error {
		return fn(ctx, &cachedTransaction{Transaction: tx, touch: func(ref DocumentRef) {
			mu.Lock()
			touched = append(touched, ref)
			mu.Unlock()
		}})
	})
}

// Close releases the cache.
func (cs *CachedStore) Close() {
	cs.cache.Close()
}

type cachedBatch struct {
	Batch
	cs      *CachedStore
	mu      sync.Mutex
	touched []DocumentRef
}

func (b *cachedBatch) touch(ref DocumentRef) {
	b.mu.Lock()
	b.touched = append(b.touched, ref)
	b.mu.Unlock()
}

func (b *cachedBatch) Set(ref DocumentRef, data map[string]any, opts ...SetOption) error {
	b.touch(ref)
	return b.Batch.Set(ref, data, opts...)
}

func (b *cachedBatch) Update(ref DocumentRef, updates []Update) error {
	b.touch(ref)
	return b.Batch.Update(ref, updates)
}

func (b *cachedBatch) Delete(ref DocumentRef) error {
	b.touch(ref)
	return b.Batch.Delete(ref)
}

func (b *cachedBatch) Commit(ctx context.Context) error {
	err := b.Batch.Commit(ctx)
	b.mu.Lock()
	for _, ref := range b.touched {
		b.cs.cache.Delete(ref.Key())
	}
	b.touched = nil
	b.mu.Unlock()
	return err
}

type cachedTransaction struct {
	Transaction
	touch func(DocumentRef)
}

func (t *cachedTransaction) Set(ref DocumentRef, data map[string]any, opts ...SetOption) error {
	t.touch(ref)
	return t.Transaction.Set(ref, data, opts...)
}

func (t *cachedTransaction) Update(ref DocumentRef, updates []Update) error {
	t.touch(ref)
	return t.Transaction.Update(ref, updates)
}

func (t *cachedTransaction) Delete(ref DocumentRef) error {
	t.touch(ref)
	return t.Transaction.Delete(ref)
}
