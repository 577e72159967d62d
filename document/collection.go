package document

import (
	"context"

	"go.uber.org/zap"

	"github.com/alimasry/docloader/paging"
	"github.com/alimasry/docloader/store"
)

// Collection is a typed view of one store collection. It is a paging.Source.
type Collection[T any] struct {
	name      string
	store     store.Store
	converter Converter[T]
	logger    *zap.Logger
}

// CollectionOption configures a Collection.
type CollectionOption[T any] func(*Collection[T])

// WithConverter overrides the default JSONConverter.
func WithConverter[T any](c Converter[T]) CollectionOption[T] {
	return func(col *Collection[T]) {
		col.converter = c
	}
}

func WithLogger[T any](logger *zap.Logger) CollectionOption[T] {
	return func(col *Collection[T]) {
		col.logger = logger
	}
}

// NewCollection returns the collection called name in s.
func NewCollection[T any](s store.Store, name string, opts ...CollectionOption[T]) *Collection[T] {
	col := &Collection[T]{
		name:      name,
		store:     s,
		converter: JSONConverter[T]{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(col)
	}
	return col
}

func (c *Collection[T]) Name() string { return c.name }

// Ref returns the reference of id in this collection.
func (c *Collection[T]) Ref(id string) store.DocumentRef {
	return store.DocumentRef{Collection: c.name, ID: id}
}

// Owns reports whether ref belongs to this collection.
func (c *Collection[T]) Owns(ref store.DocumentRef) bool {
	return ref.Collection == c.name && ref.ID != ""
}

// Query runs one page of a query over the collection.
func (c *Collection[T]) Query(ctx context.Context, constraints []store.Constraint, limit int, after store.Cursor) (store.QueryResult, error) {
	return c.store.Query(ctx, c.name, constraints, limit, after)
}

// DocumentAccessor returns a factory whose documents use dctx.
func (c *Collection[T]) DocumentAccessor(dctx Context) *AccessorFactory[T] {
	return &AccessorFactory[T]{collection: c, ctx: dctx}
}

// NewIterator starts a paged query over the collection.
func (c *Collection[T]) NewIterator(filter paging.Filter) *paging.Iterator {
	return paging.NewIterator(c, filter, paging.WithLogger(c.logger.With(zap.String("collection", c.name))))
}

// Convert decodes a snapshot with the collection's converter.
func (c *Collection[T]) Convert(snap store.Snapshot) (T, error) {
	return c.converter.FromWire(snap)
}
