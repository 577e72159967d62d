package document

import (
	"context"
	"fmt"

	"github.com/alimasry/docloader/store"
)

// Document is a reference bound to an Accessor.
type Document[T any] struct {
	ref      store.DocumentRef
	accessor Accessor
	factory  *AccessorFactory[T]
}

func (d *Document[T]) Ref() store.DocumentRef { return d.ref }

func (d *Document[T]) ID() string { return d.ref.ID }

func (d *Document[T]) Key() string { return d.ref.Key() }

func (d *Document[T]) Accessor() Accessor { return d.accessor }

func (d *Document[T]) Factory() *AccessorFactory[T] { return d.factory }

// Data reads and decodes the document. The bool is false when the document
// does not exist.
func (d *Document[T]) Data(ctx context.Context) (T, bool, error) {
	var zero T
	snap, err := d.accessor.Get(ctx)
	if err != nil {
		return zero, false, fmt.Errorf("get %s: %w", d.ref, err)
	}
	if !snap.Exists {
		return zero, false, nil
	}
	v, err := d.factory.collection.converter.FromWire(snap)
	if err != nil {
		return zero, true, err
	}
	return v, true, nil
}

// SetData encodes v and writes it.
func (d *Document[T]) SetData(ctx context.Context, v T, opts ...store.SetOption) error {
	data, err := d.factory.collection.converter.ToWire(v)
	if err != nil {
		return err
	}
	if err := d.accessor.Set(ctx, data, opts...); err != nil {
		return fmt.Errorf("set %s: %w", d.ref, err)
	}
	return nil
}
