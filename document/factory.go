package document

import (
	"fmt"

	"github.com/alimasry/docloader/store"
)

// AccessorFactory resolves references of one collection into Documents
// bound to one Context. Resolving has no side effects on the store.
type AccessorFactory[T any] struct {
	collection *Collection[T]
	ctx        Context
}

func (f *AccessorFactory[T]) Collection() *Collection[T] { return f.collection }

func (f *AccessorFactory[T]) Context() Context { return f.ctx }

// NewDocument allocates an unused reference. Nothing is written.
func (f *AccessorFactory[T]) NewDocument() *Document[T] {
	return f.bind(f.collection.store.NewRef(f.collection.name))
}

// LoadDocument binds ref. A reference of another collection fails with an
// InvalidReferenceError.
func (f *AccessorFactory[T]) LoadDocument(ref store.DocumentRef) (*Document[T], error) {
	if !f.collection.Owns(ref) {
		return nil, &InvalidReferenceError{Ref: ref, Collection: f.collection.name}
	}
	return f.bind(ref), nil
}

func (f *AccessorFactory[T]) LoadDocumentForID(id string) (*Document[T], error) {
	return f.LoadDocument(f.collection.Ref(id))
}

// LoadDocumentForKey binds the document of a "collection/id" key.
func (f *AccessorFactory[T]) LoadDocumentForKey(key string) (*Document[T], error) {
	ref, err := store.ParseKey(key)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	return f.LoadDocument(ref)
}

// LoadDocumentFrom rebinds another document's reference into this factory's
// Context.
func (f *AccessorFactory[T]) LoadDocumentFrom(other *Document[T]) (*Document[T], error) {
	return f.LoadDocument(other.Ref())
}

func (f *AccessorFactory[T]) bind(ref store.DocumentRef) *Document[T] {
	return &Document[T]{
		ref:      ref,
		accessor: newAccessor(f.collection.store, f.ctx, ref),
		factory:  f,
	}
}
