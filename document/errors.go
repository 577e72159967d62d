package document

import (
	"errors"
	"fmt"

	"github.com/alimasry/docloader/store"
)

var (
	// ErrInvalidReference is returned when a reference does not belong to
	// the collection it is resolved against.
	ErrInvalidReference = errors.New("invalid document reference")

	// ErrAccessorMisuse is returned when an accessor is used after its batch
	// committed or its transaction closed.
	ErrAccessorMisuse = errors.New("accessor used outside its context")

	ErrStreamUnsupported = errors.New("stream is not supported inside a transaction")
)

// InvalidReferenceError reports a reference resolved against the wrong
// collection.
type InvalidReferenceError struct {
	Ref        store.DocumentRef
	Collection string
}

func (e *InvalidReferenceError) Error() string {
	return fmt.Sprintf("reference %q does not belong to collection %q", e.Ref.Key(), e.Collection)
}

func (e *InvalidReferenceError) Unwrap() error { return ErrInvalidReference }

func misuse(err error) error {
	if errors.Is(err, store.ErrBatchCommitted) || errors.Is(err, store.ErrTransactionClosed) {
		return fmt.Errorf("%w: %w", ErrAccessorMisuse, err)
	}
	return err
}
