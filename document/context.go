// Package document binds document references to the store through an
// Accessor chosen once per execution Context.
package document

import (
	"fmt"

	"github.com/alimasry/docloader/store"
)

// ContextKind tags the execution context of an Accessor.
type ContextKind int

const (
	KindNone ContextKind = iota
	KindBatch
	KindTransaction
)

func (k ContextKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindBatch:
		return "batch"
	case KindTransaction:
		return "transaction"
	default:
		return fmt.Sprintf("ContextKind(%d)", int(k))
	}
}

// Context is where an Accessor sends its reads and writes. The zero value is
// NoContext.
type Context struct {
	kind  ContextKind
	batch store.Batch
	tx    store.Transaction
}

// NoContext routes every call straight to the store.
func NoContext() Context { return Context{} }

// BatchContext enqueues writes on b. Committing b is up to the caller.
func BatchContext(b store.Batch) Context {
	return Context{kind: KindBatch, batch: b}
}

// TransactionContext routes reads and writes through tx.
func TransactionContext(tx store.Transaction) Context {
	return Context{kind: KindTransaction, tx: tx}
}

func (c Context) Kind() ContextKind { return c.kind }

func (c Context) Batch() store.Batch { return c.batch }

func (c Context) Transaction() store.Transaction { return c.tx }
