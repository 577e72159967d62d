// Package paging drives forward-only paged queries against a document store
// and accumulates their pages into a deduplicated result set.
package paging

import (
	"context"
	"fmt"

	"github.com/alimasry/docloader/store"
)

// NoPage is the page index before the first page loaded.
const NoPage = -1

// DefaultLimit is used when a Filter has no positive Limit.
const DefaultLimit = 50

// Source executes one page of a query. A document.Collection is a Source.
type Source interface {
	Query(ctx context.Context, constraints []store.Constraint, limit int, after store.Cursor) (store.QueryResult, error)
}

// SourceFunc adapts a function to a Source.
type SourceFunc func(ctx context.Context, constraints []store.Constraint, limit int, after store.Cursor) (store.QueryResult, error)

func (f SourceFunc) Query(ctx context.Context, constraints []store.Constraint, limit int, after store.Cursor) (store.QueryResult, error) {
	return f(ctx, constraints, limit, after)
}

// Filter configures one Iterator. Limit and Constraints are fixed for the
// iterator's lifetime; MaxPageLoadLimit may change through
// Iterator.SetMaxPageLoadLimit. MaxPageLoadLimit <= 0 means unbounded.
type Filter struct {
	Limit            int
	Constraints      []store.Constraint
	MaxPageLoadLimit int
}

func (f Filter) String() string {
	return fmt.Sprintf("limit=%d constraints=%d maxPages=%d", f.Limit, len(f.Constraints), f.MaxPageLoadLimit)
}

// Page is one bounded result batch.
type Page struct {
	Index  int
	Items  []store.Snapshot
	IsLast bool
}

// State is the iteration state pushed by an Iterator.
type State struct {
	// Generation changes on every Reset. Consumers drop what they retained
	// for an older generation.
	Generation uint64
	PageIndex  int
	// Page is the latest loaded page, nil before the first one.
	Page      *Page
	Loading   bool
	Done      bool
	Destroyed bool
	// Err is the error of the last fetch attempt, cleared by the next one.
	Err error
}
