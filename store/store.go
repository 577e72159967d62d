package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("document not found")
	ErrAlreadyExists = errors.New("document already exists")

	// ErrBatchCommitted is returned when a write is enqueued on a batch that
	// has already been committed.
	ErrBatchCommitted = errors.New("batch already committed")
	// ErrTransactionClosed is returned when a transaction handle is used
	// after its function returned.
	ErrTransactionClosed = errors.New("transaction closed")

	ErrInvalidArgument = errors.New("invalid argument")
)

// DocumentRef identifies a document inside a collection.
type DocumentRef struct {
	Collection string
	ID         string
}

// Key returns the "collection/id" form of the reference.
func (r DocumentRef) Key() string {
	return r.Collection + "/" + r.ID
}

func (r DocumentRef) String() string { return r.Key() }

// IsZero reports whether the reference is unset.
func (r DocumentRef) IsZero() bool {
	return r.Collection == "" && r.ID == ""
}

// ParseKey parses a "collection/id" key. Nested collection paths are kept
// intact: everything before the last slash is the collection.
func ParseKey(key string) (DocumentRef, error) {
	i := strings.LastIndex(key, "/")
	if i <= 0 || i == len(key)-1 {
		return DocumentRef{}, fmt.Errorf("parse key %q: %w", key, ErrInvalidArgument)
	}
	return DocumentRef{Collection: key[:i], ID: key[i+1:]}, nil
}

// ValidateCollection checks a collection path: non-empty segments separated
// by slashes, an odd number of them, as in "users" or "users/u1/posts".
func ValidateCollection(path string) error {
	segments := strings.Split(path, "/")
	if len(segments)%2 == 0 {
		return fmt.Errorf("collection %q: %w", path, ErrInvalidArgument)
	}
	for _, seg := range segments {
		if seg == "" {
			return fmt.Errorf("collection %q: %w", path, ErrInvalidArgument)
		}
	}
	return nil
}

// Snapshot is the state of a document at read time.
type Snapshot struct {
	Ref        DocumentRef
	Exists     bool
	Data       map[string]any
	CreateTime time.Time
	UpdateTime time.Time
}

// Operator is a comparison operator for a where constraint.
type Operator string

const (
	OpEqual            Operator = "=="
	OpNotEqual         Operator = "!="
	OpLess             Operator = "<"
	OpLessOrEqual      Operator = "<="
	OpGreater          Operator = ">"
	OpGreaterOrEqual   Operator = ">="
	OpIn               Operator = "in"
	OpArrayContains    Operator = "array-contains"
	OpArrayContainsAny Operator = "array-contains-any"
)

// Direction is the sort direction of an order-by constraint.
type Direction int

const (
	Asc Direction = iota
	Desc
)

// ConstraintKind tags a Constraint.
type ConstraintKind int

const (
	KindWhere ConstraintKind = iota + 1
	KindOrderBy
)

// Constraint is a single query constraint. Use Where and OrderBy to build one.
type Constraint struct {
	Kind      ConstraintKind
	Path      string
	Op        Operator
	Value     any
	Direction Direction
}

func Where(path string, op Operator, value any) Constraint {
	return Constraint{Kind: KindWhere, Path: path, Op: op, Value: value}
}

func OrderBy(path string, dir Direction) Constraint {
	return Constraint{Kind: KindOrderBy, Path: path, Direction: dir}
}

// Cursor marks the position after the last document of a page. The zero
// value starts a query from the beginning.
type Cursor struct {
	last any
}

// NewCursor wraps a store specific position.
func NewCursor(last any) Cursor { return Cursor{last: last} }

func (c Cursor) IsZero() bool { return c.last == nil }

// Last returns the store specific position.
func (c Cursor) Last() any { return c.last }

// QueryResult is one page of query results.
type QueryResult struct {
	Snapshots []Snapshot
	// Cursor positions a follow-up query right after the last snapshot.
	Cursor Cursor
}

// Update is a single field update.
type Update struct {
	Path  string
	Value any
}

type setOptions struct {
	merge bool
}

// SetOption configures a Set call.
type SetOption func(*setOptions)

// Merge merges the given fields into an existing document instead of
// replacing it.
func Merge() SetOption {
	return func(o *setOptions) { o.merge = true }
}

func applySetOptions(opts []SetOption) setOptions {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WatchEvent is one push notification from Watch.
type WatchEvent struct {
	Snapshot Snapshot
	Err      error
}

// Batch collects writes that are persisted together on Commit.
type Batch interface {
	Set(ref DocumentRef, data map[string]any, opts ...SetOption) error
	Update(ref DocumentRef, updates []Update) error
	Delete(ref DocumentRef) error
	Commit(ctx context.Context) error
}

// Transaction routes reads and writes through a store transaction.
type Transaction interface {
	Get(ref DocumentRef) (Snapshot, error)
	Set(ref DocumentRef, data map[string]any, opts ...SetOption) error
	Update(ref DocumentRef, updates []Update) error
	Delete(ref DocumentRef) error
}

// Store abstracts a Firestore shaped document store.
// Implementations: MemoryStore, FirestoreStore, CachedStore.
type Store interface {
	// Query returns at most limit documents of collection matching the
	// constraints, starting after the cursor.
	Query(ctx context.Context, collection string, constraints []Constraint, limit int, after Cursor) (QueryResult, error)

	// Get returns the snapshot of ref. A missing document is not an error;
	// the snapshot has Exists set to false.
	Get(ctx context.Context, ref DocumentRef) (Snapshot, error)
	Set(ctx context.Context, ref DocumentRef, data map[string]any, opts ...SetOption) error
	Update(ctx context.Context, ref DocumentRef, updates []Update) error
	Delete(ctx context.Context, ref DocumentRef) error

	// Watch pushes the current snapshot of ref and every later change until
	// ctx is done. The channel is closed afterwards.
	Watch(ctx context.Context, ref DocumentRef) (<-chan WatchEvent, error)

	// NewRef allocates an unused reference in collection without writing.
	NewRef(collection string) DocumentRef

	Batch() Batch
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}
