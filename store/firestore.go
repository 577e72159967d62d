package store

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore is a Cloud Firestore backed implementation of Store.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore creates a new FirestoreStore using the given Firestore client.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

func (s *FirestoreStore) docRef(ref DocumentRef) *firestore.DocumentRef {
	return s.client.Collection(ref.Collection).Doc(ref.ID)
}

func (s *FirestoreStore) NewRef(collection string) DocumentRef {
	return DocumentRef{Collection: collection, ID: s.client.Collection(collection).NewDoc().ID}
}

func (s *FirestoreStore) Get(ctx context.Context, ref DocumentRef) (Snapshot, error) {
	snap, err := s.docRef(ref).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return Snapshot{Ref: ref}, nil
	}
	if err != nil {
		return Snapshot{}, mapError(ref, err)
	}
	return fromFirestore(ref.Collection, snap), nil
}

func fromFirestore(collection string, snap *firestore.DocumentSnapshot) Snapshot {
	out := Snapshot{
		Ref:    DocumentRef{Collection: collection, ID: snap.Ref.ID},
		Exists: snap.Exists(),
	}
	if out.Exists {
		out.Data = snap.Data()
		out.CreateTime = snap.CreateTime
		out.UpdateTime = snap.UpdateTime
	}
	return out
}

func (s *FirestoreStore) Set(ctx context.Context, ref DocumentRef, data map[string]any, opts ...SetOption) error {
	_, err := s.docRef(ref).Set(ctx, data, firestoreSetOptions(opts)...)
	return mapError(ref, err)
}

func (s *FirestoreStore) Update(ctx context.Context, ref DocumentRef, updates []Update) error {
	_, err := s.docRef(ref).Update(ctx, firestoreUpdates(updates))
	return mapError(ref, err)
}

func (s *FirestoreStore) Delete(ctx context.Context, ref DocumentRef) error {
	_, err := s.docRef(ref).Delete(ctx)
	return mapError(ref, err)
}

func (s *FirestoreStore) Query(ctx context.Context, collection string, constraints []Constraint, limit int, after Cursor) (QueryResult, error) {
	q := s.client.Collection(collection).Query
	for _, c := range constraints {
		switch c.Kind {
		case KindWhere:
			q = q.Where(c.Path, string(c.Op), c.Value)
		case KindOrderBy:
			dir := firestore.Asc
			if c.Direction == Desc {
				dir = firestore.Desc
			}
			q = q.OrderBy(c.Path, dir)
		default:
			return QueryResult{}, fmt.Errorf("unknown constraint kind %d: %w", c.Kind, ErrInvalidArgument)
		}
	}
	if !after.IsZero() {
		last, ok := after.Last().(*firestore.DocumentSnapshot)
		if !ok {
			return QueryResult{}, fmt.Errorf("foreign cursor %T: %w", after.Last(), ErrInvalidArgument)
		}
		q = q.StartAfter(last)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	result := QueryResult{Cursor: after}
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return QueryResult{}, err
		}
		result.Snapshots = append(result.Snapshots, fromFirestore(collection, snap))
		result.Cursor = NewCursor(snap)
	}
	return result, nil
}

func (s *FirestoreStore) Watch(ctx context.Context, ref DocumentRef) (<-chan WatchEvent, error) {
	iter := s.docRef(ref).Snapshots(ctx)
	out := make(chan WatchEvent)
	go func() {
		defer close(out)
		defer iter.Stop()
		for {
			snap, err := iter.Next()
			if err != nil {
				if ctx.Err() != nil || status.Code(err) == codes.Canceled || errors.Is(err, iterator.Done) {
					return
				}
				select {
				case out <- WatchEvent{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			ev := WatchEvent{Snapshot: Snapshot{Ref: ref}}
			if snap.Exists() {
				ev.Snapshot = fromFirestore(ref.Collection, snap)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *FirestoreStore) Batch() Batch {
	return &firestoreBatch{store: s, batch: s.client.Batch()}
}

func (s *FirestoreStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, ftx *firestore.Transaction) error {
		tx := &firestoreTransaction{store: s, tx: ftx}
		defer tx.close()
		return fn(ctx, tx)
	})
}

type firestoreBatch struct {
	store     *FirestoreStore
	batch     *firestore.WriteBatch
	committed bool
}

func (b *firestoreBatch) Set(ref DocumentRef, data map[string]any, opts ...SetOption) error {
	if b.committed {
		return ErrBatchCommitted
	}
	b.batch.Set(b.store.docRef(ref), data, firestoreSetOptions(opts)...)
	return nil
}

func (b *firestoreBatch) Update(ref DocumentRef, updates []Update) error {
	if b.committed {
		return ErrBatchCommitted
	}
	b.batch.Update(b.store.docRef(ref), firestoreUpdates(updates))
	return nil
}

func (b *firestoreBatch) Delete(ref DocumentRef) error {
	if b.committed {
		return ErrBatchCommitted
	}
	b.batch.Delete(b.store.docRef(ref))
	return nil
}

func (b *firestoreBatch) Commit(ctx context.Context) error {
	if b.committed {
		return ErrBatchCommitted
	}
	b.committed = true
	_, err := b.batch.Commit(ctx)
	return err
}

type firestoreTransaction struct {
	store  *FirestoreStore
	tx     *firestore.Transaction
	closed bool
}

func (t *firestoreTransaction) close() { t.closed = true }

func (t *firestoreTransaction) Get(ref DocumentRef) (Snapshot, error) {
	if t.closed {
		return Snapshot{}, ErrTransactionClosed
	}
	snap, err := t.tx.Get(t.store.docRef(ref))
	if status.Code(err) == codes.NotFound {
		return Snapshot{Ref: ref}, nil
	}
	if err != nil {
		return Snapshot{}, mapError(ref, err)
	}
	return fromFirestore(ref.Collection, snap), nil
}

func (t *firestoreTransaction) Set(ref DocumentRef, data map[string]any, opts ...SetOption) error {
	if t.closed {
		return ErrTransactionClosed
	}
	return t.tx.Set(t.store.docRef(ref), data, firestoreSetOptions(opts)...)
}

func (t *firestoreTransaction) Update(ref DocumentRef, updates []Update) error {
	if t.closed {
		return ErrTransactionClosed
	}
	return t.tx.Update(t.store.docRef(ref), firestoreUpdates(updates))
}

func (t *firestoreTransaction) Delete(ref DocumentRef) error {
	if t.closed {
		return ErrTransactionClosed
	}
	return t.tx.Delete(t.store.docRef(ref))
}

func firestoreSetOptions(opts []SetOption) []firestore.SetOption {
	if applySetOptions(opts).merge {
		return []firestore.SetOption{firestore.MergeAll}
	}
	return nil
}

func firestoreUpdates(updates []Update) []firestore.Update {
	out := make([]firestore.Update, len(updates))
	for i, u := range updates {
		out[i] = firestore.Update{Path: u.Path, Value: u.Value}
	}
	return out
}

// mapError translates gRPC status codes into the package's sentinel errors.
func mapError(ref DocumentRef, err error) error {
	switch status.Code(err) {
	case codes.OK:
		return err
	case codes.NotFound:
		return fmt.Errorf("document %q: %w", ref.Key(), ErrNotFound)
	case codes.AlreadyExists:
		return fmt.Errorf("document %q: %w", ref.Key(), ErrAlreadyExists)
	case codes.InvalidArgument:
		return fmt.Errorf("document %q: %v: %w", ref.Key(), err, ErrInvalidArgument)
	}
	return err
}
