package store

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type docRecord struct {
	data       map[string]any
	createTime time.Time
	updateTime time.Time
}

type watcher struct {
	ch chan WatchEvent
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu       sync.RWMutex
	docs     map[string]map[string]*docRecord // collection -> id -> record
	watchers map[string]map[*watcher]struct{} // ref key -> watchers
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string]map[string]*docRecord),
		watchers: make(map[string]map[*watcher]struct{}),
	}
}

func (s *MemoryStore) NewRef(collection string) DocumentRef {
	return DocumentRef{Collection: collection, ID: strings.ReplaceAll(uuid.NewString(), "-", "")}
}

func (s *MemoryStore) Get(_ context.Context, ref DocumentRef) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(ref), nil
}

func (s *MemoryStore) Set(_ context.Context, ref DocumentRef, data map[string]any, opts ...SetOption) error {
	return s.commit([]writeOp{{kind: opSet, ref: ref, data: data, merge: applySetOptions(opts).merge}})
}

func (s *MemoryStore) Update(_ context.Context, ref DocumentRef, updates []Update) error {
	return s.commit([]writeOp{{kind: opUpdate, ref: ref, updates: updates}})
}

func (s *MemoryStore) Delete(_ context.Context, ref DocumentRef) error {
	return s.commit([]writeOp{{kind: opDelete, ref: ref}})
}

// Create writes data to ref, failing if the document already exists.
func (s *MemoryStore) Create(_ context.Context, ref DocumentRef, data map[string]any) error {
	return s.commit([]writeOp{{kind: opCreate, ref: ref, data: data}})
}

// memoryCursor is the position of the last document of a page: its order-by
// values followed by its ID.
type memoryCursor struct {
	values []any
	id     string
}

func (s *MemoryStore) Query(ctx context.Context, collection string, constraints []Constraint, limit int, after Cursor) (QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return QueryResult{}, err
	}

	var orders []Constraint
	var wheres []Constraint
	for _, c := range constraints {
		switch c.Kind {
		case KindWhere:
			wheres = append(wheres, c)
		case KindOrderBy:
			orders = append(orders, c)
		default:
			return QueryResult{}, fmt.Errorf("unknown constraint kind %d: %w", c.Kind, ErrInvalidArgument)
		}
	}

	var start *memoryCursor
	if !after.IsZero() {
		c, ok := after.Last().(memoryCursor)
		if !ok {
			return QueryResult{}, fmt.Errorf("foreign cursor %T: %w", after.Last(), ErrInvalidArgument)
		}
		start = &c
	}

	s.mu.RLock()
	type row struct {
		cursor memoryCursor
		snap   Snapshot
	}
	var rows []row
	for id, rec := range s.docs[collection] {
		if !matchesAll(rec.data, wheres) {
			continue
		}
		values := make([]any, 0, len(orders))
		missing := false
		for _, o := range orders {
			v, ok := fieldValue(rec.data, o.Path)
			if !ok {
				missing = true
				break
			}
			values = append(values, v)
		}
		if missing {
			continue
		}
		ref := DocumentRef{Collection: collection, ID: id}
		rows = append(rows, row{
			cursor: memoryCursor{values: values, id: id},
			snap:   recordSnapshot(ref, rec),
		})
	}
	s.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		return compareCursors(rows[i].cursor, rows[j].cursor, orders) < 0
	})

	result := QueryResult{Cursor: after}
	for _, r := range rows {
		if start != nil && compareCursors(r.cursor, *start, orders) <= 0 {
			continue
		}
		if limit > 0 && len(result.Snapshots) == limit {
			break
		}
		result.Snapshots = append(result.Snapshots, r.snap)
		result.Cursor = NewCursor(r.cursor)
	}
	return result, nil
}

func compareCursors(a, b memoryCursor, orders []Constraint) int {
	for i, o := range orders {
		c := compareValues(a.values[i], b.values[i])
		if o.Direction == Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return strings.Compare(a.id, b.id)
}

// Watch implements Store.
func (s *MemoryStore) Watch(ctx context.Context, ref DocumentRef) (<-chan WatchEvent, error) {
	w := &watcher{ch: make(chan WatchEvent, 16)}

	s.mu.Lock()
	set := s.watchers[ref.Key()]
	if set == nil {
		set = make(map[*watcher]struct{})
		s.watchers[ref.Key()] = set
	}
	set[w] = struct{}{}
	w.push(WatchEvent{Snapshot: s.snapshotLocked(ref)})
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers[ref.Key()], w)
		if len(s.watchers[ref.Key()]) == 0 {
			delete(s.watchers, ref.Key())
		}
		close(w.ch)
		s.mu.Unlock()
	}()
	return w.ch, nil
}

// push never blocks; a full buffer drops the oldest pending event since only
// the latest snapshot matters to a watcher.
func (w *watcher) push(ev WatchEvent) {
	for {
		select {
		case w.ch <- ev:
			return
		default:
		}
		select {
		case <-w.ch:
		default:
		}
	}
}

func (s *MemoryStore) Batch() Batch {
	return &memoryBatch{store: s}
}

func (s *MemoryStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error {
	tx := &memoryTransaction{store: s}
	err := fn(ctx, tx)
	ops := tx.close()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(ops)
}

func (s *MemoryStore) snapshotLocked(ref DocumentRef) Snapshot {
	rec, ok := s.docs[ref.Collection][ref.ID]
	if !ok {
		return Snapshot{Ref: ref}
	}
	return recordSnapshot(ref, rec)
}

func recordSnapshot(ref DocumentRef, rec *docRecord) Snapshot {
	return Snapshot{
		Ref:        ref,
		Exists:     true,
		Data:       copyMap(rec.data),
		CreateTime: rec.createTime,
		UpdateTime: rec.updateTime,
	}
}

type opKind int

const (
	opSet opKind = iota
	opCreate
	opUpdate
	opDelete
)

type writeOp struct {
	kind    opKind
	ref     DocumentRef
	data    map[string]any
	merge   bool
	updates []Update
}

// commit applies ops atomically: either all of them are visible afterwards
// or none is.
func (s *MemoryStore) commit(ops []writeOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	type backup struct {
		ref DocumentRef
		rec *docRecord
	}
	var backups []backup
	seen := make(map[string]bool)
	for _, op := range ops {
		if seen[op.ref.Key()] {
			continue
		}
		seen[op.ref.Key()] = true
		backups = append(backups, backup{ref: op.ref, rec: s.docs[op.ref.Collection][op.ref.ID]})
	}

	now := time.Now()
	for _, op := range ops {
		if err := s.applyLocked(op, now); err != nil {
			for _, b := range backups {
				if b.rec == nil {
					delete(s.docs[b.ref.Collection], b.ref.ID)
				} else {
					s.docs[b.ref.Collection][b.ref.ID] = b.rec
				}
			}
			return err
		}
	}

	for _, b := range backups {
		ev := WatchEvent{Snapshot: s.snapshotLocked(b.ref)}
		for w := range s.watchers[b.ref.Key()] {
			w.push(ev)
		}
	}
	return nil
}

func (s *MemoryStore) applyLocked(op writeOp, now time.Time) error {
	if op.ref.Collection == "" || op.ref.ID == "" {
		return fmt.Errorf("document %q: %w", op.ref.Key(), ErrInvalidArgument)
	}
	coll := s.docs[op.ref.Collection]
	if coll == nil {
		coll = make(map[string]*docRecord)
		s.docs[op.ref.Collection] = coll
	}
	cur := coll[op.ref.ID]

	switch op.kind {
	case opCreate:
		if cur != nil {
			return fmt.Errorf("document %q: %w", op.ref.Key(), ErrAlreadyExists)
		}
		coll[op.ref.ID] = &docRecord{data: copyMap(op.data), createTime: now, updateTime: now}
	case opSet:
		if cur == nil {
			coll[op.ref.ID] = &docRecord{data: copyMap(op.data), createTime: now, updateTime: now}
			return nil
		}
		data := copyMap(op.data)
		if op.merge {
			data = copyMap(cur.data)
			for k, v := range op.data {
				data[k] = copyValue(v)
			}
		}
		coll[op.ref.ID] = &docRecord{data: data, createTime: cur.createTime, updateTime: now}
	case opUpdate:
		if cur == nil {
			return fmt.Errorf("document %q: %w", op.ref.Key(), ErrNotFound)
		}
		data := copyMap(cur.data)
		for _, u := range op.updates {
			setField(data, u.Path, copyValue(u.Value))
		}
		coll[op.ref.ID] = &docRecord{data: data, createTime: cur.createTime, updateTime: now}
	case opDelete:
		delete(coll, op.ref.ID)
	}
	return nil
}

type memoryBatch struct {
	store     *MemoryStore
	mu        sync.Mutex
	ops       []writeOp
	committed bool
}

func (b *memoryBatch) enqueue(op writeOp) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.committed {
		return ErrBatchCommitted
	}
	b.ops = append(b.ops, op)
	return nil
}

func (b *memoryBatch) Set(ref DocumentRef, data map[string]any, opts ...SetOption) error {
	return b.enqueue(writeOp{kind: opSet, ref: ref, data: copyMap(data), merge: applySetOptions(opts).merge})
}

func (b *memoryBatch) Update(ref DocumentRef, updates []Update) error {
	return b.enqueue(writeOp{kind: opUpdate, ref: ref, updates: updates})
}

func (b *memoryBatch) Delete(ref DocumentRef) error {
	return b.enqueue(writeOp{kind: opDelete, ref: ref})
}

func (b *memoryBatch) Commit(ctx context.Context) error {
	b.mu.Lock()
	if b.committed {
		b.mu.Unlock()
		return ErrBatchCommitted
	}
	b.committed = true
	ops := b.ops
	b.ops = nil
	b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return b.store.commit(ops)
}

type memoryTransaction struct {
	store  *MemoryStore
	mu     sync.Mutex
	ops    []writeOp
	closed bool
}

func (t *memoryTransaction) Get(ref DocumentRef) (Snapshot, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return Snapshot{}, ErrTransactionClosed
	}
	return t.store.Get(context.Background(), ref)
}

func (t *memoryTransaction) stage(op writeOp) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransactionClosed
	}
	t.ops = append(t.ops, op)
	return nil
}

func (t *memoryTransaction) Set(ref DocumentRef, data map[string]any, opts ...SetOption) error {
	return t.stage(writeOp{kind: opSet, ref: ref, data: copyMap(data), merge: applySetOptions(opts).merge})
}

func (t *memoryTransaction) Update(ref DocumentRef, updates []Update) error {
	return t.stage(writeOp{kind: opUpdate, ref: ref, updates: updates})
}

func (t *memoryTransaction) Delete(ref DocumentRef) error {
	return t.stage(writeOp{kind: opDelete, ref: ref})
}

func (t *memoryTransaction) close() []writeOp {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	ops := t.ops
	t.ops = nil
	return ops
}

func matchesAll(data map[string]any, wheres []Constraint) bool {
	for _, w := range wheres {
		if !matches(data, w) {
			return false
		}
	}
	return true
}

func matches(data map[string]any, w Constraint) bool {
	v, ok := fieldValue(data, w.Path)
	if !ok {
		return false
	}
	switch w.Op {
	case OpEqual:
		return sameRank(v, w.Value) && compareValues(v, w.Value) == 0
	case OpNotEqual:
		return !sameRank(v, w.Value) || compareValues(v, w.Value) != 0
	case OpLess:
		return sameRank(v, w.Value) && compareValues(v, w.Value) < 0
	case OpLessOrEqual:
		return sameRank(v, w.Value) && compareValues(v, w.Value) <= 0
	case OpGreater:
		return sameRank(v, w.Value) && compareValues(v, w.Value) > 0
	case OpGreaterOrEqual:
		return sameRank(v, w.Value) && compareValues(v, w.Value) >= 0
	case OpIn:
		return containsValue(toSlice(w.Value), v)
	case OpArrayContains:
		return containsValue(toSlice(v), w.Value)
	case OpArrayContainsAny:
		for _, want := range toSlice(w.Value) {
			if containsValue(toSlice(v), want) {
				return true
			}
		}
		return false
	}
	return false
}

func containsValue(list []any, v any) bool {
	for _, item := range list {
		if sameRank(item, v) && compareValues(item, v) == 0 {
			return true
		}
	}
	return false
}

func toSlice(v any) []any {
	if list, ok := v.([]any); ok {
		return list
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// typeRank follows Firestore's cross type ordering.
func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return 2
	case time.Time:
		return 3
	case string:
		return 4
	default:
		return 5
	}
}

func sameRank(a, b any) bool { return typeRank(a) == typeRank(b) }

func compareValues(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return ra - rb
	}
	switch av := a.(type) {
	case nil:
		return 0
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case time.Time:
		return av.Compare(b.(time.Time))
	case string:
		return strings.Compare(av, b.(string))
	}
	if ra == 2 {
		af, bf := toFloat(a), toFloat(b)
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) float64 {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	}
	return 0
}

// fieldValue resolves a dotted field path.
func fieldValue(data map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = data
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setField(data map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	m := data
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return copyMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
