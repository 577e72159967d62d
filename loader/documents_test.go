package loader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/alimasry/docloader/document"
	"github.com/alimasry/docloader/paging"
	"github.com/alimasry/docloader/store"
)

// gatedStore blocks reads of one document until release is called.
type gatedStore struct {
	store.Store
	id      string
	started chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func newGatedStore(backing store.Store, id string) *gatedStore {
	return &gatedStore{Store: backing, id: id, started: make(chan struct{}, 1), gate: make(chan struct{})}
}

func (s *gatedStore) Get(ctx context.Context, ref store.DocumentRef) (store.Snapshot, error) {
	if ref.ID == s.id {
		select {
		case s.started <- struct{}{}:
		default:
		}
		select {
		case <-s.gate:
		case <-ctx.Done():
			return store.Snapshot{}, ctx.Err()
		}
	}
	return s.Store.Get(ctx, ref)
}

func (s *gatedStore) release() { s.once.Do(func() { close(s.gate) }) }

func settled(n int) func(paging.LoadingState[[]item]) bool {
	return func(st paging.LoadingState[[]item]) bool {
		return st.IsSuccess() && len(st.Value) == n
	}
}

func TestDocumentLoader_KeysKeepCallerOrder(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	_, col := seedItems(t, 10)
	l := NewDocumentLoader(col)
	defer l.Destroy()

	require.NoError(t, l.SetKeys([]string{"items/item07", "items/item02"}))

	st := waitFor(t, l.DataLoadingState(), settled(2))
	assert.Equal(t, []int{7, 2}, numbers(st.Value))

	data, ok := l.data.Value()
	require.True(t, ok)
	assert.Equal(t, []int{7, 2}, numbers(data))
}

func TestDocumentLoader_IgnoresActiveQuery(t *testing.T) {
	_, col := seedItems(t, 10)
	q := NewInstance(col, WithDebounce(testDebounce), WithItemsPerPage(2))
	defer q.Destroy()
	q.SetConstraints(store.Where("even", store.OpEqual, true))
	_, err := q.Next(context.Background())
	require.NoError(t, err)

	l := NewDocumentLoader(col)
	defer l.Destroy()
	require.NoError(t, l.SetIDs([]string{"item03", "item01"}))

	st := waitFor(t, l.DataLoadingState(), settled(2))
	assert.Equal(t, []int{3, 1}, numbers(st.Value))
}

func TestDocumentLoader_ForeignRefFailsFast(t *testing.T) {
	_, col := seedItems(t, 3)
	l := NewLimitedDocumentLoader(col)
	defer l.Destroy()

	require.NoError(t, l.SetIDs([]string{"item00"}))
	err := l.SetRefs([]store.DocumentRef{
		{Collection: "items", ID: "item01"},
		{Collection: "users", ID: "u1"},
	})
	require.ErrorIs(t, err, document.ErrInvalidReference)

	keys, _ := l.Keys().Value()
	assert.Equal(t, []string{"items/item00"}, keys)
}

func TestLimitedDocumentLoader_Streams(t *testing.T) {
	_, col := seedItems(t, 3)
	l := NewLimitedDocumentLoader(col)

	require.NoError(t, l.SetKeys([]string{"items/item02", "items/item00"}))

	ids, _ := l.IDs().Value()
	refs, _ := l.Refs().Value()
	docs, _ := l.Documents().Value()
	assert.Equal(t, []string{"item02", "item00"}, ids)
	assert.Equal(t, store.DocumentRef{Collection: "items", ID: "item02"}, refs[0])
	require.Len(t, docs, 2)
	assert.Equal(t, "item00", docs[1].ID())

	other := NewLimitedDocumentLoader(col)
	defer other.Destroy()
	require.NoError(t, other.SetDocuments(l.Current()))
	otherIDs, _ := other.IDs().Value()
	assert.Equal(t, ids, otherIDs)

	l.Destroy()
	assert.ErrorIs(t, l.SetIDs([]string{"item01"}), ErrDestroyed)
}

func TestDocumentLoader_MissingDocumentsOnlyInSnapshots(t *testing.T) {
	_, col := seedItems(t, 3)
	l := NewDocumentLoader(col)
	defer l.Destroy()

	require.NoError(t, l.SetIDs([]string{"item01", "ghost", "item02"}))
	st := waitFor(t, l.DataLoadingState(), settled(2))
	assert.Equal(t, []int{1, 2}, numbers(st.Value))

	snaps := waitFor(t, l.Snapshots(), func(s []store.Snapshot) bool { return len(s) == 3 })
	assert.False(t, snaps[1].Exists)
	assert.Equal(t, "ghost", snaps[1].Ref.ID)
}

func TestDocumentLoader_Refresh(t *testing.T) {
	ms, col := seedItems(t, 3)
	l := NewDocumentLoader(col)
	defer l.Destroy()
	ctx := context.Background()

	require.NoError(t, l.SetIDs([]string{"item00"}))
	waitFor(t, l.DataLoadingState(), settled(1))

	require.NoError(t, ms.Set(ctx, col.Ref("item00"), map[string]any{"n": 42}))
	require.NoError(t, l.Refresh(ctx))

	st := l.State()
	require.True(t, st.IsSuccess())
	assert.Equal(t, []int{42}, numbers(st.Value))
}

func TestDocumentLoader_SupersededLoadIsDropped(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	ms, _ := seedItems(t, 3)
	gated := newGatedStore(ms, "item00")
	col := document.NewCollection[item](gated, "items")
	l := NewDocumentLoader(col)
	defer l.Destroy()

	require.NoError(t, l.SetIDs([]string{"item00"}))
	<-gated.started
	require.NoError(t, l.SetIDs([]string{"item02"}))
	gated.release()

	st := waitFor(t, l.DataLoadingState(), settled(1))
	assert.Equal(t, []int{2}, numbers(st.Value))

	// Give the first load a chance to land if it were not dropped.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []int{2}, numbers(l.State().Value))
}

func TestDocumentLoader_DestroyCompletesStreams(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	ms, _ := seedItems(t, 3)
	gated := newGatedStore(ms, "item00")
	col := document.NewCollection[item](gated, "items")
	l := NewDocumentLoader(col)

	sub := l.DataLoadingState().Subscribe()
	require.NoError(t, l.SetIDs([]string{"item00"}))
	<-gated.started

	l.Destroy()
	for range sub.C() {
	}
	assert.ErrorIs(t, l.Refresh(context.Background()), ErrDestroyed)
	assert.ErrorIs(t, l.SetIDs([]string{"item01"}), ErrDestroyed)
}

func TestDocumentLoader_SubscriberCallsBack(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	_, col := seedItems(t, 5)
	l := NewDocumentLoader(col)
	defer l.Destroy()

	sub := l.DataLoadingState().Subscribe()
	defer sub.Close()
	switched := make(chan error, 1)
	go func() {
		for st := range sub.C() {
			if settled(2)(st) {
				switched <- l.SetIDs([]string{"item02", "item03", "item04"})
				return
			}
		}
	}()

	require.NoError(t, l.SetIDs([]string{"item00", "item01"}))
	select {
	case err := <-switched:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("SetIDs from a subscriber did not return")
	}

	st := waitFor(t, l.DataLoadingState(), settled(3))
	assert.Equal(t, []int{2, 3, 4}, numbers(st.Value))
}
