package loader

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/alimasry/docloader/document"
	"github.com/alimasry/docloader/paging"
	"github.com/alimasry/docloader/store"
	"github.com/alimasry/docloader/stream"
)

const testDebounce = 10 * time.Millisecond

type item struct {
	N    int  `json:"n"`
	Even bool `json:"even"`
}

func seedItems(t *testing.T, n int) (*store.MemoryStore, *document.Collection[item]) {
	t.Helper()
	ms := store.NewMemoryStore()
	for i := 0; i < n; i++ {
		ref := store.DocumentRef{Collection: "items", ID: fmt.Sprintf("item%02d", i)}
		require.NoError(t, ms.Set(context.Background(), ref, map[string]any{"n": i, "even": i%2 == 0}))
	}
	return ms, document.NewCollection[item](ms, "items")
}

func numbers(items []item) []int {
	out := make([]int, len(items))
	for i, it := range items {
		out[i] = it.N
	}
	return out
}

// waitFor reads obs until pred holds.
func waitFor[T any](t *testing.T, obs stream.Feed[T], pred func(T) bool) T {
	t.Helper()
	sub := obs.Subscribe()
	defer sub.Close()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case v, ok := <-sub.C():
			if !ok {
				t.Fatal("stream completed before the expected value")
			}
			if pred(v) {
				return v
			}
		case <-timeout:
			t.Fatal("timeout waiting for value")
		}
	}
}

func orderedByN() store.Constraint { return store.OrderBy("n", store.Asc) }

func TestInstance_EndToEnd(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	_, col := seedItems(t, 10)
	l := NewInstance(col, WithDebounce(testDebounce), WithItemsPerPage(4))
	defer l.Destroy()
	l.SetConstraints(orderedByN())
	ctx := context.Background()

	assert.True(t, l.State().Loading)

	idx, err := l.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	st := l.State()
	assert.Len(t, st.Value, 4)
	assert.Equal(t, 0, st.Page)

	_, err = l.Next(ctx)
	require.NoError(t, err)
	st = l.State()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, numbers(st.Value))
	assert.Equal(t, 1, st.Page)
	assert.False(t, st.Loading)

	l.Reset()
	st = l.State()
	assert.True(t, st.Loading)
	assert.False(t, st.HasValue)
	assert.False(t, st.HasPage())
}

func TestInstance_FilterChangeRestarts(t *testing.T) {
	_, col := seedItems(t, 10)
	l := NewInstance(col, WithDebounce(testDebounce), WithItemsPerPage(4))
	defer l.Destroy()
	ctx := context.Background()

	l.SetConstraints(orderedByN())
	_, err := l.Next(ctx)
	require.NoError(t, err)
	_, err = l.Next(ctx)
	require.NoError(t, err)
	require.Len(t, l.State().Value, 8)

	l.SetConstraints(store.Where("even", store.OpEqual, true), orderedByN())
	idx, err := l.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	st := l.State()
	assert.Equal(t, 0, st.Page)
	assert.Equal(t, []int{0, 2, 4, 6}, numbers(st.Value))
}

func TestInstance_DebounceCollapsesRapidChanges(t *testing.T) {
	_, col := seedItems(t, 10)
	l := NewInstance(col, WithDebounce(50*time.Millisecond), WithItemsPerPage(4))
	defer l.Destroy()
	ctx := context.Background()

	_, err := l.Next(ctx)
	require.NoError(t, err)

	before := testutil.ToFloat64(iteratorSwapsCounter)
	l.SetConstraints(store.Where("n", store.OpGreater, 1))
	l.SetConstraints(store.Where("n", store.OpGreater, 2))
	l.SetConstraints(store.Where("n", store.OpGreater, 7), orderedByN())

	_, err = l.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(iteratorSwapsCounter)-before)
	assert.Equal(t, []int{8, 9}, numbers(l.State().Value))
}

func TestInstance_EqualConstraintsAreIgnored(t *testing.T) {
	_, col := seedItems(t, 4)
	l := NewInstance(col, WithDebounce(testDebounce))
	defer l.Destroy()

	sub := l.Constraints().Subscribe()
	defer sub.Close()
	<-sub.C() // initial

	l.SetConstraints(store.Where("even", store.OpEqual, true))
	l.SetConstraints(store.Where("even", store.OpEqual, true))
	l.SetConstraints(store.Where("even", store.OpEqual, false))

	first := <-sub.C()
	second := <-sub.C()
	assert.Equal(t, true, first[0].Value)
	assert.Equal(t, false, second[0].Value)
	select {
	case extra := <-sub.C():
		t.Fatalf("unexpected constraints emission %v", extra)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestInstance_NextWaitsForCollection(t *testing.T) {
	_, col := seedItems(t, 3)
	l := NewInstance[item](nil, WithDebounce(testDebounce))
	defer l.Destroy()

	short, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := l.Next(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	type result struct {
		idx int
		err error
	}
	done := make(chan result, 1)
	go func() {
		idx, err := l.Next(context.Background())
		done <- result{idx, err}
	}()
	l.SetCollection(col)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, 0, r.idx)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not resume after the collection was set")
	}
	assert.Len(t, l.State().Value, 3)
}

func TestInstance_SetMaxPagesKeepsLoadedPages(t *testing.T) {
	_, col := seedItems(t, 10)
	l := NewInstance(col, WithDebounce(testDebounce), WithItemsPerPage(4), WithMaxPages(1))
	defer l.Destroy()
	l.SetConstraints(orderedByN())
	ctx := context.Background()

	_, err := l.Next(ctx)
	require.NoError(t, err)
	idx, err := l.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.Len(t, l.State().Value, 4)

	l.SetMaxPages(2)
	idx, err = l.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Len(t, l.State().Value, 8)
}

func TestInstance_ItemsStream(t *testing.T) {
	_, col := seedItems(t, 6)
	l := NewInstance(col, WithDebounce(testDebounce), WithItemsPerPage(4))
	defer l.Destroy()

	_, err := l.Next(context.Background())
	require.NoError(t, err)

	got := waitFor(t, l.Items(), func(items []item) bool { return len(items) == 4 })
	assert.Len(t, got, 4)
}

func TestInstance_Destroy(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	_, col := seedItems(t, 3)
	l := NewInstance(col, WithDebounce(testDebounce))
	sub := l.PageLoadingState().Subscribe()

	_, err := l.Next(context.Background())
	require.NoError(t, err)

	l.Destroy()
	l.Destroy()
	for range sub.C() {
	}

	idx, err := l.Next(context.Background())
	assert.ErrorIs(t, err, ErrDestroyed)
	assert.Equal(t, paging.NoPage, idx)
}

func TestInstance_SubscriberCallsBack(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	_, col := seedItems(t, 10)
	l := NewInstance(col, WithDebounce(testDebounce), WithItemsPerPage(4), WithMaxPages(1))
	defer l.Destroy()
	l.SetConstraints(orderedByN())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub := l.PageLoadingState().Subscribe()
	defer sub.Close()
	type result struct {
		idx int
		err error
	}
	done := make(chan result, 1)
	go func() {
		for st := range sub.C() {
			if len(st.Value) == 4 {
				l.SetMaxPages(5)
				idx, err := l.Next(ctx)
				done <- result{idx, err}
				return
			}
		}
	}()

	_, err := l.Next(ctx)
	require.NoError(t, err)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, 1, r.idx)
	case <-ctx.Done():
		t.Fatal("Next from a subscriber did not return")
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, numbers(l.State().Value))
}
