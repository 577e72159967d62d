package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, s *MemoryStore, collection string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ref := DocumentRef{Collection: collection, ID: fmt.Sprintf("doc%02d", i)}
		require.NoError(t, s.Set(context.Background(), ref, map[string]any{"n": i, "even": i%2 == 0}))
	}
}

func ids(snaps []Snapshot) []string {
	out := make([]string, len(snaps))
	for i, s := range snaps {
		out[i] = s.Ref.ID
	}
	return out
}

func TestMemoryStore_SetAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	ref := DocumentRef{Collection: "notes", ID: "a"}

	require.NoError(t, s.Set(ctx, ref, map[string]any{"title": "hello"}))

	snap, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.True(t, snap.Exists)
	assert.Equal(t, "hello", snap.Data["title"])
	assert.False(t, snap.CreateTime.IsZero())
}

func TestMemoryStore_GetMissing(t *testing.T) {
	s := NewMemoryStore()
	snap, err := s.Get(context.Background(), DocumentRef{Collection: "notes", ID: "nope"})
	require.NoError(t, err)
	assert.False(t, snap.Exists)
}

func TestMemoryStore_CreateDuplicate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	ref := DocumentRef{Collection: "notes", ID: "a"}

	require.NoError(t, s.Create(ctx, ref, nil))
	err := s.Create(ctx, ref, nil)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestMemoryStore_UpdateMergeAndDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	ref := DocumentRef{Collection: "notes", ID: "a"}

	err := s.Update(ctx, ref, []Update{{Path: "title", Value: "x"}})
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, ref, map[string]any{"title": "hello", "meta": map[string]any{"v": 1}}))
	require.NoError(t, s.Update(ctx, ref, []Update{{Path: "meta.v", Value: 2}}))
	require.NoError(t, s.Set(ctx, ref, map[string]any{"body": "b"}, Merge()))

	snap, _ := s.Get(ctx, ref)
	assert.Equal(t, "hello", snap.Data["title"])
	assert.Equal(t, "b", snap.Data["body"])
	assert.Equal(t, 2, snap.Data["meta"].(map[string]any)["v"])

	require.NoError(t, s.Delete(ctx, ref))
	snap, _ = s.Get(ctx, ref)
	assert.False(t, snap.Exists)
}

func TestMemoryStore_SnapshotsAreCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	ref := DocumentRef{Collection: "notes", ID: "a"}
	data := map[string]any{"title": "hello"}
	require.NoError(t, s.Set(ctx, ref, data))

	data["title"] = "changed"
	snap, _ := s.Get(ctx, ref)
	snap.Data["title"] = "mutated"

	again, _ := s.Get(ctx, ref)
	assert.Equal(t, "hello", again.Data["title"])
}

func TestMemoryStore_QueryPagesWithCursor(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seed(t, s, "items", 10)

	first, err := s.Query(ctx, "items", nil, 4, Cursor{})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc00", "doc01", "doc02", "doc03"}, ids(first.Snapshots))

	second, err := s.Query(ctx, "items", nil, 4, first.Cursor)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc04", "doc05", "doc06", "doc07"}, ids(second.Snapshots))

	third, err := s.Query(ctx, "items", nil, 4, second.Cursor)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc08", "doc09"}, ids(third.Snapshots))

	empty, err := s.Query(ctx, "items", nil, 4, third.Cursor)
	require.NoError(t, err)
	assert.Empty(t, empty.Snapshots)
	assert.Equal(t, third.Cursor, empty.Cursor)
}

func TestMemoryStore_QueryWhereAndOrderBy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seed(t, s, "items", 10)

	res, err := s.Query(ctx, "items", []Constraint{
		Where("even", OpEqual, true),
		OrderBy("n", Desc),
	}, 3, Cursor{})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc08", "doc06", "doc04"}, ids(res.Snapshots))

	res, err = s.Query(ctx, "items", []Constraint{
		Where("even", OpEqual, true),
		OrderBy("n", Desc),
	}, 3, res.Cursor)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc02", "doc00"}, ids(res.Snapshots))
}

func TestMemoryStore_QueryOperators(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, DocumentRef{"c", "a"}, map[string]any{"n": int64(1), "tags": []any{"x", "y"}}))
	require.NoError(t, s.Set(ctx, DocumentRef{"c", "b"}, map[string]any{"n": 2.5, "tags": []any{"z"}}))
	require.NoError(t, s.Set(ctx, DocumentRef{"c", "c"}, map[string]any{"n": "three"}))

	cases := []struct {
		name string
		c    Constraint
		want []string
	}{
		{"greater", Where("n", OpGreater, 1), []string{"b"}},
		{"less or equal", Where("n", OpLessOrEqual, 2.5), []string{"a", "b"}},
		{"not equal", Where("n", OpNotEqual, 1), []string{"b", "c"}},
		{"in", Where("n", OpIn, []any{1, "three"}), []string{"a", "c"}},
		{"array contains", Where("tags", OpArrayContains, "y"), []string{"a"}},
		{"array contains any", Where("tags", OpArrayContainsAny, []string{"z", "y"}), []string{"a", "b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := s.Query(ctx, "c", []Constraint{tc.c}, 0, Cursor{})
			require.NoError(t, err)
			assert.Equal(t, tc.want, ids(res.Snapshots))
		})
	}
}

func TestMemoryStore_QueryRejectsForeignCursor(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Query(context.Background(), "c", nil, 1, NewCursor("nope"))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestMemoryStore_BatchCommitsAtomically(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := DocumentRef{Collection: "c", ID: "a"}
	b := DocumentRef{Collection: "c", ID: "b"}

	batch := s.Batch()
	require.NoError(t, batch.Set(a, map[string]any{"v": 1}))
	require.NoError(t, batch.Update(b, []Update{{Path: "v", Value: 2}})) // b does not exist

	snap, _ := s.Get(ctx, a)
	assert.False(t, snap.Exists, "batch writes must not be visible before commit")

	err := batch.Commit(ctx)
	require.ErrorIs(t, err, ErrNotFound)
	snap, _ = s.Get(ctx, a)
	assert.False(t, snap.Exists, "failed batch must not leave partial writes")

	assert.ErrorIs(t, batch.Set(a, nil), ErrBatchCommitted)
	assert.ErrorIs(t, batch.Commit(ctx), ErrBatchCommitted)
}

func TestMemoryStore_RunTransaction(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	ref := DocumentRef{Collection: "c", ID: "counter"}
	require.NoError(t, s.Set(ctx, ref, map[string]any{"n": 1}))

	var leaked Transaction
	err := s.RunTransaction(ctx, func(ctx context.Context, tx Transaction) error {
		leaked = tx
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		return tx.Update(ref, []Update{{Path: "n", Value: snap.Data["n"].(int) + 1}})
	})
	require.NoError(t, err)

	snap, _ := s.Get(ctx, ref)
	assert.Equal(t, 2, snap.Data["n"])

	assert.ErrorIs(t, leaked.Set(ref, nil), ErrTransactionClosed)
	_, err = leaked.Get(ref)
	assert.ErrorIs(t, err, ErrTransactionClosed)
}

func TestMemoryStore_RunTransactionRollsBack(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	ref := DocumentRef{Collection: "c", ID: "a"}
	boom := errors.New("boom")

	err := s.RunTransaction(ctx, func(ctx context.Context, tx Transaction) error {
		if err := tx.Set(ref, map[string]any{"v": 1}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	snap, _ := s.Get(ctx, ref)
	assert.False(t, snap.Exists)
}

func TestMemoryStore_Watch(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	ref := DocumentRef{Collection: "c", ID: "a"}

	events, err := s.Watch(ctx, ref)
	require.NoError(t, err)

	recv := func() WatchEvent {
		t.Helper()
		select {
		case ev := <-events:
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for watch event")
			return WatchEvent{}
		}
	}

	assert.False(t, recv().Snapshot.Exists)

	require.NoError(t, s.Set(context.Background(), ref, map[string]any{"v": 1}))
	ev := recv()
	assert.True(t, ev.Snapshot.Exists)
	assert.Equal(t, 1, ev.Snapshot.Data["v"])

	cancel()
	select {
	case _, ok := <-events:
		for ok {
			_, ok = <-events
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}

func TestParseKey(t *testing.T) {
	ref, err := ParseKey("users/u1/notes/n1")
	require.NoError(t, err)
	assert.Equal(t, DocumentRef{Collection: "users/u1/notes", ID: "n1"}, ref)
	assert.Equal(t, "users/u1/notes/n1", ref.Key())

	for _, bad := range []string{"", "noslash", "/x", "x/"} {
		_, err := ParseKey(bad)
		assert.ErrorIs(t, err, ErrInvalidArgument, bad)
	}
}
