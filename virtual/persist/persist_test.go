package persist

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaygrid/virtual/virtual/kv"
	"github.com/relaygrid/virtual/virtual/types"
)

type widget struct {
	Name  string
	Count int
}

func TestLoadAbsentKeyLeavesCellEmpty(t *testing.T) {
	store := kv.NewMemStore()
	cell := New[widget](store, "w", "1")

	require.NoError(t, cell.Load(context.Background()))
	_, ok := cell.TryGetValue()
	require.False(t, ok)

	_, err := cell.Value()
	require.NoError(t, err) // loaded, just zero-valued
}

func TestValueBeforeLoadReturnsErrNotLoaded(t *testing.T) {
	store := kv.NewMemStore()
	cell := New[widget](store, "w", "1")

	_, err := cell.Value()
	require.ErrorIs(t, err, ErrNotLoaded)
}

func TestChangeAndStoreRoundTrips(t *testing.T) {
	store := kv.NewMemStore()
	cell := New[widget](store, "w", "1")
	require.NoError(t, cell.Load(context.Background()))

	cell.Change(widget{Name: "gizmo", Count: 1})
	require.True(t, cell.Dirty())
	require.NoError(t, cell.Store(context.Background(), IfDirty))
	require.False(t, cell.Dirty())

	other := New[widget](store, "w", "1")
	require.NoError(t, other.Load(context.Background()))
	v, ok := other.TryGetValue()
	require.True(t, ok)
	require.Equal(t, widget{Name: "gizmo", Count: 1}, v)
}

func TestStoreIfDirtyIsNoOpWhenClean(t *testing.T) {
	store := kv.NewMemStore()
	cell := New[widget](store, "w", "1")
	require.NoError(t, cell.Load(context.Background()))
	require.NoError(t, cell.Store(context.Background(), IfDirty))

	_, _, ok, err := store.Get(context.Background(), kv.Pack("w", "1"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConcurrentStoreDetectsConflict(t *testing.T) {
	store := kv.NewMemStore()
	cellA := New[widget](store, "w", "1")
	cellB := New[widget](store, "w", "1")

	require.NoError(t, cellA.Load(context.Background()))
	require.NoError(t, cellB.Load(context.Background()))

	cellA.Change(widget{Name: "a"})
	require.NoError(t, cellA.Store(context.Background(), IfDirty))

	cellB.Change(widget{Name: "b"})
	err := cellB.Store(context.Background(), IfDirty)
	require.Error(t, err)
	require.True(t, types.IsFrameworkErrorKind(err, types.ErrKindStorageConflict))
}

func TestClearDeletesOnStore(t *testing.T) {
	store := kv.NewMemStore()
	cell := New[widget](store, "w", "1")
	require.NoError(t, cell.Load(context.Background()))
	cell.Change(widget{Name: "gizmo"})
	require.NoError(t, cell.Store(context.Background(), IfDirty))

	cell.Clear()
	require.NoError(t, cell.Store(context.Background(), IfDirty))

	_, _, ok, err := store.Get(context.Background(), kv.Pack("w", "1"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCorruptValueSurfacesAsFrameworkError(t *testing.T) {
	store := kv.NewMemStore()
	_, err := store.Put(context.Background(), kv.Pack("w", "1"), []byte("not json"), nil)
	require.NoError(t, err)

	cell := New[widget](store, "w", "1")
	err = cell.Load(context.Background())
	require.Error(t, err)
	require.True(t, types.IsFrameworkErrorKind(err, types.ErrKindCorrupt))
}
