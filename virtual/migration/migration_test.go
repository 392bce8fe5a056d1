package migration

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaygrid/virtual/virtual/kv"
	"github.com/relaygrid/virtual/virtual/persist"
)

type docV2 struct {
	A int
	B int
}

func setField(field string, value int) Migrator[json.RawMessage] {
	return func(ctx context.Context, cell *persist.Cell[json.RawMessage]) error {
		raw, _ := cell.TryGetValue()
		var doc docV2
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &doc); err != nil {
				return err
			}
		}
		switch field {
		case "A":
			doc.A = value
		case "B":
			doc.B = value
		}
		marshaled, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		cell.Change(marshaled)
		return nil
	}
}

func TestApplyRunsMissingMigrationsInOrder(t *testing.T) {
	store := kv.NewMemStore()
	cell := persist.New[json.RawMessage](store, "doc", "1")

	drv := New([]Migration[json.RawMessage]{
		{Name: "set-a", Version: "v1", Migrator: setField("A", 1)},
		{Name: "set-b", Version: "v2", Migrator: setField("B", 2)},
	})

	var info Info
	require.NoError(t, drv.Apply(context.Background(), cell, &info))
	require.Equal(t, []string{"v1", "v2"}, info.Applied)

	raw, err := cell.Value()
	require.NoError(t, err)
	var doc docV2
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, docV2{A: 1, B: 2}, doc)
}

func TestApplyIsIdempotentOnReplay(t *testing.T) {
	store := kv.NewMemStore()
	cell := persist.New[json.RawMessage](store, "doc", "1")

	drv1 := New([]Migration[json.RawMessage]{
		{Name: "set-a", Version: "v1", Migrator: setField("A", 1)},
	})
	var info Info
	require.NoError(t, drv1.Apply(context.Background(), cell, &info))
	require.Equal(t, []string{"v1"}, info.Applied)

	// Simulate the process restarting with the second migration added,
	// loading from a fresh cell bound to the same store/key.
	cell2 := persist.New[json.RawMessage](store, "doc", "1")
	drv2 := New([]Migration[json.RawMessage]{
		{Name: "set-a", Version: "v1", Migrator: setField("A", 99)}, // must NOT rerun
		{Name: "set-b", Version: "v2", Migrator: setField("B", 2)},
	})
	require.NoError(t, drv2.Apply(context.Background(), cell2, &info))
	require.Equal(t, []string{"v1", "v2"}, info.Applied)

	raw, err := cell2.Value()
	require.NoError(t, err)
	var doc docV2
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, docV2{A: 1, B: 2}, doc, "v1 must not have rerun with its new (wrong) value")
}

func TestApplyWithNoMigrationsStillStoresCell(t *testing.T) {
	store := kv.NewMemStore()
	cell := persist.New[json.RawMessage](store, "doc", "1")

	drv := New[json.RawMessage](nil)
	var info Info
	require.NoError(t, drv.Apply(context.Background(), cell, &info))
	require.Empty(t, info.Applied)

	_, _, ok, err := store.Get(context.Background(), kv.Pack("doc", "1"))
	require.NoError(t, err)
	require.True(t, ok)
}
