package container

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaygrid/virtual/virtual/kv"
	"github.com/relaygrid/virtual/virtual/lock"
	"github.com/relaygrid/virtual/virtual/migration"
	"github.com/relaygrid/virtual/virtual/persist"
	"github.com/relaygrid/virtual/virtual/suite"
	"github.com/relaygrid/virtual/virtual/types"
)

type nopPortal struct{}

func (nopPortal) Invoke(ctx context.Context, actorType string, identity types.Identity, operation string, payload []byte, instantiateIfAbsent bool) ([]byte, error) {
	return nil, nil
}

type counterState struct {
	N int
}

type counterActor struct {
	cell *persist.Cell[json.RawMessage]
}

func counterInvoke(ctx context.Context, actorInstance any, operation string, payload []byte) ([]byte, error) {
	a := actorInstance.(*counterActor)
	raw, _ := a.cell.TryGetValue()
	var s counterState
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
	}
	switch operation {
	case "incr":
		s.N++
		marshaled, err := json.Marshal(s)
		if err != nil {
			return nil, err
		}
		a.cell.Change(marshaled)
		return marshaled, nil
	case "get":
		return json.Marshal(s)
	default:
		return nil, errUnknownOp
	}
}

var errUnknownOp = errors.New("unknown operation")

func counterActorType(name string, opts types.ActorOptions, migrations []migration.Migration[json.RawMessage]) *suite.ActorType {
	return &suite.ActorType{
		Name: name,
		Kind: types.Singular,
		Factory: func(ctx context.Context, actx *suite.ActorContext) (any, error) {
			if err := actx.Migration.Cell.Load(ctx); err != nil {
				return nil, err
			}
			return &counterActor{cell: actx.Migration.Cell}, nil
		},
		Invoke: counterInvoke,
		Actions: []suite.ActionSpec{
			{Name: "get", Mode: lock.Shared},
			{Name: "incr", Mode: lock.Exclusive},
		},
		Migrations: migrations,
		Options:    opts,
	}
}

func newTestContainer(actorTypes ...*suite.ActorType) (*Container, kv.Store) {
	catalog := suite.NewCatalog()
	for _, at := range actorTypes {
		catalog.Register(at)
	}
	store := kv.NewMemStore()
	return New(catalog, store, nopPortal{}), store
}

func TestDispatchInstantiatesActivatesAndInvokes(t *testing.T) {
	c, _ := newTestContainer(counterActorType("counter", types.ActorOptions{}, nil))
	ref := types.Ref{ActorType: "counter", ActorID: types.Identity{"a"}}

	reply, err := c.Dispatch(context.Background(), ref, "incr", nil, true)
	require.NoError(t, err)
	var s counterState
	require.NoError(t, json.Unmarshal(reply, &s))
	require.Equal(t, 1, s.N)

	reply, err = c.Dispatch(context.Background(), ref, "incr", nil, true)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(reply, &s))
	require.Equal(t, 2, s.N)

	inst, ok := c.Lookup(ref)
	require.True(t, ok)
	require.Equal(t, StateActive, inst.State())
}

func TestDispatchWithoutInstantiateIfAbsentFailsWhenMissing(t *testing.T) {
	c, _ := newTestContainer(counterActorType("counter", types.ActorOptions{}, nil))
	ref := types.Ref{ActorType: "counter", ActorID: types.Identity{"a"}}

	_, err := c.Dispatch(context.Background(), ref, "get", nil, false)
	require.Error(t, err)
	require.True(t, types.IsFrameworkErrorKind(err, types.ErrKindNotSupported))
}

func TestDispatchUnregisteredTypeFails(t *testing.T) {
	c, _ := newTestContainer()
	ref := types.Ref{ActorType: "nope", ActorID: types.Identity{"a"}}

	_, err := c.Dispatch(context.Background(), ref, "get", nil, true)
	require.Error(t, err)
	require.True(t, types.IsFrameworkErrorKind(err, types.ErrKindNotSupported))
}

func TestSharedActionsOverlapButExclusiveDoesNot(t *testing.T) {
	var inFlight int32
	var maxSeen int32
	at := &suite.ActorType{
		Name: "overlap",
		Kind: types.Singular,
		Factory: func(ctx context.Context, actx *suite.ActorContext) (any, error) {
			return struct{}{}, nil
		},
		Invoke: func(ctx context.Context, actorInstance any, operation string, payload []byte) ([]byte, error) {
			cur := atomic.AddInt32(&inFlight, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if cur <= m || atomic.CompareAndSwapInt32(&maxSeen, m, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return nil, nil
		},
		Actions: []suite.ActionSpec{{Name: "read", Mode: lock.Shared}},
	}
	c, _ := newTestContainer(at)
	ref := types.Ref{ActorType: "overlap", ActorID: types.Identity{"a"}}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Dispatch(context.Background(), ref, "read", nil, true)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.True(t, maxSeen > 1, "expected shared actions to overlap, got max concurrency %d", maxSeen)
}

func TestTriggerFinalizationEvictsAfterCurrentAction(t *testing.T) {
	c, _ := newTestContainer(counterActorType("counter", types.ActorOptions{}, nil))
	ref := types.Ref{ActorType: "counter", ActorID: types.Identity{"a"}}

	_, err := c.Dispatch(context.Background(), ref, "incr", nil, true)
	require.NoError(t, err)

	inst, ok := c.Lookup(ref)
	require.True(t, ok)
	inst.TriggerFinalization()

	_, err = c.Dispatch(context.Background(), ref, "get", nil, true)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := c.Lookup(ref)
		return !ok
	}, time.Second, time.Millisecond)
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := newTestContainer(counterActorType("counter", types.ActorOptions{Capacity: 1}, nil))
	refA := types.Ref{ActorType: "counter", ActorID: types.Identity{"a"}}
	refB := types.Ref{ActorType: "counter", ActorID: types.Identity{"b"}}

	_, err := c.Dispatch(context.Background(), refA, "incr", nil, true)
	require.NoError(t, err)
	_, err = c.Dispatch(context.Background(), refB, "incr", nil, true)
	require.NoError(t, err)

	c.EvictIdle(context.Background())

	require.Eventually(t, func() bool {
		_, okA := c.Lookup(refA)
		_, okB := c.Lookup(refB)
		return !okA && okB
	}, time.Second, time.Millisecond)
}

func TestMaxIdleEvictsIdleInstance(t *testing.T) {
	c, _ := newTestContainer(counterActorType("counter", types.ActorOptions{MaxIdle: int64(5 * time.Millisecond)}, nil))
	ref := types.Ref{ActorType: "counter", ActorID: types.Identity{"a"}}

	_, err := c.Dispatch(context.Background(), ref, "incr", nil, true)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	c.EvictIdle(context.Background())

	require.Eventually(t, func() bool {
		_, ok := c.Lookup(ref)
		return !ok
	}, time.Second, time.Millisecond)
}

func TestMigrationAppliesOnActivateAndPersistsAcrossEviction(t *testing.T) {
	applied := 0
	migrations := []migration.Migration[json.RawMessage]{
		{
			Name:    "seed",
			Version: "v1",
			Migrator: func(ctx context.Context, cell *persist.Cell[json.RawMessage]) error {
				applied++
				marshaled, err := json.Marshal(counterState{N: 100})
				if err != nil {
					return err
				}
				cell.Change(marshaled)
				return nil
			},
		},
	}

	c, store := newTestContainer(counterActorType("counter", types.ActorOptions{}, migrations))
	ref := types.Ref{ActorType: "counter", ActorID: types.Identity{"a"}}

	reply, err := c.Dispatch(context.Background(), ref, "get", nil, true)
	require.NoError(t, err)
	var s counterState
	require.NoError(t, json.Unmarshal(reply, &s))
	require.Equal(t, 100, s.N)
	require.Equal(t, 1, applied)

	require.NoError(t, c.Evict(context.Background(), ref))

	// Reactivating after eviction must not rerun the already-applied
	// migration, since migrationInfo was persisted separately.
	reply, err = c.Dispatch(context.Background(), ref, "get", nil, true)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(reply, &s))
	require.Equal(t, 100, s.N)
	require.Equal(t, 1, applied)

	_, _, ok, err := store.Get(context.Background(), kv.Pack("counter", "a", "__miginfo"))
	require.NoError(t, err)
	require.True(t, ok)
}
