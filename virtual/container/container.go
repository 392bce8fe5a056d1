// Package container implements the per-node Container: a map of live
// Instances keyed by ActorRef, with instantiate-on-demand, the
// NEW→ACTIVATING→ACTIVE→DEACTIVATING→DEAD state machine, per-instance
// locking, and the four eviction policies (capacity, max-age, max-idle,
// explicit trigger).
//
// Grounded directly on virtual/activations.go's `activations` struct:
// a mutex-guarded map with an instantiate-on-miss path that checks and
// inserts under the same lock, generalized to add the state machine and
// eviction that map never had (an actor there was never evicted once
// activated).
package container

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaygrid/virtual/virtual/kv"
	"github.com/relaygrid/virtual/virtual/lock"
	"github.com/relaygrid/virtual/virtual/migration"
	"github.com/relaygrid/virtual/virtual/persist"
	"github.com/relaygrid/virtual/virtual/suite"
	"github.com/relaygrid/virtual/virtual/timer"
	"github.com/relaygrid/virtual/virtual/types"
)

// State is the Instance lifecycle state machine.
type State int32

const (
	StateNew State = iota
	StateActivating
	StateActive
	StateDeactivating
	StateDead
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateActivating:
		return "ACTIVATING"
	case StateActive:
		return "ACTIVE"
	case StateDeactivating:
		return "DEACTIVATING"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// ErrNotActive is returned when dispatch finds an instance that is not
// (and cannot become) ACTIVE, e.g. it is DEAD or DEACTIVATING.
var ErrNotActive = errors.New("container: instance is not active")

// Instance is a live actor object on this node.
type Instance struct {
	ref  types.Ref
	kind types.Kind

	actorType *suite.ActorType
	actor     any

	stateMu sync.Mutex
	state   State

	lk     *lock.Lock
	timers *timer.Service

	primaryCell *persist.Cell[json.RawMessage]
	migInfoCell *persist.Cell[migration.Info]
	migInfo     migration.Info

	createdAt       time.Time
	lastUsedUnixNs  int64
	invocationCount uint64

	triggerCh chan struct{}
	lruElem   *list.Element
}

// Ref returns the ActorRef this instance implements.
func (i *Instance) Ref() types.Ref { return i.ref }

// State returns the instance's current lifecycle state.
func (i *Instance) State() State {
	i.stateMu.Lock()
	defer i.stateMu.Unlock()
	return i.state
}

func (i *Instance) setState(s State) {
	i.stateMu.Lock()
	i.state = s
	i.stateMu.Unlock()
}

// TriggerFinalization requests that this instance be evicted once its
// current action (if any) completes, per the explicit-trigger eviction
// trigger policy. It is safe to call multiple times or concurrently.
func (i *Instance) TriggerFinalization() {
	i.stateMu.Lock()
	defer i.stateMu.Unlock()
	select {
	case <-i.triggerCh:
	default:
		close(i.triggerCh)
	}
}

func (i *Instance) touch() {
	atomic.StoreInt64(&i.lastUsedUnixNs, time.Now().UnixNano())
	atomic.AddUint64(&i.invocationCount, 1)
}

func (i *Instance) lastUsed() time.Time {
	return time.Unix(0, atomic.LoadInt64(&i.lastUsedUnixNs))
}

// Container is the per-node registry of live Instances.
type Container struct {
	mu        sync.Mutex
	instances map[types.Ref]*Instance
	lru       *list.List // front = least recently used
	byType    map[string][]*Instance

	catalog *suite.Catalog
	store   kv.Store
	portal  suite.Portal
}

// New constructs an empty Container backed by store for Persistable
// cells, using catalog to resolve ActorType registrations and portal to
// hand actors a way to invoke other actors.
func New(catalog *suite.Catalog, store kv.Store, portal suite.Portal) *Container {
	return &Container{
		instances: make(map[types.Ref]*Instance),
		lru:       list.New(),
		byType:    make(map[string][]*Instance),
		catalog:   catalog,
		store:     store,
		portal:    portal,
	}
}

// NumActivated returns the number of live instances on this node,
// reported to the Placement Registry's heartbeat for load-balancing.
func (c *Container) NumActivated() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.instances)
}

// Dispatch locates or creates the Instance for ref and invokes operation
// against it, serialized through the instance's Lock at the mode the
// ActorType declares for that operation. If the type is not registered
// on this node, it returns a *types.FrameworkError with
// ErrKindNotSupported. If the instance does not exist and
// instantiateIfAbsent is false, it returns *types.FrameworkError with
// ErrKindNotSupported as well (there is nothing to route to locally).
func (c *Container) Dispatch(
	ctx context.Context,
	ref types.Ref,
	operation string,
	payload []byte,
	instantiateIfAbsent bool,
) ([]byte, error) {
	actorType, ok := c.catalog.Lookup(ref.ActorType)
	if !ok {
		return nil, types.NewFrameworkError(types.ErrKindNotSupported,
			fmt.Errorf("actor type %q not registered on this node", ref.ActorType))
	}

	inst, created, err := c.getOrCreate(ref, actorType, instantiateIfAbsent)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, types.NewFrameworkError(types.ErrKindNotSupported,
			fmt.Errorf("actor %s does not exist and instantiateIfAbsent was false", ref))
	}

	if created {
		if err := c.activate(ctx, inst, actorType); err != nil {
			c.remove(inst)
			return nil, types.NewFrameworkError(types.ErrKindActivationFailed, err)
		}
	}

	return c.invoke(ctx, inst, actorType, operation, payload)
}

func (c *Container) getOrCreate(ref types.Ref, actorType *suite.ActorType, instantiateIfAbsent bool) (inst *Instance, created bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.instances[ref]; ok {
		c.lru.MoveToBack(existing.lruElem)
		return existing, false, nil
	}
	if !instantiateIfAbsent {
		return nil, false, nil
	}

	inst = &Instance{
		ref:       ref,
		kind:      actorType.Kind,
		actorType: actorType,
		state:     StateNew,
		lk:        lock.New(),
		createdAt: time.Now(),
		triggerCh: make(chan struct{}),
	}
	inst.primaryCell = persist.New[json.RawMessage](c.store, buildCellKey(ref, "__state")...)
	inst.migInfoCell = persist.New[migration.Info](c.store, buildCellKey(ref, "__miginfo")...)
	inst.timers = timer.New(func(ctx context.Context, fn func(ctx context.Context)) error {
		release, err := inst.lk.Acquire(ctx, lock.Exclusive)
		if err != nil {
			return err
		}
		defer release()
		fn(ctx)
		return nil
	})

	inst.lruElem = c.lru.PushBack(inst)
	c.instances[ref] = inst
	c.byType[ref.ActorType] = append(c.byType[ref.ActorType], inst)

	return inst, true, nil
}

func buildCellKey(ref types.Ref, specifier string) []any {
	segs := []any{ref.ActorType}
	for _, p := range ref.ActorID {
		segs = append(segs, p)
	}
	segs = append(segs, specifier)
	return segs
}

// activate runs the ACTIVATING sequence: an
// implicit exclusive hold, migration application, the user Activate
// hook, then a transition to ACTIVE. The hold is taken when activate
// starts, not when getOrCreate inserts the instance into the map: a
// dispatch that acquires the instance's Lock in between finds it not yet
// ACTIVE and is rejected with ErrKindUnreachable (see invoke).
func (c *Container) activate(ctx context.Context, inst *Instance, actorType *suite.ActorType) error {
	release, err := inst.lk.Acquire(ctx, lock.Exclusive)
	if err != nil {
		return fmt.Errorf("container: error taking activation hold for %s: %w", inst.ref, err)
	}
	defer release()

	inst.setState(StateActivating)

	if err := inst.migInfoCell.Load(ctx); err != nil {
		return fmt.Errorf("container: error loading migration info for %s: %w", inst.ref, err)
	}
	if info, ok := inst.migInfoCell.TryGetValue(); ok {
		inst.migInfo = info
	}

	if len(actorType.Migrations) > 0 {
		drv := migration.New(actorType.Migrations)
		if err := drv.Apply(ctx, inst.primaryCell, &inst.migInfo); err != nil {
			return fmt.Errorf("container: migration failed for %s: %w", inst.ref, err)
		}
		inst.migInfoCell.Change(inst.migInfo)
		if err := inst.migInfoCell.Store(ctx, persist.Always); err != nil {
			return fmt.Errorf("container: error storing migration info for %s: %w", inst.ref, err)
		}
	}

	actx := &suite.ActorContext{
		ActorType: inst.ref.ActorType,
		Identity:  inst.ref.ActorID,
		Persistence: func(specifier string) (*persist.Cell[json.RawMessage], error) {
			cell := persist.New[json.RawMessage](c.store, buildCellKey(inst.ref, specifier)...)
			return cell, nil
		},
		Portal: c.portal,
		Migration: suite.MigrationContext{
			Cell: inst.primaryCell,
			Info: &inst.migInfo,
		},
		NewVolatileTimer: func(ctx context.Context, d time.Duration, fn func(ctx context.Context)) *timer.Handle {
			return inst.timers.NewVolatileTimer(ctx, d, fn)
		},
	}

	actorInstance, err := actorType.Factory(ctx, actx)
	if err != nil {
		inst.setState(StateDead)
		return fmt.Errorf("container: factory failed for %s: %w", inst.ref, err)
	}
	inst.actor = actorInstance

	if activater, ok := actorInstance.(suite.Activater); ok {
		if err := activater.Activate(ctx); err != nil {
			inst.setState(StateDead)
			return fmt.Errorf("container: activate() failed for %s: %w", inst.ref, err)
		}
	}

	inst.setState(StateActive)
	return nil
}

func (c *Container) invoke(ctx context.Context, inst *Instance, actorType *suite.ActorType, operation string, payload []byte) ([]byte, error) {
	mode := actorType.ModeFor(operation)

	release, err := inst.lk.Acquire(ctx, mode)
	if err != nil {
		if errors.Is(err, lock.ErrDeactivating) {
			return nil, types.NewFrameworkError(types.ErrKindUnreachable, err)
		}
		return nil, types.NewFrameworkError(types.ErrKindTimeout, err)
	}
	defer func() {
		if release != nil {
			release()
		}
	}()

	if inst.State() != StateActive {
		return nil, types.NewFrameworkError(types.ErrKindUnreachable, ErrNotActive)
	}

	inst.touch()
	result, err := actorType.Invoke(ctx, inst.actor, operation, payload)

	select {
	case <-inst.triggerCh:
		go c.Evict(context.Background(), inst.ref)
	default:
	}

	if err != nil {
		return nil, types.NewActionError(err)
	}
	return result, nil
}

func (c *Container) remove(inst *Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.instances[inst.ref]; ok && existing == inst {
		delete(c.instances, inst.ref)
		c.lru.Remove(inst.lruElem)
		list := c.byType[inst.ref.ActorType]
		for idx, v := range list {
			if v == inst {
				c.byType[inst.ref.ActorType] = append(list[:idx], list[idx+1:]...)
				break
			}
		}
	}
}

// Evict runs the DEACTIVATING sequence:
// drains in-flight actions (via the Lock's implicit permanent hold),
// runs the user Deactivate hook, stores the primary persisted cell,
// cancels volatile timers, transitions to DEAD, and removes the
// instance from the map.
func (c *Container) Evict(ctx context.Context, ref types.Ref) error {
	c.mu.Lock()
	inst, ok := c.instances[ref]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	inst.setState(StateDeactivating)

	if err := inst.lk.Deactivate(ctx); err != nil {
		return fmt.Errorf("container: error draining instance %s before eviction: %w", ref, err)
	}

	if deactivater, ok := inst.actor.(suite.Deactivater); ok {
		if err := deactivater.Deactivate(ctx); err != nil {
			// Best-effort: still proceed to store state and tear down, a
			// failing Deactivate hook must not leak the instance forever.
			_ = err
		}
	}

	if inst.primaryCell.Dirty() {
		_ = inst.primaryCell.Store(ctx, persist.IfDirty)
	}

	inst.timers.Stop()
	inst.setState(StateDead)
	c.remove(inst)
	return nil
}

// EvictIdle scans every live instance and evicts those eligible under
// the capacity, max-age or max-idle policies configured on their
// ActorType. It is intended to be called periodically (e.g. once per
// second) by the owning Environment.
func (c *Container) EvictIdle(ctx context.Context) {
	now := time.Now()

	c.mu.Lock()
	typeNames := make([]string, 0, len(c.byType))
	buckets := make(map[string][]*Instance, len(c.byType))
	for typeName, instances := range c.byType {
		typeNames = append(typeNames, typeName)
		live := make([]*Instance, len(instances))
		copy(live, instances)
		buckets[typeName] = live
	}
	// Snapshot the global LRU order once, under the same lock, so each
	// per-type goroutine below can consult it without touching c.mu
	// again.
	lruOrder := make([]*Instance, 0, c.lru.Len())
	for e := c.lru.Front(); e != nil; e = e.Next() {
		lruOrder = append(lruOrder, e.Value.(*Instance))
	}
	c.mu.Unlock()

	// Scan each ActorType's bucket concurrently: the policy check is
	// independent per type, so one goroutine per bucket lets a large
	// catalog's eviction sweep finish in the time of its slowest type
	// rather than the sum of all of them.
	g, gctx := errgroup.WithContext(ctx)
	for _, typeName := range typeNames {
		typeName := typeName
		live := buckets[typeName]
		g.Go(func() error {
			actorType, ok := c.catalog.Lookup(typeName)
			if !ok {
				return nil
			}
			opts := actorType.Options

			var toEvict []types.Ref
			for _, inst := range live {
				if inst.State() != StateActive {
					continue
				}
				if opts.MaxAge > 0 && now.Sub(inst.createdAt) > time.Duration(opts.MaxAge) {
					toEvict = append(toEvict, inst.ref)
					continue
				}
				if opts.MaxIdle > 0 && now.Sub(inst.lastUsed()) > time.Duration(opts.MaxIdle) {
					toEvict = append(toEvict, inst.ref)
					continue
				}
			}

			if opts.Capacity > 0 && len(live) > opts.Capacity {
				excess := len(live) - opts.Capacity
				// Evict the least-recently-used ACTIVE instances of this
				// type first, walking the Container's global LRU
				// snapshot (front = least recently used) rather than
				// this type's unordered bucket. Whether an instance's
				// lock is busy is not considered when choosing; for a
				// busy instance, Evict (via the Lock's Deactivate call)
				// blocks until its in-flight actions drain.
				for _, oldest := range lruOrder {
					if excess == 0 {
						break
					}
					if oldest.ref.ActorType != typeName || oldest.State() != StateActive {
						continue
					}
					toEvict = append(toEvict, oldest.ref)
					excess--
				}
			}

			seen := make(map[types.Ref]bool, len(toEvict))
			for _, ref := range toEvict {
				if seen[ref] {
					continue
				}
				seen[ref] = true
				if gctx.Err() != nil {
					return gctx.Err()
				}
				_ = c.Evict(ctx, ref)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Lookup returns the live Instance for ref, if any, without creating it.
func (c *Container) Lookup(ref types.Ref) (*Instance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.instances[ref]
	return inst, ok
}
