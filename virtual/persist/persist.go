// Package persist implements PersistableCell[T], the typed durable cell
// an actor instance uses to load/store its state at well-defined
// lifecycle points.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/relaygrid/virtual/virtual/kv"
	"github.com/relaygrid/virtual/virtual/types"
)

// ErrNotLoaded is returned by Value() when Load has never completed
// successfully for this cell.
var ErrNotLoaded = errors.New("persist: cell has not been loaded")

// StorePolicy controls when Store actually performs a write.
type StorePolicy int

const (
	// IfDirty is a no-op unless the cell has been changed since the last
	// successful load/store.
	IfDirty StorePolicy = iota
	// Always forces a write regardless of the dirty flag. Used by the
	// migration driver, which must persist migrationInfo even if the
	// migrator itself didn't touch the value.
	Always
)

// Cell is a typed slot backed by a kv.Store. The zero value is not
// usable; construct with New.
type Cell[T any] struct {
	store kv.Store
	key   kv.Key

	loaded  bool
	dirty   bool
	cleared bool
	version *int64
	value   T
}

// New constructs a Cell whose key is store-scoped to the given ordered
// key segments (typically ActorType, ActorID parts..., and a cell-local
// sub-key).
func New[T any](store kv.Store, keySegments ...any) *Cell[T] {
	return &Cell[T]{
		store: store,
		key:   kv.Pack(keySegments...),
	}
}

// Load reads the cell's value from the store. If the key does not
// exist, Load succeeds with the cell left absent (TryGetValue will
// report ok=false) rather than failing. The dirty flag is cleared.
func (c *Cell[T]) Load(ctx context.Context) error {
	raw, version, ok, err := c.store.Get(ctx, c.key)
	if err != nil {
		return types.NewFrameworkError(types.ErrKindStorageUnavail,
			fmt.Errorf("persist: load failed for key %x: %w", c.key, err))
	}
	if !ok {
		c.loaded = true
		c.dirty = false
		c.version = nil
		var zero T
		c.value = zero
		return nil
	}

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return types.NewFrameworkError(types.ErrKindCorrupt,
			fmt.Errorf("persist: corrupt value at key %x: %w", c.key, err))
	}

	c.value = v
	vCopy := version
	c.version = &vCopy
	c.loaded = true
	c.dirty = false
	c.cleared = false
	return nil
}

// Value returns the current value, failing with ErrNotLoaded if Load
// was never completed successfully.
func (c *Cell[T]) Value() (T, error) {
	var zero T
	if !c.loaded {
		return zero, ErrNotLoaded
	}
	return c.value, nil
}

// TryGetValue is the non-failing equivalent of Value: ok is false if the
// cell has never been loaded, was loaded to an absent value and not
// changed since, or has been cleared.
func (c *Cell[T]) TryGetValue() (v T, ok bool) {
	if !c.loaded || c.cleared || (c.version == nil && !c.dirty) {
		var zero T
		return zero, false
	}
	return c.value, true
}

// Change sets the value and marks the cell dirty so a future Store call
// (with IfDirty) will flush it.
func (c *Cell[T]) Change(v T) {
	c.value = v
	c.dirty = true
	c.cleared = false
	c.loaded = true
}

// MarkDirty flags the cell for a flush on the next Store call without
// changing the value, for callers that mutated the value in place
// through a mutator closure (per the Design Notes' guidance to avoid
// interior mutability ambiguity, callers should prefer Change with a
// freshly constructed value; MarkDirty exists for the rare case where T
// itself exposes no copy-on-write path).
func (c *Cell[T]) MarkDirty() {
	c.dirty = true
}

// Clear marks the cell for deletion on the next Store call.
func (c *Cell[T]) Clear() {
	c.cleared = true
	c.dirty = true
}

// Dirty reports whether the cell has unflushed changes.
func (c *Cell[T]) Dirty() bool { return c.dirty }

// Store writes the value (or deletes it, if Clear was called) according
// to policy. IfDirty is a no-op when the cell is clean. On success the
// dirty flag is cleared and the version tag is updated.
func (c *Cell[T]) Store(ctx context.Context, policy StorePolicy) error {
	if policy == IfDirty && !c.dirty {
		return nil
	}

	if c.cleared {
		if err := c.store.Delete(ctx, c.key, c.version); err != nil {
			if errors.Is(err, kv.ErrConflict) {
				return types.NewFrameworkError(types.ErrKindStorageConflict, err)
			}
			return types.NewFrameworkError(types.ErrKindStorageUnavail, err)
		}
		c.version = nil
		c.dirty = false
		c.cleared = false
		var zero T
		c.value = zero
		return nil
	}

	raw, err := json.Marshal(c.value)
	if err != nil {
		return fmt.Errorf("persist: error marshaling value for key %x: %w", c.key, err)
	}

	newVersion, err := c.store.Put(ctx, c.key, raw, c.version)
	if err != nil {
		if errors.Is(err, kv.ErrConflict) {
			return types.NewFrameworkError(types.ErrKindStorageConflict, err)
		}
		return types.NewFrameworkError(types.ErrKindStorageUnavail, err)
	}

	c.version = &newVersion
	c.dirty = false
	c.loaded = true
	return nil
}
