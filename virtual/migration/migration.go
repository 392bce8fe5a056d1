// Package migration implements the Migration Driver: an ordered list of
// version-stamped migrations applied to a persisted cell on activation,
// idempotent under partial-failure replay.
//
// The ordered-list-of-migrators/idempotent-replay shape is grounded on
// luckydog8686-specs-actors' MigrateStateTree (a worker pool applying a
// map of per-actor-code migrators over a whole state tree); here the
// same idea is scaled down to a single persisted cell's migrationInfo
// tag rather than a CID-addressed state tree, since the core's unit of
// migration is one actor's state, not a global tree.
package migration

import (
	"context"
	"fmt"

	"github.com/relaygrid/virtual/virtual/persist"
)

// Migrator mutates cell in place to bring it from the previous version
// to the next. Migrators must be idempotent: if applied twice (because
// the process died between applying it and recording that fact), the
// second application must be a no-op or otherwise produce the same
// final value as a single application.
type Migrator[T any] func(ctx context.Context, cell *persist.Cell[T]) error

// Migration names one step in the ordered list.
type Migration[T any] struct {
	Name      string
	Version   string
	Migrator  Migrator[T]
}

// Info is the embedded tag recording which migration versions have been
// applied to a cell. It is itself persisted (typically alongside, or as
// part of, the actor's primary state cell).
type Info struct {
	Applied []string
}

func (i Info) has(version string) bool {
	for _, v := range i.Applied {
		if v == version {
			return true
		}
	}
	return false
}

// Driver applies an ordered migration list to a cell on activation.
type Driver[T any] struct {
	migrations []Migration[T]
}

// New constructs a Driver for the given ordered migration list. Order is
// authoritative: migrations are applied in the order given, not sorted
// by version (versions are opaque strings, matched only by equality).
func New[T any](migrations []Migration[T]) *Driver[T] {
	return &Driver[T]{migrations: migrations}
}

// Apply loads cell, applies every declared migration whose version is
// not yet present in info, in declared order, and stores the cell with
// an Always policy even if no migrator actually touched the value.
// info is mutated in place only; Apply does not persist it, so the
// caller stores it (the container keeps it in a separate cell).
//
// If the process dies mid-list, a later call to Apply against the same
// (possibly partially migrated) cell reapplies only the migrations whose
// version is still missing from info, per the idempotent-replay
// invariant.
func (d *Driver[T]) Apply(ctx context.Context, cell *persist.Cell[T], info *Info) error {
	if err := cell.Load(ctx); err != nil {
		return fmt.Errorf("migration: error loading cell before migrating: %w", err)
	}

	for _, m := range d.migrations {
		if info.has(m.Version) {
			continue
		}
		if err := m.Migrator(ctx, cell); err != nil {
			return fmt.Errorf("migration: migrator %q (version %q) failed: %w", m.Name, m.Version, err)
		}
		info.Applied = append(info.Applied, m.Version)
	}

	// Always flush the cell, regardless of whether any individual
	// migrator actually marked it dirty.
	cell.MarkDirty()
	if err := cell.Store(ctx, persist.Always); err != nil {
		return fmt.Errorf("migration: error storing migrated cell: %w", err)
	}
	return nil
}
