// Package suite implements the declarative actor-type catalog: a
// registration entry names a type, its Kind,
// a factory, an optional ordered migration list, capacity/age/idle
// config, and a table of (action name, lock mode) pairs the Dispatcher
// consults instead of relying on reflection or method annotations.
//
// Generalizes a namespace+ID keyed table of pre-built module
// implementations handed to a node at startup into "one typed
// ActorType per name, with its own factory, actions and eviction
// policy", replacing a WASM-module-per-namespace registration scheme
// with plain Go factories.
package suite

import (
	"context"
	"encoding/json"
	"time"

	"github.com/relaygrid/virtual/virtual/lock"
	"github.com/relaygrid/virtual/virtual/migration"
	"github.com/relaygrid/virtual/virtual/persist"
	"github.com/relaygrid/virtual/virtual/timer"
	"github.com/relaygrid/virtual/virtual/types"
)

// ActionSpec declares one invocable action and the lock mode the
// Dispatcher must acquire before running it. Exclusive is the default
// if an action is not listed here (see ActorType.ModeFor).
type ActionSpec struct {
	Name string
	Mode lock.Mode
}

// InvokeFunc performs one operation against an already-instantiated
// actor object. actorInstance is whatever value the Factory returned;
// the function is expected to type-assert it back to its concrete type.
type InvokeFunc func(ctx context.Context, actorInstance any, operation string, payload []byte) ([]byte, error)

// Portal is the caller-side factory for typed proxies to actors of
// other types, handed to a Factory via ActorContext so actors can call
// each other without knowing placement.
type Portal interface {
	// Invoke sends operation+payload to the actor identified by
	// (actorType, identity), creating it first if instantiateIfAbsent is
	// true and it does not already exist, and returns its reply.
	Invoke(ctx context.Context, actorType string, identity types.Identity, operation string, payload []byte, instantiateIfAbsent bool) ([]byte, error)
}

// MigrationContext exposes the primary migration-tracked cell and its
// applied-versions tag to an actor's Factory/Activate hook, so
// user code can inspect (but not bypass) what migrations have run.
type MigrationContext struct {
	Cell *persist.Cell[json.RawMessage]
	Info *migration.Info
}

// PersistenceFactory constructs a typed Cell scoped to this instance,
// optionally with a caller-supplied specifier distinguishing multiple
// cells belonging to the same instance (e.g. "profile" vs "counters").
type PersistenceFactory func(specifier string) (*persist.Cell[json.RawMessage], error)

// ActorContext is provided to a Factory (and is reachable from the
// instantiated actor, typically by the Factory closing over it) to
// supply identity, persistence, cross-actor invocation and timers.
type ActorContext struct {
	ActorType string
	Identity  types.Identity

	Persistence      PersistenceFactory
	Portal           Portal
	Migration        MigrationContext
	NewVolatileTimer func(ctx context.Context, d time.Duration, fn func(ctx context.Context)) *timer.Handle
}

// Factory constructs a new actor instance for the given context. The
// returned value is opaque to the runtime; only the ActorType's
// InvokeFunc (and the optional Activater/Deactivater interfaces below)
// know how to use it.
type Factory func(ctx context.Context, actx *ActorContext) (any, error)

// Activater is implemented by actor instances with startup logic that
// must run exactly once before any action body, inside ACTIVATING.
type Activater interface {
	Activate(ctx context.Context) error
}

// Deactivater is implemented by actor instances with shutdown logic that
// must run exactly once, after all pending actions have drained and
// before the instance transitions to DEAD.
type Deactivater interface {
	Deactivate(ctx context.Context) error
}

// ActorType is one entry in the declarative catalog.
type ActorType struct {
	Name    string
	Kind    types.Kind
	Factory Factory
	Invoke  InvokeFunc
	Actions []ActionSpec

	// Migrations, if non-empty, are applied in declared order to the
	// instance's primary persisted cell during activation, before
	// Factory/Activate run.
	Migrations []migration.Migration[json.RawMessage]

	// Options configures the Container's eviction policies for this
	// type. The zero value disables time/capacity based
	// eviction for this type.
	Options types.ActorOptions
}

// ModeFor returns the lock mode declared for operation, defaulting to
// Exclusive if the ActorType did not list it explicitly.
func (a *ActorType) ModeFor(operation string) lock.Mode {
	for _, spec := range a.Actions {
		if spec.Name == operation {
			return spec.Mode
		}
	}
	return lock.Exclusive
}

// Catalog is a registered set of ActorTypes, keyed by name.
type Catalog struct {
	types map[string]*ActorType
}

// NewCatalog constructs an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{types: make(map[string]*ActorType)}
}

// Register adds t to the catalog. It is an error (returns false) to
// register the same type name twice.
func (c *Catalog) Register(t *ActorType) bool {
	if _, exists := c.types[t.Name]; exists {
		return false
	}
	c.types[t.Name] = t
	return true
}

// Lookup returns the registered ActorType, or ok=false if this node does
// not advertise support for it.
func (c *Catalog) Lookup(name string) (*ActorType, bool) {
	t, ok := c.types[name]
	return t, ok
}

// Names returns every registered type name, used when advertising
// support to the message bus's register(actorType) primitive.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.types))
	for n := range c.types {
		names = append(names, n)
	}
	return names
}
