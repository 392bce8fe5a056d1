package registry

import "github.com/relaygrid/virtual/virtual/kv"

// NewLocalRegistry constructs a Registry backed by an in-memory
// kv.Store, for single-process tests and the local (non-clustered)
// Dispatcher mode. Built directly atop kvRegistry + kv.NewMemStore
// rather than a bespoke map-only implementation, keeping exactly one
// Registry implementation to maintain.
func NewLocalRegistry() Registry {
	return NewKVRegistry(kv.NewMemStore())
}
