// Package kv defines the narrow storage interface that both the
// Placement Registry and Persistable cells are built on, plus a
// namespaced key-packing helper and an in-memory implementation used by
// the local registry and by tests.
//
// The key shape mirrors virtual/registry/kv_registry.go's key helpers
// (placementKey/serverKey): a tuple of path segments
// packed with apple/foundationdb's tuple layer so keys sort and
// prefix-scan consistently, even for the in-memory implementation
// (which just uses the packed bytes as a map key).
package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/apple/foundationdb/bindings/go/src/fdb/tuple"
)

// ErrConflict is returned by Put when a caller-supplied expected version
// does not match the value's current stored version (storage-conflict).
var ErrConflict = errors.New("kv: version conflict")

// Key is an opaque, already-packed storage key. Get never returns an
// ErrNotFound-style error for a missing key; it returns (nil, false,
// nil), matching the tr.get(ctx, key) -> (v, ok, err) convention used
// throughout this package.
type Key []byte

// Pack builds a Key from an ordered sequence of path segments, the same
// way tuple.Tuple{...}.Pack() is used elsewhere in this package.
func Pack(segments ...any) Key {
	return Key(tuple.Tuple(segments).Pack())
}

// Store is the persistence contract consumed by this module: the
// interface a real on-disk/transactional store (e.g. fdbregistry.Store)
// implements, with an in-memory implementation below for single-process
// use and tests.
type Store interface {
	// Get returns the value and its version tag, or ok=false if absent.
	Get(ctx context.Context, key Key) (value []byte, version int64, ok bool, err error)
	// Put writes value at key. If expectedVersion is non-nil, the write
	// only succeeds if the key's current version equals *expectedVersion
	// (compare-and-set); a mismatch returns ErrConflict. Returns the new
	// version on success.
	Put(ctx context.Context, key Key, value []byte, expectedVersion *int64) (newVersion int64, err error)
	// Delete tombstones a key.
	Delete(ctx context.Context, key Key, expectedVersion *int64) error
	// IterPrefix invokes fn for every key with the given prefix, in key
	// order.
	IterPrefix(ctx context.Context, prefix Key, fn func(k Key, v []byte) error) error
	// Close releases any resources held by the store.
	Close(ctx context.Context) error
	// UnsafeWipeAll wipes the entire store. Tests only.
	UnsafeWipeAll() error
}

type memEntry struct {
	value   []byte
	version int64
}

// memStore is an in-process Store, used by the local (non-FoundationDB)
// registry implementation and directly by unit tests. It is guarded by a
// single mutex and written in the same idiom (manual locking, %w error
// wrapping) as the rest of this package.
type memStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

// NewMemStore constructs an in-memory Store.
func NewMemStore() Store {
	return &memStore{entries: make(map[string]memEntry)}
}

func (m *memStore) Get(ctx context.Context, key Key) ([]byte, int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[string(key)]
	if !ok {
		return nil, 0, false, nil
	}
	v := make([]byte, len(e.value))
	copy(v, e.value)
	return v, e.version, true, nil
}

func (m *memStore) Put(ctx context.Context, key Key, value []byte, expectedVersion *int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.entries[string(key)]
	if expectedVersion != nil {
		if !exists || e.version != *expectedVersion {
			return 0, fmt.Errorf("kv: put key %x expected version %v, found exists=%v version=%v: %w",
				key, *expectedVersion, exists, e.version, ErrConflict)
		}
	}

	newVersion := e.version + 1
	v := make([]byte, len(value))
	copy(v, value)
	m.entries[string(key)] = memEntry{value: v, version: newVersion}
	return newVersion, nil
}

func (m *memStore) Delete(ctx context.Context, key Key, expectedVersion *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if expectedVersion != nil {
		e, exists := m.entries[string(key)]
		if !exists || e.version != *expectedVersion {
			return fmt.Errorf("kv: delete key %x version mismatch: %w", key, ErrConflict)
		}
	}
	delete(m.entries, string(key))
	return nil
}

func (m *memStore) IterPrefix(ctx context.Context, prefix Key, fn func(k Key, v []byte) error) error {
	m.mu.Lock()
	type kvPair struct {
		k string
		v []byte
	}
	var pairs []kvPair
	for k, e := range m.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == string(prefix) {
			pairs = append(pairs, kvPair{k: k, v: e.value})
		}
	}
	m.mu.Unlock()

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].k < pairs[j].k })
	for _, p := range pairs {
		if err := fn(Key(p.k), p.v); err != nil {
			return err
		}
	}
	return nil
}

func (m *memStore) Close(ctx context.Context) error { return nil }

func (m *memStore) UnsafeWipeAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]memEntry)
	return nil
}
