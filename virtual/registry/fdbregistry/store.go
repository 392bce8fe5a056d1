// Package fdbregistry provides a FoundationDB-backed implementation of
// virtual/kv.Store, for deployments that want the Placement Registry
// and/or persisted actor state durable across a real transactional
// cluster rather than held in-process.
//
// Grounded on virtual/kv's own apple/foundationdb/bindings/go usage (key
// packing via tuple.Tuple) and on that client library's standard public
// API (fdb.MustAPIVersion, fdb.OpenDatabase, Database.Transact). This
// package talks to fdb.Transaction directly rather than through any
// internal transaction wrapper, since none was available to build on.
package fdbregistry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/apple/foundationdb/bindings/go/src/fdb"

	"github.com/relaygrid/virtual/virtual/kv"
)

func init() {
	fdb.MustAPIVersion(620)
}

// Store is a kv.Store backed by a FoundationDB cluster.
type Store struct {
	db   fdb.Database
	subspace fdb.KeyConvertible
}

// Open connects to the FoundationDB cluster described by clusterFile (""
// selects the default cluster file) and returns a Store scoped under the
// given key prefix (so multiple logical stores can share one cluster).
func Open(clusterFile string, prefix kv.Key) (*Store, error) {
	db, err := fdb.OpenDatabase(clusterFile)
	if err != nil {
		return nil, fmt.Errorf("fdbregistry: error opening database: %w", err)
	}
	return &Store{db: db, subspace: fdb.Key(prefix)}, nil
}

func (s *Store) fullKey(key kv.Key) fdb.Key {
	return fdb.Key(append(append([]byte{}, s.subspace.FDBKey()...), key...))
}

// versionedValue stores the monotonically increasing write-version for a
// key alongside its value, since raw FoundationDB values carry no
// version metadata of their own; this lets Put implement
// compare-and-set the same way virtual/kv's in-memory Store does.
type versionedValue struct {
	Version int64
	Value   []byte
}

func (s *Store) Get(ctx context.Context, key kv.Key) ([]byte, int64, bool, error) {
	v, err := s.db.Transact(func(tr fdb.Transaction) (any, error) {
		raw := tr.Get(s.fullKey(key)).MustGet()
		if raw == nil {
			return nil, nil
		}
		vv, err := decodeVersionedValue(raw)
		if err != nil {
			return nil, err
		}
		return vv, nil
	})
	if err != nil {
		return nil, 0, false, fmt.Errorf("fdbregistry: Get: %w", err)
	}
	if v == nil {
		return nil, 0, false, nil
	}
	vv := v.(*versionedValue)
	return vv.Value, vv.Version, true, nil
}

func (s *Store) Put(ctx context.Context, key kv.Key, value []byte, expectedVersion *int64) (int64, error) {
	newVersion, err := s.db.Transact(func(tr fdb.Transaction) (any, error) {
		fk := s.fullKey(key)
		raw := tr.Get(fk).MustGet()

		var current *versionedValue
		if raw != nil {
			vv, err := decodeVersionedValue(raw)
			if err != nil {
				return nil, err
			}
			current = vv
		}

		if expectedVersion != nil {
			if current == nil || current.Version != *expectedVersion {
				return nil, kv.ErrConflict
			}
		}

		next := int64(1)
		if current != nil {
			next = current.Version + 1
		}

		encoded, err := encodeVersionedValue(&versionedValue{Version: next, Value: value})
		if err != nil {
			return nil, err
		}
		tr.Set(fk, encoded)
		return next, nil
	})
	if err != nil {
		return 0, fmt.Errorf("fdbregistry: Put: %w", err)
	}
	return newVersion.(int64), nil
}

func (s *Store) Delete(ctx context.Context, key kv.Key, expectedVersion *int64) error {
	_, err := s.db.Transact(func(tr fdb.Transaction) (any, error) {
		fk := s.fullKey(key)
		if expectedVersion != nil {
			raw := tr.Get(fk).MustGet()
			if raw == nil {
				return nil, kv.ErrConflict
			}
			vv, err := decodeVersionedValue(raw)
			if err != nil {
				return nil, err
			}
			if vv.Version != *expectedVersion {
				return nil, kv.ErrConflict
			}
		}
		tr.Clear(fk)
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("fdbregistry: Delete: %w", err)
	}
	return nil
}

func (s *Store) IterPrefix(ctx context.Context, prefix kv.Key, fn func(k kv.Key, v []byte) error) error {
	_, err := s.db.Transact(func(tr fdb.Transaction) (any, error) {
		fullPrefix := s.fullKey(prefix)
		rng, err := fdb.PrefixRange(fullPrefix)
		if err != nil {
			return nil, err
		}
		iter := tr.GetRange(rng, fdb.RangeOptions{}).Iterator()
		for iter.Advance() {
			kvPair := iter.MustGet()
			vv, err := decodeVersionedValue(kvPair.Value)
			if err != nil {
				return nil, err
			}
			relKey := kv.Key(kvPair.Key[len(fullPrefix):])
			if err := fn(relKey, vv.Value); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("fdbregistry: IterPrefix: %w", err)
	}
	return nil
}

func encodeVersionedValue(vv *versionedValue) ([]byte, error) {
	b, err := json.Marshal(vv)
	if err != nil {
		return nil, fmt.Errorf("fdbregistry: error encoding value: %w", err)
	}
	return b, nil
}

func decodeVersionedValue(raw []byte) (*versionedValue, error) {
	var vv versionedValue
	if err := json.Unmarshal(raw, &vv); err != nil {
		return nil, fmt.Errorf("fdbregistry: error decoding value: %w", err)
	}
	return &vv, nil
}

func (s *Store) Close(ctx context.Context) error {
	return nil
}

func (s *Store) UnsafeWipeAll() error {
	_, err := s.db.Transact(func(tr fdb.Transaction) (any, error) {
		rng, err := fdb.PrefixRange(s.fullKey(nil))
		if err != nil {
			return nil, err
		}
		tr.ClearRange(rng)
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("fdbregistry: UnsafeWipeAll: %w", err)
	}
	return nil
}
