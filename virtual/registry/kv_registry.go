package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/relaygrid/virtual/virtual/kv"
	"github.com/relaygrid/virtual/virtual/types"
)

// kvRegistry implements Registry on top of a kv.Store, reworking a
// FoundationDB-style multi-key transaction (transact/tr.get/tr.put) into
// a single-key compare-and-set retry loop, since the kv.Store interface
// this package is built on (see virtual/kv) does not expose multi-key
// ACID transactions. Every mutating operation here reads the current
// record, computes the new one, and retries on kv.ErrConflict; losing a
// race just means redoing the read-modify-write, never a correctness
// issue.
type kvRegistry struct {
	store               kv.Store
	versionStampBatcher singleflight.Group
}

// NewKVRegistry constructs a Registry backed by store.
func NewKVRegistry(store kv.Store) Registry {
	return &kvRegistry{store: store}
}

const maxCASRetries = 100

func placementKey(ref types.Ref) kv.Key {
	return kv.Pack("actors", ref.ActorType, ref.ActorID.String(), "placement")
}

func serverKey(nodeID string) kv.Key {
	return kv.Pack("servers", nodeID)
}

func serversPrefix() kv.Key {
	return kv.Pack("servers")
}

type placementRecord struct {
	NodeID        string
	ServerVersion int64
	Incarnation   uint64
}

type serverState struct {
	NodeID            string
	LastHeartbeatedAt int64
	HeartbeatState    HeartbeatState
	ServerVersion     int64
}

func (k *kvRegistry) EnsureActivation(ctx context.Context, ref types.Ref) (Placement, error) {
	key := placementKey(ref)

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		raw, version, ok, err := k.store.Get(ctx, key)
		if err != nil {
			return Placement{}, fmt.Errorf("registry: error getting placement for %s: %w", ref, err)
		}

		var pr placementRecord
		var haveVersion *int64
		if ok {
			if err := json.Unmarshal(raw, &pr); err != nil {
				return Placement{}, fmt.Errorf("registry: error unmarshaling placement for %s: %w", ref, err)
			}
			v := version
			haveVersion = &v
		}

		vs, err := k.getVersionStampLocked(ctx)
		if err != nil {
			return Placement{}, err
		}

		server, serverOK, err := k.getServer(ctx, pr.NodeID)
		if err != nil {
			return Placement{}, err
		}

		stillLive := serverOK && ok && server.ServerVersion == pr.ServerVersion &&
			versionSince(vs, server.LastHeartbeatedAt) < HeartbeatTTL
		if stillLive {
			return Placement{
				NodeID:        pr.NodeID,
				Address:       server.HeartbeatState.Address,
				ServerVersion: server.ServerVersion,
				Incarnation:   pr.Incarnation,
			}, nil
		}

		chosen, err := k.pickLiveServer(ctx, vs)
		if err != nil {
			return Placement{}, err
		}

		newIncarnation := pr.Incarnation
		if ok {
			newIncarnation++
		}
		newPR := placementRecord{
			NodeID:        chosen.NodeID,
			ServerVersion: chosen.ServerVersion,
			Incarnation:   newIncarnation,
		}
		marshaled, err := json.Marshal(&newPR)
		if err != nil {
			return Placement{}, fmt.Errorf("registry: error marshaling placement for %s: %w", ref, err)
		}

		if _, err := k.store.Put(ctx, key, marshaled, haveVersion); err != nil {
			if errIsConflict(err) {
				continue
			}
			return Placement{}, fmt.Errorf("registry: error storing placement for %s: %w", ref, err)
		}

		return Placement{
			NodeID:        chosen.NodeID,
			Address:       chosen.HeartbeatState.Address,
			ServerVersion: chosen.ServerVersion,
			Incarnation:   newIncarnation,
		}, nil
	}

	return Placement{}, fmt.Errorf("registry: EnsureActivation(%s): exceeded %d CAS retries", ref, maxCASRetries)
}

func (k *kvRegistry) pickLiveServer(ctx context.Context, vs int64) (serverState, error) {
	var live []serverState
	err := k.store.IterPrefix(ctx, serversPrefix(), func(_ kv.Key, v []byte) error {
		var s serverState
		if err := json.Unmarshal(v, &s); err != nil {
			return fmt.Errorf("registry: error unmarshaling server state: %w", err)
		}
		if versionSince(vs, s.LastHeartbeatedAt) < HeartbeatTTL {
			live = append(live, s)
		}
		return nil
	})
	if err != nil {
		return serverState{}, err
	}
	if len(live) == 0 {
		return serverState{}, ErrNoLiveNodes
	}

	// Load-balance new placements by picking the least-loaded live node.
	sort.Slice(live, func(i, j int) bool {
		return live[i].HeartbeatState.NumActivatedActors < live[j].HeartbeatState.NumActivatedActors
	})
	return live[0], nil
}

func (k *kvRegistry) getServer(ctx context.Context, nodeID string) (serverState, bool, error) {
	if nodeID == "" {
		return serverState{}, false, nil
	}
	raw, _, ok, err := k.store.Get(ctx, serverKey(nodeID))
	if err != nil {
		return serverState{}, false, fmt.Errorf("registry: error getting server %q: %w", nodeID, err)
	}
	if !ok {
		return serverState{}, false, nil
	}
	var s serverState
	if err := json.Unmarshal(raw, &s); err != nil {
		return serverState{}, false, fmt.Errorf("registry: error unmarshaling server %q: %w", nodeID, err)
	}
	return s, true, nil
}

func (k *kvRegistry) IncGeneration(ctx context.Context, ref types.Ref) error {
	key := placementKey(ref)

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		raw, version, ok, err := k.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("registry: error getting placement for %s: %w", ref, err)
		}
		if !ok {
			// Nothing placed yet; nothing to invalidate.
			return nil
		}

		var pr placementRecord
		if err := json.Unmarshal(raw, &pr); err != nil {
			return fmt.Errorf("registry: error unmarshaling placement for %s: %w", ref, err)
		}
		pr.Incarnation++

		marshaled, err := json.Marshal(&pr)
		if err != nil {
			return fmt.Errorf("registry: error marshaling placement for %s: %w", ref, err)
		}

		v := version
		if _, err := k.store.Put(ctx, key, marshaled, &v); err != nil {
			if errIsConflict(err) {
				continue
			}
			return fmt.Errorf("registry: error storing placement for %s: %w", ref, err)
		}
		return nil
	}

	return fmt.Errorf("registry: IncGeneration(%s): exceeded %d CAS retries", ref, maxCASRetries)
}

func (k *kvRegistry) Heartbeat(ctx context.Context, nodeID string, state HeartbeatState) (HeartbeatResult, error) {
	key := serverKey(nodeID)

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		raw, version, ok, err := k.store.Get(ctx, key)
		if err != nil {
			return HeartbeatResult{}, fmt.Errorf("registry: error getting server %q: %w", nodeID, err)
		}

		var s serverState
		var haveVersion *int64
		if ok {
			if err := json.Unmarshal(raw, &s); err != nil {
				return HeartbeatResult{}, fmt.Errorf("registry: error unmarshaling server %q: %w", nodeID, err)
			}
			v := version
			haveVersion = &v
		} else {
			s = serverState{NodeID: nodeID, ServerVersion: 1}
		}

		vs, err := k.getVersionStampLocked(ctx)
		if err != nil {
			return HeartbeatResult{}, err
		}

		if ok && versionSince(vs, s.LastHeartbeatedAt) >= HeartbeatTTL {
			// The server's previous heartbeat expired; bump its version so
			// stale placements referring to the old incarnation are
			// detected the next time EnsureActivation checks this server.
			s.ServerVersion++
		}

		s.LastHeartbeatedAt = vs
		s.HeartbeatState = state

		marshaled, err := json.Marshal(&s)
		if err != nil {
			return HeartbeatResult{}, fmt.Errorf("registry: error marshaling server %q: %w", nodeID, err)
		}

		if _, err := k.store.Put(ctx, key, marshaled, haveVersion); err != nil {
			if errIsConflict(err) {
				continue
			}
			return HeartbeatResult{}, fmt.Errorf("registry: error storing server %q: %w", nodeID, err)
		}

		return HeartbeatResult{
			VersionStamp: vs,
			// VersionStamp corresponds to ~ 1 million increments per second.
			HeartbeatTTL:  int64(HeartbeatTTL.Microseconds()),
			ServerVersion: s.ServerVersion,
		}, nil
	}

	return HeartbeatResult{}, fmt.Errorf("registry: Heartbeat(%s): exceeded %d CAS retries", nodeID, maxCASRetries)
}

func (k *kvRegistry) GetVersionStamp(ctx context.Context) (int64, error) {
	// GetVersionStamp is in the critical path of the entire system and is
	// called extremely frequently. Rather than cache it directly (which
	// would be unsafe), debounce/batch concurrent calls with a
	// singleflight.Group: every call "gloms on" to the current
	// outstanding call, or starts the next one if none is in flight.
	v, err, _ := k.versionStampBatcher.Do("", func() (any, error) {
		return nowVersionStamp(), nil
	})
	if err != nil {
		return -1, fmt.Errorf("registry: GetVersionStamp: error: %w", err)
	}
	return v.(int64), nil
}

func (k *kvRegistry) getVersionStampLocked(ctx context.Context) (int64, error) {
	return k.GetVersionStamp(ctx)
}

func (k *kvRegistry) Close(ctx context.Context) error {
	return k.store.Close(ctx)
}

func (k *kvRegistry) UnsafeWipeAll() error {
	return k.store.UnsafeWipeAll()
}

// nowVersionStamp derives a monotonically increasing, microsecond-scale
// logical clock from the wall clock, matching FoundationDB's own
// versionstamp convention (~1 million increments/s) closely enough for
// heartbeat TTL comparisons.
func nowVersionStamp() int64 {
	return time.Now().UnixMicro()
}

func versionSince(curr, prev int64) time.Duration {
	since := curr - prev
	if since < 0 {
		since = 0
	}
	return time.Duration(since) * time.Microsecond
}

func errIsConflict(err error) bool {
	return errors.Is(err, kv.ErrConflict)
}
