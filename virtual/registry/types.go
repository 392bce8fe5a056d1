// Package registry implements the cluster-wide Placement Registry:
// for singular ActorRefs, a soft cluster-wide mapping from ref to
// hosting node plus a monotonically increasing incarnation counter, and
// the Heartbeat-based service discovery that backs it.
//
// The Registry interface, HeartbeatState/HeartbeatResult shapes and the
// load-balance-by-NumActivatedActors placement strategy mirror a
// FoundationDB-backed registry's kv_registry.go and types.go; the
// WASM module-loading concern (CreateActor/RegisterModule) is dropped
// since actor factories are ordinary Go code registered ahead of time,
// and EnsureActivation is generalized to lazily create a placement
// record for a Ref on first use instead of requiring a separate
// pre-registration call, since "instantiateIfAbsent" already covers
// that case one level up.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/relaygrid/virtual/virtual/types"
)

// HeartbeatTTL is the maximum amount of time between node heartbeats
// before the registry considers a node dead.
const HeartbeatTTL = 5 * time.Second

// ErrNoLiveNodes is returned by EnsureActivation when no node has a live
// heartbeat. Placement does not consult HeartbeatState.SupportedTypes:
// any live node may be chosen, whatever types it advertises.
var ErrNoLiveNodes = errors.New("registry: no live nodes available to host this actor type")

// Registry is the interface implemented by the cluster-wide placement
// registry.
type Registry interface {
	// EnsureActivation returns the current Placement for ref, claiming a
	// live node for it if none is currently assigned (or the previously
	// assigned node is no longer live). Guaranteed to return a Placement
	// on success; the actor may not yet actually be activated there
	// (activation is lazy, driven by the first invocation the target
	// node receives).
	EnsureActivation(ctx context.Context, ref types.Ref) (Placement, error)

	// IncGeneration bumps ref's incarnation counter. It does not move the
	// placement: while the assigned node stays live, the next
	// EnsureActivation call returns the same node with the new
	// incarnation. A ref that was never placed is left untouched.
	IncGeneration(ctx context.Context, ref types.Ref) error

	// Heartbeat registers nodeID as alive with the given state and
	// returns the registry's current version stamp/TTL/ServerVersion.
	Heartbeat(ctx context.Context, nodeID string, state HeartbeatState) (HeartbeatResult, error)

	// GetVersionStamp returns a monotonically increasing integer
	// advancing at roughly 1 million/s, used as a lightweight logical
	// clock for liveness comparisons.
	GetVersionStamp(ctx context.Context) (int64, error)

	// Close releases any resources held by the registry.
	Close(ctx context.Context) error

	// UnsafeWipeAll wipes the entire registry. Tests only.
	UnsafeWipeAll() error
}

// HeartbeatState accompanies a node's heartbeat with information useful
// for placement decisions.
type HeartbeatState struct {
	// NumActivatedActors is the number of actors currently activated on
	// the node, used to load-balance new singular placements.
	NumActivatedActors int
	// Address is the address at which the node can be reached.
	Address string
	// SupportedTypes lists the ActorType names this node advertises
	// support for (its suite.Catalog's registered names).
	SupportedTypes []string
}

// HeartbeatResult is returned by Heartbeat.
type HeartbeatResult struct {
	VersionStamp int64
	HeartbeatTTL int64
	// ServerVersion increments every time this node's heartbeat expires
	// and later resumes, so activations can detect a restart even if the
	// node's identity (NodeID/Address) didn't change.
	ServerVersion int64
}

// Placement is the current hosting assignment for a singular ActorRef.
type Placement struct {
	NodeID        string
	Address       string
	ServerVersion int64
	// Incarnation increases each time the hosting node for this ref
	// changes.
	Incarnation uint64
}
