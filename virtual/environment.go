// Package virtual implements the top-level Dispatcher: it resolves an
// ActorRef to the node that should host it (consulting the Placement
// Registry for Singular kinds, or dispatching straight to the local
// Container for Multiplar kinds), forwards the invocation over
// RemoteClient if that node is not this one, and maintains the
// heartbeat loop and activation cache that make placement lookups cheap
// on the hot path.
//
// Grounded on environment.go's overall shape (an Environment struct
// wrapping a registry.Registry and a RemoteClient, a ristretto
// activation cache keyed by ref, a background heartbeat goroutine, and
// a process-local router for in-memory multi-environment tests); the
// WASM/wapc module-loading concern (EnvironmentOptions.GoModules,
// RegisterModule on startup, InvokeWorker) is dropped in favor of
// routing into virtual/container.Container, since actor factories here
// are ordinary Go code registered through virtual/suite.Catalog rather
// than WASM modules loaded at runtime.
package virtual

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/relaygrid/virtual/virtual/container"
	"github.com/relaygrid/virtual/virtual/kv"
	"github.com/relaygrid/virtual/virtual/registry"
	"github.com/relaygrid/virtual/virtual/suite"
	"github.com/relaygrid/virtual/virtual/types"
)

const (
	heartbeatTimeout          = registry.HeartbeatTTL
	defaultActivationCacheTTL = heartbeatTimeout
	maxNumActivationsToCache  = 1e6 // 1 Million.

	// defaultInvokeTimeout bounds how long a single Invoke call (and any
	// transitive remote hop) is allowed to run if the caller's context
	// carries no deadline of its own.
	defaultInvokeTimeout = 30 * time.Second
)

// RemoteClient is implemented by the transport layer that knows how to
// reach other nodes in the cluster. The core ships no network transport
// of its own; callers supply a RemoteClient backed by whatever RPC
// mechanism their deployment uses.
type RemoteClient interface {
	InvokeActorRemote(
		ctx context.Context,
		versionStamp int64,
		placement registry.Placement,
		ref types.Ref,
		operation string,
		payload []byte,
		instantiateIfAbsent bool,
	) ([]byte, error)
}

// DiscoveryType selects how an Environment advertises its own address.
type DiscoveryType string

const (
	// DiscoveryTypeLocalHost advertises 127.0.0.1, for single-process
	// tests and local development.
	DiscoveryTypeLocalHost DiscoveryType = "localhost"
	// DiscoveryTypeRemote discovers and advertises this host's real IPv4
	// address.
	DiscoveryTypeRemote DiscoveryType = "remote"
)

// DiscoveryOptions controls the address an Environment heartbeats under.
type DiscoveryOptions struct {
	DiscoveryType DiscoveryType
	Port          int
}

// Validate checks that the discovery options are internally consistent.
func (d *DiscoveryOptions) Validate() error {
	if d.DiscoveryType != DiscoveryTypeLocalHost && d.DiscoveryType != DiscoveryTypeRemote {
		return fmt.Errorf("unknown discovery type: %v", d.DiscoveryType)
	}
	if d.Port == 0 && d.DiscoveryType != DiscoveryTypeLocalHost {
		return errors.New("port cannot be zero")
	}
	return nil
}

// EnvironmentOptions configures an Environment.
type EnvironmentOptions struct {
	// ActivationCacheTTL is the TTL of the placement activation cache.
	ActivationCacheTTL time.Duration
	// DisableActivationCache disables the activation cache, forcing every
	// Invoke to consult the registry. Useful for tests asserting on
	// placement changes.
	DisableActivationCache bool
	// Discovery contains the address-discovery options.
	Discovery DiscoveryOptions
	// InvokeTimeout bounds an Invoke call when ctx carries no deadline.
	// Defaults to 30s.
	InvokeTimeout time.Duration
	// EvictionInterval controls how often the local Container's
	// EvictIdle sweep runs. Defaults to 1s.
	EvictionInterval time.Duration
}

// Environment is one node's Dispatcher: it owns a local Container of
// live Instances plus the cluster-wide Registry used to place Singular
// actors, and exposes a single entry point (Invoke) that activation,
// the Proxy layer, and other actors' Portal calls all funnel through.
type Environment struct {
	activationCache *ristretto.Cache

	heartbeatState struct {
		sync.RWMutex
		registry.HeartbeatResult
		frozen bool
		paused bool
	}

	closeCh  chan struct{}
	closedCh chan struct{}

	nodeID    string
	address   string
	registry  registry.Registry
	client    RemoteClient
	catalog   *suite.Catalog
	container *container.Container
	opts      EnvironmentOptions
}

var _ suite.Portal = (*Environment)(nil)

// NewEnvironment constructs and starts an Environment: it builds the
// local Container, performs an initial heartbeat so the node is
// immediately schedulable, registers itself in the process-local router
// (for in-memory multi-node tests), and starts the background heartbeat
// and eviction-sweep goroutines.
func NewEnvironment(
	ctx context.Context,
	nodeID string,
	reg registry.Registry,
	client RemoteClient,
	catalog *suite.Catalog,
	store kv.Store,
	opts EnvironmentOptions,
) (*Environment, error) {
	if opts.ActivationCacheTTL == 0 {
		opts.ActivationCacheTTL = defaultActivationCacheTTL
	}
	if opts.InvokeTimeout == 0 {
		opts.InvokeTimeout = defaultInvokeTimeout
	}
	if opts.EvictionInterval == 0 {
		opts.EvictionInterval = time.Second
	}

	activationCache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxNumActivationsToCache * 10, // * 10 per the docs.
		MaxCost:     1e6,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating activationCache: %w", err)
	}

	host := "127.0.0.1"
	if opts.Discovery.DiscoveryType == DiscoveryTypeRemote {
		selfIP, err := getSelfIP()
		if err != nil {
			return nil, fmt.Errorf("error discovering self IP: %w", err)
		}
		host = selfIP.To4().String()
	}
	address := fmt.Sprintf("%s:%d", host, opts.Discovery.Port)

	env := &Environment{
		activationCache: activationCache,
		closeCh:         make(chan struct{}),
		closedCh:        make(chan struct{}),
		nodeID:          nodeID,
		address:         address,
		registry:        reg,
		client:          client,
		catalog:         catalog,
		opts:            opts,
	}
	env.container = container.New(catalog, store, env)

	log.Printf("registering self with address: %s", address)

	if err := env.heartbeat(); err != nil {
		return nil, fmt.Errorf("failed to perform initial heartbeat: %w", err)
	}

	localEnvironmentsRouterLock.Lock()
	if _, ok := localEnvironmentsRouter[address]; ok {
		localEnvironmentsRouterLock.Unlock()
		return nil, fmt.Errorf("tried to register: %s to local environment router twice", address)
	}
	localEnvironmentsRouter[address] = env
	localEnvironmentsRouterLock.Unlock()

	go env.backgroundLoop()

	return env, nil
}

func (e *Environment) backgroundLoop() {
	defer close(e.closedCh)

	heartbeatTicker := time.NewTicker(time.Second)
	defer heartbeatTicker.Stop()
	evictTicker := time.NewTicker(e.opts.EvictionInterval)
	defer evictTicker.Stop()

	for {
		select {
		case <-heartbeatTicker.C:
			e.heartbeatState.RLock()
			paused := e.heartbeatState.paused
			e.heartbeatState.RUnlock()
			if paused {
				continue
			}
			if err := e.heartbeat(); err != nil {
				log.Printf("error performing background heartbeat: %v\n", err)
			}
		case <-evictTicker.C:
			e.container.EvictIdle(context.Background())
		case <-e.closeCh:
			log.Printf("environment with nodeID: %s and address: %s is shutting down\n", e.nodeID, e.address)
			return
		}
	}
}

// Invoke is the single entry point for all invocations, whether issued
// by the Proxy layer on behalf of an external caller or by another
// actor via Portal. It resolves placement (for Singular kinds) and
// either dispatches locally or forwards to the hosting node.
func (e *Environment) Invoke(
	ctx context.Context,
	actorType string,
	identity types.Identity,
	operation string,
	payload []byte,
	instantiateIfAbsent bool,
) ([]byte, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.InvokeTimeout)
		defer cancel()
	}

	ref := types.Ref{ActorType: actorType, ActorID: identity}
	if err := ref.Validate(); err != nil {
		return nil, types.NewFrameworkError(types.ErrKindNotSupported, err)
	}

	actorTypeDef, ok := e.catalog.Lookup(actorType)
	if !ok {
		return nil, types.NewFrameworkError(types.ErrKindNotSupported,
			fmt.Errorf("actor type %q not registered in this cluster's catalog", actorType))
	}

	// Multiplar actors have no cluster-wide identity: whichever node
	// receives the call just activates (or reuses) its own local
	// instance, per Kind's placement distinction.
	if actorTypeDef.Kind == types.Multiplar {
		return e.container.Dispatch(ctx, ref, operation, payload, instantiateIfAbsent)
	}

	vs, err := e.registry.GetVersionStamp(ctx)
	if err != nil {
		return nil, types.NewFrameworkError(types.ErrKindUnreachable,
			fmt.Errorf("error getting version stamp: %w", err))
	}

	placement, err := e.placementFor(ctx, ref)
	if err != nil {
		return nil, types.NewFrameworkError(types.ErrKindUnreachable,
			fmt.Errorf("error ensuring activation of actor %s: %w", ref, err))
	}

	if placement.NodeID == e.nodeID {
		return e.container.Dispatch(ctx, ref, operation, payload, instantiateIfAbsent)
	}

	localEnvironmentsRouterLock.RLock()
	localEnv, ok := localEnvironmentsRouter[placement.Address]
	localEnvironmentsRouterLock.RUnlock()
	if ok {
		return localEnv.InvokeDirect(ctx, vs, placement.NodeID, placement.ServerVersion, ref, operation, payload, instantiateIfAbsent)
	}
	return e.client.InvokeActorRemote(ctx, vs, placement, ref, operation, payload, instantiateIfAbsent)
}

// InvokeDirect is called (in-process by Invoke's local-router
// shortcut, or by RemoteClient implementations handling an inbound
// request) on the node that is supposed to be hosting ref. It fences on
// the caller's observed heartbeat/server-version to detect the case
// where this node lost its heartbeat lease since the caller last
// consulted the registry.
func (e *Environment) InvokeDirect(
	ctx context.Context,
	versionStamp int64,
	nodeID string,
	serverVersion int64,
	ref types.Ref,
	operation string,
	payload []byte,
	instantiateIfAbsent bool,
) ([]byte, error) {
	if nodeID != e.nodeID {
		return nil, types.NewFrameworkError(types.ErrKindUnreachable,
			fmt.Errorf("request for nodeID: %s received by node: %s, cannot fulfill", nodeID, e.nodeID))
	}

	e.heartbeatState.RLock()
	heartbeatResult := e.heartbeatState.HeartbeatResult
	e.heartbeatState.RUnlock()

	if heartbeatResult.VersionStamp+heartbeatResult.HeartbeatTTL < versionStamp {
		return nil, types.NewFrameworkError(types.ErrKindUnreachable,
			fmt.Errorf("node heartbeat(%d)+TTL(%d) < versionStamp(%d)",
				heartbeatResult.VersionStamp, heartbeatResult.HeartbeatTTL, versionStamp))
	}
	if heartbeatResult.ServerVersion != serverVersion {
		return nil, types.NewFrameworkError(types.ErrKindUnreachable,
			fmt.Errorf("node server version(%d) != placement's server version(%d)",
				heartbeatResult.ServerVersion, serverVersion))
	}

	return e.container.Dispatch(ctx, ref, operation, payload, instantiateIfAbsent)
}

func (e *Environment) placementFor(ctx context.Context, ref types.Ref) (registry.Placement, error) {
	cacheKey := ref.ActorType + "::" + ref.ActorID.String()

	if !e.opts.DisableActivationCache {
		if v, ok := e.activationCache.Get(cacheKey); ok {
			return v.(registry.Placement), nil
		}
	}

	placement, err := e.registry.EnsureActivation(ctx, ref)
	if err != nil {
		return registry.Placement{}, err
	}

	// TTL the cache entry so that a subsequent generation bump or
	// rebalance eventually takes effect even though it isn't immediate.
	e.activationCache.SetWithTTL(cacheKey, placement, 1, e.opts.ActivationCacheTTL)
	return placement, nil
}

// Close stops the background goroutines and removes this Environment
// from the process-local router.
func (e *Environment) Close() error {
	localEnvironmentsRouterLock.Lock()
	delete(localEnvironmentsRouter, e.address)
	localEnvironmentsRouterLock.Unlock()

	close(e.closeCh)
	<-e.closedCh
	return nil
}

// Stats summarizes this node's current load, useful for operational
// dashboards and for tests asserting on placement/eviction behavior.
type Stats struct {
	NumActivatedActors int
	Address            string
	NodeID             string
}

// Stats returns a snapshot of this node's current load.
func (e *Environment) Stats() Stats {
	return Stats{
		NumActivatedActors: e.container.NumActivated(),
		Address:            e.address,
		NodeID:             e.nodeID,
	}
}

func (e *Environment) heartbeat() error {
	ctx, cancel := context.WithTimeout(context.Background(), heartbeatTimeout)
	defer cancel()

	result, err := e.registry.Heartbeat(ctx, e.nodeID, registry.HeartbeatState{
		NumActivatedActors: e.container.NumActivated(),
		Address:            e.address,
		SupportedTypes:     e.catalog.Names(),
	})
	if err != nil {
		return fmt.Errorf("error heartbeating: %w", err)
	}

	e.heartbeatState.Lock()
	if !e.heartbeatState.frozen {
		e.heartbeatState.HeartbeatResult = result
	}
	e.heartbeatState.Unlock()
	return nil
}

func (e *Environment) freezeHeartbeatState() {
	e.heartbeatState.Lock()
	e.heartbeatState.frozen = true
	e.heartbeatState.Unlock()
}

func (e *Environment) pauseHeartbeat() {
	e.heartbeatState.Lock()
	e.heartbeatState.paused = true
	e.heartbeatState.Unlock()
}

func (e *Environment) resumeHeartbeat() {
	e.heartbeatState.Lock()
	e.heartbeatState.paused = false
	e.heartbeatState.Unlock()
}

// localEnvironmentsRouter lets multiple in-memory Environments (as used
// throughout this package's tests) route to each other by address
// without a real network transport.
var (
	localEnvironmentsRouter     = map[string]*Environment{}
	localEnvironmentsRouterLock sync.RWMutex
)

func getSelfIP() (net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}

	for _, address := range addrs {
		var ip net.IP
		switch v := address.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		ip = ip.To4()
		if ip == nil {
			continue
		}
		return ip, nil
	}

	return nil, errors.New("could not discover self IPv4 address")
}
