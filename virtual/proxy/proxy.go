// Package proxy implements the Proxy Layer: typed,
// ergonomic handles that marshal a method call into an Invocation,
// submit it through a Portal, retry on retriable FrameworkErrors with
// exponential backoff, and surface ActionErrors (and non-retriable
// FrameworkErrors) verbatim to the caller.
//
// Grounded on the RemoteClient/InvokeActor call shape in
// virtual/environment.go, generalized into a reusable client-side
// wrapper, plus the retry-with-backoff idiom the rest of the corpus
// uses for flaky dependencies (e.g. luckydog8686-specs-actors' worker
// retry loops), since the underlying call shape never retries
// client-side on its own.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/relaygrid/virtual/virtual/suite"
	"github.com/relaygrid/virtual/virtual/types"
)

// RetryPolicy controls how many times, and how long, Invoke retries a
// retriable FrameworkError before giving up.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy assumes transient unreachable/timeout errors are
// worth a handful of quick retries before being surfaced to the caller.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 4,
	BaseDelay:   25 * time.Millisecond,
	MaxDelay:    2 * time.Second,
}

// Proxy is the caller-facing entry point to the actor runtime: every
// Handle constructed from it shares its Portal and RetryPolicy.
type Proxy struct {
	portal suite.Portal
	policy RetryPolicy
}

// New constructs a Proxy that submits invocations through portal
// (typically an *virtual.Environment), retrying per policy.
func New(portal suite.Portal, policy RetryPolicy) *Proxy {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy
	}
	return &Proxy{portal: portal, policy: policy}
}

// Handle is a typed reference to one actor instance, used to invoke its
// operations without the caller needing to know which node (if any)
// currently hosts it.
type Handle struct {
	proxy    *Proxy
	actorType string
	identity  types.Identity
}

// For constructs a Handle addressing the actor identified by
// (actorType, identity).
func (p *Proxy) For(actorType string, identity types.Identity) *Handle {
	return &Handle{proxy: p, actorType: actorType, identity: identity}
}

// Invoke marshals args as JSON, submits operation against the handle's
// actor (creating it first if instantiateIfAbsent is true), retries
// retriable FrameworkErrors per the Proxy's RetryPolicy, and unmarshals
// the reply into reply (which may be nil if the caller doesn't need the
// result).
func (h *Handle) Invoke(ctx context.Context, operation string, args any, reply any, instantiateIfAbsent bool) error {
	var payload []byte
	if args != nil {
		var err error
		payload, err = json.Marshal(args)
		if err != nil {
			return fmt.Errorf("proxy: error marshaling args for %s.%s: %w", h.actorType, operation, err)
		}
	}

	result, err := h.invokeWithRetry(ctx, operation, payload, instantiateIfAbsent)
	if err != nil {
		return err
	}

	if reply != nil && len(result) > 0 {
		if err := json.Unmarshal(result, reply); err != nil {
			return fmt.Errorf("proxy: error unmarshaling reply for %s.%s: %w", h.actorType, operation, err)
		}
	}
	return nil
}

func (h *Handle) invokeWithRetry(ctx context.Context, operation string, payload []byte, instantiateIfAbsent bool) ([]byte, error) {
	policy := h.proxy.policy

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		result, err := h.proxy.portal.Invoke(ctx, h.actorType, h.identity, operation, payload, instantiateIfAbsent)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var fe *types.FrameworkError
		if !asFrameworkError(err, &fe) || !fe.Retriable() {
			// Either an ActionError (user code's own error, never
			// retried/swallowed) or a non-retriable FrameworkError: give
			// up immediately.
			return nil, err
		}

		if attempt == policy.MaxAttempts-1 {
			break
		}

		delay := backoffDelay(policy, attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, lastErr
}

func asFrameworkError(err error, target **types.FrameworkError) bool {
	fe, ok := err.(*types.FrameworkError)
	if !ok {
		return false
	}
	*target = fe
	return true
}

// backoffDelay computes an exponential delay with jitter, capped at
// policy.MaxDelay.
func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	delay := policy.BaseDelay << attempt
	if delay > policy.MaxDelay || delay <= 0 {
		delay = policy.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay/2 + jitter
}
