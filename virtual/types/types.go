// Package types contains the shared data model for the virtual actor
// runtime: actor identities, references, invocation frames and the
// error kinds that flow between the Dispatcher, the Proxy layer and
// the Placement Registry.
package types

import (
	"errors"
	"fmt"
)

// Kind distinguishes an ActorType's placement semantics.
type Kind int

const (
	// Singular actors have at most one live instance cluster-wide per
	// ActorRef. Invocations are routed to whichever node currently hosts
	// the instance.
	Singular Kind = iota
	// Multiplar actors may have any number of live instances across the
	// cluster. Invocations load-balance across nodes that support the
	// type.
	Multiplar
)

func (k Kind) String() string {
	switch k {
	case Singular:
		return "singular"
	case Multiplar:
		return "multiplar"
	default:
		return fmt.Sprintf("unknown-kind(%d)", int(k))
	}
}

// Identity is a non-empty ordered sequence of strings that, together
// with an ActorType name, identifies an actor instance.
type Identity []string

// Validate returns an error if the identity is empty.
func (id Identity) Validate() error {
	if len(id) == 0 {
		return errors.New("actor identity cannot be empty")
	}
	for _, part := range id {
		if part == "" {
			return errors.New("actor identity parts cannot be empty strings")
		}
	}
	return nil
}

// String renders the identity as a slash-joined path, used for logging
// and as the basis for storage keys.
func (id Identity) String() string {
	s := ""
	for i, part := range id {
		if i > 0 {
			s += "/"
		}
		s += part
	}
	return s
}

// Ref is the pair (ActorType, ActorIdentity) that addresses exactly one
// logical actor, irrespective of where (or whether) it is currently
// activated.
type Ref struct {
	ActorType string
	ActorID   Identity
}

// Validate checks that both the ActorType and ActorID are well formed.
func (r Ref) Validate() error {
	if r.ActorType == "" {
		return errors.New("ActorType cannot be empty")
	}
	return r.ActorID.Validate()
}

func (r Ref) String() string {
	return fmt.Sprintf("%s::%s", r.ActorType, r.ActorID.String())
}

// ActorOptions carries per-actor-type configuration that the Container's
// eviction policies consult. The zero value disables all time/capacity
// based eviction (only an explicit TriggerFinalization call will evict).
type ActorOptions struct {
	// Capacity is the maximum number of live instances of this type this
	// node will keep activated before evicting the least-recently-used
	// instance, busy or not. Zero means unlimited.
	Capacity int
	// MaxAge is the maximum amount of time an instance may remain
	// activated, regardless of activity, before it becomes eligible for
	// eviction on its next idle moment. Zero means unlimited.
	MaxAge int64 // nanoseconds, see time.Duration
	// MaxIdle is the maximum amount of time an instance may go without
	// receiving an invocation before it is evicted. Zero means unlimited.
	MaxIdle int64 // nanoseconds, see time.Duration
}

// FrameworkErrorKind enumerates the "who caused it" / "is it retriable"
// axis from the error handling design.
type FrameworkErrorKind string

const (
	ErrKindUnreachable       FrameworkErrorKind = "unreachable"
	ErrKindTimeout           FrameworkErrorKind = "timeout"
	ErrKindActivationFailed  FrameworkErrorKind = "activation-failed"
	ErrKindNotSupported      FrameworkErrorKind = "not-supported"
	ErrKindStorageUnavail    FrameworkErrorKind = "storage-unavailable"
	ErrKindStorageConflict   FrameworkErrorKind = "storage-conflict"
	ErrKindCorrupt           FrameworkErrorKind = "corrupt"
)

// FrameworkError is returned by the Dispatcher/Proxy layer for any error
// that did not originate from the actor's own action body. ActionErrors
// (user code returning an error) are surfaced verbatim instead and never
// wrapped in a FrameworkError.
type FrameworkError struct {
	Kind FrameworkErrorKind
	Err  error
}

func (e *FrameworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("framework-error(%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("framework-error(%s)", e.Kind)
}

func (e *FrameworkError) Unwrap() error { return e.Err }

// NewFrameworkError constructs a FrameworkError of the given kind.
func NewFrameworkError(kind FrameworkErrorKind, err error) *FrameworkError {
	return &FrameworkError{Kind: kind, Err: err}
}

// Retriable reports whether the caller (Dispatcher internally, or the
// Proxy on the caller's behalf) may retry after this error kind, per the
// error handling design table.
func (e *FrameworkError) Retriable() bool {
	switch e.Kind {
	case ErrKindUnreachable, ErrKindTimeout, ErrKindActivationFailed,
		ErrKindStorageUnavail, ErrKindStorageConflict:
		return true
	default:
		return false
	}
}

// IsFrameworkErrorKind reports whether err is a *FrameworkError of the
// given kind.
func IsFrameworkErrorKind(err error, kind FrameworkErrorKind) bool {
	var fe *FrameworkError
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// ActionError wraps an error returned by user actor code. The Dispatcher
// and Proxy layer never swallow or retry these; they propagate verbatim
// to the caller.
type ActionError struct {
	Err error
}

func (e *ActionError) Error() string { return e.Err.Error() }
func (e *ActionError) Unwrap() error  { return e.Err }

// NewActionError wraps err, unless it is already an *ActionError.
func NewActionError(err error) *ActionError {
	if err == nil {
		return nil
	}
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae
	}
	return &ActionError{Err: err}
}

// Invocation is the frame exchanged between the Proxy layer and the
// Dispatcher (directly in-process, or across the transport when the
// target lives on a different node).
type Invocation struct {
	Ref                 Ref
	Operation           string
	Payload             []byte
	InstantiateIfAbsent bool
	CorrelationID       string
}
