// Package lock implements the per-Instance action gate described by the
// runtime's concurrency model: exclusive/shared/none locking modes with
// strict FIFO fairness across a single waiter queue, plus the implicit
// permanent exclusive hold taken during deactivation.
package lock

import (
	"context"
	"errors"
	"sync"
)

// Mode is the locking mode an action method is annotated with.
type Mode int

const (
	// Exclusive is the default mode: no other holder of either mode may
	// be in-flight while an exclusive holder runs.
	Exclusive Mode = iota
	// Shared holders may run concurrently with each other, but never
	// with an Exclusive holder.
	Shared
	// None bypasses the lock entirely. Used by long-polling actions that
	// must not stall their siblings. Rejected once the instance has
	// entered DEACTIVATING (see container.Instance).
	None
)

// ErrDeactivating is returned by Acquire when the lock has been
// permanently held for deactivation and no further action entry is
// permitted, including None-mode actions.
var ErrDeactivating = errors.New("lock: instance is deactivating, no further actions may enter")

// waiter is one entry in the FIFO queue. ready is closed when it is this
// waiter's turn to run.
type waiter struct {
	mode  Mode
	ready chan struct{}
}

// Lock is a FIFO-fair exclusive/shared gate for one Instance's actions.
//
// The queue is a single ordered slice: a waiter's position in it is the
// only thing that determines when it may run, which gives a strict
// FIFO guarantee (no exclusive starvation under a steady stream of
// shared calls, and no shared call can hop a queued exclusive one).
type Lock struct {
	mu sync.Mutex

	queue        []*waiter
	runningExcl  bool
	runningShare int

	deactivating bool
	// heldForDeactivation is true once Deactivate() has taken its
	// implicit permanent exclusive hold; nothing releases it.
	heldForDeactivation bool
}

// New constructs an idle Lock.
func New() *Lock {
	return &Lock{}
}

// Acquire blocks until the caller may run in the requested mode, or ctx
// is cancelled, or the instance is deactivating (for any mode, including
// None: no action may re-enter an instance that is already tearing
// down). The returned release func must be called exactly once when the
// action body completes, regardless of success or failure.
func (l *Lock) Acquire(ctx context.Context, mode Mode) (release func(), err error) {
	l.mu.Lock()
	if l.deactivating {
		l.mu.Unlock()
		return nil, ErrDeactivating
	}

	if mode == None {
		// None bypasses the queue/serialization entirely, but still
		// participates in the deactivation check above and below so a
		// long-poller can't keep DEACTIVATING from ever completing.
		l.mu.Unlock()
		return func() {}, nil
	}

	w := &waiter{mode: mode, ready: make(chan struct{})}
	canRunNow := len(l.queue) == 0 &&
		((mode == Exclusive && !l.runningExcl && l.runningShare == 0) ||
			(mode == Shared && !l.runningExcl))
	if canRunNow {
		// Admit directly without ever enqueuing: w must never sit in
		// l.queue already admitted, or the next promoteNext would reach
		// it as a stale head and call admit (and close(w.ready)) again.
		l.admit(w)
	} else {
		l.queue = append(l.queue, w)
	}
	l.mu.Unlock()

	select {
	case <-w.ready:
	case <-ctx.Done():
		l.abandon(w)
		return nil, ctx.Err()
	}

	return func() { l.release(mode) }, nil
}

// admit marks w as running. Caller must hold l.mu.
func (l *Lock) admit(w *waiter) {
	if w.mode == Exclusive {
		l.runningExcl = true
	} else {
		l.runningShare++
	}
	close(w.ready)
}

// abandon handles a waiter whose ctx was cancelled while it was still
// waiting its turn. If w had already been admitted (ctx.Done() and
// admit raced, and admit won), Acquire's caller still returns ctx.Err()
// and will never call release(), so abandon clears the running
// counters itself to avoid leaking a permanent hold. By the time
// abandon can observe w.ready closed, admit has already dequeued w
// (promoteNext pops the head before admitting it, and the fast Acquire
// path never enqueues w at all), so w is never still present in
// l.queue here. Otherwise w gave up before its turn and is just
// removed from the queue.
func (l *Lock) abandon(w *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()

	select {
	case <-w.ready:
		if w.mode == Exclusive {
			l.runningExcl = false
		} else {
			l.runningShare--
		}
		l.promoteNext()
		return
	default:
	}

	for i, q := range l.queue {
		if q == w {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			break
		}
	}
}

func (l *Lock) release(mode Mode) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if mode == Exclusive {
		l.runningExcl = false
	} else {
		l.runningShare--
	}
	l.promoteNext()
}

// promoteNext admits the next eligible run of waiters from the front of
// the queue. Caller must hold l.mu.
func (l *Lock) promoteNext() {
	for len(l.queue) > 0 {
		head := l.queue[0]
		if head.mode == Exclusive {
			if l.runningExcl || l.runningShare > 0 {
				return
			}
			l.queue = l.queue[1:]
			l.admit(head)
			return
		}

		// head.mode == Shared: admit it and every subsequent Shared
		// waiter that's contiguous with it, so shared callers don't wait
		// on each other, but stop at the first Exclusive waiter to
		// preserve FIFO (an Exclusive waiter queued after some Shared
		// waiters must not be starved by later-arriving Shared waiters,
		// but it also must not jump ahead of the Shared waiters that
		// arrived before it).
		if l.runningExcl {
			return
		}
		i := 0
		for i < len(l.queue) && l.queue[i].mode == Shared {
			l.admit(l.queue[i])
			i++
		}
		l.queue = l.queue[i:]
		return
	}
}

// Deactivate waits for the lock to quiesce (no running or queued
// holders ahead of it) and then takes an implicit, permanent exclusive
// hold: no subsequent Acquire of any mode will succeed. It is safe to
// call Deactivate concurrently with in-flight Acquire calls; those
// already admitted are allowed to drain, and Deactivate's own waiter is
// queued FIFO like any other exclusive entrant so that actions enqueued
// before deactivation was requested still run first.
func (l *Lock) Deactivate(ctx context.Context) error {
	release, err := l.Acquire(ctx, Exclusive)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.deactivating = true
	l.heldForDeactivation = true
	l.mu.Unlock()

	// Intentionally do not call release(): the hold is permanent, so
	// runningExcl stays set for the rest of the lock's life.
	_ = release
	return nil
}
