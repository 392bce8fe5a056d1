// Package timer implements the per-instance volatile timer service:
// timers scheduled via NewVolatileTimer fire on the owning instance's
// lock so they observe the same serialization as ordinary actions, are
// cancelled (and never fire again) on deactivation, and do not survive
// process restart.
//
// Grounded on the ad hoc use of time.AfterFunc in activations.go's
// ScheduleInvokeActor/newHostFnRouter (ScheduleInvocationOperationName
// case): this package generalizes that one-off pattern into a reusable,
// cancellable primitive shared by every actor instance.
package timer

import (
	"context"
	"sync"
	"time"
)

// Runner executes fn with the owning instance's lock held (exclusive by
// default), the same way an ordinary action body
// would run. The container package supplies one per Instance (built in
// Container.getOrCreate) that acquires the instance's Lock before
// invoking fn and releases it after.
type Runner func(ctx context.Context, fn func(ctx context.Context)) error

// Service owns the set of volatile timers for a single Instance. The
// zero value is not usable; construct with New.
type Service struct {
	mu      sync.Mutex
	run     Runner
	timers  map[*Handle]struct{}
	stopped bool
}

// New constructs a timer Service bound to run, the instance's
// lock-acquiring callback.
func New(run Runner) *Service {
	return &Service{
		run:    run,
		timers: make(map[*Handle]struct{}),
	}
}

// Handle references one scheduled timer.
type Handle struct {
	timer     *time.Timer
	cancelled bool
}

// Cancel stops the timer if it has not fired yet; calling Cancel again
// is a no-op. If the timer has already fired, Cancel neither waits for
// nor prevents the fire's callback, which may still call run with fn.
func (h *Handle) Cancel() {
	h.timer.Stop()
}

// NewVolatileTimer schedules fn to run after d, serialized through the
// owning instance's lock. It returns a handle whose Cancel method
// prevents the timer from firing (a no-op if it already fired or was
// already cancelled). Timers scheduled after the Service has been
// Stopped are immediately cancelled and never fire.
func (s *Service) NewVolatileTimer(ctx context.Context, d time.Duration, fn func(ctx context.Context)) *Handle {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		t := time.NewTimer(0)
		t.Stop()
		return &Handle{timer: t, cancelled: true}
	}

	h := &Handle{}
	h.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		if s.stopped || h.cancelled {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		// Run outside the service lock: the action body (via s.run) may
		// take a while and must not block Stop()/other timers from being
		// registered/cancelled concurrently.
		_ = s.run(ctx, fn)

		s.mu.Lock()
		delete(s.timers, h)
		s.mu.Unlock()
	})
	s.timers[h] = struct{}{}
	s.mu.Unlock()

	return h
}

// Stop cancels every pending timer and prevents new ones from being
// scheduled. Called during Instance deactivation; after Stop returns, no
// pending timer of this service starts a fire. A fire whose callback
// had already passed its cancellation check before Stop was called
// still calls run; in the container, run then fails because the Lock
// has already been deactivated.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for h := range s.timers {
		h.cancelled = true
		h.timer.Stop()
	}
	s.timers = make(map[*Handle]struct{})
}
