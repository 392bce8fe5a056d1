// Package poll implements PollController, the rendezvous primitive
// backing None-mode (long-polling) actions: many waiters register, a
// single Interrupt delivers a value to all of them and arms any
// subsequent Wait to return immediately until Reset is called.
//
// Implemented as a broadcast channel swapped out under a mutex: close a
// channel to wake every current waiter, then replace it for the next
// generation.
package poll

import "context"

// PollController is safe for concurrent use by multiple waiters and one
// (or more) broadcasters.
type PollController[T any] struct {
	mu      chan struct{} // binary semaphore guarding the fields below
	ch      chan struct{}
	latched bool
	value   T
}

// New constructs a PollController with no latched value.
func New[T any]() *PollController[T] {
	p := &PollController[T]{
		mu: make(chan struct{}, 1),
		ch: make(chan struct{}),
	}
	p.mu <- struct{}{}
	return p
}

func (p *PollController[T]) lock()   { <-p.mu }
func (p *PollController[T]) unlock() { p.mu <- struct{}{} }

// Wait blocks until Interrupt is called, or returns immediately with the
// latched value if Interrupt already fired since the last Reset, or
// returns ctx.Err() if ctx is cancelled first.
func (p *PollController[T]) Wait(ctx context.Context) (T, error) {
	p.lock()
	if p.latched {
		v := p.value
		p.unlock()
		return v, nil
	}
	ch := p.ch
	p.unlock()

	select {
	case <-ch:
		p.lock()
		v := p.value
		p.unlock()
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Interrupt delivers v to every current waiter and latches it so that
// any Wait called before the next Reset returns v immediately.
func (p *PollController[T]) Interrupt(v T) {
	p.lock()
	defer p.unlock()

	p.value = v
	p.latched = true
	close(p.ch)
	p.ch = make(chan struct{})
}

// Reset clears the latched value so that future Wait calls block again
// until the next Interrupt.
func (p *PollController[T]) Reset() {
	p.lock()
	defer p.unlock()

	p.latched = false
	var zero T
	p.value = zero
}
