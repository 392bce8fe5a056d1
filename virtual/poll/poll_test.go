package poll

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitBlocksUntilInterrupt(t *testing.T) {
	p := New[string]()

	const n = 20
	results := make([]string, n)

	var wg sync.WaitGroup
	var ready sync.WaitGroup
	ready.Add(n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			ready.Done()
			v, err := p.Wait(context.Background())
			require.NoError(t, err)
			results[i] = v
		}()
	}
	ready.Wait()
	time.Sleep(10 * time.Millisecond) // let every goroutine reach Wait

	p.Interrupt("B")
	wg.Wait()

	for i, v := range results {
		require.Equal(t, "B", v, "waiter %d", i)
	}
}

func TestWaitReturnsImmediatelyWhileLatched(t *testing.T) {
	p := New[int]()
	p.Interrupt(42)

	for i := 0; i < 3; i++ {
		v, err := p.Wait(context.Background())
		require.NoError(t, err)
		require.Equal(t, 42, v)
	}
}

func TestResetRearmsWaiting(t *testing.T) {
	p := New[int]()
	p.Interrupt(1)
	p.Reset()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	p.Interrupt(2)
	v, err := p.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, v)
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	p := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
