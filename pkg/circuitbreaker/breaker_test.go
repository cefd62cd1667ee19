package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := New("test", 3, time.Minute)

	for i := 0; i < 2; i++ {
		_ = b.Execute(func() error { return errBoom })
		assert.Equal(t, StateClosed, b.Snapshot().State)
	}

	_ = b.Execute(func() error { return errBoom })
	assert.Equal(t, StateOpen, b.Snapshot().State)
	assert.Equal(t, 3, b.Snapshot().FailureCount)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := New("test", 3, time.Minute)

	_ = b.Execute(func() error { return errBoom })
	_ = b.Execute(func() error { return errBoom })
	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, 0, b.Snapshot().FailureCount)

	// Non-consecutive failures never trip the breaker.
	_ = b.Execute(func() error { return errBoom })
	_ = b.Execute(func() error { return errBoom })
	assert.Equal(t, StateClosed, b.Snapshot().State)
}

func TestBreakerFastFailsWhileOpen(t *testing.T) {
	b := New("payments", 1, time.Minute)
	_ = b.Execute(func() error { return errBoom })
	require.Equal(t, StateOpen, b.Snapshot().State)

	called := false
	err := b.Execute(func() error { called = true; return nil })

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "payments", openErr.Name)
	assert.Greater(t, openErr.RetryAfter, time.Duration(0))
	assert.False(t, called, "open breaker must not invoke the call")
}

func TestBreakerHalfOpenTrialSucceeds(t *testing.T) {
	b := New("test", 1, 10*time.Millisecond)
	_ = b.Execute(func() error { return errBoom })

	time.Sleep(20 * time.Millisecond)

	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, b.Snapshot().State)
	assert.Equal(t, 0, b.Snapshot().FailureCount)
}

func TestBreakerHalfOpenTrialFailureReopens(t *testing.T) {
	b := New("test", 2, 10*time.Millisecond)
	_ = b.Execute(func() error { return errBoom })
	_ = b.Execute(func() error { return errBoom })
	require.Equal(t, StateOpen, b.Snapshot().State)

	time.Sleep(20 * time.Millisecond)

	err := b.Execute(func() error { return errBoom })
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, b.Snapshot().State)

	// The timeout clock restarted; calls fast-fail again.
	var openErr *OpenError
	assert.ErrorAs(t, b.Allow(), &openErr)
}

func TestBreakerHalfOpenSingleTrialSlot(t *testing.T) {
	b := New("test", 1, 10*time.Millisecond)
	_ = b.Execute(func() error { return errBoom })
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, b.Allow(), "first caller takes the trial slot")

	var openErr *OpenError
	require.ErrorAs(t, b.Allow(), &openErr, "second caller is rejected while the trial is in flight")

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.Snapshot().State)
}

func TestBreakerReset(t *testing.T) {
	b := New("test", 1, time.Hour)
	_ = b.Execute(func() error { return errBoom })
	require.Equal(t, StateOpen, b.Snapshot().State)

	b.Reset()
	assert.Equal(t, StateClosed, b.Snapshot().State)
	assert.NoError(t, b.Execute(func() error { return nil }))
}

func TestBreakerConcurrentExecute(t *testing.T) {
	b := New("test", 5, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = b.Execute(func() error {
				if i%2 == 0 {
					return errBoom
				}
				return nil
			})
		}(i)
	}
	wg.Wait()

	snap := b.Snapshot()
	assert.Contains(t, []State{StateClosed, StateOpen}, snap.State)
}

func TestRegistryGetReturnsSameBreaker(t *testing.T) {
	r := NewRegistry(5, time.Minute)

	b1 := r.Get("ap2_payment_execution")
	b2 := r.Get("ap2_payment_execution")
	assert.Same(t, b1, b2)

	other := r.Get("ap2_mandate_operations")
	assert.NotSame(t, b1, other)
}

func TestRegistryReset(t *testing.T) {
	r := NewRegistry(1, time.Hour)
	b := r.Get("ap2_payment_execution")
	_ = b.Execute(func() error { return errBoom })
	require.Equal(t, StateOpen, b.Snapshot().State)

	assert.False(t, r.Reset("unknown"))
	assert.True(t, r.Reset("ap2_payment_execution"))
	assert.Equal(t, StateClosed, b.Snapshot().State)
}

func TestRegistrySnapshotsSorted(t *testing.T) {
	r := NewRegistry(5, time.Minute)
	r.Get("zeta")
	r.Get("alpha")

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "alpha", snaps[0].Name)
	assert.Equal(t, "zeta", snaps[1].Name)
}
