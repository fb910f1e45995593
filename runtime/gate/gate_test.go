package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// mustFail acquires a slot, reports an overload failure, and releases.
func mustFail(t *testing.T, g *Gate) {
	t.Helper()
	slot, err := g.Acquire(context.Background())
	require.NoError(t, err)
	slot.Fail()
	slot.Release()
}

func mustSucceed(t *testing.T, g *Gate) {
	t.Helper()
	slot, err := g.Acquire(context.Background())
	require.NoError(t, err)
	slot.Succeed()
	slot.Release()
}

func TestNewDefaultsToClosed(t *testing.T) {
	g := New(Options{})
	snap := g.Snapshot()
	require.Equal(t, StateClosed, snap.State)
	require.Zero(t, snap.ConsecutiveFailures)
	require.Zero(t, snap.InFlight)
}

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	g := New(Options{TripThreshold: 3, BaseCooldown: time.Minute})
	for i := 0; i < 3; i++ {
		mustFail(t, g)
	}
	require.Equal(t, StateOpen, g.Snapshot().State)

	_, err := g.Acquire(context.Background())
	var oe *OverloadedError
	require.ErrorAs(t, err, &oe)
	require.Greater(t, oe.RetryAfter, time.Duration(0))
}

func TestInterleavedSuccessResetsCounter(t *testing.T) {
	g := New(Options{TripThreshold: 3})
	mustFail(t, g)
	mustFail(t, g)
	mustSucceed(t, g)
	mustFail(t, g)
	mustFail(t, g)
	// Five failures total but never three consecutive.
	require.Equal(t, StateClosed, g.Snapshot().State)
	require.Equal(t, 2, g.Snapshot().ConsecutiveFailures)
}

func TestOpenRejectsWithRemainingCooldown(t *testing.T) {
	clk := newFakeClock()
	g := New(Options{TripThreshold: 3, BaseCooldown: time.Minute})
	g.now = clk.Now

	for i := 0; i < 3; i++ {
		mustFail(t, g)
	}
	clk.Advance(time.Second)

	_, err := g.Acquire(context.Background())
	var oe *OverloadedError
	require.ErrorAs(t, err, &oe)
	require.Equal(t, 59*time.Second, oe.RetryAfter)
	require.Equal(t, 59*time.Second, g.Snapshot().OpenRemaining)
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	clk := newFakeClock()
	g := New(Options{TripThreshold: 3, BaseCooldown: time.Minute})
	g.now = clk.Now

	for i := 0; i < 3; i++ {
		mustFail(t, g)
	}
	clk.Advance(61 * time.Second)

	probe, err := g.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateHalfOpen, g.Snapshot().State)
	require.True(t, g.Snapshot().ProbeInFlight)

	// Everyone else is rejected until the probe resolves.
	_, err = g.Acquire(context.Background())
	var oe *OverloadedError
	require.ErrorAs(t, err, &oe)

	probe.Succeed()
	probe.Release()

	snap := g.Snapshot()
	require.Equal(t, StateClosed, snap.State)
	require.Zero(t, snap.ConsecutiveFailures)
	require.Equal(t, time.Minute, snap.Cooldown)
	require.Zero(t, snap.InFlight)

	mustSucceed(t, g)
}

func TestProbeFailureReopensWithDoubledCooldown(t *testing.T) {
	clk := newFakeClock()
	g := New(Options{TripThreshold: 3, BaseCooldown: time.Minute, MaxCooldown: time.Hour})
	g.now = clk.Now

	for i := 0; i < 3; i++ {
		mustFail(t, g)
	}
	clk.Advance(61 * time.Second)

	probe, err := g.Acquire(context.Background())
	require.NoError(t, err)
	probe.Fail()
	probe.Release()

	// Re-opened with the doubled window.
	snap := g.Snapshot()
	require.Equal(t, StateOpen, snap.State)
	require.Equal(t, 2*time.Minute, snap.OpenRemaining)

	_, err = g.Acquire(context.Background())
	var oe *OverloadedError
	require.ErrorAs(t, err, &oe)
	require.Equal(t, 2*time.Minute, oe.RetryAfter)

	// A second failed probe doubles again.
	clk.Advance(2*time.Minute + time.Second)
	probe, err = g.Acquire(context.Background())
	require.NoError(t, err)
	probe.Fail()
	probe.Release()
	require.Equal(t, 4*time.Minute, g.Snapshot().OpenRemaining)
}

func TestProbeReleasedWithoutVerdictReopens(t *testing.T) {
	clk := newFakeClock()
	g := New(Options{TripThreshold: 3, BaseCooldown: time.Minute, MaxCooldown: time.Hour})
	g.now = clk.Now

	for i := 0; i < 3; i++ {
		mustFail(t, g)
	}
	clk.Advance(61 * time.Second)

	// The probe's call ends with a client-class error: no verdict either
	// way, only Release runs.
	probe, err := g.Acquire(context.Background())
	require.NoError(t, err)
	probe.Release()

	// Back to open with the current window, not wedged half-open and not
	// doubled as a failed probe would be.
	snap := g.Snapshot()
	require.Equal(t, StateOpen, snap.State)
	require.False(t, snap.ProbeInFlight)
	require.Equal(t, 2*time.Minute, snap.OpenRemaining)
	require.Equal(t, 2*time.Minute, snap.Cooldown)

	// The next expiry designates a fresh probe and the gate can recover.
	clk.Advance(2*time.Minute + time.Second)
	probe, err = g.Acquire(context.Background())
	require.NoError(t, err)
	probe.Succeed()
	probe.Release()
	require.Equal(t, StateClosed, g.Snapshot().State)
}

func TestCooldownIsCappedAtMax(t *testing.T) {
	clk := newFakeClock()
	g := New(Options{TripThreshold: 1, BaseCooldown: time.Minute, MaxCooldown: 90 * time.Second})
	g.now = clk.Now

	mustFail(t, g)
	require.Equal(t, time.Minute, g.Snapshot().OpenRemaining)

	clk.Advance(61 * time.Second)
	probe, err := g.Acquire(context.Background())
	require.NoError(t, err)
	probe.Fail()
	probe.Release()
	require.Equal(t, 90*time.Second, g.Snapshot().OpenRemaining)
}

func TestLimiterBlocksAtCapacity(t *testing.T) {
	g := New(Options{MaxConcurrent: 2})

	a, err := g.Acquire(context.Background())
	require.NoError(t, err)
	b, err := g.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, g.Snapshot().InFlight)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	a.Succeed()
	a.Release()
	c, err := g.Acquire(context.Background())
	require.NoError(t, err)
	b.Succeed()
	b.Release()
	c.Succeed()
	c.Release()
	require.Zero(t, g.Snapshot().InFlight)
}

func TestLimiterBoundHoldsUnderContention(t *testing.T) {
	const max = 3
	g := New(Options{MaxConcurrent: max})

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := g.Acquire(context.Background())
			if err != nil {
				return
			}
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
			slot.Succeed()
			slot.Release()
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, peak.Load(), int32(max))
	require.Zero(t, g.Snapshot().InFlight)
}

func TestTripWhileQueuedRejectsAfterAcquire(t *testing.T) {
	g := New(Options{MaxConcurrent: 1, TripThreshold: 1, BaseCooldown: time.Minute})

	holder, err := g.Acquire(context.Background())
	require.NoError(t, err)

	queued := make(chan error, 1)
	go func() {
		slot, err := g.Acquire(context.Background())
		if err == nil {
			slot.Release()
		}
		queued <- err
	}()

	// Give the goroutine time to block on the limiter, then trip the circuit
	// and free the slot it is waiting for.
	time.Sleep(10 * time.Millisecond)
	holder.Fail()
	holder.Release()

	err = <-queued
	var oe *OverloadedError
	require.ErrorAs(t, err, &oe)

	// The rejected caller must have returned its slot: once the circuit
	// closes again the full capacity is available.
	require.Zero(t, g.Snapshot().InFlight)
}

func TestReleaseTwicePanics(t *testing.T) {
	g := New(Options{})
	slot, err := g.Acquire(context.Background())
	require.NoError(t, err)
	slot.Succeed()
	slot.Release()
	require.Panics(t, func() { slot.Release() })
}

func TestSmoothingLimiterAdmits(t *testing.T) {
	g := New(Options{MaxConcurrent: 2, RPS: 100})
	slot, err := g.Acquire(context.Background())
	require.NoError(t, err)
	slot.Succeed()
	slot.Release()
}

func TestOverloadedErrorMessage(t *testing.T) {
	err := &OverloadedError{RetryAfter: 59 * time.Second}
	require.Contains(t, err.Error(), "59s")
	require.False(t, errors.Is(err, context.Canceled))
}
