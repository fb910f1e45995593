package gate

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestBreakerTransitionProperty verifies that for any sequence of call
// outcomes the circuit opens exactly when the consecutive-failure count
// reaches the threshold, and that any interleaved success resets the count
// so non-consecutive failures never trip it.
func TestBreakerTransitionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("trips iff failures are consecutive", prop.ForAll(
		func(outcomes []bool, threshold int) bool {
			g := New(Options{TripThreshold: threshold, BaseCooldown: time.Hour})
			consecutive := 0
			for _, success := range outcomes {
				slot, err := g.Acquire(context.Background())
				if err != nil {
					// Rejection is only legal once the threshold was reached.
					return consecutive >= threshold
				}
				if success {
					slot.Succeed()
					consecutive = 0
				} else {
					slot.Fail()
					consecutive++
				}
				slot.Release()
				open := g.Snapshot().State == StateOpen
				if open != (consecutive >= threshold) {
					return false
				}
				if open {
					return true
				}
			}
			return g.Snapshot().State == StateClosed
		},
		gen.SliceOf(gen.Bool()),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}
